// Package transport carries the membership protocol between processes: probe
// frames over UDP, protocol messages over gRPC, and the HTTP endpoints that
// share the gRPC port.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/maxpert/gms/probe"
	"github.com/rs/zerolog/log"
)

const maxDatagramSize = 64

// ErrChannelClosed is returned when sending on a closed channel
var ErrChannelClosed = errors.New("udp channel closed")

// UDPChannel is a probe.Channel backed by a UDP socket
type UDPChannel struct {
	conn  *net.UDPConn
	local netip.AddrPort

	mu       sync.RWMutex
	receiver probe.Receiver

	closed atomic.Bool
	wg     sync.WaitGroup
}

// ListenUDP binds addr and starts the read loop. Inbound frames are dropped
// until a receiver is installed.
func ListenUDP(addr netip.AddrPort) (*UDPChannel, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp %s: %w", addr, err)
	}

	local := conn.LocalAddr().(*net.UDPAddr).AddrPort()
	c := &UDPChannel{
		conn:  conn,
		local: netip.AddrPortFrom(local.Addr().Unmap(), local.Port()),
	}

	c.wg.Add(1)
	go c.readLoop()

	log.Info().Str("address", c.local.String()).Msg("Probe channel listening")
	return c, nil
}

// LocalAddr returns the bound address
func (c *UDPChannel) LocalAddr() netip.AddrPort {
	return c.local
}

// Send writes one frame to the given address
func (c *UDPChannel) Send(to netip.AddrPort, frame []byte) error {
	if c.closed.Load() {
		return ErrChannelClosed
	}
	if _, err := c.conn.WriteToUDPAddrPort(frame, to); err != nil {
		return fmt.Errorf("failed to send probe to %s: %w", to, err)
	}
	return nil
}

// SetReceiver replaces the receiver of inbound frames
func (c *UDPChannel) SetReceiver(r probe.Receiver) {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
}

// Close stops the read loop and releases the socket. Closing twice is a no-op.
func (c *UDPChannel) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// Closed reports whether Close was called
func (c *UDPChannel) Closed() bool {
	return c.closed.Load()
}

func (c *UDPChannel) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			log.Warn().Err(err).Msg("Probe channel read failed")
			continue
		}

		from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

		c.mu.RLock()
		r := c.receiver
		c.mu.RUnlock()

		if err := probe.Dispatch(r, from, buf[:n]); err != nil {
			log.Debug().Err(err).Str("from", from.String()).Msg("Dropped malformed probe frame")
		}
	}
}
