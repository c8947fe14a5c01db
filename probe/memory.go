package probe

import (
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned when sending on a closed channel
var ErrClosed = errors.New("probe channel closed")

// MemoryNetwork connects in-process channels. Frames are delivered
// asynchronously and silently dropped for unknown or isolated endpoints,
// like datagrams.
type MemoryNetwork struct {
	mu       sync.RWMutex
	channels map[netip.AddrPort]*MemoryChannel
	isolated map[netip.AddrPort]bool
}

// NewMemoryNetwork creates an empty network
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		channels: make(map[netip.AddrPort]*MemoryChannel),
		isolated: make(map[netip.AddrPort]bool),
	}
}

// Channel creates (or replaces) the endpoint bound to addr
func (n *MemoryNetwork) Channel(addr netip.AddrPort) *MemoryChannel {
	c := &MemoryChannel{network: n, addr: addr}
	n.mu.Lock()
	n.channels[addr] = c
	n.mu.Unlock()
	return c
}

// Isolate drops every frame sent to or from addr while isolated is true
func (n *MemoryNetwork) Isolate(addr netip.AddrPort, isolated bool) {
	n.mu.Lock()
	n.isolated[addr] = isolated
	n.mu.Unlock()
}

func (n *MemoryNetwork) route(from, to netip.AddrPort) *MemoryChannel {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.isolated[from] || n.isolated[to] {
		return nil
	}
	return n.channels[to]
}

// MemoryChannel is a Channel on a MemoryNetwork
type MemoryChannel struct {
	network *MemoryNetwork
	addr    netip.AddrPort

	mu       sync.RWMutex
	receiver Receiver
	closed   atomic.Bool
	sent     atomic.Int64
}

// LocalAddr returns the endpoint address
func (c *MemoryChannel) LocalAddr() netip.AddrPort {
	return c.addr
}

// Send delivers frame to the endpoint bound to to
func (c *MemoryChannel) Send(to netip.AddrPort, frame []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.sent.Add(1)

	dst := c.network.route(c.addr, to)
	if dst == nil || dst.closed.Load() {
		return nil
	}

	data := append([]byte(nil), frame...)
	go func() {
		_ = Dispatch(dst.currentReceiver(), c.addr, data)
	}()
	return nil
}

// SetReceiver replaces the installed receiver
func (c *MemoryChannel) SetReceiver(r Receiver) {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
}

func (c *MemoryChannel) currentReceiver() Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.receiver
}

// Close stops the endpoint; later sends fail with ErrClosed
func (c *MemoryChannel) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called
func (c *MemoryChannel) Closed() bool {
	return c.closed.Load()
}

// Sent returns the number of frames sent, including dropped ones
func (c *MemoryChannel) Sent() int64 {
	return c.sent.Load()
}
