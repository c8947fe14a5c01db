package probe

import (
	"net/netip"

	"github.com/maxpert/gms/telemetry"
	"github.com/rs/zerolog/log"
)

// Receiver gets the two events of the probe protocol
type Receiver interface {
	PingReceived(from netip.AddrPort)
	AckReceived(from netip.AddrPort)
}

// Channel is a borrowed datagram channel. SetReceiver replaces any prior
// registration; a nil receiver drops inbound frames.
type Channel interface {
	LocalAddr() netip.AddrPort
	Send(to netip.AddrPort, frame []byte) error
	SetReceiver(r Receiver)
	Close() error
	Closed() bool
}

// Dispatch decodes a frame and invokes the matching receiver event
func Dispatch(r Receiver, from netip.AddrPort, frame []byte) error {
	kind, err := Parse(frame)
	if err != nil {
		return err
	}

	telemetry.ProbeFramesTotal.With("received", kind.String()).Inc()

	if r == nil {
		return nil
	}

	switch kind {
	case KindPing:
		r.PingReceived(from)
	case KindAck:
		r.AckReceived(from)
	}
	return nil
}

// Responder is the receiver installed while no arbiter owns the channel.
// It acknowledges every ping and ignores acks.
type Responder struct {
	ch Channel
}

// NewResponder creates a responder answering pings on ch
func NewResponder(ch Channel) *Responder {
	return &Responder{ch: ch}
}

// PingReceived answers with an ack
func (r *Responder) PingReceived(from netip.AddrPort) {
	if err := SendAck(r.ch, from); err != nil {
		log.Debug().Err(err).Str("to", from.String()).Msg("Failed to answer probe ping")
	}
}

// AckReceived ignores unsolicited acks
func (r *Responder) AckReceived(netip.AddrPort) {}

// SendPing sends a ping frame on ch
func SendPing(ch Channel, to netip.AddrPort) error {
	return send(ch, to, KindPing)
}

// SendAck sends an ack frame on ch
func SendAck(ch Channel, to netip.AddrPort) error {
	return send(ch, to, KindAck)
}

func send(ch Channel, to netip.AddrPort, kind Kind) error {
	if err := ch.Send(to, frame(kind)); err != nil {
		return err
	}
	telemetry.ProbeFramesTotal.With("sent", kind.String()).Inc()
	return nil
}
