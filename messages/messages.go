// Package messages defines the membership protocol messages exchanged by the
// health monitor and their wire envelope.
package messages

import (
	"errors"
	"fmt"

	"github.com/maxpert/gms/encoding"
	"github.com/maxpert/gms/membership"
)

// Kind identifies a message type on the wire
type Kind uint8

const (
	KindHeartbeatRequest Kind = iota + 1
	KindHeartbeat
	KindSuspectMembers
)

// ErrUnknownKind is returned when decoding an envelope with an unknown kind
var ErrUnknownKind = errors.New("unknown message kind")

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindHeartbeatRequest:
		return "heartbeat_request"
	case KindHeartbeat:
		return "heartbeat"
	case KindSuspectMembers:
		return "suspect_members"
	default:
		return "unknown"
	}
}

// Message is implemented by every protocol message
type Message interface {
	Kind() Kind
	GetSender() membership.Member
	GetRecipients() []membership.Member
}

// HeartbeatRequest asks Target to answer with a Heartbeat carrying RequestID
type HeartbeatRequest struct {
	Sender     membership.Member   `msgpack:"sender"`
	Recipients []membership.Member `msgpack:"recipients"`
	RequestID  int32               `msgpack:"request_id"`
	Target     membership.Member   `msgpack:"target"`
}

// Heartbeat answers a HeartbeatRequest, or refutes a suspicion when RequestID is -1
type Heartbeat struct {
	Sender     membership.Member   `msgpack:"sender"`
	Recipients []membership.Member `msgpack:"recipients"`
	RequestID  int32               `msgpack:"request_id"`
}

// SuspectRequest is one suspicion record
type SuspectRequest struct {
	Suspect membership.Member `msgpack:"suspect"`
	Reason  string            `msgpack:"reason"`
}

// SuspectMembers carries a batch of suspicion records raised by Sender
type SuspectMembers struct {
	Sender     membership.Member   `msgpack:"sender"`
	Recipients []membership.Member `msgpack:"recipients"`
	Suspects   []SuspectRequest    `msgpack:"suspects"`
}

func (m *HeartbeatRequest) Kind() Kind                         { return KindHeartbeatRequest }
func (m *HeartbeatRequest) GetSender() membership.Member       { return m.Sender }
func (m *HeartbeatRequest) GetRecipients() []membership.Member { return m.Recipients }

func (m *Heartbeat) Kind() Kind                         { return KindHeartbeat }
func (m *Heartbeat) GetSender() membership.Member       { return m.Sender }
func (m *Heartbeat) GetRecipients() []membership.Member { return m.Recipients }

func (m *SuspectMembers) Kind() Kind                         { return KindSuspectMembers }
func (m *SuspectMembers) GetSender() membership.Member       { return m.Sender }
func (m *SuspectMembers) GetRecipients() []membership.Member { return m.Recipients }

type envelope struct {
	Kind Kind   `msgpack:"k"`
	Body []byte `msgpack:"b"`
}

// Encode wraps msg in an envelope and serializes it
func Encode(msg Message) ([]byte, error) {
	body, err := encoding.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Kind(), err)
	}

	return encoding.Marshal(&envelope{Kind: msg.Kind(), Body: body})
}

// Decode parses an envelope produced by Encode
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := encoding.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	var msg Message
	switch env.Kind {
	case KindHeartbeatRequest:
		msg = &HeartbeatRequest{}
	case KindHeartbeat:
		msg = &Heartbeat{}
	case KindSuspectMembers:
		msg = &SuspectMembers{}
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, env.Kind)
	}

	if err := encoding.Unmarshal(env.Body, msg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", env.Kind, err)
	}
	return msg, nil
}
