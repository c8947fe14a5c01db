// Package probe implements the raw liveness probe used by the quorum
// arbiter: fixed four byte ping and ack frames exchanged over a datagram
// channel, independent of the membership message protocol.
package probe

import (
	"errors"
	"fmt"
)

// Kind is the type of a probe frame
type Kind byte

const (
	// KindPing asks the receiver to answer with an ack
	KindPing Kind = 1
	// KindAck answers a ping
	KindAck Kind = 2
)

// FrameSize is the length of every probe frame
const FrameSize = 4

// ErrBadFrame is returned for frames that are short or carry an unknown kind
var ErrBadFrame = errors.New("bad probe frame")

var magic = [3]byte{'G', 'M', 'S'}

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindAck:
		return "ack"
	default:
		return "unknown"
	}
}

// Ping returns a new ping frame
func Ping() []byte {
	return frame(KindPing)
}

// Ack returns a new ack frame
func Ack() []byte {
	return frame(KindAck)
}

func frame(k Kind) []byte {
	return []byte{magic[0], magic[1], magic[2], byte(k)}
}

// Parse validates a frame and returns its kind
func Parse(b []byte) (Kind, error) {
	if len(b) < FrameSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrBadFrame, len(b))
	}
	if b[0] != magic[0] || b[1] != magic[1] || b[2] != magic[2] {
		return 0, fmt.Errorf("%w: bad magic", ErrBadFrame)
	}

	k := Kind(b[3])
	switch k {
	case KindPing, KindAck:
		return k, nil
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", ErrBadFrame, b[3])
	}
}
