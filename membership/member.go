package membership

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/google/uuid"
)

// Role tags the kind of process a member is
type Role uint8

const (
	// RoleNormal is a data-hosting member
	RoleNormal Role = iota
	// RoleLocator is a discovery process that may coordinate the cluster
	RoleLocator
	// RoleAdmin is a management-only process
	RoleAdmin
	// RoleIsolated is a process that does not host data for others
	RoleIsolated
)

// String returns the string representation of Role
func (r Role) String() string {
	switch r {
	case RoleNormal:
		return "normal"
	case RoleLocator:
		return "locator"
	case RoleAdmin:
		return "admin"
	case RoleIsolated:
		return "isolated"
	default:
		return "unknown"
	}
}

// ParseRole converts a configuration string to a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "normal", "":
		return RoleNormal, nil
	case "locator":
		return RoleLocator, nil
	case "admin":
		return RoleAdmin, nil
	case "isolated":
		return RoleIsolated, nil
	default:
		return RoleNormal, fmt.Errorf("unknown member role %q", s)
	}
}

// Member identifies a cluster participant. It is a value type: copies are
// independent and nothing mutates a Member after construction.
type Member struct {
	Addr                    netip.Addr `msgpack:"addr"`
	Port                    uint16     `msgpack:"port"`
	Token                   uuid.UUID  `msgpack:"token"`
	ViewID                  int64      `msgpack:"view_id"`
	Role                    Role       `msgpack:"role"`
	PreferredForCoordinator bool       `msgpack:"preferred"`
	Weight                  int        `msgpack:"weight"`
}

// Key is the identity of a member: address, port and identity token
type Key struct {
	Addr  netip.Addr
	Port  uint16
	Token uuid.UUID
}

// NewMember creates a member with a fresh identity token
func NewMember(addr netip.Addr, port uint16, role Role) Member {
	return Member{
		Addr:  addr,
		Port:  port,
		Token: uuid.New(),
		Role:  role,
	}
}

// Key returns the identity key of the member, usable as a map key
func (m Member) Key() Key {
	return Key{Addr: m.Addr, Port: m.Port, Token: m.Token}
}

// Equal reports whether both values identify the same process
func (m Member) Equal(o Member) bool {
	return m.Key() == o.Key()
}

// IsZero reports whether the member is unset
func (m Member) IsZero() bool {
	return m.Key() == Key{}
}

// AddrPort returns the network endpoint of the member
func (m Member) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(m.Addr, m.Port)
}

// IsNormal reports whether the member hosts data
func (m Member) IsNormal() bool {
	return m.Role == RoleNormal
}

// CoordinatorEligible reports whether the member may act as coordinator
func (m Member) CoordinatorEligible() bool {
	return m.PreferredForCoordinator || m.Role == RoleLocator
}

// WithViewID returns a copy of the member stamped with the view it joined in
func (m Member) WithViewID(viewID int64) Member {
	m.ViewID = viewID
	return m
}

// WithWeight returns a copy of the member with quorum attributes set
func (m Member) WithWeight(weight int, preferredForCoordinator bool) Member {
	m.Weight = weight
	m.PreferredForCoordinator = preferredForCoordinator
	return m
}

// String renders addr:port(role)<vN>:token-prefix
func (m Member) String() string {
	var b strings.Builder
	b.WriteString(m.AddrPort().String())
	b.WriteString("(")
	b.WriteString(m.Role.String())
	if m.PreferredForCoordinator {
		b.WriteString(",coord")
	}
	b.WriteString(")")
	if m.ViewID > 0 {
		fmt.Fprintf(&b, "<v%d>", m.ViewID)
	}
	token := m.Token.String()
	b.WriteString(":")
	b.WriteString(token[:8])
	return b.String()
}
