package membership

import (
	"net/netip"

	"github.com/google/uuid"
)

// staticNamespace scopes identity tokens derived from member endpoints
var staticNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("gms://members"))

// StaticToken derives the identity token of a member from its endpoint.
// Processes that only know each other's locator addresses agree on it.
func StaticToken(addr netip.AddrPort) uuid.UUID {
	return uuid.NewSHA1(staticNamespace, []byte(addr.String()))
}

// NewStaticMember creates a member whose token is StaticToken of its endpoint
func NewStaticMember(addr netip.Addr, port uint16, role Role) Member {
	addr = addr.Unmap()
	return Member{
		Addr:  addr,
		Port:  port,
		Token: StaticToken(netip.AddrPortFrom(addr, port)),
		Role:  role,
	}
}

// SeedView builds the initial view from the locator endpoints. Locators
// become coordinator-preferred locator members in list order; the local
// member takes the place of its own locator entry, or is appended when it is
// not a locator.
func SeedView(local Member, locators []netip.AddrPort, id int64) *View {
	members := make([]Member, 0, len(locators)+1)
	localListed := false

	for _, addr := range locators {
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if addr == local.AddrPort() {
			localListed = true
			members = append(members, local.WithViewID(id))
			continue
		}
		m := NewStaticMember(addr.Addr(), addr.Port(), RoleLocator).WithWeight(0, true)
		members = append(members, m.WithViewID(id))
	}

	if !localListed {
		members = append(members, local.WithViewID(id))
	}

	return NewView(local, id, members)
}
