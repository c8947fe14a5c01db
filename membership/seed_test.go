package membership

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	a := netip.MustParseAddrPort("10.0.0.1:10334")
	b := netip.MustParseAddrPort("10.0.0.2:10334")

	assert.Equal(t, StaticToken(a), StaticToken(a))
	assert.NotEqual(t, StaticToken(a), StaticToken(b))

	m := NewStaticMember(netip.MustParseAddr("::ffff:10.0.0.1"), 10334, RoleNormal)
	assert.Equal(t, a, m.AddrPort())
	assert.Equal(t, StaticToken(a), m.Token)
}

func TestSeedView_LocalIsLocator(t *testing.T) {
	locators := []netip.AddrPort{
		netip.MustParseAddrPort("10.0.0.1:10334"),
		netip.MustParseAddrPort("10.0.0.2:10334"),
	}
	local := NewStaticMember(netip.MustParseAddr("10.0.0.2"), 10334, RoleLocator).WithWeight(0, true)

	v := SeedView(local, locators, 1)
	require.Equal(t, 2, v.Size())
	assert.Equal(t, int64(1), v.ID())
	assert.Equal(t, 1, v.IndexOf(local))

	first := v.At(0)
	assert.Equal(t, RoleLocator, first.Role)
	assert.True(t, first.PreferredForCoordinator)
	assert.Equal(t, int64(1), first.ViewID)

	coord, ok := v.Coordinator()
	require.True(t, ok)
	assert.True(t, coord.Equal(first))

	// Every process derives the same keys for the same locator list
	other := SeedView(NewStaticMember(netip.MustParseAddr("10.0.0.1"), 10334, RoleLocator), locators, 1)
	assert.True(t, other.Contains(local))
}

func TestSeedView_LocalAppended(t *testing.T) {
	locators := []netip.AddrPort{netip.MustParseAddrPort("10.0.0.1:10334")}
	local := NewMember(netip.MustParseAddr("10.0.0.9"), 10334, RoleNormal)

	v := SeedView(local, locators, 1)
	require.Equal(t, 2, v.Size())
	assert.Equal(t, 1, v.IndexOf(local))

	lead, ok := v.LeadMember()
	require.True(t, ok)
	assert.True(t, lead.Equal(local))

	alone := SeedView(local, nil, 1)
	assert.Equal(t, 1, alone.Size())
}
