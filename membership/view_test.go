package membership

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMember(i int, role Role) Member {
	addr := netip.MustParseAddr(fmt.Sprintf("10.0.0.%d", i+1))
	return NewMember(addr, uint16(10000+i), role)
}

func testMembers(n int) []Member {
	members := make([]Member, n)
	for i := range members {
		members[i] = testMember(i, RoleNormal)
	}
	return members
}

func TestMember_Equality(t *testing.T) {
	m := testMember(0, RoleNormal)

	same := m.WithViewID(7).WithWeight(3, true)
	assert.True(t, m.Equal(same), "view id and quorum attributes are not part of identity")
	assert.Equal(t, m.Key(), same.Key())

	restarted := m
	restarted.Token = testMember(0, RoleNormal).Token
	assert.False(t, m.Equal(restarted), "a new token is a new process")

	assert.False(t, m.IsZero())
	assert.True(t, Member{}.IsZero())
}

func TestMember_String(t *testing.T) {
	m := testMember(2, RoleLocator).WithViewID(4).WithWeight(0, true)
	s := m.String()

	assert.Contains(t, s, "10.0.0.3:10002")
	assert.Contains(t, s, "(locator,coord)")
	assert.Contains(t, s, "<v4>")
	assert.Equal(t, netip.MustParseAddrPort("10.0.0.3:10002"), m.AddrPort())
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"normal", RoleNormal, false},
		{"", RoleNormal, false},
		{"Locator", RoleLocator, false},
		{" admin ", RoleAdmin, false},
		{"isolated", RoleIsolated, false},
		{"observer", RoleNormal, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want, mustParse(t, got.String()))
		})
	}
}

func mustParse(t *testing.T, s string) Role {
	r, err := ParseRole(s)
	require.NoError(t, err)
	return r
}

func TestView_OrderAndLookup(t *testing.T) {
	members := testMembers(4)
	members = append(members, members[1])
	v := NewView(members[0], 3, members)

	require.Equal(t, 4, v.Size(), "duplicates collapse to their first position")
	assert.Equal(t, int64(3), v.ID())
	assert.True(t, v.Creator().Equal(members[0]))

	for i := 0; i < 4; i++ {
		assert.Equal(t, i, v.IndexOf(members[i]))
		assert.True(t, v.At(i).Equal(members[i]))
	}
	assert.Equal(t, -1, v.IndexOf(testMember(9, RoleNormal)))

	got, ok := v.Get(members[2].Key())
	require.True(t, ok)
	assert.True(t, got.Equal(members[2]))
}

func TestView_MembersIsACopy(t *testing.T) {
	members := testMembers(3)
	v := NewView(members[0], 1, members)

	out := v.Members()
	out[0] = testMember(7, RoleNormal)

	assert.True(t, v.At(0).Equal(members[0]))
}

func TestView_RoleCounts(t *testing.T) {
	members := testMembers(3)
	v := NewView(members[0], 1, append(members, testMember(5, RoleLocator)))

	counts := v.RoleCounts()
	assert.Equal(t, 3, counts[RoleNormal])
	assert.Equal(t, 1, counts[RoleLocator])
	assert.Contains(t, counts, RoleAdmin)
	assert.Equal(t, 0, counts[RoleIsolated])
}

func TestView_Coordinator(t *testing.T) {
	members := testMembers(4)

	v := NewView(members[0], 1, members)
	coord, ok := v.Coordinator()
	require.True(t, ok)
	assert.True(t, coord.Equal(members[0]), "first member without eligible ones")

	members[2] = members[2].WithWeight(0, true)
	v = NewView(members[0], 1, members)
	coord, _ = v.Coordinator()
	assert.True(t, coord.Equal(members[2]))

	locator := testMember(5, RoleLocator)
	v = NewView(members[0], 1, append([]Member{members[0], locator}, members[1:]...))
	coord, _ = v.Coordinator()
	assert.True(t, coord.Equal(locator), "locators are coordinator eligible")

	exclude := map[Key]struct{}{locator.Key(): {}}
	coord, _ = v.CoordinatorExcluding(exclude)
	assert.True(t, coord.Equal(members[2]))

	_, ok = NewView(members[0], 1, nil).Coordinator()
	assert.False(t, ok)
}

func TestView_LeadMember(t *testing.T) {
	locator := testMember(0, RoleLocator)
	admin := testMember(1, RoleAdmin)
	normal := testMember(2, RoleNormal)

	v := NewView(locator, 1, []Member{locator, admin, normal})
	lead, ok := v.LeadMember()
	require.True(t, ok)
	assert.True(t, lead.Equal(normal))

	_, ok = NewView(locator, 1, []Member{locator, admin}).LeadMember()
	assert.False(t, ok)
}

func TestView_PreferredCoordinators(t *testing.T) {
	members := testMembers(8)
	members[0] = testMember(0, RoleLocator).WithWeight(0, true)
	members[1] = testMember(1, RoleLocator).WithWeight(0, true)
	v := NewView(members[0], 1, members)

	local := members[3]
	suspects := map[Key]struct{}{members[0].Key(): {}, members[4].Key(): {}}

	got := v.PreferredCoordinators(suspects, local, 5)
	require.Len(t, got, 5)
	assert.True(t, got[0].Equal(members[1]), "coordinator without the suspects comes first")

	for _, m := range got {
		assert.False(t, m.Equal(local), "local member is never a recipient")
		_, excluded := suspects[m.Key()]
		assert.False(t, excluded, "suspects are never recipients")
	}

	assert.Len(t, v.PreferredCoordinators(nil, local, 2), 2)
	assert.Len(t, v.PreferredCoordinators(nil, local, 20), 7)
}

func TestView_Without(t *testing.T) {
	members := testMembers(5)
	v := NewView(members[0], 4, members)

	next := v.Without(members[1], members[3], testMember(9, RoleNormal))
	assert.Equal(t, int64(5), next.ID())
	assert.Equal(t, 3, next.Size())
	assert.False(t, next.Contains(members[1]))
	assert.False(t, next.Contains(members[3]))
	assert.Equal(t, 1, next.IndexOf(members[2]))

	assert.Equal(t, 5, v.Size(), "the original view is untouched")
	assert.Contains(t, next.String(), "View[")
}
