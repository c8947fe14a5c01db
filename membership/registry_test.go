package membership

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_StartsWithSelf(t *testing.T) {
	local := testMember(0, RoleNormal)
	r := NewRegistry(local)

	require.Equal(t, 1, r.View().Size())
	assert.True(t, r.View().Contains(local))
	assert.Nil(t, r.PreviousView())
	assert.True(t, r.Local().Equal(local))
}

func TestRegistry_Install(t *testing.T) {
	members := testMembers(3)
	r := NewRegistry(members[0])

	var seen []int64
	r.SetOnViewChange(func(v *View) {
		seen = append(seen, v.ID())
	})

	require.NoError(t, r.Install(NewView(members[0], 1, members)))
	assert.Equal(t, int64(1), r.View().ID())
	assert.Equal(t, 1, r.PreviousView().Size())

	err := r.Install(NewView(members[0], 1, members[:2]))
	assert.True(t, errors.Is(err, ErrStaleView))
	assert.Equal(t, 3, r.View().Size())

	assert.Equal(t, []int64{1}, seen)
}

func TestRegistry_Remove(t *testing.T) {
	members := testMembers(4)
	r := NewRegistry(members[0])
	require.NoError(t, r.Install(NewView(members[0], 2, members)))

	var installed *View
	r.SetOnViewChange(func(v *View) {
		// The callback runs outside the registry lock
		assert.Equal(t, v, r.View())
		installed = v
	})

	require.NoError(t, r.Remove(members[2], "test"))
	require.NotNil(t, installed)
	assert.Equal(t, int64(3), installed.ID())
	assert.False(t, installed.Contains(members[2]))
	assert.Equal(t, int64(2), r.PreviousView().ID())

	err := r.Remove(members[2], "again")
	assert.True(t, errors.Is(err, ErrNotMember))

	err = r.Remove(members[0], "self")
	assert.True(t, errors.Is(err, ErrRemoveSelf))
	assert.Equal(t, int64(3), r.View().ID())
}

func TestRegistry_MembershipInfo(t *testing.T) {
	members := testMembers(3)
	members[1] = testMember(1, RoleLocator).WithWeight(2, true)
	r := NewRegistry(members[2])
	require.NoError(t, r.Install(NewView(members[1], 1, members)))

	info := r.MembershipInfo()
	require.Len(t, info, 3)

	assert.True(t, info[0].Lead)
	assert.False(t, info[0].Coordinator)
	assert.True(t, info[1].Coordinator)
	assert.Equal(t, "locator", info[1].Role)
	assert.Equal(t, 2, info[1].Weight)
	assert.True(t, info[2].Local)
	assert.Equal(t, members[2].AddrPort().String(), info[2].Address)
}

func TestRegistry_WithSeedView(t *testing.T) {
	members := testMembers(3)
	r := NewRegistryWithView(members[1], NewView(members[1], 1, members))

	assert.Equal(t, int64(1), r.View().ID())
	assert.Equal(t, 3, r.View().Size())
	assert.Nil(t, r.PreviousView())

	require.NoError(t, r.Remove(members[2], "gone"))
	assert.Equal(t, int64(1), r.PreviousView().ID())
	assert.Equal(t, 2, r.View().Size())
}
