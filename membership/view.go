package membership

import (
	"fmt"
	"strings"
)

// View is an immutable, ordered snapshot of the cluster membership.
// Member order defines ring adjacency. A new view replaces the old one;
// views are never modified in place.
type View struct {
	id      int64
	creator Member
	members []Member
	index   map[Key]int
}

// NewView creates a view. Duplicate members keep their first position.
func NewView(creator Member, id int64, members []Member) *View {
	v := &View{
		id:      id,
		creator: creator,
		members: make([]Member, 0, len(members)),
		index:   make(map[Key]int, len(members)),
	}

	for _, m := range members {
		if _, dup := v.index[m.Key()]; dup {
			continue
		}
		v.index[m.Key()] = len(v.members)
		v.members = append(v.members, m)
	}

	return v
}

// ID returns the view id
func (v *View) ID() int64 {
	return v.id
}

// Creator returns the member that created the view
func (v *View) Creator() Member {
	return v.creator
}

// Members returns a copy of the members in ring order
func (v *View) Members() []Member {
	out := make([]Member, len(v.members))
	copy(out, v.members)
	return out
}

// Size returns the number of members
func (v *View) Size() int {
	return len(v.members)
}

// RoleCounts returns the number of members per role. Every role is
// present, with zero for roles absent from the view.
func (v *View) RoleCounts() map[Role]int {
	counts := map[Role]int{RoleNormal: 0, RoleLocator: 0, RoleAdmin: 0, RoleIsolated: 0}
	for _, m := range v.members {
		counts[m.Role]++
	}
	return counts
}

// At returns the member at ring position i
func (v *View) At(i int) Member {
	return v.members[i]
}

// IndexOf returns the ring position of m or -1
func (v *View) IndexOf(m Member) int {
	if i, ok := v.index[m.Key()]; ok {
		return i
	}
	return -1
}

// Contains reports whether m is a member of the view
func (v *View) Contains(m Member) bool {
	_, ok := v.index[m.Key()]
	return ok
}

// Get returns the view's copy of the member with key k
func (v *View) Get(k Key) (Member, bool) {
	i, ok := v.index[k]
	if !ok {
		return Member{}, false
	}
	return v.members[i], true
}

// Coordinator returns the first coordinator-eligible member, or the first
// member when none is eligible.
func (v *View) Coordinator() (Member, bool) {
	return v.CoordinatorExcluding(nil)
}

// CoordinatorExcluding applies the coordinator rule while ignoring the given members
func (v *View) CoordinatorExcluding(exclude map[Key]struct{}) (Member, bool) {
	var first Member
	found := false

	for _, m := range v.members {
		if _, skip := exclude[m.Key()]; skip {
			continue
		}
		if m.CoordinatorEligible() {
			return m, true
		}
		if !found {
			first = m
			found = true
		}
	}

	return first, found
}

// LeadMember returns the first normal (data-hosting) member
func (v *View) LeadMember() (Member, bool) {
	for _, m := range v.members {
		if m.IsNormal() {
			return m, true
		}
	}
	return Member{}, false
}

// PreferredCoordinators returns up to max members that could act as
// coordinator: the coordinator first, then other coordinator-eligible
// members, then the rest in ring order. The local member and excluded
// members are never returned.
func (v *View) PreferredCoordinators(exclude map[Key]struct{}, local Member, max int) []Member {
	result := make([]Member, 0, max)
	picked := make(map[Key]struct{}, max)

	add := func(m Member) {
		if len(result) >= max {
			return
		}
		if m.Equal(local) {
			return
		}
		if _, skip := exclude[m.Key()]; skip {
			return
		}
		if _, dup := picked[m.Key()]; dup {
			return
		}
		picked[m.Key()] = struct{}{}
		result = append(result, m)
	}

	if coord, ok := v.CoordinatorExcluding(exclude); ok {
		add(coord)
	}
	for _, m := range v.members {
		if m.CoordinatorEligible() {
			add(m)
		}
	}
	for _, m := range v.members {
		add(m)
	}

	return result
}

// Without returns the successor view (id+1) with the given members dropped
func (v *View) Without(remove ...Member) *View {
	drop := make(map[Key]struct{}, len(remove))
	for _, m := range remove {
		drop[m.Key()] = struct{}{}
	}

	kept := make([]Member, 0, len(v.members))
	for _, m := range v.members {
		if _, ok := drop[m.Key()]; !ok {
			kept = append(kept, m)
		}
	}

	return NewView(v.creator, v.id+1, kept)
}

// String renders View[creator|id] members
func (v *View) String() string {
	names := make([]string, len(v.members))
	for i, m := range v.members {
		names[i] = m.String()
	}
	return fmt.Sprintf("View[%s|%d] members: [%s]", v.creator.AddrPort(), v.id, strings.Join(names, ", "))
}
