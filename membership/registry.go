package membership

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/gms/telemetry"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotMember is returned when an operation names a member outside the view
	ErrNotMember = errors.New("not a member of the current view")
	// ErrRemoveSelf is returned when the local member is asked to remove itself
	ErrRemoveSelf = errors.New("cannot remove self from the view")
	// ErrStaleView is returned when installing a view that is not newer than the current one
	ErrStaleView = errors.New("view is not newer than the installed view")
)

// Registry is the local view authority. It owns the current membership view,
// installs newer views and applies removal requests by building the successor
// view. It never negotiates views with peers.
type Registry struct {
	local    Member
	current  *View
	previous *View
	mu       sync.RWMutex

	onViewChange func(*View)
	callbackMu   sync.RWMutex
}

// NewRegistry creates a registry whose initial view contains only the local member
func NewRegistry(local Member) *Registry {
	r := &Registry{
		local:   local,
		current: NewView(local, local.ViewID, []Member{local}),
	}

	log.Debug().
		Str("local", local.String()).
		Msg("REGISTRY: Created view authority")

	return r
}

// NewRegistryWithView creates a registry whose initial view is v, with no
// previous view
func NewRegistryWithView(local Member, v *View) *Registry {
	r := &Registry{local: local}
	r.installLocked(v, "seed")
	return r
}

// Local returns the local member
func (r *Registry) Local() Member {
	return r.local
}

// View returns the installed view
func (r *Registry) View() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// PreviousView returns the view installed before the current one, or nil
func (r *Registry) PreviousView() *View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.previous
}

// Install replaces the current view. Views whose id is not greater than the
// installed one are rejected with ErrStaleView.
func (r *Registry) Install(v *View) error {
	r.mu.Lock()
	if v.ID() <= r.current.ID() {
		current := r.current.ID()
		r.mu.Unlock()
		return fmt.Errorf("install view %d over %d: %w", v.ID(), current, ErrStaleView)
	}
	r.installLocked(v, "authority")
	r.mu.Unlock()

	r.notify(v)
	return nil
}

// Remove drops a member from the view by installing the successor view.
// Removing an already absent member reports ErrNotMember.
func (r *Registry) Remove(m Member, reason string) error {
	if m.Equal(r.local) {
		return ErrRemoveSelf
	}

	r.mu.Lock()
	if !r.current.Contains(m) {
		r.mu.Unlock()
		return fmt.Errorf("remove %s: %w", m, ErrNotMember)
	}

	next := r.current.Without(m)
	r.installLocked(next, "local")
	r.mu.Unlock()

	log.Warn().
		Str("member", m.String()).
		Str("reason", reason).
		Int64("view_id", next.ID()).
		Msg("Member removed from view")

	r.notify(next)
	return nil
}

// SetOnViewChange sets the callback invoked after every installed view
func (r *Registry) SetOnViewChange(callback func(*View)) {
	r.callbackMu.Lock()
	defer r.callbackMu.Unlock()
	r.onViewChange = callback
}

// installLocked swaps the view. Caller must hold r.mu.
func (r *Registry) installLocked(v *View, source string) {
	r.previous = r.current
	r.current = v

	telemetry.ViewInstallsTotal.With(source).Inc()
	telemetry.ViewID.Set(float64(v.ID()))
	for role, n := range v.RoleCounts() {
		telemetry.ViewMembers.With(role.String()).Set(float64(n))
	}

	log.Info().
		Int64("view_id", v.ID()).
		Int("members", v.Size()).
		Str("source", source).
		Msg("Installed membership view")
}

// notify runs the view change callback outside r.mu to avoid deadlock
func (r *Registry) notify(v *View) {
	r.callbackMu.RLock()
	callback := r.onViewChange
	r.callbackMu.RUnlock()

	if callback != nil {
		callback(v)
	}
}

// MemberInfo represents membership information for the admin API
type MemberInfo struct {
	Member      string `json:"member"`
	Address     string `json:"address"`
	Role        string `json:"role"`
	ViewID      int64  `json:"view_id"`
	Weight      int    `json:"weight"`
	Preferred   bool   `json:"preferred_for_coordinator"`
	Coordinator bool   `json:"coordinator"`
	Lead        bool   `json:"lead"`
	Local       bool   `json:"local"`
}

// MembershipInfo returns one entry per member of the current view, in ring order
func (r *Registry) MembershipInfo() []MemberInfo {
	return Describe(r.View(), r.local)
}

// Describe renders the members of a view for the admin API
func Describe(v *View, local Member) []MemberInfo {
	coord, hasCoord := v.Coordinator()
	lead, hasLead := v.LeadMember()

	members := make([]MemberInfo, 0, v.Size())
	for _, m := range v.members {
		members = append(members, MemberInfo{
			Member:      m.String(),
			Address:     m.AddrPort().String(),
			Role:        m.Role.String(),
			ViewID:      m.ViewID,
			Weight:      m.Weight,
			Preferred:   m.PreferredForCoordinator,
			Coordinator: hasCoord && coord.Equal(m),
			Lead:        hasLead && lead.Equal(m),
			Local:       local.Equal(m),
		})
	}
	return members
}
