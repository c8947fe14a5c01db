package quorum

import (
	"math"

	"github.com/maxpert/gms/membership"
)

const (
	normalMemberWeight    = 10
	leadMemberWeight      = 5
	preferredMemberWeight = 3
)

// Weight returns the quorum weight of m: its configured weight plus 10 for
// data-hosting members (15 for the lead member), or plus 3 for
// coordinator-preferred members of other roles.
func Weight(m membership.Member, lead membership.Member) int {
	w := m.Weight
	if m.IsNormal() {
		w += normalMemberWeight
		if !lead.IsZero() && m.Equal(lead) {
			w += leadMemberWeight
		}
	} else if m.PreferredForCoordinator {
		w += preferredMemberWeight
	}
	return w
}

// TotalWeight sums Weight over members
func TotalWeight(members []membership.Member, lead membership.Member) int {
	total := 0
	for _, m := range members {
		total += Weight(m, lead)
	}
	return total
}

// Threshold returns the weight a partition must reach: round(total*percent/100)
func Threshold(total, percent int) int {
	return int(math.Round(float64(total*percent) / 100.0))
}
