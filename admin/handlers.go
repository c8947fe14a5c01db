package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/maxpert/gms/health"
	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/probe"
	"github.com/rs/zerolog/log"
)

// QuorumSettings controls quorum checks started from the admin API
type QuorumSettings struct {
	PartitionThresholdPercent int
	CheckTimeout              time.Duration
	PollInterval              time.Duration
}

// AdminHandlers serves the membership admin endpoints
type AdminHandlers struct {
	registry *membership.Registry
	monitor  *health.Monitor
	channel  probe.Channel
	quorum   QuorumSettings
	secret   string

	// quorum checks borrow the shared probe channel one at a time
	quorumMu sync.Mutex
}

// NewAdminHandlers creates a new AdminHandlers instance. channel is the
// probe channel quorum checks borrow; its receiver is reset to a responder
// after each check.
func NewAdminHandlers(registry *membership.Registry, monitor *health.Monitor, channel probe.Channel, quorum QuorumSettings, secret string) *AdminHandlers {
	return &AdminHandlers{
		registry: registry,
		monitor:  monitor,
		channel:  channel,
		quorum:   quorum,
		secret:   secret,
	}
}

// lookupMember resolves "ip:port" to a member of the current view
func (h *AdminHandlers) lookupMember(s string) (membership.Member, error) {
	addr, err := netip.ParseAddrPort(s)
	if err != nil {
		return membership.Member{}, fmt.Errorf("invalid member address %q: %w", s, err)
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())

	for _, m := range h.registry.View().Members() {
		if m.AddrPort() == addr {
			return m, nil
		}
	}
	return membership.Member{}, fmt.Errorf("%s: %w", addr, membership.ErrNotMember)
}

// writeJSONResponse writes a successful JSON response
func writeJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error JSON response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"error": message}); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}
