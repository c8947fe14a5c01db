package admin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/gms/membership"
	"github.com/rs/zerolog/log"
)

const adminSuspectReason = "suspected by administrator"

// handleView handles GET /admin/view
func (h *AdminHandlers) handleView(w http.ResponseWriter, r *http.Request) {
	v := h.registry.View()

	resp := map[string]interface{}{
		"view_id": v.ID(),
		"creator": v.Creator().String(),
		"members": membership.Describe(v, h.registry.Local()),
	}
	if prev := h.registry.PreviousView(); prev != nil {
		resp["previous_view_id"] = prev.ID()
	}

	writeJSONResponse(w, resp)
}

// handleHealth handles GET /admin/health
func (h *AdminHandlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	suspects := h.monitor.Suspects()
	names := make([]map[string]string, 0, len(suspects))
	for _, m := range suspects {
		state, _ := h.monitor.SuspectState(m)
		names = append(names, map[string]string{
			"member": m.String(),
			"state":  state.String(),
		})
	}

	resp := map[string]interface{}{
		"local":                h.registry.Local().String(),
		"neighbor_state":       h.monitor.NeighborState().String(),
		"suspects":             names,
		"pending_final_checks": h.monitor.PendingFinalCheckCount(),
		"shutdown":             h.monitor.IsShutdown(),
	}
	if neighbor, ok := h.monitor.NextNeighbor(); ok {
		resp["neighbor"] = neighbor.String()
	}

	writeJSONResponse(w, resp)
}

type suspectRequest struct {
	Member string `json:"member"`
	Reason string `json:"reason"`
}

// handleSuspect handles POST /admin/suspect
func (h *AdminHandlers) handleSuspect(w http.ResponseWriter, r *http.Request) {
	var req suspectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	m, err := h.lookupMember(req.Member)
	if err != nil {
		writeMemberError(w, err)
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = adminSuspectReason
	}

	log.Info().Str("member", m.String()).Str("reason", reason).Msg("Admin raised suspicion")
	h.monitor.Suspect(m, reason)

	writeJSONResponse(w, map[string]interface{}{"success": true, "member": m.String()})
}

// handleCheck handles POST /admin/check/{member}?remove=true
func (h *AdminHandlers) handleCheck(w http.ResponseWriter, r *http.Request) {
	m, err := h.lookupMember(chi.URLParam(r, "member"))
	if err != nil {
		writeMemberError(w, err)
		return
	}

	remove := false
	if s := r.URL.Query().Get("remove"); s != "" {
		remove, err = strconv.ParseBool(s)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid remove parameter")
			return
		}
	}

	available := h.monitor.CheckIfAvailable(m, adminSuspectReason, remove)

	writeJSONResponse(w, map[string]interface{}{
		"member":    m.String(),
		"available": available,
		"remove":    remove,
	})
}

func writeMemberError(w http.ResponseWriter, err error) {
	if errors.Is(err, membership.ErrNotMember) {
		writeErrorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	writeErrorResponse(w, http.StatusBadRequest, err.Error())
}
