package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/maxpert/gms/probe"
	"github.com/maxpert/gms/quorum"
)

// handleQuorum handles GET /admin/quorum?timeout_ms=
//
// The check runs over the view installed before the current one (or the
// current view when there is none) and borrows the shared probe channel.
func (h *AdminHandlers) handleQuorum(w http.ResponseWriter, r *http.Request) {
	timeout := h.quorum.CheckTimeout
	if s := r.URL.Query().Get("timeout_ms"); s != "" {
		ms, err := strconv.Atoi(s)
		if err != nil || ms < 1 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid timeout_ms parameter")
			return
		}
		timeout = time.Duration(ms) * time.Millisecond
	}

	view := h.registry.PreviousView()
	if view == nil {
		view = h.registry.View()
	}

	h.quorumMu.Lock()
	defer h.quorumMu.Unlock()

	qc := quorum.NewChecker(view, h.quorum.PartitionThresholdPercent, h.channel, quorum.WithPollInterval(h.quorum.PollInterval))
	qc.Initialize()
	defer h.channel.SetReceiver(probe.NewResponder(h.channel))

	ok, err := qc.CheckForQuorum(r.Context(), timeout)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, quorum.ErrInterrupted) {
			status = http.StatusServiceUnavailable
		}
		writeErrorResponse(w, status, err.Error())
		return
	}

	acked := qc.AckedMembers()
	names := make([]string, 0, len(acked))
	for _, m := range acked {
		names = append(names, m.String())
	}

	writeJSONResponse(w, map[string]interface{}{
		"view_id":           view.ID(),
		"quorum":            ok,
		"acked":             names,
		"threshold_percent": h.quorum.PartitionThresholdPercent,
	})
}
