package health

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/messages"
	"github.com/maxpert/gms/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// smallViewSize is the largest view whose suspect batches go to every member
	smallViewSize = 4
	// maxSuspectRecipients bounds the coordinators a batch is sent to in larger views
	maxSuspectRecipients = 5
)

type suspectRecord struct {
	member membership.Member
	reason string
	since  time.Time
	state  atomic.Int32
}

type finalCheck struct {
	member membership.Member
	done   chan struct{}
	once   sync.Once
}

func (fc *finalCheck) complete() {
	fc.once.Do(func() { close(fc.done) })
}

// Suspect raises a suspicion of m on behalf of another collaborator. It is
// ignored for the local member, for members outside the view and after Stop.
func (hm *Monitor) Suspect(m membership.Member, reason string) {
	if hm.IsShutdown() || m.Equal(hm.local) {
		return
	}

	view := hm.view.Load()
	if view == nil {
		return
	}
	member, ok := view.Get(m.Key())
	if !ok {
		log.Debug().Str("member", m.String()).Msg("Ignoring suspicion of non-member")
		return
	}

	if !hm.raiseSuspicion(member, reason, "external") {
		return
	}

	hm.ringMu.Lock()
	if hm.hasNeighbor && hm.neighbor.Equal(member) {
		hm.selectNeighborLocked(time.Now(), "suspect", false)
	}
	hm.ringMu.Unlock()
}

// IsSuspectMember reports whether m is suspected locally
func (hm *Monitor) IsSuspectMember(m membership.Member) bool {
	_, ok := hm.suspects.Load(m.Key())
	return ok
}

// SuspectState returns the state of a suspected member. For members no
// longer suspected it returns the outcome of their last final check
// (Cleared or Removed) while that is remembered.
func (hm *Monitor) SuspectState(m membership.Member) (NeighborState, bool) {
	if rec, ok := hm.suspects.Load(m.Key()); ok {
		return NeighborState(rec.state.Load()), true
	}
	if outcome, ok := hm.outcomes.Get(m.Key()); ok {
		return outcome, true
	}
	return Watching, false
}

// Suspects returns the locally suspected members, oldest suspicion first
func (hm *Monitor) Suspects() []membership.Member {
	var records []*suspectRecord
	hm.suspects.Range(func(_ membership.Key, rec *suspectRecord) bool {
		records = append(records, rec)
		return true
	})

	sort.Slice(records, func(i, j int) bool {
		return records[i].since.Before(records[j].since)
	})

	out := make([]membership.Member, len(records))
	for i, rec := range records {
		out[i] = rec.member
	}
	return out
}

// raiseSuspicion records a new suspicion and queues it for the next batch.
// It returns false when m was already suspected. Must not take hm.ringMu.
func (hm *Monitor) raiseSuspicion(m membership.Member, reason, source string) bool {
	rec := &suspectRecord{member: m, reason: reason, since: time.Now()}
	rec.state.Store(int32(Suspected))

	if _, loaded := hm.suspects.LoadOrStore(m.Key(), rec); loaded {
		return false
	}

	telemetry.SuspicionsRaisedTotal.With(source).Inc()
	log.Warn().
		Str("member", m.String()).
		Str("reason", reason).
		Str("source", source).
		Msg("Member suspected")

	hm.pendingMu.Lock()
	hm.pending = append(hm.pending, messages.SuspectRequest{Suspect: m, Reason: reason})
	hm.pendingMu.Unlock()
	return true
}

// clearSuspicion drops a suspicion after a successful final check
func (hm *Monitor) clearSuspicion(m membership.Member) {
	if _, ok := hm.suspects.LoadAndDelete(m.Key()); !ok {
		return
	}

	hm.ringMu.Lock()
	hm.selectNeighborLocked(time.Now(), "cleared", false)
	hm.ringMu.Unlock()
}

// expireSuspicions forgets suspicions of members the view authority kept
// for a whole detection cycle, so the ring watches them again
func (hm *Monitor) expireSuspicions(now time.Time) {
	ttl := hm.config.suspicionTTL()
	expired := false

	hm.suspects.Range(func(k membership.Key, rec *suspectRecord) bool {
		if NeighborState(rec.state.Load()) == FinalCheck {
			return true
		}
		if now.Sub(rec.since) >= ttl {
			hm.suspects.Delete(k)
			expired = true
			log.Debug().Str("member", rec.member.String()).Msg("Suspicion expired")
		}
		return true
	})

	if expired {
		hm.ringMu.Lock()
		hm.selectNeighborLocked(now, "expired", false)
		hm.ringMu.Unlock()
	}
}

func (hm *Monitor) dropPendingOutside(v *membership.View) {
	hm.pendingMu.Lock()
	defer hm.pendingMu.Unlock()

	kept := hm.pending[:0]
	for _, req := range hm.pending {
		if v.Contains(req.Suspect) {
			kept = append(kept, req)
		}
	}
	hm.pending = kept
}

// suspectLoop flushes queued suspicions every SuspectCollectionInterval
func (hm *Monitor) suspectLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.config.SuspectCollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			hm.flushSuspects()

		case <-hm.stopCh:
			return
		}
	}
}

// flushSuspects sends all queued suspicions as a single batch. In views
// larger than smallViewSize the batch only goes to likely coordinators.
// When the local member is itself authoritative the batch is also handled
// locally.
func (hm *Monitor) flushSuspects() {
	hm.pendingMu.Lock()
	batch := hm.pending
	hm.pending = nil
	hm.pendingMu.Unlock()

	if len(batch) == 0 || hm.IsShutdown() {
		return
	}

	view := hm.view.Load()
	if view == nil {
		return
	}

	exclude := suspectSet(batch)

	var recipients []membership.Member
	if view.Size() > smallViewSize {
		recipients = view.PreferredCoordinators(exclude, hm.local, maxSuspectRecipients)
	} else {
		for _, m := range view.Members() {
			if _, skip := exclude[m.Key()]; skip || m.Equal(hm.local) {
				continue
			}
			recipients = append(recipients, m)
		}
	}

	msg := &messages.SuspectMembers{
		Sender:     hm.local,
		Recipients: recipients,
		Suspects:   batch,
	}

	if len(recipients) > 0 {
		log.Debug().
			Int("suspects", len(batch)).
			Int("recipients", len(recipients)).
			Msg("Sending suspect batch")

		if err := hm.send(msg); err == nil {
			telemetry.SuspectBatchesSentTotal.Inc()
		}
	}

	if hm.isAuthoritative(view, exclude) {
		hm.processSuspectMembers(msg)
	}
}

// isAuthoritative reports whether the local member may decide on suspects:
// it is the coordinator, or becomes it once the suspects are gone
func (hm *Monitor) isAuthoritative(view *membership.View, suspects map[membership.Key]struct{}) bool {
	if coord, ok := view.Coordinator(); ok && coord.Equal(hm.local) {
		return true
	}
	if coord, ok := view.CoordinatorExcluding(suspects); ok && coord.Equal(hm.local) {
		return true
	}
	return false
}

func (hm *Monitor) processSuspectMembers(m *messages.SuspectMembers) {
	view := hm.view.Load()
	if view == nil || !view.Contains(m.Sender) {
		log.Debug().Str("from", m.Sender.String()).Msg("Ignoring suspect batch from non-member")
		return
	}

	authoritative := hm.isAuthoritative(view, suspectSet(m.Suspects))

	for _, req := range m.Suspects {
		if req.Suspect.Equal(hm.local) {
			log.Info().
				Str("reporter", m.Sender.String()).
				Str("reason", req.Reason).
				Msg("Refuting suspicion of local member")

			_ = hm.send(&messages.Heartbeat{
				Sender:     hm.local,
				Recipients: []membership.Member{m.Sender},
				RequestID:  refutationRequestID,
			})
			continue
		}

		if !authoritative {
			continue
		}

		suspect, ok := view.Get(req.Suspect.Key())
		if !ok {
			continue
		}
		hm.startFinalCheck(suspect, req.Reason)
	}
}

// startFinalCheck runs a final check of m in the background unless one is
// already running or m was already removed
func (hm *Monitor) startFinalCheck(m membership.Member, reason string) {
	key := m.Key()
	if hm.removed.Contains(key) {
		return
	}
	if _, running := hm.checking.LoadOrStore(key, struct{}{}); running {
		return
	}

	hm.stopMu.RLock()
	if hm.stopped {
		hm.stopMu.RUnlock()
		hm.checking.Delete(key)
		return
	}
	hm.wg.Add(1)
	hm.stopMu.RUnlock()

	go func() {
		defer hm.checking.Delete(key)

		available := hm.finalCheck(m, reason)
		// Leave the wait group first: the authority may stop the monitor
		hm.wg.Done()
		if !available {
			hm.removeMember(m, reason)
		}
	}()
}

// CheckIfAvailable performs a synchronous final check of m. It returns
// false when m did not answer within FinalCheckTimeout; with
// initiateRemoval set the view authority is then asked to remove it.
func (hm *Monitor) CheckIfAvailable(m membership.Member, reason string, initiateRemoval bool) bool {
	if hm.IsShutdown() || m.Equal(hm.local) {
		return true
	}

	available := hm.finalCheck(m, reason)
	if !available && initiateRemoval {
		hm.removeMember(m, reason)
	}
	return available
}

// finalCheck sends a direct heartbeat request and waits for the ack or any
// other contact from m
func (hm *Monitor) finalCheck(m membership.Member, reason string) bool {
	start := time.Now()
	if rec, ok := hm.suspects.Load(m.Key()); ok {
		rec.state.Store(int32(FinalCheck))
	}

	id := hm.nextRequestID()
	fc := &finalCheck{member: m, done: make(chan struct{})}
	hm.finalChecks.Store(id, fc)
	defer hm.finalChecks.Delete(id)

	log.Debug().
		Str("member", m.String()).
		Int32("request_id", id).
		Msg("Performing final check")

	telemetry.HeartbeatRequestsTotal.With("final_check").Inc()
	_ = hm.send(&messages.HeartbeatRequest{
		Sender:     hm.local,
		Recipients: []membership.Member{m},
		RequestID:  id,
		Target:     m,
	})

	timer := time.NewTimer(hm.config.FinalCheckTimeout)
	defer timer.Stop()

	select {
	case <-fc.done:
		telemetry.FinalChecksTotal.With("cleared").Inc()
		telemetry.FinalCheckSeconds.With("cleared").Observe(time.Since(start).Seconds())
		log.Info().
			Str("member", m.String()).
			Dur("elapsed", time.Since(start)).
			Msg("Final check passed")
		hm.outcomes.Add(m.Key(), Cleared)
		hm.clearSuspicion(m)
		return true

	case <-hm.stopCh:
		telemetry.FinalChecksTotal.With("abandoned").Inc()
		return true

	case <-timer.C:
	}

	telemetry.FinalChecksTotal.With("failed").Inc()
	telemetry.FinalCheckSeconds.With("failed").Observe(time.Since(start).Seconds())
	log.Warn().
		Str("member", m.String()).
		Str("reason", reason).
		Dur("timeout", hm.config.FinalCheckTimeout).
		Msg("Final check failed")
	return false
}

// removeMember asks the view authority to remove m, at most once per member.
// Remove runs without holding stopMu.
func (hm *Monitor) removeMember(m membership.Member, reason string) {
	key := m.Key()

	hm.stopMu.RLock()
	if hm.stopped {
		hm.stopMu.RUnlock()
		return
	}
	found, _ := hm.removed.ContainsOrAdd(key, time.Now())
	hm.stopMu.RUnlock()

	if found {
		return
	}
	if rec, ok := hm.suspects.Load(key); ok {
		rec.state.Store(int32(Removed))
	}
	hm.outcomes.Add(key, Removed)

	if hm.IsShutdown() {
		return
	}

	log.Warn().
		Str("member", m.String()).
		Str("reason", reason).
		Msg("Requesting member removal")

	if err := hm.authority.Remove(m, reason); err != nil {
		telemetry.MemberRemovalsTotal.With("failed").Inc()
		log.Error().Err(err).Str("member", m.String()).Msg("Member removal failed")
		if !errors.Is(err, membership.ErrNotMember) {
			hm.removed.Remove(key)
		}
		return
	}
	telemetry.MemberRemovalsTotal.With("success").Inc()
}

func suspectSet(reqs []messages.SuspectRequest) map[membership.Key]struct{} {
	set := make(map[membership.Key]struct{}, len(reqs))
	for _, req := range reqs {
		set[req.Suspect.Key()] = struct{}{}
	}
	return set
}
