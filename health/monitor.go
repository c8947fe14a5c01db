// Package health implements ring based failure detection. Every member
// watches the next live member of the view, escalates silence into a
// suspicion, and the coordinator confirms suspicions with a final check
// before asking the view authority to remove the member.
package health

import (
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/messages"
	"github.com/maxpert/gms/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

const (
	reasonNotResponding = "member isn't responding to heartbeat requests"

	// refutationRequestID marks a heartbeat sent to refute a suspicion
	refutationRequestID int32 = -1
)

// Messenger delivers protocol messages to their recipients
type Messenger interface {
	Send(msg messages.Message) error
	LocalMember() membership.Member
}

// Authority applies removal requests to the membership view
type Authority interface {
	Remove(m membership.Member, reason string) error
}

// Monitor is the health monitor of the local member
type Monitor struct {
	config    Config
	messenger Messenger
	authority Authority
	local     membership.Member

	view atomic.Pointer[membership.View]

	// ring state of the watched neighbor
	ringMu      sync.Mutex
	neighbor    membership.Member
	hasNeighbor bool
	lastHeard   time.Time
	awaiting    bool

	requestID atomic.Int32

	suspects    *xsync.MapOf[membership.Key, *suspectRecord]
	finalChecks *xsync.MapOf[int32, *finalCheck]
	checking    *xsync.MapOf[membership.Key, struct{}]
	removed     *lru.Cache[membership.Key, time.Time]
	outcomes    *lru.Cache[membership.Key, NeighborState]

	pendingMu sync.Mutex
	pending   []messages.SuspectRequest

	stopMu  sync.RWMutex
	running bool
	stopped bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a health monitor. It does nothing until a view is
// installed and Start is called.
func NewMonitor(config Config, messenger Messenger, authority Authority) *Monitor {
	config = config.withDefaults()

	removed, err := lru.New[membership.Key, time.Time](config.RemovedCacheSize)
	if err != nil {
		panic(err)
	}
	outcomes, err := lru.New[membership.Key, NeighborState](config.RemovedCacheSize)
	if err != nil {
		panic(err)
	}

	return &Monitor{
		config:      config,
		messenger:   messenger,
		authority:   authority,
		local:       messenger.LocalMember(),
		suspects:    xsync.NewMapOf[membership.Key, *suspectRecord](),
		finalChecks: xsync.NewMapOf[int32, *finalCheck](),
		checking:    xsync.NewMapOf[membership.Key, struct{}](),
		removed:     removed,
		outcomes:    outcomes,
		stopCh:      make(chan struct{}),
	}
}

// Start starts the ring loop and the suspicion aggregator
func (hm *Monitor) Start() {
	hm.stopMu.Lock()
	if hm.running || hm.stopped {
		hm.stopMu.Unlock()
		return
	}
	hm.running = true
	hm.wg.Add(2)
	hm.stopMu.Unlock()

	log.Info().
		Str("local", hm.local.String()).
		Dur("member_timeout", hm.config.MemberTimeout).
		Dur("tick", hm.config.tick()).
		Dur("suspect_collection_interval", hm.config.SuspectCollectionInterval).
		Dur("final_check_timeout", hm.config.FinalCheckTimeout).
		Msg("Starting health monitor")

	go hm.ringLoop()
	go hm.suspectLoop()
}

// Started is called by the view authority once the member has joined
func (hm *Monitor) Started() {
	hm.Start()
}

// Stop cancels both loops and every pending wait, then blocks until they
// have exited. No message is sent and no removal is requested afterwards.
// The authority may call Stop from inside Remove.
func (hm *Monitor) Stop() {
	hm.stopMu.Lock()
	if hm.stopped {
		hm.stopMu.Unlock()
		return
	}
	hm.stopped = true
	close(hm.stopCh)
	hm.stopMu.Unlock()

	hm.wg.Wait()
	log.Info().Msg("Health monitor stopped")
}

// IsShutdown reports whether Stop has been called
func (hm *Monitor) IsShutdown() bool {
	hm.stopMu.RLock()
	defer hm.stopMu.RUnlock()
	return hm.stopped
}

// LocalMember returns the member this monitor runs for
func (hm *Monitor) LocalMember() membership.Member {
	return hm.local
}

// View returns the installed view, or nil
func (hm *Monitor) View() *membership.View {
	return hm.view.Load()
}

// InstallView makes v the current view. Older views are ignored. Suspicion
// of members that left is dropped and the watched neighbor starts with
// fresh timers.
func (hm *Monitor) InstallView(v *membership.View) {
	for {
		old := hm.view.Load()
		if old != nil && v.ID() < old.ID() {
			log.Debug().
				Int64("view_id", v.ID()).
				Int64("current_view_id", old.ID()).
				Msg("Ignoring stale view")
			return
		}
		if hm.view.CompareAndSwap(old, v) {
			break
		}
	}

	hm.suspects.Range(func(k membership.Key, rec *suspectRecord) bool {
		if !v.Contains(rec.member) {
			hm.suspects.Delete(k)
		}
		return true
	})
	hm.dropPendingOutside(v)

	hm.ringMu.Lock()
	hm.selectNeighborLocked(time.Now(), "view", true)
	neighbor, ok := hm.neighbor, hm.hasNeighbor
	hm.ringMu.Unlock()

	event := log.Info().
		Int64("view_id", v.ID()).
		Int("members", v.Size())
	if ok {
		event = event.Str("neighbor", neighbor.String())
	}
	event.Msg("Health monitor installed view")
}

// NextNeighbor returns the member currently watched by the ring loop
func (hm *Monitor) NextNeighbor() (membership.Member, bool) {
	hm.ringMu.Lock()
	defer hm.ringMu.Unlock()
	return hm.neighbor, hm.hasNeighbor
}

// NeighborState returns the ring state of the watched neighbor: Watching or
// AwaitingAck. Suspected members leave the ring; SuspectState reports them.
func (hm *Monitor) NeighborState() NeighborState {
	hm.ringMu.Lock()
	defer hm.ringMu.Unlock()
	if hm.awaiting {
		return AwaitingAck
	}
	return Watching
}

// ContactedBy records inbound traffic from m. Any message counts as proof
// of life: it refreshes the ring timers, completes running final checks
// and drops a local suspicion of m.
func (hm *Monitor) ContactedBy(m membership.Member) {
	if m.Equal(hm.local) {
		return
	}

	hm.finalChecks.Range(func(_ int32, fc *finalCheck) bool {
		if fc.member.Equal(m) {
			fc.complete()
		}
		return true
	})

	_, wasSuspect := hm.suspects.LoadAndDelete(m.Key())

	now := time.Now()
	hm.ringMu.Lock()
	if wasSuspect {
		hm.selectNeighborLocked(now, "contact", false)
	}
	if hm.hasNeighbor && hm.neighbor.Equal(m) {
		hm.lastHeard = now
		hm.awaiting = false
	}
	hm.ringMu.Unlock()

	if wasSuspect {
		log.Info().Str("member", m.String()).Msg("Suspect member contacted us, suspicion dropped")
	}
}

// ProcessMessage handles an inbound protocol message
func (hm *Monitor) ProcessMessage(msg messages.Message) {
	if hm.IsShutdown() {
		return
	}

	switch m := msg.(type) {
	case *messages.HeartbeatRequest:
		hm.processHeartbeatRequest(m)
	case *messages.Heartbeat:
		hm.processHeartbeat(m)
	case *messages.SuspectMembers:
		hm.processSuspectMembers(m)
	default:
		log.Debug().Str("kind", msg.Kind().String()).Msg("Ignoring unexpected message")
	}
}

func (hm *Monitor) processHeartbeatRequest(m *messages.HeartbeatRequest) {
	// A request for an older incarnation of this address is not ours to answer
	if !m.Target.IsZero() && !m.Target.Equal(hm.local) {
		log.Debug().
			Str("from", m.Sender.String()).
			Str("target", m.Target.String()).
			Msg("Ignoring heartbeat request for another member")
		return
	}

	_ = hm.send(&messages.Heartbeat{
		Sender:     hm.local,
		Recipients: []membership.Member{m.Sender},
		RequestID:  m.RequestID,
	})
}

func (hm *Monitor) processHeartbeat(m *messages.Heartbeat) {
	if m.RequestID == refutationRequestID {
		hm.ContactedBy(m.Sender)
		return
	}

	if fc, ok := hm.finalChecks.Load(m.RequestID); ok && fc.member.Equal(m.Sender) {
		fc.complete()
	}

	// A late ack from a member we suspect is still proof of life
	if hm.IsSuspectMember(m.Sender) {
		hm.ContactedBy(m.Sender)
		return
	}

	// Only the watched neighbor's ack touches the ring state
	hm.ringMu.Lock()
	if hm.hasNeighbor && hm.neighbor.Equal(m.Sender) {
		hm.lastHeard = time.Now()
		hm.awaiting = false
	}
	hm.ringMu.Unlock()
}

// ringLoop checks the watched neighbor every MemberTimeout/LogicalInterval
func (hm *Monitor) ringLoop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.config.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			hm.checkNeighbor(now)
			hm.expireSuspicions(now)

		case <-hm.stopCh:
			return
		}
	}
}

// checkNeighbor sends a heartbeat request when the neighbor would time out
// before the next tick, and suspects it once a request went unanswered for
// a full MemberTimeout.
func (hm *Monitor) checkNeighbor(now time.Time) {
	if hm.view.Load() == nil {
		return
	}

	hm.ringMu.Lock()
	if !hm.hasNeighbor {
		hm.ringMu.Unlock()
		return
	}

	neighbor := hm.neighbor
	silent := now.Sub(hm.lastHeard)

	if hm.awaiting {
		if silent < hm.config.MemberTimeout {
			hm.ringMu.Unlock()
			return
		}

		hm.raiseSuspicion(neighbor, reasonNotResponding, "timeout")
		hm.selectNeighborLocked(now, "suspect", false)
		next, ok := hm.neighbor, hm.hasNeighbor
		hm.ringMu.Unlock()

		event := log.Debug().
			Str("suspect", neighbor.String()).
			Dur("silent", silent)
		if ok {
			event = event.Str("neighbor", next.String())
		}
		event.Msg("Neighbor timed out, advancing ring")
		return
	}

	if silent+hm.config.tick() < hm.config.MemberTimeout {
		hm.ringMu.Unlock()
		return
	}

	hm.awaiting = true
	id := hm.nextRequestID()
	hm.ringMu.Unlock()

	telemetry.HeartbeatRequestsTotal.With("ring").Inc()
	_ = hm.send(&messages.HeartbeatRequest{
		Sender:     hm.local,
		Recipients: []membership.Member{neighbor},
		RequestID:  id,
		Target:     neighbor,
	})
}

// selectNeighborLocked recomputes the watched neighbor. Timers restart when
// the neighbor changes or reset is set. Caller must hold hm.ringMu.
func (hm *Monitor) selectNeighborLocked(now time.Time, cause string, reset bool) {
	next, ok := hm.nextLiveMember(hm.view.Load())
	changed := ok != hm.hasNeighbor || (ok && !next.Equal(hm.neighbor))

	hm.neighbor = next
	hm.hasNeighbor = ok

	if changed || reset {
		hm.lastHeard = now
		hm.awaiting = false
	}
	if changed {
		telemetry.NeighborChangesTotal.With(cause).Inc()
	}
}

// nextLiveMember returns the nearest member after the local one in ring
// order that is neither suspected nor removed
func (hm *Monitor) nextLiveMember(view *membership.View) (membership.Member, bool) {
	if view == nil {
		return membership.Member{}, false
	}

	idx := view.IndexOf(hm.local)
	if idx < 0 {
		return membership.Member{}, false
	}

	n := view.Size()
	for i := 1; i < n; i++ {
		m := view.At((idx + i) % n)
		if hm.IsSuspectMember(m) || hm.removed.Contains(m.Key()) {
			continue
		}
		return m, true
	}
	return membership.Member{}, false
}

// send delivers msg unless the monitor is stopped. Failures count as no ack.
func (hm *Monitor) send(msg messages.Message) error {
	hm.stopMu.RLock()
	defer hm.stopMu.RUnlock()

	if hm.stopped {
		return nil
	}

	if err := hm.messenger.Send(msg); err != nil {
		log.Debug().
			Err(err).
			Str("kind", msg.Kind().String()).
			Msg("Failed to send health message")
		return err
	}
	return nil
}

func (hm *Monitor) nextRequestID() int32 {
	id := hm.requestID.Add(1)
	if id <= 0 {
		hm.requestID.CompareAndSwap(id, 0)
		id = hm.requestID.Add(1)
	}
	return id
}

// SuspectCount returns the number of locally suspected members
func (hm *Monitor) SuspectCount() int {
	return hm.suspects.Size()
}

// PendingFinalCheckCount returns the number of final checks waiting for an ack
func (hm *Monitor) PendingFinalCheckCount() int {
	return hm.finalChecks.Size()
}
