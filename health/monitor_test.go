package health

import (
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maxpert/gms/cfg"
	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/messages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessenger struct {
	local membership.Member

	mu     sync.Mutex
	sent   []messages.Message
	onSend func(messages.Message)
}

func (f *fakeMessenger) LocalMember() membership.Member {
	return f.local
}

func (f *fakeMessenger) Send(msg messages.Message) error {
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	onSend := f.onSend
	f.mu.Unlock()

	if onSend != nil {
		go onSend(msg)
	}
	return nil
}

func (f *fakeMessenger) setOnSend(fn func(messages.Message)) {
	f.mu.Lock()
	f.onSend = fn
	f.mu.Unlock()
}

func (f *fakeMessenger) sentOf(kind messages.Kind) []messages.Message {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []messages.Message
	for _, msg := range f.sent {
		if msg.Kind() == kind {
			out = append(out, msg)
		}
	}
	return out
}

func (f *fakeMessenger) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeAuthority struct {
	mu      sync.Mutex
	removed []membership.Member
}

func (f *fakeAuthority) Remove(m membership.Member, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, m)
	return nil
}

func (f *fakeAuthority) removals(m membership.Member) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, r := range f.removed {
		if r.Equal(m) {
			n++
		}
	}
	return n
}

func (f *fakeAuthority) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed)
}

// testMembers builds m0..m(n-1); m0 and m1 are coordinator-preferred locators
func testMembers(n int) []membership.Member {
	members := make([]membership.Member, n)
	for i := range members {
		role := membership.RoleNormal
		if i < 2 {
			role = membership.RoleLocator
		}
		addr := netip.MustParseAddr(fmt.Sprintf("10.0.1.%d", i+1))
		members[i] = membership.NewMember(addr, uint16(12000+i), role).
			WithViewID(1).
			WithWeight(0, i < 2)
	}
	return members
}

func testConfig(memberTimeout time.Duration) Config {
	return Config{
		MemberTimeout:             memberTimeout,
		LogicalInterval:           2,
		SuspectCollectionInterval: 100 * time.Millisecond,
		FinalCheckTimeout:         200 * time.Millisecond,
		RemovedCacheSize:          16,
	}
}

type harness struct {
	members   []membership.Member
	messenger *fakeMessenger
	authority *fakeAuthority
	monitor   *Monitor
}

func newHarness(t *testing.T, n, local int, config Config) *harness {
	t.Helper()

	members := testMembers(n)
	h := &harness{
		members:   members,
		messenger: &fakeMessenger{local: members[local]},
		authority: &fakeAuthority{},
	}
	h.monitor = NewMonitor(config, h.messenger, h.authority)
	h.monitor.InstallView(membership.NewView(members[0], 2, members))
	t.Cleanup(h.monitor.Stop)
	return h
}

// answerAll makes every member reply to heartbeat requests addressed to it
func (h *harness) answerAll() {
	h.messenger.setOnSend(func(msg messages.Message) {
		req, ok := msg.(*messages.HeartbeatRequest)
		if !ok {
			return
		}
		h.monitor.ProcessMessage(&messages.Heartbeat{
			Sender:     req.Target,
			Recipients: []membership.Member{req.Sender},
			RequestID:  req.RequestID,
		})
	})
}

func neighborOf(t *testing.T, hm *Monitor) membership.Member {
	t.Helper()
	n, ok := hm.NextNeighbor()
	require.True(t, ok, "expected a watched neighbor")
	return n
}

func TestMonitor_NextNeighbor(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[4]))
	assert.Equal(t, Watching, h.monitor.NeighborState())
}

func TestMonitor_NeighborWrapsAround(t *testing.T) {
	h := newHarness(t, 4, 3, testConfig(time.Second))
	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[0]))
}

func TestMonitor_NoNeighborWhenAlone(t *testing.T) {
	h := newHarness(t, 1, 0, testConfig(time.Second))
	_, ok := h.monitor.NextNeighbor()
	assert.False(t, ok)
}

func TestMonitor_NeighborAdvancesAfterTimeout(t *testing.T) {
	config := testConfig(400 * time.Millisecond)
	h := newHarness(t, 7, 3, config)
	h.monitor.Start()

	require.Eventually(t, func() bool {
		n, ok := h.monitor.NextNeighbor()
		return ok && n.Equal(h.members[5])
	}, config.MemberTimeout+4*config.tick(), 5*time.Millisecond)

	assert.True(t, h.monitor.IsSuspectMember(h.members[4]))
	assert.NotEmpty(t, h.messenger.sentOf(messages.KindHeartbeatRequest))
}

func TestMonitor_NeighborUnchangedBeforeTimeout(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 3, config)
	h.monitor.Start()

	time.Sleep(config.MemberTimeout - 300*time.Millisecond)

	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[4]))
	assert.False(t, h.monitor.IsSuspectMember(h.members[4]))
	assert.Empty(t, h.messenger.sentOf(messages.KindSuspectMembers))
}

func TestMonitor_SuspectsSilentNeighbor(t *testing.T) {
	config := testConfig(500 * time.Millisecond)
	h := newHarness(t, 7, 3, config)
	h.monitor.Start()

	require.Eventually(t, func() bool {
		return h.monitor.IsSuspectMember(h.members[4])
	}, 3*config.MemberTimeout, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h.messenger.sentOf(messages.KindSuspectMembers)) > 0
	}, 2*config.SuspectCollectionInterval+config.MemberTimeout, 5*time.Millisecond)
}

func TestMonitor_AnsweredNeighborIsNeverSuspected(t *testing.T) {
	config := testConfig(300 * time.Millisecond)
	h := newHarness(t, 7, 3, config)
	h.answerAll()
	h.monitor.Start()

	time.Sleep(3 * config.MemberTimeout)

	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[4]))
	assert.False(t, h.monitor.IsSuspectMember(h.members[4]))
	assert.GreaterOrEqual(t, len(h.messenger.sentOf(messages.KindHeartbeatRequest)), 2)
}

func TestMonitor_AckFromOtherMemberIgnored(t *testing.T) {
	config := testConfig(400 * time.Millisecond)
	h := newHarness(t, 7, 3, config)

	// The monitor is not started so the ring state only changes through messages
	h.monitor.ringMu.Lock()
	h.monitor.awaiting = true
	h.monitor.ringMu.Unlock()

	h.monitor.ProcessMessage(&messages.Heartbeat{Sender: h.members[5], RequestID: 1})
	assert.Equal(t, AwaitingAck, h.monitor.NeighborState())

	h.monitor.ProcessMessage(&messages.Heartbeat{Sender: h.members[4], RequestID: 1})
	assert.Equal(t, Watching, h.monitor.NeighborState())
}

func TestMonitor_SuspectBatching(t *testing.T) {
	config := testConfig(10 * time.Second)
	config.SuspectCollectionInterval = 300 * time.Millisecond
	h := newHarness(t, 7, 3, config)
	h.monitor.Start()

	h.monitor.Suspect(h.members[0], "test")
	h.monitor.Suspect(h.members[5], "test")
	h.monitor.Suspect(h.members[6], "test")
	h.monitor.Suspect(h.members[6], "again")

	require.Eventually(t, func() bool {
		return len(h.messenger.sentOf(messages.KindSuspectMembers)) == 1
	}, 2*config.SuspectCollectionInterval, 5*time.Millisecond)

	time.Sleep(2 * config.SuspectCollectionInterval)
	batches := h.messenger.sentOf(messages.KindSuspectMembers)
	require.Len(t, batches, 1)

	batch := batches[0].(*messages.SuspectMembers)
	assert.Len(t, batch.Suspects, 3)
	assert.LessOrEqual(t, len(batch.Recipients), 5)
	require.NotEmpty(t, batch.Recipients)
	assert.True(t, batch.Recipients[0].Equal(h.members[1]), "next coordinator first when the coordinator is suspected")

	for _, r := range batch.Recipients {
		assert.False(t, r.Equal(h.members[3]))
		assert.False(t, r.Equal(h.members[0]))
		assert.False(t, r.Equal(h.members[5]))
		assert.False(t, r.Equal(h.members[6]))
	}

	// Not authoritative, so no final check is issued locally
	assert.Empty(t, h.messenger.sentOf(messages.KindHeartbeatRequest))
}

func TestMonitor_SmallViewBatchGoesToEveryone(t *testing.T) {
	config := testConfig(10 * time.Second)
	h := newHarness(t, 4, 3, config)
	h.monitor.Start()

	h.monitor.Suspect(h.members[2], "test")

	require.Eventually(t, func() bool {
		return len(h.messenger.sentOf(messages.KindSuspectMembers)) == 1
	}, time.Second, 5*time.Millisecond)

	batch := h.messenger.sentOf(messages.KindSuspectMembers)[0].(*messages.SuspectMembers)
	require.Len(t, batch.Recipients, 2)
	assert.True(t, batch.Recipients[0].Equal(h.members[0]))
	assert.True(t, batch.Recipients[1].Equal(h.members[1]))
}

func TestMonitor_SuspectIgnoresSelfAndStrangers(t *testing.T) {
	h := newHarness(t, 5, 3, testConfig(time.Second))

	h.monitor.Suspect(h.members[3], "self")
	stranger := testMembers(9)[8]
	h.monitor.Suspect(stranger, "unknown")

	assert.Equal(t, 0, h.monitor.SuspectCount())
}

func TestMonitor_ExternalSuspectAdvancesNeighbor(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	h.monitor.Suspect(h.members[4], "test")
	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[5]))

	state, ok := h.monitor.SuspectState(h.members[4])
	require.True(t, ok)
	assert.Equal(t, Suspected, state)
	require.Len(t, h.monitor.Suspects(), 1)

	h.monitor.ContactedBy(h.members[4])
	assert.False(t, h.monitor.IsSuspectMember(h.members[4]))
	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[4]))
}

func TestMonitor_LateAckClearsSuspicion(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	h.monitor.Suspect(h.members[4], "test")
	require.True(t, neighborOf(t, h.monitor).Equal(h.members[5]))

	// m4's answer to an earlier request arrives after the ring moved on
	h.monitor.ProcessMessage(&messages.Heartbeat{Sender: h.members[4], RequestID: 1})

	assert.False(t, h.monitor.IsSuspectMember(h.members[4]))
	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[4]))
	assert.Equal(t, Watching, h.monitor.NeighborState())
}

func suspectBatch(sender membership.Member, suspects ...membership.Member) *messages.SuspectMembers {
	msg := &messages.SuspectMembers{Sender: sender}
	for _, s := range suspects {
		msg.Suspects = append(msg.Suspects, messages.SuspectRequest{Suspect: s, Reason: "Not Responding"})
	}
	return msg
}

func TestMonitor_CoordinatorRemovesAfterFailedFinalCheck(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 0, config)

	for i := 0; i < 3; i++ {
		h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[2]))
	}

	time.Sleep(config.FinalCheckTimeout / 2)
	assert.Equal(t, 0, h.authority.total(), "no removal before the final check times out")
	assert.Equal(t, 1, h.monitor.PendingFinalCheckCount())

	require.Eventually(t, func() bool {
		return h.authority.removals(h.members[2]) == 1
	}, 3*config.FinalCheckTimeout, 5*time.Millisecond)

	h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[2]))
	time.Sleep(2 * config.FinalCheckTimeout)
	assert.Equal(t, 1, h.authority.removals(h.members[2]))
	assert.Len(t, h.messenger.sentOf(messages.KindHeartbeatRequest), 1)
}

func TestMonitor_FinalCheckSuccessKeepsMember(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 0, config)
	h.answerAll()

	h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[2]))

	require.Eventually(t, func() bool {
		return len(h.messenger.sentOf(messages.KindHeartbeatRequest)) == 1 &&
			h.monitor.PendingFinalCheckCount() == 0
	}, time.Second, 5*time.Millisecond)

	time.Sleep(2 * config.FinalCheckTimeout)
	assert.Equal(t, 0, h.authority.total())

	state, ok := h.monitor.SuspectState(h.members[2])
	require.True(t, ok)
	assert.Equal(t, Cleared, state)
	assert.False(t, h.monitor.IsSuspectMember(h.members[2]))
}

func TestMonitor_NextCoordinatorChecksSuspectedCoordinator(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 1, config)

	h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[0]))

	require.Eventually(t, func() bool {
		return h.authority.removals(h.members[0]) == 1
	}, 3*config.FinalCheckTimeout, 5*time.Millisecond)
}

func TestMonitor_NonCoordinatorDoesNotCheck(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 3, config)

	h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[5]))

	time.Sleep(2 * config.FinalCheckTimeout)
	assert.Empty(t, h.messenger.sentOf(messages.KindHeartbeatRequest))
	assert.Equal(t, 0, h.authority.total())
}

func TestMonitor_LocalCoordinatorHandlesOwnSuspicion(t *testing.T) {
	config := testConfig(10 * time.Second)
	h := newHarness(t, 5, 0, config)
	h.monitor.Start()

	h.monitor.Suspect(h.members[3], "test")

	require.Eventually(t, func() bool {
		return h.authority.removals(h.members[3]) == 1
	}, config.SuspectCollectionInterval+3*config.FinalCheckTimeout, 5*time.Millisecond)

	state, ok := h.monitor.SuspectState(h.members[3])
	require.True(t, ok)
	assert.Equal(t, Removed, state)
}

func TestMonitor_IgnoresBatchFromNonMember(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 0, config)

	stranger := testMembers(9)[8]
	h.monitor.ProcessMessage(suspectBatch(stranger, h.members[2]))

	time.Sleep(2 * config.FinalCheckTimeout)
	assert.Empty(t, h.messenger.sentOf(messages.KindHeartbeatRequest))
	assert.Equal(t, 0, h.authority.total())
}

func TestMonitor_RefutesSuspicionOfSelf(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	h.monitor.ProcessMessage(suspectBatch(h.members[2], h.members[3]))

	beats := h.messenger.sentOf(messages.KindHeartbeat)
	require.Len(t, beats, 1)
	hb := beats[0].(*messages.Heartbeat)
	assert.Equal(t, int32(-1), hb.RequestID)
	require.Len(t, hb.Recipients, 1)
	assert.True(t, hb.Recipients[0].Equal(h.members[2]))
}

func TestMonitor_AnswersHeartbeatRequests(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	h.monitor.ProcessMessage(&messages.HeartbeatRequest{
		Sender:    h.members[2],
		RequestID: 7,
		Target:    h.members[3],
	})

	beats := h.messenger.sentOf(messages.KindHeartbeat)
	require.Len(t, beats, 1)
	assert.Equal(t, int32(7), beats[0].(*messages.Heartbeat).RequestID)

	// Requests for another incarnation of our address go unanswered
	other := h.members[3]
	other.Token = testMembers(4)[3].Token
	h.monitor.ProcessMessage(&messages.HeartbeatRequest{Sender: h.members[2], RequestID: 8, Target: other})
	assert.Len(t, h.messenger.sentOf(messages.KindHeartbeat), 1)
	assert.False(t, h.monitor.IsSuspectMember(h.members[2]))
}

func TestMonitor_CheckIfAvailable(t *testing.T) {
	config := testConfig(time.Second)
	config.FinalCheckTimeout = 100 * time.Millisecond
	h := newHarness(t, 7, 3, config)

	start := time.Now()
	available := h.monitor.CheckIfAvailable(h.members[1], "Not responding", false)

	assert.False(t, available)
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
	assert.Equal(t, 0, h.authority.total())

	assert.False(t, h.monitor.CheckIfAvailable(h.members[1], "Not responding", true))
	assert.Equal(t, 1, h.authority.removals(h.members[1]))

	assert.True(t, h.monitor.CheckIfAvailable(h.members[3], "self", true))
}

func TestMonitor_ContactDuringFinalCheck(t *testing.T) {
	config := testConfig(time.Second)
	config.FinalCheckTimeout = 2 * time.Second
	h := newHarness(t, 7, 3, config)

	go func() {
		time.Sleep(50 * time.Millisecond)
		h.monitor.ContactedBy(h.members[5])
	}()

	start := time.Now()
	assert.True(t, h.monitor.CheckIfAvailable(h.members[5], "test", true))
	assert.Less(t, time.Since(start), config.FinalCheckTimeout)
	assert.Equal(t, 0, h.authority.total())
}

func TestMonitor_InstallView(t *testing.T) {
	h := newHarness(t, 7, 3, testConfig(time.Second))

	h.monitor.Suspect(h.members[5], "test")
	require.True(t, h.monitor.IsSuspectMember(h.members[5]))

	next := membership.NewView(h.members[0], 3, h.members).Without(h.members[4], h.members[5])
	h.monitor.InstallView(next)

	assert.Equal(t, int64(4), h.monitor.View().ID())
	assert.False(t, h.monitor.IsSuspectMember(h.members[5]), "suspicion of departed members is dropped")
	assert.True(t, neighborOf(t, h.monitor).Equal(h.members[6]))

	// Older views are ignored
	h.monitor.InstallView(membership.NewView(h.members[0], 2, h.members))
	assert.Equal(t, int64(4), h.monitor.View().ID())
}

func TestMonitor_Stop(t *testing.T) {
	config := testConfig(time.Second)
	h := newHarness(t, 7, 0, config)
	h.monitor.Start()

	h.monitor.ProcessMessage(suspectBatch(h.members[4], h.members[2]))
	require.Eventually(t, func() bool {
		return h.monitor.PendingFinalCheckCount() == 1
	}, time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		h.monitor.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(config.FinalCheckTimeout / 2):
		t.Fatal("Stop did not interrupt the running final check")
	}

	assert.True(t, h.monitor.IsShutdown())
	sent := h.messenger.count()

	h.monitor.ProcessMessage(&messages.HeartbeatRequest{Sender: h.members[2], RequestID: 1, Target: h.members[0]})
	h.monitor.Suspect(h.members[3], "after stop")
	assert.True(t, h.monitor.CheckIfAvailable(h.members[3], "after stop", true))

	time.Sleep(2 * config.FinalCheckTimeout)
	assert.Equal(t, 0, h.authority.total())
	assert.Equal(t, sent, h.messenger.count(), "nothing is sent after stop")
	assert.Equal(t, 0, h.monitor.SuspectCount())

	h.monitor.Stop()
}

// stoppingAuthority shuts the monitor down from inside Remove, like a
// forced disconnect reacting to the view change
type stoppingAuthority struct {
	monitor  *Monitor
	calls    atomic.Int32
	returned chan struct{}
}

func (a *stoppingAuthority) Remove(membership.Member, string) error {
	if a.calls.Add(1) == 1 {
		a.monitor.Stop()
		close(a.returned)
	}
	return nil
}

func TestMonitor_AuthorityStopsDuringRemoval(t *testing.T) {
	config := testConfig(time.Second)
	members := testMembers(7)
	authority := &stoppingAuthority{returned: make(chan struct{})}

	hm := NewMonitor(config, &fakeMessenger{local: members[0]}, authority)
	authority.monitor = hm
	hm.InstallView(membership.NewView(members[0], 2, members))
	hm.Start()
	t.Cleanup(hm.Stop)

	hm.ProcessMessage(suspectBatch(members[4], members[2]))

	select {
	case <-authority.returned:
	case <-time.After(3 * config.FinalCheckTimeout):
		t.Fatal("Stop called from Remove never returned")
	}

	assert.True(t, hm.IsShutdown())
	assert.Equal(t, int32(1), authority.calls.Load())

	state, ok := hm.SuspectState(members[2])
	require.True(t, ok)
	assert.Equal(t, Removed, state)
}

func TestConfigFromCluster(t *testing.T) {
	m := cfg.Default().Membership
	m.MemberTimeoutMS = 3000
	m.LogicalInterval = 3
	m.FinalCheckTimeoutMS = 0

	config := ConfigFromCluster(m)
	assert.Equal(t, 3*time.Second, config.MemberTimeout)
	assert.Equal(t, time.Second, config.tick())
	assert.Equal(t, DefaultConfig().FinalCheckTimeout, config.FinalCheckTimeout)
	assert.Equal(t, 200*time.Millisecond, config.SuspectCollectionInterval)
}

func TestNeighborState_String(t *testing.T) {
	assert.Equal(t, "WATCHING", Watching.String())
	assert.Equal(t, "FINAL_CHECK", FinalCheck.String())
	assert.Equal(t, "UNKNOWN", NeighborState(42).String())
}
