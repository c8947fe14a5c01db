package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// ProbeBuckets for heartbeat round trips and final checks
	ProbeBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}

	// QuorumBuckets for whole quorum evaluations (bounded by the caller timeout)
	QuorumBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// View Metrics
var (
	// ViewID tracks the id of the installed membership view
	ViewID Gauge = NoopStat{}

	// ViewMembers tracks the members of the installed view by role
	ViewMembers GaugeVec = noopGaugeVec{}

	// ViewInstallsTotal counts view installs by source (local, authority)
	ViewInstallsTotal CounterVec = noopCounterVec{}
)

// Failure Detection Metrics
var (
	// HeartbeatRequestsTotal counts heartbeat requests by purpose (ring, final_check)
	HeartbeatRequestsTotal CounterVec = noopCounterVec{}

	// NeighborChangesTotal counts changes of the watched neighbor by cause (view, suspect)
	NeighborChangesTotal CounterVec = noopCounterVec{}

	// SuspicionsRaisedTotal counts suspicion records by source (timeout, external)
	SuspicionsRaisedTotal CounterVec = noopCounterVec{}

	// SuspectBatchesSentTotal counts aggregated suspicion batches sent
	SuspectBatchesSentTotal Counter = NoopStat{}

	// SuspectedMembers tracks members currently suspected locally
	SuspectedMembers Gauge = NoopStat{}

	// FinalChecksTotal counts final checks by result (cleared, failed, abandoned)
	FinalChecksTotal CounterVec = noopCounterVec{}

	// FinalCheckSeconds measures final check duration by result (cleared, failed)
	FinalCheckSeconds HistogramVec = noopHistogramVec{}

	// PendingFinalChecks tracks final checks waiting for an ack
	PendingFinalChecks Gauge = NoopStat{}

	// MemberRemovalsTotal counts removal requests by result (success, failed)
	MemberRemovalsTotal CounterVec = noopCounterVec{}
)

// Transport Metrics
var (
	// MessagesTotal counts protocol messages by direction (sent, received) and kind
	MessagesTotal CounterVec = noopCounterVec{}

	// MessageSendFailuresTotal counts failed message deliveries by kind
	MessageSendFailuresTotal CounterVec = noopCounterVec{}

	// ProbeFramesTotal counts raw probe frames by direction (sent, received) and kind
	ProbeFramesTotal CounterVec = noopCounterVec{}
)

// Quorum Metrics
var (
	// QuorumChecksTotal counts quorum evaluations by result (full, weighted, lost, cached, interrupted)
	QuorumChecksTotal CounterVec = noopCounterVec{}

	// QuorumCheckSeconds measures quorum evaluation latency by result (full, weighted, lost, interrupted)
	QuorumCheckSeconds HistogramVec = noopHistogramVec{}

	// QuorumAckedWeight tracks the acknowledged weight of the last evaluation
	QuorumAckedWeight Gauge = NoopStat{}

	// QuorumTotalWeight tracks the total weight of the last evaluated view
	QuorumTotalWeight Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after the registry exists (InitializeTelemetry does both).
func InitMetrics() {
	// View Metrics
	ViewID = NewGauge(
		"view_id",
		"Id of the installed membership view",
	)
	ViewMembers = NewGaugeVec(
		"view_members",
		"Members of the installed view by role",
		[]string{"role"},
	)
	ViewInstallsTotal = NewCounterVec(
		"view_installs_total",
		"Membership views installed by source",
		[]string{"source"},
	)

	// Failure Detection Metrics
	HeartbeatRequestsTotal = NewCounterVec(
		"heartbeat_requests_total",
		"Heartbeat requests sent by purpose",
		[]string{"purpose"},
	)
	NeighborChangesTotal = NewCounterVec(
		"neighbor_changes_total",
		"Changes of the watched ring neighbor by cause",
		[]string{"cause"},
	)
	SuspicionsRaisedTotal = NewCounterVec(
		"suspicions_raised_total",
		"Suspicion records raised by source",
		[]string{"source"},
	)
	SuspectBatchesSentTotal = NewCounter(
		"suspect_batches_sent_total",
		"Aggregated suspicion batches sent",
	)
	SuspectedMembers = NewGauge(
		"suspected_members",
		"Members currently suspected by this process",
	)
	FinalChecksTotal = NewCounterVec(
		"final_checks_total",
		"Final checks by result",
		[]string{"result"},
	)
	FinalCheckSeconds = NewHistogramVec(
		"final_check_seconds",
		"Final check duration in seconds by result",
		[]string{"result"},
		ProbeBuckets,
	)
	PendingFinalChecks = NewGauge(
		"pending_final_checks",
		"Final checks waiting for a heartbeat",
	)
	MemberRemovalsTotal = NewCounterVec(
		"member_removals_total",
		"Member removal requests by result",
		[]string{"result"},
	)

	// Transport Metrics
	MessagesTotal = NewCounterVec(
		"messages_total",
		"Protocol messages by direction and kind",
		[]string{"direction", "kind"},
	)
	MessageSendFailuresTotal = NewCounterVec(
		"message_send_failures_total",
		"Failed protocol message deliveries by kind",
		[]string{"kind"},
	)
	ProbeFramesTotal = NewCounterVec(
		"probe_frames_total",
		"Raw probe frames by direction and kind",
		[]string{"direction", "kind"},
	)

	// Quorum Metrics
	QuorumChecksTotal = NewCounterVec(
		"quorum_checks_total",
		"Quorum evaluations by result",
		[]string{"result"},
	)
	QuorumCheckSeconds = NewHistogramVec(
		"quorum_check_seconds",
		"Quorum evaluation duration in seconds by result",
		[]string{"result"},
		QuorumBuckets,
	)
	QuorumAckedWeight = NewGauge(
		"quorum_acked_weight",
		"Acknowledged member weight in the last quorum evaluation",
	)
	QuorumTotalWeight = NewGauge(
		"quorum_total_weight",
		"Total member weight of the view used in the last quorum evaluation",
	)
}
