package health

// NeighborState is the failure detection state of a monitored member
type NeighborState int

const (
	// Watching means the member was heard from recently
	Watching NeighborState = iota
	// AwaitingAck means a heartbeat request is in flight
	AwaitingAck
	// Suspected means the member missed its heartbeat window
	Suspected
	// FinalCheck means a direct availability check is running
	FinalCheck
	// Cleared means the final check succeeded
	Cleared
	// Removed means removal was requested from the view authority
	Removed
)

// String returns the string representation of NeighborState
func (s NeighborState) String() string {
	switch s {
	case Watching:
		return "WATCHING"
	case AwaitingAck:
		return "AWAITING_ACK"
	case Suspected:
		return "SUSPECTED"
	case FinalCheck:
		return "FINAL_CHECK"
	case Cleared:
		return "CLEARED"
	case Removed:
		return "REMOVED"
	default:
		return "UNKNOWN"
	}
}
