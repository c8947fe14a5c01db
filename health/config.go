package health

import (
	"time"

	"github.com/maxpert/gms/cfg"
)

// Config holds health monitor timing configuration
type Config struct {
	// MemberTimeout is how long a neighbor may stay silent before it is suspected
	MemberTimeout time.Duration
	// LogicalInterval divides MemberTimeout into ring ticks
	LogicalInterval int
	// SuspectCollectionInterval is the suspicion batching period
	SuspectCollectionInterval time.Duration
	// FinalCheckTimeout bounds the wait for an ack during a final check
	FinalCheckTimeout time.Duration
	// RemovedCacheSize bounds the memory of members already removed
	RemovedCacheSize int
}

// DefaultConfig returns default health monitor configuration
func DefaultConfig() Config {
	return Config{
		MemberTimeout:             5 * time.Second,
		LogicalInterval:           2,
		SuspectCollectionInterval: 200 * time.Millisecond,
		FinalCheckTimeout:         1 * time.Second,
		RemovedCacheSize:          1024,
	}
}

// ConfigFromCluster creates health config from membership configuration
func ConfigFromCluster(m cfg.MembershipConfiguration) Config {
	config := DefaultConfig()

	if m.MemberTimeoutMS > 0 {
		config.MemberTimeout = time.Duration(m.MemberTimeoutMS) * time.Millisecond
	}
	if m.LogicalInterval > 0 {
		config.LogicalInterval = m.LogicalInterval
	}
	if m.SuspectCollectionIntervalMS > 0 {
		config.SuspectCollectionInterval = time.Duration(m.SuspectCollectionIntervalMS) * time.Millisecond
	}
	if m.FinalCheckTimeoutMS > 0 {
		config.FinalCheckTimeout = time.Duration(m.FinalCheckTimeoutMS) * time.Millisecond
	}
	if m.RemovedMemberCacheSize > 0 {
		config.RemovedCacheSize = m.RemovedMemberCacheSize
	}

	return config
}

// withDefaults fills unset fields from DefaultConfig
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MemberTimeout <= 0 {
		c.MemberTimeout = d.MemberTimeout
	}
	if c.LogicalInterval <= 0 {
		c.LogicalInterval = d.LogicalInterval
	}
	if c.SuspectCollectionInterval <= 0 {
		c.SuspectCollectionInterval = d.SuspectCollectionInterval
	}
	if c.FinalCheckTimeout <= 0 {
		c.FinalCheckTimeout = d.FinalCheckTimeout
	}
	if c.RemovedCacheSize <= 0 {
		c.RemovedCacheSize = d.RemovedCacheSize
	}
	return c
}

// tick is the ring loop period
func (c Config) tick() time.Duration {
	t := c.MemberTimeout / time.Duration(c.LogicalInterval)
	if t <= 0 {
		t = time.Millisecond
	}
	return t
}

// suspicionTTL is how long a local suspicion outlives a member that is still
// in the view: long enough for one batch, one final check and a view change.
func (c Config) suspicionTTL() time.Duration {
	return 2*c.MemberTimeout + c.SuspectCollectionInterval + c.FinalCheckTimeout
}
