// Package quorum decides whether the members still reachable after a
// suspected partition carry enough weight of the last known view to keep
// operating. It talks to the old members directly over a probe channel and
// does not depend on the health monitor.
package quorum

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/maxpert/gms/membership"
	"github.com/maxpert/gms/probe"
	"github.com/maxpert/gms/telemetry"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// DefaultPollInterval is how often acks are counted while waiting
const DefaultPollInterval = 500 * time.Millisecond

// ErrInterrupted is returned when a quorum check is cancelled or the checker is closed
var ErrInterrupted = errors.New("quorum check interrupted")

// Option configures a Checker
type Option func(*Checker)

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// Checker evaluates a weighted quorum of the last view over a probe channel
type Checker struct {
	lastView     *membership.View
	threshold    int
	channel      probe.Channel
	pollInterval time.Duration

	mu       sync.Mutex
	achieved bool

	local     netip.AddrPort
	addresses *xsync.MapOf[netip.AddrPort, membership.Member]
	acks      *xsync.MapOf[membership.Key, membership.Member]
	full      chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
}

// NewChecker creates a checker for lastView that requires
// partitionThresholdPercent of its weight. Call Initialize before use.
func NewChecker(lastView *membership.View, partitionThresholdPercent int, channel probe.Channel, opts ...Option) *Checker {
	c := &Checker{
		lastView:     lastView,
		threshold:    partitionThresholdPercent,
		channel:      channel,
		pollInterval: DefaultPollInterval,
		addresses:    xsync.NewMapOf[netip.AddrPort, membership.Member](),
		acks:         xsync.NewMapOf[membership.Key, membership.Member](),
		full:         make(chan struct{}, 1),
		closed:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize maps the probe addresses of the last view to members and
// installs the checker's receiver on the channel
func (c *Checker) Initialize() {
	c.local = c.channel.LocalAddr()

	for _, m := range c.lastView.Members() {
		c.addresses.Store(m.AddrPort(), m)
	}

	log.Debug().
		Str("local", c.local.String()).
		Int64("view_id", c.lastView.ID()).
		Int("threshold_percent", c.threshold).
		Msg("Quorum checker initialized")

	c.Resume()
}

// CheckForQuorum pings every member of the last view that has not acked yet
// and waits up to timeout. It returns true as soon as every member acked,
// otherwise whether the acked weight reaches the threshold. A positive
// result is remembered. Cancelling ctx or closing the checker interrupts
// the wait with ErrInterrupted.
func (c *Checker) CheckForQuorum(ctx context.Context, timeout time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.achieved {
		telemetry.QuorumChecksTotal.With("cached").Inc()
		return true, nil
	}

	start := time.Now()
	log.Debug().
		Int64("view_id", c.lastView.ID()).
		Int("members", c.lastView.Size()).
		Dur("timeout", timeout).
		Msg("Beginning quorum check")

	c.sendPings()

	all, err := c.waitForResponses(ctx, timeout)
	if err != nil {
		observeCheck("interrupted", start)
		return false, err
	}

	if all {
		log.Debug().Msg("Quorum check: received responses from all members of the last view")
		c.achieved = true
		c.recordWeights()
		observeCheck("full", start)
		return true, nil
	}

	c.achieved = c.calculateQuorum()
	if c.achieved {
		observeCheck("weighted", start)
	} else {
		observeCheck("lost", start)
	}
	return c.achieved, nil
}

func observeCheck(result string, start time.Time) {
	telemetry.QuorumChecksTotal.With(result).Inc()
	telemetry.QuorumCheckSeconds.With(result).Observe(time.Since(start).Seconds())
}

// Suspend is a no-op; the checker keeps answering pings while suspended
func (c *Checker) Suspend() {}

// Resume installs the checker's receiver on the channel, replacing any other
func (c *Checker) Resume() {
	c.channel.SetReceiver(&checkerReceiver{c: c})
}

// Close interrupts a running check and closes the channel if still open
func (c *Checker) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })

	if c.channel != nil && !c.channel.Closed() {
		return c.channel.Close()
	}
	return nil
}

// View returns the last view the checker evaluates
func (c *Checker) View() *membership.View {
	return c.lastView
}

// AckedMembers returns the members that answered so far
func (c *Checker) AckedMembers() []membership.Member {
	var out []membership.Member
	for _, m := range c.lastView.Members() {
		if _, ok := c.acks.Load(m.Key()); ok {
			out = append(out, m)
		}
	}
	return out
}

func (c *Checker) sendPings() {
	for _, m := range c.lastView.Members() {
		if _, acked := c.acks.Load(m.Key()); acked {
			continue
		}

		if err := probe.SendPing(c.channel, m.AddrPort()); err != nil {
			log.Debug().
				Err(err).
				Str("member", m.String()).
				Msg("Quorum check: failed sending ping")
		}
	}
}

func (c *Checker) waitForResponses(ctx context.Context, timeout time.Duration) (bool, error) {
	total := c.lastView.Size()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if c.acks.Size() >= total {
			return true, nil
		}

		select {
		case <-ctx.Done():
			return false, fmt.Errorf("%w: %v", ErrInterrupted, ctx.Err())

		case <-c.closed:
			return false, ErrInterrupted

		case <-deadline.C:
			log.Debug().
				Int("acks", c.acks.Size()).
				Msg("Quorum check: timeout waiting for responses")
			return c.acks.Size() >= total, nil

		case <-ticker.C:
		case <-c.full:
		}
	}
}

func (c *Checker) calculateQuorum() bool {
	acked, total := c.recordWeights()
	threshold := Threshold(total, c.threshold)

	log.Info().
		Int("acks", c.acks.Size()).
		Int("acked_weight", acked).
		Int("total_weight", total).
		Int("threshold", threshold).
		Msg("Quorum check: weighted result")

	return acked >= threshold
}

func (c *Checker) recordWeights() (int, int) {
	lead, _ := c.lastView.LeadMember()
	total := TotalWeight(c.lastView.Members(), lead)
	acked := TotalWeight(c.AckedMembers(), lead)

	telemetry.QuorumAckedWeight.Set(float64(acked))
	telemetry.QuorumTotalWeight.Set(float64(total))
	return acked, total
}

type checkerReceiver struct {
	c *Checker
}

func (r *checkerReceiver) PingReceived(from netip.AddrPort) {
	if err := probe.SendAck(r.c.channel, from); err != nil {
		log.Debug().Err(err).Str("to", from.String()).Msg("Quorum check: failed sending ack")
	}
}

func (r *checkerReceiver) AckReceived(from netip.AddrPort) {
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())

	m, ok := r.c.addresses.Load(from)
	if !ok {
		log.Debug().Str("from", from.String()).Msg("Quorum check: ack from unknown address")
		return
	}

	r.c.acks.Store(m.Key(), m)
	if r.c.acks.Size() >= r.c.lastView.Size() {
		select {
		case r.c.full <- struct{}{}:
		default:
		}
	}
}
