// Package breaker tracks generation backend health and gates attempts.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/observability"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// TimeoutKind distinguishes how a job exceeded its deadline.
type TimeoutKind string

const (
	TimeoutHard    TimeoutKind = "hard"
	TimeoutAborted TimeoutKind = "aborted"
)

const outcomeWindow = 20

type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
	CooldownMax      time.Duration
	TimeoutMin       time.Duration
	TimeoutMax       time.Duration
	LatencyWindow    int
}

type inflight struct {
	start    time.Time
	deadline time.Time
	probe    bool
	opens    int
}

// Breaker is the generation-health circuit breaker. Transitions:
// closed→open on consecutive failures, open→half-open after cooldown,
// half-open→closed on probe success, half-open→open on probe failure
// with a non-decreasing cooldown.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	opens               int
	cooldown            time.Duration
	openedAt            time.Time
	probeInFlight       bool

	latencies []time.Duration
	timeouts  []time.Time
	outcomes  []bool
	jobs      map[string]inflight
}

func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if cfg.CooldownMax < cfg.Cooldown {
		cfg.CooldownMax = 10 * time.Minute
	}
	if cfg.TimeoutMin <= 0 {
		cfg.TimeoutMin = 45 * time.Second
	}
	if cfg.TimeoutMax < cfg.TimeoutMin {
		cfg.TimeoutMax = 90 * time.Second
	}
	if cfg.LatencyWindow <= 0 {
		cfg.LatencyWindow = 50
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		state:    StateClosed,
		cooldown: cfg.Cooldown,
		jobs:     make(map[string]inflight),
	}
}

// ShouldAttemptGeneration reports whether a generation call may start now.
// In the open state it also performs the open→half-open transition once the
// cooldown has elapsed; the first caller after that becomes the probe.
func (b *Breaker) ShouldAttemptGeneration() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.transition(StateHalfOpen)
			b.probeInFlight = false
			return true
		}
		return false
	case StateHalfOpen:
		// one probe at a time while sampling recovery
		return !b.probeInFlight
	}
	return false
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	// surface cooldown expiry without requiring an attempt first
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return b.state
}

// RegisterJob records an in-flight generation call. The job's validity
// deadline is fixed at registration from the current adaptive timeout.
func (b *Breaker) RegisterJob(id string, isProbe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.now()
	b.jobs[id] = inflight{
		start:    n,
		deadline: n.Add(b.timeoutLocked()),
		probe:    isProbe,
		opens:    b.opens,
	}
	if isProbe || b.state == StateHalfOpen {
		b.probeInFlight = true
	}
}

// IsJobValid reports whether a result for id may still be applied: the job
// must be known, inside its deadline, and the breaker must not have
// reopened since registration.
func (b *Breaker) IsJobValid(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return false
	}
	if j.opens != b.opens {
		return false
	}
	return !b.now().After(j.deadline)
}

func (b *Breaker) RecordSuccess(id string, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	j, known := b.jobs[id]
	delete(b.jobs, id)
	if known && j.probe {
		b.probeInFlight = false
	}
	// late result for a reopened or expired job: discard
	if known && (j.opens != b.opens || b.now().After(j.deadline)) {
		return
	}

	b.latencies = append(b.latencies, latency)
	if len(b.latencies) > b.cfg.LatencyWindow {
		b.latencies = b.latencies[1:]
	}
	b.pushOutcome(true)
	b.consecutiveFailures = 0
	b.consecutiveSuccess++

	if b.state == StateHalfOpen {
		b.cooldown = b.cfg.Cooldown
		b.transition(StateClosed)
	}
	observability.ObserveGeneration("success", latency.Seconds())
}

// RecordTimeout counts a timed-out job as a failure and invalidates it.
func (b *Breaker) RecordTimeout(id string, kind TimeoutKind) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, known := b.jobs[id]
	delete(b.jobs, id)
	if known && j.probe {
		b.probeInFlight = false
	}
	b.timeouts = append(b.timeouts, b.now())
	b.failLocked()
	observability.ObserveGeneration("timeout", 0)
	observability.ObserveTimeout(string(kind))
}

// RecordFailure counts a hard (non-timeout) error against the breaker.
func (b *Breaker) RecordFailure(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, known := b.jobs[id]
	delete(b.jobs, id)
	if known && j.probe {
		b.probeInFlight = false
	}
	b.failLocked()
	observability.ObserveGeneration("failure", 0)
}

func (b *Breaker) failLocked() {
	b.pushOutcome(false)
	b.consecutiveSuccess = 0
	b.consecutiveFailures++

	switch b.state {
	case StateHalfOpen:
		// failed probe: reopen with a longer cooldown
		b.cooldown = min(b.cooldown*3/2, b.cfg.CooldownMax)
		b.open()
	case StateClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.open()
		}
	}
}

func (b *Breaker) open() {
	b.opens++
	b.openedAt = b.now()
	b.probeInFlight = false
	b.transition(StateOpen)
}

func (b *Breaker) transition(s State) {
	if b.state == s {
		return
	}
	b.state = s
	observability.SetBreakerState(string(s))
}

// Timeout is the adaptive deadline handed to generation callers:
// clamp(p95(latencies)*1.25, min, max). With no samples yet the
// conservative maximum applies.
func (b *Breaker) Timeout() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.timeoutLocked()
}

func (b *Breaker) timeoutLocked() time.Duration {
	if len(b.latencies) == 0 {
		return b.cfg.TimeoutMax
	}
	sorted := make([]time.Duration, len(b.latencies))
	copy(sorted, b.latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	t := sorted[idx] * 5 / 4
	if t < b.cfg.TimeoutMin {
		return b.cfg.TimeoutMin
	}
	if t > b.cfg.TimeoutMax {
		return b.cfg.TimeoutMax
	}
	return t
}

// RecentTimeouts counts timeouts inside the trailing window, pruning older
// entries as a side effect.
func (b *Breaker) RecentTimeouts(window time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-window)
	kept := b.timeouts[:0]
	for _, t := range b.timeouts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.timeouts = kept
	return len(b.timeouts)
}

// SuccessRate over the rolling outcome window; 1.0 with no samples.
func (b *Breaker) SuccessRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outcomes) == 0 {
		return 1.0
	}
	ok := 0
	for _, s := range b.outcomes {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(b.outcomes))
}

func (b *Breaker) pushOutcome(ok bool) {
	b.outcomes = append(b.outcomes, ok)
	if len(b.outcomes) > outcomeWindow {
		b.outcomes = b.outcomes[1:]
	}
}
