// Package queuectl decides whether and how much to generate right now,
// based on queue pressure and breaker health.
package queuectl

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

type QueueState string

const (
	StateHungry    QueueState = "HUNGRY"
	StateSatisfied QueueState = "SATISFIED"
	StateOverfull  QueueState = "OVERFULL"
)

// hysteresisThreshold: a target must repeat on this many consecutive ticks
// before the controller commits the transition.
const hysteresisThreshold = 2

type GenerationDecision struct {
	ShouldGenerate bool
	Reason         string
}

// Controller is the hysteresis state machine over queue metrics. It damps
// oscillation when queue size hovers near the min/max boundaries.
type Controller struct {
	br  *breaker.Breaker
	rec *breaker.RecoveryManager

	mu              sync.Mutex
	state           QueueState
	lastTarget      QueueState
	targetCount     int
	halfOpenCounter int
	intn            func(n int) int
}

func New(br *breaker.Breaker, rec *breaker.RecoveryManager) *Controller {
	return &Controller{
		br:    br,
		rec:   rec,
		state: StateSatisfied,
		intn:  rand.IntN,
	}
}

// MetricsSource supplies the queue snapshot consumed on each tick.
type MetricsSource func() model.QueueMetrics

// Run ticks the controller from source on a fixed interval until ctx is
// done. Hysteresis only moves on ticks, so something must drive this loop
// for the committed state to follow queue pressure.
func (c *Controller) Run(ctx context.Context, interval time.Duration, source MetricsSource) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(source())
		}
	}
}

// Tick feeds one metrics snapshot; the returned state is the committed one.
func (c *Controller) Tick(m model.QueueMetrics) QueueState {
	target := StateSatisfied
	switch {
	case m.QueueSize < m.MinSize:
		target = StateHungry
	case m.QueueSize > m.MaxSize:
		target = StateOverfull
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if target == c.lastTarget {
		c.targetCount++
	} else {
		c.lastTarget = target
		c.targetCount = 1
	}
	if target != c.state && c.targetCount >= hysteresisThreshold {
		c.state = target
	}
	return c.state
}

func (c *Controller) State() QueueState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ShouldGenerateFrame() bool {
	return c.GenerationDecision().ShouldGenerate
}

// GenerationDecision consults the breaker first, then the queue state.
// While half-open, every other call is denied to keep probe volume low.
func (c *Controller) GenerationDecision() GenerationDecision {
	switch c.br.State() {
	case breaker.StateOpen:
		return GenerationDecision{Reason: "breaker_open"}
	case breaker.StateHalfOpen:
		c.mu.Lock()
		c.halfOpenCounter++
		denied := c.halfOpenCounter%2 == 0
		c.mu.Unlock()
		if denied {
			return GenerationDecision{Reason: "breaker_half_open"}
		}
	}

	if c.State() == StateOverfull {
		return GenerationDecision{Reason: "queue_full"}
	}
	return GenerationDecision{ShouldGenerate: true}
}

// RecommendedBatchSize: HUNGRY 2-3 randomized, SATISFIED 1, OVERFULL 0.
// Half-open delegates to the recovery ramp; open is always 0.
func (c *Controller) RecommendedBatchSize() int {
	switch c.br.State() {
	case breaker.StateOpen:
		return 0
	case breaker.StateHalfOpen:
		if c.rec != nil {
			return c.rec.RecoveryBatchSize()
		}
		return 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateHungry:
		return 2 + c.intn(2)
	case StateOverfull:
		return 0
	default:
		return 1
	}
}
