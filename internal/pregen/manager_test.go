package pregen

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/config"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

type stubQueue struct {
	mu        sync.Mutex
	stats     model.QueueStats
	err       error
	calls     int
	lastCount int
}

func (q *stubQueue) Metrics() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

func (q *stubQueue) EnqueuePreGeneration(ctx context.Context, userID, sessionID string, styles []string, count int, reason string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	q.lastCount = count
	if q.err != nil {
		return nil, q.err
	}
	ids := make([]string, count)
	for i := range ids {
		ids[i] = "job"
	}
	return ids, nil
}

type stubCredit struct {
	decision model.Decision
	noted    int
}

func (c *stubCredit) ShouldGenerate(ctx context.Context, userID string) model.Decision {
	return c.decision
}

func (c *stubCredit) NoteGenerated(userID string, count int) {
	c.noted += count
}

func testPreGenCfg() config.PreGenCfg {
	return config.PreGenCfg{
		Cooldown:             time.Minute,
		QueueDepthCap:        10,
		TokenBucketMax:       10,
		TokenRefillPerMinute: 1,
		SessionQuotaHourly:   10,
		StyleQuotaHourly:     15,
		GlobalQuotaHourly:    60,
		BackoffBase:          time.Minute,
		BackoffMaxMultiplier: 8,
		RecentTimeoutWindow:  10 * time.Minute,
		RecentTimeoutCap:     3,
		MinSuccessRate:       0.5,
	}
}

func healthyBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{Cooldown: time.Hour})
}

func intent(count int) model.GenerationIntent {
	return model.GenerationIntent{
		SessionID: "s1",
		UserID:    "u1",
		Styles:    []string{"noir"},
		Count:     count,
		Reason:    model.ReasonPreGeneration,
		Urgency:   model.UrgencyNormal,
	}
}

func TestProcessIntentAdmits(t *testing.T) {
	q := &stubQueue{}
	m := NewManager(testPreGenCfg(), healthyBreaker(), q, nil, nil, nil)

	d := m.ProcessIntent(context.Background(), intent(2))
	if !d.Allowed {
		t.Fatalf("decision=%+v want allowed", d)
	}
	if q.calls != 1 || q.lastCount != 2 {
		t.Fatalf("queue calls=%d lastCount=%d want 1/2", q.calls, q.lastCount)
	}
	if got := m.TokensAvailable(); got != 9 {
		t.Fatalf("tokens=%d want 9 after one consume", got)
	}
}

func TestCooldownDeniesUntilElapsed(t *testing.T) {
	q := &stubQueue{}
	m := NewManager(testPreGenCfg(), healthyBreaker(), q, nil, nil, nil)
	base := time.Unix(0, 0).UTC()
	m.now = func() time.Time { return base }
	m.lastSuccess = base.Add(-30 * time.Second)

	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyMinInterval {
		t.Fatalf("decision=%+v want min_interval denial", d)
	}
	if want := base.Add(30 * time.Second); !d.SuppressUntil.Equal(want) {
		t.Fatalf("suppressUntil=%v want %v", d.SuppressUntil, want)
	}
	if q.calls != 0 {
		t.Fatal("denied intent must not reach the queue")
	}

	m.now = func() time.Time { return base.Add(31 * time.Second) }
	if d := m.ProcessIntent(context.Background(), intent(1)); !d.Allowed {
		t.Fatalf("decision=%+v want allowed after cooldown", d)
	}
}

func TestEmergencyBypassesCooldown(t *testing.T) {
	q := &stubQueue{}
	m := NewManager(testPreGenCfg(), healthyBreaker(), q, nil, nil, nil)
	m.lastSuccess = m.now()

	in := intent(1)
	in.Urgency = model.UrgencyEmergency
	in.Reason = model.ReasonEmergencyGeneration
	if d := m.ProcessIntent(context.Background(), in); !d.Allowed {
		t.Fatalf("decision=%+v want emergency admitted despite cooldown", d)
	}
}

func TestQueueHealthGates(t *testing.T) {
	cases := []struct {
		name   string
		stats  model.QueueStats
		reason string
	}{
		{"live jobs", model.QueueStats{ActiveLiveJobs: 1}, DenyLiveJobs},
		{"queue depth", model.QueueStats{ActiveJobs: 10}, DenyQueueDepth},
		{"pregen concurrency", model.QueueStats{ActivePreGenJobs: 2, MaxConcurrentPreGen: 2}, DenyConcurrency},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			q := &stubQueue{stats: tc.stats}
			m := NewManager(testPreGenCfg(), healthyBreaker(), q, nil, nil, nil)
			d := m.ProcessIntent(context.Background(), intent(1))
			if d.Allowed || d.Reason != tc.reason {
				t.Fatalf("decision=%+v want %s denial", d, tc.reason)
			}
		})
	}
}

func TestBreakerOpenDenies(t *testing.T) {
	br := healthyBreaker()
	for i := 0; i < 3; i++ {
		br.RecordFailure("f")
	}
	m := NewManager(testPreGenCfg(), br, &stubQueue{}, nil, nil, nil)
	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyBreakerOpen {
		t.Fatalf("decision=%+v want breaker_open denial", d)
	}
}

func TestLowSuccessRateDenies(t *testing.T) {
	br := healthyBreaker()
	// 2/3 failures keeps the breaker closed but drops the rate below 0.5
	for i := 0; i < 3; i++ {
		br.RecordFailure("f")
		br.RecordFailure("f")
		br.RecordSuccess("ok", time.Second)
	}
	m := NewManager(testPreGenCfg(), br, &stubQueue{}, nil, nil, nil)
	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyLowSuccessRate {
		t.Fatalf("decision=%+v want low_success_rate denial", d)
	}
}

func TestRecentTimeoutsBackoffDoubles(t *testing.T) {
	br := healthyBreaker()
	// interleave successes so the rate stays at 0.5 and the breaker closed
	for i := 0; i < 4; i++ {
		br.RecordTimeout("t", breaker.TimeoutHard)
		br.RecordSuccess("ok", time.Second)
	}
	m := NewManager(testPreGenCfg(), br, &stubQueue{}, nil, nil, nil)
	base := time.Unix(0, 0).UTC()
	m.now = func() time.Time { return base }

	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyRecentTimeouts {
		t.Fatalf("decision=%+v want recent_timeouts denial", d)
	}
	if want := base.Add(time.Minute); !d.SuppressUntil.Equal(want) {
		t.Fatalf("first suppressUntil=%v want %v", d.SuppressUntil, want)
	}

	d = m.ProcessIntent(context.Background(), intent(1))
	if want := base.Add(2 * time.Minute); !d.SuppressUntil.Equal(want) {
		t.Fatalf("second suppressUntil=%v want backoff doubled to %v", d.SuppressUntil, want)
	}
}

func TestQuotaExceededDenies(t *testing.T) {
	cfg := testPreGenCfg()
	cfg.Cooldown = 0
	cfg.SessionQuotaHourly = 2
	q := &stubQueue{}
	m := NewManager(cfg, healthyBreaker(), q, nil, nil, nil)

	if d := m.ProcessIntent(context.Background(), intent(2)); !d.Allowed {
		t.Fatalf("decision=%+v want first batch admitted", d)
	}
	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyQuotaExceeded {
		t.Fatalf("decision=%+v want quota_exceeded denial", d)
	}
	if d.SuppressUntil.IsZero() {
		t.Fatal("quota denial must carry the window reset time")
	}
}

func TestHourlyCapBoundsSpeculativeWork(t *testing.T) {
	cfg := testPreGenCfg()
	cfg.Cooldown = 0
	cfg.HourlyCap = 3
	q := &stubQueue{}
	m := NewManager(cfg, healthyBreaker(), q, nil, nil, nil)

	if d := m.ProcessIntent(context.Background(), intent(2)); !d.Allowed {
		t.Fatalf("decision=%+v want first batch admitted", d)
	}
	d := m.ProcessIntent(context.Background(), intent(2))
	if d.Allowed || d.Reason != DenyHourlyCap {
		t.Fatalf("decision=%+v want hourly_cap denial", d)
	}
	if d.SuppressUntil.IsZero() {
		t.Fatal("hourly cap denial must carry the window reset time")
	}

	// emergency refills are not speculative and skip the cap
	in := intent(2)
	in.Urgency = model.UrgencyEmergency
	in.Reason = model.ReasonEmergencyGeneration
	if d := m.ProcessIntent(context.Background(), in); !d.Allowed {
		t.Fatalf("decision=%+v want emergency admitted past the cap", d)
	}
}

func TestCreditVeto(t *testing.T) {
	until := time.Unix(0, 0).UTC().Add(time.Hour)
	credit := &stubCredit{decision: model.Deny("hourly_spend_cap", until)}
	q := &stubQueue{}
	m := NewManager(testPreGenCfg(), healthyBreaker(), q, credit, nil, nil)

	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != "hourly_spend_cap" {
		t.Fatalf("decision=%+v want credit veto passed through", d)
	}
	if !d.SuppressUntil.Equal(until) {
		t.Fatalf("suppressUntil=%v want %v", d.SuppressUntil, until)
	}
}

func TestCreditSpendCommittedOnSuccess(t *testing.T) {
	credit := &stubCredit{decision: model.Allow()}
	m := NewManager(testPreGenCfg(), healthyBreaker(), &stubQueue{}, credit, nil, nil)

	if d := m.ProcessIntent(context.Background(), intent(3)); !d.Allowed {
		t.Fatalf("decision=%+v want allowed", d)
	}
	if credit.noted != 3 {
		t.Fatalf("noted=%d want 3 generations recorded against spend", credit.noted)
	}
}

func TestNoTokensDenies(t *testing.T) {
	m := NewManager(testPreGenCfg(), healthyBreaker(), &stubQueue{}, nil, nil, nil)
	base := time.Unix(0, 0).UTC()
	m.now = func() time.Time { return base }
	m.bucket.tokens = 0
	m.bucket.lastRefill = base

	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyNoTokens {
		t.Fatalf("decision=%+v want no_tokens denial", d)
	}
	if want := base.Add(time.Minute); !d.SuppressUntil.Equal(want) {
		t.Fatalf("suppressUntil=%v want next token at %v", d.SuppressUntil, want)
	}
}

func TestDispatchFailureRefundsToken(t *testing.T) {
	q := &stubQueue{err: errors.New("broker unavailable")}
	m := NewManager(testPreGenCfg(), healthyBreaker(), q, nil, nil, nil)

	d := m.ProcessIntent(context.Background(), intent(1))
	if d.Allowed || d.Reason != DenyExecutionFailed {
		t.Fatalf("decision=%+v want execution_failed", d)
	}
	if got := m.TokensAvailable(); got != 10 {
		t.Fatalf("tokens=%d want 10, failed dispatch must refund", got)
	}
	if !m.lastSuccess.IsZero() {
		t.Fatal("failed dispatch must not start the cooldown")
	}
}

func TestSuccessResetsBackoff(t *testing.T) {
	m := NewManager(testPreGenCfg(), healthyBreaker(), &stubQueue{}, nil, nil, nil)
	m.backoffMult = 4

	if d := m.ProcessIntent(context.Background(), intent(1)); !d.Allowed {
		t.Fatalf("decision=%+v want allowed", d)
	}
	if m.backoffMult != 1 {
		t.Fatalf("backoffMult=%d want reset to 1", m.backoffMult)
	}
}
