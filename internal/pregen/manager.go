// Package pregen admits or suppresses speculative background generation.
// Gates run strictly cheap-to-expensive and short-circuit on the first
// failure; the token is consumed only after every cheaper gate passed.
package pregen

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/config"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/observability"
	"github.com/evolvingprimate/algorhythmic/internal/telemetry"
)

// Denial reasons returned in Decision.Reason.
const (
	DenyMinInterval     = "min_interval"
	DenyLiveJobs        = "live_jobs_active"
	DenyQueueDepth      = "queue_depth"
	DenyConcurrency     = "pregen_concurrency"
	DenyBreakerOpen     = "breaker_open"
	DenyLowSuccessRate  = "low_success_rate"
	DenyRecentTimeouts  = "recent_timeouts"
	DenyQuotaExceeded   = "quota_exceeded"
	DenyHourlyCap       = "hourly_cap"
	DenyNoTokens        = "no_tokens"
	DenyExecutionFailed = "execution_failed"
)

// JobQueue is the dispatch target once an intent is admitted.
type JobQueue interface {
	Metrics() model.QueueStats
	EnqueuePreGeneration(ctx context.Context, userID, sessionID string, styles []string, count int, reason string) ([]string, error)
}

// CreditController may veto generation for billing reasons. Optional.
type CreditController interface {
	ShouldGenerate(ctx context.Context, userID string) model.Decision
}

// Manager owns the token bucket, quota windows, and backoff state. All
// mutations happen under one mutex; nothing outside this package touches
// that state.
type Manager struct {
	cfg    config.PreGenCfg
	br     *breaker.Breaker
	queue  JobQueue
	credit CreditController
	tel    telemetry.Recorder
	log    *slog.Logger
	now    func() time.Time

	mu          sync.Mutex
	bucket      *tokenBucket
	quotas      *quotas
	hourly      quotaWindow
	lastSuccess time.Time
	backoffMult int
}

func NewManager(cfg config.PreGenCfg, br *breaker.Breaker, queue JobQueue, credit CreditController, tel telemetry.Recorder, log *slog.Logger) *Manager {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		cfg:         cfg,
		br:          br,
		queue:       queue,
		credit:      credit,
		tel:         tel,
		log:         log,
		now:         time.Now,
		quotas:      newQuotas(cfg.SessionQuotaHourly, cfg.StyleQuotaHourly, cfg.GlobalQuotaHourly),
		backoffMult: 1,
	}
	m.bucket = newTokenBucket(cfg.TokenBucketMax, cfg.TokenRefillPerMinute, m.now())
	return m
}

// TokensAvailable is a read-only snapshot for the status surface.
func (m *Manager) TokensAvailable() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bucket.available(m.now())
}

// ProcessIntent runs the admission gates in order and dispatches to the job
// queue when all pass. Denials are values carrying a suppress-until hint;
// the only terminal failure is a dispatch that could not be executed.
func (m *Manager) ProcessIntent(ctx context.Context, intent model.GenerationIntent) model.Decision {
	emergency := intent.Urgency == model.UrgencyEmergency
	now := m.now()

	m.mu.Lock()

	// gate 1: global cooldown since last successful pre-generation.
	// Emergency intents bypass the cooldown, never the spend ceilings.
	if !emergency && !m.lastSuccess.IsZero() {
		if until := m.lastSuccess.Add(m.cfg.Cooldown); now.Before(until) {
			return m.deny(intent, DenyMinInterval, until)
		}
	}

	// gate 2: job-queue health
	stats := m.queue.Metrics()
	if stats.ActiveLiveJobs > 0 {
		return m.deny(intent, DenyLiveJobs, now.Add(30*time.Second))
	}
	if m.cfg.QueueDepthCap > 0 && stats.ActiveJobs >= m.cfg.QueueDepthCap {
		return m.deny(intent, DenyQueueDepth, now.Add(time.Minute))
	}
	if stats.MaxConcurrentPreGen > 0 && stats.ActivePreGenJobs >= stats.MaxConcurrentPreGen {
		return m.deny(intent, DenyConcurrency, now.Add(time.Minute))
	}

	// gate 3: breaker health
	if m.br.State() == breaker.StateOpen {
		return m.deny(intent, DenyBreakerOpen, now.Add(time.Minute))
	}
	if m.br.SuccessRate() < m.cfg.MinSuccessRate {
		return m.deny(intent, DenyLowSuccessRate, now.Add(m.cfg.Cooldown))
	}

	// gate 4: recent timeouts trigger exponential backoff
	if !emergency && m.br.RecentTimeouts(m.cfg.RecentTimeoutWindow) > m.cfg.RecentTimeoutCap {
		until := now.Add(m.cfg.BackoffBase * time.Duration(m.backoffMult))
		if m.backoffMult < m.cfg.BackoffMaxMultiplier {
			m.backoffMult *= 2
		}
		return m.deny(intent, DenyRecentTimeouts, until)
	}

	// gate 5: per-session, per-style, and global hourly quotas, plus the
	// hourly cap on speculative frames. The cap bounds pre-generation
	// only; emergency refills skip it but never the quota windows.
	if ok, resetAt := m.quotas.check(intent.SessionID, intent.Styles, intent.Count, now); !ok {
		return m.deny(intent, DenyQuotaExceeded, resetAt)
	}
	if !emergency && m.cfg.HourlyCap > 0 {
		m.hourly.roll(now)
		if m.hourly.count+intent.Count > m.cfg.HourlyCap {
			return m.deny(intent, DenyHourlyCap, m.hourly.resetAt)
		}
	}

	// gate 6: optional credit veto
	if m.credit != nil {
		if d := m.credit.ShouldGenerate(ctx, intent.UserID); !d.Allowed {
			until := d.SuppressUntil
			if until.IsZero() {
				until = now.Add(time.Hour)
			}
			return m.deny(intent, d.Reason, until)
		}
	}

	// gate 7: token bucket, the one resource actually spent
	if !m.bucket.consume(now) {
		return m.deny(intent, DenyNoTokens, m.bucket.nextToken(now))
	}
	observability.SetTokensAvailable(m.bucket.tokens)
	m.mu.Unlock()

	jobIDs, err := m.queue.EnqueuePreGeneration(ctx, intent.UserID, intent.SessionID, intent.Styles, intent.Count, intent.Reason)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		// exactly-once refund; dispatch failure counts like a timeout
		m.bucket.refund()
		observability.SetTokensAvailable(m.bucket.tokens)
		m.br.RecordTimeout("pregen-dispatch", breaker.TimeoutHard)
		if m.backoffMult < m.cfg.BackoffMaxMultiplier {
			m.backoffMult *= 2
		}
		until := m.now().Add(m.cfg.BackoffBase * time.Duration(m.backoffMult))
		m.log.Error("pre-generation dispatch failed", "session_id", intent.SessionID, "err", err)
		observability.ObservePreGenDecision(DenyExecutionFailed)
		m.tel.Record(telemetry.Event{
			Category:  "pregen",
			Event:     DenyExecutionFailed,
			Severity:  telemetry.SeverityError,
			SessionID: intent.SessionID,
			UserID:    intent.UserID,
			Metrics:   map[string]any{"count": intent.Count, "reason": intent.Reason},
		})
		return model.Deny(DenyExecutionFailed, until)
	}

	m.quotas.commit(intent.SessionID, intent.Styles, intent.Count, m.now())
	if !emergency && m.cfg.HourlyCap > 0 {
		m.hourly.roll(m.now())
		m.hourly.count += intent.Count
	}
	m.lastSuccess = m.now()
	m.backoffMult = 1
	// spend is committed at admission, alongside the quota counters
	if n, ok := m.credit.(interface{ NoteGenerated(userID string, count int) }); ok {
		n.NoteGenerated(intent.UserID, intent.Count)
	}
	observability.ObservePreGenDecision("executed")
	m.tel.Record(telemetry.Event{
		Category:  "pregen",
		Event:     "executed",
		Severity:  telemetry.SeverityInfo,
		SessionID: intent.SessionID,
		UserID:    intent.UserID,
		Metrics:   map[string]any{"count": intent.Count, "jobs": len(jobIDs), "urgency": string(intent.Urgency), "reason": intent.Reason},
	})
	return model.Allow()
}

// deny releases the mutex, emits telemetry, and builds the decision.
func (m *Manager) deny(intent model.GenerationIntent, reason string, until time.Time) model.Decision {
	m.mu.Unlock()
	observability.ObservePreGenDecision(reason)
	m.tel.Record(telemetry.Event{
		Category:  "pregen",
		Event:     "denied",
		Severity:  telemetry.SeverityWarn,
		SessionID: intent.SessionID,
		UserID:    intent.UserID,
		Metrics:   map[string]any{"reason": reason, "suppress_until": until, "count": intent.Count},
	})
	return model.Deny(reason, until)
}
