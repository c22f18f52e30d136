// Package poolmon watches per-session frame pools and turns shortfall into
// generation intents for the pre-generation manager.
package poolmon

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/config"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/observability"
	"github.com/evolvingprimate/algorhythmic/internal/storage"
	"github.com/evolvingprimate/algorhythmic/internal/telemetry"
)

// IntentProcessor admits or suppresses generation intents. The monitor
// dispatches directly; there is no second event-driven path.
type IntentProcessor interface {
	ProcessIntent(ctx context.Context, intent model.GenerationIntent) model.Decision
}

type Monitor struct {
	cfg      config.PoolCfg
	store    storage.Interface
	br       *breaker.Breaker
	mgr      IntentProcessor
	tel      telemetry.Recorder
	log      *slog.Logger
	now      func() time.Time
	sessions *sessionMap
	styles   func(sessionID, userID string) []string
}

func New(cfg config.PoolCfg, store storage.Interface, br *breaker.Breaker, mgr IntentProcessor, tel telemetry.Recorder, log *slog.Logger) *Monitor {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TargetSize <= 0 {
		cfg.TargetSize = 10
	}
	if cfg.MinSize <= 0 {
		cfg.MinSize = 2
	}
	return &Monitor{
		cfg:      cfg,
		store:    store,
		br:       br,
		mgr:      mgr,
		tel:      tel,
		log:      log,
		now:      time.Now,
		sessions: newSessionMap(),
	}
}

// SetStyleSource installs an optional per-session style lookup used when
// building intents. Without one, intents carry no style tags.
func (m *Monitor) SetStyleSource(fn func(sessionID, userID string) []string) {
	m.styles = fn
}

// RecordConsumption notes that the session displayed a frame. The session
// is created on its first consumption event.
func (m *Monitor) RecordConsumption(sessionID, userID string) {
	m.sessions.record(sessionID, userID, m.now(), m.cfg.ConsumptionWindow)
}

// UpdateSessionPool refreshes the session's frames-available from storage.
func (m *Monitor) UpdateSessionPool(ctx context.Context, sessionID, userID string) (int, error) {
	arts, err := m.store.FreshArtworks(ctx, sessionID, userID, m.cfg.TargetSize)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range arts {
		if a.Valid() {
			n++
		}
	}
	m.sessions.setFrames(sessionID, n)
	return n, nil
}

// Session returns the live view of one session, if it is being tracked.
func (m *Monitor) Session(sessionID string) (model.SessionPool, bool) {
	return m.sessions.get(sessionID, m.now(), m.cfg.ConsumptionWindow)
}

// Metrics aggregates the current session snapshot into coverage numbers.
func (m *Monitor) Metrics() model.PoolMetrics {
	snap := m.sessions.snapshot(m.now(), m.cfg.ConsumptionWindow)
	return m.metricsFrom(snap)
}

func (m *Monitor) metricsFrom(snap []model.SessionPool) model.PoolMetrics {
	pm := model.PoolMetrics{
		ActiveSessions: len(snap),
		TargetPoolSize: m.cfg.TargetSize,
	}
	neediest := ""
	neediestFrames := -1
	for _, s := range snap {
		pm.TotalFrames += s.FramesAvailable
		if neediestFrames < 0 || s.FramesAvailable < neediestFrames {
			neediestFrames = s.FramesAvailable
			neediest = s.SessionID
		}
	}
	if pm.ActiveSessions > 0 {
		pm.Coverage = 1 - float64(pm.TotalFrames)/float64(pm.ActiveSessions*m.cfg.TargetSize)
	}
	pm.NeediestSession = neediest
	return pm
}

// Run drives the periodic health assessment until ctx is done. A failing
// tick is logged and never stops the loop.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.MonitorInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.safeTick(ctx)
		}
	}
}

func (m *Monitor) safeTick(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.log.Error("pool monitor tick panicked", "panic", rec)
			m.tel.Record(telemetry.Event{
				Category: "poolmon",
				Event:    "tick_panic",
				Severity: telemetry.SeverityError,
				Metrics:  map[string]any{"panic": rec},
			})
		}
	}()
	m.AssessPoolHealth(ctx)
}

// AssessPoolHealth is one monitor tick: evict idle sessions, refresh pool
// counts from storage, compute coverage, and emit intents as needed.
func (m *Monitor) AssessPoolHealth(ctx context.Context) {
	now := m.now()
	m.sessions.evict(now, m.cfg.InactivityWindow)

	snap := m.sessions.snapshot(now, m.cfg.ConsumptionWindow)
	for _, s := range snap {
		if n, err := m.UpdateSessionPool(ctx, s.SessionID, s.UserID); err != nil {
			// one session's storage error must not starve the others
			m.log.Warn("session pool refresh failed", "session_id", s.SessionID, "err", err)
		} else {
			for i := range snap {
				if snap[i].SessionID == s.SessionID {
					snap[i].FramesAvailable = n
				}
			}
		}
	}

	pm := m.metricsFrom(snap)
	observability.SetPoolCoverage(pm.Coverage, pm.ActiveSessions)
	if pm.ActiveSessions == 0 {
		return
	}

	switch {
	case pm.Coverage >= m.cfg.CriticalThreshold:
		m.emitEmergency(ctx, snap)
	case pm.Coverage >= m.cfg.PreGenThreshold:
		m.emitPreGeneration(ctx, snap)
	}
}

// every session under the minimum pool floor gets an emergency intent
func (m *Monitor) emitEmergency(ctx context.Context, snap []model.SessionPool) {
	for _, s := range snap {
		if s.FramesAvailable >= m.cfg.MinSize {
			continue
		}
		count := m.cfg.MinSize - s.FramesAvailable
		if count < 1 {
			count = 1
		}
		m.dispatch(ctx, model.GenerationIntent{
			SessionID: s.SessionID,
			UserID:    s.UserID,
			Styles:    m.stylesFor(s.SessionID, s.UserID),
			Count:     count,
			Reason:    model.ReasonEmergencyGeneration,
			Urgency:   model.UrgencyEmergency,
		})
	}
}

// the single neediest session gets a batch sized to close its gap;
// richer sessions wait so the worst-off one is never starved
func (m *Monitor) emitPreGeneration(ctx context.Context, snap []model.SessionPool) {
	if m.br.State() == breaker.StateOpen {
		return
	}
	sort.Slice(snap, func(i, j int) bool {
		return snap[i].FramesAvailable < snap[j].FramesAvailable
	})
	s := snap[0]
	count := m.cfg.TargetSize - s.FramesAvailable
	if count < 1 {
		return
	}
	m.dispatch(ctx, model.GenerationIntent{
		SessionID: s.SessionID,
		UserID:    s.UserID,
		Styles:    m.stylesFor(s.SessionID, s.UserID),
		Count:     count,
		Reason:    model.ReasonPreGeneration,
		Urgency:   model.UrgencyNormal,
	})
}

func (m *Monitor) dispatch(ctx context.Context, intent model.GenerationIntent) {
	if m.cfg.BatchMax > 0 && intent.Count > m.cfg.BatchMax {
		intent.Count = m.cfg.BatchMax
	}
	d := m.mgr.ProcessIntent(ctx, intent)
	sev := telemetry.SeverityInfo
	if !d.Allowed {
		sev = telemetry.SeverityWarn
	}
	m.tel.Record(telemetry.Event{
		Category:  "poolmon",
		Event:     intent.Reason,
		Severity:  sev,
		SessionID: intent.SessionID,
		UserID:    intent.UserID,
		Metrics: map[string]any{
			"count":          intent.Count,
			"allowed":        d.Allowed,
			"deny_reason":    d.Reason,
			"suppress_until": d.SuppressUntil,
		},
	})
}

func (m *Monitor) stylesFor(sessionID, userID string) []string {
	if m.styles == nil {
		return nil
	}
	return m.styles(sessionID, userID)
}
