// Package fallback serves frames when fresh generation cannot keep up. The
// resolver never calls the generation backend; it cascades through three
// read-only tiers until the requested minimum is met.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/observability"
	"github.com/evolvingprimate/algorhythmic/internal/servedcache"
	"github.com/evolvingprimate/algorhythmic/internal/storage"
	"github.com/evolvingprimate/algorhythmic/internal/telemetry"
)

// ErrExhausted is raised only after every tier has been tried. The caller
// owns the ultimate last resort beyond this point.
var ErrExhausted = errors.New("fallback exhausted: no tier could satisfy the minimum frame count")

const (
	defaultMinFrames = 2
	fetchMultiplier  = 3
	minFetch         = 10
)

type Request struct {
	SessionID      string
	UserID         string
	Orientation    string
	StyleTags      []string
	MinFrames      int
	UseCache       bool
	RecentlyServed []string // caller-supplied extra anti-repeat set
}

type Resolver struct {
	store storage.Interface
	cache *servedcache.Cache
	tel   telemetry.Recorder
	log   *slog.Logger
}

func NewResolver(store storage.Interface, cache *servedcache.Cache, tel telemetry.Recorder, log *slog.Logger) *Resolver {
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, cache: cache, tel: tel, log: log}
}

// Resolve runs the cascade: fresh, style-matched, global. The result always
// meets MinFrames or the call fails outright; partial successes are never
// returned silently.
func (r *Resolver) Resolve(ctx context.Context, req Request) (model.FallbackResult, error) {
	if req.MinFrames <= 0 {
		req.MinFrames = defaultMinFrames
	}
	fetch := req.MinFrames * fetchMultiplier
	if fetch < minFetch {
		fetch = minFetch
	}

	if res, ok := r.tryFresh(ctx, req, fetch); ok {
		return r.finish(req, res), nil
	}
	if res, ok := r.tryStyleMatched(ctx, req, fetch); ok {
		return r.finish(req, res), nil
	}
	if res, ok := r.tryGlobal(ctx, req, fetch); ok {
		return r.finish(req, res), nil
	}

	observability.ObserveFallback("exhausted", false)
	r.tel.Record(telemetry.Event{
		Category:  "fallback",
		Event:     "exhausted",
		Severity:  telemetry.SeverityError,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Metrics:   map[string]any{"min_frames": req.MinFrames},
	})
	return model.FallbackResult{}, fmt.Errorf("session %s: %w", req.SessionID, ErrExhausted)
}

// tier 1: artworks never shown to this user for this session. If the
// unfiltered set would satisfy the minimum but the anti-repeat filter
// starves it, the filter is relaxed: availability beats strict anti-repeat.
func (r *Resolver) tryFresh(ctx context.Context, req Request, fetch int) (model.FallbackResult, bool) {
	arts, err := r.store.FreshArtworks(ctx, req.SessionID, req.UserID, fetch)
	if err != nil {
		r.log.Warn("fresh tier unavailable", "session_id", req.SessionID, "err", err)
		return model.FallbackResult{}, false
	}
	unfiltered := validOnly(arts)

	filtered := unfiltered
	if req.UseCache && r.cache != nil {
		filtered = r.cache.Filter(req.SessionID, req.UserID, filtered)
	}
	filtered = dropIDs(filtered, req.RecentlyServed)

	if len(filtered) >= req.MinFrames {
		return model.FallbackResult{Artworks: filtered, Tier: model.TierFresh, Reason: "fresh_pool"}, true
	}
	if len(unfiltered) >= req.MinFrames {
		return model.FallbackResult{Artworks: unfiltered, Tier: model.TierFresh, Reason: "fresh_pool_cache_relaxed", BypassedCache: true}, true
	}
	return model.FallbackResult{}, false
}

// tier 2: catalog matches for the requested styles. Recently served items
// sort last instead of being dropped (soft LRU ordering).
func (r *Resolver) tryStyleMatched(ctx context.Context, req Request, fetch int) (model.FallbackResult, bool) {
	if len(req.StyleTags) == 0 {
		return model.FallbackResult{}, false
	}
	arts, err := r.store.CatalogCandidates(ctx, req.UserID, req.StyleTags, fetch)
	if err != nil {
		r.log.Warn("style tier unavailable", "session_id", req.SessionID, "err", err)
		return model.FallbackResult{}, false
	}
	arts = validOnly(arts)
	if len(arts) < req.MinFrames {
		return model.FallbackResult{}, false
	}

	seen := map[string]struct{}{}
	if r.cache != nil {
		if s := r.cache.Served(req.SessionID, req.UserID); s != nil {
			seen = s
		}
	}
	for _, id := range req.RecentlyServed {
		seen[id] = struct{}{}
	}
	sort.SliceStable(arts, func(i, j int) bool {
		_, si := seen[arts[i].ID]
		_, sj := seen[arts[j].ID]
		return !si && sj
	})
	return model.FallbackResult{Artworks: arts, Tier: model.TierStyle, Reason: "style_catalog"}, true
}

// tier 3: the curated emergency pool, then unfiltered recent art.
func (r *Resolver) tryGlobal(ctx context.Context, req Request, fetch int) (model.FallbackResult, bool) {
	arts, err := r.store.EmergencyFallback(ctx, req.UserID, storage.EmergencyOpts{Limit: fetch, Orientation: req.Orientation})
	if err != nil {
		r.log.Warn("emergency tier unavailable", "session_id", req.SessionID, "err", err)
	} else if arts = validOnly(arts); len(arts) >= req.MinFrames {
		return model.FallbackResult{Artworks: arts, Tier: model.TierGlobal, Reason: "emergency_pool"}, true
	}

	recent, err := r.store.RecentArt(ctx, fetch)
	if err != nil {
		r.log.Warn("recent tier unavailable", "session_id", req.SessionID, "err", err)
		return model.FallbackResult{}, false
	}
	if recent = validOnly(recent); len(recent) >= req.MinFrames {
		return model.FallbackResult{Artworks: recent, Tier: model.TierGlobal, Reason: "recent_pool"}, true
	}
	return model.FallbackResult{}, false
}

func (r *Resolver) finish(req Request, res model.FallbackResult) model.FallbackResult {
	if r.cache != nil {
		ids := make([]string, len(res.Artworks))
		for i, a := range res.Artworks {
			ids[i] = a.ID
		}
		r.cache.MarkServed(req.SessionID, req.UserID, ids, res.Tier)
	}
	observability.ObserveFallback(string(res.Tier), res.BypassedCache)
	r.tel.Record(telemetry.Event{
		Category:  "fallback",
		Event:     "resolved",
		Severity:  telemetry.SeverityInfo,
		SessionID: req.SessionID,
		UserID:    req.UserID,
		Metrics: map[string]any{
			"tier":           string(res.Tier),
			"reason":         res.Reason,
			"count":          len(res.Artworks),
			"bypassed_cache": res.BypassedCache,
		},
	})
	return res
}

// invalid entries are dropped silently and never count toward MinFrames
func validOnly(arts []model.Artwork) []model.Artwork {
	out := make([]model.Artwork, 0, len(arts))
	for _, a := range arts {
		if a.Valid() {
			out = append(out, a)
		}
	}
	return out
}

func dropIDs(arts []model.Artwork, ids []string) []model.Artwork {
	if len(ids) == 0 {
		return arts
	}
	skip := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		skip[id] = struct{}{}
	}
	out := make([]model.Artwork, 0, len(arts))
	for _, a := range arts {
		if _, ok := skip[a.ID]; !ok {
			out = append(out, a)
		}
	}
	return out
}
