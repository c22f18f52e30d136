// Package app wires the admission engine behind a small HTTP surface. All
// admission logic lives in the core packages; handlers here only parse,
// dispatch, and encode.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/config"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/fallback"
	"github.com/evolvingprimate/algorhythmic/internal/idempotency"
	"github.com/evolvingprimate/algorhythmic/internal/observability"
	"github.com/evolvingprimate/algorhythmic/internal/poolmon"
	"github.com/evolvingprimate/algorhythmic/internal/pregen"
	"github.com/evolvingprimate/algorhythmic/internal/queuectl"
	"github.com/evolvingprimate/algorhythmic/internal/storage"
)

type Server struct {
	cfg      config.Config
	log      *slog.Logger
	store    storage.Interface
	br       *breaker.Breaker
	queue    *queuectl.Controller
	mgr      *pregen.Manager
	mon      *poolmon.Monitor
	resolver *fallback.Resolver
	idem     *idempotency.Cache
}

func NewServer(cfg config.Config, log *slog.Logger, store storage.Interface, br *breaker.Breaker, queue *queuectl.Controller, mgr *pregen.Manager, mon *poolmon.Monitor, resolver *fallback.Resolver, idem *idempotency.Cache) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		log:      log,
		store:    store,
		br:       br,
		queue:    queue,
		mgr:      mgr,
		mon:      mon,
		resolver: resolver,
		idem:     idem,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverMiddleware())
	r.Use(loggingMiddleware(s.log))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.handleReady)
	r.Get("/v1/frames", s.observe("/v1/frames", s.handleFrames))
	r.Post("/v1/sessions/{sessionID}/consume", s.observe("/v1/sessions/{sessionID}/consume", s.handleConsume))
	r.Get("/v1/status", s.observe("/v1/status", s.handleStatus))
	return r
}

func (s *Server) observe(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		h(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "err": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type framesResponse struct {
	Artworks      []model.Artwork `json:"artworks"`
	Tier          string          `json:"tier"`
	Reason        string          `json:"reason,omitempty"`
	BypassedCache bool            `json:"bypassed_cache"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := strings.TrimSpace(q.Get("user"))
	if userID == "" {
		http.Error(w, "missing required parameter: user", http.StatusBadRequest)
		return
	}
	sessionID := strings.TrimSpace(q.Get("session"))

	minFrames := 0
	if v := q.Get("min"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			http.Error(w, "invalid min parameter", http.StatusBadRequest)
			return
		}
		minFrames = n
	}

	useCache := true
	if v := q.Get("cache"); v != "" {
		useCache = v != "false" && v != "0"
	}

	var styles []string
	if v := strings.TrimSpace(q.Get("styles")); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				styles = append(styles, s)
			}
		}
	}

	idemKey := r.Header.Get("X-Idempotency-Key")
	if idemKey != "" {
		if cached, ok := s.idem.Get(userID, idemKey); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotent-Replay", "true")
			_, _ = w.Write(cached)
			return
		}
	}

	res, err := s.resolver.Resolve(r.Context(), fallback.Request{
		SessionID:   sessionID,
		UserID:      userID,
		Orientation: strings.TrimSpace(q.Get("orientation")),
		StyleTags:   styles,
		MinFrames:   minFrames,
		UseCache:    useCache,
	})
	if err != nil {
		if errors.Is(err, fallback.ErrExhausted) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no frames available"})
			return
		}
		s.log.Error("frame resolution failed", "session_id", sessionID, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}

	body, err := json.Marshal(framesResponse{
		Artworks:      res.Artworks,
		Tier:          string(res.Tier),
		Reason:        res.Reason,
		BypassedCache: res.BypassedCache,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	if idemKey != "" {
		s.idem.Put(userID, idemKey, body)
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(body)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	userID := strings.TrimSpace(r.URL.Query().Get("user"))
	if sessionID == "" || userID == "" {
		http.Error(w, "missing session or user", http.StatusBadRequest)
		return
	}
	s.mon.RecordConsumption(sessionID, userID)
	if sess, ok := s.mon.Session(sessionID); ok {
		writeJSON(w, http.StatusOK, sess)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	pm := s.mon.Metrics()
	writeJSON(w, http.StatusOK, map[string]any{
		"breaker": map[string]any{
			"state":        string(s.br.State()),
			"timeout_ms":   s.br.Timeout().Milliseconds(),
			"success_rate": s.br.SuccessRate(),
		},
		"queue": map[string]any{
			"state":      string(s.queue.State()),
			"decision":   s.queue.GenerationDecision(),
			"batch_size": s.queue.RecommendedBatchSize(),
		},
		"pool": pm,
		"pregen": map[string]any{
			"tokens_available": s.mgr.TokensAvailable(),
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listen", "addr", s.cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
