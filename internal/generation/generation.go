// Package generation wraps the external image-generation call with the
// circuit breaker's adaptive timeout, bounded retries, and late-result
// discard.
package generation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evolvingprimate/algorhythmic/internal/breaker"
	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

// Backend performs the actual generation call. Implementations must honor
// ctx cancellation: when the adaptive timeout wins the race the call is
// aborted, not abandoned.
type Backend interface {
	Generate(ctx context.Context, req Request) (model.Artwork, error)
}

type Request struct {
	JobID     string
	UserID    string
	SessionID string
	Styles    []string
	Priority  string
}

// TransientError marks a failure worth retrying before it counts against
// the breaker (rate limit, 5xx, connection reset).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// FailureError is the terminal generation error surfaced to callers.
type FailureError struct {
	Reason string // timeout, error, unavailable
	Err    error
}

func (e *FailureError) Error() string {
	if e.Err == nil {
		return "generation failed: " + e.Reason
	}
	return fmt.Sprintf("generation failed (%s): %v", e.Reason, e.Err)
}

func (e *FailureError) Unwrap() error { return e.Err }

var ErrUnavailable = errors.New("generation attempt denied by breaker")

const maxRetries = 2

var retryBackoff = [maxRetries]time.Duration{15 * time.Second, 30 * time.Second}

// Runner executes generation calls under breaker supervision.
type Runner struct {
	backend Backend
	br      *breaker.Breaker
	rec     *breaker.RecoveryManager
	log     *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRunner(backend Backend, br *breaker.Breaker, rec *breaker.RecoveryManager, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		backend: backend,
		br:      br,
		rec:     rec,
		log:     log,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Run executes one generation call. Transient errors are retried inside the
// job's deadline with fixed backoff; a result arriving after the job's
// validity expired is discarded rather than applied.
func (r *Runner) Run(ctx context.Context, req Request) (model.Artwork, error) {
	if !r.br.ShouldAttemptGeneration() {
		return model.Artwork{}, &FailureError{Reason: "unavailable", Err: ErrUnavailable}
	}
	isProbe := r.br.State() == breaker.StateHalfOpen

	id := req.JobID
	if id == "" {
		id = newJobID()
		req.JobID = id
	}
	r.br.RegisterJob(id, isProbe)
	timeout := r.br.Timeout()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var lastErr error
	for attempt := 0; ; attempt++ {
		art, err := r.backend.Generate(callCtx, req)
		if err == nil {
			if !r.br.IsJobValid(id) {
				// breaker reopened or deadline passed mid-call
				r.br.RecordTimeout(id, breaker.TimeoutAborted)
				r.noteFailure()
				return model.Artwork{}, &FailureError{Reason: "timeout"}
			}
			r.br.RecordSuccess(id, time.Since(start))
			r.noteSuccess()
			return art, nil
		}

		if callCtx.Err() != nil {
			r.br.RecordTimeout(id, breaker.TimeoutHard)
			r.noteFailure()
			return model.Artwork{}, &FailureError{Reason: "timeout", Err: callCtx.Err()}
		}

		var te *TransientError
		if !errors.As(err, &te) || attempt >= maxRetries {
			lastErr = err
			break
		}
		r.log.Warn("transient generation error, retrying",
			"job_id", id, "attempt", attempt+1, "err", err)
		if serr := r.sleep(callCtx, retryBackoff[attempt]); serr != nil {
			r.br.RecordTimeout(id, breaker.TimeoutHard)
			r.noteFailure()
			return model.Artwork{}, &FailureError{Reason: "timeout", Err: serr}
		}
	}

	r.br.RecordFailure(id)
	r.noteFailure()
	return model.Artwork{}, &FailureError{Reason: "error", Err: lastErr}
}

func (r *Runner) noteSuccess() {
	if r.rec != nil {
		r.rec.NoteBatchSuccess()
	}
}

func (r *Runner) noteFailure() {
	if r.rec != nil {
		r.rec.NoteBatchFailure()
	}
}

func newJobID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "job-" + hex.EncodeToString(b[:])
}
