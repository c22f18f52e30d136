package breaker

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecoveryManager ramps batch sizes back up after the breaker recovers.
// While the breaker is half-open, or shortly after it closes, batches stay
// small and grow by one per consecutive successful batch.
type RecoveryManager struct {
	br       *Breaker
	log      *slog.Logger
	normal   int
	interval time.Duration

	mu        sync.Mutex
	ramp      int
	lastState State
}

func NewRecoveryManager(br *Breaker, normalBatchMax int, log *slog.Logger) *RecoveryManager {
	if log == nil {
		log = slog.Default()
	}
	if normalBatchMax <= 0 {
		normalBatchMax = 3
	}
	return &RecoveryManager{
		br:       br,
		log:      log,
		normal:   normalBatchMax,
		interval: 5 * time.Second,
		ramp:     1,
	}
}

// RecoveryBatchSize is the reduced batch size to use while recovering.
func (r *RecoveryManager) RecoveryBatchSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ramp > r.normal {
		return r.normal
	}
	return r.ramp
}

// NoteBatchSuccess grows the ramp by one, up to the normal batch maximum.
func (r *RecoveryManager) NoteBatchSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ramp < r.normal {
		r.ramp++
	}
}

// NoteBatchFailure drops the ramp back to a single frame per batch.
func (r *RecoveryManager) NoteBatchFailure() {
	r.mu.Lock()
	r.ramp = 1
	r.mu.Unlock()
}

// StartMonitoring watches breaker transitions and resets the ramp whenever
// the breaker reopens. Returns once ctx is done.
func (r *RecoveryManager) StartMonitoring(ctx context.Context) {
	t := time.NewTicker(r.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s := r.br.State()
			r.mu.Lock()
			if s == StateOpen && r.lastState != StateOpen {
				r.ramp = 1
				r.log.Warn("breaker reopened, recovery ramp reset")
			}
			r.lastState = s
			r.mu.Unlock()
		}
	}
}
