// Package jobqueue defines the generation job-queue port. The queue does
// the actual generation work elsewhere; this side only enqueues and reads
// health numbers.
package jobqueue

import (
	"context"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

type Priority string

const (
	PriorityLive   Priority = "live"
	PriorityPreGen Priority = "pregen"
)

type Payload struct {
	SessionID string   `json:"session_id,omitempty"`
	Styles    []string `json:"styles,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

type Interface interface {
	Metrics() model.QueueStats
	Enqueue(ctx context.Context, userID string, payload Payload, priority Priority) (string, error)
	EnqueuePreGeneration(ctx context.Context, userID, sessionID string, styles []string, count int, reason string) ([]string, error)
	// JobDone releases the in-flight slot once the worker reports back.
	JobDone(jobID string)
}
