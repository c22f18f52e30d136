// Package worker consumes the generation job topic and executes jobs
// through the breaker-supervised runner. Completed artworks land in
// storage and are offered to the requesting session.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/generation"
	"github.com/evolvingprimate/algorhythmic/internal/telemetry"
)

type Config struct {
	Brokers       []string
	Topic         string
	GroupID       string
	SessionTO     time.Duration
	Heartbeat     time.Duration
	InitialOldest bool
}

type jobMessage struct {
	JobID     string   `json:"job_id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id,omitempty"`
	Styles    []string `json:"styles,omitempty"`
	Priority  string   `json:"priority"`
	Reason    string   `json:"reason,omitempty"`
}

// Sink receives the artwork produced for a job.
type Sink interface {
	ArtworkReady(ctx context.Context, sessionID string, art model.Artwork) error
}

type Worker struct {
	cfg    Config
	runner *generation.Runner
	sink   Sink
	done   func(jobID string)
	tel    telemetry.Recorder
	log    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func New(cfg Config, runner *generation.Runner, sink Sink, done func(jobID string), tel telemetry.Recorder, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if tel == nil {
		tel = telemetry.Nop{}
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "generation-worker"
	}
	if cfg.SessionTO <= 0 {
		cfg.SessionTO = 30 * time.Second
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 3 * time.Second
	}
	if done == nil {
		done = func(string) {}
	}
	return &Worker{cfg: cfg, runner: runner, sink: sink, done: done, tel: tel, log: log}
}

func (w *Worker) Start(ctx context.Context) error {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = w.cfg.SessionTO
	cfg.Consumer.Group.Heartbeat.Interval = w.cfg.Heartbeat
	if w.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(w.cfg.Brokers, w.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	h := &groupHandler{process: w.handleMessage}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				w.log.Error("kafka worker group close", "err", err)
			}
		}()
		for {
			if err := group.Consume(ctx, []string{w.cfg.Topic}, h); err != nil {
				w.log.Error("kafka worker consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for err := range group.Errors() {
			w.log.Error("kafka worker group error", "err", err)
		}
	}()

	w.log.Info("generation worker started", "topic", w.cfg.Topic, "group", w.cfg.GroupID)
	return nil
}

func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.log.Info("generation worker stopped")
}

// handleMessage executes one job. Job failures are recorded and swallowed:
// a failed generation must not wedge the partition behind it.
func (w *Worker) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var job jobMessage
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		w.log.Error("undecodable job message", "offset", msg.Offset, "err", err)
		return nil
	}
	defer w.done(job.JobID)

	art, err := w.runner.Run(ctx, generation.Request{
		JobID:     job.JobID,
		UserID:    job.UserID,
		SessionID: job.SessionID,
		Styles:    job.Styles,
		Priority:  job.Priority,
	})
	if err != nil {
		var fe *generation.FailureError
		reason := "error"
		if errors.As(err, &fe) {
			reason = fe.Reason
		}
		w.log.Warn("generation job failed", "job_id", job.JobID, "reason", reason, "err", err)
		w.tel.Record(telemetry.Event{
			Category:  "worker",
			Event:     "job_failed",
			Severity:  telemetry.SeverityWarn,
			SessionID: job.SessionID,
			UserID:    job.UserID,
			Metrics:   map[string]any{"job_id": job.JobID, "reason": reason},
		})
		return nil
	}

	if w.sink != nil {
		if err := w.sink.ArtworkReady(ctx, job.SessionID, art); err != nil {
			w.log.Error("store generated artwork", "job_id", job.JobID, "err", err)
			return nil
		}
	}
	w.tel.Record(telemetry.Event{
		Category:  "worker",
		Event:     "job_completed",
		Severity:  telemetry.SeverityInfo,
		SessionID: job.SessionID,
		UserID:    job.UserID,
		Metrics:   map[string]any{"job_id": job.JobID, "artwork_id": art.ID, "priority": job.Priority},
	})
	return nil
}
