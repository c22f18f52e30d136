// Package kafkaqueue publishes generation jobs to a Kafka topic. In-flight
// accounting is kept in-process: a job counts as active from enqueue until
// JobDone, or until its TTL lapses. The TTL covers deployments where the
// worker runs out of process and no completion signal reaches the producer;
// without it a single live job would gate pre-generation forever.
package kafkaqueue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
	"github.com/evolvingprimate/algorhythmic/internal/jobqueue"
)

type Config struct {
	Brokers             []string
	Topic               string
	MaxConcurrentPreGen int
	// JobTTL bounds how long an entry stays active without a JobDone.
	JobTTL time.Duration
}

type jobKind struct {
	pregen  bool
	expires time.Time
}

type Queue struct {
	producer sarama.SyncProducer
	topic    string
	log      *slog.Logger
	maxPre   int
	jobTTL   time.Duration
	now      func() time.Time

	mu     sync.Mutex
	active map[string]jobKind
}

var _ jobqueue.Interface = (*Queue)(nil)

// NewProducerConfig is the sarama configuration used for the job topic.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	cfg.Producer.Return.Successes = true
	cfg.Producer.Timeout = 5 * time.Second
	return cfg
}

func New(cfg Config, log *slog.Logger) (*Queue, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka job topic is required")
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return newWithProducer(producer, cfg, log), nil
}

// NewWithProducer wires an existing producer; tests pass a sarama mock.
func NewWithProducer(producer sarama.SyncProducer, cfg Config, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return newWithProducer(producer, cfg, log)
}

func newWithProducer(producer sarama.SyncProducer, cfg Config, log *slog.Logger) *Queue {
	maxPre := cfg.MaxConcurrentPreGen
	if maxPre <= 0 {
		maxPre = 2
	}
	ttl := cfg.JobTTL
	if ttl <= 0 {
		ttl = 3 * time.Minute
	}
	return &Queue{
		producer: producer,
		topic:    cfg.Topic,
		log:      log,
		maxPre:   maxPre,
		jobTTL:   ttl,
		now:      time.Now,
		active:   make(map[string]jobKind),
	}
}

func (q *Queue) Close() error {
	return q.producer.Close()
}

func (q *Queue) Metrics() model.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	stats := model.QueueStats{MaxConcurrentPreGen: q.maxPre}
	for id, k := range q.active {
		if now.After(k.expires) {
			delete(q.active, id)
			q.log.Warn("active job expired without completion", "job_id", id)
			continue
		}
		stats.ActiveJobs++
		if k.pregen {
			stats.ActivePreGenJobs++
		} else {
			stats.ActiveLiveJobs++
		}
	}
	return stats
}

type message struct {
	JobID     string   `json:"job_id"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id,omitempty"`
	Styles    []string `json:"styles,omitempty"`
	Priority  string   `json:"priority"`
	Reason    string   `json:"reason,omitempty"`
	Queued    int64    `json:"queued_unix_ms"`
}

func (q *Queue) publish(msg message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", msg.JobID, err)
	}
	_, _, err = q.producer.SendMessage(&sarama.ProducerMessage{
		Topic: q.topic,
		Key:   sarama.StringEncoder(msg.UserID),
		Value: sarama.ByteEncoder(raw),
	})
	if err != nil {
		return fmt.Errorf("kafka send job %s: %w", msg.JobID, err)
	}
	return nil
}

func (q *Queue) Enqueue(ctx context.Context, userID string, payload jobqueue.Payload, priority jobqueue.Priority) (string, error) {
	id := newJobID()
	msg := message{
		JobID:     id,
		UserID:    userID,
		SessionID: payload.SessionID,
		Styles:    payload.Styles,
		Priority:  string(priority),
		Reason:    payload.Reason,
		Queued:    time.Now().UnixMilli(),
	}
	if err := q.publish(msg); err != nil {
		return "", err
	}
	q.mu.Lock()
	q.active[id] = jobKind{pregen: priority == jobqueue.PriorityPreGen, expires: q.now().Add(q.jobTTL)}
	q.mu.Unlock()
	q.log.Debug("job enqueued", "job_id", id, "priority", string(priority))
	return id, nil
}

// EnqueuePreGeneration fans a batch out as one message per frame so workers
// can pick frames up independently. Nothing is marked active unless every
// message published; a partially published batch surfaces as an error and
// the published ids are still returned for accounting.
func (q *Queue) EnqueuePreGeneration(ctx context.Context, userID, sessionID string, styles []string, count int, reason string) ([]string, error) {
	if count <= 0 {
		return nil, fmt.Errorf("pre-generation count must be positive, got %d", count)
	}
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		id := newJobID()
		msg := message{
			JobID:     id,
			UserID:    userID,
			SessionID: sessionID,
			Styles:    styles,
			Priority:  string(jobqueue.PriorityPreGen),
			Reason:    reason,
			Queued:    time.Now().UnixMilli(),
		}
		if err := q.publish(msg); err != nil {
			return ids, fmt.Errorf("batch frame %d/%d: %w", i+1, count, err)
		}
		ids = append(ids, id)
	}
	q.mu.Lock()
	expires := q.now().Add(q.jobTTL)
	for _, id := range ids {
		q.active[id] = jobKind{pregen: true, expires: expires}
	}
	q.mu.Unlock()
	return ids, nil
}

func (q *Queue) JobDone(jobID string) {
	q.mu.Lock()
	delete(q.active, jobID)
	q.mu.Unlock()
}

func newJobID() string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return "job-" + hex.EncodeToString(b[:])
}
