// Package model defines core domain types shared across the service.
package model

import "time"

// Artwork is a reference to a generated or cataloged image frame.
type Artwork struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id,omitempty"`
	ImageURL    string   `json:"image_url"`
	Orientation string   `json:"orientation,omitempty"`
	StyleTags   []string `json:"style_tags,omitempty"`
	CreatedAt   int64    `json:"created_at,omitempty"`
}

// Valid reports whether the artwork carries a resolvable image reference.
func (a Artwork) Valid() bool {
	return a.ID != "" && a.ImageURL != ""
}

// GenerationIntent asks for count new frames for one session.
type GenerationIntent struct {
	SessionID string
	UserID    string
	Styles    []string
	Count     int
	Reason    string
	Urgency   Urgency
}

type Urgency string

const (
	UrgencyNormal    Urgency = "normal"
	UrgencyEmergency Urgency = "emergency"
)

// Intent reasons surfaced to the composition layer and telemetry.
const (
	ReasonPreGeneration       = "pre-generation"
	ReasonEmergencyGeneration = "emergency-generation"
)

// Decision is a structured admission outcome. Denials are values, not
// errors: SuppressUntil tells the caller when polling again is worthwhile.
type Decision struct {
	Allowed       bool
	Reason        string
	SuppressUntil time.Time
}

func Allow() Decision {
	return Decision{Allowed: true}
}

func Deny(reason string, until time.Time) Decision {
	return Decision{Reason: reason, SuppressUntil: until}
}

// QueueMetrics is the per-tick snapshot fed to the queue controller.
type QueueMetrics struct {
	QueueSize       int
	TargetSize      int
	MinSize         int
	MaxSize         int
	GenerationRate  float64
	ConsumptionRate float64
}

// QueueStats is the job-queue health snapshot consulted by admission gates.
type QueueStats struct {
	ActiveJobs          int
	ActiveLiveJobs      int
	ActivePreGenJobs    int
	MaxConcurrentPreGen int
}

// FallbackTier identifies which cascade level supplied the frames.
type FallbackTier string

const (
	TierFresh  FallbackTier = "fresh"
	TierStyle  FallbackTier = "style-matched"
	TierGlobal FallbackTier = "global"
)

// FallbackResult is the outcome of a successful cascade resolution.
// Artworks always holds at least the requested minimum; partial results
// are never returned.
type FallbackResult struct {
	Artworks      []Artwork
	Tier          FallbackTier
	Reason        string
	BypassedCache bool
}

// SessionPool is a point-in-time view of one session's frame pool.
type SessionPool struct {
	SessionID       string
	UserID          string
	FramesAvailable int
	ConsumptionRate float64
	LastConsumedAt  time.Time
	Active          bool
}

// PoolMetrics aggregates session pools for coverage accounting.
type PoolMetrics struct {
	ActiveSessions  int
	TotalFrames     int
	TargetPoolSize  int
	Coverage        float64
	NeediestSession string
}
