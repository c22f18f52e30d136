package poolmon

import (
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/evolvingprimate/algorhythmic/internal/core/model"
)

const numShards = 64

type session struct {
	sessionID    string
	userID       string
	frames       int
	events       []time.Time
	lastConsumed time.Time
}

type shard struct {
	mu sync.Mutex
	m  map[string]*session
}

// sessionMap is the sharded per-session pool accounting. Shard selection
// hashes the session id; each shard owns its sessions exclusively.
type sessionMap struct {
	shards [numShards]shard
}

func newSessionMap() *sessionMap {
	s := &sessionMap{}
	for i := range s.shards {
		s.shards[i].m = make(map[string]*session)
	}
	return s
}

func (s *sessionMap) pick(sessionID string) *shard {
	h := xxhash.Sum64String(sessionID)
	return &s.shards[h&(numShards-1)]
}

// record creates the session on first consumption and appends the event,
// pruning anything older than the trailing window.
func (s *sessionMap) record(sessionID, userID string, now time.Time, window time.Duration) {
	sh := s.pick(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sess := sh.m[sessionID]
	if sess == nil {
		sess = &session{sessionID: sessionID, userID: userID}
		sh.m[sessionID] = sess
	}
	sess.lastConsumed = now
	sess.events = append(sess.events, now)
	cutoff := now.Add(-window)
	kept := sess.events[:0]
	for _, e := range sess.events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	sess.events = kept
}

func (s *sessionMap) setFrames(sessionID string, frames int) {
	sh := s.pick(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess := sh.m[sessionID]; sess != nil {
		sess.frames = frames
	}
}

// evict removes sessions with no consumption inside the inactivity window.
func (s *sessionMap) evict(now time.Time, inactivity time.Duration) int {
	cutoff := now.Add(-inactivity)
	evicted := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sess := range sh.m {
			if sess.lastConsumed.Before(cutoff) {
				delete(sh.m, id)
				evicted++
			}
		}
		sh.mu.Unlock()
	}
	return evicted
}

// get returns one session's current view, if it exists.
func (s *sessionMap) get(sessionID string, now time.Time, window time.Duration) (model.SessionPool, bool) {
	sh := s.pick(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sess := sh.m[sessionID]
	if sess == nil {
		return model.SessionPool{}, false
	}
	minutes := window.Minutes()
	if minutes <= 0 {
		minutes = 5
	}
	n := 0
	cutoff := now.Add(-window)
	for _, e := range sess.events {
		if e.After(cutoff) {
			n++
		}
	}
	return model.SessionPool{
		SessionID:       sess.sessionID,
		UserID:          sess.userID,
		FramesAvailable: sess.frames,
		ConsumptionRate: float64(n) / minutes,
		LastConsumedAt:  sess.lastConsumed,
		Active:          true,
	}, true
}

// snapshot lists active sessions with their consumption rate, computed as
// events in the trailing window divided by the window length in minutes.
func (s *sessionMap) snapshot(now time.Time, window time.Duration) []model.SessionPool {
	minutes := window.Minutes()
	if minutes <= 0 {
		minutes = 5
	}
	var out []model.SessionPool
	cutoff := now.Add(-window)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for _, sess := range sh.m {
			n := 0
			for _, e := range sess.events {
				if e.After(cutoff) {
					n++
				}
			}
			out = append(out, model.SessionPool{
				SessionID:       sess.sessionID,
				UserID:          sess.userID,
				FramesAvailable: sess.frames,
				ConsumptionRate: float64(n) / minutes,
				LastConsumedAt:  sess.lastConsumed,
				Active:          true,
			})
		}
		sh.mu.Unlock()
	}
	return out
}
