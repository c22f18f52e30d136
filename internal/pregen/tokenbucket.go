package pregen

import (
	"time"
)

// tokenBucket is the one stateful resource actually spent by admission.
// Refill is a pure function of elapsed wall time: whole tokens only,
// floor(minutesElapsed * ratePerMinute), capped at max. Callers hold the
// manager's mutex; the bucket itself does no locking.
type tokenBucket struct {
	tokens        int
	maxTokens     int
	ratePerMinute int
	lastRefill    time.Time
}

func newTokenBucket(maxTokens, ratePerMinute int, now time.Time) *tokenBucket {
	if maxTokens <= 0 {
		maxTokens = 10
	}
	if ratePerMinute <= 0 {
		ratePerMinute = 1
	}
	return &tokenBucket{
		tokens:        maxTokens,
		maxTokens:     maxTokens,
		ratePerMinute: ratePerMinute,
		lastRefill:    now,
	}
}

func (b *tokenBucket) refill(now time.Time) {
	minutes := now.Sub(b.lastRefill).Minutes()
	if minutes <= 0 {
		return
	}
	added := int(minutes * float64(b.ratePerMinute))
	if added <= 0 {
		return
	}
	b.tokens += added
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	// advance by the whole-token interval so fractions are not lost
	b.lastRefill = b.lastRefill.Add(time.Duration(float64(time.Minute) * float64(added) / float64(b.ratePerMinute)))
}

func (b *tokenBucket) available(now time.Time) int {
	b.refill(now)
	return b.tokens
}

// consume takes one token; false leaves state unchanged.
func (b *tokenBucket) consume(now time.Time) bool {
	b.refill(now)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// refund returns one token after a failed dispatch.
func (b *tokenBucket) refund() {
	if b.tokens < b.maxTokens {
		b.tokens++
	}
}

// nextToken estimates when at least one token will be available.
func (b *tokenBucket) nextToken(now time.Time) time.Time {
	if b.available(now) > 0 {
		return now
	}
	return b.lastRefill.Add(time.Duration(float64(time.Minute) / float64(b.ratePerMinute)))
}
