package breaker

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newBreakerForTest(fc *fakeClock) *Breaker {
	b := New(Config{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		CooldownMax:      10 * time.Minute,
		TimeoutMin:       45 * time.Second,
		TimeoutMax:       90 * time.Second,
		LatencyWindow:    50,
	})
	b.now = fc.Now
	return b
}

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		b.RegisterJob("f", false)
		b.RecordFailure("f")
	}
}

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	failN(b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state=%s want closed after 2 failures", got)
	}
	if !b.ShouldAttemptGeneration() {
		t.Fatal("attempts should still be allowed while closed")
	}

	failN(b, 1)
	if got := b.State(); got != StateOpen {
		t.Fatalf("state=%s want open after 3rd failure", got)
	}
	if b.ShouldAttemptGeneration() {
		t.Fatal("attempts must be denied while open")
	}
}

func TestSuccessResetsFailureStreak(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	failN(b, 2)
	b.RegisterJob("ok", false)
	b.RecordSuccess("ok", time.Second)
	failN(b, 2)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state=%s want closed, streak should have reset", got)
	}
}

func TestCooldownAdmitsSingleProbe(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	failN(b, 3)
	fc.Add(30 * time.Second)
	if b.ShouldAttemptGeneration() {
		t.Fatal("cooldown not elapsed, attempt must be denied")
	}

	fc.Add(31 * time.Second)
	if !b.ShouldAttemptGeneration() {
		t.Fatal("first attempt after cooldown should pass")
	}
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state=%s want half-open", got)
	}

	b.RegisterJob("probe", true)
	if b.ShouldAttemptGeneration() {
		t.Fatal("second attempt must wait for the in-flight probe")
	}
}

func TestProbeSuccessCloses(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	failN(b, 3)
	fc.Add(61 * time.Second)
	if !b.ShouldAttemptGeneration() {
		t.Fatal("probe should be admitted")
	}
	b.RegisterJob("probe", true)
	b.RecordSuccess("probe", 2*time.Second)
	if got := b.State(); got != StateClosed {
		t.Fatalf("state=%s want closed after probe success", got)
	}
	if !b.ShouldAttemptGeneration() {
		t.Fatal("closed breaker must admit attempts")
	}
}

func TestProbeFailureReopensWithLongerCooldown(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	failN(b, 3)
	fc.Add(61 * time.Second)
	if !b.ShouldAttemptGeneration() {
		t.Fatal("probe should be admitted")
	}
	b.RegisterJob("probe", true)
	b.RecordFailure("probe")
	if got := b.State(); got != StateOpen {
		t.Fatalf("state=%s want reopened", got)
	}

	// original cooldown no longer suffices
	fc.Add(61 * time.Second)
	if b.ShouldAttemptGeneration() {
		t.Fatal("cooldown must have grown after a failed probe")
	}
	fc.Add(30 * time.Second)
	if !b.ShouldAttemptGeneration() {
		t.Fatal("grown cooldown (90s) should have elapsed by now")
	}
}

func TestAdaptiveTimeoutClamped(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	if got := b.Timeout(); got != 90*time.Second {
		t.Fatalf("no samples: timeout=%v want 90s", got)
	}

	// fast backend: p95*1.25 far below the floor
	for i := 0; i < 20; i++ {
		b.RegisterJob("j", false)
		b.RecordSuccess("j", 2*time.Second)
	}
	if got := b.Timeout(); got != 45*time.Second {
		t.Fatalf("fast latencies: timeout=%v want clamped to 45s", got)
	}

	// slow backend: p95*1.25 above the ceiling
	for i := 0; i < 50; i++ {
		b.RegisterJob("j", false)
		b.RecordSuccess("j", 120*time.Second)
	}
	if got := b.Timeout(); got != 90*time.Second {
		t.Fatalf("slow latencies: timeout=%v want clamped to 90s", got)
	}

	// mid-range: p95=48s -> 60s
	for i := 0; i < 50; i++ {
		b.RegisterJob("j", false)
		b.RecordSuccess("j", 48*time.Second)
	}
	if got := b.Timeout(); got != 60*time.Second {
		t.Fatalf("timeout=%v want 60s (48s p95 * 1.25)", got)
	}
}

func TestIsJobValid(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	if b.IsJobValid("unknown") {
		t.Fatal("unknown job must be invalid")
	}

	b.RegisterJob("a", false)
	if !b.IsJobValid("a") {
		t.Fatal("registered job inside deadline must be valid")
	}

	// past the adaptive deadline
	fc.Add(91 * time.Second)
	if b.IsJobValid("a") {
		t.Fatal("job past its deadline must be invalid")
	}

	// reopening invalidates jobs registered before
	b.RegisterJob("b", false)
	failN(b, 3)
	if b.IsJobValid("b") {
		t.Fatal("job registered before the breaker reopened must be invalid")
	}
}

func TestLateSuccessDiscarded(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	b.RegisterJob("late", false)
	fc.Add(2 * time.Minute)
	b.RecordSuccess("late", 2*time.Minute)
	if got := b.Timeout(); got != 90*time.Second {
		t.Fatalf("late success must not feed the latency window, timeout=%v", got)
	}
}

func TestRecentTimeoutsWindow(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	for i := 0; i < 3; i++ {
		b.RegisterJob("t", false)
		b.RecordTimeout("t", TimeoutHard)
		fc.Add(time.Minute)
	}
	if got := b.RecentTimeouts(10 * time.Minute); got != 3 {
		t.Fatalf("recent timeouts=%d want 3", got)
	}
	fc.Add(10 * time.Minute)
	if got := b.RecentTimeouts(10 * time.Minute); got != 0 {
		t.Fatalf("recent timeouts=%d want 0 after window", got)
	}
}

func TestSuccessRate(t *testing.T) {
	fc := &fakeClock{}
	fc.Set(time.Unix(0, 0).UTC())
	b := newBreakerForTest(fc)

	if got := b.SuccessRate(); got != 1.0 {
		t.Fatalf("empty window rate=%g want 1.0", got)
	}
	b.RegisterJob("a", false)
	b.RecordSuccess("a", time.Second)
	b.RegisterJob("b", false)
	b.RecordFailure("b")
	if got := b.SuccessRate(); got != 0.5 {
		t.Fatalf("rate=%g want 0.5", got)
	}
}
