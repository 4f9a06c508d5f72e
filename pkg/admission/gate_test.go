package admission

import (
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestGate(t *testing.T, b Budget) (*Gate, *fakeClock) {
	t.Helper()
	g, err := NewGate(b)
	if err != nil {
		t.Fatal(err)
	}
	clk := newFakeClock()
	g.SetClock(clk.Now)
	return g, clk
}

func TestNewGateValidation(t *testing.T) {
	cases := []struct {
		name   string
		budget Budget
	}{
		{"zero weight limit", Budget{MaxWeightPerMinute: 0, MaxRequestsPerMinute: 10, MaxWait: time.Minute}},
		{"negative request limit", Budget{MaxWeightPerMinute: 10, MaxRequestsPerMinute: -1, MaxWait: time.Minute}},
		{"margin of one", Budget{MaxWeightPerMinute: 10, MaxRequestsPerMinute: 10, SafetyMargin: 1, MaxWait: time.Minute}},
		{"negative margin", Budget{MaxWeightPerMinute: 10, MaxRequestsPerMinute: 10, SafetyMargin: -0.1, MaxWait: time.Minute}},
		{"zero max wait", Budget{MaxWeightPerMinute: 10, MaxRequestsPerMinute: 10}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if _, err := NewGate(c.budget); err == nil {
				t.Error("expected construction error")
			}
		})
	}
}

func TestAcquireGrantsWithinBudget(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 100, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	out := g.Acquire(10, 1)
	if out.Decision != Granted {
		t.Fatalf("decision = %v, want granted", out.Decision)
	}

	st := g.Stats()
	if st.WeightUsed != 10 || st.RequestsUsed != 1 {
		t.Errorf("usage = (%d, %d), want (10, 1)", st.WeightUsed, st.RequestsUsed)
	}
}

func TestSafetyMarginShrinksEffectiveLimit(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 100, MaxRequestsPerMinute: 100, SafetyMargin: 0.1, MaxWait: time.Minute})

	// Effective weight limit is 90.
	if out := g.Acquire(90, 1); out.Decision != Granted {
		t.Fatalf("acquire at effective limit: %v", out.Decision)
	}
	if out := g.Acquire(1, 1); out.Decision != MustWait {
		t.Errorf("acquire past effective limit = %v, want must_wait", out.Decision)
	}
}

func TestMustWaitReturnsExpiryDuration(t *testing.T) {
	g, clk := newTestGate(t, Budget{MaxWeightPerMinute: 10, MaxRequestsPerMinute: 100, MaxWait: 2 * time.Minute})

	if out := g.Acquire(10, 1); out.Decision != Granted {
		t.Fatal("initial acquire should be granted")
	}
	clk.Advance(20 * time.Second)

	out := g.Acquire(5, 1)
	if out.Decision != MustWait {
		t.Fatalf("decision = %v, want must_wait", out.Decision)
	}
	if out.Wait != 40*time.Second {
		t.Errorf("wait = %v, want 40s", out.Wait)
	}

	// After the blocking event expires the same acquire succeeds.
	clk.Advance(41 * time.Second)
	if out := g.Acquire(5, 1); out.Decision != Granted {
		t.Errorf("acquire after expiry = %v, want granted", out.Decision)
	}
}

func TestRejectedWhenCostExceedsBudget(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 5, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	out := g.Acquire(10, 1)
	if out.Decision != Rejected {
		t.Fatalf("decision = %v, want rejected", out.Decision)
	}
	if !errors.Is(out.Reason, ErrBudgetTooSmall) {
		t.Errorf("reason = %v, want ErrBudgetTooSmall", out.Reason)
	}
}

func TestConcurrentAcquireNeverOverAdmits(t *testing.T) {
	g, err := NewGate(Budget{MaxWeightPerMinute: 1200, MaxRequestsPerMinute: 100, SafetyMargin: 0, MaxWait: time.Minute})
	if err != nil {
		t.Fatal(err)
	}

	const callers = 1000
	var grantCount, waitCount int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			out := g.Acquire(1, 1)
			mu.Lock()
			defer mu.Unlock()
			switch out.Decision {
			case Granted:
				grantCount++
			case MustWait:
				waitCount++
			}
		}()
	}
	wg.Wait()

	if grantCount != 100 {
		t.Errorf("granted = %d, want exactly 100", grantCount)
	}
	if waitCount != callers-100 {
		t.Errorf("must_wait = %d, want %d", waitCount, callers-100)
	}
}

func TestRecordResponseCountsBlocked(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 100, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	g.Acquire(10, 1)
	before := g.Stats()

	g.RecordResponse(http.StatusTooManyRequests, nil)
	g.RecordResponse(http.StatusTeapot, nil)

	st := g.Stats()
	if st.Blocked != before.Blocked+2 {
		t.Errorf("blocked = %d, want %d", st.Blocked, before.Blocked+2)
	}
	if st.WeightUsed != before.WeightUsed {
		t.Errorf("RecordResponse mutated weight usage: %d -> %d", before.WeightUsed, st.WeightUsed)
	}
}

func TestRecordResponseHonorsRetryAfter(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 100, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	header := http.Header{}
	header.Set("Retry-After", "7")
	if d := g.RecordResponse(http.StatusTooManyRequests, header); d != 7*time.Second {
		t.Errorf("backoff = %v, want 7s", d)
	}

	if d := g.RecordResponse(http.StatusOK, header); d != 0 {
		t.Errorf("backoff for 200 = %v, want 0", d)
	}
}

func TestRecordResponseTracksServerUsage(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 100, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	header := http.Header{}
	header.Set("X-Mbx-Used-Weight-1m", "345")
	g.RecordResponse(http.StatusOK, header)

	if st := g.Stats(); st.LastServerUsage != 345 {
		t.Errorf("last server usage = %d, want 345", st.LastServerUsage)
	}
}

func TestStatsPercentages(t *testing.T) {
	g, _ := newTestGate(t, Budget{MaxWeightPerMinute: 200, MaxRequestsPerMinute: 100, MaxWait: time.Minute})

	g.Acquire(100, 1)
	st := g.Stats()
	if st.WeightPercent != 50 {
		t.Errorf("weight percent = %g, want 50", st.WeightPercent)
	}
	if st.RequestPercent != 1 {
		t.Errorf("request percent = %g, want 1", st.RequestPercent)
	}
}
