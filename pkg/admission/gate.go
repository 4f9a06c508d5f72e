// Package admission is the concurrency-safe front door for weighted API
// calls. A Gate either grants a call immediately, tells the caller how long
// to wait, or rejects it; the gate itself never sleeps or blocks.
package admission

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/klinegate/klinegate/pkg/models"
	"github.com/klinegate/klinegate/pkg/window"
)

// Window is the trailing interval usage is measured over.
const Window = time.Minute

// ErrBudgetTooSmall is returned when the configured budget cannot admit the
// request within the maximum tolerated wait.
var ErrBudgetTooSmall = errors.New("budget too small for request cost")

// Budget is the immutable limit configuration, validated at construction.
// Effective limits are the nominal limits scaled down by SafetyMargin.
type Budget struct {
	MaxWeightPerMinute   int
	MaxRequestsPerMinute int
	SafetyMargin         float64
	MaxWait              time.Duration
}

// DefaultBudget mirrors the exchange's standard per-minute limits with a
// 10% safety margin.
func DefaultBudget() Budget {
	return Budget{
		MaxWeightPerMinute:   1200,
		MaxRequestsPerMinute: 1200,
		SafetyMargin:         0.1,
		MaxWait:              2 * time.Minute,
	}
}

func (b Budget) validate() error {
	if b.MaxWeightPerMinute <= 0 {
		return fmt.Errorf("max weight per minute must be positive, got %d", b.MaxWeightPerMinute)
	}
	if b.MaxRequestsPerMinute <= 0 {
		return fmt.Errorf("max requests per minute must be positive, got %d", b.MaxRequestsPerMinute)
	}
	if b.SafetyMargin < 0 || b.SafetyMargin >= 1 {
		return fmt.Errorf("safety margin must be in [0, 1), got %g", b.SafetyMargin)
	}
	if b.MaxWait <= 0 {
		return fmt.Errorf("max wait must be positive, got %s", b.MaxWait)
	}
	return nil
}

// Decision classifies the result of an admission attempt.
type Decision int

const (
	// Granted means the cost was recorded and the caller may proceed.
	Granted Decision = iota
	// MustWait means the budget is currently exhausted; the caller should
	// sleep for Outcome.Wait and retry. Expected under load, not an error.
	MustWait
	// Rejected means admission can never succeed under this configuration.
	Rejected
)

func (d Decision) String() string {
	switch d {
	case Granted:
		return "granted"
	case MustWait:
		return "must_wait"
	default:
		return "rejected"
	}
}

// Outcome is the tagged result of Acquire. Every call path produces one.
type Outcome struct {
	Decision Decision
	Wait     time.Duration
	Reason   error
}

// Gate enforces a sliding-window budget of weight and request units.
// One Gate instance is shared by every collaborator issuing network calls;
// its lifecycle matches the process's client lifetime.
type Gate struct {
	budget       Budget
	weightLimit  int
	requestLimit int
	usage        *window.Counter

	blocked     atomic.Int64
	retried     atomic.Int64
	granted     atomic.Int64
	totalWeight atomic.Int64
	serverUsage atomic.Int64
}

// NewGate validates the budget and builds a Gate. Misconfiguration is the
// only fatal condition; contention later is reported through Outcome.
func NewGate(b Budget) (*Gate, error) {
	if err := b.validate(); err != nil {
		return nil, fmt.Errorf("admission gate: %w", err)
	}
	return &Gate{
		budget:       b,
		weightLimit:  int(float64(b.MaxWeightPerMinute) * (1 - b.SafetyMargin)),
		requestLimit: int(float64(b.MaxRequestsPerMinute) * (1 - b.SafetyMargin)),
		usage:        window.New(Window),
	}, nil
}

// SetClock overrides the gate's time source for synthetic-clock tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.usage.SetClock(now)
}

// Acquire attempts to admit a call of the given cost. The check and the
// usage record are one atomic operation, so concurrent callers can never
// drive aggregate usage past the effective limits.
func (g *Gate) Acquire(weightCost, requestCost int) Outcome {
	if weightCost < 0 || requestCost < 0 {
		return Outcome{Decision: Rejected, Reason: fmt.Errorf("negative cost (%d weight, %d requests)", weightCost, requestCost)}
	}
	if weightCost > g.weightLimit || requestCost > g.requestLimit {
		// No amount of waiting frees enough budget for this single call.
		return Outcome{Decision: Rejected, Reason: ErrBudgetTooSmall}
	}

	if g.usage.TryRecord(weightCost, requestCost, g.weightLimit, g.requestLimit) {
		g.granted.Add(1)
		g.totalWeight.Add(int64(weightCost))
		return Outcome{Decision: Granted}
	}

	wait := g.usage.EarliestExpiry()
	if wait <= 0 {
		wait = time.Second
	}
	if wait > g.budget.MaxWait {
		return Outcome{Decision: Rejected, Wait: wait, Reason: ErrBudgetTooSmall}
	}
	return Outcome{Decision: MustWait, Wait: wait}
}

// RecordResponse feeds back observed server-side limit state after a
// completed network operation. For 429 and 418 it increments the blocked
// counter and returns the backoff the caller must honor regardless of local
// budget state; the server's view is authoritative. The returned duration
// is zero for all other statuses.
func (g *Gate) RecordResponse(status int, header http.Header) time.Duration {
	if used := usedWeightFromHeader(header); used > 0 {
		g.serverUsage.Store(int64(used))
	}

	if status != http.StatusTooManyRequests && status != http.StatusTeapot {
		return 0
	}
	g.blocked.Add(1)
	if d := retryAfterFromHeader(header); d > 0 {
		return d
	}
	// No server hint; caller falls back to its exponential backoff.
	return 0
}

// RecordRetry counts one retry attempt for the stats snapshot.
func (g *Gate) RecordRetry() {
	g.retried.Add(1)
}

// Stats returns a point-in-time usage snapshot.
func (g *Gate) Stats() models.Snapshot {
	weight, requests := g.usage.Usage()
	return models.Snapshot{
		WeightUsed:      weight,
		WeightLimit:     g.weightLimit,
		WeightPercent:   percent(weight, g.weightLimit),
		RequestsUsed:    requests,
		RequestLimit:    g.requestLimit,
		RequestPercent:  percent(requests, g.requestLimit),
		Blocked:         g.blocked.Load(),
		Retried:         g.retried.Load(),
		TotalGranted:    g.granted.Load(),
		TotalWeight:     g.totalWeight.Load(),
		LastServerUsage: int(g.serverUsage.Load()),
	}
}

func percent(used, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(used) / float64(limit) * 100
}

// usedWeightFromHeader extracts the exchange's reported 1-minute weight
// usage. The header name casing varies across endpoints.
func usedWeightFromHeader(header http.Header) int {
	if header == nil {
		return 0
	}
	for _, name := range []string{"X-Mbx-Used-Weight-1m", "X-Mbx-Used-Weight"} {
		if v := header.Get(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
	}
	return 0
}

func retryAfterFromHeader(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
