// Package loader drives many logical fetches through a bounded worker pool,
// admitting every physical call through the shared admission gate and
// retrying on rate-limit and transport failures.
package loader

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/klinegate/klinegate/pkg/admission"
	"github.com/klinegate/klinegate/pkg/models"
	"github.com/klinegate/klinegate/pkg/weights"
)

// Admitter is the slice of the admission gate the loader consumes.
type Admitter interface {
	Acquire(weightCost, requestCost int) admission.Outcome
	RecordResponse(status int, header http.Header) time.Duration
	RecordRetry()
}

// FetchResult carries the payload of one executed sub-request plus the
// response metadata fed back into the admission gate.
type FetchResult struct {
	Klines []models.Kline
	Status int
	Header http.Header
}

// Executor performs the physical network call for one sub-request.
// HTTP-level failures are reported as *TransportError.
type Executor interface {
	Fetch(ctx context.Context, req models.SubRequest) (*FetchResult, error)
}

// Config tunes the loader's concurrency and retry behavior.
type Config struct {
	// MaxConcurrency bounds the worker pool, independent of queue depth.
	MaxConcurrency int
	// MaxRetries is the number of attempts for a failing network call.
	MaxRetries int
	// RetryBaseDelay seeds the exponential backoff (base * 2^attempt).
	RetryBaseDelay time.Duration
	// MaxBackoff caps a single backoff sleep.
	MaxBackoff time.Duration
	// AdmissionRetries bounds must-wait cycles before a sub-request fails
	// with ErrRateLimitExhausted.
	AdmissionRetries int
}

// DefaultConfig returns the loader defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:   15,
		MaxRetries:       3,
		RetryBaseDelay:   time.Second,
		MaxBackoff:       30 * time.Second,
		AdmissionRetries: 10,
	}
}

func (c Config) validate() error {
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive, got %d", c.MaxRetries)
	}
	if c.RetryBaseDelay <= 0 {
		return fmt.Errorf("retry base delay must be positive, got %s", c.RetryBaseDelay)
	}
	if c.AdmissionRetries <= 0 {
		return fmt.Errorf("admission retries must be positive, got %d", c.AdmissionRetries)
	}
	return nil
}

// Loader expands LoadTasks into sub-requests and executes them through the
// gate. One Loader shares one gate instance with all its workers.
type Loader struct {
	gate  Admitter
	exec  Executor
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Loader. Configuration problems are fatal here, never later.
func New(gate Admitter, exec Executor, cfg Config) (*Loader, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Loader{gate: gate, exec: exec, cfg: cfg, sleep: sleepCtx}, nil
}

// Run executes all tasks through the bounded worker pool and returns one
// result per task, in input order. Failures are attached to their task's
// result; a failing task never aborts its siblings.
func (l *Loader) Run(ctx context.Context, tasks []models.LoadTask) []models.TaskResult {
	results := make([]models.TaskResult, len(tasks))

	type job struct {
		idx  int
		task models.LoadTask
	}
	jobs := make(chan job)

	workers := l.cfg.MaxConcurrency
	if workers > len(tasks) {
		workers = len(tasks)
	}

	var wg errgroup.Group
	for w := 0; w < workers; w++ {
		wg.Go(func() error {
			for j := range jobs {
				results[j.idx] = l.Load(ctx, j.task)
			}
			return nil
		})
	}

	for i, task := range tasks {
		jobs <- job{idx: i, task: task}
	}
	close(jobs)
	_ = wg.Wait()

	return results
}

// Load executes a single task: plan, admit, fetch, reassemble.
// Sub-request results are merged in planned order regardless of which
// finished first; any sub-request failure fails the whole task, since
// downstream consumers need a contiguous series.
func (l *Loader) Load(ctx context.Context, task models.LoadTask) models.TaskResult {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	start := time.Now()

	fail := func(err error) models.TaskResult {
		log.Warn().Str("task", task.ID).Str("symbol", task.Symbol).
			Str("interval", task.Interval).Str("state", string(models.TaskFailed)).
			Err(err).Msg("load task failed")
		return models.TaskResult{Task: task, State: models.TaskFailed, Err: err, Elapsed: time.Since(start)}
	}

	plan, err := weights.Plan(task.Count)
	if err != nil {
		return fail(fmt.Errorf("plan %d candles: %w", task.Count, err))
	}

	subs := make([]models.SubRequest, len(plan))
	for i, limit := range plan {
		w, err := weights.Cost(limit)
		if err != nil {
			return fail(fmt.Errorf("weight for limit %d: %w", limit, err))
		}
		subs[i] = models.SubRequest{
			Symbol:   task.Symbol,
			Interval: task.Interval,
			Limit:    limit,
			Weight:   w,
			Index:    i,
		}
	}

	if task.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Deadline)
		defer cancel()
	}

	log.Debug().Str("task", task.ID).Str("symbol", task.Symbol).
		Str("interval", task.Interval).Int("count", task.Count).
		Int("sub_requests", len(subs)).Int("weight", weights.PlanCost(plan)).
		Str("state", string(models.TaskInFlight)).
		Msg("load task in flight")

	parts := make([][]models.Kline, len(subs))
	grp, grpCtx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		grp.Go(func() error {
			klines, err := l.fetchSub(grpCtx, sub)
			if err != nil {
				return fmt.Errorf("sub-request %d (limit %d): %w", sub.Index, sub.Limit, err)
			}
			parts[sub.Index] = klines
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return fail(err)
	}

	var merged []models.Kline
	for _, part := range parts {
		merged = append(merged, part...)
	}

	log.Debug().Str("task", task.ID).Int("klines", len(merged)).
		Dur("elapsed", time.Since(start)).Msg("load task completed")
	return models.TaskResult{Task: task, State: models.TaskCompleted, Klines: merged, Elapsed: time.Since(start)}
}

// fetchSub admits and executes one sub-request.
func (l *Loader) fetchSub(ctx context.Context, sub models.SubRequest) ([]models.Kline, error) {
	if err := l.admit(ctx, sub); err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := l.exec.Fetch(ctx, sub)
		if err == nil {
			l.gate.RecordResponse(res.Status, res.Header)
			return res.Klines, nil
		}
		lastErr = err

		var te *TransportError
		if !errors.As(err, &te) {
			return nil, err
		}

		serverWait := l.gate.RecordResponse(te.Status, te.Header)
		if !te.Retriable && !te.RateLimited() {
			return nil, err
		}
		if attempt == l.cfg.MaxRetries {
			break
		}

		delay := l.backoff(attempt)
		if te.RateLimited() && serverWait > 0 {
			// Server-specified backoff overrides the local estimate.
			delay = serverWait
		}
		l.gate.RecordRetry()
		log.Debug().Str("symbol", sub.Symbol).Int("attempt", attempt).
			Dur("backoff", delay).Err(err).Msg("retrying sub-request")
		if err := l.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}

	return nil, fmt.Errorf("failed after %d attempts: %w", l.cfg.MaxRetries, lastErr)
}

// admit loops on the gate until granted, sleeping out must-wait answers.
func (l *Loader) admit(ctx context.Context, sub models.SubRequest) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		out := l.gate.Acquire(sub.Weight, 1)
		switch out.Decision {
		case admission.Granted:
			return nil
		case admission.Rejected:
			return fmt.Errorf("admission rejected: %w", out.Reason)
		}

		// Must wait.
		if attempt+1 >= l.cfg.AdmissionRetries {
			return ErrRateLimitExhausted
		}
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(out.Wait).After(deadline) {
			return ErrDeadlineExceeded
		}
		l.gate.RecordRetry()
		if err := l.sleep(ctx, out.Wait); err != nil {
			return err
		}
	}
}

// backoff returns the exponential delay for the given attempt, capped.
func (l *Loader) backoff(attempt int) time.Duration {
	delay := l.cfg.RetryBaseDelay << (attempt - 1)
	if delay > l.cfg.MaxBackoff {
		delay = l.cfg.MaxBackoff
	}
	return delay
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
