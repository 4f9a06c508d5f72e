// Package reporter periodically samples admission-gate usage, logs it, and
// exposes it as Prometheus metrics plus a JSON stats endpoint. Read-only
// over the gate.
package reporter

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/klinegate/klinegate/pkg/models"
)

// StatsSource supplies usage snapshots; satisfied by the admission gate.
type StatsSource interface {
	Stats() models.Snapshot
}

// Reporter samples a StatsSource on a fixed interval.
type Reporter struct {
	source        StatsSource
	interval      time.Duration
	warnThreshold float64

	registry     *prometheus.Registry
	weightUsed   prometheus.Gauge
	weightLimit  prometheus.Gauge
	requestsUsed prometheus.Gauge
	requestLimit prometheus.Gauge
	blocked      prometheus.Gauge
	retried      prometheus.Gauge
}

// New creates a Reporter. warnThreshold is the usage fraction past which
// snapshots are logged at warn level.
func New(source StatsSource, interval time.Duration, warnThreshold float64) *Reporter {
	r := &Reporter{
		source:        source,
		interval:      interval,
		warnThreshold: warnThreshold,
		registry:      prometheus.NewRegistry(),
	}

	gauge := func(name, help string) prometheus.Gauge {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "klinegate",
			Name:      name,
			Help:      help,
		})
		r.registry.MustRegister(g)
		return g
	}
	r.weightUsed = gauge("weight_used", "Weight units consumed in the trailing window.")
	r.weightLimit = gauge("weight_limit", "Effective weight budget per window.")
	r.requestsUsed = gauge("requests_used", "Requests consumed in the trailing window.")
	r.requestLimit = gauge("request_limit", "Effective request budget per window.")
	r.blocked = gauge("blocked_total", "Requests refused by the server with 429 or 418.")
	r.retried = gauge("retried_total", "Retry attempts across admission waits and transport failures.")

	return r
}

// Run samples and logs until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sample()
		}
	}
}

// Sample takes one snapshot, updates the metrics, and logs it.
func (r *Reporter) Sample() models.Snapshot {
	snap := r.source.Stats()

	r.weightUsed.Set(float64(snap.WeightUsed))
	r.weightLimit.Set(float64(snap.WeightLimit))
	r.requestsUsed.Set(float64(snap.RequestsUsed))
	r.requestLimit.Set(float64(snap.RequestLimit))
	r.blocked.Set(float64(snap.Blocked))
	r.retried.Set(float64(snap.Retried))

	evt := log.Info()
	if r.warnThreshold > 0 && (snap.WeightPercent >= r.warnThreshold*100 || snap.RequestPercent >= r.warnThreshold*100) {
		evt = log.Warn()
	}
	evt.Int("weight_used", snap.WeightUsed).Int("weight_limit", snap.WeightLimit).
		Float64("weight_pct", snap.WeightPercent).
		Int("requests_used", snap.RequestsUsed).Int("request_limit", snap.RequestLimit).
		Float64("request_pct", snap.RequestPercent).
		Int64("blocked", snap.Blocked).Int64("retried", snap.Retried).
		Msg("rate limit usage")

	return snap
}

// Handler serves /metrics and /stats.
func (r *Reporter) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/stats", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(r.source.Stats()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	return mux
}

// ListenAndServe runs the ops listener with graceful shutdown.
func (r *Reporter) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:    addr,
		Handler: r.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("ops listener started")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	case err := <-errCh:
		return err
	}
}
