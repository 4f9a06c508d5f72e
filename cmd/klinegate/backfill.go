package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/klinegate/klinegate/pkg/admission"
	"github.com/klinegate/klinegate/pkg/binance"
	"github.com/klinegate/klinegate/pkg/config"
	"github.com/klinegate/klinegate/pkg/loader"
	"github.com/klinegate/klinegate/pkg/models"
	"github.com/klinegate/klinegate/pkg/reporter"
	"github.com/klinegate/klinegate/pkg/store"
)

func newBackfillCmd() *cobra.Command {
	var (
		configPath string
		symbols    []string
		intervals  []string
		count      int
		deadline   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Load historical candles for all configured symbols and intervals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if len(symbols) > 0 {
				cfg.Symbols = symbols
			}
			if len(intervals) > 0 {
				cfg.Intervals = intervals
			}
			if count > 0 {
				cfg.History = count
			}

			gate, err := admission.NewGate(admission.Budget{
				MaxWeightPerMinute:   cfg.RateLimit.MaxWeightPerMinute,
				MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
				SafetyMargin:         cfg.RateLimit.SafetyMargin,
				MaxWait:              cfg.RateLimit.MaxWait,
			})
			if err != nil {
				return err
			}

			client := binance.NewClient(binance.Options{
				BaseURL:           cfg.Binance.BaseURL,
				APIKey:            cfg.Binance.APIKey,
				Timeout:           cfg.Binance.Timeout,
				RequestsPerSecond: cfg.Binance.RequestsPerSecond,
			})

			ldr, err := loader.New(gate, client, loader.Config{
				MaxConcurrency:   cfg.Loader.MaxConcurrency,
				MaxRetries:       cfg.Loader.MaxRetries,
				RetryBaseDelay:   cfg.Loader.RetryBaseDelay,
				MaxBackoff:       cfg.Loader.MaxBackoff,
				AdmissionRetries: cfg.Loader.AdmissionRetries,
			})
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			rep := reporter.New(gate, cfg.Report.Interval, cfg.Report.WarnThreshold)
			go rep.Run(ctx)
			if cfg.Report.Listen != "" {
				go func() {
					if err := rep.ListenAndServe(ctx, cfg.Report.Listen); err != nil {
						log.Error().Err(err).Msg("ops listener stopped")
					}
				}()
			}

			if len(cfg.Symbols) == 0 {
				log.Info().Msg("no symbols configured, fetching from exchange")
				cfg.Symbols, err = client.Symbols(ctx)
				if err != nil {
					return fmt.Errorf("fetch symbols: %w", err)
				}
			}

			var tasks []models.LoadTask
			for _, symbol := range cfg.Symbols {
				for _, interval := range cfg.Intervals {
					tasks = append(tasks, models.LoadTask{
						Symbol:   symbol,
						Interval: interval,
						Count:    cfg.History,
						Deadline: deadline,
					})
				}
			}
			log.Info().Int("tasks", len(tasks)).Int("candles_per_task", cfg.History).
				Int("concurrency", cfg.Loader.MaxConcurrency).Msg("backfill starting")

			start := time.Now()
			results := ldr.Run(ctx, tasks)

			var completed, failed int
			for _, res := range results {
				if res.State != models.TaskCompleted {
					failed++
					continue
				}
				if err := st.Save(ctx, res.Task.Symbol, res.Task.Interval, res.Klines); err != nil {
					log.Error().Str("symbol", res.Task.Symbol).Err(err).Msg("store save failed")
					failed++
					continue
				}
				completed++
			}

			snap := rep.Sample()
			log.Info().Int("completed", completed).Int("failed", failed).
				Dur("elapsed", time.Since(start)).
				Int64("blocked", snap.Blocked).Int64("retried", snap.Retried).
				Msg("backfill finished")

			if failed > 0 {
				return fmt.Errorf("backfill: %d of %d tasks failed", failed, len(tasks))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "klinegate.yaml", "path to config file")
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "override configured symbols")
	cmd.Flags().StringSliceVar(&intervals, "intervals", nil, "override configured intervals")
	cmd.Flags().IntVar(&count, "count", 0, "override candles per symbol/interval")
	cmd.Flags().DurationVar(&deadline, "deadline", 0, "per-task deadline (0 disables)")
	return cmd
}
