package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/klinegate/klinegate/pkg/config"
	"github.com/klinegate/klinegate/pkg/store"
)

func newCleanupCmd() *cobra.Command {
	var (
		configPath string
		olderThan  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stored candles older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return err
			}
			defer st.Close()

			removed, err := st.CleanupOlderThan(context.Background(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("removed %d candles older than %s\n", removed, olderThan)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "klinegate.yaml", "path to config file")
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "delete candles older than this age")
	return cmd
}
