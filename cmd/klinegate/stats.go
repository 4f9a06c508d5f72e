package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klinegate/klinegate/pkg/config"
	"github.com/klinegate/klinegate/pkg/store"
)

func newStatsCmd() *cobra.Command {
	var (
		configPath string
		symbol     string
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show stored candle history per symbol and interval",
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

			summaries, err := st.Summary(context.Background(), symbol)
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Println("No stored candles found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SYMBOL\tINTERVAL\tCANDLES\tFIRST\tLAST")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					s.Symbol, s.Interval, s.Count,
					s.First.Format("2006-01-02T15:04:05"), s.Last.Format("2006-01-02T15:04:05"))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "klinegate.yaml", "path to config file")
	cmd.Flags().StringVar(&symbol, "symbol", "", "filter by symbol")
	return cmd
}
