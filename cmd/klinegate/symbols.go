package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/klinegate/klinegate/pkg/binance"
	"github.com/klinegate/klinegate/pkg/config"
)

func newSymbolsCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "symbols",
		Short: "List trading futures symbols from the exchange",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			client := binance.NewClient(binance.Options{
				BaseURL:           cfg.Binance.BaseURL,
				APIKey:            cfg.Binance.APIKey,
				Timeout:           cfg.Binance.Timeout,
				RequestsPerSecond: cfg.Binance.RequestsPerSecond,
			})

			symbols, err := client.Symbols(context.Background())
			if err != nil {
				return err
			}
			for _, s := range symbols {
				fmt.Println(s)
			}
			fmt.Printf("%d symbols\n", len(symbols))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "klinegate.yaml", "path to config file")
	return cmd
}
