package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/klinegate/klinegate/pkg/weights"
)

func newPlanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan <candles>",
		Short: "Show how a candle count splits into weighted sub-requests",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid candle count %q", args[0])
			}

			plan, err := weights.Plan(count)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tLIMIT\tWEIGHT")
			for i, limit := range plan {
				cost, _ := weights.Cost(limit)
				fmt.Fprintf(w, "%d\t%d\t%d\n", i+1, limit, cost)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			fmt.Printf("total: %d sub-requests, weight %d\n", len(plan), weights.PlanCost(plan))
			if count <= weights.MaxLimit {
				naive, _ := weights.Cost(count)
				fmt.Printf("naive single request: weight %d\n", naive)
			}
			return nil
		},
	}
}
