package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"macd-engine/internal/chartdata"
	"macd-engine/internal/indicator"
)

func newComputeCmd() *cobra.Command {
	var (
		periods periodFlags
		seeding string
		asJSON  bool
		tail    int
	)
	cmd := &cobra.Command{
		Use:   "compute [file]",
		Short: "Compute MACD over a complete price series",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			policy, err := indicator.ParseSeedingPolicy(seeding)
			if err != nil {
				return err
			}
			prices, err := readPrices(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}

			opts := indicator.Options{
				FastPeriod:   periods.fast,
				SlowPeriod:   periods.slow,
				SignalPeriod: periods.signal,
				Seeding:      policy,
			}
			res, err := indicator.ComputeMACD(prices, opts)
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				fmt.Fprintln(cmd.ErrOrStderr(), "warning:", w)
			}

			chart := chartdata.FromResult(res)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(chart)
			}

			rows := make([]row, len(prices))
			for i, p := range prices {
				rows[i] = row{
					label:     chart.Labels[i],
					price:     p,
					macd:      chart.MACD[i],
					signal:    chart.Signal[i],
					histogram: chart.Histogram[i],
				}
			}
			title := fmt.Sprintf("MACD(%d,%d,%d) seeding=%s", opts.FastPeriod, opts.SlowPeriod, opts.SignalPeriod, policy)
			renderRows(cmd.OutOrStdout(), title, rows, tail)
			return nil
		},
	}
	periods.register(cmd)
	cmd.Flags().StringVar(&seeding, "seeding", "sma", "EMA seeding policy: sma or first")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the chart payload as JSON")
	cmd.Flags().IntVar(&tail, "tail", 0, "print only the last N rows (0 prints all)")
	return cmd
}
