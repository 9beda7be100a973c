// Command macdcalc computes MACD over a price file from the command line.
//
// Usage:
//
//	macdcalc compute prices.txt --fast 12 --slow 26 --signal 9 --seeding sma
//	cat prices.json | macdcalc replay --save-state state.json
//
// Prices are read from the file argument, or stdin when it is omitted or "-",
// as a JSON array or as numbers separated by whitespace or commas.
package main

import (
	"io"
	"os"

	"github.com/spf13/cobra"

	"macd-engine/internal/chartdata"
	"macd-engine/internal/indicator"
)

type periodFlags struct {
	fast, slow, signal int
}

func (p *periodFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&p.fast, "fast", indicator.DefaultFastPeriod, "fast EMA period")
	cmd.Flags().IntVar(&p.slow, "slow", indicator.DefaultSlowPeriod, "slow EMA period")
	cmd.Flags().IntVar(&p.signal, "signal", indicator.DefaultSignalPeriod, "signal EMA period")
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "macdcalc",
		Short: "Bulk and streaming MACD over a price series",

		// SilenceUsage is an option to silence usage when an error occurs.
		SilenceUsage: true,
	}
	root.AddCommand(newComputeCmd(), newReplayCmd())
	return root
}

// readPrices loads the series from args[0], or from in when no file is given.
func readPrices(in io.Reader, args []string) ([]float64, error) {
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return chartdata.ParsePrices(f)
	}
	return chartdata.ParsePrices(in)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
