package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"macd-engine/internal/chartdata"
	"macd-engine/internal/indicator"
)

func newReplayCmd() *cobra.Command {
	var (
		periods   periodFlags
		stateFile string
		saveState string
		tail      int
	)
	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Feed prices tick by tick through the streaming MACD",
		Long: "Feeds each price through the streaming update. With --state the\n" +
			"computation resumes from a saved state instead of starting unseeded.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			state := indicator.NewState(periods.fast, periods.slow, periods.signal)
			if stateFile != "" {
				loaded, err := loadState(stateFile)
				if err != nil {
					return err
				}
				state = loaded
			}
			prices, err := readPrices(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if len(prices) == 0 {
				return indicator.ErrEmptyPrices
			}

			points, next, err := indicator.Replay(state, prices)
			if err != nil {
				return err
			}

			rows := make([]row, len(points))
			for i, p := range points {
				v := chartdata.FromPoint(p)
				rows[i] = row{
					label:     fmt.Sprintf("Tick %d", i+1),
					price:     prices[i],
					macd:      v.MACD,
					signal:    v.Signal,
					histogram: v.Histogram,
				}
			}
			title := fmt.Sprintf("streaming MACD(%d,%d,%d)", next.FastPeriod, next.SlowPeriod, next.SignalPeriod)
			renderRows(cmd.OutOrStdout(), title, rows, tail)

			if saveState != "" {
				data, err := json.MarshalIndent(next, "", "  ")
				if err != nil {
					return err
				}
				return os.WriteFile(saveState, data, 0o644)
			}
			return nil
		},
	}
	periods.register(cmd)
	cmd.Flags().StringVar(&stateFile, "state", "", "resume from a state JSON file")
	cmd.Flags().StringVar(&saveState, "save-state", "", "write the final state as JSON to this file")
	cmd.Flags().IntVar(&tail, "tail", 0, "print only the last N rows (0 prints all)")
	return cmd
}

func loadState(path string) (indicator.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return indicator.State{}, err
	}
	var snap indicator.StateSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return indicator.State{}, errors.Wrapf(err, "decode state %s", path)
	}
	st := snap.State().WithDefaults()
	if err := st.Validate(); err != nil {
		return indicator.State{}, errors.Wrapf(err, "state %s", path)
	}
	return st, nil
}
