package indicator

import (
	"math"

	"github.com/moznion/go-optional"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// ParallelThreshold is the series length from which the fast and slow EMAs
// are computed on separate goroutines. Output is identical either way.
const ParallelThreshold = 4096

// Options configures a bulk MACD computation.
type Options struct {
	FastPeriod   int
	SlowPeriod   int
	SignalPeriod int
	Seeding      SeedingPolicy
}

// DefaultOptions returns MACD(12, 26, 9) with SMA seeding.
func DefaultOptions() Options {
	return Options{
		FastPeriod:   DefaultFastPeriod,
		SlowPeriod:   DefaultSlowPeriod,
		SignalPeriod: DefaultSignalPeriod,
		Seeding:      SeedSMA,
	}
}

// Validate checks period ordering, positivity and the seeding policy.
func (o Options) Validate() error {
	if err := validatePeriods(o.FastPeriod, o.SlowPeriod, o.SignalPeriod); err != nil {
		return err
	}
	if o.Seeding != SeedSMA && o.Seeding != SeedFirstValue {
		return &ValidationError{Field: "seeding", Err: ErrUnknownSeeding}
	}
	return nil
}

// MinHistory is the series length below which leading outputs stay absent.
func (o Options) MinHistory() int { return o.SlowPeriod + o.SignalPeriod }

// MACDResult holds three series aligned with the input prices.
type MACDResult struct {
	MACD      Series
	Signal    Series
	Histogram Series

	// Warnings carries advisory conditions such as ErrInsufficientHistory.
	Warnings []error
}

// Len returns the number of positions in the result.
func (r MACDResult) Len() int { return len(r.MACD) }

// ComputeMACD computes the MACD line, signal line and histogram for prices
// (oldest first).
//
// The signal EMA runs over the MACD line with absent entries replaced by 0,
// then every position where the MACD line is absent is masked back to absent.
func ComputeMACD(prices []float64, opts Options) (MACDResult, error) {
	if err := opts.Validate(); err != nil {
		return MACDResult{}, err
	}
	if len(prices) == 0 {
		return MACDResult{}, &ValidationError{Field: "prices", Err: ErrEmptyPrices}
	}
	for i, p := range prices {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return MACDResult{}, &ValidationError{
				Field: "prices",
				Err:   errors.Wrapf(ErrInvalidPrice, "index %d", i),
			}
		}
	}

	fast, slow, err := emaPair(prices, opts)
	if err != nil {
		return MACDResult{}, err
	}

	n := len(prices)
	macd := make(Series, n)
	filled := make([]float64, n)
	for i := 0; i < n; i++ {
		f, fok := fast.At(i)
		s, sok := slow.At(i)
		if !fok || !sok {
			continue
		}
		v := f - s
		macd[i] = optional.Some(v)
		filled[i] = v
	}

	signal, err := ComputeSeries(filled, opts.SignalPeriod, opts.Seeding)
	if err != nil {
		return MACDResult{}, err
	}
	for i := range signal {
		if macd[i].IsNone() {
			signal[i] = optional.None[float64]()
		}
	}

	histogram := make(Series, n)
	for i := 0; i < n; i++ {
		m, mok := macd.At(i)
		s, sok := signal.At(i)
		if mok && sok {
			histogram[i] = optional.Some(m - s)
		}
	}

	res := MACDResult{MACD: macd, Signal: signal, Histogram: histogram}
	if n < opts.MinHistory() {
		res.Warnings = append(res.Warnings,
			errors.Wrapf(ErrInsufficientHistory, "have %d prices, need %d", n, opts.MinHistory()))
	}
	return res, nil
}

// emaPair computes the fast and slow EMA series. They share no data, so long
// inputs are split across two goroutines.
func emaPair(prices []float64, opts Options) (fast, slow Series, err error) {
	if len(prices) < ParallelThreshold {
		if fast, err = ComputeSeries(prices, opts.FastPeriod, opts.Seeding); err != nil {
			return nil, nil, err
		}
		if slow, err = ComputeSeries(prices, opts.SlowPeriod, opts.Seeding); err != nil {
			return nil, nil, err
		}
		return fast, slow, nil
	}

	var g errgroup.Group
	g.Go(func() error {
		var err error
		fast, err = ComputeSeries(prices, opts.FastPeriod, opts.Seeding)
		return err
	})
	g.Go(func() error {
		var err error
		slow, err = ComputeSeries(prices, opts.SlowPeriod, opts.Seeding)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return fast, slow, nil
}
