package indicator

import (
	"github.com/moznion/go-optional"
)

// smoothing returns the EMA multiplier k = 2/(period+1). The addition is done
// in float64 so the largest periods stay positive.
func smoothing(period int) float64 {
	return 2.0 / (float64(period) + 1)
}

// AdvanceEMA applies one EMA step. An absent prior seeds the EMA with price.
// The caller validates period.
func AdvanceEMA(prior optional.Option[float64], price float64, period int) optional.Option[float64] {
	if prior.IsNone() {
		return optional.Some(price)
	}
	prev := prior.Unwrap()
	return optional.Some((price-prev)*smoothing(period) + prev)
}

// ComputeSeries computes the EMA of prices under the given seeding policy.
// The result has len(prices) entries. With SeedSMA and fewer than period
// prices every entry is absent.
func ComputeSeries(prices []float64, period int, policy SeedingPolicy) (Series, error) {
	if err := validatePeriod("period", period); err != nil {
		return nil, err
	}

	switch policy {
	case SeedSMA:
		return smaSeeded(prices, period), nil
	case SeedFirstValue:
		return firstValueSeeded(prices, period), nil
	default:
		return nil, &ValidationError{Field: "seeding", Err: ErrUnknownSeeding}
	}
}

func smaSeeded(prices []float64, period int) Series {
	out := make(Series, len(prices)) // zero Option is None
	if len(prices) < period {
		return out
	}

	seed := sequentialMean(prices[:period])
	out[period-1] = optional.Some(seed)

	k := smoothing(period)
	prev := seed
	for i := period; i < len(prices); i++ {
		prev = (prices[i]-prev)*k + prev
		out[i] = optional.Some(prev)
	}
	return out
}

// sequentialMean sums left to right before dividing, so the seed rounds the
// same way as a running total over the window.
func sequentialMean(window []float64) float64 {
	var sum float64
	for _, p := range window {
		sum += p
	}
	return sum / float64(len(window))
}

// firstValueSeeded goes through AdvanceEMA so the bulk series is bit-identical
// to a streaming replay of the same prices.
func firstValueSeeded(prices []float64, period int) Series {
	out := make(Series, len(prices))
	var prev optional.Option[float64]
	for i, p := range prices {
		prev = AdvanceEMA(prev, p, period)
		out[i] = prev
	}
	return out
}
