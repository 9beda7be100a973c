// Package indicator computes the MACD indicator over price data.
//
// Two modes share one EMA recurrence:
//
//   - Bulk: ComputeMACD walks a complete price series and returns three
//     index-aligned series (MACD line, signal line, histogram).
//   - Streaming: Advance folds one price tick into a caller-owned State and
//     returns the point for that tick plus the next State.
//
// Positions where a value is not yet defined hold optional.None, never zero.
//
// Seeding. Bulk EMAs are seeded either with the SMA of the first `period`
// prices (SeedSMA, the default, leaves period-1 leading gaps) or with the first
// price (SeedFirstValue, defined from index 0). Streaming always seeds with the
// first observed value, so replaying ticks through Advance reproduces
// SeedFirstValue bulk output exactly. It does NOT reproduce SeedSMA output;
// the two seeds converge only as the seed's weight decays.
//
// The package holds no state of its own. Engine is the exception: a
// host-side registry of per-stream States that serializes advances per key.
package indicator

import (
	"strings"

	"github.com/moznion/go-optional"
	"github.com/pkg/errors"
)

// Default MACD periods.
const (
	DefaultFastPeriod   = 12
	DefaultSlowPeriod   = 26
	DefaultSignalPeriod = 9
)

// SeedingPolicy selects how a bulk EMA series is initialized.
type SeedingPolicy int

const (
	// SeedSMA seeds with the arithmetic mean of the first period prices,
	// placed at index period-1. Earlier indices are absent.
	SeedSMA SeedingPolicy = iota
	// SeedFirstValue seeds with the first price; every index is defined.
	SeedFirstValue
)

func (p SeedingPolicy) String() string {
	switch p {
	case SeedSMA:
		return "sma"
	case SeedFirstValue:
		return "first"
	default:
		return "unknown"
	}
}

// ParseSeedingPolicy accepts "sma" or "first" (case-insensitive).
// An empty string yields SeedSMA.
func ParseSeedingPolicy(s string) (SeedingPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sma":
		return SeedSMA, nil
	case "first", "first_value", "first-value":
		return SeedFirstValue, nil
	}
	return SeedSMA, &ValidationError{
		Field: "seeding",
		Err:   errors.Wrapf(ErrUnknownSeeding, "%q", s),
	}
}

// Series is an EMA or MACD series, index-aligned with its source prices.
type Series []optional.Option[float64]

// At returns the value at i and whether it is defined.
func (s Series) At(i int) (float64, bool) {
	if i < 0 || i >= len(s) || s[i].IsNone() {
		return 0, false
	}
	return s[i].Unwrap(), true
}

// FirstDefined returns the index of the first defined entry, or -1.
func (s Series) FirstDefined() int {
	for i, v := range s {
		if v.IsSome() {
			return i
		}
	}
	return -1
}
