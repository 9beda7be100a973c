package indicator

import (
	"math"

	"github.com/moznion/go-optional"
	"github.com/pkg/errors"
)

// State is everything needed to continue a streaming MACD computation.
// A value field, once defined, never reverts to absent. The caller owns the
// State between ticks; Advance never mutates its argument.
type State struct {
	FastValue   optional.Option[float64]
	SlowValue   optional.Option[float64]
	SignalValue optional.Option[float64]

	FastPeriod   int
	SlowPeriod   int
	SignalPeriod int
}

// NewState returns an unseeded State with the given periods.
func NewState(fast, slow, signal int) State {
	return State{FastPeriod: fast, SlowPeriod: slow, SignalPeriod: signal}
}

// WithDefaults fills zero periods with 12, 26 and 9.
func (s State) WithDefaults() State {
	if s.FastPeriod == 0 {
		s.FastPeriod = DefaultFastPeriod
	}
	if s.SlowPeriod == 0 {
		s.SlowPeriod = DefaultSlowPeriod
	}
	if s.SignalPeriod == 0 {
		s.SignalPeriod = DefaultSignalPeriod
	}
	return s
}

// Validate checks the period fields.
func (s State) Validate() error {
	return validatePeriods(s.FastPeriod, s.SlowPeriod, s.SignalPeriod)
}

// Seeded reports whether all three recurrences have seen a value.
func (s State) Seeded() bool {
	return s.FastValue.IsSome() && s.SlowValue.IsSome() && s.SignalValue.IsSome()
}

// Point is the streaming output for one tick.
type Point struct {
	MACD      optional.Option[float64]
	Signal    optional.Option[float64]
	Histogram optional.Option[float64]
}

// Advance folds price into state. On error the input state is returned
// unchanged together with an empty Point.
func Advance(state State, price float64) (Point, State, error) {
	if err := state.Validate(); err != nil {
		return Point{}, state, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return Point{}, state, &ValidationError{
			Field: "price",
			Err:   errors.Wrapf(ErrInvalidPrice, "got %v", price),
		}
	}

	fast := AdvanceEMA(state.FastValue, price, state.FastPeriod)
	slow := AdvanceEMA(state.SlowValue, price, state.SlowPeriod)
	macd := fast.Unwrap() - slow.Unwrap()
	signal := AdvanceEMA(state.SignalValue, macd, state.SignalPeriod)
	histogram := macd - signal.Unwrap()

	next := State{
		FastValue:    fast,
		SlowValue:    slow,
		SignalValue:  signal,
		FastPeriod:   state.FastPeriod,
		SlowPeriod:   state.SlowPeriod,
		SignalPeriod: state.SignalPeriod,
	}
	point := Point{
		MACD:      optional.Some(macd),
		Signal:    signal,
		Histogram: optional.Some(histogram),
	}
	return point, next, nil
}

// Replay advances state through prices in order and returns one Point per
// price. It stops at the first error, returning the points produced so far
// and the state reached before the failing price.
func Replay(state State, prices []float64) ([]Point, State, error) {
	points := make([]Point, 0, len(prices))
	for i, p := range prices {
		point, next, err := Advance(state, p)
		if err != nil {
			return points, state, errors.Wrapf(err, "tick %d", i)
		}
		points = append(points, point)
		state = next
	}
	return points, state, nil
}
