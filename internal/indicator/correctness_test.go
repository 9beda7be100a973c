package indicator

import (
	"math"
	"testing"

	"github.com/moznion/go-optional"
)

// ────────────────────────────────────────────────────────────
// Helpers
// ────────────────────────────────────────────────────────────

// referencePrices is the 60-close demo series used by the chart consumer.
var referencePrices = []float64{
	100, 101, 102, 103, 104, 103, 102, 101, 102, 103, 104, 105, 106, 107, 108, 109, 110, 111, 112, 111,
	110, 109, 108, 107, 106, 105, 106, 107, 108, 109, 110, 111, 112, 113, 114, 115, 116, 117, 118, 119,
	120, 121, 122, 123, 124, 125, 126, 125, 124, 123, 122, 121, 120, 119, 118, 117, 116, 115, 114, 113,
}

func assertClose(t *testing.T, label string, got, want, tol float64) {
	t.Helper()
	if math.Abs(got-want) > tol {
		t.Errorf("%s: got %.6f, want %.6f (tol=%.6f, diff=%.6f)", label, got, want, tol, math.Abs(got-want))
	}
}

func assertSeries(t *testing.T, label string, got Series, want []optional.Option[float64], tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: len=%d, want %d", label, len(got), len(want))
	}
	for i := range want {
		g, gok := got.At(i)
		if want[i].IsNone() {
			if gok {
				t.Errorf("%s[%d]: got %.6f, want absent", label, i, g)
			}
			continue
		}
		if !gok {
			t.Errorf("%s[%d]: got absent, want %.6f", label, i, want[i].Unwrap())
			continue
		}
		assertClose(t, label, g, want[i].Unwrap(), tol)
	}
}

var (
	none = optional.None[float64]()
	some = optional.Some[float64]
)

// ────────────────────────────────────────────────────────────
// EMA Correctness
// ────────────────────────────────────────────────────────────

func TestEMA_Correctness_SMASeed_Period3(t *testing.T) {
	// EMA(3): multiplier = 2/(3+1) = 0.5
	// Prices: 100, 102, 104, 103, 105
	//
	// idx 2: SMA seed = (100+102+104)/3 = 102.0
	// idx 3: (103-102.0)*0.5 + 102.0 = 102.5
	// idx 4: (105-102.5)*0.5 + 102.5 = 103.75
	got, err := ComputeSeries([]float64{100, 102, 104, 103, 105}, 3, SeedSMA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSeries(t, "EMA(3)/sma", got,
		[]optional.Option[float64]{none, none, some(102.0), some(102.5), some(103.75)}, 1e-12)
}

func TestEMA_Correctness_FirstValueSeed_Period3(t *testing.T) {
	// idx 0: 100
	// idx 1: (102-100)*0.5 + 100    = 101
	// idx 2: (104-101)*0.5 + 101    = 102.5
	// idx 3: (103-102.5)*0.5 + 102.5 = 102.75
	// idx 4: (105-102.75)*0.5 + 102.75 = 103.875
	got, err := ComputeSeries([]float64{100, 102, 104, 103, 105}, 3, SeedFirstValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSeries(t, "EMA(3)/first", got,
		[]optional.Option[float64]{some(100), some(101), some(102.5), some(102.75), some(103.875)}, 1e-12)
}

func TestEMA_Correctness_Period5(t *testing.T) {
	// EMA(5): multiplier = 1/3
	// Prices: 10, 11, 12, 13, 14, 15, 16
	// idx 4: seed = 12
	// idx 5: (15-12)/3 + 12 = 13
	// idx 6: (16-13)/3 + 13 = 14
	got, err := ComputeSeries([]float64{10, 11, 12, 13, 14, 15, 16}, 5, SeedSMA)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSeries(t, "EMA(5)", got,
		[]optional.Option[float64]{none, none, none, none, some(12), some(13), some(14)}, 1e-9)
}

// ────────────────────────────────────────────────────────────
// MACD Correctness
// ────────────────────────────────────────────────────────────

func TestMACD_Correctness_SmallPeriods(t *testing.T) {
	// MACD(2,3,2) over 1..6 with SMA seeding.
	//
	// fast EMA(2), k=2/3: idx1=1.5, idx2=2.5, idx3=3.5, idx4=4.5, idx5=5.5
	// slow EMA(3), k=1/2: idx2=2,   idx3=3,   idx4=4,   idx5=5
	// macd:               idx2=0.5, idx3=0.5, idx4=0.5, idx5=0.5
	//
	// signal EMA(2) over zero-filled macd [0,0,0.5,0.5,0.5,0.5]:
	//   idx1 seed = 0, idx2 = 0.5*2/3 = 1/3, idx3 = (0.5-1/3)*2/3+1/3 = 4/9,
	//   idx4 = 13/27, idx5 = 40/81; idx0..1 masked because macd is absent.
	res, err := ComputeMACD([]float64{1, 2, 3, 4, 5, 6}, Options{FastPeriod: 2, SlowPeriod: 3, SignalPeriod: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertSeries(t, "macd", res.MACD,
		[]optional.Option[float64]{none, none, some(0.5), some(0.5), some(0.5), some(0.5)}, 1e-12)
	assertSeries(t, "signal", res.Signal,
		[]optional.Option[float64]{none, none, some(1.0 / 3), some(4.0 / 9), some(13.0 / 27), some(40.0 / 81)}, 1e-12)
	assertSeries(t, "histogram", res.Histogram,
		[]optional.Option[float64]{none, none, some(0.5 - 1.0/3), some(0.5 - 4.0/9), some(0.5 - 13.0/27), some(0.5 - 40.0/81)}, 1e-12)
}

func TestAdvance_Correctness_FirstTicks(t *testing.T) {
	// MACD(2,3,2) streaming: k_fast=2/3, k_slow=1/2, k_signal=2/3
	// tick 1 @10: fast=10, slow=10, macd=0, signal=0
	// tick 2 @16: fast=14, slow=13, macd=1, signal=2/3, hist=1/3
	// tick 3 @13: fast=13.333.., slow=13, macd=1/3, signal=4/9, hist=-1/9
	st := NewState(2, 3, 2)
	wantMACD := []float64{0, 1, 1.0 / 3}
	wantSignal := []float64{0, 2.0 / 3, 4.0 / 9}
	for i, price := range []float64{10, 16, 13} {
		p, next, err := Advance(st, price)
		if err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		assertClose(t, "macd", p.MACD.Unwrap(), wantMACD[i], 1e-12)
		assertClose(t, "signal", p.Signal.Unwrap(), wantSignal[i], 1e-12)
		assertClose(t, "histogram", p.Histogram.Unwrap(), wantMACD[i]-wantSignal[i], 1e-12)
		st = next
	}
}
