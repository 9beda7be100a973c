// Package chartdata turns MACD results into the chart-ready payload served to
// front ends. Rounding happens here and nowhere in the core.
package chartdata

import (
	"strconv"

	"github.com/shopspring/decimal"

	"macd-engine/internal/indicator"
)

// Places is the number of decimal places values are rounded to for display.
const Places = 4

const (
	PositiveColor = "rgba(0, 180, 0, 0.4)"
	NegativeColor = "rgba(200, 0, 0, 0.4)"
)

// Chart is the presentation form of a bulk MACD result. Absent values are nil
// and encode as JSON null.
type Chart struct {
	Labels    []string   `json:"labels"`
	MACD      []*float64 `json:"macd"`
	Signal    []*float64 `json:"signal"`
	Histogram []*float64 `json:"histogram"`
	Colors    []string   `json:"histogram_colors"`
	Warnings  []string   `json:"warnings"`
}

// Round rounds v half away from zero to Places decimals.
func Round(v float64) float64 {
	return decimal.NewFromFloat(v).Round(Places).InexactFloat64()
}

// Labels returns "Day 1" .. "Day n".
func Labels(n int) []string {
	labels := make([]string, n)
	for i := range labels {
		labels[i] = "Day " + strconv.Itoa(i+1)
	}
	return labels
}

// Nullable converts a series to rounded nullable values.
func Nullable(s indicator.Series) []*float64 {
	out := make([]*float64, len(s))
	for i := range s {
		if v, ok := s.At(i); ok {
			r := Round(v)
			out[i] = &r
		}
	}
	return out
}

// HistogramColors picks a bar color per histogram value. Absent bars get "".
func HistogramColors(hist []*float64) []string {
	colors := make([]string, len(hist))
	for i, v := range hist {
		switch {
		case v == nil:
		case *v >= 0:
			colors[i] = PositiveColor
		default:
			colors[i] = NegativeColor
		}
	}
	return colors
}

// FromResult builds the chart payload for res.
func FromResult(res indicator.MACDResult) Chart {
	hist := Nullable(res.Histogram)
	warnings := make([]string, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		warnings = append(warnings, w.Error())
	}
	return Chart{
		Labels:    Labels(res.Len()),
		MACD:      Nullable(res.MACD),
		Signal:    Nullable(res.Signal),
		Histogram: hist,
		Colors:    HistogramColors(hist),
		Warnings:  warnings,
	}
}

// PointValues is the rounded presentation form of a streaming point.
type PointValues struct {
	MACD      *float64 `json:"macd"`
	Signal    *float64 `json:"signal"`
	Histogram *float64 `json:"histogram"`
}

// FromPoint rounds a streaming point for display.
func FromPoint(p indicator.Point) PointValues {
	s := Nullable(indicator.Series{p.MACD, p.Signal, p.Histogram})
	return PointValues{MACD: s[0], Signal: s[1], Histogram: s[2]}
}
