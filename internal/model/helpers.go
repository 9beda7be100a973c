package model

import "github.com/moznion/go-optional"

func optionValue(o optional.Option[float64]) (float64, bool) {
	if o.IsNone() {
		return 0, false
	}
	return o.Unwrap(), true
}
