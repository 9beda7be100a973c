package chartdata

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParsePrices reads a price series from r. It accepts a JSON array of
// numbers, or numbers separated by whitespace and/or commas.
func ParsePrices(r io.Reader) ([]float64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read prices")
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}

	if trimmed[0] == '[' {
		var prices []float64
		if err := json.Unmarshal(trimmed, &prices); err != nil {
			return nil, errors.Wrap(err, "decode price array")
		}
		return prices, nil
	}

	var prices []float64
	sc := bufio.NewScanner(bytes.NewReader(trimmed))
	sc.Split(bufio.ScanWords)
	for sc.Scan() {
		for _, field := range strings.Split(sc.Text(), ",") {
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "price %d", len(prices))
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Errorf("price %d: not finite", len(prices))
			}
			prices = append(prices, v)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "scan prices")
	}
	return prices, nil
}
