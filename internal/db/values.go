package db

import (
	"math"
	"strconv"
	"strings"
)

// ParseResultValue decides whether a raw instrument value is stored as a
// number or as text. Comparison operators are dropped before the numeric
// attempt; numeric values are scaled by the mapping multiplier.
func ParseResultValue(raw string, multiplier *float64) (*float64, *string) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}

	candidate := strings.TrimLeft(trimmed, "<>=")
	candidate = strings.TrimSpace(candidate)
	if n, err := strconv.ParseFloat(candidate, 64); err == nil && !math.IsNaN(n) && !math.IsInf(n, 0) {
		if multiplier != nil {
			n *= *multiplier
		}
		return &n, nil
	}
	return nil, &trimmed
}
