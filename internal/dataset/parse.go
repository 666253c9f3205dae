package dataset

import (
	"math"
	"strconv"
	"strings"
)

// naTokens are the cell values read as missing, matching common CSV exports.
var naTokens = map[string]bool{
	"": true, "NA": true, "N/A": true, "n/a": true, "#N/A": true, "NaN": true, "nan": true,
	"-NaN": true, "-nan": true, "NULL": true, "null": true, "None": true, "<NA>": true, ".": true,
}

// isNA reports whether a cell is a missing-value marker.
func isNA(s string) bool {
	return naTokens[strings.TrimSpace(s)]
}

// parseCell parses a numeric cell. Missing markers and infinities yield NaN
// with ok=true; ok=false means the cell is not numeric.
func parseCell(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if naTokens[s] {
		return math.NaN(), true
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	if math.IsInf(v, 0) {
		return math.NaN(), true
	}
	return v, true
}

// parseYear parses an integer year, accepting integral floats such as "2000.0".
func parseYear(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if y, err := strconv.Atoi(s); err == nil {
		return y, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int(f), true
}
