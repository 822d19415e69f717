// Package normalize maps upstream XML attributes to typed field values
// (spec §4.4) and implements the stop-coalescing algorithm (spec §4.5).
package normalize

import "strconv"

// Float parses an upstream numeric attribute, defaulting to 0 on a missing
// or malformed value (the feed sometimes omits optional coordinates).
func Float(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}

// Bool coerces the feed's literal "true"/"false" strings (spec §4.6: "accept
// the literal strings true/false from upstream").
func Bool(s string) bool {
	return s == "true"
}

// Heading normalizes the feed's heading convention: a negative value means
// "unknown" and is represented as nil (spec S4).
func Heading(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return nil
	}
	return &v
}

// EpochMillis parses a millisecond-epoch timestamp attribute into seconds
// and nanoseconds suitable for time.Unix, returning ok=false on a malformed
// value.
func EpochMillis(s string) (sec int64, nsec int64, ok bool) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return ms / 1000, (ms % 1000) * int64(1e6), true
}
