package memory

import (
	"strconv"
	"strings"
	"time"
)

// SummaryIDPrefix marks synthetic summary turns. No platform produces ids
// with this prefix.
const SummaryIDPrefix = "__summary__"

// SummaryID returns the id of a summary turn written at now.
func SummaryID(now time.Time) string {
	return SummaryIDPrefix + strconv.FormatInt(now.UnixMilli(), 10)
}

// IsSummaryID reports whether id names a summary turn.
func IsSummaryID(id string) bool {
	return strings.HasPrefix(id, SummaryIDPrefix)
}

// CompareMessageIDs orders two external message ids, returning -1, 0 or +1.
//
// Discord snowflakes are decimal integers of varying length and Slack ids
// are "seconds.micros" timestamps; both are compared numerically. Any other
// pair falls back to a plain string comparison.
func CompareMessageIDs(a, b string) int {
	ai, af, aok := splitDecimal(a)
	bi, bf, bok := splitDecimal(b)
	if !aok || !bok {
		return strings.Compare(a, b)
	}
	if c := compareIntDigits(ai, bi); c != 0 {
		return c
	}
	// Right-pad fractions so "1.5" and "1.50" compare equal.
	for len(af) < len(bf) {
		af += "0"
	}
	for len(bf) < len(af) {
		bf += "0"
	}
	return strings.Compare(af, bf)
}

// splitDecimal splits s into integer and fraction digit strings. ok is false
// unless s is an unsigned decimal with at most one dot.
func splitDecimal(s string) (intPart, frac string, ok bool) {
	if s == "" {
		return "", "", false
	}
	intPart, frac, _ = strings.Cut(s, ".")
	if intPart == "" || !allDigits(intPart) || !allDigits(frac) {
		return "", "", false
	}
	return intPart, frac, true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func compareIntDigits(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
