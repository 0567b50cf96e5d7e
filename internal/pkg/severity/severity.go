// Package severity holds the canonical vulnerability severity ordering and the threshold predicate used by every
// reporting decision.
package severity

import "strings"

// Level is a vulnerability severity in its canonical uppercase form.
type Level string

const (
	Unknown  Level = "UNKNOWN"
	Low      Level = "LOW"
	Medium   Level = "MEDIUM"
	High     Level = "HIGH"
	Critical Level = "CRITICAL"
)

// Order lists the canonical severities from lowest to highest.
var Order = []Level{Unknown, Low, Medium, High, Critical}

var ranks = map[Level]int{
	Unknown:  0,
	Low:      1,
	Medium:   2,
	High:     3,
	Critical: 4,
}

// Normalize case-folds the input and maps anything outside the canonical set to Unknown.
func Normalize(s string) Level {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := ranks[l]; ok {
		return l
	}
	return Unknown
}

// Parse is like Normalize but reports whether the input named a canonical level.
func Parse(s string) (Level, bool) {
	l := Level(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := ranks[l]
	if !ok {
		return Unknown, false
	}
	return l, true
}

// Rank returns the position of the level in Order. Unrecognized or empty input ranks as Unknown (0).
func Rank(l Level) int {
	return ranks[Normalize(string(l))]
}

// MeetsThreshold reports whether severity ranks at or above threshold. Both inputs are case-insensitive.
func MeetsThreshold(severity, threshold Level) bool {
	return Rank(severity) >= Rank(threshold)
}

// Descending returns the canonical severities from highest to lowest.
func Descending() []Level {
	levels := make([]Level, len(Order))
	for i, l := range Order {
		levels[len(Order)-1-i] = l
	}
	return levels
}

func (l Level) String() string {
	return string(l)
}
