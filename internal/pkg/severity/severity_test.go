package severity

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRank_MonotonicOverOrder(t *testing.T) {
	for i := 1; i < len(Order); i++ {
		assert.Greater(t, Rank(Order[i]), Rank(Order[i-1]), "%s should outrank %s", Order[i], Order[i-1])
	}
}

func TestRank_UnrecognizedIsUnknown(t *testing.T) {
	for _, s := range []Level{"", "informational", "bogus", "UNDEFINED"} {
		assert.Equal(t, 0, Rank(s), "rank of %q", s)
	}
}

func TestRank_CaseInsensitive(t *testing.T) {
	assert.Equal(t, Rank(Critical), Rank("critical"))
	assert.Equal(t, Rank(Medium), Rank(" Medium "))
}

func TestMeetsThreshold(t *testing.T) {
	tests := []struct {
		name      string
		severity  Level
		threshold Level
		want      bool
	}{
		{"equal levels", High, High, true},
		{"above", Critical, Medium, true},
		{"below", Medium, High, false},
		{"unknown below low", Unknown, Low, false},
		{"unrecognized below low", "weird", Low, false},
		{"unknown meets unknown", "", Unknown, true},
		{"lowercase inputs", "high", "medium", true},
		{"empty threshold admits everything", Unknown, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MeetsThreshold(tt.severity, tt.threshold))
		})
	}
}

func TestMeetsThreshold_Reflexive(t *testing.T) {
	for _, l := range Order {
		assert.True(t, MeetsThreshold(l, l), "%s should meet itself", l)
	}
}

func TestNormalizeAndParse(t *testing.T) {
	assert.Equal(t, High, Normalize("high"))
	assert.Equal(t, Unknown, Normalize("INFORMATIONAL"))

	l, ok := Parse("low")
	assert.True(t, ok)
	assert.Equal(t, Low, l)

	_, ok = Parse("HGIH")
	assert.False(t, ok)
}

func TestDescending(t *testing.T) {
	assert.Equal(t, []Level{Critical, High, Medium, Low, Unknown}, Descending())
	// Order itself is left untouched.
	assert.Equal(t, Unknown, Order[0])
}
