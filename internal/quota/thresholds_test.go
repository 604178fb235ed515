package quota

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrossedThreshold(t *testing.T) {
	tests := []struct {
		name          string
		before, after int64
		want          int
		crossed       bool
	}{
		{name: "crosses fifty exactly", before: 4999, after: 5000, want: 50, crossed: true},
		{name: "already past fifty", before: 5000, after: 5001, crossed: false},
		{name: "below first threshold", before: 100, after: 101, crossed: false},
		{name: "crosses eighty", before: 7999, after: 8000, want: 80, crossed: true},
		{name: "crosses ninety five", before: 9499, after: 9500, want: 95, crossed: true},
		{name: "reaches limit", before: 9999, after: 10000, want: 100, crossed: true},
		{name: "jump over several reports lowest", before: 4000, after: 9600, want: 50, crossed: true},
		{name: "fresh window", before: 0, after: 1, crossed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CrossedThreshold(tt.before, tt.after, 10000, DefaultThresholds)
			assert.Equal(t, tt.crossed, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCrossedThreshold_SmallLimit(t *testing.T) {
	// 50% of 3 is 1.5, so the request taking usage to 2 crosses it.
	got, ok := CrossedThreshold(1, 2, 3, DefaultThresholds)
	assert.True(t, ok)
	assert.Equal(t, 50, got)

	_, ok = CrossedThreshold(0, 1, 3, DefaultThresholds)
	assert.False(t, ok)
}

func TestCrossedThreshold_ZeroLimit(t *testing.T) {
	_, ok := CrossedThreshold(0, 1, 0, DefaultThresholds)
	assert.False(t, ok)
}
