package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAvailRingMinimum(t *testing.T) {
	var r availRing
	r.reset()
	assert.Equal(t, -1, r.minimum(), "empty ring has no minimum")

	base := int64(1700000000)
	r.sample(base, 500)
	r.sample(base+60, 450)
	r.sample(base+120, 480)
	assert.Equal(t, 450, r.minimum())
}

func TestAvailRingGapErased(t *testing.T) {
	var r availRing
	r.reset()

	base := int64(1700000000)
	r.sample(base, 10)
	// Ten minutes of silence, then a sample. The skipped slots must
	// not keep data from the previous hour.
	r.sample(base+600, 900)

	count := 0
	for _, v := range r.samples {
		if v >= 0 {
			count++
		}
	}
	assert.Equal(t, 2, count, "only the two real samples remain")
	assert.Equal(t, 10, r.minimum())
}

func TestAvailRingLongOutage(t *testing.T) {
	var r availRing
	r.reset()

	base := int64(1700000000)
	r.sample(base, 10)
	r.sample(base+7200, 900) // two hours later: full wrap

	assert.Equal(t, 900, r.minimum(), "stale samples gone after a full wrap")
}

func TestParseAvailable(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"500M", 500},
		{"12G", 12288},
		{"0M", 0},
		{"7 G", 7168},
		{"123", 0},
		{"4K", 0},
		{"", 0},
		{"abc", 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, parseAvailable(tc.in), "parseAvailable(%q)", tc.in)
	}
}
