package sampling

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBucketOf(t *testing.T) {
	assert.Equal(t, int64(0), BucketOf(1_000, 60_000))
	assert.Equal(t, int64(0), BucketOf(59_999, 60_000))
	assert.Equal(t, int64(1), BucketOf(60_000, 60_000))
	assert.Equal(t, int64(1), BucketOf(61_000, 60_000))
	assert.Equal(t, int64(-1), BucketOf(-1, 60_000))
	assert.Equal(t, int64(-1), BucketOf(-60_000, 60_000))
	assert.Equal(t, int64(-2), BucketOf(-60_001, 60_000))
}

func TestBucketOfAdvancesByOnePerInterval(t *testing.T) {
	for _, interval := range []int64{1_000, 60_000, 300_000, 86_400_000} {
		for _, ts := range []int64{-123_456_789, -1, 0, 1, 59_999, 1_760_000_000_000, 1_760_000_012_345} {
			assert.Equal(t, BucketOf(ts, interval), BucketOf(ts+interval, interval)-1, "ts=%d interval=%d", ts, interval)
		}
	}
}

func TestBucketOfIsMonotonic(t *testing.T) {
	const interval = 7_000
	prev := BucketOf(-50_000, interval)
	for ts := int64(-50_000); ts <= 50_000; ts += 997 {
		b := BucketOf(ts, interval)
		assert.GreaterOrEqual(t, b, prev, "ts=%d", ts)
		prev = b
	}
}

func TestBucketOfClampsInterval(t *testing.T) {
	assert.Equal(t, BucketOf(5_500, MinIntervalMs), BucketOf(5_500, 0))
	assert.Equal(t, BucketOf(5_500, MinIntervalMs), BucketOf(5_500, -10))
}

func TestBucketStart(t *testing.T) {
	assert.Equal(t, int64(120_000), BucketStart(BucketOf(130_000, 60_000), 60_000))
}
