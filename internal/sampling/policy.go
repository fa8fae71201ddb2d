// Package sampling decides how often a device may persist a reading.
package sampling

import (
	"math"

	"CapIot.ingest/internal/models"
)

const (
	MinIntervalMs     int64 = 1_000
	MaxIntervalMs     int64 = 86_400_000
	DefaultIntervalMs int64 = 300_000
)

// EffectiveIntervalMs returns the owner's sampling interval in milliseconds.
// Legacy preference records may carry minutes or seconds instead of
// milliseconds; the first unit present wins in the order ms, minutes,
// seconds. Missing or non-finite values fall back to the default, and the
// result is always clamped to [MinIntervalMs, MaxIntervalMs].
func EffectiveIntervalMs(p *models.Preferences) int64 {
	if p == nil {
		return DefaultIntervalMs
	}

	var ms float64
	switch {
	case p.SamplingIntervalMs.Present:
		ms = p.SamplingIntervalMs.Value
	case p.SamplingIntervalMinutes.Present:
		ms = p.SamplingIntervalMinutes.Value * 60_000
	case p.SamplingIntervalSeconds.Present:
		ms = p.SamplingIntervalSeconds.Value * 1_000
	default:
		return DefaultIntervalMs
	}
	if math.IsNaN(ms) || math.IsInf(ms, 0) {
		return DefaultIntervalMs
	}
	ms = math.Min(math.Max(ms, float64(MinIntervalMs)), float64(MaxIntervalMs))
	return int64(math.Round(ms))
}

// Clamp bounds an interval to [MinIntervalMs, MaxIntervalMs].
func Clamp(intervalMs int64) int64 {
	if intervalMs < MinIntervalMs {
		return MinIntervalMs
	}
	if intervalMs > MaxIntervalMs {
		return MaxIntervalMs
	}
	return intervalMs
}
