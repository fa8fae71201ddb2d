// Package timeresolve maps ambiguous device clock values onto plausible
// epoch milliseconds.
//
// Field nodes report time as seconds, milliseconds, microseconds or
// nanoseconds, and some only expose a free-running 32-bit millisecond
// counter that wraps every ~49.7 days. The resolver expands every raw value
// into the interpretations it could have, scores them against a reference
// "now" and keeps the closest one that falls inside a reasonableness window.
package timeresolve

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

const (
	// WrapSpan is the period of a 32-bit millisecond counter.
	WrapSpan = float64(1 << 32)

	maxCounter     = WrapSpan - 1
	outsidePenalty = 1e18

	DefaultPast   = 5 * 365 * 24 * time.Hour
	DefaultFuture = 2 * 24 * time.Hour
)

var (
	dateLayouts  = []string{"2006-01-02", "2006/01/02", "02.01.2006"}
	clockLayouts = []string{"15:04:05.000", "15:04:05", "15:04"}
	stampLayouts = []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02 15:04"}
)

// Candidates is the raw material for one resolution.
type Candidates struct {
	// Values holds raw scalars in whatever shape the device sent them.
	Values []any
	// Date and Time form an optional local calendar pair, e.g. "2024-05-01"
	// and "14:03:22". When both parse inside the window they win outright.
	Date string
	Time string
}

// Resolver holds the window and location used for resolution. The zero
// value is usable and behaves like Default.
type Resolver struct {
	Past     time.Duration
	Future   time.Duration
	Location *time.Location
}

// Default resolves with a [now-5y, now+2d] window in UTC.
var Default = Resolver{Past: DefaultPast, Future: DefaultFuture, Location: time.UTC}

// Resolve is shorthand for Default.Resolve over bare values.
func Resolve(values []any, nowMs int64) (int64, bool) {
	return Default.Resolve(Candidates{Values: values}, nowMs)
}

// Resolve returns the best-guess epoch milliseconds for c relative to nowMs.
// ok is false when no interpretation lands inside the window; callers then
// fall back to receipt time.
func (r Resolver) Resolve(c Candidates, nowMs int64) (ms int64, ok bool) {
	lo, hi := r.window(nowMs)

	if ts, ok := r.parsePair(c.Date, c.Time); ok && ts >= lo && ts <= hi {
		return ts, true
	}

	now := float64(nowMs)
	best, bestScore := 0.0, math.Inf(1)
	consider := func(v float64) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return
		}
		score := math.Abs(v - now)
		if v < float64(lo) || v > float64(hi) {
			score += outsidePenalty
		}
		if score < bestScore {
			best, bestScore = v, score
		}
	}

	for _, raw := range c.Values {
		if n, ok := Number(raw); ok {
			for _, v := range expand(n, now) {
				consider(v)
			}
			continue
		}
		if s, ok := raw.(string); ok {
			if ts, ok := parseStamp(s, r.location()); ok {
				consider(float64(ts))
			}
		}
	}

	if math.IsInf(bestScore, 1) || bestScore >= outsidePenalty {
		return 0, false
	}
	return int64(math.Round(best)), true
}

// InWindow reports whether ms lies inside the reasonableness window around nowMs.
func (r Resolver) InWindow(ms, nowMs int64) bool {
	lo, hi := r.window(nowMs)
	return ms >= lo && ms <= hi
}

func (r Resolver) window(nowMs int64) (lo, hi int64) {
	past, future := r.Past, r.Future
	if past <= 0 {
		past = DefaultPast
	}
	if future <= 0 {
		future = DefaultFuture
	}
	return nowMs - past.Milliseconds(), nowMs + future.Milliseconds()
}

func (r Resolver) location() *time.Location {
	if r.Location == nil {
		return time.UTC
	}
	return r.Location
}

// expand lists every interpretation of n in emission order. Order matters
// because the first candidate wins a tie.
func expand(n, now float64) []float64 {
	out := make([]float64, 0, 7)
	if n > 1e17 {
		out = append(out, n/1e6)
	}
	if n > 1e14 {
		out = append(out, n/1e3)
	}
	out = append(out, n, n*1000)

	if n >= 0 && n <= maxCounter {
		// Only the wrap transition nearest to now is plausible.
		k := math.Round((now - n) / WrapSpan)
		out = append(out,
			n+(k-1)*WrapSpan,
			n+k*WrapSpan,
			n+(k+1)*WrapSpan,
		)
	}
	return out
}

func (r Resolver) parsePair(date, clock string) (int64, bool) {
	date, clock = strings.TrimSpace(date), strings.TrimSpace(clock)
	if date == "" || clock == "" {
		return 0, false
	}
	loc := r.location()
	for _, dl := range dateLayouts {
		for _, cl := range clockLayouts {
			t, err := time.ParseInLocation(dl+" "+cl, date+" "+clock, loc)
			if err == nil {
				return t.UnixMilli(), true
			}
		}
	}
	return 0, false
}

func parseStamp(s string, loc *time.Location) (int64, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	for _, layout := range stampLayouts {
		t, err := time.ParseInLocation(layout, s, loc)
		if err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// Number coerces a decoded JSON scalar into a float64. Strings are accepted
// when they hold a plain decimal number.
func Number(raw any) (float64, bool) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int32:
		f = float64(v)
	case int64:
		f = float64(v)
	case uint32:
		f = float64(v)
	case uint64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
