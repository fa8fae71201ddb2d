package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Preferences are the per-owner settings read at users/{ownerId}/preferences.
// Older clients wrote the sampling interval in minutes or seconds, so all
// three spellings are kept.
type Preferences struct {
	SamplingIntervalMs      FlexFloat `json:"samplingIntervalMs,omitzero"`
	SamplingIntervalMinutes FlexFloat `json:"samplingIntervalMinutes,omitzero"`
	SamplingIntervalSeconds FlexFloat `json:"samplingIntervalSeconds,omitzero"`
}

// FlexFloat decodes a JSON number or a numeric string. Present is false
// when the field was absent or null; an unparsable value decodes as present
// and NaN so callers can tell "missing" from "malformed".
type FlexFloat struct {
	Value   float64
	Present bool
}

// Float returns a present FlexFloat holding v.
func Float(v float64) FlexFloat {
	return FlexFloat{Value: v, Present: true}
}

func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = FlexFloat{}
		return nil
	}

	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*f = Float(v)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			parsed = math.NaN()
		}
		*f = Float(parsed)
	default:
		*f = Float(math.NaN())
	}
	return nil
}

func (f FlexFloat) MarshalJSON() ([]byte, error) {
	if !f.Present || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// IsZero lets omitzero encoders skip absent values.
func (f FlexFloat) IsZero() bool {
	return !f.Present
}
