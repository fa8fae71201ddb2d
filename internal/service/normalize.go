package service

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"CapIot.ingest/internal/repository"
	"CapIot.ingest/internal/timeresolve"
)

// Shape records how a device laid out its reading.
type Shape int

const (
	// ShapeFlat puts measurements next to the envelope fields.
	ShapeFlat Shape = iota
	// ShapeNested puts measurements under a "reading" object.
	ShapeNested
)

func (s Shape) String() string {
	if s == ShapeNested {
		return "nested"
	}
	return "flat"
}

var (
	deviceIDFields = []string{"deviceId", "device_id", "sensorId", "sensor_id", "id"}
	keyFields      = []string{"ingestKey", "ingest_key", "key"}

	// TimestampFields are the explicit device clock fields read at ingestion,
	// in the order their candidates are emitted.
	TimestampFields = []string{"timestamp", "ts", "time", "epoch", "epochMs", "millis", "deviceTime"}
)

const (
	dateField  = "date"
	readingKey = "reading"
)

// Envelope is the canonical form of a submission, independent of whether
// the device sent a nested or a flat body.
type Envelope struct {
	Shape        Shape
	DeviceID     string
	Key          string
	Measurements map[string]any
	// DeviceTime holds the raw timestamp-like fields as submitted.
	DeviceTime map[string]any
	Date       string
	Time       string
}

// Candidates lists the raw clock values for the resolver.
func (e Envelope) Candidates() timeresolve.Candidates {
	c := timeresolve.Candidates{Date: e.Date, Time: e.Time}
	for _, f := range TimestampFields {
		if v, ok := e.DeviceTime[f]; ok {
			c.Values = append(c.Values, v)
		}
	}
	return c
}

// DecodeBody parses a request body keeping numbers as json.Number so large
// counters are not rounded through float64.
func DecodeBody(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrClientInput, err)
	}
	if body == nil {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrClientInput)
	}
	return body, nil
}

// Normalize turns a decoded body into an Envelope. pathDeviceID, when set,
// overrides any id in the body; headerKey is used only when the body
// carries no key.
func Normalize(body map[string]any, pathDeviceID, headerKey string) (Envelope, error) {
	if body == nil {
		return Envelope{}, fmt.Errorf("%w: empty body", ErrClientInput)
	}

	env := Envelope{
		Shape:        ShapeFlat,
		Measurements: map[string]any{},
		DeviceTime:   map[string]any{},
	}

	env.DeviceID = strings.TrimSpace(pathDeviceID)
	if env.DeviceID == "" {
		env.DeviceID = firstString(body, deviceIDFields)
	}
	if env.DeviceID == "" {
		return Envelope{}, fmt.Errorf("%w: deviceId is required", ErrClientInput)
	}
	if err := repository.ValidateSegment(env.DeviceID); err != nil {
		return Envelope{}, fmt.Errorf("%w: deviceId %q is not addressable", ErrClientInput, env.DeviceID)
	}

	env.Key = firstString(body, keyFields)
	if env.Key == "" {
		env.Key = headerKey
	}

	reserved := map[string]bool{dateField: true, readingKey: true}
	for _, f := range deviceIDFields {
		reserved[f] = true
	}
	for _, f := range keyFields {
		reserved[f] = true
	}
	for _, f := range TimestampFields {
		reserved[f] = true
	}

	var nested map[string]any
	switch r := body[readingKey].(type) {
	case nil:
	case map[string]any:
		nested = r
		env.Shape = ShapeNested
	default:
		return Envelope{}, fmt.Errorf("%w: reading must be an object", ErrClientInput)
	}

	// The date is needed before either scope's "time" can be classified.
	env.Date = dateOf(body)
	if d := dateOf(nested); d != "" {
		env.Date = d
	}

	env.collectTime(body)
	if nested == nil {
		for k, v := range body {
			if !reserved[k] {
				env.Measurements[k] = v
			}
		}
		return env, nil
	}

	// Clock fields inside the reading take precedence over the envelope.
	env.collectTime(nested)
	for k, v := range nested {
		if k == dateField || isTimestampField(k) {
			continue
		}
		env.Measurements[k] = v
	}
	return env, nil
}

func dateOf(m map[string]any) string {
	if d, ok := m[dateField].(string); ok && strings.TrimSpace(d) != "" {
		return d
	}
	return ""
}

func (e *Envelope) collectTime(m map[string]any) {
	for _, f := range TimestampFields {
		v, ok := m[f]
		if !ok || v == nil {
			continue
		}
		// "time" next to a "date" is a wall clock, not a scalar.
		if f == "time" && e.Date != "" {
			if s, ok := v.(string); ok && strings.Contains(s, ":") {
				e.Time = s
				continue
			}
		}
		e.DeviceTime[f] = v
	}
}

func isTimestampField(k string) bool {
	for _, f := range TimestampFields {
		if f == k {
			return true
		}
	}
	return false
}

func firstString(m map[string]any, fields []string) string {
	for _, f := range fields {
		switch v := m[f].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}
