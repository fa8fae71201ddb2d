package models

// TimestampSource tells where a reading's resolved time came from.
type TimestampSource string

const (
	TimestampSourceDevice  TimestampSource = "device"
	TimestampSourceReceipt TimestampSource = "receipt"
)

// Reading is the immutable record written once per accepted submission. The
// same value is stored under the latest, history and time-indexed
// projections.
type Reading struct {
	SensorID          string          `json:"sensorId"`
	Measurements      map[string]any  `json:"measurements,omitempty"`
	DeviceTime        map[string]any  `json:"deviceTime,omitempty"`
	Date              string          `json:"date,omitempty"`
	Time              string          `json:"time,omitempty"`
	ResolvedTimestamp int64           `json:"resolvedTimestamp"`
	TimestampSource   TimestampSource `json:"timestampSource"`
	Bucket            int64           `json:"bucket"`
	StoredAt          int64           `json:"storedAt"`
}
