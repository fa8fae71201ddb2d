package models

// SamplingState is the per-device cursor kept under sampling/{deviceId}/.
// LastBucket is nil until the first reading is stored.
type SamplingState struct {
	LastBucket          *int64 `json:"lastBucket,omitempty"`
	LastReceivedAt      int64  `json:"lastReceivedAt,omitempty"`
	LastReceivedBucket  *int64 `json:"lastReceivedBucket,omitempty"`
	LastStoredAt        int64  `json:"lastStoredAt,omitempty"`
	LastStoredTimestamp int64  `json:"lastStoredTimestamp,omitempty"`
}
