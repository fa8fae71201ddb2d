package models

// HistoryPoint is one stored reading placed on the reconciled time axis.
type HistoryPoint struct {
	Time         int64          `json:"time"`
	StoredAt     int64          `json:"storedAt,omitempty"`
	Key          string         `json:"key"`
	Measurements map[string]any `json:"measurements,omitempty"`
}

// HistorySeries is the chronologically ordered answer to a HistoryQuery.
// Dropped counts stored records whose time could not be recovered.
type HistorySeries struct {
	DeviceID string         `json:"deviceId"`
	OwnerID  string         `json:"ownerId"`
	PlotID   string         `json:"plotId"`
	Points   []HistoryPoint `json:"points"`
	Dropped  int            `json:"dropped"`
}
