package models

// HistoryQuery selects a device's reconciled series. Zero FromMs/ToMs leave
// that side open; Limit <= 0 returns everything. A non-empty RequesterID
// must match the device owner.
type HistoryQuery struct {
	DeviceID    string
	RequesterID string
	FromMs      int64
	ToMs        int64
	Limit       int
}
