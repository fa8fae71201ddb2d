package models

// IngestResponse is returned for every authenticated submission, whether or
// not its reading was stored.
type IngestResponse struct {
	Success           bool            `json:"success"`
	Accepted          bool            `json:"accepted"`
	Stored            bool            `json:"stored"`
	DeviceID          string          `json:"deviceId"`
	OwnerID           string          `json:"ownerId"`
	PlotID            string          `json:"plotId"`
	IntervalMs        int64           `json:"intervalMs"`
	Bucket            int64           `json:"bucket"`
	BucketStart       int64           `json:"bucketStart"`
	ResolvedTimestamp int64           `json:"resolvedTimestamp"`
	TimestampSource   TimestampSource `json:"timestampSource"`
}
