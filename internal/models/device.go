package models

// DeviceStatus mirrors the lifecycle flag the registry keeps per device.
type DeviceStatus string

const (
	DeviceStatusActive   DeviceStatus = "active"
	DeviceStatusInactive DeviceStatus = "inactive"
)

// Device is a registry entry stored at devices/{id}.
type Device struct {
	ID        string       `json:"id"`
	OwnerID   string       `json:"ownerId,omitempty"`
	PlotID    string       `json:"plotId,omitempty"`
	IngestKey string       `json:"ingestKey,omitempty"`
	Status    DeviceStatus `json:"status,omitempty"`
}

// Provisioned reports whether the device has been claimed by an owner and
// placed on a plot. Only provisioned devices may ingest.
func (d Device) Provisioned() bool {
	return d.OwnerID != "" && d.PlotID != ""
}
