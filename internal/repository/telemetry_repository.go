package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/models"

	"github.com/google/uuid"
)

// Projection names a child of a sensor branch holding stored readings.
type Projection string

const (
	ProjectionLatest   Projection = "latest"
	ProjectionHistory  Projection = "history"
	ProjectionReadings Projection = "readings"
)

// DevicePath is where the registry keeps a device.
func DevicePath(deviceID string) string { return JoinPath("devices", deviceID) }

// PreferencesPath is where an owner's preferences live.
func PreferencesPath(ownerID string) string { return JoinPath("users", ownerID, "preferences") }

// SamplingPath is the root of a device's sampling cursor.
func SamplingPath(deviceID string) string { return JoinPath("sampling", deviceID) }

// SensorPath is the branch holding a device's readings on its owner's plot.
func SensorPath(ownerID, plotID, deviceID string) string {
	return JoinPath("users", ownerID, "plots", plotID, "sensors", deviceID)
}

// StoredRecord is a raw reading document read back for reconciliation.
type StoredRecord struct {
	Projection Projection
	Key        string
	Data       map[string]any
}

// Commit is everything written when a reading is accepted.
type Commit struct {
	OwnerID string
	PlotID  string
	Reading models.Reading
	// ReceivedAt is the receipt time recorded as the liveness marker.
	ReceivedAt int64
}

// TelemetryRepository is the typed view of the store used by ingestion and
// history reads. It owns the path layout; callers never build paths.
type TelemetryRepository struct {
	store Store
	newID func() string
}

// NewTelemetryRepository creates a repository over store.
func NewTelemetryRepository(store Store) *TelemetryRepository {
	return &TelemetryRepository{
		store: store,
		newID: func() string { return uuid.NewString()[:8] },
	}
}

// GetDevice loads a registry entry. It returns ErrNotFound for unknown ids.
func (r *TelemetryRepository) GetDevice(ctx context.Context, deviceID string) (*models.Device, error) {
	var d models.Device
	if err := r.getJSON(ctx, DevicePath(deviceID), &d); err != nil {
		return nil, err
	}
	if d.ID == "" {
		d.ID = deviceID
	}
	return &d, nil
}

// PutDevice writes a registry entry. Provisioning flows own the registry;
// this exists for seeding and tests.
func (r *TelemetryRepository) PutDevice(ctx context.Context, d models.Device) error {
	if err := ValidateSegment(d.ID); err != nil {
		return err
	}
	return r.store.Set(ctx, DevicePath(d.ID), d)
}

// GetPreferences loads an owner's preferences. A missing or unreadable
// document is not an error; it yields nil so the sampling policy applies its
// default. Only store failures are returned.
func (r *TelemetryRepository) GetPreferences(ctx context.Context, ownerID string) (*models.Preferences, error) {
	path := PreferencesPath(ownerID)
	raw, err := r.store.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p models.Preferences
	if err := json.Unmarshal(raw, &p); err != nil {
		logging.Component("repository").Warn("preferences unreadable, using default interval",
			"owner_id", ownerID, "path", path, "error", err)
		return nil, nil
	}
	return &p, nil
}

// PutPreferences writes an owner's preferences.
func (r *TelemetryRepository) PutPreferences(ctx context.Context, ownerID string, p models.Preferences) error {
	return r.store.Set(ctx, PreferencesPath(ownerID), p)
}

// GetSamplingState reads a device's cursor. Devices that never submitted
// get a zero state with a nil LastBucket.
func (r *TelemetryRepository) GetSamplingState(ctx context.Context, deviceID string) (*models.SamplingState, error) {
	var st models.SamplingState
	err := r.getJSON(ctx, SamplingPath(deviceID), &st)
	if errors.Is(err, ErrNotFound) {
		return &models.SamplingState{}, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// MarkReceived records that a submission arrived, independent of whether
// its data was stored.
func (r *TelemetryRepository) MarkReceived(ctx context.Context, deviceID string, receivedAt, bucket int64) error {
	base := SamplingPath(deviceID)
	return r.store.Update(ctx, map[string]any{
		JoinPath(base, "lastReceivedAt"):     receivedAt,
		JoinPath(base, "lastReceivedBucket"): bucket,
	})
}

// CommitReading writes the three reading projections, advances the sampling
// cursor and stamps the liveness markers in one multi-path update.
func (r *TelemetryRepository) CommitReading(ctx context.Context, c Commit) error {
	rd := c.Reading
	sensor := SensorPath(c.OwnerID, c.PlotID, rd.SensorID)
	state := SamplingPath(rd.SensorID)
	pushKey := fmt.Sprintf("%013d-%s", rd.StoredAt, r.newID())

	latest := JoinPath(sensor, string(ProjectionLatest))
	history := JoinPath(sensor, string(ProjectionHistory), pushKey)
	indexed := JoinPath(sensor, string(ProjectionReadings), strconv.FormatInt(rd.ResolvedTimestamp, 10))

	return r.store.Update(ctx, map[string]any{
		latest:  rd,
		history: rd,
		indexed: rd,

		JoinPath(state, "lastBucket"):          rd.Bucket,
		JoinPath(state, "lastStoredAt"):        rd.StoredAt,
		JoinPath(state, "lastStoredTimestamp"): rd.ResolvedTimestamp,
		JoinPath(state, "lastReceivedAt"):      c.ReceivedAt,
		JoinPath(state, "lastReceivedBucket"):  rd.Bucket,
	})
}

// LatestReading returns the most recently stored reading for a device.
func (r *TelemetryRepository) LatestReading(ctx context.Context, ownerID, plotID, deviceID string) (*models.Reading, error) {
	var rd models.Reading
	if err := r.getJSON(ctx, JoinPath(SensorPath(ownerID, plotID, deviceID), string(ProjectionLatest)), &rd); err != nil {
		return nil, err
	}
	return &rd, nil
}

// SensorRecords returns every document in the history and time-indexed
// projections, in key order per projection. Numbers are decoded as
// json.Number so large device counters survive untouched.
func (r *TelemetryRepository) SensorRecords(ctx context.Context, ownerID, plotID, deviceID string) ([]StoredRecord, error) {
	base := SensorPath(ownerID, plotID, deviceID)
	var out []StoredRecord
	for _, proj := range []Projection{ProjectionHistory, ProjectionReadings} {
		raw, err := r.store.Get(ctx, JoinPath(base, string(proj)))
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s projection: %w", proj, err)
		}

		var children map[string]json.RawMessage
		if err := json.Unmarshal(raw, &children); err != nil {
			return nil, fmt.Errorf("decode %s projection: %w", proj, err)
		}
		keys := make([]string, 0, len(children))
		for k := range children {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			data, err := decodeObject(children[k])
			if err != nil {
				// A non-object child carries nothing to reconcile.
				continue
			}
			out = append(out, StoredRecord{Projection: proj, Key: k, Data: data})
		}
	}
	return out, nil
}

func (r *TelemetryRepository) getJSON(ctx context.Context, path string, v any) error {
	raw, err := r.store.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("not an object")
	}
	return m, nil
}
