package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/metrics"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/repository"
	"CapIot.ingest/internal/timeresolve"
)

// Alternate spellings found in records written by older firmware and
// importers. They are only consulted when rebuilding history.
var alternateTimestampFields = []string{
	"timeStamp", "Timestamp", "time_stamp", "timestamp_ms", "timestampMs",
	"unix", "unixTime", "epoch_ms", "createdAt", "recordedAt", "resolvedTimestamp",
}

// Fields that describe a record rather than measure anything.
var metaFields = map[string]bool{
	"sensorId": true, "deviceId": true, "device_id": true, "sensor_id": true, "id": true,
	"deviceTime": true, "reading": true, "measurements": true,
	"date": true, "localDate": true, "localTime": true,
	"timestampSource": true, "bucket": true, "storedAt": true,
	"ingestKey": true, "ingest_key": true, "key": true,
}

// RecordSource reads back stored readings.
type RecordSource interface {
	SensorRecords(ctx context.Context, ownerID, plotID, deviceID string) ([]repository.StoredRecord, error)
}

// HistoryService rebuilds a device's time series from stored records,
// re-resolving each record's time with everything it carries.
type HistoryService struct {
	registry Registry
	records  RecordSource
	resolver timeresolve.Resolver
	log      *slog.Logger
}

// NewHistoryService creates a reconciler. A zero resolver uses the default
// window in UTC.
func NewHistoryService(registry Registry, records RecordSource, resolver timeresolve.Resolver) *HistoryService {
	return &HistoryService{
		registry: registry,
		records:  records,
		resolver: resolver,
		log:      logging.Component("history"),
	}
}

// Series returns the device's readings in ascending time order.
func (s *HistoryService) Series(ctx context.Context, q models.HistoryQuery, nowMs int64) (*models.HistorySeries, error) {
	log := logging.WithContext(ctx, s.log).With("device_id", q.DeviceID)

	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId is required", ErrClientInput)
	}
	if err := repository.ValidateSegment(q.DeviceID); err != nil {
		return nil, fmt.Errorf("%w: deviceId %q is not addressable", ErrClientInput, q.DeviceID)
	}
	if q.FromMs != 0 && q.ToMs != 0 && q.FromMs > q.ToMs {
		return nil, fmt.Errorf("%w: from is after to", ErrClientInput)
	}

	device, err := s.registry.GetDevice(ctx, q.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, q.DeviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: device lookup: %v", ErrStorage, err)
	}
	if !device.Provisioned() || (q.RequesterID != "" && q.RequesterID != device.OwnerID) {
		device = refreshDevice(ctx, s.registry, q.DeviceID, device)
	}
	if !device.Provisioned() {
		return nil, fmt.Errorf("%w: %s", ErrNotProvisioned, q.DeviceID)
	}
	if q.RequesterID != "" && q.RequesterID != device.OwnerID {
		return nil, fmt.Errorf("%w: %s", ErrForbidden, q.DeviceID)
	}

	records, err := s.records.SensorRecords(ctx, device.OwnerID, device.PlotID, q.DeviceID)
	if err != nil {
		log.Error("history read failed", "error", err)
		return nil, fmt.Errorf("%w: read history: %v", ErrStorage, err)
	}

	series := &models.HistorySeries{
		DeviceID: q.DeviceID,
		OwnerID:  device.OwnerID,
		PlotID:   device.PlotID,
		Points:   []models.HistoryPoint{},
	}
	seen := make(map[string]bool, len(records))
	for _, rec := range records {
		fp := fingerprint(rec)
		if seen[fp] {
			continue
		}
		seen[fp] = true

		ts, ok := s.resolveRecord(rec, nowMs)
		if !ok {
			series.Dropped++
			continue
		}
		if (q.FromMs != 0 && ts < q.FromMs) || (q.ToMs != 0 && ts > q.ToMs) {
			continue
		}
		storedAt, _ := int64Field(rec.Data, "storedAt")
		series.Points = append(series.Points, models.HistoryPoint{
			Time:         ts,
			StoredAt:     storedAt,
			Key:          rec.Key,
			Measurements: measurements(rec.Data),
		})
	}

	sort.SliceStable(series.Points, func(i, j int) bool {
		a, b := series.Points[i], series.Points[j]
		if a.Time != b.Time {
			return a.Time < b.Time
		}
		if a.StoredAt != b.StoredAt {
			return a.StoredAt < b.StoredAt
		}
		return a.Key < b.Key
	})
	if q.Limit > 0 && len(series.Points) > q.Limit {
		series.Points = series.Points[len(series.Points)-q.Limit:]
	}

	if series.Dropped > 0 {
		metrics.HistoryDroppedTotal.Add(float64(series.Dropped))
		log.Debug("records without a recoverable time", "dropped", series.Dropped)
	}
	return series, nil
}

// resolveRecord re-runs the resolver for one stored record. The receipt
// time is the best reference for what the device clock meant, so it is used
// as "now" whenever it is itself plausible. Storage keys and the receipt
// time only count when the record carries nothing usable.
func (s *HistoryService) resolveRecord(rec repository.StoredRecord, nowMs int64) (int64, bool) {
	ref := nowMs
	storedAt, hasStoredAt := int64Field(rec.Data, "storedAt")
	if hasStoredAt && s.resolver.InWindow(storedAt, nowMs) {
		ref = storedAt
	}

	c := recordCandidates(rec.Data)
	if ts, ok := s.resolver.Resolve(c, ref); ok && s.resolver.InWindow(ts, nowMs) {
		return ts, true
	}

	var fallback []any
	if k, ok := keyTimestamp(rec); ok {
		fallback = append(fallback, k)
	}
	if hasStoredAt {
		fallback = append(fallback, storedAt)
	}
	ts, ok := s.resolver.Resolve(timeresolve.Candidates{Values: fallback}, ref)
	if !ok || !s.resolver.InWindow(ts, nowMs) {
		return 0, false
	}
	return ts, true
}

func recordCandidates(data map[string]any) timeresolve.Candidates {
	var c timeresolve.Candidates
	scopes := []map[string]any{data}
	for _, name := range []string{"deviceTime", "reading"} {
		if nested, ok := data[name].(map[string]any); ok {
			scopes = append(scopes, nested)
		}
	}

	for _, scope := range scopes {
		for _, fields := range [][]string{TimestampFields, alternateTimestampFields} {
			for _, f := range fields {
				if v, ok := scope[f]; ok && v != nil {
					c.Values = append(c.Values, v)
				}
			}
		}
		if c.Date == "" {
			c.Date, c.Time = datePair(scope)
		}
	}
	return c
}

func datePair(m map[string]any) (date, clock string) {
	for _, pair := range [][2]string{{"date", "time"}, {"localDate", "localTime"}} {
		d, _ := m[pair[0]].(string)
		t, _ := m[pair[1]].(string)
		if strings.TrimSpace(d) != "" && strings.TrimSpace(t) != "" {
			return d, t
		}
	}
	return "", ""
}

// keyTimestamp reads a time out of a storage key: the whole key for the
// time-indexed projection, the digits before the first "-" for history
// push keys.
func keyTimestamp(rec repository.StoredRecord) (int64, bool) {
	k := rec.Key
	if rec.Projection == repository.ProjectionHistory {
		k, _, _ = strings.Cut(k, "-")
	}
	n, err := strconv.ParseInt(k, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// fingerprint identifies one submission across projections. Records that
// lack both receipt and resolved time are only unique by their location.
func fingerprint(rec repository.StoredRecord) string {
	storedAt := scalarString(rec.Data["storedAt"])
	resolved := scalarString(rec.Data["resolvedTimestamp"])
	if storedAt == "" && resolved == "" {
		return string(rec.Projection) + "/" + rec.Key
	}
	return scalarString(rec.Data["sensorId"]) + "|" + storedAt + "|" + resolved
}

func measurements(data map[string]any) map[string]any {
	if m, ok := data["measurements"].(map[string]any); ok {
		return m
	}
	src := data
	if nested, ok := data["reading"].(map[string]any); ok {
		src = nested
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		if metaFields[k] || isTimestampField(k) || isAlternateField(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isAlternateField(k string) bool {
	for _, f := range alternateTimestampFields {
		if f == k {
			return true
		}
	}
	return false
}

func int64Field(m map[string]any, name string) (int64, bool) {
	f, ok := timeresolve.Number(m[name])
	if !ok {
		return 0, false
	}
	return int64(f), true
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}
