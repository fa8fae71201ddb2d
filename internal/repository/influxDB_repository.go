// internal/repository/influxDB_repository.go

package repository

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/timeresolve"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const readingMeasurement = "sensor_readings"

// InfluxDBRepository mirrors accepted readings into InfluxDB for analytics
// dashboards. Each plot gets its own bucket, created on first use.
type InfluxDBRepository struct {
	client influxdb2.Client
	org    string
	log    *slog.Logger

	mu      sync.Mutex
	writers map[string]api.WriteAPI
}

// NewInfluxDBRepository creates a new InfluxDBRepository.
func NewInfluxDBRepository(url, token, org string) *InfluxDBRepository {
	return &InfluxDBRepository{
		client:  influxdb2.NewClient(url, token),
		org:     org,
		log:     logging.Component("influxdb"),
		writers: make(map[string]api.WriteAPI),
	}
}

// MirrorReading queues rd for the plot's bucket. Writes are batched by the
// client and flushed in the background; failures surface in the log.
func (r *InfluxDBRepository) MirrorReading(ctx context.Context, ownerID, plotID string, rd models.Reading) error {
	bucket := plotID
	if bucket == "" {
		bucket = "default_location"
	}
	w, err := r.writer(ctx, bucket)
	if err != nil {
		return err
	}
	w.WritePoint(readingPoint(ownerID, plotID, rd))
	return nil
}

// Close flushes pending points and releases the client.
func (r *InfluxDBRepository) Close() {
	r.client.Close()
}

func (r *InfluxDBRepository) writer(ctx context.Context, bucket string) (api.WriteAPI, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[bucket]; ok {
		return w, nil
	}

	exists, err := r.BucketExists(ctx, bucket)
	if err != nil {
		return nil, err
	}
	if !exists {
		r.log.Info("bucket does not exist, creating it", "bucket", bucket)
		if err := r.CreateBucket(ctx, bucket); err != nil {
			return nil, fmt.Errorf("error creating bucket '%s': %w", bucket, err)
		}
	}

	w := r.client.WriteAPI(r.org, bucket)
	go func() {
		for err := range w.Errors() {
			r.log.Error("error writing to InfluxDB", "bucket", bucket, "error", err)
		}
	}()
	r.writers[bucket] = w
	return w, nil
}

// BucketExists checks if a bucket exists in InfluxDB.
func (r *InfluxDBRepository) BucketExists(ctx context.Context, name string) (bool, error) {
	_, err := r.client.BucketsAPI().FindBucketByName(ctx, name)
	if err != nil {
		if strings.Contains(err.Error(), "not found") {
			return false, nil
		}
		return false, fmt.Errorf("error checking bucket existence: %w", err)
	}
	return true, nil
}

// CreateBucket creates a new bucket in InfluxDB.
func (r *InfluxDBRepository) CreateBucket(ctx context.Context, name string) error {
	org, err := r.client.OrganizationsAPI().FindOrganizationByName(ctx, r.org)
	if err != nil {
		return fmt.Errorf("error finding organization '%s': %w", r.org, err)
	}
	if org == nil {
		return fmt.Errorf("organization '%s' not found", r.org)
	}

	if _, err := r.client.BucketsAPI().CreateBucketWithName(ctx, org, name); err != nil {
		return fmt.Errorf("error creating bucket: %w", err)
	}
	r.log.Info("bucket created", "bucket", name)
	return nil
}

// readingPoint converts a stored reading to a line-protocol point. Numeric
// and boolean measurements become fields; anything else stays in the
// key-value store only.
func readingPoint(ownerID, plotID string, rd models.Reading) *write.Point {
	tags := map[string]string{
		"device_id":        rd.SensorID,
		"owner_id":         ownerID,
		"plot_id":          plotID,
		"timestamp_source": string(rd.TimestampSource),
	}

	fields := map[string]interface{}{"bucket": rd.Bucket}
	for name, v := range rd.Measurements {
		switch v := v.(type) {
		case bool:
			fields[name] = v
		case string:
			// Free text stays in the key-value store.
		default:
			if f, ok := timeresolve.Number(v); ok {
				fields[name] = f
			}
		}
	}

	return influxdb2.NewPoint(readingMeasurement, tags, fields, time.UnixMilli(rd.ResolvedTimestamp))
}
