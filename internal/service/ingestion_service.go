package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/metrics"
	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/repository"
	"CapIot.ingest/internal/sampling"
	"CapIot.ingest/internal/timeresolve"
)

const mirrorTimeout = 10 * time.Second

// SamplingStateStore persists the per-device cursor and accepted readings.
type SamplingStateStore interface {
	GetSamplingState(ctx context.Context, deviceID string) (*models.SamplingState, error)
	MarkReceived(ctx context.Context, deviceID string, receivedAt, bucket int64) error
	CommitReading(ctx context.Context, c repository.Commit) error
}

// ReadingMirror receives stored readings for analytics. Failures never
// affect ingestion.
type ReadingMirror interface {
	MirrorReading(ctx context.Context, ownerID, plotID string, rd models.Reading) error
}

// IngestRequest is one normalized submission and the time it was received.
type IngestRequest struct {
	Envelope     Envelope
	ReceiptNowMs int64
}

// IngestResult describes what happened to an authenticated submission.
// Accepted is true for every submission that passed lookup and key checks;
// Stored is true only when the reading opened a new bucket.
type IngestResult struct {
	Accepted          bool
	Stored            bool
	DeviceID          string
	OwnerID           string
	PlotID            string
	IntervalMs        int64
	Bucket            int64
	ResolvedTimestamp int64
	TimestampSource   models.TimestampSource
}

// IngestionService runs the sampling pipeline for incoming readings.
type IngestionService struct {
	registry Registry
	state    SamplingStateStore
	resolver timeresolve.Resolver
	mirror   ReadingMirror
	log      *slog.Logger
}

// IngestionOption configures an IngestionService.
type IngestionOption func(*IngestionService)

// WithResolver replaces the default timestamp resolver, e.g. to parse local
// date/time pairs in the devices' time zone.
func WithResolver(r timeresolve.Resolver) IngestionOption {
	return func(s *IngestionService) { s.resolver = r }
}

// WithMirror forwards every stored reading to m.
func WithMirror(m ReadingMirror) IngestionOption {
	return func(s *IngestionService) { s.mirror = m }
}

// NewIngestionService creates the pipeline.
func NewIngestionService(registry Registry, state SamplingStateStore, opts ...IngestionOption) *IngestionService {
	s := &IngestionService{
		registry: registry,
		state:    state,
		resolver: timeresolve.Default,
		log:      logging.Component("ingest"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest authenticates the submission, places it in a sampling bucket and
// stores it if the bucket differs from the device's last stored one.
func (s *IngestionService) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	res, outcome, err := s.ingest(ctx, req)
	metrics.IngestTotal.WithLabelValues(outcome).Inc()
	return res, err
}

func (s *IngestionService) ingest(ctx context.Context, req IngestRequest) (*IngestResult, string, error) {
	env := req.Envelope
	log := logging.WithContext(ctx, s.log).With("device_id", env.DeviceID)

	if env.DeviceID == "" {
		return nil, metrics.OutcomeBadRequest, fmt.Errorf("%w: deviceId is required", ErrClientInput)
	}
	if err := repository.ValidateSegment(env.DeviceID); err != nil {
		return nil, metrics.OutcomeBadRequest, fmt.Errorf("%w: deviceId %q is not addressable", ErrClientInput, env.DeviceID)
	}

	device, err := s.registry.GetDevice(ctx, env.DeviceID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, metrics.OutcomeNotFound, fmt.Errorf("%w: %s", ErrNotFound, env.DeviceID)
	}
	if err != nil {
		log.Error("device lookup failed", "error", err)
		return nil, metrics.OutcomeStorageError, fmt.Errorf("%w: device lookup: %v", ErrStorage, err)
	}
	if !device.Provisioned() || !keyMatches(device.IngestKey, env.Key) {
		device = refreshDevice(ctx, s.registry, env.DeviceID, device)
	}
	if !device.Provisioned() {
		return nil, metrics.OutcomeNotProvisioned, fmt.Errorf("%w: %s", ErrNotProvisioned, env.DeviceID)
	}
	if !keyMatches(device.IngestKey, env.Key) {
		log.Warn("ingest key rejected")
		return nil, metrics.OutcomeUnauthorized, fmt.Errorf("%w: %s", ErrUnauthorized, env.DeviceID)
	}

	prefs, err := s.registry.GetPreferences(ctx, device.OwnerID)
	if err != nil {
		log.Error("preferences lookup failed", "owner_id", device.OwnerID, "error", err)
		return nil, metrics.OutcomeStorageError, fmt.Errorf("%w: preferences lookup: %v", ErrStorage, err)
	}
	interval := sampling.EffectiveIntervalMs(prefs)

	resolved, source := req.ReceiptNowMs, models.TimestampSourceReceipt
	if ts, ok := s.resolver.Resolve(env.Candidates(), req.ReceiptNowMs); ok {
		resolved, source = ts, models.TimestampSourceDevice
	}
	metrics.TimestampSourceTotal.WithLabelValues(string(source)).Inc()
	bucket := sampling.BucketOf(resolved, interval)

	res := &IngestResult{
		Accepted:          true,
		DeviceID:          env.DeviceID,
		OwnerID:           device.OwnerID,
		PlotID:            device.PlotID,
		IntervalMs:        interval,
		Bucket:            bucket,
		ResolvedTimestamp: resolved,
		TimestampSource:   source,
	}

	state, err := s.state.GetSamplingState(ctx, env.DeviceID)
	if err != nil {
		log.Error("sampling state read failed", "error", err)
		if err := s.state.MarkReceived(ctx, env.DeviceID, req.ReceiptNowMs, bucket); err != nil {
			metrics.LivenessFailures.Inc()
		}
		return nil, metrics.OutcomeStorageError, fmt.Errorf("%w: sampling state: %v", ErrStorage, err)
	}

	if state.LastBucket != nil && *state.LastBucket == bucket {
		if err := s.state.MarkReceived(ctx, env.DeviceID, req.ReceiptNowMs, bucket); err != nil {
			metrics.LivenessFailures.Inc()
			log.Warn("liveness update failed", "error", err)
		}
		log.Debug("reading skipped, bucket already stored", "bucket", bucket)
		return res, metrics.OutcomeDuplicate, nil
	}

	rd := models.Reading{
		SensorID:          env.DeviceID,
		Measurements:      env.Measurements,
		DeviceTime:        env.DeviceTime,
		Date:              env.Date,
		Time:              env.Time,
		ResolvedTimestamp: resolved,
		TimestampSource:   source,
		Bucket:            bucket,
		StoredAt:          req.ReceiptNowMs,
	}
	err = s.state.CommitReading(ctx, repository.Commit{
		OwnerID:    device.OwnerID,
		PlotID:     device.PlotID,
		Reading:    rd,
		ReceivedAt: req.ReceiptNowMs,
	})
	if err != nil {
		log.Error("reading commit failed", "bucket", bucket, "error", err)
		// The device was still heard from.
		if err := s.state.MarkReceived(ctx, env.DeviceID, req.ReceiptNowMs, bucket); err != nil {
			metrics.LivenessFailures.Inc()
		}
		return nil, metrics.OutcomeStorageError, fmt.Errorf("%w: commit reading: %v", ErrStorage, err)
	}
	res.Stored = true
	log.Info("reading stored", "bucket", bucket, "resolved_timestamp", resolved, "timestamp_source", source)

	if s.mirror != nil {
		go s.mirrorReading(context.WithoutCancel(ctx), device.OwnerID, device.PlotID, rd)
	}
	return res, metrics.OutcomeStored, nil
}

func (s *IngestionService) mirrorReading(ctx context.Context, ownerID, plotID string, rd models.Reading) {
	ctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	if err := s.mirror.MirrorReading(ctx, ownerID, plotID, rd); err != nil {
		logging.WithContext(ctx, s.log).Warn("analytics mirror failed", "device_id", rd.SensorID, "error", err)
	}
}

// keyMatches accepts anything when no key is configured.
func keyMatches(configured, presented string) bool {
	if configured == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(configured), []byte(presented)) == 1
}
