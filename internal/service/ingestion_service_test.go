package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"CapIot.ingest/internal/models"
	"CapIot.ingest/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails every Update while failing is set, and every Get of
// the sampling cursor while cursorDown is set.
type flakyStore struct {
	*repository.MemoryStore
	failing    atomic.Bool
	cursorDown atomic.Bool
}

func (s *flakyStore) Update(ctx context.Context, updates map[string]any) error {
	if s.failing.Load() {
		return errors.New("connection reset")
	}
	return s.MemoryStore.Update(ctx, updates)
}

func (s *flakyStore) Get(ctx context.Context, path string) (json.RawMessage, error) {
	if s.cursorDown.Load() && strings.HasPrefix(path, "sampling/") {
		return nil, errors.New("read timeout")
	}
	return s.MemoryStore.Get(ctx, path)
}

type mirrorSpy struct {
	got chan models.Reading
}

func (m *mirrorSpy) MirrorReading(_ context.Context, _, _ string, rd models.Reading) error {
	m.got <- rd
	return nil
}

type fixture struct {
	store *flakyStore
	repo  *repository.TelemetryRepository
	svc   *IngestionService
}

func newFixture(t *testing.T, opts ...IngestionOption) *fixture {
	t.Helper()
	store := &flakyStore{MemoryStore: repository.NewMemoryStore()}
	repo := repository.NewTelemetryRepository(store)
	ctx := context.Background()

	require.NoError(t, repo.PutDevice(ctx, models.Device{ID: "M1", OwnerID: "U1", PlotID: "P1"}))
	require.NoError(t, repo.PutDevice(ctx, models.Device{ID: "K1", OwnerID: "U1", PlotID: "P1", IngestKey: "K"}))
	require.NoError(t, repo.PutDevice(ctx, models.Device{ID: "loose", OwnerID: "U1"}))
	require.NoError(t, repo.PutPreferences(ctx, "U1", models.Preferences{SamplingIntervalMs: models.Float(60_000)}))

	return &fixture{store: store, repo: repo, svc: NewIngestionService(repo, repo, opts...)}
}

func (f *fixture) ingest(t *testing.T, deviceID string, deviceTime any, receiptNow int64) *IngestResult {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), IngestRequest{
		Envelope: Envelope{
			DeviceID:     deviceID,
			Measurements: map[string]any{"moisture": 41.5},
			DeviceTime:   map[string]any{"timestamp": deviceTime},
		},
		ReceiptNowMs: receiptNow,
	})
	require.NoError(t, err)
	return res
}

func TestIngestStoresOncePerBucket(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.ingest(t, "M1", float64(1000), 120_000)
	assert.True(t, first.Accepted)
	assert.True(t, first.Stored)
	assert.Equal(t, int64(0), first.Bucket)
	assert.Equal(t, int64(60_000), first.IntervalMs)
	assert.Equal(t, int64(1000), first.ResolvedTimestamp)
	assert.Equal(t, models.TimestampSourceDevice, first.TimestampSource)
	assert.Equal(t, "U1", first.OwnerID)
	assert.Equal(t, "P1", first.PlotID)

	second := f.ingest(t, "M1", float64(59_999), 125_000)
	assert.True(t, second.Accepted)
	assert.False(t, second.Stored)
	assert.Equal(t, int64(0), second.Bucket)

	st, err := f.repo.GetSamplingState(ctx, "M1")
	require.NoError(t, err)
	require.NotNil(t, st.LastBucket)
	assert.Equal(t, int64(0), *st.LastBucket)
	assert.Equal(t, int64(125_000), st.LastReceivedAt, "liveness advances on duplicates")
	assert.Equal(t, int64(120_000), st.LastStoredAt)

	third := f.ingest(t, "M1", float64(61_000), 130_000)
	assert.True(t, third.Stored)
	assert.Equal(t, int64(1), third.Bucket)

	latest, err := f.repo.LatestReading(ctx, "U1", "P1", "M1")
	require.NoError(t, err)
	assert.Equal(t, int64(61_000), latest.ResolvedTimestamp)
	assert.Equal(t, int64(130_000), latest.StoredAt)

	records, err := f.repo.SensorRecords(ctx, "U1", "P1", "M1")
	require.NoError(t, err)
	assert.Len(t, records, 4, "two history entries and two time-indexed entries")
}

func TestIngestIsIdempotentWithinBucket(t *testing.T) {
	f := newFixture(t)
	now := int64(1_760_000_000_000)

	stored := 0
	for i := 0; i < 5; i++ {
		if f.ingest(t, "M1", float64(now), now+int64(i)).Stored {
			stored++
		}
	}
	assert.Equal(t, 1, stored)
}

func TestIngestAcceptsOutOfOrderBucket(t *testing.T) {
	f := newFixture(t)
	now := int64(1_760_000_000_000)

	require.True(t, f.ingest(t, "M1", float64(now), now).Stored)
	late := f.ingest(t, "M1", float64(now-10*60_000), now+1)
	assert.True(t, late.Stored)

	st, err := f.repo.GetSamplingState(context.Background(), "M1")
	require.NoError(t, err)
	assert.Equal(t, late.Bucket, *st.LastBucket, "lastBucket may move backward")
}

func TestIngestUnwrapsCounterToPresent(t *testing.T) {
	f := newFixture(t)
	now := int64(1_760_000_000_000)
	counter := (now - 2000) % (1 << 32)

	res := f.ingest(t, "M1", float64(counter), now)
	assert.Equal(t, now-2000, res.ResolvedTimestamp)
	assert.Equal(t, models.TimestampSourceDevice, res.TimestampSource)
}

func TestIngestFallsBackToReceiptTime(t *testing.T) {
	f := newFixture(t)
	now := int64(1_760_000_000_000)

	res, err := f.svc.Ingest(context.Background(), IngestRequest{
		Envelope:     Envelope{DeviceID: "M1", Measurements: map[string]any{"t": 20.0}},
		ReceiptNowMs: now,
	})
	require.NoError(t, err)
	assert.Equal(t, now, res.ResolvedTimestamp)
	assert.Equal(t, models.TimestampSourceReceipt, res.TimestampSource)
}

func TestIngestLookupErrors(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		deviceID string
		want     error
	}{
		{name: "empty id", deviceID: "", want: ErrClientInput},
		{name: "unaddressable id", deviceID: "a/b", want: ErrClientInput},
		{name: "unknown device", deviceID: "ghost", want: ErrNotFound},
		{name: "no plot", deviceID: "loose", want: ErrNotProvisioned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.svc.Ingest(ctx, IngestRequest{
				Envelope:     Envelope{DeviceID: tt.deviceID},
				ReceiptNowMs: 1_760_000_000_000,
			})
			assert.ErrorIs(t, err, tt.want)
			assert.Nil(t, res)
		})
	}

	exists, err := f.store.Exists(ctx, repository.SamplingPath("ghost"))
	require.NoError(t, err)
	assert.False(t, exists, "unknown devices leave no trace")
}

func TestIngestKeyMatrix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := int64(1_760_000_000_000)

	tests := []struct {
		device string
		key    string
		ok     bool
	}{
		{device: "K1", key: "", ok: false},
		{device: "K1", key: "wrong", ok: false},
		{device: "K1", key: "k", ok: false},
		{device: "K1", key: "K ", ok: false},
		{device: "K1", key: "K", ok: true},
		{device: "M1", key: "", ok: true},
		{device: "M1", key: "anything", ok: true},
	}
	for _, tt := range tests {
		res, err := f.svc.Ingest(ctx, IngestRequest{
			Envelope:     Envelope{DeviceID: tt.device, Key: tt.key},
			ReceiptNowMs: now,
		})
		if tt.ok {
			require.NoError(t, err, "device=%s key=%q", tt.device, tt.key)
			assert.True(t, res.Accepted)
		} else {
			assert.ErrorIs(t, err, ErrUnauthorized, "device=%s key=%q", tt.device, tt.key)
		}
	}
}

func TestIngestCommitFailureIsStorageError(t *testing.T) {
	f := newFixture(t)
	f.store.failing.Store(true)

	_, err := f.svc.Ingest(context.Background(), IngestRequest{
		Envelope:     Envelope{DeviceID: "M1"},
		ReceiptNowMs: 1_760_000_000_000,
	})
	assert.ErrorIs(t, err, ErrStorage)

	st, err := f.repo.GetSamplingState(context.Background(), "M1")
	require.NoError(t, err)
	assert.Nil(t, st.LastBucket)
}

func TestIngestCursorReadFailureStillMarksLiveness(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := int64(1_760_000_000_000)
	f.store.cursorDown.Store(true)

	res, err := f.svc.Ingest(ctx, IngestRequest{
		Envelope:     Envelope{DeviceID: "M1", DeviceTime: map[string]any{"timestamp": float64(now)}},
		ReceiptNowMs: now,
	})
	assert.ErrorIs(t, err, ErrStorage)
	assert.Nil(t, res)

	f.store.cursorDown.Store(false)
	st, err := f.repo.GetSamplingState(ctx, "M1")
	require.NoError(t, err)
	assert.Equal(t, now, st.LastReceivedAt)
	assert.Nil(t, st.LastBucket, "nothing was stored")
}

func TestIngestUnreadablePreferencesUseDefaultInterval(t *testing.T) {
	ctx := context.Background()
	now := int64(1_760_000_000_000)

	for _, doc := range []any{"5 minutes", 60000, []int{1, 2}} {
		f := newFixture(t)
		require.NoError(t, f.store.Set(ctx, repository.PreferencesPath("U1"), doc))

		res := f.ingest(t, "M1", float64(now), now)
		assert.True(t, res.Stored, "%v", doc)
		assert.Equal(t, int64(300_000), res.IntervalMs, "%v", doc)
	}
}

func TestIngestSeesRotatedKeyThroughCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	now := int64(1_760_000_000_000)
	svc := NewIngestionService(NewCachedRegistry(f.repo, time.Hour), f.repo)

	submit := func(key string) error {
		_, err := svc.Ingest(ctx, IngestRequest{Envelope: Envelope{DeviceID: "K1", Key: key}, ReceiptNowMs: now})
		return err
	}
	require.NoError(t, submit("K"))

	require.NoError(t, f.repo.PutDevice(ctx, models.Device{ID: "K1", OwnerID: "U1", PlotID: "P1", IngestKey: "K2"}))
	assert.NoError(t, submit("K2"), "new key applies before the entry expires")
	assert.ErrorIs(t, submit("K"), ErrUnauthorized, "old key stops working")
}

func TestIngestSeesNewClaimThroughCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewIngestionService(NewCachedRegistry(f.repo, time.Hour), f.repo)
	req := IngestRequest{Envelope: Envelope{DeviceID: "loose"}, ReceiptNowMs: 1_760_000_000_000}

	_, err := svc.Ingest(ctx, req)
	require.ErrorIs(t, err, ErrNotProvisioned)

	require.NoError(t, f.repo.PutDevice(ctx, models.Device{ID: "loose", OwnerID: "U1", PlotID: "P9"}))
	res, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "P9", res.PlotID)
}

func TestIngestLivenessFailureDoesNotFailDuplicate(t *testing.T) {
	f := newFixture(t)
	now := int64(1_760_000_000_000)

	require.True(t, f.ingest(t, "M1", float64(now), now).Stored)
	f.store.failing.Store(true)

	res := f.ingest(t, "M1", float64(now+1), now+1)
	assert.True(t, res.Accepted)
	assert.False(t, res.Stored)
}

func TestIngestMirrorsStoredReadings(t *testing.T) {
	spy := &mirrorSpy{got: make(chan models.Reading, 4)}
	f := newFixture(t, WithMirror(spy))
	now := int64(1_760_000_000_000)

	f.ingest(t, "M1", float64(now), now)
	f.ingest(t, "M1", float64(now), now+5)

	select {
	case rd := <-spy.got:
		assert.Equal(t, "M1", rd.SensorID)
		assert.Equal(t, now, rd.ResolvedTimestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("reading was not mirrored")
	}
	select {
	case <-spy.got:
		t.Fatal("duplicates must not be mirrored")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestKeyMatches(t *testing.T) {
	assert.True(t, keyMatches("", ""))
	assert.True(t, keyMatches("", "x"))
	assert.True(t, keyMatches("K", "K"))
	assert.False(t, keyMatches("K", ""))
	assert.False(t, keyMatches("K", "KK"))
}
