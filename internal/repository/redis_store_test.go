package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"CapIot.ingest/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMiniRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisStoreFromClient(rdb, "telemetry:"), mr
}

// commandLog records the name of every command a client sends.
type commandLog struct {
	mu    sync.Mutex
	names []string
}

func (l *commandLog) add(cmds ...redis.Cmder) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range cmds {
		l.names = append(l.names, c.Name())
	}
}

func (l *commandLog) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = nil
}

func (l *commandLog) seen() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *commandLog) DialHook(next redis.DialHook) redis.DialHook { return next }

func (l *commandLog) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		l.add(cmd)
		return next(ctx, cmd)
	}
}

func (l *commandLog) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		l.add(cmds...)
		return next(ctx, cmds)
	}
}

func TestRedisStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		s, _ := newMiniRedisStore(t)
		return s
	})
}

func TestRedisStoreKeyLayout(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	require.NoError(t, s.Update(context.Background(), map[string]any{
		"sampling/M1/lastBucket": 4,
	}))

	got, err := mr.Get("telemetry:sampling/M1/lastBucket")
	require.NoError(t, err)
	assert.Equal(t, "4", got)
}

func TestNewRedisStoreFailsWithoutServer(t *testing.T) {
	_, err := NewRedisStore(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisStoreIngestPathNeverScans(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	log := &commandLog{}
	rdb.AddHook(log)

	ctx := context.Background()
	repo := NewTelemetryRepository(NewRedisStoreFromClient(rdb, "telemetry:"))
	for i := 0; i < 50; i++ {
		require.NoError(t, mr.Set(fmt.Sprintf("unrelated:%d", i), "x"))
	}
	log.reset()

	for i := int64(0); i < 3; i++ {
		_, err := repo.GetSamplingState(ctx, "M1")
		require.NoError(t, err)
		require.NoError(t, repo.CommitReading(ctx, Commit{
			OwnerID:    "U1",
			PlotID:     "P1",
			Reading:    models.Reading{SensorID: "M1", ResolvedTimestamp: 1000 + i, Bucket: i, StoredAt: 2000 + i},
			ReceivedAt: 2000 + i,
		}))
		require.NoError(t, repo.MarkReceived(ctx, "M1", 3000+i, i))
	}

	assert.NotEmpty(t, log.seen())
	assert.NotContains(t, log.seen(), "scan")
	assert.NotContains(t, log.seen(), "keys")

	st, err := repo.GetSamplingState(ctx, "M1")
	require.NoError(t, err)
	require.NotNil(t, st.LastBucket)
	assert.Equal(t, int64(2), *st.LastBucket)
	assert.Equal(t, int64(3002), st.LastReceivedAt)
}

func TestRedisStoreIndexFollowsDeletes(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, map[string]any{
		"a/b/c": 1,
		"a/b/d": 2,
		"a/e":   3,
	}))

	members, err := mr.SMembers("telemetry:#a")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a/b/c", "a/b/d", "a/e"}, members)

	require.NoError(t, s.Update(ctx, map[string]any{"a/b": nil}))
	members, err = mr.SMembers("telemetry:#a")
	require.NoError(t, err)
	assert.Equal(t, []string{"a/e"}, members)
	assert.False(t, mr.Exists("telemetry:#a/b"), "empty index sets are dropped")
	assert.False(t, mr.Exists("telemetry:a/b/c"))

	require.NoError(t, s.Set(ctx, "a", map[string]any{"y": 1}))
	members, err = mr.SMembers("telemetry:#")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, members)
	assert.False(t, mr.Exists("telemetry:#a"))
}

func TestRedisStoreReindex(t *testing.T) {
	s, mr := newMiniRedisStore(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("telemetry:sampling/M1/lastBucket", "4"))
	require.NoError(t, mr.Set("telemetry:sampling/M1/lastStoredAt", "1000"))
	require.NoError(t, mr.Set("other:sampling/M2/lastBucket", "9"))

	_, err := s.Get(ctx, "sampling/M1")
	require.ErrorIs(t, err, ErrNotFound, "keys written without an index are invisible to branch reads")

	n, err := s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.Get(ctx, "sampling/M1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"lastBucket":4,"lastStoredAt":1000}`, string(got))

	n, err = s.Reindex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "index sets themselves are skipped")
}
