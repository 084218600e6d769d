package trending

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohcka/bptf-analyzer/internal/model"
)

type fakeStore struct {
	items []model.ItemActivity
	err   error
	calls int
}

func (f *fakeStore) TopItemsByActivity(ctx context.Context, count, hoursWindow int) ([]model.ItemActivity, error) {
	f.calls++
	return f.items, f.err
}

// fakeCache is an in-memory stand-in for the Redis client.
type fakeCache struct {
	data    map[string][]byte
	getErr  error
	setErr  error
	lastTTL time.Duration
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: map[string][]byte{}}
}

func (f *fakeCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	if f.setErr != nil {
		cmd.SetErr(f.setErr)
		return cmd
	}
	f.data[key] = value.([]byte)
	f.lastTTL = expiration
	return cmd
}

func (f *fakeCache) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	data, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(string(data), nil)
}

func activity(name string, total int64) model.ItemActivity {
	return model.ItemActivity{
		ItemDetails: model.ItemDetails{Name: name, TotalActivity: total},
	}
}

func Test_Collect_CachesSnapshot(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Key", 42)}}
	cache := newFakeCache()
	c := New(store, cache, Config{})

	snap, err := c.Collect(context.Background())

	require.NoError(t, err)
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "Key", snap.Items[0].ItemDetails.Name)
	assert.False(t, snap.GeneratedAt.IsZero())

	require.Contains(t, cache.data, snapshotKey)
	assert.Equal(t, defaultTTL, cache.lastTTL)

	var cached Snapshot
	require.NoError(t, json.Unmarshal(cache.data[snapshotKey], &cached))
	assert.Equal(t, int64(42), cached.Items[0].ItemDetails.TotalActivity)
}

func Test_Collect_CacheWriteFailureIsBestEffort(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Key", 1)}}
	cache := newFakeCache()
	cache.setErr = errors.New("redis down")
	c := New(store, cache, Config{})

	snap, err := c.Collect(context.Background())

	require.NoError(t, err, "a cache write failure must not fail the collection")
	assert.Len(t, snap.Items, 1)
}

func Test_Collect_StoreFailure(t *testing.T) {
	store := &fakeStore{err: errors.New("query failed")}
	c := New(store, newFakeCache(), Config{})

	_, err := c.Collect(context.Background())
	assert.Error(t, err)
}

func Test_Latest_ServesCachedSnapshot(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Key", 7)}}
	cache := newFakeCache()
	c := New(store, cache, Config{})

	_, err := c.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, store.calls)

	snap, err := c.Latest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Key", snap.Items[0].ItemDetails.Name)
	assert.Equal(t, 1, store.calls, "a cache hit must not touch the store")
}

func Test_Latest_MissFallsBackToCollect(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Hat", 3)}}
	cache := newFakeCache()
	c := New(store, cache, Config{})

	snap, err := c.Latest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "Hat", snap.Items[0].ItemDetails.Name)
	assert.Equal(t, 1, store.calls)
	assert.Contains(t, cache.data, snapshotKey, "fallback collection must repopulate the cache")
}

func Test_Latest_CorruptCacheRecomputes(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Hat", 3)}}
	cache := newFakeCache()
	cache.data[snapshotKey] = []byte("{not json")
	c := New(store, cache, Config{})

	snap, err := c.Latest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Len(t, snap.Items, 1)
}

func Test_Latest_CacheErrorRecomputes(t *testing.T) {
	store := &fakeStore{items: []model.ItemActivity{activity("Hat", 3)}}
	cache := newFakeCache()
	cache.getErr = errors.New("redis down")
	c := New(store, cache, Config{})

	snap, err := c.Latest(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, store.calls)
	assert.Len(t, snap.Items, 1)
}

func Test_New_AppliesDefaults(t *testing.T) {
	c := New(&fakeStore{}, newFakeCache(), Config{})

	assert.Equal(t, defaultInterval, c.cfg.Interval)
	assert.Equal(t, defaultTTL, c.cfg.TTL)
	assert.Equal(t, defaultItemCount, c.cfg.ItemCount)
	assert.Equal(t, defaultHoursWindow, c.cfg.HoursWindow)
}
