package rediscache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/internal/testutil"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/memstore"
	"github.com/nainya/bitemporal/pkg/store/storetest"
)

var gb = ids.ExternalID{Scheme: "ISO3166", Value: "GB"}

func ukBank(name string) holiday.Holiday {
	return holiday.MustNew(name, holiday.Bank, holiday.WithRegion(gb))
}

func TestRedisCacheConformance(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	var n atomic.Int64
	suite.Run(t, &storetest.Suite{
		New: func(clock store.Clock) (store.Backend[holiday.Holiday], error) {
			backend, err := memstore.New(storetest.Options(clock))
			if err != nil {
				return nil, err
			}
			return New[holiday.Holiday](backend, client, Options[holiday.Holiday]{
				Prefix:  fmt.Sprintf("t%d", n.Add(1)),
				Indexer: holiday.Index,
			})
		},
	})
}

type fixture struct {
	cache   *Store[holiday.Holiday]
	mr      *miniredis.Miniredis
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	backend, err := memstore.New(store.Options[holiday.Holiday]{
		Scheme:  holiday.Scheme,
		Indexer: holiday.Index,
		Clock:   testutil.NewStepClock(),
	})
	require.NoError(t, err)

	f := fixture{mr: mr, metrics: metrics.NewMetrics(prometheus.NewRegistry())}
	f.cache, err = New[holiday.Holiday](backend, client, Options[holiday.Holiday]{
		Indexer: holiday.Index,
		TTL:     time.Minute,
		Metrics: f.metrics,
	})
	require.NoError(t, err)
	return f
}

func (f fixture) lookups(op, result string) float64 {
	return promtest.ToFloat64(f.metrics.CacheLookupsTotal.WithLabelValues(op, result))
}

func TestSecondReadIsAHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)

	first, err := f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	second, err := f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1.0, f.lookups("get_at", "miss"))
	assert.Equal(t, 1.0, f.lookups("get_at", "hit"))

	byUID, err := f.cache.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	again, err := f.cache.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, byUID, again)
	assert.Equal(t, 1.0, f.lookups("get", "hit"))
}

func TestWritesInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)

	_, err = f.cache.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	_, err = f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)

	updated, err := f.cache.Update(ctx, added.UniqueID, ukBank("UK v2"))
	require.NoError(t, err)

	old, err := f.cache.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, updated.VersionFrom, old.VersionTo)
	latest, err := f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, updated.UniqueID, latest.UniqueID)

	corrected, err := f.cache.Correct(ctx, updated.UniqueID, ukBank("UK v2 fixed"))
	require.NoError(t, err)
	latest, err = f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, corrected.UniqueID, latest.UniqueID)

	_, err = f.cache.Remove(ctx, corrected.UniqueID)
	require.NoError(t, err)
	_, err = f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)

	gen, err := f.mr.Get(f.cache.genKey(added.ObjectID()))
	require.NoError(t, err)
	assert.Equal(t, "3", gen)
}

func TestFailedWritesStillInvalidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)
	_, err = f.cache.Update(ctx, added.UniqueID, ukBank("UK v2"))
	require.NoError(t, err)

	_, err = f.cache.Update(ctx, added.UniqueID, ukBank("UK v3"))
	assert.ErrorIs(t, err, sentinel.ErrConcurrentModification)
	gen, err := f.mr.Get(f.cache.genKey(added.ObjectID()))
	require.NoError(t, err)
	assert.Equal(t, "2", gen)
}

func TestNotFoundIsNotCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	missing := ids.MustObjectID(holiday.Scheme, "404")

	_, err := f.cache.GetAt(ctx, missing, ids.Latest)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
	assert.Empty(t, f.mr.Keys())
}

func TestCorruptEntryIsReloaded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)

	require.NoError(t, f.mr.Set(f.cache.entryKey(added.ObjectID(), 0, "at:"+ids.Latest.String()), "not json"))
	doc, err := f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, added.UniqueID, doc.UniqueID)
	assert.Equal(t, 1.0, f.lookups("get_at", "error"))

	doc, err = f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, added.UniqueID, doc.UniqueID)
	assert.Equal(t, 1.0, f.lookups("get_at", "hit"))
}

func TestEntriesExpire(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)
	_, err = f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)

	key := f.cache.entryKey(added.ObjectID(), 0, "at:"+ids.Latest.String())
	assert.True(t, f.mr.Exists(key))
	f.mr.FastForward(time.Minute + time.Second)
	assert.False(t, f.mr.Exists(key))
}

func TestRedisOutageFallsBackToBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	added, err := f.cache.Add(ctx, ukBank("UK"))
	require.NoError(t, err)

	f.mr.Close()
	doc, err := f.cache.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, added.UniqueID, doc.UniqueID)
	_, err = f.cache.Update(ctx, added.UniqueID, ukBank("UK v2"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, f.lookups("get_at", "error"))
	assert.Equal(t, 1.0, f.lookups("invalidate", "error"))
}

func TestNewValidates(t *testing.T) {
	backend, err := memstore.New(store.Options[holiday.Holiday]{Scheme: holiday.Scheme, Indexer: holiday.Index})
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	_, err = New[holiday.Holiday](nil, client, Options[holiday.Holiday]{Indexer: holiday.Index})
	assert.ErrorIs(t, err, sentinel.ErrValidation)
	_, err = New[holiday.Holiday](backend, nil, Options[holiday.Holiday]{Indexer: holiday.Index})
	assert.ErrorIs(t, err, sentinel.ErrValidation)
	_, err = New[holiday.Holiday](backend, client, Options[holiday.Holiday]{})
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	s, err := New[holiday.Holiday](backend, client, Options[holiday.Holiday]{Indexer: holiday.Index})
	require.NoError(t, err)
	assert.Equal(t, DefaultPrefix, s.opts.Prefix)
	assert.Equal(t, DefaultTTL, s.opts.TTL)

	_, err = NewClient(context.Background(), "not a url")
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}
