package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nainya/bitemporal/internal/testutil"
	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/storetest"
)

func TestMemstoreConformance(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		New: func(clock store.Clock) (store.Backend[holiday.Holiday], error) {
			return New(storetest.Options(clock))
		},
	})
}

func newMapStore(t *testing.T) *Store[map[string]string] {
	t.Helper()
	s, err := New(store.Options[map[string]string]{
		Scheme:  "Map",
		Indexer: func(m map[string]string) document.Fields { return document.Fields{Name: m["name"]} },
		Clock:   testutil.NewStepClock(),
	})
	require.NoError(t, err)
	return s
}

func TestReturnedDocumentsAreCopies(t *testing.T) {
	ctx := context.Background()
	s := newMapStore(t)

	payload := map[string]string{"name": "original"}
	added, err := s.Add(ctx, payload)
	require.NoError(t, err)

	payload["name"] = "mutated by caller"
	added.Payload["name"] = "mutated result"

	got, err := s.Get(ctx, added.UniqueID)
	require.NoError(t, err)
	assert.Equal(t, "original", got.Payload["name"])
	assert.Equal(t, "original", got.Name)

	got.Payload["name"] = "mutated again"
	again, err := s.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, "original", again.Payload["name"])
}

func TestHistorySnapshotIsTakenPerIteration(t *testing.T) {
	ctx := context.Background()
	s := newMapStore(t)

	added, err := s.Add(ctx, map[string]string{"name": "v1"})
	require.NoError(t, err)
	seq := s.History(ctx, store.HistoryRequest{ObjectID: added.ObjectID()})

	_, err = s.Update(ctx, added.UniqueID, map[string]string{"name": "v2"})
	require.NoError(t, err)

	var seen []string
	for doc, err := range seq {
		require.NoError(t, err)
		seen = append(seen, doc.Name)
	}
	assert.Equal(t, []string{"v1", "v2"}, seen)
}

func TestNewRequiresSchemeAndIndexer(t *testing.T) {
	_, err := New(store.Options[holiday.Holiday]{Indexer: holiday.Index})
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	_, err = New(store.Options[holiday.Holiday]{Scheme: holiday.Scheme})
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestSearchChecksContextWhileScanning(t *testing.T) {
	s := newMapStore(t)
	for range checkEvery + 1 {
		_, err := s.Add(context.Background(), map[string]string{"name": "x"})
		require.NoError(t, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Search(ctx, store.SearchRequest{Paging: store.PagingAll})
	assert.ErrorIs(t, err, sentinel.ErrTimeout)
}

func TestLongHistoryUpdatesStayLinear(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping long history in short mode")
	}
	ctx := context.Background()
	s := newMapStore(t)

	doc, err := s.Add(ctx, map[string]string{"name": "v0"})
	require.NoError(t, err)
	start := time.Now()
	for range 3000 {
		doc, err = s.Update(ctx, doc.UniqueID, map[string]string{"name": "next"})
		require.NoError(t, err)
	}
	assert.Less(t, time.Since(start), 20*time.Second)

	rows := 0
	for _, err := range s.History(ctx, store.HistoryRequest{ObjectID: doc.ObjectID()}) {
		require.NoError(t, err)
		rows++
	}
	assert.Equal(t, 3001, rows)
}

func BenchmarkUpdateLongHistory(b *testing.B) {
	ctx := context.Background()
	s, err := New(store.Options[map[string]string]{
		Scheme:  "Map",
		Indexer: func(m map[string]string) document.Fields { return document.Fields{Name: m["name"]} },
	})
	require.NoError(b, err)
	doc, err := s.Add(ctx, map[string]string{"name": "v0"})
	require.NoError(b, err)

	for b.Loop() {
		doc, err = s.Update(ctx, doc.UniqueID, map[string]string{"name": "next"})
		if err != nil {
			b.Fatal(err)
		}
	}
}
