// ABOUTME: Conformance suite every store.Backend implementation runs
// ABOUTME: Exercises bitemporal reads, conflicts, search and history against holiday payloads

package storetest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/nainya/bitemporal/internal/testutil"
	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// Factory opens an empty backend driven by clock.
type Factory func(clock store.Clock) (store.Backend[holiday.Holiday], error)

// Options builds the backend options the suite expects.
func Options(clock store.Clock) store.Options[holiday.Holiday] {
	return store.Options[holiday.Holiday]{Scheme: holiday.Scheme, Indexer: holiday.Index, Clock: clock}
}

// Suite is the shared backend test suite. Embed it or run it directly with
// suite.Run(t, &storetest.Suite{New: factory}).
type Suite struct {
	suite.Suite
	New Factory

	clock   *testutil.StepClock
	backend store.Backend[holiday.Holiday]
	ctx     context.Context
}

func (s *Suite) SetupTest() {
	s.Require().NotNil(s.New, "Suite.New must be set")
	s.clock = testutil.NewStepClock()
	backend, err := s.New(s.clock)
	s.Require().NoError(err)
	s.backend = backend
	s.ctx = context.Background()
}

func (s *Suite) TearDownTest() {
	if s.backend != nil {
		s.NoError(s.backend.Close())
	}
}

var (
	regionGB = ids.ExternalID{Scheme: "ISO3166", Value: "GB"}
	regionUS = ids.ExternalID{Scheme: "ISO3166", Value: "US"}
	xlon     = ids.ExternalID{Scheme: "MIC", Value: "XLON"}
	xnys     = ids.ExternalID{Scheme: "MIC", Value: "XNYS"}
)

func bank(name string, region ids.ExternalID, dates ...holiday.Date) holiday.Holiday {
	return holiday.MustNew(name, holiday.Bank, holiday.WithRegion(region), holiday.WithDates(dates...))
}

func currency(name, code string) holiday.Holiday {
	return holiday.MustNew(name, holiday.Currency, holiday.WithCurrency(code))
}

func trading(name string, exchange ids.ExternalID) holiday.Holiday {
	return holiday.MustNew(name, holiday.Trading, holiday.WithExchange(exchange))
}

func (s *Suite) add(h holiday.Holiday) document.Document[holiday.Holiday] {
	doc, err := s.backend.Add(s.ctx, h)
	s.Require().NoError(err)
	return doc
}

func (s *Suite) getAt(oid ids.ObjectID, vc ids.VersionCorrection) holiday.Holiday {
	doc, err := s.backend.GetAt(s.ctx, oid, vc)
	s.Require().NoError(err)
	return doc.Payload
}

func (s *Suite) assertPayload(want, got holiday.Holiday) {
	s.True(want.Equal(got), "want %s, got %s", want, got)
}

// between returns an instant strictly inside [from, next).
func between(from time.Time) time.Time {
	return from.Add(time.Millisecond)
}

func (s *Suite) history(req store.HistoryRequest) ([]document.Document[holiday.Holiday], error) {
	var out []document.Document[holiday.Holiday]
	for doc, err := range s.backend.History(s.ctx, req) {
		if err != nil {
			return out, err
		}
		out = append(out, doc)
	}
	return out, nil
}

func stamps(docs []document.Document[holiday.Holiday]) []document.Stamp {
	out := make([]document.Stamp, len(docs))
	for i, d := range docs {
		out[i] = d.Stamp
	}
	return out
}

func (s *Suite) TestAddAndGet() {
	h := bank("UK bank holidays", regionGB, holiday.NewDate(2024, time.December, 25))
	added := s.add(h)

	s.Equal(holiday.Scheme, added.UniqueID.Scheme)
	s.True(added.UniqueID.IsVersioned())
	s.Equal(document.FarFuture, added.VersionTo)
	s.Equal(document.FarFuture, added.CorrectionTo)
	s.Equal(added.VersionFrom, added.CorrectionFrom)
	s.Equal("UK bank holidays", added.Name)
	s.Equal(string(holiday.Bank), added.Type)
	s.True(added.ExternalIDs.Contains(regionGB))
	s.assertPayload(h, added.Payload)

	byUID, err := s.backend.Get(s.ctx, added.UniqueID)
	s.Require().NoError(err)
	s.Equal(added.Stamp, byUID.Stamp)
	s.assertPayload(h, byUID.Payload)

	latest, err := s.backend.Get(s.ctx, added.ObjectID().AtLatest())
	s.Require().NoError(err)
	s.Equal(added.UniqueID, latest.UniqueID)

	s.assertPayload(h, s.getAt(added.ObjectID(), ids.Latest))
}

func (s *Suite) TestAddAllocatesDistinctObjects() {
	a := s.add(bank("A", regionGB))
	b := s.add(bank("B", regionUS))
	s.NotEqual(a.ObjectID(), b.ObjectID())
	s.NotEqual(a.UniqueID, b.UniqueID)
}

func (s *Suite) TestUpdatePreservesHistory() {
	v1 := bank("UK", regionGB, holiday.NewDate(2024, time.December, 25))
	v2 := bank("UK", regionGB, holiday.NewDate(2024, time.December, 25), holiday.NewDate(2024, time.December, 26))
	first := s.add(v1)

	second, err := s.backend.Update(s.ctx, first.UniqueID, v2)
	s.Require().NoError(err)
	s.Equal(first.ObjectID(), second.ObjectID())
	s.NotEqual(first.UniqueID, second.UniqueID)
	s.True(second.VersionFrom.After(first.VersionFrom))
	s.Equal(document.FarFuture, second.VersionTo)

	oid := first.ObjectID()
	s.assertPayload(v2, s.getAt(oid, ids.Latest))
	s.assertPayload(v1, s.getAt(oid, ids.OfVersionAsOf(between(first.VersionFrom))))

	old, err := s.backend.Get(s.ctx, first.UniqueID)
	s.Require().NoError(err)
	s.Equal(second.VersionFrom, old.VersionTo)
	s.Equal(document.FarFuture, old.CorrectionTo)
	s.assertPayload(v1, old.Payload)
}

func (s *Suite) TestUpdateWithStaleUniqueIDConflicts() {
	first := s.add(bank("UK", regionGB))
	_, err := s.backend.Update(s.ctx, first.UniqueID, bank("UK v2", regionGB))
	s.Require().NoError(err)

	_, err = s.backend.Update(s.ctx, first.UniqueID, bank("UK v3", regionGB))
	s.ErrorIs(err, sentinel.ErrConcurrentModification)
}

func (s *Suite) TestUpdateUnknownObject() {
	uid := ids.MustObjectID(holiday.Scheme, "999999").AtVersion("1")
	_, err := s.backend.Update(s.ctx, uid, bank("UK", regionGB))
	s.ErrorIs(err, sentinel.ErrNotFound)

	other := ids.MustObjectID("Other", "1").AtVersion("1")
	_, err = s.backend.Update(s.ctx, other, bank("UK", regionGB))
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *Suite) TestUpdateRequiresVersionedUniqueID() {
	first := s.add(bank("UK", regionGB))
	_, err := s.backend.Update(s.ctx, first.ObjectID().AtLatest(), bank("UK v2", regionGB))
	s.ErrorIs(err, sentinel.ErrValidation)
}

func (s *Suite) TestCorrectionIsolation() {
	wrong := currency("USD holidays", "USD")
	right := currency("USD holidays (corrected)", "USD")
	first := s.add(wrong)

	corrected, err := s.backend.Correct(s.ctx, first.UniqueID, right)
	s.Require().NoError(err)
	s.Equal(first.VersionFrom, corrected.VersionFrom)
	s.Equal(document.FarFuture, corrected.VersionTo)
	s.True(corrected.CorrectionFrom.After(first.CorrectionFrom))

	oid := first.ObjectID()
	s.assertPayload(right, s.getAt(oid, ids.Latest))

	before := between(first.CorrectionFrom)
	asKnown := ids.VersionCorrection{VersionAsOf: before, CorrectedTo: before}
	s.assertPayload(wrong, s.getAt(oid, asKnown))
	s.assertPayload(right, s.getAt(oid, ids.OfVersionAsOf(before)))

	old, err := s.backend.Get(s.ctx, first.UniqueID)
	s.Require().NoError(err)
	s.Equal(corrected.CorrectionFrom, old.CorrectionTo)
	s.Equal(document.FarFuture, old.VersionTo)
}

func (s *Suite) TestCorrectSupersededCorrectionConflicts() {
	first := s.add(currency("EUR", "EUR"))
	_, err := s.backend.Correct(s.ctx, first.UniqueID, currency("EUR fixed", "EUR"))
	s.Require().NoError(err)

	_, err = s.backend.Correct(s.ctx, first.UniqueID, currency("EUR fixed again", "EUR"))
	s.ErrorIs(err, sentinel.ErrConcurrentModification)
}

func (s *Suite) TestCorrectClosedVersion() {
	v1 := trading("NYSE", xnys)
	v2 := trading("NYSE 2025", xnys)
	fixed := trading("NYSE (fixed)", xnys)
	first := s.add(v1)
	second, err := s.backend.Update(s.ctx, first.UniqueID, v2)
	s.Require().NoError(err)

	corrected, err := s.backend.Correct(s.ctx, first.UniqueID, fixed)
	s.Require().NoError(err)
	s.Equal(first.VersionFrom, corrected.VersionFrom)
	s.Equal(second.VersionFrom, corrected.VersionTo)

	oid := first.ObjectID()
	s.assertPayload(v2, s.getAt(oid, ids.Latest))
	s.assertPayload(fixed, s.getAt(oid, ids.OfVersionAsOf(between(first.VersionFrom))))

	rows, err := s.history(store.HistoryRequest{ObjectID: oid})
	s.Require().NoError(err)
	s.Len(rows, 3)
	s.NoError(interval.Validate(stamps(rows)))
}

func (s *Suite) TestRemove() {
	h := bank("UK", regionGB)
	first := s.add(h)
	oid := first.ObjectID()

	closed, err := s.backend.Remove(s.ctx, oid.AtLatest())
	s.Require().NoError(err)
	s.Equal(first.UniqueID, closed.UniqueID)
	s.True(closed.VersionTo.After(closed.VersionFrom))
	s.False(closed.VersionOpen())

	_, err = s.backend.GetAt(s.ctx, oid, ids.Latest)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.backend.Get(s.ctx, oid.AtLatest())
	s.ErrorIs(err, sentinel.ErrNotFound)

	s.assertPayload(h, s.getAt(oid, ids.OfVersionAsOf(between(first.VersionFrom))))

	_, err = s.backend.Remove(s.ctx, oid.AtLatest())
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.backend.Remove(s.ctx, first.UniqueID)
	s.ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.backend.Update(s.ctx, first.UniqueID, h)
	s.ErrorIs(err, sentinel.ErrConcurrentModification)
}

func (s *Suite) TestRemoveStaleUniqueIDConflicts() {
	first := s.add(bank("UK", regionGB))
	_, err := s.backend.Update(s.ctx, first.UniqueID, bank("UK v2", regionGB))
	s.Require().NoError(err)

	_, err = s.backend.Remove(s.ctx, first.UniqueID)
	s.ErrorIs(err, sentinel.ErrConcurrentModification)
}

func (s *Suite) TestGetMissing() {
	_, err := s.backend.Get(s.ctx, ids.MustObjectID(holiday.Scheme, "424242").AtLatest())
	s.ErrorIs(err, sentinel.ErrNotFound)

	first := s.add(bank("UK", regionGB))
	_, err = s.backend.Get(s.ctx, first.ObjectID().AtVersion("424242"))
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.backend.GetAt(s.ctx, first.ObjectID(), ids.OfVersionAsOf(first.VersionFrom.Add(-time.Hour)))
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.backend.Get(s.ctx, ids.UniqueID{})
	s.ErrorIs(err, sentinel.ErrValidation)
}

// TestHolidayScenario walks a calendar through add, update, correction of
// the old version and removal, checking every coordinate on the way.
func (s *Suite) TestHolidayScenario() {
	christmas := holiday.NewDate(2024, time.December, 25)
	boxing := holiday.NewDate(2024, time.December, 26)
	newYear := holiday.NewDate(2025, time.January, 1)

	v1 := bank("UK", regionGB, christmas)
	v2 := bank("UK", regionGB, christmas, boxing, newYear)
	v1fixed := bank("UK", regionGB, christmas, boxing)

	d1 := s.add(v1)
	oid := d1.ObjectID()
	d2, err := s.backend.Update(s.ctx, d1.UniqueID, v2)
	s.Require().NoError(err)
	d3, err := s.backend.Correct(s.ctx, d1.UniqueID, v1fixed)
	s.Require().NoError(err)
	_, err = s.backend.Remove(s.ctx, d2.UniqueID)
	s.Require().NoError(err)

	t1 := between(d1.VersionFrom)
	t2 := between(d2.VersionFrom)
	t3 := between(d3.CorrectionFrom)

	s.assertPayload(v1, s.getAt(oid, ids.VersionCorrection{VersionAsOf: t1, CorrectedTo: t2}))
	s.assertPayload(v1fixed, s.getAt(oid, ids.VersionCorrection{VersionAsOf: t1, CorrectedTo: t3}))
	s.assertPayload(v2, s.getAt(oid, ids.VersionCorrection{VersionAsOf: t2, CorrectedTo: t3}))
	s.False(s.getAt(oid, ids.VersionCorrection{VersionAsOf: t1, CorrectedTo: t2}).IsHoliday(boxing))

	_, err = s.backend.GetAt(s.ctx, oid, ids.Latest)
	s.ErrorIs(err, sentinel.ErrNotFound)

	rows, err := s.history(store.HistoryRequest{ObjectID: oid})
	s.Require().NoError(err)
	s.Len(rows, 3)
	s.NoError(interval.Validate(stamps(rows)))
}

func (s *Suite) TestConcurrentUpdatesOfOneObject() {
	first := s.add(bank("UK", regionGB))

	const writers = 8
	var wins, conflicts atomic.Int32
	g, ctx := errgroup.WithContext(s.ctx)
	for i := range writers {
		g.Go(func() error {
			_, err := s.backend.Update(ctx, first.UniqueID, bank(fmt.Sprintf("UK %d", i), regionGB))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, sentinel.ErrConcurrentModification):
				conflicts.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	s.Require().NoError(g.Wait())
	s.Equal(int32(1), wins.Load())
	s.Equal(int32(writers-1), conflicts.Load())

	rows, err := s.history(store.HistoryRequest{ObjectID: first.ObjectID()})
	s.Require().NoError(err)
	s.Len(rows, 2)
	s.NoError(interval.Validate(stamps(rows)))
}

func (s *Suite) TestConcurrentWritesToDifferentObjects() {
	const writers = 8
	docs := make([]document.Document[holiday.Holiday], writers)
	g, ctx := errgroup.WithContext(s.ctx)
	for i := range writers {
		g.Go(func() error {
			doc, err := s.backend.Add(ctx, trading(fmt.Sprintf("Exchange %d", i), xlon))
			if err != nil {
				return err
			}
			docs[i], err = s.backend.Update(ctx, doc.UniqueID, trading(fmt.Sprintf("Exchange %d v2", i), xlon))
			return err
		})
	}
	s.Require().NoError(g.Wait())

	seen := make(map[ids.ObjectID]bool)
	for i, doc := range docs {
		s.False(seen[doc.ObjectID()])
		seen[doc.ObjectID()] = true
		s.Equal(fmt.Sprintf("Exchange %d v2", i), s.getAt(doc.ObjectID(), ids.Latest).Name())
	}
}

// seed stores a small calendar set and returns the documents in add order.
func (s *Suite) seed() []document.Document[holiday.Holiday] {
	return []document.Document[holiday.Holiday]{
		s.add(bank("UK Bank", regionGB)),
		s.add(bank("US Bank", regionUS)),
		s.add(currency("USD Currency", "USD")),
		s.add(currency("GBP Currency", "GBP")),
		s.add(trading("London Trading", xlon)),
		s.add(trading("New York Trading", xnys)),
	}
}

func (s *Suite) search(req store.SearchRequest) store.SearchResult[holiday.Holiday] {
	res, err := s.backend.Search(s.ctx, req)
	s.Require().NoError(err)
	return res
}

func names(docs []document.Document[holiday.Holiday]) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.Name
	}
	return out
}

func (s *Suite) TestSearchByNameAndType() {
	s.seed()

	res := s.search(store.SearchRequest{Filter: store.Filter{Name: "*bank"}, Paging: store.PagingAll, Sort: store.ByName{}})
	s.Equal([]string{"UK Bank", "US Bank"}, names(res.Documents))
	s.Equal(2, res.Total)

	res = s.search(store.SearchRequest{Filter: store.Filter{Name: "u? bank"}, Paging: store.PagingAll, Sort: store.ByName{}})
	s.Equal([]string{"UK Bank", "US Bank"}, names(res.Documents))

	res = s.search(store.SearchRequest{Filter: store.Filter{Type: string(holiday.Currency)}, Paging: store.PagingAll, Sort: store.ByName{}})
	s.Equal([]string{"GBP Currency", "USD Currency"}, names(res.Documents))

	res = s.search(store.SearchRequest{Filter: store.Filter{Name: "100%"}, Paging: store.PagingAll})
	s.Empty(res.Documents)
	s.Equal(0, res.Total)
}

func (s *Suite) TestSearchByExternalIDs() {
	s.seed()
	search := func(typ ids.SearchType, members ...ids.ExternalID) []string {
		ext := ids.ExternalIDSearch{IDs: ids.NewBundle(members...), Type: typ}
		return names(s.search(store.SearchRequest{
			Filter: store.Filter{ExternalIDs: &ext}, Paging: store.PagingAll, Sort: store.ByName{},
		}).Documents)
	}
	usd := ids.ExternalID{Scheme: holiday.CurrencyScheme, Value: "USD"}

	s.Equal([]string{"London Trading", "UK Bank"}, search(ids.MatchAny, regionGB, xlon))
	s.Equal([]string{"USD Currency"}, search(ids.MatchAll, usd))
	s.Empty(search(ids.MatchAll, usd, regionUS))
	s.Equal([]string{"GBP Currency", "London Trading", "New York Trading", "USD Currency"},
		search(ids.MatchNone, regionGB, regionUS))
	s.Equal([]string{"UK Bank"}, search(ids.MatchExact, regionGB))
	s.Empty(search(ids.MatchExact, regionGB, xlon))
	s.Empty(search(ids.MatchAny))
	s.Len(search(ids.MatchAll), 6)

	res := s.search(store.SearchRequest{Filter: holiday.CurrencyFilter("gbp"), Paging: store.PagingAll})
	s.Equal([]string{"GBP Currency"}, names(res.Documents))
}

func (s *Suite) TestSearchByObjectIDs() {
	docs := s.seed()

	res := s.search(store.SearchRequest{
		Filter: store.Filter{ObjectIDs: []ids.ObjectID{docs[4].ObjectID(), docs[1].ObjectID(), ids.MustObjectID("Other", "1")}},
		Paging: store.PagingAll,
	})
	s.Equal([]string{"US Bank", "London Trading"}, names(res.Documents))

	res = s.search(store.SearchRequest{Filter: store.Filter{ObjectIDs: []ids.ObjectID{}}, Paging: store.PagingAll})
	s.Empty(res.Documents)
	s.Equal(0, res.Total)
}

func (s *Suite) TestSearchAtCoordinate() {
	first := s.add(bank("UK Bank", regionGB))
	updated, err := s.backend.Update(s.ctx, first.UniqueID, bank("UK Bank Renamed", regionGB))
	s.Require().NoError(err)
	s.add(bank("US Bank", regionUS))

	res := s.search(store.SearchRequest{
		Filter:            store.Filter{Name: "UK*"},
		VersionCorrection: ids.OfVersionAsOf(between(first.VersionFrom)),
		Paging:            store.PagingAll,
	})
	s.Equal([]string{"UK Bank"}, names(res.Documents))
	s.Equal(first.UniqueID, res.Documents[0].UniqueID)

	res = s.search(store.SearchRequest{Paging: store.PagingAll, Sort: store.ByName{}})
	s.Equal([]string{"UK Bank Renamed", "US Bank"}, names(res.Documents))
	s.Equal(updated.UniqueID, res.Documents[0].UniqueID)

	res = s.search(store.SearchRequest{
		VersionCorrection: ids.OfVersionAsOf(first.VersionFrom.Add(-time.Hour)),
		Paging:            store.PagingAll,
	})
	s.Empty(res.Documents)
}

func (s *Suite) TestSearchPaging() {
	docs := s.seed()

	full := s.search(store.SearchRequest{Paging: store.PagingAll})
	s.Equal(len(docs), full.Total)
	s.Len(full.Documents, len(docs))
	for i, doc := range full.Documents {
		s.Equal(docs[i].ObjectID(), doc.ObjectID())
	}

	var paged []document.Document[holiday.Holiday]
	for first := 0; first < len(docs); first += 4 {
		page := s.search(store.SearchRequest{Paging: store.Paging{First: first, Size: 4}})
		s.Equal(len(docs), page.Total)
		s.Equal(store.Paging{First: first, Size: 4}, page.Paging)
		paged = append(paged, page.Documents...)
	}
	s.Equal(names(full.Documents), names(paged))

	countOnly := s.search(store.SearchRequest{Paging: store.Paging{}})
	s.Empty(countOnly.Documents)
	s.Equal(len(docs), countOnly.Total)

	past := s.search(store.SearchRequest{Paging: store.Paging{First: 100, Size: 10}})
	s.Empty(past.Documents)
	s.Equal(len(docs), past.Total)

	tail := s.search(store.SearchRequest{Paging: store.Paging{First: 4, Size: -1}})
	s.Len(tail.Documents, 2)
	s.Equal(len(docs), tail.Total)

	huge := s.search(store.SearchRequest{Paging: store.Paging{First: 1, Size: math.MaxInt}})
	s.Len(huge.Documents, len(docs)-1)
	s.Equal(len(docs), huge.Total)

	_, err := s.backend.Search(s.ctx, store.SearchRequest{Paging: store.Paging{First: -1, Size: 1}})
	s.ErrorIs(err, sentinel.ErrValidation)
}

func (s *Suite) TestSearchSortOrders() {
	s.seed()
	sorted := func(order store.SortOrder) []string {
		return names(s.search(store.SearchRequest{Paging: store.PagingAll, Sort: order}).Documents)
	}

	s.Equal([]string{"GBP Currency", "London Trading", "New York Trading", "UK Bank", "US Bank", "USD Currency"},
		sorted(store.ByName{}))
	s.Equal([]string{"USD Currency", "US Bank", "UK Bank", "New York Trading", "London Trading", "GBP Currency"},
		sorted(store.ByName{Desc: true}))
	s.Equal([]string{"UK Bank", "US Bank", "USD Currency", "GBP Currency", "London Trading", "New York Trading"},
		sorted(store.ByVersionFrom{}))
	s.Equal([]string{"New York Trading", "London Trading", "GBP Currency", "USD Currency", "US Bank", "UK Bank"},
		sorted(store.ByVersionFrom{Desc: true}))
	s.Equal([]string{"New York Trading", "London Trading", "GBP Currency", "USD Currency", "US Bank", "UK Bank"},
		sorted(store.ByObjectID{Desc: true}))
}

func (s *Suite) TestSearchSortTiesBreakByObjectID() {
	a := s.add(bank("Same", regionGB))
	b := s.add(bank("Same", regionUS))

	res := s.search(store.SearchRequest{Paging: store.PagingAll, Sort: store.ByName{Desc: true}})
	s.Require().Len(res.Documents, 2)
	s.Equal(a.ObjectID(), res.Documents[0].ObjectID())
	s.Equal(b.ObjectID(), res.Documents[1].ObjectID())
}

func (s *Suite) TestHistoryOrderAndRanges() {
	d1 := s.add(bank("UK", regionGB))
	d2, err := s.backend.Update(s.ctx, d1.UniqueID, bank("UK v2", regionGB))
	s.Require().NoError(err)
	d3, err := s.backend.Correct(s.ctx, d1.UniqueID, bank("UK v1 fixed", regionGB))
	s.Require().NoError(err)
	d4, err := s.backend.Update(s.ctx, d2.UniqueID, bank("UK v3", regionGB))
	s.Require().NoError(err)
	oid := d1.ObjectID()

	all, err := s.history(store.HistoryRequest{ObjectID: oid})
	s.Require().NoError(err)
	s.Require().Len(all, 4)
	s.Equal([]ids.UniqueID{d1.UniqueID, d3.UniqueID, d2.UniqueID, d4.UniqueID},
		[]ids.UniqueID{all[0].UniqueID, all[1].UniqueID, all[2].UniqueID, all[3].UniqueID})
	s.NoError(interval.Validate(stamps(all)))

	atV1, err := s.history(store.HistoryRequest{ObjectID: oid, Versions: interval.At(between(d1.VersionFrom))})
	s.Require().NoError(err)
	s.Equal([]string{"UK", "UK v1 fixed"}, names(atV1))

	current, err := s.history(store.HistoryRequest{
		ObjectID:    oid,
		Corrections: interval.At(between(d4.CorrectionFrom)),
	})
	s.Require().NoError(err)
	s.Equal([]string{"UK v1 fixed", "UK v2", "UK v3"}, names(current))

	since, err := s.history(store.HistoryRequest{ObjectID: oid, Versions: interval.Between(between(d2.VersionFrom), time.Time{})})
	s.Require().NoError(err)
	s.Equal([]string{"UK v2", "UK v3"}, names(since))
}

func (s *Suite) TestHistoryIsRestartable() {
	first := s.add(bank("UK", regionGB))
	_, err := s.backend.Update(s.ctx, first.UniqueID, bank("UK v2", regionGB))
	s.Require().NoError(err)

	seq := s.backend.History(s.ctx, store.HistoryRequest{ObjectID: first.ObjectID()})
	for range 2 {
		count := 0
		for _, err := range seq {
			s.Require().NoError(err)
			count++
		}
		s.Equal(2, count)
	}

	for doc, err := range seq {
		s.Require().NoError(err)
		s.Equal(first.UniqueID, doc.UniqueID)
		break
	}
}

func (s *Suite) TestHistoryErrors() {
	_, err := s.history(store.HistoryRequest{ObjectID: ids.MustObjectID(holiday.Scheme, "777")})
	s.ErrorIs(err, sentinel.ErrNotFound)

	first := s.add(bank("UK", regionGB))
	future := s.clock.Current().Add(time.Hour)
	_, err = s.history(store.HistoryRequest{ObjectID: first.ObjectID(), Versions: interval.At(future)})
	s.ErrorIs(err, sentinel.ErrInvalidCoordinate)

	_, err = s.history(store.HistoryRequest{
		ObjectID:    first.ObjectID(),
		Corrections: interval.Between(first.VersionFrom, first.VersionFrom.Add(-time.Second)),
	})
	s.ErrorIs(err, sentinel.ErrValidation)
}

func (s *Suite) TestCancelledContextTimesOut() {
	first := s.add(bank("UK", regionGB))
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()

	_, err := s.backend.Add(ctx, bank("US", regionUS))
	s.ErrorIs(err, sentinel.ErrTimeout)
	_, err = s.backend.Update(ctx, first.UniqueID, bank("UK v2", regionGB))
	s.ErrorIs(err, sentinel.ErrTimeout)
	_, err = s.backend.GetAt(ctx, first.ObjectID(), ids.Latest)
	s.ErrorIs(err, sentinel.ErrTimeout)
	_, err = s.backend.Search(ctx, store.SearchRequest{Paging: store.PagingAll})
	s.ErrorIs(err, sentinel.ErrTimeout)
	for _, err := range s.backend.History(ctx, store.HistoryRequest{ObjectID: first.ObjectID()}) {
		s.ErrorIs(err, sentinel.ErrTimeout)
		break
	}
	s.ErrorIs(s.backend.Ping(ctx), sentinel.ErrTimeout)

	latest := s.getAt(first.ObjectID(), ids.Latest)
	s.Equal("UK", latest.Name())
}
