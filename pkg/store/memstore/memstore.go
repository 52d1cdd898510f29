// ABOUTME: In-memory bitemporal backend with lock-free reads
// ABOUTME: Each object holds an immutable row snapshot swapped atomically by its writer

package memstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// checkEvery is how many candidates a search visits between context checks.
const checkEvery = 256

type row struct {
	stamp   document.Stamp
	fields  document.Fields
	payload []byte
}

// entry is one object. Writers hold mu for the whole plan/apply/publish
// cycle; readers only load rows.
type entry struct {
	mu   sync.Mutex
	rows atomic.Pointer[[]row]
}

func (e *entry) snapshot() []row {
	if p := e.rows.Load(); p != nil {
		return *p
	}
	return nil
}

// Store is the in-memory backend.
type Store[T any] struct {
	opts    store.Options[T]
	objects sync.Map // ids.ObjectID -> *entry
	nextOID atomic.Int64
	nextRow atomic.Int64
}

var _ store.Backend[struct{}] = (*Store[struct{}])(nil)

// New creates an empty store.
func New[T any](opts store.Options[T]) (*Store[T], error) {
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}
	return &Store[T]{opts: opts}, nil
}

func (s *Store[T]) Add(ctx context.Context, payload T) (document.Document[T], error) {
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	data, fields, err := s.encode(payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	oid := ids.ObjectID{Scheme: s.opts.Scheme, Value: strconv.FormatInt(s.nextOID.Add(1), 10)}
	e := &entry{}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, loaded := s.objects.LoadOrStore(oid, e); loaded {
		return document.Document[T]{}, fmt.Errorf("%w: object %s already exists", sentinel.ErrConcurrentModification, oid)
	}
	inserted, err := s.commit(e, oid, func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
		return interval.Add(rows, oid, now)
	}, data, fields)
	if err != nil {
		s.objects.Delete(oid)
		return document.Document[T]{}, err
	}
	return s.decode(inserted)
}

func (s *Store[T]) Update(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	return s.replace(ctx, uid, payload, interval.Update)
}

func (s *Store[T]) Correct(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	return s.replace(ctx, uid, payload, interval.Correct)
}

func (s *Store[T]) replace(ctx context.Context, uid ids.UniqueID, payload T,
	planner func([]document.Stamp, ids.UniqueID, time.Time) (interval.Plan, error)) (document.Document[T], error) {
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	data, fields, err := s.encode(payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	e, err := s.entry(uid.ObjectID())
	if err != nil {
		return document.Document[T]{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	inserted, err := s.commit(e, uid.ObjectID(), func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
		return planner(rows, uid, now)
	}, data, fields)
	if err != nil {
		return document.Document[T]{}, err
	}
	return s.decode(inserted)
}

func (s *Store[T]) Remove(ctx context.Context, uid ids.UniqueID) (document.Stamp, error) {
	if err := store.CheckContext(ctx); err != nil {
		return document.Stamp{}, err
	}
	e, err := s.entry(uid.ObjectID())
	if err != nil {
		return document.Stamp{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var closed document.Stamp
	_, err = s.commit(e, uid.ObjectID(), func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
		plan, err := interval.Remove(rows, uid, now)
		closed = plan.Target
		closed.VersionTo = now
		return plan, err
	}, nil, document.Fields{})
	if err != nil {
		return document.Stamp{}, err
	}
	return closed, nil
}

// commit plans against the entry's current rows and publishes the result.
// The caller holds e.mu.
func (s *Store[T]) commit(e *entry, oid ids.ObjectID,
	planner func([]document.Stamp, time.Time) (interval.Plan, error),
	payload []byte, fields document.Fields) (row, error) {
	current := e.snapshot()
	stamps := make([]document.Stamp, len(current))
	byVersion := make(map[string]row, len(current)+1)
	for i, r := range current {
		stamps[i] = r.stamp
		byVersion[r.stamp.UniqueID.Version] = r
	}

	plan, err := planner(stamps, s.opts.Now())
	if err != nil {
		return row{}, err
	}
	if err := interval.CheckPlan(stamps, plan); err != nil {
		return row{}, fmt.Errorf("%s on %s: %w", plan.Op, oid, err)
	}
	version := strconv.FormatInt(s.nextRow.Add(1), 10)
	next, err := interval.Apply(stamps, plan, version)
	if err != nil {
		return row{}, err
	}

	var inserted row
	if plan.Insert != nil {
		inserted = row{payload: payload, fields: fields}
		byVersion[version] = inserted
	}
	rows := make([]row, len(next))
	for i, stamp := range next {
		r := byVersion[stamp.UniqueID.Version]
		r.stamp = stamp
		rows[i] = r
		if stamp.UniqueID.Version == version {
			inserted = r
		}
	}
	e.rows.Store(&rows)
	return inserted, nil
}

func (s *Store[T]) Get(ctx context.Context, uid ids.UniqueID) (document.Document[T], error) {
	if err := uid.Validate(); err != nil {
		return document.Document[T]{}, err
	}
	if !uid.IsVersioned() {
		return s.GetAt(ctx, uid.ObjectID(), ids.Latest)
	}
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	e, err := s.entry(uid.ObjectID())
	if err != nil {
		return document.Document[T]{}, err
	}
	for _, r := range e.snapshot() {
		if r.stamp.UniqueID == uid {
			return s.decode(r)
		}
	}
	return document.Document[T]{}, fmt.Errorf("%w: %s", sentinel.ErrNotFound, uid)
}

func (s *Store[T]) GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (document.Document[T], error) {
	if err := oid.Validate(); err != nil {
		return document.Document[T]{}, err
	}
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	v, c := vc.Resolve(s.opts.Now())
	e, err := s.entry(oid)
	if err != nil {
		return document.Document[T]{}, err
	}
	r, ok := lookup(e.snapshot(), v, c)
	if !ok {
		return document.Document[T]{}, fmt.Errorf("%w: %s at %s", sentinel.ErrNotFound, oid, vc)
	}
	return s.decode(r)
}

func (s *Store[T]) Search(ctx context.Context, req store.SearchRequest) (store.SearchResult[T], error) {
	if err := req.Validate(); err != nil {
		return store.SearchResult[T]{}, err
	}
	matcher, err := store.NewMatcher(req.Filter)
	if err != nil {
		return store.SearchResult[T]{}, err
	}
	v, c := req.VersionCorrection.Resolve(s.opts.Now())

	type candidate struct {
		doc document.Document[T]
		row row
	}
	var candidates []candidate
	visited := 0
	visit := func(oid ids.ObjectID, e *entry) error {
		visited++
		if visited%checkEvery == 0 {
			if err := store.CheckContext(ctx); err != nil {
				return err
			}
		}
		if !matcher.MatchObject(oid) {
			return nil
		}
		r, ok := lookup(e.snapshot(), v, c)
		if !ok || !matcher.Match(r.fields) {
			return nil
		}
		candidates = append(candidates, candidate{
			doc: document.Document[T]{Stamp: r.stamp, Fields: r.fields},
			row: r,
		})
		return nil
	}

	if err := store.CheckContext(ctx); err != nil {
		return store.SearchResult[T]{}, err
	}
	if req.ObjectIDs != nil {
		for _, oid := range slices.Compact(slices.SortedFunc(slices.Values(req.ObjectIDs), ids.ObjectID.Compare)) {
			if value, ok := s.objects.Load(oid); ok {
				if err := visit(oid, value.(*entry)); err != nil {
					return store.SearchResult[T]{}, err
				}
			}
		}
	} else {
		s.objects.Range(func(key, value any) bool {
			err = visit(key.(ids.ObjectID), value.(*entry))
			return err == nil
		})
		if err != nil {
			return store.SearchResult[T]{}, err
		}
	}

	compare := store.CompareFunc[T](req.Sort)
	slices.SortFunc(candidates, func(a, b candidate) int { return compare(a.doc, b.doc) })

	result := store.SearchResult[T]{Paging: req.Paging, Total: len(candidates)}
	start, end := req.Paging.Window(len(candidates))
	result.Documents = make([]document.Document[T], 0, end-start)
	for _, cand := range candidates[start:end] {
		doc, err := s.decode(cand.row)
		if err != nil {
			return store.SearchResult[T]{}, err
		}
		result.Documents = append(result.Documents, doc)
	}
	if err := store.CheckContext(ctx); err != nil {
		return store.SearchResult[T]{}, err
	}
	return result, nil
}

func (s *Store[T]) History(ctx context.Context, req store.HistoryRequest) iter.Seq2[document.Document[T], error] {
	return func(yield func(document.Document[T], error) bool) {
		if err := req.Validate(s.opts.Now()); err != nil {
			yield(document.Document[T]{}, err)
			return
		}
		e, err := s.entry(req.ObjectID)
		if err != nil {
			yield(document.Document[T]{}, err)
			return
		}
		for _, r := range e.snapshot() {
			if err := store.CheckContext(ctx); err != nil {
				yield(document.Document[T]{}, err)
				return
			}
			if !interval.InHistory(r.stamp, req.Versions, req.Corrections) {
				continue
			}
			doc, err := s.decode(r)
			if !yield(doc, err) || err != nil {
				return
			}
		}
	}
}

func (s *Store[T]) Ping(ctx context.Context) error {
	return store.CheckContext(ctx)
}

func (s *Store[T]) Close() error {
	return nil
}

func (s *Store[T]) entry(oid ids.ObjectID) (*entry, error) {
	value, ok := s.objects.Load(oid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", sentinel.ErrNotFound, oid)
	}
	return value.(*entry), nil
}

func (s *Store[T]) encode(payload T) ([]byte, document.Fields, error) {
	data, err := s.opts.Codec.Encode(payload)
	if err != nil {
		return nil, document.Fields{}, err
	}
	return data, s.opts.Index(payload), nil
}

// decode builds a caller-owned copy of a stored row.
func (s *Store[T]) decode(r row) (document.Document[T], error) {
	payload, err := s.opts.Codec.Decode(r.payload)
	if err != nil {
		return document.Document[T]{}, fmt.Errorf("%s: %w", r.stamp.UniqueID, err)
	}
	return document.Document[T]{Stamp: r.stamp, Fields: r.fields, Payload: payload}, nil
}

func lookup(rows []row, versionAsOf, correctedTo time.Time) (row, bool) {
	for _, r := range rows {
		if r.stamp.Contains(versionAsOf, correctedTo) {
			return r, true
		}
	}
	return row{}, false
}
