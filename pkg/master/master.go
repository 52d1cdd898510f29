// ABOUTME: Master facade over a store backend: validation, deadlines, logging, metrics
// ABOUTME: Publishes change events to subscribers after every committed write

package master

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/nainya/bitemporal/internal/logger"
	"github.com/nainya/bitemporal/internal/metrics"
	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// DefaultQueryTimeout bounds every operation whose context has no earlier
// deadline.
const DefaultQueryTimeout = 30 * time.Second

// Options configure a Master.
type Options[T any] struct {
	// Scheme is the ObjectID scheme the backend allocates. Identifiers of any
	// other scheme are rejected as invalid.
	Scheme string
	// Validator checks payloads before Add, Update and Correct.
	Validator func(T) error
	// QueryTimeout defaults to DefaultQueryTimeout.
	QueryTimeout time.Duration
	// Backend names the backend in logs.
	Backend string
	Logger  *logger.Logger
	// Metrics is optional.
	Metrics *metrics.Metrics
}

// Master is the entry point applications use. It is safe for concurrent use.
type Master[T any] struct {
	backend   store.Backend[T]
	opts      Options[T]
	log       *logger.Logger
	listeners listeners
}

// New wraps backend.
func New[T any](backend store.Backend[T], opts Options[T]) (*Master[T], error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: master needs a backend", sentinel.ErrValidation)
	}
	if _, err := ids.NewObjectID(opts.Scheme, "0"); err != nil {
		return nil, fmt.Errorf("master scheme: %w", err)
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = DefaultQueryTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	return &Master[T]{
		backend: backend,
		opts:    opts,
		log:     opts.Logger.StoreLogger(opts.Backend, opts.Scheme),
	}, nil
}

// Subscribe registers fn for change events and returns a function that
// removes it.
func (m *Master[T]) Subscribe(fn Listener) (unsubscribe func()) {
	return m.listeners.add(fn)
}

func (m *Master[T]) Add(ctx context.Context, payload T) (doc document.Document[T], err error) {
	defer m.observe("add", "", time.Now(), 1, &err)
	if err = m.validate(payload); err != nil {
		return doc, err
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()

	if doc, err = m.backend.Add(ctx, payload); err != nil {
		return doc, err
	}
	m.publish(ChangeEvent{
		Type:        Added,
		ObjectID:    doc.ObjectID(),
		After:       doc.UniqueID,
		VersionFrom: doc.VersionFrom,
		VersionTo:   doc.VersionTo,
		At:          doc.VersionFrom,
	})
	return doc, nil
}

// Get returns the row uid names, or the current row for an unversioned uid.
func (m *Master[T]) Get(ctx context.Context, uid ids.UniqueID) (doc document.Document[T], err error) {
	defer m.observe("get", uid.String(), time.Now(), 1, &err)
	if err = m.checkUniqueID(uid, false); err != nil {
		return doc, err
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()
	return m.backend.Get(ctx, uid)
}

// GetAt returns the row of oid answering vc.
func (m *Master[T]) GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (doc document.Document[T], err error) {
	defer m.observe("get_at", oid.String(), time.Now(), 1, &err)
	if err = m.checkObjectID(oid); err != nil {
		return doc, err
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()
	return m.backend.GetAt(ctx, oid, vc)
}

// GetMany fetches several rows. Identifiers with no matching row are left
// out of the result; any other failure aborts the call.
func (m *Master[T]) GetMany(ctx context.Context, uids []ids.UniqueID) (docs map[ids.UniqueID]document.Document[T], err error) {
	defer func(start time.Time) { m.observe("get_many", "", start, len(docs), &err) }(time.Now())
	for _, uid := range uids {
		if err = m.checkUniqueID(uid, false); err != nil {
			return nil, err
		}
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()

	docs = make(map[ids.UniqueID]document.Document[T], len(uids))
	for _, uid := range uids {
		doc, err := m.backend.Get(ctx, uid)
		if errors.Is(err, sentinel.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", uid, err)
		}
		docs[uid] = doc
	}
	return docs, nil
}

// Update replaces the current version. uid must name the current row.
func (m *Master[T]) Update(ctx context.Context, uid ids.UniqueID, payload T) (doc document.Document[T], err error) {
	defer m.observe("update", uid.String(), time.Now(), 1, &err)
	if doc, err = m.replace(ctx, uid, payload, m.backend.Update); err != nil {
		return doc, err
	}
	m.publish(ChangeEvent{
		Type:        Changed,
		ObjectID:    doc.ObjectID(),
		Before:      uid,
		After:       doc.UniqueID,
		VersionFrom: doc.VersionFrom,
		VersionTo:   doc.VersionTo,
		At:          doc.VersionFrom,
	})
	return doc, nil
}

// Correct replaces the row uid names on the correction axis.
func (m *Master[T]) Correct(ctx context.Context, uid ids.UniqueID, payload T) (doc document.Document[T], err error) {
	defer m.observe("correct", uid.String(), time.Now(), 1, &err)
	if doc, err = m.replace(ctx, uid, payload, m.backend.Correct); err != nil {
		return doc, err
	}
	m.publish(ChangeEvent{
		Type:        Changed,
		ObjectID:    doc.ObjectID(),
		Before:      uid,
		After:       doc.UniqueID,
		VersionFrom: doc.VersionFrom,
		VersionTo:   doc.VersionTo,
		At:          doc.CorrectionFrom,
	})
	return doc, nil
}

func (m *Master[T]) replace(ctx context.Context, uid ids.UniqueID, payload T,
	write func(context.Context, ids.UniqueID, T) (document.Document[T], error)) (document.Document[T], error) {
	if err := m.checkUniqueID(uid, true); err != nil {
		return document.Document[T]{}, err
	}
	if err := m.validate(payload); err != nil {
		return document.Document[T]{}, err
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()
	return write(ctx, uid, payload)
}

// Remove ends the current version. An unversioned uid removes whatever is
// current.
func (m *Master[T]) Remove(ctx context.Context, uid ids.UniqueID) (err error) {
	defer m.observe("remove", uid.String(), time.Now(), 1, &err)
	if err = m.checkUniqueID(uid, false); err != nil {
		return err
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()

	closed, err := m.backend.Remove(ctx, uid)
	if err != nil {
		return err
	}
	m.publish(ChangeEvent{
		Type:        Removed,
		ObjectID:    closed.ObjectID(),
		Before:      closed.UniqueID,
		VersionFrom: closed.VersionFrom,
		VersionTo:   closed.VersionTo,
		At:          closed.VersionTo,
	})
	return nil
}

// Search returns one page of matching documents.
func (m *Master[T]) Search(ctx context.Context, req store.SearchRequest) (res store.SearchResult[T], err error) {
	defer func(start time.Time) { m.observe("search", "", start, len(res.Documents), &err) }(time.Now())
	for _, oid := range req.ObjectIDs {
		if err = m.checkObjectID(oid); err != nil {
			return res, err
		}
	}
	ctx, cancel := m.deadline(ctx)
	defer cancel()

	if res, err = m.backend.Search(ctx, req); err != nil {
		return res, err
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordSearch(len(res.Documents))
	}
	return res, nil
}

// History yields the stored rows of one object. The query deadline applies
// to each iteration as a whole.
func (m *Master[T]) History(ctx context.Context, req store.HistoryRequest) iter.Seq2[document.Document[T], error] {
	return func(yield func(document.Document[T], error) bool) {
		start := time.Now()
		count := 0
		var err error
		defer func() { m.observe("history", req.ObjectID.String(), start, count, &err) }()

		if err = m.checkObjectID(req.ObjectID); err != nil {
			yield(document.Document[T]{}, err)
			return
		}
		ctx, cancel := m.deadline(ctx)
		defer cancel()

		for doc, rowErr := range m.backend.History(ctx, req) {
			if rowErr != nil {
				err = rowErr
				yield(doc, rowErr)
				return
			}
			count++
			if m.opts.Metrics != nil {
				m.opts.Metrics.RecordHistoryRow()
			}
			if !yield(doc, nil) {
				return
			}
		}
	}
}

// Ping checks the backend.
func (m *Master[T]) Ping(ctx context.Context) error {
	ctx, cancel := m.deadline(ctx)
	defer cancel()
	return m.backend.Ping(ctx)
}

// Close closes the backend.
func (m *Master[T]) Close() error {
	return m.backend.Close()
}

func (m *Master[T]) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, m.opts.QueryTimeout)
}

func (m *Master[T]) validate(payload T) error {
	if m.opts.Validator == nil {
		return nil
	}
	if err := m.opts.Validator(payload); err != nil {
		if !errors.Is(err, sentinel.ErrValidation) {
			err = fmt.Errorf("%w: %v", sentinel.ErrValidation, err)
		}
		return err
	}
	return nil
}

func (m *Master[T]) checkObjectID(oid ids.ObjectID) error {
	if err := oid.Validate(); err != nil {
		return err
	}
	if oid.Scheme != m.opts.Scheme {
		return fmt.Errorf("%w: %s does not belong to scheme %s", sentinel.ErrValidation, oid, m.opts.Scheme)
	}
	return nil
}

func (m *Master[T]) checkUniqueID(uid ids.UniqueID, versioned bool) error {
	if err := uid.Validate(); err != nil {
		return err
	}
	if versioned && !uid.IsVersioned() {
		return fmt.Errorf("%w: %s must name a version", sentinel.ErrValidation, uid)
	}
	return m.checkObjectID(uid.ObjectID())
}

func (m *Master[T]) publish(event ChangeEvent) {
	for _, fn := range m.listeners.snapshot() {
		fn(event)
	}
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordChangeEvent(event.Type.String())
	}
}

func (m *Master[T]) observe(op, target string, start time.Time, count int, errp *error) {
	duration := time.Since(start)
	err := *errp
	if err != nil {
		count = 0
	}
	m.log.LogStoreOperation(op, target, duration, count, err)
	if m.opts.Metrics != nil {
		m.opts.Metrics.RecordStoreOperation(op, sentinel.Kind(err), duration)
	}
}
