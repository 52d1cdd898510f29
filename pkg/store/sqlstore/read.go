package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// historyPageSize bounds how many rows History holds at once. No connection
// is held while the caller consumes a page.
const historyPageSize = 256

const documentColumns = "d.doc_id, d.doc_oid, d.ver_from, d.ver_to, d.corr_from, d.corr_to, d.payload"

type scanner interface {
	Scan(dest ...any) error
}

// scanDocument reads one row selected with documentColumns.
func (s *Store[T]) scanDocument(sc scanner) (document.Document[T], error) {
	var r stampRow
	var payload []byte
	if err := sc.Scan(&r.docID, &r.docOID, &r.verFrom, &r.verTo, &r.corrFrom, &r.corrTo, &payload); err != nil {
		return document.Document[T]{}, err
	}
	stamp := r.stamp(s.objectID(r.docOID))
	decoded, err := s.opts.Codec.Decode(payload)
	if err != nil {
		return document.Document[T]{}, fmt.Errorf("%s: %w", stamp.UniqueID, err)
	}
	return document.Document[T]{Stamp: stamp, Fields: s.opts.Index(decoded), Payload: decoded}, nil
}

func (s *Store[T]) Get(ctx context.Context, uid ids.UniqueID) (document.Document[T], error) {
	if err := uid.Validate(); err != nil {
		return document.Document[T]{}, err
	}
	if !uid.IsVersioned() {
		return s.GetAt(ctx, uid.ObjectID(), ids.Latest)
	}
	key, err := s.objectKey(uid.ObjectID())
	if err != nil {
		return document.Document[T]{}, err
	}
	docID, err := s.rowKey(uid)
	if err != nil {
		return document.Document[T]{}, err
	}
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	query := s.q(fmt.Sprintf(`SELECT %s FROM %s d WHERE d.doc_id = ? AND d.doc_oid = ?`, documentColumns, s.tables.document))
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx, query, docID, key))
	if err == sql.ErrNoRows {
		return document.Document[T]{}, fmt.Errorf("%w: %s", sentinel.ErrNotFound, uid)
	}
	if err != nil {
		return document.Document[T]{}, classify(err)
	}
	return doc, nil
}

func (s *Store[T]) GetAt(ctx context.Context, oid ids.ObjectID, vc ids.VersionCorrection) (document.Document[T], error) {
	key, err := s.objectKey(oid)
	if err != nil {
		return document.Document[T]{}, err
	}
	if err := store.CheckContext(ctx); err != nil {
		return document.Document[T]{}, err
	}
	v, c := vc.Resolve(s.opts.Now())
	query := s.q(fmt.Sprintf(`SELECT %s FROM %s d WHERE d.doc_oid = ? AND %s`,
		documentColumns, s.tables.document, pointPredicate))
	doc, err := s.scanDocument(s.db.QueryRowContext(ctx, query, append([]any{key}, pointArgs(v, c)...)...))
	if err == sql.ErrNoRows {
		return document.Document[T]{}, fmt.Errorf("%w: %s at %s", sentinel.ErrNotFound, oid, vc)
	}
	if err != nil {
		return document.Document[T]{}, classify(err)
	}
	return doc, nil
}

func (s *Store[T]) Search(ctx context.Context, req store.SearchRequest) (store.SearchResult[T], error) {
	if err := req.Validate(); err != nil {
		return store.SearchResult[T]{}, err
	}
	if err := store.CheckContext(ctx); err != nil {
		return store.SearchResult[T]{}, err
	}
	v, c := req.VersionCorrection.Resolve(s.opts.Now())
	result := store.SearchResult[T]{Paging: req.Paging}

	q, err := s.compileSearch(req, v, c)
	if err != nil {
		return store.SearchResult[T]{}, err
	}
	if q.empty {
		result.Documents = []document.Document[T]{}
		return result, nil
	}

	tx, err := s.db.BeginTx(ctx, s.readOptions())
	if err != nil {
		return store.SearchResult[T]{}, classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	// Unbounded first pages skip the count: the page is the whole result.
	countAll := !(req.Paging.IsAll() && req.Paging.First == 0)
	if countAll {
		if err := tx.QueryRowContext(ctx, q.count, q.args...).Scan(&result.Total); err != nil {
			return store.SearchResult[T]{}, classify(err)
		}
	}
	result.Documents = []document.Document[T]{}
	if req.Paging.Size == 0 || (countAll && result.Total <= req.Paging.First) {
		return result, nil
	}

	rows, err := tx.QueryContext(ctx, q.page, q.args...)
	if err != nil {
		return store.SearchResult[T]{}, classify(err)
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return store.SearchResult[T]{}, classify(err)
		}
		result.Documents = append(result.Documents, doc)
	}
	if err := rows.Err(); err != nil {
		return store.SearchResult[T]{}, classify(err)
	}
	if !countAll {
		result.Total = len(result.Documents)
	}
	return result, nil
}

// readOptions gives search a consistent snapshot for its count and page
// queries. SQLite transactions are already serializable.
func (s *Store[T]) readOptions() *sql.TxOptions {
	if s.dialect == Postgres {
		return &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return nil
}

func (s *Store[T]) History(ctx context.Context, req store.HistoryRequest) iter.Seq2[document.Document[T], error] {
	return func(yield func(document.Document[T], error) bool) {
		start := s.opts.Now()
		if err := req.Validate(start); err != nil {
			yield(document.Document[T]{}, err)
			return
		}
		key, err := s.objectKey(req.ObjectID)
		if err != nil {
			yield(document.Document[T]{}, err)
			return
		}
		if err := s.objectExists(ctx, key); err != nil {
			yield(document.Document[T]{}, err)
			return
		}

		// Pages are separate queries. Pinning every page to start hides rows
		// and bounds written by writers that commit mid-iteration.
		base, baseArgs := s.compileHistory(key, req)
		base += " AND d.corr_from <= ?"
		baseArgs = append(baseArgs, micros(start))
		var after *stampRow
		for {
			page, err := s.historyPage(ctx, base, baseArgs, after)
			if err != nil {
				yield(document.Document[T]{}, err)
				return
			}
			for _, doc := range page {
				if err := store.CheckContext(ctx); err != nil {
					yield(document.Document[T]{}, err)
					return
				}
				if !yield(asOf(doc, start), nil) {
					return
				}
			}
			if len(page) < historyPageSize {
				return
			}
			last := page[len(page)-1]
			docID, err := s.rowKey(last.UniqueID)
			if err != nil {
				yield(document.Document[T]{}, err)
				return
			}
			after = &stampRow{
				docID:    docID,
				verFrom:  micros(last.VersionFrom),
				corrFrom: micros(last.CorrectionFrom),
			}
		}
	}
}

// asOf reopens bounds written after start, so the document reads as it
// stood at start.
func asOf[T any](doc document.Document[T], start time.Time) document.Document[T] {
	if doc.VersionTo.After(start) {
		doc.VersionTo = document.FarFuture
	}
	if doc.CorrectionTo.After(start) {
		doc.CorrectionTo = document.FarFuture
	}
	return doc
}

// historyPage reads one page of history rows strictly after the cursor.
func (s *Store[T]) historyPage(ctx context.Context, base string, args []any, after *stampRow) ([]document.Document[T], error) {
	query := base
	if after != nil {
		query += " AND (d.ver_from > ? OR (d.ver_from = ? AND (d.corr_from > ? OR (d.corr_from = ? AND d.doc_id > ?))))"
		args = append(args[:len(args):len(args)], after.verFrom, after.verFrom, after.corrFrom, after.corrFrom, after.docID)
	}
	query = s.q(query + fmt.Sprintf(" ORDER BY d.ver_from, d.corr_from, d.doc_id LIMIT %d", historyPageSize))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var page []document.Document[T]
	for rows.Next() {
		doc, err := s.scanDocument(rows)
		if err != nil {
			return nil, classify(err)
		}
		page = append(page, doc)
	}
	return page, classify(rows.Err())
}

func (s *Store[T]) objectExists(ctx context.Context, key int64) error {
	var one int
	query := s.q(fmt.Sprintf(`SELECT 1 FROM %s WHERE doc_oid = ?`, s.tables.object))
	err := s.db.QueryRowContext(ctx, query, key).Scan(&one)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", sentinel.ErrNotFound, s.objectID(key))
	}
	return classify(err)
}
