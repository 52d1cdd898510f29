package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

type planner func([]document.Stamp, time.Time) (interval.Plan, error)

// write is one pending row: encoded payload plus its indexed fields.
type write struct {
	payload []byte
	fields  document.Fields
}

func (s *Store[T]) Add(ctx context.Context, payload T) (document.Document[T], error) {
	w, err := s.encode(payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	var inserted document.Stamp
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var key int64
		alloc := s.q(fmt.Sprintf(`INSERT INTO %s (created_at) VALUES (?) RETURNING doc_oid`, s.tables.object))
		if err := tx.QueryRowContext(ctx, alloc, time.Now().UnixMicro()).Scan(&key); err != nil {
			return fmt.Errorf("allocate object id: %w", err)
		}
		oid := s.objectID(key)
		_, inserted, err = s.execute(ctx, tx, oid, key, nil, func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
			return interval.Add(rows, oid, now)
		}, w)
		return err
	})
	if err != nil {
		return document.Document[T]{}, err
	}
	return s.written(inserted, w)
}

func (s *Store[T]) Update(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	return s.replace(ctx, uid, payload, interval.Update)
}

func (s *Store[T]) Correct(ctx context.Context, uid ids.UniqueID, payload T) (document.Document[T], error) {
	return s.replace(ctx, uid, payload, interval.Correct)
}

func (s *Store[T]) replace(ctx context.Context, uid ids.UniqueID, payload T,
	plan func([]document.Stamp, ids.UniqueID, time.Time) (interval.Plan, error)) (document.Document[T], error) {
	w, err := s.encode(payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	var inserted document.Stamp
	err = s.mutate(ctx, uid.ObjectID(), func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
		return plan(rows, uid, now)
	}, &w, func(_ interval.Plan, stamp document.Stamp) { inserted = stamp })
	if err != nil {
		return document.Document[T]{}, err
	}
	return s.written(inserted, w)
}

// written returns the stored form of a row this store just inserted.
func (s *Store[T]) written(stamp document.Stamp, w write) (document.Document[T], error) {
	decoded, err := s.opts.Codec.Decode(w.payload)
	if err != nil {
		return document.Document[T]{}, err
	}
	return document.Document[T]{Stamp: stamp, Fields: w.fields, Payload: decoded}, nil
}

func (s *Store[T]) Remove(ctx context.Context, uid ids.UniqueID) (document.Stamp, error) {
	var closed document.Stamp
	err := s.mutate(ctx, uid.ObjectID(), func(rows []document.Stamp, now time.Time) (interval.Plan, error) {
		return interval.Remove(rows, uid, now)
	}, nil, func(plan interval.Plan, _ document.Stamp) {
		closed = plan.Target
		closed.VersionTo = plan.Closures[0].At
	})
	return closed, err
}

// mutate runs plan against the stored rows of an existing object in one
// transaction.
func (s *Store[T]) mutate(ctx context.Context, oid ids.ObjectID, plan planner, w *write,
	done func(interval.Plan, document.Stamp)) error {
	key, err := s.objectKey(oid)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stamps, err := s.loadStamps(ctx, tx, oid, key)
		if err != nil {
			return err
		}
		if len(stamps) == 0 {
			return fmt.Errorf("%w: %s", sentinel.ErrNotFound, oid)
		}
		var pending write
		if w != nil {
			pending = *w
		}
		p, inserted, err := s.execute(ctx, tx, oid, key, stamps, plan, pending)
		if err != nil {
			return err
		}
		done(p, inserted)
		return nil
	})
}

// execute plans, checks the resulting rows and writes the plan: closures as
// conditional updates, then the insert.
func (s *Store[T]) execute(ctx context.Context, tx *sql.Tx, oid ids.ObjectID, key int64,
	stamps []document.Stamp, plan planner, w write) (interval.Plan, document.Stamp, error) {
	p, err := plan(stamps, s.opts.Now())
	if err != nil {
		return p, document.Stamp{}, err
	}
	if err := interval.CheckPlan(stamps, p); err != nil {
		return p, document.Stamp{}, fmt.Errorf("%s on %s: %w", p.Op, oid, err)
	}

	for _, c := range p.Closures {
		if err := s.close(ctx, tx, c); err != nil {
			return p, document.Stamp{}, err
		}
	}
	if p.Insert == nil {
		return p, document.Stamp{}, nil
	}

	insert := s.q(fmt.Sprintf(`INSERT INTO %s
		(doc_oid, ver_from, ver_to, corr_from, corr_to, name, doc_type, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?) RETURNING doc_id`, s.tables.document))
	var docID int64
	err = tx.QueryRowContext(ctx, insert, key,
		micros(p.Insert.VersionFrom), micros(p.Insert.VersionTo),
		micros(p.Insert.CorrectionFrom), micros(p.Insert.CorrectionTo),
		w.fields.Name, w.fields.Type, w.payload).Scan(&docID)
	if err != nil {
		return p, document.Stamp{}, fmt.Errorf("insert row of %s: %w", oid, err)
	}

	idkey := s.q(fmt.Sprintf(`INSERT INTO %s (doc_id, id_scheme, id_value) VALUES (?, ?, ?)`, s.tables.idkey))
	for _, id := range w.fields.ExternalIDs.IDs() {
		if _, err := tx.ExecContext(ctx, idkey, docID, id.Scheme, id.Value); err != nil {
			return p, document.Stamp{}, fmt.Errorf("insert external id %s: %w", id, err)
		}
	}

	inserted := *p.Insert
	inserted.UniqueID = oid.AtVersion(strconv.FormatInt(docID, 10))
	return p, inserted, nil
}

// close writes one "to" bound. The update only matches while the bound is
// still open, so a row closed by a racing writer affects zero rows.
func (s *Store[T]) close(ctx context.Context, tx *sql.Tx, c interval.Closure) error {
	docID, err := strconv.ParseInt(c.Version, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: row token %q", sentinel.ErrNotFound, c.Version)
	}
	var query string
	switch c.Axis {
	case interval.VersionAxis:
		query = fmt.Sprintf(`UPDATE %s SET ver_to = ? WHERE doc_id = ? AND ver_to = %d AND corr_to = %d`,
			s.tables.document, farFuture, farFuture)
	case interval.CorrectionAxis:
		query = fmt.Sprintf(`UPDATE %s SET corr_to = ? WHERE doc_id = ? AND corr_to = %d`,
			s.tables.document, farFuture)
	}
	res, err := tx.ExecContext(ctx, s.q(query), micros(c.At), docID)
	if err != nil {
		return fmt.Errorf("close %s of row %d: %w", c.Axis, docID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("%w: row %d was modified concurrently", sentinel.ErrConcurrentModification, docID)
	}
	return nil
}

// loadStamps reads the interval columns of every row of one object.
func (s *Store[T]) loadStamps(ctx context.Context, tx *sql.Tx, oid ids.ObjectID, key int64) ([]document.Stamp, error) {
	query := s.q(fmt.Sprintf(`SELECT doc_id, doc_oid, ver_from, ver_to, corr_from, corr_to
		FROM %s WHERE doc_oid = ? ORDER BY ver_from, corr_from, doc_id`, s.tables.document) + s.dialect.lockRows())
	rows, err := tx.QueryContext(ctx, query, key)
	if err != nil {
		return nil, fmt.Errorf("load rows of %s: %w", oid, err)
	}
	defer rows.Close()

	var stamps []document.Stamp
	for rows.Next() {
		var r stampRow
		if err := rows.Scan(&r.docID, &r.docOID, &r.verFrom, &r.verTo, &r.corrFrom, &r.corrTo); err != nil {
			return nil, err
		}
		stamps = append(stamps, r.stamp(oid))
	}
	return stamps, rows.Err()
}

// inTx runs fn in a transaction, committing only when fn succeeds. Errors
// leave through classify.
func (s *Store[T]) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	if err := store.CheckContext(ctx); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (s *Store[T]) encode(payload T) (write, error) {
	data, err := s.opts.Codec.Encode(payload)
	if err != nil {
		return write{}, err
	}
	return write{payload: data, fields: s.opts.Index(payload)}, nil
}
