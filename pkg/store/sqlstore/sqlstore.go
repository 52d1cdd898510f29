// ABOUTME: Durable bitemporal backend on SQLite or PostgreSQL
// ABOUTME: Append-only document rows with a side table of external ids for search

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// DefaultTablePrefix names the tables when Config.TablePrefix is empty.
const DefaultTablePrefix = "hol"

// Config selects the database a Store opens.
type Config struct {
	Dialect     Dialect
	DSN         string
	TablePrefix string
}

// Store is the SQL backend. All timestamps are stored as int64 microseconds
// since the epoch, with document.FarFuture marking open bounds.
type Store[T any] struct {
	db      *sql.DB
	dialect Dialect
	tables  tables
	opts    store.Options[T]
	owned   bool
}

var _ store.Backend[struct{}] = (*Store[struct{}])(nil)

// Open connects to the configured database and migrates the schema.
//
// SQLite connections are configured with:
//   - WAL mode for concurrent reads during writes
//   - a 5-second busy timeout for lock contention
//   - foreign key enforcement
//   - a single open connection, so writers never see SQLITE_BUSY
func Open[T any](ctx context.Context, cfg Config, opts store.Options[T]) (*Store[T], error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("%w: sql store needs a DSN", sentinel.ErrValidation)
	}
	db, err := sql.Open(string(cfg.Dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: connect to database: %v", sentinel.ErrStorageUnavailable, err)
	}
	if cfg.Dialect == SQLite {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		if err := applyPragmas(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	s, err := New(ctx, db, cfg.Dialect, cfg.TablePrefix, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// New wraps an existing connection pool. The caller keeps ownership of db.
func New[T any](ctx context.Context, db *sql.DB, dialect Dialect, prefix string, opts store.Options[T]) (*Store[T], error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	if prefix == "" {
		prefix = DefaultTablePrefix
	}
	if err := validPrefix(prefix); err != nil {
		return nil, err
	}
	opts, err := opts.WithDefaults()
	if err != nil {
		return nil, err
	}
	t := newTables(prefix)
	if err := migrate(ctx, db, dialect, t); err != nil {
		return nil, classify(err)
	}
	return &Store[T]{db: db, dialect: dialect, tables: t, opts: opts}, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// DB returns the underlying pool.
func (s *Store[T]) DB() *sql.DB {
	return s.db
}

func (s *Store[T]) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return classify(err)
	}
	return nil
}

// Close closes the pool if Open created it.
func (s *Store[T]) Close() error {
	if !s.owned || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// objectKey maps an ObjectID to its doc_oid. IDs of other schemes or with
// non-numeric values cannot exist in this store.
func (s *Store[T]) objectKey(oid ids.ObjectID) (int64, error) {
	if err := oid.Validate(); err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(oid.Value, 10, 64)
	if oid.Scheme != s.opts.Scheme || err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s", sentinel.ErrNotFound, oid)
	}
	return n, nil
}

func (s *Store[T]) objectID(key int64) ids.ObjectID {
	return ids.ObjectID{Scheme: s.opts.Scheme, Value: strconv.FormatInt(key, 10)}
}

func (s *Store[T]) rowKey(uid ids.UniqueID) (int64, error) {
	n, err := strconv.ParseInt(uid.Version, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: %s", sentinel.ErrNotFound, uid)
	}
	return n, nil
}

func (s *Store[T]) q(query string) string {
	return s.dialect.rebind(query)
}

func micros(t time.Time) int64 {
	return t.UnixMicro()
}

func instant(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

// stampRow is the scanned form of the interval columns.
type stampRow struct {
	docID, docOID                    int64
	verFrom, verTo, corrFrom, corrTo int64
}

func (r stampRow) stamp(oid ids.ObjectID) document.Stamp {
	return document.Stamp{
		UniqueID:       oid.AtVersion(strconv.FormatInt(r.docID, 10)),
		VersionFrom:    instant(r.verFrom),
		VersionTo:      instant(r.verTo),
		CorrectionFrom: instant(r.corrFrom),
		CorrectionTo:   instant(r.corrTo),
	}
}
