package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
)

// Dialect selects the SQL flavour and the database/sql driver name.
type Dialect string

const (
	SQLite   Dialect = "sqlite3"
	Postgres Dialect = "postgres"
)

// ParseDialect accepts the driver names and a few aliases.
func ParseDialect(s string) (Dialect, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return SQLite, nil
	case "postgres", "postgresql", "pq":
		return Postgres, nil
	}
	return "", fmt.Errorf("%w: unknown sql dialect %q", sentinel.ErrValidation, s)
}

// farFuture is document.FarFuture as stored.
var farFuture = document.FarFuture.UnixMicro()

// rebind rewrites '?' placeholders to the dialect's form.
func (d Dialect) rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lockRows is appended to the stamp load of a write so concurrent writers
// of one object queue behind each other. SQLite serializes writers anyway.
func (d Dialect) lockRows() string {
	if d == Postgres {
		return " FOR UPDATE"
	}
	return ""
}

// limit renders a LIMIT/OFFSET clause. size < 0 means no limit.
func (d Dialect) limit(first, size int) string {
	switch {
	case size >= 0:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", size, first)
	case d == SQLite:
		return fmt.Sprintf(" LIMIT -1 OFFSET %d", first)
	default:
		return fmt.Sprintf(" OFFSET %d", first)
	}
}

// nameOrder is the ORDER BY term for names: plain byte order in both dialects.
func (d Dialect) nameOrder() string {
	if d == Postgres {
		return `d.name COLLATE "C"`
	}
	return "d.name"
}

func (d Dialect) autoID() string {
	if d == Postgres {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

func (d Dialect) blob() string {
	if d == Postgres {
		return "BYTEA"
	}
	return "BLOB"
}

// classify maps a driver error onto the sentinel taxonomy. Errors already
// carrying a sentinel pass through.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{
		sentinel.ErrValidation, sentinel.ErrNotFound, sentinel.ErrConcurrentModification,
		sentinel.ErrTimeout, sentinel.ErrStorageUnavailable,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	var invariant *interval.InvariantError
	if errors.As(err, &invariant) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return store.ContextError(err)
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch {
		case sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique,
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey:
			return fmt.Errorf("%w: %v", sentinel.ErrConcurrentModification, err)
		case sqliteErr.Code == sqlite3.ErrInterrupt:
			return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", sentinel.ErrStorageUnavailable, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return fmt.Errorf("%w: %v", sentinel.ErrConcurrentModification, err)
		case "57014": // query_canceled
			return fmt.Errorf("%w: %v", sentinel.ErrTimeout, err)
		}
		return fmt.Errorf("%w: %v", sentinel.ErrStorageUnavailable, err)
	}
	return fmt.Errorf("%w: %v", sentinel.ErrStorageUnavailable, err)
}

// validPrefix restricts table prefixes to plain lower-case identifiers,
// since they are interpolated into DDL.
func validPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("%w: table prefix must not be empty", sentinel.ErrValidation)
	}
	for i, r := range prefix {
		switch {
		case r >= 'a' && r <= 'z', r == '_':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return fmt.Errorf("%w: invalid table prefix %q", sentinel.ErrValidation, prefix)
		}
	}
	return nil
}
