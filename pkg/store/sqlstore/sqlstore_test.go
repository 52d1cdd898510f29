package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/nainya/bitemporal/internal/testutil"
	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/holiday"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/sentinel"
	"github.com/nainya/bitemporal/pkg/store"
	"github.com/nainya/bitemporal/pkg/store/storetest"
)

func sqliteConfig(t *testing.T) Config {
	t.Helper()
	return Config{Dialect: SQLite, DSN: filepath.Join(t.TempDir(), "bitemporal.db")}
}

func TestSQLiteConformance(t *testing.T) {
	suite.Run(t, &storetest.Suite{
		New: func(clock store.Clock) (store.Backend[holiday.Holiday], error) {
			return Open(context.Background(), sqliteConfig(t), storetest.Options(clock))
		},
	})
}

func openSQLite(t *testing.T, cfg Config, clock store.Clock) *Store[holiday.Holiday] {
	t.Helper()
	s, err := Open(context.Background(), cfg, storetest.Options(clock))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsReachCurrentVersion(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, sqliteConfig(t), testutil.NewStepClock())

	version, err := schemaVersion(ctx, s.DB(), s.tables)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	// A second store on the same pool finds nothing to migrate.
	again, err := New(ctx, s.DB(), SQLite, DefaultTablePrefix, storetest.Options(testutil.NewStepClock()))
	require.NoError(t, err)
	version, err = schemaVersion(ctx, again.DB(), again.tables)
	require.NoError(t, err)
	assert.Equal(t, currentSchemaVersion, version)

	var applied int
	require.NoError(t, s.DB().QueryRowContext(ctx, "SELECT COUNT(*) FROM hol_schema_migrations").Scan(&applied))
	assert.Equal(t, len(migrations), applied)
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	cfg := sqliteConfig(t)
	h := holiday.MustNew("UK", holiday.Bank, holiday.WithRegion(ids.ExternalID{Scheme: "ISO3166", Value: "GB"}))

	first, err := Open(ctx, cfg, storetest.Options(testutil.NewStepClock()))
	require.NoError(t, err)
	added, err := first.Add(ctx, h)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	later := testutil.NewStepClockAt(testutil.DefaultStart.Add(time.Hour), time.Second)
	second := openSQLite(t, cfg, later)
	got, err := second.GetAt(ctx, added.ObjectID(), ids.Latest)
	require.NoError(t, err)
	assert.Equal(t, added.UniqueID, got.UniqueID)
	assert.True(t, h.Equal(got.Payload))

	next, err := second.Add(ctx, h)
	require.NoError(t, err)
	assert.NotEqual(t, added.ObjectID(), next.ObjectID())
}

func TestTablePrefixesIsolateStores(t *testing.T) {
	ctx := context.Background()
	base := openSQLite(t, sqliteConfig(t), testutil.NewStepClock())
	other, err := New(ctx, base.DB(), SQLite, "cal", storetest.Options(testutil.NewStepClock()))
	require.NoError(t, err)

	_, err = base.Add(ctx, holiday.MustNew("UK", holiday.Bank, holiday.WithRegion(ids.ExternalID{Scheme: "ISO3166", Value: "GB"})))
	require.NoError(t, err)

	res, err := other.Search(ctx, store.SearchRequest{Paging: store.PagingAll})
	require.NoError(t, err)
	assert.Empty(t, res.Documents)
	assert.Equal(t, 0, res.Total)
}

func TestHistorySpansPages(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, sqliteConfig(t), testutil.NewStepClock())
	exchange := ids.ExternalID{Scheme: "MIC", Value: "XLON"}

	doc, err := s.Add(ctx, holiday.MustNew("v0", holiday.Trading, holiday.WithExchange(exchange)))
	require.NoError(t, err)
	const updates = historyPageSize + 10
	for i := 1; i <= updates; i++ {
		doc, err = s.Update(ctx, doc.UniqueID, holiday.MustNew(fmt.Sprintf("v%d", i), holiday.Trading, holiday.WithExchange(exchange)))
		require.NoError(t, err)
	}

	count := 0
	for got, err := range s.History(ctx, store.HistoryRequest{ObjectID: doc.ObjectID()}) {
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("v%d", count), got.Name)
		count++
	}
	assert.Equal(t, updates+1, count)
}

func TestHistoryIgnoresWritesBetweenPages(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t, sqliteConfig(t), testutil.NewStepClock())
	exchange := ids.ExternalID{Scheme: "MIC", Value: "XLON"}
	named := func(name string) holiday.Holiday {
		return holiday.MustNew(name, holiday.Trading, holiday.WithExchange(exchange))
	}

	doc, err := s.Add(ctx, named("v0"))
	require.NoError(t, err)
	uids := []ids.UniqueID{doc.UniqueID}
	const updates = historyPageSize + 10
	for i := 1; i <= updates; i++ {
		doc, err = s.Update(ctx, doc.UniqueID, named(fmt.Sprintf("v%d", i)))
		require.NoError(t, err)
		uids = append(uids, doc.UniqueID)
	}
	onSecondPage := uids[historyPageSize+1]

	var got []document.Document[holiday.Holiday]
	for row, err := range s.History(ctx, store.HistoryRequest{ObjectID: doc.ObjectID()}) {
		require.NoError(t, err)
		if len(got) == 0 {
			_, err := s.Update(ctx, doc.UniqueID, named("after start"))
			require.NoError(t, err)
			_, err = s.Correct(ctx, onSecondPage, named("corrected after start"))
			require.NoError(t, err)
		}
		got = append(got, row)
	}

	require.Len(t, got, updates+1)
	for i, row := range got {
		assert.Equal(t, fmt.Sprintf("v%d", i), row.Name)
		assert.True(t, row.CorrectionOpen(), "row %d", i)
	}
	assert.True(t, got[updates].VersionOpen())
	assert.Equal(t, onSecondPage, got[historyPageSize+1].UniqueID)

	count := 0
	for _, err := range s.History(ctx, store.HistoryRequest{ObjectID: doc.ObjectID()}) {
		require.NoError(t, err)
		count++
	}
	assert.Equal(t, updates+3, count)
}

func TestOpenValidatesConfig(t *testing.T) {
	ctx := context.Background()
	opts := storetest.Options(testutil.NewStepClock())

	_, err := Open(ctx, Config{Dialect: SQLite}, opts)
	assert.ErrorIs(t, err, sentinel.ErrValidation)

	cfg := sqliteConfig(t)
	cfg.TablePrefix = "Bad-Prefix"
	_, err = Open(ctx, cfg, opts)
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestParseDialect(t *testing.T) {
	for input, want := range map[string]Dialect{"sqlite": SQLite, "SQLITE3": SQLite, "postgresql": Postgres, "pq": Postgres} {
		got, err := ParseDialect(input)
		require.NoError(t, err, input)
		assert.Equal(t, want, got)
	}
	_, err := ParseDialect("mysql")
	assert.ErrorIs(t, err, sentinel.ErrValidation)
}

func TestRebind(t *testing.T) {
	query := "SELECT 1 FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, query, SQLite.rebind(query))
	assert.Equal(t, "SELECT 1 FROM t WHERE a = $1 AND b IN ($2, $3)", Postgres.rebind(query))
}

func TestLimit(t *testing.T) {
	assert.Equal(t, " LIMIT 10 OFFSET 20", SQLite.limit(20, 10))
	assert.Equal(t, " LIMIT -1 OFFSET 5", SQLite.limit(5, -1))
	assert.Equal(t, " OFFSET 5", Postgres.limit(5, -1))
}

func TestLikePattern(t *testing.T) {
	tests := map[string]string{
		"UK*":      "UK%",
		"U? bank":  "U_ bank",
		"100%":     `100\%`,
		"a_b":      `a\_b`,
		`back\sl*`: `back\\sl%`,
	}
	for wildcard, want := range tests {
		assert.Equal(t, want, likePattern(wildcard), wildcard)
	}
}

func TestRangeClause(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	where, args := rangeClause(interval.Range{}, "f", "t")
	assert.Empty(t, where)
	assert.Empty(t, args)

	where, args = rangeClause(interval.At(t0), "f", "t")
	assert.Equal(t, []string{"f <= ?", "? < t"}, where)
	assert.Equal(t, []any{t0.UnixMicro(), t0.UnixMicro()}, args)

	where, args = rangeClause(interval.Between(t0, t1), "f", "t")
	assert.Equal(t, []string{"f < ?", "? < t"}, where)
	assert.Equal(t, []any{t1.UnixMicro(), t0.UnixMicro()}, args)
}

func TestValidPrefix(t *testing.T) {
	for _, ok := range []string{"hol", "cal_2", "_x"} {
		assert.NoError(t, validPrefix(ok), ok)
	}
	for _, bad := range []string{"", "2cal", "Hol", "hol;drop", "a-b"} {
		assert.ErrorIs(t, validPrefix(bad), sentinel.ErrValidation, bad)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, sentinel.ErrConcurrentModification},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, sentinel.ErrConcurrentModification},
		{"sqlite interrupt", sqlite3.Error{Code: sqlite3.ErrInterrupt}, sentinel.ErrTimeout},
		{"sqlite io", sqlite3.Error{Code: sqlite3.ErrIoErr}, sentinel.ErrStorageUnavailable},
		{"pq unique", &pq.Error{Code: "23505"}, sentinel.ErrConcurrentModification},
		{"pq serialization", &pq.Error{Code: "40001"}, sentinel.ErrConcurrentModification},
		{"pq cancel", &pq.Error{Code: "57014"}, sentinel.ErrTimeout},
		{"pq connection", &pq.Error{Code: "08006"}, sentinel.ErrStorageUnavailable},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), sentinel.ErrTimeout},
		{"other", errors.New("boom"), sentinel.ErrStorageUnavailable},
		{"sentinel", fmt.Errorf("%w: gone", sentinel.ErrNotFound), sentinel.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))

	invariant := &interval.InvariantError{Reason: "overlap"}
	var got *interval.InvariantError
	assert.ErrorAs(t, classify(invariant), &got)
}
