package sqlstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
	"github.com/nainya/bitemporal/pkg/store"
)

// pointPredicate selects rows containing a fixed (version, correction)
// coordinate. Its arguments come from pointArgs.
const pointPredicate = "d.ver_from <= ? AND ? < d.ver_to AND d.corr_from <= ? AND ? < d.corr_to"

func pointArgs(v, c time.Time) []any {
	return []any{micros(v), micros(v), micros(c), micros(c)}
}

// compiled is a search rendered to SQL. empty means nothing can match and
// no query is needed.
type compiled struct {
	count string
	page  string
	args  []any
	empty bool
}

// compileSearch renders the filter, sort and paging of req. The count and
// page queries share one argument list.
func (s *Store[T]) compileSearch(req store.SearchRequest, v, c time.Time) (compiled, error) {
	where := []string{pointPredicate}
	args := pointArgs(v, c)

	if req.ObjectIDs != nil {
		keys := make([]any, 0, len(req.ObjectIDs))
		for _, oid := range req.ObjectIDs {
			if key, err := s.objectKey(oid); err == nil {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			return compiled{empty: true}, nil
		}
		where = append(where, "d.doc_oid IN ("+placeholders(len(keys))+")")
		args = append(args, keys...)
	}
	if req.Name != "" {
		where = append(where, `UPPER(d.name) LIKE UPPER(?) ESCAPE '\'`)
		args = append(args, likePattern(req.Name))
	}
	if req.Type != "" {
		where = append(where, "d.doc_type = ?")
		args = append(args, req.Type)
	}
	if req.ExternalIDs != nil {
		clause, idArgs := s.externalIDClause(*req.ExternalIDs)
		where = append(where, clause)
		args = append(args, idArgs...)
	}

	from := fmt.Sprintf(" FROM %s d WHERE %s", s.tables.document, strings.Join(where, " AND "))
	return compiled{
		count: s.q("SELECT COUNT(*)" + from),
		page: s.q("SELECT " + documentColumns + from + orderBy(s.dialect, req.Sort) +
			s.dialect.limit(req.Paging.First, req.Paging.Size)),
		args: args,
	}, nil
}

// externalIDClause renders an identifier search against the idkey table.
func (s *Store[T]) externalIDClause(search ids.ExternalIDSearch) (string, []any) {
	members := search.IDs.IDs()
	exists := func(id ids.ExternalID) (string, []any) {
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s k WHERE k.doc_id = d.doc_id AND k.id_scheme = ? AND k.id_value = ?)",
			s.tables.idkey), []any{id.Scheme, id.Value}
	}
	anyOf := func() (string, []any) {
		if len(members) == 0 {
			return "1 = 0", nil
		}
		pairs := make([]string, len(members))
		var args []any
		for i, id := range members {
			pairs[i] = "(k.id_scheme = ? AND k.id_value = ?)"
			args = append(args, id.Scheme, id.Value)
		}
		return fmt.Sprintf("EXISTS (SELECT 1 FROM %s k WHERE k.doc_id = d.doc_id AND (%s))",
			s.tables.idkey, strings.Join(pairs, " OR ")), args
	}
	allOf := func() (string, []any) {
		if len(members) == 0 {
			return "1 = 1", nil
		}
		clauses := make([]string, len(members))
		var args []any
		for i, id := range members {
			clause, a := exists(id)
			clauses[i] = clause
			args = append(args, a...)
		}
		return "(" + strings.Join(clauses, " AND ") + ")", args
	}

	switch search.Type {
	case ids.MatchAll:
		return allOf()
	case ids.MatchNone:
		clause, args := anyOf()
		return "NOT " + clause, args
	case ids.MatchExact:
		clause, args := allOf()
		count := fmt.Sprintf("(SELECT COUNT(*) FROM %s k WHERE k.doc_id = d.doc_id) = %d", s.tables.idkey, len(members))
		return "(" + clause + " AND " + count + ")", args
	default:
		return anyOf()
	}
}

// compileHistory renders the history predicate of req for one object.
// Callers append the cursor and ordering.
func (s *Store[T]) compileHistory(key int64, req store.HistoryRequest) (string, []any) {
	where := []string{"d.doc_oid = ?"}
	args := []any{key}
	for _, axis := range []struct {
		r        interval.Range
		from, to string
	}{
		{req.Versions, "d.ver_from", "d.ver_to"},
		{req.Corrections, "d.corr_from", "d.corr_to"},
	} {
		clause, a := rangeClause(axis.r, axis.from, axis.to)
		where = append(where, clause...)
		args = append(args, a...)
	}
	return fmt.Sprintf("SELECT %s FROM %s d WHERE %s", documentColumns, s.tables.document,
		strings.Join(where, " AND ")), args
}

// rangeClause mirrors interval.Range.Matches.
func rangeClause(r interval.Range, from, to string) ([]string, []any) {
	switch {
	case r.IsZero():
		return nil, nil
	case r.IsPoint():
		t := micros(r.From)
		return []string{from + " <= ?", "? < " + to}, []any{t, t}
	}
	var where []string
	var args []any
	if !r.To.IsZero() {
		where = append(where, from+" < ?")
		args = append(args, micros(r.To))
	}
	if !r.From.IsZero() {
		where = append(where, "? < "+to)
		args = append(args, micros(r.From))
	}
	return where, args
}

func orderBy(d Dialect, order store.SortOrder) string {
	if order == nil {
		order = store.ByObjectID{}
	}
	var column string
	switch order.(type) {
	case store.ByName:
		column = d.nameOrder()
	case store.ByVersionFrom:
		column = "d.ver_from"
	default:
		column = "d.doc_oid"
	}
	dir := " ASC"
	if order.Descending() {
		dir = " DESC"
	}
	return " ORDER BY " + column + dir + ", d.doc_oid ASC"
}

// likePattern converts a '*'/'?' wildcard to a LIKE pattern escaped with '\'.
func likePattern(wildcard string) string {
	var b strings.Builder
	for _, r := range wildcard {
		switch r {
		case '\\', '%', '_':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '*':
			b.WriteByte('%')
		case '?':
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
