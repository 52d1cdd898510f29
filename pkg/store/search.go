package store

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Filter selects documents in a search. Zero fields match everything.
type Filter struct {
	// ObjectIDs restricts the search to these objects. nil means any object,
	// an empty non-nil slice means none.
	ObjectIDs []ids.ObjectID
	// Name is matched case-insensitively. '*' matches any run of characters
	// and '?' exactly one.
	Name        string
	Type        string
	ExternalIDs *ids.ExternalIDSearch
}

// SortOrder is one of ByObjectID, ByName or ByVersionFrom. Ties are always
// broken by ObjectID ascending.
type SortOrder interface {
	Descending() bool
	String() string
	sortOrder()
}

type ByObjectID struct{ Desc bool }

type ByName struct{ Desc bool }

type ByVersionFrom struct{ Desc bool }

func (o ByObjectID) Descending() bool    { return o.Desc }
func (o ByName) Descending() bool        { return o.Desc }
func (o ByVersionFrom) Descending() bool { return o.Desc }

func (o ByObjectID) String() string    { return orderName("OBJECT_ID", o.Desc) }
func (o ByName) String() string        { return orderName("NAME", o.Desc) }
func (o ByVersionFrom) String() string { return orderName("VERSION_FROM_INSTANT", o.Desc) }

func (ByObjectID) sortOrder()    {}
func (ByName) sortOrder()        {}
func (ByVersionFrom) sortOrder() {}

func orderName(field string, desc bool) string {
	if desc {
		return field + "_DESC"
	}
	return field + "_ASC"
}

// ParseSortOrder parses the String form of a sort order. The empty string
// is ByObjectID ascending.
func ParseSortOrder(s string) (SortOrder, error) {
	switch strings.ToUpper(s) {
	case "", "OBJECT_ID_ASC":
		return ByObjectID{}, nil
	case "OBJECT_ID_DESC":
		return ByObjectID{Desc: true}, nil
	case "NAME_ASC":
		return ByName{}, nil
	case "NAME_DESC":
		return ByName{Desc: true}, nil
	case "VERSION_FROM_INSTANT_ASC":
		return ByVersionFrom{}, nil
	case "VERSION_FROM_INSTANT_DESC":
		return ByVersionFrom{Desc: true}, nil
	default:
		return nil, fmt.Errorf("%w: unknown sort order %q", sentinel.ErrValidation, s)
	}
}

// CompareFunc returns the comparison implementing order.
func CompareFunc[T any](order SortOrder) func(a, b document.Document[T]) int {
	if order == nil {
		order = ByObjectID{}
	}
	return func(a, b document.Document[T]) int {
		var c int
		switch order.(type) {
		case ByObjectID:
			c = a.ObjectID().Compare(b.ObjectID())
		case ByName:
			c = strings.Compare(a.Name, b.Name)
		case ByVersionFrom:
			c = a.VersionFrom.Compare(b.VersionFrom)
		}
		if order.Descending() {
			c = -c
		}
		if c != 0 {
			return c
		}
		return a.ObjectID().Compare(b.ObjectID())
	}
}

// Paging is an offset window over a sorted result. Size 0 returns no
// documents but still reports the total.
type Paging struct {
	First int
	Size  int
}

// PagingAll returns every matching document.
var PagingAll = Paging{Size: -1}

// IsAll reports whether p is unbounded.
func (p Paging) IsAll() bool {
	return p.Size < 0
}

// Validate rejects negative offsets and sizes other than PagingAll.
func (p Paging) Validate() error {
	if p.First < 0 || p.Size < -1 {
		return fmt.Errorf("%w: invalid paging %s", sentinel.ErrValidation, p)
	}
	return nil
}

// Window returns the [start, end) slice bounds of the page within total.
func (p Paging) Window(total int) (int, int) {
	start := min(p.First, total)
	if p.IsAll() {
		return start, total
	}
	if p.Size >= total-start {
		return start, total
	}
	return start, start + p.Size
}

func (p Paging) String() string {
	if p.IsAll() {
		return fmt.Sprintf("Paging[first=%d, size=ALL]", p.First)
	}
	return fmt.Sprintf("Paging[first=%d, size=%d]", p.First, p.Size)
}

// SearchRequest is a filtered, paged search at one bitemporal coordinate.
type SearchRequest struct {
	Filter
	VersionCorrection ids.VersionCorrection
	Paging            Paging
	Sort              SortOrder
}

// Validate checks the request before any storage access.
func (r SearchRequest) Validate() error {
	if err := r.Paging.Validate(); err != nil {
		return err
	}
	for _, oid := range r.ObjectIDs {
		if err := oid.Validate(); err != nil {
			return err
		}
	}
	if r.ExternalIDs != nil {
		if err := r.ExternalIDs.Validate(); err != nil {
			return err
		}
	}
	switch r.Sort.(type) {
	case nil, ByObjectID, ByName, ByVersionFrom:
	default:
		return fmt.Errorf("%w: unsupported sort order %T", sentinel.ErrValidation, r.Sort)
	}
	return nil
}

// SearchResult is one page of a search.
type SearchResult[T any] struct {
	Documents []document.Document[T]
	// Paging echoes the request.
	Paging Paging
	// Total counts every match before paging.
	Total int
}

// Matcher evaluates the non-temporal part of a Filter against indexed fields.
type Matcher struct {
	objects map[ids.ObjectID]struct{}
	name    *regexp.Regexp
	filter  Filter
}

// NewMatcher compiles f.
func NewMatcher(f Filter) (*Matcher, error) {
	m := &Matcher{filter: f}
	if f.ObjectIDs != nil {
		m.objects = make(map[ids.ObjectID]struct{}, len(f.ObjectIDs))
		for _, oid := range f.ObjectIDs {
			m.objects[oid] = struct{}{}
		}
	}
	if f.Name != "" {
		re, err := regexp.Compile(WildcardRegexp(f.Name))
		if err != nil {
			return nil, fmt.Errorf("%w: name pattern %q: %v", sentinel.ErrValidation, f.Name, err)
		}
		m.name = re
	}
	return m, nil
}

// MatchObject reports whether oid passes the ObjectIDs restriction.
func (m *Matcher) MatchObject(oid ids.ObjectID) bool {
	if m.objects == nil {
		return true
	}
	_, ok := m.objects[oid]
	return ok
}

// Match reports whether a document's fields pass the filter.
func (m *Matcher) Match(f document.Fields) bool {
	if m.name != nil && !m.name.MatchString(f.Name) {
		return false
	}
	if m.filter.Type != "" && m.filter.Type != f.Type {
		return false
	}
	if m.filter.ExternalIDs != nil && !m.filter.ExternalIDs.Matches(f.ExternalIDs) {
		return false
	}
	return true
}

// WildcardRegexp translates a '*'/'?' wildcard into an anchored,
// case-insensitive regular expression.
func WildcardRegexp(pattern string) string {
	var b strings.Builder
	b.WriteString(`(?is)^`)
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return b.String()
}
