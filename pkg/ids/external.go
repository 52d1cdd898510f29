// ABOUTME: External identifiers, bundles of them, and bundle searches
// ABOUTME: Bundles are sorted sets so equality and matching are structural

package ids

import (
	"fmt"
	"slices"
	"strings"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

// ExternalID is an identifier issued by some other system, e.g. a
// Bloomberg ticker or an ISO country code.
type ExternalID struct {
	Scheme string `json:"scheme"`
	Value  string `json:"value"`
}

// NewExternalID validates and creates an ExternalID.
func NewExternalID(scheme, value string) (ExternalID, error) {
	if scheme == "" || value == "" {
		return ExternalID{}, fmt.Errorf("%w: external id needs scheme and value", sentinel.ErrValidation)
	}
	return ExternalID{Scheme: scheme, Value: value}, nil
}

func (e ExternalID) IsZero() bool {
	return e.Scheme == "" && e.Value == ""
}

func (e ExternalID) String() string {
	return e.Scheme + Separator + e.Value
}

// Compare orders by scheme, then value.
func (e ExternalID) Compare(other ExternalID) int {
	if c := strings.Compare(e.Scheme, other.Scheme); c != 0 {
		return c
	}
	return strings.Compare(e.Value, other.Value)
}

// ExternalIDBundle is an immutable, sorted, duplicate-free set of
// ExternalIDs. The zero value is the empty bundle.
type ExternalIDBundle struct {
	ids []ExternalID
}

// NewBundle builds a bundle, dropping zero ids and duplicates.
func NewBundle(externalIDs ...ExternalID) ExternalIDBundle {
	out := make([]ExternalID, 0, len(externalIDs))
	for _, id := range externalIDs {
		if !id.IsZero() {
			out = append(out, id)
		}
	}
	slices.SortFunc(out, ExternalID.Compare)
	out = slices.Compact(out)
	if len(out) == 0 {
		return ExternalIDBundle{}
	}
	return ExternalIDBundle{ids: out}
}

// IDs returns a copy of the members in sorted order.
func (b ExternalIDBundle) IDs() []ExternalID {
	return slices.Clone(b.ids)
}

func (b ExternalIDBundle) Len() int { return len(b.ids) }

// With returns a bundle with extra ids added.
func (b ExternalIDBundle) With(externalIDs ...ExternalID) ExternalIDBundle {
	return NewBundle(append(b.IDs(), externalIDs...)...)
}

// Contains reports membership.
func (b ExternalIDBundle) Contains(id ExternalID) bool {
	_, found := slices.BinarySearchFunc(b.ids, id, ExternalID.Compare)
	return found
}

// ContainsAny reports whether any member of other is in b.
func (b ExternalIDBundle) ContainsAny(other ExternalIDBundle) bool {
	for _, id := range other.ids {
		if b.Contains(id) {
			return true
		}
	}
	return false
}

// ContainsAll reports whether every member of other is in b.
func (b ExternalIDBundle) ContainsAll(other ExternalIDBundle) bool {
	for _, id := range other.ids {
		if !b.Contains(id) {
			return false
		}
	}
	return true
}

// Equal compares members.
func (b ExternalIDBundle) Equal(other ExternalIDBundle) bool {
	return slices.Equal(b.ids, other.ids)
}

func (b ExternalIDBundle) String() string {
	parts := make([]string, len(b.ids))
	for i, id := range b.ids {
		parts[i] = id.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// SearchType selects how an ExternalIDSearch matches a document's bundle.
type SearchType int

const (
	// MatchAny requires at least one searched id on the document.
	MatchAny SearchType = iota
	// MatchAll requires every searched id on the document.
	MatchAll
	// MatchNone requires that no searched id is on the document.
	MatchNone
	// MatchExact requires the document bundle to equal the searched ids.
	MatchExact
)

func (t SearchType) String() string {
	switch t {
	case MatchAny:
		return "ANY"
	case MatchAll:
		return "ALL"
	case MatchNone:
		return "NONE"
	case MatchExact:
		return "EXACT"
	default:
		return fmt.Sprintf("SearchType(%d)", int(t))
	}
}

// ParseSearchType parses the String form.
func ParseSearchType(s string) (SearchType, error) {
	switch strings.ToUpper(s) {
	case "", "ANY":
		return MatchAny, nil
	case "ALL":
		return MatchAll, nil
	case "NONE":
		return MatchNone, nil
	case "EXACT":
		return MatchExact, nil
	default:
		return 0, fmt.Errorf("%w: unknown external id search type %q", sentinel.ErrValidation, s)
	}
}

// ExternalIDSearch matches documents by their external-identifier bundle.
type ExternalIDSearch struct {
	IDs  ExternalIDBundle
	Type SearchType
}

// SearchAny is a convenience constructor for MatchAny searches.
func SearchAny(externalIDs ...ExternalID) ExternalIDSearch {
	return ExternalIDSearch{IDs: NewBundle(externalIDs...), Type: MatchAny}
}

// SearchAll is a convenience constructor for MatchAll searches.
func SearchAll(externalIDs ...ExternalID) ExternalIDSearch {
	return ExternalIDSearch{IDs: NewBundle(externalIDs...), Type: MatchAll}
}

// Validate rejects unknown match types.
func (s ExternalIDSearch) Validate() error {
	if s.Type < MatchAny || s.Type > MatchExact {
		return fmt.Errorf("%w: unknown external id search type %d", sentinel.ErrValidation, int(s.Type))
	}
	return nil
}

// Matches applies the search to a document bundle. An ANY or ALL search
// with no ids can never be satisfied by ANY and is trivially satisfied by ALL.
func (s ExternalIDSearch) Matches(bundle ExternalIDBundle) bool {
	switch s.Type {
	case MatchAny:
		return bundle.ContainsAny(s.IDs)
	case MatchAll:
		return bundle.ContainsAll(s.IDs)
	case MatchNone:
		return !bundle.ContainsAny(s.IDs)
	case MatchExact:
		return bundle.Equal(s.IDs)
	default:
		return false
	}
}
