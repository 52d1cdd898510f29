package interval

import (
	"fmt"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Range restricts a history query on one axis. The zero Range matches every
// row. From == To (non-zero) is a point query: rows whose interval contains
// the instant. Otherwise rows intersecting [From, To) match, with a zero
// bound meaning unbounded on that side.
type Range struct {
	From time.Time
	To   time.Time
}

// At is a point Range.
func At(t time.Time) Range {
	return Range{From: t, To: t}
}

// Between is an intersection Range.
func Between(from, to time.Time) Range {
	return Range{From: from, To: to}
}

// IsZero reports whether r is unbounded.
func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// IsPoint reports whether r is a point query.
func (r Range) IsPoint() bool {
	return !r.From.IsZero() && r.From.Equal(r.To)
}

// Check rejects bounds after now and ranges that end before they start.
func (r Range) Check(now time.Time) error {
	if r.From.After(now) || r.To.After(now) {
		return fmt.Errorf("%w: history range %s reaches past now", sentinel.ErrInvalidCoordinate, r)
	}
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return fmt.Errorf("%w: history range %s ends before it starts", sentinel.ErrValidation, r)
	}
	return nil
}

// Matches applies r to the interval [from, to).
func (r Range) Matches(from, to time.Time) bool {
	switch {
	case r.IsZero():
		return true
	case r.IsPoint():
		return !r.From.Before(from) && r.From.Before(to)
	}
	if !r.To.IsZero() && !from.Before(r.To) {
		return false
	}
	if !r.From.IsZero() && !r.From.Before(to) {
		return false
	}
	return true
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", bound(r.From), bound(r.To))
}

func bound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// InHistory reports whether a row matches both history ranges.
func InHistory(row document.Stamp, versions, corrections Range) bool {
	return versions.Matches(row.VersionFrom, row.VersionTo) &&
		corrections.Matches(row.CorrectionFrom, row.CorrectionTo)
}
