// ABOUTME: Versioned document envelope: payload, identifier and bitemporal stamp
// ABOUTME: Defines the FarFuture sentinel used for open intervals

package document

import (
	"fmt"
	"time"

	"github.com/nainya/bitemporal/pkg/ids"
)

// FarFuture is the "to" bound of an open interval. It is a fixed literal
// instant rather than a zero or NULL value so range predicates stay simple:
// from <= t AND t < to.
var FarFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// Precision is the resolution of every stored instant. Durable backends
// store microseconds, so in-memory stamps use the same precision to keep
// both backends answering identically.
const Precision = time.Microsecond

// Normalize truncates t to Precision in UTC.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(Precision)
}

// Stamp is the identity and the two half-open intervals of one stored row.
type Stamp struct {
	UniqueID       ids.UniqueID
	VersionFrom    time.Time // inclusive
	VersionTo      time.Time // exclusive, FarFuture while current
	CorrectionFrom time.Time // inclusive
	CorrectionTo   time.Time // exclusive, FarFuture while current
}

// ObjectID returns the logical entity the row belongs to.
func (s Stamp) ObjectID() ids.ObjectID {
	return s.UniqueID.ObjectID()
}

// VersionOpen reports whether the version interval is unbounded.
func (s Stamp) VersionOpen() bool {
	return s.VersionTo.Equal(FarFuture)
}

// CorrectionOpen reports whether the correction interval is unbounded.
func (s Stamp) CorrectionOpen() bool {
	return s.CorrectionTo.Equal(FarFuture)
}

// Current reports whether the row is the live state of its object.
func (s Stamp) Current() bool {
	return s.VersionOpen() && s.CorrectionOpen()
}

// Contains reports whether the row answers the fixed coordinate (v, c).
func (s Stamp) Contains(versionAsOf, correctedTo time.Time) bool {
	return !versionAsOf.Before(s.VersionFrom) && versionAsOf.Before(s.VersionTo) &&
		!correctedTo.Before(s.CorrectionFrom) && correctedTo.Before(s.CorrectionTo)
}

func (s Stamp) String() string {
	return fmt.Sprintf("%s v[%s, %s) c[%s, %s)", s.UniqueID,
		formatBound(s.VersionFrom), formatBound(s.VersionTo),
		formatBound(s.CorrectionFrom), formatBound(s.CorrectionTo))
}

func formatBound(t time.Time) string {
	if t.Equal(FarFuture) {
		return "∞"
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// Fields are the indexed properties a backend searches on.
type Fields struct {
	Name        string
	Type        string
	ExternalIDs ids.ExternalIDBundle
}

// Document is one stored row: a payload plus its stamp and indexed fields.
// Documents handed to callers are copies; mutating one never affects the store.
type Document[T any] struct {
	Stamp
	Fields
	Payload T
}

// ObjectID shadows the embedded accessors so callers need not qualify it.
func (d Document[T]) ObjectID() ids.ObjectID {
	return d.UniqueID.ObjectID()
}
