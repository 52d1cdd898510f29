// ABOUTME: Interval engine: plans add/update/correct/remove over one object's rows
// ABOUTME: Plans are pure values that backends apply all-or-nothing

package interval

import (
	"fmt"
	"slices"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// Op names the mutation a Plan performs.
type Op string

const (
	OpAdd     Op = "add"
	OpUpdate  Op = "update"
	OpCorrect Op = "correct"
	OpRemove  Op = "remove"
)

// Axis is the time axis a Closure bounds.
type Axis int

const (
	VersionAxis Axis = iota
	CorrectionAxis
)

func (a Axis) String() string {
	if a == VersionAxis {
		return "version"
	}
	return "correction"
}

// Closure writes the "to" bound of one existing row.
type Closure struct {
	Version string // row token of the closed row
	Axis    Axis
	At      time.Time
}

// Plan is the complete effect of one mutation on one object.
type Plan struct {
	Op       Op
	ObjectID ids.ObjectID
	// Target is the row the caller addressed. Zero for OpAdd.
	Target   document.Stamp
	Closures []Closure
	// Insert is the stamp of the new row, nil for OpRemove. Its UniqueID
	// carries no version: the backend assigns the row token on insert.
	Insert *document.Stamp
}

// Add plans the first row of an object. rows is empty for a new object, or
// holds the history of a removed one.
func Add(rows []document.Stamp, oid ids.ObjectID, now time.Time) (Plan, error) {
	if _, ok := Current(rows); ok {
		return Plan{}, fmt.Errorf("%w: %s already has a current version", sentinel.ErrConcurrentModification, oid)
	}
	for _, r := range rows {
		if !now.After(r.VersionFrom) || !now.After(r.CorrectionFrom) {
			return Plan{}, staleClock(oid, now)
		}
	}
	return Plan{
		Op:       OpAdd,
		ObjectID: oid,
		Insert:   openStamp(oid, now, document.FarFuture, now),
	}, nil
}

// Update plans a new version: the addressed row must be the current one.
func Update(rows []document.Stamp, uid ids.UniqueID, now time.Time) (Plan, error) {
	target, err := find(rows, uid)
	if err != nil {
		return Plan{}, err
	}
	if !target.Current() {
		return Plan{}, fmt.Errorf("%w: %s is not the current version", sentinel.ErrConcurrentModification, uid)
	}
	if !now.After(target.VersionFrom) || !now.After(target.CorrectionFrom) {
		return Plan{}, staleClock(uid.ObjectID(), now)
	}
	oid := uid.ObjectID()
	return Plan{
		Op:       OpUpdate,
		ObjectID: oid,
		Target:   target,
		Closures: []Closure{{Version: target.UniqueID.Version, Axis: VersionAxis, At: now}},
		Insert:   openStamp(oid, now, document.FarFuture, now),
	}, nil
}

// Correct plans a replacement of the addressed row on the correction axis
// only. The row may belong to a closed version interval.
func Correct(rows []document.Stamp, uid ids.UniqueID, now time.Time) (Plan, error) {
	target, err := find(rows, uid)
	if err != nil {
		return Plan{}, err
	}
	if !target.CorrectionOpen() {
		return Plan{}, fmt.Errorf("%w: %s is not the latest correction", sentinel.ErrConcurrentModification, uid)
	}
	if !now.After(target.CorrectionFrom) {
		return Plan{}, staleClock(uid.ObjectID(), now)
	}
	oid := uid.ObjectID()
	return Plan{
		Op:       OpCorrect,
		ObjectID: oid,
		Target:   target,
		Closures: []Closure{{Version: target.UniqueID.Version, Axis: CorrectionAxis, At: now}},
		Insert:   openStamp(oid, target.VersionFrom, target.VersionTo, now),
	}, nil
}

// Remove plans closing the current version without a replacement. An
// unversioned uid addresses whatever row is current.
func Remove(rows []document.Stamp, uid ids.UniqueID, now time.Time) (Plan, error) {
	current, live := Current(rows)
	var target document.Stamp
	if uid.IsVersioned() {
		var err error
		if target, err = find(rows, uid); err != nil {
			return Plan{}, err
		}
		if !target.Current() {
			if live {
				return Plan{}, fmt.Errorf("%w: %s is not the current version", sentinel.ErrConcurrentModification, uid)
			}
			return Plan{}, fmt.Errorf("%w: %s has no current version", sentinel.ErrNotFound, uid.ObjectID())
		}
	} else {
		if !live {
			return Plan{}, fmt.Errorf("%w: %s has no current version", sentinel.ErrNotFound, uid.ObjectID())
		}
		target = current
	}
	if !now.After(target.VersionFrom) {
		return Plan{}, staleClock(uid.ObjectID(), now)
	}
	return Plan{
		Op:       OpRemove,
		ObjectID: uid.ObjectID(),
		Target:   target,
		Closures: []Closure{{Version: target.UniqueID.Version, Axis: VersionAxis, At: now}},
	}, nil
}

// Apply returns rows with the plan's effect. rows is not modified. The
// inserted row gets the token version.
func Apply(rows []document.Stamp, plan Plan, version string) ([]document.Stamp, error) {
	out := slices.Clone(rows)
	for _, c := range plan.Closures {
		i := slices.IndexFunc(out, func(s document.Stamp) bool { return s.UniqueID.Version == c.Version })
		if i < 0 {
			return nil, fmt.Errorf("%w: row %s not found", sentinel.ErrNotFound, c.Version)
		}
		switch c.Axis {
		case VersionAxis:
			out[i].VersionTo = c.At
		case CorrectionAxis:
			out[i].CorrectionTo = c.At
		}
	}
	if plan.Insert != nil {
		inserted := *plan.Insert
		inserted.UniqueID = plan.ObjectID.AtVersion(version)
		out = append(out, inserted)
	}
	Sort(out)
	return out, nil
}

// Current returns the live row of the object, if any.
func Current(rows []document.Stamp) (document.Stamp, bool) {
	for _, r := range rows {
		if r.Current() {
			return r, true
		}
	}
	return document.Stamp{}, false
}

// Lookup returns the single row answering the fixed coordinate (v, c).
func Lookup(rows []document.Stamp, versionAsOf, correctedTo time.Time) (document.Stamp, bool) {
	for _, r := range rows {
		if r.Contains(versionAsOf, correctedTo) {
			return r, true
		}
	}
	return document.Stamp{}, false
}

// Sort orders rows by version from, then correction from, then insertion.
func Sort(rows []document.Stamp) {
	slices.SortStableFunc(rows, Compare)
}

// Compare is the chronological order used by history.
func Compare(a, b document.Stamp) int {
	if c := a.VersionFrom.Compare(b.VersionFrom); c != 0 {
		return c
	}
	return a.CorrectionFrom.Compare(b.CorrectionFrom)
}

func find(rows []document.Stamp, uid ids.UniqueID) (document.Stamp, error) {
	if !uid.IsVersioned() {
		return document.Stamp{}, fmt.Errorf("%w: %s must be versioned", sentinel.ErrValidation, uid)
	}
	for _, r := range rows {
		if r.UniqueID == uid {
			return r, nil
		}
	}
	return document.Stamp{}, fmt.Errorf("%w: %s", sentinel.ErrNotFound, uid)
}

func openStamp(oid ids.ObjectID, versionFrom, versionTo, correctionFrom time.Time) *document.Stamp {
	return &document.Stamp{
		UniqueID:       oid.AtLatest(),
		VersionFrom:    versionFrom,
		VersionTo:      versionTo,
		CorrectionFrom: correctionFrom,
		CorrectionTo:   document.FarFuture,
	}
}

func staleClock(oid ids.ObjectID, now time.Time) error {
	return fmt.Errorf("%w: %s was modified at or after %s", sentinel.ErrConcurrentModification, oid, now.Format(time.RFC3339Nano))
}
