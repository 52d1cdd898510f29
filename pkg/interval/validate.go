package interval

import (
	"fmt"
	"slices"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

// InvariantError describes the first broken interval invariant found by
// Validate. It is a programming error in a backend, never a caller error.
type InvariantError struct {
	Row    document.Stamp
	Other  *document.Stamp
	Reason string
}

func (e *InvariantError) Error() string {
	if e.Other != nil {
		return fmt.Sprintf("interval invariant: %s: %s and %s", e.Reason, e.Row, *e.Other)
	}
	return fmt.Sprintf("interval invariant: %s: %s", e.Reason, e.Row)
}

// Validate checks the rows of one object:
//   - every interval has from < to on both axes;
//   - among rows whose correction interval contains any instant, version
//     intervals do not overlap and at most one is open;
//   - among rows sharing a version start, correction intervals are contiguous
//     and at most one is open.
func Validate(rows []document.Stamp) error {
	for _, r := range rows {
		if !r.VersionFrom.Before(r.VersionTo) {
			return &InvariantError{Row: r, Reason: "empty version interval"}
		}
		if !r.CorrectionFrom.Before(r.CorrectionTo) {
			return &InvariantError{Row: r, Reason: "empty correction interval"}
		}
	}

	// Membership of a correction slice only changes at a row's correction
	// start, so checking every start covers every instant.
	for _, probe := range rows {
		if err := checkSlice(rows, probe.CorrectionFrom); err != nil {
			return err
		}
	}

	groups := make(map[int64][]document.Stamp)
	for _, r := range rows {
		k := r.VersionFrom.UnixNano()
		groups[k] = append(groups[k], r)
	}
	for _, group := range groups {
		if err := checkGroup(group); err != nil {
			return err
		}
	}
	return nil
}

func checkSlice(rows []document.Stamp, at time.Time) error {
	var slice []document.Stamp
	for _, r := range rows {
		if !at.Before(r.CorrectionFrom) && at.Before(r.CorrectionTo) {
			slice = append(slice, r)
		}
	}
	slices.SortFunc(slice, func(a, b document.Stamp) int { return a.VersionFrom.Compare(b.VersionFrom) })
	open := 0
	for i, r := range slice {
		if r.VersionOpen() {
			open++
			if open > 1 {
				return &InvariantError{Row: r, Reason: "more than one open version"}
			}
		}
		if i > 0 && r.VersionFrom.Before(slice[i-1].VersionTo) {
			prev := slice[i-1]
			return &InvariantError{Row: r, Other: &prev, Reason: "overlapping versions"}
		}
	}
	return nil
}

func checkGroup(group []document.Stamp) error {
	slices.SortFunc(group, func(a, b document.Stamp) int { return a.CorrectionFrom.Compare(b.CorrectionFrom) })
	for i, r := range group {
		if i < len(group)-1 && r.CorrectionOpen() {
			return &InvariantError{Row: r, Reason: "open correction is not the latest"}
		}
		if i > 0 && !r.CorrectionFrom.Equal(group[i-1].CorrectionTo) {
			prev := group[i-1]
			return &InvariantError{Row: r, Other: &prev, Reason: "corrections not contiguous"}
		}
	}
	return nil
}

// CheckPlan reports whether applying plan to rows keeps them valid. rows must
// already satisfy Validate. Only the rows the plan touches and the correction
// slice the insert joins are inspected, so the cost is linear in len(rows).
//
// An insert whose correction starts before an existing row's is rejected with
// ErrConcurrentModification: another writer with a later clock got there first.
func CheckPlan(rows []document.Stamp, plan Plan) error {
	closed := make(map[string]document.Stamp, len(plan.Closures))
	for _, c := range plan.Closures {
		r, ok := closed[c.Version]
		if !ok {
			i := slices.IndexFunc(rows, func(s document.Stamp) bool { return s.UniqueID.Version == c.Version })
			if i < 0 {
				return fmt.Errorf("%w: row %s not found", sentinel.ErrNotFound, c.Version)
			}
			r = rows[i]
		}
		switch c.Axis {
		case VersionAxis:
			if !r.VersionOpen() {
				return &InvariantError{Row: r, Reason: "version already closed"}
			}
			r.VersionTo = c.At
		case CorrectionAxis:
			if !r.CorrectionOpen() {
				return &InvariantError{Row: r, Reason: "correction already closed"}
			}
			r.CorrectionTo = c.At
		}
		if !r.VersionFrom.Before(r.VersionTo) {
			return &InvariantError{Row: r, Reason: "empty version interval"}
		}
		if !r.CorrectionFrom.Before(r.CorrectionTo) {
			return &InvariantError{Row: r, Reason: "empty correction interval"}
		}
		closed[c.Version] = r
	}
	if plan.Insert == nil {
		return nil
	}

	in := *plan.Insert
	if !in.VersionFrom.Before(in.VersionTo) {
		return &InvariantError{Row: in, Reason: "empty version interval"}
	}
	if !in.CorrectionFrom.Before(in.CorrectionTo) {
		return &InvariantError{Row: in, Reason: "empty correction interval"}
	}

	var latest *document.Stamp
	for _, r := range rows {
		if c, ok := closed[r.UniqueID.Version]; ok {
			r = c
		}
		if in.CorrectionFrom.Before(r.CorrectionFrom) {
			return fmt.Errorf("%w: %s has a correction after %s", sentinel.ErrConcurrentModification,
				plan.ObjectID, in.CorrectionFrom.Format(time.RFC3339Nano))
		}
		visible := in.CorrectionFrom.Before(r.CorrectionTo)
		if visible && r.VersionFrom.Before(in.VersionTo) && in.VersionFrom.Before(r.VersionTo) {
			return &InvariantError{Row: in, Other: &r, Reason: "overlapping versions"}
		}
		if r.VersionFrom.Equal(in.VersionFrom) && (latest == nil || r.CorrectionFrom.After(latest.CorrectionFrom)) {
			latest = &r
		}
	}
	if latest != nil && !latest.CorrectionTo.Equal(in.CorrectionFrom) {
		return &InvariantError{Row: in, Other: latest, Reason: "corrections not contiguous"}
	}
	return nil
}
