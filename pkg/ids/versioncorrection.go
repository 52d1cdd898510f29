// ABOUTME: Bitemporal query coordinate (version as-of, corrected-to)
// ABOUTME: Zero instants mean LATEST and resolve to "now" at query time

package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

const latestToken = "LATEST"

// VersionCorrection locates a document on both time axes: as the data stood
// at VersionAsOf, according to corrections known by CorrectedTo. A zero
// instant means LATEST.
type VersionCorrection struct {
	VersionAsOf time.Time
	CorrectedTo time.Time
}

// Latest is the coordinate of the current, fully corrected state.
var Latest = VersionCorrection{}

// OfVersionAsOf returns a coordinate fixed on the version axis and latest on
// the correction axis.
func OfVersionAsOf(versionAsOf time.Time) VersionCorrection {
	return VersionCorrection{VersionAsOf: versionAsOf}
}

// OfCorrectedTo returns a coordinate latest on the version axis and fixed on
// the correction axis.
func OfCorrectedTo(correctedTo time.Time) VersionCorrection {
	return VersionCorrection{CorrectedTo: correctedTo}
}

// ContainsLatest reports whether either axis is LATEST.
func (vc VersionCorrection) ContainsLatest() bool {
	return vc.VersionAsOf.IsZero() || vc.CorrectedTo.IsZero()
}

// IsFixed reports whether both axes are literal instants.
func (vc VersionCorrection) IsFixed() bool {
	return !vc.ContainsLatest()
}

// WithLatestFixed replaces LATEST axes with now. Repeated queries within one
// logical operation use the fixed coordinate so they observe the same state.
func (vc VersionCorrection) WithLatestFixed(now time.Time) VersionCorrection {
	v, c := vc.Resolve(now)
	return VersionCorrection{VersionAsOf: v, CorrectedTo: c}
}

// Resolve returns the literal (versionAsOf, correctedTo) instants.
func (vc VersionCorrection) Resolve(now time.Time) (time.Time, time.Time) {
	v, c := vc.VersionAsOf, vc.CorrectedTo
	if v.IsZero() {
		v = now
	}
	if c.IsZero() {
		c = now
	}
	return v, c
}

// ResolveHistorical is Resolve for queries that may only look backwards:
// a literal instant after now fails with sentinel.ErrInvalidCoordinate.
func (vc VersionCorrection) ResolveHistorical(now time.Time) (time.Time, time.Time, error) {
	if vc.VersionAsOf.After(now) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: version as-of %s is after now %s",
			sentinel.ErrInvalidCoordinate, vc.VersionAsOf.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	if vc.CorrectedTo.After(now) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: corrected-to %s is after now %s",
			sentinel.ErrInvalidCoordinate, vc.CorrectedTo.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	}
	v, c := vc.Resolve(now)
	return v, c, nil
}

// Equivalent compares two coordinates by their resolved instants.
func (vc VersionCorrection) Equivalent(other VersionCorrection, now time.Time) bool {
	v1, c1 := vc.Resolve(now)
	v2, c2 := other.Resolve(now)
	return v1.Equal(v2) && c1.Equal(c2)
}

// String renders "V<instant|LATEST>.C<instant|LATEST>".
func (vc VersionCorrection) String() string {
	return "V" + formatInstant(vc.VersionAsOf) + ".C" + formatInstant(vc.CorrectedTo)
}

// ParseVersionCorrection parses the String form.
func ParseVersionCorrection(s string) (VersionCorrection, error) {
	if !strings.HasPrefix(s, "V") {
		return VersionCorrection{}, fmt.Errorf("%w: malformed version-correction %q", sentinel.ErrValidation, s)
	}
	// RFC3339Nano instants contain '.', so split on the last ".C".
	idx := strings.LastIndex(s, ".C")
	if idx < 0 {
		return VersionCorrection{}, fmt.Errorf("%w: malformed version-correction %q", sentinel.ErrValidation, s)
	}
	v, err := parseInstant(s[1:idx])
	if err != nil {
		return VersionCorrection{}, err
	}
	c, err := parseInstant(s[idx+2:])
	if err != nil {
		return VersionCorrection{}, err
	}
	return VersionCorrection{VersionAsOf: v, CorrectedTo: c}, nil
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return latestToken
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseInstant(s string) (time.Time, error) {
	if s == latestToken {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: malformed instant %q: %v", sentinel.ErrValidation, s, err)
	}
	return t, nil
}
