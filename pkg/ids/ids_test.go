// ABOUTME: Tests for identifiers, version-correction coordinates and id bundles
// ABOUTME: Covers string round trips, ordering, resolution and bundle matching

package ids

import (
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

func TestParseObjectID(t *testing.T) {
	oid, err := ParseObjectID("DbHol~42")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if oid.Scheme != "DbHol" || oid.Value != "42" {
		t.Errorf("Expected DbHol/42, got %s/%s", oid.Scheme, oid.Value)
	}
	if oid.String() != "DbHol~42" {
		t.Errorf("Expected DbHol~42, got %s", oid)
	}

	for _, bad := range []string{"", "DbHol", "DbHol~", "~42", "a~b~c"} {
		if _, err := ParseObjectID(bad); !errors.Is(err, sentinel.ErrValidation) {
			t.Errorf("%q: expected validation error, got %v", bad, err)
		}
	}
}

func TestParseUniqueID(t *testing.T) {
	uid, err := ParseUniqueID("DbHol~42~7")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if !uid.IsVersioned() || uid.Version != "7" {
		t.Errorf("Expected version 7, got %q", uid.Version)
	}
	if uid.ObjectID() != MustObjectID("DbHol", "42") {
		t.Errorf("Unexpected object id %s", uid.ObjectID())
	}
	if uid.String() != "DbHol~42~7" {
		t.Errorf("Expected DbHol~42~7, got %s", uid)
	}
	if uid.ToLatest().IsVersioned() {
		t.Errorf("ToLatest must drop the version")
	}

	latest, err := ParseUniqueID("DbHol~42")
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if latest.IsVersioned() {
		t.Errorf("Expected unversioned id, got %s", latest)
	}

	for _, bad := range []string{"DbHol~42~", "a~b~c~d", "x"} {
		if _, err := ParseUniqueID(bad); !errors.Is(err, sentinel.ErrValidation) {
			t.Errorf("%q: expected validation error, got %v", bad, err)
		}
	}
}

func TestObjectIDCompare(t *testing.T) {
	got := []ObjectID{
		MustObjectID("B", "1"),
		MustObjectID("A", "10"),
		MustObjectID("A", "9"),
		MustObjectID("A", "x"),
		MustObjectID("A", "2"),
	}
	slices.SortFunc(got, ObjectID.Compare)
	want := []ObjectID{
		MustObjectID("A", "2"),
		MustObjectID("A", "9"),
		MustObjectID("A", "10"),
		MustObjectID("A", "x"),
		MustObjectID("B", "1"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestVersionCorrectionResolve(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	v, c := Latest.Resolve(now)
	if !v.Equal(now) || !c.Equal(now) {
		t.Errorf("LATEST must resolve to now, got %s %s", v, c)
	}

	v, c = OfVersionAsOf(past).Resolve(now)
	if !v.Equal(past) || !c.Equal(now) {
		t.Errorf("Unexpected resolution %s %s", v, c)
	}

	if !OfVersionAsOf(now).Equivalent(Latest, now) {
		t.Errorf("Expected coordinates to be equivalent once resolved")
	}
	if Latest.IsFixed() || !Latest.WithLatestFixed(now).IsFixed() {
		t.Errorf("WithLatestFixed must fix both axes")
	}
}

func TestResolveHistorical(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	if _, _, err := OfCorrectedTo(now.Add(-time.Second)).ResolveHistorical(now); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	_, _, err := OfVersionAsOf(now.Add(time.Second)).ResolveHistorical(now)
	if !errors.Is(err, sentinel.ErrInvalidCoordinate) {
		t.Fatalf("Expected invalid coordinate, got %v", err)
	}
	if !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("Invalid coordinate must also be a validation error")
	}
}

func TestVersionCorrectionString(t *testing.T) {
	instant := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	vc := VersionCorrection{VersionAsOf: instant}

	s := vc.String()
	if s != "V2024-05-01T12:00:00.123Z.CLATEST" {
		t.Errorf("Unexpected string %s", s)
	}
	parsed, err := ParseVersionCorrection(s)
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if !parsed.VersionAsOf.Equal(instant) || !parsed.CorrectedTo.IsZero() {
		t.Errorf("Round trip mismatch: %s", parsed)
	}

	if _, err := ParseVersionCorrection("Xbad"); !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
}

func TestBundle(t *testing.T) {
	gb := ExternalID{Scheme: "ISO_COUNTRY", Value: "GB"}
	us := ExternalID{Scheme: "ISO_COUNTRY", Value: "US"}
	xlon := ExternalID{Scheme: "MIC", Value: "XLON"}

	b := NewBundle(xlon, gb, gb, ExternalID{})
	if b.Len() != 2 {
		t.Fatalf("Expected 2 ids, got %d", b.Len())
	}
	if b.IDs()[0] != gb {
		t.Errorf("Expected sorted bundle, got %s", b)
	}
	if !b.Contains(xlon) || b.Contains(us) {
		t.Errorf("Unexpected membership in %s", b)
	}
	if !b.Equal(NewBundle(gb, xlon)) {
		t.Errorf("Bundles with equal members must be equal")
	}
	if b.With(us).Len() != 3 || b.Len() != 2 {
		t.Errorf("With must not modify the receiver")
	}
}

func TestExternalIDSearchMatches(t *testing.T) {
	gb := ExternalID{Scheme: "ISO_COUNTRY", Value: "GB"}
	us := ExternalID{Scheme: "ISO_COUNTRY", Value: "US"}
	xlon := ExternalID{Scheme: "MIC", Value: "XLON"}
	doc := NewBundle(gb, xlon)

	tests := []struct {
		name   string
		search ExternalIDSearch
		want   bool
	}{
		{"any hit", SearchAny(us, gb), true},
		{"any miss", SearchAny(us), false},
		{"all hit", SearchAll(gb, xlon), true},
		{"all miss", SearchAll(gb, us), false},
		{"none hit", ExternalIDSearch{IDs: NewBundle(us), Type: MatchNone}, true},
		{"none miss", ExternalIDSearch{IDs: NewBundle(gb), Type: MatchNone}, false},
		{"exact hit", ExternalIDSearch{IDs: NewBundle(xlon, gb), Type: MatchExact}, true},
		{"exact miss", ExternalIDSearch{IDs: NewBundle(gb), Type: MatchExact}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.search.Matches(doc); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseSearchType(t *testing.T) {
	for _, st := range []SearchType{MatchAny, MatchAll, MatchNone, MatchExact} {
		got, err := ParseSearchType(st.String())
		if err != nil || got != st {
			t.Errorf("Round trip of %s failed: %v %v", st, got, err)
		}
	}
	if _, err := ParseSearchType("SOME"); !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}
	if err := (ExternalIDSearch{Type: SearchType(9)}).Validate(); err == nil {
		t.Errorf("Expected unknown type to fail validation")
	}
}
