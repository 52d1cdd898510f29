package interval

import (
	"errors"
	"testing"
	"time"

	"github.com/nainya/bitemporal/pkg/document"
	"github.com/nainya/bitemporal/pkg/sentinel"
)

func TestRangeMatches(t *testing.T) {
	from, to := at(10), at(20)
	tests := []struct {
		name string
		r    Range
		want bool
	}{
		{"unbounded", Range{}, true},
		{"point inside", At(at(15)), true},
		{"point at from", At(at(10)), true},
		{"point at to", At(at(20)), false},
		{"point before", At(at(5)), false},
		{"overlaps start", Between(at(5), at(11)), true},
		{"ends at from", Between(at(5), at(10)), false},
		{"starts at to", Between(at(20), at(30)), false},
		{"covers", Between(at(0), at(30)), true},
		{"open start", Between(time.Time{}, at(11)), true},
		{"open start before", Between(time.Time{}, at(10)), false},
		{"open end", Between(at(19), time.Time{}), true},
		{"open end after", Between(at(20), time.Time{}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Matches(from, to); got != tt.want {
				t.Errorf("%s.Matches([%s, %s)) = %v, want %v", tt.r, from, to, got, tt.want)
			}
		})
	}
}

func TestRangeMatchesOpenInterval(t *testing.T) {
	if !At(at(1000)).Matches(at(0), document.FarFuture) {
		t.Error("open interval must contain any later point")
	}
}

func TestRangeCheck(t *testing.T) {
	now := at(60)
	if err := Between(at(0), at(10)).Check(now); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := At(at(61)).Check(now); !errors.Is(err, sentinel.ErrInvalidCoordinate) {
		t.Errorf("expected invalid coordinate, got %v", err)
	}
	if err := At(at(61)).Check(now); !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("invalid coordinate must be a validation error, got %v", err)
	}
	if err := Between(at(10), at(5)).Check(now); !errors.Is(err, sentinel.ErrValidation) {
		t.Errorf("expected validation error for inverted range, got %v", err)
	}
}

func TestInHistory(t *testing.T) {
	row := document.Stamp{VersionFrom: at(0), VersionTo: at(10), CorrectionFrom: at(0), CorrectionTo: document.FarFuture}
	if !InHistory(row, At(at(5)), Range{}) {
		t.Error("expected row in version point")
	}
	if InHistory(row, At(at(5)), Between(time.Time{}, at(0))) {
		t.Error("correction range ending at row start must not match")
	}
}
