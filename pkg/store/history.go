package store

import (
	"time"

	"github.com/nainya/bitemporal/pkg/ids"
	"github.com/nainya/bitemporal/pkg/interval"
)

// HistoryRequest selects the stored rows of one object. Zero ranges are
// unbounded.
type HistoryRequest struct {
	ObjectID    ids.ObjectID
	Versions    interval.Range
	Corrections interval.Range
}

// Validate checks the request against now.
func (r HistoryRequest) Validate(now time.Time) error {
	if err := r.ObjectID.Validate(); err != nil {
		return err
	}
	if err := r.Versions.Check(now); err != nil {
		return err
	}
	return r.Corrections.Check(now)
}
