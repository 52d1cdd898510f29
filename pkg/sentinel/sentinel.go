// ABOUTME: Error taxonomy shared by the identifier model, engine, backends and master
// ABOUTME: Callers classify failures with errors.Is against these values

package sentinel

import "errors"

// Sentinel errors returned (wrapped) by every layer of the store.
//
//   - ErrValidation: malformed input, a caller bug. Not retried.
//   - ErrNotFound: no row matches the identifier or coordinate.
//   - ErrConcurrentModification: optimistic-lock conflict. Re-read and retry.
//   - ErrTimeout: the caller's deadline expired before a full result was produced.
//   - ErrStorageUnavailable: backend I/O failure. Retry with backoff.
var (
	ErrValidation             = errors.New("validation failed")
	ErrNotFound               = errors.New("not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrTimeout                = errors.New("timeout")
	ErrStorageUnavailable     = errors.New("storage unavailable")
)

// ErrInvalidCoordinate is a validation failure for version-correction
// coordinates that point into the future of a historical-only query.
var ErrInvalidCoordinate = &coordinateError{}

type coordinateError struct{}

func (*coordinateError) Error() string { return "invalid version-correction coordinate" }

// Unwrap makes errors.Is(ErrInvalidCoordinate, ErrValidation) hold.
func (*coordinateError) Unwrap() error { return ErrValidation }

// Kind returns the name of the taxonomy entry err belongs to, or "internal"
// when it matches none. Used as a low-cardinality label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrStorageUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
