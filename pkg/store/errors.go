package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/nainya/bitemporal/pkg/sentinel"
)

// CheckContext returns a sentinel.ErrTimeout wrapping the context error once
// ctx is done, nil otherwise.
func CheckContext(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", sentinel.ErrTimeout, err)
	}
	return nil
}

// ContextError rewrites context cancellation surfacing from a driver as
// sentinel.ErrTimeout. Other errors pass through.
func ContextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if errors.Is(err, sentinel.ErrTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", sentinel.ErrTimeout, err)
	}
	return err
}
