package pool

import (
	"context"
	"errors"
	"fmt"

	"egress-pool/pkg/database"
)

var (
	// ErrNoResourceAvailable means nothing matching the filters can be claimed.
	ErrNoResourceAvailable = errors.New("no resource available")
	// ErrResourceUnavailable means the requested resource exists but is not
	// claimable or rotatable in its current state.
	ErrResourceUnavailable = errors.New("resource unavailable")
	ErrNotAssigned         = errors.New("resource not assigned to consumer")
	ErrNotFound            = errors.New("resource not found")
	ErrInvalidTransition   = errors.New("invalid status transition")
	ErrInvalidInput        = errors.New("invalid input")
	// ErrPoolUnavailable wraps any unexpected registry failure.
	ErrPoolUnavailable = errors.New("pool unavailable")
)

func translate(err error, resourceID string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, database.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, resourceID)
	case errors.Is(err, database.ErrGuardFailed):
		return fmt.Errorf("%w: %s", ErrResourceUnavailable, resourceID)
	case errors.Is(err, database.ErrNotAssigned):
		return fmt.Errorf("%w: %s", ErrNotAssigned, resourceID)
	case errors.Is(err, database.ErrNoCandidate):
		return ErrNoResourceAvailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrPoolUnavailable, err)
	}
}
