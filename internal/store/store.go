// Package store provides durable keyed byte storage for the offline client.
//
// The store is a capability, not a service: it persists opaque values under
// string keys and survives process restarts. It contains no retry or backoff
// logic. Storage-layer faults are surfaced as ErrUnavailable and are never
// swallowed, so callers can fail loudly instead of corrupting state.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable marks a storage-layer fault. Callers match it with
// errors.Is. A missing key is not a fault; Get reports absence separately.
var ErrUnavailable = errors.New("storage unavailable")

// UnavailableError carries the operation context of a storage fault.
type UnavailableError struct {
	Op  string
	Key string
	Err error
}

// Error implements the error interface.
func (e *UnavailableError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("storage unavailable: %s %q: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("storage unavailable: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying fault.
func (e *UnavailableError) Unwrap() error { return e.Err }

// Is reports true for ErrUnavailable so errors.Is works across the taxonomy.
func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

// unavailable wraps a driver error as an UnavailableError.
func unavailable(op, key string, err error) error {
	return &UnavailableError{Op: op, Key: key, Err: err}
}

// Store is durable keyed byte storage.
//
// Implementations must be crash-safe: a crash between writes leaves either
// the old or the new value under a key, never a torn value. All methods are
// safe for concurrent use.
type Store interface {
	// Get returns the value stored under key. The second return value is
	// false when the key is absent. An error is returned only for storage
	// faults, never for absence.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes the value under key. Deleting an absent key is not an
	// error (idempotent).
	Delete(ctx context.Context, key string) error

	// Close releases underlying resources. The store must not be used
	// after Close.
	Close() error
}
