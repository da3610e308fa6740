// Package remote applies queued changes to the sync server and
// classifies the failures so the coordinator can decide between retry
// and dead-letter.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/taskdeck/offsync/internal/queue"
)

// ErrorClass partitions apply failures by how the coordinator should
// react to them.
type ErrorClass string

const (
	// ClassTransient covers network faults, timeouts, and 5xx responses.
	// The change stays queued and is retried with backoff.
	ClassTransient ErrorClass = "transient"

	// ClassPermanent covers rejections that retrying cannot fix, such as
	// validation failures. The change goes to the dead-letter set.
	ClassPermanent ErrorClass = "permanent"

	// ClassConflict means the server holds a newer version of the entity.
	// The conflict policy decides the outcome.
	ClassConflict ErrorClass = "conflict"
)

// ServerEntity is the server's copy of an entity, returned alongside
// conflict rejections so the policy can compare versions.
type ServerEntity struct {
	ID           string          `json:"id"`
	LastModified time.Time       `json:"last_modified"`
	Data         json.RawMessage `json:"data"`
}

// Result is the server's answer to a successfully applied change.
type Result struct {
	// EntityID is the server-assigned ID. For creates it replaces the
	// client's provisional ID; for updates and deletes it echoes the
	// request.
	EntityID string

	// LastModified is the server-side modification time after the apply.
	LastModified time.Time
}

// ApplyError is a classified apply failure.
type ApplyError struct {
	Class  ErrorClass
	Detail string

	// Server carries the server's copy of the entity on conflicts,
	// nil otherwise.
	Server *ServerEntity

	Err error
}

func (e *ApplyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("apply failed (%s): %s: %v", e.Class, e.Detail, e.Err)
	}
	return fmt.Sprintf("apply failed (%s): %s", e.Class, e.Detail)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// IsTransient reports whether err is an ApplyError with ClassTransient.
// Unclassified errors (cancelled contexts, unexpected failures) count
// as transient: retrying is the safe default.
func IsTransient(err error) bool {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae.Class == ClassTransient
	}
	return true
}

// IsPermanent reports whether err is an ApplyError with ClassPermanent.
func IsPermanent(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae) && ae.Class == ClassPermanent
}

// IsConflict reports whether err is an ApplyError with ClassConflict.
func IsConflict(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae) && ae.Class == ClassConflict
}

// ConflictServerEntity extracts the server's entity copy from a
// conflict error, or nil.
func ConflictServerEntity(err error) *ServerEntity {
	var ae *ApplyError
	if errors.As(err, &ae) && ae.Class == ClassConflict {
		return ae.Server
	}
	return nil
}

// Applier sends one queued change to the server.
//
// Implementations return a *Result on success, or an error that the
// Is* helpers can classify. Apply must be safe to call again with the
// same change after a failure or crash; the server deduplicates on the
// change ID.
type Applier interface {
	Apply(ctx context.Context, rec *queue.ChangeRecord) (*Result, error)
}
