package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Operation is the kind of mutation a ChangeRecord defers.
type Operation string

const (
	// OpCreate creates a new entity; the server assigns the final ID.
	OpCreate Operation = "create"
	// OpUpdate applies a partial patch to an existing entity.
	OpUpdate Operation = "update"
	// OpDelete removes an entity; the record carries no payload.
	OpDelete Operation = "delete"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Status is the lifecycle state of a ChangeRecord.
type Status string

const (
	// StatusPending marks a record waiting to be applied.
	StatusPending Status = "pending"
	// StatusInFlight marks a record currently being applied. At most one
	// record per entity is in flight at any time.
	StatusInFlight Status = "in-flight"
	// StatusFailed marks a record that failed transiently and is waiting
	// out its backoff delay before becoming eligible again.
	StatusFailed Status = "failed"
	// StatusDeadLetter marks a terminal record that is never retried
	// automatically. It persists until explicitly discarded or retried.
	StatusDeadLetter Status = "dead-letter"
)

// ChangeRecord is the unit of deferred work: one mutation attempted while
// offline, durably recorded until the remote authority accepts it.
type ChangeRecord struct {
	// ID is a stable identifier generated at enqueue time. It identifies
	// the record, not the entity.
	ID string `json:"id" msgpack:"id"`

	// EntityType tags the domain resource, e.g. "task" or "project".
	EntityType string `json:"entity_type" msgpack:"entity_type"`

	// EntityID identifies the affected resource. For creates the UI
	// supplies a provisional client-side ID so later changes to the
	// not-yet-synced entity can be coalesced; it may be empty, in which
	// case the record never coalesces.
	EntityID string `json:"entity_id,omitempty" msgpack:"entity_id"`

	// Operation is one of create, update, delete.
	Operation Operation `json:"operation" msgpack:"operation"`

	// Payload carries the full object for create, a partial patch for
	// update, and nothing for delete.
	Payload json.RawMessage `json:"payload,omitempty" msgpack:"payload"`

	// CreatedAt is the logical timestamp captured at enqueue time, used
	// for ordering and last-writer-wins comparison.
	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`

	// Seq breaks ties between records created within the same clock tick.
	Seq uint64 `json:"seq" msgpack:"seq"`

	// Attempts counts apply attempts so far.
	Attempts int `json:"attempts" msgpack:"attempts"`

	// Status is the record's lifecycle state.
	Status Status `json:"status" msgpack:"status"`

	// NotBefore delays eligibility after a transient failure (backoff).
	// The zero value means immediately eligible.
	NotBefore time.Time `json:"not_before,omitempty" msgpack:"not_before"`

	// LastError records why the last attempt failed, for the UI and for
	// dead-letter resolution.
	LastError string `json:"last_error,omitempty" msgpack:"last_error"`
}

// entityKey correlates records touching the same entity. Records without an
// entity ID cannot be correlated and get a unique empty key.
func (r *ChangeRecord) entityKey() string {
	if r.EntityID == "" {
		return ""
	}
	return r.EntityType + "/" + r.EntityID
}

// clone returns a deep copy of the record.
func (r *ChangeRecord) clone() *ChangeRecord {
	out := *r
	if r.Payload != nil {
		out.Payload = make(json.RawMessage, len(r.Payload))
		copy(out.Payload, r.Payload)
	}
	return &out
}

// ready reports whether the record is eligible for the next drain pass at
// the given instant. Dead-letter and in-flight records are never ready;
// failed records become ready once their backoff has elapsed.
func (r *ChangeRecord) ready(now time.Time) bool {
	switch r.Status {
	case StatusPending, StatusFailed:
		return r.NotBefore.IsZero() || !now.Before(r.NotBefore)
	}
	return false
}

// unresolved reports whether the record can still absorb later changes to
// the same entity (coalescing targets). In-flight records are being applied
// and dead-letter records are terminal, so neither coalesces.
func (r *ChangeRecord) unresolved() bool {
	return r.Status == StatusPending || r.Status == StatusFailed
}

// MergePayloads overlays patch onto base, both JSON objects, with patch
// fields winning. A nil base returns patch and vice versa. Used both for
// coalescing an update into a pending create and for folding a client
// change onto the server's current version during conflict resolution.
func MergePayloads(base, patch json.RawMessage) (json.RawMessage, error) {
	if len(base) == 0 {
		return patch, nil
	}
	if len(patch) == 0 {
		return base, nil
	}

	var baseMap, patchMap map[string]json.RawMessage
	if err := json.Unmarshal(base, &baseMap); err != nil {
		return nil, fmt.Errorf("failed to parse base payload: %w", err)
	}
	if err := json.Unmarshal(patch, &patchMap); err != nil {
		return nil, fmt.Errorf("failed to parse patch payload: %w", err)
	}

	for k, v := range patchMap {
		baseMap[k] = v
	}

	merged, err := json.Marshal(baseMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal merged payload: %w", err)
	}
	return merged, nil
}
