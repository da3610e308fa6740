// Package queue provides the durable pending-change queue for the offline
// client.
//
// The queue is an ordered, persisted log of mutations attempted while
// offline. It owns the set of ChangeRecords exclusively: only the queue
// mutates record status and attempt counts, and every mutation is funneled
// through one in-process critical section so concurrent callers (UI firing
// changes while a drain pass is running) never race on the persisted blob.
//
// Later changes for an entity that already has an unresolved record are
// coalesced instead of appended, so one entity never issues redundant or
// contradictory remote calls:
//
//   - update after pending create: merged into the create's payload
//   - update after pending update: replaces the payload, keeps position
//   - delete after pending update: supersedes, discards the update
//   - delete after pending create: cancels both (never existed remotely)
//   - anything after pending delete: dropped (deletion wins)
//
// The whole record set is persisted as one snapshot under a fixed storage
// key after every mutation, and round-trips exactly across process
// restarts.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/store"
)

// StorageKey is the fixed store key for the persisted record set.
const StorageKey = "queue/changes"

// TopicChanged is published after every queue mutation.
const TopicChanged bus.Topic = "queue.changed"

// ChangedEvent is the payload for TopicChanged.
type ChangedEvent struct {
	// PendingCount is the number of records in the queue, dead-letter
	// records included.
	PendingCount int
}

// ErrNotFound is returned when a record ID does not exist in the queue.
var ErrNotFound = errors.New("change record not found")

// snapshot is the persisted form of the queue: the ordered record set plus
// the enqueue sequence counter, serialized with msgpack under StorageKey.
type snapshot struct {
	Seq     uint64          `msgpack:"seq"`
	Records []*ChangeRecord `msgpack:"records"`
}

// Queue is the durable pending-change queue.
type Queue struct {
	store  store.Store
	bus    *bus.Bus
	logger *log.Logger

	mu      sync.Mutex
	records []*ChangeRecord // chronological (CreatedAt, Seq) order
	seq     uint64
}

// Open loads the persisted record set from st and returns a ready Queue.
//
// Records left in-flight by a crash are returned to pending: an interrupted
// apply may or may not have reached the server, but re-applying is the
// conservative choice and the remote API is expected to tolerate replays.
//
// If logger is nil, a default logger writing to stderr is used.
func Open(ctx context.Context, st store.Store, b *bus.Bus, logger *log.Logger) (*Queue, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}

	q := &Queue{store: st, bus: b, logger: logger}

	blob, ok, err := st.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load change queue: %w", err)
	}
	if !ok {
		return q, nil
	}

	var snap snapshot
	if err := msgpack.Unmarshal(blob, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode change queue snapshot: %w", err)
	}
	q.records = snap.Records
	q.seq = snap.Seq

	// Crash recovery: nothing is in flight when the process starts.
	recovered := 0
	for _, r := range q.records {
		if r.Status == StatusInFlight {
			r.Status = StatusPending
			recovered++
		}
	}
	if recovered > 0 {
		q.logger.Printf("Recovered %d in-flight record(s) to pending after restart", recovered)
		if err := q.persistLocked(ctx); err != nil {
			return nil, err
		}
	}

	return q, nil
}

// Enqueue records a mutation, applying the coalescing rules, persists the
// resulting record set atomically, and publishes TopicChanged.
//
// For creates, entityID is the UI's provisional client-side ID (may be
// empty, which disables coalescing for that record). Update and delete
// require an entityID.
//
// It returns the surviving record for the entity, which is the newly
// appended record, the earlier record the change was folded into, or nil
// when a delete cancelled an unsent create.
func (q *Queue) Enqueue(ctx context.Context, entityType string, op Operation, entityID string, payload json.RawMessage) (*ChangeRecord, error) {
	if entityType == "" {
		return nil, fmt.Errorf("entityType cannot be empty")
	}
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}
	if op != OpCreate && entityID == "" {
		return nil, fmt.Errorf("%s requires an entity ID", op)
	}
	if op == OpDelete {
		payload = nil
	}

	q.mu.Lock()

	prevRecords, prevSeq := q.backupLocked()

	surviving, changed, err := q.coalesceLocked(entityType, op, entityID, payload)
	if err != nil {
		q.mu.Unlock()
		return nil, err
	}
	if !changed {
		// Deletion wins: the incoming change was dropped, nothing to
		// persist or announce.
		out := surviving.clone()
		q.mu.Unlock()
		return out, nil
	}

	if err := q.persistLocked(ctx); err != nil {
		q.records, q.seq = prevRecords, prevSeq
		q.mu.Unlock()
		return nil, err
	}

	var out *ChangeRecord
	if surviving != nil {
		out = surviving.clone()
	}
	count := len(q.records)
	q.mu.Unlock()

	q.bus.Publish(TopicChanged, ChangedEvent{PendingCount: count})
	return out, nil
}

// coalesceLocked applies the rules of the package comment and reports the
// surviving record and whether the record set changed.
func (q *Queue) coalesceLocked(entityType string, op Operation, entityID string, payload json.RawMessage) (*ChangeRecord, bool, error) {
	key := ""
	if entityID != "" {
		key = entityType + "/" + entityID
	}

	target := q.lastUnresolvedLocked(key)
	if target == nil {
		rec := q.appendLocked(entityType, op, entityID, payload)
		return rec, true, nil
	}

	switch target.Operation {
	case OpDelete:
		// Deletion wins: drop the incoming change entirely.
		return target, false, nil

	case OpCreate:
		if op == OpDelete {
			// The entity never existed remotely; cancel both.
			q.removeLocked(target.ID)
			return nil, true, nil
		}
		merged, err := MergePayloads(target.Payload, payload)
		if err != nil {
			return nil, false, fmt.Errorf("failed to coalesce into create: %w", err)
		}
		target.Payload = merged
		return target, true, nil

	case OpUpdate:
		if op == OpDelete {
			// Delete supersedes: discard the update, append the delete.
			q.removeLocked(target.ID)
			rec := q.appendLocked(entityType, OpDelete, entityID, nil)
			return rec, true, nil
		}
		// A later update replaces the payload but keeps the earlier
		// CreatedAt, preserving the record's position in the queue.
		target.Payload = payload
		return target, true, nil
	}

	return nil, false, fmt.Errorf("record %s has invalid operation %q", target.ID, target.Operation)
}

// appendLocked creates and appends a fresh record.
func (q *Queue) appendLocked(entityType string, op Operation, entityID string, payload json.RawMessage) *ChangeRecord {
	q.seq++
	rec := &ChangeRecord{
		ID:         uuid.New().String(),
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  op,
		Payload:    payload,
		CreatedAt:  time.Now().UTC(),
		Seq:        q.seq,
		Status:     StatusPending,
	}
	q.records = append(q.records, rec)
	return rec
}

// lastUnresolvedLocked returns the latest pending or failed record for the
// entity key, or nil. In-flight and dead-letter records never coalesce.
func (q *Queue) lastUnresolvedLocked(key string) *ChangeRecord {
	if key == "" {
		return nil
	}
	for i := len(q.records) - 1; i >= 0; i-- {
		r := q.records[i]
		if r.entityKey() == key && r.unresolved() {
			return r
		}
	}
	return nil
}

// removeLocked deletes the record with the given ID from the slice.
func (q *Queue) removeLocked(id string) {
	for i, r := range q.records {
		if r.ID == id {
			q.records = append(q.records[:i:i], q.records[i+1:]...)
			return
		}
	}
}

// PeekReady returns the records eligible for a drain pass at now, in
// chronological order.
//
// Per-entity order is strict: only the earliest record for an entity is
// ever returned, and an entity is skipped entirely while one of its
// records is in flight or while its earliest record is not yet eligible
// (backoff, dead-letter). Records without an entity ID are independent.
func (q *Queue) PeekReady(now time.Time) []*ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	inflight := make(map[string]bool)
	for _, r := range q.records {
		if r.Status == StatusInFlight && r.entityKey() != "" {
			inflight[r.entityKey()] = true
		}
	}

	var out []*ChangeRecord
	seen := make(map[string]bool)
	for _, r := range q.records {
		key := r.entityKey()
		if key != "" {
			if inflight[key] || seen[key] {
				continue
			}
			seen[key] = true
		}
		if r.ready(now) {
			out = append(out, r.clone())
		}
	}
	return out
}

// MarkInFlight transitions a pending or failed record to in-flight.
// It enforces the at-most-one-in-flight-per-entity invariant.
func (q *Queue) MarkInFlight(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if !rec.unresolved() {
			return fmt.Errorf("record %s is %s, cannot mark in-flight", id, rec.Status)
		}
		if key := rec.entityKey(); key != "" {
			for _, other := range q.records {
				if other.ID != id && other.entityKey() == key && other.Status == StatusInFlight {
					return fmt.Errorf("entity %s already has record %s in flight", key, other.ID)
				}
			}
		}
		rec.Status = StatusInFlight
		return nil
	})
}

// MarkSucceeded removes an in-flight record after the remote accepted it.
func (q *Queue) MarkSucceeded(ctx context.Context, id string) error {
	q.mu.Lock()

	rec := q.findLocked(id)
	if rec == nil {
		q.mu.Unlock()
		return fmt.Errorf("mark succeeded: %w: %s", ErrNotFound, id)
	}
	if rec.Status != StatusInFlight {
		q.mu.Unlock()
		return fmt.Errorf("record %s is %s, cannot mark succeeded", id, rec.Status)
	}

	prevRecords, prevSeq := q.backupLocked()
	q.removeLocked(id)

	if err := q.persistLocked(ctx); err != nil {
		q.records, q.seq = prevRecords, prevSeq
		q.mu.Unlock()
		return err
	}

	count := len(q.records)
	q.mu.Unlock()

	q.bus.Publish(TopicChanged, ChangedEvent{PendingCount: count})
	return nil
}

// MarkFailed records a transient failure: the attempt count is incremented
// and the record waits out notBefore before becoming eligible again.
func (q *Queue) MarkFailed(ctx context.Context, id string, attemptErr error, notBefore time.Time) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if rec.Status != StatusInFlight {
			return fmt.Errorf("record %s is %s, cannot mark failed", id, rec.Status)
		}
		rec.Status = StatusFailed
		rec.Attempts++
		rec.NotBefore = notBefore
		if attemptErr != nil {
			rec.LastError = attemptErr.Error()
		}
		return nil
	})
}

// MarkDeadLetter parks a record terminally. Dead-letter records are never
// retried automatically; they persist until RetryDeadLetter or Discard.
func (q *Queue) MarkDeadLetter(ctx context.Context, id, reason string) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if rec.Status == StatusDeadLetter {
			return nil
		}
		if rec.Status == StatusInFlight {
			rec.Attempts++
		}
		rec.Status = StatusDeadLetter
		rec.LastError = reason
		return nil
	})
}

// Requeue returns an in-flight record to pending without counting an
// attempt. The coordinator uses this when a drain pass aborts because
// connectivity was lost mid-pass.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if rec.Status != StatusInFlight {
			return fmt.Errorf("record %s is %s, cannot requeue", id, rec.Status)
		}
		rec.Status = StatusPending
		rec.NotBefore = time.Time{}
		return nil
	})
}

// RetryDeadLetter returns a dead-letter record to pending by user action,
// resetting its attempt count. A non-zero notBefore delays eligibility.
func (q *Queue) RetryDeadLetter(ctx context.Context, id string, notBefore time.Time) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if rec.Status != StatusDeadLetter {
			return fmt.Errorf("record %s is %s, not dead-letter", id, rec.Status)
		}
		rec.Status = StatusPending
		rec.Attempts = 0
		rec.NotBefore = notBefore
		rec.LastError = ""
		return nil
	})
}

// Amend replaces a dead-letter record's payload, typically after a human
// edited it during manual resolution.
func (q *Queue) Amend(ctx context.Context, id string, payload json.RawMessage) error {
	return q.transition(ctx, id, func(rec *ChangeRecord) error {
		if rec.Status != StatusDeadLetter {
			return fmt.Errorf("record %s is %s, only dead-letter records can be amended", id, rec.Status)
		}
		rec.Payload = payload
		return nil
	})
}

// RemapEntity rewrites the entity ID on every non-in-flight record for
// the entity. The coordinator calls this after a create succeeds and the
// server assigns a real ID, so changes queued against the provisional
// client ID reach the right entity.
func (q *Queue) RemapEntity(ctx context.Context, entityType, oldID, newID string) error {
	if oldID == "" || newID == "" || oldID == newID {
		return nil
	}

	q.mu.Lock()

	changed := false
	prevRecords, prevSeq := q.backupLocked()
	for _, r := range q.records {
		if r.EntityType == entityType && r.EntityID == oldID && r.Status != StatusInFlight {
			r.EntityID = newID
			changed = true
		}
	}
	if !changed {
		q.mu.Unlock()
		return nil
	}

	if err := q.persistLocked(ctx); err != nil {
		q.records, q.seq = prevRecords, prevSeq
		q.mu.Unlock()
		return err
	}

	count := len(q.records)
	q.mu.Unlock()

	q.bus.Publish(TopicChanged, ChangedEvent{PendingCount: count})
	return nil
}

// Discard removes a record permanently by user action.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()

	if q.findLocked(id) == nil {
		q.mu.Unlock()
		return fmt.Errorf("discard: %w: %s", ErrNotFound, id)
	}

	prevRecords, prevSeq := q.backupLocked()
	q.removeLocked(id)

	if err := q.persistLocked(ctx); err != nil {
		q.records, q.seq = prevRecords, prevSeq
		q.mu.Unlock()
		return err
	}

	count := len(q.records)
	q.mu.Unlock()

	q.bus.Publish(TopicChanged, ChangedEvent{PendingCount: count})
	return nil
}

// transition applies fn to the record with the given ID, persists, and
// publishes TopicChanged. fn runs inside the critical section.
func (q *Queue) transition(ctx context.Context, id string, fn func(rec *ChangeRecord) error) error {
	q.mu.Lock()

	rec := q.findLocked(id)
	if rec == nil {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	prev := rec.clone()
	if err := fn(rec); err != nil {
		q.mu.Unlock()
		return err
	}

	if err := q.persistLocked(ctx); err != nil {
		*rec = *prev
		q.mu.Unlock()
		return err
	}

	count := len(q.records)
	q.mu.Unlock()

	// Published outside the critical section so handlers can reenter the
	// queue without deadlocking.
	q.bus.Publish(TopicChanged, ChangedEvent{PendingCount: count})
	return nil
}

// findLocked returns the record with the given ID, or nil.
func (q *Queue) findLocked(id string) *ChangeRecord {
	for _, r := range q.records {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// backupLocked snapshots the in-memory state for rollback on persist
// failure. Records are deep-copied because coalescing mutates in place.
func (q *Queue) backupLocked() ([]*ChangeRecord, uint64) {
	backup := make([]*ChangeRecord, len(q.records))
	for i, r := range q.records {
		backup[i] = r.clone()
	}
	return backup, q.seq
}

// persistLocked serializes the ordered record set and writes it under
// StorageKey. A storage fault propagates to the caller unchanged; the
// caller rolls back the in-memory mutation so memory and disk never
// diverge.
func (q *Queue) persistLocked(ctx context.Context) error {
	blob, err := msgpack.Marshal(snapshot{Seq: q.seq, Records: q.records})
	if err != nil {
		return fmt.Errorf("failed to encode change queue snapshot: %w", err)
	}
	if err := q.store.Set(ctx, StorageKey, blob); err != nil {
		return fmt.Errorf("failed to persist change queue: %w", err)
	}
	return nil
}

// Count returns the number of records in the queue, dead-letters included.
func (q *Queue) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.records)
}

// IsEmpty reports whether the queue holds no records at all.
func (q *Queue) IsEmpty() bool {
	return q.Count() == 0
}

// Get returns a copy of the record with the given ID.
func (q *Queue) Get(id string) (*ChangeRecord, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	rec := q.findLocked(id)
	if rec == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.clone(), nil
}

// Records returns a copy of every record in chronological order.
func (q *Queue) Records() []*ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*ChangeRecord, len(q.records))
	for i, r := range q.records {
		out[i] = r.clone()
	}
	return out
}

// DeadLetters returns copies of all dead-letter records.
func (q *Queue) DeadLetters() []*ChangeRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*ChangeRecord
	for _, r := range q.records {
		if r.Status == StatusDeadLetter {
			out = append(out, r.clone())
		}
	}
	return out
}
