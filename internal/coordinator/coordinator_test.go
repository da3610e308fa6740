package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/queue"
	"github.com/taskdeck/offsync/internal/remote"
	"github.com/taskdeck/offsync/internal/store"
)

// fakeApplier forwards each apply to a scripted function and records
// the payloads it saw.
type fakeApplier struct {
	mu    sync.Mutex
	fn    func(rec *queue.ChangeRecord) (*remote.Result, error)
	calls []*queue.ChangeRecord
}

func (a *fakeApplier) Apply(ctx context.Context, rec *queue.ChangeRecord) (*remote.Result, error) {
	a.mu.Lock()
	cp := *rec
	a.calls = append(a.calls, &cp)
	fn := a.fn
	a.mu.Unlock()

	if fn == nil {
		return &remote.Result{EntityID: rec.EntityID, LastModified: time.Now().UTC()}, nil
	}
	return fn(rec)
}

func (a *fakeApplier) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.calls)
}

// fakeConn is a scriptable connectivity source.
type fakeConn struct {
	mu     sync.Mutex
	online bool
	pokes  int
}

func (c *fakeConn) IsOnline() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

func (c *fakeConn) Poke() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pokes++
}

func (c *fakeConn) setOnline(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.online = v
}

type fixture struct {
	queue   *queue.Queue
	bus     *bus.Bus
	applier *fakeApplier
	conn    *fakeConn
	coord   *Coordinator
}

func testConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseBackoff:  10 * time.Millisecond,
		MaxBackoff:   100 * time.Millisecond,
		ApplyTimeout: time.Second,
		Interval:     time.Hour,
	}
}

func newFixture(t *testing.T, policy ConflictPolicy) *fixture {
	t.Helper()

	quiet := log.New(io.Discard, "", 0)
	b := bus.New(quiet)
	q, err := queue.Open(context.Background(), store.NewMemory(), b, quiet)
	if err != nil {
		t.Fatalf("queue.Open() failed: %v", err)
	}

	applier := &fakeApplier{}
	conn := &fakeConn{online: true}

	coord, err := New(q, applier, conn, b, policy, testConfig(), quiet)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return &fixture{queue: q, bus: b, applier: applier, conn: conn, coord: coord}
}

func enqueue(t *testing.T, f *fixture, op queue.Operation, entityID, payload string) *queue.ChangeRecord {
	t.Helper()

	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	rec, err := f.queue.Enqueue(context.Background(), "task", op, entityID, raw)
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return rec
}

// TestRunOnce_DrainsQueueInOrder verifies the happy path and the
// started/completed events.
func TestRunOnce_DrainsQueueInOrder(t *testing.T) {
	f := newFixture(t, nil)

	enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)
	enqueue(t, f, queue.OpUpdate, "b", `{"n":2}`)
	enqueue(t, f, queue.OpDelete, "c", "")

	var startedEvents []StartedEvent
	var completed []CompletedEvent
	f.bus.Subscribe(TopicStarted, func(p any) { startedEvents = append(startedEvents, p.(StartedEvent)) })
	f.bus.Subscribe(TopicCompleted, func(p any) { completed = append(completed, p.(CompletedEvent)) })

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.Applied != 3 || ev.Failed != 0 || ev.DeadLettered != 0 {
		t.Errorf("summary = %+v, want 3 applied", ev)
	}
	if !ev.Success {
		t.Error("Success = false for a clean pass")
	}
	if !f.queue.IsEmpty() {
		t.Errorf("queue still has %d record(s)", f.queue.Count())
	}
	if len(startedEvents) != 1 || startedEvents[0].Pending != 3 {
		t.Errorf("started events = %v, want one with 3 pending", startedEvents)
	}
	if len(completed) != 1 || completed[0].Remaining != 0 {
		t.Errorf("completed events = %v, want one with 0 remaining", completed)
	}

	// Applies happened in enqueue order.
	f.applier.mu.Lock()
	defer f.applier.mu.Unlock()
	if len(f.applier.calls) != 3 {
		t.Fatalf("applier saw %d calls, want 3", len(f.applier.calls))
	}
	if f.applier.calls[0].EntityID != "a" || f.applier.calls[2].EntityID != "c" {
		t.Error("records applied out of chronological order")
	}
}

// TestRunOnce_OfflineFailsFast verifies the offline guard.
func TestRunOnce_OfflineFailsFast(t *testing.T) {
	f := newFixture(t, nil)
	f.conn.setOnline(false)
	enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)

	if _, err := f.coord.RunOnce(context.Background()); err == nil {
		t.Error("RunOnce() succeeded while offline")
	}
	if f.applier.callCount() != 0 {
		t.Error("applier called while offline")
	}
}

// TestRunOnce_EmptyQueueReportsCompletion verifies that a pass over an
// empty queue still announces itself, so callers waiting on sync
// feedback always get an answer.
func TestRunOnce_EmptyQueueReportsCompletion(t *testing.T) {
	f := newFixture(t, nil)

	var started []StartedEvent
	var completed []CompletedEvent
	f.bus.Subscribe(TopicStarted, func(p any) { started = append(started, p.(StartedEvent)) })
	f.bus.Subscribe(TopicCompleted, func(p any) { completed = append(completed, p.(CompletedEvent)) })

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if len(started) != 1 || len(completed) != 1 {
		t.Fatalf("events = %d started, %d completed, want 1 of each", len(started), len(completed))
	}
	got := completed[0]
	if got.Applied != 0 || got.Failed != 0 || got.DeadLettered != 0 || got.Remaining != 0 {
		t.Errorf("event = %+v, want zero counts", got)
	}
	if !got.Success {
		t.Error("Success = false for a clean empty pass")
	}
	if got.StartedAt.IsZero() || got.At.Before(got.StartedAt) {
		t.Errorf("timestamps = started %v, finished %v, want ordered", got.StartedAt, got.At)
	}
	if !ev.Success {
		t.Error("returned summary disagrees with the published event")
	}
}

// TestDrain_TransientFailureBacksOff verifies attempt counting and the
// exponential backoff schedule.
func TestDrain_TransientFailureBacksOff(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{Class: remote.ClassTransient, Detail: "503"}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)

	before := time.Now()
	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.Failed != 1 {
		t.Errorf("Failed = %d, want 1", ev.Failed)
	}
	if ev.Success {
		t.Error("Success = true for a pass with a failure")
	}
	got, _ := f.queue.Get(rec.ID)
	if got.Status != queue.StatusFailed || got.Attempts != 1 {
		t.Errorf("record = status %s attempts %d, want failed/1", got.Status, got.Attempts)
	}
	if !got.NotBefore.After(before) {
		t.Error("NotBefore not pushed into the future")
	}

	// An immediate second pass skips the backing-off record.
	calls := f.applier.callCount()
	if _, err := f.coord.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.applier.callCount() != calls {
		t.Error("record retried before its backoff elapsed")
	}
}

// TestDrain_MaxAttemptsDeadLetters verifies the retry cap.
func TestDrain_MaxAttemptsDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{Class: remote.ClassTransient, Detail: "503"}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)

	// Drive the record through MaxAttempts transient failures.
	for i := 0; i < testConfig().MaxAttempts; i++ {
		time.Sleep(testConfig().MaxBackoff + 10*time.Millisecond)
		if _, err := f.coord.RunOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	got, _ := f.queue.Get(rec.ID)
	if got.Status != queue.StatusDeadLetter {
		t.Errorf("status = %s after exhausting retries, want dead-letter", got.Status)
	}
}

// TestDrain_PermanentRejectionDeadLetters verifies the permanent path.
func TestDrain_PermanentRejectionDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{Class: remote.ClassPermanent, Detail: "422 validation"}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", ev.DeadLettered)
	}
	got, _ := f.queue.Get(rec.ID)
	if got.Status != queue.StatusDeadLetter || got.Attempts != 1 {
		t.Errorf("record = status %s attempts %d, want dead-letter/1", got.Status, got.Attempts)
	}
	if got.LastError == "" {
		t.Error("dead-letter record carries no reason")
	}
}

// TestDrain_OfflineMidPassRequeues verifies that losing connectivity
// aborts the pass without charging an attempt.
func TestDrain_OfflineMidPassRequeues(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(rec *queue.ChangeRecord) (*remote.Result, error) {
		f.conn.setOnline(false)
		return nil, &remote.ApplyError{Class: remote.ClassTransient, Detail: "connection reset"}
	}
	first := enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)
	enqueue(t, f, queue.OpUpdate, "b", `{"n":2}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if !ev.Aborted {
		t.Error("pass not marked aborted")
	}
	if f.applier.callCount() != 1 {
		t.Errorf("applier saw %d calls after going offline, want 1", f.applier.callCount())
	}

	got, _ := f.queue.Get(first.ID)
	if got.Status != queue.StatusPending || got.Attempts != 0 {
		t.Errorf("record = status %s attempts %d, want pending/0 (no attempt charged)", got.Status, got.Attempts)
	}
	if ev.Remaining != 2 {
		t.Errorf("Remaining = %d, want 2", ev.Remaining)
	}
}

// TestDrain_ConflictLocalNewerRetriesMerged verifies the last-writer-wins
// merged retry when the local change is newer than the server copy.
func TestDrain_ConflictLocalNewerRetriesMerged(t *testing.T) {
	f := newFixture(t, nil)

	serverCopy := &remote.ServerEntity{
		ID:           "a",
		LastModified: time.Now().Add(-time.Hour).UTC(),
		Data:         json.RawMessage(`{"title":"Server","owner":"pat"}`),
	}
	conflicted := false
	f.applier.fn = func(rec *queue.ChangeRecord) (*remote.Result, error) {
		if !conflicted {
			conflicted = true
			return nil, &remote.ApplyError{Class: remote.ClassConflict, Server: serverCopy}
		}
		return &remote.Result{EntityID: rec.EntityID, LastModified: time.Now().UTC()}, nil
	}

	enqueue(t, f, queue.OpUpdate, "a", `{"title":"Local"}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.Applied != 1 || ev.DeadLettered != 0 {
		t.Errorf("summary = %+v, want 1 applied via merged retry", ev)
	}
	if !f.queue.IsEmpty() {
		t.Error("record still queued after merged retry succeeded")
	}

	// The retry carried the server data overlaid with the local fields.
	f.applier.mu.Lock()
	retry := f.applier.calls[len(f.applier.calls)-1]
	f.applier.mu.Unlock()

	var merged map[string]any
	if err := json.Unmarshal(retry.Payload, &merged); err != nil {
		t.Fatalf("failed to parse retry payload: %v", err)
	}
	if merged["title"] != "Local" || merged["owner"] != "pat" {
		t.Errorf("retry payload = %v, want local title over server fields", merged)
	}
}

// TestDrain_ConflictServerNewerDeadLetters verifies that a change the
// server overrules is parked for inspection, never silently deleted.
func TestDrain_ConflictServerNewerDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{
			Class: remote.ClassConflict,
			Server: &remote.ServerEntity{
				ID:           "a",
				LastModified: time.Now().Add(time.Hour).UTC(),
				Data:         json.RawMessage(`{"title":"Server"}`),
			},
		}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"title":"Local"}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.DeadLettered != 1 || ev.Applied != 0 || ev.Dropped != 0 {
		t.Errorf("summary = %+v, want 1 dead-lettered", ev)
	}
	got, _ := f.queue.Get(rec.ID)
	if got == nil || got.Status != queue.StatusDeadLetter {
		t.Fatalf("record = %+v, want dead-letter status", got)
	}
	if !strings.Contains(got.LastError, "newer") {
		t.Errorf("LastError = %q, want a newer-version conflict reason", got.LastError)
	}
	if f.applier.callCount() != 1 {
		t.Error("losing change was retried")
	}
}

// dropLocalPolicy always abandons the local change. It stands in for a
// caller that opts into silent convergence.
type dropLocalPolicy struct{}

func (dropLocalPolicy) Resolve(*queue.ChangeRecord, *remote.ServerEntity) (Resolution, json.RawMessage, error) {
	return ResolutionDropLocal, nil, nil
}

// TestDrain_PolicyCanDropLocal verifies the opt-in drop resolution for
// custom policies.
func TestDrain_PolicyCanDropLocal(t *testing.T) {
	f := newFixture(t, dropLocalPolicy{})
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{Class: remote.ClassConflict, Detail: "409"}
	}
	enqueue(t, f, queue.OpUpdate, "a", `{"title":"Local"}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.Dropped != 1 || ev.DeadLettered != 0 {
		t.Errorf("summary = %+v, want 1 dropped", ev)
	}
	if !f.queue.IsEmpty() {
		t.Error("dropped record still queued")
	}
}

// TestDrain_ConflictRetryFailureDeadLetters verifies that the merged
// retry gets exactly one shot.
func TestDrain_ConflictRetryFailureDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{
			Class: remote.ClassConflict,
			Server: &remote.ServerEntity{
				ID:           "a",
				LastModified: time.Now().Add(-time.Hour).UTC(),
				Data:         json.RawMessage(`{}`),
			},
		}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"title":"Local"}`)

	ev, err := f.coord.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() failed: %v", err)
	}

	if ev.DeadLettered != 1 {
		t.Errorf("DeadLettered = %d, want 1", ev.DeadLettered)
	}
	if f.applier.callCount() != 2 {
		t.Errorf("applier saw %d calls, want original plus one retry", f.applier.callCount())
	}
	got, _ := f.queue.Get(rec.ID)
	if got.Status != queue.StatusDeadLetter {
		t.Errorf("status = %s, want dead-letter", got.Status)
	}
}

// TestDrain_ConflictWithoutServerCopyDeadLetters verifies the fallback
// when the server gives nothing to compare against.
func TestDrain_ConflictWithoutServerCopyDeadLetters(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(*queue.ChangeRecord) (*remote.Result, error) {
		return nil, &remote.ApplyError{Class: remote.ClassConflict, Detail: "409"}
	}
	rec := enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)

	if _, err := f.coord.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	got, _ := f.queue.Get(rec.ID)
	if got.Status != queue.StatusDeadLetter {
		t.Errorf("status = %s, want dead-letter", got.Status)
	}
}

// TestDrain_CreateRemapsProvisionalID verifies the remap event when the
// server assigns a real ID.
func TestDrain_CreateRemapsProvisionalID(t *testing.T) {
	f := newFixture(t, nil)
	f.applier.fn = func(rec *queue.ChangeRecord) (*remote.Result, error) {
		return &remote.Result{EntityID: "srv-42", LastModified: time.Now().UTC()}, nil
	}
	enqueue(t, f, queue.OpCreate, "local-1", `{"title":"A"}`)

	var remaps []RemappedEvent
	f.bus.Subscribe(TopicRemapped, func(p any) { remaps = append(remaps, p.(RemappedEvent)) })

	if _, err := f.coord.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(remaps) != 1 {
		t.Fatalf("remap events = %d, want 1", len(remaps))
	}
	if remaps[0].OldID != "local-1" || remaps[0].NewID != "srv-42" {
		t.Errorf("remap = %+v, want local-1 -> srv-42", remaps[0])
	}
}

// TestStart_WakesOnEnqueueAndConnectivity verifies the background loop's
// wake-up sources.
func TestStart_WakesOnEnqueueAndConnectivity(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	defer f.coord.Stop()

	// An enqueue while online triggers a pass.
	enqueue(t, f, queue.OpUpdate, "a", `{"n":1}`)
	waitFor(t, func() bool { return f.queue.IsEmpty() }, "enqueue did not trigger a drain")

	// While offline, enqueues accumulate.
	f.conn.setOnline(false)
	enqueue(t, f, queue.OpUpdate, "b", `{"n":2}`)
	time.Sleep(50 * time.Millisecond)
	if f.queue.IsEmpty() {
		t.Fatal("queue drained while offline")
	}

	// Going online drains the backlog.
	f.conn.setOnline(true)
	f.bus.Publish(connectivity.TopicChanged, connectivity.ChangedEvent{Online: true, At: time.Now()})
	waitFor(t, func() bool { return f.queue.IsEmpty() }, "reconnect did not trigger a drain")
}

// TestDrain_SingleFlight verifies that concurrent sync requests share
// the single-flight lock: drain passes serialize and applies never
// overlap.
func TestDrain_SingleFlight(t *testing.T) {
	f := newFixture(t, nil)

	var mu sync.Mutex
	active, maxActive := 0, 0
	f.applier.fn = func(rec *queue.ChangeRecord) (*remote.Result, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()

		time.Sleep(5 * time.Millisecond)

		mu.Lock()
		active--
		mu.Unlock()
		return &remote.Result{EntityID: rec.EntityID, LastModified: time.Now().UTC()}, nil
	}

	for i := 0; i < 6; i++ {
		enqueue(t, f, queue.OpUpdate, fmt.Sprintf("e%d", i), `{"n":1}`)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.coord.RunOnce(context.Background()); err != nil {
				t.Errorf("RunOnce() failed: %v", err)
			}
		}()
	}
	f.coord.RequestSync()
	wg.Wait()

	mu.Lock()
	overlap := maxActive
	mu.Unlock()
	if overlap != 1 {
		t.Errorf("observed %d overlapping applies, want passes to serialize", overlap)
	}
	if f.applier.callCount() != 6 {
		t.Errorf("applier saw %d calls, want each record applied exactly once", f.applier.callCount())
	}
	if !f.queue.IsEmpty() {
		t.Errorf("queue still has %d record(s)", f.queue.Count())
	}
}

// TestBackoff_Schedule verifies doubling and the cap.
func TestBackoff_Schedule(t *testing.T) {
	f := newFixture(t, nil)
	f.coord.config.BaseBackoff = time.Second
	f.coord.config.MaxBackoff = 10 * time.Second

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	for i, w := range want {
		if got := f.coord.backoff(i + 1); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}
