// Package coordinator drives the drain of the pending-change queue
// whenever connectivity allows it.
//
// At most one drain pass runs at a time. Wake-ups that arrive during a
// pass (connectivity restored, new changes enqueued) collapse into a
// single follow-up pass, so bursts of activity never stack passes.
package coordinator

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/queue"
	"github.com/taskdeck/offsync/internal/remote"
)

const (
	// TopicStarted is published when a drain pass begins.
	TopicStarted bus.Topic = "sync.started"

	// TopicCompleted is published when a drain pass ends, including
	// aborted passes.
	TopicCompleted bus.Topic = "sync.completed"

	// TopicRemapped is published when a create resolves and the server
	// assigns a real ID, so UIs can rebind provisional IDs.
	TopicRemapped bus.Topic = "sync.entity_remapped"
)

// StartedEvent is the payload for TopicStarted.
type StartedEvent struct {
	At      time.Time
	Pending int
}

// CompletedEvent is the payload for TopicCompleted.
type CompletedEvent struct {
	StartedAt    time.Time
	At           time.Time
	Duration     time.Duration
	Applied      int
	Dropped      int
	Failed       int
	DeadLettered int
	Remaining    int

	// Aborted is set when connectivity was lost mid-pass and the rest
	// of the queue was left for the next pass.
	Aborted bool

	// Success reports a clean pass: every eligible record applied
	// without failures, dead-letters, or an abort.
	Success bool
}

// RemappedEvent is the payload for TopicRemapped.
type RemappedEvent struct {
	EntityType string
	OldID      string
	NewID      string
}

// Connectivity is the slice of the monitor the coordinator needs.
type Connectivity interface {
	IsOnline() bool
	Poke()
}

// Config holds coordinator settings.
type Config struct {
	// MaxAttempts is how many transient failures a change survives
	// before it is dead-lettered.
	MaxAttempts int

	// BaseBackoff is the delay after the first transient failure. Each
	// further failure doubles it, capped at MaxBackoff.
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// ApplyTimeout bounds a single remote apply.
	ApplyTimeout time.Duration

	// Interval is the periodic drain cadence while online, catching
	// records whose backoff expired with no other wake-up.
	Interval time.Duration
}

// DefaultConfig returns coordinator settings suitable for interactive
// use.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		BaseBackoff:  2 * time.Second,
		MaxBackoff:   5 * time.Minute,
		ApplyTimeout: 15 * time.Second,
		Interval:     time.Minute,
	}
}

// Coordinator drains the queue against the remote applier.
type Coordinator struct {
	queue   *queue.Queue
	applier remote.Applier
	conn    Connectivity
	bus     *bus.Bus
	policy  ConflictPolicy
	config  Config
	logger  *log.Logger

	wake chan struct{}

	drainMu sync.Mutex // one drain pass at a time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	tokens  []bus.Token
}

// New creates a coordinator. A nil policy defaults to LastWriterWins;
// a nil logger defaults to stderr.
func New(q *queue.Queue, applier remote.Applier, conn Connectivity, b *bus.Bus, policy ConflictPolicy, config Config, logger *log.Logger) (*Coordinator, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if applier == nil {
		return nil, fmt.Errorf("applier cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity source cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if config.MaxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", config.MaxAttempts)
	}
	if config.BaseBackoff <= 0 || config.MaxBackoff < config.BaseBackoff {
		return nil, fmt.Errorf("invalid backoff range %v..%v", config.BaseBackoff, config.MaxBackoff)
	}
	if config.ApplyTimeout <= 0 {
		return nil, fmt.Errorf("apply timeout must be positive, got %v", config.ApplyTimeout)
	}
	if config.Interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", config.Interval)
	}
	if policy == nil {
		policy = LastWriterWins{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	return &Coordinator{
		queue:   q,
		applier: applier,
		conn:    conn,
		bus:     b,
		policy:  policy,
		config:  config,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Start launches the drain loop and subscribes to the wake-up sources.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("coordinator already started")
	}
	c.started = true

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.tokens = append(c.tokens,
		c.bus.Subscribe(connectivity.TopicChanged, func(payload any) {
			if ev, ok := payload.(connectivity.ChangedEvent); ok && ev.Online {
				c.requestDrain()
			}
		}),
		c.bus.Subscribe(queue.TopicChanged, func(any) {
			if c.conn.IsOnline() {
				c.requestDrain()
			}
		}),
	)

	c.wg.Add(1)
	go c.loop(runCtx)

	// Drain whatever survived the last run.
	if c.conn.IsOnline() && !c.queue.IsEmpty() {
		c.requestDrain()
	}

	return nil
}

// Stop terminates the drain loop and unsubscribes the wake-up sources.
// A pass in progress finishes its current record first.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	tokens := c.tokens
	c.tokens = nil
	cancel := c.cancel
	c.mu.Unlock()

	for _, tok := range tokens {
		c.bus.Unsubscribe(tok)
	}
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

// RequestSync schedules an asynchronous drain pass. Safe to call from
// UI code; returns immediately.
func (c *Coordinator) RequestSync() {
	c.requestDrain()
}

// requestDrain schedules a drain pass. Requests collapse: at most one
// pass is ever pending behind the running one.
func (c *Coordinator) requestDrain() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.conn.IsOnline() && !c.queue.IsEmpty() {
				c.drain(ctx)
			}
		case <-c.wake:
			c.drain(ctx)
		}
	}
}

// RunOnce performs a single drain pass synchronously. The CLI uses it
// for one-shot syncs; it shares the single-flight lock with the loop.
func (c *Coordinator) RunOnce(ctx context.Context) (CompletedEvent, error) {
	if !c.conn.IsOnline() {
		return CompletedEvent{Aborted: true}, fmt.Errorf("offline, nothing applied")
	}
	return c.drain(ctx), nil
}

// drain applies every eligible record in chronological order, stopping
// early if connectivity is lost.
func (c *Coordinator) drain(ctx context.Context) CompletedEvent {
	c.drainMu.Lock()
	defer c.drainMu.Unlock()

	started := time.Now()
	ready := c.queue.PeekReady(started)

	// The completed event is unconditional: a pass over an empty queue
	// still reports, so a UI waiting on sync feedback always hears back.
	c.bus.Publish(TopicStarted, StartedEvent{At: started, Pending: c.queue.Count()})
	if len(ready) > 0 {
		c.logger.Printf("Drain pass started: %d record(s) eligible", len(ready))
	}

	ev := CompletedEvent{StartedAt: started}
	for _, rec := range ready {
		if ctx.Err() != nil || !c.conn.IsOnline() {
			ev.Aborted = true
			break
		}
		c.applyOne(ctx, rec, &ev)
	}

	ev.At = time.Now()
	ev.Duration = time.Since(started)
	ev.Remaining = c.queue.Count()
	ev.Success = !ev.Aborted && ev.Failed == 0 && ev.DeadLettered == 0

	c.logger.Printf("Drain pass finished: applied=%d dropped=%d failed=%d dead=%d remaining=%d aborted=%v",
		ev.Applied, ev.Dropped, ev.Failed, ev.DeadLettered, ev.Remaining, ev.Aborted)
	c.bus.Publish(TopicCompleted, ev)
	return ev
}

// applyOne pushes a single record through the in-flight lifecycle and
// folds the outcome into ev.
func (c *Coordinator) applyOne(ctx context.Context, rec *queue.ChangeRecord, ev *CompletedEvent) {
	if err := c.queue.MarkInFlight(ctx, rec.ID); err != nil {
		// Raced with a user action (discard, amend); skip it this pass.
		c.logger.Printf("Skipping record %s: %v", rec.ID, err)
		return
	}

	applyCtx, cancel := context.WithTimeout(ctx, c.config.ApplyTimeout)
	res, err := c.applier.Apply(applyCtx, rec)
	cancel()

	switch {
	case err == nil:
		c.finishApplied(ctx, rec, res, ev)

	case remote.IsConflict(err):
		c.resolveConflict(ctx, rec, err, ev)

	case remote.IsPermanent(err):
		c.logger.Printf("Record %s rejected permanently: %v", rec.ID, err)
		if derr := c.queue.MarkDeadLetter(ctx, rec.ID, err.Error()); derr != nil {
			c.logger.Printf("Failed to dead-letter record %s: %v", rec.ID, derr)
		}
		ev.DeadLettered++

	default:
		// Transient: maybe we just went offline. Nudge the monitor and
		// decide between requeue-and-abort and counted retry.
		c.conn.Poke()
		if !c.conn.IsOnline() {
			if rerr := c.queue.Requeue(ctx, rec.ID); rerr != nil {
				c.logger.Printf("Failed to requeue record %s: %v", rec.ID, rerr)
			}
			ev.Aborted = true
			return
		}
		c.failTransient(ctx, rec, err, ev)
	}
}

func (c *Coordinator) finishApplied(ctx context.Context, rec *queue.ChangeRecord, res *remote.Result, ev *CompletedEvent) {
	if rec.Operation == queue.OpCreate && res != nil && res.EntityID != "" && res.EntityID != rec.EntityID {
		if err := c.queue.RemapEntity(ctx, rec.EntityType, rec.EntityID, res.EntityID); err != nil {
			c.logger.Printf("Failed to remap %s/%s to %s: %v", rec.EntityType, rec.EntityID, res.EntityID, err)
		}
		c.bus.Publish(TopicRemapped, RemappedEvent{
			EntityType: rec.EntityType,
			OldID:      rec.EntityID,
			NewID:      res.EntityID,
		})
	}
	if err := c.queue.MarkSucceeded(ctx, rec.ID); err != nil {
		c.logger.Printf("Failed to finalize record %s: %v", rec.ID, err)
		return
	}
	ev.Applied++
}

func (c *Coordinator) failTransient(ctx context.Context, rec *queue.ChangeRecord, cause error, ev *CompletedEvent) {
	attempts := rec.Attempts + 1
	if attempts >= c.config.MaxAttempts {
		reason := fmt.Sprintf("gave up after %d attempts: %v", attempts, cause)
		c.logger.Printf("Record %s: %s", rec.ID, reason)
		if err := c.queue.MarkDeadLetter(ctx, rec.ID, reason); err != nil {
			c.logger.Printf("Failed to dead-letter record %s: %v", rec.ID, err)
		}
		ev.DeadLettered++
		return
	}

	delay := c.backoff(attempts)
	c.logger.Printf("Record %s failed (attempt %d/%d), retrying in %v: %v",
		rec.ID, attempts, c.config.MaxAttempts, delay, cause)
	if err := c.queue.MarkFailed(ctx, rec.ID, cause, time.Now().Add(delay)); err != nil {
		c.logger.Printf("Failed to mark record %s failed: %v", rec.ID, err)
	}
	ev.Failed++
}

// resolveConflict consults the policy and performs at most one merged
// re-apply while the record is still in flight.
func (c *Coordinator) resolveConflict(ctx context.Context, rec *queue.ChangeRecord, cause error, ev *CompletedEvent) {
	server := remote.ConflictServerEntity(cause)

	resolution, merged, err := c.policy.Resolve(rec, server)
	if err != nil {
		c.logger.Printf("Conflict policy failed for record %s: %v", rec.ID, err)
		resolution = ResolutionDeadLetter
	}

	switch resolution {
	case ResolutionDropLocal:
		c.logger.Printf("Record %s: policy dropped the local change", rec.ID)
		if err := c.queue.MarkSucceeded(ctx, rec.ID); err != nil {
			c.logger.Printf("Failed to drop record %s: %v", rec.ID, err)
			return
		}
		ev.Dropped++

	case ResolutionRetryMerged:
		retry := *rec
		retry.Payload = merged

		applyCtx, cancel := context.WithTimeout(ctx, c.config.ApplyTimeout)
		res, err := c.applier.Apply(applyCtx, &retry)
		cancel()

		if err != nil {
			reason := fmt.Sprintf("merged retry failed: %v", err)
			c.logger.Printf("Record %s: %s", rec.ID, reason)
			if derr := c.queue.MarkDeadLetter(ctx, rec.ID, reason); derr != nil {
				c.logger.Printf("Failed to dead-letter record %s: %v", rec.ID, derr)
			}
			ev.DeadLettered++
			return
		}
		c.finishApplied(ctx, rec, res, ev)

	default:
		reason := "conflict requires manual resolution"
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		} else if server != nil && !rec.CreatedAt.After(server.LastModified) {
			reason = "conflict: server holds a newer version"
		}
		if derr := c.queue.MarkDeadLetter(ctx, rec.ID, reason); derr != nil {
			c.logger.Printf("Failed to dead-letter record %s: %v", rec.ID, derr)
		}
		ev.DeadLettered++
	}
}

// backoff returns the delay before the given attempt number retries.
func (c *Coordinator) backoff(attempts int) time.Duration {
	delay := c.config.BaseBackoff
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.config.MaxBackoff {
			return c.config.MaxBackoff
		}
	}
	if delay > c.config.MaxBackoff {
		return c.config.MaxBackoff
	}
	return delay
}
