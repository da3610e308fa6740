// Package client is the application-facing surface of the sync engine.
//
// UI code talks only to the Client: it records changes, reads cached
// snapshots of engine state, stores data for offline reads, and asks
// for syncs. Everything else (queue, monitor, coordinator) hangs off
// the event bus behind it.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/coordinator"
	"github.com/taskdeck/offsync/internal/queue"
	"github.com/taskdeck/offsync/internal/store"
)

// cachePrefix namespaces offline-read entries away from engine state in
// the shared store.
const cachePrefix = "cache/"

// ConnectivitySource is the slice of the connectivity monitor the
// facade needs: the settled state plus its lifecycle.
type ConnectivitySource interface {
	IsOnline() bool
	Start(ctx context.Context) error
	Stop()
}

// Snapshot is a point-in-time view of engine state. Reads are served
// from a cached copy refreshed by bus events, so UI polling never
// contends with a drain pass.
type Snapshot struct {
	Online       bool
	PendingCount int
	DeadLetters  int
	SyncRunning  bool
	LastSyncAt   time.Time
	LastSync     *coordinator.CompletedEvent
}

// Client is the facade over the sync engine.
type Client struct {
	queue  *queue.Queue
	coord  *coordinator.Coordinator
	conn   ConnectivitySource
	store  store.Store
	bus    *bus.Bus
	logger *log.Logger

	mu       sync.Mutex
	snapshot Snapshot
	started  bool
	tokens   []bus.Token
}

// New creates a client facade over already-constructed engine parts.
// The facade owns the monitor and coordinator lifecycles from Start to
// Stop. If logger is nil, a default logger writing to stderr is used.
func New(q *queue.Queue, coord *coordinator.Coordinator, conn ConnectivitySource, st store.Store, b *bus.Bus, logger *log.Logger) (*Client, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if coord == nil {
		return nil, fmt.Errorf("coordinator cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity source cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[client] ", log.LstdFlags)
	}

	return &Client{
		queue:  q,
		coord:  coord,
		conn:   conn,
		store:  st,
		bus:    b,
		logger: logger,
	}, nil
}

// Start brings the engine up: the connectivity monitor first (its
// initial probe seeds the online state), then the coordinator, then the
// subscriptions that keep the snapshot current.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("client already started")
	}

	if err := c.conn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start connectivity monitor: %w", err)
	}
	if err := c.coord.Start(ctx); err != nil {
		c.conn.Stop()
		return fmt.Errorf("failed to start coordinator: %w", err)
	}
	c.started = true

	c.snapshot = Snapshot{
		Online:       c.conn.IsOnline(),
		PendingCount: c.queue.Count(),
		DeadLetters:  len(c.queue.DeadLetters()),
	}

	c.tokens = append(c.tokens,
		c.bus.Subscribe(queue.TopicChanged, func(payload any) {
			ev, ok := payload.(queue.ChangedEvent)
			if !ok {
				return
			}
			dead := len(c.queue.DeadLetters())
			c.mu.Lock()
			c.snapshot.PendingCount = ev.PendingCount
			c.snapshot.DeadLetters = dead
			c.mu.Unlock()
		}),
		c.bus.Subscribe(connectivity.TopicChanged, func(payload any) {
			ev, ok := payload.(connectivity.ChangedEvent)
			if !ok {
				return
			}
			c.mu.Lock()
			c.snapshot.Online = ev.Online
			c.mu.Unlock()
		}),
		c.bus.Subscribe(coordinator.TopicStarted, func(any) {
			c.mu.Lock()
			c.snapshot.SyncRunning = true
			c.mu.Unlock()
		}),
		c.bus.Subscribe(coordinator.TopicCompleted, func(payload any) {
			ev, ok := payload.(coordinator.CompletedEvent)
			if !ok {
				return
			}
			c.mu.Lock()
			c.snapshot.SyncRunning = false
			c.snapshot.LastSyncAt = ev.At
			c.snapshot.LastSync = &ev
			c.mu.Unlock()
		}),
	)

	return nil
}

// Stop unsubscribes the snapshot refreshers and tears the coordinator
// and monitor down.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	tokens := c.tokens
	c.tokens = nil
	c.mu.Unlock()

	for _, tok := range tokens {
		c.bus.Unsubscribe(tok)
	}
	c.coord.Stop()
	c.conn.Stop()
}

// Status returns the cached engine snapshot.
func (c *Client) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot
}

// AddChange records a local mutation. It returns the surviving queue
// record for the entity (nil when a delete cancelled an unsent create),
// and never blocks on the network.
func (c *Client) AddChange(ctx context.Context, entityType string, op queue.Operation, entityID string, payload json.RawMessage) (*queue.ChangeRecord, error) {
	return c.queue.Enqueue(ctx, entityType, op, entityID, payload)
}

// Changes returns a copy of every queued record.
func (c *Client) Changes() []*queue.ChangeRecord {
	return c.queue.Records()
}

// DeadLetters returns the records parked for manual resolution.
func (c *Client) DeadLetters() []*queue.ChangeRecord {
	return c.queue.DeadLetters()
}

// RequestSync asks for an asynchronous drain pass and returns
// immediately.
func (c *Client) RequestSync() {
	c.coord.RequestSync()
}

// SyncNow performs a synchronous drain pass and returns its summary.
func (c *Client) SyncNow(ctx context.Context) (coordinator.CompletedEvent, error) {
	return c.coord.RunOnce(ctx)
}

// StoreOfflineData saves server data for offline reads.
func (c *Client) StoreOfflineData(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return c.store.Set(ctx, cachePrefix+key, value)
}

// OfflineData returns previously cached server data.
func (c *Client) OfflineData(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}
	return c.store.Get(ctx, cachePrefix+key)
}

// DeleteOfflineData drops a cached entry. Deleting an absent key is not
// an error.
func (c *Client) DeleteOfflineData(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	return c.store.Delete(ctx, cachePrefix+key)
}
