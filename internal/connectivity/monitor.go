// Package connectivity tracks whether the sync server is reachable and
// announces transitions on the event bus.
//
// State changes are debounced: a divergent probe result must hold for a
// quiet window before the published state flips, so a single dropped
// packet on a flaky link does not trigger a storm of sync passes.
package connectivity

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskdeck/offsync/internal/bus"
)

// TopicChanged is published when the settled connectivity state flips.
const TopicChanged bus.Topic = "connectivity.changed"

// ChangedEvent is the payload for TopicChanged.
type ChangedEvent struct {
	Online bool
	At     time.Time
}

// Config holds monitor settings.
type Config struct {
	// ProbeInterval is how often the prober is sampled.
	ProbeInterval time.Duration

	// QuietWindow is how long a divergent probe result must hold before
	// the settled state flips.
	QuietWindow time.Duration

	// SignalFile, when set, is a filesystem path watched for writes.
	// Platform agents touch it when the network interface changes, which
	// triggers an immediate probe instead of waiting for the next tick.
	SignalFile string
}

// DefaultConfig returns monitor settings suitable for interactive use.
func DefaultConfig() Config {
	return Config{
		ProbeInterval: 30 * time.Second,
		QuietWindow:   3 * time.Second,
	}
}

// Monitor samples a Prober on an interval and maintains a settled
// online/offline state with hysteresis.
type Monitor struct {
	prober Prober
	bus    *bus.Bus
	config Config
	logger *log.Logger

	mu             sync.Mutex
	online         bool
	candidate      bool
	candidateSince time.Time
	hasCandidate   bool

	poke    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a monitor. If logger is nil, a default logger writing to
// stderr is used.
func New(prober Prober, b *bus.Bus, config Config, logger *log.Logger) (*Monitor, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if b == nil {
		return nil, fmt.Errorf("bus cannot be nil")
	}
	if config.ProbeInterval <= 0 {
		return nil, fmt.Errorf("probe interval must be positive, got %v", config.ProbeInterval)
	}
	if config.QuietWindow < 0 {
		return nil, fmt.Errorf("quiet window cannot be negative, got %v", config.QuietWindow)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[connectivity] ", log.LstdFlags)
	}

	return &Monitor{
		prober: prober,
		bus:    b,
		config: config,
		logger: logger,
		poke:   make(chan struct{}, 1),
	}, nil
}

// Start performs an initial synchronous probe to seed the state, then
// launches the background sampling loop. The initial state is not
// published; subscribers only hear about transitions.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("monitor already started")
	}
	m.started = true
	m.mu.Unlock()

	initial := m.prober.Probe(ctx)
	m.mu.Lock()
	m.online = initial
	m.mu.Unlock()
	m.logger.Printf("Initial connectivity state: online=%v", initial)

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel

	if m.config.SignalFile != "" {
		if err := m.watchSignalFile(runCtx); err != nil {
			m.logger.Printf("Signal file watch unavailable, relying on probes: %v", err)
		}
	}

	m.wg.Add(1)
	go m.loop(runCtx)

	return nil
}

// Stop terminates the sampling loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// IsOnline returns the settled connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Poke requests an immediate probe outside the regular interval. The
// coordinator calls this after a remote request fails with a network
// error, so the monitor notices an outage without waiting a full tick.
func (m *Monitor) Poke() {
	select {
	case m.poke <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sample(ctx)
		case <-m.poke:
			m.sample(ctx)
		}
	}
}

// sample takes one probe and applies the hysteresis rules.
func (m *Monitor) sample(ctx context.Context) {
	result := m.prober.Probe(ctx)
	now := time.Now()

	m.mu.Lock()

	if result == m.online {
		// Back in agreement with the settled state; drop any candidate.
		m.hasCandidate = false
		m.mu.Unlock()
		return
	}

	if !m.hasCandidate || m.candidate != result {
		m.hasCandidate = true
		m.candidate = result
		m.candidateSince = now
	}

	if now.Sub(m.candidateSince) < m.config.QuietWindow {
		m.mu.Unlock()
		return
	}

	// The divergent state held for the whole quiet window; settle it.
	m.online = result
	m.hasCandidate = false
	m.mu.Unlock()

	m.logger.Printf("Connectivity changed: online=%v", result)
	m.bus.Publish(TopicChanged, ChangedEvent{Online: result, At: now})
}

// watchSignalFile sets up an fsnotify watcher on the signal file's
// directory and pokes the sampler whenever the file is written.
func (m *Monitor) watchSignalFile(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Watch the directory rather than the file: agents commonly replace
	// the file atomically, which would break a direct watch.
	dir := filepath.Dir(m.config.SignalFile)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	target := filepath.Clean(m.config.SignalFile)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					m.logger.Printf("Signal file touched, probing immediately")
					m.Poke()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Printf("Watcher error: %v", err)
			}
		}
	}()

	return nil
}
