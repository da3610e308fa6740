package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/taskdeck/offsync/internal/bus"
	"github.com/taskdeck/offsync/internal/client"
	"github.com/taskdeck/offsync/internal/config"
	"github.com/taskdeck/offsync/internal/connectivity"
	"github.com/taskdeck/offsync/internal/coordinator"
	"github.com/taskdeck/offsync/internal/feed"
	"github.com/taskdeck/offsync/internal/queue"
	"github.com/taskdeck/offsync/internal/remote"
	"github.com/taskdeck/offsync/internal/store"
)

// engine is the fully wired sync stack shared by the run and sync
// commands.
type engine struct {
	cfg     config.Config
	store   *store.SQLite
	bus     *bus.Bus
	queue   *queue.Queue
	monitor *connectivity.Monitor
	coord   *coordinator.Coordinator
	client  *client.Client
	feed    *feed.Server

	logOut io.Closer
}

// logWriter returns the log destination for the configured setup:
// a rotating file for daemons, stderr otherwise.
func logWriter(cfg config.Config) (io.Writer, io.Closer) {
	if cfg.Log.File == "" {
		return os.Stderr, nil
	}
	lj := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAgeDays,
		Compress:   true,
	}
	return lj, lj
}

func componentLogger(w io.Writer, prefix string) *log.Logger {
	return log.New(w, prefix, log.LstdFlags)
}

// buildEngine wires the whole stack from the config. Nothing is started
// yet; the caller decides which lifecycles to run.
func buildEngine(ctx context.Context, cfg config.Config) (*engine, error) {
	logOut, logCloser := logWriter(cfg)

	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := bus.New(componentLogger(logOut, "[bus] "))

	q, err := queue.Open(ctx, st, b, componentLogger(logOut, "[queue] "))
	if err != nil {
		st.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	prober := connectivity.NewHTTPProber(cfg.Server.URL + "/health")
	monitor, err := connectivity.New(prober, b, connectivity.Config{
		ProbeInterval: cfg.Network.ProbeInterval,
		QuietWindow:   cfg.Network.QuietWindow,
		SignalFile:    cfg.Network.SignalFile,
	}, componentLogger(logOut, "[connectivity] "))
	if err != nil {
		st.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	applier, err := remote.NewHTTPApplier(cfg.Server.URL,
		remote.WithToken(cfg.Server.Token),
		remote.WithLogger(componentLogger(logOut, "[remote] ")),
	)
	if err != nil {
		st.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	coord, err := coordinator.New(q, applier, monitor, b, nil, coordinator.Config{
		MaxAttempts:  cfg.Sync.MaxAttempts,
		BaseBackoff:  cfg.Sync.BaseBackoff,
		MaxBackoff:   cfg.Sync.MaxBackoff,
		ApplyTimeout: cfg.Sync.ApplyTimeout,
		Interval:     cfg.Sync.Interval,
	}, componentLogger(logOut, "[sync] "))
	if err != nil {
		st.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	cl, err := client.New(q, coord, monitor, st, b, componentLogger(logOut, "[client] "))
	if err != nil {
		st.Close()
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, err
	}

	e := &engine{
		cfg:     cfg,
		store:   st,
		bus:     b,
		queue:   q,
		monitor: monitor,
		coord:   coord,
		client:  cl,
		logOut:  logCloser,
	}

	if cfg.Feed.Enabled {
		fs, err := feed.NewServer(cfg.Feed.Addr, b, componentLogger(logOut, "[feed] "))
		if err != nil {
			e.closeStorage()
			return nil, err
		}
		e.feed = fs
	}

	return e, nil
}

// start brings the engine up. The client facade owns the monitor and
// coordinator lifecycles; only the feed is started separately.
func (e *engine) start(ctx context.Context) error {
	if err := e.client.Start(ctx); err != nil {
		return err
	}
	if e.feed != nil {
		if err := e.feed.Start(); err != nil {
			e.client.Stop()
			return err
		}
	}
	return nil
}

// stop tears everything down in reverse order.
func (e *engine) stop() {
	if e.feed != nil {
		_ = e.feed.Stop()
	}
	e.client.Stop()
	e.closeStorage()
}

func (e *engine) closeStorage() {
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close store: %v\n", err)
	}
	if e.logOut != nil {
		_ = e.logOut.Close()
	}
}

// openQueueOnly opens just the store and queue for offline queue
// management commands.
func openQueueOnly(ctx context.Context, cfg config.Config) (*store.SQLite, *queue.Queue, error) {
	st, err := store.OpenSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open store: %w", err)
	}

	b := bus.New(componentLogger(io.Discard, ""))
	q, err := queue.Open(ctx, st, b, componentLogger(io.Discard, ""))
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, q, nil
}

func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}
