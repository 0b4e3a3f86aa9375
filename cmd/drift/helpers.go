package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"

	"github.com/regattalab/driftsync/internal/config"
	"github.com/regattalab/driftsync/internal/queue"
	"github.com/regattalab/driftsync/internal/store"
)

// loadConfig loads the configuration or exits.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openStore opens the configured backend, creating parent directories as
// needed. One-shot commands pass a discard logger.
func openStore(cfg *config.Config, logger *log.Logger) store.Store {
	path := cfg.StorePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	var st store.Store
	var err error
	switch cfg.Storage.Backend {
	case config.BackendFileLog:
		var kv *store.DirKV
		kv, err = store.NewDirKV(path)
		if err == nil {
			st, err = store.OpenFileLog(kv, logger)
		}
	default:
		st, err = store.OpenSQLite(path, logger)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	return st
}

// openStoreQuiet opens the store with logging suppressed.
func openStoreQuiet(cfg *config.Config) store.Store {
	return openStore(cfg, log.New(io.Discard, "", 0))
}

// offlineConn is the connectivity source for one-shot commands. The engine
// never drains through it, so queue operations work without a network.
type offlineConn struct{}

func (offlineConn) IsOnline() bool { return false }

func (offlineConn) OnTransition(func(bool)) func() { return func() {} }

// newQuietEngine builds an engine for one-shot queue operations. It is
// never started, so no goroutines or probes run.
func newQuietEngine(cfg *config.Config, st store.Store) *queue.Engine {
	engine, err := queue.New(st, offlineConn{}, &queue.Config{
		SafetyInterval: cfg.Drain.Interval,
		Backoff:        cfg.BackoffPolicy(),
		Logger:         log.New(io.Discard, "", 0),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return engine
}

// parseTimeRef parses a point in time from RFC3339, a Go duration meaning
// "this long ago", or natural language like "2 days ago".
func parseTimeRef(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return now.Add(-d), nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	result, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse time %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("unrecognized time %q", s)
	}
	return result.Time, nil
}

// truncate shortens s to at most n runes for table cells.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}

// shortID returns the first eight characters of a record ID.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
