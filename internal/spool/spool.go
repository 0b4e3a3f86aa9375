// Package spool ingests mutations dropped as JSON files into a directory.
//
// External producers that cannot link the engine (scoring software, shell
// scripts, other processes on the committee laptop) write one file per
// mutation into the spool directory. The spool watches the directory,
// enqueues each entry, and consumes the file. Files that never parse are
// quarantined with a .rejected suffix instead of being retried forever.
package spool

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/regattalab/driftsync/internal/record"
)

// Entry is the on-disk shape of a spooled mutation.
type Entry struct {
	Collection string          `json:"collection"`
	Op         record.Op       `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks the entry before it is handed to the engine.
func (e *Entry) Validate() error {
	if e.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if !e.Op.Valid() {
		return fmt.Errorf("unknown op %q", e.Op)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// Enqueuer is the slice of the engine the spool needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, collection string, op record.Op, payload []byte) (*record.Record, error)
}

// Config holds configuration for the spool.
type Config struct {
	// DebounceInterval is how long a file must sit quiet before it is
	// processed. This batches rapid writes from slow producers.
	DebounceInterval time.Duration

	// Logger for spool activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DebounceInterval: 100 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[spool] ", log.LstdFlags),
	}
}

// Spool watches a drop directory and enqueues the mutations found there.
type Spool struct {
	dir     string
	enqueue Enqueuer
	config  *Config

	watcher *fsnotify.Watcher

	pending   map[string]time.Time // filepath -> last event
	pendingMu sync.Mutex

	mu      sync.Mutex
	running bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a spool over dir, creating the directory if needed.
func New(dir string, enqueue Enqueuer, config *Config) (*Spool, error) {
	if dir == "" {
		return nil, fmt.Errorf("dir cannot be empty")
	}
	if enqueue == nil {
		return nil, fmt.Errorf("enqueuer cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = 100 * time.Millisecond
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[spool] ", log.LstdFlags)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create spool directory: %w", err)
	}

	return &Spool{
		dir:     dir,
		enqueue: enqueue,
		config:  config,
		pending: make(map[string]time.Time),
	}, nil
}

// Start sweeps files already in the directory, then begins watching for new
// ones. Calling Start on a running spool is a no-op.
func (s *Spool) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		s.mu.Unlock()
		return fmt.Errorf("failed to watch spool directory %s: %w", s.dir, err)
	}

	s.watcher = watcher
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	// Files at rest were finished being written long ago
	s.sweep()

	s.wg.Add(2)
	go s.watchEvents()
	go s.processPending()

	s.config.Logger.Printf("Watching spool directory: %s", s.dir)
	return nil
}

// Stop halts watching. Files dropped while stopped are picked up by the next
// Start's sweep. Calling Stop on a stopped spool is a no-op.
func (s *Spool) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	watcher := s.watcher
	s.watcher = nil
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	if err := watcher.Close(); err != nil {
		s.config.Logger.Printf("Warning: failed to close watcher: %v", err)
	}
	s.wg.Wait()
	return nil
}

// sweep processes every spool file already on disk.
func (s *Spool) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.config.Logger.Printf("Warning: failed to read spool directory: %v", err)
		return
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		s.processFile(filepath.Join(s.dir, entry.Name()))
	}
}

// watchEvents queues file events for debounced processing.
func (s *Spool) watchEvents() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			s.pendingMu.Lock()
			s.pending[event.Name] = time.Now()
			s.pendingMu.Unlock()

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.config.Logger.Printf("Warning: watcher error: %v", err)
		}
	}
}

// processPending drains the debounce queue on a ticker.
func (s *Spool) processPending() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DebounceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return

		case <-ticker.C:
			now := time.Now()
			var ready []string
			s.pendingMu.Lock()
			for path, queuedAt := range s.pending {
				if now.Sub(queuedAt) < s.config.DebounceInterval {
					continue
				}
				ready = append(ready, path)
				delete(s.pending, path)
			}
			s.pendingMu.Unlock()

			for _, path := range ready {
				s.processFile(path)
			}
		}
	}
}

// processFile parses one spool file, enqueues it, and consumes it. Unparsable
// files are quarantined; a failing store leaves the file for a later sweep.
func (s *Spool) processFile(path string) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.config.Logger.Printf("Warning: failed to read spool file %s: %v", path, err)
		return
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.reject(path, err)
		return
	}
	if err := entry.Validate(); err != nil {
		s.reject(path, err)
		return
	}

	rec, err := s.enqueue.Enqueue(s.ctx, entry.Collection, entry.Op, entry.Payload)
	if err != nil {
		// Likely a storage problem; keep the file so a later sweep retries
		s.config.Logger.Printf("Warning: failed to enqueue spool file %s, will retry: %v", path, err)
		return
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.config.Logger.Printf("Warning: enqueued %s but failed to remove %s: %v", rec.ID, path, err)
		return
	}
	s.config.Logger.Printf("Spooled %s %s as %s", entry.Collection, entry.Op, rec.ID)
}

// reject quarantines a file that will never parse.
func (s *Spool) reject(path string, cause error) {
	s.config.Logger.Printf("Warning: rejecting spool file %s: %v", path, cause)
	if err := os.Rename(path, path+".rejected"); err != nil {
		s.config.Logger.Printf("Warning: failed to quarantine %s: %v", path, err)
	}
}
