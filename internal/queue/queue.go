package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/regattalab/driftsync/internal/backoff"
	"github.com/regattalab/driftsync/internal/clock"
	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/registry"
	"github.com/regattalab/driftsync/internal/store"
)

// Connectivity is the slice of the network monitor the engine depends on.
type Connectivity interface {
	IsOnline() bool
	OnTransition(fn func(online bool)) func()
}

// State describes what the engine is doing right now.
type State string

const (
	StateIdle     State = "idle"
	StateDraining State = "draining"
)

// Stats is a point-in-time summary of the queue, served by the dashboard and
// the status command.
type Stats struct {
	Pending      int   `json:"pending"`
	InFlight     int   `json:"in_flight"`
	DeadLettered int   `json:"dead_lettered"`
	State        State `json:"state"`
	Online       bool  `json:"online"`
}

// Config holds configuration for the engine.
type Config struct {
	// SafetyInterval is how often to nudge a drain while online. It catches
	// records whose backoff expired with no other trigger in sight.
	SafetyInterval time.Duration

	// Backoff schedules retries for failed deliveries.
	Backoff backoff.Policy

	// Clock supplies time; tests install a fake.
	Clock clock.Clock

	// Logger for engine activity
	Logger *log.Logger

	// Events receives lifecycle notifications. Nil means none.
	Events EventSink
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SafetyInterval: 60 * time.Second,
		Backoff:        backoff.Default(),
		Clock:          clock.Real{},
		Logger:         log.New(os.Stderr, "[queue] ", log.LstdFlags),
	}
}

// Engine is the sync orchestrator: it owns the mutation log, watches
// connectivity, and drains pending mutations to their collection handlers.
//
// At most one drain pass runs at a time. Triggers (connectivity restored,
// Enqueue, ProcessQueue, the safety ticker) coalesce; a trigger that arrives
// mid-pass schedules exactly one follow-up pass.
type Engine struct {
	store  store.Store
	conn   Connectivity
	reg    *registry.Registry
	config *Config
	events EventSink

	// nudge coalesces drain triggers
	nudge chan struct{}

	// drainMu serializes drain passes
	drainMu sync.Mutex

	mu          sync.Mutex
	running     bool
	draining    bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over the given store and connectivity source.
//
// The engine requires:
//   - st: the persistent mutation log (SQLite or file-backed)
//   - conn: a network monitor, or any Connectivity implementation
//
// Register handlers with RegisterHandler, then call Start.
func New(st store.Store, conn Connectivity, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if conn == nil {
		return nil, fmt.Errorf("connectivity cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.SafetyInterval <= 0 {
		config.SafetyInterval = 60 * time.Second
	}
	if config.Backoff.MaxAttempts == 0 {
		config.Backoff = backoff.Default()
	}
	if config.Clock == nil {
		config.Clock = clock.Real{}
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	events := config.Events
	if events == nil {
		events = NopSink{}
	}

	return &Engine{
		store:  st,
		conn:   conn,
		reg:    registry.New(),
		config: config,
		events: events,
		nudge:  make(chan struct{}, 1),
	}, nil
}

// RegisterHandler installs the delivery handlers for a collection. Mutations
// enqueued for collections without handlers stay pending until a handler
// shows up, surviving restarts in between.
func (e *Engine) RegisterHandler(collection string, h registry.Handlers) {
	e.reg.Register(collection, h)
}

// Enqueue validates, persists, and schedules a mutation. The record is
// durable when Enqueue returns; a storage failure is returned to the caller
// and nothing is queued.
func (e *Engine) Enqueue(ctx context.Context, collection string, op record.Op, payload []byte) (*record.Record, error) {
	rec := record.New(collection, op, payload, e.config.Clock.Now())
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mutation: %w", err)
	}

	if err := e.store.Append(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to enqueue mutation: %w", err)
	}

	e.events.OnEnqueued(rec.Clone())
	e.ProcessQueue()
	return rec, nil
}

// ProcessQueue schedules a drain pass. Safe to call from any goroutine; calls
// made while a pass is running coalesce into a single follow-up pass. The
// engine must be started for the pass to actually run.
func (e *Engine) ProcessQueue() {
	select {
	case e.nudge <- struct{}{}:
	default:
	}
}

// PendingCount returns the number of mutations still awaiting delivery,
// including any currently in flight.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.Count(ctx, record.StatusPending, record.StatusInFlight)
}

// Snapshot returns a copy of every queued record in append order, for
// diagnostics and the queue list command.
func (e *Engine) Snapshot(ctx context.Context) ([]*record.Record, error) {
	return e.store.List(ctx)
}

// Stats summarizes the queue state.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	var err error

	if s.Pending, err = e.store.Count(ctx, record.StatusPending); err != nil {
		return Stats{}, err
	}
	if s.InFlight, err = e.store.Count(ctx, record.StatusInFlight); err != nil {
		return Stats{}, err
	}
	if s.DeadLettered, err = e.store.Count(ctx, record.StatusDeadLettered); err != nil {
		return Stats{}, err
	}

	s.State = e.State()
	s.Online = e.conn.IsOnline()
	return s, nil
}

// State reports whether a drain pass is running.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return StateDraining
	}
	return StateIdle
}

// ClearQueue removes every record, pending and dead-lettered alike.
func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.store.Clear(ctx)
}

// ClearDeadLetters removes only dead-lettered records and returns how many
// were removed.
func (e *Engine) ClearDeadLetters(ctx context.Context) (int, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		if rec.Status != record.StatusDeadLettered {
			continue
		}
		if err := e.store.Remove(ctx, rec.ID); err != nil {
			return n, fmt.Errorf("failed to remove dead letter %s: %w", rec.ID, err)
		}
		n++
	}
	return n, nil
}

// ReprocessDeadLetters puts dead-lettered records back in line with a fresh
// retry budget and schedules a drain. LastError is kept for diagnostics until
// the next attempt overwrites it.
func (e *Engine) ReprocessDeadLetters(ctx context.Context) (int, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, rec := range recs {
		if rec.Status != record.StatusDeadLettered {
			continue
		}
		err := e.store.Update(ctx, rec.ID, func(r *record.Record) error {
			r.Status = record.StatusPending
			r.RetryCount = 0
			r.NextAttemptAt = nil
			return nil
		})
		if err != nil {
			return n, fmt.Errorf("failed to reprocess dead letter %s: %w", rec.ID, err)
		}
		n++
	}

	if n > 0 {
		e.ProcessQueue()
	}
	return n, nil
}

// Start recovers interrupted deliveries, subscribes to connectivity
// transitions, and begins the drain loop. Calling Start on a running engine
// is a no-op.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = true
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.mu.Unlock()

	// Deliveries interrupted by a crash or shutdown go back to pending
	// without consuming a retry.
	n, err := e.store.RequeueInFlight(e.ctx)
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		e.cancel()
		return fmt.Errorf("failed to recover interrupted mutations: %w", err)
	}
	if n > 0 {
		e.config.Logger.Printf("Requeued %d interrupted mutations", n)
	}

	unsubscribe := e.conn.OnTransition(func(online bool) {
		e.events.OnNetworkChanged(online)
		if online {
			e.config.Logger.Println("Back online, scheduling drain")
			e.ProcessQueue()
		}
	})
	e.mu.Lock()
	e.unsubscribe = unsubscribe
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run()

	// Drain whatever is already due
	e.ProcessQueue()

	e.config.Logger.Println("Engine started")
	return nil
}

// Stop halts the drain loop and waits for any running pass to wind down.
// Calling Stop on a stopped engine is a no-op; the engine can be started
// again afterwards.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	unsubscribe := e.unsubscribe
	e.unsubscribe = nil
	e.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	e.wg.Wait()

	e.config.Logger.Println("Engine stopped")
	return nil
}

// run waits for drain triggers. The safety ticker skips silently while
// offline; explicit nudges go through Drain, which logs the short-circuit.
func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SafetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.nudge:
		case <-ticker.C:
			if !e.conn.IsOnline() {
				continue
			}
		}

		if _, err := e.Drain(e.ctx); err != nil {
			e.config.Logger.Printf("Drain failed: %v", err)
		}
	}
}
