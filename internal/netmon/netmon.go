// Package netmon tracks network reachability for the sync engine.
//
// A Monitor polls a Prober on an interval and publishes an online/offline
// state. Raw probe results are debounced: the state only flips after the new
// result has held for a full debounce window, so a flapping connection does
// not trigger a storm of drain attempts.
package netmon

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"
)

// Config holds configuration for the monitor.
type Config struct {
	// PollInterval is how often to probe for connectivity.
	PollInterval time.Duration

	// ProbeTimeout bounds a single probe attempt.
	ProbeTimeout time.Duration

	// DebounceWindow is how long a changed probe result must hold before
	// the published state flips.
	DebounceWindow time.Duration

	// Logger for monitor activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PollInterval:   5 * time.Second,
		ProbeTimeout:   3 * time.Second,
		DebounceWindow: 2 * time.Second,
		Logger:         log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor polls a Prober and notifies subscribers when the debounced
// connectivity state changes.
type Monitor struct {
	prober Prober
	config *Config

	mu             sync.RWMutex
	online         bool
	candidateSince time.Time
	running        bool
	subscribers    map[int]func(online bool)
	nextSubID      int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor over the given prober. The monitor assumes it is
// online until the first probe says otherwise; Start corrects that
// immediately.
func New(prober Prober, config *Config) (*Monitor, error) {
	if prober == nil {
		return nil, fmt.Errorf("prober cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	return &Monitor{
		prober:      prober,
		config:      config,
		online:      true,
		subscribers: make(map[int]func(bool)),
	}, nil
}

// IsOnline returns the current debounced state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// OnTransition registers fn to run whenever the published state changes.
// The returned function unsubscribes it. Callbacks run on the monitor's
// goroutine, so they must not block.
func (m *Monitor) OnTransition(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subscribers[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Start seeds the state with a synchronous probe and begins polling.
// Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	// The seed probe establishes ground truth and skips the debounce.
	seed := m.probe()
	m.mu.Lock()
	changed := seed != m.online
	m.online = seed
	m.candidateSince = time.Time{}
	m.mu.Unlock()
	if changed {
		m.notify(seed)
	}
	m.config.Logger.Printf("Monitoring connectivity (online=%v)", seed)

	m.wg.Add(1)
	go m.run()

	return nil
}

// Stop halts polling. Calling Stop on a stopped monitor is a no-op. The
// monitor can be started again afterwards.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	return nil
}

// probe runs a single bounded probe and reports reachability.
func (m *Monitor) probe() bool {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	defer cancel()
	return m.prober.Probe(ctx) == nil
}

// run is the poll loop. Besides the regular ticks, a confirmation timer is
// armed while a candidate flip is waiting out the debounce window, so flips
// land as soon as the window elapses rather than on the next tick.
func (m *Monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var confirm *time.Timer
	var confirmCh <-chan time.Time
	disarm := func() {
		if confirm != nil {
			confirm.Stop()
			confirm = nil
			confirmCh = nil
		}
	}
	defer disarm()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		case <-confirmCh:
			disarm()
		}

		result := m.probe()
		flipped, remaining := m.observe(result, time.Now())
		if flipped {
			disarm()
			m.notify(result)
		} else if remaining > 0 && confirmCh == nil {
			confirm = time.NewTimer(remaining)
			confirmCh = confirm.C
		} else if remaining <= 0 {
			disarm()
		}
	}
}

// observe folds one probe result into the debounce state. It reports whether
// the published state flipped, and otherwise how much of the debounce window
// a pending candidate still has to wait out (zero when nothing is pending).
func (m *Monitor) observe(result bool, now time.Time) (flipped bool, remaining time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if result == m.online {
		m.candidateSince = time.Time{}
		return false, 0
	}

	if m.candidateSince.IsZero() {
		m.candidateSince = now
	}

	held := now.Sub(m.candidateSince)
	if held < m.config.DebounceWindow {
		return false, m.config.DebounceWindow - held
	}

	m.online = result
	m.candidateSince = time.Time{}
	return true, 0
}

// notify invokes every subscriber with the new state.
func (m *Monitor) notify(online bool) {
	m.mu.RLock()
	fns := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()

	if online {
		m.config.Logger.Println("Network transition: offline -> online")
	} else {
		m.config.Logger.Println("Network transition: online -> offline")
	}

	for _, fn := range fns {
		fn(online)
	}
}
