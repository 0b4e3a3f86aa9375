package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/regattalab/driftsync/internal/queue"
	"github.com/regattalab/driftsync/internal/record"
)

// Bridge turns engine events into dashboard messages. It implements
// queue.EventSink, keeps rolling queue statistics, and re-broadcasts the
// stats after every event that changes them.
//
// Events arrive from engine goroutines, so the stats are mutex-guarded.
type Bridge struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

// NewBridge creates a bridge connected to a dashboard server
func NewBridge(server *Server, logger *log.Logger) *Bridge {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	return &Bridge{
		server: server,
		logger: logger,
	}
}

// Seed initializes the statistics from an engine snapshot. Call it once at
// startup so the dashboard starts from store truth instead of zero.
func (b *Bridge) Seed(stats queue.Stats) {
	b.mu.Lock()
	b.stats.Pending = stats.Pending + stats.InFlight
	b.stats.DeadLettered = stats.DeadLettered
	b.stats.Online = stats.Online
	b.mu.Unlock()

	b.broadcastStats()
}

// OnEnqueued handles mutation enqueue events
func (b *Bridge) OnEnqueued(rec *record.Record) {
	b.logger.Printf("Mutation enqueued: %s (%s %s)", rec.ID, rec.Op, rec.Collection)

	b.mu.Lock()
	b.stats.Pending++
	b.mu.Unlock()

	b.broadcastMutation(rec, "enqueued")
	b.broadcastStats()
}

// OnDelivered handles successful delivery events
func (b *Bridge) OnDelivered(rec *record.Record) {
	b.logger.Printf("Mutation delivered: %s (%s %s)", rec.ID, rec.Op, rec.Collection)

	b.mu.Lock()
	if b.stats.Pending > 0 {
		b.stats.Pending--
	}
	b.stats.Delivered++
	b.mu.Unlock()

	b.broadcastMutation(rec, "delivered")
	b.broadcastStats()
}

// OnRetryScheduled handles failed deliveries that will be retried
func (b *Bridge) OnRetryScheduled(rec *record.Record, delay time.Duration) {
	b.logger.Printf("Mutation retry: %s in %v (attempt %d)", rec.ID, delay, rec.RetryCount)

	b.mu.Lock()
	b.stats.Retried++
	b.mu.Unlock()

	b.broadcastMutation(rec, "retry_scheduled")
	b.broadcastStats()
}

// OnDeadLettered handles records that ran out of attempts
func (b *Bridge) OnDeadLettered(rec *record.Record) {
	b.logger.Printf("Mutation dead-lettered: %s (%s %s)", rec.ID, rec.Op, rec.Collection)

	b.mu.Lock()
	if b.stats.Pending > 0 {
		b.stats.Pending--
	}
	b.stats.DeadLettered++
	b.mu.Unlock()

	b.broadcastMutation(rec, "dead_lettered")
	b.broadcastStats()
}

// OnNetworkChanged handles connectivity transitions
func (b *Bridge) OnNetworkChanged(online bool) {
	b.logger.Printf("Network changed: online=%v", online)

	b.mu.Lock()
	b.stats.Online = online
	b.mu.Unlock()

	dataJSON, err := json.Marshal(NetworkData{Online: online})
	if err != nil {
		b.logger.Printf("Failed to marshal network data: %v", err)
		return
	}

	b.server.Broadcast(Message{
		Type:      MessageTypeNetwork,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	b.broadcastStats()
}

// OnDrainStarted handles the start of a drain pass
func (b *Bridge) OnDrainStarted() {
	b.mu.Lock()
	b.stats.Draining = true
	b.mu.Unlock()

	dataJSON, err := json.Marshal(DrainData{Action: "started"})
	if err != nil {
		b.logger.Printf("Failed to marshal drain data: %v", err)
		return
	}

	b.server.Broadcast(Message{
		Type:      MessageTypeDrain,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	b.broadcastStats()
}

// OnDrainFinished handles the end of a drain pass
func (b *Bridge) OnDrainFinished(result queue.DrainResult) {
	if result.Attempted > 0 {
		b.logger.Printf("Drain finished: %d attempted, %d delivered, %d retried, %d dead-lettered in %v",
			result.Attempted, result.Delivered, result.Retried, result.DeadLettered, result.Duration)
	}

	b.mu.Lock()
	b.stats.Draining = false
	b.mu.Unlock()

	dataJSON, err := json.Marshal(DrainData{
		Action:       "finished",
		Attempted:    result.Attempted,
		Delivered:    result.Delivered,
		Retried:      result.Retried,
		DeadLettered: result.DeadLettered,
		Duration:     result.Duration,
	})
	if err != nil {
		b.logger.Printf("Failed to marshal drain data: %v", err)
		return
	}

	b.server.Broadcast(Message{
		Type:      MessageTypeDrain,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})

	b.broadcastStats()
}

// broadcastMutation formats and sends a mutation lifecycle message
func (b *Bridge) broadcastMutation(rec *record.Record, action string) {
	data := MutationData{
		ID:         rec.ID,
		Collection: rec.Collection,
		Op:         string(rec.Op),
		Action:     action,
		RetryCount: rec.RetryCount,
		NextRetry:  rec.NextAttemptAt,
		Error:      rec.LastError,
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		b.logger.Printf("Failed to marshal mutation data: %v", err)
		return
	}

	b.server.Broadcast(Message{
		Type:      MessageTypeMutation,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// broadcastStats sends current statistics to all clients
func (b *Bridge) broadcastStats() {
	stats := b.GetStats()

	dataJSON, err := json.Marshal(stats)
	if err != nil {
		b.logger.Printf("Failed to marshal stats: %v", err)
		return
	}

	b.server.Broadcast(Message{
		Type:      MessageTypeStats,
		Timestamp: time.Now(),
		Data:      dataJSON,
	})
}

// GetStats returns a copy of the current statistics
func (b *Bridge) GetStats() StatsData {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
