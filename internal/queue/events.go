package queue

import (
	"time"

	"github.com/regattalab/driftsync/internal/record"
)

// EventSink receives queue lifecycle notifications. The dashboard bridge and
// tests implement it. All methods are invoked from engine goroutines and must
// not block; sinks that need to do real work should hand off to a channel.
type EventSink interface {
	// OnEnqueued fires after a mutation has been durably appended.
	OnEnqueued(rec *record.Record)

	// OnDelivered fires after a mutation was accepted remotely and removed
	// from the log.
	OnDelivered(rec *record.Record)

	// OnRetryScheduled fires when a delivery failed and the record went
	// back to pending with a backoff delay.
	OnRetryScheduled(rec *record.Record, delay time.Duration)

	// OnDeadLettered fires when a record ran out of attempts.
	OnDeadLettered(rec *record.Record)

	// OnNetworkChanged mirrors the monitor's debounced transitions.
	OnNetworkChanged(online bool)

	// OnDrainStarted fires when a drain pass begins.
	OnDrainStarted()

	// OnDrainFinished fires when a drain pass ends, complete or not.
	OnDrainFinished(result DrainResult)
}

// NopSink ignores every event. Embed it to implement only the events a sink
// cares about.
type NopSink struct{}

func (NopSink) OnEnqueued(*record.Record)                      {}
func (NopSink) OnDelivered(*record.Record)                     {}
func (NopSink) OnRetryScheduled(*record.Record, time.Duration) {}
func (NopSink) OnDeadLettered(*record.Record)                  {}
func (NopSink) OnNetworkChanged(bool)                          {}
func (NopSink) OnDrainStarted()                                {}
func (NopSink) OnDrainFinished(DrainResult)                    {}
