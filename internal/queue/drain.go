package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/registry"
	"github.com/regattalab/driftsync/internal/store"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	// Attempted is how many records the pass tried to deliver.
	Attempted int `json:"attempted"`

	// Delivered records were accepted remotely and removed from the log.
	Delivered int `json:"delivered"`

	// Retried records failed and went back to pending with a backoff delay.
	Retried int `json:"retried"`

	// DeadLettered records ran out of attempts during this pass.
	DeadLettered int `json:"dead_lettered"`

	// Duration is the wall time the pass took.
	Duration time.Duration `json:"duration"`
}

// Drain runs one synchronous drain pass: deliver every due pending mutation,
// in order, until the batch is done, connectivity drops, or ctx is cancelled.
// While offline it is a logged no-op. Concurrent calls serialize.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.conn.IsOnline() {
		e.config.Logger.Println("Offline, skipping drain")
		return DrainResult{}, nil
	}

	e.drainMu.Lock()
	defer e.drainMu.Unlock()

	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	return e.drainPass(ctx)
}

// drainPass delivers one batch. The batch is fixed at the start of the pass;
// records enqueued or becoming due mid-pass wait for the next one.
func (e *Engine) drainPass(ctx context.Context) (DrainResult, error) {
	started := time.Now()
	e.events.OnDrainStarted()

	var res DrainResult
	batch, err := e.buildBatch(ctx)
	if err != nil {
		e.events.OnDrainFinished(res)
		return res, err
	}

	for _, rec := range batch {
		if ctx.Err() != nil {
			break
		}
		if !e.conn.IsOnline() {
			e.config.Logger.Println("Connectivity lost mid-drain, stopping pass")
			break
		}
		e.deliver(ctx, rec, &res)
	}

	res.Duration = time.Since(started)
	if res.Attempted > 0 {
		e.config.Logger.Printf("Drain pass: %d delivered, %d retried, %d dead-lettered in %v",
			res.Delivered, res.Retried, res.DeadLettered, res.Duration)
	}
	e.events.OnDrainFinished(res)
	return res, nil
}

// buildBatch selects, per collection, the longest prefix of due pending
// records in append order. A head that is backing off, still in flight, or
// unregistered blocks the rest of its collection, so mutations never pass
// each other. Dead-lettered records do not block.
func (e *Engine) buildBatch(ctx context.Context) ([]*record.Record, error) {
	recs, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation log: %w", err)
	}

	now := e.config.Clock.Now()
	blocked := make(map[string]bool)
	warned := make(map[string]bool)
	var batch []*record.Record

	for _, rec := range recs {
		if rec.Status == record.StatusDeadLettered {
			continue
		}
		if blocked[rec.Collection] {
			continue
		}

		if _, ok := e.reg.Resolve(rec.Collection); !ok {
			if !warned[rec.Collection] {
				e.config.Logger.Printf("Warning: no handler registered for collection %q, leaving its mutations pending", rec.Collection)
				warned[rec.Collection] = true
			}
			blocked[rec.Collection] = true
			continue
		}

		if rec.Status == record.StatusInFlight {
			// A stray in-flight record means an earlier delivery never
			// resolved; nothing behind it may run.
			blocked[rec.Collection] = true
			continue
		}

		if !rec.Due(now) {
			blocked[rec.Collection] = true
			continue
		}

		batch = append(batch, rec)
	}

	return batch, nil
}

// deliver pushes one record through its handler and settles the outcome:
// remove on success, backoff or dead-letter on failure.
func (e *Engine) deliver(ctx context.Context, rec *record.Record, res *DrainResult) {
	handlers, ok := e.reg.Resolve(rec.Collection)
	if !ok {
		return
	}

	res.Attempted++

	err := e.store.Update(ctx, rec.ID, func(r *record.Record) error {
		r.Status = record.StatusInFlight
		return nil
	})
	if errors.Is(err, store.ErrNotFound) {
		// Cleared while the pass was running
		return
	}
	if err != nil {
		e.config.Logger.Printf("Warning: failed to mark %s in flight: %v", rec.ID, err)
		return
	}

	err = e.invoke(ctx, handlers, rec)
	if err == nil {
		if rerr := e.store.Remove(ctx, rec.ID); rerr != nil {
			// The remote has the mutation but the log still holds it; it
			// will redeliver, which handlers must tolerate.
			e.config.Logger.Printf("Warning: delivered %s but failed to remove it: %v", rec.ID, rerr)
		}
		res.Delivered++
		e.events.OnDelivered(rec)
		return
	}

	if ctx.Err() != nil {
		// Shutdown or cancellation interrupted the attempt. Put the record
		// back without charging it a retry.
		uerr := e.store.Update(context.Background(), rec.ID, func(r *record.Record) error {
			r.Status = record.StatusPending
			return nil
		})
		if uerr != nil && !errors.Is(uerr, store.ErrNotFound) {
			e.config.Logger.Printf("Warning: failed to requeue %s after cancellation: %v", rec.ID, uerr)
		}
		return
	}

	e.settleFailure(ctx, rec, err, res)
}

// settleFailure applies the retry policy to a failed delivery.
func (e *Engine) settleFailure(ctx context.Context, rec *record.Record, cause error, res *DrainResult) {
	delay := e.config.Backoff.NextDelay(rec.RetryCount)
	next := e.config.Clock.Now().Add(delay)

	updated := rec.Clone()
	uerr := e.store.Update(ctx, rec.ID, func(r *record.Record) error {
		r.RetryCount++
		r.LastError = cause.Error()
		if e.config.Backoff.Exhausted(r.RetryCount) {
			r.Status = record.StatusDeadLettered
			r.NextAttemptAt = nil
		} else {
			r.Status = record.StatusPending
			r.NextAttemptAt = &next
		}
		updated = r.Clone()
		return nil
	})
	if uerr != nil {
		if !errors.Is(uerr, store.ErrNotFound) {
			e.config.Logger.Printf("Warning: failed to record failure of %s: %v", rec.ID, uerr)
		}
		return
	}

	if updated.Status == record.StatusDeadLettered {
		res.DeadLettered++
		e.config.Logger.Printf("Dead-lettered %s %s after %d attempts: %v",
			rec.Collection, rec.ID, updated.RetryCount, cause)
		e.events.OnDeadLettered(updated)
		return
	}

	res.Retried++
	e.config.Logger.Printf("Delivery of %s failed (attempt %d/%d), retrying in %v: %v",
		rec.ID, updated.RetryCount, e.config.Backoff.MaxAttempts, delay, cause)
	e.events.OnRetryScheduled(updated, delay)
}

// invoke dispatches the record to its handler. A panicking handler is treated
// as a failed delivery, not a crashed process.
func (e *Engine) invoke(ctx context.Context, h registry.Handlers, rec *record.Record) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panicked: %v", p)
		}
	}()

	switch rec.Op {
	case record.OpUpsert:
		if h.Upsert == nil {
			return fmt.Errorf("collection %q has no upsert handler", rec.Collection)
		}
		return h.Upsert(ctx, rec.Payload)
	case record.OpDelete:
		if h.Delete == nil {
			return fmt.Errorf("collection %q has no delete handler", rec.Collection)
		}
		return h.Delete(ctx, rec.Payload)
	default:
		return fmt.Errorf("unknown op %q", rec.Op)
	}
}
