// Package store provides durable persistence for the offline mutation log.
//
// The store is an ordered list of mutation records: appends go to the tail,
// drains read from the head, and every write is durable before the call
// returns. Two backends implement the same interface:
//
//   - SQLite (default): embedded database with WAL mode, suited to large
//     queues and concurrent readers.
//   - FileLog: the whole record list as one JSON array under a fixed key of a
//     KV collaborator, matching the storage surface of the mobile client this
//     queue syncs for.
//
// Ordering:
//   - List returns records in append order. Same-collection delivery order is
//     derived from it, so backends must never reorder.
//
// Corruption:
//   - Records that no longer decode are dropped with a warning rather than
//     poisoning drains forever. Dropping happens inside List (SQLite) or at
//     load (FileLog); both paths log each dropped record.
package store

import (
	"context"
	"errors"

	"github.com/regattalab/driftsync/internal/record"
)

// ErrNotFound is returned by Get and Update for an unknown record ID.
var ErrNotFound = errors.New("record not found")

// Store is the persistence contract the queue engine drains against.
type Store interface {
	// Append adds a record to the tail of the log. The record is durable
	// before Append returns; a failure here means the mutation was NOT
	// captured and must surface to the enqueueing caller.
	Append(ctx context.Context, rec *record.Record) error

	// List returns all records in append order. Callers own the returned
	// slice and records; mutating them does not touch stored state.
	List(ctx context.Context) ([]*record.Record, error)

	// Get returns the record with the given ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*record.Record, error)

	// Update applies fn to the stored record atomically and persists the
	// result. fn may change anything except the ID. Returns ErrNotFound for
	// an unknown ID; fn's error aborts the update and is returned as-is.
	Update(ctx context.Context, id string, fn func(*record.Record) error) error

	// Remove deletes the record with the given ID. Removing an ID that is
	// already gone is not an error.
	Remove(ctx context.Context, id string) error

	// Count returns how many records currently carry one of the given
	// statuses. With no statuses it counts everything.
	Count(ctx context.Context, statuses ...record.Status) (int, error)

	// RequeueInFlight flips records stranded in_flight (a crash between
	// delivery start and completion) back to pending, and returns how many
	// were flipped. Retry counts are not consumed: the interrupted attempt
	// never completed.
	RequeueInFlight(ctx context.Context) (int, error)

	// Clear removes every record.
	Clear(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
