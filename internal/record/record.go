// Package record defines the mutation records persisted by the offline queue.
package record

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Op identifies the remote operation a mutation performs.
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Valid reports whether the op is one of the known values.
func (o Op) Valid() bool {
	return o == OpUpsert || o == OpDelete
}

// ParseOp converts a string (e.g. a CLI argument) into an Op.
func ParseOp(s string) (Op, error) {
	op := Op(s)
	if !op.Valid() {
		return "", fmt.Errorf("unknown op %q (want %q or %q)", s, OpUpsert, OpDelete)
	}
	return op, nil
}

// Status tracks a mutation through its delivery lifecycle.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInFlight     Status = "in_flight"
	StatusSucceeded    Status = "succeeded" // transient: succeeded records are removed, never stored
	StatusDeadLettered Status = "dead_lettered"
)

// Valid reports whether the status is one of the known values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInFlight, StatusSucceeded, StatusDeadLettered:
		return true
	}
	return false
}

// Record is a single queued mutation. The payload is an opaque JSON document;
// the queue never inspects it, only the collection's handlers do.
type Record struct {
	ID         string          `json:"id"`
	Collection string          `json:"collection"`
	Op         Op              `json:"op"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	Status     Status `json:"status"`
	RetryCount int    `json:"retry_count"`
	LastError  string `json:"last_error,omitempty"`

	CreatedAt     time.Time  `json:"created_at"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// NewID returns a fresh unique record ID.
func NewID() string {
	return uuid.NewString()
}

// New builds a pending record for the given mutation, stamped with now.
func New(collection string, op Op, payload []byte, now time.Time) *Record {
	return &Record{
		ID:         NewID(),
		Collection: collection,
		Op:         op,
		Payload:    json.RawMessage(payload),
		Status:     StatusPending,
		CreatedAt:  now.UTC(),
	}
}

// Validate checks that the record has usable field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if !r.Op.Valid() {
		return fmt.Errorf("unknown op %q", r.Op)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("unknown status %q", r.Status)
	}
	if r.RetryCount < 0 {
		return fmt.Errorf("retry_count must not be negative (got %d)", r.RetryCount)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if len(r.Payload) > 0 && !json.Valid(r.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	return nil
}

// SetDefaults fills optional fields so records imported from external
// snapshots behave like freshly enqueued ones.
func (r *Record) SetDefaults() {
	if r.ID == "" {
		r.ID = NewID()
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
}

// Due reports whether the record may be attempted at the given time.
// A nil NextAttemptAt means the record has never been deferred.
func (r *Record) Due(now time.Time) bool {
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// Clone returns a deep copy, so snapshots handed to callers cannot alias
// store-internal state.
func (r *Record) Clone() *Record {
	c := *r
	if r.Payload != nil {
		c.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	if r.NextAttemptAt != nil {
		t := *r.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}
