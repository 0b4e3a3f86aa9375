package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/regattalab/driftsync/internal/record"
)

// logKey is the KV key the file-backed log lives under.
const logKey = "mutation-log.json"

// FileLog is the zero-dependency mutation log backend: the whole log is one
// JSON array persisted through a KV on every change. Suited to small queues
// and to embedders that bring their own KV; the SQLite backend is the default.
//
// Every method persists before mutating the in-memory slice, so a failed
// write never leaves memory ahead of disk.
type FileLog struct {
	mu     sync.Mutex
	kv     KV
	recs   []*record.Record
	logger *log.Logger
}

// OpenFileLog loads the log from kv. Entries that no longer decode are
// dropped with a warning; if the whole blob is unreadable the old bytes are
// preserved under a .corrupt key and the log starts empty.
func OpenFileLog(kv KV, logger *log.Logger) (*FileLog, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}

	f := &FileLog{kv: kv, logger: logger}

	data, ok, err := kv.Get(logKey)
	if err != nil {
		return nil, fmt.Errorf("failed to load mutation log: %w", err)
	}
	if !ok || len(data) == 0 {
		return f, nil
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		logger.Printf("ERROR: mutation log unreadable, starting empty: %v", err)
		if serr := kv.Set(logKey+".corrupt", data); serr != nil {
			logger.Printf("WARNING: failed to preserve corrupt log: %v", serr)
		}
		return f, nil
	}

	for i, raw := range raws {
		var rec record.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			logger.Printf("WARNING: dropping corrupt log entry %d: %v", i, err)
			continue
		}
		if err := rec.Validate(); err != nil {
			logger.Printf("WARNING: dropping invalid log entry %d (%s): %v", i, rec.ID, err)
			continue
		}
		f.recs = append(f.recs, &rec)
	}

	return f, nil
}

// persist writes candidate to the KV. Only after the write lands does the
// caller adopt candidate as the in-memory state.
func (f *FileLog) persist(candidate []*record.Record) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to encode mutation log: %w", err)
	}
	if err := f.kv.Set(logKey, data); err != nil {
		return fmt.Errorf("failed to persist mutation log: %w", err)
	}
	return nil
}

// Append adds the record at the tail of the log.
func (f *FileLog) Append(ctx context.Context, rec *record.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	for _, existing := range f.recs {
		if existing.ID == rec.ID {
			return fmt.Errorf("record %s already exists", rec.ID)
		}
	}

	candidate := append(append([]*record.Record{}, f.recs...), rec.Clone())
	if err := f.persist(candidate); err != nil {
		return err
	}
	f.recs = candidate
	return nil
}

// List returns copies of all records in append order.
func (f *FileLog) List(ctx context.Context) ([]*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*record.Record, 0, len(f.recs))
	for _, rec := range f.recs {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Get returns a copy of the record with the given ID.
func (f *FileLog) Get(ctx context.Context, id string) (*record.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, rec := range f.recs {
		if rec.ID == id {
			return rec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

// Update applies fn to a copy of the record, persists, then swaps it in.
func (f *FileLog) Update(ctx context.Context, id string, fn func(*record.Record) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := -1
	for i, rec := range f.recs {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrNotFound
	}

	updated := f.recs[idx].Clone()
	if err := fn(updated); err != nil {
		return err
	}
	if updated.ID != id {
		return fmt.Errorf("record ID is immutable (was %s, got %s)", id, updated.ID)
	}
	if err := updated.Validate(); err != nil {
		return fmt.Errorf("update produced invalid record %s: %w", id, err)
	}

	candidate := append([]*record.Record{}, f.recs...)
	candidate[idx] = updated
	if err := f.persist(candidate); err != nil {
		return err
	}
	f.recs = candidate
	return nil
}

// Remove deletes a record. Removing an already-removed ID is not an error.
func (f *FileLog) Remove(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := -1
	for i, rec := range f.recs {
		if rec.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}

	candidate := append([]*record.Record{}, f.recs[:idx]...)
	candidate = append(candidate, f.recs[idx+1:]...)
	if err := f.persist(candidate); err != nil {
		return err
	}
	f.recs = candidate
	return nil
}

// Count returns the number of records carrying one of the given statuses.
func (f *FileLog) Count(ctx context.Context, statuses ...record.Status) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(statuses) == 0 {
		return len(f.recs), nil
	}

	count := 0
	for _, rec := range f.recs {
		for _, st := range statuses {
			if rec.Status == st {
				count++
				break
			}
		}
	}
	return count, nil
}

// RequeueInFlight flips stranded in_flight records back to pending.
func (f *FileLog) RequeueInFlight(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	candidate := make([]*record.Record, len(f.recs))
	n := 0
	for i, rec := range f.recs {
		if rec.Status == record.StatusInFlight {
			c := rec.Clone()
			c.Status = record.StatusPending
			candidate[i] = c
			n++
		} else {
			candidate[i] = rec
		}
	}
	if n == 0 {
		return 0, nil
	}

	if err := f.persist(candidate); err != nil {
		return 0, err
	}
	f.recs = candidate
	return n, nil
}

// Clear removes every record.
func (f *FileLog) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.persist([]*record.Record{}); err != nil {
		return err
	}
	f.recs = nil
	return nil
}

// Close is a no-op; the log persists on every change.
func (f *FileLog) Close() error {
	return nil
}
