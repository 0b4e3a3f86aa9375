package migrate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/store"
)

// ImportOptions contains configuration for a snapshot import
type ImportOptions struct {
	FromJSONL string // Input JSONL file path
	DryRun    bool   // Preview without writing
	Backup    bool   // Keep a timestamped copy of the snapshot
}

// ImportResult contains statistics about the import
type ImportResult struct {
	Imported      int
	Skipped       int
	BackupCreated string
	Errors        []string
}

// ExportJSONL writes every record in the store to w, one JSON document per
// line, in append order. Returns the number of records written.
func ExportJSONL(ctx context.Context, st store.Store, w io.Writer) (int, error) {
	recs, err := st.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to read mutation log: %w", err)
	}

	encoder := json.NewEncoder(w)
	for i, rec := range recs {
		if err := encoder.Encode(rec); err != nil {
			return i, fmt.Errorf("failed to encode record %s: %w", rec.ID, err)
		}
	}

	return len(recs), nil
}

// ExportFile writes the store snapshot to path, atomically via a temp file.
func ExportFile(ctx context.Context, st store.Store, path string) (int, error) {
	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}

	n, err := ExportJSONL(ctx, st, file)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	if err := file.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return n, nil
}

// ReadJSONL reads a JSONL snapshot and returns the parsed records
func ReadJSONL(path string) ([]*record.Record, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	var recs []*record.Record
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var rec record.Record
		if err := decoder.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		// Apply defaults for missing fields
		rec.SetDefaults()

		recs = append(recs, &rec)
	}

	return recs, nil
}

// ImportJSONL merges the records of a JSONL snapshot into the store. Records
// whose IDs are already present are skipped, so importing the same snapshot
// twice is harmless. Per-record failures are collected, not fatal.
func ImportJSONL(ctx context.Context, st store.Store, opts ImportOptions) (*ImportResult, error) {
	result := &ImportResult{}

	// Validate input file exists
	if _, err := os.Stat(opts.FromJSONL); err != nil {
		return nil, fmt.Errorf("input file does not exist: %w", err)
	}

	// Create backup if requested
	if opts.Backup && !opts.DryRun {
		backupPath := opts.FromJSONL + ".backup." + time.Now().Format("20060102-150405")
		input, err := os.ReadFile(opts.FromJSONL)
		if err != nil {
			return nil, fmt.Errorf("failed to read input for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return nil, fmt.Errorf("failed to create backup: %w", err)
		}
		result.BackupCreated = backupPath
	}

	recs, err := ReadJSONL(opts.FromJSONL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}

	for _, rec := range recs {
		// Succeeded records were already delivered; re-importing them
		// would deliver twice.
		if rec.Status == record.StatusSucceeded {
			result.Skipped++
			continue
		}

		// An in-flight attempt died with the process that made it.
		if rec.Status == record.StatusInFlight {
			rec.Status = record.StatusPending
		}

		if err := rec.Validate(); err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("invalid record %s: %v", rec.ID, err))
			continue
		}

		// Skip records already in the log
		if _, err := st.Get(ctx, rec.ID); err == nil {
			result.Skipped++
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			result.Errors = append(result.Errors,
				fmt.Sprintf("failed to check record %s: %v", rec.ID, err))
			continue
		}

		if !opts.DryRun {
			if err := st.Append(ctx, rec); err != nil {
				result.Errors = append(result.Errors,
					fmt.Sprintf("failed to append record %s: %v", rec.ID, err))
				continue
			}
		}
		result.Imported++
	}

	return result, nil
}
