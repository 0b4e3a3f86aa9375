package migrate

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/store"
)

func testStore(t *testing.T) store.Store {
	t.Helper()
	kv, err := store.NewDirKV(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create kv: %v", err)
	}
	fl, err := store.OpenFileLog(kv, log.New(io.Discard, "", 0))
	if err != nil {
		t.Fatalf("failed to open file log: %v", err)
	}
	return fl
}

// writeSnapshot encodes records into a JSONL file and returns its path.
func writeSnapshot(t *testing.T, recs ...*record.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "snapshot.jsonl")

	file, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create snapshot file: %v", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	for _, rec := range recs {
		if err := encoder.Encode(rec); err != nil {
			t.Fatalf("failed to encode record: %v", err)
		}
	}
	return path
}

func TestExportJSONL(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	now := time.Now()
	a := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), now)
	b := record.New("results", record.OpDelete, []byte(`{"id":"res-9"}`), now)
	for _, rec := range []*record.Record{a, b} {
		if err := st.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	var buf bytes.Buffer
	n, err := ExportJSONL(ctx, st, &buf)
	if err != nil {
		t.Fatalf("ExportJSONL failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 records exported, got %d", n)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first record.Record
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("failed to parse first line: %v", err)
	}
	if first.ID != a.ID {
		t.Errorf("expected first record %s, got %s", a.ID, first.ID)
	}
}

func TestExportFile(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	rec := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now())
	if err := st.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := filepath.Join(t.TempDir(), "out.jsonl")
	n, err := ExportFile(ctx, st, path)
	if err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 record exported, got %d", n)
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("export file was not created: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not survive a successful export")
	}
}

func TestReadJSONL(t *testing.T) {
	now := time.Now()
	a := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), now)
	b := record.New("results", record.OpUpsert, []byte(`{"id":"res-1"}`), now)
	path := writeSnapshot(t, a, b)

	recs, err := ReadJSONL(path)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}

	if len(recs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(recs))
	}
	if recs[0].ID != a.ID {
		t.Errorf("expected first record %s, got %s", a.ID, recs[0].ID)
	}
	if recs[1].ID != b.ID {
		t.Errorf("expected second record %s, got %s", b.ID, recs[1].ID)
	}
}

func TestReadJSONL_InvalidFile(t *testing.T) {
	_, err := ReadJSONL("/nonexistent/path.jsonl")
	if err == nil {
		t.Error("expected error for nonexistent file")
	}
}

func TestReadJSONL_InvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "invalid.jsonl")
	if err := os.WriteFile(path, []byte("{invalid json}\n"), 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	_, err := ReadJSONL(path)
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestReadJSONL_AppliesDefaults(t *testing.T) {
	// A hand-built snapshot line with no status or created_at
	path := filepath.Join(t.TempDir(), "bare.jsonl")
	line := `{"id":"rec-1","collection":"races","op":"upsert","payload":{"id":"race-1"}}` + "\n"
	if err := os.WriteFile(path, []byte(line), 0600); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}

	recs, err := ReadJSONL(path)
	if err != nil {
		t.Fatalf("ReadJSONL failed: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %d", len(recs))
	}

	if recs[0].Status != record.StatusPending {
		t.Errorf("expected defaulted status pending, got %s", recs[0].Status)
	}
	if recs[0].CreatedAt.IsZero() {
		t.Error("expected defaulted created_at")
	}
}

func TestImportJSONL_Roundtrip(t *testing.T) {
	ctx := context.Background()
	src := testStore(t)

	now := time.Now()
	for _, rec := range []*record.Record{
		record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), now),
		record.New("races", record.OpDelete, []byte(`{"id":"race-2"}`), now),
		record.New("boats", record.OpUpsert, []byte(`{"id":"boat-7"}`), now),
	} {
		if err := src.Append(ctx, rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	path := filepath.Join(t.TempDir(), "snapshot.jsonl")
	if _, err := ExportFile(ctx, src, path); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}

	dst := testStore(t)
	result, err := ImportJSONL(ctx, dst, ImportOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.Imported != 3 {
		t.Errorf("expected 3 imported, got %d", result.Imported)
	}
	if result.Skipped != 0 {
		t.Errorf("expected 0 skipped, got %d", result.Skipped)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no errors, got %v", result.Errors)
	}

	recs, err := dst.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(recs) != 3 {
		t.Errorf("expected 3 records in destination, got %d", len(recs))
	}
}

func TestImportJSONL_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	rec := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now())
	if err := st.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	path := writeSnapshot(t, rec,
		record.New("races", record.OpUpsert, []byte(`{"id":"race-2"}`), time.Now()))

	result, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.Imported != 1 {
		t.Errorf("expected 1 imported, got %d", result.Imported)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped, got %d", result.Skipped)
	}

	// Importing the same snapshot again changes nothing
	again, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("second ImportJSONL failed: %v", err)
	}
	if again.Imported != 0 {
		t.Errorf("expected 0 imported on re-import, got %d", again.Imported)
	}
	if again.Skipped != 2 {
		t.Errorf("expected 2 skipped on re-import, got %d", again.Skipped)
	}
}

func TestImportJSONL_DryRun(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	path := writeSnapshot(t,
		record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now()))

	result, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path, DryRun: true})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.Imported != 1 {
		t.Errorf("expected 1 would-be import, got %d", result.Imported)
	}

	count, err := st.Count(ctx)
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("dry run wrote %d records", count)
	}
}

func TestImportJSONL_Backup(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	path := writeSnapshot(t,
		record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now()))

	result, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path, Backup: true})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.BackupCreated == "" {
		t.Fatal("expected a backup path")
	}
	if _, err := os.Stat(result.BackupCreated); err != nil {
		t.Errorf("backup file was not created: %v", err)
	}
	if !strings.Contains(result.BackupCreated, ".backup.") {
		t.Errorf("unexpected backup name %s", result.BackupCreated)
	}
}

func TestImportJSONL_NormalizesInFlight(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	rec := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now())
	rec.Status = record.StatusInFlight
	path := writeSnapshot(t, rec)

	if _, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path}); err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != record.StatusPending {
		t.Errorf("expected in_flight normalized to pending, got %s", got.Status)
	}
}

func TestImportJSONL_CollectsRecordErrors(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	good := record.New("races", record.OpUpsert, []byte(`{"id":"race-1"}`), time.Now())
	bad := record.New("", record.OpUpsert, []byte(`{"id":"race-2"}`), time.Now())
	path := writeSnapshot(t, bad, good)

	result, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: path})
	if err != nil {
		t.Fatalf("ImportJSONL failed: %v", err)
	}

	if result.Imported != 1 {
		t.Errorf("expected 1 imported, got %d", result.Imported)
	}
	if len(result.Errors) != 1 {
		t.Fatalf("expected 1 error, got %v", result.Errors)
	}
	if !strings.Contains(result.Errors[0], "invalid record") {
		t.Errorf("unexpected error text: %s", result.Errors[0])
	}
}

func TestImportJSONL_MissingInput(t *testing.T) {
	ctx := context.Background()
	st := testStore(t)

	_, err := ImportJSONL(ctx, st, ImportOptions{FromJSONL: "/nonexistent/snapshot.jsonl"})
	if err == nil {
		t.Error("expected error for missing input file")
	}
}
