package bench

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/store"
)

// benchCollections are the collection names the writers cycle through.
var benchCollections = []string{"races", "boats", "results"}

// Run executes the benchmark workload against the configured backend.
//
// Writers append concurrently, then each reads the full log ListsPerWriter
// times. Append latencies feed the percentile stats; lists only count
// toward throughput.
func Run(config Config) (*Result, error) {
	if config.Writers <= 0 || config.RecordsPerWriter <= 0 {
		return nil, fmt.Errorf("writers and records per writer must be positive")
	}

	scratch := config.Path
	if scratch == "" {
		tmp, err := os.MkdirTemp("", "driftsync-bench-")
		if err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
		scratch = tmp
	} else {
		// Wipe leftovers from a previous run
		if err := os.RemoveAll(scratch); err != nil {
			return nil, fmt.Errorf("failed to clean scratch directory: %w", err)
		}
		if err := os.MkdirAll(scratch, 0755); err != nil {
			return nil, fmt.Errorf("failed to create scratch directory: %w", err)
		}
	}
	defer os.RemoveAll(scratch)

	ctx := context.Background()
	memBefore := GetMemoryStats()

	// Setup: open the store and initialize its schema
	setupStart := time.Now()
	st, err := openStore(config, scratch)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", config.Backend, err)
	}
	setupDuration := time.Since(setupStart)

	// Time to first read
	firstStart := time.Now()
	if _, err := st.List(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to read empty log: %w", err)
	}
	timeToFirst := time.Since(firstStart)

	// Run concurrent writers
	resultsChan := make(chan []time.Duration, config.Writers)
	listsChan := make(chan int, config.Writers)
	errorsChan := make(chan error, config.Writers*2)

	benchStart := time.Now()
	var wg sync.WaitGroup

	for w := 0; w < config.Writers; w++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()

			durations := make([]time.Duration, 0, config.RecordsPerWriter)
			for n := 0; n < config.RecordsPerWriter; n++ {
				collection := benchCollections[n%len(benchCollections)]
				payload := fmt.Sprintf(`{"id":"doc-%d-%d","boat":"USA %d","elapsed_seconds":%d}`,
					writerID, n, 100+writerID, 3600+n)
				rec := record.New(collection, record.OpUpsert, []byte(payload), time.Now())

				opStart := time.Now()
				if err := st.Append(ctx, rec); err != nil {
					errorsChan <- fmt.Errorf("writer %d: append failed: %w", writerID, err)
					resultsChan <- durations
					listsChan <- 0
					return
				}
				durations = append(durations, time.Since(opStart))
			}

			lists := 0
			for n := 0; n < config.ListsPerWriter; n++ {
				if _, err := st.List(ctx); err != nil {
					errorsChan <- fmt.Errorf("writer %d: list failed: %w", writerID, err)
					break
				}
				lists++
			}

			resultsChan <- durations
			listsChan <- lists
		}(w)
	}

	wg.Wait()
	totalDuration := time.Since(benchStart)
	close(resultsChan)
	close(listsChan)
	close(errorsChan)

	// Collect results
	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}
	totalLists := 0
	for lists := range listsChan {
		totalLists += lists
	}
	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	recordCount, err := st.Count(ctx)
	if err != nil {
		errorCount++
		recordCount = 0
	}

	// Close before measuring size so the WAL is checkpointed
	st.Close()
	sizeBytes := dirSize(scratch)

	memAfter := GetMemoryStats()

	totalOps := len(allDurations) + totalLists
	attempted := config.Writers * (config.RecordsPerWriter + config.ListsPerWriter)
	errorRate := 0.0
	if attempted > 0 {
		errorRate = float64(errorCount) / float64(attempted)
	}
	opsPerSecond := 0.0
	if totalDuration > 0 {
		opsPerSecond = float64(totalOps) / totalDuration.Seconds()
	}

	return &Result{
		Config:  config,
		Latency: ComputeStats(allDurations),
		Throughput: ThroughputMetrics{
			OpsPerSecond: opsPerSecond,
			TotalOps:     totalOps,
		},
		Resources: CompareMemoryStats(memBefore, memAfter),
		Store: StoreMetrics{
			SizeBytes:     sizeBytes,
			SetupTimeMs:   setupDuration.Milliseconds(),
			TimeToFirstMs: timeToFirst.Milliseconds(),
			RecordCount:   recordCount,
		},
		TotalDuration: totalDuration,
		ErrorCount:    errorCount,
		ErrorRate:     errorRate,
		Success:       errorCount == 0,
	}, nil
}

// openStore opens the configured backend rooted at dir.
func openStore(config Config, dir string) (store.Store, error) {
	logger := log.New(io.Discard, "", 0)

	switch config.Backend {
	case BackendSQLite:
		return store.OpenSQLite(filepath.Join(dir, "bench.db"), logger)
	case BackendFileLog:
		kv, err := store.NewDirKV(filepath.Join(dir, "log"))
		if err != nil {
			return nil, err
		}
		return store.OpenFileLog(kv, logger)
	default:
		return nil, fmt.Errorf("unknown backend %q (want %q or %q)", config.Backend, BackendSQLite, BackendFileLog)
	}
}

// dirSize sums the file sizes under root. Best effort, unreadable entries
// count as zero.
func dirSize(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
