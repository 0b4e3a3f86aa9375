// Package bench measures mutation log performance across the two store
// backends.
//
// A run spawns concurrent writers that append and list against a scratch
// store, then reports latency percentiles, throughput, memory, and file
// size. Compare runs the same workload against both backends so an operator
// can pick the right storage for a station before the season starts.
package bench

import (
	"fmt"
	"runtime"
	"sort"
	"time"
)

// Backend names accepted by Config.Backend.
const (
	BackendSQLite  = "sqlite"
	BackendFileLog = "filelog"
)

// Config defines the parameters for a benchmark run.
type Config struct {
	// Writers is the number of concurrent writers to simulate
	Writers int

	// RecordsPerWriter is how many mutations each writer appends
	RecordsPerWriter int

	// ListsPerWriter is how many full snapshot reads each writer performs
	ListsPerWriter int

	// Backend selects the store implementation ("sqlite" or "filelog")
	Backend string

	// Path is the scratch directory for the run. Its contents are wiped
	// before and after. Empty means a fresh temp directory.
	Path string
}

// DefaultConfig returns a benchmark configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Writers:          25,
		RecordsPerWriter: 40,
		ListsPerWriter:   10,
		Backend:          BackendSQLite,
	}
}

// Result captures all metrics from a benchmark run.
type Result struct {
	// Configuration used for this run
	Config Config

	// Latency metrics (append performance)
	Latency LatencyMetrics

	// Throughput metrics (appends and lists combined)
	Throughput ThroughputMetrics

	// Resource usage metrics
	Resources ResourceMetrics

	// Store metrics
	Store StoreMetrics

	// Overall run metrics
	TotalDuration time.Duration
	ErrorCount    int
	ErrorRate     float64
	Success       bool
}

// LatencyMetrics captures append latency statistics.
type LatencyMetrics struct {
	Min  time.Duration
	P50  time.Duration // Median
	Mean time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration

	// Raw durations for analysis
	Durations []time.Duration `json:"-"`
}

// ThroughputMetrics captures operations-per-second metrics.
type ThroughputMetrics struct {
	OpsPerSecond float64
	TotalOps     int
}

// ResourceMetrics captures memory usage.
type ResourceMetrics struct {
	MemoryBeforeBytes uint64
	MemoryAfterBytes  uint64
	MemoryPeakBytes   uint64
	MemoryDeltaBytes  uint64
}

// StoreMetrics captures storage statistics.
type StoreMetrics struct {
	SizeBytes     int64
	SetupTimeMs   int64 // Time to open the store and init its schema
	TimeToFirstMs int64 // Time to first full List
	RecordCount   int
}

// ComputeStats calculates statistics from raw durations.
func ComputeStats(durations []time.Duration) LatencyMetrics {
	if len(durations) == 0 {
		return LatencyMetrics{}
	}

	// Sort for percentile calculation
	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	// Calculate mean
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	mean := sum / time.Duration(len(sorted))

	// Calculate percentiles
	p50 := sorted[len(sorted)*50/100]
	p95 := sorted[len(sorted)*95/100]
	p99 := sorted[len(sorted)*99/100]

	return LatencyMetrics{
		Min:       sorted[0],
		P50:       p50,
		Mean:      mean,
		P95:       p95,
		P99:       p99,
		Max:       sorted[len(sorted)-1],
		Durations: sorted,
	}
}

// GetMemoryStats returns current memory usage statistics.
func GetMemoryStats() ResourceMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return ResourceMetrics{
		MemoryBeforeBytes: m.Alloc,
		MemoryAfterBytes:  m.Alloc,
		MemoryPeakBytes:   m.Sys,
	}
}

// CompareMemoryStats computes the delta between before and after memory stats.
func CompareMemoryStats(before, after ResourceMetrics) ResourceMetrics {
	var delta uint64
	if after.MemoryAfterBytes > before.MemoryBeforeBytes {
		delta = after.MemoryAfterBytes - before.MemoryBeforeBytes
	}

	return ResourceMetrics{
		MemoryBeforeBytes: before.MemoryBeforeBytes,
		MemoryAfterBytes:  after.MemoryAfterBytes,
		MemoryPeakBytes:   after.MemoryPeakBytes,
		MemoryDeltaBytes:  delta,
	}
}

// FormatBytes formats bytes into a human-readable string.
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatDuration formats a duration into a human-readable string.
func FormatDuration(d time.Duration) string {
	if d < time.Microsecond {
		return fmt.Sprintf("%dns", d.Nanoseconds())
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%.2fµs", float64(d.Nanoseconds())/1000.0)
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d.Microseconds())/1000.0)
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}

// PrintResult outputs a formatted benchmark result.
func PrintResult(result Result) {
	fmt.Printf("\n=== Benchmark Results (%s backend) ===\n\n", result.Config.Backend)

	fmt.Printf("Configuration:\n")
	fmt.Printf("  Concurrent Writers:  %d\n", result.Config.Writers)
	fmt.Printf("  Records per Writer:  %d\n", result.Config.RecordsPerWriter)
	fmt.Printf("  Lists per Writer:    %d\n", result.Config.ListsPerWriter)
	fmt.Printf("\n")

	fmt.Printf("Append Latency:\n")
	fmt.Printf("  Min:       %s\n", FormatDuration(result.Latency.Min))
	fmt.Printf("  P50:       %s\n", FormatDuration(result.Latency.P50))
	fmt.Printf("  Mean:      %s\n", FormatDuration(result.Latency.Mean))
	fmt.Printf("  P95:       %s\n", FormatDuration(result.Latency.P95))
	fmt.Printf("  P99:       %s\n", FormatDuration(result.Latency.P99))
	fmt.Printf("  Max:       %s\n", FormatDuration(result.Latency.Max))
	fmt.Printf("\n")

	fmt.Printf("Throughput:\n")
	fmt.Printf("  Ops/sec:           %.2f\n", result.Throughput.OpsPerSecond)
	fmt.Printf("  Total Ops:         %d\n", result.Throughput.TotalOps)
	fmt.Printf("\n")

	fmt.Printf("Resources:\n")
	fmt.Printf("  Memory Before:     %s\n", FormatBytes(result.Resources.MemoryBeforeBytes))
	fmt.Printf("  Memory After:      %s\n", FormatBytes(result.Resources.MemoryAfterBytes))
	fmt.Printf("  Memory Peak:       %s\n", FormatBytes(result.Resources.MemoryPeakBytes))
	fmt.Printf("  Memory Delta:      %s\n", FormatBytes(result.Resources.MemoryDeltaBytes))
	fmt.Printf("\n")

	fmt.Printf("Store:\n")
	fmt.Printf("  Size:              %s\n", FormatBytes(uint64(result.Store.SizeBytes)))
	fmt.Printf("  Setup Time:        %dms\n", result.Store.SetupTimeMs)
	fmt.Printf("  Time to First:     %dms\n", result.Store.TimeToFirstMs)
	fmt.Printf("  Records:           %d\n", result.Store.RecordCount)
	fmt.Printf("\n")

	fmt.Printf("Overall:\n")
	fmt.Printf("  Total Duration:    %s\n", FormatDuration(result.TotalDuration))
	fmt.Printf("  Errors:            %d (%.2f%%)\n", result.ErrorCount, result.ErrorRate*100)
	fmt.Printf("  Success:           %v\n", result.Success)
	fmt.Printf("\n")
}
