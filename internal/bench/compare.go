package bench

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// ComparisonResult holds the results of running the same workload against
// both backends.
type ComparisonResult struct {
	SQLite  *Result
	FileLog *Result

	// Improvement percentages. Positive means sqlite did better.
	LatencyImprovement    map[string]float64
	ThroughputImprovement float64
	MemoryImprovement     float64

	OverallWinner string
	WinCount      map[string]int
}

// Compare runs the workload against both backends and reports which one
// held up better.
func Compare(config Config) (*ComparisonResult, error) {
	sqliteConfig := config
	sqliteConfig.Backend = BackendSQLite
	filelogConfig := config
	filelogConfig.Backend = BackendFileLog
	if config.Path != "" {
		sqliteConfig.Path = filepath.Join(config.Path, "sqlite")
		filelogConfig.Path = filepath.Join(config.Path, "filelog")
	}

	sqliteResult, err := Run(sqliteConfig)
	if err != nil {
		return nil, fmt.Errorf("sqlite benchmark failed: %w", err)
	}

	filelogResult, err := Run(filelogConfig)
	if err != nil {
		return nil, fmt.Errorf("filelog benchmark failed: %w", err)
	}

	return buildComparison(sqliteResult, filelogResult), nil
}

// buildComparison computes improvement percentages and picks a winner.
func buildComparison(sqliteResult, filelogResult *Result) *ComparisonResult {
	result := &ComparisonResult{
		SQLite:             sqliteResult,
		FileLog:            filelogResult,
		LatencyImprovement: make(map[string]float64),
		WinCount:           map[string]int{BackendSQLite: 0, BackendFileLog: 0},
	}

	// Latency, lower is better
	result.LatencyImprovement["min"] = calculateImprovement(
		float64(sqliteResult.Latency.Min), float64(filelogResult.Latency.Min))
	result.LatencyImprovement["p50"] = calculateImprovement(
		float64(sqliteResult.Latency.P50), float64(filelogResult.Latency.P50))
	result.LatencyImprovement["mean"] = calculateImprovement(
		float64(sqliteResult.Latency.Mean), float64(filelogResult.Latency.Mean))
	result.LatencyImprovement["p95"] = calculateImprovement(
		float64(sqliteResult.Latency.P95), float64(filelogResult.Latency.P95))
	result.LatencyImprovement["p99"] = calculateImprovement(
		float64(sqliteResult.Latency.P99), float64(filelogResult.Latency.P99))
	result.LatencyImprovement["max"] = calculateImprovement(
		float64(sqliteResult.Latency.Max), float64(filelogResult.Latency.Max))

	// Throughput, higher is better
	if filelogResult.Throughput.OpsPerSecond > 0 {
		result.ThroughputImprovement = (sqliteResult.Throughput.OpsPerSecond -
			filelogResult.Throughput.OpsPerSecond) / filelogResult.Throughput.OpsPerSecond * 100
	}

	// Memory delta, lower is better
	result.MemoryImprovement = calculateImprovement(
		float64(sqliteResult.Resources.MemoryDeltaBytes),
		float64(filelogResult.Resources.MemoryDeltaBytes))

	for _, improvement := range result.LatencyImprovement {
		if improvement > 0 {
			result.WinCount[BackendSQLite]++
		} else if improvement < 0 {
			result.WinCount[BackendFileLog]++
		}
	}
	if result.ThroughputImprovement > 0 {
		result.WinCount[BackendSQLite]++
	} else if result.ThroughputImprovement < 0 {
		result.WinCount[BackendFileLog]++
	}
	if result.MemoryImprovement > 0 {
		result.WinCount[BackendSQLite]++
	} else if result.MemoryImprovement < 0 {
		result.WinCount[BackendFileLog]++
	}

	switch {
	case result.WinCount[BackendSQLite] > result.WinCount[BackendFileLog]:
		result.OverallWinner = BackendSQLite
	case result.WinCount[BackendFileLog] > result.WinCount[BackendSQLite]:
		result.OverallWinner = BackendFileLog
	default:
		result.OverallWinner = "tie"
	}

	return result
}

// calculateImprovement returns how much better (percent) the sqlite value
// is for a lower-is-better metric.
func calculateImprovement(sqliteValue, filelogValue float64) float64 {
	if filelogValue == 0 {
		return 0
	}
	return (filelogValue - sqliteValue) / filelogValue * 100
}

// PrintComparison outputs a formatted side-by-side report.
func PrintComparison(result *ComparisonResult) {
	separator := strings.Repeat("=", 80)

	fmt.Println(separator)
	fmt.Println("Store Backend Comparison")
	fmt.Println(separator)
	fmt.Printf("Workload: %d writers x %d records, %d lists each\n",
		result.SQLite.Config.Writers,
		result.SQLite.Config.RecordsPerWriter,
		result.SQLite.Config.ListsPerWriter)

	fmt.Printf("\nAppend Latency (lower is better):\n")
	printLatencyRow("Min", result.SQLite.Latency.Min, result.FileLog.Latency.Min, result.LatencyImprovement["min"])
	printLatencyRow("P50", result.SQLite.Latency.P50, result.FileLog.Latency.P50, result.LatencyImprovement["p50"])
	printLatencyRow("Mean", result.SQLite.Latency.Mean, result.FileLog.Latency.Mean, result.LatencyImprovement["mean"])
	printLatencyRow("P95", result.SQLite.Latency.P95, result.FileLog.Latency.P95, result.LatencyImprovement["p95"])
	printLatencyRow("P99", result.SQLite.Latency.P99, result.FileLog.Latency.P99, result.LatencyImprovement["p99"])
	printLatencyRow("Max", result.SQLite.Latency.Max, result.FileLog.Latency.Max, result.LatencyImprovement["max"])

	fmt.Printf("\nThroughput (higher is better):\n")
	fmt.Printf("  %-6s sqlite: %12.2f   filelog: %12.2f   %s\n", "Ops/s",
		result.SQLite.Throughput.OpsPerSecond,
		result.FileLog.Throughput.OpsPerSecond,
		formatSign(result.ThroughputImprovement))

	fmt.Printf("\nMemory (lower is better):\n")
	fmt.Printf("  %-6s sqlite: %12s   filelog: %12s   %s\n", "Delta",
		FormatBytes(result.SQLite.Resources.MemoryDeltaBytes),
		FormatBytes(result.FileLog.Resources.MemoryDeltaBytes),
		formatSign(result.MemoryImprovement))

	fmt.Printf("\nStore:\n")
	fmt.Printf("  %-6s sqlite: %12s   filelog: %12s\n", "Size",
		FormatBytes(uint64(result.SQLite.Store.SizeBytes)),
		FormatBytes(uint64(result.FileLog.Store.SizeBytes)))
	fmt.Printf("  %-6s sqlite: %12d   filelog: %12d\n", "Errors",
		result.SQLite.ErrorCount, result.FileLog.ErrorCount)

	fmt.Println()
	fmt.Println(separator)
	if result.OverallWinner == "tie" {
		fmt.Printf("Winner: tie (%d wins each)\n", result.WinCount[BackendSQLite])
	} else {
		fmt.Printf("Winner: %s (%d wins vs %d)\n", result.OverallWinner,
			result.WinCount[result.OverallWinner],
			result.WinCount[other(result.OverallWinner)])
	}
	fmt.Println(separator)
}

func printLatencyRow(name string, sqliteValue, filelogValue time.Duration, improvement float64) {
	fmt.Printf("  %-6s sqlite: %12s   filelog: %12s   %s\n", name,
		FormatDuration(sqliteValue), FormatDuration(filelogValue), formatSign(improvement))
}

// formatSign labels which backend won a row and by how much.
func formatSign(improvement float64) string {
	if improvement > 0 {
		return fmt.Sprintf("sqlite +%.1f%%", improvement)
	}
	if improvement < 0 {
		return fmt.Sprintf("filelog +%.1f%%", -improvement)
	}
	return "even"
}

// other returns the opposing backend name for the summary line.
func other(winner string) string {
	if winner == BackendSQLite {
		return BackendFileLog
	}
	return BackendSQLite
}

// WriteResultJSON writes a single run result as indented JSON.
func WriteResultJSON(w io.Writer, result *Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// WriteComparisonJSON writes a comparison result as indented JSON.
func WriteComparisonJSON(w io.Writer, result *ComparisonResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode comparison: %w", err)
	}
	return nil
}
