package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/bench"
)

var benchCmd = &cobra.Command{
	Use:     "bench",
	GroupID: "maint",
	Short:   "Benchmark the storage backends",
	Long: `Measure mutation log performance under concurrent writers.

Each writer appends a batch of race mutations and then reads the full log
back, the same access pattern a busy finish line produces. Results cover
append latency percentiles, throughput, memory, and on-disk size.

Modes:
  compare  - Run both backends and report which held up better (default)
  sqlite   - Run only the sqlite backend
  filelog  - Run only the filelog backend

Examples:
  # Compare backends with the default workload (25 writers x 40 records)
  drift bench

  # Heavier run
  drift bench --writers 100 --records 100

  # Single backend, JSON output for scripts
  drift bench --mode sqlite --json`,
	Run: runBench,
}

func init() {
	benchCmd.Flags().Int("writers", 25, "Number of concurrent writers to simulate")
	benchCmd.Flags().Int("records", 40, "Mutations appended per writer")
	benchCmd.Flags().Int("lists", 10, "Full log reads per writer")
	benchCmd.Flags().String("mode", "compare", "Benchmark mode: compare, sqlite, or filelog")
	benchCmd.Flags().String("path", "", "Scratch directory (default: a temp dir, removed afterwards)")
	benchCmd.Flags().Bool("json", false, "Output results as JSON")
	rootCmd.AddCommand(benchCmd)
}

func runBench(cmd *cobra.Command, args []string) {
	writers, _ := cmd.Flags().GetInt("writers")
	records, _ := cmd.Flags().GetInt("records")
	lists, _ := cmd.Flags().GetInt("lists")
	mode, _ := cmd.Flags().GetString("mode")
	path, _ := cmd.Flags().GetString("path")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if writers <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --writers must be positive\n")
		os.Exit(1)
	}
	if records <= 0 {
		fmt.Fprintf(os.Stderr, "Error: --records must be positive\n")
		os.Exit(1)
	}
	if lists < 0 {
		fmt.Fprintf(os.Stderr, "Error: --lists cannot be negative\n")
		os.Exit(1)
	}
	if mode != "compare" && mode != bench.BackendSQLite && mode != bench.BackendFileLog {
		fmt.Fprintf(os.Stderr, "Error: --mode must be 'compare', '%s', or '%s'\n", bench.BackendSQLite, bench.BackendFileLog)
		os.Exit(1)
	}

	config := bench.Config{
		Writers:          writers,
		RecordsPerWriter: records,
		ListsPerWriter:   lists,
		Path:             path,
	}

	if mode == "compare" {
		if !jsonOutput {
			fmt.Println("Running storage backend comparison...")
			fmt.Printf("Workload: %d writers x %d records, %d list reads each\n\n", writers, records, lists)
		}

		result, err := bench.Compare(config)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: comparison failed: %v\n", err)
			os.Exit(1)
		}

		if jsonOutput {
			if err := bench.WriteComparisonJSON(os.Stdout, result); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
		} else {
			bench.PrintComparison(result)
		}
		return
	}

	config.Backend = mode
	if !jsonOutput {
		fmt.Printf("Running %s benchmark...\n", mode)
		fmt.Printf("Workload: %d writers x %d records, %d list reads each\n\n", writers, records, lists)
	}

	result, err := bench.Run(config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: benchmark failed: %v\n", err)
		os.Exit(1)
	}

	if jsonOutput {
		if err := bench.WriteResultJSON(os.Stdout, result); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	} else {
		bench.PrintResult(*result)
	}

	if result.ErrorCount > 0 {
		os.Exit(1)
	}
}
