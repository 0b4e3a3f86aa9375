package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/migrate"
)

var exportCmd = &cobra.Command{
	Use:     "export",
	GroupID: "maint",
	Short:   "Export the mutation log as JSONL",
	Long: `Write every queued mutation as one JSON record per line.

Without --out the snapshot goes to stdout. Take a snapshot before clearing
a queue, moving a station to new hardware, or switching storage backends.`,
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := cmd.Flags().GetString("out")

		cfg := loadConfig()
		st := openStoreQuiet(cfg)
		defer st.Close()
		ctx := context.Background()

		if out == "" {
			if _, err := migrate.ExportJSONL(ctx, st, os.Stdout); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}

		n, err := migrate.ExportFile(ctx, st, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Exported %d mutation(s) to %s\n", n, out)
	},
}

var importCmd = &cobra.Command{
	Use:     "import <file>",
	GroupID: "maint",
	Short:   "Import a JSONL snapshot into the queue",
	Long: `Read a snapshot produced by 'drift export' and append its mutations.

Records that already exist are skipped, so re-running an import is safe.
Succeeded records in the snapshot are skipped too, delivering them again
would double-apply. In-flight records become pending, their attempt died
with the process that made it.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		cfg := loadConfig()
		st := openStoreQuiet(cfg)
		defer st.Close()

		result, err := migrate.ImportJSONL(context.Background(), st, migrate.ImportOptions{
			FromJSONL: args[0],
			DryRun:    dryRun,
			Backup:    backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if dryRun {
			fmt.Printf("Dry run: would import %d mutation(s), skip %d\n",
				result.Imported, result.Skipped)
		} else {
			fmt.Printf("Imported %d mutation(s), skipped %d\n",
				result.Imported, result.Skipped)
		}
		if result.BackupCreated != "" {
			fmt.Printf("Snapshot backed up to %s\n", result.BackupCreated)
		}
		if len(result.Errors) > 0 {
			fmt.Fprintf(os.Stderr, "\n%d record(s) could not be imported:\n", len(result.Errors))
			for _, msg := range result.Errors {
				fmt.Fprintf(os.Stderr, "  - %s\n", msg)
			}
		}
	},
}

func init() {
	exportCmd.Flags().String("out", "", "Write the snapshot to a file instead of stdout")

	importCmd.Flags().Bool("dry-run", false, "Report what would be imported without writing")
	importCmd.Flags().Bool("backup", false, "Keep a timestamped copy of the snapshot")

	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}
