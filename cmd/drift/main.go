package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.3.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "drift",
	Short: "Offline-first mutation sync for race committee stations",
	Long: `DriftSync queues scoring mutations while a committee boat or mark boat
is offline and drains them to the club server once connectivity returns.

Mutations land in a durable local log, are delivered in enqueue order per
collection, retried with capped backoff, and dead-lettered after repeated
failures so one bad record never wedges the queue.`,
	Version: version,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "queue", Title: "Queue Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
		&cobra.Group{ID: "maint", Title: "Maintenance Commands:"},
	)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (default: ./driftsync.yaml, then ~/.driftsync/driftsync.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
