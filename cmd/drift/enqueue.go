package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/record"
)

var enqueueCmd = &cobra.Command{
	Use:     "enqueue <collection> <op> [payload]",
	GroupID: "queue",
	Short:   "Queue a mutation by hand",
	Long: `Queue a single mutation, exactly like an application caller would.

The payload is a JSON document given inline, with --file, or on stdin when
the argument is "-". The op is "upsert" or "delete".

Examples:
  drift enqueue results upsert '{"id":"race-5-usa-417","finish":"14:02:11"}'
  drift enqueue results delete '{"id":"race-5-usa-417"}'
  cat finish.json | drift enqueue results upsert -`,
	Args: cobra.RangeArgs(2, 3),
	Run:  runEnqueue,
}

func init() {
	enqueueCmd.Flags().String("file", "", "Read the payload from a file")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) {
	file, _ := cmd.Flags().GetString("file")

	op, err := record.ParseOp(args[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var payload []byte
	switch {
	case file != "":
		payload, err = os.ReadFile(file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading payload file: %v\n", err)
			os.Exit(1)
		}
	case len(args) == 3 && args[2] == "-":
		payload, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stdin: %v\n", err)
			os.Exit(1)
		}
	case len(args) == 3:
		payload = []byte(args[2])
	}

	cfg := loadConfig()
	st := openStoreQuiet(cfg)
	defer st.Close()
	engine := newQuietEngine(cfg, st)
	ctx := context.Background()

	rec, err := engine.Enqueue(ctx, args[0], op, payload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Queued %s (%s %s)\n", shortID(rec.ID), rec.Op, rec.Collection)
	if pending, err := engine.PendingCount(ctx); err == nil {
		fmt.Printf("Pending: %d\n", pending)
	}
}
