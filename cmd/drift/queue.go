package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/bench"
	"github.com/regattalab/driftsync/internal/netmon"
	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "queue",
	Short:   "Show queue status",
	Long: `Display the current state of the local mutation queue.

Shows storage details, counts per status, the oldest waiting mutation, and
a live probe of the sync server.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStoreQuiet(cfg)
		defer st.Close()
		ctx := context.Background()

		recs, err := st.List(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
			os.Exit(1)
		}

		var pending, inFlight, dead int
		var oldest *record.Record
		var nextDue *time.Time
		for _, rec := range recs {
			switch rec.Status {
			case record.StatusPending:
				pending++
				if oldest == nil {
					oldest = rec
				}
				if rec.NextAttemptAt != nil && (nextDue == nil || rec.NextAttemptAt.Before(*nextDue)) {
					nextDue = rec.NextAttemptAt
				}
			case record.StatusInFlight:
				inFlight++
			case record.StatusDeadLettered:
				dead++
			}
		}

		p := ui.NewPalette()

		prober := &netmon.HTTPProber{URL: cfg.Probe.URL}
		probeCtx, cancel := context.WithTimeout(ctx, cfg.Probe.Timeout)
		online := prober.Probe(probeCtx) == nil
		cancel()

		fmt.Printf("\n%s\n\n", p.Title("Queue Status"))
		fmt.Printf("Storage:        %s (%s)\n", cfg.Storage.Backend, cfg.StorePath())
		if info, err := os.Stat(cfg.StorePath()); err == nil && !info.IsDir() {
			fmt.Printf("Size:           %s\n", bench.FormatBytes(uint64(info.Size())))
		}
		fmt.Printf("Network:        %s\n", p.OnlineBadge(online))
		fmt.Printf("Pending:        %d\n", pending)
		fmt.Printf("In flight:      %d\n", inFlight)
		fmt.Printf("Dead lettered:  %d\n", dead)
		if oldest != nil {
			fmt.Printf("Oldest waiting: %s, %s (%s ago)\n",
				shortID(oldest.ID), oldest.Collection,
				time.Since(oldest.CreatedAt).Round(time.Second))
		}
		if nextDue != nil {
			if wait := time.Until(*nextDue).Round(time.Second); wait > 0 {
				fmt.Printf("Next attempt:   in %s\n", wait)
			} else {
				fmt.Printf("Next attempt:   due now\n")
			}
		}
		fmt.Println()
	},
}

var listCmd = &cobra.Command{
	Use:     "list",
	GroupID: "queue",
	Short:   "List queued mutations",
	Long: `List mutations in the local log, oldest first.

Filter by status or collection, or show only mutations enqueued after a
point in time. The --since value accepts RFC3339, a Go duration meaning
"this long ago" (48h), or natural language ("yesterday").`,
	Run: runList,
}

func init() {
	listCmd.Flags().String("status", "all", "Filter by status: pending, in_flight, dead_lettered, all")
	listCmd.Flags().String("collection", "", "Filter by collection")
	listCmd.Flags().Int("limit", 50, "Maximum records to show, head of the queue first")
	listCmd.Flags().String("since", "", "Only mutations enqueued after this time")
	listCmd.Flags().Bool("json", false, "Output as JSON")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(reprocessCmd)
}

func runList(cmd *cobra.Command, args []string) {
	statusFilter, _ := cmd.Flags().GetString("status")
	collectionFilter, _ := cmd.Flags().GetString("collection")
	limit, _ := cmd.Flags().GetInt("limit")
	since, _ := cmd.Flags().GetString("since")
	jsonOutput, _ := cmd.Flags().GetBool("json")

	if statusFilter != "all" && !record.Status(statusFilter).Valid() {
		fmt.Fprintf(os.Stderr, "Error: unknown status %q\n", statusFilter)
		os.Exit(1)
	}

	var cutoff time.Time
	if since != "" {
		t, err := parseTimeRef(since, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cutoff = t
	}

	cfg := loadConfig()
	st := openStoreQuiet(cfg)
	defer st.Close()

	recs, err := st.List(context.Background())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
		os.Exit(1)
	}

	filtered := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
		if statusFilter != "all" && rec.Status != record.Status(statusFilter) {
			continue
		}
		if collectionFilter != "" && rec.Collection != collectionFilter {
			continue
		}
		if !cutoff.IsZero() && !rec.CreatedAt.After(cutoff) {
			continue
		}
		filtered = append(filtered, rec)
		if limit > 0 && len(filtered) >= limit {
			break
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(filtered); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if len(filtered) == 0 {
		fmt.Println("Queue is empty.")
		return
	}

	p := ui.NewPalette()
	fmt.Printf("%s\n", p.Header(fmt.Sprintf("%-10s %-14s %-8s %-14s %7s %9s  %s",
		"ID", "COLLECTION", "OP", "STATUS", "RETRIES", "AGE", "LAST ERROR")))
	for _, rec := range filtered {
		age := time.Since(rec.CreatedAt).Round(time.Second)
		fmt.Printf("%-10s %-14s %-8s %s %7d %9s  %s\n",
			shortID(rec.ID),
			truncate(rec.Collection, 14),
			rec.Op,
			statusCell(p, rec.Status),
			rec.RetryCount,
			age,
			truncate(rec.LastError, 48))
	}
	fmt.Printf("\n%d mutation(s)\n", len(filtered))
}

// statusCell pads outside the styled text so ANSI codes do not skew the
// column width.
func statusCell(p ui.Palette, status record.Status) string {
	pad := 14 - len(status)
	if pad < 0 {
		pad = 0
	}
	return p.StatusBadge(status) + strings.Repeat(" ", pad)
}

var clearCmd = &cobra.Command{
	Use:     "clear",
	GroupID: "queue",
	Short:   "Remove queued mutations",
	Long: `Remove mutations from the local log without delivering them.

By default everything goes. Use --dead-letters to drop only dead-lettered
mutations, or --older-than to drop mutations enqueued before a point in
time ("30 days ago", "720h", RFC3339).

Cleared mutations are gone for good. Run 'drift export' first if there is
any doubt.`,
	Run: runClear,
}

func init() {
	clearCmd.Flags().Bool("dead-letters", false, "Only remove dead-lettered mutations")
	clearCmd.Flags().String("older-than", "", "Only remove mutations enqueued before this time")
	clearCmd.Flags().BoolP("yes", "y", false, "Skip the confirmation prompt")
}

func runClear(cmd *cobra.Command, args []string) {
	deadOnly, _ := cmd.Flags().GetBool("dead-letters")
	olderThan, _ := cmd.Flags().GetString("older-than")
	yes, _ := cmd.Flags().GetBool("yes")

	var cutoff time.Time
	if olderThan != "" {
		t, err := parseTimeRef(olderThan, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		cutoff = t
	}

	cfg := loadConfig()
	st := openStoreQuiet(cfg)
	defer st.Close()
	engine := newQuietEngine(cfg, st)
	ctx := context.Background()

	recs, err := st.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error reading queue: %v\n", err)
		os.Exit(1)
	}

	victims := make([]*record.Record, 0, len(recs))
	for _, rec := range recs {
		if deadOnly && rec.Status != record.StatusDeadLettered {
			continue
		}
		if !cutoff.IsZero() && !rec.CreatedAt.Before(cutoff) {
			continue
		}
		victims = append(victims, rec)
	}

	if len(victims) == 0 {
		fmt.Println("Nothing to clear.")
		return
	}

	if !yes {
		if !ui.IsInteractive() {
			fmt.Fprintf(os.Stderr, "Error: refusing to clear %d mutation(s) without --yes\n", len(victims))
			os.Exit(1)
		}
		confirmed := false
		form := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(fmt.Sprintf("Remove %d mutation(s) without delivering them?", len(victims))).
				Value(&confirmed),
		))
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !confirmed {
			fmt.Println("Aborted.")
			return
		}
	}

	removed := 0
	switch {
	case !deadOnly && cutoff.IsZero():
		if err := engine.ClearQueue(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing queue: %v\n", err)
			os.Exit(1)
		}
		removed = len(victims)
	case deadOnly && cutoff.IsZero():
		n, err := engine.ClearDeadLetters(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error clearing dead letters: %v\n", err)
			os.Exit(1)
		}
		removed = n
	default:
		for _, rec := range victims {
			if err := st.Remove(ctx, rec.ID); err != nil {
				fmt.Fprintf(os.Stderr, "Error removing %s: %v\n", shortID(rec.ID), err)
				continue
			}
			removed++
		}
	}

	fmt.Printf("Removed %d mutation(s)\n", removed)
}

var reprocessCmd = &cobra.Command{
	Use:     "reprocess",
	GroupID: "queue",
	Short:   "Requeue dead-lettered mutations",
	Long: `Move dead-lettered mutations back to pending with a fresh retry budget.

Use this after fixing whatever made them fail, a bad payload on the server
side, a misconfigured collection, an expired token. The daemon delivers
them on its next drain.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig()
		st := openStoreQuiet(cfg)
		defer st.Close()
		engine := newQuietEngine(cfg, st)

		n, err := engine.ReprocessDeadLetters(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reprocessing: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Requeued %d dead-lettered mutation(s)\n", n)
		if n > 0 {
			fmt.Println("The daemon will deliver them on its next drain.")
		}
	},
}
