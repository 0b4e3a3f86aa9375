package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/dashboard"
	"github.com/regattalab/driftsync/internal/record"
	"github.com/regattalab/driftsync/internal/store"
)

var dashboardCmd = &cobra.Command{
	Use:     "dashboard",
	GroupID: "sync",
	Short:   "Serve the queue dashboard without the daemon",
	Long: `Start the WebSocket dashboard on its own, polling queue counts from
the store.

The daemon publishes richer live events (per-mutation activity, drain
results, connectivity flips) when dashboard.enabled is set in the config.
Standalone mode only has stored counts, but works while the daemon is down.

Connect with a WebSocket client:
  ws://localhost:8080/ws`,
	Run: runDashboard,
}

func init() {
	dashboardCmd.Flags().IntP("port", "p", 0, "Port to listen on (default: dashboard.port from config)")
	rootCmd.AddCommand(dashboardCmd)
}

func runDashboard(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	port := cfg.Dashboard.Port
	if flagPort, _ := cmd.Flags().GetInt("port"); flagPort != 0 {
		port = flagPort
	}

	st := openStoreQuiet(cfg)
	defer st.Close()

	server := dashboard.NewServer(&dashboard.Config{Port: port})
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start dashboard: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Dashboard server started on http://%s\n", server.GetAddr())
	fmt.Printf("WebSocket endpoint: ws://%s/ws\n", server.GetAddr())
	fmt.Printf("Health check: http://%s/health\n", server.GetAddr())
	fmt.Println("\nPress Ctrl+C to stop...")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Poll stored counts so connected clients see the backlog move
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			broadcastStoreStats(ctx, st, server)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	<-ctx.Done()

	fmt.Println("\nShutting down dashboard server...")
	if err := server.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Dashboard server stopped")
}

func broadcastStoreStats(ctx context.Context, st store.Store, server *dashboard.Server) {
	backlog, err := st.Count(ctx, record.StatusPending, record.StatusInFlight)
	if err != nil {
		return
	}
	dead, err := st.Count(ctx, record.StatusDeadLettered)
	if err != nil {
		return
	}

	data, err := json.Marshal(dashboard.StatsData{Pending: backlog, DeadLettered: dead})
	if err != nil {
		return
	}
	server.Broadcast(dashboard.Message{Type: dashboard.MessageTypeStats, Data: data})
}
