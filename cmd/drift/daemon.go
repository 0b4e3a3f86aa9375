package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regattalab/driftsync/internal/dashboard"
	"github.com/regattalab/driftsync/internal/logging"
	"github.com/regattalab/driftsync/internal/netmon"
	"github.com/regattalab/driftsync/internal/queue"
	"github.com/regattalab/driftsync/internal/remote"
	"github.com/regattalab/driftsync/internal/spool"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "sync",
	Short:   "Run the sync daemon (foreground)",
	Long: `Run the DriftSync daemon in the foreground.

The daemon:
  1. Opens the local mutation log
  2. Probes connectivity and debounces flapping links
  3. Drains queued mutations to the sync server whenever online
  4. Retries failures with capped backoff, dead-letters after repeated ones
  5. Optionally watches a spool directory and serves a live dashboard

Configuration comes from driftsync.yaml and DRIFT_ environment variables.
Run 'drift init' to generate a starting config.`,
	Run: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating data directory: %v\n", err)
		os.Exit(1)
	}

	sink := logging.Open(logging.Options{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
	})
	defer sink.Close()
	logger := sink.Logger("[daemon] ")

	st := openStore(cfg, sink.Logger("[store] "))
	defer st.Close()

	mon, err := netmon.New(&netmon.HTTPProber{URL: cfg.Probe.URL}, &netmon.Config{
		PollInterval:   cfg.Probe.Interval,
		ProbeTimeout:   cfg.Probe.Timeout,
		DebounceWindow: cfg.Probe.Debounce,
		Logger:         sink.Logger("[netmon] "),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating network monitor: %v\n", err)
		os.Exit(1)
	}

	engineConfig := &queue.Config{
		SafetyInterval: cfg.Drain.Interval,
		Backoff:        cfg.BackoffPolicy(),
		Logger:         sink.Logger("[queue] "),
	}

	var dashServer *dashboard.Server
	var bridge *dashboard.Bridge
	if cfg.Dashboard.Enabled {
		dashServer = dashboard.NewServer(&dashboard.Config{
			Port:   cfg.Dashboard.Port,
			Logger: sink.Logger("[dashboard] "),
		})
		bridge = dashboard.NewBridge(dashServer, sink.Logger("[dashboard] "))
		engineConfig.Events = bridge
	}

	engine, err := queue.New(st, mon, engineConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating queue engine: %v\n", err)
		os.Exit(1)
	}

	if cfg.Remote.URL != "" {
		manifest, err := remote.LoadManifest(cfg.Remote.Manifest)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		backend, err := remote.Open(&remote.Config{
			URL:          cfg.Remote.URL,
			AuthToken:    cfg.Remote.AuthToken,
			LocalPath:    cfg.Remote.ReplicaPath,
			SyncInterval: cfg.Remote.SyncInterval,
			Logger:       sink.Logger("[remote] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening sync backend: %v\n", err)
			os.Exit(1)
		}
		defer backend.Close()

		// Offline at startup is normal. Missing tables surface as delivery
		// failures and retry until the link comes back.
		schemaCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := backend.EnsureSchema(schemaCtx, manifest); err != nil {
			logger.Printf("Warning: schema init deferred: %v", err)
		}
		cancel()

		for name, collection := range manifest.Collections {
			engine.RegisterHandler(name, backend.Handlers(collection))
		}
		logger.Printf("Registered %d collections from %s", len(manifest.Collections), cfg.Remote.Manifest)
	} else {
		logger.Printf("No sync server configured, mutations will queue locally")
	}

	if err := mon.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting network monitor: %v\n", err)
		os.Exit(1)
	}
	if err := engine.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting queue engine: %v\n", err)
		mon.Stop()
		os.Exit(1)
	}

	var sp *spool.Spool
	if cfg.Spool.Enabled {
		if err := os.MkdirAll(cfg.SpoolPath(), 0755); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool directory: %v\n", err)
			os.Exit(1)
		}
		sp, err = spool.New(cfg.SpoolPath(), engine, &spool.Config{
			Logger: sink.Logger("[spool] "),
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating spool: %v\n", err)
			os.Exit(1)
		}
		if err := sp.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting spool: %v\n", err)
			os.Exit(1)
		}
	}

	if dashServer != nil {
		if err := dashServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error starting dashboard: %v\n", err)
			os.Exit(1)
		}
		if stats, err := engine.Stats(context.Background()); err == nil {
			bridge.Seed(stats)
		}
	}

	fmt.Printf("DriftSync daemon started\n")
	fmt.Printf("   Storage:  %s (%s)\n", cfg.Storage.Backend, cfg.StorePath())
	fmt.Printf("   Probe:    %s every %v\n", cfg.Probe.URL, cfg.Probe.Interval)
	if cfg.Remote.URL != "" {
		fmt.Printf("   Server:   %s\n", cfg.Remote.URL)
	}
	if sp != nil {
		fmt.Printf("   Spool:    %s\n", cfg.SpoolPath())
	}
	if dashServer != nil {
		fmt.Printf("   Dashboard: http://%s\n", dashServer.GetAddr())
	}
	fmt.Printf("\nPress Ctrl+C to stop\n\n")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	fmt.Println("\nShutting down...")
	if sp != nil {
		if err := sp.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping spool: %v\n", err)
		}
	}
	if dashServer != nil {
		if err := dashServer.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping dashboard: %v\n", err)
		}
	}
	if err := engine.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping queue engine: %v\n", err)
	}
	if err := mon.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "Error stopping network monitor: %v\n", err)
	}
	fmt.Println("Daemon stopped")
}
