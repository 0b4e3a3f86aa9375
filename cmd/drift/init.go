package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/regattalab/driftsync/internal/config"
	"github.com/regattalab/driftsync/internal/ui"
)

var initCmd = &cobra.Command{
	Use:     "init",
	GroupID: "maint",
	Short:   "Generate a station config file",
	Long: `Create a driftsync.yaml for this station.

On a terminal this runs a short interactive setup: storage backend, data
directory, sync server, dashboard. With --yes, or without a terminal, it
writes the default config, which queues mutations locally and never syncs
until a sync server is added.

When a sync server is configured, init also writes a starter
collections.toml next to the data directory so the daemon has a manifest
to start from.

Examples:
  # Interactive setup in the current directory
  drift init

  # Non-interactive defaults at a chosen path
  drift init --yes --out /etc/driftsync/driftsync.yaml`,
	Run: runInit,
}

func init() {
	initCmd.Flags().String("out", "driftsync.yaml", "Where to write the config file")
	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	initCmd.Flags().BoolP("yes", "y", false, "Accept defaults without prompting")
	rootCmd.AddCommand(initCmd)
}

// fileConfig mirrors the YAML layout of the config file. Only the settings
// init asks about are written; everything else falls back to defaults when
// the file is loaded.
type fileConfig struct {
	DataDir string `yaml:"data_dir"`
	Storage struct {
		Backend string `yaml:"backend"`
	} `yaml:"storage"`
	Spool struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"spool"`
	Dashboard struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"dashboard"`
	Remote *fileRemote `yaml:"remote,omitempty"`
}

type fileRemote struct {
	URL       string `yaml:"url"`
	AuthToken string `yaml:"auth_token,omitempty"`
	Manifest  string `yaml:"manifest"`
}

func runInit(cmd *cobra.Command, args []string) {
	out, _ := cmd.Flags().GetString("out")
	force, _ := cmd.Flags().GetBool("force")
	yes, _ := cmd.Flags().GetBool("yes")

	if _, err := os.Stat(out); err == nil && !force {
		fmt.Fprintf(os.Stderr, "Error: %s already exists (use --force to overwrite)\n", out)
		os.Exit(1)
	}

	defaults := config.Default()
	backend := defaults.Storage.Backend
	dataDir := defaults.DataDir
	remoteURL := ""
	authToken := ""
	dashboardEnabled := false
	spoolEnabled := false

	if !yes && ui.IsInteractive() {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewSelect[string]().
					Title("Storage backend").
					Description("SQLite survives power loss better; the file log is a plain JSON file you can inspect.").
					Options(
						huh.NewOption("SQLite (recommended)", config.BackendSQLite),
						huh.NewOption("JSON file log", config.BackendFileLog),
					).
					Value(&backend),
				huh.NewInput().
					Title("Data directory").
					Value(&dataDir),
				huh.NewInput().
					Title("Sync server URL").
					Placeholder("libsql://club-races.turso.io (leave empty to stay local)").
					Value(&remoteURL),
				huh.NewInput().
					Title("Auth token").
					EchoMode(huh.EchoModePassword).
					Value(&authToken),
				huh.NewConfirm().
					Title("Enable the live dashboard?").
					Value(&dashboardEnabled),
				huh.NewConfirm().
					Title("Watch a spool directory for dropped mutation files?").
					Value(&spoolEnabled),
			),
		)
		if err := form.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: setup cancelled: %v\n", err)
			os.Exit(1)
		}
	}

	var fc fileConfig
	fc.DataDir = dataDir
	fc.Storage.Backend = backend
	fc.Spool.Enabled = spoolEnabled
	fc.Dashboard.Enabled = dashboardEnabled
	fc.Dashboard.Port = defaults.Dashboard.Port
	if remoteURL != "" {
		fc.Remote = &fileRemote{
			URL:       remoteURL,
			AuthToken: authToken,
			Manifest:  filepath.Join(dataDir, "collections.toml"),
		}
	}

	body, err := yaml.Marshal(&fc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to render config: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	buf.WriteString("# DriftSync station configuration\n")
	buf.WriteString("# Settings not listed here use built-in defaults; DRIFT_* environment\n")
	buf.WriteString("# variables override both (e.g. DRIFT_PROBE_INTERVAL=30s).\n\n")
	buf.Write(body)

	if err := os.WriteFile(out, buf.Bytes(), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to write %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", out)

	if fc.Remote != nil {
		if err := writeStarterManifest(fc.Remote.Manifest); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to write manifest: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Println("\nStart the station with:")
	if out == "driftsync.yaml" {
		fmt.Println("  drift daemon")
	} else {
		fmt.Printf("  drift --config %s daemon\n", out)
	}
}

// writeStarterManifest creates a commented collections.toml unless one is
// already there.
func writeStarterManifest(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Keeping existing %s\n", path)
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	starter := `# Collections this station syncs with the race server.
#
# Each [collections.NAME] entry maps a queue collection to a backend
# table. "table" defaults to the collection name; "key" names the payload
# field holding the document id (default "id").

[collections.races]

[collections.boats]

[collections.results]
# table = "race_results"
# key = "id"
`
	if err := os.WriteFile(path, []byte(starter), 0644); err != nil {
		return err
	}
	fmt.Printf("Wrote %s, edit it to match your server schema\n", path)
	return nil
}
