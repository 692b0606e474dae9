package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/prism-av/display-agent/internal/applyengine"
	"github.com/prism-av/display-agent/internal/config"
	"github.com/prism-av/display-agent/internal/identity"
	"github.com/prism-av/display-agent/internal/ledger"
	"github.com/prism-av/display-agent/internal/logging"
	"github.com/prism-av/display-agent/internal/model"
	"github.com/prism-av/display-agent/internal/planner"
	"github.com/prism-av/display-agent/internal/server"
	"github.com/prism-av/display-agent/internal/snapshot"
	"github.com/prism-av/display-agent/internal/validate"
	"github.com/prism-av/display-agent/internal/version"
)

var (
	cfgFile string
	outPath string
	pretty  bool

	profilePath  string
	snapshotPath string
	knownPath    string
	pinsPath     string
	planPath     string
	dryRun       bool
	intervalSecs int
	listenAddr   string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "display-agent",
	Short: "Prism AV display agent",
	Long: `Display management agent: reconciles declarative display profiles
against the host's attached monitors, plans and applies desktop topology,
mosaic groups, and pixel-routing contracts.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("display-agent v%s\n", version.Version)
	},
}

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Enumerate attached displays and print a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		snap, err := snapshot.NewOSProvider().Collect()
		if err != nil {
			return err
		}
		return writeJSON(snap)
	},
}

var buildKnownCmd = &cobra.Command{
	Use:   "build-known",
	Short: "Synthesize a known-display set from a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		var snap model.DisplaySnapshot
		if err := readInput(snapshotPath, &snap); err != nil {
			return err
		}
		return writeJSON(identity.BuildKnownFromSnapshot(&snap))
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve known display identities against a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		var known []model.KnownDisplay
		if err := readInput(knownPath, &known); err != nil {
			return err
		}
		var snap model.DisplaySnapshot
		if err := readInput(snapshotPath, &snap); err != nil {
			return err
		}
		pins, err := readPins()
		if err != nil {
			return err
		}
		return writeJSON(identity.Resolve(known, &snap, pins))
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a display profile, optionally against a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		var profile model.DisplayProfile
		if err := readInput(profilePath, &profile); err != nil {
			return err
		}
		var snap *model.DisplaySnapshot
		if snapshotPath != "" {
			snap = &model.DisplaySnapshot{}
			if err := readInput(snapshotPath, snap); err != nil {
				return err
			}
		}
		report := validate.Profile(&profile, snap)
		if err := writeJSON(report); err != nil {
			return err
		}
		if !report.Ok {
			// The report itself is on stdout; signal failure via exit code.
			os.Exit(2)
		}
		return nil
	},
}

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Plan a profile against a snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, snap, known, err := readPlanInputs()
		if err != nil {
			return err
		}
		plan, resolution, validation := planner.PlanProfile(profile, snap, known)
		pixelLedger := ledger.BuildPixelLedger(profile, &resolution, snap)
		return writeJSON(map[string]any{
			"plan":       plan,
			"identity":   resolution,
			"validation": validation,
			"ledger":     pixelLedger,
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Project pixel routes onto observed display identities",
	RunE: func(cmd *cobra.Command, args []string) error {
		profile, snap, known, err := readPlanInputs()
		if err != nil {
			return err
		}
		pins, err := readPins()
		if err != nil {
			return err
		}
		resolution := identity.Resolve(known, snap, pins)
		pixelLedger := ledger.BuildPixelLedger(profile, &resolution, snap)
		return writeJSON(map[string]any{
			"identity": resolution,
			"ledger":   pixelLedger,
		})
	},
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Execute a display plan",
	RunE: func(cmd *cobra.Command, args []string) error {
		var plan model.DisplayPlan
		if err := readInput(planPath, &plan); err != nil {
			return err
		}
		adapter, err := applyengine.NewOSAdapter()
		if err != nil && !dryRun {
			log.Warn("no display adapter for this platform", "error", err)
		}
		engine := applyengine.New(adapter, snapshot.NewOSProvider())
		return writeJSON(engine.Apply(&plan, dryRun))
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print one compact snapshot per interval until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("interval-secs") {
			intervalSecs = loadConfig().WatchIntervalSeconds
		}
		interval := time.Duration(intervalSecs) * time.Second
		if interval < time.Second {
			interval = time.Second
		}

		provider := snapshot.NewOSProvider()
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		emit := func() {
			snap, err := provider.Collect()
			if err != nil {
				raw, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
				fmt.Println(string(raw))
				return
			}
			raw, err := json.Marshal(snap)
			if err != nil {
				log.Error("failed to serialize snapshot", "error", err)
				return
			}
			fmt.Println(string(raw))
		}

		emit()
		for {
			select {
			case <-ticker.C:
				emit()
			case <-sigChan:
				log.Info("watch interrupted")
				return nil
			}
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the JSON bridge over a local WebSocket",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		if listenAddr != "" {
			cfg.ServeListen = listenAddr
		}
		srv := server.New(&server.Config{
			Listen:           cfg.ServeListen,
			SnapshotInterval: time.Duration(cfg.ServeSnapshotSeconds) * time.Second,
		})

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-sigChan
			log.Info("shutting down bridge server")
			srv.Stop()
		}()

		return srv.Run()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is the platform config dir)")
	rootCmd.PersistentFlags().StringVar(&outPath, "out", "", "write output to PATH instead of stdout")
	rootCmd.PersistentFlags().BoolVar(&pretty, "pretty", false, "pretty-print JSON output")

	buildKnownCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file (JSON or YAML)")
	buildKnownCmd.MarkFlagRequired("snapshot")

	resolveCmd.Flags().StringVar(&knownPath, "known", "", "known-display set file")
	resolveCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file")
	resolveCmd.Flags().StringVar(&pinsPath, "pins", "", "display pins file")
	resolveCmd.MarkFlagRequired("known")
	resolveCmd.MarkFlagRequired("snapshot")

	validateCmd.Flags().StringVar(&profilePath, "profile", "", "display profile file")
	validateCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file (optional)")
	validateCmd.MarkFlagRequired("profile")

	planCmd.Flags().StringVar(&profilePath, "profile", "", "display profile file")
	planCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file")
	planCmd.Flags().StringVar(&knownPath, "known", "", "known-display set file (default: synthesized from snapshot)")
	planCmd.MarkFlagRequired("profile")
	planCmd.MarkFlagRequired("snapshot")

	ledgerCmd.Flags().StringVar(&profilePath, "profile", "", "display profile file")
	ledgerCmd.Flags().StringVar(&snapshotPath, "snapshot", "", "snapshot file")
	ledgerCmd.Flags().StringVar(&knownPath, "known", "", "known-display set file (default: synthesized from snapshot)")
	ledgerCmd.Flags().StringVar(&pinsPath, "pins", "", "display pins file")
	ledgerCmd.MarkFlagRequired("profile")
	ledgerCmd.MarkFlagRequired("snapshot")

	applyCmd.Flags().StringVar(&planPath, "plan", "", "display plan file")
	applyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "simulate without touching the OS")
	applyCmd.MarkFlagRequired("plan")

	watchCmd.Flags().IntVar(&intervalSecs, "interval-secs", 2, "seconds between snapshots")

	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (default from config)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(buildKnownCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)

	cobra.OnInitialize(func() {
		initLogging(loadConfig())
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig loads the agent config, falling back to defaults so the
// CLI works without any config file present.
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v (using defaults)\n", err)
		return config.Default()
	}
	return cfg
}

// initLogging sets up structured logging from config.
func initLogging(cfg *config.Config) {
	var output io.Writer = os.Stderr

	if cfg.LogFile != "" {
		rw, err := logging.NewRotatingWriter(cfg.LogFile, cfg.LogMaxSizeMB, cfg.LogMaxBackups)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v (logging to stderr)\n", cfg.LogFile, err)
		} else {
			output = logging.TeeWriter(os.Stderr, rw)
		}
	}

	logging.Init(cfg.LogFormat, cfg.LogLevel, output)
	log = logging.L("main")

	if cfg.Pretty {
		pretty = true
	}
}

func readPlanInputs() (*model.DisplayProfile, *model.DisplaySnapshot, []model.KnownDisplay, error) {
	var profile model.DisplayProfile
	if err := readInput(profilePath, &profile); err != nil {
		return nil, nil, nil, err
	}
	var snap model.DisplaySnapshot
	if err := readInput(snapshotPath, &snap); err != nil {
		return nil, nil, nil, err
	}
	var known []model.KnownDisplay
	if knownPath != "" {
		if err := readInput(knownPath, &known); err != nil {
			return nil, nil, nil, err
		}
	} else {
		known = identity.BuildKnownFromSnapshot(&snap)
	}
	return &profile, &snap, known, nil
}

func readPins() ([]model.DisplayPin, error) {
	if pinsPath == "" {
		return nil, nil
	}
	var pins []model.DisplayPin
	if err := readInput(pinsPath, &pins); err != nil {
		return nil, err
	}
	return pins, nil
}

// readInput decodes a JSON or YAML file (by extension) into v.
func readInput(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		// The model structs carry JSON tags only, so YAML input goes
		// through a generic decode and a JSON re-encode.
		var tree any
		if err := yaml.Unmarshal(raw, &tree); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		encoded, err := json.Marshal(tree)
		if err != nil {
			return fmt.Errorf("failed to convert %s to JSON: %w", path, err)
		}
		if err := json.Unmarshal(encoded, v); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return nil
}

// writeJSON encodes v to --out or stdout, honoring --pretty.
func writeJSON(v any) error {
	var raw []byte
	var err error
	if pretty {
		raw, err = json.MarshalIndent(v, "", "  ")
	} else {
		raw, err = json.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("JSON encode failed: %w", err)
	}

	if outPath != "" {
		if err := os.WriteFile(outPath, append(raw, '\n'), 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", outPath, err)
		}
		return nil
	}
	fmt.Println(string(raw))
	return nil
}
