package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/xyidactyl/agent/internal/config"
	"github.com/xyidactyl/agent/internal/control"
	"github.com/xyidactyl/agent/internal/crypto"
	"github.com/xyidactyl/agent/internal/engine"
	"github.com/xyidactyl/agent/internal/logging"
	"github.com/xyidactyl/agent/internal/panel"
	"github.com/xyidactyl/agent/internal/push"
	"github.com/xyidactyl/agent/internal/status"
	"github.com/xyidactyl/agent/internal/store"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const controlPollInterval = 15 * time.Second

var rootCmd = &cobra.Command{
	Use:   "agent",
	Short: "xyidactyl agent - panel monitoring and automation sidecar",
	Long:  "The xyidactyl agent polls the panel API for server resources, evaluates alert and automation rules, and delivers push notifications.",
	Run: func(cmd *cobra.Command, args []string) {
		runAgent()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("xyidactyl agent %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runAgent() {
	// Baseline logger for early startup; re-initialized with the file
	// sink once configuration is loaded.
	if _, err := logging.Init(logging.Config{Level: "info"}); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if _, err := logging.Init(logging.Config{
		Level:    cfg.LogLevel,
		FilePath: cfg.LogPath(),
	}); err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize logging")
	}
	defer logging.Shutdown()

	log.Info().
		Str("version", Version).
		Str("agent_uuid", cfg.AgentUUID).
		Msg("Starting xyidactyl agent")

	cryptoMgr, err := crypto.New(cfg.AgentSecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize crypto")
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	provider, err := buildPushProvider(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize push provider")
	}
	log.Info().Str("provider", provider.Name()).Msg("Push provider ready")

	loader := control.NewLoader(cfg.ControlFilePath, controlPollInterval)
	if err := loader.LoadInitial(); err != nil {
		// A malformed control file at boot is not fatal: keep the
		// empty document and let a future valid write take over.
		log.Error().Err(err).Msg("Failed to load initial control file, starting empty")
	}
	loader.Start()

	panelClient := panel.NewClient(cfg.PanelURL)

	statusWriter := status.NewWriter(cfg.StatusPath())
	metricsWriter := status.NewMetricsWriter(cfg.MetricsPath(), db)

	alertEval := engine.NewAlertEvaluator(db, provider)
	autoExec := engine.NewAutomationExecutor(db, panelClient, provider, cfg.MaxConcurrentActions)

	monitor := engine.NewMonitor(engine.MonitorConfig{
		Interval:      time.Duration(cfg.SamplingIntervalSec) * time.Second,
		PanelClient:   panelClient,
		Store:         db,
		ControlLoader: loader,
		Crypto:        cryptoMgr,
		Alerts:        alertEval,
		Automations:   autoExec,
		StatusWriter:  statusWriter,
		MetricsWriter: metricsWriter,
		AgentVersion:  Version,
	})
	monitor.Start()

	cleanup := engine.NewCleanup(db, cfg.RetentionDays)
	cleanup.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	monitor.Stop()
	cleanup.Stop()
	loader.Stop()

	log.Info().Msg("Agent stopped")
}

// buildPushProvider selects the configured transport: APNs in
// production, the console-logging sink otherwise.
func buildPushProvider(cfg *config.Config) (push.Provider, error) {
	if cfg.PushProvider == config.ProviderAPNs {
		return push.NewAPNsProvider(push.APNsConfig{
			KeyBase64: cfg.APNsKeyB64,
			KeyID:     cfg.APNsKeyID,
			TeamID:    cfg.APNsTeamID,
			BundleID:  cfg.APNsBundleID,
		})
	}
	return push.NewDevProvider(), nil
}
