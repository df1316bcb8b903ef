package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/perchworks/perch/pkg/config"
	"github.com/perchworks/perch/pkg/log"
	"github.com/perchworks/perch/pkg/metrics"
	"github.com/perchworks/perch/pkg/mock"
	"github.com/perchworks/perch/pkg/monitor"
	"github.com/perchworks/perch/pkg/registry"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "perch",
	Short: "Perch - local aggregator for coding-assistant backends",
	Long: `Perch discovers coding-assistant backend servers on this machine or
LAN over UDP, keeps a live merged view of every session they host, and
streams status changes, messages and permission prompts to its
subscribers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Perch version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(mockCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Perch version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
		},
	})
}

func initLogging(debug bool) {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      level,
		Debug:      debug,
		JSONOutput: logJSON,
	})
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the aggregation engine",
	Long: `Run the aggregation engine: listen for UDP announcements, track every
discovered backend, and log all session activity.

Configuration comes from MONITOR_* environment variables (see perch
monitor --help for the flag overrides).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		initLogging(cfg.Debug)
		metrics.SetVersion(Version)

		if port, _ := cmd.Flags().GetInt("port"); port > 0 {
			cfg.Port = port
		}

		coord := monitor.NewCoordinator(cfg)
		if err := coord.Start(); err != nil {
			return err
		}
		defer coord.Stop()

		if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
			go serveMetrics(addr)
		}

		sub := coord.Subscribe()
		defer coord.Unsubscribe(sub.ID)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		logger := log.WithComponent("monitor")
		logger.Info().
			Int("port", coord.DiscoveryPort()).
			Bool("notifications", cfg.Notifications).
			Msg("Watching for backends")

		for {
			select {
			case n, ok := <-sub.C:
				if !ok {
					return nil
				}
				logNotification(logger, n)
			case sig := <-sigCh:
				logger.Info().Str("signal", sig.String()).Msg("Shutting down")
				return nil
			}
		}
	},
}

var mockCmd = &cobra.Command{
	Use:   "mock",
	Short: "Run an embedded mock backend",
	Long: `Run a mock backend server for local testing: it announces itself over
UDP, serves the backend REST API and event stream, and seeds its
sessions from an optional YAML manifest.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.FromEnv()
		initLogging(cfg.Debug)

		manifest := mock.Manifest{}
		if path, _ := cmd.Flags().GetString("manifest"); path != "" {
			var err error
			if manifest, err = mock.LoadManifest(path); err != nil {
				return err
			}
		}

		addr, _ := cmd.Flags().GetString("addr")
		interval, _ := cmd.Flags().GetDuration("announce-interval")
		discoveryPort := cfg.Port
		if port, _ := cmd.Flags().GetInt("discovery-port"); port > 0 {
			discoveryPort = port
		}

		srv := mock.NewServer(manifest)
		if err := srv.Start(addr, discoveryPort, interval); err != nil {
			return err
		}
		defer srv.Stop()

		fmt.Printf("Mock backend %s serving at %s (announcing on UDP %d)\n",
			srv.ServerID(), srv.URL(), discoveryPort)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		return nil
	},
}

func init() {
	monitorCmd.Flags().Int("port", 0, "UDP discovery port (overrides MONITOR_PORT)")
	monitorCmd.Flags().String("metrics-addr", "", "Serve /metrics, /healthz and /readyz on this address")

	mockCmd.Flags().String("addr", "127.0.0.1:0", "HTTP listen address")
	mockCmd.Flags().String("manifest", "", "YAML manifest seeding the mock's sessions")
	mockCmd.Flags().Int("discovery-port", 0, "UDP discovery port to announce on (overrides MONITOR_PORT)")
	mockCmd.Flags().Duration("announce-interval", 30*time.Second, "Announce interval")
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", metrics.HealthHandler())
	mux.HandleFunc("/readyz", metrics.ReadyHandler())

	logger := log.WithComponent("metrics")
	logger.Info().Str("addr", addr).Msg("Metrics endpoint started")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("Metrics endpoint stopped")
	}
}

// logNotification renders one change notification as a log line; the
// terminal UI and notifier daemons consume the same feed through the
// subscribe API instead.
func logNotification(logger zerolog.Logger, n registry.Notification) {
	switch v := n.(type) {
	case registry.ServerDiscovered:
		logger.Info().Str("server_id", v.Server.ID).Str("url", v.Server.URL).Msg("Server discovered")
	case registry.ServerUpdated:
		logger.Info().Str("server_id", v.Server.ID).Str("health", string(v.Server.Health)).Msg("Server updated")
	case registry.ServerRemoved:
		logger.Info().Str("server_id", v.ServerID).Str("reason", v.Reason).Msg("Server removed")
	case registry.SessionAdded:
		logger.Info().Str("session_id", v.Session.ID).Str("server_id", v.Session.ServerID).Msg("Session added")
	case registry.SessionUpdated:
		logger.Info().
			Str("session_id", v.Session.ID).
			Str("status", string(v.Session.Status)).
			Int("messages", len(v.Session.Messages)).
			Msg("Session updated")
	case registry.SessionRemoved:
		logger.Info().Str("session_id", v.SessionID).Msg("Session removed")
	case registry.BacklogDropped:
		logger.Warn().Int("count", v.Count).Msg("Notifications dropped, view may be stale")
	case registry.AggregatorError:
		logger.Error().Str("server_id", v.ServerID).Msg(v.Message)
	}
}
