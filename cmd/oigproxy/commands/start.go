package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marmos91/oig-proxy/internal/bus"
	"github.com/marmos91/oig-proxy/internal/config"
	"github.com/marmos91/oig-proxy/internal/logger"
	"github.com/marmos91/oig-proxy/internal/metrics"
	"github.com/marmos91/oig-proxy/internal/orchestrator"
	"github.com/marmos91/oig-proxy/internal/telemetry"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy",
	Long: `Start the proxy with the specified configuration.

By default, the proxy runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/oigproxy/config.yaml.

Examples:
  # Start in background (default)
  oigproxy start

  # Start in foreground
  oigproxy start --foreground

  # Start with custom config file
  oigproxy start --config /etc/oigproxy/config.yaml

  # Start with environment variable overrides
  OIGPROXY_LOGGING_LEVEL=DEBUG oigproxy start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/oigproxy/oigproxy.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/oigproxy/oigproxy.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	if err := InitLogger(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "oigproxy",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.Err(err))
		}
	}()

	logger.Info("oigproxy starting", "version", Version)
	logger.Info("configuration loaded", logger.Source(getConfigSource(GetConfigFile())))
	logger.Info("box listener", "host", cfg.BoxListener.Host, "port", cfg.BoxListener.Port)
	logger.Info("cloud target", logger.CloudHost(cfg.CloudSession.Host), logger.CloudPort(cfg.CloudSession.Port))
	logger.Info("proxy mode", "mode", string(cfg.Hybrid.Mode))
	logger.Info("data directory", logger.Source(cfg.DataDir))

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	client, err := bus.NewPahoClient(cfg.Bus.Host, cfg.Bus.Port, cfg.Bus.User, cfg.Bus.Pass)
	if err != nil {
		// Same posture as running the original without its MQTT library:
		// warn and keep the BOX path alive, buffering publishes on disk.
		logger.Warn("message bus client unavailable, buffering publishes to the on-disk queue", logger.Err(err))
		client = bus.NewUnavailableClient(err)
	}

	orch, err := orchestrator.New(cfg, client, getConfigSource(GetConfigFile()))
	if err != nil {
		return err
	}

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0o644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- orch.Serve(ctx)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("proxy is running, press Ctrl+C to stop", logger.SessionID(orch.SessionID()))

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("proxy shutdown error", logger.Err(err))
			return err
		}
		logger.Info("proxy stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("proxy error", logger.Err(err))
			return err
		}
		logger.Info("proxy stopped")
	}

	return nil
}

// getConfigSource returns where the config was loaded from: the explicit
// path, the default file when it exists, or "" for pure defaults.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return ""
}

// startDaemon starts the proxy as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("oigproxy is already running (PID %d)\nUse 'oigproxy stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it.
		_ = os.Remove(pidPath)
	}

	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	daemon := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle
	daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	_ = logFileHandle.Close()

	fmt.Printf("oigproxy started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", filepath.Clean(logPath))
	fmt.Println("\nUse 'oigproxy stop' to stop the proxy")
	fmt.Println("Use 'oigproxy status' to check proxy status")

	return nil
}
