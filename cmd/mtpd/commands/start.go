package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/go-mtp/mtpd/internal/collab"
	"github.com/go-mtp/mtpd/internal/config"
	"github.com/go-mtp/mtpd/internal/deviceinfo"
	"github.com/go-mtp/mtpd/internal/logger"
	"github.com/go-mtp/mtpd/internal/metrics"
	"github.com/go-mtp/mtpd/internal/responder"
	"github.com/go-mtp/mtpd/internal/storage"
	"github.com/go-mtp/mtpd/internal/telemetry"
	"github.com/go-mtp/mtpd/internal/transport"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the mtpd responder",
	Long: `Start the MTP responder with the specified configuration.

By default, the daemon runs in the background. Use --foreground to run
in the foreground for debugging or when managed by a process
supervisor.

Examples:
  # Start in background (default)
  mtpd start

  # Start in foreground with a custom config file
  mtpd start --foreground --config /etc/mtpd/config.yaml

  # Start with environment variable overrides
  MTPD_LOGGING_LEVEL=DEBUG mtpd start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/mtpd/mtpd.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/mtpd/mtpd.log)")
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

	logger.Info("configuration loaded", "source", getConfigSource(GetConfigFile()))

	var tracer *telemetry.Provider
	if cfg.Telemetry.Enabled {
		tracer, err = telemetry.New(ctx, telemetry.Config{
			CollectorEndpoint: cfg.Telemetry.Endpoint,
			ServiceName:       "mtpd",
		})
		if err != nil {
			return fmt.Errorf("failed to initialize telemetry: %w", err)
		}
		defer func() {
			if err := tracer.Shutdown(context.Background()); err != nil {
				logger.Error("telemetry shutdown error", logger.Err(err))
			}
		}()
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		m = metrics.New(reg)
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Metrics.Port), Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", logger.Err(err))
			}
		}()
		defer srv.Close()
		logger.Info("metrics enabled", "port", cfg.Metrics.Port)
	}

	// Platform collaborator client: friendly-name/serial/battery probes
	// plus metadata and thumbnail services.
	var probe deviceinfo.PlatformProbe
	var metadata storage.MetadataSource
	var thumbnailer responder.Thumbnailer
	if cfg.Collab.Enabled {
		client, err := collab.Dial(cfg.Collab.Target)
		if err != nil {
			logger.Warn("platform collaborator unavailable", "target", cfg.Collab.Target, logger.Err(err))
		} else {
			defer client.Close()
			probe = client
			metadata = client
			thumbnailer = client
			logger.Info("platform collaborator connected", "target", cfg.Collab.Target)
		}
	}

	roots, err := config.LoadStorageRoots(cfg.StorageConfigDir, "")
	if err != nil {
		return fmt.Errorf("failed to load storage configuration: %w", err)
	}
	if len(roots) == 0 {
		return fmt.Errorf("no storage roots configured under %s", cfg.StorageConfigDir)
	}

	factory := storage.NewFactory(cfg.EventBusCapacity)
	defer factory.Close()

	for _, root := range roots {
		kind := storage.KindFixed
		if root.Removable {
			kind = storage.KindRemovable
		}
		plugin, err := storage.NewFSPlugin(storage.Config{
			StorageID:      root.StorageID,
			RootPath:       root.Path,
			Description:    root.Description,
			FilesystemUUID: root.FilesystemUUID,
			Kind:           kind,
			ExcludePaths:   root.ExcludePaths,
			StateDir:       filepath.Join(cfg.StateDir, fmt.Sprintf("%08x", root.StorageID)),
			Metadata:       metadata,
		}, factory.AllocatorFor(root.StorageID))
		if err != nil {
			return fmt.Errorf("failed to open storage %q: %w", root.Description, err)
		}
		factory.Register(plugin)
		logger.Info("storage registered",
			logger.StorageID(root.StorageID),
			logger.Path(root.Path),
			"description", root.Description)
	}

	provider, err := deviceinfo.Load(cfg.DeviceInfoPath, probe, factory.Events())
	if err != nil {
		return fmt.Errorf("failed to load device info: %w", err)
	}

	engine := responder.New(factory, provider)
	engine.SetMetrics(m)
	engine.SetTracer(tracer)
	engine.SetThumbnailer(thumbnailer)
	engine.RegisterEditObjectExtensions()

	t, err := transport.Open(transport.Config{
		MountPoint:     cfg.Transport.MountPoint,
		BulkPacketSize: int(cfg.Transport.BulkPacketSize),
	})
	if err != nil {
		return fmt.Errorf("failed to open FunctionFS transport: %w", err)
	}
	defer t.Close()

	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	// Enumeration runs concurrently with the responder loop; storage-
	// dependent requests are buffered until every storage reports ready.
	go func() {
		if err := factory.EnumerateAll(ctx); err != nil && ctx.Err() == nil {
			logger.Error("storage enumeration failed", logger.Err(err))
		}
		if m != nil {
			for _, id := range factory.StorageIDs() {
				if info, err := factory.StorageInfo(id); err == nil {
					label := fmt.Sprintf("%08x", id)
					m.StorageFreeBytes.WithLabelValues(label).Set(float64(info.FreeSpace))
					m.StorageCapacity.WithLabelValues(label).Set(float64(info.Capacity))
				}
			}
		}
	}()

	engineDone := make(chan struct{})
	go func() {
		engine.Run(ctx, t)
		close(engineDone)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("responder is running")

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		cancel()
		select {
		case <-engineDone:
			logger.Info("responder stopped gracefully")
		case <-time.After(cfg.ShutdownTimeout):
			logger.Warn("shutdown timeout exceeded, exiting")
		}
	case <-engineDone:
		logger.Info("responder stopped")
	}
	return nil
}

// getConfigSource returns a description of where the config was loaded
// from.
func getConfigSource(configFile string) string {
	if configFile != "" {
		return configFile
	}
	if config.DefaultConfigExists() {
		return config.GetDefaultConfigPath()
	}
	return "defaults"
}

// startDaemon starts the responder as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Refuse to start a second instance over a live PID file.
	if pidData, err := os.ReadFile(pidPath); err == nil {
		var pid int
		if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return fmt.Errorf("mtpd is already running (PID %d)\nUse 'mtpd stop' to stop the running instance", pid)
				}
			}
		}
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
	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
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

	fmt.Printf("mtpd started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", logPath)
	fmt.Println("\nUse 'mtpd stop' to stop the responder")
	fmt.Println("Use 'mtpd status' to check responder status")
	return nil
}
