// Package app is the device daemon launcher: standard command-line
// options, configuration layering, logging, metrics endpoint, systemd
// integration and lifecycle management shared by every device binary.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/mates14/rts2go/internal/config"
	devmetrics "github.com/mates14/rts2go/internal/metrics"
	"github.com/mates14/rts2go/internal/rts2"
	appversion "github.com/mates14/rts2go/internal/version"
)

// shutdownTimeout is the maximum time to wait for the HTTP server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Runner is an optional long-running task owned by a device class,
// typically the simulated or real hardware loop. It runs alongside
// the network manager and must return when the context is cancelled.
type Runner interface {
	Run(ctx context.Context) error
}

// BuildParams carries everything a device class needs to construct
// its Device. Flags gives access to the class's own options
// registered through RegisterFlags.
type BuildParams struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Flags  *pflag.FlagSet
}

// DeviceClass describes one device binary: its identity, its extra
// command-line options, and the constructor for its Device.
type DeviceClass struct {
	// Binary is the executable name, e.g. "rts2-filterd".
	Binary string

	// Short is the one-line description shown in --help.
	Short string

	// DefaultName is the device name used when -d is not given.
	DefaultName string

	// Type is the device type code announced to centrald.
	Type int

	// RegisterFlags contributes device-class options to the flag set.
	// Optional.
	RegisterFlags func(fs *pflag.FlagSet)

	// New constructs the device core. The returned Runner is optional;
	// when non-nil it runs alongside the network loop.
	New func(p BuildParams) (*rts2.Device, Runner, error)
}

// Run executes the device daemon and returns the process exit code.
func Run(dc DeviceClass) int {
	root := newRootCommand(dc)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

// newRootCommand builds the cobra command carrying the standard
// device options plus the class-specific ones.
func newRootCommand(dc DeviceClass) *cobra.Command {
	var showConfig bool

	cmd := &cobra.Command{
		Use:           dc.Binary,
		Short:         dc.Short,
		Version:       appversion.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(dc.DefaultName, cmd.Flags())
			if err != nil {
				slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
					slog.String("error", err.Error()),
				)
				return err
			}
			if showConfig {
				return dumpConfig(cmd, cfg)
			}
			return launch(dc, cfg, cmd.Flags())
		},
	}
	cmd.SetVersionTemplate(appversion.Full(dc.Binary) + "\n")

	fs := cmd.Flags()
	fs.StringP("device", "d", dc.DefaultName, "device name registered with centrald")
	fs.IntP("port", "P", 0, "TCP listen port (0 = kernel-assigned)")
	fs.StringP("server", "c", "", "centrald hostname")
	fs.IntP("server-port", "p", 0, "centrald TCP port")
	fs.Float64("connection-timeout", 0, "connection idle timeout in seconds")
	fs.BoolP("verbose", "v", false, "log at debug level")
	fs.Bool("debug", false, "log at debug level (alias of --verbose)")
	fs.String("log-file", "", "log to this file instead of stderr")
	fs.String("config", "", "path to configuration file (YAML)")
	fs.Bool("no-user-config", false, "skip ~/.rts2/rts2.yaml")
	fs.Bool("no-system-config", false, "skip /etc/rts2/rts2.yaml")
	fs.Bool("simulation", false, "run against simulated hardware")
	fs.Bool("disable-device", false, "start without contacting hardware")
	fs.BoolVar(&showConfig, "show-config", false, "print the effective configuration and exit")

	if dc.RegisterFlags != nil {
		dc.RegisterFlags(fs)
	}
	return cmd
}

// loadConfig assembles the layered configuration, translating the
// flags the user actually set into the highest-precedence overlay.
func loadConfig(defaultName string, fs *pflag.FlagSet) (*config.Config, error) {
	overrides := map[string]any{}
	set := func(flag, key string, val any) {
		if flagChanged(fs, flag) {
			overrides[key] = val
		}
	}
	set("device", "device.name", mustString(fs, "device"))
	set("port", "device.port", mustInt(fs, "port"))
	set("server", "server.host", mustString(fs, "server"))
	set("server-port", "server.port", mustInt(fs, "server-port"))
	set("log-file", "log.file", mustString(fs, "log-file"))
	set("simulation", "simulation", mustBool(fs, "simulation"))
	set("disable-device", "disable", mustBool(fs, "disable-device"))
	if flagChanged(fs, "connection-timeout") {
		secs, _ := fs.GetFloat64("connection-timeout")
		overrides["device.conn_timeout"] = time.Duration(secs * float64(time.Second)).String()
	}
	if mustBool(fs, "verbose") || mustBool(fs, "debug") {
		overrides["log.level"] = "debug"
	}

	opts := config.LoadOptions{
		DefaultDeviceName: defaultName,
		Path:              mustString(fs, "config"),
		NoSystemConfig:    mustBool(fs, "no-system-config"),
		NoUserConfig:      mustBool(fs, "no-user-config"),
		FlagOverrides:     overrides,
	}
	return config.Load(opts)
}

func flagChanged(fs *pflag.FlagSet, name string) bool {
	f := fs.Lookup(name)
	return f != nil && f.Changed
}

func mustString(fs *pflag.FlagSet, name string) string {
	s, _ := fs.GetString(name)
	return s
}

func mustInt(fs *pflag.FlagSet, name string) int {
	n, _ := fs.GetInt(name)
	return n
}

func mustBool(fs *pflag.FlagSet, name string) bool {
	b, _ := fs.GetBool(name)
	return b
}

// dumpConfig prints the effective configuration as YAML and exits
// successfully.
func dumpConfig(cmd *cobra.Command, cfg *config.Config) error {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("render config: %w", err)
	}
	cmd.Print(string(out))
	return nil
}

// -------------------------------------------------------------------------
// Launch — device lifecycle
// -------------------------------------------------------------------------

// launch builds the device, wires the network manager and runs
// everything under an errgroup with a signal-aware context.
func launch(dc DeviceClass, cfg *config.Config, fs *pflag.FlagSet) error {
	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger, logCloser, err := newLoggerWithLevel(cfg.Log, logLevel)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser()
	}

	logger.Info("device daemon starting",
		slog.String("binary", dc.Binary),
		slog.String("version", appversion.Version),
		slog.String("device", cfg.Device.Name),
		slog.String("server", cfg.Server.Host),
	)

	reg := prometheus.NewRegistry()
	collector := devmetrics.NewCollector(reg)

	dev, runner, err := dc.New(BuildParams{Cfg: cfg, Logger: logger, Flags: fs})
	if err != nil {
		logger.Error("device construction failed", slog.String("error", err.Error()))
		return err
	}

	nm := rts2.NewNetworkManager(dev, rts2.NetConfig{
		ListenPort:  cfg.Device.Port,
		ServerHost:  cfg.Server.Host,
		ServerPort:  cfg.Server.Port,
		IdleTimeout: cfg.Device.ConnTimeout,
	}, logger, rts2.WithNetworkMetrics(collector))

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return nm.Run(gCtx)
	})
	if runner != nil {
		g.Go(func() error {
			return runner.Run(gCtx)
		})
	}
	if cfg.Metrics.Addr != "" {
		startMetricsServer(gCtx, g, cfg.Metrics, reg, logger)
	}
	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})
	startSIGHUPHandler(gCtx, g, logLevel, cfg, logger)

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		notifyStopping(logger)
		logger.Error("device daemon exited with error", slog.String("error", err.Error()))
		return err
	}
	notifyStopping(logger)
	logger.Info("device daemon stopped")
	return nil
}

// -------------------------------------------------------------------------
// Metrics HTTP server
// -------------------------------------------------------------------------

// startMetricsServer registers the Prometheus endpoint goroutines.
func startMetricsServer(
	ctx context.Context,
	g *errgroup.Group,
	cfg config.MetricsConfig,
	reg *prometheus.Registry,
	logger *slog.Logger,
) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc := net.ListenConfig{}
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Addr),
			slog.String("path", cfg.Path),
		)
		return listenAndServe(ctx, &lc, srv)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown metrics server: %w", err)
		}
		return nil
	})
}

// listenAndServe creates the TCP listener through the ListenConfig and
// serves until the server is shut down.
func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server) error {
	ln, err := lc.Listen(ctx, "tcp", srv.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", srv.Addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", srv.Addr, err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization and is ready to serve.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd, indicating the daemon
// is beginning graceful shutdown.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd.
// The interval is WatchdogSec/2 as recommended by the systemd
// documentation. If watchdog is not configured, the goroutine exits
// immediately.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP — dynamic log level
// -------------------------------------------------------------------------

// startSIGHUPHandler registers the goroutine that toggles the dynamic
// log level between the configured level and debug on SIGHUP.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	logLevel *slog.LevelVar,
	cfg *config.Config,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	base := config.ParseLogLevel(cfg.Log.Level)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				old := logLevel.Level()
				next := slog.LevelDebug
				if old == slog.LevelDebug {
					next = base
				}
				logLevel.Set(next)
				logger.Info("log level toggled",
					slog.String("old", old.String()),
					slog.String("new", next.String()),
				)
			}
		}
	})
}

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// newLoggerWithLevel creates a structured logger using a shared
// LevelVar for dynamic log level changes via SIGHUP. The returned
// closer is non-nil when logging to a file.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, func(), error) {
	out := os.Stderr
	var closer func()
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file %s: %w", cfg.File, err)
		}
		out = f
		closer = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	default:
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}
