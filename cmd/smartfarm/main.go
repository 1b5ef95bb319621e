// Smartfarm-agent runs an environmental monitoring and irrigation node.
//
// It keeps an MQTT session to the farm broker, publishes sensor
// telemetry, executes remote commands (pump, automatic mode, thresholds,
// on-demand readings) and, in automatic mode, drives the status
// indicator from the configured thresholds. Configuration is loaded from
// a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	smartfarm serve              Run the agent
//	smartfarm init [dir]         Write an example config.yaml
//	smartfarm version            Print version and build information
//	smartfarm -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/smartfarm-agent/internal/agent"
	"github.com/nugget/smartfarm-agent/internal/api"
	"github.com/nugget/smartfarm-agent/internal/buildinfo"
	"github.com/nugget/smartfarm-agent/internal/command"
	"github.com/nugget/smartfarm-agent/internal/config"
	"github.com/nugget/smartfarm-agent/internal/connwatch"
	"github.com/nugget/smartfarm-agent/internal/defaults"
	"github.com/nugget/smartfarm-agent/internal/device"
	"github.com/nugget/smartfarm-agent/internal/events"
	"github.com/nugget/smartfarm-agent/internal/hardware"
	"github.com/nugget/smartfarm-agent/internal/metrics"
	"github.com/nugget/smartfarm-agent/internal/mqtt"
	"github.com/nugget/smartfarm-agent/internal/telemetry"
	"github.com/nugget/smartfarm-agent/internal/transport"
)

// main is intentionally minimal so the whole lifecycle can be driven
// from tests through [run].
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Cancelling ctx stops the agent; args is
// os.Args[1:]. Arguments are parsed by hand to keep flag.CommandLine
// globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var subcommand string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && subcommand == "":
			subcommand = args[i]
		default:
			if subcommand != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch subcommand {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", subcommand)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "platform"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "smartfarm - environmental monitoring and irrigation node agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: smartfarm [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Run the agent")
	fmt.Fprintln(w, "  init [dir]   Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runInit writes the example configuration into dir. An existing
// config.yaml is never overwritten.
func runInit(w io.Writer, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s exists, left untouched\n", path)
		return nil
	}
	// The config carries broker credentials.
	if err := os.WriteFile(path, defaults.ConfigYAML, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	fmt.Fprintln(w, "Edit device_id and broker settings before running smartfarm serve.")
	return nil
}

func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting smartfarm-agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validate already rejected unknown levels.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"device_id", cfg.DeviceID,
		"broker", cfg.Broker.URL,
		"telemetry_interval", cfg.Control.TelemetryInterval,
	)

	// --- Observability ---
	m := metrics.New()
	bus := events.New(events.DefaultHistory)

	// --- Session tracking ---
	// Both sessions report through one manager so health, metrics and
	// the event stream see the same transitions.
	sessions := connwatch.NewManager(logger)
	sessions.OnChange(m.SessionChanged)
	sessions.OnChange(func(name string, from, to connwatch.State, err error) {
		data := map[string]any{"from": from.String(), "to": to.String()}
		if err != nil {
			data["error"] = err.Error()
		}
		bus.Emit(name, events.KindStateChange, data)
	})
	linkTracker := sessions.Track(events.SourceLink)
	brokerTracker := sessions.Track(events.SourceBroker)

	// --- Transport ---
	addr, useTLS, err := cfg.BrokerAddress()
	if err != nil {
		return err
	}
	link, err := transport.New(transport.Config{
		Address:            addr,
		TLS:                useTLS,
		InsecureSkipVerify: cfg.Broker.InsecureSkipVerify,
		RetryDelay:         cfg.Link.RetryDelay,
		DialTimeout:        cfg.Link.DialTimeout,
	}, linkTracker, logger)
	if err != nil {
		return fmt.Errorf("create link: %w", err)
	}
	defer link.Close()

	// --- Hardware ---
	state := device.NewState(cfg.DeviceID)
	sensors := hardware.NewSimulator(cfg.Sensors)
	actuators, err := hardware.NewActuator(cfg.Actuators, logger, sensors.SetPump)
	if err != nil {
		return err
	}
	defer actuators.Close()
	logger.Info("hardware ready", "sensors", cfg.Sensors.Driver, "actuators", cfg.Actuators.Driver)

	// --- Messaging and commands ---
	session := mqtt.New(mqtt.ConfigFromBroker(cfg.DeviceID, cfg.Broker), link, logger,
		mqtt.WithMetrics(m),
		mqtt.WithEvents(bus),
		mqtt.WithTracker(brokerTracker),
	)
	dispatcher := command.NewDispatcher(state, sensors, session, session.Topics(), logger, m, bus)
	session.SetHandler(dispatcher.HandleMessage)

	// --- Control loop ---
	loopOpts := []agent.Option{agent.WithMetrics(m), agent.WithEvents(bus)}
	if cfg.Influx.Enabled() {
		mirror := telemetry.NewMirror(cfg.Influx, cfg.DeviceID, logger, m)
		defer mirror.Close()
		loopOpts = append(loopOpts, agent.WithRecorder(mirror))
		logger.Info("telemetry mirror enabled", "url", cfg.Influx.URL, "bucket", cfg.Influx.Bucket)
	}
	loop := agent.NewLoop(agent.Config{
		TelemetryInterval: cfg.Control.TelemetryInterval,
		LoopTick:          cfg.Control.LoopTick,
	}, state, sensors, actuators, link, session, logger, loopOpts...)

	// --- Signal handling ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Status servers ---
	var wg sync.WaitGroup
	var server *api.Server
	if cfg.Listen.Port > 0 {
		server = api.NewServer(cfg.Listen.Address, cfg.Listen.Port, state, sessions, bus, m, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := server.Start(ctx); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
	}
	var healthServer *api.HealthServer
	if cfg.GRPC.Port > 0 {
		healthServer = api.NewHealthServer(cfg.GRPC.Address, cfg.GRPC.Port, sessions, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthServer.Start(ctx); err != nil {
				logger.Error("grpc health server failed", "error", err)
			}
		}()
	}

	// Run blocks until the signal context is cancelled.
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("control loop: %w", err)
	}
	logger.Info("shutdown signal received")

	// The pump keeps its last commanded state; only the sessions close.
	if err := session.Close(); err != nil {
		logger.Debug("broker disconnect", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if server != nil {
		_ = server.Shutdown(shutdownCtx)
	}
	if healthServer != nil {
		healthServer.Shutdown()
	}
	wg.Wait()

	logger.Info("smartfarm-agent stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given
// level and format ("text" or "json"; anything else means text).
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates, parses and validates the YAML configuration. If
// explicit is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
