// Package main implements the mapeflow process: it loads configuration,
// builds the runtime (scheduler, Knowledge store, bridges) and optionally
// declares one of the bundled example loops.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/mapeflow/config"
	"github.com/c360/mapeflow/engine"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "mapeflow"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		logger.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	logger.Info("Starting mapeflow",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"example", cliCfg.Example)

	rt, err := engine.New(cfg, engine.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}

	starter, err := declareExample(rt, cliCfg, logger)
	if err != nil {
		return fmt.Errorf("declare %s: %w", cliCfg.Example, err)
	}

	if cliCfg.RecordDir != "" {
		if err := recordOutputs(rt, cliCfg.RecordDir); err != nil {
			return err
		}
	}

	if cliCfg.UDPInput != "" {
		if err := listenUDP(rt, cliCfg.UDPInput); err != nil {
			return fmt.Errorf("udp input: %w", err)
		}
	}

	var replay func(context.Context) error
	if cliCfg.ReplayFile != "" {
		if replay, err = replayRecording(rt, cliCfg, logger); err != nil {
			return fmt.Errorf("replay into %s: %w", cliCfg.ReplayInto, err)
		}
	}

	return runWithSignalHandling(rt, chain(starter, replay), cliCfg.ShutdownTimeout, logger)
}

// initializeConfiguration loads the configuration file, if any, and applies
// the command-line overrides on top of it.
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}
	if cliCfg.RESTHostPort != "" {
		cfg.REST.HostPort = cliCfg.RESTHostPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// runWithSignalHandling initializes the runtime, starts the declared loops and
// blocks until SIGINT or SIGTERM.
func runWithSignalHandling(
	rt *engine.Runtime,
	starter func(context.Context) error,
	shutdownTimeout time.Duration,
	logger *slog.Logger,
) error {
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Init(signalCtx); err != nil {
		return fmt.Errorf("init runtime: %w", err)
	}

	if err := starter(signalCtx); err != nil {
		_ = shutdown(rt, shutdownTimeout, logger)
		return fmt.Errorf("start loops: %w", err)
	}
	logger.Info("mapeflow started", "loops", rt.App().LoopUIDs())

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")

	if err := shutdown(rt, shutdownTimeout, logger); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	logger.Info("mapeflow shutdown complete")
	return nil
}

// shutdown stops the runtime within timeout.
func shutdown(rt *engine.Runtime, timeout time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := rt.Shutdown(ctx); err != nil {
		logger.Error("Error stopping runtime", "error", err)
		return err
	}
	return nil
}
