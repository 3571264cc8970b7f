package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Example loops selectable with -example.
const (
	exampleNone             = "none"
	exampleAmbulance        = "ambulance"
	exampleHighway          = "highway"
	exampleSpeedEnforcement = "speedenforcement"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	RESTHostPort    string
	Example         string
	Name            string
	Lanes           int
	RecordDir       string
	ReplayFile      string
	ReplayInto      string
	ReplayPacing    time.Duration
	UDPInput        string
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("MAPE_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: MAPE_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("MAPE_CONFIG", ""),
		"Path to a YAML or JSON configuration file (env: MAPE_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error (default from config, env: MAPE_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text (default from config, env: MAPE_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("MAPE_DEBUG", false),
		"Enable debug logging (env: MAPE_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MAPE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: MAPE_SHUTDOWN_TIMEOUT)")

	flag.StringVar(&cfg.RESTHostPort, "web-server", "",
		"HTTP bridge host:port, overrides rest.host_port")

	flag.StringVar(&cfg.Example, "example",
		getEnv("MAPE_EXAMPLE", exampleNone),
		"Example loop to run: none, ambulance, highway, speedenforcement (env: MAPE_EXAMPLE)")

	flag.StringVar(&cfg.Name, "name",
		getEnv("MAPE_NAME", ""),
		"Vehicle name (ambulance) or carriageway up/down (highway) (env: MAPE_NAME)")

	flag.IntVar(&cfg.Lanes, "lanes",
		getEnvInt("MAPE_LANES", 4),
		"Lanes shared by both carriageways (highway) (env: MAPE_LANES)")

	flag.StringVar(&cfg.RecordDir, "record",
		getEnv("MAPE_RECORD_DIR", ""),
		"Record every element output to <dir>/<loop>.<element>.jsonl (env: MAPE_RECORD_DIR)")

	flag.StringVar(&cfg.ReplayFile, "replay", "",
		"Recording to replay once the loops are started")

	flag.StringVar(&cfg.ReplayInto, "replay-into", "",
		"Element path receiving the replayed signals, e.g. ambulance_emergency.emergency_detect")

	flag.DurationVar(&cfg.ReplayPacing, "replay-pacing", 0,
		"Delay between two replayed signals")

	flag.StringVar(&cfg.UDPInput, "udp",
		getEnv("MAPE_UDP", ""),
		"Feed UDP readings into an element, as host:port=loop.element (env: MAPE_UDP)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	validExamples := []string{exampleNone, exampleAmbulance, exampleHighway, exampleSpeedEnforcement}
	if !contains(validExamples, cfg.Example) {
		return fmt.Errorf("invalid example: %s", cfg.Example)
	}

	if cfg.Example == exampleHighway && !contains([]string{"up", "down"}, cfg.Name) {
		return fmt.Errorf("highway needs -name up or -name down, got %q", cfg.Name)
	}

	if cfg.Lanes < 1 {
		return fmt.Errorf("invalid lanes: %d", cfg.Lanes)
	}

	if (cfg.ReplayFile == "") != (cfg.ReplayInto == "") {
		return fmt.Errorf("-replay and -replay-into must be given together")
	}
	if cfg.ReplayFile != "" {
		if _, err := os.Stat(cfg.ReplayFile); err != nil {
			return fmt.Errorf("replay file not found: %s", cfg.ReplayFile)
		}
	}
	if cfg.ReplayPacing < 0 {
		return fmt.Errorf("invalid replay pacing: %s", cfg.ReplayPacing)
	}

	if cfg.UDPInput != "" {
		if _, _, err := splitUDPInput(cfg.UDPInput); err != nil {
			return err
		}
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

// splitUDPInput parses host:port=loop.element.
func splitUDPInput(v string) (addr, target string, err error) {
	addr, target, ok := strings.Cut(v, "=")
	if !ok || target == "" || !strings.Contains(target, ".") {
		return "", "", fmt.Errorf("invalid udp input %q: want host:port=loop.element", v)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return "", "", fmt.Errorf("invalid udp input %q: %w", v, err)
	}
	return addr, target, nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - reactive MAPE-K loops over Redis, NATS and HTTP

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Ambulance emergency loop, readings POSTed to the HTTP bridge
  %s --example=ambulance --name=Ambulance --web-server=0.0.0.0:6000

  # Both carriageways of the dynamic highway, one process each
  %s --example=highway --name=up --lanes=8
  %s --example=highway --name=down --lanes=8

  # Run with environment variables
  export MAPE_CONFIG=/etc/mapeflow/config.yaml
  export MAPE_REDIS_URL=redis://localhost:6379/0
  %s

  # Record a session, then feed the detector readings back in
  %s --example=ambulance --record=/var/lib/mapeflow
  %s --example=ambulance --replay=readings.jsonl --replay-into=ambulance_emergency.emergency_detect

  # Speed readings sent as UDP datagrams
  %s --example=speedenforcement --udp=0.0.0.0:5000=car_panda.mon

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
