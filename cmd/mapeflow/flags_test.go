package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validCLI() *CLIConfig {
	return &CLIConfig{
		Example:         exampleNone,
		Lanes:           4,
		ShutdownTimeout: 10 * time.Second,
	}
}

func TestValidateFlags(t *testing.T) {
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	assert.NoError(t, os.WriteFile(configFile, []byte("log:\n  level: debug\n"), 0o600))

	tests := []struct {
		name    string
		mutate  func(*CLIConfig)
		wantErr string
	}{
		{"defaults", func(*CLIConfig) {}, ""},
		{"existing config", func(c *CLIConfig) { c.ConfigPath = configFile }, ""},
		{"missing config", func(c *CLIConfig) { c.ConfigPath = "/nonexistent/config.yaml" }, "config file not found"},
		{"bad log level", func(c *CLIConfig) { c.LogLevel = "trace" }, "invalid log level"},
		{"bad log format", func(c *CLIConfig) { c.LogFormat = "xml" }, "invalid log format"},
		{"unknown example", func(c *CLIConfig) { c.Example = "platoon" }, "invalid example"},
		{"highway without direction", func(c *CLIConfig) { c.Example = exampleHighway }, "highway needs"},
		{"highway up", func(c *CLIConfig) { c.Example = exampleHighway; c.Name = "up" }, ""},
		{"no lanes", func(c *CLIConfig) { c.Lanes = 0 }, "invalid lanes"},
		{"no shutdown timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }, "invalid shutdown timeout"},
		{"replay without target", func(c *CLIConfig) { c.ReplayFile = configFile }, "must be given together"},
		{"replay missing file", func(c *CLIConfig) { c.ReplayFile = "/nonexistent.jsonl"; c.ReplayInto = "a.b" }, "replay file not found"},
		{"replay", func(c *CLIConfig) { c.ReplayFile = configFile; c.ReplayInto = "a.b" }, ""},
		{"udp input", func(c *CLIConfig) { c.UDPInput = "0.0.0.0:5000=car_panda.mon" }, ""},
		{"udp without target", func(c *CLIConfig) { c.UDPInput = "0.0.0.0:5000" }, "invalid udp input"},
		{"udp without port", func(c *CLIConfig) { c.UDPInput = "localhost=car_panda.mon" }, "invalid udp input"},
		{"version skips checks", func(c *CLIConfig) { c.ShowVersion = true; c.Lanes = 0 }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validCLI()
			tt.mutate(cfg)
			err := validateFlags(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestInitializeConfiguration_Overrides(t *testing.T) {
	cfg, err := initializeConfiguration(&CLIConfig{
		LogLevel:     "debug",
		LogFormat:    "json",
		RESTHostPort: "127.0.0.1:6000",
	})
	assert.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "127.0.0.1:6000", cfg.REST.HostPort)
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("MAPE_TEST_BOOL", "true")
	t.Setenv("MAPE_TEST_INT", "nope")
	t.Setenv("MAPE_TEST_DURATION", "3s")

	assert.True(t, getEnvBool("MAPE_TEST_BOOL", false))
	assert.Equal(t, 7, getEnvInt("MAPE_TEST_INT", 7))
	assert.Equal(t, 3*time.Second, getEnvDuration("MAPE_TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", getEnv("MAPE_TEST_UNSET", "fallback"))
}
