package config

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/pkg/buffer"
	"github.com/c360/mapeflow/pkg/security"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "MAPE"

// Transports and codecs accepted by PubSub.
const (
	TransportRedis = "redis"
	TransportNATS  = "nats"
	CodecJSON      = "json"
	CodecMsgpack   = "msgpack"
)

// Config is the complete process configuration.
type Config struct {
	Log       LogConfig       `json:"log" yaml:"log"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	NATS      NATSConfig      `json:"nats" yaml:"nats"`
	REST      RESTConfig      `json:"rest" yaml:"rest"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	PubSub    PubSubConfig    `json:"pubsub" yaml:"pubsub"`
	EventLoop EventLoopConfig `json:"event_loop" yaml:"event_loop"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// RedisConfig locates the Knowledge store. An empty URL disables it.
type RedisConfig struct {
	URL         string   `json:"url" yaml:"url"`
	DB          int      `json:"db" yaml:"db"`
	Password    string   `json:"password,omitempty" yaml:"password,omitempty"`
	DialTimeout Duration `json:"dial_timeout" yaml:"dial_timeout"`
	// Notifications enables keyspace events on the server at startup.
	Notifications bool               `json:"notifications" yaml:"notifications"`
	TLS           security.ClientTLS `json:"tls" yaml:"tls"`
}

// NATSConfig locates the NATS server used by the nats pub/sub transport.
type NATSConfig struct {
	URL           string             `json:"url" yaml:"url"`
	SubjectPrefix string             `json:"subject_prefix" yaml:"subject_prefix"`
	MaxReconnects int                `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration           `json:"reconnect_wait" yaml:"reconnect_wait"`
	Token         string             `json:"token,omitempty" yaml:"token,omitempty"`
	TLS           security.ClientTLS `json:"tls" yaml:"tls"`
}

// RESTConfig configures the HTTP bridge. An empty HostPort disables the
// server; BaseURL is the default target of HTTP pushers. TLS secures the
// gateway, ClientTLS the pushers.
type RESTConfig struct {
	HostPort       string   `json:"host_port" yaml:"host_port"`
	BaseURL        string   `json:"base_url" yaml:"base_url"`
	MaxRequestSize int64    `json:"max_request_size" yaml:"max_request_size"`
	CORSOrigins    []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	PushTimeout    Duration `json:"push_timeout" yaml:"push_timeout"`

	TLS       security.ServerTLS `json:"tls" yaml:"tls"`
	ClientTLS security.ClientTLS `json:"client_tls" yaml:"client_tls"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// PubSubConfig configures the pub/sub bridge.
type PubSubConfig struct {
	Transport string `json:"transport" yaml:"transport"`
	Codec     string `json:"codec" yaml:"codec"`
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	// Overflow is drop_oldest, drop_newest or block.
	Overflow string `json:"overflow" yaml:"overflow"`
}

// EventLoopConfig sizes the scheduler queue.
type EventLoopConfig struct {
	QueueSize int `json:"queue_size" yaml:"queue_size"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379/0",
			DialTimeout:   Duration(5 * time.Second),
			Notifications: true,
		},
		NATS: NATSConfig{
			SubjectPrefix: "mapeflow",
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		REST: RESTConfig{
			HostPort:       "0.0.0.0:8000",
			MaxRequestSize: 1 << 20,
			PushTimeout:    Duration(10 * time.Second),
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		PubSub: PubSubConfig{
			Transport: TransportRedis,
			Codec:     CodecJSON,
			QueueSize: 1024,
			Overflow:  "drop_oldest",
		},
		EventLoop: EventLoopConfig{QueueSize: 4096},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "validate configuration")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return invalid("log.level %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("log.format %q", c.Log.Format)
	}

	if c.Redis.URL != "" {
		if _, err := url.Parse(c.Redis.URL); err != nil || !strings.HasPrefix(c.Redis.URL, "redis") {
			return invalid("redis.url %q", c.Redis.URL)
		}
	}
	if c.Redis.DB < 0 {
		return invalid("redis.db %d", c.Redis.DB)
	}

	if c.REST.HostPort != "" {
		if _, _, err := net.SplitHostPort(c.REST.HostPort); err != nil {
			return invalid("rest.host_port %q", c.REST.HostPort)
		}
	}
	if c.REST.BaseURL != "" {
		if u, err := url.Parse(c.REST.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			return invalid("rest.base_url %q", c.REST.BaseURL)
		}
	}
	if c.REST.MaxRequestSize <= 0 {
		return invalid("rest.max_request_size must be positive")
	}
	if t := c.REST.TLS; t.Enabled && (t.CertFile == "" || t.KeyFile == "") {
		return invalid("rest.tls needs cert_file and key_file")
	}
	if t := c.REST.TLS; t.RequireClientCert && !t.MutualTLS() {
		return invalid("rest.tls.require_client_cert needs client_ca_files")
	}
	for name, t := range map[string]security.ClientTLS{
		"redis.tls": c.Redis.TLS, "nats.tls": c.NATS.TLS, "rest.client_tls": c.REST.ClientTLS,
	} {
		if (t.CertFile == "") != (t.KeyFile == "") {
			return invalid("%s needs both cert_file and key_file", name)
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port %d", c.Metrics.Port)
	}

	switch c.PubSub.Transport {
	case TransportRedis:
		if c.Redis.URL == "" {
			return invalid("pubsub.transport redis needs redis.url")
		}
	case TransportNATS:
		if c.NATS.URL == "" {
			return invalid("pubsub.transport nats needs nats.url")
		}
	case "":
	default:
		return invalid("pubsub.transport %q", c.PubSub.Transport)
	}
	switch c.PubSub.Codec {
	case CodecJSON, CodecMsgpack, "":
	default:
		return invalid("pubsub.codec %q", c.PubSub.Codec)
	}
	if c.PubSub.QueueSize <= 0 {
		return invalid("pubsub.queue_size must be positive")
	}
	if _, err := buffer.ParsePolicy(c.PubSub.Overflow); err != nil {
		return invalid("pubsub.overflow %q", c.PubSub.Overflow)
	}
	if c.EventLoop.QueueSize <= 0 {
		return invalid("event_loop.queue_size must be positive")
	}
	return nil
}

// ApplyEnv overrides fields from MAPE_* environment variables.
func (c *Config) ApplyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + name); ok {
			*dst = v
		}
	}
	var err error
	num := func(name string, dst *int) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + name); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = errors.WrapInvalid(perr, "Config", "ApplyEnv", "parse "+EnvPrefix+"_"+name)
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := os.LookupEnv(EnvPrefix + "_" + name); ok && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = errors.WrapInvalid(perr, "Config", "ApplyEnv", "parse "+EnvPrefix+"_"+name)
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("REDIS_URL", &c.Redis.URL)
	str("REDIS_PASSWORD", &c.Redis.Password)
	num("REDIS_DB", &c.Redis.DB)
	str("NATS_URL", &c.NATS.URL)
	str("NATS_SUBJECT_PREFIX", &c.NATS.SubjectPrefix)
	str("REST_HOST_PORT", &c.REST.HostPort)
	str("REST_BASE_URL", &c.REST.BaseURL)
	flag("METRICS_ENABLED", &c.Metrics.Enabled)
	num("METRICS_PORT", &c.Metrics.Port)
	str("PUBSUB_TRANSPORT", &c.PubSub.Transport)
	str("PUBSUB_CODEC", &c.PubSub.Codec)
	return err
}

// String renders the configuration as YAML with secrets masked.
func (c *Config) String() string {
	masked := *c
	if masked.Redis.Password != "" {
		masked.Redis.Password = "****"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "****"
	}
	data, _ := yaml.Marshal(&masked)
	return string(data)
}

// Loader applies configuration layers over the defaults.
type Loader struct {
	layers     []string
	validation bool
	env        bool
}

// NewLoader creates a loader that applies environment overrides and
// validates the result.
func NewLoader() *Loader {
	return &Loader{validation: true, env: true}
}

// AddLayer appends a configuration file.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation toggles Validate after loading.
func (l *Loader) EnableValidation(enable bool) { l.validation = enable }

// EnableEnv toggles environment overrides.
func (l *Loader) EnableEnv(enable bool) { l.env = enable }

// Load merges defaults, layers and environment.
func (l *Loader) Load() (*Config, error) {
	cfg := Default()
	for _, path := range l.layers {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	if l.env {
		if err := cfg.ApplyEnv(); err != nil {
			return nil, err
		}
	}
	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Load reads one file over the defaults, applies the environment and validates.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	l := NewLoader()
	if path != "" {
		l.AddLayer(path)
	}
	return l.Load()
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "read "+path)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return errors.WrapInvalid(err, "Loader", "Load", "parse "+path)
	}
	return nil
}

// Save writes the configuration as YAML, or JSON for a .json path.
func (c *Config) Save(path string) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return errors.WrapInvalid(err, "Config", "Save", "encode configuration")
	}
	if err := os.WriteFile(filepath.Clean(path), data, 0o600); err != nil {
		return errors.WrapTransient(err, "Config", "Save", "write "+path)
	}
	return nil
}
