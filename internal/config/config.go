package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// INSTANCED_SERVER_PORT.
const EnvPrefix = "INSTANCED"

// Config is the daemon configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Bridge    BridgeConfig    `mapstructure:"bridge"`
	Manager   ManagerConfig   `mapstructure:"manager"`
	Media     MediaConfig     `mapstructure:"media"`
	Forwarder ForwarderConfig `mapstructure:"forwarder"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port        int    `mapstructure:"port"`
	GRPCPort    int    `mapstructure:"grpc_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	APIKey      string `mapstructure:"api_key"`
}

// HTTPAddr returns the listen address of the HTTP API.
func (s ServerConfig) HTTPAddr() string { return fmt.Sprintf(":%d", s.Port) }

// GRPCAddr returns the listen address of the gRPC health service.
func (s ServerConfig) GRPCAddr() string { return fmt.Sprintf(":%d", s.GRPCPort) }

// MetricsAddr returns the listen address of the Prometheus endpoint.
func (s ServerConfig) MetricsAddr() string { return fmt.Sprintf(":%d", s.MetricsPort) }

type StorageConfig struct {
	// Dir holds the badger database.
	Dir string `mapstructure:"dir"`
}

type BridgeConfig struct {
	// URL is the websocket base URL of the messaging bridge; the instance id
	// is appended as the last path segment.
	URL string `mapstructure:"url"`
	// AddressSuffix is appended to recipients that lack a domain.
	AddressSuffix string `mapstructure:"address_suffix"`
}

type ManagerConfig struct {
	StartTimeout       time.Duration `mapstructure:"start_timeout"`
	RestoreTimeout     time.Duration `mapstructure:"restore_timeout"`
	RestoreConcurrency int           `mapstructure:"restore_concurrency"`
	SendTimeout        time.Duration `mapstructure:"send_timeout"`
}

type MediaConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	MaxBytes     int64         `mapstructure:"max_bytes"`
}

type ForwarderConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type NATSConfig struct {
	// URL enables the event bus sink when set.
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type TracingConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			GRPCPort:    50051,
			MetricsPort: 9090,
		},
		Storage: StorageConfig{Dir: "./sessions"},
		Bridge: BridgeConfig{
			URL:           "ws://localhost:7070/sessions",
			AddressSuffix: "s.whatsapp.net",
		},
		Manager: ManagerConfig{
			StartTimeout:       30 * time.Second,
			RestoreTimeout:     30 * time.Second,
			RestoreConcurrency: 8,
			SendTimeout:        60 * time.Second,
		},
		Media: MediaConfig{
			FetchTimeout: 30 * time.Second,
			MaxBytes:     20 << 20,
		},
		Forwarder: ForwarderConfig{
			Workers:   4,
			QueueSize: 1024,
			Timeout:   10 * time.Second,
		},
		NATS: NATSConfig{SubjectPrefix: "instances"},
		Log:  LogConfig{Level: "info"},
	}
}

// SetDefaults registers default values and environment bindings with v.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.grpc_port", d.Server.GRPCPort)
	v.SetDefault("server.metrics_port", d.Server.MetricsPort)
	v.SetDefault("server.api_key", d.Server.APIKey)

	v.SetDefault("storage.dir", d.Storage.Dir)

	v.SetDefault("bridge.url", d.Bridge.URL)
	v.SetDefault("bridge.address_suffix", d.Bridge.AddressSuffix)

	v.SetDefault("manager.start_timeout", d.Manager.StartTimeout)
	v.SetDefault("manager.restore_timeout", d.Manager.RestoreTimeout)
	v.SetDefault("manager.restore_concurrency", d.Manager.RestoreConcurrency)
	v.SetDefault("manager.send_timeout", d.Manager.SendTimeout)

	v.SetDefault("media.fetch_timeout", d.Media.FetchTimeout)
	v.SetDefault("media.max_bytes", d.Media.MaxBytes)

	v.SetDefault("forwarder.workers", d.Forwarder.Workers)
	v.SetDefault("forwarder.queue_size", d.Forwarder.QueueSize)
	v.SetDefault("forwarder.timeout", d.Forwarder.Timeout)

	v.SetDefault("nats.url", d.NATS.URL)
	v.SetDefault("nats.subject_prefix", d.NATS.SubjectPrefix)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Variable names used by earlier deployments of the service.
	_ = v.BindEnv("server.port", EnvPrefix+"_SERVER_PORT", "SERVER_PORT")
	_ = v.BindEnv("server.api_key", EnvPrefix+"_SERVER_API_KEY", "SECRET_KEY")
	_ = v.BindEnv("storage.dir", EnvPrefix+"_STORAGE_DIR", "SESSION_DIR")
}

// Load reads the configuration from v and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	for name, port := range map[string]int{
		"server.port":         c.Server.Port,
		"server.grpc_port":    c.Server.GRPCPort,
		"server.metrics_port": c.Server.MetricsPort,
	} {
		if port < 1 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: invalid port %d", name, port))
		}
	}
	if strings.TrimSpace(c.Server.APIKey) == "" {
		errs = append(errs, errors.New("server.api_key: required"))
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		errs = append(errs, errors.New("storage.dir: required"))
	}
	if u, err := url.Parse(c.Bridge.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("bridge.url: must be a ws:// or wss:// URL, got %q", c.Bridge.URL))
	}

	for name, d := range map[string]time.Duration{
		"manager.start_timeout":   c.Manager.StartTimeout,
		"manager.restore_timeout": c.Manager.RestoreTimeout,
		"manager.send_timeout":    c.Manager.SendTimeout,
		"media.fetch_timeout":     c.Media.FetchTimeout,
		"forwarder.timeout":       c.Forwarder.Timeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s: must be positive", name))
		}
	}
	if c.Manager.RestoreConcurrency < 1 {
		errs = append(errs, errors.New("manager.restore_concurrency: must be at least 1"))
	}
	if c.Media.MaxBytes < 1 {
		errs = append(errs, errors.New("media.max_bytes: must be positive"))
	}
	if c.Forwarder.Workers < 1 {
		errs = append(errs, errors.New("forwarder.workers: must be at least 1"))
	}
	if c.Forwarder.QueueSize < 1 {
		errs = append(errs, errors.New("forwarder.queue_size: must be at least 1"))
	}
	if c.NATS.URL != "" && strings.TrimSpace(c.NATS.SubjectPrefix) == "" {
		errs = append(errs, errors.New("nats.subject_prefix: required when nats.url is set"))
	}

	return errors.Join(errs...)
}
