// Package config loads modbusmgr's static configuration: the HTTP
// surface for health/metrics, logging, and the seed list of endpoints with
// their pool tuning. It supports hot reload so a deployed fleet's pool
// tuning can be retuned without a restart.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/edgeflow/modbusmgr/pkg/modbus/endpoint"
)

// Config holds all configuration for modbusmgr.
type Config struct {
	Server    ServerConfig       `mapstructure:"server"`
	Logger    LoggerConfig       `mapstructure:"logger"`
	Endpoints []EndpointConfig   `mapstructure:"endpoints"`
}

// ServerConfig contains the health/metrics HTTP server settings.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	LogDir string `mapstructure:"log_dir"`
}

// EndpointConfig describes one seeded Modbus endpoint and its pool tuning.
// Transport is one of "tcp", "udp", "serial".
type EndpointConfig struct {
	Transport string `mapstructure:"transport"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	Device   string `mapstructure:"device"`
	Baud     int    `mapstructure:"baud"`
	Parity   string `mapstructure:"parity"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Encoding string `mapstructure:"encoding"` // "rtu" or "ascii"

	PassivateBorrowMinMS int `mapstructure:"passivate_borrow_min_ms"`
	ReconnectAfterS      int `mapstructure:"reconnect_after_s"` // -1 = never
	ConnectMaxTries      int `mapstructure:"connect_max_tries"`
	ConnectTimeoutMS     int `mapstructure:"connect_timeout_ms"`
	AfterConnectDelayMS  int `mapstructure:"after_connect_delay_ms"`
}

// Key returns the endpoint.Key this configuration entry addresses.
func (e EndpointConfig) Key() endpoint.Key {
	switch e.Transport {
	case "udp":
		return endpoint.UDPKey(e.Host, e.Port)
	case "serial":
		enc := endpoint.RTU
		if e.Encoding == "ascii" {
			enc = endpoint.ASCII
		}
		return endpoint.SerialKey(e.Device, e.Baud, e.Parity, e.DataBits, e.StopBits, enc)
	default:
		return endpoint.TCPKey(e.Host, e.Port)
	}
}

// PoolConfig returns the endpoint.PoolConfig this entry describes, falling
// back field-by-field to the transport's stock default for any zero value.
func (e EndpointConfig) PoolConfig() endpoint.PoolConfig {
	def := endpoint.DefaultFor(e.Key())
	cfg := def
	if e.PassivateBorrowMinMS > 0 {
		cfg.PassivateBorrowMin = time.Duration(e.PassivateBorrowMinMS) * time.Millisecond
	}
	if e.ReconnectAfterS != 0 {
		if e.ReconnectAfterS < 0 {
			cfg.ReconnectAfter = -1
		} else {
			cfg.ReconnectAfter = time.Duration(e.ReconnectAfterS) * time.Second
		}
	}
	if e.ConnectMaxTries > 0 {
		cfg.ConnectMaxTries = e.ConnectMaxTries
	}
	if e.ConnectTimeoutMS > 0 {
		cfg.ConnectTimeout = time.Duration(e.ConnectTimeoutMS) * time.Millisecond
	}
	if e.AfterConnectDelayMS > 0 {
		cfg.AfterConnectDelay = time.Duration(e.AfterConnectDelayMS) * time.Millisecond
	}
	return cfg
}

// Loader reads configuration from file and environment, and can notify a
// callback whenever the backing file changes on disk.
type Loader struct {
	v *viper.Viper
}

// Load reads configuration from configPath (or the usual search locations
// if empty) and environment variables prefixed MODBUSMGR_.
func Load(configPath string) (*Config, *Loader, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("config: read: %w", err)
		}
	}

	v.SetEnvPrefix("MODBUSMGR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &cfg, &Loader{v: v}, nil
}

// WatchReload invokes onChange with the freshly re-unmarshaled Config
// every time the config file changes on disk. Intended to feed
// manager.Manager.SetEndpointPoolConfiguration for live pool retuning.
func (l *Loader) WatchReload(onChange func(*Config)) {
	l.v.OnConfigChange(func(fsnotify.Event) {
		var cfg Config
		if err := l.v.Unmarshal(&cfg); err != nil {
			return
		}
		onChange(&cfg)
	})
	l.v.WatchConfig()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "./logs")
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".modbusmgr")
}
