package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/zk-inspector/zkinspect"

	"github.com/spf13/viper"
)

// Config stores all configuration of the inspector.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Refresh    RefreshConfig    `mapstructure:"refresh"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ConnectionConfig stores coordination service connection details.
type ConnectionConfig struct {
	Hosts          []string      `mapstructure:"hosts"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout"`
}

// RefreshConfig stores refresh engine settings.
type RefreshConfig struct {
	Workers      int      `mapstructure:"workers"`
	ExpandDepth  int      `mapstructure:"expandDepth"`
	InitialDepth int      `mapstructure:"initialDepth"`
	SkipPatterns []string `mapstructure:"skipPatterns"`
}

// DispatchConfig stores background dispatcher settings.
type DispatchConfig struct {
	Workers       int `mapstructure:"workers"`
	QueueCapacity int `mapstructure:"queueCapacity"`
}

// WatchConfig stores watch registry settings.
type WatchConfig struct {
	RefreshOnEvent bool `mapstructure:"refreshOnEvent"`
}

// LogConfig stores logging settings.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig stores the metrics endpoint settings. An empty Listen disables the endpoint.
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// Default returns a Config populated with default values only.
func Default() *Config {
	return &Config{
		Connection: ConnectionConfig{
			Hosts:          append([]string(nil), internal.DefaultHosts...),
			SessionTimeout: internal.DefaultSessionTimeout,
		},
		Refresh: RefreshConfig{
			Workers:      internal.DefaultRefreshWorkers,
			ExpandDepth:  internal.DefaultExpandDepth,
			InitialDepth: internal.DefaultInitialDepth,
		},
		Dispatch: DispatchConfig{
			Workers:       internal.DefaultDispatchWorkers,
			QueueCapacity: internal.DefaultDispatchQueueSize,
		},
		Watch: WatchConfig{RefreshOnEvent: internal.DefaultWatchRefreshOnEvent},
		Log:   LogConfig{Level: internal.DefaultLogLevel},
	}
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath(filepath.Join("etc", internal.DefaultAppName))
		v.AddConfigPath(internal.DefaultConfigPath)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetDefault("connection.hosts", internal.DefaultHosts)
	v.SetDefault("connection.sessionTimeout", internal.DefaultSessionTimeout)
	v.SetDefault("refresh.workers", internal.DefaultRefreshWorkers)
	v.SetDefault("refresh.expandDepth", internal.DefaultExpandDepth)
	v.SetDefault("refresh.initialDepth", internal.DefaultInitialDepth)
	v.SetDefault("refresh.skipPatterns", []string{})
	v.SetDefault("dispatch.workers", internal.DefaultDispatchWorkers)
	v.SetDefault("dispatch.queueCapacity", internal.DefaultDispatchQueueSize)
	v.SetDefault("watch.refreshOnEvent", internal.DefaultWatchRefreshOnEvent)
	v.SetDefault("log.level", internal.DefaultLogLevel)
	v.SetDefault("metrics.listen", "")

	// connection.sessionTimeout becomes ZKINSPECT_CONNECTION_SESSIONTIMEOUT
	v.SetEnvPrefix(internal.DefaultEnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first setting that cannot drive a session.
func (c *Config) Validate() error {
	switch {
	case len(c.Connection.Hosts) == 0:
		return errors.New("config: connection.hosts must list at least one server")
	case c.Connection.SessionTimeout <= 0:
		return fmt.Errorf("config: connection.sessionTimeout must be positive, got %s", c.Connection.SessionTimeout)
	case c.Refresh.Workers <= 0:
		return fmt.Errorf("config: refresh.workers must be positive, got %d", c.Refresh.Workers)
	case c.Refresh.ExpandDepth < 0 || c.Refresh.InitialDepth < 0:
		return errors.New("config: refresh depths must not be negative")
	case c.Dispatch.Workers <= 0:
		return fmt.Errorf("config: dispatch.workers must be positive, got %d", c.Dispatch.Workers)
	case c.Dispatch.QueueCapacity <= 0:
		return fmt.Errorf("config: dispatch.queueCapacity must be positive, got %d", c.Dispatch.QueueCapacity)
	}
	return nil
}

// ConnectString joins the configured hosts the way the coordination client prints them.
func (c *Config) ConnectString() string {
	return strings.Join(c.Connection.Hosts, ",")
}
