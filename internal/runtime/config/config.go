package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "VERDANT"

// EnvConfigFile names an optional config file (yaml, json or toml) read by Load.
const EnvConfigFile = EnvPrefix + "_CONFIG"

// Default values used by Default and Load.
const (
	DefaultServiceName      = "verdant"
	DefaultDiscoveryAddress = "239.255.70.77:5354"
	DefaultHTTPTimeout      = 15 * time.Second
	DefaultShutdownTimeout  = 5 * time.Second
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
)

// MinTasksPerService is the number of long-lived tasks one Service keeps on
// its runtime (router, command pump, event pump).
const MinTasksPerService = 3

// Config groups the settings shared by a Runtime and the Services running on it.
type Config struct {
	// ServiceName tags log lines and metrics.
	ServiceName string `mapstructure:"service_name"`

	// DiscoveryAddress is the UDP address the beacon listener binds. Multicast
	// addresses join the group, anything else binds a plain unicast socket.
	DiscoveryAddress string `mapstructure:"discovery_address"`
	// DiscoveryInterface optionally pins the multicast group to one interface.
	DiscoveryInterface string `mapstructure:"discovery_interface"`

	// HTTPTimeout bounds every request made to a server.
	HTTPTimeout time.Duration `mapstructure:"http_timeout"`
	// ShutdownTimeout bounds how long Service.Close waits for in-flight work.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// MaxTasks limits concurrently running runtime tasks. Zero means unbounded.
	MaxTasks int `mapstructure:"max_tasks"`
	// EventQueueLimit bounds the per-service outbox. Zero means unbounded; when
	// bounded the oldest event is dropped.
	EventQueueLimit int `mapstructure:"event_queue_limit"`

	// Metrics configuration.
	MetricsEnabled bool `mapstructure:"metrics_enabled"`
	// MetricsPort is the port where Prometheus metrics will be exposed. Zero
	// registers collectors without serving them.
	MetricsPort int `mapstructure:"metrics_port"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
}

// Default returns a configuration usable without any environment.
func Default() *Config {
	return &Config{
		ServiceName:      DefaultServiceName,
		DiscoveryAddress: DefaultDiscoveryAddress,
		HTTPTimeout:      DefaultHTTPTimeout,
		ShutdownTimeout:  DefaultShutdownTimeout,
		LogLevel:         DefaultLogLevel,
		LogFormat:        DefaultLogFormat,
	}
}

func (c Config) String() string {
	type configAlias Config
	return fmt.Sprintf("%+v", configAlias(c))
}

// Validate checks field ranges and formats. It returns every problem found
// joined into one error.
func (c *Config) Validate() error {
	var errs []error

	errs = append(errs, c.validateDiscovery()...)
	errs = append(errs, c.validateLimits()...)
	errs = append(errs, c.validatePorts()...)
	errs = append(errs, c.validateLogging()...)

	return errors.Join(errs...)
}

func (c *Config) validateDiscovery() []error {
	var errs []error
	if c.DiscoveryAddress == "" {
		return append(errs, errors.New("discovery: address is required"))
	}
	if _, err := net.ResolveUDPAddr("udp4", c.DiscoveryAddress); err != nil {
		errs = append(errs, fmt.Errorf("discovery: invalid address %q: %w", c.DiscoveryAddress, err))
	}
	return errs
}

func (c *Config) validateLimits() []error {
	var errs []error
	if c.HTTPTimeout < 0 {
		errs = append(errs, errors.New("http: timeout cannot be negative"))
	}
	if c.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown: timeout must be positive"))
	}
	if c.MaxTasks < 0 {
		errs = append(errs, errors.New("runtime: max tasks cannot be negative"))
	}
	if c.MaxTasks > 0 && c.MaxTasks < MinTasksPerService {
		errs = append(errs, fmt.Errorf("runtime: max tasks must be 0 or at least %d", MinTasksPerService))
	}
	if c.EventQueueLimit < 0 {
		errs = append(errs, errors.New("events: queue limit cannot be negative"))
	}
	return errs
}

// validatePorts checks that port numbers are within valid range.
func (c *Config) validatePorts() []error {
	var errs []error
	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		errs = append(errs, fmt.Errorf("metrics: invalid port %d", c.MetricsPort))
	}
	return errs
}

func (c *Config) validateLogging() []error {
	var errs []error
	switch strings.ToLower(c.LogLevel) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging: unsupported level %q", c.LogLevel))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unsupported format %q", c.LogFormat))
	}
	return errs
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}

// Load reads the configuration from VERDANT_* environment variables and the
// optional file named by VERDANT_CONFIG, on top of Default. The result is
// validated.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv(EnvConfigFile); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	conf := &Config{}
	if err := v.Unmarshal(conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

// setDefaults registers every key with viper so AutomaticEnv picks it up
// during Unmarshal.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("service_name", d.ServiceName)
	v.SetDefault("discovery_address", d.DiscoveryAddress)
	v.SetDefault("discovery_interface", d.DiscoveryInterface)
	v.SetDefault("http_timeout", d.HTTPTimeout)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("max_tasks", d.MaxTasks)
	v.SetDefault("event_queue_limit", d.EventQueueLimit)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("metrics_port", d.MetricsPort)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}
