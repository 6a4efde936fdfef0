// Package config loads the client configuration and module lists for the
// Conson XP toolkit.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Defaults for a locally bridged bus.
const (
	DefaultIP      = "127.0.0.1"
	DefaultPort    = 10001
	DefaultTimeout = 5.0 // seconds
)

// Environment overrides, applied on top of whatever the file provides.
const (
	EnvIP      = "XP_CONBUS_IP"
	EnvPort    = "XP_CONBUS_PORT"
	EnvTimeout = "XP_CONBUS_TIMEOUT"
)

// ErrInvalidConfig marks configuration the toolkit refuses to run with. A
// present-but-broken file aborts the operation; the host is never silently
// defaulted away.
var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Conbus ConbusConfig `yaml:"conbus"`
}

// ConbusConfig addresses the bridge. Timeout is the rolling inactivity
// window in seconds, fractions allowed.
type ConbusConfig struct {
	IP      string  `yaml:"ip"`
	Port    int     `yaml:"port"`
	Timeout float64 `yaml:"timeout"`
}

// Addr returns the bridge address in host:port form.
func (c ConbusConfig) Addr() string {
	return net.JoinHostPort(c.IP, strconv.Itoa(c.Port))
}

// TimeoutDuration converts the timeout seconds to a duration.
func (c ConbusConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout * float64(time.Second))
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Conbus: ConbusConfig{
			IP:      DefaultIP,
			Port:    DefaultPort,
			Timeout: DefaultTimeout,
		},
	}
}

// Load reads the configuration at path. A missing file yields the defaults;
// a present file must parse and must name the host. Environment overrides
// are applied last in both cases.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return applyEnv(Default())
		}
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, path, err)
	}

	if cfg.Conbus.IP == "" {
		return nil, fmt.Errorf("%w: %s: conbus.ip is required", ErrInvalidConfig, path)
	}
	if cfg.Conbus.Port == 0 {
		cfg.Conbus.Port = DefaultPort
	}
	if cfg.Conbus.Port < 1 || cfg.Conbus.Port > 65535 {
		return nil, fmt.Errorf("%w: %s: conbus.port %d out of range", ErrInvalidConfig, path, cfg.Conbus.Port)
	}
	if cfg.Conbus.Timeout == 0 {
		cfg.Conbus.Timeout = DefaultTimeout
	}
	if cfg.Conbus.Timeout < 0 {
		return nil, fmt.Errorf("%w: %s: conbus.timeout must be positive", ErrInvalidConfig, path)
	}

	return applyEnv(&cfg)
}

func applyEnv(cfg *Config) (*Config, error) {
	if v := os.Getenv(EnvIP); v != "" {
		cfg.Conbus.IP = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p < 1 || p > 65535 {
			return nil, fmt.Errorf("%w: %s=%q is not a port", ErrInvalidConfig, EnvPort, v)
		}
		cfg.Conbus.Port = p
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		t, err := strconv.ParseFloat(v, 64)
		if err != nil || t <= 0 {
			return nil, fmt.Errorf("%w: %s=%q is not a timeout in seconds", ErrInvalidConfig, EnvTimeout, v)
		}
		cfg.Conbus.Timeout = t
	}
	return cfg, nil
}
