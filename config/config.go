// Package config loads the network table daemon's settings.
//
// Settings come from, lowest precedence first: built-in defaults, a YAML
// file, a .env file, and NETTABLE_* environment variables. A .env file
// never overrides a variable already set in the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/UBCSailbot/network-table/server"
	"github.com/UBCSailbot/network-table/transport"
)

const (
	DefaultAddr = "ipc:///tmp/sailbot/NetworkTable"
	DefaultWeb  = ":8080"
)

type Config struct {
	// Addr is the rendezvous address.
	Addr string `yaml:"addr"`

	// Web is the HTTP listen address for the admin view. Empty disables it.
	Web string `yaml:"web"`

	SendHWM      int           `yaml:"send_hwm"`
	RateLimit    float64       `yaml:"rate_limit"`
	RateBurst    int           `yaml:"rate_burst"`
	AdmitTimeout time.Duration `yaml:"admit_timeout"`
}

func Default() Config {
	return Config{
		Addr:         DefaultAddr,
		Web:          DefaultWeb,
		SendHWM:      transport.DefaultHWM,
		AdmitTimeout: server.DefaultAdmitTimeout,
	}
}

// Load builds a Config. Either file name may be empty to skip it. A
// missing .env file is not an error; a missing YAML file is.
func Load(yamlFile, envFile string) (Config, error) {
	c := Default()
	if yamlFile != "" {
		b, err := os.ReadFile(yamlFile)
		if err != nil {
			return c, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, fmt.Errorf("%s: %w", yamlFile, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return c, fmt.Errorf("%s: %w", envFile, err)
		}
	}
	if err := c.fromEnv(); err != nil {
		return c, err
	}
	return c, c.Validate()
}

func (c *Config) fromEnv() error {
	if v, ok := os.LookupEnv("NETTABLE_ADDR"); ok {
		c.Addr = v
	}
	if v, ok := os.LookupEnv("NETTABLE_WEB"); ok {
		c.Web = v
	}
	if err := envInt("NETTABLE_SEND_HWM", &c.SendHWM); err != nil {
		return err
	}
	if err := envInt("NETTABLE_RATE_BURST", &c.RateBurst); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("NETTABLE_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("NETTABLE_RATE_LIMIT: %w", err)
		}
		c.RateLimit = f
	}
	if v, ok := os.LookupEnv("NETTABLE_ADMIT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("NETTABLE_ADMIT_TIMEOUT: %w", err)
		}
		c.AdmitTimeout = d
	}
	return nil
}

func envInt(name string, dst *int) error {
	v, ok := os.LookupEnv(name)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	*dst = n
	return nil
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: addr is required")
	}
	if c.SendHWM < 0 || c.RateBurst < 0 || c.RateLimit < 0 || c.AdmitTimeout < 0 {
		return errors.New("config: limits must not be negative")
	}
	return nil
}

// Server returns the server settings, with metrics going to reg.
func (c Config) Server(reg prometheus.Registerer) server.Config {
	return server.Config{
		Addr:         c.Addr,
		SendHWM:      c.SendHWM,
		RateLimit:    c.RateLimit,
		RateBurst:    c.RateBurst,
		AdmitTimeout: c.AdmitTimeout,
		Registerer:   reg,
	}
}
