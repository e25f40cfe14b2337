// Package config holds the daemon configuration: YAML file, .env file and
// environment variable overrides, in that order of precedence.
package config

import (
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds all daemon configuration.
type Config struct {
	Adapter   AdapterConfig   `yaml:"adapter" json:"adapter"`
	Profile   ProfileConfig   `yaml:"profile" json:"profile"`
	Poll      PollConfig      `yaml:"poll" json:"poll"`
	Recording RecordingConfig `yaml:"recording" json:"recording"`
	Server    ServerConfig    `yaml:"server" json:"server"`

	path string // file path for save/load
}

type AdapterConfig struct {
	Device   string `yaml:"device" json:"device"` // e.g. /dev/ttyUSB0
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
	Sim      bool   `yaml:"sim" json:"sim"` // built-in simulated vehicle
}

type ProfileConfig struct {
	Name string `yaml:"name" json:"name"` // bundled profile name
	Path string `yaml:"path" json:"path"` // external YAML, overrides Name
}

type PollConfig struct {
	PeriodS      int `yaml:"period_s" json:"periodS"`            // high-priority cycle period
	LowIntervalS int `yaml:"low_interval_s" json:"lowIntervalS"` // low-priority refresh default
}

type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listenAddr"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Device:   "/dev/ttyUSB0",
			BaudRate: 38400,
			Sim:      false,
		},
		Profile: ProfileConfig{
			Name: "hyundai_kona_64",
		},
		Poll: PollConfig{
			PeriodS:      5,
			LowIntervalS: 300,
		},
		Recording: RecordingConfig{
			Enabled: false,
			Path:    "/var/log/evtelem",
		},
		Server: ServerConfig{
			ListenAddr: ":8520",
		},
	}
}

// Load reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func Load(path string) *Config {
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("[config] no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Printf("[config] error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Printf("[config] loaded from %s", path)
	}

	// Load .env from the config's directory, then the CWD.
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Printf("[config] loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		val = strings.Trim(val, `"'`)
		// Real env takes precedence over .env files.
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config
// values. Supported: ADAPTER_DEVICE, ADAPTER_BAUD, ADAPTER_SIM, PROFILE,
// PROFILE_PATH, POLL_PERIOD_S, POLL_LOW_INTERVAL_S, LISTEN_ADDR,
// REC_ENABLED, REC_PATH.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ADAPTER_DEVICE"); v != "" {
		c.Adapter.Device = v
	}
	if v := os.Getenv("ADAPTER_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Adapter.BaudRate = n
		}
	}
	if v := os.Getenv("ADAPTER_SIM"); v != "" {
		c.Adapter.Sim = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("PROFILE"); v != "" {
		c.Profile.Name = v
	}
	if v := os.Getenv("PROFILE_PATH"); v != "" {
		c.Profile.Path = v
	}
	if v := os.Getenv("POLL_PERIOD_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.PeriodS = n
		}
	}
	if v := os.Getenv("POLL_LOW_INTERVAL_S"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Poll.LowIntervalS = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("REC_ENABLED"); v != "" {
		c.Recording.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("REC_PATH"); v != "" {
		c.Recording.Path = v
	}
}

// Save writes the config back to its YAML file.
func (c *Config) Save() error {
	if c.path == "" {
		c.path = "/etc/evtelem/config.yaml"
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0644)
}

// Dir returns the directory holding the config file, used for sibling
// state files.
func (c *Config) Dir() string {
	if c.path == "" {
		return "/etc/evtelem"
	}
	return filepath.Dir(c.path)
}
