package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/taggw/internal/devconf"
	"github.com/shaunagostinho/taggw/internal/firmware"
	"github.com/shaunagostinho/taggw/internal/gateway"
	"github.com/shaunagostinho/taggw/internal/logging"
	"github.com/shaunagostinho/taggw/internal/recorder"
)

// DefaultConfigPath is used by Save when the config was not loaded from a file.
const DefaultConfigPath = "/etc/taggw/config.yaml"

// Config holds all taggw configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link
	Gateway GatewayConfig `yaml:"gateway" json:"gateway"`

	// Settings applied to the gateway after connecting
	Device devconf.Options `yaml:"device" json:"device"`

	Firmware FirmwareConfig `yaml:"firmware" json:"firmware"`

	// CSV packet recording
	Recording recorder.Config `yaml:"recording" json:"recording"`

	Logging logging.Config `yaml:"logging" json:"logging"`

	Server ServerConfig `yaml:"server" json:"server"`

	path string // file path for save/load
}

type GatewayConfig struct {
	Port       string `yaml:"port" json:"port"` // e.g. /dev/ttyUSB0
	Baud       int    `yaml:"baud" json:"baud"`
	AutoDetect bool   `yaml:"auto_detect" json:"auto_detect"`
	Demo       bool   `yaml:"demo" json:"demo"` // simulated gateway
	TagOnly    bool   `yaml:"tag_only" json:"tag_only"`

	SettleDelayMs      int  `yaml:"settle_delay_ms" json:"settle_delay_ms"`
	HandshakeTimeoutMs int  `yaml:"handshake_timeout_ms" json:"handshake_timeout_ms"`
	CommandDelayMs     int  `yaml:"command_delay_ms" json:"command_delay_ms"`
	SkipValidation     bool `yaml:"skip_validation" json:"skip_validation"`

	RawCapacity       int `yaml:"raw_capacity" json:"raw_capacity"`
	ProcessedCapacity int `yaml:"processed_capacity" json:"processed_capacity"`
}

type FirmwareConfig struct {
	Dir string `yaml:"dir" json:"dir"`
	// FlashCommand is the external flashing tool; {image} and {port} are
	// substituted.
	FlashCommand []string `yaml:"flash_command" json:"flash_command"`
	TimeoutSec   int      `yaml:"timeout_sec" json:"timeout_sec"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	PollMs     int    `yaml:"poll_ms" json:"poll_ms"` // processed-queue poll period
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Port:               "/dev/ttyUSB0",
			Baud:               921600,
			AutoDetect:         true,
			SettleDelayMs:      500,
			HandshakeTimeoutMs: 3000,
			CommandDelayMs:     10,
		},
		Firmware: FirmwareConfig{
			Dir:        "/var/lib/taggw/firmware",
			TimeoutSec: 120,
		},
		Recording: recorder.Config{
			Enabled: false,
			Path:    recorder.DefaultPath,
			MaxRows: recorder.DefaultMaxRows,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			PollMs:     100,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if the YAML is missing or broken.
func LoadConfig(path string) *Config {
	log := slog.Default().With("component", "config")
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", "path", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", "path", path, "error", err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded", "path", path)
	}

	// .env next to the config, then in the working directory
	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file into the process
// environment. Variables already set win.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	slog.Default().Info("loading .env", "component", "config", "path", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.Trim(strings.TrimSpace(val), `"'`)
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envBool(v string) bool {
	v = strings.ToLower(v)
	return v == "1" || v == "true" || v == "yes"
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: GW_PORT, GW_BAUD, GW_AUTO_DETECT, GW_DEMO, LISTEN_ADDR,
// LOG_LEVEL, LOG_FORMAT, FIRMWARE_DIR, RECORD_ENABLED, RECORD_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GW_PORT"); v != "" {
		c.Gateway.Port = v
	}
	if v := os.Getenv("GW_BAUD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Gateway.Baud = n
		}
	}
	if v := os.Getenv("GW_AUTO_DETECT"); v != "" {
		c.Gateway.AutoDetect = envBool(v)
	}
	if v := os.Getenv("GW_DEMO"); v != "" {
		c.Gateway.Demo = envBool(v)
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("FIRMWARE_DIR"); v != "" {
		c.Firmware.Dir = v
	}
	if v := os.Getenv("RECORD_ENABLED"); v != "" {
		c.Recording.Enabled = envBool(v)
	}
	if v := os.Getenv("RECORD_PATH"); v != "" {
		c.Recording.Path = v
	}
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.path == "" {
		return DefaultConfigPath
	}
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	path := c.Path()
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]any
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}
	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	var next Config
	if err := json.Unmarshal(merged, &next); err != nil {
		return fmt.Errorf("unmarshal merged config: %w", err)
	}
	if err := devconf.Validate(next.Device); err != nil {
		return err
	}
	c.Gateway = next.Gateway
	c.Device = next.Device
	c.Firmware = next.Firmware
	c.Recording = next.Recording
	c.Logging = next.Logging
	c.Server = next.Server
	return nil
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]any) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]any); ok {
			if dstMap, ok := dst[key].(map[string]any); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// GatewayOptions builds the driver options. Opener is left nil for real
// serial ports.
func (c *Config) GatewayOptions() gateway.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	opts := gateway.Options{
		SettleDelay:      time.Duration(c.Gateway.SettleDelayMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(c.Gateway.HandshakeTimeoutMs) * time.Millisecond,
		Config: devconf.Config{
			SkipValidation: c.Gateway.SkipValidation,
			CommandDelay:   time.Duration(c.Gateway.CommandDelayMs) * time.Millisecond,
		},
		ImageDir:          c.Firmware.Dir,
		RawCapacity:       c.Gateway.RawCapacity,
		ProcessedCapacity: c.Gateway.ProcessedCapacity,
	}
	if c.Gateway.SettleDelayMs == 0 {
		opts.SettleDelay = -1
	}
	if len(c.Firmware.FlashCommand) > 0 {
		opts.Flasher = firmware.ExecFlasher{
			Command: c.Firmware.FlashCommand,
			Timeout: time.Duration(c.Firmware.TimeoutSec) * time.Second,
		}
	}
	return opts
}

// ConnectOptions selects the configured port.
func (c *Config) ConnectOptions() gateway.ConnectOptions {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return gateway.ConnectOptions{
		Port:       c.Gateway.Port,
		Baud:       c.Gateway.Baud,
		AutoDetect: c.Gateway.AutoDetect,
	}
}

// ServerSettings returns the server section.
func (c *Config) ServerSettings() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// DeviceOptions returns the settings applied after connecting.
func (c *Config) DeviceOptions() devconf.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device
}
