// Package config handles Inkwell configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// searchPathsFunc is indirected so tests can substitute a fake search
// order without touching the real filesystem.
var searchPathsFunc = DefaultSearchPaths

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/inkwell/config.yaml, /config/config.yaml,
// /etc/inkwell/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "inkwell", "config.yaml"))
	}

	paths = append(paths, "/config/config.yaml") // Container convention
	paths = append(paths, "/etc/inkwell/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range searchPathsFunc() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPathsFunc())
}

// Config holds all Inkwell configuration.
type Config struct {
	Listen     ListenConfig     `yaml:"listen"`
	DataDir    string           `yaml:"data_dir"`
	LogLevel   string           `yaml:"log_level"`
	Model      ModelConfig      `yaml:"model"`
	Generation GenerationConfig `yaml:"generation"`
	Download   DownloadConfig   `yaml:"download"`
	Engine     EngineConfig     `yaml:"engine"`
	Status     StatusConfig     `yaml:"status"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// EmbeddingsConfig configures the optional vector-memory provider
// (Tier 3 of the Prompt Assembler). When disabled the Chat Engine uses
// memoryhook.Null and Tier 3 is simply empty.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// ListenConfig defines the view-facing API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ModelConfig points the Sidecar Supervisor at the inference binary and
// weights file it should supervise.
type ModelConfig struct {
	BinaryPath string `yaml:"binary_path"`
	Path       string `yaml:"path"`
	GPULayers  int    `yaml:"gpu_layers"`
	ListenAddr string `yaml:"listen_addr"` // the sidecar's own loopback endpoint
}

// GenerationConfig carries sampling parameters and prompt token budgets
// read from the config file. They are defaulted and validated here but
// not read by any other package: generation uses the Settings loaded
// from the store.
type GenerationConfig struct {
	Temperature     float64 `yaml:"temperature"`
	TopP            float64 `yaml:"top_p"`
	MaxTokens       int     `yaml:"max_tokens"`
	ContextSize     int     `yaml:"context_size"`
	ResponseReserve int     `yaml:"response_reserve"`
	LorebookBudget  int     `yaml:"lorebook_budget"`
}

// DownloadConfig configures the resumable model/binary downloader.
type DownloadConfig struct {
	ScratchDir string `yaml:"scratch_dir"` // in-progress files before atomic rename
}

// EngineConfig tunes the Chat Engine's background sweep and checkpoint
// cadence.
type EngineConfig struct {
	StaleTimeoutSec       int `yaml:"stale_timeout_sec"`
	SweepIntervalSec      int `yaml:"sweep_interval_sec"`
	CheckpointIntervalSec int `yaml:"checkpoint_interval_sec"`
}

// StatusConfig configures the optional MQTT status bridge that mirrors
// model and download state to an external broker.
type StatusConfig struct {
	MQTT MQTTStatusConfig `yaml:"mqtt"`
}

// MQTTStatusConfig defines the optional MQTT broker connection used to
// publish sidecar/download status for external dashboards.
type MQTTStatusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	BrokerURL string `yaml:"broker_url"`
	ClientID  string `yaml:"client_id"`
	Topic     string `yaml:"topic"`
}

// Load reads configuration from a YAML file, expands environment
// variables, applies defaults for any unset fields, and validates
// the result. After Load returns successfully, all fields are usable
// without additional nil/empty checks.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables (e.g., ${HOME}, ${INKWELL_DATA_DIR}).
	// This is a convenience for container deployments; the recommended
	// approach is to put values directly in the config file.
	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills in zero-value fields with sensible defaults.
// Called automatically by Load. After this, callers can read any field
// without checking for empty strings or zero values.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Model.ListenAddr == "" {
		c.Model.ListenAddr = "127.0.0.1:8008"
	}
	if c.Generation.Temperature == 0 {
		c.Generation.Temperature = 0.8
	}
	if c.Generation.TopP == 0 {
		c.Generation.TopP = 0.95
	}
	if c.Generation.MaxTokens == 0 {
		c.Generation.MaxTokens = 512
	}
	if c.Generation.ContextSize == 0 {
		c.Generation.ContextSize = 4096
	}
	if c.Generation.ResponseReserve == 0 {
		c.Generation.ResponseReserve = c.Generation.MaxTokens
	}
	if c.Generation.LorebookBudget == 0 {
		c.Generation.LorebookBudget = 400
	}
	if c.Download.ScratchDir == "" {
		c.Download.ScratchDir = filepath.Join(c.DataDir, "downloads")
	}
	if c.Engine.StaleTimeoutSec == 0 {
		c.Engine.StaleTimeoutSec = 30
	}
	if c.Engine.SweepIntervalSec == 0 {
		c.Engine.SweepIntervalSec = 10
	}
	if c.Engine.CheckpointIntervalSec == 0 {
		c.Engine.CheckpointIntervalSec = 2
	}
	if c.Status.MQTT.Topic == "" {
		c.Status.MQTT.Topic = "inkwell/status"
	}
	if c.Status.MQTT.ClientID == "" {
		c.Status.MQTT.ClientID = "inkwell"
	}
}

// Validate checks that the configuration is internally consistent.
// It runs after applyDefaults, so it can assume defaults are populated.
// Returns an error describing the first problem found, or nil.
func (c *Config) Validate() error {
	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range (1-65535)", c.Listen.Port)
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	if c.Generation.ResponseReserve >= c.Generation.ContextSize {
		return fmt.Errorf("generation.response_reserve (%d) must be less than generation.context_size (%d)",
			c.Generation.ResponseReserve, c.Generation.ContextSize)
	}
	if c.Status.MQTT.Enabled && c.Status.MQTT.BrokerURL == "" {
		return fmt.Errorf("status.mqtt.broker_url is required when status.mqtt.enabled is true")
	}
	return nil
}

// Default returns a default configuration suitable for local
// development against a sidecar binary on localhost. All defaults are
// already applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}
