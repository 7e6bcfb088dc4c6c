// Package config loads service configuration from a yaml file with
// environment overrides, and watches the file for live reloads.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/mavenhq/agenthost/internal/blob"
	"github.com/mavenhq/agenthost/internal/sandbox"
	"github.com/mavenhq/agenthost/internal/supervisor"
)

// Config holds the complete service configuration.
type Config struct {
	// Listen is the edge server bind address.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error. Reloadable.
	LogLevel string `yaml:"log_level"`

	// DataDir holds the marker database and, when no bucket is
	// configured, flushed log batches.
	DataDir string `yaml:"data_dir"`

	// ConfigService is the external tenant configuration service.
	ConfigService ConfigServiceConfig `yaml:"config_service"`

	// Sandbox configures the sprite provisioner.
	Sandbox sandbox.SpriteConfig `yaml:"sandbox"`

	// Agent configures the in-sandbox agent server process.
	Agent supervisor.Config `yaml:"agent"`

	// Blob configures remote log storage. Empty access key means logs
	// flush to the local data dir instead.
	Blob blob.KodoConfig `yaml:"blob"`

	// IdleTimeout is how long a tenant may sit without activity before
	// its sandbox is destroyed.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// FlushInterval is the log flush cadence while a tenant is active.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// ConfigServiceConfig points at the external configuration service.
type ConfigServiceConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Listen:   ":8090",
		LogLevel: "info",
		DataDir:  filepath.Join(home, ".agenthost"),
		ConfigService: ConfigServiceConfig{
			Timeout: 10 * time.Second,
		},
		IdleTimeout:   30 * time.Minute,
		FlushInterval: 10 * time.Second,
	}
}

// Path returns the default configuration file path.
func Path() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".agenthost", "config.yaml")
}

// Load reads configuration from path, falling back to defaults when the
// file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets deployment secrets stay out of the yaml file.
func (c *Config) applyEnv() {
	if v := os.Getenv("AGENTHOST_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := os.Getenv("AGENTHOST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("AGENTHOST_CONFIG_SERVICE_URL"); v != "" {
		c.ConfigService.URL = v
	}
	if v := os.Getenv("SPRITES_TOKEN"); v != "" {
		c.Sandbox.Token = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Agent.APIKey = v
	}
	if v := os.Getenv("KODO_ACCESS_KEY"); v != "" {
		c.Blob.AccessKey = v
	}
	if v := os.Getenv("KODO_SECRET_KEY"); v != "" {
		c.Blob.SecretKey = v
	}
	if v := os.Getenv("KODO_BUCKET"); v != "" {
		c.Blob.Bucket = v
	}
}

// Validate checks for settings the service cannot run without.
func (c *Config) Validate() error {
	if c.Sandbox.Token == "" {
		return fmt.Errorf("sandbox token is required (sandbox.token or SPRITES_TOKEN)")
	}
	if c.ConfigService.URL == "" {
		return fmt.Errorf("config service url is required (config_service.url or AGENTHOST_CONFIG_SERVICE_URL)")
	}
	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle_timeout must be positive")
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be positive")
	}
	return nil
}

// Watch reloads the file on writes and invokes onReload with each
// successfully parsed config. Parse or validation failures keep the
// previous config in effect. The watcher stops when stop is closed.
func Watch(path string, stop <-chan struct{}, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the directory so editors that replace the file atomically
	// still trigger events.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config dir: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					continue
				}
				onReload(cfg)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-stop:
				return
			}
		}
	}()
	return nil
}
