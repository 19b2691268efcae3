// Package config provides configuration management for Hearth using Viper
// for flexible configuration loading from files, environment variables, and
// command-line flags.
//
// The configuration system supports YAML files, environment variable
// overrides with the HEARTH_ prefix, validation, and security checks. It
// supplies the tuning knobs for the incremental pipeline: cache capacity and
// TTL, debounce windows, worker-pool width, and reload-token limits.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Hard caps for reload-token settings. Configured values above these are
// rejected rather than clamped so a misconfiguration is visible.
const (
	MaxTokenTTL        = 24 * time.Hour
	MaxActiveTokensCap = 10000
)

type Config struct {
	Server Server `yaml:"server"`
	Site   Site   `yaml:"site"`
	Watch  Watch  `yaml:"watch"`
	Cache  Cache  `yaml:"cache"`
	Build  Build  `yaml:"build"`
	Reload Reload `yaml:"reload"`
}

type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Site struct {
	ContentDir   string   `yaml:"content_dir"`
	TemplatesDir string   `yaml:"templates_dir"`
	WatchRoots   []string `yaml:"watch_roots"`
	Exclude      []string `yaml:"exclude"`
}

type Watch struct {
	// Settle is the debounce interval after the last observed event before
	// a batch is emitted.
	Settle time.Duration `yaml:"settle"`
	// MaxHold bounds how long a continuously-modified file can keep a batch
	// from flushing.
	MaxHold time.Duration `yaml:"max_hold"`
	// UsePolling forces the polling watcher even where native notification
	// is available.
	UsePolling   bool          `yaml:"use_polling"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

type Cache struct {
	MaxEntries int           `yaml:"max_entries"`
	TTL        time.Duration `yaml:"ttl"`
	// SweepInterval gates the opportunistic expired-entry sweep inside
	// store/retrieve.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Build struct {
	Workers     int           `yaml:"workers"`
	ChunkSize   int           `yaml:"chunk_size"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type Reload struct {
	TokenTTL        time.Duration `yaml:"token_ttl"`
	MaxActiveTokens int           `yaml:"max_active_tokens"`
}

// Load reads the configuration from viper's configured sources and applies
// defaults and validation.
func Load() (*Config, error) {
	var config Config
	// Field tags are yaml so the structs double as file documentation;
	// point the decoder at them instead of the mapstructure default.
	if err := viper.Unmarshal(&config, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	}); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = "localhost"
	}
	if config.Server.Port == 0 {
		config.Server.Port = viper.GetInt("server.port")
	}
	if config.Server.Port == 0 {
		config.Server.Port = 8080
	}

	if config.Site.ContentDir == "" {
		config.Site.ContentDir = "content"
	}
	if config.Site.TemplatesDir == "" {
		config.Site.TemplatesDir = "templates"
	}
	if len(config.Site.WatchRoots) == 0 {
		config.Site.WatchRoots = []string{config.Site.ContentDir, config.Site.TemplatesDir}
	}
	if len(config.Site.Exclude) == 0 {
		config.Site.Exclude = []string{"*.bak", "*~", "*.swp"}
	}

	if config.Watch.Settle == 0 {
		config.Watch.Settle = 200 * time.Millisecond
	}
	if config.Watch.MaxHold == 0 {
		config.Watch.MaxHold = 2 * time.Second
	}
	if config.Watch.PollInterval == 0 {
		config.Watch.PollInterval = time.Second
	}

	if config.Cache.MaxEntries == 0 {
		config.Cache.MaxEntries = 1000
	}
	if config.Cache.TTL == 0 {
		config.Cache.TTL = time.Hour
	}
	if config.Cache.SweepInterval == 0 {
		config.Cache.SweepInterval = 5 * time.Minute
	}

	if config.Build.Workers == 0 {
		config.Build.Workers = runtime.NumCPU()
	}
	if config.Build.ChunkSize == 0 {
		config.Build.ChunkSize = 50
	}
	if config.Build.TaskTimeout == 0 {
		config.Build.TaskTimeout = 30 * time.Second
	}
	if config.Build.ReadTimeout == 0 {
		config.Build.ReadTimeout = 5 * time.Second
	}

	if config.Reload.TokenTTL == 0 {
		config.Reload.TokenTTL = time.Hour
	}
	if config.Reload.MaxActiveTokens == 0 {
		config.Reload.MaxActiveTokens = 100
	}
}

// validateConfig validates configuration values for security and correctness
func validateConfig(config *Config) error {
	if err := validateServer(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateSite(&config.Site); err != nil {
		return fmt.Errorf("site config: %w", err)
	}

	if config.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache config: max_entries must not be negative")
	}
	if config.Cache.TTL < 0 {
		return fmt.Errorf("cache config: ttl must not be negative")
	}

	if config.Build.Workers < 1 {
		return fmt.Errorf("build config: workers must be at least 1")
	}
	if config.Build.ChunkSize < 1 {
		return fmt.Errorf("build config: chunk_size must be at least 1")
	}

	if config.Reload.TokenTTL > MaxTokenTTL {
		return fmt.Errorf("reload config: token_ttl %v exceeds hard cap %v", config.Reload.TokenTTL, MaxTokenTTL)
	}
	if config.Reload.MaxActiveTokens > MaxActiveTokensCap {
		return fmt.Errorf("reload config: max_active_tokens %d exceeds hard cap %d", config.Reload.MaxActiveTokens, MaxActiveTokensCap)
	}
	if config.Reload.MaxActiveTokens < 1 {
		return fmt.Errorf("reload config: max_active_tokens must be at least 1")
	}

	return nil
}

func validateServer(config *Server) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
		for _, char := range dangerousChars {
			if strings.Contains(config.Host, char) {
				return fmt.Errorf("host contains dangerous character: %s", char)
			}
		}
	}

	return nil
}

func validateSite(config *Site) error {
	for _, root := range config.WatchRoots {
		if err := validatePath(root); err != nil {
			return fmt.Errorf("invalid watch root '%s': %w", root, err)
		}
	}

	if err := validatePath(config.ContentDir); err != nil {
		return fmt.Errorf("invalid content_dir '%s': %w", config.ContentDir, err)
	}
	if err := validatePath(config.TemplatesDir); err != nil {
		return fmt.Errorf("invalid templates_dir '%s': %w", config.TemplatesDir, err)
	}

	return nil
}

// validatePath validates a file path for security
func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("empty path")
	}

	cleanPath := filepath.Clean(path)

	if strings.Contains(cleanPath, "..") {
		return fmt.Errorf("path contains traversal: %s", path)
	}

	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'"}
	for _, char := range dangerousChars {
		if strings.Contains(cleanPath, char) {
			return fmt.Errorf("path contains dangerous character: %s", char)
		}
	}

	return nil
}
