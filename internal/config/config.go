package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DatabaseConfig holds the connection information for the response cache.
type DatabaseConfig struct {
	Type string `yaml:"type"`
	DSN  string `yaml:"dsn"`
}

// AdminConfig holds configuration for the admin API.
type AdminConfig struct {
	Password string `yaml:"password"`
}

// StorageConfig holds the durable file locations.
type StorageConfig struct {
	TokensFile string `yaml:"tokens_file"`
	OutputDir  string `yaml:"output_dir"`
}

// UpstreamConfig holds the generation backend settings.
type UpstreamConfig struct {
	APIKey       string `yaml:"api_key"`
	CaptionModel string `yaml:"caption_model"`
	PromptModel  string `yaml:"prompt_model"`
	ImageModel   string `yaml:"image_model"`
	Endpoint     string `yaml:"endpoint"`
}

// GenerationConfig holds per-request generation options.
type GenerationConfig struct {
	ImageCount  int    `yaml:"image_count"`
	AspectRatio string `yaml:"aspect_ratio"`
}

// SchedulerConfig holds the cache sweep schedule.
type SchedulerConfig struct {
	CacheSweepCron     string `yaml:"cache_sweep_cron"`
	CacheRetentionDays int    `yaml:"cache_retention_days"`
}

// ThemeConfig describes one style family offered to token holders.
type ThemeConfig struct {
	Name           string            `yaml:"name"`
	Description    string            `yaml:"description"`
	DefaultStyle   string            `yaml:"default_style"`
	StylePrompts   map[string]string `yaml:"style_prompts"`
	LocationPrompt string            `yaml:"location_prompt"`
	PosePrompt     string            `yaml:"pose_prompt"`
}

// Config holds the full service configuration.
type Config struct {
	Database   DatabaseConfig         `yaml:"database"`
	Admin      AdminConfig            `yaml:"admin"`
	Storage    StorageConfig          `yaml:"storage"`
	Upstream   UpstreamConfig         `yaml:"upstream"`
	Generation GenerationConfig       `yaml:"generation"`
	Scheduler  SchedulerConfig        `yaml:"scheduler"`
	Themes     map[string]ThemeConfig `yaml:"themes"`
	BaseURL    string                 `yaml:"base_url"`
	Port       int                    `yaml:"port"`
	Debug      bool                   `yaml:"debug"`
}

// Styles returns the style keys available for a theme, falling back to an
// empty list for unknown themes.
func (c *Config) Styles(theme string) []string {
	tc, ok := c.Themes[theme]
	if !ok {
		return nil
	}
	styles := make([]string, 0, len(tc.StylePrompts))
	for style := range tc.StylePrompts {
		styles = append(styles, style)
	}
	return styles
}

// LoadConfig reads and parses the configuration file. It returns the config
// and a potential warning message.
var LoadConfig = func(path string) (*Config, string, error) {
	var config Config
	var warning string

	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &config); err != nil {
			return nil, "", fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, "", fmt.Errorf("failed to read config file: %w", err)
	}
	// If the file does not exist we continue with an empty config and rely
	// on environment variables.

	// Set default values
	if config.Port == 0 {
		config.Port = 8080
	}
	if config.Storage.TokensFile == "" {
		config.Storage.TokensFile = "storage/tokens.json"
	}
	if config.Storage.OutputDir == "" {
		config.Storage.OutputDir = "cache/image"
	}
	if config.Generation.ImageCount == 0 {
		config.Generation.ImageCount = 2
	}
	if config.Generation.AspectRatio == "" {
		config.Generation.AspectRatio = "16:9"
	}
	if config.Scheduler.CacheSweepCron == "" {
		config.Scheduler.CacheSweepCron = "@daily"
	}
	if config.Scheduler.CacheRetentionDays == 0 {
		config.Scheduler.CacheRetentionDays = 30
		warning = "scheduler.cache_retention_days not set, using default value of 30"
	}
	if config.Upstream.CaptionModel == "" {
		config.Upstream.CaptionModel = "gemini-1.5-flash"
	}
	if config.Upstream.PromptModel == "" {
		config.Upstream.PromptModel = "gemini-1.5-flash"
	}
	if config.Upstream.ImageModel == "" {
		config.Upstream.ImageModel = "imagen-3.0-generate-002"
	}
	if config.Upstream.Endpoint == "" {
		config.Upstream.Endpoint = "https://generativelanguage.googleapis.com"
	}

	// Override with environment variables if they exist
	if dsn := os.Getenv("QRRAG_DATABASE_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}
	if dbType := os.Getenv("QRRAG_DATABASE_TYPE"); dbType != "" {
		config.Database.Type = dbType
	}
	if port := os.Getenv("QRRAG_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}
	if password := os.Getenv("QRRAG_ADMIN_PASSWORD"); password != "" {
		config.Admin.Password = password
	}
	if apiKey := os.Getenv("QRRAG_UPSTREAM_API_KEY"); apiKey != "" {
		config.Upstream.APIKey = apiKey
	}
	if tokensFile := os.Getenv("QRRAG_TOKENS_FILE"); tokensFile != "" {
		config.Storage.TokensFile = tokensFile
	}
	if debug := os.Getenv("QRRAG_DEBUG"); debug != "" {
		config.Debug = debug == "true"
	}

	// Final validation after overrides
	if config.Database.Type == "" || config.Database.DSN == "" {
		return nil, "", fmt.Errorf("database type and dsn must be configured in config.yaml or via environment variables")
	}

	return &config, warning, nil
}
