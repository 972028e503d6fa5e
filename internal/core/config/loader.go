package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/repopulse/internal/core/tiering"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given. Secrets
// still come from the environment.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	cfg.Database.URL = os.Getenv("DATABASE_URL")
	cfg.Redis.URL = os.Getenv("REDIS_URL")
	cfg.GitHub.Token = os.Getenv("GITHUB_TOKEN")
	cfg.Analysis.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Tiering.Policy == "" {
		def := tiering.DefaultConfig()
		def.Tier1Cadence = cfg.Tiering.Tier1Cadence
		def.Tier2Cadence = cfg.Tiering.Tier2Cadence
		def.Tier3Cadence = cfg.Tiering.Tier3Cadence
		overlayThresholds(&def, cfg.Tiering)
		cfg.Tiering = def
	}
	if len(cfg.RateLimits) == 0 {
		cfg.RateLimits = ratelimit.DefaultResources()
	}
	// Scheduler, batch and tiering cadence zero values are filled by their
	// own constructors.
}

// overlayThresholds keeps explicitly configured threshold values when only
// the policy field was omitted.
func overlayThresholds(dst *tiering.Config, src tiering.Config) {
	if src.Tier1MinStars > 0 {
		dst.Tier1MinStars = src.Tier1MinStars
	}
	if src.Tier1MinGrowth > 0 {
		dst.Tier1MinGrowth = src.Tier1MinGrowth
	}
	if src.Tier2MinStars > 0 {
		dst.Tier2MinStars = src.Tier2MinStars
	}
	if src.Tier2MinGrowth > 0 {
		dst.Tier2MinGrowth = src.Tier2MinGrowth
	}
}
