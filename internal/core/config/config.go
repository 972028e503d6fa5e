package config

import (
	"github.com/vietddude/repopulse/internal/batch"
	"github.com/vietddude/repopulse/internal/core/tiering"
	"github.com/vietddude/repopulse/internal/infra/analysis"
	"github.com/vietddude/repopulse/internal/infra/github"
	"github.com/vietddude/repopulse/internal/infra/ratelimit"
	redisclient "github.com/vietddude/repopulse/internal/infra/redis"
	"github.com/vietddude/repopulse/internal/infra/storage/postgres"
	"github.com/vietddude/repopulse/internal/scheduler"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server     ServerConfig               `yaml:"server"`
	Logging    LoggingConfig              `yaml:"logging"`
	Database   postgres.Config            `yaml:"database"`
	Redis      redisclient.Config         `yaml:"redis"`
	GitHub     github.Config              `yaml:"github"`
	Analysis   analysis.Config            `yaml:"analysis"`
	Tiering    tiering.Config             `yaml:"tiering"`
	Scheduler  scheduler.Config           `yaml:"scheduler"`
	Batch      batch.Config               `yaml:"batch"`
	RateLimits []ratelimit.ResourceConfig `yaml:"rate_limits"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}
