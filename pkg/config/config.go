// Package config handles Yggdrasil configuration.
//
// Configuration is loaded from environment variables (YGGDRASIL_*
// prefix) with an optional YAML file layered underneath, validated once
// with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//   - YGGDRASIL_PROJECT_NAME: project name used in canonical identifiers
//   - YGGDRASIL_PROJECT_ROOT: project root directory
//   - YGGDRASIL_STORAGE_ENGINE: "sqlite" (default), "badger" or "memory"
//   - YGGDRASIL_STORAGE_PATH: database file or directory
//   - YGGDRASIL_CACHE_ENABLED: materialize the inference cache (default true)
//   - YGGDRASIL_CACHE_STRATEGY: "eager", "lazy" (default) or "manual"
//   - YGGDRASIL_MAX_PATH_LENGTH: transitive closure bound (default 10)
//   - YGGDRASIL_MAX_INHERITANCE_DEPTH: inheritable recursion bound (default 10)
//   - YGGDRASIL_LOG_LEVEL: "debug", "info" (default), "warn", "error"
//   - YGGDRASIL_LOG_FORMAT: "console" (default) or "json"
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Storage engine names.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"
	EngineMemory = "memory"
)

// Config holds all Yggdrasil settings.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	Storage   StorageConfig   `yaml:"storage"`
	Inference InferenceConfig `yaml:"inference"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProjectConfig names the project under analysis.
type ProjectConfig struct {
	// Name prefixes every canonical identifier.
	Name string `yaml:"name"`
	// Root is the directory import paths are resolved against.
	Root string `yaml:"root"`
}

// StorageConfig selects and locates the graph store.
type StorageConfig struct {
	// Engine is sqlite, badger or memory.
	Engine string `yaml:"engine"`
	// Path is the database file (sqlite) or directory (badger).
	Path string `yaml:"path"`
}

// InferenceConfig tunes the inference engine.
type InferenceConfig struct {
	CacheEnabled        bool   `yaml:"cacheEnabled"`
	CacheStrategy       string `yaml:"cacheStrategy"`
	MaxPathLength       int    `yaml:"maxPathLength"`
	MaxInheritanceDepth int    `yaml:"maxInheritanceDepth"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Project: ProjectConfig{Name: "project"},
		Storage: StorageConfig{Engine: EngineSQLite, Path: "./yggdrasil.db"},
		Inference: InferenceConfig{
			CacheEnabled:        true,
			CacheStrategy:       "lazy",
			MaxPathLength:       10,
			MaxInheritanceDepth: 10,
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// LoadFromEnv builds a Config from defaults overlaid with YGGDRASIL_*
// environment variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFromFile reads a YAML config file, overlays the environment on
// top, and returns the result.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Project.Name, "YGGDRASIL_PROJECT_NAME")
	setString(&c.Project.Root, "YGGDRASIL_PROJECT_ROOT")
	setString(&c.Storage.Engine, "YGGDRASIL_STORAGE_ENGINE")
	setString(&c.Storage.Path, "YGGDRASIL_STORAGE_PATH")
	setBool(&c.Inference.CacheEnabled, "YGGDRASIL_CACHE_ENABLED")
	setString(&c.Inference.CacheStrategy, "YGGDRASIL_CACHE_STRATEGY")
	setInt(&c.Inference.MaxPathLength, "YGGDRASIL_MAX_PATH_LENGTH")
	setInt(&c.Inference.MaxInheritanceDepth, "YGGDRASIL_MAX_INHERITANCE_DEPTH")
	setString(&c.Logging.Level, "YGGDRASIL_LOG_LEVEL")
	setString(&c.Logging.Format, "YGGDRASIL_LOG_FORMAT")
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func setInt(dst *int, key string) {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Project.Name == "" {
		return fmt.Errorf("config: project name is required")
	}

	switch c.Storage.Engine {
	case EngineSQLite, EngineBadger:
		if c.Storage.Path == "" {
			return fmt.Errorf("config: storage path is required for %s", c.Storage.Engine)
		}
	case EngineMemory:
	default:
		return fmt.Errorf("config: unknown storage engine %q", c.Storage.Engine)
	}

	switch c.Inference.CacheStrategy {
	case "eager", "lazy", "manual":
	default:
		return fmt.Errorf("config: unknown cache strategy %q", c.Inference.CacheStrategy)
	}

	if c.Inference.MaxPathLength <= 0 {
		return fmt.Errorf("config: max path length must be positive")
	}
	if c.Inference.MaxInheritanceDepth <= 0 {
		return fmt.Errorf("config: max inheritance depth must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Logging.Format)
	}

	return nil
}

// BuildLogger constructs the zap logger the config describes.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(c.Logging.Level))); err != nil {
		return nil, fmt.Errorf("config: log level: %w", err)
	}

	zapCfg := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return logger, nil
}
