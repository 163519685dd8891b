// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Database    DatabaseConfig    `yaml:"database"`
	Downsample  DownsampleConfig  `yaml:"downsample"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	Logging     LoggingConfig     `yaml:"logging"`
	Include     IncludeConfig     `yaml:"include"`
}

type IncludeConfig struct {
	Directory string `yaml:"directory"`
	Pattern   string `yaml:"pattern"`
	Enabled   bool   `yaml:"enabled"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RateLimit    float64       `yaml:"rate_limit"` // requests per second per agent, 0 disables
	RateBurst    int           `yaml:"rate_burst"`
}

type IngestConfig struct {
	Secret      string        `yaml:"secret"`
	SecretFile  string        `yaml:"secret_file"`
	MaxPayload  int64         `yaml:"max_payload"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type DatabaseConfig struct {
	Type             string        `yaml:"type"`
	Path             string        `yaml:"path"`
	HistoryRetention time.Duration `yaml:"history_retention"`
	CompactInterval  time.Duration `yaml:"compact_interval"`
}

type DownsampleConfig struct {
	ReadPoints    int           `yaml:"read_points"`    // default target for the samples endpoint
	CompactTarget int           `yaml:"compact_target"` // samples kept per compacted series
	CompactAfter  time.Duration `yaml:"compact_after"`
}

type MaintenanceConfig struct {
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	RolloverInterval   time.Duration `yaml:"rollover_interval"` // 0 disables scheduled rollover
	PurgeInterval      time.Duration `yaml:"purge_interval"`
	MetricsInterval    time.Duration `yaml:"metrics_interval"`
	DrainTimeout       time.Duration `yaml:"drain_timeout"`
}

type PrometheusConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MetricsPath string `yaml:"metrics_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PartialConfig represents a partial configuration that can be merged
type PartialConfig struct {
	Server      *ServerConfig      `yaml:"server,omitempty"`
	Ingest      *IngestConfig      `yaml:"ingest,omitempty"`
	Database    *DatabaseConfig    `yaml:"database,omitempty"`
	Downsample  *DownsampleConfig  `yaml:"downsample,omitempty"`
	Maintenance *MaintenanceConfig `yaml:"maintenance,omitempty"`
	Prometheus  *PrometheusConfig  `yaml:"prometheus,omitempty"`
	Logging     *LoggingConfig     `yaml:"logging,omitempty"`
}

func Load(filename string) (*Config, error) {
	config, err := loadConfigFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to load main config file: %w", err)
	}

	if config.Include.Enabled && config.Include.Directory != "" {
		if err := loadIncludes(config, filepath.Dir(filename)); err != nil {
			return nil, fmt.Errorf("failed to load includes: %w", err)
		}
	}

	setDefaults(config)

	if err := resolveSecret(config); err != nil {
		return nil, err
	}

	if err := validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadConfigFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	return &config, nil
}

func loadIncludes(config *Config, baseDir string) error {
	includeDir := config.Include.Directory

	// Relative to the main config file
	if !filepath.IsAbs(includeDir) {
		includeDir = filepath.Join(baseDir, includeDir)
	}

	if _, err := os.Stat(includeDir); os.IsNotExist(err) {
		return fmt.Errorf("include directory does not exist: %s", includeDir)
	}

	pattern := config.Include.Pattern
	if pattern == "" {
		pattern = "*.yaml"
	}

	matches, err := filepath.Glob(filepath.Join(includeDir, pattern))
	if err != nil {
		return fmt.Errorf("failed to glob include pattern: %w", err)
	}

	if pattern == "*.yaml" {
		ymlMatches, err := filepath.Glob(filepath.Join(includeDir, "*.yml"))
		if err != nil {
			return fmt.Errorf("failed to glob .yml files: %w", err)
		}
		matches = append(matches, ymlMatches...)
	}

	sort.Slice(matches, func(i, j int) bool {
		return filepath.Base(matches[i]) < filepath.Base(matches[j])
	})

	for _, match := range matches {
		if err := loadAndMergeInclude(config, match); err != nil {
			return fmt.Errorf("failed to load include file %s: %w", match, err)
		}
	}

	return nil
}

func loadAndMergeInclude(config *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read include file: %w", err)
	}

	var partial PartialConfig
	if err := yaml.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("failed to parse include file YAML: %w", err)
	}

	mergePartialConfig(config, &partial)

	return nil
}

// mergePartialConfig overrides only the sections present in partial.
func mergePartialConfig(config *Config, partial *PartialConfig) {
	if partial.Server != nil {
		mergeServerConfig(&config.Server, partial.Server)
	}
	if partial.Ingest != nil {
		mergeIngestConfig(&config.Ingest, partial.Ingest)
	}
	if partial.Database != nil {
		mergeDatabaseConfig(&config.Database, partial.Database)
	}
	if partial.Downsample != nil {
		mergeDownsampleConfig(&config.Downsample, partial.Downsample)
	}
	if partial.Maintenance != nil {
		mergeMaintenanceConfig(&config.Maintenance, partial.Maintenance)
	}
	if partial.Prometheus != nil {
		mergePrometheusConfig(&config.Prometheus, partial.Prometheus)
	}
	if partial.Logging != nil {
		mergeLoggingConfig(&config.Logging, partial.Logging)
	}
}

func mergeServerConfig(main *ServerConfig, partial *ServerConfig) {
	if partial.Port != "" {
		main.Port = partial.Port
	}
	if partial.ReadTimeout != 0 {
		main.ReadTimeout = partial.ReadTimeout
	}
	if partial.WriteTimeout != 0 {
		main.WriteTimeout = partial.WriteTimeout
	}
	if partial.RateLimit != 0 {
		main.RateLimit = partial.RateLimit
	}
	if partial.RateBurst != 0 {
		main.RateBurst = partial.RateBurst
	}
}

func mergeIngestConfig(main *IngestConfig, partial *IngestConfig) {
	if partial.Secret != "" {
		main.Secret = partial.Secret
	}
	if partial.SecretFile != "" {
		main.SecretFile = partial.SecretFile
	}
	if partial.MaxPayload != 0 {
		main.MaxPayload = partial.MaxPayload
	}
	if partial.WaitTimeout != 0 {
		main.WaitTimeout = partial.WaitTimeout
	}
}

func mergeDatabaseConfig(main *DatabaseConfig, partial *DatabaseConfig) {
	if partial.Type != "" {
		main.Type = partial.Type
	}
	if partial.Path != "" {
		main.Path = partial.Path
	}
	if partial.HistoryRetention != 0 {
		main.HistoryRetention = partial.HistoryRetention
	}
	if partial.CompactInterval != 0 {
		main.CompactInterval = partial.CompactInterval
	}
}

func mergeDownsampleConfig(main *DownsampleConfig, partial *DownsampleConfig) {
	if partial.ReadPoints != 0 {
		main.ReadPoints = partial.ReadPoints
	}
	if partial.CompactTarget != 0 {
		main.CompactTarget = partial.CompactTarget
	}
	if partial.CompactAfter != 0 {
		main.CompactAfter = partial.CompactAfter
	}
}

func mergeMaintenanceConfig(main *MaintenanceConfig, partial *MaintenanceConfig) {
	if partial.CompactionInterval != 0 {
		main.CompactionInterval = partial.CompactionInterval
	}
	if partial.RolloverInterval != 0 {
		main.RolloverInterval = partial.RolloverInterval
	}
	if partial.PurgeInterval != 0 {
		main.PurgeInterval = partial.PurgeInterval
	}
	if partial.MetricsInterval != 0 {
		main.MetricsInterval = partial.MetricsInterval
	}
	if partial.DrainTimeout != 0 {
		main.DrainTimeout = partial.DrainTimeout
	}
}

func mergePrometheusConfig(main *PrometheusConfig, partial *PrometheusConfig) {
	main.Enabled = partial.Enabled
	if partial.MetricsPath != "" {
		main.MetricsPath = partial.MetricsPath
	}
}

func mergeLoggingConfig(main *LoggingConfig, partial *LoggingConfig) {
	if partial.Level != "" {
		main.Level = partial.Level
	}
	if partial.Format != "" {
		main.Format = partial.Format
	}
}

func setDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == "" {
		cfg.Server.Port = ":8000"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 30 * time.Second
	}
	if cfg.Server.RateLimit > 0 && cfg.Server.RateBurst == 0 {
		cfg.Server.RateBurst = int(cfg.Server.RateLimit) + 1
	}

	// Ingest defaults
	if cfg.Ingest.MaxPayload == 0 {
		cfg.Ingest.MaxPayload = 16 << 20
	}
	if cfg.Ingest.WaitTimeout == 0 {
		cfg.Ingest.WaitTimeout = 30 * time.Second
	}

	// Database defaults
	if cfg.Database.Type == "" {
		cfg.Database.Type = "boltdb"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./data/ravenhub.db"
	}
	if cfg.Database.HistoryRetention == 0 {
		cfg.Database.HistoryRetention = 90 * 24 * time.Hour
	}
	if cfg.Database.CompactInterval == 0 {
		cfg.Database.CompactInterval = 24 * time.Hour
	}

	// Downsample defaults
	if cfg.Downsample.ReadPoints == 0 {
		cfg.Downsample.ReadPoints = 500
	}
	if cfg.Downsample.CompactTarget == 0 {
		cfg.Downsample.CompactTarget = 1000
	}
	if cfg.Downsample.CompactAfter == 0 {
		cfg.Downsample.CompactAfter = 7 * 24 * time.Hour
	}

	// Maintenance defaults
	if cfg.Maintenance.CompactionInterval == 0 {
		cfg.Maintenance.CompactionInterval = time.Hour
	}
	if cfg.Maintenance.PurgeInterval == 0 {
		cfg.Maintenance.PurgeInterval = 6 * time.Hour
	}
	if cfg.Maintenance.MetricsInterval == 0 {
		cfg.Maintenance.MetricsInterval = 30 * time.Second
	}
	if cfg.Maintenance.DrainTimeout == 0 {
		cfg.Maintenance.DrainTimeout = 30 * time.Second
	}

	// Include defaults
	if cfg.Include.Pattern == "" {
		cfg.Include.Pattern = "*.yaml"
	}

	// Prometheus defaults
	if cfg.Prometheus.MetricsPath == "" {
		cfg.Prometheus.MetricsPath = "/metrics"
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// resolveSecret reads ingest.secret_file when no inline secret is set.
func resolveSecret(cfg *Config) error {
	if cfg.Ingest.Secret != "" || cfg.Ingest.SecretFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.Ingest.SecretFile)
	if err != nil {
		return fmt.Errorf("failed to read ingest.secret_file: %w", err)
	}
	cfg.Ingest.Secret = strings.TrimSpace(string(data))
	return nil
}

func validate(cfg *Config) error {
	if cfg.Database.Type != "boltdb" {
		return fmt.Errorf("only boltdb is supported currently")
	}
	if cfg.Ingest.Secret == "" {
		return fmt.Errorf("ingest.secret or ingest.secret_file is required")
	}
	if cfg.Ingest.MaxPayload < 0 {
		return fmt.Errorf("ingest.max_payload cannot be negative")
	}

	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server.rate_limit cannot be negative")
	}
	if cfg.Server.RateBurst < 0 {
		return fmt.Errorf("server.rate_burst cannot be negative")
	}

	if cfg.Downsample.ReadPoints < 1 {
		return fmt.Errorf("downsample.read_points must be at least 1")
	}
	if cfg.Downsample.CompactTarget < 1 {
		return fmt.Errorf("downsample.compact_target must be at least 1")
	}
	if cfg.Downsample.CompactAfter <= 0 {
		return fmt.Errorf("downsample.compact_after must be positive")
	}

	if cfg.Database.HistoryRetention <= cfg.Downsample.CompactAfter {
		return fmt.Errorf("database.history_retention (%s) must exceed downsample.compact_after (%s)",
			cfg.Database.HistoryRetention, cfg.Downsample.CompactAfter)
	}

	for name, d := range map[string]time.Duration{
		"maintenance.compaction_interval": cfg.Maintenance.CompactionInterval,
		"maintenance.rollover_interval":   cfg.Maintenance.RolloverInterval,
		"maintenance.purge_interval":      cfg.Maintenance.PurgeInterval,
		"maintenance.metrics_interval":    cfg.Maintenance.MetricsInterval,
		"database.compact_interval":       cfg.Database.CompactInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format)
	}

	if cfg.Include.Enabled {
		if cfg.Include.Directory == "" {
			return fmt.Errorf("include.directory must be specified when include.enabled is true")
		}
		if cfg.Include.Pattern != "" && !isValidGlobPattern(cfg.Include.Pattern) {
			return fmt.Errorf("include.pattern contains invalid glob pattern: %s", cfg.Include.Pattern)
		}
	}

	return nil
}

// isValidGlobPattern checks if a string is a valid glob pattern
func isValidGlobPattern(pattern string) bool {
	if strings.Contains(pattern, "/") || strings.Contains(pattern, "\\") {
		return false
	}
	_, err := filepath.Match(pattern, "test.yaml")
	return err == nil
}
