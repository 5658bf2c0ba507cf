// Package config handles OrganicDB configuration via environment variables and
// an optional YAML file.
//
// Configuration is environment-first: LoadFromEnv() starts from defaults and
// applies every ORGANICDB_* variable that is set. LoadFile() reads a YAML file
// first and then applies the same environment overrides, so a checked-in file
// can hold the baseline while containers tune individual values.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("./organicdb.yaml")
//	if err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Storage:
//   - ORGANICDB_STORAGE_BACKEND=badger (memory, badger, arango)
//   - ORGANICDB_DATA_DIR=./data
//   - ORGANICDB_ARANGO_URL=http://localhost:8529
//   - ORGANICDB_ARANGO_DATABASE=organicdb
//
// Organic schema:
//   - ORGANICDB_RESOLVER_TEMPORAL_WINDOW=1h
//   - ORGANICDB_RESOLVER_COMMON_ATTRIBUTE_THRESHOLD=0.5
//   - ORGANICDB_RESOLVER_CONTEXT_TTL=5m
//   - ORGANICDB_PROPAGATION_WRITES_PER_SECOND=20
//   - ORGANICDB_CLEANUP_SCHEDULE="@every 30m"
//
// Logging:
//   - ORGANICDB_LOG_LEVEL=info
//   - ORGANICDB_LOG_FORMAT=json
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all OrganicDB configuration.
//
// Sections:
//   - Storage: which graph store backs the subsystem
//   - Learner: Pattern Learner bounds
//   - Validator: Gentle Validator bounds
//   - Resolver: Implicit Relation Resolver scoring and caching
//   - Propagation: write pacing for group propagation
//   - Scheduler: periodic cleanup
//   - Logging: zap logger settings
type Config struct {
	Storage     StorageConfig     `yaml:"storage"`
	Learner     LearnerConfig     `yaml:"learner"`
	Validator   ValidatorConfig   `yaml:"validator"`
	Resolver    ResolverConfig    `yaml:"resolver"`
	Propagation PropagationConfig `yaml:"propagation"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// StorageConfig selects and configures the backing graph store.
type StorageConfig struct {
	// Backend is one of "memory", "badger" or "arango".
	Backend string `yaml:"backend"`
	// DataDir is the BadgerDB directory.
	DataDir string `yaml:"data_dir"`
	// InMemory runs BadgerDB without touching disk.
	InMemory bool `yaml:"in_memory"`
	// SyncWrites forces fsync after each BadgerDB write.
	SyncWrites bool `yaml:"sync_writes"`

	ArangoURL      string `yaml:"arango_url"`
	ArangoUsername string `yaml:"arango_username"`
	ArangoPassword string `yaml:"arango_password"`
	ArangoDatabase string `yaml:"arango_database"`
}

// LearnerConfig bounds the Pattern Learner's in-memory state.
type LearnerConfig struct {
	// CommonValuesCap is the number of distinct sample values kept per pattern.
	CommonValuesCap int `yaml:"common_values_cap"`
	// TrendCap triggers trend truncation once exceeded.
	TrendCap int `yaml:"trend_cap"`
	// TrendKeep is the number of most recent trend entries kept after truncation.
	TrendKeep int `yaml:"trend_keep"`
	// StatsCap triggers usage-stats pruning during cleanup once exceeded.
	StatsCap int `yaml:"stats_cap"`
	// StatsKeep is the number of most-used keys kept after pruning.
	StatsKeep int `yaml:"stats_keep"`
	// PersistTimeout bounds each asynchronous summary upsert.
	PersistTimeout time.Duration `yaml:"persist_timeout"`
	// PersistEnabled turns summary persistence on or off.
	PersistEnabled bool `yaml:"persist_enabled"`
}

// ValidatorConfig bounds the Gentle Validator.
type ValidatorConfig struct {
	// MaxSuggestions is the number of ranked suggestions returned.
	MaxSuggestions int `yaml:"max_suggestions"`
	// MatureConfidence is the pattern confidence above which suggestions are generated.
	MatureConfidence float64 `yaml:"mature_confidence"`
	// FeedbackCap triggers feedback pruning once exceeded.
	FeedbackCap int `yaml:"feedback_cap"`
	// FeedbackKeep is the number of most-used feedback keys kept after pruning.
	FeedbackKeep int `yaml:"feedback_keep"`
	// LengthDeviation is the relative deviation from the average length that
	// counts as an anomaly.
	LengthDeviation float64 `yaml:"length_deviation"`
}

// ResolverConfig tunes implicit relation scoring and module context caching.
type ResolverConfig struct {
	// DefaultLimit caps RelatedEntities results when the caller passes 0.
	DefaultLimit int `yaml:"default_limit"`
	// BaseConfidence is the starting confidence of every shared-module relation.
	BaseConfidence float64 `yaml:"base_confidence"`
	// TargetTypeBoost is added when the related entity has the module's target type.
	TargetTypeBoost float64 `yaml:"target_type_boost"`
	// TemporalBoost is added when entity and module were created within TemporalWindow.
	TemporalBoost float64 `yaml:"temporal_boost"`
	// TemporalWindow is the creation-time proximity that earns TemporalBoost.
	TemporalWindow time.Duration `yaml:"temporal_window"`
	// CommonAttributeThreshold is the share of members that must carry an
	// attribute for it to be merged into new members.
	CommonAttributeThreshold float64 `yaml:"common_attribute_threshold"`
	// ContextTTL is how long a computed module context stays cached.
	ContextTTL time.Duration `yaml:"context_ttl"`
	// ContextCacheSize bounds the module context and entity index caches.
	ContextCacheSize int `yaml:"context_cache_size"`
	// MemberSampleSize is the number of members inspected for majority votes.
	MemberSampleSize int `yaml:"member_sample_size"`
	// DefaultEntityType is assigned when a module has no members to vote.
	DefaultEntityType string `yaml:"default_entity_type"`
}

// PropagationConfig paces propagateToGroup writes.
type PropagationConfig struct {
	// WritesPerSecond bounds the write rate (0 = unpaced).
	WritesPerSecond float64 `yaml:"writes_per_second"`
	// Burst is the limiter burst size.
	Burst int `yaml:"burst"`
}

// SchedulerConfig controls periodic cleanup.
type SchedulerConfig struct {
	Enabled bool `yaml:"enabled"`
	// CleanupSchedule is a robfig/cron spec, e.g. "@every 30m".
	CleanupSchedule string `yaml:"cleanup_schedule"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level (debug, info, warn, error)
	Level string `yaml:"level"`
	// Format (json, console)
	Format string `yaml:"format"`
	// Output path (stdout, stderr, or file path)
	Output string `yaml:"output"`
}

// Default returns the built-in configuration.
//
// The numeric defaults are the values the organic schema subsystem has
// always used: 10 common values, trends capped at 100 and cut to 50, five
// suggestions, a one-hour creation window and a 50% common-attribute share.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:        "badger",
			DataDir:        "./data",
			ArangoURL:      "http://localhost:8529",
			ArangoUsername: "root",
			ArangoDatabase: "organicdb",
		},
		Learner: LearnerConfig{
			CommonValuesCap: 10,
			TrendCap:        100,
			TrendKeep:       50,
			StatsCap:        1000,
			StatsKeep:       500,
			PersistTimeout:  5 * time.Second,
			PersistEnabled:  true,
		},
		Validator: ValidatorConfig{
			MaxSuggestions:   5,
			MatureConfidence: 0.3,
			FeedbackCap:      500,
			FeedbackKeep:     250,
			LengthDeviation:  0.5,
		},
		Resolver: ResolverConfig{
			DefaultLimit:             50,
			BaseConfidence:           0.5,
			TargetTypeBoost:          0.3,
			TemporalBoost:            0.2,
			TemporalWindow:           time.Hour,
			CommonAttributeThreshold: 0.5,
			ContextTTL:               5 * time.Minute,
			ContextCacheSize:         1000,
			MemberSampleSize:         50,
			DefaultEntityType:        "Entity",
		},
		Propagation: PropagationConfig{
			WritesPerSecond: 20,
			Burst:           1,
		},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			CleanupSchedule: "@every 30m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadFromEnv loads configuration from defaults plus environment variables.
//
// All values have sensible defaults, so LoadFromEnv() can be called without
// any environment variables set.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML configuration file, then applies environment
// overrides. Fields missing from the file keep their defaults.
//
// Example:
//
//	# organicdb.yaml
//	storage:
//	  backend: badger
//	  data_dir: /var/lib/organicdb
//	resolver:
//	  temporal_window: 2h
//	  common_attribute_threshold: 0.6
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.Backend = getEnv("ORGANICDB_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.DataDir = getEnv("ORGANICDB_DATA_DIR", c.Storage.DataDir)
	c.Storage.InMemory = getEnvBool("ORGANICDB_STORAGE_IN_MEMORY", c.Storage.InMemory)
	c.Storage.SyncWrites = getEnvBool("ORGANICDB_STORAGE_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.ArangoURL = getEnv("ORGANICDB_ARANGO_URL", c.Storage.ArangoURL)
	c.Storage.ArangoUsername = getEnv("ORGANICDB_ARANGO_USERNAME", c.Storage.ArangoUsername)
	c.Storage.ArangoPassword = getEnv("ORGANICDB_ARANGO_PASSWORD", c.Storage.ArangoPassword)
	c.Storage.ArangoDatabase = getEnv("ORGANICDB_ARANGO_DATABASE", c.Storage.ArangoDatabase)

	c.Learner.CommonValuesCap = getEnvInt("ORGANICDB_LEARNER_COMMON_VALUES_CAP", c.Learner.CommonValuesCap)
	c.Learner.TrendCap = getEnvInt("ORGANICDB_LEARNER_TREND_CAP", c.Learner.TrendCap)
	c.Learner.TrendKeep = getEnvInt("ORGANICDB_LEARNER_TREND_KEEP", c.Learner.TrendKeep)
	c.Learner.StatsCap = getEnvInt("ORGANICDB_LEARNER_STATS_CAP", c.Learner.StatsCap)
	c.Learner.StatsKeep = getEnvInt("ORGANICDB_LEARNER_STATS_KEEP", c.Learner.StatsKeep)
	c.Learner.PersistTimeout = getEnvDuration("ORGANICDB_LEARNER_PERSIST_TIMEOUT", c.Learner.PersistTimeout)
	c.Learner.PersistEnabled = getEnvBool("ORGANICDB_LEARNER_PERSIST_ENABLED", c.Learner.PersistEnabled)

	c.Validator.MaxSuggestions = getEnvInt("ORGANICDB_VALIDATOR_MAX_SUGGESTIONS", c.Validator.MaxSuggestions)
	c.Validator.MatureConfidence = getEnvFloat("ORGANICDB_VALIDATOR_MATURE_CONFIDENCE", c.Validator.MatureConfidence)
	c.Validator.FeedbackCap = getEnvInt("ORGANICDB_VALIDATOR_FEEDBACK_CAP", c.Validator.FeedbackCap)
	c.Validator.FeedbackKeep = getEnvInt("ORGANICDB_VALIDATOR_FEEDBACK_KEEP", c.Validator.FeedbackKeep)
	c.Validator.LengthDeviation = getEnvFloat("ORGANICDB_VALIDATOR_LENGTH_DEVIATION", c.Validator.LengthDeviation)

	c.Resolver.DefaultLimit = getEnvInt("ORGANICDB_RESOLVER_DEFAULT_LIMIT", c.Resolver.DefaultLimit)
	c.Resolver.BaseConfidence = getEnvFloat("ORGANICDB_RESOLVER_BASE_CONFIDENCE", c.Resolver.BaseConfidence)
	c.Resolver.TargetTypeBoost = getEnvFloat("ORGANICDB_RESOLVER_TARGET_TYPE_BOOST", c.Resolver.TargetTypeBoost)
	c.Resolver.TemporalBoost = getEnvFloat("ORGANICDB_RESOLVER_TEMPORAL_BOOST", c.Resolver.TemporalBoost)
	c.Resolver.TemporalWindow = getEnvDuration("ORGANICDB_RESOLVER_TEMPORAL_WINDOW", c.Resolver.TemporalWindow)
	c.Resolver.CommonAttributeThreshold = getEnvFloat("ORGANICDB_RESOLVER_COMMON_ATTRIBUTE_THRESHOLD", c.Resolver.CommonAttributeThreshold)
	c.Resolver.ContextTTL = getEnvDuration("ORGANICDB_RESOLVER_CONTEXT_TTL", c.Resolver.ContextTTL)
	c.Resolver.ContextCacheSize = getEnvInt("ORGANICDB_RESOLVER_CONTEXT_CACHE_SIZE", c.Resolver.ContextCacheSize)
	c.Resolver.MemberSampleSize = getEnvInt("ORGANICDB_RESOLVER_MEMBER_SAMPLE_SIZE", c.Resolver.MemberSampleSize)
	c.Resolver.DefaultEntityType = getEnv("ORGANICDB_RESOLVER_DEFAULT_ENTITY_TYPE", c.Resolver.DefaultEntityType)

	c.Propagation.WritesPerSecond = getEnvFloat("ORGANICDB_PROPAGATION_WRITES_PER_SECOND", c.Propagation.WritesPerSecond)
	c.Propagation.Burst = getEnvInt("ORGANICDB_PROPAGATION_BURST", c.Propagation.Burst)

	c.Scheduler.Enabled = getEnvBool("ORGANICDB_CLEANUP_ENABLED", c.Scheduler.Enabled)
	c.Scheduler.CleanupSchedule = getEnv("ORGANICDB_CLEANUP_SCHEDULE", c.Scheduler.CleanupSchedule)

	c.Logging.Level = getEnv("ORGANICDB_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("ORGANICDB_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("ORGANICDB_LOG_OUTPUT", c.Logging.Output)
}

// Validate checks the configuration for logical errors and invalid values.
func (c *Config) Validate() error {
	if err := c.validateStorage(); err != nil {
		return err
	}
	return c.ValidateComponents()
}

func (c *Config) validateStorage() error {
	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.DataDir == "" && !c.Storage.InMemory {
			return fmt.Errorf("badger backend requires a data dir or in_memory")
		}
	case "arango":
		if c.Storage.ArangoURL == "" || c.Storage.ArangoDatabase == "" {
			return fmt.Errorf("arango backend requires url and database")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}
	return nil
}

// ValidateComponents checks every section except Storage. It is enough for
// callers that bring an already open store.
func (c *Config) ValidateComponents() error {
	if c.Learner.CommonValuesCap <= 0 {
		return fmt.Errorf("invalid common values cap: %d", c.Learner.CommonValuesCap)
	}
	if c.Learner.TrendKeep <= 0 || c.Learner.TrendKeep > c.Learner.TrendCap {
		return fmt.Errorf("trend keep must be in (0, %d]: %d", c.Learner.TrendCap, c.Learner.TrendKeep)
	}
	if c.Learner.PersistTimeout <= 0 {
		return fmt.Errorf("persist timeout must be positive: %v", c.Learner.PersistTimeout)
	}
	if c.Learner.StatsKeep <= 0 || c.Learner.StatsKeep > c.Learner.StatsCap {
		return fmt.Errorf("stats keep must be in (0, %d]: %d", c.Learner.StatsCap, c.Learner.StatsKeep)
	}
	if c.Validator.FeedbackKeep <= 0 || c.Validator.FeedbackKeep > c.Validator.FeedbackCap {
		return fmt.Errorf("feedback keep must be in (0, %d]: %d", c.Validator.FeedbackCap, c.Validator.FeedbackKeep)
	}
	if c.Validator.MaxSuggestions <= 0 {
		return fmt.Errorf("invalid max suggestions: %d", c.Validator.MaxSuggestions)
	}
	if t := c.Resolver.CommonAttributeThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("common attribute threshold must be in (0, 1]: %v", t)
	}
	if c.Resolver.TemporalWindow < 0 {
		return fmt.Errorf("invalid temporal window: %v", c.Resolver.TemporalWindow)
	}
	if c.Propagation.WritesPerSecond < 0 {
		return fmt.Errorf("invalid propagation rate: %v", c.Propagation.WritesPerSecond)
	}

	return nil
}

// String returns a safe string representation of the Config.
// Passwords are not included.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, DataDir: %s, Arango: %s/%s, Cleanup: %s}",
		c.Storage.Backend, c.Storage.DataDir,
		c.Storage.ArangoURL, c.Storage.ArangoDatabase,
		c.Scheduler.CleanupSchedule,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
