package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	App      App      `mapstructure:"app"`
	Database Database `mapstructure:"database"`
	AI       AI       `mapstructure:"ai"`
	Events   Events   `mapstructure:"events"`
	Logging  Logging  `mapstructure:"logging"`
}

// App holds general application configuration.
type App struct {
	Debug      bool   `mapstructure:"debug"`
	LogLevel   string `mapstructure:"log_level"`
	DataDir    string `mapstructure:"data_dir"`
	ConfigFile string `mapstructure:"config_file"`
}

// Database holds the Postgres connection configuration for the event
// repository.
type Database struct {
	ConnectionString string `mapstructure:"connection_string"`
	MaxConnections   int    `mapstructure:"max_connections"`
	IdleConnections  int    `mapstructure:"idle_connections"`
}

// AI holds the Gemini client configuration used by the LLM arbiter.
type AI struct {
	Gemini GeminiConfig `mapstructure:"gemini"`
}

// GeminiConfig holds Google Gemini configuration.
type GeminiConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	Model       string  `mapstructure:"model"`
	Timeout     string  `mapstructure:"timeout"`
	MaxTokens   int32   `mapstructure:"max_tokens"`
	Temperature float32 `mapstructure:"temperature"`
}

// Events holds every tunable the event detection and maintenance
// engine exposes: hybrid scoring weights, vector index tuning,
// assignment-time thresholds, LLM arbitration knobs, and maintenance
// scheduling.
type Events struct {
	EmbeddingDimension int `mapstructure:"embedding_dimension"`

	Scoring     ScoringSettings     `mapstructure:"scoring"`
	VectorIndex VectorIndexSettings `mapstructure:"vector_index"`
	Assignment  AssignmentSettings  `mapstructure:"assignment"`
	Arbiter     ArbiterSettings     `mapstructure:"arbiter"`
	Maintenance MaintenanceSettings `mapstructure:"maintenance"`
	Insights    InsightsSettings    `mapstructure:"insights"`
}

// ScoringSettings holds the hybrid similarity weights and the
// non-stacking entity-overlap penalty thresholds.
type ScoringSettings struct {
	EmbeddingWeight float64 `mapstructure:"embedding_weight"`
	TFIDFWeight     float64 `mapstructure:"tfidf_weight"`
	EntityWeight    float64 `mapstructure:"entity_weight"`

	HalfLifeHours float64 `mapstructure:"half_life_hours"`
	DecayFloor    float64 `mapstructure:"decay_floor"`

	EntityPenaltyLowThreshold     float64 `mapstructure:"entity_penalty_low_threshold"`
	EntityPenaltyLowFactor        float64 `mapstructure:"entity_penalty_low_factor"`
	EntityPenaltyVeryLowThreshold float64 `mapstructure:"entity_penalty_very_low_threshold"`
	EntityPenaltyVeryLowFactor    float64 `mapstructure:"entity_penalty_very_low_factor"`

	LocationBoost float64 `mapstructure:"location_boost"`
	DateBoost     float64 `mapstructure:"date_boost"`

	PersonEntityWeight   float64 `mapstructure:"person_entity_weight"`
	LocationEntityWeight float64 `mapstructure:"location_entity_weight"`
	GeneralEntityWeight  float64 `mapstructure:"general_entity_weight"`
}

// VectorIndexSettings tunes the persistent HNSW graph.
type VectorIndexSettings struct {
	Path         string `mapstructure:"path"`
	MaxElements  int    `mapstructure:"max_elements"`
	M            int    `mapstructure:"m"`
	EfConstruction int  `mapstructure:"ef_construction"`
	EfSearch     int    `mapstructure:"ef_search"`
}

// AssignmentSettings tunes the assignment coordinator.
type AssignmentSettings struct {
	CandidateTopK     int     `mapstructure:"candidate_top_k"`
	RecencyWindow     string  `mapstructure:"recency_window"`
	ScoreThreshold    float64 `mapstructure:"score_threshold"`
	CrossTypeMinScore float64 `mapstructure:"cross_type_min_score"`

	CrimeMaxDaysApart          float64 `mapstructure:"crime_max_days_apart"`
	CrimeMinEntityOverlapFloor float64 `mapstructure:"crime_min_entity_overlap_floor"`
}

// ArbiterSettings tunes LLM arbitration.
type ArbiterSettings struct {
	Enabled    bool    `mapstructure:"enabled"`
	MinScore   float64 `mapstructure:"min_score"`
	TopN       int     `mapstructure:"top_n"`
	Timeout    string  `mapstructure:"timeout"`
	MaxRetries int     `mapstructure:"max_retries"`
}

// MaintenanceSettings tunes the periodic maintenance job.
type MaintenanceSettings struct {
	RetentionDays    float64 `mapstructure:"retention_days"`
	ReconcileOnDrift bool    `mapstructure:"reconcile_on_drift"`
}

// InsightsSettings tunes the fire-and-forget insight-generation
// scheduling side effect that follows a link/seed. Actual insight
// generation and persistence live outside this engine; these knobs
// only control whether and how eagerly a task gets scheduled.
type InsightsSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	TTL           string `mapstructure:"ttl"`
	QueueCapacity int    `mapstructure:"queue_capacity"`
}

// Logging holds logging configuration.
type Logging struct {
	Level    string `mapstructure:"level"`
	Format   string `mapstructure:"format"`
	Output   string `mapstructure:"output"`
	FilePath string `mapstructure:"file_path"`
}

var globalConfig *Config

// Load loads the configuration from a config file, environment
// variables, and built-in defaults, in that precedence order (env
// overriding file, file overriding defaults).
func Load(configFile string) (*Config, error) {
	if globalConfig != nil {
		return globalConfig, nil
	}

	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			fmt.Printf("Warning: Error loading .env file: %v\n", err)
		}
	}

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME")
		viper.SetConfigName(".briefly-events")
		viper.SetConfigType("yaml")
	}

	setDefaults()
	bindEnvironmentVariables()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := postProcessConfig(config); err != nil {
		return nil, fmt.Errorf("error post-processing config: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, err
	}

	globalConfig = config
	return config, nil
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	if globalConfig == nil {
		config, err := Load("")
		if err != nil {
			panic(fmt.Sprintf("Failed to load configuration: %v", err))
		}
		return config
	}
	return globalConfig
}

func setDefaults() {
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.log_level", "info")
	viper.SetDefault("app.data_dir", ".briefly-events-cache")

	viper.SetDefault("database.max_connections", 10)
	viper.SetDefault("database.idle_connections", 2)

	viper.SetDefault("ai.gemini.model", "gemini-flash-lite-latest")
	viper.SetDefault("ai.gemini.timeout", "30s")
	viper.SetDefault("ai.gemini.max_tokens", 8192)
	viper.SetDefault("ai.gemini.temperature", 0.2)

	viper.SetDefault("events.embedding_dimension", 384)

	viper.SetDefault("events.scoring.embedding_weight", 0.6)
	viper.SetDefault("events.scoring.tfidf_weight", 0.3)
	viper.SetDefault("events.scoring.entity_weight", 0.1)
	viper.SetDefault("events.scoring.half_life_hours", 48)
	viper.SetDefault("events.scoring.decay_floor", 0.35)
	viper.SetDefault("events.scoring.entity_penalty_low_threshold", 0.20)
	viper.SetDefault("events.scoring.entity_penalty_low_factor", 0.90)
	viper.SetDefault("events.scoring.entity_penalty_very_low_threshold", 0.10)
	viper.SetDefault("events.scoring.entity_penalty_very_low_factor", 0.80)
	viper.SetDefault("events.scoring.location_boost", 0.10)
	viper.SetDefault("events.scoring.date_boost", 0.05)
	viper.SetDefault("events.scoring.person_entity_weight", 0.50)
	viper.SetDefault("events.scoring.location_entity_weight", 0.30)
	viper.SetDefault("events.scoring.general_entity_weight", 0.20)

	viper.SetDefault("events.vector_index.path", ".briefly-events-cache/vector-index")
	viper.SetDefault("events.vector_index.max_elements", 20000)
	viper.SetDefault("events.vector_index.m", 16)
	viper.SetDefault("events.vector_index.ef_construction", 200)
	viper.SetDefault("events.vector_index.ef_search", 64)

	viper.SetDefault("events.assignment.candidate_top_k", 10)
	viper.SetDefault("events.assignment.recency_window", "168h")
	viper.SetDefault("events.assignment.score_threshold", 0.82)
	viper.SetDefault("events.assignment.cross_type_min_score", 0.70)
	viper.SetDefault("events.assignment.crime_max_days_apart", 2.0)
	viper.SetDefault("events.assignment.crime_min_entity_overlap_floor", 0.50)

	viper.SetDefault("events.arbiter.enabled", true)
	viper.SetDefault("events.arbiter.min_score", 0.40)
	viper.SetDefault("events.arbiter.top_n", 3)
	viper.SetDefault("events.arbiter.timeout", "120s")
	viper.SetDefault("events.arbiter.max_retries", 3)

	viper.SetDefault("events.maintenance.retention_days", 14.0)
	viper.SetDefault("events.maintenance.reconcile_on_drift", true)

	viper.SetDefault("events.insights.enabled", false)
	viper.SetDefault("events.insights.ttl", "30m")
	viper.SetDefault("events.insights.queue_capacity", 64)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output", "stdout")
}

func bindEnvironmentVariables() {
	bindEnvKeys("ai.gemini.api_key", []string{
		"GEMINI_API_KEY",
		"GOOGLE_GEMINI_API_KEY",
		"GOOGLE_AI_API_KEY",
	})

	bindEnvKeys("database.connection_string", []string{
		"DATABASE_URL",
		"POSTGRES_CONNECTION_STRING",
	})

	bindEnvKeys("app.debug", []string{
		"DEBUG",
		"BRIEFLY_DEBUG",
	})
}

func bindEnvKeys(viperKey string, envKeys []string) {
	for _, envKey := range envKeys {
		if value := os.Getenv(envKey); value != "" {
			viper.Set(viperKey, value)
			return
		}
	}
}

func postProcessConfig(config *Config) error {
	if config.App.DataDir != "" {
		config.App.DataDir = expandPath(config.App.DataDir)
	}
	if config.Events.VectorIndex.Path != "" {
		config.Events.VectorIndex.Path = expandPath(config.Events.VectorIndex.Path)
	}

	durations := map[string]string{
		"ai.gemini.timeout":         config.AI.Gemini.Timeout,
		"events.assignment.recency_window": config.Events.Assignment.RecencyWindow,
		"events.arbiter.timeout":    config.Events.Arbiter.Timeout,
		"events.insights.ttl":       config.Events.Insights.TTL,
	}
	for key, duration := range durations {
		if duration != "" {
			if _, err := time.ParseDuration(duration); err != nil {
				return fmt.Errorf("invalid duration for %s: %s", key, duration)
			}
		}
	}

	return nil
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return os.ExpandEnv(path)
}

// validateConfig ensures required configuration is present and that
// the one fatal scoring misconfiguration (zero total
// score weight) is caught at load time rather than at first assignment.
func validateConfig(config *Config) error {
	var errors []string

	if config.Database.ConnectionString == "" {
		errors = append(errors, "database connection string is required. Set DATABASE_URL or database.connection_string in config file.")
	}

	if config.Events.Arbiter.Enabled && config.AI.Gemini.APIKey == "" {
		errors = append(errors, "Gemini API key is required when the LLM arbiter is enabled. Set GEMINI_API_KEY or disable events.arbiter.enabled.")
	}

	s := config.Events.Scoring
	if s.EmbeddingWeight+s.TFIDFWeight+s.EntityWeight <= 0 {
		errors = append(errors, "events.scoring weights (embedding + tfidf + entity) must sum to more than zero")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// Convenience getters for commonly used configuration values.
func GetApp() App         { return Get().App }
func GetDatabase() Database { return Get().Database }
func GetAI() AI           { return Get().AI }
func GetEvents() Events   { return Get().Events }
func GetLogging() Logging { return Get().Logging }

func GetGeminiAPIKey() string { return Get().AI.Gemini.APIKey }
func GetGeminiModel() string  { return Get().AI.Gemini.Model }
func IsDebugMode() bool       { return Get().App.Debug }

// Reset clears the global configuration (useful for testing).
func Reset() {
	globalConfig = nil
	viper.Reset()
}
