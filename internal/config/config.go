// Package config loads and validates the application configuration from a
// YAML file and EVOLOOP_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "json" or "console"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// OracleConfig configures the generation provider and the per-caller retry
// policy every component wraps around its calls.
type OracleConfig struct {
	Provider        string        `mapstructure:"provider" yaml:"provider"`
	Model           string        `mapstructure:"model" yaml:"model"`
	APIKey          string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint        string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout      time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	RequestsPerSec  float64       `mapstructure:"requests_per_sec" yaml:"requests_per_sec"`
	RetryAttempts   int           `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay" yaml:"retry_base_delay"`
	MaxOutputTokens int           `mapstructure:"max_output_tokens" yaml:"max_output_tokens"`
}

// WorkflowConfig bounds the test-driven workflow engine.
type WorkflowConfig struct {
	MaxHealingIterations int           `mapstructure:"max_healing_iterations" yaml:"max_healing_iterations"`
	PhaseTimeout         time.Duration `mapstructure:"phase_timeout" yaml:"phase_timeout"`
	ContextQueries       []string      `mapstructure:"context_queries" yaml:"context_queries"`
}

// RAGConfig bounds the query planner and synthesizer.
type RAGConfig struct {
	MaxSubQueries    int    `mapstructure:"max_sub_queries" yaml:"max_sub_queries"`
	DefaultStrategy  string `mapstructure:"default_strategy" yaml:"default_strategy"`
	MaxContextsTotal int    `mapstructure:"max_contexts_total" yaml:"max_contexts_total"`
}

// OptimizerConfig configures the fitness-driven UI optimizer.
type OptimizerConfig struct {
	MaxRecommendations int     `mapstructure:"max_recommendations" yaml:"max_recommendations"`
	NeutralScore       float64 `mapstructure:"neutral_score" yaml:"neutral_score"`
}

// LoopConfig configures the closed-loop orchestrator.
type LoopConfig struct {
	Interval         time.Duration `mapstructure:"interval" yaml:"interval"`
	PerformanceScore float64       `mapstructure:"performance_score" yaml:"performance_score"`
	SimSessions      int           `mapstructure:"sim_sessions" yaml:"sim_sessions"`
	SimDropOffProb   float64       `mapstructure:"sim_drop_off_prob" yaml:"sim_drop_off_prob"`
	SimSeed          int64         `mapstructure:"sim_seed" yaml:"sim_seed"`
}

// Config is the root application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Oracle    OracleConfig    `mapstructure:"oracle" yaml:"oracle"`
	Workflow  WorkflowConfig  `mapstructure:"workflow" yaml:"workflow"`
	RAG       RAGConfig       `mapstructure:"rag" yaml:"rag"`
	Optimizer OptimizerConfig `mapstructure:"optimizer" yaml:"optimizer"`
	Loop      LoopConfig      `mapstructure:"loop" yaml:"loop"`
}

// Supported oracle providers.
const (
	ProviderGemini = "gemini"
)

// SetDefaults registers every default on the supplied viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "evoloop")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("oracle.provider", ProviderGemini)
	v.SetDefault("oracle.model", "gemini-2.0-flash")
	v.SetDefault("oracle.api_timeout", 90*time.Second)
	v.SetDefault("oracle.requests_per_sec", 2.0)
	v.SetDefault("oracle.retry_attempts", 3)
	v.SetDefault("oracle.retry_base_delay", 500*time.Millisecond)
	v.SetDefault("oracle.max_output_tokens", 8192)

	v.SetDefault("workflow.max_healing_iterations", 5)
	v.SetDefault("workflow.phase_timeout", 5*time.Minute)
	v.SetDefault("workflow.context_queries", []string{"architecture", "conventions"})

	v.SetDefault("rag.max_sub_queries", 5)
	v.SetDefault("rag.default_strategy", "hierarchical")
	v.SetDefault("rag.max_contexts_total", 20)

	v.SetDefault("optimizer.max_recommendations", 3)
	v.SetDefault("optimizer.neutral_score", 0.5)

	v.SetDefault("loop.interval", 30*time.Second)
	v.SetDefault("loop.performance_score", 0.8)
	v.SetDefault("loop.sim_sessions", 25)
	v.SetDefault("loop.sim_drop_off_prob", 0.3)
	v.SetDefault("loop.sim_seed", 1)
}

// Load reads the configuration from the given file path (optional) plus
// environment overrides, and unmarshals it into a validated Config.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.evoloop")
	}

	v.SetEnvPrefix("EVOLOOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults plus env cover it.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces the structural bounds the loop depends on.
func (c *Config) Validate() error {
	if c.Workflow.MaxHealingIterations < 1 {
		return fmt.Errorf("workflow.max_healing_iterations must be >= 1, got %d", c.Workflow.MaxHealingIterations)
	}
	if c.RAG.MaxSubQueries < 2 {
		return fmt.Errorf("rag.max_sub_queries must be >= 2, got %d", c.RAG.MaxSubQueries)
	}
	if c.Optimizer.NeutralScore < 0 || c.Optimizer.NeutralScore > 1 {
		return fmt.Errorf("optimizer.neutral_score must be in [0,1], got %f", c.Optimizer.NeutralScore)
	}
	if c.Oracle.RetryAttempts < 1 {
		return fmt.Errorf("oracle.retry_attempts must be >= 1, got %d", c.Oracle.RetryAttempts)
	}
	if c.Loop.Interval <= 0 {
		return fmt.Errorf("loop.interval must be positive, got %s", c.Loop.Interval)
	}
	return nil
}

// Default returns a Config populated purely from defaults. Used by tests and
// the simulation path.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	// Unmarshalling pure defaults cannot fail.
	_ = v.Unmarshal(&cfg)
	return &cfg
}
