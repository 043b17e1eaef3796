// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Resolver() ResolverConfig
	Catalog() CatalogConfig
	Output() OutputConfig

	SetEnginePageConcurrency(int)
	SetCatalogPath(string)
	SetOutputFormat(string)
	SetOutputPath(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	ResolverCfg ResolverConfig `mapstructure:"resolver" yaml:"resolver"`
	CatalogCfg  CatalogConfig  `mapstructure:"catalog" yaml:"catalog"`
	OutputCfg   OutputConfig   `mapstructure:"output" yaml:"output"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Resolver() ResolverConfig { return c.ResolverCfg }
func (c *Config) Catalog() CatalogConfig   { return c.CatalogCfg }
func (c *Config) Output() OutputConfig     { return c.OutputCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEnginePageConcurrency(n int) { c.EngineCfg.PageConcurrency = n }
func (c *Config) SetCatalogPath(p string)        { c.CatalogCfg.Path = p }
func (c *Config) SetOutputFormat(f string)       { c.OutputCfg.Format = f }
func (c *Config) SetOutputPath(p string)         { c.OutputCfg.Path = p }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// DatabaseConfig holds the database connection details. An empty URL keeps
// page graphs in memory.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// EngineConfig bounds the taint tagging traversal and the page orchestrator.
type EngineConfig struct {
	PageConcurrency int           `mapstructure:"page_concurrency" yaml:"page_concurrency"`
	POCTimeout      time.Duration `mapstructure:"poc_timeout" yaml:"poc_timeout"`
	// CodeMatchingCutoff is the number of graph matches for a single leaf
	// code above which matches are tagged without propagation.
	CodeMatchingCutoff int `mapstructure:"code_matching_cutoff" yaml:"code_matching_cutoff"`
	// CallCountLimit caps tag invocations per leaf match. Ancestor climbs are
	// capped at three times this value.
	CallCountLimit int `mapstructure:"call_count_limit" yaml:"call_count_limit"`
	AncestorDepth  int `mapstructure:"ancestor_depth" yaml:"ancestor_depth"`
	// ReverseShortCallParams reverses a function declaration's parameters
	// when a call site passes fewer arguments than declared.
	ReverseShortCallParams bool `mapstructure:"reverse_short_call_params" yaml:"reverse_short_call_params"`
	AnnotateTags           bool `mapstructure:"annotate_tags" yaml:"annotate_tags"`
}

// ResolverConfig configures the sandboxed value resolver.
type ResolverConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxCandidates int           `mapstructure:"max_candidates" yaml:"max_candidates"`
}

// CatalogConfig points at the POC catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// OutputConfig selects the findings format and destination. A Path of "-"
// writes to stdout.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format"`
	Path   string `mapstructure:"path" yaml:"path"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "hpgscan")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Engine --
	v.SetDefault("engine.page_concurrency", 4)
	v.SetDefault("engine.poc_timeout", "30s")
	v.SetDefault("engine.code_matching_cutoff", 100)
	v.SetDefault("engine.call_count_limit", 2000)
	v.SetDefault("engine.ancestor_depth", 5)
	v.SetDefault("engine.reverse_short_call_params", true)
	v.SetDefault("engine.annotate_tags", false)

	// -- Resolver --
	v.SetDefault("resolver.enabled", true)
	v.SetDefault("resolver.timeout", "2s")
	v.SetDefault("resolver.max_candidates", 8)

	// -- Catalog / Output --
	v.SetDefault("catalog.path", "./pocs.yaml")
	v.SetDefault("output.format", "json")
	v.SetDefault("output.path", "-")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The DSN usually carries a password, so it is bound explicitly.
	v.BindEnv("database.url", "HPGSCAN_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.EngineCfg.Validate(); err != nil {
		return err
	}
	if c.ResolverCfg.Enabled {
		if c.ResolverCfg.Timeout <= 0 {
			return fmt.Errorf("resolver.timeout must be a positive duration")
		}
		if c.ResolverCfg.MaxCandidates <= 0 {
			return fmt.Errorf("resolver.max_candidates must be a positive integer")
		}
	}
	switch c.OutputCfg.Format {
	case "json", "sarif":
	default:
		return fmt.Errorf("output.format must be one of json, sarif (got %q)", c.OutputCfg.Format)
	}
	return nil
}

// Validate checks the engine budgets.
func (e *EngineConfig) Validate() error {
	if e.PageConcurrency <= 0 {
		return fmt.Errorf("engine.page_concurrency must be a positive integer")
	}
	if e.POCTimeout <= 0 {
		return fmt.Errorf("engine.poc_timeout must be a positive duration")
	}
	if e.CodeMatchingCutoff <= 0 {
		return fmt.Errorf("engine.code_matching_cutoff must be a positive integer")
	}
	if e.CallCountLimit <= 0 {
		return fmt.Errorf("engine.call_count_limit must be a positive integer")
	}
	if e.AncestorDepth <= 0 {
		return fmt.Errorf("engine.ancestor_depth must be a positive integer")
	}
	return nil
}
