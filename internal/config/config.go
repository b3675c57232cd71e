package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store" mapstructure:"store"`
	Execution  ExecutionConfig   `yaml:"execution" mapstructure:"execution"`
	Collectors []CollectorConfig `yaml:"collectors" mapstructure:"collectors"`
	Paths      PathsConfig       `yaml:"paths" mapstructure:"paths"`
	Server     ServerConfig      `yaml:"server" mapstructure:"server"`
	Log        LogConfig         `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // sqlite | postgres
	Path        string `yaml:"path" mapstructure:"path"`     // sqlite file path
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ExecutionConfig configures the scheduler, executor and retry controller.
type ExecutionConfig struct {
	MaxParallel        int     `yaml:"max_parallel" mapstructure:"max_parallel"`
	TaskTimeoutSecs    int     `yaml:"task_timeout_secs" mapstructure:"task_timeout_secs"`
	MaxAttempts        int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	RetryStrategy      string  `yaml:"retry_strategy" mapstructure:"retry_strategy"` // fixed | linear | exponential
	RetryDelaySecs     int     `yaml:"retry_delay_secs" mapstructure:"retry_delay_secs"`
	RetryMultiplier    float64 `yaml:"retry_multiplier" mapstructure:"retry_multiplier"`
	RetryMaxDelaySecs  int     `yaml:"retry_max_delay_secs" mapstructure:"retry_max_delay_secs"`
	StarvationTicks    int     `yaml:"starvation_ticks" mapstructure:"starvation_ticks"`
	LaunchIntervalSecs float64 `yaml:"launch_interval_secs" mapstructure:"launch_interval_secs"`
	ShutdownGraceSecs  int     `yaml:"shutdown_grace_secs" mapstructure:"shutdown_grace_secs"`
}

// TaskTimeout returns the per-task subprocess timeout.
func (e ExecutionConfig) TaskTimeout() time.Duration {
	return time.Duration(e.TaskTimeoutSecs) * time.Second
}

// RetryDelay returns the base delay before a failed task becomes eligible again.
func (e ExecutionConfig) RetryDelay() time.Duration {
	return time.Duration(e.RetryDelaySecs) * time.Second
}

// RetryMaxDelay returns the cap on computed retry delays.
func (e ExecutionConfig) RetryMaxDelay() time.Duration {
	return time.Duration(e.RetryMaxDelaySecs) * time.Second
}

// ShutdownGrace returns how long in-flight subprocesses get to exit after
// an abort before they are killed.
func (e ExecutionConfig) ShutdownGrace() time.Duration {
	return time.Duration(e.ShutdownGraceSecs) * time.Second
}

// CollectorConfig describes one external collector program.
type CollectorConfig struct {
	Name      string `yaml:"name" mapstructure:"name"`         // job list + executable name, e.g. "inm24"
	Website   string `yaml:"website" mapstructure:"website"`   // website code, e.g. "Inm24"
	Priority  int    `yaml:"priority" mapstructure:"priority"` // lower = higher priority
	HasDetail bool   `yaml:"has_detail" mapstructure:"has_detail"`
	Command   string `yaml:"command" mapstructure:"command"` // override executable path
}

// PathsConfig configures filesystem locations.
type PathsConfig struct {
	DataDir       string `yaml:"data_dir" mapstructure:"data_dir"`
	JobsDir       string `yaml:"jobs_dir" mapstructure:"jobs_dir"`
	CollectorsDir string `yaml:"collectors_dir" mapstructure:"collectors_dir"`
}

// ServerConfig configures the monitoring API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CollectorByName returns the collector entry matching a collector name.
// A detail collector name ("inm24_det") resolves to its main entry.
func (c *Config) CollectorByName(name string) (CollectorConfig, bool) {
	base := strings.TrimSuffix(name, "_det")
	for _, col := range c.Collectors {
		if col.Name == base {
			return col, true
		}
	}
	return CollectorConfig{}, false
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ESDATA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "orchestrator.db")
	v.SetDefault("execution.max_parallel", 4)
	v.SetDefault("execution.task_timeout_secs", 3600)
	v.SetDefault("execution.max_attempts", 3)
	v.SetDefault("execution.retry_strategy", "fixed")
	v.SetDefault("execution.retry_delay_secs", 1800)
	v.SetDefault("execution.retry_multiplier", 2.0)
	v.SetDefault("execution.retry_max_delay_secs", 7200)
	v.SetDefault("execution.starvation_ticks", 4)
	v.SetDefault("execution.launch_interval_secs", 3.0)
	v.SetDefault("execution.shutdown_grace_secs", 15)
	v.SetDefault("paths.data_dir", "data")
	v.SetDefault("paths.jobs_dir", "urls")
	v.SetDefault("paths.collectors_dir", "collectors")
	v.SetDefault("server.port", 8085)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if len(cfg.Collectors) == 0 {
		cfg.Collectors = DefaultCollectors()
	}

	return &cfg, nil
}

// DefaultCollectors returns the built-in collector roster in priority order.
func DefaultCollectors() []CollectorConfig {
	return []CollectorConfig{
		{Name: "inm24", Website: "Inm24", Priority: 1, HasDetail: true},
		{Name: "cyt", Website: "CyT", Priority: 2},
		{Name: "lam", Website: "Lam", Priority: 3, HasDetail: true},
		{Name: "mit", Website: "Mit", Priority: 4},
		{Name: "prop", Website: "Prop", Priority: 5},
		{Name: "tro", Website: "Tro", Priority: 6},
	}
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
