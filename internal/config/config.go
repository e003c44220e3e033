// Package config loads streetbus settings from config.yaml and STREETBUS_*
// environment variables.
package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Data     DataConfig     `yaml:"data" mapstructure:"data"`
	PostGIS  PostGISConfig  `yaml:"postgis" mapstructure:"postgis"`
	Pipeline PipelineConfig `yaml:"pipeline" mapstructure:"pipeline"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// DataConfig locates city folders and the city CSV.
type DataConfig struct {
	Root    string `yaml:"root" mapstructure:"root"`
	CityCSV string `yaml:"city_csv" mapstructure:"city_csv"`
}

// PostGISConfig configures the geometry engine database.
type PostGISConfig struct {
	DatabaseURL      string `yaml:"database_url" mapstructure:"database_url"`
	ConnectAttempts  int    `yaml:"connect_attempts" mapstructure:"connect_attempts"`
	ConnectBackoffMs int    `yaml:"connect_backoff_ms" mapstructure:"connect_backoff_ms"`
}

// PipelineConfig configures the classification stages.
type PipelineConfig struct {
	BufferMeters      float64 `yaml:"buffer_meters" mapstructure:"buffer_meters"`
	DefaultSourceSRID int     `yaml:"default_source_srid" mapstructure:"default_source_srid"`
	KeepIntermediates bool    `yaml:"keep_intermediates" mapstructure:"keep_intermediates"`
}

// StoreConfig configures the run ledger. Driver is sqlite, postgres or none;
// postgres shares postgis.database_url.
type StoreConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	SQLitePath string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns   int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns   int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("STREETBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.root", ".")
	v.SetDefault("data.city_csv", "city_data.csv")
	v.SetDefault("postgis.database_url", "")
	v.SetDefault("postgis.connect_attempts", 3)
	v.SetDefault("postgis.connect_backoff_ms", 500)
	v.SetDefault("pipeline.buffer_meters", 10.0)
	v.SetDefault("pipeline.default_source_srid", 4326)
	v.SetDefault("pipeline.keep_intermediates", false)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "streetbus.db")
	v.SetDefault("store.max_conns", 4)
	v.SetDefault("store.min_conns", 1)
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

	return &cfg, nil
}

// Validate checks the settings a command needs. Modes: run, check, runs.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "run":
		if c.PostGIS.DatabaseURL == "" {
			problems = append(problems, "postgis.database_url is required")
		}
		if c.Pipeline.BufferMeters <= 0 {
			problems = append(problems, "pipeline.buffer_meters must be > 0")
		}
		if c.Pipeline.DefaultSourceSRID <= 0 {
			problems = append(problems, "pipeline.default_source_srid must be > 0")
		}
		if c.Data.CityCSV == "" {
			problems = append(problems, "data.city_csv is required")
		}
		problems = append(problems, c.storeProblems()...)
	case "check":
		if c.PostGIS.DatabaseURL == "" {
			problems = append(problems, "postgis.database_url is required")
		}
	case "runs":
		problems = append(problems, c.storeProblems()...)
		if c.Store.Driver == "none" || (c.Store.Driver == "sqlite" && c.Store.SQLitePath == "") {
			problems = append(problems, "run ledger is disabled (store.driver=none or empty store.sqlite_path)")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) storeProblems() []string {
	switch c.Store.Driver {
	case "sqlite", "none":
		return nil
	case "postgres":
		if c.PostGIS.DatabaseURL == "" {
			return []string{"store.driver=postgres requires postgis.database_url"}
		}
		return nil
	default:
		return []string{"store.driver must be sqlite, postgres or none"}
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
