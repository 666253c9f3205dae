package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/econcast/residual-cli/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Data     DataConfig     `yaml:"data" mapstructure:"data"`
	Features FeaturesConfig `yaml:"features" mapstructure:"features"`
	Training TrainingConfig `yaml:"training" mapstructure:"training"`
	Model    ModelConfig    `yaml:"model" mapstructure:"model"`
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// DataConfig locates the two inputs and names their key columns.
type DataConfig struct {
	HistoryPath    string `yaml:"history_path" mapstructure:"history_path"`
	BaselinePath   string `yaml:"baseline_path" mapstructure:"baseline_path"`
	YearColumn     string `yaml:"year_column" mapstructure:"year_column"`
	GrowthColumn   string `yaml:"growth_column" mapstructure:"growth_column"`
	BaselineColumn string `yaml:"baseline_column" mapstructure:"baseline_column"`
	Sheet          string `yaml:"sheet" mapstructure:"sheet"` // XLSX inputs only
}

// FeaturesConfig declares the model's feature schema. An empty Include list
// selects every numeric column not listed in Exclude.
type FeaturesConfig struct {
	Include    []string `yaml:"include" mapstructure:"include"`
	Exclude    []string `yaml:"exclude" mapstructure:"exclude"`
	SchemaFile string   `yaml:"schema_file" mapstructure:"schema_file"`
}

// TrainingConfig configures cross-validation, boosting, and persistence.
type TrainingConfig struct {
	Folds        int          `yaml:"folds" mapstructure:"folds"`
	MinFoldSize  int          `yaml:"min_fold_size" mapstructure:"min_fold_size"`
	Persist      string       `yaml:"persist" mapstructure:"persist"`
	model.Params `yaml:",inline" mapstructure:",squash"`
}

// ModelConfig locates the persisted artifact.
type ModelConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// StoreConfig configures the optional run registry.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"` // none, sqlite, postgres
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// ServerConfig configures the read-only prediction API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
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
	v.SetEnvPrefix("RESIDUAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("data.history_path", "data/processed/processed_data.csv")
	v.SetDefault("data.baseline_path", "data/processed/sarimax_predictions.csv")
	v.SetDefault("data.year_column", "Year")
	v.SetDefault("data.growth_column", "GDP Growth (%)")
	v.SetDefault("data.baseline_column", "SARIMAX_Pred")
	v.SetDefault("data.sheet", "")
	v.SetDefault("features.include", []string{})
	v.SetDefault("features.exclude", []string{"Year", "GDP Growth (%)", "SARIMAX_Pred", "Residual"})
	v.SetDefault("features.schema_file", "")
	v.SetDefault("training.folds", 3)
	v.SetDefault("training.min_fold_size", 2)
	v.SetDefault("training.persist", string(model.PersistLast))
	v.SetDefault("training.learning_rate", 0.025)
	v.SetDefault("training.max_depth", 4)
	v.SetDefault("training.lambda", 2.0)
	v.SetDefault("training.alpha", 1.0)
	v.SetDefault("training.gamma", 0.0)
	v.SetDefault("training.min_child_weight", 1.0)
	v.SetDefault("training.num_rounds", 350)
	v.SetDefault("training.early_stopping_rounds", 20)
	v.SetDefault("model.path", "models/xgb_residual.json")
	v.SetDefault("store.driver", "none")
	v.SetDefault("store.database_url", "")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

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

// Validate checks the settings a command mode depends on.
// Modes: train, inspect, predict, serve, runs.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "train", "inspect":
		errs = append(errs, c.validateData()...)
		errs = append(errs, c.validateTraining()...)
		if mode == "train" && c.Model.Path == "" {
			errs = append(errs, "model.path is required")
		}
	case "predict":
		if c.Data.HistoryPath == "" {
			errs = append(errs, "data.history_path is required")
		}
		if c.Data.BaselinePath == "" {
			errs = append(errs, "data.baseline_path is required")
		}
		if c.Data.YearColumn == "" {
			errs = append(errs, "data.year_column is required")
		}
		if c.Model.Path == "" {
			errs = append(errs, "model.path is required")
		}
	case "serve":
		if c.Model.Path == "" {
			errs = append(errs, "model.path is required")
		}
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "runs":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	errs = append(errs, c.validateStore()...)

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateData() []string {
	var errs []string
	if c.Data.HistoryPath == "" {
		errs = append(errs, "data.history_path is required")
	}
	if c.Data.BaselinePath == "" {
		errs = append(errs, "data.baseline_path is required")
	}
	if c.Data.YearColumn == "" || c.Data.GrowthColumn == "" || c.Data.BaselineColumn == "" {
		errs = append(errs, "data.year_column, data.growth_column and data.baseline_column are required")
	}
	return errs
}

func (c *Config) validateTraining() []string {
	var errs []string
	t := c.Training
	if t.Folds < 2 {
		errs = append(errs, "training.folds must be >= 2")
	}
	if t.MinFoldSize < 1 {
		errs = append(errs, "training.min_fold_size must be >= 1")
	}
	if _, ok := model.ParsePersistPolicy(t.Persist); !ok {
		errs = append(errs, "training.persist must be one of last, best, refit")
	}
	if t.LearningRate <= 0 || t.LearningRate > 1 {
		errs = append(errs, "training.learning_rate must be in (0, 1]")
	}
	if t.MaxDepth < 1 {
		errs = append(errs, "training.max_depth must be >= 1")
	}
	if t.Lambda < 0 || t.Alpha < 0 || t.Gamma < 0 || t.MinChildWeight < 0 {
		errs = append(errs, "training.lambda, alpha, gamma and min_child_weight must be >= 0")
	}
	if t.NumRounds < 1 {
		errs = append(errs, "training.num_rounds must be >= 1")
	}
	if t.EarlyStopRounds < 0 {
		errs = append(errs, "training.early_stopping_rounds must be >= 0")
	}
	return errs
}

func (c *Config) validateStore() []string {
	switch c.Store.Driver {
	case "", "none", "sqlite":
		return nil
	case "postgres":
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required for the postgres driver"}
		}
		return nil
	default:
		return []string{"store.driver must be one of none, sqlite, postgres"}
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
