package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// configName is the config file name without extension.
const configName = ".surveyforge"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for surveyforge settings.
const envPrefix = "SURVEYFORGE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// LoadConfig loads configuration from file, env vars, and defaults.
// If configPath is non-empty, it is used as the explicit config file path.
// Otherwise, the config file is searched in CWD and $HOME.
// Missing config file is not an error; defaults are used.
func LoadConfig(configPath string) (*Config, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg)

	viperCfg.SetConfigType(configType)
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName(configName)
		viperCfg.AddConfigPath(".")

		home, err := os.UserHomeDir()
		if err == nil {
			viperCfg.AddConfigPath(home)
		}
	}

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFound) {
			return nil, fmt.Errorf("read config: %w", readErr)
		}
	}

	var cfg Config

	unmarshalErr := viperCfg.Unmarshal(&cfg)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal config: %w", unmarshalErr)
	}

	validateErr := cfg.Validate()
	if validateErr != nil {
		return nil, fmt.Errorf("validate config: %w", validateErr)
	}

	return &cfg, nil
}

func applyDefaults(viperCfg *viper.Viper) {
	viperCfg.SetDefault("server.addr", DefaultServerAddr)
	viperCfg.SetDefault("server.auth_token", "")

	viperCfg.SetDefault("registry.backend", DefaultRegistryBackend)
	viperCfg.SetDefault("registry.expire_hours", DefaultRegistryExpireHours)

	viperCfg.SetDefault("redis.addr", DefaultRedisAddr)
	viperCfg.SetDefault("redis.password", "")
	viperCfg.SetDefault("redis.db", 0)

	viperCfg.SetDefault("sqlite.path", DefaultSQLitePath)

	viperCfg.SetDefault("mongo.backend", DefaultStoreBackend)
	viperCfg.SetDefault("mongo.uri", DefaultMongoURI)
	viperCfg.SetDefault("mongo.database", DefaultMongoDatabase)
	viperCfg.SetDefault("mongo.collection", DefaultMongoCollection)

	viperCfg.SetDefault("pipeline.workers", DefaultPipelineWorkers)
	viperCfg.SetDefault("pipeline.queue_size", DefaultPipelineQueueSize)
	viperCfg.SetDefault("pipeline.check_interval_seconds", DefaultCheckIntervalSeconds)
	viperCfg.SetDefault("pipeline.timeout_minutes", DefaultTimeoutMinutes)
	viperCfg.SetDefault("pipeline.temp_dir", "")

	viperCfg.SetDefault("search.enabled", false)
	viperCfg.SetDefault("search.api_key", "")
	viperCfg.SetDefault("search.max_results", DefaultSearchMaxResults)
}
