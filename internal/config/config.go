package config

import "errors"

// Config is the top-level configuration struct for surveyforge.
// Field tags use mapstructure for viper unmarshalling.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Registry RegistryConfig `mapstructure:"registry"`
	Redis    RedisConfig    `mapstructure:"redis"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Search   SearchConfig   `mapstructure:"search"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr      string `mapstructure:"addr"`
	AuthToken string `mapstructure:"auth_token"`
}

// Registry backend selector values.
const (
	RegistryBackendRedis  = "redis"
	RegistryBackendSQLite = "sqlite"
)

// RegistryConfig selects and tunes the task registry backend.
type RegistryConfig struct {
	Backend string `mapstructure:"backend"`

	// ExpireHours is the task record retention window.
	ExpireHours int `mapstructure:"expire_hours"`
}

// RedisConfig holds redis registry settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// SQLiteConfig holds sqlite registry settings.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// Result store selector values.
const (
	StoreBackendMongo  = "mongo"
	StoreBackendMemory = "memory"
)

// MongoConfig holds result store settings.
type MongoConfig struct {
	// Backend selects mongo or the in-process memory store.
	Backend    string `mapstructure:"backend"`
	URI        string `mapstructure:"uri"`
	Database   string `mapstructure:"database"`
	Collection string `mapstructure:"collection"`
}

// PipelineConfig holds pipeline resource and lifecycle knobs.
type PipelineConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`

	// CheckIntervalSeconds is the watcher poll period.
	CheckIntervalSeconds int `mapstructure:"check_interval_seconds"`

	// TimeoutMinutes is the per-task deadline.
	TimeoutMinutes int `mapstructure:"timeout_minutes"`

	TempDir string `mapstructure:"temp_dir"`
}

// SearchConfig holds reference search and crawl settings for topic
// submissions.
type SearchConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIKey     string `mapstructure:"api_key"`
	MaxResults int    `mapstructure:"max_results"`
}

// Default configuration values.
const (
	DefaultServerAddr           = ":8080"
	DefaultRegistryBackend      = RegistryBackendSQLite
	DefaultRegistryExpireHours  = 168
	DefaultRedisAddr            = "localhost:6379"
	DefaultSQLitePath           = "surveyforge.db"
	DefaultStoreBackend         = StoreBackendMongo
	DefaultMongoURI             = "mongodb://localhost:27017"
	DefaultMongoDatabase        = "surveyforge"
	DefaultMongoCollection      = "results"
	DefaultPipelineWorkers      = 4
	DefaultPipelineQueueSize    = 64
	DefaultCheckIntervalSeconds = 30
	DefaultTimeoutMinutes       = 60
	DefaultSearchMaxResults     = 50
)

// Sentinel errors for configuration validation.
var (
	// ErrInvalidRegistryBackend indicates an unknown registry backend name.
	ErrInvalidRegistryBackend = errors.New("registry.backend must be redis or sqlite")
	// ErrMissingRedisAddr indicates the redis backend is selected without an address.
	ErrMissingRedisAddr = errors.New("redis.addr is required for the redis registry backend")
	// ErrMissingSQLitePath indicates the sqlite backend is selected without a path.
	ErrMissingSQLitePath = errors.New("sqlite.path is required for the sqlite registry backend")
	// ErrInvalidStoreBackend indicates an unknown result store backend name.
	ErrInvalidStoreBackend = errors.New("mongo.backend must be mongo or memory")
	// ErrMissingMongoURI indicates the mongo store is selected without a URI.
	ErrMissingMongoURI = errors.New("mongo.uri is required for the mongo result store")
	// ErrInvalidWorkers indicates the workers value is not positive.
	ErrInvalidWorkers = errors.New("pipeline.workers must be positive")
	// ErrInvalidQueueSize indicates the queue size is not positive.
	ErrInvalidQueueSize = errors.New("pipeline.queue_size must be positive")
	// ErrInvalidCheckInterval indicates the check interval is not positive.
	ErrInvalidCheckInterval = errors.New("pipeline.check_interval_seconds must be positive")
	// ErrInvalidTimeout indicates the task timeout is not positive.
	ErrInvalidTimeout = errors.New("pipeline.timeout_minutes must be positive")
	// ErrInvalidExpireHours indicates the retention window is not positive.
	ErrInvalidExpireHours = errors.New("registry.expire_hours must be positive")
)

// Validate checks Config invariants and returns the first error found.
// Startup aborts on a failed validation so a misconfigured store never runs.
func (c *Config) Validate() error {
	storeErr := c.validateStores()
	if storeErr != nil {
		return storeErr
	}

	return c.validatePipeline()
}

func (c *Config) validateStores() error {
	switch c.Registry.Backend {
	case RegistryBackendRedis:
		if c.Redis.Addr == "" {
			return ErrMissingRedisAddr
		}
	case RegistryBackendSQLite:
		if c.SQLite.Path == "" {
			return ErrMissingSQLitePath
		}
	default:
		return ErrInvalidRegistryBackend
	}

	switch c.Mongo.Backend {
	case StoreBackendMongo:
		if c.Mongo.URI == "" {
			return ErrMissingMongoURI
		}
	case StoreBackendMemory:
	default:
		return ErrInvalidStoreBackend
	}

	if c.Registry.ExpireHours <= 0 {
		return ErrInvalidExpireHours
	}

	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Workers <= 0 {
		return ErrInvalidWorkers
	}

	if c.Pipeline.QueueSize <= 0 {
		return ErrInvalidQueueSize
	}

	if c.Pipeline.CheckIntervalSeconds <= 0 {
		return ErrInvalidCheckInterval
	}

	if c.Pipeline.TimeoutMinutes <= 0 {
		return ErrInvalidTimeout
	}

	return nil
}
