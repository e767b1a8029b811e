package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/surveyforge/internal/config"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	// An explicitly named but missing file is an error; a blank path with no
	// file found anywhere falls back to defaults.
	require.Error(t, err)

	cfg, err = config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, config.DefaultServerAddr, cfg.Server.Addr)
	assert.Equal(t, config.RegistryBackendSQLite, cfg.Registry.Backend)
	assert.Equal(t, config.DefaultSQLitePath, cfg.SQLite.Path)
	assert.Equal(t, config.StoreBackendMongo, cfg.Mongo.Backend)
	assert.Equal(t, config.DefaultPipelineWorkers, cfg.Pipeline.Workers)
	assert.Equal(t, config.DefaultCheckIntervalSeconds, cfg.Pipeline.CheckIntervalSeconds)
	assert.Equal(t, config.DefaultTimeoutMinutes, cfg.Pipeline.TimeoutMinutes)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "surveyforge.yaml")
	content := []byte(`
server:
  addr: ":9999"
  auth_token: secret
registry:
  backend: redis
redis:
  addr: redis.internal:6379
mongo:
  backend: memory
pipeline:
  workers: 8
  queue_size: 128
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.AuthToken)
	assert.Equal(t, config.RegistryBackendRedis, cfg.Registry.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, config.StoreBackendMemory, cfg.Mongo.Backend)
	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, 128, cfg.Pipeline.QueueSize)

	// Unset keys keep their defaults.
	assert.Equal(t, config.DefaultTimeoutMinutes, cfg.Pipeline.TimeoutMinutes)
}

func TestValidateRejectsBadStores(t *testing.T) {
	t.Parallel()

	base := func() *config.Config {
		return &config.Config{
			Registry: config.RegistryConfig{
				Backend:     config.RegistryBackendSQLite,
				ExpireHours: 1,
			},
			SQLite: config.SQLiteConfig{Path: "x.db"},
			Mongo:  config.MongoConfig{Backend: config.StoreBackendMemory},
			Pipeline: config.PipelineConfig{
				Workers:              1,
				QueueSize:            1,
				CheckIntervalSeconds: 1,
				TimeoutMinutes:       1,
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   error
	}{
		{
			name:   "unknown registry backend",
			mutate: func(c *config.Config) { c.Registry.Backend = "etcd" },
			want:   config.ErrInvalidRegistryBackend,
		},
		{
			name: "redis without addr",
			mutate: func(c *config.Config) {
				c.Registry.Backend = config.RegistryBackendRedis
				c.Redis.Addr = ""
			},
			want: config.ErrMissingRedisAddr,
		},
		{
			name:   "sqlite without path",
			mutate: func(c *config.Config) { c.SQLite.Path = "" },
			want:   config.ErrMissingSQLitePath,
		},
		{
			name: "mongo without uri",
			mutate: func(c *config.Config) {
				c.Mongo.Backend = config.StoreBackendMongo
				c.Mongo.URI = ""
			},
			want: config.ErrMissingMongoURI,
		},
		{
			name:   "unknown store backend",
			mutate: func(c *config.Config) { c.Mongo.Backend = "s3" },
			want:   config.ErrInvalidStoreBackend,
		},
		{
			name:   "zero workers",
			mutate: func(c *config.Config) { c.Pipeline.Workers = 0 },
			want:   config.ErrInvalidWorkers,
		},
		{
			name:   "zero queue size",
			mutate: func(c *config.Config) { c.Pipeline.QueueSize = 0 },
			want:   config.ErrInvalidQueueSize,
		},
		{
			name:   "zero check interval",
			mutate: func(c *config.Config) { c.Pipeline.CheckIntervalSeconds = 0 },
			want:   config.ErrInvalidCheckInterval,
		},
		{
			name:   "zero timeout",
			mutate: func(c *config.Config) { c.Pipeline.TimeoutMinutes = 0 },
			want:   config.ErrInvalidTimeout,
		},
		{
			name:   "zero expire hours",
			mutate: func(c *config.Config) { c.Registry.ExpireHours = 0 },
			want:   config.ErrInvalidExpireHours,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base()
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}
}
