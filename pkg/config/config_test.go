package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
database:
  driver: sqlite
  sqlite:
    path: /tmp/original.db
broker:
  url: https://broker.example.com
  instance_token: original-token
autotest:
  max_jobs_per_runner: 5
  heartbeat_interval: 20s
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, "/tmp/original.db", cfg.Database.SQLite.Path)
				assert.Equal(t, "original-token", cfg.Broker.InstanceToken)
				assert.Equal(t, 5, cfg.AutoTest.MaxJobsPerRunner)
				assert.Equal(t, 20*time.Second, cfg.AutoTest.HeartbeatInterval)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"GRADEOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested field override - broker.instance_token",
			envVars: map[string]string{
				"GRADEOOR_BROKER_INSTANCE_TOKEN": "env-token",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "env-token", cfg.Broker.InstanceToken)
			},
		},
		{
			name: "integer override - max_jobs_per_runner",
			envVars: map[string]string{
				"GRADEOOR_AUTOTEST_MAX_JOBS_PER_RUNNER": "12",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 12, cfg.AutoTest.MaxJobsPerRunner)
			},
		},
		{
			name: "duration override - batch_interval",
			envVars: map[string]string{
				"GRADEOOR_AUTOTEST_BATCH_INTERVAL": "1m",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, time.Minute, cfg.AutoTest.BatchInterval)
			},
		},
		{
			name: "override of key absent from file",
			envVars: map[string]string{
				"GRADEOOR_QUEUE_DRIVER": "sqs",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "sqs", cfg.Queue.Driver)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "broker:\n  url: http://broker\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultMaxConcurrentBatchRuns, cfg.AutoTest.MaxConcurrentBatchRuns)
	assert.Equal(t, DefaultHeartbeatMaxMissed, cfg.AutoTest.HeartbeatMaxMissed)
	assert.Equal(t, DefaultBatchInterval, cfg.AutoTest.BatchInterval)
	assert.Equal(t, DefaultBrokerMaxRetries, cfg.Broker.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Broker.PingTimeout)
	assert.Equal(t, time.Minute, cfg.AutoTest.HeartbeatTimeout())
	assert.Equal(t, "memory", cfg.Queue.Driver)

	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesFiles(t *testing.T) {
	base := writeConfig(t, `
broker:
  url: http://broker
autotest:
  max_jobs_per_runner: 3
`)
	override := writeConfig(t, `
autotest:
  max_jobs_per_runner: 7
`)

	cfg, err := Load(base, override)
	require.NoError(t, err)

	assert.Equal(t, "http://broker", cfg.Broker.URL)
	assert.Equal(t, 7, cfg.AutoTest.MaxJobsPerRunner)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, "broker:\n  url: http://broker\n"))
		require.NoError(t, err)

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:    "unknown database driver",
			mutate:  func(cfg *Config) { cfg.Database.Driver = "mysql" },
			wantErr: "unsupported database driver",
		},
		{
			name:    "missing broker url",
			mutate:  func(cfg *Config) { cfg.Broker.URL = "" },
			wantErr: "broker.url is required",
		},
		{
			name:    "zero jobs per runner",
			mutate:  func(cfg *Config) { cfg.AutoTest.MaxJobsPerRunner = 0 },
			wantErr: "max_jobs_per_runner",
		},
		{
			name:    "sqs without queue url",
			mutate:  func(cfg *Config) { cfg.Queue.Driver = "sqs" },
			wantErr: "queue.sqs.queue_url",
		},
		{
			name:    "bad upload size",
			mutate:  func(cfg *Config) { cfg.Server.MaxUploadSize = "huge" },
			wantErr: "max_upload_size",
		},
		{
			name:    "s3 without bucket",
			mutate:  func(cfg *Config) { cfg.Storage.Driver = "s3" },
			wantErr: "storage.s3.bucket",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRunnerConfig_Sizes(t *testing.T) {
	rc := RunnerConfig{Memory: "512m", StdoutTail: "16KiB"}

	mem, err := rc.MemoryBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(512*1024*1024), mem)

	tail, err := rc.StdoutTailBytes()
	require.NoError(t, err)
	assert.Equal(t, int64(16*1024), tail)

	rc.Memory = "lots"
	_, err = rc.MemoryBytes()
	require.Error(t, err)
}
