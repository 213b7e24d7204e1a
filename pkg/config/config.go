package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix is the prefix for environment variable overrides.
	EnvPrefix = "GRADEOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultMaxJobsPerRunner is the number of results a single runner is
	// expected to process before another runner is requested.
	DefaultMaxJobsPerRunner = 10

	// DefaultMaxConcurrentBatchRuns bounds how many batch runs one sweep starts.
	DefaultMaxConcurrentBatchRuns = 3

	// DefaultHeartbeatInterval is the interval runners send heartbeats at.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultHeartbeatMaxMissed is the number of missed heartbeats after
	// which a runner is considered dead.
	DefaultHeartbeatMaxMissed = 6

	// DefaultBatchInterval is the cadence of the batch scheduler.
	DefaultBatchInterval = 15 * time.Minute

	// DefaultBrokerMaxRetries is the retry budget for broker requests.
	DefaultBrokerMaxRetries = 15
)

// Config is the root configuration for gradeoor.
type Config struct {
	Global   GlobalConfig   `yaml:"global" mapstructure:"global"`
	Database DatabaseConfig `yaml:"database" mapstructure:"database"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Broker   BrokerConfig   `yaml:"broker" mapstructure:"broker"`
	AutoTest AutoTestConfig `yaml:"autotest" mapstructure:"autotest"`
	Queue    QueueConfig    `yaml:"queue" mapstructure:"queue"`
	Storage  StorageConfig  `yaml:"storage" mapstructure:"storage"`
	Runner   RunnerConfig   `yaml:"runner" mapstructure:"runner"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel   string `yaml:"log_level" mapstructure:"log_level"`
	InstanceID string `yaml:"instance_id" mapstructure:"instance_id"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Driver   string               `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteDatabaseConfig `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig       `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteDatabaseConfig contains SQLite-specific settings.
type SQLiteDatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode" mapstructure:"ssl_mode"`
}

// ServerConfig contains the runner-facing HTTP server settings.
type ServerConfig struct {
	Listen      string   `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	// RunnerTokenHash is the bcrypt hash of the token runners present.
	RunnerTokenHash string `yaml:"runner_token_hash" mapstructure:"runner_token_hash"`
	// APITokenHash is the bcrypt hash of the token used by the submission
	// and read endpoints.
	APITokenHash  string          `yaml:"api_token_hash" mapstructure:"api_token_hash"`
	MaxUploadSize string          `yaml:"max_upload_size" mapstructure:"max_upload_size"`
	RateLimit     RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig contains per-IP rate limiting settings.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// MaxUploadBytes returns the largest accepted submission archive.
func (c *ServerConfig) MaxUploadBytes() (int64, error) {
	n, err := units.RAMInBytes(c.MaxUploadSize)
	if err != nil {
		return 0, fmt.Errorf("parsing server max_upload_size %q: %w", c.MaxUploadSize, err)
	}

	return n, nil
}

// BrokerConfig contains settings for the external runner broker.
type BrokerConfig struct {
	URL            string        `yaml:"url" mapstructure:"url"`
	InstanceToken  string        `yaml:"instance_token" mapstructure:"instance_token"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
	PingTimeout    time.Duration `yaml:"ping_timeout" mapstructure:"ping_timeout"`
}

// AutoTestConfig contains orchestration tunables.
type AutoTestConfig struct {
	MaxJobsPerRunner       int           `yaml:"max_jobs_per_runner" mapstructure:"max_jobs_per_runner"`
	MaxConcurrentBatchRuns int           `yaml:"max_concurrent_batch_runs" mapstructure:"max_concurrent_batch_runs"`
	HeartbeatInterval      time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	HeartbeatMaxMissed     int           `yaml:"heartbeat_max_missed" mapstructure:"heartbeat_max_missed"`
	BatchInterval          time.Duration `yaml:"batch_interval" mapstructure:"batch_interval"`
}

// HeartbeatTimeout is the time after the last heartbeat at which a runner
// is considered dead.
func (c *AutoTestConfig) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval * time.Duration(c.HeartbeatMaxMissed)
}

// QueueConfig selects and configures the task queue backend.
type QueueConfig struct {
	Driver  string         `yaml:"driver" mapstructure:"driver"`
	Workers int            `yaml:"workers" mapstructure:"workers"`
	SQS     SQSQueueConfig `yaml:"sqs,omitempty" mapstructure:"sqs"`
}

// SQSQueueConfig contains settings for the SQS task queue backend.
type SQSQueueConfig struct {
	QueueURL        string `yaml:"queue_url" mapstructure:"queue_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	WaitTimeSeconds int32  `yaml:"wait_time_seconds" mapstructure:"wait_time_seconds"`
}

// StorageConfig selects the attachment storage backend.
type StorageConfig struct {
	Driver string             `yaml:"driver" mapstructure:"driver"`
	Local  LocalStorageConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3     S3StorageConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalStorageConfig stores attachments in a local directory.
type LocalStorageConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3StorageConfig stores attachments in an S3-compatible bucket.
type S3StorageConfig struct {
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	// PresignExpiry enables presigned download URLs for runners when set.
	PresignExpiry time.Duration `yaml:"presign_expiry,omitempty" mapstructure:"presign_expiry"`
}

// RunnerConfig contains settings for the runner agent.
type RunnerConfig struct {
	ServerURL         string        `yaml:"server_url" mapstructure:"server_url"`
	Token             string        `yaml:"token" mapstructure:"token"`
	JobID             string        `yaml:"job_id" mapstructure:"job_id"`
	IPAddr            string        `yaml:"ipaddr" mapstructure:"ipaddr"`
	Image             string        `yaml:"image" mapstructure:"image"`
	PullPolicy        string        `yaml:"pull_policy" mapstructure:"pull_policy"`
	Network           string        `yaml:"network" mapstructure:"network"`
	Memory            string        `yaml:"memory" mapstructure:"memory"`
	StdoutTail        string        `yaml:"stdout_tail" mapstructure:"stdout_tail"`
	Concurrency       int           `yaml:"concurrency" mapstructure:"concurrency"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" mapstructure:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// MemoryBytes returns the container memory limit in bytes, 0 if unset.
func (c *RunnerConfig) MemoryBytes() (int64, error) {
	if c.Memory == "" {
		return 0, nil
	}

	n, err := units.RAMInBytes(c.Memory)
	if err != nil {
		return 0, fmt.Errorf("parsing runner memory %q: %w", c.Memory, err)
	}

	return n, nil
}

// StdoutTailBytes returns the size of the stdout tail kept per command.
func (c *RunnerConfig) StdoutTailBytes() (int64, error) {
	n, err := units.RAMInBytes(c.StdoutTail)
	if err != nil {
		return 0, fmt.Errorf("parsing runner stdout_tail %q: %w", c.StdoutTail, err)
	}

	return n, nil
}

// Load reads and merges the configuration files at the given paths.
// Environment variables prefixed with GRADEOOR_ override file values,
// e.g. GRADEOOR_BROKER_URL overrides broker.url.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	for i, path := range paths {
		v.SetConfigFile(path)

		var err error
		if i == 0 {
			err = v.ReadInConfig()
		} else {
			err = v.MergeInConfig()
		}

		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers every key so that env overrides apply even when
// the key is absent from the config files.
func setDefaults(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)
	v.SetDefault("global.instance_id", "gradeoor")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite.path", "gradeoor.db")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.database", "gradeoor")
	v.SetDefault("database.postgres.ssl_mode", "disable")

	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.runner_token_hash", "")
	v.SetDefault("server.api_token_hash", "")
	v.SetDefault("server.max_upload_size", "64MiB")
	v.SetDefault("server.rate_limit.enabled", false)
	v.SetDefault("server.rate_limit.requests_per_minute", 600)

	v.SetDefault("broker.url", "")
	v.SetDefault("broker.instance_token", "")
	v.SetDefault("broker.max_retries", DefaultBrokerMaxRetries)
	v.SetDefault("broker.initial_backoff", 500*time.Millisecond)
	v.SetDefault("broker.max_backoff", 30*time.Second)
	v.SetDefault("broker.ping_timeout", 2*time.Second)

	v.SetDefault("autotest.max_jobs_per_runner", DefaultMaxJobsPerRunner)
	v.SetDefault("autotest.max_concurrent_batch_runs", DefaultMaxConcurrentBatchRuns)
	v.SetDefault("autotest.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("autotest.heartbeat_max_missed", DefaultHeartbeatMaxMissed)
	v.SetDefault("autotest.batch_interval", DefaultBatchInterval)

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.sqs.queue_url", "")
	v.SetDefault("queue.sqs.region", "")
	v.SetDefault("queue.sqs.endpoint_url", "")
	v.SetDefault("queue.sqs.wait_time_seconds", 20)

	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.dir", "./attachments")
	v.SetDefault("storage.s3.endpoint_url", "")
	v.SetDefault("storage.s3.region", "")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.access_key_id", "")
	v.SetDefault("storage.s3.secret_access_key", "")
	v.SetDefault("storage.s3.force_path_style", false)
	v.SetDefault("storage.s3.prefix", "")
	v.SetDefault("storage.s3.presign_expiry", time.Duration(0))

	v.SetDefault("runner.server_url", "")
	v.SetDefault("runner.token", "")
	v.SetDefault("runner.job_id", "")
	v.SetDefault("runner.ipaddr", "")
	v.SetDefault("runner.image", "ubuntu:24.04")
	v.SetDefault("runner.pull_policy", "if-not-present")
	v.SetDefault("runner.network", "")
	v.SetDefault("runner.memory", "")
	v.SetDefault("runner.stdout_tail", "16KiB")
	v.SetDefault("runner.concurrency", 1)
	v.SetDefault("runner.heartbeat_interval", DefaultHeartbeatInterval)
	v.SetDefault("runner.poll_interval", 5*time.Second)
}

// Validate checks the server-side configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}

	if _, err := c.Server.MaxUploadBytes(); err != nil {
		return err
	}

	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}

	if c.AutoTest.MaxJobsPerRunner <= 0 {
		return fmt.Errorf("autotest.max_jobs_per_runner must be positive")
	}

	if c.AutoTest.MaxConcurrentBatchRuns <= 0 {
		return fmt.Errorf("autotest.max_concurrent_batch_runs must be positive")
	}

	if c.AutoTest.HeartbeatInterval <= 0 || c.AutoTest.HeartbeatMaxMissed <= 0 {
		return fmt.Errorf("autotest heartbeat interval and max_missed must be positive")
	}

	switch c.Queue.Driver {
	case "memory":
	case "sqs":
		if c.Queue.SQS.QueueURL == "" {
			return fmt.Errorf("queue.sqs.queue_url is required")
		}
	default:
		return fmt.Errorf("unsupported queue driver %q", c.Queue.Driver)
	}

	switch c.Storage.Driver {
	case "local":
		if c.Storage.Local.Dir == "" {
			return fmt.Errorf("storage.local.dir is required")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required")
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}

	return nil
}

// ValidateRunner checks the runner agent configuration for errors.
func (c *Config) ValidateRunner() error {
	if c.Runner.ServerURL == "" {
		return fmt.Errorf("runner.server_url is required")
	}

	if c.Runner.JobID == "" {
		return fmt.Errorf("runner.job_id is required")
	}

	if c.Runner.Image == "" {
		return fmt.Errorf("runner.image is required")
	}

	if c.Runner.Concurrency <= 0 {
		return fmt.Errorf("runner.concurrency must be positive")
	}

	if _, err := c.Runner.MemoryBytes(); err != nil {
		return err
	}

	if _, err := c.Runner.StdoutTailBytes(); err != nil {
		return err
	}

	return nil
}
