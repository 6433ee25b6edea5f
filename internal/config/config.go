package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Environment string `envconfig:"ENV" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	Port        string `envconfig:"PORT" default:"8080"`

	// Database settings. DBPasswordSecret, when set, names a Secret Manager
	// secret whose latest version is spliced into the connection string.
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING" required:"true"`
	DBPasswordSecret   string `envconfig:"DB_PASSWORD_SECRET"`
	DBMaxConns         int32  `envconfig:"DB_MAX_CONNS" default:"25"`
	MigrateOnStart     bool   `envconfig:"MIGRATE_ON_START" default:"false"`

	// GCP settings
	GCPProjectID        string `envconfig:"GCP_PROJECT_ID"`
	PubSubEmulatorHost  string `envconfig:"PUBSUB_EMULATOR_HOST"`
	NegativeCreditTopic string `envconfig:"NEGATIVE_CREDIT_TOPIC" default:"negative-credit-users"`
	AlertTopic          string `envconfig:"ALERT_TOPIC" default:"job-lease-alerts"`

	// Tick queue settings
	TickQueueName           string `envconfig:"TICK_QUEUE_NAME" default:"scheduled_job_ticks"`
	TickDeadLetterQueueName string `envconfig:"TICK_DEAD_LETTER_QUEUE_NAME" default:"scheduled_job_ticks_dlq"`

	// Runner settings
	RunnerConcurrency        int `envconfig:"RUNNER_CONCURRENCY" default:"4"`
	RunnerPollTimeoutSec     int `envconfig:"RUNNER_POLL_TIMEOUT_SEC" default:"30"`
	RunnerVisibilityTimeout  int `envconfig:"RUNNER_VISIBILITY_TIMEOUT_SEC" default:"300"`
	RunnerMaxRetries         int `envconfig:"RUNNER_MAX_RETRIES" default:"5"`
	RunnerJobTimeoutSec      int `envconfig:"RUNNER_JOB_TIMEOUT_SEC" default:"240"`
	RunnerErrorBackoffMillis int `envconfig:"RUNNER_ERROR_BACKOFF_MS" default:"1000"`

	// MetricsEnabled installs the Prometheus exporter and serves /metrics.
	MetricsEnabled bool `envconfig:"METRICS_ENABLED" default:"true"`

	// LeaseTTLSec of 0 keeps a PROCESSING lease until it is released or
	// reset by an operator.
	LeaseTTLSec int `envconfig:"LEASE_TTL_SEC" default:"0"`

	// JobBatchSize caps how many rows one job pass loads.
	JobBatchSize int `envconfig:"JOB_BATCH_SIZE" default:"500"`

	// Per-job feature flags, e.g. JOB_FLAGS="package_renew:false"
	JobFlags Flags `envconfig:"JOB_FLAGS"`

	// Scheduler cadences (robfig/cron expressions)
	PackageRenewSchedule      string `envconfig:"PACKAGE_RENEW_SCHEDULE" default:"0 * * * *"`
	TrialActivationSchedule   string `envconfig:"TRIAL_ACTIVATION_SCHEDULE" default:"*/15 * * * *"`
	NegativeUsersListSchedule string `envconfig:"NEGATIVE_USERS_SCHEDULE" default:"0 */6 * * *"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	var errs []error
	switch c.Environment {
	case "development", "staging", "production":
	default:
		errs = append(errs, fmt.Errorf("ENV must be one of development|staging|production, got %q", c.Environment))
	}
	if c.RunnerConcurrency < 1 {
		errs = append(errs, errors.New("RUNNER_CONCURRENCY must be at least 1"))
	}
	if c.RunnerMaxRetries < 1 {
		errs = append(errs, errors.New("RUNNER_MAX_RETRIES must be at least 1"))
	}
	if c.RunnerVisibilityTimeout < 1 {
		errs = append(errs, errors.New("RUNNER_VISIBILITY_TIMEOUT_SEC must be at least 1"))
	}
	// A tick must not become visible again while its job is still running.
	if c.RunnerJobTimeoutSec < 1 || c.RunnerJobTimeoutSec >= c.RunnerVisibilityTimeout {
		errs = append(errs, fmt.Errorf("RUNNER_JOB_TIMEOUT_SEC must be between 1 and RUNNER_VISIBILITY_TIMEOUT_SEC-1 (%d), got %d",
			c.RunnerVisibilityTimeout-1, c.RunnerJobTimeoutSec))
	}
	if c.JobBatchSize < 1 {
		errs = append(errs, errors.New("JOB_BATCH_SIZE must be at least 1"))
	}
	if c.LeaseTTLSec < 0 {
		errs = append(errs, errors.New("LEASE_TTL_SEC must not be negative"))
	}
	if c.DBPasswordSecret != "" && c.GCPProjectID == "" {
		errs = append(errs, errors.New("GCP_PROJECT_ID is required when DB_PASSWORD_SECRET is set"))
	}
	if strings.TrimSpace(c.TickQueueName) == "" {
		errs = append(errs, errors.New("TICK_QUEUE_NAME must not be empty"))
	}
	return errors.Join(errs...)
}

// LeaseTTL returns the configured lease expiry, zero when leases never expire.
func (c *Config) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLSec) * time.Second
}

// JobTimeout bounds a single handler invocation.
func (c *Config) JobTimeout() time.Duration {
	return time.Duration(c.RunnerJobTimeoutSec) * time.Second
}

// IsDevelopment reports whether the process runs locally.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
