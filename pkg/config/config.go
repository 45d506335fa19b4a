package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the orchestrator.
// Configuration can come from YAML file (config.yaml) or environment variables.
// Environment variables always override YAML values for fields that support both.
// Secrets (passwords, API keys) must only come from environment variables.
type Config struct {
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"` // Set at load time, not from config

	// WebhookURL is the public base URL of the webhook tunnel, if any.
	// When set, the trigger ingress binds all interfaces; otherwise loopback.
	WebhookURL string `yaml:"webhook_url" env:"CASARE_WEBHOOK_URL" env-default:""`

	Database   DatabaseConfig   `yaml:"database"`
	Queue      QueueConfig      `yaml:"queue"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	DLQ        DLQConfig        `yaml:"dlq"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Triggers   TriggerConfig    `yaml:"triggers"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Deploy     DeployConfig     `yaml:"deploy"`
}

// DatabaseConfig holds PostgreSQL configuration for the queue store.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"casare"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"casare_orchestrator"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MinConnections int32  `yaml:"min_connections" env:"PGMIN_CONNECTIONS" env-default:"2"`
	// SimpleProtocol disables prepared-statement caching so the store can run
	// behind a transaction-mode connection pooler (pgbouncer).
	SimpleProtocol bool   `yaml:"simple_protocol" env:"PGSIMPLE_PROTOCOL" env-default:"false"`
	MigrationsPath string `yaml:"migrations_path" env:"PGMIGRATIONS_PATH" env-default:"migrations"`
}

// QueueConfig holds producer-side queue settings.
type QueueConfig struct {
	DefaultPriority      int `yaml:"default_priority" env:"QUEUE_DEFAULT_PRIORITY" env-default:"10"`
	DefaultMaxRetries    int `yaml:"default_max_retries" env:"QUEUE_DEFAULT_MAX_RETRIES" env-default:"3"`
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" env:"QUEUE_MAX_RECONNECT_ATTEMPTS" env-default:"5"`
	CommandTimeout       time.Duration `yaml:"command_timeout" env:"QUEUE_COMMAND_TIMEOUT" env-default:"30s"`
}

// ConsumerConfig holds robot-side consumer settings.
type ConsumerConfig struct {
	RobotID            string        `yaml:"robot_id" env:"CONSUMER_ROBOT_ID" env-default:""`
	Environment        string        `yaml:"environment" env:"CONSUMER_ENVIRONMENT" env-default:"default"`
	VisibilityTimeout  time.Duration `yaml:"visibility_timeout" env:"CONSUMER_VISIBILITY_TIMEOUT" env-default:"5m"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval" env:"CONSUMER_HEARTBEAT_INTERVAL" env-default:"1m"`
	MaxConcurrentJobs  int           `yaml:"max_concurrent_jobs" env:"CONSUMER_MAX_CONCURRENT_JOBS" env-default:"3"`
}

// DLQConfig holds dead-letter queue settings.
type DLQConfig struct {
	// RetrySchedule is the base delay per retry attempt, comma separated.
	RetrySchedule []time.Duration `yaml:"retry_schedule" env:"DLQ_RETRY_SCHEDULE" env-default:"10s,1m,5m,15m,1h"`
}

// DispatcherConfig holds robot pool settings.
type DispatcherConfig struct {
	Strategy            string        `yaml:"strategy" env:"DISPATCHER_STRATEGY" env-default:"least_loaded"`
	PollInterval        time.Duration `yaml:"poll_interval" env:"DISPATCHER_POLL_INTERVAL" env-default:"2s"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"DISPATCHER_HEALTH_CHECK_INTERVAL" env-default:"15s"`
	StaleRobotTimeout   time.Duration `yaml:"stale_robot_timeout" env:"DISPATCHER_STALE_ROBOT_TIMEOUT" env-default:"45s"`
}

// TriggerConfig holds webhook ingress settings.
type TriggerConfig struct {
	Port            int           `yaml:"port" env:"TRIGGERS_PORT" env-default:"8741"`
	StripeTolerance time.Duration `yaml:"stripe_tolerance" env:"TRIGGERS_STRIPE_TOLERANCE" env-default:"5m"`
}

// MonitoringConfig holds REST/WebSocket monitoring server settings.
type MonitoringConfig struct {
	Port             int           `yaml:"port" env:"MONITORING_PORT" env-default:"8742"`
	BroadcastTimeout time.Duration `yaml:"broadcast_timeout" env:"MONITORING_BROADCAST_TIMEOUT" env-default:"1s"`
	// APIKey optionally protects the REST endpoints. Empty disables auth.
	APIKey string `yaml:"-" env:"MONITORING_API_KEY"`
}

// DeployConfig holds cloud deploy CLI settings.
type DeployConfig struct {
	CLIPath        string        `yaml:"cli_path" env:"DEPLOY_CLI_PATH" env-default:"casare-cloud"`
	CommandTimeout time.Duration `yaml:"command_timeout" env:"DEPLOY_COMMAND_TIMEOUT" env-default:"2m"`
	AutoRollback   bool          `yaml:"auto_rollback" env:"DEPLOY_AUTO_ROLLBACK" env-default:"true"`
}

// Load reads configuration from config.yaml (if present) and environment
// variables, with environment taking precedence.
func Load(version string) (*Config, error) {
	cfg := &Config{}

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	if _, err := os.Stat(configPath); err == nil {
		if err := cleanenv.ReadConfig(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment config: %w", err)
		}
	}

	cfg.Version = version

	if cfg.Database.MinConnections > cfg.Database.MaxConnections {
		return nil, fmt.Errorf("database min_connections (%d) exceeds max_connections (%d)",
			cfg.Database.MinConnections, cfg.Database.MaxConnections)
	}
	if len(cfg.DLQ.RetrySchedule) == 0 {
		return nil, fmt.Errorf("dlq retry_schedule must not be empty")
	}

	return cfg, nil
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	s := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
	if c.SimpleProtocol {
		s += " default_query_exec_mode=simple_protocol statement_cache_capacity=0"
	}
	return s
}
