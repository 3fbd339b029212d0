package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the admin HTTP server (health/metrics only; the
// processing API itself is out of scope for this core).
type ServerConfig struct {
	Host string `json:"host" env:"SERVER_HOST"`
	Port int    `json:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls the field-level encryption master key. The key
// must decode to exactly 32 bytes; store.Open validates this at startup.
type SecurityConfig struct {
	MasterKeyHex string `json:"master_key_hex" env:"MASTER_KEY_HEX"`
}

// TracingConfig configures OTLP/Tracing exporters.
type TracingConfig struct {
	Endpoint           string            `json:"endpoint" env:"TRACING_OTLP_ENDPOINT"`
	Insecure           bool              `json:"insecure" env:"TRACING_OTLP_INSECURE"`
	ServiceName        string            `json:"service_name" env:"TRACING_SERVICE_NAME"`
	ResourceAttributes map[string]string `json:"resource_attributes" mapstructure:"resource_attributes"`
	AttributesEnv      string            `json:"-" yaml:"-" env:"TRACING_OTLP_ATTRIBUTES"`
}

// BrokerConfig controls the Redis-backed task broker.
type BrokerConfig struct {
	Addr      string `json:"addr" env:"BROKER_REDIS_ADDR"`
	Password  string `json:"password" env:"BROKER_REDIS_PASSWORD"`
	DB        int    `json:"db" env:"BROKER_REDIS_DB"`
	Namespace string `json:"namespace" env:"BROKER_NAMESPACE"`
}

// SchedulerConfig controls worker pool sizing, timeouts, and maintenance
// retention windows.
type SchedulerConfig struct {
	Workers               int           `json:"workers" env:"SCHEDULER_WORKERS"`
	JobTimeoutSeconds     int           `json:"job_timeout_seconds" env:"SCHEDULER_JOB_TIMEOUT_SECONDS"`
	StepTimeoutSeconds    int           `json:"step_timeout_seconds" env:"SCHEDULER_STEP_TIMEOUT_SECONDS"`
	HeartbeatSeconds      int           `json:"heartbeat_seconds" env:"SCHEDULER_HEARTBEAT_SECONDS"`
	StaleThresholdMinutes int           `json:"stale_threshold_minutes" env:"SCHEDULER_STALE_THRESHOLD_MINUTES"`
	JobRetentionDays      int           `json:"job_retention_days" env:"SCHEDULER_JOB_RETENTION_DAYS"`
	ResultRetentionDays   int           `json:"result_retention_days" env:"SCHEDULER_RESULT_RETENTION_DAYS"`
}

// JobTimeout returns the per-job timeout as a time.Duration.
func (s SchedulerConfig) JobTimeout() time.Duration {
	return time.Duration(s.JobTimeoutSeconds) * time.Second
}

// StepTimeout returns the per-step timeout as a time.Duration.
func (s SchedulerConfig) StepTimeout() time.Duration {
	return time.Duration(s.StepTimeoutSeconds) * time.Second
}

// Heartbeat returns the heartbeat renewal interval as a time.Duration.
func (s SchedulerConfig) Heartbeat() time.Duration {
	return time.Duration(s.HeartbeatSeconds) * time.Second
}

// StaleThreshold returns the orphan-detection threshold as a time.Duration.
func (s SchedulerConfig) StaleThreshold() time.Duration {
	return time.Duration(s.StaleThresholdMinutes) * time.Minute
}

// JobRetention returns the job-row retention window as a time.Duration.
func (s SchedulerConfig) JobRetention() time.Duration {
	return time.Duration(s.JobRetentionDays) * 24 * time.Hour
}

// ResultRetention returns the result-payload retention window as a
// time.Duration.
func (s SchedulerConfig) ResultRetention() time.Duration {
	return time.Duration(s.ResultRetentionDays) * 24 * time.Hour
}

// ProviderConfig holds per-LLM-provider credentials and endpoints.
type ProviderConfig struct {
	AnthropicAPIKey string `json:"anthropic_api_key" env:"PROVIDER_ANTHROPIC_API_KEY"`

	BedrockRegion string `json:"bedrock_region" env:"PROVIDER_BEDROCK_REGION"`

	LangchainAPIKey  string `json:"langchain_api_key" env:"PROVIDER_LANGCHAIN_API_KEY"`
	LangchainBaseURL string `json:"langchain_base_url" env:"PROVIDER_LANGCHAIN_BASE_URL"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Logging   LoggingConfig   `json:"logging"`
	Security  SecurityConfig  `json:"security"`
	Tracing   TracingConfig   `json:"tracing"`
	Broker    BrokerConfig    `json:"broker"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Providers ProviderConfig  `json:"providers"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "medpipe-worker",
		},
		Security: SecurityConfig{},
		Tracing:  TracingConfig{},
		Broker: BrokerConfig{
			Addr:      "localhost:6379",
			Namespace: "medpipe",
		},
		Scheduler: SchedulerConfig{
			Workers:               4,
			JobTimeoutSeconds:     30 * 60,
			StepTimeoutSeconds:    5 * 60,
			HeartbeatSeconds:      60,
			StaleThresholdMinutes: 60,
			JobRetentionDays:      7,
			ResultRetentionDays:   90,
		},
		Providers: ProviderConfig{},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)
	cfg.normalize()

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	cfg.normalize()
	return cfg, nil
}

// applyDatabaseURLOverride lets DATABASE_URL override any file-based DSN,
// matching cmd/worker's deployment convention.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

func (t *TracingConfig) normalize() {
	if t == nil {
		return
	}
	t.MergeAttributes(t.AttributesEnv)
}

// MergeAttributes merges comma-separated key=value pairs into ResourceAttributes.
func (t *TracingConfig) MergeAttributes(raw string) {
	if t == nil {
		return
	}
	pairs := parseAttributePairs(raw)
	if len(pairs) == 0 {
		return
	}
	if t.ResourceAttributes == nil {
		t.ResourceAttributes = make(map[string]string, len(pairs))
	}
	for k, v := range pairs {
		if k == "" {
			continue
		}
		t.ResourceAttributes[k] = v
	}
}

func parseAttributePairs(raw string) map[string]string {
	result := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		val := ""
		if len(kv) > 1 {
			val = strings.TrimSpace(kv[1])
		}
		result[key] = val
	}
	return result
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	c.Tracing.normalize()
	if c.Scheduler.Workers <= 0 {
		c.Scheduler.Workers = 4
	}
}
