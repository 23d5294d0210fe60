package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RoleAll    = "all"
	RoleAPI    = "api"
	RoleWorker = "worker"
)

type Config struct {
	AppName     string `yaml:"app_name"`
	Environment string `yaml:"environment"`
	Role        string `yaml:"role"`

	APIHost string `yaml:"api_host"`
	APIPort int    `yaml:"api_port"`

	Redis RedisConfig `yaml:"redis"`
	Task  TaskConfig  `yaml:"task"`
	Log   LogConfig   `yaml:"log"`

	WorkerCount    int    `yaml:"worker_count"`
	WorkerID       string `yaml:"worker_id"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
	// Mode: single | cluster | sentinel
	Mode       string   `yaml:"mode"`
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name"`
	// ResultTTLSeconds of 0 keeps results indefinitely.
	ResultTTLSeconds int `yaml:"result_ttl_seconds"`
}

type TaskConfig struct {
	TimeLimitMS    int `yaml:"time_limit_ms"`
	MaxRetries     int `yaml:"max_retries"`
	DefaultShots   int `yaml:"default_shots"`
	RetryBackoffMS int `yaml:"retry_backoff_ms"`
	// PromoteIntervalMS is how often due retries are moved back to pending.
	PromoteIntervalMS int `yaml:"promote_interval_ms"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "worker"
	}
	return &Config{
		AppName:     "taskrunner",
		Environment: "development",
		Role:        RoleAll,
		APIHost:     "0.0.0.0",
		APIPort:     8000,
		Redis: RedisConfig{
			Host:             "localhost",
			Port:             6379,
			Mode:             "single",
			ResultTTLSeconds: 3600,
		},
		Task: TaskConfig{
			TimeLimitMS:       300000,
			MaxRetries:        3,
			DefaultShots:      1024,
			RetryBackoffMS:    1000,
			PromoteIntervalMS: 500,
		},
		Log: LogConfig{
			Level:      "debug",
			Format:     "console",
			Output:     "stdout",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 7,
			Compress:   true,
		},
		WorkerCount:    3,
		WorkerID:       host,
		MetricsEnabled: true,
	}
}

// Load builds the configuration from defaults, the optional CONFIG_FILE and
// the environment, in that order of precedence (environment wins).
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.AppName = getEnv("APP_NAME", c.AppName)
	c.Environment = strings.ToLower(getEnv("ENVIRONMENT", c.Environment))
	c.Role = strings.ToLower(getEnv("SERVICE_ROLE", c.Role))

	c.APIHost = strings.TrimSpace(getEnv("API_HOST", c.APIHost))
	c.APIPort = getEnvInt("API_PORT", c.APIPort)

	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	c.Redis.Port = getEnvInt("REDIS_PORT", c.Redis.Port)
	c.Redis.DB = getEnvInt("REDIS_DB", c.Redis.DB)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.Mode = strings.ToLower(getEnv("REDIS_MODE", c.Redis.Mode))
	c.Redis.MasterName = getEnv("REDIS_MASTER", c.Redis.MasterName)
	if v := getEnv("REDIS_ADDRS", ""); v != "" {
		c.Redis.Addrs = splitList(v)
	}
	c.Redis.ResultTTLSeconds = getEnvInt("REDIS_RESULT_TTL", c.Redis.ResultTTLSeconds)

	c.Task.TimeLimitMS = getEnvInt("TASK_TIME_LIMIT_MS", c.Task.TimeLimitMS)
	c.Task.MaxRetries = getEnvInt("TASK_MAX_RETRIES", c.Task.MaxRetries)
	c.Task.DefaultShots = getEnvInt("TASK_DEFAULT_SHOTS", c.Task.DefaultShots)
	c.Task.RetryBackoffMS = getEnvInt("TASK_RETRY_BACKOFF_MS", c.Task.RetryBackoffMS)
	c.Task.PromoteIntervalMS = getEnvInt("TASK_PROMOTE_INTERVAL_MS", c.Task.PromoteIntervalMS)

	if c.Environment == "production" {
		c.Log.Level = "info"
		c.Log.Format = "json"
	}
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("LOG_OUTPUT", c.Log.Output)

	c.WorkerCount = getEnvInt("WORKER_COUNT", c.WorkerCount)
	c.WorkerID = getEnv("WORKER_ID", c.WorkerID)
	c.MetricsEnabled = getEnvBool("METRICS_ENABLED", c.MetricsEnabled)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Role {
	case RoleAll, RoleAPI, RoleWorker:
	default:
		errs = append(errs, fmt.Errorf("unknown service role %q", c.Role))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("api port out of range: %d", c.APIPort))
	}
	if c.Task.TimeLimitMS <= 0 {
		errs = append(errs, errors.New("task time limit must be positive"))
	}
	if c.Task.MaxRetries <= 0 {
		errs = append(errs, errors.New("task max retries must be positive"))
	}
	if c.Task.DefaultShots <= 0 {
		errs = append(errs, errors.New("default shots must be positive"))
	}
	if c.Task.RetryBackoffMS < 0 {
		errs = append(errs, errors.New("retry backoff must not be negative"))
	}
	if c.Task.PromoteIntervalMS <= 0 {
		errs = append(errs, errors.New("promote interval must be positive"))
	}
	if c.Redis.ResultTTLSeconds < 0 {
		errs = append(errs, errors.New("result ttl must not be negative"))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("worker count must be positive"))
	}
	switch c.Redis.Mode {
	case "single", "cluster":
	case "sentinel":
		if c.Redis.MasterName == "" {
			errs = append(errs, errors.New("sentinel mode requires REDIS_MASTER"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown redis mode %q", c.Redis.Mode))
	}
	return errors.Join(errs...)
}

func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// RedisAddrs returns the explicit address list, or host:port in single mode.
func (c *Config) RedisAddrs() []string {
	if len(c.Redis.Addrs) > 0 {
		return c.Redis.Addrs
	}
	return []string{net.JoinHostPort(c.Redis.Host, strconv.Itoa(c.Redis.Port))}
}

func (c *Config) ResultTTL() time.Duration {
	return time.Duration(c.Redis.ResultTTLSeconds) * time.Second
}

func (c *Config) TimeLimit() time.Duration {
	return time.Duration(c.Task.TimeLimitMS) * time.Millisecond
}

func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Task.RetryBackoffMS) * time.Millisecond
}

func (c *Config) PromoteInterval() time.Duration {
	return time.Duration(c.Task.PromoteIntervalMS) * time.Millisecond
}

// Retry returns the execution policy shared by the worker pool and the
// marker TTL computation.
func (c *Config) Retry() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: c.Task.MaxRetries,
		TimeLimit:   c.TimeLimit(),
		BaseBackoff: c.RetryBackoff(),
		// a due retry waits up to one promoter tick, plus the hand-off to a
		// blocked worker
		RequeueDelay: c.PromoteInterval() + requeueHandoff,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
