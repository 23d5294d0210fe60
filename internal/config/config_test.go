package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, RoleAll, cfg.Role)
	assert.Equal(t, "0.0.0.0:8000", cfg.ServerAddr())
	assert.Equal(t, []string{"localhost:6379"}, cfg.RedisAddrs())
	assert.Equal(t, time.Hour, cfg.ResultTTL())
	assert.Equal(t, 5*time.Minute, cfg.TimeLimit())
	assert.Equal(t, 1024, cfg.Task.DefaultShots)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("API_PORT", "9090")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("REDIS_RESULT_TTL", "0")
	t.Setenv("TASK_TIME_LIMIT_MS", "1500")
	t.Setenv("TASK_MAX_RETRIES", "5")
	t.Setenv("SERVICE_ROLE", "Worker")
	t.Setenv("METRICS_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.APIPort)
	assert.Equal(t, []string{"cache:6380"}, cfg.RedisAddrs())
	assert.Equal(t, 2, cfg.Redis.DB)
	assert.Equal(t, time.Duration(0), cfg.ResultTTL())
	assert.Equal(t, 1500*time.Millisecond, cfg.TimeLimit())
	assert.Equal(t, 5, cfg.Task.MaxRetries)
	assert.Equal(t, RoleWorker, cfg.Role)
	assert.False(t, cfg.MetricsEnabled)
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("API_PORT", "not-a-port")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8000, cfg.APIPort)
}

func TestLoad_ProductionSwitchesLogDefaults(t *testing.T) {
	t.Setenv("ENVIRONMENT", "production")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
app_name: runner
redis:
  mode: cluster
  addrs: ["r1:7000", "r2:7000"]
task:
  time_limit_ms: 2000
  max_retries: 2
worker_count: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("WORKER_COUNT", "4")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "runner", cfg.AppName)
	assert.Equal(t, "cluster", cfg.Redis.Mode)
	assert.Equal(t, []string{"r1:7000", "r2:7000"}, cfg.RedisAddrs())
	assert.Equal(t, 2*time.Second, cfg.TimeLimit())
	assert.Equal(t, 2, cfg.Task.MaxRetries)
	assert.Equal(t, 4, cfg.WorkerCount)
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Task.MaxRetries = 0
	cfg.Task.TimeLimitMS = -1
	cfg.Redis.Mode = "sentinel"
	cfg.Role = "both"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries")
	assert.Contains(t, err.Error(), "time limit")
	assert.Contains(t, err.Error(), "REDIS_MASTER")
	assert.Contains(t, err.Error(), "role")
}

func TestRetryPolicy(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, TimeLimit: time.Second, BaseBackoff: 100 * time.Millisecond}

	assert.Equal(t, 100*time.Millisecond, p.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, p.Backoff(2))
	assert.Equal(t, 3*time.Second+300*time.Millisecond, p.InFlightWindow())

	p.BaseBackoff = 0
	assert.Equal(t, 3*time.Second, p.InFlightWindow())

	p.BaseBackoff = time.Minute
	assert.Equal(t, maxBackoff, p.Backoff(10))
}

func TestRetryPolicy_WindowCoversRequeueDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, TimeLimit: time.Second, BaseBackoff: 100 * time.Millisecond, RequeueDelay: 500 * time.Millisecond}
	// three attempts, two backoffs, two promoter hand-offs
	assert.Equal(t, 3*time.Second+300*time.Millisecond+time.Second, p.InFlightWindow())

	p.MaxAttempts = 1
	assert.Equal(t, time.Second, p.InFlightWindow())

	cfg := Default()
	policy := cfg.Retry()
	assert.Equal(t, 1500*time.Millisecond, policy.RequeueDelay)
	assert.Equal(t, 15*time.Minute+3*time.Second+3*time.Second, policy.InFlightWindow())
}
