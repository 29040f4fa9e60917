package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tilebase/coremachine/internal/platform/logger"
	"github.com/tilebase/coremachine/internal/utils"
)

// Config gathers every engine option. Values resolve in three layers:
// built-in defaults, then the optional YAML file named by COREMACHINE_CONFIG,
// then environment variables.
type Config struct {
	Mode string
	Port string

	RedisAddr string

	JobQueueName  string
	TaskQueueName string

	MaxConcurrentJobs  int
	MaxConcurrentTasks int

	LeaseDuration        time.Duration
	LeaseRenewalInterval time.Duration
	LeaseMaxTotal        time.Duration
	BusMaxDeliveryCount  int

	AdvisoryLockNamespace uint32

	ReconcileInterval time.Duration
	ReconcileGrace    time.Duration

	AllowedOrigins []string
}

// fileConfig mirrors Config with the wire names used in the YAML file.
type fileConfig struct {
	Mode                        string   `yaml:"mode"`
	Port                        string   `yaml:"port"`
	RedisAddr                   string   `yaml:"redis_addr"`
	JobQueueName                string   `yaml:"job_queue_name"`
	TaskQueueName               string   `yaml:"task_queue_name"`
	MaxConcurrentJobs           int      `yaml:"max_concurrent_jobs"`
	MaxConcurrentTasks          int      `yaml:"max_concurrent_tasks"`
	LeaseDurationSeconds        int      `yaml:"lease_duration_seconds"`
	LeaseRenewalIntervalSeconds int      `yaml:"lease_renewal_interval_seconds"`
	LeaseMaxTotalSeconds        int      `yaml:"lease_max_total_seconds"`
	BusMaxDeliveryCount         int      `yaml:"bus_max_delivery_count"`
	AdvisoryLockNamespace       uint32   `yaml:"advisory_lock_namespace"`
	ReconcileIntervalSeconds    int      `yaml:"reconcile_interval_seconds"`
	ReconcileGraceSeconds       int      `yaml:"reconcile_grace_seconds"`
	AllowedOrigins              []string `yaml:"allowed_origins"`
}

// DefaultLockNamespace is "CORE" in ASCII, the documented default prefix for
// advisory lock keys.
const DefaultLockNamespace uint32 = 0x434F5245

func LoadConfig(log *logger.Logger) (Config, error) {
	fc := fileConfig{
		Mode:                        "development",
		Port:                        "8080",
		RedisAddr:                   "localhost:6379",
		JobQueueName:                "geospatial-jobs",
		TaskQueueName:               "geospatial-tasks",
		MaxConcurrentJobs:           2,
		MaxConcurrentTasks:          8,
		LeaseDurationSeconds:        300,
		LeaseRenewalIntervalSeconds: 120,
		LeaseMaxTotalSeconds:        1800,
		BusMaxDeliveryCount:         1,
		AdvisoryLockNamespace:       DefaultLockNamespace,
		ReconcileIntervalSeconds:    60,
		ReconcileGraceSeconds:       60,
	}

	if path := strings.TrimSpace(os.Getenv("COREMACHINE_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &fc); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if log != nil {
			log.Info("Loaded config file", "path", path)
		}
	}

	cfg := Config{
		Mode:                  utils.GetEnv("LOG_MODE", fc.Mode, log),
		Port:                  utils.GetEnv("PORT", fc.Port, log),
		RedisAddr:             utils.GetEnv("REDIS_ADDR", fc.RedisAddr, log),
		JobQueueName:          utils.GetEnv("JOB_QUEUE_NAME", fc.JobQueueName, log),
		TaskQueueName:         utils.GetEnv("TASK_QUEUE_NAME", fc.TaskQueueName, log),
		MaxConcurrentJobs:     utils.GetEnvAsInt("MAX_CONCURRENT_JOBS", fc.MaxConcurrentJobs, log),
		MaxConcurrentTasks:    utils.GetEnvAsInt("MAX_CONCURRENT_TASKS", fc.MaxConcurrentTasks, log),
		LeaseDuration:         secondsEnv("LEASE_DURATION_SECONDS", fc.LeaseDurationSeconds, log),
		LeaseRenewalInterval:  secondsEnv("LEASE_RENEWAL_INTERVAL_SECONDS", fc.LeaseRenewalIntervalSeconds, log),
		LeaseMaxTotal:         secondsEnv("LEASE_MAX_TOTAL_SECONDS", fc.LeaseMaxTotalSeconds, log),
		BusMaxDeliveryCount:   utils.GetEnvAsInt("BUS_MAX_DELIVERY_COUNT", fc.BusMaxDeliveryCount, log),
		AdvisoryLockNamespace: uint32(utils.GetEnvAsInt("ADVISORY_LOCK_NAMESPACE", int(fc.AdvisoryLockNamespace), log)),
		ReconcileInterval:     secondsEnv("RECONCILE_INTERVAL_SECONDS", fc.ReconcileIntervalSeconds, log),
		ReconcileGrace:        secondsEnv("RECONCILE_GRACE_SECONDS", fc.ReconcileGraceSeconds, log),
		AllowedOrigins:        fc.AllowedOrigins,
	}
	if origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); origins != "" {
		cfg.AllowedOrigins = splitAndTrim(origins)
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost:3000"}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.JobQueueName == c.TaskQueueName {
		return fmt.Errorf("job_queue_name and task_queue_name must differ (both %q)", c.JobQueueName)
	}
	if c.LeaseRenewalInterval >= c.LeaseDuration {
		return fmt.Errorf("lease_renewal_interval_seconds (%v) must be below lease_duration_seconds (%v)",
			c.LeaseRenewalInterval, c.LeaseDuration)
	}
	if c.LeaseMaxTotal < c.LeaseDuration {
		return fmt.Errorf("lease_max_total_seconds (%v) must be at least lease_duration_seconds (%v)",
			c.LeaseMaxTotal, c.LeaseDuration)
	}
	return nil
}

func secondsEnv(key string, fileVal int, log *logger.Logger) time.Duration {
	return time.Duration(utils.GetEnvAsInt(key, fileVal, log)) * time.Second
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
