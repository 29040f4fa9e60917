package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.JobQueueName != "geospatial-jobs" || cfg.TaskQueueName != "geospatial-tasks" {
		t.Fatalf("queue names = %s / %s", cfg.JobQueueName, cfg.TaskQueueName)
	}
	if cfg.MaxConcurrentJobs != 2 || cfg.MaxConcurrentTasks != 8 {
		t.Fatalf("concurrency = %d / %d", cfg.MaxConcurrentJobs, cfg.MaxConcurrentTasks)
	}
	if cfg.LeaseDuration != 5*time.Minute || cfg.LeaseMaxTotal != 30*time.Minute {
		t.Fatalf("lease = %v / %v", cfg.LeaseDuration, cfg.LeaseMaxTotal)
	}
	if cfg.BusMaxDeliveryCount != 1 {
		t.Fatalf("bus_max_delivery_count = %d", cfg.BusMaxDeliveryCount)
	}
	if cfg.AdvisoryLockNamespace != DefaultLockNamespace {
		t.Fatalf("advisory_lock_namespace = %#x", cfg.AdvisoryLockNamespace)
	}
}

func TestLoadConfigEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte("job_queue_name: file-jobs\nmax_concurrent_tasks: 3\nlease_duration_seconds: 600\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("COREMACHINE_CONFIG", path)
	t.Setenv("MAX_CONCURRENT_TASKS", "5")

	cfg, err := LoadConfig(nil)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.JobQueueName != "file-jobs" {
		t.Fatalf("file value ignored: job_queue_name = %s", cfg.JobQueueName)
	}
	if cfg.MaxConcurrentTasks != 5 {
		t.Fatalf("env did not override file: max_concurrent_tasks = %d", cfg.MaxConcurrentTasks)
	}
	if cfg.LeaseDuration != 10*time.Minute {
		t.Fatalf("lease_duration = %v", cfg.LeaseDuration)
	}
}

func TestLoadConfigRejectsBadLeaseLayout(t *testing.T) {
	t.Setenv("LEASE_RENEWAL_INTERVAL_SECONDS", "900")
	t.Setenv("LEASE_DURATION_SECONDS", "300")
	if _, err := LoadConfig(nil); err == nil {
		t.Fatalf("renewal interval above lease duration accepted")
	}
}

func TestLoadConfigRejectsSameQueueNames(t *testing.T) {
	t.Setenv("JOB_QUEUE_NAME", "q")
	t.Setenv("TASK_QUEUE_NAME", "q")
	if _, err := LoadConfig(nil); err == nil {
		t.Fatalf("identical queue names accepted")
	}
}
