package config

import (
	"os"
	"testing"
)

func TestWorkerCountClamp(t *testing.T) {
	t.Setenv("WORKER_COUNT", "9000")
	cfg := Load()
	if cfg.WorkerCount != 256 {
		t.Fatalf("expected worker count clamped to 256, got %d", cfg.WorkerCount)
	}
}

func TestRetryDelayDefaultsFromProcessTimeout(t *testing.T) {
	t.Setenv("PROCESS_TIMEOUT", "2m")
	t.Setenv("RETRY_DELAY", "")
	cfg := Load()
	if cfg.RetryDelay != cfg.ProcessTimeout*10 {
		t.Fatalf("expected retry delay %s, got %s", cfg.ProcessTimeout*10, cfg.RetryDelay)
	}
}

func TestEtcdEndpointsSplitsCSV(t *testing.T) {
	t.Setenv("ETCD_ENDPOINTS", "http://a:2379,http://b:2379")
	cfg := Load()
	if len(cfg.EtcdEndpoints) != 2 || cfg.EtcdEndpoints[0] != "http://a:2379" || cfg.EtcdEndpoints[1] != "http://b:2379" {
		t.Fatalf("unexpected etcd endpoints: %v", cfg.EtcdEndpoints)
	}
}

func TestDriverDefaultsToMemory(t *testing.T) {
	cfg := Load()
	if cfg.Driver != "memory" {
		t.Fatalf("expected default driver memory, got %s", cfg.Driver)
	}
}

func TestConfigFileOverlayOverridesDriver(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.yaml"
	contents := "driver: postgres\npostgres_dsn: postgres://localhost/durableq\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	cfg := Load()
	if cfg.Driver != "postgres" {
		t.Fatalf("expected overlay driver postgres, got %s", cfg.Driver)
	}
	if cfg.PostgresDSN != "postgres://localhost/durableq" {
		t.Fatalf("expected overlay dsn, got %s", cfg.PostgresDSN)
	}
}
