// Package config loads the settings that select a storage driver and
// size a runner's worker pool from the environment, with an optional
// YAML file overlay for connection settings.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-driven settings.
type Config struct {
	Environment string

	Driver          string // memory, file, sqlite, postgres, redis, etcd
	DBPath          string // file, sqlite
	PostgresDSN     string
	RedisAddr       string
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration

	WorkerCount     int
	MaxRetries      int
	ProcessTimeout  time.Duration
	BatchSize       int
	RetryDelay      time.Duration
	StuckMultiplier int

	MetricsAddr string
	LogMode     string
}

// overlay is the shape of the optional YAML file named by CONFIG_FILE.
// Only driver connection settings are exposed there; worker sizing and
// retry tuning stay environment-only.
type overlay struct {
	Driver        string   `yaml:"driver"`
	DBPath        string   `yaml:"db_path"`
	PostgresDSN   string   `yaml:"postgres_dsn"`
	RedisAddr     string   `yaml:"redis_addr"`
	EtcdEndpoints []string `yaml:"etcd_endpoints"`
}

// Load reads configuration from the environment and an optional .env
// file, then applies an optional YAML overlay (CONFIG_FILE) on top: every
// driver connection setting the overlay gives a non-empty value replaces
// the environment's value.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Environment: getenv("ENVIRONMENT", "local"),

		Driver:          getenv("QUEUE_DRIVER", "memory"),
		DBPath:          getenv("DB_PATH", "./durableq.db"),
		PostgresDSN:     getenv("POSTGRES_DSN", ""),
		RedisAddr:       getenv("REDIS_ADDR", "localhost:6379"),
		EtcdEndpoints:   splitCSV(getenv("ETCD_ENDPOINTS", "")),
		EtcdDialTimeout: getenvDuration("ETCD_DIAL_TIMEOUT", 5*time.Second),

		WorkerCount:     clampInt(getenvInt("WORKER_COUNT", 1), 1, 256),
		MaxRetries:      clampInt(getenvInt("MAX_RETRIES", 5), 0, 1000),
		ProcessTimeout:  getenvDuration("PROCESS_TIMEOUT", 5*time.Minute),
		BatchSize:       clampInt(getenvInt("BATCH_SIZE", 100), 1, 10000),
		RetryDelay:      getenvDuration("RETRY_DELAY", 0),
		StuckMultiplier: clampInt(getenvInt("STUCK_MULTIPLIER", 10), 1, 1000),

		MetricsAddr: getenv("METRICS_ADDR", ":9090"),
		LogMode:     getenv("LOG_MODE", "development"),
	}

	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = cfg.ProcessTimeout * 10
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := applyOverlay(&cfg, path); err != nil {
			log.Printf("config: overlay %s: %v", path, err)
		}
	}

	log.Printf("config: driver=%s env=%s workers=%d batch_size=%d",
		cfg.Driver, cfg.Environment, cfg.WorkerCount, cfg.BatchSize)
	return cfg
}

func applyOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if o.Driver != "" {
		cfg.Driver = o.Driver
	}
	if o.DBPath != "" {
		cfg.DBPath = o.DBPath
	}
	if o.PostgresDSN != "" {
		cfg.PostgresDSN = o.PostgresDSN
	}
	if o.RedisAddr != "" {
		cfg.RedisAddr = o.RedisAddr
	}
	if len(o.EtcdEndpoints) > 0 {
		cfg.EtcdEndpoints = o.EtcdEndpoints
	}
	return nil
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
