package main

import (
	"context"
	"fmt"

	"durableq/internal/config"
	"durableq/internal/driver"
	"durableq/internal/driver/etcdq"
	"durableq/internal/driver/file"
	"durableq/internal/driver/memory"
	"durableq/internal/driver/postgres"
	"durableq/internal/driver/redisq"
	"durableq/internal/driver/sqlite"
	"durableq/internal/logging"
)

// openDriver constructs the storage backend named by cfg.Driver.
func openDriver(cfg config.Config, logger logging.Logger) (driver.Driver, error) {
	switch cfg.Driver {
	case "", "memory":
		return memory.New(), nil
	case "file":
		return file.New(cfg.DBPath, logger)
	case "sqlite":
		return sqlite.Open(cfg.DBPath)
	case "postgres":
		return postgres.Open(context.Background(), cfg.PostgresDSN)
	case "redis":
		return redisq.Open(cfg.RedisAddr)
	case "etcd":
		return etcdq.Open(cfg.EtcdEndpoints, cfg.EtcdDialTimeout)
	default:
		return nil, fmt.Errorf("unknown driver %q", cfg.Driver)
	}
}
