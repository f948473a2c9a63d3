package storage

import (
	"context"
	"fmt"
	"strings"
)

const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendMySQL  = "mysql"
)

type Config struct {
	Backend string
	Dir     string
	Redis   RedisConfig
	MySQL   MySQLConfig
}

func Open(ctx context.Context, cfg Config) (KV, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return NewFileKV(cfg.Dir)
	case BackendMemory:
		return NewMemoryKV(), nil
	case BackendRedis:
		return NewRedisKV(ctx, cfg.Redis)
	case BackendMySQL:
		return NewMySQLKV(ctx, cfg.MySQL)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", cfg.Backend)
	}
}
