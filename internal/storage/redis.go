package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	Namespace string
}

// RedisKV stores each key as a plain string value under a namespace
// prefix. SET is atomic per key.
type RedisKV struct {
	client    *redis.Client
	namespace string
}

func NewRedisKV(ctx context.Context, cfg RedisConfig) (*RedisKV, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("storage: redis address is required")
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "icgate:"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("storage: connect redis: %w", err)
	}
	return &RedisKV{client: client, namespace: ns}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	v, err := r.client.Get(ctx, r.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if errors.Is(err, redis.ErrClosed) {
		return nil, ErrClosed
	}
	return v, err
}

func (r *RedisKV) Put(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return r.client.Set(ctx, r.namespace+key, value, 0).Err()
}

func (r *RedisKV) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	return r.client.Del(ctx, r.namespace+key).Err()
}

func (r *RedisKV) List(ctx context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	iter := r.client.Scan(ctx, 0, r.namespace+escapeGlob(prefix)+"*", 256).Iterator()
	for iter.Next(ctx) {
		out = append(out, strings.TrimPrefix(iter.Val(), r.namespace))
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	return b.String()
}
