package server

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTLSConfig optionally enables TLS on the rate-limit store's Redis
// connection, trusting the given CA when provided.
type RedisTLSConfig struct {
	CAFile string
}

// RedisStoreConfig configures the Redis-backed tokenStore used to enforce
// per-category rate limits across multiple API instances.
type RedisStoreConfig struct {
	Addr     string
	Password string
	Timeout  time.Duration
	TLS      RedisTLSConfig
}

type redisStore struct {
	client *redis.Client
}

func newRedisStore(cfg RedisStoreConfig) (*redisStore, error) {
	options := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}

	if cfg.TLS.CAFile != "" {
		pem, err := os.ReadFile(cfg.TLS.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read redis ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("parse redis ca file %q: no certificates found", cfg.TLS.CAFile)
		}
		options.TLSConfig = &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}
	}

	return &redisStore{client: redis.NewClient(options)}, nil
}

// Allow implements a fixed-window counter using INCR+EXPIRE.
func (s *redisStore) Allow(key string, limit int, window time.Duration) (bool, time.Duration, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		seconds := window
		if seconds <= 0 {
			seconds = time.Second
		}
		if err := s.client.Expire(ctx, key, seconds).Err(); err != nil {
			return false, 0, err
		}
	}
	if count <= int64(limit) {
		return true, 0, nil
	}

	ttl, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if ttl < 0 {
		return false, window, nil
	}
	return false, ttl, nil
}

func (s *redisStore) Close(ctx context.Context) error {
	return s.client.Close()
}
