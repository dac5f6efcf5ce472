// Package store wraps the Redis client kansas keeps its state in and owns
// the key schema.
//
// Key layout, with prefix "acme" (the prefix is optional):
//
//	acme:kansas:token:{token}                    hash, the token record
//	acme:kansas:index:token:{ownerId}            set of the owner's tokens
//	acme:kansas:usage:{bucket}:{token}           limit-mode counter
//	acme:kansas:usage:{bucket}:count:{token}     count-mode counter
package store

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pario-ai/kansas/pkg/errs"
)

// Namespace is appended to the configured prefix on every key.
const Namespace = "kansas:"

// Config holds the Redis connection settings.
type Config struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Prefix       string        `yaml:"prefix"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Store is a thin wrapper around a Redis client plus the key schema.
type Store struct {
	client redis.UniversalClient
	prefix string
	raw    string
}

// New creates a Store connected per cfg. The connection is lazy; call Ping
// to verify it.
func New(cfg Config) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	return NewWithClient(client, cfg.Prefix)
}

// NewWithClient wraps an existing client.
func NewWithClient(client redis.UniversalClient, prefix string) *Store {
	return &Store{client: client, prefix: KeyPrefix(prefix), raw: prefix}
}

// KeyPrefix returns the full key prefix for a configured prefix.
func KeyPrefix(prefix string) string {
	if prefix != "" && !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return prefix + Namespace
}

// Client returns the underlying Redis client.
func (s *Store) Client() redis.UniversalClient { return s.client }

// Prefix returns the configured prefix, as given.
func (s *Store) Prefix() string { return s.raw }

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.Database(errs.TypeConnectionFailure, "ping redis", err)
	}
	return nil
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}

// TokenKey returns the key of a token record.
func (s *Store) TokenKey(token string) string {
	return s.prefix + "token:" + token
}

// IndexKey returns the key of an owner's token index.
func (s *Store) IndexKey(ownerID string) string {
	return s.prefix + "index:token:" + ownerID
}

// UsageKey returns the key of a usage counter.
func (s *Store) UsageKey(bucket, token string, count bool) string {
	if count {
		return s.prefix + "usage:" + bucket + ":count:" + token
	}
	return s.prefix + "usage:" + bucket + ":" + token
}

// TokenPattern matches every token record key.
func (s *Store) TokenPattern() string {
	return s.prefix + "token:*"
}

// AllPattern matches every key under the prefix.
func (s *Store) AllPattern() string {
	return s.prefix + "*"
}

// Wrap converts a Redis failure into a database error. Nil stays nil.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var kerr *errs.Error
	if errors.As(err, &kerr) {
		return err
	}
	if isConnectionFailure(err) {
		return errs.Database(errs.TypeConnectionFailure, op, err)
	}
	return errs.Database(errs.TypeUnknown, op, err)
}

func isConnectionFailure(err error) bool {
	if errors.Is(err, redis.ErrClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
