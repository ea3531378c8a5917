package redis

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/giantswarm/oauth-server/instrumentation"
	"github.com/giantswarm/oauth-server/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Redis keys
	DefaultKeyPrefix = "oauth:"

	// Default timeouts for Redis operations.
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second

	// maxTxAttempts bounds optimistic transaction retries under contention.
	maxTxAttempts = 16
)

// errUnchanged makes modify skip the write without failing.
var errUnchanged = errors.New("record unchanged")

// Config holds configuration for the Redis storage backend.
type Config struct {
	// Addrs lists the Redis addresses (required). A single address connects
	// to a standalone server, several to a cluster; with MasterName set they
	// are Sentinel addresses.
	Addrs []string

	// MasterName selects Sentinel failover mode.
	MasterName string

	Username string
	Password string

	// DB is the database number (standalone and Sentinel only)
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:")
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections
	TLS *tls.Config

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger is the optional structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Store is a Redis-backed implementation of storage.Store.
//
// Unique values are claimed with SETNX, compare-and-revoke operations run in
// WATCH/MULTI transactions. Set-valued secondary indexes let the store
// cascade deletes and find tokens by application and resource owner.
type Store struct {
	client goredis.UniversalClient
	prefix string
	logger *slog.Logger

	instrumentation *instrumentation.Instrumentation
}

var _ storage.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if len(cfg.Addrs) == 0 {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        cfg.Addrs,
		MasterName:   cfg.MasterName,
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		TLSConfig:    cfg.TLS,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	s := NewWithClient(client, cfg.KeyPrefix)
	if cfg.Logger != nil {
		s.logger = cfg.Logger
	}
	s.logger.Info("Connected to redis", "addrs", cfg.Addrs, "key_prefix", s.prefix)
	return s, nil
}

// NewWithClient creates a store on a pre-configured client, e.g. one
// pointing at miniredis in tests.
func NewWithClient(client goredis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{
		client: client,
		prefix: keyPrefix,
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
// Call it before the store is shared between goroutines.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) track(ctx context.Context, operation string) (context.Context, func(error)) {
	return s.instrumentation.StartStorageOperation(ctx, "redis", operation)
}

// ============================================================
// Key helpers
// ============================================================

func (s *Store) appKey(id string) string          { return s.prefix + "app:" + id }
func (s *Store) appUIDKey(uid string) string      { return s.prefix + "app_uid:" + uid }
func (s *Store) appsKey() string                  { return s.prefix + "apps" }
func (s *Store) appGrantsKey(id string) string    { return s.prefix + "app_grants:" + id }
func (s *Store) appDevicesKey(id string) string   { return s.prefix + "app_devices:" + id }
func (s *Store) appTokensKey(id string) string    { return s.prefix + "app_tokens:" + id }
func (s *Store) grantKey(code string) string      { return s.prefix + "grant:" + code }
func (s *Store) grantsKey() string                { return s.prefix + "grants" }
func (s *Store) deviceKey(code string) string     { return s.prefix + "device:" + code }
func (s *Store) userCodeKey(code string) string   { return s.prefix + "user_code:" + code }
func (s *Store) devicesKey() string               { return s.prefix + "devices" }
func (s *Store) tokenKey(token string) string     { return s.prefix + "token:" + token }
func (s *Store) refreshKey(token string) string   { return s.prefix + "refresh:" + token }
func (s *Store) tokensKey() string                { return s.prefix + "tokens" }
func (s *Store) familyKey(familyID string) string { return s.prefix + "family:" + familyID }
func (s *Store) ownerTokensKey(appID, ownerID string) string {
	return s.prefix + "owner_tokens:" + appID + ":" + ownerID
}

// ============================================================
// Generic helpers
// ============================================================

// getter is satisfied by clients and transactions.
type getter interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
}

// get loads and decodes the JSON record at key.
func get[T any](ctx context.Context, c getter, key string) (*T, error) {
	data, err := c.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	rec := new(T)
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// modify applies fn to the JSON record at key inside an optimistic WATCH
// transaction, retrying when another client changed the key meanwhile. The
// decoded record is returned even when fn fails.
func modify[T any](ctx context.Context, c goredis.UniversalClient, key string, fn func(*T) error) (*T, error) {
	var rec *T
	txf := func(tx *goredis.Tx) error {
		var err error
		rec, err = get[T](ctx, tx, key)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, data, goredis.KeepTTL)
			return nil
		})
		return err
	}

	for range maxTxAttempts {
		err := c.Watch(ctx, txf, key)
		switch {
		case errors.Is(err, goredis.TxFailedErr):
			continue
		case errors.Is(err, errUnchanged):
			return rec, nil
		default:
			return rec, err
		}
	}
	return nil, fmt.Errorf("transaction aborted after %d attempts under contention", maxTxAttempts)
}

// claim stores value under key only if the key is free.
func (s *Store) claim(ctx context.Context, key string, value any) error {
	ok, err := s.client.SetNX(ctx, key, value, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if !ok {
		return storage.ErrAlreadyExists
	}
	return nil
}

// members returns the members of an index set.
func (s *Store) members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	return members, nil
}
