package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	sessionKeyPrefix = "session:"
	claimKeyPrefix   = "claim:"

	// claimTTL bounds how long an orphaned claim key survives if a worker
	// dies between the rename and the delete.
	claimTTL = time.Minute

	// reserveGrace bounds how long a reservation without flow fields
	// survives when the backend call after it fails. The session TTL armed
	// at completion replaces it.
	reserveGrace = 10 * time.Minute
)

// RedisConfig configures the Redis-backed coordination store.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// RedisStore implements Store on a Redis instance. Each lifecycle step maps
// onto one atomic Redis command, so concurrently handled requests across all
// worker processes serialize at the store without in-process locks: HSETNX
// for the conditional reserve, RENAME for the consume claim.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis using the provided configuration.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &RedisStore{client: client}, nil
}

func sessionKey(id string) string {
	return sessionKeyPrefix + id
}

func claimKey(id string) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("claim nonce: %w", err)
	}
	return claimKeyPrefix + id + ":" + hex.EncodeToString(nonce), nil
}

// Reserve conditionally creates the session hash. HSETNX only writes when the
// field is absent, which makes the first writer the sole binder of id.
func (s *RedisStore) Reserve(ctx context.Context, id, storageServer string) (bool, error) {
	created, err := s.client.HSetNX(ctx, sessionKey(id), "storage_server", storageServer).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx %s: %w", id, err)
	}
	if created {
		_ = s.client.Expire(ctx, sessionKey(id), reserveGrace).Err()
	}
	return created, nil
}

// Complete records the flow fields on the reserved hash.
func (s *RedisStore) Complete(ctx context.Context, id string, size int64, flowID, flowToken string) error {
	err := s.client.HSet(ctx, sessionKey(id),
		"size", strconv.FormatInt(size, 10),
		"flow_id", flowID,
		"flow_token", flowToken,
	).Err()
	if err != nil {
		return fmt.Errorf("hset %s: %w", id, err)
	}
	return nil
}

// Expire arms the TTL on the session hash.
func (s *RedisStore) Expire(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, sessionKey(id), ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", id, err)
	}
	return nil
}

// Consume claims the session by atomically renaming its key to a one-off
// claim key. Only one rename can succeed per source key, so exactly one
// concurrent caller proceeds to read the fields; every other caller observes
// the rename fail and reports not found. The claim key is read, then deleted.
func (s *RedisStore) Consume(ctx context.Context, id string) (Record, bool, error) {
	claim, err := claimKey(id)
	if err != nil {
		return Record{}, false, err
	}
	if err := s.client.Rename(ctx, sessionKey(id), claim).Err(); err != nil {
		if isNoSuchKey(err) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("rename %s: %w", id, err)
	}
	// Self-cleaning bound in case the delete below is never reached.
	_ = s.client.PExpire(ctx, claim, claimTTL).Err()

	fields, err := s.client.HGetAll(ctx, claim).Result()
	delErr := s.client.Del(ctx, claim).Err()
	if err != nil {
		return Record{}, false, fmt.Errorf("hgetall %s: %w", id, err)
	}
	if delErr != nil {
		return Record{}, false, fmt.Errorf("del claim %s: %w", id, delErr)
	}

	record, ok := recordFromFields(fields)
	if !ok {
		// Reserved but never completed, or corrupted; treat as absent.
		return Record{}, false, nil
	}
	return record, true, nil
}

// Publish sends the notification payload on the channel. The subscriber
// count is irrelevant; delivery is best effort.
func (s *RedisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Ping reports Redis reachability.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool, bounded by the context.
func (s *RedisStore) Close(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.client.Close()
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func recordFromFields(fields map[string]string) (Record, bool) {
	storageServer := fields["storage_server"]
	rawSize := fields["size"]
	flowID := fields["flow_id"]
	flowToken := fields["flow_token"]
	if storageServer == "" || rawSize == "" || flowID == "" || flowToken == "" {
		return Record{}, false
	}
	size, err := strconv.ParseInt(rawSize, 10, 64)
	if err != nil || size <= 0 {
		return Record{}, false
	}
	return Record{
		StorageServer: storageServer,
		Size:          size,
		FlowID:        flowID,
		FlowToken:     flowToken,
	}, true
}

func isNoSuchKey(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such key")
}
