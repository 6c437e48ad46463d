// Package registry implements the shared Connection Registry: a TTL-based
// store mapping each user to their live connection records across every
// service instance.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-realtime-service/pkg/realtime"
)

// redisClient defines the interface we need from go-redis.
type redisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SMembers(ctx context.Context, key string) *redis.StringSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// RedisRegistry implements realtime.ConnectionRegistry on Redis.
// It uses two structures per connection:
//  1. `conn:{connectionId}`: the JSON record, under the rolling TTL.
//  2. `connections:{userId}`: a set indexing the user's connection IDs.
//
// Index entries whose record key has expired are pruned lazily on read, so
// expiry behaves exactly like a deregister.
type RedisRegistry struct {
	client redisClient
	ttl    time.Duration
	logger zerolog.Logger
}

// NewRedisRegistry is the constructor for the RedisRegistry. ttl should be
// about twice the client heartbeat interval.
func NewRedisRegistry(client redisClient, ttl time.Duration, logger zerolog.Logger) (*RedisRegistry, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("registry ttl must be positive, got %s", ttl)
	}
	return &RedisRegistry{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "RedisRegistry").Logger(),
	}, nil
}

// Register stores the record and indexes it under the user's connection set.
func (r *RedisRegistry) Register(ctx context.Context, record realtime.ConnectionRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}

	if err := r.client.Set(ctx, connKey(record.ConnectionID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store connection record: %w", err)
	}
	if err := r.client.SAdd(ctx, userConnsKey(record.UserID), record.ConnectionID).Err(); err != nil {
		return fmt.Errorf("failed to index connection record: %w", err)
	}

	r.logger.Debug().Str("user", record.UserID).Str("conn", record.ConnectionID).Msg("Connection registered")
	return nil
}

// Refresh re-arms the record TTL and bumps its heartbeat timestamp. A record
// that already expired returns realtime.ErrNotFound: the caller must
// re-register, and presence treats the gap as a disconnect.
func (r *RedisRegistry) Refresh(ctx context.Context, connectionID string) error {
	record, err := r.get(ctx, connectionID)
	if err != nil {
		return err
	}

	record.LastHeartbeatAt = time.Now().UTC()
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal connection record: %w", err)
	}
	if err := r.client.Set(ctx, connKey(connectionID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to refresh connection record: %w", err)
	}
	return nil
}

// Deregister removes the record and its index entry. Unknown records are a
// no-op: the TTL may simply have beaten us to it.
func (r *RedisRegistry) Deregister(ctx context.Context, connectionID string) error {
	record, err := r.get(ctx, connectionID)
	if errors.Is(err, realtime.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if err := r.client.Del(ctx, connKey(connectionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete connection record: %w", err)
	}
	if err := r.client.SRem(ctx, userConnsKey(record.UserID), connectionID).Err(); err != nil {
		r.logger.Warn().Err(err).Str("conn", connectionID).Msg("Failed to prune connection index")
	}

	r.logger.Debug().Str("user", record.UserID).Str("conn", connectionID).Msg("Connection deregistered")
	return nil
}

// ListConnections returns every live record for the user, pruning index
// entries whose record key has expired.
func (r *RedisRegistry) ListConnections(ctx context.Context, userID string) ([]realtime.ConnectionRecord, error) {
	indexKey := userConnsKey(userID)
	ids, err := r.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read connection index: %w", err)
	}

	records := make([]realtime.ConnectionRecord, 0, len(ids))
	for _, id := range ids {
		record, err := r.get(ctx, id)
		if errors.Is(err, realtime.ErrNotFound) {
			// Expired record; prune the stale index entry.
			if remErr := r.client.SRem(ctx, indexKey, id).Err(); remErr != nil {
				r.logger.Warn().Err(remErr).Str("conn", id).Msg("Failed to prune expired connection from index")
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// IsAnyConnectionLive reports whether the user has at least one live record.
func (r *RedisRegistry) IsAnyConnectionLive(ctx context.Context, userID string) (bool, error) {
	records, err := r.ListConnections(ctx, userID)
	if err != nil {
		return false, err
	}
	return len(records) > 0, nil
}

// Ping reports registry connectivity for the health surface.
func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisRegistry) get(ctx context.Context, connectionID string) (*realtime.ConnectionRecord, error) {
	payload, err := r.client.Get(ctx, connKey(connectionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, realtime.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connection record: %w", err)
	}

	var record realtime.ConnectionRecord
	if err := json.Unmarshal([]byte(payload), &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal connection record %s: %w", connectionID, err)
	}
	return &record, nil
}

// --- Private Helpers ---

// key formatting helpers
func connKey(connectionID string) string { return "conn:" + connectionID }
func userConnsKey(userID string) string  { return "connections:" + userID }
