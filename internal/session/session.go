// Package session implements the Session Store (C3): the server-side
// record of live sessions that makes refresh credentials revocable. A
// refresh credential is usable iff its session record exists (spec §3
// invariant) — nothing about the credential's own signature matters once
// the session is gone.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Record is the stored session shape (spec §3).
type Record struct {
	UserID    string    `json:"userId"`
	RefreshID string    `json:"refreshId"`
	CreatedAt time.Time `json:"createdAt"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
}

// Store is the contract from spec §4.3.
type Store interface {
	SaveRefresh(ctx context.Context, refreshID string, rec Record, ttl time.Duration) error
	LookupRefresh(ctx context.Context, refreshID string) (*Record, error)
	DeleteRefresh(ctx context.Context, refreshID string) error
	DeleteAllForUser(ctx context.Context, userID string) error
}

// RedisStore backs the contract with a keyed TTL store. Eventually
// consistent between replicas is acceptable per spec: a stale live refresh
// is upper-bounded by the credential's own exp.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
}

func NewRedisStore(rdb *redis.Client, keyPrefix string) *RedisStore {
	return &RedisStore{rdb: rdb, prefix: keyPrefix}
}

func (s *RedisStore) refreshKey(refreshID string) string {
	return fmt.Sprintf("%ssession:refresh:%s", s.prefix, refreshID)
}

func (s *RedisStore) userIndexKey(userID string) string {
	return fmt.Sprintf("%ssession:user:%s", s.prefix, userID)
}

func (s *RedisStore) SaveRefresh(ctx context.Context, refreshID string, rec Record, ttl time.Duration) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("session: marshal record: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, s.refreshKey(refreshID), b, ttl)
	pipe.SAdd(ctx, s.userIndexKey(rec.UserID), refreshID)
	pipe.Expire(ctx, s.userIndexKey(rec.UserID), ttl)
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) LookupRefresh(ctx context.Context, refreshID string) (*Record, error) {
	b, err := s.rdb.Get(ctx, s.refreshKey(refreshID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("session: refresh %s not found", refreshID)
	}
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil, fmt.Errorf("session: unmarshal record: %w", err)
	}
	return &rec, nil
}

func (s *RedisStore) DeleteRefresh(ctx context.Context, refreshID string) error {
	// Idempotent: deleting an absent key is not an error (spec §8 Logout
	// idempotence test).
	return s.rdb.Del(ctx, s.refreshKey(refreshID)).Err()
}

func (s *RedisStore) DeleteAllForUser(ctx context.Context, userID string) error {
	ids, err := s.rdb.SMembers(ctx, s.userIndexKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil
		}
		return err
	}
	if len(ids) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ids)+1)
	for _, id := range ids {
		keys = append(keys, s.refreshKey(id))
	}
	keys = append(keys, s.userIndexKey(userID))
	return s.rdb.Del(ctx, keys...).Err()
}
