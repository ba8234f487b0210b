// SPDX-License-Identifier: MIT

package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ManuGH/tonearm/internal/errkind"
)

const redisSessionPrefix = "tonearm:session:"

// RedisStore keeps sessions in Redis so they survive restarts and can be
// shared by multiple instances. Expiry rides on the Redis key TTL, which
// every read re-arms so only idle sessions lapse.
type RedisStore struct {
	client *redis.Client
	clock  clock
}

// NewRedisStore connects and pings the Redis server.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis ping %s: %w", addr, err)
	}

	return &RedisStore{client: client, clock: realClock{}}, nil
}

func (s *RedisStore) Put(ctx context.Context, sess *Session) error {
	if sess.ID == "" {
		return errkind.New(errkind.KindValidation, "session: id is required")
	}

	ttl := sess.ExpiresAt.Sub(s.clock.Now())
	if ttl <= 0 {
		return errkind.New(errkind.KindValidation, "session: already expired")
	}

	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: marshal: %w", err)
	}
	if err := s.client.Set(ctx, redisSessionPrefix+sess.ID, data, ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	data, err := s.client.Get(ctx, redisSessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}

	if sess.TTL > 0 {
		sess.Touch(s.clock.Now())
		if refreshed, err := json.Marshal(&sess); err == nil {
			// Best effort: a lost refresh only shortens the idle window.
			_ = s.client.Set(ctx, redisSessionPrefix+id, refreshed, sess.TTL).Err()
		}
	}
	return &sess, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, redisSessionPrefix+id).Err(); err != nil {
		return fmt.Errorf("session: redis del: %w", err)
	}
	return nil
}

func (s *RedisStore) Len(ctx context.Context) (int, error) {
	var (
		cursor uint64
		count  int
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, redisSessionPrefix+"*", 100).Result()
		if err != nil {
			return 0, fmt.Errorf("session: redis scan: %w", err)
		}
		count += len(keys)
		if next == 0 {
			return count, nil
		}
		cursor = next
	}
}

// Close releases the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
