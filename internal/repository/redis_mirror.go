package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nmea-ws-proxy/backend/internal/model"
)

// mirrorKeyPrefix namespaces mirrored session snapshots.
const mirrorKeyPrefix = "nmea:session:"

// RedisSessionMirror shares live session snapshots between proxy instances through Redis.
// Each snapshot lives under nmea:session:<instance>:<id> and expires unless refreshed.
type RedisSessionMirror struct {
	client   *redis.Client
	instance string
}

// NewRedisSessionMirror connects to Redis and verifies the connection.
func NewRedisSessionMirror(addr, password string, db int, instance string) (*RedisSessionMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisSessionMirrorFromClient(rdb, instance), nil
}

// NewRedisSessionMirrorFromClient wraps an existing client.
func NewRedisSessionMirrorFromClient(client *redis.Client, instance string) *RedisSessionMirror {
	return &RedisSessionMirror{client: client, instance: instance}
}

// Instance returns the identity this mirror publishes under.
func (m *RedisSessionMirror) Instance() string {
	return m.instance
}

func (m *RedisSessionMirror) key(id string) string {
	return mirrorKey(m.instance, id)
}

func mirrorKey(instance, id string) string {
	return mirrorKeyPrefix + instance + ":" + id
}

// Publish stores every snapshot with the given TTL in one pipeline.
func (m *RedisSessionMirror) Publish(ctx context.Context, sessions []model.SessionInfo, ttl time.Duration) error {
	if len(sessions) == 0 {
		return nil
	}

	pipe := m.client.Pipeline()
	for _, info := range sessions {
		info.Instance = m.instance
		data, err := json.Marshal(info)
		if err != nil {
			return fmt.Errorf("marshal session %s: %w", info.ID, err)
		}
		pipe.Set(ctx, m.key(info.ID), data, ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish failed: %w", err)
	}
	return nil
}

// Delete removes one session's snapshot.
func (m *RedisSessionMirror) Delete(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// List returns the snapshots published by every instance, oldest first.
func (m *RedisSessionMirror) List(ctx context.Context) ([]model.SessionInfo, error) {
	var keys []string
	iter := m.client.Scan(ctx, 0, mirrorKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}

	sessions := []model.SessionInfo{}
	if len(keys) == 0 {
		return sessions, nil
	}

	values, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}

	for i, v := range values {
		// Keys can expire between SCAN and MGET.
		s, ok := v.(string)
		if !ok {
			continue
		}
		info, err := decodeSnapshot(keys[i], s)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, info)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// Close closes the Redis client.
func (m *RedisSessionMirror) Close() error {
	return m.client.Close()
}

// decodeSnapshot parses a stored snapshot, filling the instance from the key when absent.
func decodeSnapshot(key, value string) (model.SessionInfo, error) {
	var info model.SessionInfo
	if err := json.Unmarshal([]byte(value), &info); err != nil {
		return info, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	if info.Instance == "" {
		rest := strings.TrimPrefix(key, mirrorKeyPrefix)
		if i := strings.LastIndex(rest, ":"); i > 0 {
			info.Instance = rest[:i]
		}
	}
	return info, nil
}
