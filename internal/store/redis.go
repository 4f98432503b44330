// Package store provides storage backends for ussdgate.
//
// This file implements a Redis-backed session store. Redis gives idle
// sessions a native TTL, so no reaper is needed for this backend. Farmer,
// loan and credit score records stay in the SQL store; Redis holds only the
// hot conversational state.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mkulima/ussdgate/internal/models"
	"github.com/redis/go-redis/v9"
)

const sessionKeyPrefix = "ussd:session:"

type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

var _ SessionStore = (*RedisSessionStore)(nil)

// NewRedisSessionStore connects to Redis and verifies the connection.
func NewRedisSessionStore(opts ...Option) (*RedisSessionStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewRedisSessionStore invoked", "addr_set", cfg.RedisAddr != "", "session_ttl", cfg.sessionTTL())

	if cfg.RedisAddr == "" {
		slog.Error("RedisSessionStore address not set")
		return nil, fmt.Errorf("redis address not set")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		slog.Error("Redis ping failed", "error", err, "addr", cfg.RedisAddr)
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	slog.Debug("Redis ping successful", "addr", cfg.RedisAddr)

	return &RedisSessionStore{client: client, ttl: cfg.sessionTTL()}, nil
}

// Close closes the Redis client.
func (s *RedisSessionStore) Close() error {
	return s.client.Close()
}

// GetOrCreateSession returns the live session for def.ID, creating it from
// def on miss. Expiry is handled by the key TTL.
func (s *RedisSessionStore) GetOrCreateSession(ctx context.Context, def models.Session) (models.Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+def.ID).Result()
	if err == redis.Nil {
		slog.Debug("RedisSessionStore GetOrCreateSession miss, creating", "sessionID", def.ID)
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	if err != nil {
		slog.Error("RedisSessionStore GetOrCreateSession failed", "error", err, "sessionID", def.ID)
		return models.Session{}, fmt.Errorf("get session %s: %w", def.ID, err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// A corrupt value is unrecoverable for this hop; start over from def.
		slog.Error("RedisSessionStore session decode failed, resetting", "error", err, "sessionID", def.ID)
		if err := s.SaveSession(ctx, def); err != nil {
			return models.Session{}, err
		}
		return def, nil
	}
	return sess, nil
}

// SaveSession replaces the stored session and refreshes its TTL.
func (s *RedisSessionStore) SaveSession(ctx context.Context, sess models.Session) error {
	now := time.Now()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now
	raw, err := json.Marshal(sess)
	if err != nil {
		slog.Error("RedisSessionStore SaveSession encode failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, raw, s.ttl).Err(); err != nil {
		slog.Error("RedisSessionStore SaveSession failed", "error", err, "sessionID", sess.ID)
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	slog.Debug("RedisSessionStore SaveSession succeeded", "sessionID", sess.ID, "level", sess.Level, "menu", sess.Menu)
	return nil
}

// DeleteSession removes the stored state for a session identifier.
func (s *RedisSessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, sessionKeyPrefix+sessionID).Err(); err != nil {
		slog.Error("RedisSessionStore DeleteSession failed", "error", err, "sessionID", sessionID)
		return fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	return nil
}
