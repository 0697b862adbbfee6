// internal/pkg/session/redis_store.go
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"lifeline-client/internal/domain/auth"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	keyAccessToken  = "auth:access_token"
	keyRefreshToken = "auth:refresh_token"
	keyUser         = "auth:user"
	keyState        = "auth:state"
	keyExpiresIn    = "auth:expires_in"
	keyDeviceID     = "device:id"
)

type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Load(ctx context.Context) (Data, error) {
	vals, err := s.client.MGet(ctx,
		s.key(keyAccessToken),
		s.key(keyRefreshToken),
		s.key(keyUser),
		s.key(keyState),
		s.key(keyExpiresIn),
	).Result()
	if err != nil {
		return Data{}, fmt.Errorf("failed to load session: %w", err)
	}

	str := func(i int) string {
		if v, ok := vals[i].(string); ok {
			return v
		}
		return ""
	}

	var d Data
	if access := str(0); access != "" {
		d.Tokens = &auth.TokenPair{AccessToken: access, RefreshToken: str(1)}
		if exp := str(4); exp != "" {
			d.Tokens.ExpiresIn, _ = strconv.ParseInt(exp, 10, 64)
		}
	}
	if raw := str(2); raw != "" {
		var u auth.CachedUser
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			return Data{}, fmt.Errorf("failed to unmarshal cached user: %w", err)
		}
		d.User = &u
	}
	if raw := str(3); raw != "" {
		var st auth.AuthState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			return Data{}, fmt.Errorf("failed to unmarshal auth state: %w", err)
		}
		d.State = &st
	}
	return d, nil
}

// Save replaces the stored session atomically. Nil parts are deleted.
func (s *RedisStore) Save(ctx context.Context, d Data) error {
	var userJSON, stateJSON []byte
	var err error
	if d.User != nil {
		if userJSON, err = json.Marshal(d.User); err != nil {
			return fmt.Errorf("failed to marshal cached user: %w", err)
		}
	}
	if d.State != nil {
		if stateJSON, err = json.Marshal(d.State); err != nil {
			return fmt.Errorf("failed to marshal auth state: %w", err)
		}
	}

	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if d.Tokens == nil {
			p.Del(ctx, s.key(keyAccessToken), s.key(keyRefreshToken), s.key(keyExpiresIn))
		} else {
			p.Set(ctx, s.key(keyAccessToken), d.Tokens.AccessToken, 0)
			if d.Tokens.RefreshToken != "" {
				p.Set(ctx, s.key(keyRefreshToken), d.Tokens.RefreshToken, 0)
			} else {
				p.Del(ctx, s.key(keyRefreshToken))
			}
			if d.Tokens.ExpiresIn > 0 {
				p.Set(ctx, s.key(keyExpiresIn), d.Tokens.ExpiresIn, 0)
			} else {
				p.Del(ctx, s.key(keyExpiresIn))
			}
		}
		if userJSON != nil {
			p.Set(ctx, s.key(keyUser), userJSON, 0)
		} else {
			p.Del(ctx, s.key(keyUser))
		}
		if stateJSON != nil {
			p.Set(ctx, s.key(keyState), stateJSON, 0)
		} else {
			p.Del(ctx, s.key(keyState))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	err := s.client.Del(ctx,
		s.key(keyAccessToken),
		s.key(keyRefreshToken),
		s.key(keyUser),
		s.key(keyState),
		s.key(keyExpiresIn),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear session: %w", err)
	}
	return nil
}

func (s *RedisStore) DeviceID(ctx context.Context) (string, error) {
	id, err := s.client.Get(ctx, s.key(keyDeviceID)).Result()
	if err == nil && id != "" {
		return id, nil
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}

	// SETNX so two processes racing on first start agree on one id.
	candidate := uuid.NewString()
	if err := s.client.SetNX(ctx, s.key(keyDeviceID), candidate, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to store device id: %w", err)
	}
	id, err = s.client.Get(ctx, s.key(keyDeviceID)).Result()
	if err != nil {
		return "", fmt.Errorf("failed to read device id: %w", err)
	}
	return id, nil
}
