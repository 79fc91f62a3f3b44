package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// SecretStore resolves the shared client secret for an API key. Lookups
// return ErrUnknownKey when the key is not provisioned.
type SecretStore interface {
	Lookup(ctx context.Context, keyID string) ([]byte, error)
}

// StaticSecretStore holds secrets loaded from configuration.
type StaticSecretStore struct {
	secrets map[string][]byte
}

// NewStaticSecretStore decodes base64 secrets keyed by API key.
func NewStaticSecretStore(keys map[string]string) (*StaticSecretStore, error) {
	secrets := make(map[string][]byte, len(keys))
	for id, encoded := range keys {
		secret, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("secret for key %s is not base64: %w", id, err)
		}
		secrets[id] = secret
	}
	return &StaticSecretStore{secrets: secrets}, nil
}

func (s *StaticSecretStore) Lookup(_ context.Context, keyID string) ([]byte, error) {
	secret, ok := s.secrets[keyID]
	if !ok {
		return nil, ErrUnknownKey
	}
	return secret, nil
}

// RedisSecretStore reads base64 secrets from a Redis hash keyed by API key.
type RedisSecretStore struct {
	client *redis.Client
	hash   string
}

// NewRedisSecretStore connects to redisURL and checks the connection.
func NewRedisSecretStore(ctx context.Context, redisURL, hash string) (*RedisSecretStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 5 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisSecretStore{client: client, hash: hash}, nil
}

func (s *RedisSecretStore) Lookup(ctx context.Context, keyID string) ([]byte, error) {
	encoded, err := s.client.HGet(ctx, s.hash, keyID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnknownKey
	}
	if err != nil {
		return nil, fmt.Errorf("redis lookup: %w", err)
	}

	secret, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("secret for key %s is not base64: %w", keyID, err)
	}
	return secret, nil
}

// Ready pings Redis.
func (s *RedisSecretStore) Ready(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *RedisSecretStore) Close() error {
	return s.client.Close()
}
