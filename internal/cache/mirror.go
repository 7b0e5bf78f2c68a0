package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/docuflow/docuflow/internal/storage"
	"github.com/docuflow/docuflow/pkg/errors"
	"github.com/docuflow/docuflow/pkg/logging"
)

// Mirror is the optional external copy of the in-memory cache. The memory
// cache is always authoritative; mirror writes and deletes are best-effort
// and a mirror failure never fails the caller.
type Mirror interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Del(ctx context.Context, keys ...string) error
	DelPattern(ctx context.Context, pattern string) error
}

// RedisMirror mirrors cache entries into Redis under the same
// "{category}:{hash}" keys, prefixed with a namespace.
type RedisMirror struct {
	client *storage.RedisClient
	prefix string
	logger *logging.Logger
}

// NewRedisMirror creates a Redis-backed cache mirror
func NewRedisMirror(client *storage.RedisClient, logger *logging.Logger) *RedisMirror {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &RedisMirror{
		client: client,
		prefix: "docuflow:cache:",
		logger: logger,
	}
}

func (m *RedisMirror) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.NewInternalError("failed to serialize cache value for mirror").WithCause(err)
	}
	return m.client.Set(ctx, m.prefix+key, payload, ttl)
}

func (m *RedisMirror) Get(ctx context.Context, key string) (interface{}, bool, error) {
	payload, err := m.client.Get(ctx, m.prefix+key)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}

	var value interface{}
	if err := json.Unmarshal(payload, &value); err != nil {
		return nil, false, errors.NewInternalError("failed to decode mirrored cache value").WithCause(err)
	}
	return value, true, nil
}

func (m *RedisMirror) Del(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = m.prefix + k
	}
	return m.client.Del(ctx, prefixed...)
}

func (m *RedisMirror) DelPattern(ctx context.Context, pattern string) error {
	keys, err := m.client.Keys(ctx, m.prefix+pattern)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return m.client.Del(ctx, keys...)
}
