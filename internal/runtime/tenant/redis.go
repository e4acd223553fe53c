package tenant

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/drblury/tenantflow/internal/runtime/jsoncodec"
)

// DefaultRedisKey is the hash holding tenant descriptors.
const DefaultRedisKey = "tenantflow:tenants"

// RedisHashes is the part of a go-redis client used by RedisDirectory.
type RedisHashes interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisDirectory reads tenants from a Redis hash mapping token to a JSON
// tenant descriptor.
type RedisDirectory struct {
	client RedisHashes
	key    string
}

func NewRedisDirectory(client RedisHashes, key string) *RedisDirectory {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisDirectory{client: client, key: key}
}

// ConnectRedis builds a client from a redis:// URL or a host:port address.
func ConnectRedis(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func (d *RedisDirectory) List(ctx context.Context) ([]Tenant, error) {
	entries, err := d.client.HGetAll(ctx, d.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list tenants from redis: %w", err)
	}
	tenants := make([]Tenant, 0, len(entries))
	var errs []error
	for token, raw := range entries {
		t, err := decodeTenant(token, raw)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		tenants = append(tenants, t)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].Token < tenants[j].Token })
	return tenants, errors.Join(errs...)
}

func (d *RedisDirectory) Get(ctx context.Context, token string) (Tenant, bool, error) {
	raw, err := d.client.HGet(ctx, d.key, token).Result()
	if errors.Is(err, redis.Nil) {
		return Tenant{}, false, nil
	}
	if err != nil {
		return Tenant{}, false, fmt.Errorf("get tenant %q from redis: %w", token, err)
	}
	t, err := decodeTenant(token, raw)
	if err != nil {
		return Tenant{}, false, err
	}
	return t, true, nil
}

func decodeTenant(token, raw string) (Tenant, error) {
	var t Tenant
	if err := jsoncodec.Unmarshal([]byte(raw), &t); err != nil {
		return Tenant{}, fmt.Errorf("decode tenant %q: %w", token, err)
	}
	t.Token = token
	return t, nil
}
