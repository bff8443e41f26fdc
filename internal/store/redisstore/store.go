package redisstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const tenantSlugTTL = 5 * time.Minute

// Store caches tenant slug resolution so the hot chat path skips the
// slug index lookup on repeat callers.
type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{
		rdb: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

func tenantSlugKey(slug string) string { return "tenant_slug:" + slug }

// TenantIDBySlug returns the cached tenant id, or redis.Nil when absent.
func (s *Store) TenantIDBySlug(ctx context.Context, slug string) (string, error) {
	return s.rdb.Get(ctx, tenantSlugKey(slug)).Result()
}

func (s *Store) SetTenantIDBySlug(ctx context.Context, slug, tenantID string) error {
	return s.rdb.Set(ctx, tenantSlugKey(slug), tenantID, tenantSlugTTL).Err()
}

func (s *Store) DeleteTenantSlug(ctx context.Context, slug string) error {
	return s.rdb.Del(ctx, tenantSlugKey(slug)).Err()
}
