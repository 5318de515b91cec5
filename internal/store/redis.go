package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or Pebble) with a Redis
// read-through cache. Writes go to the primary store and invalidate the
// touched keys; reads check Redis first then fall back to the primary.
//
// Cached reads may lag the primary by up to the TTL when another process
// repopulates a key mid-commit. Mutations must read through Primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	poolID  string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration, poolID string) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		poolID:  poolID,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

// Apply invalidates the touched keys before and after the primary commit.
// If Redis cannot be reached beforehand nothing is committed, so a cached
// value never outlives a write it missed.
func (s *CachedStore) Apply(ctx context.Context, b *Batch) error {
	keys := s.batchKeys(b)
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("invalidate cache: %w", err)
		}
	}
	if err := s.primary.Apply(ctx, b); err != nil {
		return err
	}
	if len(keys) > 0 {
		// Drop anything a concurrent read-through repopulated mid-commit.
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation after commit failed", "pool", s.poolID, "keys", len(keys), "err", err)
		}
	}
	return nil
}

// Primary returns the store behind the cache.
func (s *CachedStore) Primary() Store { return s.primary }

// --- Read-through (check cache first) ---

func (s *CachedStore) PoolBalance(ctx context.Context, kind model.OptionKind) (fixedpoint.Value, error) {
	return s.readThrough(ctx, s.reserveKey(kind), func() (fixedpoint.Value, error) {
		return s.primary.PoolBalance(ctx, kind)
	})
}

func (s *CachedStore) AccountBalance(ctx context.Context, key model.AccountKey) (fixedpoint.Value, error) {
	return s.readThrough(ctx, s.accountKey(key), func() (fixedpoint.Value, error) {
		return s.primary.AccountBalance(ctx, key)
	})
}

func (s *CachedStore) OptionBalance(ctx context.Context, key model.OptionKey) (fixedpoint.Value, error) {
	return s.readThrough(ctx, s.optionKey(key), func() (fixedpoint.Value, error) {
		return s.primary.OptionBalance(ctx, key)
	})
}

func (s *CachedStore) Volatility(ctx context.Context, key model.VolatilityKey) (fixedpoint.Value, error) {
	return s.readThrough(ctx, s.volatilityKey(key), func() (fixedpoint.Value, error) {
		return s.primary.Volatility(ctx, key)
	})
}

// Initialized caches only a true answer: initialization is permanent.
func (s *CachedStore) Initialized(ctx context.Context) (bool, error) {
	if n, err := s.rdb.Exists(ctx, s.initKey()).Result(); err == nil && n == 1 {
		return true, nil
	}
	ok, err := s.primary.Initialized(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		s.rdb.Set(ctx, s.initKey(), "1", 0)
	}
	return ok, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) Seed(ctx context.Context) (model.PoolSeed, bool, error) {
	return s.primary.Seed(ctx)
}

func (s *CachedStore) Deposits(ctx context.Context) ([]model.Deposit, error) {
	return s.primary.Deposits(ctx)
}

func (s *CachedStore) DepositCount(ctx context.Context) (uint64, error) {
	return s.primary.DepositCount(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) readThrough(ctx context.Context, key string, load func() (fixedpoint.Value, error)) (fixedpoint.Value, error) {
	// Try cache.
	if raw, err := s.rdb.Get(ctx, key).Result(); err == nil {
		if v, err := fixedpoint.ParseRaw(raw); err == nil {
			return v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return fixedpoint.Zero, err
	}
	s.rdb.Set(ctx, key, v.Raw().String(), s.ttl)
	return v, nil
}

func (s *CachedStore) batchKeys(b *Batch) []string {
	keys := make([]string, 0, len(b.Reserves)+len(b.Accounts)+len(b.Options)+len(b.Volatility))
	for kind := range b.Reserves {
		keys = append(keys, s.reserveKey(kind))
	}
	for key := range b.Accounts {
		keys = append(keys, s.accountKey(key))
	}
	for key := range b.Options {
		keys = append(keys, s.optionKey(key))
	}
	for key := range b.Volatility {
		keys = append(keys, s.volatilityKey(key))
	}
	return keys
}

func (s *CachedStore) initKey() string {
	return fmt.Sprintf("amm:%s:initialized", s.poolID)
}

func (s *CachedStore) reserveKey(kind model.OptionKind) string {
	return fmt.Sprintf("amm:%s:reserve:%d", s.poolID, kind)
}

func (s *CachedStore) accountKey(k model.AccountKey) string {
	return fmt.Sprintf("amm:%s:account:%d:%d", s.poolID, k.Account, k.Token)
}

func (s *CachedStore) optionKey(k model.OptionKey) string {
	return fmt.Sprintf("amm:%s:option:%d:%s:%s:%d", s.poolID, k.Kind, k.Strike.Raw(), k.Maturity.Raw(), k.Side)
}

func (s *CachedStore) volatilityKey(k model.VolatilityKey) string {
	return fmt.Sprintf("amm:%s:vol:%d:%s", s.poolID, k.Kind, k.Maturity.Raw())
}
