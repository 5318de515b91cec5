package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

func fp(s string) fixedpoint.Value {
	return fixedpoint.MustParse(s)
}

type factory func(t *testing.T, poolID string) Store

func memoryFactory(*testing.T, string) Store {
	return NewMemoryStore()
}

func pebbleFactory(t *testing.T, poolID string) Store {
	t.Helper()
	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPebbleStore(db, poolID)
}

func cachedFactory(t *testing.T, poolID string) Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewCachedStore(NewMemoryStore(), rdb, time.Minute, poolID)
}

var factories = map[string]factory{
	"memory": memoryFactory,
	"pebble": pebbleFactory,
	"cached": cachedFactory,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, f := range factories {
		t.Run(name, func(t *testing.T) {
			fn(t, f(t, "pool-1"))
		})
	}
}

func deposit(seq uint64, account model.AccountID, a, b string) model.Deposit {
	return model.Deposit{
		ID:        uuid.NewString(),
		PoolID:    "pool-1",
		Sequence:  seq,
		Account:   account,
		AmountA:   fp(a),
		AmountB:   fp(b),
		Timestamp: time.Date(2024, 1, 1, 0, 0, int(seq), 0, time.UTC),
	}
}

func TestStore_UnwrittenKeysReadZero(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		v, err := s.PoolBalance(ctx, model.Call)
		require.NoError(t, err)
		require.True(t, v.IsZero())

		v, err = s.AccountBalance(ctx, model.AccountKey{Account: 123456789, Token: model.TokenA})
		require.NoError(t, err)
		require.True(t, v.IsZero())

		v, err = s.OptionBalance(ctx, model.OptionKey{Kind: model.Put, Strike: fp("1000"), Maturity: fp("1.1"), Side: model.Short})
		require.NoError(t, err)
		require.True(t, v.IsZero())

		v, err = s.Volatility(ctx, model.VolatilityKey{Kind: model.Call, Maturity: fp("1")})
		require.NoError(t, err)
		require.True(t, v.IsZero())

		ok, err := s.Initialized(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		n, err := s.DepositCount(ctx)
		require.NoError(t, err)
		require.Zero(t, n)

		deposits, err := s.Deposits(ctx)
		require.NoError(t, err)
		require.Empty(t, deposits)
	})
}

func TestStore_ApplyWritesEveryMap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		acct := model.AccountKey{Account: 987654321, Token: model.TokenB}
		opt := model.OptionKey{Kind: model.Call, Strike: fp("1100"), Maturity: fp("1.1"), Side: model.Long}
		vol := model.VolatilityKey{Kind: model.Put, Maturity: fp("1.1")}

		b := NewBatch()
		b.SetPoolBalance(model.Call, fp("12345"))
		b.SetPoolBalance(model.Put, fp("-0.5"))
		b.SetAccountBalance(acct, fp("40"))
		b.SetOptionBalance(opt, fp("3.25"))
		b.SetVolatility(vol, fp("100"))
		b.MarkInitialized(model.PoolSeed{PoolBaseline: fp("12345")})
		b.AppendDeposit(deposit(1, 987654321, "0", "40"))
		require.False(t, b.Empty())
		require.NoError(t, s.Apply(ctx, b))

		v, err := s.PoolBalance(ctx, model.Call)
		require.NoError(t, err)
		require.Equal(t, fp("12345"), v)

		v, err = s.PoolBalance(ctx, model.Put)
		require.NoError(t, err)
		require.Equal(t, fp("-0.5"), v)

		v, err = s.AccountBalance(ctx, acct)
		require.NoError(t, err)
		require.Equal(t, fp("40"), v)

		v, err = s.OptionBalance(ctx, opt)
		require.NoError(t, err)
		require.Equal(t, fp("3.25"), v)

		// A neighbouring bucket stays untouched.
		other := opt
		other.Side = model.Short
		v, err = s.OptionBalance(ctx, other)
		require.NoError(t, err)
		require.True(t, v.IsZero())

		v, err = s.Volatility(ctx, vol)
		require.NoError(t, err)
		require.Equal(t, fp("100"), v)

		ok, err := s.Initialized(ctx)
		require.NoError(t, err)
		require.True(t, ok)

		deposits, err := s.Deposits(ctx)
		require.NoError(t, err)
		require.Len(t, deposits, 1)
		require.Equal(t, uint64(1), deposits[0].Sequence)
		require.Equal(t, model.AccountID(987654321), deposits[0].Account)
		require.Equal(t, fp("40"), deposits[0].AmountB)
	})
}

func TestStore_OverwriteInvalidatesReads(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		b := NewBatch()
		b.SetPoolBalance(model.Call, fp("1"))
		require.NoError(t, s.Apply(ctx, b))

		// Warm any cache.
		v, err := s.PoolBalance(ctx, model.Call)
		require.NoError(t, err)
		require.Equal(t, fp("1"), v)

		b = NewBatch()
		b.SetPoolBalance(model.Call, fp("2"))
		require.NoError(t, s.Apply(ctx, b))

		v, err = s.PoolBalance(ctx, model.Call)
		require.NoError(t, err)
		require.Equal(t, fp("2"), v)
	})
}

func TestStore_RejectsSequenceGap(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		b := NewBatch()
		b.SetPoolBalance(model.Call, fp("5"))
		b.AppendDeposit(deposit(2, 1, "5", "0"))
		require.ErrorIs(t, s.Apply(ctx, b), ErrSequenceGap)

		// Nothing from the rejected batch is visible.
		v, err := s.PoolBalance(ctx, model.Call)
		require.NoError(t, err)
		require.True(t, v.IsZero())
	})
}

func TestStore_JournalOrder(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for seq := uint64(1); seq <= 3; seq++ {
			b := NewBatch()
			b.AppendDeposit(deposit(seq, model.AccountID(seq), "1", "2"))
			require.NoError(t, s.Apply(ctx, b))
		}

		n, err := s.DepositCount(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(3), n)

		deposits, err := s.Deposits(ctx)
		require.NoError(t, err)
		require.Len(t, deposits, 3)
		for i, d := range deposits {
			require.Equal(t, uint64(i+1), d.Sequence)
		}
	})
}

func TestPebbleStore_PoolsAreIsolated(t *testing.T) {
	ctx := context.Background()
	db, err := OpenPebble(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	a := NewPebbleStore(db, "alpha")
	b := NewPebbleStore(db, "beta")

	batch := NewBatch()
	batch.SetPoolBalance(model.Call, fp("12345"))
	batch.MarkInitialized(model.PoolSeed{PoolBaseline: fp("12345")})
	require.NoError(t, a.Apply(ctx, batch))

	v, err := b.PoolBalance(ctx, model.Call)
	require.NoError(t, err)
	require.True(t, v.IsZero())

	ok, err := b.Initialized(ctx)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestPebbleStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := OpenPebble(dir)
	require.NoError(t, err)
	s := NewPebbleStore(db, "pool-1")
	b := NewBatch()
	b.SetAccountBalance(model.AccountKey{Account: 42, Token: model.TokenA}, fp("100"))
	b.AppendDeposit(deposit(1, 42, "100", "0"))
	require.NoError(t, s.Apply(ctx, b))
	require.NoError(t, db.Close())

	db, err = OpenPebble(dir)
	require.NoError(t, err)
	defer db.Close()
	s = NewPebbleStore(db, "pool-1")

	v, err := s.AccountBalance(ctx, model.AccountKey{Account: 42, Token: model.TokenA})
	require.NoError(t, err)
	require.Equal(t, fp("100"), v)

	deposits, err := s.Deposits(ctx)
	require.NoError(t, err)
	require.Len(t, deposits, 1)
}

func TestCachedStore_RedisFailureBlocksCommit(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	primary := NewMemoryStore()
	s := NewCachedStore(primary, rdb, time.Minute, "pool-1")

	b := NewBatch()
	b.SetPoolBalance(model.Call, fp("100"))
	require.NoError(t, s.Apply(ctx, b))
	v, err := s.PoolBalance(ctx, model.Call)
	require.NoError(t, err)
	require.Equal(t, fp("100"), v)

	// Invalidation fails, so the write must not reach the primary either.
	mr.SetError("transient")
	b = NewBatch()
	b.SetPoolBalance(model.Call, fp("150"))
	require.Error(t, s.Apply(ctx, b))
	mr.SetError("")

	v, err = primary.PoolBalance(ctx, model.Call)
	require.NoError(t, err)
	require.Equal(t, fp("100"), v)
	v, err = s.PoolBalance(ctx, model.Call)
	require.NoError(t, err)
	require.Equal(t, fp("100"), v)

	require.NoError(t, s.Apply(ctx, b))
	v, err = s.PoolBalance(ctx, model.Call)
	require.NoError(t, err)
	require.Equal(t, fp("150"), v)
}

func TestAuthoritative_UnwrapsCache(t *testing.T) {
	primary := NewMemoryStore()
	require.Same(t, primary, Authoritative(primary))

	cached := cachedFactory(t, "pool-1")
	require.IsType(t, &MemoryStore{}, Authoritative(cached))
}

func TestStore_SeedRecordedWithInit(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()

		_, ok, err := s.Seed(ctx)
		require.NoError(t, err)
		require.False(t, ok)

		seed := model.PoolSeed{
			PoolBaseline:       fp("12345"),
			VolatilityBaseline: fp("100"),
			Maturities:         []fixedpoint.Value{fp("1"), fp("1.1")},
		}
		b := NewBatch()
		b.MarkInitialized(seed)
		require.NoError(t, s.Apply(ctx, b))

		got, ok, err := s.Seed(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, seed, got)

		initialized, err := s.Initialized(ctx)
		require.NoError(t, err)
		require.True(t, initialized)
	})
}
