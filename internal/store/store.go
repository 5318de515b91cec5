// Package store defines the persistence interface for one pool's state.
// Implementations include PostgreSQL (source of truth), Pebble (embedded),
// Redis (read-through cache) and in-memory (for testing).
package store

import (
	"context"
	"errors"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// ErrSequenceGap is returned by Apply when a journal entry does not extend
// the stored journal by exactly one.
var ErrSequenceGap = errors.New("store: deposit sequence gap")

// Store is the persistence interface for a single pool's PoolState.
// Every lookup returns fixedpoint.Zero for a key that was never written.
type Store interface {
	// --- Scalar lookups ---

	// PoolBalance returns the reserve held for an option kind.
	PoolBalance(ctx context.Context, kind model.OptionKind) (fixedpoint.Value, error)

	// AccountBalance returns the collateral of one account in one token.
	AccountBalance(ctx context.Context, key model.AccountKey) (fixedpoint.Value, error)

	// OptionBalance returns the open interest of one inventory bucket.
	OptionBalance(ctx context.Context, key model.OptionKey) (fixedpoint.Value, error)

	// Volatility returns one point of the volatility surface.
	Volatility(ctx context.Context, key model.VolatilityKey) (fixedpoint.Value, error)

	// Initialized reports whether init_pool has been committed.
	Initialized(ctx context.Context) (bool, error)

	// Seed returns the baselines recorded by init_pool. ok is false on a
	// pool that was never initialized.
	Seed(ctx context.Context) (seed model.PoolSeed, ok bool, err error)

	// --- Immutable journal ---

	// Deposits returns the deposit journal in sequence order.
	Deposits(ctx context.Context) ([]model.Deposit, error)

	// DepositCount returns the sequence of the last journal entry.
	DepositCount(ctx context.Context) (uint64, error)

	// --- Writes ---

	// Apply commits every write in the batch atomically: either all of
	// them become visible or none do.
	Apply(ctx context.Context, b *Batch) error
}

// Batch stages absolute values for one atomic commit. The engine computes
// every new value before building the batch, so a failing call never
// reaches the store.
type Batch struct {
	Reserves    map[model.OptionKind]fixedpoint.Value
	Accounts    map[model.AccountKey]fixedpoint.Value
	Options     map[model.OptionKey]fixedpoint.Value
	Volatility  map[model.VolatilityKey]fixedpoint.Value
	Initialize  *model.PoolSeed
	NewDeposits []model.Deposit
}

// NewBatch returns an empty batch.
func NewBatch() *Batch {
	return &Batch{
		Reserves:   make(map[model.OptionKind]fixedpoint.Value),
		Accounts:   make(map[model.AccountKey]fixedpoint.Value),
		Options:    make(map[model.OptionKey]fixedpoint.Value),
		Volatility: make(map[model.VolatilityKey]fixedpoint.Value),
	}
}

func (b *Batch) SetPoolBalance(kind model.OptionKind, v fixedpoint.Value) {
	b.Reserves[kind] = v
}

func (b *Batch) SetAccountBalance(key model.AccountKey, v fixedpoint.Value) {
	b.Accounts[key] = v
}

func (b *Batch) SetOptionBalance(key model.OptionKey, v fixedpoint.Value) {
	b.Options[key] = v
}

func (b *Batch) SetVolatility(key model.VolatilityKey, v fixedpoint.Value) {
	b.Volatility[key] = v
}

// MarkInitialized records the init_pool transition along with the
// baselines it applied.
func (b *Batch) MarkInitialized(seed model.PoolSeed) {
	b.Initialize = &seed
}

// AppendDeposit stages a journal entry.
func (b *Batch) AppendDeposit(d model.Deposit) {
	b.NewDeposits = append(b.NewDeposits, d)
}

// Empty reports whether the batch holds no writes.
func (b *Batch) Empty() bool {
	return len(b.Reserves) == 0 && len(b.Accounts) == 0 && len(b.Options) == 0 &&
		len(b.Volatility) == 0 && b.Initialize == nil && len(b.NewDeposits) == 0
}

// checkSequence verifies the staged journal entries continue from last.
func (b *Batch) checkSequence(last uint64) error {
	for i, d := range b.NewDeposits {
		if d.Sequence != last+uint64(i)+1 {
			return ErrSequenceGap
		}
	}
	return nil
}

// Cache is implemented by stores that front another store with a cache.
// Primary returns the store of record behind it.
type Cache interface {
	Primary() Store
}

// Authoritative unwraps any cache layers around st. Read-modify-write paths
// read through it so a stale cache entry can never feed a committed value.
func Authoritative(st Store) Store {
	for {
		c, ok := st.(Cache)
		if !ok {
			return st
		}
		st = c.Primary()
	}
}
