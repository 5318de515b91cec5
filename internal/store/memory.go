package store

import (
	"context"
	"sync"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	reserves    map[model.OptionKind]fixedpoint.Value
	accounts    map[model.AccountKey]fixedpoint.Value
	options     map[model.OptionKey]fixedpoint.Value
	volatility  map[model.VolatilityKey]fixedpoint.Value
	seed        *model.PoolSeed
	ledger      []model.Deposit
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reserves:   make(map[model.OptionKind]fixedpoint.Value),
		accounts:   make(map[model.AccountKey]fixedpoint.Value),
		options:    make(map[model.OptionKey]fixedpoint.Value),
		volatility: make(map[model.VolatilityKey]fixedpoint.Value),
	}
}

func (s *MemoryStore) PoolBalance(_ context.Context, kind model.OptionKind) (fixedpoint.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reserves[kind], nil
}

func (s *MemoryStore) AccountBalance(_ context.Context, key model.AccountKey) (fixedpoint.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accounts[key], nil
}

func (s *MemoryStore) OptionBalance(_ context.Context, key model.OptionKey) (fixedpoint.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.options[key], nil
}

func (s *MemoryStore) Volatility(_ context.Context, key model.VolatilityKey) (fixedpoint.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.volatility[key], nil
}

func (s *MemoryStore) Initialized(_ context.Context) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seed != nil, nil
}

func (s *MemoryStore) Seed(_ context.Context) (model.PoolSeed, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.seed == nil {
		return model.PoolSeed{}, false, nil
	}
	return *s.seed, true, nil
}

func (s *MemoryStore) Deposits(_ context.Context) ([]model.Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	// Return a copy to avoid external mutation.
	out := make([]model.Deposit, len(s.ledger))
	copy(out, s.ledger)
	return out, nil
}

func (s *MemoryStore) DepositCount(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.ledger)), nil
}

// Apply commits the batch under the write lock, so readers observe either
// none or all of it.
func (s *MemoryStore) Apply(_ context.Context, b *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := b.checkSequence(uint64(len(s.ledger))); err != nil {
		return err
	}

	for k, v := range b.Reserves {
		s.reserves[k] = v
	}
	for k, v := range b.Accounts {
		s.accounts[k] = v
	}
	for k, v := range b.Options {
		s.options[k] = v
	}
	for k, v := range b.Volatility {
		s.volatility[k] = v
	}
	if b.Initialize != nil {
		seed := *b.Initialize
		s.seed = &seed
	}
	s.ledger = append(s.ledger, b.NewDeposits...)
	return nil
}
