package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"

	"github.com/atmx/options-amm/internal/metrics"
	"github.com/atmx/options-amm/internal/store"
)

// ErrInvalidPoolID is returned for a pool ID that is empty, too long or
// contains characters outside [A-Za-z0-9_-].
var ErrInvalidPoolID = errors.New("engine: invalid pool id")

var poolIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// StoreFactory opens the store scoped to one pool.
type StoreFactory func(poolID string) (store.Store, error)

// Registry hosts many independent pools in one process. Each pool gets its
// own engine, store scope and lock; pools never share state.
type Registry struct {
	factory StoreFactory
	cfg     Config
	opts    []Option
	mu      sync.Mutex
	engines map[string]*Engine
}

// NewRegistry creates an empty registry. opts are applied to every engine
// it creates.
func NewRegistry(factory StoreFactory, cfg Config, opts ...Option) *Registry {
	return &Registry{
		factory: factory,
		cfg:     cfg,
		opts:    opts,
		engines: make(map[string]*Engine),
	}
}

// Pool returns the engine for poolID, creating it on first use. Only
// mutations should call it; reads go through Lookup.
func (r *Registry) Pool(poolID string) (*Engine, error) {
	if !poolIDPattern.MatchString(poolID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPoolID, poolID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[poolID]; ok {
		return e, nil
	}
	st, err := r.factory(poolID)
	if err != nil {
		return nil, fmt.Errorf("open store for pool %s: %w", poolID, err)
	}
	return r.register(poolID, st), nil
}

// Lookup returns the engine of an existing pool without creating one. A pool
// exists once it is loaded here or its store holds an init or a deposit; a
// persisted pool is loaded on first lookup. Any other ID gets a detached
// engine that reads as an empty pool and is never registered, and ok is
// false.
func (r *Registry) Lookup(ctx context.Context, poolID string) (e *Engine, ok bool, err error) {
	if !poolIDPattern.MatchString(poolID) {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidPoolID, poolID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.engines[poolID]; ok {
		return e, true, nil
	}
	st, err := r.factory(poolID)
	if err != nil {
		return nil, false, fmt.Errorf("open store for pool %s: %w", poolID, err)
	}
	src := store.Authoritative(st)
	exists, err := hasState(ctx, src)
	if err != nil {
		return nil, false, fmt.Errorf("probe pool %s: %w", poolID, err)
	}
	if !exists {
		return New(poolID, src, r.cfg), false, nil
	}

	return r.register(poolID, st), true, nil
}

// register must be called with r.mu held.
func (r *Registry) register(poolID string, st store.Store) *Engine {
	e := New(poolID, st, r.cfg, r.opts...)
	r.engines[poolID] = e
	metrics.ActivePools.Set(float64(len(r.engines)))
	slog.Info("pool loaded", "pool", poolID)
	return e
}

func hasState(ctx context.Context, st store.Store) (bool, error) {
	initialized, err := st.Initialized(ctx)
	if err != nil || initialized {
		return initialized, err
	}
	n, err := st.DepositCount(ctx)
	return n > 0, err
}

// Pools returns the IDs of the loaded pools in sorted order.
func (r *Registry) Pools() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.engines))
	for id := range r.engines {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
