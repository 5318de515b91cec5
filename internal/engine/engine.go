// Package engine implements the pool accounting core: initialization,
// collateral deposits and the read-only lookup surface over one pool's
// reserves, account ledger, option inventory and volatility surface.
//
// The engine is the only component that mutates a pool. Every mutation
// computes all new values first and commits them as one store.Batch, so a
// failing call leaves the pool unchanged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/metrics"
	"github.com/atmx/options-amm/internal/model"
	"github.com/atmx/options-amm/internal/store"
)

var (
	// ErrAlreadyInitialized is returned by InitPool on a pool that has
	// already been initialized. The pool is left unchanged.
	ErrAlreadyInitialized = errors.New("engine: pool already initialized")

	// ErrInvalidAmount is returned for a negative deposit amount.
	ErrInvalidAmount = errors.New("engine: deposit amount must be non-negative")
)

// Config holds the baselines written by InitPool.
type Config struct {
	PoolBaseline       fixedpoint.Value
	VolatilityBaseline fixedpoint.Value
	SeedMaturities     []fixedpoint.Value
}

// Float64Maturity is 1.1 rounded to binary64 and then scaled by 2^61. Clients
// that build keys as int(1.1 * 2**61) address this point rather than the
// truncated decimal 1.1, so both are seeded by default.
const Float64Maturity = "2536427310135063552"

// DefaultConfig returns reserves of 12345 and a volatility of 100 seeded at
// maturities 1.0 and 1.1, the latter in both its decimal and float64 forms.
func DefaultConfig() Config {
	float11, err := fixedpoint.ParseRaw(Float64Maturity)
	if err != nil {
		panic(err)
	}
	return Config{
		PoolBaseline:       fixedpoint.FromInt(12345),
		VolatilityBaseline: fixedpoint.FromInt(100),
		SeedMaturities:     []fixedpoint.Value{fixedpoint.FromInt(1), fixedpoint.MustParse("1.1"), float11},
	}
}

// Event types published to a Notifier.
const (
	EventPoolInitialized = "pool_initialized"
	EventDeposit         = "deposit"
)

// Event describes a committed mutation.
type Event struct {
	Type     string
	PoolID   string
	Reserves map[model.OptionKind]fixedpoint.Value
	Deposit  *model.Deposit
}

// Notifier receives events after they have been committed. Notify must not
// block; it is called while the pool's write lock is held.
type Notifier interface {
	Notify(Event)
}

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier publishes committed mutations to n.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the deposit timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns one pool. Mutations hold the write lock across
// read-compute-apply; getters hold the read lock.
//
// Getters read st, which may be cached. Mutations and the audit read src,
// the store of record, and commit through st so caches are invalidated.
type Engine struct {
	id       string
	st       store.Store
	src      store.Store
	cfg      Config
	notifier Notifier
	now      func() time.Time
	mu       sync.RWMutex
}

// New creates an engine for the pool persisted in st.
func New(poolID string, st store.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		id:  poolID,
		st:  st,
		src: store.Authoritative(st),
		cfg: cfg,
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ID returns the pool identifier.
func (e *Engine) ID() string { return e.id }

// InitPool sets both reserves to the pool baseline, seeds the volatility
// surface for every option kind at every configured maturity and marks the
// pool initialized. Deposits made before initialization are kept: the
// baseline is added to whatever the reserves already hold.
func (e *Engine) InitPool(ctx context.Context) (err error) {
	defer func(start time.Time) { metrics.ObserveOperation("init_pool", start, err) }(time.Now())

	e.mu.Lock()
	defer e.mu.Unlock()

	ok, err := e.src.Initialized(ctx)
	if err != nil {
		return err
	}
	if ok {
		return ErrAlreadyInitialized
	}

	b := store.NewBatch()
	for _, kind := range model.OptionKinds {
		cur, err := e.src.PoolBalance(ctx, kind)
		if err != nil {
			return err
		}
		next, err := fixedpoint.Add(cur, e.cfg.PoolBaseline)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", kind, err)
		}
		b.SetPoolBalance(kind, next)
		for _, m := range e.cfg.SeedMaturities {
			b.SetVolatility(model.VolatilityKey{Kind: kind, Maturity: m}, e.cfg.VolatilityBaseline)
		}
	}
	b.MarkInitialized(model.PoolSeed{
		PoolBaseline:       e.cfg.PoolBaseline,
		VolatilityBaseline: e.cfg.VolatilityBaseline,
		Maturities:         append([]fixedpoint.Value(nil), e.cfg.SeedMaturities...),
	})

	if err := e.st.Apply(ctx, b); err != nil {
		return fmt.Errorf("commit init: %w", err)
	}

	e.observeReserves(b.Reserves)
	slog.Info("pool initialized",
		"pool", e.id,
		"baseline", e.cfg.PoolBaseline.String(),
		"volatility", e.cfg.VolatilityBaseline.String(),
		"maturities", len(e.cfg.SeedMaturities),
	)
	e.notify(Event{Type: EventPoolInitialized, PoolID: e.id, Reserves: b.Reserves})
	return nil
}

// AddFakeTokens credits amountA of TokenA and amountB of TokenB to account
// and adds the same amounts to the Call and Put reserves. The four balance
// updates and the journal entry commit together. Deposits are accepted
// before initialization.
func (e *Engine) AddFakeTokens(ctx context.Context, account model.AccountID, amountA, amountB fixedpoint.Value) (_ model.Deposit, err error) {
	defer func(start time.Time) { metrics.ObserveOperation("add_fake_tokens", start, err) }(time.Now())

	if amountA.Sign() < 0 || amountB.Sign() < 0 {
		return model.Deposit{}, fmt.Errorf("%w: got %s, %s", ErrInvalidAmount, amountA, amountB)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	b := store.NewBatch()
	amounts := map[model.TokenID]fixedpoint.Value{model.TokenA: amountA, model.TokenB: amountB}
	for _, token := range model.Tokens {
		amount := amounts[token]
		kind, err := model.ReserveKind(token)
		if err != nil {
			return model.Deposit{}, err
		}

		reserve, err := e.src.PoolBalance(ctx, kind)
		if err != nil {
			return model.Deposit{}, err
		}
		if reserve, err = fixedpoint.Add(reserve, amount); err != nil {
			return model.Deposit{}, fmt.Errorf("reserve %s: %w", kind, err)
		}

		key := model.AccountKey{Account: account, Token: token}
		balance, err := e.src.AccountBalance(ctx, key)
		if err != nil {
			return model.Deposit{}, err
		}
		if balance, err = fixedpoint.Add(balance, amount); err != nil {
			return model.Deposit{}, fmt.Errorf("account %s token %s: %w", account, token, err)
		}

		b.SetPoolBalance(kind, reserve)
		b.SetAccountBalance(key, balance)
	}

	last, err := e.src.DepositCount(ctx)
	if err != nil {
		return model.Deposit{}, err
	}
	d := model.Deposit{
		ID:        uuid.New().String(),
		PoolID:    e.id,
		Sequence:  last + 1,
		Account:   account,
		AmountA:   amountA,
		AmountB:   amountB,
		Timestamp: e.now(),
	}
	b.AppendDeposit(d)

	if err := e.st.Apply(ctx, b); err != nil {
		return model.Deposit{}, fmt.Errorf("commit deposit: %w", err)
	}

	metrics.DepositsTotal.WithLabelValues(e.id).Inc()
	e.observeReserves(b.Reserves)
	slog.Info("deposit recorded",
		"pool", e.id,
		"deposit_id", d.ID,
		"sequence", d.Sequence,
		"account", account.String(),
		"amount_a", amountA.String(),
		"amount_b", amountB.String(),
	)
	e.notify(Event{Type: EventDeposit, PoolID: e.id, Reserves: b.Reserves, Deposit: &d})
	return d, nil
}

// --- Read-only queries ---
// Unwritten keys read as zero; out-of-range enumerations fail with
// model.ErrInvalidKey.

// PoolBalance returns the reserve held for kind.
func (e *Engine) PoolBalance(ctx context.Context, kind model.OptionKind) (fixedpoint.Value, error) {
	if err := kind.Validate(); err != nil {
		return fixedpoint.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.PoolBalance(ctx, kind)
}

// AccountBalance returns the collateral account holds in token.
func (e *Engine) AccountBalance(ctx context.Context, account model.AccountID, token model.TokenID) (fixedpoint.Value, error) {
	key := model.AccountKey{Account: account, Token: token}
	if err := key.Validate(); err != nil {
		return fixedpoint.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.AccountBalance(ctx, key)
}

// PoolOptionBalance returns the open interest of one inventory bucket.
func (e *Engine) PoolOptionBalance(ctx context.Context, kind model.OptionKind, strike, maturity fixedpoint.Value, side model.PositionSide) (fixedpoint.Value, error) {
	key := model.OptionKey{Kind: kind, Strike: strike, Maturity: maturity, Side: side}
	if err := key.Validate(); err != nil {
		return fixedpoint.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.OptionBalance(ctx, key)
}

// PoolVolatility returns the implied volatility for kind at maturity.
func (e *Engine) PoolVolatility(ctx context.Context, kind model.OptionKind, maturity fixedpoint.Value) (fixedpoint.Value, error) {
	key := model.VolatilityKey{Kind: kind, Maturity: maturity}
	if err := key.Validate(); err != nil {
		return fixedpoint.Zero, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.Volatility(ctx, key)
}

// Initialized reports whether InitPool has been committed.
func (e *Engine) Initialized(ctx context.Context) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.Initialized(ctx)
}

// Deposits returns the deposit journal in sequence order.
func (e *Engine) Deposits(ctx context.Context) ([]model.Deposit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.st.Deposits(ctx)
}

func (e *Engine) observeReserves(reserves map[model.OptionKind]fixedpoint.Value) {
	for kind, v := range reserves {
		metrics.PoolReserve.WithLabelValues(e.id, kind.String()).Set(v.Float64())
	}
}

func (e *Engine) notify(ev Event) {
	if e.notifier != nil {
		e.notifier.Notify(ev)
	}
}
