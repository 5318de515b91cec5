package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// Schema creates the pool tables. Every fixed-point value is stored as the
// raw scaled integer in a NUMERIC column, which is exact.
const Schema = `
CREATE TABLE IF NOT EXISTS pool_meta (
	pool_id     TEXT PRIMARY KEY,
	initialized BOOLEAN NOT NULL DEFAULT FALSE,
	seed        JSONB
);
ALTER TABLE pool_meta ADD COLUMN IF NOT EXISTS seed JSONB;
CREATE TABLE IF NOT EXISTS pool_reserves (
	pool_id TEXT     NOT NULL,
	kind    SMALLINT NOT NULL,
	balance NUMERIC  NOT NULL,
	PRIMARY KEY (pool_id, kind)
);
CREATE TABLE IF NOT EXISTS account_balances (
	pool_id    TEXT        NOT NULL,
	account_id NUMERIC(20) NOT NULL,
	token      SMALLINT    NOT NULL,
	balance    NUMERIC     NOT NULL,
	PRIMARY KEY (pool_id, account_id, token)
);
CREATE TABLE IF NOT EXISTS option_inventory (
	pool_id  TEXT     NOT NULL,
	kind     SMALLINT NOT NULL,
	strike   NUMERIC  NOT NULL,
	maturity NUMERIC  NOT NULL,
	side     SMALLINT NOT NULL,
	balance  NUMERIC  NOT NULL,
	PRIMARY KEY (pool_id, kind, strike, maturity, side)
);
CREATE TABLE IF NOT EXISTS volatility_surface (
	pool_id    TEXT     NOT NULL,
	kind       SMALLINT NOT NULL,
	maturity   NUMERIC  NOT NULL,
	volatility NUMERIC  NOT NULL,
	PRIMARY KEY (pool_id, kind, maturity)
);
CREATE TABLE IF NOT EXISTS pool_deposits (
	id         UUID        PRIMARY KEY,
	pool_id    TEXT        NOT NULL,
	sequence   BIGINT      NOT NULL,
	account_id NUMERIC(20) NOT NULL,
	amount_a   NUMERIC     NOT NULL,
	amount_b   NUMERIC     NOT NULL,
	timestamp  TIMESTAMPTZ NOT NULL,
	UNIQUE (pool_id, sequence)
);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Rows of many pools share the tables and are scoped by pool_id.
type PostgresStore struct {
	pool   *pgxpool.Pool
	poolID string
}

// NewPostgresStore creates a PostgreSQL-backed store for one pool.
func NewPostgresStore(pool *pgxpool.Pool, poolID string) *PostgresStore {
	return &PostgresStore{pool: pool, poolID: poolID}
}

// Migrate creates the tables if they do not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) PoolBalance(ctx context.Context, kind model.OptionKind) (fixedpoint.Value, error) {
	return s.scalar(ctx,
		`SELECT balance::TEXT FROM pool_reserves WHERE pool_id = $1 AND kind = $2`,
		s.poolID, int16(kind))
}

func (s *PostgresStore) AccountBalance(ctx context.Context, key model.AccountKey) (fixedpoint.Value, error) {
	return s.scalar(ctx,
		`SELECT balance::TEXT FROM account_balances
		 WHERE pool_id = $1 AND account_id = $2::NUMERIC AND token = $3`,
		s.poolID, key.Account.String(), int16(key.Token))
}

func (s *PostgresStore) OptionBalance(ctx context.Context, key model.OptionKey) (fixedpoint.Value, error) {
	return s.scalar(ctx,
		`SELECT balance::TEXT FROM option_inventory
		 WHERE pool_id = $1 AND kind = $2 AND strike = $3::NUMERIC AND maturity = $4::NUMERIC AND side = $5`,
		s.poolID, int16(key.Kind), key.Strike.Raw().String(), key.Maturity.Raw().String(), int16(key.Side))
}

func (s *PostgresStore) Volatility(ctx context.Context, key model.VolatilityKey) (fixedpoint.Value, error) {
	return s.scalar(ctx,
		`SELECT volatility::TEXT FROM volatility_surface
		 WHERE pool_id = $1 AND kind = $2 AND maturity = $3::NUMERIC`,
		s.poolID, int16(key.Kind), key.Maturity.Raw().String())
}

func (s *PostgresStore) Initialized(ctx context.Context) (bool, error) {
	var initialized bool
	err := s.pool.QueryRow(ctx,
		`SELECT initialized FROM pool_meta WHERE pool_id = $1`, s.poolID).
		Scan(&initialized)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get pool %s meta: %w", s.poolID, err)
	}
	return initialized, nil
}

func (s *PostgresStore) Seed(ctx context.Context) (model.PoolSeed, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx,
		`SELECT seed FROM pool_meta WHERE pool_id = $1 AND initialized`, s.poolID).
		Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.PoolSeed{}, false, nil
	}
	if err != nil {
		return model.PoolSeed{}, false, fmt.Errorf("get pool %s seed: %w", s.poolID, err)
	}
	var seed model.PoolSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return model.PoolSeed{}, false, fmt.Errorf("decode pool %s seed: %w", s.poolID, err)
	}
	return seed, true, nil
}

func (s *PostgresStore) Deposits(ctx context.Context) ([]model.Deposit, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id::TEXT, pool_id, sequence, account_id::TEXT,
		        amount_a::TEXT, amount_b::TEXT, timestamp
		 FROM pool_deposits WHERE pool_id = $1 ORDER BY sequence`, s.poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanDeposits(rows)
}

func (s *PostgresStore) DepositCount(ctx context.Context) (uint64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM pool_deposits WHERE pool_id = $1`, s.poolID).
		Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count deposits of pool %s: %w", s.poolID, err)
	}
	return uint64(n), nil
}

// Apply writes the batch inside one transaction.
func (s *PostgresStore) Apply(ctx context.Context, b *Batch) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if len(b.NewDeposits) > 0 {
			var last int64
			if err := tx.QueryRow(ctx,
				`SELECT COALESCE(MAX(sequence), 0) FROM pool_deposits WHERE pool_id = $1`, s.poolID).
				Scan(&last); err != nil {
				return err
			}
			if err := b.checkSequence(uint64(last)); err != nil {
				return err
			}
		}

		for kind, v := range b.Reserves {
			if _, err := tx.Exec(ctx,
				`INSERT INTO pool_reserves (pool_id, kind, balance) VALUES ($1, $2, $3::NUMERIC)
				 ON CONFLICT (pool_id, kind) DO UPDATE SET balance = EXCLUDED.balance`,
				s.poolID, int16(kind), v.Raw().String()); err != nil {
				return fmt.Errorf("write reserve %s: %w", kind, err)
			}
		}
		for key, v := range b.Accounts {
			if _, err := tx.Exec(ctx,
				`INSERT INTO account_balances (pool_id, account_id, token, balance)
				 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC)
				 ON CONFLICT (pool_id, account_id, token) DO UPDATE SET balance = EXCLUDED.balance`,
				s.poolID, key.Account.String(), int16(key.Token), v.Raw().String()); err != nil {
				return fmt.Errorf("write account %s/%s: %w", key.Account, key.Token, err)
			}
		}
		for key, v := range b.Options {
			if _, err := tx.Exec(ctx,
				`INSERT INTO option_inventory (pool_id, kind, strike, maturity, side, balance)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6::NUMERIC)
				 ON CONFLICT (pool_id, kind, strike, maturity, side) DO UPDATE SET balance = EXCLUDED.balance`,
				s.poolID, int16(key.Kind), key.Strike.Raw().String(), key.Maturity.Raw().String(),
				int16(key.Side), v.Raw().String()); err != nil {
				return fmt.Errorf("write option bucket: %w", err)
			}
		}
		for key, v := range b.Volatility {
			if _, err := tx.Exec(ctx,
				`INSERT INTO volatility_surface (pool_id, kind, maturity, volatility)
				 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC)
				 ON CONFLICT (pool_id, kind, maturity) DO UPDATE SET volatility = EXCLUDED.volatility`,
				s.poolID, int16(key.Kind), key.Maturity.Raw().String(), v.Raw().String()); err != nil {
				return fmt.Errorf("write volatility %s: %w", key.Kind, err)
			}
		}
		if b.Initialize != nil {
			seed, err := json.Marshal(b.Initialize)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO pool_meta (pool_id, initialized, seed) VALUES ($1, TRUE, $2::JSONB)
				 ON CONFLICT (pool_id) DO UPDATE SET initialized = TRUE, seed = EXCLUDED.seed`,
				s.poolID, string(seed)); err != nil {
				return fmt.Errorf("mark pool initialized: %w", err)
			}
		}
		for _, d := range b.NewDeposits {
			if _, err := tx.Exec(ctx,
				`INSERT INTO pool_deposits (id, pool_id, sequence, account_id, amount_a, amount_b, timestamp)
				 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
				d.ID, s.poolID, int64(d.Sequence), d.Account.String(),
				d.AmountA.Raw().String(), d.AmountB.Raw().String(), d.Timestamp); err != nil {
				return fmt.Errorf("insert deposit %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

// scalar reads one raw NUMERIC value; a missing row reads as zero.
func (s *PostgresStore) scalar(ctx context.Context, query string, args ...any) (fixedpoint.Value, error) {
	var raw string
	err := s.pool.QueryRow(ctx, query, args...).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return fixedpoint.Zero, nil
	}
	if err != nil {
		return fixedpoint.Zero, err
	}
	return fixedpoint.ParseRaw(raw)
}

// scanDeposits reads pgx rows into Deposit slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanDeposits(rows pgxRows) ([]model.Deposit, error) {
	var deposits []model.Deposit
	for rows.Next() {
		var d model.Deposit
		var seq int64
		var accountS, amountAS, amountBS string

		if err := rows.Scan(&d.ID, &d.PoolID, &seq, &accountS,
			&amountAS, &amountBS, &d.Timestamp); err != nil {
			return nil, err
		}

		account, err := strconv.ParseUint(accountS, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("deposit %s account: %w", d.ID, err)
		}
		d.Sequence = uint64(seq)
		d.Account = model.AccountID(account)
		if d.AmountA, err = fixedpoint.ParseRaw(amountAS); err != nil {
			return nil, err
		}
		if d.AmountB, err = fixedpoint.ParseRaw(amountBS); err != nil {
			return nil, err
		}

		deposits = append(deposits, d)
	}
	return deposits, rows.Err()
}
