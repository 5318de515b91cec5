package store

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// Key layout
//
//	0x0/[pool] -> init seed (JSON); present once initialized
//	0x1/[pool]/[kind] -> reserve
//	0x2/[pool]/[account u64]/[token] -> account balance
//	0x3/[pool]/[kind]/[strike 32]/[maturity 32]/[side] -> open interest
//	0x4/[pool]/[kind]/[maturity 32] -> volatility
//	0x5/[pool]/[sequence u64] -> deposit (JSON)
//	0x6/[pool] -> last deposit sequence
//
// [pool] is a uint16 length followed by the pool ID bytes.
const (
	metaPrefix byte = iota
	reservePrefix
	accountPrefix
	optionPrefix
	volatilityPrefix
	depositPrefix
	depositCountPrefix
)

// OpenPebble opens (or creates) a Pebble database at path.
func OpenPebble(path string) (*pebble.DB, error) {
	return pebble.Open(path, &pebble.Options{})
}

// PebbleStore implements Store on an embedded Pebble database. Many pools
// may share one database; keys are namespaced by pool ID.
type PebbleStore struct {
	db     *pebble.DB
	poolID string
}

// NewPebbleStore creates a Pebble-backed store for one pool.
func NewPebbleStore(db *pebble.DB, poolID string) *PebbleStore {
	return &PebbleStore{db: db, poolID: poolID}
}

func (s *PebbleStore) key(prefix byte, extra int) []byte {
	k := make([]byte, 0, 1+2+len(s.poolID)+extra)
	k = append(k, prefix)
	k = binary.BigEndian.AppendUint16(k, uint16(len(s.poolID)))
	return append(k, s.poolID...)
}

func (s *PebbleStore) reserveKey(kind model.OptionKind) []byte {
	return append(s.key(reservePrefix, 1), byte(kind))
}

func (s *PebbleStore) accountKey(key model.AccountKey) []byte {
	k := binary.BigEndian.AppendUint64(s.key(accountPrefix, 9), uint64(key.Account))
	return append(k, byte(key.Token))
}

func (s *PebbleStore) optionKey(key model.OptionKey) []byte {
	strike := key.Strike.Bytes32()
	maturity := key.Maturity.Bytes32()
	k := append(s.key(optionPrefix, 66), byte(key.Kind))
	k = append(k, strike[:]...)
	k = append(k, maturity[:]...)
	return append(k, byte(key.Side))
}

func (s *PebbleStore) volatilityKey(key model.VolatilityKey) []byte {
	maturity := key.Maturity.Bytes32()
	k := append(s.key(volatilityPrefix, 33), byte(key.Kind))
	return append(k, maturity[:]...)
}

func (s *PebbleStore) depositKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(s.key(depositPrefix, 8), seq)
}

// get copies the stored value; Pebble's buffer is invalid once the closer
// is closed. A missing key returns nil without error.
func (s *PebbleStore) get(k []byte) ([]byte, error) {
	val, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	ret := make([]byte, len(val))
	copy(ret, val)
	return ret, nil
}

func (s *PebbleStore) value(k []byte) (fixedpoint.Value, error) {
	raw, err := s.get(k)
	if err != nil || raw == nil {
		return fixedpoint.Zero, err
	}
	return fixedpoint.FromBytes32(raw)
}

func (s *PebbleStore) PoolBalance(_ context.Context, kind model.OptionKind) (fixedpoint.Value, error) {
	return s.value(s.reserveKey(kind))
}

func (s *PebbleStore) AccountBalance(_ context.Context, key model.AccountKey) (fixedpoint.Value, error) {
	return s.value(s.accountKey(key))
}

func (s *PebbleStore) OptionBalance(_ context.Context, key model.OptionKey) (fixedpoint.Value, error) {
	return s.value(s.optionKey(key))
}

func (s *PebbleStore) Volatility(_ context.Context, key model.VolatilityKey) (fixedpoint.Value, error) {
	return s.value(s.volatilityKey(key))
}

func (s *PebbleStore) Initialized(_ context.Context) (bool, error) {
	raw, err := s.get(s.key(metaPrefix, 0))
	if err != nil {
		return false, err
	}
	return raw != nil, nil
}

func (s *PebbleStore) Seed(_ context.Context) (model.PoolSeed, bool, error) {
	raw, err := s.get(s.key(metaPrefix, 0))
	if err != nil || raw == nil {
		return model.PoolSeed{}, false, err
	}
	var seed model.PoolSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return model.PoolSeed{}, false, fmt.Errorf("pool %s: decode seed: %w", s.poolID, err)
	}
	return seed, true, nil
}

func (s *PebbleStore) DepositCount(_ context.Context) (uint64, error) {
	raw, err := s.get(s.key(depositCountPrefix, 0))
	if err != nil || raw == nil {
		return 0, err
	}
	if len(raw) != 8 {
		return 0, fmt.Errorf("pool %s: corrupt deposit counter", s.poolID)
	}
	return binary.BigEndian.Uint64(raw), nil
}

// Deposits reads the journal by sequence; entries are dense from 1.
func (s *PebbleStore) Deposits(ctx context.Context) ([]model.Deposit, error) {
	n, err := s.DepositCount(ctx)
	if err != nil {
		return nil, err
	}
	deposits := make([]model.Deposit, 0, n)
	for seq := uint64(1); seq <= n; seq++ {
		raw, err := s.get(s.depositKey(seq))
		if err != nil {
			return nil, err
		}
		if raw == nil {
			return nil, fmt.Errorf("pool %s: deposit %d missing", s.poolID, seq)
		}
		var d model.Deposit
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("pool %s: decode deposit %d: %w", s.poolID, seq, err)
		}
		deposits = append(deposits, d)
	}
	return deposits, nil
}

// Apply stages every write in a pebble.Batch and commits it with one
// synced write.
func (s *PebbleStore) Apply(ctx context.Context, b *Batch) error {
	last, err := s.DepositCount(ctx)
	if err != nil {
		return err
	}
	if err := b.checkSequence(last); err != nil {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	for kind, v := range b.Reserves {
		if err := setValue(batch, s.reserveKey(kind), v); err != nil {
			return err
		}
	}
	for key, v := range b.Accounts {
		if err := setValue(batch, s.accountKey(key), v); err != nil {
			return err
		}
	}
	for key, v := range b.Options {
		if err := setValue(batch, s.optionKey(key), v); err != nil {
			return err
		}
	}
	for key, v := range b.Volatility {
		if err := setValue(batch, s.volatilityKey(key), v); err != nil {
			return err
		}
	}
	if b.Initialize != nil {
		data, err := json.Marshal(b.Initialize)
		if err != nil {
			return err
		}
		if err := batch.Set(s.key(metaPrefix, 0), data, nil); err != nil {
			return err
		}
	}
	for _, d := range b.NewDeposits {
		data, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := batch.Set(s.depositKey(d.Sequence), data, nil); err != nil {
			return err
		}
		last = d.Sequence
	}
	if len(b.NewDeposits) > 0 {
		if err := batch.Set(s.key(depositCountPrefix, 0), binary.BigEndian.AppendUint64(nil, last), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func setValue(batch *pebble.Batch, k []byte, v fixedpoint.Value) error {
	word := v.Bytes32()
	return batch.Set(k, word[:], nil)
}
