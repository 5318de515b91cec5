// Package model defines the core domain types shared across the pool ledger.
// All monetary and time values use fixedpoint.Value, never float64.
package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/atmx/options-amm/internal/fixedpoint"
)

// ErrInvalidKey is returned when an enumeration value is outside its closed
// set. Lookups never default an unknown kind, side or token to zero.
var ErrInvalidKey = errors.New("model: invalid key")

// OptionKind is the instrument class of an option.
type OptionKind uint8

const (
	Call OptionKind = 0
	Put  OptionKind = 1
)

// OptionKinds lists every valid kind in code order.
var OptionKinds = []OptionKind{Call, Put}

func (k OptionKind) Validate() error {
	if k > Put {
		return fmt.Errorf("%w: option kind %d", ErrInvalidKey, uint8(k))
	}
	return nil
}

func (k OptionKind) String() string {
	switch k {
	case Call:
		return "CALL"
	case Put:
		return "PUT"
	default:
		return "OptionKind(" + strconv.Itoa(int(k)) + ")"
	}
}

// ParseOptionKind accepts "call"/"put" in any case or the numeric codes.
func ParseOptionKind(s string) (OptionKind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CALL", "0":
		return Call, nil
	case "PUT", "1":
		return Put, nil
	}
	return 0, fmt.Errorf("%w: option kind %q", ErrInvalidKey, s)
}

// PositionSide is the side of an option position held by the pool.
type PositionSide uint8

const (
	Long  PositionSide = 0
	Short PositionSide = 1
)

// PositionSides lists every valid side in code order.
var PositionSides = []PositionSide{Long, Short}

func (s PositionSide) Validate() error {
	if s > Short {
		return fmt.Errorf("%w: position side %d", ErrInvalidKey, uint8(s))
	}
	return nil
}

func (s PositionSide) String() string {
	switch s {
	case Long:
		return "LONG"
	case Short:
		return "SHORT"
	default:
		return "PositionSide(" + strconv.Itoa(int(s)) + ")"
	}
}

// ParsePositionSide accepts "long"/"short" in any case or the numeric codes.
func ParsePositionSide(s string) (PositionSide, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LONG", "0":
		return Long, nil
	case "SHORT", "1":
		return Short, nil
	}
	return 0, fmt.Errorf("%w: position side %q", ErrInvalidKey, s)
}

// TokenID identifies one of the two collateral assets. TokenA backs call
// reserves and TokenB backs put reserves.
type TokenID uint8

const (
	TokenA TokenID = 1
	TokenB TokenID = 2
)

// Tokens lists every valid token in code order.
var Tokens = []TokenID{TokenA, TokenB}

func (t TokenID) Validate() error {
	if t != TokenA && t != TokenB {
		return fmt.Errorf("%w: token %d", ErrInvalidKey, uint8(t))
	}
	return nil
}

func (t TokenID) String() string {
	switch t {
	case TokenA:
		return "A"
	case TokenB:
		return "B"
	default:
		return "TokenID(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseTokenID accepts "a"/"b", "token_a"/"token_b" or the numeric codes.
func ParseTokenID(s string) (TokenID, error) {
	switch strings.ToUpper(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "token_")) {
	case "A", "1":
		return TokenA, nil
	case "B", "2":
		return TokenB, nil
	}
	return 0, fmt.Errorf("%w: token %q", ErrInvalidKey, s)
}

// AccountID is an opaque user identifier.
type AccountID uint64

func (a AccountID) String() string { return strconv.FormatUint(uint64(a), 10) }

// ParseAccountID parses a base-10 account identifier.
func ParseAccountID(s string) (AccountID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: account %q", ErrInvalidKey, s)
	}
	return AccountID(n), nil
}

// --- Composite keys ---

// AccountKey addresses one collateral balance in the account ledger.
type AccountKey struct {
	Account AccountID
	Token   TokenID
}

func (k AccountKey) Validate() error { return k.Token.Validate() }

// OptionKey addresses one open-interest bucket in the option inventory.
type OptionKey struct {
	Kind     OptionKind
	Strike   fixedpoint.Value
	Maturity fixedpoint.Value
	Side     PositionSide
}

func (k OptionKey) Validate() error {
	if err := k.Kind.Validate(); err != nil {
		return err
	}
	return k.Side.Validate()
}

// VolatilityKey addresses one point of the volatility surface.
type VolatilityKey struct {
	Kind     OptionKind
	Maturity fixedpoint.Value
}

func (k VolatilityKey) Validate() error { return k.Kind.Validate() }

// ReserveKind maps a collateral token onto the reserve it funds.
func ReserveKind(t TokenID) (OptionKind, error) {
	switch t {
	case TokenA:
		return Call, nil
	case TokenB:
		return Put, nil
	}
	return 0, fmt.Errorf("%w: token %d", ErrInvalidKey, uint8(t))
}

// Deposit is an immutable journal record of one add_fake_tokens call.
// Once created, these are never modified or deleted.
type Deposit struct {
	ID        string           `json:"id" db:"id"`
	PoolID    string           `json:"pool_id" db:"pool_id"`
	Sequence  uint64           `json:"sequence" db:"sequence"`
	Account   AccountID        `json:"account_id" db:"account_id"`
	AmountA   fixedpoint.Value `json:"amount_a" db:"amount_a"`
	AmountB   fixedpoint.Value `json:"amount_b" db:"amount_b"`
	Timestamp time.Time        `json:"timestamp" db:"timestamp"`
}

// PoolSeed records the baselines init_pool applied. It is stored with the
// initialized flag so an audit never depends on the running configuration.
type PoolSeed struct {
	PoolBaseline       fixedpoint.Value   `json:"pool_baseline"`
	VolatilityBaseline fixedpoint.Value   `json:"volatility_baseline"`
	Maturities         []fixedpoint.Value `json:"maturities"`
}
