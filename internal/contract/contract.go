// Package contract handles option bucket ticker parsing and formatting.
// A ticker names one open-interest bucket of the option inventory.
package contract

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/atmx/options-amm/internal/fixedpoint"
	"github.com/atmx/options-amm/internal/model"
)

// tickerRegex matches: {KIND}-{STRIKE}-{MATURITY}-{SIDE}
// Example: CALL-1000-1.1-LONG
var tickerRegex = regexp.MustCompile(
	`(?i)^(CALL|PUT)-([0-9]+(?:\.[0-9]+)?)-([0-9]+(?:\.[0-9]+)?)-(LONG|SHORT)$`,
)

// rawTickerRegex is the same layout with strike and maturity given as raw
// scaled integers. Example: CALL-2305843009213693952000-2536427310135063552-LONG
var rawTickerRegex = regexp.MustCompile(`(?i)^(CALL|PUT)-([0-9]+)-([0-9]+)-(LONG|SHORT)$`)

var (
	ErrInvalidTicker = errors.New("contract: invalid ticker format")
	ErrInvalidStrike = errors.New("contract: strike must be positive")
)

// Contract represents a parsed option bucket ticker.
type Contract struct {
	Ticker   string             `json:"ticker"`
	Kind     model.OptionKind   `json:"kind"`
	Strike   fixedpoint.Value   `json:"strike"`
	Maturity fixedpoint.Value   `json:"maturity"`
	Side     model.PositionSide `json:"side"`
}

// Key returns the inventory key addressed by the contract.
func (c *Contract) Key() model.OptionKey {
	return model.OptionKey{
		Kind:     c.Kind,
		Strike:   c.Strike,
		Maturity: c.Maturity,
		Side:     c.Side,
	}
}

// ParseTicker parses and validates an option bucket ticker.
// Format: {KIND}-{STRIKE}-{MATURITY}-{SIDE}, strike and maturity in human
// decimal units.
func ParseTicker(ticker string) (*Contract, error) {
	return parse(ticker, tickerRegex, fixedpoint.Parse)
}

// ParseRawTicker parses a ticker whose strike and maturity are raw scaled
// integers, for keys that have no short decimal form.
func ParseRawTicker(ticker string) (*Contract, error) {
	return parse(ticker, rawTickerRegex, fixedpoint.ParseRaw)
}

func parse(ticker string, re *regexp.Regexp, value func(string) (fixedpoint.Value, error)) (*Contract, error) {
	matches := re.FindStringSubmatch(ticker)
	if matches == nil {
		return nil, fmt.Errorf("%w: %s (expected {CALL|PUT}-{strike}-{maturity}-{LONG|SHORT})",
			ErrInvalidTicker, ticker)
	}

	kind, err := model.ParseOptionKind(matches[1])
	if err != nil {
		return nil, err
	}
	strike, err := value(matches[2])
	if err != nil {
		return nil, fmt.Errorf("%w: strike %s: %w", ErrInvalidTicker, matches[2], err)
	}
	if strike.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrike, matches[2])
	}
	maturity, err := value(matches[3])
	if err != nil {
		return nil, fmt.Errorf("%w: maturity %s: %w", ErrInvalidTicker, matches[3], err)
	}
	side, err := model.ParsePositionSide(matches[4])
	if err != nil {
		return nil, err
	}

	return &Contract{
		Ticker:   FormatTicker(model.OptionKey{Kind: kind, Strike: strike, Maturity: maturity, Side: side}),
		Kind:     kind,
		Strike:   strike,
		Maturity: maturity,
		Side:     side,
	}, nil
}

// FormatTicker renders the canonical ticker of an inventory key. Values are
// printed with their exact decimal expansion so parsing the result yields the
// same key.
func FormatTicker(k model.OptionKey) string {
	return fmt.Sprintf("%s-%s-%s-%s", k.Kind, k.Strike, k.Maturity, k.Side)
}
