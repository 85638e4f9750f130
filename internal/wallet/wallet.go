// Package wallet provides the wallet collaborator: chain metadata, balance
// and transfer primitives, and amount/address helpers.
package wallet

import (
	"context"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/CalebKiragu/coinmeadow-agent/internal/config"
)

// NativeDecimals is the smallest-unit scale of the supported chains (wei).
const NativeDecimals = 18

// Chain identifies one network a transfer can settle on.
type Chain struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	Testnet  bool   `json:"testnet"`
}

// Wallet is the external wallet collaborator. Implementations perform real
// provider calls; tests substitute fakes.
type Wallet interface {
	// Address returns the connected wallet address.
	Address() string

	// ActiveChain returns the chain the wallet is currently on.
	ActiveChain() Chain

	// GetBalance fetches the native balance of addr in wei.
	GetBalance(ctx context.Context, addr string) (*big.Int, error)

	// SendTransaction broadcasts a native transfer and returns the tx hash.
	SendTransaction(ctx context.Context, to string, valueWei *big.Int) (string, error)

	// SwitchNetwork asks the provider to move to the given chain.
	SwitchNetwork(ctx context.Context, chainID int64, label string) error
}

// Table resolves currency/testnet combinations to chains.
type Table struct {
	chains map[string]Chain // key: symbol|net
	order  []string
}

// NewTable builds a chain table from the configured currency set.
func NewTable(currencies []config.CurrencyChains) *Table {
	t := &Table{chains: make(map[string]Chain, len(currencies)*2)}
	for _, cur := range currencies {
		symbol := strings.ToLower(cur.Symbol)
		t.chains[tableKey(symbol, false)] = Chain{
			ID: cur.Mainnet.ID, Name: cur.Mainnet.Name, Currency: symbol,
		}
		t.chains[tableKey(symbol, true)] = Chain{
			ID: cur.Testnet.ID, Name: cur.Testnet.Name, Currency: symbol, Testnet: true,
		}
		t.order = append(t.order, symbol)
	}
	return t
}

func tableKey(symbol string, testnet bool) string {
	if testnet {
		return symbol + "|testnet"
	}
	return symbol + "|mainnet"
}

// ChainFor resolves the chain implied by a currency and testnet flag.
func (t *Table) ChainFor(currency string, testnet bool) (Chain, bool) {
	c, ok := t.chains[tableKey(strings.ToLower(currency), testnet)]
	return c, ok
}

// Supports reports whether currency is in the supported set.
func (t *Table) Supports(currency string) bool {
	_, ok := t.chains[tableKey(strings.ToLower(currency), false)]
	return ok
}

// Supported returns the supported currency symbols in configuration order.
func (t *Table) Supported() []string {
	return append([]string(nil), t.order...)
}

var (
	ethAddressRe  = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	tronAddressRe = regexp.MustCompile(`^[Tt][0-9a-zA-Z]{33,34}$`)
)

// IsValidRecipient reports whether addr is a syntactically valid Ethereum or
// Tron address.
func IsValidRecipient(addr string) bool {
	return ethAddressRe.MatchString(addr) || tronAddressRe.MatchString(addr)
}

var weiPerNative = new(big.Int).Exp(big.NewInt(10), big.NewInt(NativeDecimals), nil)

// ToWei converts a decimal amount string to the chain's smallest unit.
// The conversion is exact; more than 18 fractional digits is an error.
func ToWei(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("empty amount")
	}

	intPart := amount
	fracPart := ""
	if i := strings.IndexByte(amount, '.'); i >= 0 {
		intPart, fracPart = amount[:i], amount[i+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > NativeDecimals {
		return nil, fmt.Errorf("amount %q has more than %d decimal places", amount, NativeDecimals)
	}

	digits := intPart + fracPart + strings.Repeat("0", NativeDecimals-len(fracPart))
	wei, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", amount)
	}
	if wei.Sign() <= 0 {
		return nil, fmt.Errorf("amount %q must be positive", amount)
	}
	return wei, nil
}

// FormatUnits renders a wei value as a human-readable decimal string with
// trailing zeros trimmed.
func FormatUnits(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	quo, rem := new(big.Int).QuoRem(wei, weiPerNative, new(big.Int))
	if rem.Sign() == 0 {
		return quo.String()
	}
	remDigits := rem.String()
	frac := strings.Repeat("0", NativeDecimals-len(remDigits)) + remDigits
	return quo.String() + "." + strings.TrimRight(frac, "0")
}
