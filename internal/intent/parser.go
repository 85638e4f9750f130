// Package intent turns free-text chat messages into structured commands.
//
// The parser recognizes a small fixed grammar only; anything else yields nil
// and the caller falls back to a generic reply. It never returns an error and
// is total over all string inputs.
package intent

import (
	"strings"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
)

// rule describes one keyword-anchored grammar entry.
type rule struct {
	kind      domain.CommandKind
	financial bool
	// linker is the keyword separating the amount clause from the
	// counterparty ("from" for request, "to" for the transfer forms).
	linker string
}

var grammar = map[string]rule{
	"help":     {kind: domain.KindHelp},
	"balance":  {kind: domain.KindBalance},
	"chain":    {kind: domain.KindChain},
	"request":  {kind: domain.KindRequest, financial: true, linker: "from"},
	"send":     {kind: domain.KindSend, financial: true, linker: "to"},
	"transfer": {kind: domain.KindTransfer, financial: true, linker: "to"},
	"pay":      {kind: domain.KindPay, financial: true, linker: "to"},
}

// Parse matches text against the command grammar. Input is case-folded and
// whitespace-tokenized before matching. Returns nil when no rule matches.
func Parse(text string) *domain.Command {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil
	}

	r, ok := grammar[tokens[0]]
	if !ok {
		return nil
	}

	if !r.financial {
		if len(tokens) != 1 {
			return nil
		}
		return &domain.Command{Kind: r.kind}
	}

	return parseFinancial(r, tokens)
}

// parseFinancial matches the tail of a financial command:
//
//	<amount> <currency> [sepolia|mainnet] <linker> <counterparty>
func parseFinancial(r rule, tokens []string) *domain.Command {
	rest := tokens[1:]
	if len(rest) < 4 || len(rest) > 5 {
		return nil
	}

	amount := rest[0]
	if !validAmount(amount) {
		return nil
	}
	currency := rest[1]
	rest = rest[2:]

	testnet := false
	switch rest[0] {
	case "sepolia":
		testnet = true
		rest = rest[1:]
	case "mainnet":
		rest = rest[1:]
	}

	if len(rest) != 2 || rest[0] != r.linker || rest[1] == "" {
		return nil
	}

	return &domain.Command{
		Kind:         r.kind,
		Amount:       amount,
		Currency:     currency,
		Testnet:      testnet,
		Counterparty: rest[1],
	}
}

// validAmount admits exactly the positive decimal forms the wallet can
// convert to wei. Float syntax like "1e3", "inf", or hex floats must not
// produce a command: the resulting prompt could never be confirmed.
func validAmount(s string) bool {
	_, err := wallet.ToWei(s)
	return err == nil
}
