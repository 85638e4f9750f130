package domain

// CommandKind identifies which grammar rule a parsed command matched.
type CommandKind string

const (
	// KindHelp asks for the command grammar summary.
	KindHelp CommandKind = "help"
	// KindBalance asks for the connected wallet's native balance.
	KindBalance CommandKind = "balance"
	// KindChain asks for the active chain name and id.
	KindChain CommandKind = "chain"
	// KindRequest asks a counterparty to pay the requester.
	KindRequest CommandKind = "request"
	// KindSend, KindTransfer and KindPay all move value to a counterparty.
	KindSend     CommandKind = "send"
	KindTransfer CommandKind = "transfer"
	KindPay      CommandKind = "pay"
)

// Command is a structured financial intent parsed from free text.
// It is constructed once by the intent parser and never mutated.
type Command struct {
	Kind         CommandKind
	Amount       string // decimal string as typed, e.g. "0.5"
	Currency     string // lower-cased currency symbol, e.g. "eth"
	Testnet      bool
	Counterparty string // payer for request, recipient for send/transfer/pay
}

// IsFinancial reports whether the command carries an amount and counterparty
// and can therefore lead to a pending confirmation.
func (c *Command) IsFinancial() bool {
	switch c.Kind {
	case KindRequest, KindSend, KindTransfer, KindPay:
		return true
	default:
		return false
	}
}
