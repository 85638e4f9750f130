package domain

// Prompt is a pending, user-confirmable financial intent. At most one Prompt
// exists process-wide; publishing a new one replaces any previous Prompt and
// invalidates confirmations in progress for it.
type Prompt struct {
	Kind         CommandKind `json:"kind"`
	Amount       string      `json:"amount"`
	Currency     string      `json:"currency"`
	Testnet      bool        `json:"testnet"`
	Counterparty string      `json:"counterparty"`
	OpenDialog   bool        `json:"open_dialog"`
}

// PromptFromCommand builds the Prompt published for a parsed financial command.
func PromptFromCommand(cmd *Command) *Prompt {
	return &Prompt{
		Kind:         cmd.Kind,
		Amount:       cmd.Amount,
		Currency:     cmd.Currency,
		Testnet:      cmd.Testnet,
		Counterparty: cmd.Counterparty,
		OpenDialog:   true,
	}
}

// Result is the terminal outcome of one confirmation attempt. Once produced,
// re-confirming only dismisses the dialog; no further side effects run.
type Result struct {
	Action  string `json:"action"`
	TxHash  string `json:"tx_hash,omitempty"`
	Link    string `json:"link,omitempty"`
	Text    string `json:"text"`
	Message string `json:"message"`
	Subtext string `json:"subtext,omitempty"`
}
