// Package confirm drives the pending-confirmation state machine: network
// matching, PIN entry, balance verification, and transaction execution for
// the single published Prompt.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"sync"

	"github.com/CalebKiragu/coinmeadow-agent/internal/domain"
	"github.com/CalebKiragu/coinmeadow-agent/internal/prompt"
	"github.com/CalebKiragu/coinmeadow-agent/internal/wallet"
)

// State names the controller's position in the confirmation flow.
type State string

const (
	StateIdle             State = "idle"
	StatePromptPending    State = "prompt_pending"
	StateNetworkSwitching State = "network_switching"
	StateAwaitingPin      State = "awaiting_pin"
	StateProcessing       State = "processing"
	StateResult           State = "result"
)

var (
	// ErrNoPrompt is returned when Confirm runs with an empty prompt slot.
	ErrNoPrompt = errors.New("no pending prompt")

	// ErrStalePrompt is returned when the prompt slot moved on (cancelled or
	// superseded) between dialog open and confirmation.
	ErrStalePrompt = errors.New("prompt is stale")

	// ErrInvalidPIN is returned unless the PIN is exactly 4 numeric digits.
	ErrInvalidPIN = errors.New("PIN must be exactly 4 digits")

	// ErrInvalidRecipient is returned for syntactically invalid addresses.
	ErrInvalidRecipient = errors.New("recipient is not a valid address")

	// ErrInsufficientBalance aborts execution before any transfer call.
	ErrInsufficientBalance = errors.New("insufficient balance")
)

var pinRe = regexp.MustCompile(`^[0-9]{4}$`)

// ValidPIN reports whether pin is exactly 4 numeric digits. This is local
// input validation only; the PIN is never sent anywhere.
func ValidPIN(pin string) bool {
	return pinRe.MatchString(pin)
}

// Notice is a non-blocking user-visible notification.
type Notice struct {
	Level  string `json:"level"` // "error" or "info"
	Title  string `json:"title"`
	Detail string `json:"detail"`
}

// Notifier surfaces notices to the UI. Implementations must not block.
type Notifier interface {
	Notify(n Notice)
}

type noopNotifier struct{}

func (noopNotifier) Notify(Notice) {}

// Controller consumes the published Prompt and performs the confirmation.
type Controller struct {
	prompts  *prompt.Store
	wallet   wallet.Wallet
	table    *wallet.Table
	baseURL  string
	notifier Notifier
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	generation uint64 // prompt generation the dialog is acting on
	result     *domain.Result
}

// NewController creates a confirmation controller.
func NewController(prompts *prompt.Store, w wallet.Wallet, table *wallet.Table, baseURL string, notifier Notifier, logger *slog.Logger) *Controller {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		prompts:  prompts,
		wallet:   w,
		table:    table,
		baseURL:  baseURL,
		notifier: notifier,
		logger:   logger,
		state:    StateIdle,
	}
}

// State returns the current confirmation state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Result returns the captured result of the current attempt, if any.
func (c *Controller) Result() *domain.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// OnPrompt opens the dialog for a freshly published prompt. If the wallet's
// active chain does not match the chain implied by the prompt's currency and
// testnet flag, a network switch is requested asynchronously; the dialog does
// not block on it, so the user may confirm before the switch lands. That race
// is inherited from the original flow and accepted.
func (c *Controller) OnPrompt(ctx context.Context, p *domain.Prompt, generation uint64) {
	c.mu.Lock()
	c.generation = generation
	c.result = nil
	c.setStateLocked(StatePromptPending)
	c.mu.Unlock()

	target, ok := c.table.ChainFor(p.Currency, p.Testnet)
	if ok && c.wallet.ActiveChain().ID != target.ID {
		c.mu.Lock()
		c.setStateLocked(StateNetworkSwitching)
		c.mu.Unlock()

		go func() {
			if err := c.wallet.SwitchNetwork(ctx, target.ID, target.Name); err != nil {
				c.logger.Warn("Network switch failed", "chain_id", target.ID, "error", err)
				c.notifier.Notify(Notice{
					Level:  "error",
					Title:  "Network switch failed",
					Detail: err.Error(),
				})
			}
			c.mu.Lock()
			if c.state == StateNetworkSwitching {
				c.setStateLocked(StateAwaitingPin)
			}
			c.mu.Unlock()
		}()
		return
	}

	c.mu.Lock()
	c.setStateLocked(StateAwaitingPin)
	c.mu.Unlock()
}

// Confirm executes the pending prompt. For request prompts it builds a
// shareable payment link with no PIN or balance check. For transfer prompts
// it validates the PIN and recipient, verifies the balance, and broadcasts
// the transfer. Once a Result exists, a further Confirm only acknowledges:
// the slot is cleared and no side effect runs.
func (c *Controller) Confirm(ctx context.Context, pin string) (*domain.Result, error) {
	c.mu.Lock()
	if c.result != nil {
		// Acknowledge: terminal result already captured for this attempt.
		res := c.result
		c.result = nil
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		c.prompts.Clear()
		return res, nil
	}
	generation := c.generation
	c.mu.Unlock()

	p, gen, ok := c.prompts.Get()
	if !ok {
		return nil, ErrNoPrompt
	}
	if gen != generation {
		// The slot was replaced after this dialog opened; refuse to act on
		// the superseded intent.
		return nil, ErrStalePrompt
	}

	if p.Kind == domain.KindRequest {
		return c.confirmRequest(p)
	}
	return c.confirmTransfer(ctx, p, pin, generation)
}

// confirmRequest builds the payment link result. No on-chain action.
func (c *Controller) confirmRequest(p *domain.Prompt) (*domain.Result, error) {
	link := c.paymentLink(p)

	res := &domain.Result{
		Action:  string(domain.KindRequest),
		Link:    link,
		Text:    "Payment request ready",
		Message: fmt.Sprintf("Share this link to receive %s %s.", p.Amount, p.Currency),
		Subtext: "The link has been copied for sharing.",
	}

	c.mu.Lock()
	c.result = res
	c.setStateLocked(StateResult)
	c.mu.Unlock()
	return res, nil
}

func (c *Controller) confirmTransfer(ctx context.Context, p *domain.Prompt, pin string, generation uint64) (*domain.Result, error) {
	if !ValidPIN(pin) {
		return nil, ErrInvalidPIN
	}
	if !wallet.IsValidRecipient(p.Counterparty) {
		return nil, ErrInvalidRecipient
	}

	amountWei, err := wallet.ToWei(p.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert amount: %w", err)
	}

	balance, err := c.wallet.GetBalance(ctx, c.wallet.Address())
	if err != nil {
		c.notifier.Notify(Notice{Level: "error", Title: "Balance check failed", Detail: err.Error()})
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	if balance.Cmp(amountWei) < 0 {
		// Abort before Processing: the dialog stays open with no Result.
		c.notifier.Notify(Notice{
			Level:  "error",
			Title:  "Insufficient balance",
			Detail: fmt.Sprintf("You have %s but tried to send %s.", wallet.FormatUnits(balance), p.Amount),
		})
		return nil, ErrInsufficientBalance
	}

	// Last stale check before dispatch; once the call is issued it is never
	// aborted, even by Cancel.
	if c.prompts.Generation() != generation {
		return nil, ErrStalePrompt
	}

	c.mu.Lock()
	c.setStateLocked(StateProcessing)
	c.mu.Unlock()

	txHash, err := c.wallet.SendTransaction(ctx, p.Counterparty, amountWei)
	if err != nil {
		c.mu.Lock()
		c.setStateLocked(StateAwaitingPin)
		c.mu.Unlock()
		c.notifier.Notify(Notice{Level: "error", Title: "Transaction failed", Detail: err.Error()})
		return nil, fmt.Errorf("send transaction: %w", err)
	}

	// The dispatch is observable regardless of what happened to the prompt
	// slot while the call was in flight.
	c.logger.Info("Transaction confirmed",
		"tx_hash", txHash, "to", p.Counterparty, "amount", p.Amount, "currency", p.Currency)

	res := &domain.Result{
		Action:  string(p.Kind),
		TxHash:  txHash,
		Text:    "Transaction confirmed",
		Message: fmt.Sprintf("Sent %s %s to %s.", p.Amount, p.Currency, p.Counterparty),
		Subtext: txHash,
	}

	c.mu.Lock()
	if c.prompts.Generation() != generation {
		// Cancelled or superseded mid-flight: the transfer still resolved
		// (logged above) but must not surface against a newer prompt.
		c.setStateLocked(StateIdle)
		c.mu.Unlock()
		return res, ErrStalePrompt
	}
	c.result = res
	c.setStateLocked(StateResult)
	c.mu.Unlock()
	return res, nil
}

// Cancel clears the prompt slot unconditionally and returns to Idle. It does
// not abort a network call already issued inside Processing, and it does not
// clear an already-captured Result.
func (c *Controller) Cancel() {
	c.prompts.Clear()
	c.mu.Lock()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()
}

// paymentLink builds <baseURL>send?amount=..&currency=..&to=<own address>.
func (c *Controller) paymentLink(p *domain.Prompt) string {
	q := url.Values{}
	q.Set("amount", p.Amount)
	q.Set("currency", p.Currency)
	q.Set("to", c.wallet.Address())
	return c.baseURL + "send?" + q.Encode()
}

func (c *Controller) setStateLocked(s State) {
	if c.state != s {
		c.logger.Debug("Confirmation state change", "from", c.state, "to", s)
		c.state = s
	}
}
