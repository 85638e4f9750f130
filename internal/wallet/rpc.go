package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RPCWallet talks to a wallet provider over JSON-RPC. Balance reads and
// transaction broadcasts go to the provider's node; network switches use the
// provider's wallet_switchEthereumChain method.
type RPCWallet struct {
	endpoint string
	address  string
	client   *http.Client
	logger   *slog.Logger

	mu     sync.RWMutex
	active Chain

	reqID int64
}

// RPCWalletConfig holds configuration for the JSON-RPC wallet client.
type RPCWalletConfig struct {
	Endpoint       string
	Address        string
	InitialChain   Chain
	RequestTimeout time.Duration
}

// NewRPCWallet creates a wallet client and verifies the provider is reachable
// by matching its reported chain id against the configured initial chain.
func NewRPCWallet(ctx context.Context, cfg RPCWalletConfig, logger *slog.Logger) (*RPCWallet, error) {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	w := &RPCWallet{
		endpoint: cfg.Endpoint,
		address:  cfg.Address,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
		active:   cfg.InitialChain,
	}

	// Fail fast on unreachable or mismatched providers during startup.
	var chainHex string
	if err := w.call(ctx, "eth_chainId", nil, &chainHex); err != nil {
		return nil, fmt.Errorf("wallet provider at %s not ready: %w", cfg.Endpoint, err)
	}
	reported, err := parseHexBig(chainHex)
	if err != nil {
		return nil, fmt.Errorf("parse provider chain id: %w", err)
	}
	if cfg.InitialChain.ID != 0 && reported.Int64() != cfg.InitialChain.ID {
		logger.Warn("Provider chain differs from configured chain",
			"reported", reported.Int64(), "configured", cfg.InitialChain.ID)
	}

	logger.Info("Connected to wallet provider", "endpoint", cfg.Endpoint, "chain_id", reported.Int64())
	return w, nil
}

// Address returns the connected wallet address.
func (w *RPCWallet) Address() string {
	return w.address
}

// ActiveChain returns the chain the wallet is currently on.
func (w *RPCWallet) ActiveChain() Chain {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.active
}

// GetBalance fetches the native balance of addr in wei.
func (w *RPCWallet) GetBalance(ctx context.Context, addr string) (*big.Int, error) {
	var result string
	if err := w.call(ctx, "eth_getBalance", []any{addr, "latest"}, &result); err != nil {
		return nil, fmt.Errorf("fetch balance: %w", err)
	}
	balance, err := parseHexBig(result)
	if err != nil {
		return nil, fmt.Errorf("parse balance %q: %w", result, err)
	}
	return balance, nil
}

// SendTransaction broadcasts a native transfer and returns the tx hash.
// The provider may block on user signature approval with no timeout of its
// own; cancellation is governed by ctx only up to the HTTP round trip.
func (w *RPCWallet) SendTransaction(ctx context.Context, to string, valueWei *big.Int) (string, error) {
	params := []any{map[string]string{
		"from":  w.address,
		"to":    to,
		"value": "0x" + valueWei.Text(16),
	}}
	var txHash string
	if err := w.call(ctx, "eth_sendTransaction", params, &txHash); err != nil {
		return "", fmt.Errorf("send transaction: %w", err)
	}
	return txHash, nil
}

// SwitchNetwork asks the provider to move to the given chain and records it
// as active on success.
func (w *RPCWallet) SwitchNetwork(ctx context.Context, chainID int64, label string) error {
	params := []any{map[string]string{
		"chainId": fmt.Sprintf("0x%x", chainID),
	}}
	var result any
	if err := w.call(ctx, "wallet_switchEthereumChain", params, &result); err != nil {
		return fmt.Errorf("switch network to %s: %w", label, err)
	}

	w.mu.Lock()
	w.active = Chain{ID: chainID, Name: label}
	w.mu.Unlock()

	w.logger.Info("Switched network", "chain_id", chainID, "label", label)
	return nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (w *RPCWallet) call(ctx context.Context, method string, params any, result any) error {
	w.mu.Lock()
	w.reqID++
	id := w.reqID
	w.mu.Unlock()

	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			w.logger.Debug("Failed to close RPC response body", "error", closeErr)
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("%s: provider error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func parseHexBig(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return big.NewInt(0), nil
	}
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("not a hex quantity: %q", s)
	}
	return n, nil
}
