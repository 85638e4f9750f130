// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ChainRef identifies one chain a currency settles on.
type ChainRef struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
}

// CurrencyChains maps a currency symbol to its mainnet and testnet chains.
type CurrencyChains struct {
	Symbol  string   `yaml:"symbol"`
	Mainnet ChainRef `yaml:"mainnet"`
	Testnet ChainRef `yaml:"testnet"`
}

// TranscriptConfig controls NDJSON conversation transcript logging.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Config holds all application configuration.
type Config struct {
	Port          string
	FrontendURL   string
	BaseURL       string // payment link base, e.g. "https://pay.coinmeadow.app/"
	AgentAddress  string // designated automated peer address
	WalletAddress string // connected wallet address
	RPCURL        string
	RelayURL      string
	DBPath        string
	ReplyLatency  time.Duration
	Currencies    []CurrencyChains
	Transcript    TranscriptConfig
}

// DefaultCurrencies is the built-in supported-currency table, overridable via
// a CHAINS_FILE yaml document.
func DefaultCurrencies() []CurrencyChains {
	return []CurrencyChains{
		{
			Symbol:  "eth",
			Mainnet: ChainRef{ID: 1, Name: "Ethereum"},
			Testnet: ChainRef{ID: 11155111, Name: "Sepolia"},
		},
		{
			Symbol:  "base",
			Mainnet: ChainRef{ID: 8453, Name: "Base"},
			Testnet: ChainRef{ID: 84532, Name: "Base Sepolia"},
		},
	}
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:          getEnv("PORT", "8080"),
		FrontendURL:   getEnv("FRONTEND_URL", ""),
		BaseURL:       getEnv("BASE_URL", "https://pay.coinmeadow.app/"),
		AgentAddress:  getEnv("AGENT_ADDRESS", ""),
		WalletAddress: getEnv("WALLET_ADDRESS", ""),
		RPCURL:        getEnv("RPC_URL", "http://localhost:8545"),
		RelayURL:      getEnv("RELAY_URL", "ws://localhost:8588/relay"),
		DBPath:        getEnv("DB_PATH", "./data/meadow.db"),
		ReplyLatency:  getEnvDuration("REPLY_LATENCY", 500*time.Millisecond),
		Currencies:    DefaultCurrencies(),
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", true),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/logs/transcripts"),
			QueueSize: queueSize,
		},
	}

	if path := getEnv("CHAINS_FILE", ""); path != "" {
		currencies, err := loadChainsFile(path)
		if err != nil {
			return nil, fmt.Errorf("load chains file: %w", err)
		}
		cfg.Currencies = currencies
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// loadChainsFile parses a yaml currency table:
//
//	currencies:
//	  - symbol: eth
//	    mainnet: {id: 1, name: Ethereum}
//	    testnet: {id: 11155111, name: Sepolia}
func loadChainsFile(path string) ([]CurrencyChains, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var doc struct {
		Currencies []CurrencyChains `yaml:"currencies"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(doc.Currencies) == 0 {
		return nil, fmt.Errorf("%s defines no currencies", path)
	}
	for i := range doc.Currencies {
		doc.Currencies[i].Symbol = strings.ToLower(doc.Currencies[i].Symbol)
	}
	return doc.Currencies, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.AgentAddress == "" {
		return fmt.Errorf("AGENT_ADDRESS cannot be empty")
	}
	if c.WalletAddress == "" {
		return fmt.Errorf("WALLET_ADDRESS cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.BaseURL == "" {
		return fmt.Errorf("BASE_URL cannot be empty")
	}
	if c.ReplyLatency <= 0 {
		return fmt.Errorf("REPLY_LATENCY must be > 0")
	}
	if len(c.Currencies) == 0 {
		return fmt.Errorf("currency table cannot be empty")
	}
	for _, cur := range c.Currencies {
		if cur.Symbol == "" {
			return fmt.Errorf("currency with empty symbol")
		}
		if cur.Mainnet.ID == 0 || cur.Testnet.ID == 0 {
			return fmt.Errorf("currency %q missing chain ids", cur.Symbol)
		}
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty when transcripts are enabled")
	}
	return nil
}

// SupportedCurrencies returns the lower-cased symbols of the currency table.
func (c *Config) SupportedCurrencies() []string {
	symbols := make([]string, 0, len(c.Currencies))
	for _, cur := range c.Currencies {
		symbols = append(symbols, cur.Symbol)
	}
	return symbols
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
