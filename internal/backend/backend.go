// Package backend provides the UTXO chain adapter: fetching unspent outputs
// and balances, and broadcasting raw transactions.
// This package never handles private keys - all signing happens in the swap package.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/klingon-exchange/swapd/internal/chain"
)

// Common errors
var (
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// Unspent is an unspent transaction output.
type Unspent struct {
	TxID        string `json:"txid"`
	OutputIndex uint32 `json:"vout"`
	Value       int64  `json:"value"` // satoshis
}

// ChainAdapter is the read/broadcast surface of a UTXO chain. Implementations
// must be safe for concurrent use.
type ChainAdapter interface {
	// FetchBalance returns the sum of unspent output values at address.
	FetchBalance(ctx context.Context, address string) (int64, error)

	// FetchUnspents returns the unspent outputs at address.
	FetchUnspents(ctx context.Context, address string) ([]Unspent, error)

	// BroadcastTx submits a raw transaction and returns its id.
	BroadcastTx(ctx context.Context, rawHex string) (string, error)
}

// ChainIOError is a failed fetch or broadcast. Status is the HTTP status when
// the remote answered, zero when it could not be reached.
type ChainIOError struct {
	Op     string
	Status int
	Err    error
}

func (e *ChainIOError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *ChainIOError) Unwrap() error { return e.Err }

// Temporary reports whether retrying the operation may succeed.
func (e *ChainIOError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Config holds backend configuration.
type Config struct {
	Type       Type          `yaml:"type"`
	MainnetURL string        `yaml:"mainnet_url"`
	TestnetURL string        `yaml:"testnet_url"`
	RegtestURL string        `yaml:"regtest_url,omitempty"`
	Timeout    time.Duration `yaml:"timeout"`
	Retry      RetryConfig   `yaml:"retry"`
}

// DefaultConfig returns the default Bitcoin backend configuration.
func DefaultConfig() Config {
	return Config{
		Type:       TypeMempool,
		MainnetURL: "https://mempool.space/api",
		TestnetURL: "https://mempool.space/testnet/api",
		RegtestURL: "http://127.0.0.1:3002",
		Timeout:    30 * time.Second,
		Retry:      DefaultRetryConfig(),
	}
}

// URL returns the endpoint for a network.
func (c Config) URL(network chain.Network) string {
	switch network {
	case chain.Mainnet:
		return c.MainnetURL
	case chain.Regtest:
		return c.RegtestURL
	default:
		return c.TestnetURL
	}
}

// New creates the configured adapter wrapped with retries.
func New(cfg Config, network chain.Network) (ChainAdapter, error) {
	url := cfg.URL(network)
	if url == "" {
		return nil, fmt.Errorf("no backend url for %s", network)
	}

	var adapter ChainAdapter
	switch cfg.Type {
	case TypeMempool, TypeEsplora, "":
		adapter = NewMempoolBackend(url, cfg.Timeout)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}

	return NewRetrying(adapter, cfg.Retry), nil
}
