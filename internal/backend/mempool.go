package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// MempoolBackend implements ChainAdapter using the mempool.space API.
// The Esplora API (blockstream.info) serves the same endpoints.
type MempoolBackend struct {
	baseURL    string
	httpClient *http.Client
}

// NewMempoolBackend creates a new mempool.space backend.
func NewMempoolBackend(baseURL string, timeout time.Duration) *MempoolBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MempoolBackend{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// FetchBalance returns the confirmed plus mempool balance of an address.
func (m *MempoolBackend) FetchBalance(ctx context.Context, address string) (int64, error) {
	var result struct {
		ChainStats struct {
			FundedTxoSum int64 `json:"funded_txo_sum"`
			SpentTxoSum  int64 `json:"spent_txo_sum"`
		} `json:"chain_stats"`
		MempoolStats struct {
			FundedTxoSum int64 `json:"funded_txo_sum"`
			SpentTxoSum  int64 `json:"spent_txo_sum"`
		} `json:"mempool_stats"`
	}

	if err := m.get(ctx, "fetch balance", "/address/"+address, &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return 0, nil
		}
		return 0, err
	}

	confirmed := result.ChainStats.FundedTxoSum - result.ChainStats.SpentTxoSum
	pending := result.MempoolStats.FundedTxoSum - result.MempoolStats.SpentTxoSum
	return confirmed + pending, nil
}

// FetchUnspents returns unspent outputs for an address.
func (m *MempoolBackend) FetchUnspents(ctx context.Context, address string) ([]Unspent, error) {
	var result []struct {
		TxID  string `json:"txid"`
		Vout  uint32 `json:"vout"`
		Value int64  `json:"value"`
	}

	if err := m.get(ctx, "fetch unspents", "/address/"+address+"/utxo", &result); err != nil {
		if errors.Is(err, ErrAddressNotFound) {
			return nil, nil
		}
		return nil, err
	}

	unspents := make([]Unspent, len(result))
	for i, u := range result {
		unspents[i] = Unspent{TxID: u.TxID, OutputIndex: u.Vout, Value: u.Value}
	}
	return unspents, nil
}

// BroadcastTx broadcasts a raw transaction. The response body is the txid.
func (m *MempoolBackend) BroadcastTx(ctx context.Context, rawHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/tx", strings.NewReader(rawHex))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", &ChainIOError{Op: "broadcast", Err: fmt.Errorf("%w: %v", ErrBroadcastFailed, err)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", &ChainIOError{
			Op:     "broadcast",
			Status: resp.StatusCode,
			Err:    fmt.Errorf("%w: %s", ErrBroadcastFailed, strings.TrimSpace(string(body))),
		}
	}

	return strings.TrimSpace(string(body)), nil
}

func (m *MempoolBackend) get(ctx context.Context, op, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+path, nil)
	if err != nil {
		return err
	}

	// Avoid stale CDN responses
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return &ChainIOError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return &ChainIOError{Op: op, Status: resp.StatusCode, Err: ErrAddressNotFound}
	case resp.StatusCode == http.StatusTooManyRequests:
		return &ChainIOError{Op: op, Status: resp.StatusCode, Err: ErrRateLimited}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		return &ChainIOError{Op: op, Status: resp.StatusCode, Err: errors.New(strings.TrimSpace(string(body)))}
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return &ChainIOError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return nil
}

var _ ChainAdapter = (*MempoolBackend)(nil)
