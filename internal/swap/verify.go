package swap

import (
	"context"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// MismatchKind names the field of a counterparty script that failed
// verification.
type MismatchKind string

const (
	MismatchValue    MismatchKind = "value"
	MismatchTime     MismatchKind = "time"
	MismatchIdentity MismatchKind = "identity"
)

// ScriptMismatchError reports which expectation a counterparty's script
// violates.
type ScriptMismatchError struct {
	Kind   MismatchKind
	Reason string
}

func (e *ScriptMismatchError) Error() string {
	return fmt.Sprintf("script mismatch (%s): %s", e.Kind, e.Reason)
}

// Expectation is what the verifying party requires of a counterparty script.
type Expectation struct {
	Value              decimal.Decimal // BTC
	LockTime           int64
	RecipientPublicKey string
}

// Verifier checks scripts funded by the counterparty.
type Verifier struct {
	adapter backend.ChainAdapter
	net     *chaincfg.Params
}

// NewVerifier creates a verifier reading balances through adapter.
func NewVerifier(adapter backend.ChainAdapter, net *chaincfg.Params) *Verifier {
	return &Verifier{adapter: adapter, net: net}
}

// VerifyScript rebuilds the script address from params, fetches the value
// funded there and checks it against expected. It returns nil on success, a
// *ScriptMismatchError naming the first violated check, or the underlying
// build or chain error.
func (v *Verifier) VerifyScript(ctx context.Context, params Parameters, expected Expectation) error {
	ls, err := BuildScript(params, v.net)
	if err != nil {
		return err
	}

	wantValue, err := helpers.BTCToSatoshis(expected.Value)
	if err != nil {
		return fmt.Errorf("%w: expected value: %v", ErrInvalidParameters, err)
	}

	funded, err := v.adapter.FetchBalance(ctx, ls.Address)
	if err != nil {
		return fmt.Errorf("failed to fetch script balance: %w", err)
	}

	if funded < wantValue {
		return &ScriptMismatchError{
			Kind:   MismatchValue,
			Reason: fmt.Sprintf("expected value %d sat, got %d sat", wantValue, funded),
		}
	}
	if params.LockTime < expected.LockTime {
		return &ScriptMismatchError{
			Kind:   MismatchTime,
			Reason: fmt.Sprintf("expected lock time >= %d, got %d", expected.LockTime, params.LockTime),
		}
	}
	if !strings.EqualFold(params.RecipientPublicKey, expected.RecipientPublicKey) {
		return &ScriptMismatchError{
			Kind:   MismatchIdentity,
			Reason: fmt.Sprintf("expected recipient %s, got %s", expected.RecipientPublicKey, params.RecipientPublicKey),
		}
	}

	return nil
}
