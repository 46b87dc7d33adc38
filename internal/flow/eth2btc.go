package flow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// ETH2BTCState is the persisted state of the participant flow.
type ETH2BTCState struct {
	IsParticipantSigned bool `json:"isParticipantSigned,omitempty"`

	BtcScriptValues                  *swap.Parameters `json:"btcScriptValues,omitempty"`
	BtcScriptCreatingTransactionHash string           `json:"btcScriptCreatingTransactionHash,omitempty"`
	IsBtcScriptVerified              bool             `json:"isBtcScriptVerified,omitempty"`

	Balance         *decimal.Decimal `json:"balance,omitempty"`
	IsBalanceEnough bool             `json:"isBalanceEnough,omitempty"`

	EthSwapCreationTransactionHash string `json:"ethSwapCreationTransactionHash,omitempty"`
	IsEthContractFunded            bool   `json:"isEthContractFunded,omitempty"`

	Secret                         string `json:"secret,omitempty"`
	EthSwapWithdrawTransactionHash string `json:"ethSwapWithdrawTransactionHash,omitempty"`

	BtcSwapWithdrawTransactionHash string `json:"btcSwapWithdrawTransactionHash,omitempty"`
	IsBtcWithdrawn                 bool   `json:"isBtcWithdrawn,omitempty"`

	RefundTransactionHash string `json:"refundTransactionHash,omitempty"`
	IsRefunded            bool   `json:"isRefunded,omitempty"`
}

// ETH2BTC is the participant: it sells ETH for BTC, locks ether against the
// initiator's secret hash and redeems the Bitcoin script once the secret is
// revealed.
type ETH2BTC struct {
	*base[ETH2BTCState]
}

var _ Flow = (*ETH2BTC)(nil)

// NewETH2BTC creates the participant flow, or restores it from rec.
func NewETH2BTC(sw Swap, deps Deps, rec *storage.FlowRecord) (*ETH2BTC, error) {
	if deps.Verifier == nil {
		return nil, errors.New("flow: script verifier required")
	}
	f := &ETH2BTC{}
	b, err := newBase(NameETH2BTC, sw, deps, rec, f.steps, EventCreateScript, EventWithdrawalComplete)
	if err != nil {
		return nil, err
	}
	f.base = b
	return f, nil
}

func (f *ETH2BTC) steps(b *base[ETH2BTCState]) []Step {
	f.base = b
	return []Step{
		{Name: "sign", Run: f.sign},
		{Name: "wait-script", Run: f.waitScript},
		{Name: "verify-script", Run: f.verifyScript},
		{Name: "eth-balance", Run: f.checkBalance},
		{Name: "fund-eth", Run: f.fundContract},
		{Name: "wait-secret", Run: f.waitSecret},
		{Name: "redeem-btc", Run: f.redeemScript},
		{Name: "finish"},
	}
}

// 1. Sign
func (f *ETH2BTC) sign(ctx context.Context) error {
	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.IsParticipantSigned = true
	})
}

// 2. Wait for the initiator to announce its funded script.
func (f *ETH2BTC) waitScript(ctx context.Context) error {
	msg, err := f.session.Wait(ctx, EventCreateScript)
	if err != nil {
		return err
	}
	var data CreateScriptMessage
	if err := decodeMessage(msg.Data, &data); err != nil {
		return err
	}
	if data.BtcScriptCreatingTransactionHash == "" {
		return fmt.Errorf("%w: missing funding transaction", ErrInvalidMessage)
	}
	if err := data.ScriptValues.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	f.log.Info("Received script", "tx", data.BtcScriptCreatingTransactionHash)
	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		p := data.ScriptValues
		s.BtcScriptValues = &p
		s.BtcScriptCreatingTransactionHash = data.BtcScriptCreatingTransactionHash
	})
}

// 3. Verify the script before locking anything. An underfunded script is
// re-read a few times in case funding is still propagating; a wrong lock
// time or key halts at once.
func (f *ETH2BTC) verifyScript(ctx context.Context) error {
	st := f.machine.State()
	if st.BtcScriptValues == nil {
		return errors.New("no script on record")
	}
	params := *st.BtcScriptValues

	if !strings.EqualFold(params.OwnerPublicKey, f.swap.Participant.BTCPublicKey) {
		return &swap.ScriptMismatchError{
			Kind:   swap.MismatchIdentity,
			Reason: fmt.Sprintf("expected owner %s, got %s", f.swap.Participant.BTCPublicKey, params.OwnerPublicKey),
		}
	}

	expected := swap.Expectation{
		Value:              f.swap.BuyAmount,
		LockTime:           f.deps.now().Add(f.settings.MinLockMargin).Unix(),
		RecipientPublicKey: f.deps.Identity.PublicKey(),
	}

	var err error
	for attempt := 1; attempt <= f.settings.VerifyAttempts; attempt++ {
		err = f.deps.Verifier.VerifyScript(ctx, params, expected)
		var mismatch *swap.ScriptMismatchError
		if err == nil || !errors.As(err, &mismatch) || mismatch.Kind != swap.MismatchValue {
			break
		}
		if attempt == f.settings.VerifyAttempts {
			break
		}
		f.log.Info("Script underfunded, re-checking", "attempt", attempt, "reason", mismatch.Reason)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.settings.PollInterval):
		}
	}
	if err != nil {
		return err
	}

	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.IsBtcScriptVerified = true
	})
}

// 4. Balance. Parks when the account cannot cover the sell amount.
func (f *ETH2BTC) checkBalance(ctx context.Context) error {
	wei, err := f.deps.ETH.AccountBalance(ctx)
	if err != nil {
		return err
	}
	need, err := helpers.ETHToWei(f.swap.SellAmount)
	if err != nil {
		return err
	}
	balance := helpers.WeiToETH(wei)

	if wei.Cmp(need) < 0 {
		f.log.Info("Insufficient ETH balance", "balance", balance, "need", f.swap.SellAmount)
		return f.machine.Update(ctx, func(s *ETH2BTCState) {
			s.Balance = &balance
			s.IsBalanceEnough = false
		})
	}
	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.Balance = &balance
		s.IsBalanceEnough = true
	})
}

// 5. Lock ether behind the script's secret hash and tell the initiator. A
// creation hash on record counts only if the contract holds the ether;
// otherwise the call is sent again.
func (f *ETH2BTC) fundContract(ctx context.Context) error {
	st := f.machine.State()
	params := *st.BtcScriptValues
	participant := f.swap.Participant.ETHAddress

	txHash := st.EthSwapCreationTransactionHash
	if txHash != "" {
		funded, err := f.contractFunded(ctx, participant)
		if err != nil {
			return err
		}
		if funded {
			f.log.Info("Contract already funded, re-announcing", "tx", txHash)
		} else {
			f.log.Warn("Recorded contract funding not on chain, funding again", "tx", txHash)
			txHash = ""
		}
	}
	if txHash == "" {
		var err error
		txHash, err = f.deps.ETH.Create(ctx, participant, params.SecretHash, f.swap.SellAmount, func(hash string) error {
			return f.machine.Update(ctx, func(s *ETH2BTCState) {
				s.EthSwapCreationTransactionHash = hash
			})
		})
		if err != nil {
			return fmt.Errorf("create eth swap: %w", err)
		}
	}

	f.send(ctx, EventCounterpartyFunded, CounterpartyFundedMessage{
		EthSwapCreationTransactionHash: txHash,
	})

	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.EthSwapCreationTransactionHash = txHash
		s.IsEthContractFunded = true
	})
}

func (f *ETH2BTC) contractFunded(ctx context.Context, participant string) (bool, error) {
	need, err := helpers.ETHToWei(f.swap.SellAmount)
	if err != nil {
		return false, err
	}
	locked, err := f.deps.ETH.LockedBalance(ctx, participant)
	if err != nil {
		return false, fmt.Errorf("locked balance: %w", err)
	}
	return locked.Cmp(need) >= 0, nil
}

type revealedSecret struct {
	secret []byte
	txHash string
}

// 6. Wait for the initiator to withdraw, which reveals the secret on chain.
// The contract is polled in parallel with the "withdrawal complete"
// message; either way the secret is read from the contract and checked
// against the script's hash.
func (f *ETH2BTC) waitSecret(ctx context.Context) error {
	st := f.machine.State()
	params := *st.BtcScriptValues

	readSecret := func(ctx context.Context) ([]byte, bool, error) {
		secret, err := f.deps.ETH.GetSecret(ctx, f.swap.Participant.ETHAddress)
		if err != nil {
			return nil, false, err
		}
		return secret, len(secret) > 0, nil
	}

	unsub := f.session.OnPeerJoined(func() {
		go f.send(ctx, EventCounterpartyFunded, CounterpartyFundedMessage{
			EthSwapCreationTransactionHash: st.EthSwapCreationTransactionHash,
		})
	})
	defer unsub()

	poll := Poll(f.settings.PollInterval, f.log, "eth secret", func(ctx context.Context) (revealedSecret, bool, error) {
		secret, ok, err := readSecret(ctx)
		return revealedSecret{secret: secret}, ok, err
	})

	message := func(ctx context.Context) (revealedSecret, error) {
		msg, err := f.session.Wait(ctx, EventWithdrawalComplete)
		if err != nil {
			return revealedSecret{}, err
		}
		var data WithdrawalCompleteMessage
		if err := decodeMessage(msg.Data, &data); err != nil {
			return revealedSecret{}, err
		}
		// The withdrawal may not be visible to our node yet.
		found := Poll(f.settings.PollInterval, f.log, "eth secret", func(ctx context.Context) (revealedSecret, bool, error) {
			secret, ok, err := readSecret(ctx)
			return revealedSecret{secret: secret, txHash: data.EthSwapWithdrawTransactionHash}, ok, err
		})
		return found(ctx)
	}

	got, _, err := FirstOf[revealedSecret](ctx, poll, message)
	if err != nil {
		return err
	}
	if !swap.VerifySecret(got.secret, params.SecretHash) {
		return swap.ErrSecretMismatch
	}

	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.Secret = hex.EncodeToString(got.secret)
		if got.txHash != "" {
			s.EthSwapWithdrawTransactionHash = got.txHash
		}
	})
}

// 7. Redeem the Bitcoin script with the secret.
func (f *ETH2BTC) redeemScript(ctx context.Context) error {
	st := f.machine.State()
	params := *st.BtcScriptValues

	txid := st.BtcSwapWithdrawTransactionHash
	if txid == "" {
		secret, err := hex.DecodeString(st.Secret)
		if err != nil {
			return fmt.Errorf("stored secret: %w", err)
		}
		txid, err = f.deps.BTC.Redeem(ctx, params, secret)
		if err != nil {
			return fmt.Errorf("redeem: %w", err)
		}
	}

	return f.machine.Finish(ctx, func(s *ETH2BTCState) {
		s.BtcSwapWithdrawTransactionHash = txid
		s.IsBtcWithdrawn = true
	})
}

// Refund reclaims the locked ether once the contract allows it. It is
// available at any step after the contract call was sent.
func (f *ETH2BTC) Refund(ctx context.Context) (string, error) {
	st := f.machine.State()
	if st.EthSwapCreationTransactionHash == "" {
		return "", ErrNothingToRefund
	}
	if st.IsRefunded {
		return "", ErrAlreadyRefunded
	}

	hash, err := f.deps.ETH.Refund(ctx, f.swap.Participant.ETHAddress, func(hash string) error {
		return f.machine.amend(func(s *ETH2BTCState) {
			s.RefundTransactionHash = hash
		})
	})
	if err != nil {
		return "", fmt.Errorf("refund: %w", err)
	}

	if err := f.machine.amend(func(s *ETH2BTCState) {
		s.RefundTransactionHash = hash
		s.IsRefunded = true
	}); err != nil {
		return hash, err
	}
	f.machine.Emit(EventRefunded, "")
	return hash, nil
}
