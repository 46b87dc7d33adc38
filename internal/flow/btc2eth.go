package flow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// BTC2ETHState is the persisted state of the initiator flow.
type BTC2ETHState struct {
	IsParticipantSigned bool `json:"isParticipantSigned,omitempty"`

	Secret     string `json:"secret,omitempty"`
	SecretHash string `json:"secretHash,omitempty"`

	Balance         *decimal.Decimal `json:"balance,omitempty"`
	IsBalanceEnough bool             `json:"isBalanceEnough,omitempty"`

	BtcScriptValues                  *swap.Parameters `json:"btcScriptValues,omitempty"`
	BtcScriptCreatingTransactionHash string           `json:"btcScriptCreatingTransactionHash,omitempty"`
	IsBtcScriptFunded                bool             `json:"isBtcScriptFunded,omitempty"`

	EthSwapCreationTransactionHash string `json:"ethSwapCreationTransactionHash,omitempty"`
	IsEthContractFunded            bool   `json:"isEthContractFunded,omitempty"`

	EthSwapWithdrawTransactionHash string `json:"ethSwapWithdrawTransactionHash,omitempty"`
	IsEthWithdrawn                 bool   `json:"isEthWithdrawn,omitempty"`

	RefundTransactionHash string `json:"refundTransactionHash,omitempty"`
	IsRefunded            bool   `json:"isRefunded,omitempty"`
}

// BTC2ETH is the initiator: it sells BTC for ETH, owns the secret and funds
// the Bitcoin script first.
type BTC2ETH struct {
	*base[BTC2ETHState]
}

var _ Flow = (*BTC2ETH)(nil)

// NewBTC2ETH creates the initiator flow, or restores it from rec.
func NewBTC2ETH(sw Swap, deps Deps, rec *storage.FlowRecord) (*BTC2ETH, error) {
	f := &BTC2ETH{}
	b, err := newBase(NameBTC2ETH, sw, deps, rec, f.steps, EventCounterpartyFunded)
	if err != nil {
		return nil, err
	}
	f.base = b
	return f, nil
}

func (f *BTC2ETH) steps(b *base[BTC2ETHState]) []Step {
	f.base = b
	return []Step{
		{Name: "sign", Run: f.sign},
		{Name: "secret", Run: f.createSecret},
		{Name: "btc-balance", Run: f.checkBalance},
		{Name: "fund-btc", Run: f.fundScript},
		{Name: "wait-eth", Run: f.waitEthFunded},
		{Name: "withdraw-eth", Run: f.withdrawEth},
		{Name: "finish"},
	}
}

// 1. Sign
func (f *BTC2ETH) sign(ctx context.Context) error {
	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		s.IsParticipantSigned = true
	})
}

// 2. Secret and secret hash. A secret already on record is kept.
func (f *BTC2ETH) createSecret(ctx context.Context) error {
	st := f.machine.State()
	if st.Secret != "" && st.SecretHash != "" {
		return f.machine.Finish(ctx, nil)
	}

	secret, err := swap.GenerateSecret()
	if err != nil {
		return err
	}
	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		s.Secret = hex.EncodeToString(secret)
		s.SecretHash = hex.EncodeToString(swap.HashSecret(secret))
	})
}

// 3. Balance. Parks when the wallet cannot cover the sell amount and fee.
func (f *BTC2ETH) checkBalance(ctx context.Context) error {
	sats, err := f.deps.BTC.GetBalance(ctx, f.deps.Identity.Address())
	if err != nil {
		return err
	}
	need, err := helpers.BTCToSatoshis(f.swap.SellAmount)
	if err != nil {
		return err
	}
	balance := helpers.SatoshisToBTC(sats)
	enough := sats >= need

	if !enough {
		f.log.Info("Insufficient BTC balance", "balance", balance, "need", f.swap.SellAmount)
		return f.machine.Update(ctx, func(s *BTC2ETHState) {
			s.Balance = &balance
			s.IsBalanceEnough = false
		})
	}
	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		s.Balance = &balance
		s.IsBalanceEnough = true
	})
}

// 4. Build the script, fund it and announce it. The funding txid is
// persisted before broadcast, so on re-entry the script is re-read: a
// funded script is announced as is, otherwise the recorded script is funded
// again.
func (f *BTC2ETH) fundScript(ctx context.Context) error {
	st := f.machine.State()

	params := swap.Parameters{
		SecretHash:         st.SecretHash,
		OwnerPublicKey:     f.deps.Identity.PublicKey(),
		RecipientPublicKey: f.swap.Participant.BTCPublicKey,
		LockTime:           f.deps.now().Add(f.settings.LockWindow).Unix(),
	}
	if st.BtcScriptValues != nil {
		params = *st.BtcScriptValues
	}

	if txid := st.BtcScriptCreatingTransactionHash; st.BtcScriptValues != nil && txid != "" {
		funded, err := f.scriptFunded(ctx, params)
		if err != nil {
			return err
		}
		if funded {
			f.log.Info("Script already funded, re-announcing", "tx", txid)
			f.announceScript(ctx, params, txid)
			return f.machine.Finish(ctx, func(s *BTC2ETHState) {
				s.IsBtcScriptFunded = true
			})
		}
		f.log.Warn("Recorded funding not found on chain, funding again", "tx", txid)
	}

	txid, err := f.deps.BTC.Fund(ctx, params, f.swap.SellAmount, func(txid string) error {
		return f.machine.Update(ctx, func(s *BTC2ETHState) {
			p := params
			s.BtcScriptValues = &p
			s.BtcScriptCreatingTransactionHash = txid
		})
	})
	if errors.Is(err, swap.ErrInsufficientFunds) {
		f.log.Info("Insufficient funds to fund script", "error", err)
		return f.machine.Update(ctx, func(s *BTC2ETHState) {
			s.IsBalanceEnough = false
		})
	}
	if err != nil {
		return fmt.Errorf("fund script: %w", err)
	}

	f.announceScript(ctx, params, txid)

	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		p := params
		s.BtcScriptValues = &p
		s.BtcScriptCreatingTransactionHash = txid
		s.IsBtcScriptFunded = true
	})
}

func (f *BTC2ETH) scriptFunded(ctx context.Context, params swap.Parameters) (bool, error) {
	need, err := helpers.BTCToSatoshis(f.swap.SellAmount)
	if err != nil {
		return false, err
	}
	sats, err := f.deps.BTC.GetScriptBalance(ctx, params)
	if err != nil {
		return false, fmt.Errorf("script balance: %w", err)
	}
	return sats >= need, nil
}

func (f *BTC2ETH) announceScript(ctx context.Context, params swap.Parameters, txid string) {
	f.send(ctx, EventCreateScript, CreateScriptMessage{
		ScriptValues:                     params,
		BtcScriptCreatingTransactionHash: txid,
	})
}

// 5. Wait for the participant to lock ETH: the first of a balance poll and
// the "counterparty funded" message wins. The script is announced again when
// the participant rejoins and every few unanswered polls, in case the first
// announcement was lost.
func (f *BTC2ETH) waitEthFunded(ctx context.Context) error {
	st := f.machine.State()
	owner := f.swap.Participant.ETHAddress

	announce := func() {}
	if st.BtcScriptValues != nil {
		params, txid := *st.BtcScriptValues, st.BtcScriptCreatingTransactionHash
		announce = func() { f.announceScript(ctx, params, txid) }
		unsub := f.session.OnPeerJoined(func() { go announce() })
		defer unsub()
	}

	polls := 0
	poll := Poll(f.settings.PollInterval, f.log, "eth balance", func(ctx context.Context) (string, bool, error) {
		balance, err := f.deps.ETH.GetBalance(ctx, owner)
		if err != nil {
			return "", false, err
		}
		if balance.Sign() > 0 {
			return "", true, nil
		}
		polls++
		if polls%f.settings.ReannounceEvery == 0 {
			f.log.Debug("Still waiting for ether, re-announcing script", "polls", polls)
			announce()
		}
		return "", false, nil
	})

	message := func(ctx context.Context) (string, error) {
		msg, err := f.session.Wait(ctx, EventCounterpartyFunded)
		if err != nil {
			return "", err
		}
		var data CounterpartyFundedMessage
		if err := decodeMessage(msg.Data, &data); err != nil {
			return "", err
		}
		return data.EthSwapCreationTransactionHash, nil
	}

	txHash, winner, err := FirstOf[string](ctx, poll, message)
	if err != nil {
		return err
	}
	f.log.Info("Counterparty funded", "via", []string{"poll", "message"}[winner])

	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		if txHash != "" {
			s.EthSwapCreationTransactionHash = txHash
		}
		s.IsEthContractFunded = true
	})
}

// 6. Check the locked ETH and withdraw it with the secret. A balance that
// does not match the agreed amount halts the flow without withdrawing. A
// recorded withdrawal counts only once the contract balance is gone.
func (f *BTC2ETH) withdrawEth(ctx context.Context) error {
	st := f.machine.State()
	owner := f.swap.Participant.ETHAddress

	txHash := st.EthSwapWithdrawTransactionHash
	if txHash != "" {
		locked, err := f.deps.ETH.GetBalance(ctx, owner)
		if err != nil {
			return err
		}
		if locked.Sign() > 0 {
			f.log.Warn("Recorded withdrawal not on chain, withdrawing again", "tx", txHash)
			txHash = ""
		}
	}
	if txHash == "" {
		reason, err := f.deps.ETH.CheckBalance(ctx, owner, f.swap.BuyAmount)
		if err != nil {
			return err
		}
		if reason != "" {
			return &BalanceMismatchError{Reason: reason}
		}

		secret, err := hex.DecodeString(st.Secret)
		if err != nil {
			return fmt.Errorf("stored secret: %w", err)
		}

		txHash, err = f.deps.ETH.Withdraw(ctx, owner, secret, func(hash string) error {
			return f.machine.Update(ctx, func(s *BTC2ETHState) {
				s.EthSwapWithdrawTransactionHash = hash
			})
		})
		if err != nil {
			return fmt.Errorf("withdraw: %w", err)
		}
	}

	f.send(ctx, EventWithdrawalComplete, WithdrawalCompleteMessage{
		EthSwapWithdrawTransactionHash: txHash,
	})

	return f.machine.Finish(ctx, func(s *BTC2ETHState) {
		s.EthSwapWithdrawTransactionHash = txHash
		s.IsEthWithdrawn = true
	})
}

// Refund reclaims the funded script through its time-locked branch. It is
// available at any step once the script exists, including after the flow
// was abandoned; the network rejects it before the lock time.
func (f *BTC2ETH) Refund(ctx context.Context) (string, error) {
	st := f.machine.State()
	if st.BtcScriptValues == nil {
		return "", ErrNothingToRefund
	}
	if st.IsRefunded {
		return "", ErrAlreadyRefunded
	}

	txid, err := f.deps.BTC.Refund(ctx, *st.BtcScriptValues)
	if err != nil {
		return "", fmt.Errorf("refund: %w", err)
	}

	if err := f.machine.amend(func(s *BTC2ETHState) {
		s.RefundTransactionHash = txid
		s.IsRefunded = true
	}); err != nil {
		return txid, err
	}
	f.machine.Emit(EventRefunded, "")
	return txid, nil
}
