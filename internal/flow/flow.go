// Package flow drives one party's side of a swap as a linear sequence of
// persisted steps.
//
// A flow's progress is a cursor into its step table plus a fixed-schema
// state record. A step completes only by calling Finish, which merges its
// fields and advances the cursor in a single write, so a restarted daemon
// resumes at exactly the step that was running. A step that returns without
// finishing parks the flow until an explicit re-check. A step that fails
// halts it with the error recorded.
package flow

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Flow names.
const (
	NameBTC2ETH = "BTC2ETH"
	NameETH2BTC = "ETH2BTC"
)

// Errors
var (
	ErrRunning         = errors.New("flow is already running")
	ErrClosed          = errors.New("flow is archived")
	ErrAbandoned       = errors.New("flow abandoned")
	ErrNotParked       = errors.New("flow is not waiting on balance")
	ErrNothingToRefund = errors.New("nothing funded to refund")
	ErrAlreadyRefunded = errors.New("already refunded")
	ErrNoSources       = errors.New("no sources to wait on")
	ErrInvalidMessage  = errors.New("invalid counterparty message")
	ErrBalanceMismatch = errors.New("counterparty balance mismatch")
	ErrInvalidSwap     = errors.New("invalid swap")
	ErrUnknownFlow     = errors.New("unknown flow")
)

// HaltError is a step failure that stopped the flow.
type HaltError struct {
	Step int
	Name string
	Err  error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step+1, e.Name, e.Err)
}

func (e *HaltError) Unwrap() error { return e.Err }

// BalanceMismatchError reports a counterparty lock that does not match the
// agreed amount.
type BalanceMismatchError struct {
	Reason string
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("%v: %s", ErrBalanceMismatch, e.Reason)
}

func (e *BalanceMismatchError) Unwrap() error { return ErrBalanceMismatch }

// Participant identifies the counterparty on both chains.
type Participant struct {
	PeerID       string `json:"peer"`
	BTCPublicKey string `json:"btcPublicKey"`
	ETHAddress   string `json:"ethAddress"`
}

// Swap is the immutable description of a swap, agreed before any flow runs.
// Amounts are in whole coins of the chain each side sells.
type Swap struct {
	ID          string          `json:"id"`
	Flow        string          `json:"flow"`
	SellAmount  decimal.Decimal `json:"sellAmount"`
	BuyAmount   decimal.Decimal `json:"buyAmount"`
	Participant Participant     `json:"participant"`
}

// Validate checks the fields every flow depends on.
func (s Swap) Validate() error {
	switch {
	case s.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidSwap)
	case !s.SellAmount.IsPositive():
		return fmt.Errorf("%w: sell amount must be positive", ErrInvalidSwap)
	case !s.BuyAmount.IsPositive():
		return fmt.Errorf("%w: buy amount must be positive", ErrInvalidSwap)
	case s.Participant.PeerID == "":
		return fmt.Errorf("%w: missing participant peer", ErrInvalidSwap)
	case s.Participant.BTCPublicKey == "":
		return fmt.Errorf("%w: missing participant btc public key", ErrInvalidSwap)
	case s.Participant.ETHAddress == "":
		return fmt.Errorf("%w: missing participant eth address", ErrInvalidSwap)
	}
	return nil
}

// Store persists flow records.
type Store interface {
	SaveFlow(rec *storage.FlowRecord) error
	ArchiveFlow(swapID string, status storage.FlowStatus) error
}

// UTXOBuilder is the Bitcoin leg, implemented by *swap.TransactionBuilder.
type UTXOBuilder interface {
	Fund(ctx context.Context, params swap.Parameters, amount decimal.Decimal, onTxID func(txID string) error) (string, error)
	Redeem(ctx context.Context, params swap.Parameters, secret []byte) (string, error)
	Refund(ctx context.Context, params swap.Parameters) (string, error)
	GetBalance(ctx context.Context, address string) (int64, error)
	GetScriptBalance(ctx context.Context, params swap.Parameters) (int64, error)
}

// ScriptVerifier checks a counterparty's funded script, implemented by
// *swap.Verifier.
type ScriptVerifier interface {
	VerifyScript(ctx context.Context, params swap.Parameters, expected swap.Expectation) error
}

// AccountChain is the Ethereum leg, implemented by *evm.EthSwap.
type AccountChain interface {
	Address() string
	AccountBalance(ctx context.Context) (*big.Int, error)
	GetBalance(ctx context.Context, ownerAddress string) (*big.Int, error)
	LockedBalance(ctx context.Context, participantAddress string) (*big.Int, error)
	CheckBalance(ctx context.Context, ownerAddress string, expected decimal.Decimal) (string, error)
	Create(ctx context.Context, participantAddress, secretHash string, amount decimal.Decimal, onTxHash func(string) error) (string, error)
	Withdraw(ctx context.Context, ownerAddress string, secret []byte, onTxHash func(string) error) (string, error)
	GetSecret(ctx context.Context, participantAddress string) ([]byte, error)
	Refund(ctx context.Context, participantAddress string, onTxHash func(string) error) (string, error)
}

// Identity is the local Bitcoin key as the flows see it.
type Identity interface {
	PublicKey() string
	Address() string
}

// Settings are the timing parameters shared by all flows.
type Settings struct {
	// LockWindow is added to the current time to form the script lock time.
	LockWindow time.Duration `yaml:"lock_window"`

	// PollInterval spaces chain polls that back up counterparty messages.
	PollInterval time.Duration `yaml:"poll_interval"`

	// MinLockMargin is the least time a counterparty script may have left
	// before its refund branch opens.
	MinLockMargin time.Duration `yaml:"min_lock_margin"`

	// VerifyAttempts bounds how often an underfunded script is re-read
	// before the flow halts, covering funding still propagating.
	VerifyAttempts int `yaml:"verify_attempts"`

	// ReannounceEvery repeats the script announcement every n unanswered
	// polls while waiting for the participant to lock ether.
	ReannounceEvery int `yaml:"reannounce_every"`
}

// DefaultSettings returns the standard timings.
func DefaultSettings() Settings {
	return Settings{
		LockWindow:      3 * time.Hour,
		PollInterval:    20 * time.Second,
		MinLockMargin:   time.Hour,
		VerifyAttempts:  3,
		ReannounceEvery: 3,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.LockWindow <= 0 {
		s.LockWindow = d.LockWindow
	}
	if s.PollInterval <= 0 {
		s.PollInterval = d.PollInterval
	}
	if s.MinLockMargin <= 0 {
		s.MinLockMargin = d.MinLockMargin
	}
	if s.VerifyAttempts <= 0 {
		s.VerifyAttempts = d.VerifyAttempts
	}
	if s.ReannounceEvery <= 0 {
		s.ReannounceEvery = d.ReannounceEvery
	}
	return s
}

// Deps are the collaborators a flow is built from.
type Deps struct {
	Store    Store
	Channel  Channel
	BTC      UTXOBuilder
	Verifier ScriptVerifier
	ETH      AccountChain
	Identity Identity
	Settings Settings

	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) validate() error {
	switch {
	case d.Store == nil:
		return errors.New("flow: store required")
	case d.Channel == nil:
		return errors.New("flow: channel required")
	case d.BTC == nil:
		return errors.New("flow: utxo builder required")
	case d.ETH == nil:
		return errors.New("flow: account chain required")
	case d.Identity == nil:
		return errors.New("flow: identity required")
	}
	return nil
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Snapshot is a point-in-time view of a flow.
type Snapshot struct {
	Swap     Swap               `json:"swap"`
	Step     int                `json:"step"`
	StepName string             `json:"stepName"`
	Steps    []string           `json:"steps"`
	Status   storage.FlowStatus `json:"status"`
	Error    string             `json:"error,omitempty"`
	State    interface{}        `json:"state"`
}

// Flow is the control surface shared by every flow type.
type Flow interface {
	SwapID() string
	Name() string
	Swap() Swap
	Run(ctx context.Context) error
	RecheckBalance(ctx context.Context) error
	Refund(ctx context.Context) (string, error)
	Abandon(ctx context.Context) error
	Snapshot() Snapshot
	Subscribe(fn func(Event)) (unsubscribe func())
	Close()
}
