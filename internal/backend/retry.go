package backend

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/klingon-exchange/swapd/pkg/logging"
)

// RetryConfig configures exponential backoff for chain I/O.
type RetryConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time"`
	MaxRetries      uint64        `yaml:"max_retries"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  time.Minute,
		MaxRetries:      6,
	}
}

// Retrying wraps a ChainAdapter and retries temporary failures with
// exponential backoff. Errors that are not *ChainIOError, or that are not
// Temporary, are returned immediately.
type Retrying struct {
	next ChainAdapter
	cfg  RetryConfig
	log  *logging.Logger
}

// NewRetrying wraps next with the given retry policy.
func NewRetrying(next ChainAdapter, cfg RetryConfig) *Retrying {
	return &Retrying{
		next: next,
		cfg:  cfg,
		log:  logging.GetDefault().Component("backend"),
	}
}

// FetchBalance implements ChainAdapter.
func (r *Retrying) FetchBalance(ctx context.Context, address string) (int64, error) {
	var balance int64
	err := r.do(ctx, "fetch balance", func() error {
		var err error
		balance, err = r.next.FetchBalance(ctx, address)
		return err
	})
	return balance, err
}

// FetchUnspents implements ChainAdapter.
func (r *Retrying) FetchUnspents(ctx context.Context, address string) ([]Unspent, error) {
	var unspents []Unspent
	err := r.do(ctx, "fetch unspents", func() error {
		var err error
		unspents, err = r.next.FetchUnspents(ctx, address)
		return err
	})
	return unspents, err
}

// BroadcastTx implements ChainAdapter.
func (r *Retrying) BroadcastTx(ctx context.Context, rawHex string) (string, error) {
	var txID string
	err := r.do(ctx, "broadcast", func() error {
		var err error
		txID, err = r.next.BroadcastTx(ctx, rawHex)
		return err
	})
	return txID, err
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = r.cfg.MaxElapsedTime

	var policy backoff.BackOff = b
	if r.cfg.MaxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, r.cfg.MaxRetries)
	}

	err := backoff.RetryNotify(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var ioErr *ChainIOError
		if errors.As(err, &ioErr) && ioErr.Temporary() {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(policy, ctx), func(err error, next time.Duration) {
		r.log.Warn("Chain request failed, retrying", "op", op, "error", err, "in", next)
	})

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		return permanent.Err
	}
	return err
}

var _ ChainAdapter = (*Retrying)(nil)
