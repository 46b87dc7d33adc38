package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Defaults used when BuilderConfig leaves them unset.
const (
	DefaultFixedFee = 15000 // satoshis
	DustThreshold   = 546

	defaultReservationTTL = 30 * time.Minute
)

// BuilderConfig configures a TransactionBuilder.
type BuilderConfig struct {
	Adapter      backend.ChainAdapter
	Signer       Signer
	Net          *chaincfg.Params
	FixedFee     int64
	Reservations *backend.Reservations
}

// TransactionBuilder assembles, signs and broadcasts the transactions of the
// UTXO leg: fund, redeem and refund.
type TransactionBuilder struct {
	adapter      backend.ChainAdapter
	signer       Signer
	net          *chaincfg.Params
	fee          int64
	reservations *backend.Reservations
	log          *logging.Logger
}

// NewTransactionBuilder creates a builder. Builders sharing a signer should
// share one Reservations so their selections never overlap.
func NewTransactionBuilder(cfg BuilderConfig) *TransactionBuilder {
	fee := cfg.FixedFee
	if fee <= 0 {
		fee = DefaultFixedFee
	}
	res := cfg.Reservations
	if res == nil {
		res = backend.NewReservations(defaultReservationTTL)
	}
	return &TransactionBuilder{
		adapter:      cfg.Adapter,
		signer:       cfg.Signer,
		net:          cfg.Net,
		fee:          fee,
		reservations: res,
		log:          logging.GetDefault().Component("txbuilder"),
	}
}

// Fee returns the fixed fee reserved by every transaction.
func (b *TransactionBuilder) Fee() int64 { return b.fee }

// Script derives the locking script for params on the builder's network.
func (b *TransactionBuilder) Script(params Parameters) (*LockingScript, error) {
	return BuildScript(params, b.net)
}

// Fund locks amount into the script derived from params. Outputs owned by the
// signer are selected largest first until they cover amount plus the fixed
// fee; the transaction pays [script: amount, change: remainder]. onTxID is
// called with the transaction id before broadcast; if it fails nothing is
// broadcast.
func (b *TransactionBuilder) Fund(ctx context.Context, params Parameters, amount decimal.Decimal, onTxID func(txID string) error) (string, error) {
	ls, err := b.Script(params)
	if err != nil {
		return "", err
	}
	value, err := helpers.BTCToSatoshis(amount)
	if err != nil || value <= 0 {
		return "", fmt.Errorf("%w: fund amount %s", ErrInvalidParameters, amount)
	}

	owner := b.signer.Address()
	unlock := b.reservations.Lock(owner)
	defer unlock()

	unspents, err := b.adapter.FetchUnspents(ctx, owner)
	if err != nil {
		return "", fmt.Errorf("failed to fetch unspents: %w", err)
	}
	selected, total, err := SelectUnspents(b.reservations.Available(unspents), value+b.fee)
	if err != nil {
		return "", err
	}

	ownScript, err := addressToScript(owner, b.net)
	if err != nil {
		return "", fmt.Errorf("invalid signer address: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range selected {
		op, err := outpoint(u)
		if err != nil {
			return "", err
		}
		tx.AddTxIn(wire.NewTxIn(op, nil, nil))
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Value, ownScript))
	}

	tx.AddTxOut(wire.NewTxOut(value, ls.PkScript))
	if change := total - value - b.fee; change >= DustThreshold {
		tx.AddTxOut(wire.NewTxOut(change, ownScript))
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	pubKey, err := hex.DecodeString(b.signer.PublicKey())
	if err != nil {
		return "", fmt.Errorf("invalid signer public key: %w", err)
	}
	for i, u := range selected {
		sig, err := b.sign(ownScript, sigHashes, tx, i, u.Value)
		if err != nil {
			return "", err
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig, pubKey}
	}

	txID := tx.TxHash().String()
	if onTxID != nil {
		if err := onTxID(txID); err != nil {
			return "", fmt.Errorf("funding aborted before broadcast: %w", err)
		}
	}

	if err := b.broadcast(ctx, tx); err != nil {
		return "", err
	}
	b.reservations.Reserve(selected)

	b.log.Info("Funded swap script", "txid", txID, "address", ls.Address, "value", value, "inputs", len(selected))
	return txID, nil
}

// Redeem spends every output at the script address to the signer's address
// through the secret branch. The signer must hold the recipient key.
func (b *TransactionBuilder) Redeem(ctx context.Context, params Parameters, secret []byte) (string, error) {
	if !VerifySecret(secret, params.SecretHash) {
		return "", ErrSecretMismatch
	}
	if !strings.EqualFold(b.signer.PublicKey(), params.RecipientPublicKey) {
		return "", fmt.Errorf("%w: redeem needs the recipient key", ErrWrongSigner)
	}
	return b.spend(ctx, params, secret, 0)
}

// Refund spends every output at the script address back to the signer's
// address through the time-locked branch. The transaction carries
// params.LockTime, so the network rejects it until that time has passed.
func (b *TransactionBuilder) Refund(ctx context.Context, params Parameters) (string, error) {
	if !strings.EqualFold(b.signer.PublicKey(), params.OwnerPublicKey) {
		return "", fmt.Errorf("%w: refund needs the owner key", ErrWrongSigner)
	}
	return b.spend(ctx, params, nil, uint32(params.LockTime))
}

// GetBalance sums the unspent outputs at address.
func (b *TransactionBuilder) GetBalance(ctx context.Context, address string) (int64, error) {
	unspents, err := b.adapter.FetchUnspents(ctx, address)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch unspents: %w", err)
	}
	return sumUnspents(unspents), nil
}

// GetScriptBalance sums the unspent outputs at the script derived from params.
func (b *TransactionBuilder) GetScriptBalance(ctx context.Context, params Parameters) (int64, error) {
	ls, err := b.Script(params)
	if err != nil {
		return 0, err
	}
	return b.GetBalance(ctx, ls.Address)
}

func (b *TransactionBuilder) spend(ctx context.Context, params Parameters, secret []byte, lockTime uint32) (string, error) {
	ls, err := b.Script(params)
	if err != nil {
		return "", err
	}
	unspents, err := b.adapter.FetchUnspents(ctx, ls.Address)
	if err != nil {
		return "", fmt.Errorf("failed to fetch script unspents: %w", err)
	}

	tx, err := b.buildSpendTx(ls, unspents, secret, lockTime)
	if err != nil {
		return "", err
	}
	if err := b.broadcast(ctx, tx); err != nil {
		return "", err
	}

	txID := tx.TxHash().String()
	kind := "redeem"
	if secret == nil {
		kind = "refund"
	}
	b.log.Info("Spent swap script", "kind", kind, "txid", txID, "address", ls.Address)
	return txID, nil
}

// buildSpendTx builds and signs a transaction moving all of unspents to the
// signer's address. A nil secret selects the refund branch.
func (b *TransactionBuilder) buildSpendTx(ls *LockingScript, unspents []backend.Unspent, secret []byte, lockTime uint32) (*wire.MsgTx, error) {
	if len(unspents) == 0 {
		return nil, ErrNoUnspents
	}
	total := sumUnspents(unspents)
	value := total - b.fee
	if value <= 0 {
		return nil, fmt.Errorf("%w: value %d, fee %d", ErrFeeExceedsValue, total, b.fee)
	}

	destScript, err := addressToScript(b.signer.Address(), b.net)
	if err != nil {
		return nil, fmt.Errorf("invalid signer address: %w", err)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	tx.LockTime = lockTime
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, u := range unspents {
		op, err := outpoint(u)
		if err != nil {
			return nil, err
		}
		in := wire.NewTxIn(op, nil, nil)
		// A final sequence would disable OP_CHECKLOCKTIMEVERIFY.
		in.Sequence = wire.MaxTxInSequenceNum - 1
		tx.AddTxIn(in)
		fetcher.AddPrevOut(*op, wire.NewTxOut(u.Value, ls.PkScript))
	}
	tx.AddTxOut(wire.NewTxOut(value, destScript))

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	for i, u := range unspents {
		sig, err := b.sign(ls.Script, sigHashes, tx, i, u.Value)
		if err != nil {
			return nil, err
		}
		if secret != nil {
			tx.TxIn[i].Witness = wire.TxWitness{sig, secret, {0x01}, ls.Script}
		} else {
			tx.TxIn[i].Witness = wire.TxWitness{sig, {}, ls.Script}
		}
	}

	return tx, nil
}

func (b *TransactionBuilder) sign(script []byte, sigHashes *txscript.TxSigHashes, tx *wire.MsgTx, idx int, amount int64) ([]byte, error) {
	hash, err := txscript.CalcWitnessSigHash(script, sigHashes, txscript.SigHashAll, tx, idx, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash for input %d: %w", idx, err)
	}
	sig, err := b.signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign input %d: %w", idx, err)
	}
	return append(sig, byte(txscript.SigHashAll)), nil
}

func (b *TransactionBuilder) broadcast(ctx context.Context, tx *wire.MsgTx) error {
	raw, err := SerializeTx(tx)
	if err != nil {
		return err
	}
	if _, err := b.adapter.BroadcastTx(ctx, raw); err != nil {
		return fmt.Errorf("failed to broadcast %s: %w", tx.TxHash(), err)
	}
	return nil
}

// SelectUnspents picks outputs largest first until their sum reaches target.
func SelectUnspents(unspents []backend.Unspent, target int64) ([]backend.Unspent, int64, error) {
	sorted := make([]backend.Unspent, len(unspents))
	copy(sorted, unspents)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value > sorted[j].Value })

	var total int64
	for i, u := range sorted {
		total += u.Value
		if total >= target {
			return sorted[:i+1], total, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, target, total)
}

// SerializeTx returns the hex wire encoding of tx.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize tx: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a hex wire-encoded transaction.
func DeserializeTx(raw string) (*wire.MsgTx, error) {
	b, err := hex.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return tx, nil
}

func sumUnspents(unspents []backend.Unspent) int64 {
	var total int64
	for _, u := range unspents {
		total += u.Value
	}
	return total
}

func outpoint(u backend.Unspent) (*wire.OutPoint, error) {
	hash, err := chainhash.NewHashFromStr(u.TxID)
	if err != nil {
		return nil, fmt.Errorf("invalid txid %q: %w", u.TxID, err)
	}
	return wire.NewOutPoint(hash, u.OutputIndex), nil
}

func addressToScript(address string, net *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, net)
	if err != nil {
		return nil, err
	}
	return txscript.PayToAddrScript(addr)
}
