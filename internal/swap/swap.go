// Package swap implements the UTXO side of an atomic swap: the HTLC locking
// script and the transactions that fund, redeem and refund it.
//
// Script derivation is a pure function of Parameters. Everything that touches
// the network goes through backend.ChainAdapter and every signature through a
// Signer, so the package never holds private keys itself.
package swap

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
)

// Common errors
var (
	ErrInvalidParameters = errors.New("invalid swap parameters")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrFeeExceedsValue   = errors.New("fee exceeds value")
	ErrSecretMismatch    = errors.New("secret does not match hash")
	ErrNoUnspents        = errors.New("no unspent outputs at script address")
	ErrWrongSigner       = errors.New("signer key does not match script")
)

// Sizes of the script components.
const (
	SecretSize     = 32
	SecretHashSize = 20
	PubKeySize     = 33
)

// Parameters are the immutable inputs of one HTLC. Once a script built from
// them has been funded they must never change, since the script and its
// address are recomputed from them on every spend.
type Parameters struct {
	SecretHash         string `json:"secretHash"`         // hex RIPEMD160(secret)
	OwnerPublicKey     string `json:"ownerPublicKey"`     // hex compressed key, refund path
	RecipientPublicKey string `json:"recipientPublicKey"` // hex compressed key, redeem path
	LockTime           int64  `json:"lockTime"`           // absolute, unix seconds
}

type decodedParameters struct {
	secretHash   []byte
	ownerKey     []byte
	recipientKey []byte
	lockTime     int64
}

// Validate checks that p describes a buildable script.
func (p Parameters) Validate() error {
	_, err := p.decode()
	return err
}

func (p Parameters) decode() (*decodedParameters, error) {
	secretHash, err := hex.DecodeString(p.SecretHash)
	if err != nil || len(secretHash) != SecretHashSize {
		return nil, fmt.Errorf("%w: secret hash must be %d hex bytes", ErrInvalidParameters, SecretHashSize)
	}
	owner, err := decodePubKey(p.OwnerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: owner key: %v", ErrInvalidParameters, err)
	}
	recipient, err := decodePubKey(p.RecipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: recipient key: %v", ErrInvalidParameters, err)
	}
	if p.LockTime <= 0 || p.LockTime > math.MaxUint32 {
		return nil, fmt.Errorf("%w: lock time %d out of range", ErrInvalidParameters, p.LockTime)
	}
	return &decodedParameters{
		secretHash:   secretHash,
		ownerKey:     owner,
		recipientKey: recipient,
		lockTime:     p.LockTime,
	}, nil
}

func decodePubKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != PubKeySize {
		return nil, fmt.Errorf("must be %d bytes, got %d", PubKeySize, len(b))
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Signer is the key-custody service consumed by the TransactionBuilder.
type Signer interface {
	// Sign returns a DER-encoded ECDSA signature over a 32-byte hash.
	Sign(hash []byte) ([]byte, error)

	// PublicKey returns the hex compressed public key.
	PublicKey() string

	// Address returns the P2WPKH address controlled by the key.
	Address() string
}
