package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // the script hashes with OP_RIPEMD160

	"github.com/klingon-exchange/swapd/pkg/helpers"
)

// LockingScript is an HTLC script and the P2WSH output that commits to it.
type LockingScript struct {
	Script   []byte // witness script, pushed when spending
	PkScript []byte // P2WSH output script
	Address  string
}

// BuildScript derives the locking script for params.
//
// Script structure:
//
//	OP_IF
//	    OP_RIPEMD160 <secret_hash> OP_EQUALVERIFY
//	    <recipient_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <lock_time> OP_CHECKLOCKTIMEVERIFY OP_DROP
//	    <owner_pubkey> OP_CHECKSIG
//	OP_ENDIF
//
// Redeem path (OP_IF branch): secret + recipient signature.
// Refund path (OP_ELSE branch): owner signature once lock_time has passed.
func BuildScript(params Parameters, net *chaincfg.Params) (*LockingScript, error) {
	p, err := params.decode()
	if err != nil {
		return nil, err
	}

	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_IF).
		AddOp(txscript.OP_RIPEMD160).
		AddData(p.secretHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddData(p.recipientKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ELSE).
		AddInt64(p.lockTime).
		AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		AddOp(txscript.OP_DROP).
		AddData(p.ownerKey).
		AddOp(txscript.OP_CHECKSIG).
		AddOp(txscript.OP_ENDIF).
		Script()
	if err != nil {
		return nil, fmt.Errorf("failed to build script: %w", err)
	}

	scriptHash := sha256.Sum256(script)
	addr, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], net)
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	pkScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to create output script: %w", err)
	}

	return &LockingScript{
		Script:   script,
		PkScript: pkScript,
		Address:  addr.EncodeAddress(),
	}, nil
}

// ParseScript recovers the parameters of a script produced by BuildScript.
func ParseScript(script []byte) (Parameters, error) {
	var params Parameters
	tok := txscript.MakeScriptTokenizer(0, script)

	expectOp := func(op byte, name string) error {
		if !tok.Next() || tok.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrInvalidParameters, name)
		}
		return nil
	}
	expectData := func(size int, name string) ([]byte, error) {
		if !tok.Next() || len(tok.Data()) != size {
			return nil, fmt.Errorf("%w: expected %d-byte %s", ErrInvalidParameters, size, name)
		}
		return tok.Data(), nil
	}

	if err := expectOp(txscript.OP_IF, "OP_IF"); err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_RIPEMD160, "OP_RIPEMD160"); err != nil {
		return params, err
	}
	secretHash, err := expectData(SecretHashSize, "secret hash")
	if err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return params, err
	}
	recipient, err := expectData(PubKeySize, "recipient key")
	if err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return params, err
	}

	if !tok.Next() {
		return params, fmt.Errorf("%w: expected lock time", ErrInvalidParameters)
	}
	var lockTime int64
	if op := tok.Opcode(); txscript.IsSmallInt(op) {
		lockTime = int64(txscript.AsSmallInt(op))
	} else {
		lockTime, err = decodeScriptNum(tok.Data())
		if err != nil {
			return params, err
		}
	}

	if err := expectOp(txscript.OP_CHECKLOCKTIMEVERIFY, "OP_CHECKLOCKTIMEVERIFY"); err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_DROP, "OP_DROP"); err != nil {
		return params, err
	}
	owner, err := expectData(PubKeySize, "owner key")
	if err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return params, err
	}
	if err := expectOp(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return params, err
	}
	if tok.Next() || tok.Err() != nil {
		return params, fmt.Errorf("%w: trailing data after OP_ENDIF", ErrInvalidParameters)
	}

	return Parameters{
		SecretHash:         hex.EncodeToString(secretHash),
		OwnerPublicKey:     hex.EncodeToString(owner),
		RecipientPublicKey: hex.EncodeToString(recipient),
		LockTime:           lockTime,
	}, nil
}

// decodeScriptNum decodes a minimally encoded little-endian script number
// of at most 5 bytes, the width OP_CHECKLOCKTIMEVERIFY accepts.
func decodeScriptNum(b []byte) (int64, error) {
	if len(b) == 0 || len(b) > 5 {
		return 0, fmt.Errorf("%w: lock time push of %d bytes", ErrInvalidParameters, len(b))
	}
	var n int64
	for i, v := range b {
		n |= int64(v) << (8 * i)
	}
	if b[len(b)-1]&0x80 != 0 {
		n &= ^(int64(0x80) << (8 * (len(b) - 1)))
		n = -n
	}
	return n, nil
}

// GenerateSecret returns a fresh random preimage.
func GenerateSecret() ([]byte, error) {
	return helpers.GenerateSecureRandom(SecretSize)
}

// HashSecret returns RIPEMD160(secret).
func HashSecret(secret []byte) []byte {
	h := ripemd160.New()
	h.Write(secret)
	return h.Sum(nil)
}

// VerifySecret reports whether secret hashes to the hex secretHash.
func VerifySecret(secret []byte, secretHash string) bool {
	want, err := hex.DecodeString(secretHash)
	if err != nil {
		return false
	}
	return helpers.ConstantTimeCompare(HashSecret(secret), want)
}
