// Package wallet is the daemon's key custody: HD keys derived from a BIP39
// mnemonic for the Bitcoin leg (BIP84, P2WPKH) and the Ethereum leg (BIP44).
package wallet

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"

	"github.com/klingon-exchange/swapd/internal/chain"
	"github.com/klingon-exchange/swapd/internal/swap"
)

// Wallet derives keys from a BIP39 seed.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	params    *chain.Params
	mu        sync.Mutex
	cache     map[string]*btcec.PrivateKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic and optional passphrase.
func NewFromMnemonic(mnemonic, passphrase string, params *chain.Params) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), params)
}

// NewFromSeed creates a wallet from a raw seed.
func NewFromSeed(seed []byte, params *chain.Params) (*Wallet, error) {
	// The master key network only affects xprv serialization, never derivation.
	masterKey, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}
	return &Wallet{
		masterKey: masterKey,
		params:    params,
		cache:     make(map[string]*btcec.PrivateKey),
	}, nil
}

// BTCKey returns the signing key for m/84'/coin'/account'/0/index.
func (w *Wallet) BTCKey(account, index uint32) (*Key, error) {
	priv, err := w.derive(w.params.BTCDerivationPath(account, 0, index))
	if err != nil {
		return nil, err
	}
	return NewKey(priv, w.params.BTC)
}

// ETHKey returns the account key for m/44'/60'/account'/0/index.
func (w *Wallet) ETHKey(account, index uint32) (*ecdsa.PrivateKey, common.Address, error) {
	priv, err := w.derive(w.params.ETHDerivationPath(account, 0, index))
	if err != nil {
		return nil, common.Address{}, err
	}
	ethKey, err := ethcrypto.ToECDSA(priv.Serialize())
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to convert key: %w", err)
	}
	return ethKey, ethcrypto.PubkeyToAddress(ethKey.PublicKey), nil
}

func (w *Wallet) derive(path []uint32) (*btcec.PrivateKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	name := chain.FormatPath(path)
	if priv, ok := w.cache[name]; ok {
		return priv, nil
	}

	key := w.masterKey
	for _, child := range path {
		var err error
		key, err = key.Derive(child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", name, err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key for %s: %w", name, err)
	}

	w.cache[name] = priv
	return priv, nil
}

// Key is a single secp256k1 key that signs for a P2WPKH address.
type Key struct {
	priv    *btcec.PrivateKey
	pubKey  []byte
	address string
}

// NewKey wraps a private key for the given Bitcoin network.
func NewKey(priv *btcec.PrivateKey, net *chaincfg.Params) (*Key, error) {
	pub := priv.PubKey().SerializeCompressed()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(btcutil.Hash160(pub), net)
	if err != nil {
		return nil, fmt.Errorf("failed to derive address: %w", err)
	}
	return &Key{priv: priv, pubKey: pub, address: addr.EncodeAddress()}, nil
}

// ImportKey parses a hex-encoded raw private key.
func ImportKey(privHex string, net *chaincfg.Params) (*Key, error) {
	b, err := hex.DecodeString(privHex)
	if err != nil || len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("private key must be %d hex bytes", secp256k1.PrivKeyBytesLen)
	}
	return NewKey(secp256k1.PrivKeyFromBytes(b), net)
}

// Sign implements swap.Signer.
func (k *Key) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}
	return btcecdsa.Sign(k.priv, hash).Serialize(), nil
}

// PublicKey implements swap.Signer.
func (k *Key) PublicKey() string {
	return hex.EncodeToString(k.pubKey)
}

// Address implements swap.Signer.
func (k *Key) Address() string {
	return k.address
}

var _ swap.Signer = (*Key)(nil)
