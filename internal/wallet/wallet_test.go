package wallet

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"path/filepath"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/klingon-exchange/swapd/internal/chain"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func mainnetWallet(t *testing.T) *Wallet {
	t.Helper()
	params, _ := chain.Get(chain.Mainnet)
	w, err := NewFromMnemonic(testMnemonic, "", params)
	if err != nil {
		t.Fatalf("NewFromMnemonic error: %v", err)
	}
	return w
}

func TestBTCKeyBIP84Vector(t *testing.T) {
	key, err := mainnetWallet(t).BTCKey(0, 0)
	if err != nil {
		t.Fatalf("BTCKey error: %v", err)
	}
	if got, want := key.Address(), "bc1qcr8te4kr609gcawutmrza0j4xv80jy8z306fyu"; got != want {
		t.Errorf("address = %s, want %s", got, want)
	}
	if got, want := key.PublicKey(), "0330d54fd0dd420a6e5f8d3624f5f3482cae350f79d5f0753bf5beef9c2d91af3c"; got != want {
		t.Errorf("public key = %s, want %s", got, want)
	}
}

func TestETHKeyVector(t *testing.T) {
	_, addr, err := mainnetWallet(t).ETHKey(0, 0)
	if err != nil {
		t.Fatalf("ETHKey error: %v", err)
	}
	if got, want := addr.Hex(), "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"; got != want {
		t.Errorf("address = %s, want %s", got, want)
	}
}

func TestKeySign(t *testing.T) {
	key, err := mainnetWallet(t).BTCKey(0, 1)
	if err != nil {
		t.Fatalf("BTCKey error: %v", err)
	}
	hash := sha256.Sum256([]byte("swap"))

	der, err := key.Sign(hash[:])
	if err != nil {
		t.Fatalf("Sign error: %v", err)
	}
	sig, err := btcecdsa.ParseDERSignature(der)
	if err != nil {
		t.Fatalf("ParseDERSignature error: %v", err)
	}
	pubBytes, _ := hex.DecodeString(key.PublicKey())
	pub, _ := btcec.ParsePubKey(pubBytes)
	if !sig.Verify(hash[:], pub) {
		t.Error("signature does not verify")
	}

	if _, err := key.Sign([]byte("short")); err == nil {
		t.Error("expected error for short hash")
	}
}

func TestImportKey(t *testing.T) {
	key, err := ImportKey("0000000000000000000000000000000000000000000000000000000000000001", &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("ImportKey error: %v", err)
	}
	// Generator point.
	if got := key.PublicKey(); got != "0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798" {
		t.Errorf("public key = %s", got)
	}
	if _, err := ImportKey("abcd", &chaincfg.RegressionNetParams); err == nil {
		t.Error("expected error for short key")
	}
}

func TestInvalidMnemonic(t *testing.T) {
	params, _ := chain.Get(chain.Testnet)
	if _, err := NewFromMnemonic("not a mnemonic", "", params); err == nil {
		t.Error("expected error for invalid mnemonic")
	}
}

func TestEncryptedSeedRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.json")

	sealed, err := EncryptMnemonic(testMnemonic, "correct horse")
	if err != nil {
		t.Fatalf("EncryptMnemonic error: %v", err)
	}
	if err := SaveEncryptedSeed(sealed, path); err != nil {
		t.Fatalf("SaveEncryptedSeed error: %v", err)
	}
	loaded, err := LoadEncryptedSeed(path)
	if err != nil {
		t.Fatalf("LoadEncryptedSeed error: %v", err)
	}

	mnemonic, err := DecryptMnemonic(loaded, "correct horse")
	if err != nil {
		t.Fatalf("DecryptMnemonic error: %v", err)
	}
	if mnemonic != testMnemonic {
		t.Error("decrypted mnemonic differs")
	}

	if _, err := DecryptMnemonic(loaded, "wrong horse"); !errors.Is(err, ErrWrongPassword) {
		t.Errorf("expected ErrWrongPassword, got %v", err)
	}
	if _, err := EncryptMnemonic(testMnemonic, "short"); err == nil {
		t.Error("expected error for short password")
	}
}
