// Package chain defines network parameters and derivation paths for the two
// ledgers a swap spans: Bitcoin (UTXO) and Ethereum (account-based).
package chain

import (
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/chaincfg"
)

// Network selects mainnet, testnet or a local regression network.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Params contains the per-network values the daemon needs.
type Params struct {
	Network Network

	// Bitcoin
	BTC         *chaincfg.Params
	BTCCoinType uint32 // BIP44 coin type (0 mainnet, 1 test networks)
	BTCPurpose  uint32 // 84 (native SegWit)

	// Ethereum
	ETHChainID  uint64
	ETHCoinType uint32 // 60
	ETHPurpose  uint32 // 44
}

var networks = map[Network]*Params{
	Mainnet: {
		Network:     Mainnet,
		BTC:         &chaincfg.MainNetParams,
		BTCCoinType: 0,
		BTCPurpose:  84,
		ETHChainID:  1,
		ETHCoinType: 60,
		ETHPurpose:  44,
	},
	Testnet: {
		Network:     Testnet,
		BTC:         &chaincfg.TestNet3Params,
		BTCCoinType: 1,
		BTCPurpose:  84,
		ETHChainID:  11155111, // Sepolia
		ETHCoinType: 60,
		ETHPurpose:  44,
	},
	Regtest: {
		Network:     Regtest,
		BTC:         &chaincfg.RegressionNetParams,
		BTCCoinType: 1,
		BTCPurpose:  84,
		ETHChainID:  1337,
		ETHCoinType: 60,
		ETHPurpose:  44,
	},
}

// Get returns the parameters for a network.
func Get(network Network) (*Params, error) {
	p, ok := networks[network]
	if !ok {
		return nil, fmt.Errorf("unknown network %q", network)
	}
	return p, nil
}

// BTCDerivationPath returns m/84'/coin'/account'/change/index.
func (p *Params) BTCDerivationPath(account, change, index uint32) []uint32 {
	return derivationPath(p.BTCPurpose, p.BTCCoinType, account, change, index)
}

// ETHDerivationPath returns m/44'/60'/account'/change/index.
func (p *Params) ETHDerivationPath(account, change, index uint32) []uint32 {
	return derivationPath(p.ETHPurpose, p.ETHCoinType, account, change, index)
}

const hardened = 0x80000000

func derivationPath(purpose, coinType, account, change, index uint32) []uint32 {
	return []uint32{
		purpose + hardened,
		coinType + hardened,
		account + hardened,
		change,
		index,
	}
}

// FormatPath renders a derivation path in the usual m/a'/b'/c'/d/e notation.
func FormatPath(path []uint32) string {
	s := "m"
	for _, p := range path {
		if p >= hardened {
			s += "/" + strconv.FormatUint(uint64(p-hardened), 10) + "'"
		} else {
			s += "/" + strconv.FormatUint(uint64(p), 10)
		}
	}
	return s
}
