// Package evm is the account-chain side of a swap: a client for the EthSwap
// contract that locks ether behind the same RIPEMD160 secret hash as the
// Bitcoin script.
package evm

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/pkg/helpers"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Errors
var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrTxReverted     = errors.New("transaction reverted")
	ErrNotConnected   = errors.New("no rpc connection")
)

// EthSwapABI is the subset of the EthSwap contract the daemon uses.
const EthSwapABI = `[
	{"type":"function","name":"create","stateMutability":"payable",
	 "inputs":[{"name":"_secretHash","type":"bytes20"},{"name":"_participantAddress","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable",
	 "inputs":[{"name":"_secret","type":"bytes32"},{"name":"_ownerAddress","type":"address"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable",
	 "inputs":[{"name":"_participantAddress","type":"address"}],"outputs":[]},
	{"type":"function","name":"getBalance","stateMutability":"view",
	 "inputs":[{"name":"_ownerAddress","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"getSecret","stateMutability":"view",
	 "inputs":[{"name":"_participantAddress","type":"address"}],"outputs":[{"name":"","type":"bytes32"}]}
]`

// contract is the part of *bind.BoundContract EthSwap calls.
type contract interface {
	Call(opts *bind.CallOpts, results *[]interface{}, method string, params ...interface{}) error
	Transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error)
}

// Config holds the account-chain connection settings.
type Config struct {
	RPCURL string `yaml:"rpc_url"`

	// ChainID overrides the network's chain id when non-zero.
	ChainID         uint64 `yaml:"chain_id"`
	ContractAddress string `yaml:"contract_address"`
	GasLimit        uint64 `yaml:"gas_limit"`
}

// DefaultConfig returns defaults for a local node.
func DefaultConfig() Config {
	return Config{
		RPCURL:   "http://127.0.0.1:8545",
		GasLimit: 200_000,
	}
}

// EthSwap talks to one deployed EthSwap contract on behalf of one key.
// Swaps are keyed on-chain by (owner, participant): the owner creates and
// refunds, the participant withdraws.
type EthSwap struct {
	contract  contract
	client    *ethclient.Client
	key       *ecdsa.PrivateKey
	from      common.Address
	chainID   *big.Int
	gasLimit  uint64
	waitMined func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	balanceAt func(ctx context.Context, account common.Address) (*big.Int, error)
	log       *logging.Logger
}

// Dial connects to an Ethereum node and binds the contract. chainID is used
// unless cfg.ChainID overrides it.
func Dial(ctx context.Context, cfg Config, key *ecdsa.PrivateKey, chainID uint64) (*EthSwap, error) {
	if cfg.ChainID != 0 {
		chainID = cfg.ChainID
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("%w: contract %q", ErrInvalidAddress, cfg.ContractAddress)
	}
	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	parsed, err := abi.JSON(strings.NewReader(EthSwapABI))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	bound := bind.NewBoundContract(common.HexToAddress(cfg.ContractAddress), parsed, client, client, client)

	s := newEthSwap(bound, key, new(big.Int).SetUint64(chainID), cfg.GasLimit)
	s.client = client
	s.waitMined = func(ctx context.Context, tx *types.Transaction) (*types.Receipt, error) {
		return bind.WaitMined(ctx, client, tx)
	}
	s.balanceAt = func(ctx context.Context, account common.Address) (*big.Int, error) {
		return client.BalanceAt(ctx, account, nil)
	}
	return s, nil
}

func newEthSwap(c contract, key *ecdsa.PrivateKey, chainID *big.Int, gasLimit uint64) *EthSwap {
	return &EthSwap{
		contract: c,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		gasLimit: gasLimit,
		log:      logging.GetDefault().Component("ethswap"),
	}
}

// Close closes the RPC connection.
func (s *EthSwap) Close() {
	if s.client != nil {
		s.client.Close()
	}
}

// Address returns the account the client signs for.
func (s *EthSwap) Address() string {
	return s.from.Hex()
}

// AccountBalance returns the wei held by the signing account.
func (s *EthSwap) AccountBalance(ctx context.Context) (*big.Int, error) {
	if s.balanceAt == nil {
		return nil, ErrNotConnected
	}
	return s.balanceAt(ctx, s.from)
}

// GetBalance returns the wei locked by owner for this account.
func (s *EthSwap) GetBalance(ctx context.Context, ownerAddress string) (*big.Int, error) {
	owner, err := parseAddress(ownerAddress)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := s.contract.Call(s.callOpts(ctx), &out, "getBalance", owner); err != nil {
		return nil, fmt.Errorf("getBalance: %w", err)
	}
	balance := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return balance, nil
}

// LockedBalance returns the wei this account locked for participant. The
// contract keys balances by caller, so the view is called as participant.
func (s *EthSwap) LockedBalance(ctx context.Context, participantAddress string) (*big.Int, error) {
	participant, err := parseAddress(participantAddress)
	if err != nil {
		return nil, err
	}
	opts := s.callOpts(ctx)
	opts.From = participant
	var out []interface{}
	if err := s.contract.Call(opts, &out, "getBalance", s.from); err != nil {
		return nil, fmt.Errorf("getBalance: %w", err)
	}
	balance := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	return balance, nil
}

// CheckBalance compares the locked balance with expected (in ETH). It
// returns an empty reason when the balance is sufficient.
func (s *EthSwap) CheckBalance(ctx context.Context, ownerAddress string, expected decimal.Decimal) (string, error) {
	want, err := helpers.ETHToWei(expected)
	if err != nil {
		return "", err
	}
	balance, err := s.GetBalance(ctx, ownerAddress)
	if err != nil {
		return "", err
	}
	if balance.Cmp(want) < 0 {
		return fmt.Sprintf("expected value: %s, got: %s", expected, helpers.WeiToETH(balance)), nil
	}
	return "", nil
}

// Create locks amount for participant behind secretHash.
func (s *EthSwap) Create(ctx context.Context, participantAddress, secretHash string, amount decimal.Decimal, onTxHash func(string) error) (string, error) {
	participant, err := parseAddress(participantAddress)
	if err != nil {
		return "", err
	}
	hash, err := hex.DecodeString(secretHash)
	if err != nil || len(hash) != 20 {
		return "", fmt.Errorf("secret hash must be 20 hex bytes")
	}
	value, err := helpers.ETHToWei(amount)
	if err != nil {
		return "", err
	}

	var hash20 [20]byte
	copy(hash20[:], hash)
	return s.transact(ctx, "create", value, onTxHash, hash20, participant)
}

// Withdraw claims the ether owner locked for this account by revealing secret.
func (s *EthSwap) Withdraw(ctx context.Context, ownerAddress string, secret []byte, onTxHash func(string) error) (string, error) {
	owner, err := parseAddress(ownerAddress)
	if err != nil {
		return "", err
	}
	if len(secret) != 32 {
		return "", fmt.Errorf("secret must be 32 bytes, got %d", len(secret))
	}
	var secret32 [32]byte
	copy(secret32[:], secret)
	return s.transact(ctx, "withdraw", nil, onTxHash, secret32, owner)
}

// GetSecret returns the secret revealed by participant's withdrawal, or nil
// if it has not withdrawn yet.
func (s *EthSwap) GetSecret(ctx context.Context, participantAddress string) ([]byte, error) {
	participant, err := parseAddress(participantAddress)
	if err != nil {
		return nil, err
	}
	var out []interface{}
	if err := s.contract.Call(s.callOpts(ctx), &out, "getSecret", participant); err != nil {
		return nil, fmt.Errorf("getSecret: %w", err)
	}
	secret := *abi.ConvertType(out[0], new([32]byte)).(*[32]byte)
	if helpers.IsZeroBytes(secret[:]) {
		return nil, nil
	}
	return secret[:], nil
}

// Refund reclaims ether locked for participant once the contract allows it.
func (s *EthSwap) Refund(ctx context.Context, participantAddress string, onTxHash func(string) error) (string, error) {
	participant, err := parseAddress(participantAddress)
	if err != nil {
		return "", err
	}
	return s.transact(ctx, "refund", nil, onTxHash, participant)
}

func (s *EthSwap) transact(ctx context.Context, method string, value *big.Int, onTxHash func(string) error, params ...interface{}) (string, error) {
	auth, err := s.newTransactor(ctx)
	if err != nil {
		return "", err
	}
	auth.Value = value

	tx, err := s.contract.Transact(auth, method, params...)
	if err != nil {
		return "", fmt.Errorf("%s: %w", method, err)
	}
	hash := tx.Hash().Hex()
	s.log.Info("Sent contract transaction", "method", method, "tx", hash)

	if onTxHash != nil {
		if err := onTxHash(hash); err != nil {
			return hash, err
		}
	}

	if s.waitMined != nil {
		receipt, err := s.waitMined(ctx, tx)
		if err != nil {
			return hash, fmt.Errorf("waiting for %s: %w", method, err)
		}
		if receipt.Status != types.ReceiptStatusSuccessful {
			return hash, fmt.Errorf("%w: %s %s", ErrTxReverted, method, hash)
		}
	}
	return hash, nil
}

func (s *EthSwap) newTransactor(ctx context.Context) (*bind.TransactOpts, error) {
	auth, err := bind.NewKeyedTransactorWithChainID(s.key, s.chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to create transactor: %w", err)
	}
	auth.Context = ctx
	auth.GasLimit = s.gasLimit
	return auth, nil
}

func (s *EthSwap) callOpts(ctx context.Context) *bind.CallOpts {
	return &bind.CallOpts{Context: ctx, From: s.from}
}

func parseAddress(s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return common.HexToAddress(s), nil
}
