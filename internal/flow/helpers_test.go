package flow

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/backend"
	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
	"github.com/klingon-exchange/swapd/pkg/helpers"
)

var testNet = &chaincfg.RegressionNetParams

const testTimeout = 5 * time.Second

func testSettings() Settings {
	return Settings{
		LockWindow:     3 * time.Hour,
		PollInterval:   5 * time.Millisecond,
		MinLockMargin:  time.Hour,
		VerifyAttempts: 2,
	}
}

// memStore is an in-memory Store that refuses step regressions the way the
// sqlite store does and keeps the step of every write.
type memStore struct {
	mu      sync.Mutex
	records map[string]storage.FlowRecord
	steps   map[string][]int
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]storage.FlowRecord),
		steps:   make(map[string][]int),
	}
}

func (s *memStore) SaveFlow(rec *storage.FlowRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.records[rec.SwapID]; ok {
		if rec.Step < prev.Step {
			return storage.ErrStepRegression
		}
		rec.ArchivedAt = prev.ArchivedAt
		if prev.Archived() {
			rec.Status = prev.Status
		}
	}
	s.records[rec.SwapID] = *rec
	s.steps[rec.SwapID] = append(s.steps[rec.SwapID], rec.Step)
	return nil
}

func (s *memStore) ArchiveFlow(swapID string, status storage.FlowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[swapID]
	if !ok {
		return storage.ErrFlowNotFound
	}
	if rec.Archived() {
		return storage.ErrFlowArchived
	}
	rec.Status = status
	rec.ArchivedAt = time.Now()
	s.records[swapID] = rec
	return nil
}

func (s *memStore) get(swapID string) storage.FlowRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records[swapID]
}

func (s *memStore) history(swapID string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int(nil), s.steps[swapID]...)
}

// testIdentity is a deterministic Bitcoin key.
type testIdentity struct {
	pub  string
	addr string
}

func newTestIdentity(seed byte, addr string) *testIdentity {
	priv, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return &testIdentity{
		pub:  hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		addr: addr,
	}
}

func (i *testIdentity) PublicKey() string { return i.pub }
func (i *testIdentity) Address() string   { return i.addr }

// btcLedger is a shared view of the Bitcoin chain: wallet balances and the
// value funded at each script address. It doubles as the verifier's chain
// adapter.
type btcLedger struct {
	mu      sync.Mutex
	wallets map[string]int64
	scripts map[string]int64
}

func newBTCLedger() *btcLedger {
	return &btcLedger{
		wallets: make(map[string]int64),
		scripts: make(map[string]int64),
	}
}

func (l *btcLedger) setWallet(addr string, sats int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.wallets[addr] = sats
}

func (l *btcLedger) FetchBalance(ctx context.Context, address string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.scripts[address], nil
}

func (l *btcLedger) FetchUnspents(ctx context.Context, address string) ([]backend.Unspent, error) {
	return nil, nil
}

func (l *btcLedger) BroadcastTx(ctx context.Context, rawHex string) (string, error) {
	return "", errors.New("not supported")
}

// fakeBTC is one party's UTXOBuilder over a btcLedger.
type fakeBTC struct {
	ledger *btcLedger
	wallet string
	fee    int64

	mu       sync.Mutex
	funds    []swap.Parameters
	redeems  [][]byte
	refunds  []swap.Parameters
	fundErr  error
	underpay int64

	// dropNext reports a txid for the next funding, then fails its
	// broadcast without moving coins.
	dropNext bool
}

func (b *fakeBTC) Fund(ctx context.Context, params swap.Parameters, amount decimal.Decimal, onTxID func(string) error) (string, error) {
	ls, err := swap.BuildScript(params, testNet)
	if err != nil {
		return "", err
	}
	sats, err := helpers.BTCToSatoshis(amount)
	if err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fundErr != nil {
		return "", b.fundErr
	}

	if b.dropNext {
		b.dropNext = false
		if onTxID != nil {
			if err := onTxID("fund-dropped"); err != nil {
				return "", err
			}
		}
		return "", errors.New("broadcast: connection reset")
	}

	b.ledger.mu.Lock()
	if b.ledger.wallets[b.wallet] < sats+b.fee {
		b.ledger.mu.Unlock()
		return "", swap.ErrInsufficientFunds
	}
	b.ledger.wallets[b.wallet] -= sats + b.fee
	b.ledger.scripts[ls.Address] += sats - b.underpay
	b.ledger.mu.Unlock()

	txid := fmt.Sprintf("fund-%d", len(b.funds)+1)
	if onTxID != nil {
		if err := onTxID(txid); err != nil {
			return "", err
		}
	}
	b.funds = append(b.funds, params)
	return txid, nil
}

func (b *fakeBTC) Redeem(ctx context.Context, params swap.Parameters, secret []byte) (string, error) {
	if !swap.VerifySecret(secret, params.SecretHash) {
		return "", swap.ErrSecretMismatch
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.redeems = append(b.redeems, secret)
	return "redeem-tx", nil
}

func (b *fakeBTC) Refund(ctx context.Context, params swap.Parameters) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refunds = append(b.refunds, params)
	return "refund-tx", nil
}

func (b *fakeBTC) GetBalance(ctx context.Context, address string) (int64, error) {
	b.ledger.mu.Lock()
	defer b.ledger.mu.Unlock()
	return b.ledger.wallets[address], nil
}

func (b *fakeBTC) GetScriptBalance(ctx context.Context, params swap.Parameters) (int64, error) {
	ls, err := swap.BuildScript(params, testNet)
	if err != nil {
		return 0, err
	}
	return b.ledger.FetchBalance(ctx, ls.Address)
}

func (b *fakeBTC) counts() (funds, redeems, refunds int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.funds), len(b.redeems), len(b.refunds)
}

// ethLedger models the swap contract: ether locked per (owner, participant)
// pair and the secrets revealed by withdrawals.
type ethLedger struct {
	mu       sync.Mutex
	accounts map[string]*big.Int
	locked   map[[2]string]*big.Int
	hashes   map[[2]string]string
	secrets  map[[2]string][]byte
}

func newETHLedger() *ethLedger {
	return &ethLedger{
		accounts: make(map[string]*big.Int),
		locked:   make(map[[2]string]*big.Int),
		hashes:   make(map[[2]string]string),
		secrets:  make(map[[2]string][]byte),
	}
}

func (l *ethLedger) setAccount(addr string, eth string) {
	wei, _ := helpers.ETHToWei(decimal.RequireFromString(eth))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts[addr] = wei
}

// fakeETH is one party's AccountChain over an ethLedger.
type fakeETH struct {
	ledger  *ethLedger
	address string

	mu        sync.Mutex
	creates   int
	withdraws int
	refunds   int

	// dropNext reports a hash for the next contract call, then fails it
	// without touching the ledger.
	dropNext bool
}

func (e *fakeETH) Address() string { return e.address }

func (e *fakeETH) AccountBalance(ctx context.Context) (*big.Int, error) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	if b := e.ledger.accounts[e.address]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (e *fakeETH) GetBalance(ctx context.Context, ownerAddress string) (*big.Int, error) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	if b := e.ledger.locked[[2]string{ownerAddress, e.address}]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (e *fakeETH) LockedBalance(ctx context.Context, participantAddress string) (*big.Int, error) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	if b := e.ledger.locked[[2]string{e.address, participantAddress}]; b != nil {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (e *fakeETH) dropped(onTxHash func(string) error, hash string) (bool, error) {
	e.mu.Lock()
	drop := e.dropNext
	e.dropNext = false
	e.mu.Unlock()
	if !drop {
		return false, nil
	}
	if onTxHash != nil {
		if err := onTxHash(hash); err != nil {
			return true, err
		}
	}
	return true, errors.New("send transaction: connection reset")
}

func (e *fakeETH) CheckBalance(ctx context.Context, ownerAddress string, expected decimal.Decimal) (string, error) {
	want, err := helpers.ETHToWei(expected)
	if err != nil {
		return "", err
	}
	balance, _ := e.GetBalance(ctx, ownerAddress)
	if balance.Cmp(want) < 0 {
		return fmt.Sprintf("expected value: %s, got: %s", expected, helpers.WeiToETH(balance)), nil
	}
	return "", nil
}

func (e *fakeETH) Create(ctx context.Context, participantAddress, secretHash string, amount decimal.Decimal, onTxHash func(string) error) (string, error) {
	wei, err := helpers.ETHToWei(amount)
	if err != nil {
		return "", err
	}
	if drop, err := e.dropped(onTxHash, "create-dropped"); drop {
		return "", err
	}
	e.mu.Lock()
	e.creates++
	e.mu.Unlock()

	if onTxHash != nil {
		if err := onTxHash("create-tx"); err != nil {
			return "", err
		}
	}

	key := [2]string{e.address, participantAddress}
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	if acct := e.ledger.accounts[e.address]; acct != nil {
		acct.Sub(acct, wei)
	}
	e.ledger.locked[key] = wei
	e.ledger.hashes[key] = secretHash
	return "create-tx", nil
}

func (e *fakeETH) Withdraw(ctx context.Context, ownerAddress string, secret []byte, onTxHash func(string) error) (string, error) {
	if drop, err := e.dropped(onTxHash, "withdraw-dropped"); drop {
		return "", err
	}
	key := [2]string{ownerAddress, e.address}

	e.ledger.mu.Lock()
	if !swap.VerifySecret(secret, e.ledger.hashes[key]) {
		e.ledger.mu.Unlock()
		return "", swap.ErrSecretMismatch
	}
	e.ledger.secrets[key] = append([]byte(nil), secret...)
	e.ledger.locked[key] = new(big.Int)
	e.ledger.mu.Unlock()

	e.mu.Lock()
	e.withdraws++
	e.mu.Unlock()

	if onTxHash != nil {
		if err := onTxHash("withdraw-tx"); err != nil {
			return "", err
		}
	}
	return "withdraw-tx", nil
}

func (e *fakeETH) GetSecret(ctx context.Context, participantAddress string) ([]byte, error) {
	e.ledger.mu.Lock()
	defer e.ledger.mu.Unlock()
	return e.ledger.secrets[[2]string{e.address, participantAddress}], nil
}

func (e *fakeETH) Refund(ctx context.Context, participantAddress string, onTxHash func(string) error) (string, error) {
	e.mu.Lock()
	e.refunds++
	e.mu.Unlock()
	if onTxHash != nil {
		if err := onTxHash("eth-refund-tx"); err != nil {
			return "", err
		}
	}
	return "eth-refund-tx", nil
}

func (e *fakeETH) counts() (creates, withdraws, refunds int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates, e.withdraws, e.refunds
}

// party bundles one side of a swap.
type party struct {
	peer     string
	room     *room.Room
	store    *memStore
	btc      *fakeBTC
	eth      *fakeETH
	identity *testIdentity
}

func (p *party) deps(verifier ScriptVerifier) Deps {
	return Deps{
		Store:    p.store,
		Channel:  p.room,
		BTC:      p.btc,
		Verifier: verifier,
		ETH:      p.eth,
		Identity: p.identity,
		Settings: testSettings(),
	}
}

// testWorld is a two-party setup: alice sells BTC, bob sells ETH.
type testWorld struct {
	hub      *room.MemoryHub
	btc      *btcLedger
	eth      *ethLedger
	verifier *swap.Verifier
	alice    *party
	bob      *party
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()
	w := &testWorld{
		hub: room.NewMemoryHub(),
		btc: newBTCLedger(),
		eth: newETHLedger(),
	}
	w.verifier = swap.NewVerifier(w.btc, testNet)
	w.alice = w.newParty("alice", 1)
	w.bob = w.newParty("bob", 2)

	w.btc.setWallet(w.alice.identity.Address(), 200_000_000)
	w.eth.setAccount(w.bob.eth.address, "10")
	return w
}

func (w *testWorld) newParty(name string, seed byte) *party {
	return &party{
		peer:     name,
		room:     room.New(w.hub.Join(name)),
		store:    newMemStore(),
		btc:      &fakeBTC{ledger: w.btc, wallet: name + "-btc", fee: 15_000},
		eth:      &fakeETH{ledger: w.eth, address: "0x" + hex.EncodeToString(bytes.Repeat([]byte{seed}, 20))},
		identity: newTestIdentity(seed, name+"-btc"),
	}
}

// swapFor describes the swap from p's side with other as participant.
func (w *testWorld) swapFor(p, other *party, sell, buy string) Swap {
	return Swap{
		ID:         "swap-1",
		SellAmount: decimal.RequireFromString(sell),
		BuyAmount:  decimal.RequireFromString(buy),
		Participant: Participant{
			PeerID:       other.peer,
			BTCPublicKey: other.identity.PublicKey(),
			ETHAddress:   other.eth.address,
		},
	}
}

func (w *testWorld) initiator(t *testing.T, rec *storage.FlowRecord) *BTC2ETH {
	t.Helper()
	f, err := NewBTC2ETH(w.swapFor(w.alice, w.bob, "1", "10"), w.alice.deps(w.verifier), rec)
	if err != nil {
		t.Fatalf("NewBTC2ETH() error = %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

func (w *testWorld) participant(t *testing.T, sell string) *ETH2BTC {
	t.Helper()
	f, err := NewETH2BTC(w.swapFor(w.bob, w.alice, sell, "1"), w.bob.deps(w.verifier), nil)
	if err != nil {
		t.Fatalf("NewETH2BTC() error = %v", err)
	}
	t.Cleanup(f.Close)
	return f
}

// runAsync runs f and returns a channel with its result.
func runAsync(ctx context.Context, f Flow) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("flow did not return in time")
		return nil
	}
}

// waitStep blocks until f has advanced past step index i.
func waitStep(t *testing.T, f Flow, i int) {
	t.Helper()
	deadline := time.Now().Add(testTimeout)
	for f.Snapshot().Step <= i {
		if time.Now().After(deadline) {
			t.Fatalf("flow stuck at step %d, want past %d", f.Snapshot().Step, i)
		}
		time.Sleep(time.Millisecond)
	}
}

func assertNonDecreasing(t *testing.T, steps []int) {
	t.Helper()
	for i := 1; i < len(steps); i++ {
		if steps[i] < steps[i-1] {
			t.Fatalf("persisted steps regressed: %v", steps)
		}
	}
}

func decimalOf(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func hexBytes(b []byte) string { return hex.EncodeToString(b) }

func hexHash(secret []byte) string { return hex.EncodeToString(swap.HashSecret(secret)) }
