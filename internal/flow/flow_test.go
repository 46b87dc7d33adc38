package flow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/internal/swap"
)

func TestSwapCompletes(t *testing.T) {
	w := newTestWorld(t)
	alice := w.initiator(t, nil)
	bob := w.participant(t, "10")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	bobDone := runAsync(ctx, bob)
	aliceDone := runAsync(ctx, alice)

	if err := waitResult(t, aliceDone); err != nil {
		t.Fatalf("initiator Run() error = %v", err)
	}
	if err := waitResult(t, bobDone); err != nil {
		t.Fatalf("participant Run() error = %v", err)
	}

	as := alice.Machine().State()
	if !as.IsBtcScriptFunded || !as.IsEthContractFunded || !as.IsEthWithdrawn {
		t.Errorf("initiator state incomplete: %+v", as)
	}
	bs := bob.Machine().State()
	if !bs.IsBtcScriptVerified || !bs.IsEthContractFunded || !bs.IsBtcWithdrawn {
		t.Errorf("participant state incomplete: %+v", bs)
	}
	if bs.Secret != as.Secret {
		t.Errorf("participant learned secret %s, want %s", bs.Secret, as.Secret)
	}
	if bs.BtcScriptCreatingTransactionHash != as.BtcScriptCreatingTransactionHash {
		t.Errorf("script tx = %s, want %s", bs.BtcScriptCreatingTransactionHash, as.BtcScriptCreatingTransactionHash)
	}

	if funds, _, _ := w.alice.btc.counts(); funds != 1 {
		t.Errorf("script funded %d times, want 1", funds)
	}
	if _, redeems, _ := w.bob.btc.counts(); redeems != 1 {
		t.Errorf("script redeemed %d times, want 1", redeems)
	}

	for _, p := range []*party{w.alice, w.bob} {
		rec := p.store.get("swap-1")
		if rec.Status != storage.FlowStatusCompleted || !rec.Archived() {
			t.Errorf("%s record status = %s archived=%v", p.peer, rec.Status, rec.Archived())
		}
		assertNonDecreasing(t, p.store.history("swap-1"))
	}

	snap := alice.Snapshot()
	if snap.Status != storage.FlowStatusCompleted || snap.StepName != "finish" {
		t.Errorf("snapshot = %s at %s", snap.Status, snap.StepName)
	}
}

func TestInitiatorHaltsOnBalanceMismatch(t *testing.T) {
	w := newTestWorld(t)
	alice := w.initiator(t, nil)
	bob := w.participant(t, "5")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	bobCtx, stopBob := context.WithCancel(ctx)
	bobDone := runAsync(bobCtx, bob)

	err := waitResult(t, runAsync(ctx, alice))
	var halt *HaltError
	if !errors.As(err, &halt) {
		t.Fatalf("Run() error = %v, want *HaltError", err)
	}
	if !errors.Is(err, ErrBalanceMismatch) {
		t.Errorf("Run() error = %v, want ErrBalanceMismatch", err)
	}
	if halt.Name != "withdraw-eth" {
		t.Errorf("halted at %s, want withdraw-eth", halt.Name)
	}

	if _, withdraws, _ := w.alice.eth.counts(); withdraws != 0 {
		t.Errorf("withdrew %d times after mismatch", withdraws)
	}
	status, errText := alice.Machine().Status()
	if status != storage.FlowStatusHalted || errText == "" {
		t.Errorf("Status() = %s %q, want halted with error", status, errText)
	}
	if rec := w.alice.store.get("swap-1"); rec.Error == "" || rec.Status != storage.FlowStatusHalted {
		t.Errorf("halt not persisted: %+v", rec)
	}

	stopBob()
	if err := waitResult(t, bobDone); !errors.Is(err, context.Canceled) {
		t.Errorf("participant Run() error = %v, want context.Canceled", err)
	}
	if status, _ := bob.Machine().Status(); status == storage.FlowStatusHalted {
		t.Error("cancelled participant was halted")
	}
}

func TestParticipantHaltsOnUnderfundedScript(t *testing.T) {
	w := newTestWorld(t)
	w.alice.btc.underpay = 1000
	alice := w.initiator(t, nil)
	bob := w.participant(t, "10")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	aliceCtx, stopAlice := context.WithCancel(ctx)
	defer stopAlice()
	runAsync(aliceCtx, alice)

	err := waitResult(t, runAsync(ctx, bob))
	var mismatch *swap.ScriptMismatchError
	if !errors.As(err, &mismatch) || mismatch.Kind != swap.MismatchValue {
		t.Fatalf("Run() error = %v, want value mismatch", err)
	}
	if creates, _, _ := w.bob.eth.counts(); creates != 0 {
		t.Errorf("locked ether %d times for a bad script", creates)
	}
}

func TestParticipantRejectsForeignOwner(t *testing.T) {
	w := newTestWorld(t)
	carol := w.newParty("carol", 3)

	// alice funds a script but bob expects carol's key as owner.
	alice := w.initiator(t, nil)
	sw := w.swapFor(w.bob, w.alice, "10", "1")
	sw.Participant.BTCPublicKey = carol.identity.PublicKey()
	bob, err := NewETH2BTC(sw, w.bob.deps(w.verifier), nil)
	if err != nil {
		t.Fatalf("NewETH2BTC() error = %v", err)
	}
	defer bob.Close()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	aliceCtx, stopAlice := context.WithCancel(ctx)
	defer stopAlice()
	runAsync(aliceCtx, alice)

	err = waitResult(t, runAsync(ctx, bob))
	var mismatch *swap.ScriptMismatchError
	if !errors.As(err, &mismatch) || mismatch.Kind != swap.MismatchIdentity {
		t.Fatalf("Run() error = %v, want identity mismatch", err)
	}
}

func TestInitiatorParksOnInsufficientBalance(t *testing.T) {
	w := newTestWorld(t)
	w.btc.setWallet(w.alice.identity.Address(), 1000)
	alice := w.initiator(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	if err := alice.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	snap := alice.Snapshot()
	if snap.Status != storage.FlowStatusParked || snap.StepName != "btc-balance" {
		t.Fatalf("snapshot = %s at %s, want parked at btc-balance", snap.Status, snap.StepName)
	}
	if st := alice.Machine().State(); st.IsBalanceEnough || st.Balance == nil {
		t.Errorf("state after park = %+v", st)
	}
	if funds, _, _ := w.alice.btc.counts(); funds != 0 {
		t.Error("funded while parked")
	}

	// Bob's ether is already locked, so once funded the flow runs through.
	w.btc.setWallet(w.alice.identity.Address(), 200_000_000)
	w.bob.eth.Create(ctx, w.alice.eth.address, alice.Machine().State().SecretHash, alice.Swap().BuyAmount, nil)

	if err := alice.RecheckBalance(ctx); err != nil {
		t.Fatalf("RecheckBalance() error = %v", err)
	}
	if status, _ := alice.Machine().Status(); status != storage.FlowStatusCompleted {
		t.Errorf("status = %s, want completed", status)
	}
	if err := alice.RecheckBalance(ctx); !errors.Is(err, ErrNotParked) {
		t.Errorf("RecheckBalance() on completed flow error = %v, want ErrNotParked", err)
	}
}

func TestInitiatorResumesFundedScript(t *testing.T) {
	w := newTestWorld(t)

	secret := []byte("0123456789abcdef0123456789abcdef")
	params := swap.Parameters{
		SecretHash:         hexHash(secret),
		OwnerPublicKey:     w.alice.identity.PublicKey(),
		RecipientPublicKey: w.bob.identity.PublicKey(),
		LockTime:           1_900_000_000,
	}
	state, _ := json.Marshal(BTC2ETHState{
		IsParticipantSigned:              true,
		Secret:                           hexBytes(secret),
		SecretHash:                       params.SecretHash,
		IsBalanceEnough:                  true,
		BtcScriptValues:                  &params,
		BtcScriptCreatingTransactionHash: "fund-earlier",
	})
	rec := &storage.FlowRecord{
		SwapID: "swap-1",
		Flow:   NameBTC2ETH,
		Step:   3,
		Status: storage.FlowStatusActive,
		State:  state,
	}

	var (
		mu        sync.Mutex
		announced []CreateScriptMessage
	)
	w.bob.room.Subscribe(EventCreateScript, func(m room.Message) {
		var msg CreateScriptMessage
		if err := m.Decode(&msg); err == nil {
			mu.Lock()
			announced = append(announced, msg)
			mu.Unlock()
		}
	})

	ls, err := swap.BuildScript(params, testNet)
	if err != nil {
		t.Fatalf("BuildScript() error = %v", err)
	}
	w.btc.scripts[ls.Address] = 100_000_000
	w.bob.eth.Create(context.Background(), w.alice.eth.address, params.SecretHash, decimalOf("10"), nil)

	alice := w.initiator(t, rec)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := alice.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if funds, _, _ := w.alice.btc.counts(); funds != 0 {
		t.Errorf("funded %d times on resume, want 0", funds)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(announced) == 0 || announced[0].BtcScriptCreatingTransactionHash != "fund-earlier" {
		t.Errorf("announcements = %+v, want the recorded script", announced)
	}
	if st := alice.Machine().State(); st.Secret != hexBytes(secret) || !st.IsEthWithdrawn {
		t.Errorf("state = %+v", st)
	}
}

func TestInitiatorResumesWaitingForEther(t *testing.T) {
	w := newTestWorld(t)
	aliceCtx, stopAlice := context.WithCancel(context.Background())
	alice := w.initiator(t, nil)
	done := runAsync(aliceCtx, alice)
	waitStep(t, alice, 3)
	stopAlice()
	if err := waitResult(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	alice.Close()

	rec := w.alice.store.get("swap-1")
	if rec.Step != 4 {
		t.Fatalf("persisted step = %d, want 4", rec.Step)
	}

	// The daemon restarts, bob meanwhile locked his ether.
	restored := w.initiator(t, &rec)
	st := restored.Machine().State()
	if st.BtcScriptValues == nil || st.BtcScriptCreatingTransactionHash != "fund-1" || !st.IsBtcScriptFunded {
		t.Fatalf("restored state lost the funded script: %+v", st)
	}
	w.bob.eth.Create(context.Background(), w.alice.eth.address, st.SecretHash, decimalOf("10"), nil)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	if err := restored.Run(ctx); err != nil {
		t.Fatalf("Run() after restore error = %v", err)
	}
	if funds, _, _ := w.alice.btc.counts(); funds != 1 {
		t.Errorf("funded %d times across restart, want 1", funds)
	}
	assertNonDecreasing(t, w.alice.store.history("swap-1"))
}

func TestInitiatorRefund(t *testing.T) {
	w := newTestWorld(t)
	alice := w.initiator(t, nil)

	if _, err := alice.Refund(context.Background()); !errors.Is(err, ErrNothingToRefund) {
		t.Fatalf("Refund() before funding error = %v, want ErrNothingToRefund", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(ctx, alice)
	waitStep(t, alice, 3)

	txid, err := alice.Refund(ctx)
	if err != nil {
		t.Fatalf("Refund() error = %v", err)
	}
	if txid != "refund-tx" {
		t.Errorf("Refund() = %s", txid)
	}
	if _, err := alice.Refund(ctx); !errors.Is(err, ErrAlreadyRefunded) {
		t.Errorf("second Refund() error = %v, want ErrAlreadyRefunded", err)
	}

	if err := alice.Abandon(ctx); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if err := waitResult(t, done); !errors.Is(err, ErrAbandoned) {
		t.Errorf("Run() error = %v, want ErrAbandoned", err)
	}

	st := alice.Machine().State()
	if !st.IsRefunded || st.RefundTransactionHash != "refund-tx" {
		t.Errorf("state = %+v", st)
	}
	rec := w.alice.store.get("swap-1")
	if rec.Status != storage.FlowStatusAbandoned || !rec.Archived() {
		t.Errorf("record status = %s archived=%v", rec.Status, rec.Archived())
	}
	var persisted BTC2ETHState
	if err := json.Unmarshal(rec.State, &persisted); err != nil || !persisted.IsRefunded {
		t.Errorf("refund not persisted: %s", rec.State)
	}
}

func TestParticipantRefundAfterAbandon(t *testing.T) {
	w := newTestWorld(t)
	bob := w.participant(t, "10")

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	done := runAsync(ctx, bob)
	waitStep(t, bob, 0)

	if err := bob.Abandon(ctx); err != nil {
		t.Fatalf("Abandon() error = %v", err)
	}
	if err := waitResult(t, done); !errors.Is(err, ErrAbandoned) {
		t.Fatalf("Run() error = %v, want ErrAbandoned", err)
	}
	if _, err := bob.Refund(ctx); !errors.Is(err, ErrNothingToRefund) {
		t.Errorf("Refund() error = %v, want ErrNothingToRefund", err)
	}
	if err := bob.Run(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Run() after abandon error = %v, want ErrClosed", err)
	}
	if err := bob.Abandon(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("second Abandon() error = %v, want ErrClosed", err)
	}
}

func TestFlowEvents(t *testing.T) {
	w := newTestWorld(t)
	w.btc.setWallet(w.alice.identity.Address(), 0)
	alice := w.initiator(t, nil)

	var (
		mu    sync.Mutex
		types []EventType
	)
	alice.Subscribe(func(ev Event) {
		mu.Lock()
		types = append(types, ev.Type)
		mu.Unlock()
	})

	if err := alice.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []EventType{
		EventStep, EventAdvanced,
		EventStep, EventAdvanced,
		EventStep, EventUpdated, EventParked,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestNewFlowValidation(t *testing.T) {
	w := newTestWorld(t)

	sw := w.swapFor(w.alice, w.bob, "1", "10")
	sw.Participant.PeerID = ""
	if _, err := NewBTC2ETH(sw, w.alice.deps(w.verifier), nil); !errors.Is(err, ErrInvalidSwap) {
		t.Errorf("NewBTC2ETH() error = %v, want ErrInvalidSwap", err)
	}

	sw = w.swapFor(w.bob, w.alice, "10", "1")
	if _, err := NewETH2BTC(sw, w.bob.deps(nil), nil); err == nil {
		t.Error("NewETH2BTC() without verifier succeeded")
	}

	rec := &storage.FlowRecord{SwapID: "swap-1", Flow: NameETH2BTC}
	if _, err := NewBTC2ETH(w.swapFor(w.alice, w.bob, "1", "10"), w.alice.deps(w.verifier), rec); err == nil {
		t.Error("NewBTC2ETH() accepted a record of another flow")
	}
}
