package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/shopspring/decimal"

	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/registry"
	"github.com/klingon-exchange/swapd/internal/storage"
)

type fakeFlow struct {
	snap flow.Snapshot
}

func (f *fakeFlow) SwapID() string                               { return f.snap.Swap.ID }
func (f *fakeFlow) Name() string                                 { return f.snap.Swap.Flow }
func (f *fakeFlow) Swap() flow.Swap                              { return f.snap.Swap }
func (f *fakeFlow) Run(ctx context.Context) error                { return nil }
func (f *fakeFlow) RecheckBalance(ctx context.Context) error     { return nil }
func (f *fakeFlow) Refund(ctx context.Context) (string, error)   { return "", nil }
func (f *fakeFlow) Abandon(ctx context.Context) error            { return nil }
func (f *fakeFlow) Snapshot() flow.Snapshot                      { return f.snap }
func (f *fakeFlow) Subscribe(fn func(flow.Event)) (unsub func()) { return func() {} }
func (f *fakeFlow) Close()                                       {}

type fakeSwaps struct {
	mu      sync.Mutex
	flows   map[string]*fakeFlow
	records []*storage.FlowRecord
	subs    []func(flow.Event)
}

func newFakeSwaps() *fakeSwaps {
	return &fakeSwaps{flows: make(map[string]*fakeFlow)}
}

func (s *fakeSwaps) Open(sw flow.Swap) (flow.Flow, error) {
	if err := sw.Validate(); err != nil {
		return nil, err
	}
	if sw.Flow != flow.NameBTC2ETH && sw.Flow != flow.NameETH2BTC {
		return nil, fmt.Errorf("%w: %q", flow.ErrUnknownFlow, sw.Flow)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[sw.ID]; ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrExists, sw.ID)
	}
	f := &fakeFlow{snap: flow.Snapshot{Swap: sw, StepName: "sign", Status: storage.FlowStatusActive}}
	s.flows[sw.ID] = f
	return f, nil
}

func (s *fakeSwaps) Get(id string) (flow.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	return f, nil
}

func (s *fakeSwaps) List() []flow.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []flow.Snapshot
	for _, f := range s.flows {
		out = append(out, f.snap)
	}
	return out
}

func (s *fakeSwaps) Records(limit int, includeArchived bool) ([]*storage.FlowRecord, error) {
	return s.records, nil
}

func (s *fakeSwaps) RecheckBalance(id string) error {
	f, err := s.Get(id)
	if err != nil {
		return err
	}
	if f.Snapshot().Status != storage.FlowStatusParked {
		return flow.ErrNotParked
	}
	f.(*fakeFlow).snap.Status = storage.FlowStatusActive
	return nil
}

func (s *fakeSwaps) Resume(id string) error {
	if _, err := s.Get(id); err != nil {
		return err
	}
	return registry.ErrNotHalted
}

func (s *fakeSwaps) Refund(ctx context.Context, id string) (string, error) {
	if _, err := s.Get(id); err != nil {
		return "", err
	}
	return "refund-" + id, nil
}

func (s *fakeSwaps) Abandon(ctx context.Context, id string) error {
	f, err := s.Get(id)
	if err != nil {
		return err
	}
	f.(*fakeFlow).snap.Status = storage.FlowStatusAbandoned
	return nil
}

func (s *fakeSwaps) Subscribe(fn func(flow.Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	return func() {}
}

func (s *fakeSwaps) emit(ev flow.Event) {
	s.mu.Lock()
	subs := append([]func(flow.Event){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

type fakeIdentity struct{}

func (fakeIdentity) PublicKey() string { return "02abcdef" }
func (fakeIdentity) Address() string   { return "bcrt1qtest" }

type fakeBTC struct{ sats int64 }

func (b fakeBTC) GetBalance(ctx context.Context, address string) (int64, error) {
	return b.sats, nil
}

type fakeETH struct{ wei *big.Int }

func (e fakeETH) Address() string { return "0x00000000000000000000000000000000000000aa" }
func (e fakeETH) AccountBalance(ctx context.Context) (*big.Int, error) {
	return e.wei, nil
}

type fakeKnown struct{ peers []*storage.PeerRecord }

func (k fakeKnown) ListPeers(limit int) ([]*storage.PeerRecord, error) { return k.peers, nil }

type fakeNetwork struct {
	mu     sync.Mutex
	dialed []string
	err    error
}

func (n *fakeNetwork) ConnectByAddr(ctx context.Context, addr string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.dialed = append(n.dialed, addr)
	return nil
}

func (n *fakeNetwork) ConnectedPeers() []peer.ID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]peer.ID, len(n.dialed))
	for i, addr := range n.dialed {
		ids[i] = peer.ID(addr)
	}
	return ids
}

func newTestServer(t *testing.T) (*Server, *fakeSwaps) {
	t.Helper()
	swaps := newFakeSwaps()
	s := NewServer(Config{
		Swaps: swaps,
		Known: fakeKnown{peers: []*storage.PeerRecord{{PeerID: "peer-b", SeenCount: 2}}},
		Wallet: Wallet{
			Identity: fakeIdentity{},
			BTC:      fakeBTC{sats: 150_000_000},
			ETH:      fakeETH{wei: big.NewInt(7)},
		},
	})
	return s, swaps
}

func call(t *testing.T, h http.Handler, method string, params interface{}) Response {
	t.Helper()
	req := Request{JSONRPC: "2.0", Method: method, ID: 1}
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			t.Fatalf("marshal params: %v", err)
		}
		req.Params = data
	}
	body, _ := json.Marshal(req)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func decodeResult(t *testing.T, resp Response, v interface{}) {
	t.Helper()
	if resp.Error != nil {
		t.Fatalf("unexpected error: %d %s", resp.Error.Code, resp.Error.Message)
	}
	data, _ := json.Marshal(resp.Result)
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode result: %v", err)
	}
}

func openParams(id string) map[string]interface{} {
	return map[string]interface{}{
		"id":         id,
		"flow":       flow.NameBTC2ETH,
		"sellAmount": "1",
		"buyAmount":  "10",
		"participant": map[string]string{
			"peer":         "peer-b",
			"btcPublicKey": "03ff",
			"ethAddress":   "0x00000000000000000000000000000000000000bb",
		},
	}
}

func TestHandleRPCProtocolErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, ParseError},
		{"wrong version", `{"jsonrpc":"1.0","method":"swap_list","id":1}`, InvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","method":"order_create","id":1}`, MethodNotFound},
		{"missing params", `{"jsonrpc":"2.0","method":"swap_status","id":1}`, InvalidParams},
		{"empty swap id", `{"jsonrpc":"2.0","method":"swap_status","params":{},"id":1}`, InvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body)))

			var resp Response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Error == nil {
				t.Fatalf("expected error code %d, got result %v", tt.code, resp.Result)
			}
			if resp.Error.Code != tt.code {
				t.Errorf("code = %d, want %d", resp.Error.Code, tt.code)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q", got)
	}
}

func TestSwapOpenAndStatus(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var snap flow.Snapshot
	decodeResult(t, call(t, h, "swap_open", openParams("swap-1")), &snap)
	if snap.Swap.ID != "swap-1" {
		t.Errorf("id = %q", snap.Swap.ID)
	}
	if !snap.Swap.SellAmount.Equal(decimal.NewFromInt(1)) || !snap.Swap.BuyAmount.Equal(decimal.NewFromInt(10)) {
		t.Errorf("amounts = %s/%s", snap.Swap.SellAmount, snap.Swap.BuyAmount)
	}

	decodeResult(t, call(t, h, "swap_status", SwapIDParams{SwapID: "swap-1"}), &snap)
	if snap.Status != storage.FlowStatusActive {
		t.Errorf("status = %q, want active", snap.Status)
	}

	resp := call(t, h, "swap_open", openParams("swap-1"))
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("duplicate open error = %+v, want InvalidParams", resp.Error)
	}

	bad := openParams("swap-2")
	bad["flow"] = "LTC2ETH"
	resp = call(t, h, "swap_open", bad)
	if resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("unknown flow error = %+v, want InvalidParams", resp.Error)
	}

	resp = call(t, h, "swap_status", SwapIDParams{SwapID: "missing"})
	if resp.Error == nil || resp.Error.Code != NotFound {
		t.Errorf("missing swap error = %+v, want NotFound", resp.Error)
	}
}

func TestSwapList(t *testing.T) {
	s, swaps := newTestServer(t)
	h := s.Handler()
	call(t, h, "swap_open", openParams("swap-1"))
	swaps.records = []*storage.FlowRecord{
		{SwapID: "swap-1", Flow: flow.NameBTC2ETH, Status: storage.FlowStatusActive},
		{SwapID: "old", Flow: flow.NameETH2BTC, Step: 7, Status: storage.FlowStatusCompleted, ArchivedAt: time.Unix(1700000000, 0)},
	}

	var result SwapListResult
	decodeResult(t, call(t, h, "swap_list", nil), &result)
	if len(result.Swaps) != 1 || len(result.Archived) != 0 {
		t.Fatalf("swaps = %d archived = %d, want 1/0", len(result.Swaps), len(result.Archived))
	}

	decodeResult(t, call(t, h, "swap_list", SwapListParams{IncludeArchived: true}), &result)
	if len(result.Archived) != 1 || result.Archived[0].SwapID != "old" {
		t.Fatalf("archived = %+v, want [old]", result.Archived)
	}
	if result.Archived[0].Status != storage.FlowStatusCompleted {
		t.Errorf("archived status = %q", result.Archived[0].Status)
	}
}

func TestSwapActions(t *testing.T) {
	s, swaps := newTestServer(t)
	h := s.Handler()
	call(t, h, "swap_open", openParams("swap-1"))

	resp := call(t, h, "swap_recheckBalance", SwapIDParams{SwapID: "swap-1"})
	if resp.Error == nil || resp.Error.Code != InvalidState {
		t.Errorf("recheck active swap error = %+v, want InvalidState", resp.Error)
	}

	swaps.flows["swap-1"].snap.Status = storage.FlowStatusParked
	var action SwapActionResult
	decodeResult(t, call(t, h, "swap_recheckBalance", SwapIDParams{SwapID: "swap-1"}), &action)
	if action.Status != storage.FlowStatusActive {
		t.Errorf("status after recheck = %q, want active", action.Status)
	}

	resp = call(t, h, "swap_resume", SwapIDParams{SwapID: "swap-1"})
	if resp.Error == nil || resp.Error.Code != InvalidState {
		t.Errorf("resume error = %+v, want InvalidState", resp.Error)
	}

	var refund SwapRefundResult
	decodeResult(t, call(t, h, "swap_refund", SwapIDParams{SwapID: "swap-1"}), &refund)
	if refund.TxID != "refund-swap-1" {
		t.Errorf("txid = %q", refund.TxID)
	}

	decodeResult(t, call(t, h, "swap_abandon", SwapIDParams{SwapID: "swap-1"}), &action)
	if action.Status != storage.FlowStatusAbandoned {
		t.Errorf("status after abandon = %q, want abandoned", action.Status)
	}
}

func TestPeerAndWalletInfo(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	var peers PeerListResult
	decodeResult(t, call(t, h, "peer_list", nil), &peers)
	if len(peers.Connected) != 0 {
		t.Errorf("connected = %v, want none without a room", peers.Connected)
	}
	if len(peers.Known) != 1 || peers.Known[0].PeerID != "peer-b" {
		t.Errorf("known = %+v", peers.Known)
	}

	var info WalletInfoResult
	decodeResult(t, call(t, h, "wallet_info", nil), &info)
	if info.BTCAddress != "bcrt1qtest" || info.BTCBalance != 150_000_000 {
		t.Errorf("btc = %s/%d", info.BTCAddress, info.BTCBalance)
	}
	if info.ETHBalance != "7" {
		t.Errorf("eth balance = %q, want 7", info.ETHBalance)
	}
}

func TestPeerConnect(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	if resp := call(t, h, "peer_connect", PeerConnectParams{Addr: "/ip4/127.0.0.1/tcp/4001"}); resp.Error == nil || resp.Error.Code != InternalError {
		t.Fatalf("peer_connect without network = %+v, want internal error", resp.Error)
	}

	network := &fakeNetwork{}
	s.network = network
	if resp := call(t, h, "peer_connect", PeerConnectParams{}); resp.Error == nil || resp.Error.Code != InvalidParams {
		t.Errorf("peer_connect without addr = %+v, want invalid params", resp.Error)
	}

	addr := "/ip4/127.0.0.1/tcp/4001/p2p/peer-c"
	var result PeerConnectResult
	decodeResult(t, call(t, h, "peer_connect", PeerConnectParams{Addr: addr}), &result)
	if !result.Connected || result.Addr != addr {
		t.Errorf("result = %+v", result)
	}

	var peers PeerListResult
	decodeResult(t, call(t, h, "peer_list", nil), &peers)
	if len(peers.Transport) != 1 || peers.Transport[0] != peer.ID(addr).String() {
		t.Errorf("transport = %v", peers.Transport)
	}

	network.err = fmt.Errorf("dial backoff")
	if resp := call(t, h, "peer_connect", PeerConnectParams{Addr: addr}); resp.Error == nil || resp.Error.Code != InternalError {
		t.Errorf("failed dial = %+v, want internal error", resp.Error)
	}
}

func TestFlowEventsPushedToWebsocket(t *testing.T) {
	s, swaps := newTestServer(t)
	go s.wsHub.Run()
	s.forwardEvents()
	defer s.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.WSHub().ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	swaps.emit(flow.Event{SwapID: "swap-1", Flow: flow.NameBTC2ETH, Type: flow.EventStep, Step: 2, StepName: "btc-balance"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var msg struct {
		Type EventType  `json:"type"`
		Data flow.Event `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if msg.Type != EventFlow {
		t.Errorf("type = %q, want %q", msg.Type, EventFlow)
	}
	if msg.Data.SwapID != "swap-1" || msg.Data.StepName != "btc-balance" {
		t.Errorf("event = %+v", msg.Data)
	}
}

func TestWSSubscriptionFilter(t *testing.T) {
	c := &WSClient{subscriptions: make(map[EventType]bool)}
	if !c.wants(EventFlow) {
		t.Error("client without subscriptions should receive everything")
	}

	c.handleSubscription(&WSSubscription{Action: "subscribe", Events: []string{string(EventPeerConnected)}})
	if c.wants(EventFlow) {
		t.Error("flow events should be filtered out")
	}
	if !c.wants(EventPeerConnected) {
		t.Error("subscribed event filtered out")
	}

	c.handleSubscription(&WSSubscription{Action: "unsubscribe", Events: []string{string(EventPeerConnected)}})
	if !c.wants(EventFlow) {
		t.Error("client with no subscriptions left should receive everything")
	}
}
