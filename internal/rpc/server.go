// Package rpc provides the JSON-RPC 2.0 control surface of the daemon, with
// flow events pushed to websocket clients.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/room"
	"github.com/klingon-exchange/swapd/internal/storage"
	"github.com/klingon-exchange/swapd/pkg/logging"
)

// Swaps is the flow registry as the RPC server uses it.
type Swaps interface {
	Open(sw flow.Swap) (flow.Flow, error)
	Get(swapID string) (flow.Flow, error)
	List() []flow.Snapshot
	Records(limit int, includeArchived bool) ([]*storage.FlowRecord, error)
	RecheckBalance(swapID string) error
	Resume(swapID string) error
	Refund(ctx context.Context, swapID string) (string, error)
	Abandon(ctx context.Context, swapID string) error
	Subscribe(fn func(flow.Event)) (unsubscribe func())
}

// Room is the counterparty channel as the RPC server uses it.
type Room interface {
	PeerID() string
	Peers() []string
	Subscribe(event string, fn func(room.Message)) (unsubscribe func())
}

// KnownPeers lists peers seen in earlier sessions.
type KnownPeers interface {
	ListPeers(limit int) ([]*storage.PeerRecord, error)
}

// Network is the p2p transport, implemented by *node.Node.
type Network interface {
	ConnectByAddr(ctx context.Context, addr string) error
	ConnectedPeers() []peer.ID
}

// Wallet exposes the local keys and balances.
type Wallet struct {
	Identity flow.Identity
	BTC      interface {
		GetBalance(ctx context.Context, address string) (int64, error)
	}
	ETH interface {
		Address() string
		AccountBalance(ctx context.Context) (*big.Int, error)
	}
}

// Config wires the server to the daemon.
type Config struct {
	Swaps   Swaps
	Room    Room
	Known   KnownPeers
	Network Network
	Wallet  Wallet
}

// Server is a JSON-RPC 2.0 server.
type Server struct {
	swaps   Swaps
	room    Room
	known   KnownPeers
	network Network
	wallet  Wallet
	log     *logging.Logger
	wsHub   *WSHub
	unsubs  []func()

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request represents a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response represents a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error represents a JSON-RPC 2.0 error.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// Standard error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603

	// Application codes.
	NotFound     = -32001
	InvalidState = -32002
)

// NewServer creates a new JSON-RPC server.
func NewServer(cfg Config) *Server {
	s := &Server{
		swaps:    cfg.Swaps,
		room:     cfg.Room,
		known:    cfg.Known,
		network:  cfg.Network,
		wallet:   cfg.Wallet,
		log:      logging.GetDefault().Component("rpc"),
		wsHub:    NewWSHub(),
		handlers: make(map[string]Handler),
	}

	s.registerHandlers()
	return s
}

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	// Swap methods
	s.handlers["swap_open"] = s.swapOpen
	s.handlers["swap_list"] = s.swapList
	s.handlers["swap_status"] = s.swapStatus
	s.handlers["swap_recheckBalance"] = s.swapRecheckBalance
	s.handlers["swap_resume"] = s.swapResume
	s.handlers["swap_refund"] = s.swapRefund
	s.handlers["swap_abandon"] = s.swapAbandon

	// Peer methods
	s.handlers["peer_list"] = s.peerList
	s.handlers["peer_connect"] = s.peerConnect

	// Wallet methods
	s.handlers["wallet_info"] = s.walletInfo
}

// Handler returns the HTTP handler serving RPC on / and websockets on /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("OPTIONS /{$}", s.handleCORS)
	mux.HandleFunc("GET /ws", s.handleWS)
	return corsMiddleware(mux)
}

// Start starts the RPC server and the event feed.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()
	s.forwardEvents()

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("RPC server error", "error", err)
		}
	}()

	s.log.Info("RPC server started", "addr", listener.Addr().String(), "ws", "ws://"+listener.Addr().String()+"/ws")
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop stops the RPC server.
func (s *Server) Stop() error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wsHub.Close()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// forwardEvents pushes flow and presence events to websocket clients.
func (s *Server) forwardEvents() {
	if s.swaps != nil {
		s.unsubs = append(s.unsubs, s.swaps.Subscribe(func(ev flow.Event) {
			s.wsHub.Broadcast(EventFlow, ev)
		}))
	}
	if s.room != nil {
		s.unsubs = append(s.unsubs,
			s.room.Subscribe(room.EventPeerJoined, func(m room.Message) {
				s.wsHub.Broadcast(EventPeerConnected, map[string]string{"peer": m.FromPeer})
			}),
			s.room.Subscribe(room.EventPeerLeft, func(m room.Message) {
				s.wsHub.Broadcast(EventPeerDisconnected, map[string]string{"peer": m.FromPeer})
			}),
		)
	}
}

// WSHub returns the WebSocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// handleRPC handles incoming JSON-RPC requests.
func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, &Error{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, &Error{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()

	if !ok {
		s.writeError(w, req.ID, &Error{Code: MethodNotFound, Message: "Method not found", Data: req.Method})
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		s.writeError(w, req.ID, toRPCError(err))
		return
	}

	s.writeResult(w, req.ID, result)
}

// writeResult writes a successful response.
func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	resp := Response{
		JSONRPC: "2.0",
		Result:  result,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// writeError writes an error response.
func (s *Server) writeError(w http.ResponseWriter, id interface{}, rpcErr *Error) {
	resp := Response{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleCORS handles CORS preflight requests.
func (s *Server) handleCORS(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

// corsMiddleware adds CORS headers to all responses.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
