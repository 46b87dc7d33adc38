package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/klingon-exchange/swapd/internal/flow"
	"github.com/klingon-exchange/swapd/internal/registry"
	"github.com/klingon-exchange/swapd/internal/storage"
)

// SwapIDParams selects one swap.
type SwapIDParams struct {
	SwapID string `json:"swapId"`
}

// SwapListParams filters swap_list.
type SwapListParams struct {
	IncludeArchived bool `json:"includeArchived"`
	Limit           int  `json:"limit"`
}

// SwapRecord summarizes a persisted flow.
type SwapRecord struct {
	SwapID     string             `json:"swapId"`
	Flow       string             `json:"flow"`
	Step       int                `json:"step"`
	Status     storage.FlowStatus `json:"status"`
	Error      string             `json:"error,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
	ArchivedAt *time.Time         `json:"archivedAt,omitempty"`
}

// SwapListResult is the result of swap_list.
type SwapListResult struct {
	Swaps    []flow.Snapshot `json:"swaps"`
	Archived []SwapRecord    `json:"archived,omitempty"`
}

// SwapActionResult reports a swap's status after an operator action.
type SwapActionResult struct {
	SwapID string             `json:"swapId"`
	Status storage.FlowStatus `json:"status"`
}

// SwapRefundResult is the result of swap_refund.
type SwapRefundResult struct {
	SwapID string `json:"swapId"`
	TxID   string `json:"txid"`
}

// PeerListResult is the result of peer_list. Connected lists room members,
// Transport every peer with an open connection.
type PeerListResult struct {
	Self      string                `json:"self"`
	Connected []string              `json:"connected"`
	Transport []string              `json:"transport,omitempty"`
	Known     []*storage.PeerRecord `json:"known,omitempty"`
}

// PeerConnectParams are the params of peer_connect.
type PeerConnectParams struct {
	Addr string `json:"addr"`
}

// PeerConnectResult is the result of peer_connect.
type PeerConnectResult struct {
	Addr      string `json:"addr"`
	Connected bool   `json:"connected"`
}

// WalletInfoResult is the result of wallet_info.
type WalletInfoResult struct {
	BTCPublicKey string `json:"btcPublicKey"`
	BTCAddress   string `json:"btcAddress"`
	BTCBalance   int64  `json:"btcBalance"`
	ETHAddress   string `json:"ethAddress"`
	ETHBalance   string `json:"ethBalance"`
}

func (s *Server) swapOpen(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var sw flow.Swap
	if err := decodeParams(params, &sw); err != nil {
		return nil, err
	}
	f, err := s.swaps.Open(sw)
	if err != nil {
		return nil, err
	}
	return f.Snapshot(), nil
}

func (s *Server) swapList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p SwapListParams
	if len(params) > 0 {
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
	}

	result := SwapListResult{Swaps: s.swaps.List()}
	if !p.IncludeArchived {
		return result, nil
	}

	recs, err := s.swaps.Records(p.Limit, true)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		if !rec.Archived() {
			continue
		}
		archivedAt := rec.ArchivedAt
		result.Archived = append(result.Archived, SwapRecord{
			SwapID:     rec.SwapID,
			Flow:       rec.Flow,
			Step:       rec.Step,
			Status:     rec.Status,
			Error:      rec.Error,
			UpdatedAt:  rec.UpdatedAt,
			ArchivedAt: &archivedAt,
		})
	}
	return result, nil
}

func (s *Server) swapStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := swapID(params)
	if err != nil {
		return nil, err
	}
	f, err := s.swaps.Get(id)
	if err != nil {
		return nil, err
	}
	return f.Snapshot(), nil
}

func (s *Server) swapRecheckBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := swapID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.RecheckBalance(id); err != nil {
		return nil, err
	}
	return s.actionResult(id)
}

func (s *Server) swapResume(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := swapID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.Resume(id); err != nil {
		return nil, err
	}
	return s.actionResult(id)
}

func (s *Server) swapRefund(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := swapID(params)
	if err != nil {
		return nil, err
	}
	txID, err := s.swaps.Refund(ctx, id)
	if err != nil {
		return nil, err
	}
	return SwapRefundResult{SwapID: id, TxID: txID}, nil
}

func (s *Server) swapAbandon(ctx context.Context, params json.RawMessage) (interface{}, error) {
	id, err := swapID(params)
	if err != nil {
		return nil, err
	}
	if err := s.swaps.Abandon(ctx, id); err != nil {
		return nil, err
	}
	return s.actionResult(id)
}

func (s *Server) peerList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	result := PeerListResult{Connected: []string{}}
	if s.room != nil {
		result.Self = s.room.PeerID()
		result.Connected = s.room.Peers()
	}
	if s.network != nil {
		for _, p := range s.network.ConnectedPeers() {
			result.Transport = append(result.Transport, p.String())
		}
	}
	if s.known != nil {
		known, err := s.known.ListPeers(100)
		if err != nil {
			return nil, err
		}
		result.Known = known
	}
	return result, nil
}

func (s *Server) peerConnect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p PeerConnectParams
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.Addr == "" {
		return nil, &Error{Code: InvalidParams, Message: "addr is required"}
	}
	if s.network == nil {
		return nil, &Error{Code: InternalError, Message: "p2p network not available"}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := s.network.ConnectByAddr(ctx, p.Addr); err != nil {
		return nil, err
	}
	s.log.Info("Connected to peer", "addr", p.Addr)
	return PeerConnectResult{Addr: p.Addr, Connected: true}, nil
}

func (s *Server) walletInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var result WalletInfoResult
	if id := s.wallet.Identity; id != nil {
		result.BTCPublicKey = id.PublicKey()
		result.BTCAddress = id.Address()
		if s.wallet.BTC != nil {
			sats, err := s.wallet.BTC.GetBalance(ctx, result.BTCAddress)
			if err != nil {
				return nil, err
			}
			result.BTCBalance = sats
		}
	}
	if eth := s.wallet.ETH; eth != nil {
		result.ETHAddress = eth.Address()
		wei, err := eth.AccountBalance(ctx)
		if err != nil {
			return nil, err
		}
		result.ETHBalance = wei.String()
	}
	return result, nil
}

func (s *Server) actionResult(id string) (interface{}, error) {
	f, err := s.swaps.Get(id)
	if err != nil {
		return nil, err
	}
	return SwapActionResult{SwapID: id, Status: f.Snapshot().Status}, nil
}

func decodeParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return &Error{Code: InvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &Error{Code: InvalidParams, Message: "invalid params", Data: err.Error()}
	}
	return nil
}

func swapID(params json.RawMessage) (string, error) {
	var p SwapIDParams
	if err := decodeParams(params, &p); err != nil {
		return "", err
	}
	if p.SwapID == "" {
		return "", &Error{Code: InvalidParams, Message: "swapId is required"}
	}
	return p.SwapID, nil
}

// toRPCError maps domain errors onto JSON-RPC error codes.
func toRPCError(err error) *Error {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := InternalError
	switch {
	case errors.Is(err, registry.ErrNotFound):
		code = NotFound
	case errors.Is(err, registry.ErrExists),
		errors.Is(err, flow.ErrInvalidSwap),
		errors.Is(err, flow.ErrUnknownFlow):
		code = InvalidParams
	case errors.Is(err, registry.ErrNotHalted),
		errors.Is(err, flow.ErrNotParked),
		errors.Is(err, flow.ErrRunning),
		errors.Is(err, flow.ErrClosed),
		errors.Is(err, flow.ErrNothingToRefund),
		errors.Is(err, flow.ErrAlreadyRefunded):
		code = InvalidState
	}
	return &Error{Code: code, Message: err.Error()}
}
