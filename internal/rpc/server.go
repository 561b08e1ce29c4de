// Package rpc provides the JSON-RPC 2.0 and websocket API of the opendex
// daemon.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/alerts"
	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/internal/storage"
	"github.com/opendex-network/opendexd/internal/swap"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// OrderBook is the order book surface the RPC handlers use.
type OrderBook interface {
	PlaceLimitOrder(o *orderbook.Order) (*orderbook.PlaceOrderResult, error)
	PlaceMarketOrder(o *orderbook.Order) (*orderbook.PlaceOrderResult, error)
	RemoveOwnOrderByLocalID(pairID, localID string) (*orderbook.Order, error)
	ListOrders(pairID string) ([]orderbook.Order, error)
	AddPair(pairID string) error
	RemovePair(pairID string) error
	Pairs() []string
	Events() <-chan orderbook.Event
}

// PeerPool is the peer pool surface the RPC handlers use.
type PeerPool interface {
	PubKey() string
	Peers() []*p2p.Peer
	AddOutbound(ctx context.Context, uri p2p.NodeURI, retry bool) (*p2p.Peer, error)
	BanNode(pubKey string) error
	UnbanNode(ctx context.Context, pubKey string, reconnect bool) error
	SetPairs(pairs []string)
}

// ChannelManager is the channel management surface the RPC handlers use,
// implemented by the swap engine.
type ChannelManager interface {
	ChannelBalance(ctx context.Context, currency string) (swap.ChannelBalance, error)
	OpenChannel(ctx context.Context, req swap.OpenChannelRequest) error
	CloseChannel(ctx context.Context, req swap.CloseChannelRequest) error
	Deposit(ctx context.Context, currency string) (string, error)
}

// Deps are the components the server exposes over RPC.
type Deps struct {
	Store    *storage.Storage
	Book     OrderBook
	Pool     PeerPool
	Channels ChannelManager

	SwapResults <-chan swap.Result
	Alerts      <-chan alerts.Alert

	Version string
	Network string

	// Shutdown is invoked by the shutdown method; it must not block.
	Shutdown func()
}

// Server is the JSON-RPC 2.0 server with a websocket event stream at /ws.
type Server struct {
	deps  Deps
	log   *logging.Logger
	wsHub *WSHub

	server   *http.Server
	listener net.Listener

	handlers map[string]Handler
	mu       sync.RWMutex

	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// Handler is a JSON-RPC method handler.
type Handler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Standard JSON-RPC 2.0 error codes.
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// NewServer creates the RPC server.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:     deps,
		log:      logging.GetDefault().Component("rpc"),
		handlers: make(map[string]Handler),
	}
	s.registerHandlers()
	return s
}

func (s *Server) registerHandlers() {
	s.handlers["getInfo"] = s.getInfo
	s.handlers["shutdown"] = s.shutdown

	s.handlers["connect"] = s.connect
	s.handlers["ban"] = s.ban
	s.handlers["unban"] = s.unban
	s.handlers["listPeers"] = s.listPeers

	s.handlers["placeOrder"] = s.placeOrder
	s.handlers["placeOrderSync"] = s.placeOrderSync
	s.handlers["removeOrder"] = s.removeOrder
	s.handlers["listOrders"] = s.listOrders

	s.handlers["listPairs"] = s.listPairs
	s.handlers["addPair"] = s.addPair
	s.handlers["removePair"] = s.removePair

	s.handlers["listCurrencies"] = s.listCurrencies
	s.handlers["addCurrency"] = s.addCurrency
	s.handlers["removeCurrency"] = s.removeCurrency

	s.handlers["channelBalance"] = s.channelBalance
	s.handlers["openChannel"] = s.openChannel
	s.handlers["closeChannel"] = s.closeChannel
	s.handlers["deposit"] = s.deposit
}

// Start binds the server and begins serving requests and websocket events.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.startedAt = time.Now()

	s.wsHub = NewWSHub()
	go s.wsHub.Run()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.pumpEvents(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", s.handleRPC)
	mux.HandleFunc("POST /{$}", s.handleRPC)
	mux.HandleFunc("GET /ws", s.handleWS)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("rpc server error", "error", err)
		}
	}()

	s.log.Info("rpc server started", "addr", listener.Addr(), "ws", "/ws")
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	if s.wsHub != nil {
		s.wsHub.Stop()
	}
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// WSHub returns the websocket hub.
func (s *Server) WSHub() *WSHub {
	return s.wsHub
}

// pumpEvents forwards order book activity, swap results and alerts to the
// websocket hub.
func (s *Server) pumpEvents(ctx context.Context) {
	defer s.wg.Done()

	var bookEvents <-chan orderbook.Event
	if s.deps.Book != nil {
		bookEvents = s.deps.Book.Events()
	}

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-bookEvents:
			if !ok {
				bookEvents = nil
				continue
			}
			eventType := EventOrderAdded
			if event.Kind == orderbook.EventOrderRemoved {
				eventType = EventOrderRemoved
			}
			s.wsHub.Broadcast(eventType, map[string]interface{}{
				"order":    orderToInfo(&event.Order),
				"quantity": event.Quantity,
			})

		case result, ok := <-s.deps.SwapResults:
			if !ok {
				return
			}
			eventType := EventSwapSuccess
			if !result.Success {
				eventType = EventSwapFailure
			}
			s.wsHub.Broadcast(eventType, map[string]interface{}{
				"rHash":         result.RHash,
				"orderId":       result.OrderID,
				"pairId":        result.PairID,
				"peerPubKey":    result.PeerPubKey,
				"quantity":      result.Quantity,
				"role":          result.Role.String(),
				"failureReason": string(result.Failure),
			})

		case alert, ok := <-s.deps.Alerts:
			if !ok {
				return
			}
			s.wsHub.Broadcast(EventAlert, alert)
		}
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, nil, ParseError, "Parse error", nil)
		return
	}
	if req.JSONRPC != "2.0" {
		s.writeError(w, req.ID, InvalidRequest, "Invalid Request", nil)
		return
	}

	s.mu.RLock()
	handler, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		s.writeError(w, req.ID, MethodNotFound, "Method not found", req.Method)
		return
	}

	result, err := handler(r.Context(), req.Params)
	if err != nil {
		if rpcErr, ok := err.(*Error); ok {
			s.writeError(w, req.ID, rpcErr.Code, rpcErr.Message, rpcErr.Data)
			return
		}
		s.writeError(w, req.ID, InternalError, err.Error(), nil)
		return
	}
	s.writeResult(w, req.ID, result)
}

func (s *Server) writeResult(w http.ResponseWriter, id interface{}, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{JSONRPC: "2.0", Result: result, ID: id})
}

func (s *Server) writeError(w http.ResponseWriter, id interface{}, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message, Data: data},
		ID:      id,
	})
}

// Error implements the error interface so handlers can return typed
// JSON-RPC errors.
func (e *Error) Error() string {
	return e.Message
}

func invalidParams(format string, args ...interface{}) *Error {
	return &Error{Code: InvalidParams, Message: fmt.Sprintf(format, args...)}
}
