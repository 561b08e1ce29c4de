package rpc

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/internal/storage"
	"github.com/opendex-network/opendexd/internal/swap"
)

// OrderInfo is the JSON form of an order.
type OrderInfo struct {
	ID         string  `json:"id"`
	LocalID    string  `json:"localId,omitempty"`
	PairID     string  `json:"pairId"`
	Side       string  `json:"side"`
	Price      float64 `json:"price"`
	Quantity   int64   `json:"quantity"`
	Hold       int64   `json:"hold,omitempty"`
	IsOwn      bool    `json:"isOwn"`
	PeerPubKey string  `json:"peerPubKey,omitempty"`
	CreatedAt  int64   `json:"createdAt"`
}

func orderToInfo(o *orderbook.Order) OrderInfo {
	side := "sell"
	if o.IsBuy() {
		side = "buy"
	}
	info := OrderInfo{
		ID:        o.ID,
		PairID:    o.PairID,
		Side:      side,
		Price:     o.Price,
		Quantity:  o.AbsQuantity(),
		Hold:      o.Hold,
		IsOwn:     o.IsOwn,
		CreatedAt: o.CreatedAt,
	}
	if o.IsOwn {
		info.LocalID = o.LocalID
	} else {
		info.PeerPubKey = o.PeerPubKey
	}
	return info
}

// PeerInfo is the JSON form of a connected peer.
type PeerInfo struct {
	PubKey           string   `json:"pubKey"`
	Address          string   `json:"address"`
	Inbound          bool     `json:"inbound"`
	Version          string   `json:"version"`
	Pairs            []string `json:"pairs"`
	SecondsConnected int64    `json:"secondsConnected"`
}

func (s *Server) getInfo(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pairs := s.deps.Book.Pairs()

	var ownOrders, peerOrders int
	for _, pairID := range pairs {
		orders, err := s.deps.Book.ListOrders(pairID)
		if err != nil {
			continue
		}
		for _, o := range orders {
			if o.IsOwn {
				ownOrders++
			} else {
				peerOrders++
			}
		}
	}

	return map[string]interface{}{
		"version":    s.deps.Version,
		"network":    s.deps.Network,
		"nodePubKey": s.deps.Pool.PubKey(),
		"numPeers":   len(s.deps.Pool.Peers()),
		"pairs":      pairs,
		"orders": map[string]int{
			"own":  ownOrders,
			"peer": peerOrders,
		},
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
	}, nil
}

func (s *Server) shutdown(ctx context.Context, params json.RawMessage) (interface{}, error) {
	if s.deps.Shutdown == nil {
		return nil, &Error{Code: InternalError, Message: "shutdown not available"}
	}
	s.log.Info("shutdown requested over rpc")
	go s.deps.Shutdown()
	return map[string]bool{"ok": true}, nil
}

func (s *Server) connect(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodeURI         string `json:"nodeUri"`
		RetryConnecting bool   `json:"retryConnecting"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodeURI == "" {
		return nil, invalidParams("nodeUri is required")
	}

	uri, err := p2p.ParseURI(p.NodeURI)
	if err != nil {
		return nil, invalidParams("invalid node uri: %v", err)
	}

	peer, err := s.deps.Pool.AddOutbound(ctx, uri, p.RetryConnecting)
	if err != nil {
		return nil, err
	}
	return peerToInfo(peer), nil
}

func (s *Server) ban(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodePubKey string `json:"nodePubKey"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodePubKey == "" {
		return nil, invalidParams("nodePubKey is required")
	}
	if err := s.deps.Pool.BanNode(p.NodePubKey); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) unban(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		NodePubKey string `json:"nodePubKey"`
		Reconnect  bool   `json:"reconnect"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.NodePubKey == "" {
		return nil, invalidParams("nodePubKey is required")
	}
	if err := s.deps.Pool.UnbanNode(ctx, p.NodePubKey, p.Reconnect); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) listPeers(ctx context.Context, params json.RawMessage) (interface{}, error) {
	peers := s.deps.Pool.Peers()
	infos := make([]PeerInfo, 0, len(peers))
	for _, peer := range peers {
		infos = append(infos, peerToInfo(peer))
	}
	return map[string]interface{}{"peers": infos}, nil
}

func peerToInfo(peer *p2p.Peer) PeerInfo {
	return PeerInfo{
		PubKey:           peer.PubKey,
		Address:          peer.Address,
		Inbound:          peer.Inbound,
		Version:          peer.Version,
		Pairs:            peer.Pairs(),
		SecondsConnected: int64(time.Since(peer.ConnectedAt).Seconds()),
	}
}

type placeOrderParams struct {
	PairID   string  `json:"pairId"`
	Side     string  `json:"side"`
	Quantity int64   `json:"quantity"`
	Price    float64 `json:"price"`
	OrderID  string  `json:"orderId"`
}

func (s *Server) parseOrder(params json.RawMessage) (*orderbook.Order, bool, error) {
	var p placeOrderParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, false, invalidParams("invalid order params")
	}
	if p.PairID == "" {
		return nil, false, invalidParams("pairId is required")
	}
	if p.Quantity <= 0 {
		return nil, false, invalidParams("quantity must be positive")
	}

	quantity := p.Quantity
	switch strings.ToLower(p.Side) {
	case "buy":
	case "sell":
		quantity = -quantity
	default:
		return nil, false, invalidParams("side must be buy or sell")
	}

	order := &orderbook.Order{
		PairID:   p.PairID,
		Price:    p.Price,
		Quantity: quantity,
		LocalID:  p.OrderID,
	}
	return order, p.Price == 0, nil
}

// PlaceOrderResponse reports the outcome of a synchronous order placement.
type PlaceOrderResponse struct {
	InternalMatches []OrderInfo `json:"internalMatches"`
	SwapsSucceeded  []OrderInfo `json:"swapsSucceeded"`
	SwapsFailed     []OrderInfo `json:"swapsFailed"`
	Remaining       *OrderInfo  `json:"remainingOrder,omitempty"`
}

func placeResultToResponse(result *orderbook.PlaceOrderResult) *PlaceOrderResponse {
	resp := &PlaceOrderResponse{
		InternalMatches: []OrderInfo{},
		SwapsSucceeded:  []OrderInfo{},
		SwapsFailed:     []OrderInfo{},
	}
	for _, m := range result.InternalMatches {
		maker := m.Maker
		info := orderToInfo(&maker)
		info.Quantity = m.Quantity
		resp.InternalMatches = append(resp.InternalMatches, info)
	}
	for _, m := range result.SwapMatches {
		maker := m.Maker
		info := orderToInfo(&maker)
		info.Quantity = m.Quantity
		resp.SwapsSucceeded = append(resp.SwapsSucceeded, info)
	}
	for _, m := range result.FailedMatches {
		maker := m.Maker
		info := orderToInfo(&maker)
		info.Quantity = m.Quantity
		resp.SwapsFailed = append(resp.SwapsFailed, info)
	}
	if result.Remaining != nil {
		info := orderToInfo(result.Remaining)
		resp.Remaining = &info
	}
	return resp
}

// placeOrder places an order without waiting for matching and swaps to
// finish. Outcomes arrive as websocket events.
func (s *Server) placeOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	order, market, err := s.parseOrder(params)
	if err != nil {
		return nil, err
	}

	go func() {
		var err error
		if market {
			_, err = s.deps.Book.PlaceMarketOrder(order)
		} else {
			_, err = s.deps.Book.PlaceLimitOrder(order)
		}
		if err != nil {
			s.log.Warn("async order placement failed",
				"pair", order.PairID, "localId", order.LocalID, "error", err)
		}
	}()

	return map[string]bool{"accepted": true}, nil
}

// placeOrderSync places an order and blocks until all matching and swaps
// resolve.
func (s *Server) placeOrderSync(ctx context.Context, params json.RawMessage) (interface{}, error) {
	order, market, err := s.parseOrder(params)
	if err != nil {
		return nil, err
	}

	var result *orderbook.PlaceOrderResult
	if market {
		result, err = s.deps.Book.PlaceMarketOrder(order)
	} else {
		result, err = s.deps.Book.PlaceLimitOrder(order)
	}
	if err != nil {
		return nil, err
	}
	return placeResultToResponse(result), nil
}

func (s *Server) removeOrder(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		PairID  string `json:"pairId"`
		OrderID string `json:"orderId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.OrderID == "" || p.PairID == "" {
		return nil, invalidParams("pairId and orderId are required")
	}

	removed, err := s.deps.Book.RemoveOwnOrderByLocalID(p.PairID, p.OrderID)
	if err != nil {
		return nil, err
	}
	info := orderToInfo(removed)
	return map[string]interface{}{"order": info}, nil
}

func (s *Server) listOrders(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		PairID string `json:"pairId"`
	}
	if len(params) > 0 {
		json.Unmarshal(params, &p)
	}

	pairs := s.deps.Book.Pairs()
	if p.PairID != "" {
		pairs = []string{p.PairID}
	}

	orders := make(map[string][]OrderInfo, len(pairs))
	for _, pairID := range pairs {
		listed, err := s.deps.Book.ListOrders(pairID)
		if err != nil {
			return nil, err
		}
		infos := make([]OrderInfo, 0, len(listed))
		for i := range listed {
			infos = append(infos, orderToInfo(&listed[i]))
		}
		orders[pairID] = infos
	}
	return map[string]interface{}{"orders": orders}, nil
}

func (s *Server) listPairs(ctx context.Context, params json.RawMessage) (interface{}, error) {
	pairs, err := s.deps.Store.ListPairs()
	if err != nil {
		return nil, err
	}
	infos := make([]map[string]string, 0, len(pairs))
	for _, pair := range pairs {
		infos = append(infos, map[string]string{
			"id":            pair.ID,
			"baseCurrency":  pair.BaseCurrency,
			"quoteCurrency": pair.QuoteCurrency,
		})
	}
	return map[string]interface{}{"pairs": infos}, nil
}

func (s *Server) addPair(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		BaseCurrency  string `json:"baseCurrency"`
		QuoteCurrency string `json:"quoteCurrency"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.BaseCurrency == "" || p.QuoteCurrency == "" {
		return nil, invalidParams("baseCurrency and quoteCurrency are required")
	}

	pairID := p.BaseCurrency + "/" + p.QuoteCurrency
	if err := s.deps.Store.AddPair(&storage.Pair{
		ID:            pairID,
		BaseCurrency:  p.BaseCurrency,
		QuoteCurrency: p.QuoteCurrency,
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, err
	}
	if err := s.deps.Book.AddPair(pairID); err != nil {
		return nil, err
	}
	s.deps.Pool.SetPairs(s.deps.Book.Pairs())
	return map[string]string{"pairId": pairID}, nil
}

func (s *Server) removePair(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		PairID string `json:"pairId"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.PairID == "" {
		return nil, invalidParams("pairId is required")
	}

	if err := s.deps.Store.RemovePair(p.PairID); err != nil {
		return nil, err
	}
	if err := s.deps.Book.RemovePair(p.PairID); err != nil {
		return nil, err
	}
	s.deps.Pool.SetPairs(s.deps.Book.Pairs())
	return map[string]bool{"ok": true}, nil
}

func (s *Server) listCurrencies(ctx context.Context, params json.RawMessage) (interface{}, error) {
	currencies, err := s.deps.Store.ListCurrencies()
	if err != nil {
		return nil, err
	}
	infos := make([]map[string]interface{}, 0, len(currencies))
	for _, currency := range currencies {
		infos = append(infos, map[string]interface{}{
			"currency":      currency.ID,
			"swapClient":    currency.SwapClient,
			"tokenAddress":  currency.TokenAddress,
			"decimalPlaces": currency.DecimalPlaces,
		})
	}
	return map[string]interface{}{"currencies": infos}, nil
}

func (s *Server) addCurrency(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency      string `json:"currency"`
		SwapClient    string `json:"swapClient"`
		TokenAddress  string `json:"tokenAddress"`
		DecimalPlaces uint8  `json:"decimalPlaces"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	switch p.SwapClient {
	case "lnd", "connext":
	default:
		return nil, invalidParams("swapClient must be lnd or connext")
	}

	if err := s.deps.Store.AddCurrency(&storage.Currency{
		ID:            p.Currency,
		SwapClient:    p.SwapClient,
		TokenAddress:  p.TokenAddress,
		DecimalPlaces: p.DecimalPlaces,
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) channelBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	if s.deps.Channels == nil {
		return nil, &Error{Code: InternalError, Message: "channel management not available"}
	}
	balance, err := s.deps.Channels.ChannelBalance(ctx, p.Currency)
	if err != nil {
		return nil, err
	}
	return map[string]uint64{
		"local":       balance.Local,
		"remote":      balance.Remote,
		"inactive":    balance.Inactive,
		"pendingOpen": balance.PendingOpen,
	}, nil
}

func (s *Server) openChannel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency       string `json:"currency"`
		NodeIdentifier string `json:"nodeIdentifier"`
		Amount         uint64 `json:"amount"`
		PushAmount     uint64 `json:"pushAmount"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	if p.Amount == 0 {
		return nil, invalidParams("amount must be positive")
	}
	if s.deps.Channels == nil {
		return nil, &Error{Code: InternalError, Message: "channel management not available"}
	}
	if err := s.deps.Channels.OpenChannel(ctx, swap.OpenChannelRequest{
		Currency:       p.Currency,
		NodeIdentifier: p.NodeIdentifier,
		Amount:         p.Amount,
		PushAmount:     p.PushAmount,
	}); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) closeChannel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency    string `json:"currency"`
		Destination string `json:"destination"`
		Amount      uint64 `json:"amount"`
		Force       bool   `json:"force"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	if s.deps.Channels == nil {
		return nil, &Error{Code: InternalError, Message: "channel management not available"}
	}
	if err := s.deps.Channels.CloseChannel(ctx, swap.CloseChannelRequest{
		Currency:    p.Currency,
		Destination: p.Destination,
		Amount:      p.Amount,
		Force:       p.Force,
	}); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}

func (s *Server) deposit(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	if s.deps.Channels == nil {
		return nil, &Error{Code: InternalError, Message: "channel management not available"}
	}
	address, err := s.deps.Channels.Deposit(ctx, p.Currency)
	if err != nil {
		return nil, err
	}
	return map[string]string{"address": address}, nil
}

func (s *Server) removeCurrency(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p struct {
		Currency string `json:"currency"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.Currency == "" {
		return nil, invalidParams("currency is required")
	}
	if err := s.deps.Store.RemoveCurrency(p.Currency); err != nil {
		return nil, err
	}
	return map[string]bool{"ok": true}, nil
}
