package swap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// LndClient talks to one lnd node over its REST proxy and serves a single
// Lightning currency.
type LndClient struct {
	currency   string
	baseURL    string
	macaroon   string
	cltvDelta  uint32
	httpClient *http.Client
	log        *logging.Logger

	mu       sync.RWMutex
	status   ClientStatus
	pubKey   string
	accepted chan HtlcAccepted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewLndClient creates an lnd swap client for one currency.
func NewLndClient(currency string, cfg *config.LndConfig) (*LndClient, error) {
	macaroon := ""
	if cfg.MacaroonPath != "" {
		raw, err := os.ReadFile(config.ExpandPath(cfg.MacaroonPath))
		if err != nil {
			return nil, fmt.Errorf("failed to read macaroon for %s: %w", currency, err)
		}
		macaroon = hex.EncodeToString(raw)
	}

	status := ClientNotInitialized
	if cfg.Disable {
		status = ClientDisabled
	}

	return &LndClient{
		currency:  currency,
		baseURL:   strings.TrimSuffix(cfg.Host, "/"),
		macaroon:  macaroon,
		cltvDelta: cfg.CltvDelta,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				// lnd's REST proxy uses a self-signed certificate.
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
		log:      logging.GetDefault().Component("lnd." + strings.ToLower(currency)),
		status:   status,
		accepted: make(chan HtlcAccepted, 32),
	}, nil
}

// CltvDelta returns the timelock delta required on incoming htlcs.
func (l *LndClient) CltvDelta() uint32 {
	return l.cltvDelta
}

// Start verifies the connection and begins the periodic status check.
func (l *LndClient) Start(ctx context.Context) error {
	if l.Status() == ClientDisabled {
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.verifyConnection(l.ctx)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-l.ctx.Done():
				return
			case <-ticker.C:
				l.verifyConnection(l.ctx)
			}
		}
	}()
	return nil
}

// Close stops the client's background work.
func (l *LndClient) Close() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	return nil
}

// Status returns the current connection state.
func (l *LndClient) Status() ClientStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status
}

func (l *LndClient) setStatus(s ClientStatus) {
	l.mu.Lock()
	old := l.status
	l.status = s
	l.mu.Unlock()
	if old != s {
		l.log.Info("lnd status changed", "from", old, "to", s)
	}
}

// Currencies returns the single currency this client serves.
func (l *LndClient) Currencies() []string {
	return []string{l.currency}
}

// lndInfo is the subset of GET /v1/getinfo we use.
type lndInfo struct {
	IdentityPubkey string `json:"identity_pubkey"`
	SyncedToChain  bool   `json:"synced_to_chain"`
	BlockHeight    uint32 `json:"block_height"`
	Version        string `json:"version"`
}

func (l *LndClient) verifyConnection(ctx context.Context) {
	var info lndInfo
	if err := l.get(ctx, "/v1/getinfo", &info); err != nil {
		l.log.Warn("lnd unreachable", "error", err)
		l.setStatus(ClientDisconnected)
		return
	}

	l.mu.Lock()
	l.pubKey = info.IdentityPubkey
	l.mu.Unlock()

	if !info.SyncedToChain {
		l.setStatus(ClientOutOfSync)
		return
	}
	l.setStatus(ClientConnectionVerified)
}

// Destination returns the lnd identity pubkey peers should pay.
func (l *LndClient) Destination(ctx context.Context, currency string) (string, error) {
	l.mu.RLock()
	pubKey := l.pubKey
	l.mu.RUnlock()
	if pubKey != "" {
		return pubKey, nil
	}

	var info lndInfo
	if err := l.get(ctx, "/v1/getinfo", &info); err != nil {
		return "", fmt.Errorf("%w: %v", ErrClientOffline, err)
	}
	l.mu.Lock()
	l.pubKey = info.IdentityPubkey
	l.mu.Unlock()
	return info.IdentityPubkey, nil
}

// AddInvoice adds a hold invoice for rHash and subscribes to its updates.
func (l *LndClient) AddInvoice(ctx context.Context, rHash, currency string, amount uint64, cltvExpiry uint32) error {
	hash, err := hexToBase64(rHash)
	if err != nil {
		return fmt.Errorf("invalid rHash: %w", err)
	}

	body := map[string]interface{}{
		"hash":        hash,
		"value":       strconv.FormatUint(amount, 10),
		"cltv_expiry": strconv.FormatUint(uint64(cltvExpiry), 10),
	}
	if err := l.post(ctx, "/v2/invoices/hodl", body, nil); err != nil {
		return fmt.Errorf("failed to add hold invoice: %w", err)
	}

	if l.ctx != nil {
		l.wg.Add(1)
		go l.subscribeInvoice(rHash)
	}
	return nil
}

// SettleInvoice releases the held payment with the preimage.
func (l *LndClient) SettleInvoice(ctx context.Context, rHash, rPreimage string) error {
	preimage, err := hexToBase64(rPreimage)
	if err != nil {
		return fmt.Errorf("invalid preimage: %w", err)
	}
	return l.post(ctx, "/v2/invoices/settle", map[string]interface{}{"preimage": preimage}, nil)
}

// RemoveInvoice cancels the hold invoice.
func (l *LndClient) RemoveInvoice(ctx context.Context, rHash string) error {
	hash, err := hexToBase64(rHash)
	if err != nil {
		return fmt.Errorf("invalid rHash: %w", err)
	}
	return l.post(ctx, "/v2/invoices/cancel", map[string]interface{}{"payment_hash": hash}, nil)
}

// subscribeInvoice streams invoice updates for rHash and emits an
// HtlcAccepted event when the payment arrives.
func (l *LndClient) subscribeInvoice(rHash string) {
	defer l.wg.Done()

	raw, err := hex.DecodeString(rHash)
	if err != nil {
		return
	}
	path := "/v2/invoices/subscribe/" + base64.RawURLEncoding.EncodeToString(raw)

	req, err := http.NewRequestWithContext(l.ctx, "GET", l.baseURL+path, nil)
	if err != nil {
		return
	}
	l.setHeaders(req)

	resp, err := l.httpClient.Transport.RoundTrip(req)
	if err != nil {
		l.log.Warn("invoice subscription failed", "rHash", rHash, "error", err)
		return
	}
	defer resp.Body.Close()

	// The REST proxy streams one JSON object per line, wrapped in a
	// result envelope.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var update struct {
			Result struct {
				State    string `json:"state"`
				AmtPaid  string `json:"amt_paid_sat"`
			} `json:"result"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &update); err != nil {
			continue
		}
		switch update.Result.State {
		case "ACCEPTED":
			amount, _ := strconv.ParseUint(update.Result.AmtPaid, 10, 64)
			select {
			case l.accepted <- HtlcAccepted{RHash: rHash, Currency: l.currency, Amount: amount}:
			case <-l.ctx.Done():
				return
			}
		case "SETTLED", "CANCELED":
			return
		}
	}
}

// SendPayment pays a swap leg with SendPaymentSync, addressed directly to
// the destination pubkey with the payment hash of the deal.
func (l *LndClient) SendPayment(ctx context.Context, req SendPaymentRequest) (string, error) {
	dest, err := hexToBase64(req.Destination)
	if err != nil {
		return "", &FinalPaymentError{Err: fmt.Errorf("invalid destination: %w", err)}
	}
	hash, err := hexToBase64(req.RHash)
	if err != nil {
		return "", &FinalPaymentError{Err: fmt.Errorf("invalid rHash: %w", err)}
	}

	body := map[string]interface{}{
		"dest":             dest,
		"amt":              strconv.FormatUint(req.Amount, 10),
		"payment_hash":     hash,
		"final_cltv_delta": req.CltvLimit,
	}

	var result struct {
		PaymentError    string `json:"payment_error"`
		PaymentPreimage string `json:"payment_preimage"`
	}
	if err := l.post(ctx, "/v1/channels/transactions", body, &result); err != nil {
		// The request may have reached lnd; the payment could still be
		// in flight.
		return "", &UnknownPaymentError{Err: err}
	}
	if result.PaymentError != "" {
		return "", &FinalPaymentError{Err: fmt.Errorf("%s", result.PaymentError)}
	}

	preimage, err := base64.StdEncoding.DecodeString(result.PaymentPreimage)
	if err != nil {
		return "", &UnknownPaymentError{Err: fmt.Errorf("bad preimage in response: %w", err)}
	}
	return hex.EncodeToString(preimage), nil
}

// LookupPayment reports the outcome of a previously sent payment using the
// router's payment tracker.
func (l *LndClient) LookupPayment(ctx context.Context, rHash, currency string) (PaymentStatus, string, error) {
	raw, err := hex.DecodeString(rHash)
	if err != nil {
		return PaymentNonExistent, "", fmt.Errorf("invalid rHash: %w", err)
	}
	path := "/v2/router/track/" + base64.RawURLEncoding.EncodeToString(raw) + "?no_inflight_updates=true"

	req, err := http.NewRequestWithContext(ctx, "GET", l.baseURL+path, nil)
	if err != nil {
		return PaymentNonExistent, "", err
	}
	l.setHeaders(req)

	resp, err := l.httpClient.Transport.RoundTrip(req)
	if err != nil {
		return PaymentNonExistent, "", fmt.Errorf("%w: %v", ErrClientOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return PaymentNonExistent, "", nil
	}

	var update struct {
		Result struct {
			Status          string `json:"status"`
			PaymentPreimage string `json:"payment_preimage"`
		} `json:"result"`
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(bufio.NewReader(resp.Body)).Decode(&update); err != nil {
		return PaymentNonExistent, "", fmt.Errorf("failed to decode payment status: %w", err)
	}
	if update.Error.Message != "" {
		if strings.Contains(update.Error.Message, "payment isn't initiated") {
			return PaymentNonExistent, "", nil
		}
		return PaymentNonExistent, "", fmt.Errorf("%s", update.Error.Message)
	}

	switch update.Result.Status {
	case "SUCCEEDED":
		return PaymentSucceeded, update.Result.PaymentPreimage, nil
	case "IN_FLIGHT":
		return PaymentPending, "", nil
	case "FAILED":
		return PaymentFailed, "", nil
	default:
		return PaymentNonExistent, "", nil
	}
}

// ChannelBalance returns the aggregate channel balance.
func (l *LndClient) ChannelBalance(ctx context.Context, currency string) (ChannelBalance, error) {
	var result struct {
		LocalBalance struct {
			Sat string `json:"sat"`
		} `json:"local_balance"`
		RemoteBalance struct {
			Sat string `json:"sat"`
		} `json:"remote_balance"`
		UnsettledLocalBalance struct {
			Sat string `json:"sat"`
		} `json:"unsettled_local_balance"`
		PendingOpenLocalBalance struct {
			Sat string `json:"sat"`
		} `json:"pending_open_local_balance"`
	}
	if err := l.get(ctx, "/v1/balance/channels", &result); err != nil {
		return ChannelBalance{}, err
	}
	local, _ := strconv.ParseUint(result.LocalBalance.Sat, 10, 64)
	remote, _ := strconv.ParseUint(result.RemoteBalance.Sat, 10, 64)
	inactive, _ := strconv.ParseUint(result.UnsettledLocalBalance.Sat, 10, 64)
	pendingOpen, _ := strconv.ParseUint(result.PendingOpenLocalBalance.Sat, 10, 64)
	return ChannelBalance{
		Local:       local,
		Remote:      remote,
		Inactive:    inactive,
		PendingOpen: pendingOpen,
	}, nil
}

// OpenChannel opens a channel to the node, waiting for the funding
// transaction to publish.
func (l *LndClient) OpenChannel(ctx context.Context, req OpenChannelRequest) error {
	pubKey, err := hexToBase64(req.NodeIdentifier)
	if err != nil {
		return fmt.Errorf("invalid node pubkey: %w", err)
	}
	body := map[string]interface{}{
		"node_pubkey":          pubKey,
		"local_funding_amount": strconv.FormatUint(req.Amount, 10),
		"push_sat":             strconv.FormatUint(req.PushAmount, 10),
	}
	if err := l.post(ctx, "/v1/channels", body, nil); err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	return nil
}

// CloseChannel closes every channel with the destination node.
func (l *LndClient) CloseChannel(ctx context.Context, req CloseChannelRequest) error {
	raw, err := hex.DecodeString(req.Destination)
	if err != nil {
		return fmt.Errorf("invalid node pubkey: %w", err)
	}

	var result struct {
		Channels []struct {
			ChannelPoint string `json:"channel_point"`
		} `json:"channels"`
	}
	path := "/v1/channels?peer=" + base64.RawURLEncoding.EncodeToString(raw)
	if err := l.get(ctx, path, &result); err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}
	if len(result.Channels) == 0 {
		return fmt.Errorf("no channels with node %s", req.Destination)
	}

	for _, channel := range result.Channels {
		txid, index, found := strings.Cut(channel.ChannelPoint, ":")
		if !found {
			return fmt.Errorf("malformed channel point %q", channel.ChannelPoint)
		}
		closePath := fmt.Sprintf("/v1/channels/%s/%s?force=%t", txid, index, req.Force)
		httpReq, err := http.NewRequestWithContext(ctx, "DELETE", l.baseURL+closePath, nil)
		if err != nil {
			return err
		}
		l.setHeaders(httpReq)
		if err := l.do(httpReq, nil); err != nil {
			return fmt.Errorf("failed to close channel %s: %w", channel.ChannelPoint, err)
		}
	}
	return nil
}

// Deposit returns a fresh on-chain address from lnd's wallet.
func (l *LndClient) Deposit(ctx context.Context, currency string) (string, error) {
	var result struct {
		Address string `json:"address"`
	}
	if err := l.get(ctx, "/v1/newaddress", &result); err != nil {
		return "", fmt.Errorf("failed to get deposit address: %w", err)
	}
	return result.Address, nil
}

// HtlcAccepted delivers accepted hold invoice payments.
func (l *LndClient) HtlcAccepted() <-chan HtlcAccepted {
	return l.accepted
}

func (l *LndClient) setHeaders(req *http.Request) {
	if l.macaroon != "" {
		req.Header.Set("Grpc-Metadata-macaroon", l.macaroon)
	}
}

func (l *LndClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", l.baseURL+path, nil)
	if err != nil {
		return err
	}
	l.setHeaders(req)
	return l.do(req, result)
}

func (l *LndClient) post(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", l.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	l.setHeaders(req)
	return l.do(req, result)
}

func (l *LndClient) do(req *http.Request, result interface{}) error {
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrInvoiceNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("lnd returned status %d: %s", resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// hexToBase64 re-encodes a hex string as the base64 lnd's REST proxy
// expects for bytes fields.
func hexToBase64(s string) (string, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

var _ SwapClient = (*LndClient)(nil)
