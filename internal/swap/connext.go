package swap

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// Connext errors
var (
	ErrInvalidTokenAddress = errors.New("invalid token address")
	ErrTransferNotFound    = errors.New("transfer not found")
)

// connextPollInterval is how often expected incoming transfers are checked.
const connextPollInterval = 2 * time.Second

// ethAssetID is the asset id connext uses for the chain's native coin.
const ethAssetID = "0x0000000000000000000000000000000000000000"

// ConnextClient executes swap legs as hashlock transfers through a connext
// node. One client serves every currency with a registered token address.
type ConnextClient struct {
	baseURL    string
	httpClient *http.Client
	log        *logging.Logger

	mu       sync.RWMutex
	status   ClientStatus
	identity string
	assets   map[string]string // currency -> token address
	expected map[string]expectedTransfer
	accepted chan HtlcAccepted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// expectedTransfer is an incoming swap leg registered with AddInvoice,
// waiting for the counterparty's hashlock transfer to show up.
type expectedTransfer struct {
	currency string
	amount   uint64
}

// NewConnextClient creates a connext swap client.
func NewConnextClient(cfg *config.ConnextConfig) *ConnextClient {
	status := ClientNotInitialized
	if cfg.Disable {
		status = ClientDisabled
	}
	return &ConnextClient{
		baseURL:    strings.TrimSuffix(cfg.Host, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        logging.GetDefault().Component("connext"),
		status:     status,
		assets:     make(map[string]string),
		expected:   make(map[string]expectedTransfer),
		accepted:   make(chan HtlcAccepted, 32),
	}
}

// AddCurrency registers a currency served by this client. An empty token
// address means the chain's native coin.
func (c *ConnextClient) AddCurrency(currency, tokenAddress string) error {
	if tokenAddress == "" {
		tokenAddress = ethAssetID
	}
	if !common.IsHexAddress(tokenAddress) {
		return fmt.Errorf("%w: %q", ErrInvalidTokenAddress, tokenAddress)
	}
	c.mu.Lock()
	c.assets[currency] = common.HexToAddress(tokenAddress).Hex()
	c.mu.Unlock()
	return nil
}

// Start verifies the connection and begins polling for expected transfers.
func (c *ConnextClient) Start(ctx context.Context) error {
	if c.Status() == ClientDisabled {
		return nil
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.verifyConnection(c.ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(connextPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				c.pollExpectedTransfers(c.ctx)
			}
		}
	}()
	return nil
}

// Close stops the client's background work.
func (c *ConnextClient) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return nil
}

// Status returns the current connection state.
func (c *ConnextClient) Status() ClientStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *ConnextClient) setStatus(s ClientStatus) {
	c.mu.Lock()
	old := c.status
	c.status = s
	c.mu.Unlock()
	if old != s {
		c.log.Info("connext status changed", "from", old, "to", s)
	}
}

// Currencies returns the currencies with a registered token address.
func (c *ConnextClient) Currencies() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	currencies := make([]string, 0, len(c.assets))
	for currency := range c.assets {
		currencies = append(currencies, currency)
	}
	return currencies
}

func (c *ConnextClient) assetID(currency string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	assetID, ok := c.assets[currency]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrClientNotFound, currency)
	}
	return assetID, nil
}

func (c *ConnextClient) verifyConnection(ctx context.Context) {
	var cfg struct {
		PublicIdentifier string `json:"publicIdentifier"`
		SignerAddress    string `json:"signerAddress"`
	}
	if err := c.get(ctx, "/config", &cfg); err != nil {
		c.log.Warn("connext node unreachable", "error", err)
		c.setStatus(ClientDisconnected)
		return
	}
	c.mu.Lock()
	c.identity = cfg.PublicIdentifier
	c.mu.Unlock()
	c.setStatus(ClientConnectionVerified)
}

// Destination returns our connext public identifier.
func (c *ConnextClient) Destination(ctx context.Context, currency string) (string, error) {
	c.mu.RLock()
	identity := c.identity
	c.mu.RUnlock()
	if identity != "" {
		return identity, nil
	}

	c.verifyConnection(ctx)
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.identity == "" {
		return "", ErrClientOffline
	}
	return c.identity, nil
}

// AddInvoice records an expected incoming hashlock transfer. Connext has no
// invoices; the poll loop raises the accepted event when the counterparty's
// transfer for the lock hash appears.
func (c *ConnextClient) AddInvoice(ctx context.Context, rHash, currency string, amount uint64, cltvExpiry uint32) error {
	if _, err := c.assetID(currency); err != nil {
		return err
	}
	c.mu.Lock()
	c.expected[strings.ToLower(rHash)] = expectedTransfer{currency: currency, amount: amount}
	c.mu.Unlock()
	return nil
}

// SettleInvoice resolves the incoming hashlock transfer with the preimage.
func (c *ConnextClient) SettleInvoice(ctx context.Context, rHash, rPreimage string) error {
	lockHash, err := toLockHash(rHash)
	if err != nil {
		return err
	}
	preimage, err := toLockHash(rPreimage)
	if err != nil {
		return err
	}

	defer c.forgetExpected(rHash)
	return c.post(ctx, "/hashlock-resolve", map[string]interface{}{
		"lockHash": lockHash,
		"preImage": preimage,
	}, nil)
}

// RemoveInvoice stops waiting for the incoming transfer.
func (c *ConnextClient) RemoveInvoice(ctx context.Context, rHash string) error {
	c.forgetExpected(rHash)
	return nil
}

func (c *ConnextClient) forgetExpected(rHash string) {
	c.mu.Lock()
	delete(c.expected, strings.ToLower(rHash))
	c.mu.Unlock()
}

// connextTransfer is the transfer state returned by the node.
type connextTransfer struct {
	TransferID string `json:"transferId"`
	AssetID    string `json:"assetId"`
	Amount     string `json:"amount"`
	LockHash   string `json:"lockHash"`
	PreImage   string `json:"preImage,omitempty"`
	Resolved   bool   `json:"resolved"`
	Canceled   bool   `json:"canceled"`
	Incoming   bool   `json:"incoming"`
}

func (c *ConnextClient) lookupTransfer(ctx context.Context, rHash string) (*connextTransfer, error) {
	lockHash, err := toLockHash(rHash)
	if err != nil {
		return nil, err
	}
	var transfer connextTransfer
	if err := c.get(ctx, "/hashlock-transfer/"+lockHash, &transfer); err != nil {
		return nil, err
	}
	return &transfer, nil
}

func (c *ConnextClient) pollExpectedTransfers(ctx context.Context) {
	c.mu.RLock()
	pending := make(map[string]expectedTransfer, len(c.expected))
	for rHash, exp := range c.expected {
		pending[rHash] = exp
	}
	c.mu.RUnlock()

	for rHash, exp := range pending {
		transfer, err := c.lookupTransfer(ctx, rHash)
		if err != nil || !transfer.Incoming || transfer.Resolved || transfer.Canceled {
			continue
		}
		amount, err := strconv.ParseUint(transfer.Amount, 10, 64)
		if err != nil || amount < exp.amount {
			continue
		}

		c.forgetExpected(rHash)
		select {
		case c.accepted <- HtlcAccepted{RHash: rHash, Currency: exp.currency, Amount: amount}:
		case <-ctx.Done():
			return
		}
	}
}

// SendPayment creates an outgoing hashlock transfer and blocks until the
// counterparty resolves it, returning the revealed preimage.
func (c *ConnextClient) SendPayment(ctx context.Context, req SendPaymentRequest) (string, error) {
	assetID, err := c.assetID(req.Currency)
	if err != nil {
		return "", &FinalPaymentError{Err: err}
	}
	lockHash, err := toLockHash(req.RHash)
	if err != nil {
		return "", &FinalPaymentError{Err: err}
	}

	body := map[string]interface{}{
		"amount":    strconv.FormatUint(req.Amount, 10),
		"assetId":   assetID,
		"lockHash":  lockHash,
		"timelock":  strconv.FormatUint(uint64(req.CltvLimit), 10),
		"recipient": req.Destination,
	}
	if err := c.post(ctx, "/hashlock-transfer", body, nil); err != nil {
		return "", &UnknownPaymentError{Err: err}
	}

	// The transfer is locked; wait for the recipient to reveal the
	// preimage by resolving it.
	ticker := time.NewTicker(connextPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", &UnknownPaymentError{Err: ctx.Err()}
		case <-ticker.C:
			transfer, err := c.lookupTransfer(ctx, req.RHash)
			if err != nil {
				continue
			}
			if transfer.Canceled {
				return "", &FinalPaymentError{Err: errors.New("transfer was canceled")}
			}
			if transfer.Resolved && transfer.PreImage != "" {
				return strings.TrimPrefix(transfer.PreImage, "0x"), nil
			}
		}
	}
}

// LookupPayment reports the state of an outgoing hashlock transfer.
func (c *ConnextClient) LookupPayment(ctx context.Context, rHash, currency string) (PaymentStatus, string, error) {
	transfer, err := c.lookupTransfer(ctx, rHash)
	if errors.Is(err, ErrTransferNotFound) {
		return PaymentNonExistent, "", nil
	}
	if err != nil {
		return PaymentNonExistent, "", err
	}

	switch {
	case transfer.Resolved && transfer.PreImage != "":
		return PaymentSucceeded, strings.TrimPrefix(transfer.PreImage, "0x"), nil
	case transfer.Canceled:
		return PaymentFailed, "", nil
	default:
		return PaymentPending, "", nil
	}
}

// ChannelBalance returns the channel balance for a currency's asset.
func (c *ConnextClient) ChannelBalance(ctx context.Context, currency string) (ChannelBalance, error) {
	assetID, err := c.assetID(currency)
	if err != nil {
		return ChannelBalance{}, err
	}

	var result struct {
		FreeBalanceOffChain   string `json:"freeBalanceOffChain"`
		NodeFreeBalanceOffChain string `json:"nodeFreeBalanceOffChain"`
	}
	if err := c.get(ctx, "/balance/"+assetID, &result); err != nil {
		return ChannelBalance{}, err
	}
	local, _ := strconv.ParseUint(result.FreeBalanceOffChain, 10, 64)
	remote, _ := strconv.ParseUint(result.NodeFreeBalanceOffChain, 10, 64)
	return ChannelBalance{Local: local, Remote: remote}, nil
}

// OpenChannel requests collateral for the currency's asset; connext has no
// discrete channels to open, the node collateralizes our side instead.
func (c *ConnextClient) OpenChannel(ctx context.Context, req OpenChannelRequest) error {
	assetID, err := c.assetID(req.Currency)
	if err != nil {
		return err
	}
	return c.post(ctx, "/request-collateral", map[string]interface{}{
		"assetId": assetID,
		"amount":  strconv.FormatUint(req.Amount, 10),
	}, nil)
}

// CloseChannel withdraws balance from the state channel to an on-chain
// address. A zero amount withdraws the full local balance.
func (c *ConnextClient) CloseChannel(ctx context.Context, req CloseChannelRequest) error {
	assetID, err := c.assetID(req.Currency)
	if err != nil {
		return err
	}

	amount := req.Amount
	if amount == 0 {
		balance, err := c.ChannelBalance(ctx, req.Currency)
		if err != nil {
			return fmt.Errorf("failed to look up withdrawable balance: %w", err)
		}
		amount = balance.Local
	}
	if amount == 0 {
		return errors.New("no balance to withdraw")
	}

	return c.post(ctx, "/withdraw", map[string]interface{}{
		"assetId":   assetID,
		"amount":    strconv.FormatUint(amount, 10),
		"recipient": req.Destination,
	}, nil)
}

// Deposit requests a deposit address for the currency's channel collateral.
func (c *ConnextClient) Deposit(ctx context.Context, currency string) (string, error) {
	assetID, err := c.assetID(currency)
	if err != nil {
		return "", err
	}
	var result struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/deposit", map[string]interface{}{"assetId": assetID}, &result); err != nil {
		return "", err
	}
	return result.Address, nil
}

// HtlcAccepted delivers detected incoming hashlock transfers.
func (c *ConnextClient) HtlcAccepted() <-chan HtlcAccepted {
	return c.accepted
}

func (c *ConnextClient) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *ConnextClient) post(ctx context.Context, path string, body, result interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *ConnextClient) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrTransferNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("connext returned status %d: %s", resp.StatusCode, string(body))
	}
	if result == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(result)
}

// toLockHash converts a hex string to the 0x-prefixed form connext expects.
func toLockHash(s string) (string, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return "", fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return hexutil.Encode(raw), nil
}

var _ SwapClient = (*ConnextClient)(nil)
