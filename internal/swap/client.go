// Package swap executes atomic swaps for matched orders: two payment legs
// locked to the same preimage hash, driven over swap packets and settled
// through per-currency swap clients.
package swap

import (
	"context"
	"errors"
	"fmt"
)

// Swap client errors
var (
	ErrClientNotFound  = errors.New("no swap client for currency")
	ErrClientOffline   = errors.New("swap client is not connected")
	ErrInvoiceNotFound = errors.New("invoice not found")
)

// ClientStatus describes the connection state of a swap client.
type ClientStatus int

// Swap client statuses.
const (
	ClientDisabled ClientStatus = iota
	ClientNotInitialized
	ClientInitialized
	ClientConnectionVerified
	ClientDisconnected
	ClientOutOfSync
)

func (s ClientStatus) String() string {
	switch s {
	case ClientDisabled:
		return "Disabled"
	case ClientNotInitialized:
		return "NotInitialized"
	case ClientInitialized:
		return "Initialized"
	case ClientConnectionVerified:
		return "ConnectionVerified"
	case ClientDisconnected:
		return "Disconnected"
	case ClientOutOfSync:
		return "OutOfSync"
	default:
		return "Unknown"
	}
}

// PaymentStatus is the outcome of a payment lookup.
type PaymentStatus int

// Payment lookup outcomes.
const (
	PaymentNonExistent PaymentStatus = iota
	PaymentPending
	PaymentSucceeded
	PaymentFailed
)

func (s PaymentStatus) String() string {
	switch s {
	case PaymentPending:
		return "Pending"
	case PaymentSucceeded:
		return "Succeeded"
	case PaymentFailed:
		return "Failed"
	default:
		return "NonExistent"
	}
}

// FinalPaymentError marks a payment as definitively failed: no funds are in
// flight and held amounts may be released.
type FinalPaymentError struct {
	Err error
}

func (e *FinalPaymentError) Error() string {
	return fmt.Sprintf("payment failed: %v", e.Err)
}

func (e *FinalPaymentError) Unwrap() error { return e.Err }

// UnknownPaymentError marks a payment whose outcome could not be
// determined. The payment must never be retried; the deal goes to recovery
// instead.
type UnknownPaymentError struct {
	Err error
}

func (e *UnknownPaymentError) Error() string {
	return fmt.Sprintf("payment outcome unknown: %v", e.Err)
}

func (e *UnknownPaymentError) Unwrap() error { return e.Err }

// HtlcAccepted signals that an incoming payment for a hold invoice arrived
// and is waiting to be settled.
type HtlcAccepted struct {
	RHash    string
	Currency string
	Amount   uint64
}

// ChannelBalance is the trading balance of a currency.
type ChannelBalance struct {
	// Local is the amount we can send, Remote the amount we can receive.
	Local  uint64
	Remote uint64

	// Inactive is the local balance sitting in currently inactive
	// channels, PendingOpen the local balance in channels still opening.
	Inactive    uint64
	PendingOpen uint64
}

// OpenChannelRequest describes a channel to open with a node.
type OpenChannelRequest struct {
	Currency string

	// NodeIdentifier is the remote node's identifier for the backend: a
	// Lightning node pubkey or a state-channel counterparty identifier.
	NodeIdentifier string

	// Amount funds the channel from our side; PushAmount is handed to the
	// remote side on open.
	Amount     uint64
	PushAmount uint64
}

// CloseChannelRequest describes a channel close against a node.
type CloseChannelRequest struct {
	Currency string

	// Destination is the remote node identifier whose channels to close.
	Destination string

	// Amount is the amount to withdraw for backends without discrete
	// channels; zero means the full local balance.
	Amount uint64

	// Force breaks the channel unilaterally without the remote's
	// cooperation.
	Force bool
}

// SendPaymentRequest describes one outgoing swap payment leg.
type SendPaymentRequest struct {
	// RHash is the hex-encoded sha256 hash both legs are locked to.
	RHash string

	// Destination is the receiving node's payment destination for the
	// currency, as advertised in its handshake.
	Destination string

	Currency string
	Amount   uint64

	// CltvLimit is the timelock delta to use for the final hop.
	CltvLimit uint32
}

// SwapClient is one payment backend: lnd for Lightning currencies, connext
// for hashlock-transfer currencies. A client may serve several currencies.
type SwapClient interface {
	// Start verifies connectivity and begins delivering HtlcAccepted
	// events. It returns once the first status check completes.
	Start(ctx context.Context) error

	Close() error

	Status() ClientStatus

	// Currencies returns the currency symbols this client serves.
	Currencies() []string

	// Destination returns our payment destination for a currency, to be
	// advertised to peers.
	Destination(ctx context.Context, currency string) (string, error)

	// AddInvoice registers a hold invoice for rHash. The payment is held
	// on acceptance until settled or removed.
	AddInvoice(ctx context.Context, rHash, currency string, amount uint64, cltvExpiry uint32) error

	// SettleInvoice releases a held payment with its preimage.
	SettleInvoice(ctx context.Context, rHash, rPreimage string) error

	// RemoveInvoice cancels a hold invoice, returning any held payment.
	RemoveInvoice(ctx context.Context, rHash string) error

	// SendPayment pays one swap leg and blocks until it settles or fails,
	// returning the hex-encoded preimage on success. A failure is either a
	// FinalPaymentError or an UnknownPaymentError.
	SendPayment(ctx context.Context, req SendPaymentRequest) (string, error)

	// LookupPayment reports the outcome of a previously sent payment,
	// with the hex-encoded preimage when it succeeded.
	LookupPayment(ctx context.Context, rHash, currency string) (PaymentStatus, string, error)

	// ChannelBalance returns the trading balance for a currency.
	ChannelBalance(ctx context.Context, currency string) (ChannelBalance, error)

	// OpenChannel opens (or collateralizes) a channel with a node.
	OpenChannel(ctx context.Context, req OpenChannelRequest) error

	// CloseChannel closes channels with a node, or withdraws balance on
	// backends without discrete channels.
	CloseChannel(ctx context.Context, req CloseChannelRequest) error

	// Deposit returns an address for depositing funds into the backend.
	Deposit(ctx context.Context, currency string) (string, error)

	// HtlcAccepted delivers incoming held payments for invoices added
	// with AddInvoice.
	HtlcAccepted() <-chan HtlcAccepted
}
