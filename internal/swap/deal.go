package swap

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/storage"
)

// Role is our side of a deal.
type Role uint8

// Deal roles. The taker is the node whose placed order matched; it
// generates the preimage. The maker owns the resting order and sends the
// first payment.
const (
	RoleTaker Role = iota
	RoleMaker
)

func (r Role) String() string {
	if r == RoleMaker {
		return "maker"
	}
	return "taker"
}

func roleFromString(s string) Role {
	if s == "maker" {
		return RoleMaker
	}
	return RoleTaker
}

// Phase is how far a deal has progressed.
type Phase uint8

// Deal phases.
const (
	PhaseCreated Phase = iota
	PhaseSwapRequested
	PhaseSwapAccepted
	PhaseSendingPayment
	PhasePaymentReceived
	PhaseSwapCompleted
)

func (p Phase) String() string {
	switch p {
	case PhaseCreated:
		return "Created"
	case PhaseSwapRequested:
		return "SwapRequested"
	case PhaseSwapAccepted:
		return "SwapAccepted"
	case PhaseSendingPayment:
		return "SendingPayment"
	case PhasePaymentReceived:
		return "PaymentReceived"
	case PhaseSwapCompleted:
		return "SwapCompleted"
	default:
		return "Unknown"
	}
}

// State classifies a deal independently of its phase.
type State uint8

// Deal states.
const (
	StateActive State = iota
	StateError
	StateRecovered
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "Active"
	case StateError:
		return "Error"
	case StateRecovered:
		return "Recovered"
	case StateCompleted:
		return "Completed"
	default:
		return "Unknown"
	}
}

// FailureReason explains why a deal failed. It is sent verbatim in the
// SwapFailed packet.
type FailureReason string

// Deal failure reasons.
const (
	FailureOrderNotFound       FailureReason = "OrderNotFound"
	FailureOrderOnHold         FailureReason = "OrderUnavailable"
	FailureInvalidSwapRequest  FailureReason = "InvalidSwapRequest"
	FailureSwapClientNotSetup  FailureReason = "SwapClientNotSetup"
	FailureNoRouteFound        FailureReason = "NoRouteFound"
	FailureSendPaymentFailure  FailureReason = "SendPaymentFailure"
	FailureInvalidResolveRequest FailureReason = "InvalidResolveRequest"
	FailureDealTimedOut        FailureReason = "DealTimedOut"
	FailureInvalidPreimage     FailureReason = "InvalidPreimage"
	FailureRemoteError         FailureReason = "RemoteError"
	FailureUnexpectedClientError FailureReason = "UnexpectedClientError"
	FailureUnknownError        FailureReason = "UnknownError"
)

// Deal is one atomic swap in progress. MakerAmount and MakerCurrency are
// what the maker sends on the first leg; TakerAmount and TakerCurrency what
// the taker sends back on the second.
type Deal struct {
	RHash     string
	RPreimage string

	OrderID      string
	LocalOrderID string
	PairID       string

	Role  Role
	Phase Phase
	State State

	Quantity int64

	MakerAmount   uint64
	TakerAmount   uint64
	MakerCurrency string
	TakerCurrency string

	MakerCltvDelta uint32
	TakerCltvDelta uint32

	PeerPubKey string

	// Destination is the counterparty's payment destination for the leg
	// we send.
	Destination string

	FailureReason FailureReason
	ErrorMessage  string

	CreatedAt   time.Time
	CompletedAt *time.Time

	// accepted delivers the counterparty's SwapAccepted to the waiting
	// taker; done closes when the deal reaches a terminal state.
	accepted chan acceptedResult
	done     chan struct{}

	closeOnce sync.Once
	err       error
}

type acceptedResult struct {
	quantity       int64
	makerCltvDelta uint32
}

func newDeal(rHash string, role Role) *Deal {
	return &Deal{
		RHash:     rHash,
		Role:      role,
		Phase:     PhaseCreated,
		State:     StateActive,
		CreatedAt: time.Now(),
		accepted:  make(chan acceptedResult, 1),
		done:      make(chan struct{}),
	}
}

// finish marks the deal terminal and releases anyone waiting on it.
func (d *Deal) finish(err error) {
	d.closeOnce.Do(func() {
		d.err = err
		close(d.done)
	})
}

// newPreimage generates a swap preimage and its sha256 hash, both
// hex-encoded.
func newPreimage() (preimage, rHash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(raw), hex.EncodeToString(hash[:]), nil
}

// verifyPreimage checks a hex preimage against a hex rHash.
func verifyPreimage(preimage, rHash string) bool {
	raw, err := hex.DecodeString(preimage)
	if err != nil {
		return false
	}
	hash := sha256.Sum256(raw)
	return hex.EncodeToString(hash[:]) == rHash
}

// toStorage converts the deal to its persisted form.
func (d *Deal) toStorage() *storage.SwapDeal {
	stored := &storage.SwapDeal{
		RHash:          d.RHash,
		RPreimage:      d.RPreimage,
		OrderID:        d.OrderID,
		LocalOrderID:   d.LocalOrderID,
		PairID:         d.PairID,
		Role:           d.Role.String(),
		Phase:          uint8(d.Phase),
		State:          uint8(d.State),
		Quantity:       d.Quantity,
		MakerAmount:    d.MakerAmount,
		TakerAmount:    d.TakerAmount,
		MakerCurrency:  d.MakerCurrency,
		TakerCurrency:  d.TakerCurrency,
		MakerCltvDelta: d.MakerCltvDelta,
		TakerCltvDelta: d.TakerCltvDelta,
		PeerPubKey:     d.PeerPubKey,
		Destination:    d.Destination,
		FailureReason:  string(d.FailureReason),
		ErrorMessage:   d.ErrorMessage,
		CreatedAt:      d.CreatedAt.UnixMilli(),
	}
	if d.CompletedAt != nil {
		completed := d.CompletedAt.UnixMilli()
		stored.CompletedAt = &completed
	}
	return stored
}

// dealFromStorage restores a deal from its persisted form.
func dealFromStorage(stored *storage.SwapDeal) *Deal {
	d := newDeal(stored.RHash, roleFromString(stored.Role))
	d.RPreimage = stored.RPreimage
	d.OrderID = stored.OrderID
	d.LocalOrderID = stored.LocalOrderID
	d.PairID = stored.PairID
	d.Phase = Phase(stored.Phase)
	d.State = State(stored.State)
	d.Quantity = stored.Quantity
	d.MakerAmount = stored.MakerAmount
	d.TakerAmount = stored.TakerAmount
	d.MakerCurrency = stored.MakerCurrency
	d.TakerCurrency = stored.TakerCurrency
	d.MakerCltvDelta = stored.MakerCltvDelta
	d.TakerCltvDelta = stored.TakerCltvDelta
	d.PeerPubKey = stored.PeerPubKey
	d.Destination = stored.Destination
	d.FailureReason = FailureReason(stored.FailureReason)
	d.ErrorMessage = stored.ErrorMessage
	d.CreatedAt = time.UnixMilli(stored.CreatedAt)
	if stored.CompletedAt != nil {
		completed := time.UnixMilli(*stored.CompletedAt)
		d.CompletedAt = &completed
	}
	return d
}

// sendCurrency returns the currency and amount we send on our outgoing
// leg.
func (d *Deal) sendCurrency() (string, uint64) {
	if d.Role == RoleMaker {
		return d.MakerCurrency, d.MakerAmount
	}
	return d.TakerCurrency, d.TakerAmount
}

// receiveCurrency returns the currency and amount we receive on our
// incoming leg.
func (d *Deal) receiveCurrency() (string, uint64) {
	if d.Role == RoleMaker {
		return d.TakerCurrency, d.TakerAmount
	}
	return d.MakerCurrency, d.MakerAmount
}
