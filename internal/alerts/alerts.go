// Package alerts raises rate-limited warnings about degraded trading
// conditions, such as channel balances too low to back new orders.
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opendex-network/opendexd/internal/swap"
	"github.com/opendex-network/opendexd/pkg/logging"
)

// Alert kinds.
const (
	KindLowTradingBalance = "low_trading_balance"
)

// Balance sides.
const (
	SideLocal  = "local"
	SideRemote = "remote"
)

const (
	// checkInterval is how often channel balances are sampled.
	checkInterval = time.Minute

	// rateLimitInterval suppresses repeats of the same alert.
	rateLimitInterval = 10 * time.Minute

	// lowBalanceThresholdPercent is the fraction of channel capacity
	// below which a side is considered depleted.
	lowBalanceThresholdPercent = 10
)

// Alert is one warning raised by the monitor.
type Alert struct {
	Kind     string `json:"kind"`
	Currency string `json:"currency"`
	Side     string `json:"side,omitempty"`
	Message  string `json:"message"`

	Balance  uint64 `json:"balance,omitempty"`
	Capacity uint64 `json:"capacity,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// BalanceSource reports channel balances for the currencies it serves.
// Swap clients satisfy this.
type BalanceSource interface {
	Currencies() []string
	ChannelBalance(ctx context.Context, currency string) (swap.ChannelBalance, error)
}

// Monitor periodically checks registered balance sources and emits alerts
// on a channel, deduplicating identical alerts within the rate limit
// window.
type Monitor struct {
	log *logging.Logger

	mu       sync.Mutex
	sources  []BalanceSource
	lastSent map[string]time.Time

	alerts chan Alert

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates an alert monitor with no sources registered.
func NewMonitor() *Monitor {
	return &Monitor{
		log:      logging.GetDefault().Component("alerts"),
		lastSent: make(map[string]time.Time),
		alerts:   make(chan Alert, 64),
	}
}

// RegisterSource adds a balance source to check. Must be called before
// Start.
func (m *Monitor) RegisterSource(source BalanceSource) {
	m.mu.Lock()
	m.sources = append(m.sources, source)
	m.mu.Unlock()
}

// Start begins the periodic balance checks.
func (m *Monitor) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.ctx.Done():
				return
			case <-ticker.C:
				m.checkBalances(m.ctx)
			}
		}
	}()
	return nil
}

// Close stops the monitor.
func (m *Monitor) Close() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Alerts delivers raised alerts. The channel is never closed.
func (m *Monitor) Alerts() <-chan Alert {
	return m.alerts
}

func (m *Monitor) checkBalances(ctx context.Context) {
	m.mu.Lock()
	sources := make([]BalanceSource, len(m.sources))
	copy(sources, m.sources)
	m.mu.Unlock()

	for _, source := range sources {
		for _, currency := range source.Currencies() {
			balance, err := source.ChannelBalance(ctx, currency)
			if err != nil {
				m.log.Debug("balance check failed", "currency", currency, "error", err)
				continue
			}

			capacity := balance.Local + balance.Remote
			if capacity == 0 {
				continue
			}
			threshold := capacity * lowBalanceThresholdPercent / 100

			if balance.Local < threshold {
				m.raise(Alert{
					Kind:     KindLowTradingBalance,
					Currency: currency,
					Side:     SideLocal,
					Message: fmt.Sprintf("local %s balance %d is below %d%% of capacity %d",
						currency, balance.Local, lowBalanceThresholdPercent, capacity),
					Balance:  balance.Local,
					Capacity: capacity,
				})
			}
			if balance.Remote < threshold {
				m.raise(Alert{
					Kind:     KindLowTradingBalance,
					Currency: currency,
					Side:     SideRemote,
					Message: fmt.Sprintf("remote %s balance %d is below %d%% of capacity %d",
						currency, balance.Remote, lowBalanceThresholdPercent, capacity),
					Balance:  balance.Remote,
					Capacity: capacity,
				})
			}
		}
	}
}

// raise emits an alert unless the same (kind, currency, side) fired within
// the rate limit window.
func (m *Monitor) raise(alert Alert) {
	key := alert.Kind + "/" + alert.Currency + "/" + alert.Side
	now := time.Now()

	m.mu.Lock()
	if last, ok := m.lastSent[key]; ok && now.Sub(last) < rateLimitInterval {
		m.mu.Unlock()
		return
	}
	m.lastSent[key] = now
	m.mu.Unlock()

	alert.CreatedAt = now
	m.log.Warn(alert.Message, "kind", alert.Kind, "currency", alert.Currency)

	select {
	case m.alerts <- alert:
	default:
		m.log.Debug("alert channel full, dropping alert", "kind", alert.Kind)
	}
}
