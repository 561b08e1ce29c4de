package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/opendex-network/opendexd/internal/swap"
)

type fakeSource struct {
	currency string
	balance  swap.ChannelBalance
}

func (f *fakeSource) Currencies() []string { return []string{f.currency} }

func (f *fakeSource) ChannelBalance(ctx context.Context, currency string) (swap.ChannelBalance, error) {
	return f.balance, nil
}

func drainAlerts(m *Monitor) []Alert {
	var alerts []Alert
	for {
		select {
		case alert := <-m.Alerts():
			alerts = append(alerts, alert)
		default:
			return alerts
		}
	}
}

func TestLowLocalBalanceRaisesAlert(t *testing.T) {
	m := NewMonitor()
	m.RegisterSource(&fakeSource{
		currency: "BTC",
		balance:  swap.ChannelBalance{Local: 5, Remote: 995},
	})

	m.checkBalances(context.Background())

	alerts := drainAlerts(m)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	alert := alerts[0]
	if alert.Kind != KindLowTradingBalance {
		t.Errorf("kind = %q, want %q", alert.Kind, KindLowTradingBalance)
	}
	if alert.Currency != "BTC" || alert.Side != SideLocal {
		t.Errorf("alert = %s/%s, want BTC/local", alert.Currency, alert.Side)
	}
	if alert.Balance != 5 || alert.Capacity != 1000 {
		t.Errorf("balance/capacity = %d/%d, want 5/1000", alert.Balance, alert.Capacity)
	}
}

func TestBothSidesDepletedRaisesTwoAlerts(t *testing.T) {
	m := NewMonitor()
	// Capacity 100: both sides under the 10% threshold is impossible, but
	// a remote-only depletion must alert on the remote side alone.
	m.RegisterSource(&fakeSource{
		currency: "LTC",
		balance:  swap.ChannelBalance{Local: 95, Remote: 5},
	})

	m.checkBalances(context.Background())

	alerts := drainAlerts(m)
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(alerts))
	}
	if alerts[0].Side != SideRemote {
		t.Errorf("side = %q, want remote", alerts[0].Side)
	}
}

func TestHealthyBalanceRaisesNothing(t *testing.T) {
	m := NewMonitor()
	m.RegisterSource(&fakeSource{
		currency: "BTC",
		balance:  swap.ChannelBalance{Local: 400, Remote: 600},
	})

	m.checkBalances(context.Background())

	if alerts := drainAlerts(m); len(alerts) != 0 {
		t.Fatalf("alerts = %v, want none", alerts)
	}
}

func TestIdenticalAlertIsRateLimited(t *testing.T) {
	m := NewMonitor()
	m.RegisterSource(&fakeSource{
		currency: "BTC",
		balance:  swap.ChannelBalance{Local: 5, Remote: 995},
	})

	m.checkBalances(context.Background())
	m.checkBalances(context.Background())

	if alerts := drainAlerts(m); len(alerts) != 1 {
		t.Fatalf("alerts = %d after repeated checks, want 1", len(alerts))
	}

	// Expiring the window re-arms the alert.
	m.mu.Lock()
	for key := range m.lastSent {
		m.lastSent[key] = time.Now().Add(-rateLimitInterval - time.Second)
	}
	m.mu.Unlock()

	m.checkBalances(context.Background())
	if alerts := drainAlerts(m); len(alerts) != 1 {
		t.Fatalf("alerts = %d after window expiry, want 1", len(alerts))
	}
}

func TestDifferentCurrenciesAlertIndependently(t *testing.T) {
	m := NewMonitor()
	m.RegisterSource(&fakeSource{
		currency: "BTC",
		balance:  swap.ChannelBalance{Local: 5, Remote: 995},
	})
	m.RegisterSource(&fakeSource{
		currency: "LTC",
		balance:  swap.ChannelBalance{Local: 1, Remote: 99},
	})

	m.checkBalances(context.Background())

	alerts := drainAlerts(m)
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want 2", len(alerts))
	}
	currencies := map[string]bool{}
	for _, alert := range alerts {
		currencies[alert.Currency] = true
	}
	if !currencies["BTC"] || !currencies["LTC"] {
		t.Errorf("currencies = %v, want BTC and LTC", currencies)
	}
}
