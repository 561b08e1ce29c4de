package p2p

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/multiformats/go-multiaddr"

	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/internal/storage"
)

type nopHandler struct{}

func (nopHandler) PeerOpened(*Peer)                                {}
func (nopHandler) PeerClosed(*Peer)                                {}
func (nopHandler) OrderReceived(*Peer, OrderBody) bool             { return true }
func (nopHandler) OrderInvalidationReceived(*Peer, OrderInvalidationBody) {}
func (nopHandler) OrdersRequested(*Peer) []OrderBody               { return nil }
func (nopHandler) SwapPacketReceived(*Peer, *Packet)               {}

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	store, err := storage.New(&storage.Config{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, _, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}

	cfg := config.DefaultConfig().P2P
	cfg.NoListen = true
	cfg.HandshakeTimeout = time.Second

	pool, err := New(context.Background(), &cfg, "simnet", key, NewNodeList(store), nopHandler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// newListeningPool builds a pool with a real loopback listener and fast
// reconnect backoff.
func newListeningPool(t *testing.T) *Pool {
	t.Helper()
	store, err := storage.New(&storage.Config{})
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	key, _, err := GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}

	cfg := config.DefaultConfig().P2P
	cfg.ListenAddrs = []string{"/ip4/127.0.0.1/tcp/0"}
	cfg.HandshakeTimeout = 2 * time.Second
	cfg.PingInterval = time.Minute
	cfg.RetryInitialDelay = 25 * time.Millisecond
	cfg.RetryMaxDelay = 200 * time.Millisecond

	pool, err := New(context.Background(), &cfg, "simnet", key, NewNodeList(store), nopHandler{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { pool.Close() })
	return pool
}

// listenPort extracts the TCP port the pool's host is listening on.
func listenPort(t *testing.T, pool *Pool) uint16 {
	t.Helper()
	for _, addr := range pool.host.Addrs() {
		if s, err := addr.ValueForProtocol(multiaddr.P_TCP); err == nil {
			port, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				t.Fatalf("bad port %q: %v", s, err)
			}
			return uint16(port)
		}
	}
	t.Fatal("pool has no tcp listen address")
	return 0
}

func TestAddOutboundRejectsSelf(t *testing.T) {
	pool := newTestPool(t)

	uri := NodeURI{PubKey: pool.PubKey(), Host: "127.0.0.1", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrSelfConnect) {
		t.Fatalf("err = %v, want ErrSelfConnect", err)
	}
}

func TestAddOutboundRejectsTorWhenDisabled(t *testing.T) {
	pool := newTestPool(t)

	uri := NodeURI{PubKey: testPubKey, Host: "abcdefghijklmnop.onion", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrTorDisabled) {
		t.Fatalf("err = %v, want ErrTorDisabled", err)
	}
}

func TestAddOutboundRejectsBannedNode(t *testing.T) {
	pool := newTestPool(t)

	if err := pool.NodeList().Ban(testPubKey); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	uri := NodeURI{PubKey: testPubKey, Host: "127.0.0.1", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrNodeBanned) {
		t.Fatalf("err = %v, want ErrNodeBanned", err)
	}
}

func TestAddOutboundRejectsDuplicate(t *testing.T) {
	pool := newTestPool(t)

	pool.mu.Lock()
	pool.peers[testPubKey] = &Peer{PubKey: testPubKey, closed: make(chan struct{})}
	pool.mu.Unlock()
	t.Cleanup(func() {
		pool.mu.Lock()
		delete(pool.peers, testPubKey)
		pool.mu.Unlock()
	})

	uri := NodeURI{PubKey: testPubKey, Host: "127.0.0.1", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrAlreadyConnected) {
		t.Fatalf("err = %v, want ErrAlreadyConnected", err)
	}
}

func TestAddOutboundAfterClose(t *testing.T) {
	pool := newTestPool(t)
	pool.Close()

	uri := NodeURI{PubKey: testPubKey, Host: "127.0.0.1", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestHelloBodyReflectsPairs(t *testing.T) {
	pool := newTestPool(t)

	pool.SetPairs([]string{"LTC/BTC", "BTC/USDT"})
	pool.SetDestinations(map[string]string{"BTC": "dest1"})

	hello := pool.helloBody()
	if hello.NodePubKey != pool.PubKey() {
		t.Errorf("pubkey = %q, want %q", hello.NodePubKey, pool.PubKey())
	}
	if hello.Network != "simnet" {
		t.Errorf("network = %q, want simnet", hello.Network)
	}
	if len(hello.Pairs) != 2 {
		t.Errorf("pairs = %v", hello.Pairs)
	}
	if hello.Destinations["BTC"] != "dest1" {
		t.Errorf("destinations = %v", hello.Destinations)
	}
}

func TestDisconnectUnknownPeer(t *testing.T) {
	pool := newTestPool(t)

	if err := pool.Disconnect(testPubKey, ReasonShutdown); !errors.Is(err, ErrPeerNotFound) {
		t.Fatalf("err = %v, want ErrPeerNotFound", err)
	}
}

func TestOutboundRetryAfterRemoteShutdown(t *testing.T) {
	a := newListeningPool(t)
	b := newListeningPool(t)

	uriA := NodeURI{PubKey: a.PubKey(), Host: "127.0.0.1", Port: listenPort(t, a)}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pb, err := b.AddOutbound(ctx, uriA, true)
	if err != nil {
		t.Fatalf("AddOutbound: %v", err)
	}

	// Wait for a's inbound side to finish registering before hanging up.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := a.Peer(b.PubKey()); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("a never registered the inbound peer")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := a.Disconnect(b.PubKey(), ReasonShutdown); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case <-pb.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("b's connection did not close")
	}

	// The outbound side backs off and reconnects on its own.
	deadline = time.Now().Add(5 * time.Second)
	for {
		if pr, err := b.Peer(a.PubKey()); err == nil && pr != pb {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("b did not reconnect after remote shutdown")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The inbound side never schedules retries of its own.
	a.retryMu.Lock()
	pending := len(a.retries)
	a.retryMu.Unlock()
	if pending != 0 {
		t.Errorf("inbound pool has %d pending retries, want 0", pending)
	}
}

func TestUnbanReconnectSkipsOnionAddress(t *testing.T) {
	pool := newTestPool(t)

	// The node's only known address is an onion service and Tor is off;
	// the reconnect attempt is skipped rather than failed.
	if err := pool.NodeList().OnHandshake(testPubKey, "abcdefghijklmnop.onion:8885", nil); err != nil {
		t.Fatalf("OnHandshake: %v", err)
	}
	if err := pool.BanNode(testPubKey); err != nil {
		t.Fatalf("BanNode: %v", err)
	}
	if err := pool.UnbanNode(context.Background(), testPubKey, true); err != nil {
		t.Fatalf("UnbanNode: %v", err)
	}
}

func TestDialableAddress(t *testing.T) {
	pool := newTestPool(t)

	got := pool.dialableAddress([]string{"abcdefghijklmnop.onion:8885", "1.2.3.4:8885"})
	if got != "1.2.3.4:8885" {
		t.Errorf("dialableAddress = %q, want clearnet address", got)
	}
	if got := pool.dialableAddress([]string{"abcdefghijklmnop.onion:8885"}); got != "" {
		t.Errorf("dialableAddress = %q, want empty for onion-only", got)
	}

	pool.cfg.Tor = true
	if got := pool.dialableAddress([]string{"abcdefghijklmnop.onion:8885"}); got == "" {
		t.Error("onion address not dialable with tor enabled")
	}
}

func TestBanDisconnectsAndBlocksReconnect(t *testing.T) {
	pool := newTestPool(t)

	if err := pool.BanNode(testPubKey); err != nil {
		t.Fatalf("BanNode: %v", err)
	}
	if !pool.NodeList().IsBanned(testPubKey) {
		t.Fatal("node not banned")
	}

	uri := NodeURI{PubKey: testPubKey, Host: "127.0.0.1", Port: 8885}
	if _, err := pool.AddOutbound(context.Background(), uri, false); !errors.Is(err, ErrNodeBanned) {
		t.Fatalf("err = %v, want ErrNodeBanned", err)
	}

	if err := pool.UnbanNode(context.Background(), testPubKey, false); err != nil {
		t.Fatalf("UnbanNode: %v", err)
	}
	if pool.NodeList().IsBanned(testPubKey) {
		t.Error("node still banned after unban")
	}
}
