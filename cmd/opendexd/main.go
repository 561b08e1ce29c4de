// Package main provides opendexd, a daemon for trustless peer-to-peer
// trading over payment channels.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opendex-network/opendexd/internal/alerts"
	"github.com/opendex-network/opendexd/internal/config"
	"github.com/opendex-network/opendexd/internal/orderbook"
	"github.com/opendex-network/opendexd/internal/p2p"
	"github.com/opendex-network/opendexd/internal/rpc"
	"github.com/opendex-network/opendexd/internal/storage"
	"github.com/opendex-network/opendexd/internal/swap"
	"github.com/opendex-network/opendexd/pkg/logging"
)

var (
	version = "1.0.0-dev"
	commit  = "unknown"
)

// connextCltvDelta is the timelock delta required on incoming hashlock
// transfers.
const connextCltvDelta = 75

func main() {
	os.Exit(run())
}

func run() int {
	var (
		dataDir     = flag.String("data-dir", "~/.opendex", "Data directory")
		listenAddr  = flag.String("listen", "", "P2P listen multiaddr, overrides config")
		rpcAddr     = flag.String("rpc", "", "JSON-RPC listen address, overrides config")
		network     = flag.String("network", "", "Network (mainnet, testnet, simnet), overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("opendexd %s (commit: %s)", version, commit)
		return 0
	}

	effectiveDataDir := config.ExpandPath(*dataDir)
	cfg, err := config.Load(effectiveDataDir)
	if err != nil {
		log.Error("failed to load config", "error", err)
		return 1
	}

	if *listenAddr != "" {
		cfg.P2P.ListenAddrs = []string{*listenAddr}
	}
	if *rpcAddr != "" {
		cfg.RPC.Addr = *rpcAddr
	}
	if *network != "" {
		cfg.Network = config.Network(*network)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid config", "error", err)
		return 1
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir), "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := storage.New(&storage.Config{DataDir: effectiveDataDir})
	if err != nil {
		log.Error("failed to open storage", "error", err)
		return 1
	}
	defer store.Close()

	nodeKey, err := p2p.LoadOrCreateNodeKey(effectiveDataDir, os.Getenv("OPENDEXD_PASSWORD"))
	if err != nil {
		log.Error("failed to load node key", "error", err)
		return 1
	}
	log.Info("node identity loaded", "pubKey", nodeKey.PubKeyHex())

	nodes := p2p.NewNodeList(store)
	coord := newCoordinator()

	pool, err := p2p.New(ctx, &cfg.P2P, string(cfg.Network), nodeKey, nodes, coord)
	if err != nil {
		log.Error("failed to start p2p pool", "error", err)
		return 1
	}
	defer pool.Close()

	book := orderbook.New(coord, &orderStore{store: store})
	swaps := swap.New(&cfg.Swaps, store, book, coord)
	book.SetSwapExecutor(swaps)

	clients, err := buildSwapClients(cfg, store, swaps, log)
	if err != nil {
		log.Error("failed to set up swap clients", "error", err)
		return 1
	}
	for _, client := range clients {
		if err := client.Start(ctx); err != nil {
			log.Error("failed to start swap client", "error", err)
			return 1
		}
	}
	defer func() {
		for _, client := range clients {
			client.Close()
		}
	}()

	if err := swaps.Start(ctx); err != nil {
		log.Error("failed to start swap engine", "error", err)
		return 1
	}
	defer swaps.Close()

	if err := restoreBook(store, book, log); err != nil {
		log.Error("failed to restore order book", "error", err)
		return 1
	}
	book.Start(ctx)

	coord.bind(pool, book, swaps)
	pool.SetPairs(book.Pairs())

	destCtx, destCancel := context.WithTimeout(ctx, 30*time.Second)
	pool.SetDestinations(swaps.Destinations(destCtx))
	destCancel()

	monitor := alerts.NewMonitor()
	for _, client := range clients {
		monitor.RegisterSource(client)
	}
	if err := monitor.Start(ctx); err != nil {
		log.Error("failed to start alert monitor", "error", err)
		return 1
	}
	defer monitor.Close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var rpcServer *rpc.Server
	if !cfg.RPC.Disable {
		rpcServer = rpc.NewServer(rpc.Deps{
			Store:       store,
			Book:        book,
			Pool:        pool,
			Channels:    swaps,
			SwapResults: swaps.Results(),
			Alerts:      monitor.Alerts(),
			Version:     version,
			Network:     string(cfg.Network),
			Shutdown: func() {
				sigCh <- syscall.SIGTERM
			},
		})
		if err := rpcServer.Start(cfg.RPC.Addr); err != nil {
			log.Error("failed to start rpc server", "error", err)
			return 1
		}
	}

	log.Info("opendexd is ready",
		"version", version,
		"network", cfg.Network,
		"nodePubKey", nodeKey.PubKeyHex(),
		"pairs", book.Pairs(),
	)

	<-sigCh
	log.Info("shutting down")

	if rpcServer != nil {
		if err := rpcServer.Stop(); err != nil {
			log.Error("error stopping rpc server", "error", err)
		}
	}
	cancel()
	return 0
}

// buildSwapClients creates the configured lnd and connext clients and
// registers them with the swap engine.
func buildSwapClients(cfg *config.Config, store *storage.Storage, swaps *swap.Swaps, log *logging.Logger) ([]swap.SwapClient, error) {
	var clients []swap.SwapClient

	for currency, lndCfg := range cfg.Lnd {
		if lndCfg.Disable {
			log.Info("lnd client disabled", "currency", currency)
			continue
		}
		client, err := swap.NewLndClient(currency, lndCfg)
		if err != nil {
			return nil, err
		}
		swaps.RegisterClient(client, lndCfg.CltvDelta)
		clients = append(clients, client)
		log.Info("lnd client configured", "currency", currency, "host", lndCfg.Host)
	}

	if cfg.Connext != nil && !cfg.Connext.Disable {
		connext := swap.NewConnextClient(cfg.Connext)
		currencies, err := store.ListCurrencies()
		if err != nil {
			return nil, err
		}
		registered := 0
		for _, currency := range currencies {
			if currency.SwapClient != "connext" {
				continue
			}
			if err := connext.AddCurrency(currency.ID, currency.TokenAddress); err != nil {
				return nil, err
			}
			registered++
		}
		if registered > 0 {
			swaps.RegisterClient(connext, connextCltvDelta)
			clients = append(clients, connext)
			log.Info("connext client configured", "host", cfg.Connext.Host, "currencies", registered)
		}
	}

	return clients, nil
}

// restoreBook registers the stored trading pairs and re-adds persisted own
// orders.
func restoreBook(store *storage.Storage, book *orderbook.Book, log *logging.Logger) error {
	pairs, err := store.ListPairs()
	if err != nil {
		return err
	}
	for _, pair := range pairs {
		if err := book.AddPair(pair.ID); err != nil {
			return err
		}
	}

	orders, err := store.ListOrders()
	if err != nil {
		return err
	}
	restored := 0
	for _, stored := range orders {
		order := &orderbook.Order{
			ID:              stored.ID,
			LocalID:         stored.LocalID,
			PairID:          stored.PairID,
			Price:           stored.Price,
			Quantity:        stored.Quantity,
			InitialQuantity: stored.InitialQuantity,
			CreatedAt:       stored.CreatedAt,
		}
		if err := book.RestoreOwnOrder(order); err != nil {
			log.Warn("dropping unrestorable own order", "order", stored.ID, "error", err)
			store.DeleteOrder(stored.ID)
			continue
		}
		restored++
	}
	if restored > 0 {
		log.Info("restored own orders", "count", restored)
	}
	return nil
}

// orderStore adapts the sqlite store to the order book's persistence
// interface.
type orderStore struct {
	store *storage.Storage
}

func (s *orderStore) SaveOwnOrder(o *orderbook.Order) error {
	return s.store.SaveOrder(&storage.OwnOrder{
		ID:              o.ID,
		LocalID:         o.LocalID,
		PairID:          o.PairID,
		Price:           o.Price,
		Quantity:        o.Quantity,
		InitialQuantity: o.InitialQuantity,
		CreatedAt:       o.CreatedAt,
	})
}

func (s *orderStore) DeleteOwnOrder(id string) error {
	return s.store.DeleteOrder(id)
}
