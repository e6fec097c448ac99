package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"statechannels/chain"
	"statechannels/cmd/internal/passphrase"
	"statechannels/config"
	"statechannels/core"
	"statechannels/core/events"
	"statechannels/crypto"
	"statechannels/observability/logging"
	telemetry "statechannels/observability/otel"
	"statechannels/p2p"
	"statechannels/p2p/directory"
	"statechannels/rpc"
	"statechannels/storage"
)

const serviceName = "channeld"

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		slog.Error("channeld stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("CHANNEL_ENV"))
	logger, logCloser := logging.SetupWithFile(serviceName, env, logging.ParseLevel(cfg.LogLevel), logging.FileConfig{Path: cfg.LogFile})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: serviceName,
			Environment: env,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() { _ = shutdownTelemetry(context.Background()) }()
	}

	db, err := storage.Open(cfg.StoreBackend, cfg.StorePath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	store := storage.NewChannelStore(db, cfg.StoreKeyPrefix)
	defer store.Close()

	passSource := passphrase.NewSource(cfg.PassphraseEnv)
	pass, err := passSource.Get()
	if err != nil {
		return err
	}
	xprv, err := loadIdentity(store, cfg.KeystorePath, pass)
	if err != nil {
		return err
	}
	xpub, err := xprv.Neuter()
	if err != nil {
		return err
	}

	router := p2p.NewRouter(xpub.String(), nil, cfg.MessagingTimeout(), logger)
	defer router.Close()
	transport := p2p.NewWSTransport(p2p.WSConfig{
		Peers:             cfg.PeerEndpoints(),
		MessagesPerSecond: cfg.RateLimit.PeerMessagesPerSecond,
		Burst:             cfg.RateLimit.PeerBurst,
	}, router, logger)
	defer transport.Close()
	discoverPeers(ctx, cfg, transport, logger)

	var provider chain.Provider
	if strings.TrimSpace(cfg.EthRPCURL) != "" {
		provider, err = dialProvider(ctx, cfg, xprv)
		if err != nil {
			return err
		}
	}

	bus := events.NewBus(0, 0)
	node, err := core.NewNode(core.NodeConfig{
		ExtendedPrivateKey: xprv.String(),
		Network:            cfg.Contracts,
		Store:              store,
		Router:             router,
		Provider:           provider,
		Events:             bus,
		MaxApps:            cfg.MaxChannelApps,
		Logger:             logger,
	})
	if err != nil {
		return fmt.Errorf("build node: %w", err)
	}

	server, err := rpc.NewServer(node, bus, rpc.ServerConfig{
		ServiceName: serviceName,
		Auth: rpc.AuthConfig{
			Enabled:    cfg.RPCAuth.Enabled,
			HMACSecret: cfg.RPCAuth.HMACSecret,
			Issuer:     cfg.RPCAuth.Issuer,
			Audience:   cfg.RPCAuth.Audience,
		},
		RateLimit: rpc.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimit.RPCRequestsPerSecond,
			Burst:             cfg.RateLimit.RPCBurst,
		},
		Peers: transport.Handler(),
	}, logger)
	if err != nil {
		return fmt.Errorf("build rpc server: %w", err)
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(listener) }()
	logger.Info("Channel node started",
		slog.String("network", cfg.NetworkName),
		slog.String("listen", listener.Addr().String()),
		slog.String("store", cfg.StoreBackend),
		slog.Int("peers", len(cfg.Peers)))

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info("Shutting down channel node")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// loadIdentity returns the node's extended private key. The keystore is
// the source of truth; the store keeps a copy so the engine can be rebuilt
// from the store alone, and a mismatch between the two is refused.
func loadIdentity(store *storage.ChannelStore, keystorePath, pass string) (*crypto.ExtendedKey, error) {
	xprv, err := crypto.EnsureChannelKey(keystorePath, pass)
	if err != nil {
		return nil, fmt.Errorf("load channel keystore: %w", err)
	}
	stored, err := store.GetExtendedPrivateKey()
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := store.SetExtendedPrivateKey(xprv.String()); err != nil {
			return nil, fmt.Errorf("store extended key: %w", err)
		}
	case err != nil:
		return nil, fmt.Errorf("read stored extended key: %w", err)
	case stored != xprv.String():
		return nil, errors.New("channel keystore does not match the key recorded in the store")
	}
	return xprv, nil
}

func dialProvider(ctx context.Context, cfg *config.Config, xprv *crypto.ExtendedKey) (chain.Provider, error) {
	client, err := chain.Dial(ctx, cfg.EthRPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial chain: %w", err)
	}
	chainID := new(big.Int).SetUint64(cfg.ChainID)
	if chainID.Sign() == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("query chain id: %w", err)
		}
	}
	// Transactions are paid for by the free balance key.
	key, err := xprv.Derive(0)
	if err != nil {
		return nil, err
	}
	return chain.NewEthProvider(client, key.Private, chainID, slog.Default())
}

func discoverPeers(ctx context.Context, cfg *config.Config, transport *p2p.WSTransport, logger *slog.Logger) {
	if len(cfg.Discovery.Domains) == 0 {
		return
	}
	var resolver directory.Resolver = directory.DefaultResolver()
	if ns := strings.TrimSpace(cfg.Discovery.Nameserver); ns != "" {
		resolver = directory.NewNameserverResolver(ns, 5*time.Second)
	}
	lookupCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	entries, err := directory.Resolve(lookupCtx, time.Now(), resolver, cfg.Discovery.Domains)
	if err != nil {
		logger.Warn("Peer discovery incomplete", slog.Any("error", err))
	}
	configured := cfg.PeerEndpoints()
	for _, entry := range entries {
		if _, ok := configured[entry.Xpub]; ok {
			continue
		}
		transport.AddPeer(entry.Xpub, entry.Endpoint)
		logger.Info("Discovered peer",
			slog.String("source", entry.Source),
			logging.MaskField("xpub", entry.Xpub),
			slog.String("endpoint", entry.Endpoint))
	}
}
