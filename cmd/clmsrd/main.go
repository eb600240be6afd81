package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/clmsr/pkg/api"
	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/config"
	"github.com/luxfi/clmsr/pkg/events"
	"github.com/luxfi/clmsr/pkg/marketdata"
	"github.com/luxfi/clmsr/pkg/metrics"
	"github.com/luxfi/clmsr/pkg/store"
	"github.com/luxfi/clmsr/pkg/wad"
	"github.com/luxfi/clmsr/pkg/websocket"
)

type Node struct {
	config *config.Config
	logger log.Logger

	db       database.Database
	registry *clmsr.Registry
	store    *store.Store
	metrics  *metrics.Metrics
	candles  *marketdata.Aggregator
	rpc      *api.JSONRPCServer
	ws       *websocket.Server
	nc       *nats.Conn

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewNode(cfg *config.Config) (*Node, error) {
	level, err := log.ToLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	logger := log.NewTestLogger(level)
	logger.Info("Initializing clmsrd")

	// Ensure data directory exists
	dataPath := cfg.DataDir
	if !filepath.IsAbs(dataPath) {
		dataPath = filepath.Join(os.Getenv("HOME"), dataPath)
	}
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := openDatabase(dataPath, cfg.Database, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config:   cfg,
		logger:   logger,
		db:       db,
		registry: clmsr.NewRegistry(logger.New("module", "clmsr")),
		ctx:      ctx,
		cancel:   cancel,
	}

	if cfg.Metrics.Enabled {
		n.metrics = metrics.New(cfg.Metrics.Namespace)
		n.registry.AddListener(n.metrics)
	}

	n.store = store.New(db, logger.New("module", "store"))
	if n.metrics != nil {
		n.store.OnSaved = n.metrics.RecordSnapshot
	}
	restored, err := n.store.Attach(n.registry)
	if err != nil {
		n.close()
		return nil, fmt.Errorf("failed to restore markets: %w", err)
	}
	if restored == 0 {
		if err := n.seedMarkets(); err != nil {
			n.close()
			return nil, err
		}
	}

	n.candles = marketdata.NewAggregator(logger.New("module", "marketdata"), db)
	n.registry.AddListener(n.candles)

	opts := []api.Option{
		api.WithRateLimit(cfg.API.RateLimit, cfg.API.Burst),
		api.WithCandles(n.candles),
	}
	if n.metrics != nil {
		opts = append(opts, api.WithRecorder(n.metrics))
	}
	n.rpc = api.NewJSONRPCServer(n.registry, logger.New("module", "api"), opts...)

	if cfg.WebSocket.Enabled {
		wsConfig := websocket.DefaultConfig()
		wsConfig.SendQueue = cfg.WebSocket.SendQueue
		n.ws = websocket.NewServer(n.registry, logger.New("module", "websocket"), wsConfig)
		if n.metrics != nil {
			n.ws.OnClientsChanged = n.metrics.SetWebsocketClients
		}
		n.registry.AddListener(n.ws)
	}

	if cfg.NATS.URL != "" {
		n.connectNATS()
	}

	return n, nil
}

func openDatabase(dataPath, backend string, logger log.Logger) (database.Database, error) {
	dbManager := manager.NewManager(dataPath, nil)

	if backend == "badgerdb" {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "clmsr"
		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB, falling back to memory", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Warn("Using in-memory database, markets will not survive a restart")
	return db, nil
}

func (n *Node) seedMarkets() error {
	for i, m := range n.config.Markets {
		alpha, err := wad.Parse(m.Alpha)
		if err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
		if _, err := n.registry.CreateMarket(clmsr.MarketConfig{
			MinTick:     m.MinTick,
			MaxTick:     m.MaxTick,
			TickSpacing: m.TickSpacing,
			Alpha:       alpha,
		}); err != nil {
			return fmt.Errorf("market %d: %w", i, err)
		}
	}
	return nil
}

// connectNATS is best effort; the node serves without it.
func (n *Node) connectNATS() {
	logger := n.logger.New("module", "events")
	nc, err := events.Connect(n.config.NATS.URL, n.config.NATS.Name, logger)
	if err != nil {
		logger.Warn("NATS unavailable, events disabled", "error", err)
		return
	}
	n.nc = nc

	pub := events.NewPublisher(nc, n.config.NATS.Prefix, logger)
	if n.metrics != nil {
		pub.OnPublish = n.metrics.RecordNATSPublish
	}
	n.registry.AddListener(pub)

	if _, err := events.ServeInfo(nc, n.config.NATS.Prefix, n.registry, logger); err != nil {
		logger.Warn("Failed to serve market info", "error", err)
	}
}

func (n *Node) Start() error {
	n.logger.Info("Starting clmsrd",
		"markets", len(n.registry.Markets()),
		"apiPort", n.config.API.Port,
		"wsEnabled", n.config.WebSocket.Enabled,
		"metricsEnabled", n.config.Metrics.Enabled,
		"nats", n.nc != nil)

	n.run(func() error {
		return api.StartJSONRPCServer(n.ctx, n.config.API.Port, n.rpc, n.logger)
	})

	n.candles.Start()

	if n.ws != nil {
		n.ws.Start()
		n.run(func() error {
			return n.ws.ListenAndServe(fmt.Sprintf(":%d", n.config.WebSocket.Port))
		})
	}

	if n.metrics != nil {
		n.run(func() error {
			return n.metrics.StartServer(n.ctx, fmt.Sprintf(":%d", n.config.Metrics.Port))
		})
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.metrics.CollectMarketMetrics(n.ctx, n.registry, n.config.Metrics.Interval)
		}()
	}

	n.wg.Add(1)
	go n.printStats()

	n.logger.Info("clmsrd started successfully")
	return nil
}

// run starts a server goroutine. A server that fails brings the node down.
func (n *Node) run(serve func() error) {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := serve(); err != nil {
			n.logger.Error("Server failed", "error", err)
			n.cancel()
		}
	}()
}

func (n *Node) printStats() {
	defer n.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	startTime := time.Now()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			var trades uint64
			markets := n.registry.Markets()
			for _, m := range markets {
				if info, err := m.Info(); err == nil {
					trades += info.Trades
				}
			}
			n.logger.Info("Node status",
				"uptime", time.Since(startTime).Round(time.Second),
				"markets", len(markets),
				"trades", trades,
				"goroutines", runtime.NumGoroutine())
		}
	}
}

// Done is closed when the node stops on its own.
func (n *Node) Done() <-chan struct{} {
	return n.ctx.Done()
}

func (n *Node) Shutdown() {
	n.logger.Info("Shutting down clmsrd")

	// Cancel context
	n.cancel()
	if n.ws != nil {
		n.ws.Stop()
	}
	n.candles.Stop()

	// Wait for goroutines
	n.wg.Wait()

	n.close()
	n.logger.Info("clmsrd shutdown complete")
}

func (n *Node) close() {
	if n.nc != nil {
		if err := n.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			n.logger.Warn("NATS drain failed", "error", err)
		}
	}
	if n.db != nil {
		n.db.Close()
	}
}

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	dataDir := flag.String("data-dir", "", "Data directory (relative to $HOME unless absolute)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	dbBackend := flag.String("db", "", "Database backend (badgerdb, memory)")
	httpPort := flag.Int("http-port", 0, "JSON-RPC port")
	wsPort := flag.Int("ws-port", 0, "WebSocket port")
	metricsPort := flag.Int("metrics-port", 0, "Prometheus metrics port")
	natsURL := flag.String("nats", "", "NATS server URL, empty disables events")
	flag.Parse()

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags given explicitly win over the file
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "data-dir":
			cfg.DataDir = *dataDir
		case "log-level":
			cfg.LogLevel = *logLevel
		case "db":
			cfg.Database = *dbBackend
		case "http-port":
			cfg.API.Port = *httpPort
		case "ws-port":
			cfg.WebSocket.Port = *wsPort
		case "metrics-port":
			cfg.Metrics.Port = *metricsPort
		case "nats":
			cfg.NATS.URL = *natsURL
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Create and start node
	node, err := NewNode(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create node: %v\n", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to start node: %v\n", err)
		os.Exit(1)
	}

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		node.logger.Info("Received signal", "signal", sig)
	case <-node.Done():
	}

	// Graceful shutdown
	node.Shutdown()
}
