package metrics

import (
	"context"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/wad"
)

// Metrics exports engine activity to Prometheus. It implements clmsr.Listener.
type Metrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	// Market metrics
	marketsCreated prometheus.Counter
	marketsSettled prometheus.Counter
	tradesExecuted *prometheus.CounterVec
	tradeChunks    prometheus.Histogram
	tradeLatency   prometheus.Histogram
	quotesServed   *prometheus.CounterVec
	quoteLatency   prometheus.Histogram
	totalWeight    *prometheus.GaugeVec
	treeFlushes    *prometheus.GaugeVec
	treeRebalances *prometheus.GaugeVec

	// Transport metrics
	rpcRequests    *prometheus.CounterVec
	natsPublished  prometheus.Counter
	natsFailed     prometheus.Counter
	wsClients      prometheus.Gauge
	snapshotsSaved prometheus.Counter

	// System metrics
	memoryUsage prometheus.Gauge
	goroutines  prometheus.Gauge
}

// New creates and registers every collector under namespace.
func New(namespace string) *Metrics {
	logger := log.Root().New("module", "metrics")
	registry := prometheus.NewRegistry()

	m := &Metrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		marketsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markets_created_total",
			Help:      "Total number of markets created",
		}),

		marketsSettled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "markets_settled_total",
			Help:      "Total number of markets settled",
		}),

		tradesExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trades_executed_total",
			Help:      "Total number of trades executed by side",
		}, []string{"side"}),

		tradeChunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_chunks",
			Help:      "Number of safe chunks a trade was split into",
			Buckets:   []float64{1, 2, 4, 8, 16, 64, 256, 1000},
		}),

		tradeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "trade_latency_microseconds",
			Help:      "Trade execution latency in microseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		quotesServed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quotes_served_total",
			Help:      "Total number of quotes served by kind",
		}, []string{"kind"}),

		quoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "quote_latency_microseconds",
			Help:      "Quote latency in microseconds",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		}),

		totalWeight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "market_total_weight",
			Help:      "Sum of all bin weights per market",
		}, []string{"market"}),

		treeFlushes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_flushes",
			Help:      "Pending factors pushed to children per market",
		}, []string{"market"}),

		treeRebalances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tree_rebalances",
			Help:      "Flushes whose children needed reconciling per market",
		}, []string{"market"}),

		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "JSON-RPC requests by method and outcome",
		}, []string{"method", "status"}),

		natsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_messages_published_total",
			Help:      "Total NATS messages published",
		}),

		natsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nats_publish_failures_total",
			Help:      "Total NATS publish failures",
		}),

		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		}),

		snapshotsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Total market snapshots written to storage",
		}),

		memoryUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_usage_bytes",
			Help:      "Current memory usage in bytes",
		}),

		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "goroutines_count",
			Help:      "Current number of goroutines",
		}),
	}

	registry.MustRegister(
		m.marketsCreated,
		m.marketsSettled,
		m.tradesExecuted,
		m.tradeChunks,
		m.tradeLatency,
		m.quotesServed,
		m.quoteLatency,
		m.totalWeight,
		m.treeFlushes,
		m.treeRebalances,
		m.rpcRequests,
		m.natsPublished,
		m.natsFailed,
		m.wsClients,
		m.snapshotsSaved,
		m.memoryUsage,
		m.goroutines,
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	m.logger.Info("Prometheus metrics available", "endpoint", "http://"+addr+"/metrics")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		m.logger.Error("Metrics server failed", "error", err)
		return err
	}
	return nil
}

// OnMarketCreated implements clmsr.Listener.
func (m *Metrics) OnMarketCreated(info *clmsr.MarketInfo) {
	m.marketsCreated.Inc()
	m.totalWeight.WithLabelValues(marketLabel(info.ID)).Set(toFloat(info.Total))
}

// OnTrade implements clmsr.Listener.
func (m *Metrics) OnTrade(r *clmsr.TradeReceipt) {
	m.tradesExecuted.WithLabelValues(r.Side.String()).Inc()
	m.tradeChunks.Observe(float64(r.Chunks))
	m.tradeLatency.Observe(float64(r.Latency.Microseconds()))
	m.totalWeight.WithLabelValues(marketLabel(r.MarketID)).Set(toFloat(r.TotalAfter))
}

// OnSettled implements clmsr.Listener.
func (m *Metrics) OnSettled(clmsr.MarketID) {
	m.marketsSettled.Inc()
}

// RecordQuote records a read-only pricing call.
func (m *Metrics) RecordQuote(kind string, d time.Duration) {
	m.quotesServed.WithLabelValues(kind).Inc()
	m.quoteLatency.Observe(float64(d.Microseconds()))
}

// RecordRPC records one JSON-RPC request.
func (m *Metrics) RecordRPC(method string, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.rpcRequests.WithLabelValues(method, status).Inc()
}

// RecordNATSPublish records the outcome of a NATS publish.
func (m *Metrics) RecordNATSPublish(err error) {
	if err != nil {
		m.natsFailed.Inc()
		return
	}
	m.natsPublished.Inc()
}

// SetWebsocketClients sets the connected client gauge.
func (m *Metrics) SetWebsocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// RecordSnapshot counts a snapshot write.
func (m *Metrics) RecordSnapshot() {
	m.snapshotsSaved.Inc()
}

// CollectMarketMetrics refreshes per-market tree gauges and runtime stats
// every interval until ctx is cancelled.
func (m *Metrics) CollectMarketMetrics(ctx context.Context, reg *clmsr.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect(reg)
		}
	}
}

func (m *Metrics) collect(reg *clmsr.Registry) {
	for _, market := range reg.Markets() {
		info, err := market.Info()
		if err != nil {
			m.logger.Warn("Market info unavailable", "market", market.ID(), "error", err)
			continue
		}
		label := marketLabel(info.ID)
		m.totalWeight.WithLabelValues(label).Set(toFloat(info.Total))
		m.treeFlushes.WithLabelValues(label).Set(float64(info.Tree.Flushes))
		m.treeRebalances.WithLabelValues(label).Set(float64(info.Tree.Rebalances))
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	m.memoryUsage.Set(float64(memStats.Alloc))
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

func marketLabel(id clmsr.MarketID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func toFloat(x *uint256.Int) float64 {
	f, _ := wad.ToDecimal(x).Float64()
	return f
}

var _ clmsr.Listener = (*Metrics)(nil)
