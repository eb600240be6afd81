package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/log"
	"golang.org/x/time/rate"

	"github.com/luxfi/clmsr/pkg/clmsr"
	"github.com/luxfi/clmsr/pkg/marketdata"
	"github.com/luxfi/clmsr/pkg/segtree"
	"github.com/luxfi/clmsr/pkg/wad"
)

// Recorder receives request telemetry. *metrics.Metrics satisfies it.
type Recorder interface {
	RecordRPC(method string, ok bool)
	RecordQuote(kind string, d time.Duration)
}

// CandleSource serves historical candles. *marketdata.Aggregator satisfies it.
type CandleSource interface {
	GetCandles(id clmsr.MarketID, interval marketdata.Interval, limit int) ([]*marketdata.Candle, error)
}

// JSONRPCServer handles JSON-RPC 2.0 requests
type JSONRPCServer struct {
	registry *clmsr.Registry
	logger   log.Logger
	limiter  *rate.Limiter
	recorder Recorder
	candles  CandleSource
}

// Option configures a JSONRPCServer.
type Option func(*JSONRPCServer)

// WithRateLimit caps requests per second with the given burst. A zero rate
// disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *JSONRPCServer) {
		if perSecond > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithRecorder reports every request to r.
func WithRecorder(r Recorder) Option {
	return func(s *JSONRPCServer) { s.recorder = r }
}

// WithCandles enables clmsr_getCandles.
func WithCandles(c CandleSource) Option {
	return func(s *JSONRPCServer) { s.candles = c }
}

// NewJSONRPCServer creates a new JSON-RPC server
func NewJSONRPCServer(registry *clmsr.Registry, logger log.Logger, opts ...Option) *JSONRPCServer {
	s := &JSONRPCServer{
		registry: registry,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JSONRPCRequest represents a JSON-RPC 2.0 request
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	ID      interface{}     `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC 2.0 response
type JSONRPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// RPCError represents a JSON-RPC error
type RPCError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements error interface
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC Error %d: %s", e.Code, e.Message)
}

// Standard JSON-RPC error codes
const (
	ParseError     = -32700
	InvalidRequest = -32600
	MethodNotFound = -32601
	InvalidParams  = -32602
	InternalError  = -32603
)

// Application error codes
const (
	MarketNotFound = -32001
	TradeRejected  = -32002
	MarketSettled  = -32003
	RateLimited    = -32005
)

// ServeHTTP implements http.Handler
func (s *JSONRPCServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req JSONRPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, nil, &RPCError{Code: ParseError, Message: "Parse error"})
		return
	}

	if req.JSONRPC != "2.0" || req.Method == "" {
		s.sendError(w, req.ID, &RPCError{Code: InvalidRequest, Message: "Invalid Request"})
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.record(req.Method, false)
		s.sendError(w, req.ID, &RPCError{Code: RateLimited, Message: "Rate limit exceeded"})
		return
	}

	// Route to method handler
	result, err := s.handleMethod(req.Method, req.Params)
	s.record(req.Method, err == nil)
	if err != nil {
		s.sendError(w, req.ID, toRPCError(err))
		return
	}

	// Send success response
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Result:  result,
		ID:      req.ID,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *JSONRPCServer) record(method string, ok bool) {
	if s.recorder != nil {
		s.recorder.RecordRPC(method, ok)
	}
}

func (s *JSONRPCServer) handleMethod(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	// Market methods
	case "clmsr_createMarket":
		return s.createMarket(params)
	case "clmsr_getMarket":
		return s.getMarket(params)
	case "clmsr_listMarkets":
		return s.listMarkets()
	case "clmsr_settleMarket":
		return s.settleMarket(params)

	// Pricing methods
	case "clmsr_quoteBuy":
		return s.quote(clmsr.Buy, params)
	case "clmsr_quoteSell":
		return s.quote(clmsr.Sell, params)
	case "clmsr_quantityFromCost":
		return s.quantityFromCost(params)
	case "clmsr_getRangeSum":
		return s.getRangeSum(params)
	case "clmsr_getPrices":
		return s.getPrices(params)
	case "clmsr_getCandles":
		return s.getCandles(params)

	// Trading methods
	case "clmsr_buy":
		return s.trade(clmsr.Buy, params)
	case "clmsr_sell":
		return s.trade(clmsr.Sell, params)

	case "clmsr_ping":
		return "pong", nil

	default:
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
}

func (s *JSONRPCServer) createMarket(params json.RawMessage) (interface{}, error) {
	var p CreateMarketParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	alpha, err := parseAmount("alpha", p.Alpha)
	if err != nil {
		return nil, err
	}

	m, err := s.registry.CreateMarket(clmsr.MarketConfig{
		MinTick:     p.MinTick,
		MaxTick:     p.MaxTick,
		TickSpacing: p.TickSpacing,
		Alpha:       alpha,
	})
	if err != nil {
		return nil, err
	}
	return marketView(m)
}

func (s *JSONRPCServer) getMarket(params json.RawMessage) (interface{}, error) {
	var p MarketParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	m, err := s.registry.Market(clmsr.MarketID(p.MarketID))
	if err != nil {
		return nil, err
	}
	return marketView(m)
}

func (s *JSONRPCServer) listMarkets() (interface{}, error) {
	markets := s.registry.Markets()
	views := make([]*MarketView, 0, len(markets))
	for _, m := range markets {
		v, err := marketView(m)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *JSONRPCServer) settleMarket(params json.RawMessage) (interface{}, error) {
	var p MarketParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if err := s.registry.Settle(clmsr.MarketID(p.MarketID)); err != nil {
		return nil, err
	}
	return map[string]interface{}{"marketId": p.MarketID, "settled": true}, nil
}

func (s *JSONRPCServer) quote(side clmsr.Side, params json.RawMessage) (interface{}, error) {
	var p TradeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", p.Quantity)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.Market(clmsr.MarketID(p.MarketID))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := m.Quote(side, p.LowerTick, p.UpperTick, quantity)
	if err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.RecordQuote(side.String(), time.Since(start))
	}

	return &QuoteView{
		MarketID:    p.MarketID,
		Side:        side.String(),
		LowerTick:   p.LowerTick,
		UpperTick:   p.UpperTick,
		Quantity:    wad.Format(res.Quantity),
		Amount:      wad.Format(res.Amount),
		Chunks:      res.Chunks,
		TotalBefore: wad.Format(res.TotalBefore),
		TotalAfter:  wad.Format(res.TotalAfter),
	}, nil
}

func (s *JSONRPCServer) trade(side clmsr.Side, params json.RawMessage) (interface{}, error) {
	var p TradeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	quantity, err := parseAmount("quantity", p.Quantity)
	if err != nil {
		return nil, err
	}

	var receipt *clmsr.TradeReceipt
	id := clmsr.MarketID(p.MarketID)
	if side == clmsr.Buy {
		receipt, err = s.registry.Buy(id, p.LowerTick, p.UpperTick, quantity)
	} else {
		receipt, err = s.registry.Sell(id, p.LowerTick, p.UpperTick, quantity)
	}
	if err != nil {
		s.logger.Debug("Trade rejected", "market", p.MarketID, "side", side, "error", err)
		return nil, err
	}
	return tradeView(receipt), nil
}

func (s *JSONRPCServer) quantityFromCost(params json.RawMessage) (interface{}, error) {
	var p CostParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	cost, err := parseAmount("cost", p.Cost)
	if err != nil {
		return nil, err
	}
	m, err := s.registry.Market(clmsr.MarketID(p.MarketID))
	if err != nil {
		return nil, err
	}

	start := time.Now()
	q, err := m.QuantityFromCost(p.LowerTick, p.UpperTick, cost)
	if err != nil {
		return nil, err
	}
	if s.recorder != nil {
		s.recorder.RecordQuote("inverse", time.Since(start))
	}
	return map[string]interface{}{
		"marketId": p.MarketID,
		"cost":     wad.Format(cost),
		"quantity": wad.Format(q),
	}, nil
}

func (s *JSONRPCServer) getRangeSum(params json.RawMessage) (interface{}, error) {
	var p RangeParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	m, err := s.registry.Market(clmsr.MarketID(p.MarketID))
	if err != nil {
		return nil, err
	}
	r, z, err := m.RangeSum(p.LowerTick, p.UpperTick)
	if err != nil {
		return nil, err
	}
	price, err := wad.Div(r, z)
	if err != nil {
		return nil, err
	}
	return &RangeView{
		MarketID:  p.MarketID,
		LowerTick: p.LowerTick,
		UpperTick: p.UpperTick,
		RangeSum:  wad.Format(r),
		Total:     wad.Format(z),
		Price:     wad.Format(price),
	}, nil
}

func (s *JSONRPCServer) getPrices(params json.RawMessage) (interface{}, error) {
	var p MarketParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	m, err := s.registry.Market(clmsr.MarketID(p.MarketID))
	if err != nil {
		return nil, err
	}
	prices, err := m.Prices()
	if err != nil {
		return nil, err
	}

	cfg := m.Config()
	bins := make([]BinPrice, len(prices))
	for i, price := range prices {
		lower, upper := cfg.BinTicks(i)
		bins[i] = BinPrice{LowerTick: lower, UpperTick: upper, Price: wad.Format(price)}
	}
	return map[string]interface{}{
		"marketId": p.MarketID,
		"bins":     bins,
	}, nil
}

func (s *JSONRPCServer) getCandles(params json.RawMessage) (interface{}, error) {
	if s.candles == nil {
		return nil, &RPCError{Code: MethodNotFound, Message: "Method not found"}
	}
	var p CandleParams
	if err := decode(params, &p); err != nil {
		return nil, err
	}
	if p.Limit == 0 {
		p.Limit = 100
	}
	if _, err := s.registry.Market(clmsr.MarketID(p.MarketID)); err != nil {
		return nil, err
	}
	candles, err := s.candles.GetCandles(clmsr.MarketID(p.MarketID), marketdata.Interval(p.Interval), p.Limit)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return map[string]interface{}{
		"marketId": p.MarketID,
		"interval": p.Interval,
		"candles":  candles,
	}, nil
}

func (s *JSONRPCServer) sendError(w http.ResponseWriter, id interface{}, rpcErr *RPCError) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		Error:   rpcErr,
		ID:      id,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func decode(params json.RawMessage, v interface{}) error {
	if len(params) == 0 || string(params) == "null" {
		return &RPCError{Code: InvalidParams, Message: "Missing params"}
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()}
	}
	return nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	if s == "" {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: field + " is required"}
	}
	x, err := wad.Parse(s)
	if err != nil {
		return nil, &RPCError{Code: InvalidParams, Message: "Invalid params", Data: fmt.Sprintf("%s: %v", field, err)}
	}
	return x, nil
}

// toRPCError maps engine errors onto wire codes.
func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}

	code := InternalError
	switch {
	case errors.Is(err, clmsr.ErrMarketNotFound):
		code = MarketNotFound
	case errors.Is(err, clmsr.ErrMarketSettled):
		code = MarketSettled
	case errors.Is(err, clmsr.ErrInvalidMarket),
		errors.Is(err, clmsr.ErrInvalidTick),
		errors.Is(err, clmsr.ErrInvalidAlpha),
		errors.Is(err, clmsr.ErrInvalidQuantity),
		errors.Is(err, clmsr.ErrInvalidCost),
		errors.Is(err, wad.ErrNegativeAmount):
		code = InvalidParams
	case errors.Is(err, clmsr.ErrChunkLimitExceeded),
		errors.Is(err, clmsr.ErrEmptyRange),
		errors.Is(err, wad.ErrMathOverflow),
		errors.Is(err, wad.ErrExponentialOverflow),
		errors.Is(err, wad.ErrLogarithmDomain),
		errors.Is(err, wad.ErrDivisionByZero),
		errors.Is(err, segtree.ErrLazyFactorOverflow),
		errors.Is(err, segtree.ErrInvalidFactor):
		code = TradeRejected
	}
	return &RPCError{Code: code, Message: err.Error()}
}

// StartJSONRPCServer serves the API on port until ctx is cancelled.
func StartJSONRPCServer(ctx context.Context, port int, server *JSONRPCServer, logger log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/", server)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	logger.Info("JSON-RPC server started", "port", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
