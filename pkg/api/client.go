package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"
)

// Client calls a JSONRPCServer over HTTP.
type Client struct {
	url    string
	client *http.Client
	nextID uint64
}

// NewClient returns a client for the server at url.
func NewClient(url string) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Call invokes method and decodes the result into out, which may be nil.
// Server-side failures are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, params, out interface{}) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  raw,
		ID:      atomic.AddUint64(&c.nextID, 1),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api: %s returned HTTP %d", method, resp.StatusCode)
	}

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("api: decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(rpcResp.Result, out)
}

// Quote prices a trade without executing it.
func (c *Client) Quote(ctx context.Context, side string, p TradeParams) (*QuoteView, error) {
	var out QuoteView
	method := "clmsr_quoteBuy"
	if side == "sell" {
		method = "clmsr_quoteSell"
	}
	if err := c.Call(ctx, method, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Trade executes a buy or sell.
func (c *Client) Trade(ctx context.Context, side string, p TradeParams) (*TradeView, error) {
	var out TradeView
	method := "clmsr_buy"
	if side == "sell" {
		method = "clmsr_sell"
	}
	if err := c.Call(ctx, method, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Market returns one market.
func (c *Client) Market(ctx context.Context, id uint64) (*MarketView, error) {
	var out MarketView
	if err := c.Call(ctx, "clmsr_getMarket", MarketParams{MarketID: id}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Prices returns the price of every bin of a market.
func (c *Client) Prices(ctx context.Context, id uint64) ([]BinPrice, error) {
	var out struct {
		Bins []BinPrice `json:"bins"`
	}
	if err := c.Call(ctx, "clmsr_getPrices", MarketParams{MarketID: id}, &out); err != nil {
		return nil, err
	}
	return out.Bins, nil
}
