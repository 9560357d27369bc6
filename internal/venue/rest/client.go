package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"spread-hedge-bot/internal/config"
	"spread-hedge-bot/internal/venue"
	"spread-hedge-bot/internal/venue/feed"

	"go.uber.org/zap"
)

// Client is a venue adapter over a JSON order API plus a websocket
// book feed. Both perp venues speak the same wire shape; per-venue
// differences live entirely in configuration.
type Client struct {
	cfg    config.VenueConfig
	apiKey string
	http   *http.Client
	feed   *feed.Client
	log    *zap.Logger
}

func New(cfg config.VenueConfig, apiKey string, log *zap.Logger) *Client {
	return &Client{
		cfg:    cfg,
		apiKey: apiKey,
		http:   &http.Client{Timeout: cfg.Timeout},
		feed:   feed.New(cfg.WSURL, cfg.ReconnectDelay, cfg.PingInterval, log),
		log:    log,
	}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Initialize(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.post(ctx, "/v1/time", map[string]any{}, &out); err != nil {
		return fmt.Errorf("venue %s unreachable: %w", c.cfg.Name, err)
	}
	return nil
}

type orderRequestWire struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	ReduceOnly    bool   `json:"reduce_only,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderResultWire struct {
	OrderID    string `json:"order_id"`
	Status     string `json:"status"`
	FilledSize string `json:"filled_size"`
	AvgPrice   string `json:"avg_price"`
	FeeUSD     string `json:"fee_usd"`
}

func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderResult, error) {
	wire := orderRequestWire{
		Symbol:        req.Symbol,
		Side:          string(req.Side),
		Size:          formatAmount(req.Size),
		Price:         formatAmount(req.Price),
		ReduceOnly:    req.ReduceOnly,
		ClientOrderID: req.ClientOrderID,
	}
	var out orderResultWire
	if err := c.post(ctx, "/v1/orders", wire, &out); err != nil {
		return venue.OrderResult{}, err
	}
	result := venue.OrderResult{
		OrderID: out.OrderID,
		Filled:  out.Status == "filled",
	}
	var err error
	if result.FilledSize, err = parseAmount(out.FilledSize); err != nil {
		return venue.OrderResult{}, fmt.Errorf("order %s filled_size: %w", out.OrderID, err)
	}
	if result.AvgPrice, err = parseAmount(out.AvgPrice); err != nil {
		return venue.OrderResult{}, fmt.Errorf("order %s avg_price: %w", out.OrderID, err)
	}
	if result.FeeUSD, err = parseAmount(out.FeeUSD); err != nil {
		return venue.OrderResult{}, fmt.Errorf("order %s fee_usd: %w", out.OrderID, err)
	}
	return result, nil
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string) (venue.OrderBook, error) {
	var out struct {
		Bids   [][2]string `json:"bids"`
		Asks   [][2]string `json:"asks"`
		TimeMs int64       `json:"ts"`
	}
	if err := c.post(ctx, "/v1/book", map[string]any{"symbol": symbol}, &out); err != nil {
		return venue.OrderBook{}, err
	}
	bids, err := venue.ParseLevels(out.Bids)
	if err != nil {
		return venue.OrderBook{}, fmt.Errorf("book bids from %s: %w", c.cfg.Name, err)
	}
	asks, err := venue.ParseLevels(out.Asks)
	if err != nil {
		return venue.OrderBook{}, fmt.Errorf("book asks from %s: %w", c.cfg.Name, err)
	}
	return venue.OrderBook{Bids: bids, Asks: asks, Timestamp: msToTime(out.TimeMs)}, nil
}

func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		FundingRate string `json:"funding_rate"`
	}
	if err := c.post(ctx, "/v1/funding", map[string]any{"symbol": symbol}, &out); err != nil {
		return 0, err
	}
	rate, err := parseAmount(out.FundingRate)
	if err != nil {
		return 0, fmt.Errorf("funding rate from %s: %w", c.cfg.Name, err)
	}
	return rate, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	var out struct {
		Status string `json:"status"`
	}
	err := c.post(ctx, "/v1/orders/cancel", map[string]any{"symbol": symbol, "order_id": orderID}, &out)
	if err != nil {
		return err
	}
	if out.Status != "canceled" && out.Status != "filled" {
		return fmt.Errorf("cancel %s on %s: status %q", orderID, c.cfg.Name, out.Status)
	}
	return nil
}

// CancelByClientID cancels whatever order the venue holds under the
// caller-chosen id. It is used when a placement response was lost, so
// "unknown_order" means nothing rested and counts as success.
func (c *Client) CancelByClientID(ctx context.Context, symbol, clientOrderID string) error {
	var out struct {
		Status string `json:"status"`
	}
	err := c.post(ctx, "/v1/orders/cancel", map[string]any{"symbol": symbol, "client_order_id": clientOrderID}, &out)
	if err != nil {
		return err
	}
	switch out.Status {
	case "canceled", "filled", "unknown_order":
		return nil
	}
	return fmt.Errorf("cancel client order %s on %s: status %q", clientOrderID, c.cfg.Name, out.Status)
}

// SubscribeToMarketData streams book updates for symbol and invokes
// onUpdate for each one. The feed reconnects on its own until ctx is
// canceled; a failed first connect is retried by the stream loop
// rather than reported, so a venue that is down at startup still
// comes online once it recovers.
func (c *Client) SubscribeToMarketData(ctx context.Context, symbol string, onUpdate func()) error {
	if err := c.feed.Connect(ctx); err != nil {
		c.log.Warn("initial feed connect failed, retrying in stream loop",
			zap.String("venue", c.cfg.Name), zap.Error(err))
	}
	if err := c.feed.SubscribeBook(ctx, symbol); err != nil {
		return err
	}
	go func() {
		err := c.feed.Run(ctx, func(raw json.RawMessage) {
			msgSymbol, _, ok, err := feed.ParseBook(raw)
			if err != nil {
				c.log.Warn("bad book message", zap.String("venue", c.cfg.Name), zap.Error(err))
				return
			}
			if !ok || msgSymbol != symbol {
				return
			}
			if onUpdate != nil {
				onUpdate()
			}
		})
		if err != nil && ctx.Err() == nil {
			c.log.Warn("market data stream ended", zap.String("venue", c.cfg.Name), zap.Error(err))
		}
	}()
	return nil
}

func (c *Client) Close() error {
	c.feed.Close()
	return nil
}

func (c *Client) post(ctx context.Context, path string, req, out interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("http %d from %s%s: %s", resp.StatusCode, c.cfg.Name, path, string(body))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
