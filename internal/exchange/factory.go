package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"pumpwatch/internal/config"
	"pumpwatch/internal/model"
)

// feed is a market data source that also knows symbol precision and runs a stream.
type feed interface {
	MarketSnapshotSource
	MarketInfoSource
	StreamStarter
}

// Client joins a market data feed with an order venue under one exchange name.
type Client struct {
	name  string
	feed  feed
	venue OrderVenue
}

// NewClient creates a new exchange client based on the given name and configuration.
// Order execution is routed to a paper venue filling against the live book.
func NewClient(name string, logger *slog.Logger, quote string, cfg config.ExchangeConfig) (*Client, error) {
	switch name {
	case "binance":
		f := NewBinanceFeed(logger, cfg.WSURL)
		venue := NewPaperVenue(logger, f, f, quote, cfg.PaperBalance, cfg.TakerFeePercent)
		return &Client{name: name, feed: f, venue: venue}, nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
}

func (c *Client) GetName() string {
	return c.name
}

// StartStream runs the market data stream until ctx is cancelled.
func (c *Client) StartStream(ctx context.Context) error {
	return c.feed.StartStream(ctx)
}

func (c *Client) GetAllTickers(ctx context.Context, quote string) (map[string]model.TickerSnapshot, error) {
	return c.feed.GetAllTickers(ctx, quote)
}

func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	return c.feed.GetOrderBook(ctx, symbol, depth)
}

func (c *Client) Market(ctx context.Context, symbol string) (model.Market, error) {
	return c.venue.Market(ctx, symbol)
}

func (c *Client) PlaceMarketBuy(ctx context.Context, symbol string, notional float64, clientID string) (model.OrderHandle, error) {
	return c.venue.PlaceMarketBuy(ctx, symbol, notional, clientID)
}

func (c *Client) PlaceMarketSell(ctx context.Context, symbol string, size float64, clientID string) (model.OrderHandle, error) {
	return c.venue.PlaceMarketSell(ctx, symbol, size, clientID)
}

func (c *Client) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64, clientID string) (model.OrderHandle, error) {
	return c.venue.PlaceLimitOrder(ctx, symbol, side, price, size, clientID)
}

func (c *Client) CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error) {
	return c.venue.CancelOrder(ctx, handle)
}

func (c *Client) GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error) {
	return c.venue.GetOrderStatus(ctx, handle)
}

func (c *Client) FindOrder(ctx context.Context, symbol, clientID string) (model.OrderHandle, error) {
	return c.venue.FindOrder(ctx, symbol, clientID)
}
