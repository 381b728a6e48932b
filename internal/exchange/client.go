package exchange

import (
	"context"
	"errors"

	"pumpwatch/internal/model"
)

// Error kinds shared by adapters, the gateway and the controllers.
var (
	// ErrTransient is a network-class failure; the request may be retried.
	ErrTransient = errors.New("transient network error")
	// ErrRejected means the venue definitively refused the request.
	ErrRejected = errors.New("rejected by exchange")
	// ErrUnknownOrderState means the order may or may not exist; re-query before acting.
	ErrUnknownOrderState = errors.New("unknown order state")
	// ErrNotFound means a lookup by client id found no order.
	ErrNotFound = errors.New("order not found")
	// ErrInvariantViolation flags a defect such as two live orders on one side.
	ErrInvariantViolation = errors.New("invariant violation")
)

// MarketSnapshotSource provides ticker and order book snapshots.
type MarketSnapshotSource interface {
	GetAllTickers(ctx context.Context, quote string) (map[string]model.TickerSnapshot, error)
	GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)
}

// OrderVenue is the raw order surface of an exchange. Every placement carries a
// caller-chosen client id so that an order can be found after a lost response.
type OrderVenue interface {
	Market(ctx context.Context, symbol string) (model.Market, error)
	PlaceMarketBuy(ctx context.Context, symbol string, notional float64, clientID string) (model.OrderHandle, error)
	PlaceMarketSell(ctx context.Context, symbol string, size float64, clientID string) (model.OrderHandle, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64, clientID string) (model.OrderHandle, error)
	CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error)
	GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error)
	FindOrder(ctx context.Context, symbol, clientID string) (model.OrderHandle, error)
}

// ExchangeClient defines the standard interface for all exchange clients.
type ExchangeClient interface {
	GetName() string
	MarketSnapshotSource
	OrderVenue
}

// StreamStarter is implemented by clients that keep a background feed alive.
type StreamStarter interface {
	StartStream(ctx context.Context) error
}
