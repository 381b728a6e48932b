// Package gateway wraps raw venue order operations with rate limiting, request
// timeouts and bounded retries.
//
// A placement whose response is lost is never resubmitted blindly: the order is
// first looked up by its client id, and only a definitive "not found" allows a
// resubmission under the same id. When the lookup itself cannot complete, the
// caller gets ErrUnknownOrderState and a handle carrying the client id so it can
// re-query later.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"pumpwatch/internal/config"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
)

// Executor is the order surface the trading controllers depend on.
type Executor interface {
	Market(ctx context.Context, symbol string) (model.Market, error)
	PlaceMarketBuy(ctx context.Context, symbol string, notional float64) (model.OrderHandle, error)
	PlaceMarketSell(ctx context.Context, symbol string, size float64) (model.OrderHandle, error)
	PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64) (model.OrderHandle, error)
	CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error)
	GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error)
}

// Gateway implements Executor on top of an exchange.OrderVenue.
type Gateway struct {
	logger  *slog.Logger
	venue   exchange.OrderVenue
	limiter *rate.Limiter
	cfg     config.GatewayConfig
	newID   func() string
}

// New creates a Gateway for venue.
func New(logger *slog.Logger, venue exchange.OrderVenue, cfg config.GatewayConfig) *Gateway {
	return &Gateway{
		logger:  logger,
		venue:   venue,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		cfg:     cfg,
		newID:   func() string { return uuid.New().String() },
	}
}

func retryable(err error) bool {
	return errors.Is(err, exchange.ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

func (g *Gateway) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.cfg.InitialBackoff
	b.MaxInterval = g.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	b.Reset()
	attempts := g.cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
}

// call runs fn under the rate limiter and the per-request timeout. A request that
// times out while the parent context is alive is reported as transient.
func (g *Gateway) call(ctx context.Context, fn func(context.Context) error) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}
	callCtx := ctx
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && !retryable(err) {
		err = fmt.Errorf("%w: request timeout: %v", exchange.ErrTransient, err)
	}
	return err
}

// retry runs op until it succeeds, returns a non-retryable error, or the attempt
// budget runs out.
func (g *Gateway) retry(ctx context.Context, name string, op func(context.Context) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if attempt > 1 {
			metrics.GatewayRetriesTotal.WithLabelValues(name).Inc()
		}
		err := g.call(ctx, op)
		if err == nil {
			return nil
		}
		if retryable(err) {
			g.logger.Warn("Gateway: retrying", "op", name, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, g.policy(ctx))
}

func (g *Gateway) Market(ctx context.Context, symbol string) (model.Market, error) {
	var m model.Market
	err := g.retry(ctx, "market", func(c context.Context) error {
		var err error
		m, err = g.venue.Market(c, symbol)
		return err
	})
	return m, err
}

func (g *Gateway) PlaceMarketBuy(ctx context.Context, symbol string, notional float64) (model.OrderHandle, error) {
	intent := model.OrderHandle{Symbol: symbol, Side: model.SideBuy, Type: model.OrderMarket, Notional: notional}
	return g.place(ctx, intent, func(c context.Context, clientID string) (model.OrderHandle, error) {
		return g.venue.PlaceMarketBuy(c, symbol, notional, clientID)
	})
}

func (g *Gateway) PlaceMarketSell(ctx context.Context, symbol string, size float64) (model.OrderHandle, error) {
	intent := model.OrderHandle{Symbol: symbol, Side: model.SideSell, Type: model.OrderMarket, Size: size}
	return g.place(ctx, intent, func(c context.Context, clientID string) (model.OrderHandle, error) {
		return g.venue.PlaceMarketSell(c, symbol, size, clientID)
	})
}

func (g *Gateway) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64) (model.OrderHandle, error) {
	intent := model.OrderHandle{Symbol: symbol, Side: side, Type: model.OrderLimit, Price: price, Size: size}
	return g.place(ctx, intent, func(c context.Context, clientID string) (model.OrderHandle, error) {
		return g.venue.PlaceLimitOrder(c, symbol, side, price, size, clientID)
	})
}

func (g *Gateway) place(ctx context.Context, intent model.OrderHandle, submit func(context.Context, string) (model.OrderHandle, error)) (model.OrderHandle, error) {
	intent.ClientID = g.newID()
	labels := []string{string(intent.Side), string(intent.Type)}

	var placed model.OrderHandle
	submitted := false
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		if submitted {
			metrics.GatewayRetriesTotal.WithLabelValues("place").Inc()
			var found model.OrderHandle
			err := g.call(ctx, func(c context.Context) error {
				var err error
				found, err = g.venue.FindOrder(c, intent.Symbol, intent.ClientID)
				return err
			})
			switch {
			case err == nil:
				g.logger.Info("Gateway: order found after lost response", "symbol", intent.Symbol, "clientID", intent.ClientID, "id", found.ID)
				placed = found
				return nil
			case errors.Is(err, exchange.ErrNotFound):
				g.logger.Warn("Gateway: order not on venue, resubmitting", "symbol", intent.Symbol, "clientID", intent.ClientID, "attempt", attempt)
			case retryable(err):
				return err
			default:
				return backoff.Permanent(err)
			}
		}

		var h model.OrderHandle
		err := g.call(ctx, func(c context.Context) error {
			submitted = true
			var err error
			h, err = submit(c, intent.ClientID)
			return err
		})
		switch {
		case err == nil:
			placed = h
			return nil
		case errors.Is(err, exchange.ErrRejected):
			return backoff.Permanent(err)
		case retryable(err):
			g.logger.Warn("Gateway: placement outcome unknown", "symbol", intent.Symbol, "clientID", intent.ClientID, "attempt", attempt, "error", err)
			return err
		default:
			return backoff.Permanent(err)
		}
	}, g.policy(ctx))

	switch {
	case err == nil:
		metrics.OrdersTotal.WithLabelValues(append(labels, "placed")...).Inc()
		return placed, nil
	case errors.Is(err, exchange.ErrRejected):
		metrics.OrdersTotal.WithLabelValues(append(labels, "rejected")...).Inc()
		g.logger.Warn("Gateway: order rejected", "symbol", intent.Symbol, "side", intent.Side, "type", intent.Type, "error", err)
		return model.OrderHandle{}, err
	case !submitted:
		return model.OrderHandle{}, err
	default:
		metrics.OrdersTotal.WithLabelValues(append(labels, "unknown")...).Inc()
		g.logger.Error("Gateway: order state unknown", "symbol", intent.Symbol, "clientID", intent.ClientID, "error", err)
		return intent, fmt.Errorf("%w: %s %s order %s: %v", exchange.ErrUnknownOrderState, intent.Side, intent.Type, intent.ClientID, err)
	}
}

// resolve fills in the venue id of a handle that only carries a client id.
func (g *Gateway) resolve(ctx context.Context, h model.OrderHandle) (model.OrderHandle, error) {
	if h.ID != "" {
		return h, nil
	}
	var found model.OrderHandle
	err := g.retry(ctx, "find", func(c context.Context) error {
		var err error
		found, err = g.venue.FindOrder(c, h.Symbol, h.ClientID)
		return err
	})
	if err != nil && !errors.Is(err, exchange.ErrNotFound) {
		return h, fmt.Errorf("%w: lookup %s: %v", exchange.ErrUnknownOrderState, h.ClientID, err)
	}
	return found, err
}

// CancelOrder cancels handle. An order that never reached the venue reports
// CancelAlreadyCancelled. When the outcome cannot be established the error wraps
// ErrUnknownOrderState and the caller must re-query.
func (g *Gateway) CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error) {
	h, err := g.resolve(ctx, handle)
	if errors.Is(err, exchange.ErrNotFound) {
		return model.CancelAlreadyCancelled, nil
	}
	if err != nil {
		return "", err
	}

	var res model.CancelResult
	err = g.retry(ctx, "cancel", func(c context.Context) error {
		var err error
		res, err = g.venue.CancelOrder(c, h)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("%w: cancel %s: %v", exchange.ErrUnknownOrderState, h.ID, err)
	}
	return res, nil
}

// GetOrderStatus queries handle. An order that never reached the venue reports
// OrderRejected with nothing filled.
func (g *Gateway) GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error) {
	h, err := g.resolve(ctx, handle)
	if errors.Is(err, exchange.ErrNotFound) {
		return model.OrderStatus{State: model.OrderRejected}, nil
	}
	if err != nil {
		return model.OrderStatus{}, err
	}

	var status model.OrderStatus
	err = g.retry(ctx, "status", func(c context.Context) error {
		var err error
		status, err = g.venue.GetOrderStatus(c, h)
		return err
	})
	if err != nil {
		return model.OrderStatus{}, fmt.Errorf("%w: status %s: %v", exchange.ErrUnknownOrderState, h.ID, err)
	}
	return status, nil
}
