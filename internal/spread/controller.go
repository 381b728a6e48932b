// Package spread keeps a resting buy one tick above the best bid and, once it
// fills, a resting sell one tick below the best ask, capturing wide spreads.
package spread

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"pumpwatch/internal/alert"
	"pumpwatch/internal/config"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/gateway"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
)

// PairStore persists pair state for restart reconciliation.
type PairStore interface {
	SavePair(ctx context.Context, pair model.ResidentOrderPair) error
}

// Controller is the state machine of one resident order pair.
type Controller struct {
	logger *slog.Logger
	exec   gateway.Executor
	source exchange.MarketSnapshotSource
	th     config.ThresholdConfig
	cfg    config.SpreadConfig
	events alert.Notifier
	store  PairStore
	now    func() time.Time

	pair    model.ResidentOrderPair
	market  model.Market
	started time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewController creates a controller for pair. A pair restored from storage is
// reconciled by Run before any new order is placed. store may be nil.
func NewController(logger *slog.Logger, exec gateway.Executor, source exchange.MarketSnapshotSource, th config.ThresholdConfig, cfg config.SpreadConfig, events alert.Notifier, store PairStore, pair model.ResidentOrderPair) *Controller {
	if pair.State == "" {
		pair.State = model.PairWatching
	}
	return &Controller{
		logger: logger,
		exec:   exec,
		source: source,
		th:     th,
		cfg:    cfg,
		events: events,
		store:  store,
		now:    time.Now,
		pair:   pair,
		stop:   make(chan struct{}),
	}
}

// Symbol returns the watched symbol.
func (c *Controller) Symbol() string {
	return c.pair.Symbol
}

// Stop asks Run to unwind the pair in order. It is safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run drives the pair until max_duration elapses, Stop is called, or ctx ends.
// Once stopping, Unwind is retried every poll until the pair is stopped.
func (c *Controller) Run(ctx context.Context) error {
	stopping := false
	err := c.Reconcile(ctx)
	switch {
	case errors.Is(err, exchange.ErrInvariantViolation):
		c.invariantViolated(err)
		stopping = true
		c.unwind(ctx)
	case err != nil:
		c.logger.Warn("SpreadController: reconcile incomplete", "symbol", c.pair.Symbol, "error", err)
	}

	stop := c.stop
	if stopping {
		stop = nil
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for c.pair.State != model.PairStopped {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			stop, stopping = nil, true
			c.unwind(ctx)
		case <-ticker.C:
			if stopping {
				c.unwind(ctx)
				continue
			}
			if c.cfg.MaxDuration > 0 && c.now().Sub(c.started) >= c.cfg.MaxDuration {
				c.logger.Info("SpreadController: max duration reached", "symbol", c.pair.Symbol)
				stop, stopping = nil, true
				c.unwind(ctx)
				continue
			}
			err := c.Step(ctx)
			if errors.Is(err, exchange.ErrInvariantViolation) {
				c.invariantViolated(err)
				stop, stopping = nil, true
				c.unwind(ctx)
				continue
			}
			if err != nil {
				c.logger.Warn("SpreadController: step failed", "symbol", c.pair.Symbol, "state", c.pair.State, "error", err)
			}
		}
	}
	return nil
}

func (c *Controller) invariantViolated(err error) {
	c.logger.Error("SpreadController: invariant violated, unwinding", "symbol", c.pair.Symbol, "error", err)
	c.publish(model.EventUnitFault, err.Error())
}

func (c *Controller) unwind(ctx context.Context) {
	if err := c.Unwind(ctx); err != nil {
		c.logger.Warn("SpreadController: unwind incomplete, retrying", "symbol", c.pair.Symbol, "state", c.pair.State, "error", err)
	}
}

func (c *Controller) ensureMarket(ctx context.Context) error {
	if c.market.Symbol != "" {
		return nil
	}
	m, err := c.exec.Market(ctx, c.pair.Symbol)
	if err != nil {
		return fmt.Errorf("market rules for %s: %w", c.pair.Symbol, err)
	}
	c.market = m
	return nil
}

// Reconcile derives the state of a restored pair from the orders and inventory
// it carries. Live order status is read by the next Step, and inventory left
// without a working sell gets a fresh sell there instead of being assumed away.
func (c *Controller) Reconcile(ctx context.Context) error {
	c.started = c.now()
	if err := c.ensureMarket(ctx); err != nil {
		return err
	}
	if c.pair.Buy != nil && c.pair.Sell != nil {
		return fmt.Errorf("%w: restored pair %s holds a buy and a sell", exchange.ErrInvariantViolation, c.pair.ID)
	}
	switch {
	case c.pair.Buy != nil:
		c.pair.State = model.PairBuyPlaced
	case c.pair.Sell != nil || c.pair.Inventory > 0:
		c.pair.State = model.PairSellPlaced
	default:
		c.pair.State = model.PairWatching
	}
	c.logger.Info("SpreadController: reconciled", "symbol", c.pair.Symbol, "state", c.pair.State, "inventory", c.pair.Inventory)
	return nil
}

// Step reads the book once and advances the state machine.
func (c *Controller) Step(ctx context.Context) error {
	if err := c.ensureMarket(ctx); err != nil {
		return err
	}
	book, err := c.source.GetOrderBook(ctx, c.pair.Symbol, c.cfg.BookDepth)
	if err != nil {
		return err
	}
	bid, okBid := book.BestBid()
	ask, okAsk := book.BestAsk()
	if !okBid || !okAsk {
		return nil
	}
	c.pair.BestBid, c.pair.BestAsk = bid.Price, ask.Price

	switch c.pair.State {
	case model.PairWatching, model.PairCaptured:
		return c.stepWatching(ctx, book)
	case model.PairBuyPlaced:
		return c.stepBuy(ctx, book)
	case model.PairSellPlaced:
		return c.stepSell(ctx, book)
	}
	return nil
}

// refBid is the best bid other than our own resting buy.
func (c *Controller) refBid(book model.OrderBook) (float64, bool) {
	for _, lvl := range book.Bids {
		if c.pair.Buy != nil && lvl.Price == c.pair.Buy.Price {
			continue
		}
		return lvl.Price, true
	}
	return 0, false
}

// refAsk is the best ask other than our own resting sell.
func (c *Controller) refAsk(book model.OrderBook) (float64, bool) {
	for _, lvl := range book.Asks {
		if c.pair.Sell != nil && lvl.Price == c.pair.Sell.Price {
			continue
		}
		return lvl.Price, true
	}
	return 0, false
}

func (c *Controller) buyWindowOpen() bool {
	return c.cfg.BuyWindow <= 0 || c.now().Sub(c.started) < c.cfg.BuyWindow
}

func (c *Controller) stepWatching(ctx context.Context, book model.OrderBook) error {
	if !c.buyWindowOpen() {
		return nil
	}
	bid, ask := c.pair.BestBid, c.pair.BestAsk
	if (ask-bid)/bid < c.th.SpreadThreshold {
		return nil
	}
	price := c.market.AddTicks(bid, 1)
	if price >= ask {
		return nil
	}
	if c.pair.Buy != nil {
		return fmt.Errorf("%w: second live buy for %s", exchange.ErrInvariantViolation, c.pair.Symbol)
	}
	size := c.market.FloorSize(c.cfg.Notional / price)
	if size <= 0 {
		c.logger.Warn("SpreadController: notional below minimum size", "symbol", c.pair.Symbol, "price", price)
		return nil
	}
	h, err := c.exec.PlaceLimitOrder(ctx, c.pair.Symbol, model.SideBuy, price, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		return err
	}
	c.pair.Buy = &h
	c.pair.Reprices = 0
	c.logger.Info("SpreadController: spread wide, buy placed", "symbol", c.pair.Symbol, "bid", bid, "ask", ask, "price", price, "size", size)
	c.transition(ctx, model.PairBuyPlaced, "")
	return nil
}

func (c *Controller) stepBuy(ctx context.Context, book model.OrderBook) error {
	if c.pair.Buy == nil {
		c.transition(ctx, model.PairWatching, "")
		return nil
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pair.Buy)
	if err != nil {
		return err
	}
	if !status.IsOpen() {
		return c.settleBuy(ctx, status)
	}

	ref, ok := c.refBid(book)
	if !ok {
		return nil
	}
	desired := c.market.AddTicks(ref, 1)
	if desired == c.pair.Buy.Price || desired >= c.pair.BestAsk {
		return nil
	}

	if c.pair.Reprices >= c.th.RepriceBudget {
		return c.abandonBuy(ctx)
	}

	if err := c.cancelBuy(ctx); err != nil || c.pair.State != model.PairBuyPlaced {
		return err
	}
	size := c.market.FloorSize(c.cfg.Notional / desired)
	if size <= 0 || !c.buyWindowOpen() {
		c.transition(ctx, model.PairWatching, "")
		return nil
	}
	h, err := c.exec.PlaceLimitOrder(ctx, c.pair.Symbol, model.SideBuy, desired, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		c.transition(ctx, model.PairWatching, fmt.Sprintf("reprice failed: %v", err))
		return err
	}
	c.pair.Buy = &h
	c.pair.Reprices++
	metrics.SpreadEventsTotal.WithLabelValues("reprice").Inc()
	c.logger.Info("SpreadController: buy repriced", "symbol", c.pair.Symbol, "price", desired, "reprices", c.pair.Reprices)
	c.save(ctx)
	return nil
}

// cancelBuy cancels the resting buy and re-queries it. A buy that filled before
// the cancel landed moves the pair on to selling; otherwise the buy slot is freed.
func (c *Controller) cancelBuy(ctx context.Context) error {
	if _, err := c.exec.CancelOrder(ctx, *c.pair.Buy); err != nil {
		return err
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pair.Buy)
	if err != nil {
		return err
	}
	if status.IsOpen() {
		return fmt.Errorf("buy %s still open after cancel", c.pair.Buy.ClientID)
	}
	if status.Filled > 0 {
		return c.settleBuy(ctx, status)
	}
	c.pair.Buy = nil
	return nil
}

func (c *Controller) settleBuy(ctx context.Context, status model.OrderStatus) error {
	h := c.pair.Buy
	c.pair.Buy = nil
	if status.Filled <= 0 {
		c.transition(ctx, model.PairWatching, fmt.Sprintf("buy ended %s", status.State))
		return nil
	}
	price := status.AvgPrice
	if price == 0 {
		price = h.Price
	}
	c.pair.BuyPrice = price
	c.pair.Inventory = addQty(c.pair.Inventory, status.Filled)
	c.pair.Reprices = 0
	c.logger.Info("SpreadController: buy filled", "symbol", c.pair.Symbol, "price", price, "qty", status.Filled)
	c.transition(ctx, model.PairSellPlaced, "")
	return c.armSell(ctx)
}

func (c *Controller) abandonBuy(ctx context.Context) error {
	if err := c.cancelBuy(ctx); err != nil || c.pair.State != model.PairBuyPlaced {
		return err
	}
	metrics.SpreadEventsTotal.WithLabelValues("abandon").Inc()
	c.transition(ctx, model.PairWatching, "buy reprice budget exhausted")
	c.publish(model.EventAbandon, "buy reprice budget exhausted")
	return nil
}

// armSell rests a sell for the whole inventory one tick below the best ask,
// never at or below the best bid.
func (c *Controller) armSell(ctx context.Context) error {
	if c.pair.Sell != nil {
		return fmt.Errorf("%w: second live sell for %s", exchange.ErrInvariantViolation, c.pair.Symbol)
	}
	size := c.market.FloorSize(c.pair.Inventory)
	if size <= 0 {
		c.logger.Warn("SpreadController: inventory below minimum size", "symbol", c.pair.Symbol, "inventory", c.pair.Inventory)
		c.pair.Inventory = 0
		c.transition(ctx, model.PairWatching, "dust inventory")
		return nil
	}
	price := c.market.AddTicks(c.pair.BestAsk, -1)
	if price <= c.pair.BestBid {
		price = c.market.AddTicks(c.pair.BestBid, 1)
	}
	h, err := c.exec.PlaceLimitOrder(ctx, c.pair.Symbol, model.SideSell, price, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		return err
	}
	c.pair.Sell = &h
	c.logger.Info("SpreadController: sell placed", "symbol", c.pair.Symbol, "price", price, "size", size)
	c.save(ctx)
	return nil
}

func (c *Controller) stepSell(ctx context.Context, book model.OrderBook) error {
	if c.pair.Sell == nil {
		return c.armSell(ctx)
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pair.Sell)
	if err != nil {
		return err
	}
	if !status.IsOpen() {
		c.settleSell(ctx, status)
		if c.pair.State == model.PairSellPlaced {
			return c.armSell(ctx)
		}
		return nil
	}

	ref, ok := c.refAsk(book)
	if !ok {
		return nil
	}
	desired := c.market.AddTicks(ref, -1)
	if desired == c.pair.Sell.Price || desired <= c.pair.BestBid {
		return nil
	}

	if c.pair.Reprices >= c.th.RepriceBudget {
		return c.flatten(ctx, "sell reprice budget exhausted")
	}

	live, err := c.cancelSell(ctx)
	if err != nil || live || c.pair.State != model.PairSellPlaced {
		return err
	}
	size := c.market.FloorSize(c.pair.Inventory)
	if size <= 0 {
		c.pair.Inventory = 0
		c.transition(ctx, model.PairWatching, "dust inventory")
		return nil
	}
	h, err := c.exec.PlaceLimitOrder(ctx, c.pair.Symbol, model.SideSell, desired, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		return err
	}
	c.pair.Sell = &h
	c.pair.Reprices++
	metrics.SpreadEventsTotal.WithLabelValues("reprice").Inc()
	c.logger.Info("SpreadController: sell repriced", "symbol", c.pair.Symbol, "price", desired, "reprices", c.pair.Reprices)
	c.save(ctx)
	return nil
}

// cancelSell cancels the resting sell, re-queries it and books any fill. It
// reports whether the sell is still live.
func (c *Controller) cancelSell(ctx context.Context) (bool, error) {
	if c.pair.Sell == nil {
		return false, nil
	}
	if _, err := c.exec.CancelOrder(ctx, *c.pair.Sell); err != nil {
		return true, err
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pair.Sell)
	if err != nil {
		return true, err
	}
	if status.IsOpen() {
		return true, fmt.Errorf("sell %s still open after cancel", c.pair.Sell.ClientID)
	}
	c.settleSell(ctx, status)
	return false, nil
}

// settleSell books the fills of a finished sell. When the inventory is gone the
// capture is complete and the pair returns to watching.
func (c *Controller) settleSell(ctx context.Context, status model.OrderStatus) {
	h := c.pair.Sell
	c.pair.Sell = nil
	if status.Filled > 0 {
		price := status.AvgPrice
		if price == 0 {
			price = h.Price
		}
		profit := CaptureProfit(c.pair.BuyPrice, price, status.Filled, c.cfg.FeeRate)
		c.pair.Profit, _ = decimal.NewFromFloat(c.pair.Profit).Add(decimal.NewFromFloat(profit)).Float64()
		c.pair.Inventory = addQty(c.pair.Inventory, -status.Filled)
		metrics.RealizedProfit.WithLabelValues("spread").Add(profit)
		c.logger.Info("SpreadController: sell filled", "symbol", c.pair.Symbol, "type", h.Type, "price", price, "qty", status.Filled, "profit", profit)
	}
	if c.pair.Inventory > 0 && c.market.FloorSize(c.pair.Inventory) > 0 {
		c.save(ctx)
		return
	}
	c.pair.Inventory = 0
	c.pair.Reprices = 0
	if status.Filled > 0 && h.Type == model.OrderLimit {
		c.pair.Captures++
		metrics.SpreadEventsTotal.WithLabelValues("capture").Inc()
		c.transition(ctx, model.PairCaptured, "")
	}
	c.transition(ctx, model.PairWatching, "")
}

// flatten closes the inventory at market instead of holding it unbounded.
func (c *Controller) flatten(ctx context.Context, reason string) error {
	live, err := c.cancelSell(ctx)
	if err != nil || live {
		return err
	}
	if c.pair.State != model.PairSellPlaced {
		return nil
	}
	size := c.market.FloorSize(c.pair.Inventory)
	if size > 0 {
		h, err := c.exec.PlaceMarketSell(ctx, c.pair.Symbol, size)
		if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
			return err
		}
		c.pair.Sell = &h
		status, err := c.exec.GetOrderStatus(ctx, h)
		if err != nil {
			return err
		}
		if status.IsOpen() {
			return nil
		}
		c.settleSell(ctx, status)
	} else {
		c.pair.Inventory = 0
		c.transition(ctx, model.PairWatching, "")
	}
	metrics.SpreadEventsTotal.WithLabelValues("flatten").Inc()
	c.publish(model.EventAbandon, reason)
	return nil
}

// Unwind handles the stop event: it cancels both sides and, when configured,
// sells the remaining inventory at market.
func (c *Controller) Unwind(ctx context.Context) error {
	if c.pair.State == model.PairStopped {
		return nil
	}
	c.logger.Info("SpreadController: stop requested", "symbol", c.pair.Symbol, "state", c.pair.State)
	if err := c.ensureMarket(ctx); err != nil {
		return err
	}
	if c.pair.Buy != nil {
		if _, err := c.exec.CancelOrder(ctx, *c.pair.Buy); err != nil {
			return err
		}
		status, err := c.exec.GetOrderStatus(ctx, *c.pair.Buy)
		if err != nil {
			return err
		}
		if status.Filled > 0 {
			if status.AvgPrice > 0 {
				c.pair.BuyPrice = status.AvgPrice
			} else {
				c.pair.BuyPrice = c.pair.Buy.Price
			}
			c.pair.Inventory = addQty(c.pair.Inventory, status.Filled)
		}
		c.pair.Buy = nil
	}
	if live, err := c.cancelSell(ctx); err != nil || live {
		return err
	}

	if c.cfg.LiquidateOnStop && c.market.FloorSize(c.pair.Inventory) > 0 {
		c.pair.State = model.PairSellPlaced
		if err := c.flatten(ctx, "stopped"); err != nil {
			return err
		}
		if c.pair.Sell != nil {
			return fmt.Errorf("liquidation of %s not confirmed", c.pair.Symbol)
		}
	}
	reason := "stopped"
	if c.pair.Inventory > 0 {
		reason = fmt.Sprintf("stopped with %v inventory left", c.pair.Inventory)
	}
	c.transition(ctx, model.PairStopped, reason)
	return nil
}

// CaptureProfit is the quote profit of selling qty bought at buy for sell, with
// fees charged on both notionals.
func CaptureProfit(buy, sell, qty, feeRate float64) float64 {
	b := decimal.NewFromFloat(buy)
	s := decimal.NewFromFloat(sell)
	q := decimal.NewFromFloat(qty)
	fee := decimal.NewFromFloat(feeRate).Mul(b.Mul(q).Add(s.Mul(q)))
	v, _ := s.Sub(b).Mul(q).Sub(fee).Float64()
	return v
}

func addQty(a, b float64) float64 {
	v, _ := decimal.NewFromFloat(a).Add(decimal.NewFromFloat(b)).Float64()
	if v < 0 {
		return 0
	}
	return v
}

func (c *Controller) transition(ctx context.Context, state model.PairState, reason string) {
	from := c.pair.State
	c.pair.State = state
	c.pair.UpdatedAt = c.now()
	c.logger.Info("SpreadController: transition", "symbol", c.pair.Symbol, "from", from, "to", state, "reason", reason)
	c.save(ctx)
	c.publish(model.EventPair, reason)
}

func (c *Controller) save(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePair(ctx, c.pair); err != nil {
		c.logger.Error("SpreadController: failed to persist pair", "symbol", c.pair.Symbol, "error", err)
	}
}

func (c *Controller) publish(kind model.EventKind, message string) {
	if c.events == nil {
		return
	}
	pair := c.pair
	c.events.Publish(model.Event{
		Kind:     kind,
		Time:     c.now(),
		Exchange: c.pair.Exchange,
		Symbol:   c.pair.Symbol,
		Pair:     &pair,
		Message:  message,
	})
}
