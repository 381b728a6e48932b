// Package trade runs the lifecycle of a single pump trade, from the market entry
// to the final exit.
//
// A Controller owns exactly one Position. Every cancel is followed by a status
// query, so a sell that filled while the cancel was in flight is accounted once
// and never sold again.
package trade

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

// PositionStore persists position state for restart reconciliation.
type PositionStore interface {
	SavePosition(ctx context.Context, pos model.Position) error
}

// Controller is the state machine of one position.
type Controller struct {
	logger *slog.Logger
	exec   gateway.Executor
	source exchange.MarketSnapshotSource
	th     config.ThresholdConfig
	cfg    config.TradeConfig
	events alert.Notifier
	store  PositionStore
	now    func() time.Time

	pos           model.Position
	market        model.Market
	enteredAt     time.Time
	adaptiveSince time.Time
	riseStart     time.Time
	riseRef       float64

	stop     chan struct{}
	stopOnce sync.Once
}

// NewController creates a controller for pos. A position in PositionIdle is
// entered by Run; any other non-terminal state is reconciled first. store may be nil.
func NewController(logger *slog.Logger, exec gateway.Executor, source exchange.MarketSnapshotSource, th config.ThresholdConfig, cfg config.TradeConfig, events alert.Notifier, store PositionStore, pos model.Position) *Controller {
	if pos.State == "" {
		pos.State = model.PositionIdle
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
		pos:    pos,
		stop:   make(chan struct{}),
	}
}

// Symbol returns the traded symbol.
func (c *Controller) Symbol() string {
	return c.pos.Symbol
}

// Stop asks Run to unwind the position in order. It is safe to call more than once.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Run drives the position until it is terminal, Stop is called, or ctx ends.
// Once stopping, Unwind is retried every poll until the position is terminal.
func (c *Controller) Run(ctx context.Context) error {
	stopping := c.stopRequested()
	if !stopping {
		var err error
		if c.pos.State == model.PositionIdle {
			err = c.Enter(ctx)
		} else {
			err = c.Reconcile(ctx)
		}
		switch {
		case errors.Is(err, exchange.ErrInvariantViolation):
			c.invariantViolated(err)
			stopping = true
		case err != nil && !c.pos.State.Terminal():
			c.logger.Warn("TradeController: start incomplete", "symbol", c.pos.Symbol, "error", err)
		}
	}
	if stopping {
		c.unwind(ctx)
	}

	stop := c.stop
	if stopping {
		stop = nil
	}
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for !c.pos.State.Terminal() {
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
			err := c.Step(ctx)
			if errors.Is(err, exchange.ErrInvariantViolation) {
				c.invariantViolated(err)
				stop, stopping = nil, true
				c.unwind(ctx)
				continue
			}
			if err != nil {
				c.logger.Warn("TradeController: step failed", "symbol", c.pos.Symbol, "state", c.pos.State, "error", err)
			}
		}
	}
	return nil
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Controller) invariantViolated(err error) {
	c.logger.Error("TradeController: invariant violated, unwinding", "symbol", c.pos.Symbol, "error", err)
	c.publish(model.EventUnitFault, err.Error())
}

func (c *Controller) unwind(ctx context.Context) {
	if err := c.Unwind(ctx); err != nil {
		c.logger.Warn("TradeController: unwind incomplete, retrying", "symbol", c.pos.Symbol, "state", c.pos.State, "error", err)
	}
}

func (c *Controller) ensureMarket(ctx context.Context) error {
	if c.market.Symbol != "" {
		return nil
	}
	m, err := c.exec.Market(ctx, c.pos.Symbol)
	if err != nil {
		return fmt.Errorf("market rules for %s: %w", c.pos.Symbol, err)
	}
	c.market = m
	return nil
}

// Enter places the market buy. A rejection or an exchange error fails the
// position; an order of unknown state is kept and re-queried by Step.
func (c *Controller) Enter(ctx context.Context) error {
	if c.pos.State != model.PositionIdle {
		return fmt.Errorf("%w: enter from %s", exchange.ErrInvariantViolation, c.pos.State)
	}
	if err := c.ensureMarket(ctx); err != nil {
		c.fail(ctx, model.EventRejection, err.Error())
		return err
	}

	c.enteredAt = c.now()
	c.transition(ctx, model.PositionEntering, "")

	h, err := c.exec.PlaceMarketBuy(ctx, c.pos.Symbol, c.cfg.Notional)
	switch {
	case err == nil:
		c.pos.EntryOrder = &h
	case errors.Is(err, exchange.ErrUnknownOrderState):
		c.pos.EntryOrder = &h
		c.logger.Warn("TradeController: entry order state unknown", "symbol", c.pos.Symbol, "clientID", h.ClientID)
		c.save(ctx)
		return nil
	default:
		c.fail(ctx, model.EventRejection, fmt.Sprintf("entry failed: %v", err))
		return err
	}
	c.save(ctx)
	return c.checkEntry(ctx)
}

// Reconcile rebuilds in-memory state from a persisted position and the live
// order status before the controller acts on it.
func (c *Controller) Reconcile(ctx context.Context) error {
	if c.pos.State.Terminal() {
		return nil
	}
	c.logger.Info("TradeController: reconciling", "symbol", c.pos.Symbol, "state", c.pos.State)
	if err := c.ensureMarket(ctx); err != nil {
		return err
	}
	c.enteredAt = c.pos.UpdatedAt
	if c.pos.State == model.PositionAdaptiveExit {
		c.adaptiveSince = c.pos.UpdatedAt
	}

	switch c.pos.State {
	case model.PositionIdle:
		return nil
	case model.PositionEntering:
		if c.pos.EntryOrder == nil {
			c.fail(ctx, model.EventAbandon, "interrupted before the entry order was sent")
			return nil
		}
		return c.checkEntry(ctx)
	default:
		if c.pos.Deadline.IsZero() {
			c.pos.Deadline = c.pos.EntryTime.Add(c.th.TimeLimit)
		}
		_, err := c.settleSell(ctx)
		return err
	}
}

// Step performs one iteration of the state machine.
func (c *Controller) Step(ctx context.Context) error {
	switch c.pos.State {
	case model.PositionEntering:
		return c.checkEntry(ctx)
	case model.PositionHolding, model.PositionPartialExit:
		return c.stepHolding(ctx)
	case model.PositionAdaptiveExit:
		return c.stepAdaptive(ctx)
	}
	return nil
}

func (c *Controller) checkEntry(ctx context.Context) error {
	if c.pos.EntryOrder == nil {
		return fmt.Errorf("%w: entering without an entry order", exchange.ErrInvariantViolation)
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pos.EntryOrder)
	if err != nil {
		return err
	}

	if status.IsOpen() {
		if c.now().Sub(c.enteredAt) < c.cfg.EntryFillTimeout {
			return nil
		}
		if _, err := c.exec.CancelOrder(ctx, *c.pos.EntryOrder); err != nil {
			return err
		}
		if status, err = c.exec.GetOrderStatus(ctx, *c.pos.EntryOrder); err != nil {
			return err
		}
		if status.IsOpen() {
			return fmt.Errorf("entry order %s still open after cancel", c.pos.EntryOrder.ClientID)
		}
	}

	if status.Filled <= 0 {
		c.fail(ctx, model.EventRejection, fmt.Sprintf("entry order %s ended %s without a fill", c.pos.EntryOrder.ClientID, status.State))
		return nil
	}
	return c.onEntryFilled(ctx, status.Filled, status.AvgPrice)
}

func (c *Controller) onEntryFilled(ctx context.Context, qty, price float64) error {
	now := c.now()
	c.pos.EntryPrice = price
	c.pos.EntryQty = qty
	c.pos.EntryTime = now
	c.pos.Remaining = qty
	c.pos.TargetProfitRatio = c.th.TargetProfitRatio
	c.pos.Deadline = now.Add(c.th.TimeLimit)
	c.logger.Info("TradeController: entry filled", "symbol", c.pos.Symbol, "price", price, "qty", qty)
	c.transition(ctx, model.PositionHolding, "")
	return c.armTarget(ctx)
}

// armTarget rests the fixed-target sell. Only Holding and PartialExit use it.
func (c *Controller) armTarget(ctx context.Context) error {
	ratio := c.pos.TargetProfitRatio
	if c.pos.State == model.PositionPartialExit {
		ratio = c.cfg.PartialTargetRatio
	}
	price := c.market.RoundPrice(c.pos.EntryPrice * (1 + ratio))
	return c.placeLimitSell(ctx, price)
}

func (c *Controller) placeLimitSell(ctx context.Context, price float64) error {
	if c.pos.SellOrder != nil {
		return fmt.Errorf("%w: second live sell for %s", exchange.ErrInvariantViolation, c.pos.Symbol)
	}
	size := c.market.FloorSize(c.pos.Remaining)
	if size <= 0 {
		c.closeDust(ctx)
		return nil
	}
	h, err := c.exec.PlaceLimitOrder(ctx, c.pos.Symbol, model.SideSell, price, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		return err
	}
	c.pos.SellOrder = &h
	c.save(ctx)
	return nil
}

func (c *Controller) placeMarketSell(ctx context.Context) error {
	if c.pos.SellOrder != nil {
		return fmt.Errorf("%w: second live sell for %s", exchange.ErrInvariantViolation, c.pos.Symbol)
	}
	size := c.market.FloorSize(c.pos.Remaining)
	if size <= 0 {
		c.closeDust(ctx)
		return nil
	}
	h, err := c.exec.PlaceMarketSell(ctx, c.pos.Symbol, size)
	if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
		return err
	}
	c.pos.SellOrder = &h
	c.save(ctx)
	_, err = c.settleSell(ctx)
	return err
}

// settleSell queries the resting sell and books its fills once it is no longer
// open. It reports whether the sell is still live.
func (c *Controller) settleSell(ctx context.Context) (bool, error) {
	if c.pos.SellOrder == nil {
		return false, nil
	}
	status, err := c.exec.GetOrderStatus(ctx, *c.pos.SellOrder)
	if err != nil {
		return true, err
	}
	if status.IsOpen() {
		return true, nil
	}
	c.book(ctx, status)
	return false, nil
}

// cancelSell cancels the resting sell and re-queries it, so a sell that filled
// in the meantime is booked as a fill.
func (c *Controller) cancelSell(ctx context.Context) error {
	if c.pos.SellOrder == nil {
		return nil
	}
	res, err := c.exec.CancelOrder(ctx, *c.pos.SellOrder)
	if err != nil {
		return err
	}
	if res == model.CancelAlreadyFilled {
		c.logger.Info("TradeController: sell filled before cancel", "symbol", c.pos.Symbol, "clientID", c.pos.SellOrder.ClientID)
	}
	live, err := c.settleSell(ctx)
	if err != nil {
		return err
	}
	if live {
		return fmt.Errorf("sell %s still open after cancel", c.pos.SellOrder.ClientID)
	}
	return nil
}

func (c *Controller) book(ctx context.Context, status model.OrderStatus) {
	h := c.pos.SellOrder
	c.pos.SellOrder = nil
	if status.Filled > 0 {
		price := status.AvgPrice
		if price == 0 {
			price = h.Price
		}
		profit := decimal.NewFromFloat(price).Sub(decimal.NewFromFloat(c.pos.EntryPrice)).Mul(decimal.NewFromFloat(status.Filled))
		c.pos.RealizedProfit, _ = decimal.NewFromFloat(c.pos.RealizedProfit).Add(profit).Float64()
		c.pos.Remaining, _ = decimal.NewFromFloat(c.pos.Remaining).Sub(decimal.NewFromFloat(status.Filled)).Float64()
		if c.pos.Remaining < 0 {
			c.pos.Remaining = 0
		}
		c.logger.Info("TradeController: sell filled",
			"symbol", c.pos.Symbol,
			"type", h.Type,
			"price", price,
			"qty", status.Filled,
			"remaining", c.pos.Remaining,
		)
	}
	if c.pos.Remaining <= 0 {
		c.transition(ctx, model.PositionClosed, "sold")
		return
	}
	c.save(ctx)
}

func (c *Controller) closeDust(ctx context.Context) {
	c.transition(ctx, model.PositionClosed, fmt.Sprintf("remaining %v below minimum order size", c.pos.Remaining))
}

func (c *Controller) stepHolding(ctx context.Context) error {
	live, err := c.settleSell(ctx)
	if err != nil || c.pos.State.Terminal() {
		return err
	}

	if !c.now().Before(c.pos.Deadline) {
		return c.toAdaptive(ctx)
	}

	if live && c.pos.SellOrder.Type == model.OrderMarket {
		return nil
	}

	if c.pos.State == model.PositionHolding {
		book, err := c.source.GetOrderBook(ctx, c.pos.Symbol, c.cfg.BookDepth)
		if err != nil {
			return err
		}
		if bid, ok := book.BestBid(); ok && c.stalled(bid.Price) {
			return c.partialExit(ctx, bid.Price)
		}
	}

	if !live {
		return c.armTarget(ctx)
	}
	return nil
}

// stalled tracks the rise over entry. Observation starts once the price is
// min_rise above entry; the rise is stalled when it gained less than
// stall_decay_rate of the entry price during a full stall_window.
func (c *Controller) stalled(price float64) bool {
	now := c.now()
	if price <= c.pos.EntryPrice*(1+c.cfg.MinRise) {
		c.riseStart = time.Time{}
		return false
	}
	if c.riseStart.IsZero() {
		c.riseStart, c.riseRef = now, price
		return false
	}
	if now.Sub(c.riseStart) < c.cfg.StallWindow {
		return false
	}
	gain := (price - c.riseRef) / c.pos.EntryPrice
	if gain < c.cfg.StallDecayRate {
		return true
	}
	c.riseStart, c.riseRef = now, price
	return false
}

func (c *Controller) partialExit(ctx context.Context, price float64) error {
	c.logger.Info("TradeController: rise stalled, taking partial profit", "symbol", c.pos.Symbol, "price", price, "entry", c.pos.EntryPrice)
	if err := c.cancelSell(ctx); err != nil {
		return err
	}
	if c.pos.State.Terminal() {
		return nil
	}
	c.transition(ctx, model.PositionPartialExit, "stalled")

	size := c.market.FloorSize(c.pos.Remaining * c.cfg.PartialFraction)
	if size > 0 {
		h, err := c.exec.PlaceMarketSell(ctx, c.pos.Symbol, size)
		if err != nil && !errors.Is(err, exchange.ErrUnknownOrderState) {
			return err
		}
		c.pos.SellOrder = &h
		live, err := c.settleSell(ctx)
		if err != nil || live || c.pos.State.Terminal() {
			return err
		}
	}
	return c.armTarget(ctx)
}

func (c *Controller) toAdaptive(ctx context.Context) error {
	if err := c.cancelSell(ctx); err != nil {
		return err
	}
	if c.pos.State.Terminal() {
		return nil
	}
	c.adaptiveSince = c.now()
	c.transition(ctx, model.PositionAdaptiveExit, "time limit reached")
	return c.stepAdaptive(ctx)
}

func (c *Controller) floor() float64 {
	return c.pos.EntryPrice * (1 - c.th.MaxLossFloor)
}

func (c *Controller) stepAdaptive(ctx context.Context) error {
	live, err := c.settleSell(ctx)
	if err != nil || c.pos.State.Terminal() {
		return err
	}
	if live && c.pos.SellOrder.Type == model.OrderMarket {
		return nil
	}

	book, err := c.source.GetOrderBook(ctx, c.pos.Symbol, c.cfg.BookDepth)
	if err != nil {
		return err
	}
	bid, ok := book.BestBid()
	floor := c.floor()
	expired := c.cfg.AdaptiveMaxDuration > 0 && c.now().Sub(c.adaptiveSince) >= c.cfg.AdaptiveMaxDuration
	if !ok || bid.Price < floor || expired {
		c.logger.Warn("TradeController: exiting at market", "symbol", c.pos.Symbol, "bid", bid.Price, "floor", floor, "expired", expired)
		if err := c.cancelSell(ctx); err != nil || c.pos.State.Terminal() {
			return err
		}
		return c.placeMarketSell(ctx)
	}

	target := c.market.AddTicks(bid.Price, -c.cfg.PegTicks)
	if target < floor {
		target = c.market.RoundPrice(floor)
		if target < floor {
			target = c.market.AddTicks(target, 1)
		}
	}
	if live && c.pos.SellOrder.Price == target {
		return nil
	}
	if err := c.cancelSell(ctx); err != nil || c.pos.State.Terminal() {
		return err
	}
	c.logger.Info("TradeController: repegging exit", "symbol", c.pos.Symbol, "bid", bid.Price, "price", target)
	return c.placeLimitSell(ctx, target)
}

// Unwind handles the stop event: it cancels working orders and, when configured,
// liquidates the remainder at market.
func (c *Controller) Unwind(ctx context.Context) error {
	if c.pos.State.Terminal() {
		return nil
	}
	c.logger.Info("TradeController: stop requested", "symbol", c.pos.Symbol, "state", c.pos.State)
	if err := c.ensureMarket(ctx); err != nil {
		return err
	}

	switch c.pos.State {
	case model.PositionIdle:
		c.transition(ctx, model.PositionClosed, "stopped before entry")
		return nil
	case model.PositionEntering:
		if c.pos.EntryOrder == nil {
			c.fail(ctx, model.EventAbandon, "stopped before entry")
			return nil
		}
		if _, err := c.exec.CancelOrder(ctx, *c.pos.EntryOrder); err != nil {
			return err
		}
		status, err := c.exec.GetOrderStatus(ctx, *c.pos.EntryOrder)
		if err != nil {
			return err
		}
		if status.Filled <= 0 {
			c.fail(ctx, model.EventAbandon, "stopped before entry filled")
			return nil
		}
		c.pos.EntryPrice, c.pos.EntryQty, c.pos.Remaining = status.AvgPrice, status.Filled, status.Filled
		c.pos.EntryTime = c.now()
	}

	if err := c.cancelSell(ctx); err != nil {
		return err
	}
	if c.pos.State.Terminal() {
		return nil
	}
	if !c.cfg.LiquidateOnStop {
		c.transition(ctx, model.PositionClosed, "stopped, remainder left unsold")
		return nil
	}
	if err := c.placeMarketSell(ctx); err != nil {
		return err
	}
	if !c.pos.State.Terminal() {
		return fmt.Errorf("liquidation of %s not confirmed", c.pos.Symbol)
	}
	return nil
}

func (c *Controller) fail(ctx context.Context, kind model.EventKind, reason string) {
	c.pos.State = model.PositionFailed
	c.pos.Reason = reason
	c.pos.UpdatedAt = c.now()
	c.logger.Warn("TradeController: position failed", "symbol", c.pos.Symbol, "reason", reason)
	c.save(ctx)
	c.publish(kind, reason)
	metrics.TradesTotal.WithLabelValues(string(model.PositionFailed)).Inc()
}

func (c *Controller) transition(ctx context.Context, state model.PositionState, reason string) {
	from := c.pos.State
	c.pos.State = state
	c.pos.Reason = reason
	c.pos.UpdatedAt = c.now()
	c.logger.Info("TradeController: transition", "symbol", c.pos.Symbol, "from", from, "to", state, "reason", reason)
	c.save(ctx)
	c.publish(model.EventPosition, reason)
	if state.Terminal() {
		metrics.TradesTotal.WithLabelValues(string(state)).Inc()
		metrics.RealizedProfit.WithLabelValues("pump").Add(c.pos.RealizedProfit)
	}
}

func (c *Controller) save(ctx context.Context) {
	if c.store == nil {
		return
	}
	if err := c.store.SavePosition(ctx, c.pos); err != nil {
		c.logger.Error("TradeController: failed to persist position", "symbol", c.pos.Symbol, "error", err)
	}
}

func (c *Controller) publish(kind model.EventKind, message string) {
	if c.events == nil {
		return
	}
	pos := c.pos
	c.events.Publish(model.Event{
		Kind:     kind,
		Time:     c.now(),
		Exchange: c.pos.Exchange,
		Symbol:   c.pos.Symbol,
		Position: &pos,
		Message:  message,
	})
}
