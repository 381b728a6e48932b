// Package engine supervises the detector loop, the alert dispatcher and the
// trading units. Every unit runs in its own goroutine with its own state; a
// failing or panicking unit is reported and never takes down the others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"pumpwatch/internal/alert"
	"pumpwatch/internal/config"
	"pumpwatch/internal/database"
	"pumpwatch/internal/detector"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/gateway"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
	"pumpwatch/internal/spread"
	"pumpwatch/internal/trade"
)

var (
	ErrPositionActive = errors.New("symbol already has an active position")
	ErrTradeCap       = errors.New("maximum active trades reached")
	ErrSpreadActive   = errors.New("symbol already has a spread unit")
	ErrShuttingDown   = errors.New("engine is shutting down")
)

type unit interface {
	Run(ctx context.Context) error
	Stop()
}

type arming struct {
	next   bool
	except string
	at     time.Time
	window time.Duration
}

// Engine wires the scanner to the trade units and owns their lifecycle.
type Engine struct {
	logger *slog.Logger
	cfg    *config.Config
	source exchange.MarketSnapshotSource
	exec   gateway.Executor
	store  database.Repository
	now    func() time.Time

	events     *alert.Queue[model.Event]
	signals    *alert.Queue[model.Signal]
	gate       *alert.Gate
	scanner    *detector.Scanner
	dispatcher *alert.Dispatcher

	unitCtx     context.Context
	cancelUnits context.CancelFunc
	units       errgroup.Group
	closed      chan struct{}
	active      atomic.Int32

	mu      sync.Mutex
	closing bool
	trades  map[string]*trade.Controller
	spreads map[string]*spread.Controller
	arm     arming
}

// NewEngine creates an engine. store may be nil, in which case nothing is
// persisted or resumed. channels are added to the built-in log channel.
func NewEngine(logger *slog.Logger, cfg *config.Config, source exchange.MarketSnapshotSource, exec gateway.Executor, store database.Repository, channels ...alert.Channel) *Engine {
	e := &Engine{
		logger:  logger,
		cfg:     cfg,
		source:  source,
		exec:    exec,
		store:   store,
		now:     time.Now,
		closed:  make(chan struct{}),
		gate:    alert.NewGate(logger, cfg.Alerts),
		trades:  make(map[string]*trade.Controller),
		spreads: make(map[string]*spread.Controller),
	}
	e.unitCtx, e.cancelUnits = context.WithCancel(context.Background())
	e.events = alert.NewQueue[model.Event](cfg.Alerts.QueueSize, cfg.Alerts.Overflow, func() {
		metrics.AlertsDroppedTotal.WithLabelValues("events").Inc()
	})
	e.signals = alert.NewQueue[model.Signal](cfg.Alerts.QueueSize, cfg.Alerts.Overflow, e.signalDropped)

	sinks := []alert.Channel{alert.NewLogChannel(logger)}
	if store != nil {
		sinks = append(sinks, alert.NewJournalChannel(store))
	}
	sinks = append(sinks, channels...)
	e.dispatcher = alert.NewDispatcher(logger, e.events, sinks...)
	e.scanner = detector.NewScanner(logger, source, cfg.Exchange, cfg.Quote, cfg.Thresholds, cfg.Detector, e)
	return e
}

// PublishSignal implements detector.Publisher. It never blocks.
func (e *Engine) PublishSignal(sig model.Signal) {
	e.signals.Publish(sig)
	e.events.Publish(model.Event{
		Kind:     model.EventSignal,
		Time:     sig.Timestamp,
		Exchange: sig.Exchange,
		Symbol:   sig.Symbol,
		Signal:   &sig,
	})
}

func (e *Engine) signalDropped() {
	metrics.AlertsDroppedTotal.WithLabelValues("signals").Inc()
	e.events.Publish(model.Event{
		Kind:     model.EventDropped,
		Time:     e.now(),
		Exchange: e.cfg.Exchange,
		Message:  "signal queue full, signal dropped",
	})
}

// Run starts the market stream, the scanner and the signal consumer, resumes
// persisted units and blocks until ctx is cancelled. On return every unit has
// been asked to unwind and the remaining events have been delivered.
func (e *Engine) Run(ctx context.Context) error {
	streamCtx, stopStream := context.WithCancel(context.Background())
	defer stopStream()
	if s, ok := e.source.(exchange.StreamStarter); ok {
		go func() {
			if err := s.StartStream(streamCtx); err != nil && streamCtx.Err() == nil {
				e.logger.Error("Engine: market stream stopped", "error", err)
			}
		}()
	}

	dispatchCtx, stopDispatch := context.WithCancel(context.Background())
	dispatched := make(chan struct{})
	go func() {
		_ = e.dispatcher.Run(dispatchCtx)
		close(dispatched)
	}()

	if err := e.resume(ctx); err != nil {
		e.logger.Error("Engine: failed to resume persisted units", "error", err)
	}
	for _, symbol := range e.cfg.Engine.SpreadSymbols {
		if err := e.StartSpread(symbol); err != nil {
			e.logger.Warn("Engine: spread unit not started", "symbol", symbol, "error", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.scanner.Run(gctx) })
	g.Go(func() error { return e.consume(gctx) })
	err := g.Wait()

	e.shutdown()
	stopDispatch()
	<-dispatched
	return err
}

func (e *Engine) consume(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-e.signals.C():
			e.handleSignal(ctx, sig)
		}
	}
}

func (e *Engine) handleSignal(ctx context.Context, sig model.Signal) {
	if !e.shouldTrade(sig) {
		return
	}
	e.units.Go(func() error {
		if !e.gate.Decide(ctx, sig) {
			e.logger.Info("Engine: signal declined", "symbol", sig.Symbol, "signal", sig.ID)
			return nil
		}
		if err := e.startTrade(sig.Symbol); err != nil {
			e.logger.Info("Engine: signal not traded", "symbol", sig.Symbol, "reason", err)
		}
		return nil
	})
}

// shouldTrade applies auto_trade and the operator's one-shot arming.
func (e *Engine) shouldTrade(sig model.Signal) bool {
	if e.cfg.Engine.AutoTrade {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.arm.next && sig.Symbol != e.arm.except {
		e.arm.next = false
		return true
	}
	if !e.arm.at.IsZero() {
		now := e.now()
		end := e.arm.at.Add(e.arm.window)
		if !now.Before(end) {
			e.arm.at = time.Time{}
			return false
		}
		if !now.Before(e.arm.at) {
			e.arm.at = time.Time{}
			return true
		}
	}
	return false
}

// ArmNext trades the next signal once, unless it is for except.
func (e *Engine) ArmNext(except string) {
	e.mu.Lock()
	e.arm.next, e.arm.except = true, except
	e.mu.Unlock()
	e.logger.Info("Engine: armed for the next signal", "except", except)
}

// ArmAt trades the first signal seen within [at, at+window).
func (e *Engine) ArmAt(at time.Time, window time.Duration) {
	e.mu.Lock()
	e.arm.at, e.arm.window = at, window
	e.mu.Unlock()
	e.logger.Info("Engine: armed for a time window", "at", at, "window", window)
}

// Disarm clears any pending arming.
func (e *Engine) Disarm() {
	e.mu.Lock()
	e.arm = arming{}
	e.mu.Unlock()
}

// Resolve forwards an external confirm or decline for a pending signal.
func (e *Engine) Resolve(signalID string, accept bool) bool {
	return e.gate.Resolve(signalID, accept)
}

// Buy starts a trade for symbol immediately, bypassing arming and confirmation.
func (e *Engine) Buy(symbol string) error {
	return e.startTrade(symbol)
}

// ActiveTrades returns the number of running trade units.
func (e *Engine) ActiveTrades() int {
	return int(e.active.Load())
}

func (e *Engine) startTrade(symbol string) error {
	return e.launchTrade(model.Position{
		ID:       uuid.New().String(),
		Exchange: e.cfg.Exchange,
		Symbol:   symbol,
		State:    model.PositionIdle,
	}, true)
}

func (e *Engine) launchTrade(pos model.Position, capped bool) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := e.trades[pos.Symbol]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPositionActive, pos.Symbol)
	}
	if capped && int(e.active.Load()) >= e.cfg.Engine.MaxActiveTrades {
		e.mu.Unlock()
		e.publish(model.EventRejection, pos.Symbol, ErrTradeCap.Error())
		return ErrTradeCap
	}
	var store trade.PositionStore
	if e.store != nil {
		store = e.store
	}
	c := trade.NewController(e.logger, e.exec, e.source, e.cfg.Thresholds, e.cfg.Trade, e.events, store, pos)
	e.trades[pos.Symbol] = c
	metrics.ActiveTrades.Set(float64(e.active.Add(1)))
	e.mu.Unlock()

	e.logger.Info("Engine: trade unit started", "symbol", pos.Symbol, "position", pos.ID, "state", pos.State)
	e.launch("trade", pos.Symbol, c, func() {
		e.mu.Lock()
		delete(e.trades, pos.Symbol)
		e.mu.Unlock()
		metrics.ActiveTrades.Set(float64(e.active.Add(-1)))
	})

	if delay := e.cfg.Engine.SpreadAfterSignal; delay > 0 && pos.State == model.PositionIdle {
		e.units.Go(func() error {
			select {
			case <-time.After(delay):
				if err := e.StartSpread(pos.Symbol); err != nil {
					e.logger.Info("Engine: follow-up spread unit not started", "symbol", pos.Symbol, "reason", err)
				}
			case <-e.closed:
			}
			return nil
		})
	}
	return nil
}

// StartSpread starts a spread capture unit for symbol.
func (e *Engine) StartSpread(symbol string) error {
	return e.launchSpread(model.ResidentOrderPair{
		ID:       uuid.New().String(),
		Exchange: e.cfg.Exchange,
		Symbol:   symbol,
		State:    model.PairWatching,
	})
}

func (e *Engine) launchSpread(pair model.ResidentOrderPair) error {
	e.mu.Lock()
	if e.closing {
		e.mu.Unlock()
		return ErrShuttingDown
	}
	if _, busy := e.spreads[pair.Symbol]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSpreadActive, pair.Symbol)
	}
	var store spread.PairStore
	if e.store != nil {
		store = e.store
	}
	c := spread.NewController(e.logger, e.exec, e.source, e.cfg.Thresholds, e.cfg.Spread, e.events, store, pair)
	e.spreads[pair.Symbol] = c
	e.mu.Unlock()

	e.logger.Info("Engine: spread unit started", "symbol", pair.Symbol, "pair", pair.ID)
	e.launch("spread", pair.Symbol, c, func() {
		e.mu.Lock()
		delete(e.spreads, pair.Symbol)
		e.mu.Unlock()
	})
	return nil
}

// Stop sends the stop event to every unit trading symbol. It reports whether
// any unit was found.
func (e *Engine) Stop(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	found := false
	if c, ok := e.trades[symbol]; ok {
		c.Stop()
		found = true
	}
	if c, ok := e.spreads[symbol]; ok {
		c.Stop()
		found = true
	}
	return found
}

func (e *Engine) launch(kind, symbol string, u unit, done func()) {
	e.units.Go(func() error {
		defer done()
		e.runUnit(kind, symbol, u.Run)
		return nil
	})
}

// runUnit runs fn, turning an error or a panic into a fault event.
func (e *Engine) runUnit(kind, symbol string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			e.fault(kind, symbol, fmt.Sprintf("panic: %v", r))
		}
	}()
	if err := fn(e.unitCtx); err != nil && !errors.Is(err, context.Canceled) {
		e.fault(kind, symbol, err.Error())
	}
}

func (e *Engine) fault(kind, symbol, message string) {
	e.logger.Error("Engine: unit failed", "unit", kind, "symbol", symbol, "error", message)
	metrics.UnitFaultsTotal.WithLabelValues(kind).Inc()
	e.publish(model.EventUnitFault, symbol, fmt.Sprintf("%s unit: %s", kind, message))
}

func (e *Engine) publish(kind model.EventKind, symbol, message string) {
	e.events.Publish(model.Event{
		Kind:     kind,
		Time:     e.now(),
		Exchange: e.cfg.Exchange,
		Symbol:   symbol,
		Message:  message,
	})
}

// resume restarts the units left open by a previous run. Each controller
// reconciles against live order status before acting.
func (e *Engine) resume(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	positions, err := e.store.LoadOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}
	for _, pos := range positions {
		if err := e.launchTrade(pos, false); err != nil {
			e.logger.Warn("Engine: position not resumed", "symbol", pos.Symbol, "position", pos.ID, "error", err)
		}
	}
	pairs, err := e.store.LoadOpenPairs(ctx)
	if err != nil {
		return fmt.Errorf("load pairs: %w", err)
	}
	for _, pair := range pairs {
		if err := e.launchSpread(pair); err != nil {
			e.logger.Warn("Engine: pair not resumed", "symbol", pair.Symbol, "pair", pair.ID, "error", err)
		}
	}
	e.logger.Info("Engine: resumed persisted units", "positions", len(positions), "pairs", len(pairs))
	return nil
}

// shutdown stops every unit and waits up to unwind_timeout for the orderly
// unwind before cancelling what is left.
func (e *Engine) shutdown() {
	e.mu.Lock()
	if !e.closing {
		e.closing = true
		close(e.closed)
	}
	for _, c := range e.trades {
		c.Stop()
	}
	for _, c := range e.spreads {
		c.Stop()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = e.units.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.UnwindTimeout):
		e.logger.Warn("Engine: unwind timed out, cancelling units")
		e.cancelUnits()
		<-done
	}
	e.cancelUnits()
	e.logger.Info("Engine: all units stopped")
}
