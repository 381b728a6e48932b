package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pumpwatch/internal/config"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Migrate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) LogEvent(ctx context.Context, ev model.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func (m *MockRepository) SavePosition(ctx context.Context, pos model.Position) error {
	args := m.Called(ctx, pos)
	return args.Error(0)
}

func (m *MockRepository) LoadOpenPositions(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.Position), args.Error(1)
}

func (m *MockRepository) SavePair(ctx context.Context, pair model.ResidentOrderPair) error {
	args := m.Called(ctx, pair)
	return args.Error(0)
}

func (m *MockRepository) LoadOpenPairs(ctx context.Context) ([]model.ResidentOrderPair, error) {
	args := m.Called(ctx)
	return args.Get(0).([]model.ResidentOrderPair), args.Error(1)
}

// venue fills market orders at 100 and leaves limit orders resting.
type venue struct {
	mu     sync.Mutex
	reject bool
	seq    int
	status map[string]model.OrderStatus
	placed []model.OrderHandle
}

func newVenue() *venue {
	return &venue{status: make(map[string]model.OrderStatus)}
}

func (v *venue) GetAllTickers(ctx context.Context, quote string) (map[string]model.TickerSnapshot, error) {
	return map[string]model.TickerSnapshot{}, nil
}

func (v *venue) GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	return model.OrderBook{
		Symbol: symbol,
		Bids:   []model.PriceLevel{{Price: 100, Size: 10}},
		Asks:   []model.PriceLevel{{Price: 100.05, Size: 10}},
	}, nil
}

func (v *venue) Market(ctx context.Context, symbol string) (model.Market, error) {
	return model.Market{Symbol: symbol, Tick: 0.01, Step: 0.001, MinSize: 0.001}, nil
}

func (v *venue) add(h model.OrderHandle, st model.OrderStatus) model.OrderHandle {
	v.seq++
	h.ID = fmt.Sprintf("o-%d", v.seq)
	v.placed = append(v.placed, h)
	v.status[h.ID] = st
	return h
}

func (v *venue) PlaceMarketBuy(ctx context.Context, symbol string, notional float64) (model.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.reject {
		return model.OrderHandle{}, fmt.Errorf("%w: insufficient balance", exchange.ErrRejected)
	}
	qty := notional / 100
	return v.add(model.OrderHandle{Symbol: symbol, Side: model.SideBuy, Type: model.OrderMarket, Notional: notional},
		model.OrderStatus{State: model.OrderFilled, Filled: qty, AvgPrice: 100}), nil
}

func (v *venue) PlaceMarketSell(ctx context.Context, symbol string, size float64) (model.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.add(model.OrderHandle{Symbol: symbol, Side: model.SideSell, Type: model.OrderMarket, Size: size},
		model.OrderStatus{State: model.OrderFilled, Filled: size, AvgPrice: 100}), nil
}

func (v *venue) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64) (model.OrderHandle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.add(model.OrderHandle{Symbol: symbol, Side: side, Type: model.OrderLimit, Price: price, Size: size},
		model.OrderStatus{State: model.OrderOpen}), nil
}

func (v *venue) CancelOrder(ctx context.Context, h model.OrderHandle) (model.CancelResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st := v.status[h.ID]
	if st.State == model.OrderFilled {
		return model.CancelAlreadyFilled, nil
	}
	st.State = model.OrderCancelled
	v.status[h.ID] = st
	return model.CancelConfirmed, nil
}

func (v *venue) GetOrderStatus(ctx context.Context, h model.OrderHandle) (model.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.status[h.ID]
	if !ok {
		return model.OrderStatus{State: model.OrderRejected}, nil
	}
	return st, nil
}

func (v *venue) count(side model.Side, typ model.OrderType) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, h := range v.placed {
		if h.Side == side && h.Type == typ {
			n++
		}
	}
	return n
}

func testConfig() *config.Config {
	return &config.Config{
		Exchange: "binance",
		Quote:    "USDT",
		Thresholds: config.ThresholdConfig{
			VolumeThreshold: 1.1, PriceThreshold: 0.02, SpreadThreshold: 0.04,
			TargetProfitRatio: 0.01, TimeLimit: time.Minute, MaxLossFloor: 0.05, RepriceBudget: 3,
		},
		Detector: config.DetectorConfig{PollInterval: 10 * time.Millisecond},
		Trade: config.TradeConfig{
			Notional: 10, PartialFraction: 0.5, PartialTargetRatio: 0.004, MinRise: 0.005,
			StallWindow: 20 * time.Second, StallDecayRate: 0.002, PollInterval: 5 * time.Millisecond,
			EntryFillTimeout: time.Second, AdaptiveMaxDuration: time.Hour, PegTicks: 1,
			LiquidateOnStop: true, BookDepth: 5,
		},
		Spread: config.SpreadConfig{Notional: 4, PollInterval: 5 * time.Millisecond, FeeRate: 0.001, LiquidateOnStop: true, BookDepth: 5},
		Alerts: config.AlertConfig{QueueSize: 256, Overflow: config.OverflowDropOldest, OnTimeout: config.OnTimeoutProceed},
		Engine: config.EngineConfig{MaxActiveTrades: 1, UnwindTimeout: time.Second},
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, v *venue) *Engine {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	return NewEngine(logger, cfg, v, v, nil)
}

func drainEvents(e *Engine) []model.Event {
	var out []model.Event
	for {
		select {
		case ev := <-e.events.C():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestEngine_ActiveTradeCapAndNoPyramiding(t *testing.T) {
	v := newVenue()
	e := newTestEngine(t, testConfig(), v)
	defer e.shutdown()

	require.NoError(t, e.Buy("AUSDT"))
	assert.ErrorIs(t, e.Buy("AUSDT"), ErrPositionActive)
	assert.ErrorIs(t, e.Buy("BUSDT"), ErrTradeCap)
	assert.Equal(t, 1, e.ActiveTrades())

	require.Eventually(t, func() bool { return v.count(model.SideSell, model.OrderLimit) == 1 }, time.Second, time.Millisecond)
	assert.True(t, e.Stop("AUSDT"))
	require.Eventually(t, func() bool { return e.ActiveTrades() == 0 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, v.count(model.SideSell, model.OrderMarket), "stop liquidates the position")

	require.NoError(t, e.Buy("BUSDT"), "the slot is free again")
}

func TestEngine_RejectedEntryReleasesSlot(t *testing.T) {
	v := newVenue()
	v.reject = true
	e := newTestEngine(t, testConfig(), v)
	defer e.shutdown()

	require.NoError(t, e.Buy("AUSDT"))
	require.Eventually(t, func() bool { return e.ActiveTrades() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, v.count(model.SideSell, model.OrderLimit))

	var kinds []model.EventKind
	for _, ev := range drainEvents(e) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, model.EventRejection)
}

func TestEngine_UnitFaultIsIsolated(t *testing.T) {
	e := newTestEngine(t, testConfig(), newVenue())

	assert.NotPanics(t, func() {
		e.runUnit("trade", "AUSDT", func(ctx context.Context) error {
			panic("corrupt order book")
		})
	})
	e.runUnit("spread", "BUSDT", func(ctx context.Context) error {
		return fmt.Errorf("venue gone")
	})
	e.runUnit("spread", "CUSDT", func(ctx context.Context) error {
		return context.Canceled
	})

	events := drainEvents(e)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventUnitFault, events[0].Kind)
	assert.Equal(t, "AUSDT", events[0].Symbol)
	assert.Contains(t, events[0].Message, "corrupt order book")
	assert.Equal(t, "BUSDT", events[1].Symbol)
}

func TestEngine_Arming(t *testing.T) {
	cfg := testConfig()
	e := newTestEngine(t, cfg, newVenue())
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return clock }
	sig := func(symbol string) model.Signal { return model.Signal{Symbol: symbol} }

	assert.False(t, e.shouldTrade(sig("AUSDT")), "signals only alert by default")

	e.ArmNext("AUSDT")
	assert.False(t, e.shouldTrade(sig("AUSDT")))
	assert.True(t, e.shouldTrade(sig("BUSDT")))
	assert.False(t, e.shouldTrade(sig("CUSDT")), "arming is one-shot")

	e.ArmAt(clock.Add(time.Minute), time.Minute)
	assert.False(t, e.shouldTrade(sig("AUSDT")), "before the window")
	clock = clock.Add(90 * time.Second)
	assert.True(t, e.shouldTrade(sig("AUSDT")))
	assert.False(t, e.shouldTrade(sig("BUSDT")))

	e.ArmAt(clock, time.Second)
	clock = clock.Add(2 * time.Second)
	assert.False(t, e.shouldTrade(sig("AUSDT")), "window elapsed")

	cfg.Engine.AutoTrade = true
	assert.True(t, e.shouldTrade(sig("AUSDT")))
}

func TestEngine_ResumeFromStore(t *testing.T) {
	v := newVenue()
	repo := new(MockRepository)
	sell := model.OrderHandle{ID: "restored-sell", Symbol: "AUSDT", Side: model.SideSell, Type: model.OrderLimit, Price: 101, Size: 0.1}
	v.status[sell.ID] = model.OrderStatus{State: model.OrderFilled, Filled: 0.1, AvgPrice: 101}
	repo.On("LoadOpenPositions", mock.Anything).Return([]model.Position{{
		ID: "pos-1", Exchange: "binance", Symbol: "AUSDT", State: model.PositionHolding,
		EntryPrice: 100, EntryQty: 0.1, Remaining: 0.1, EntryTime: time.Now(),
		Deadline: time.Now().Add(time.Minute), SellOrder: &sell, UpdatedAt: time.Now(),
	}}, nil)
	repo.On("LoadOpenPairs", mock.Anything).Return([]model.ResidentOrderPair{}, nil)
	repo.On("SavePosition", mock.Anything, mock.Anything).Return(nil)
	repo.On("LogEvent", mock.Anything, mock.Anything).Return(nil)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	e := NewEngine(logger, testConfig(), v, v, repo)
	defer e.shutdown()

	require.NoError(t, e.resume(context.Background()))
	require.Eventually(t, func() bool { return e.ActiveTrades() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, v.count(model.SideSell, model.OrderLimit), "a sell filled while down is not replaced")
	repo.AssertCalled(t, "SavePosition", mock.Anything, mock.MatchedBy(func(p model.Position) bool {
		return p.ID == "pos-1" && p.State == model.PositionClosed
	}))
}

func TestEngine_RunTradesSignalAndUnwindsOnShutdown(t *testing.T) {
	v := newVenue()
	cfg := testConfig()
	cfg.Engine.AutoTrade = true
	e := newTestEngine(t, cfg, v)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	e.PublishSignal(model.Signal{ID: "sig-1", Exchange: "binance", Symbol: "AUSDT", Kind: model.VolumeSpike, Magnitude: 1.5})
	require.Eventually(t, func() bool { return v.count(model.SideSell, model.OrderLimit) == 1 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 0, e.ActiveTrades())
	assert.Equal(t, 1, v.count(model.SideSell, model.OrderMarket), "shutdown liquidates open positions")
	assert.ErrorIs(t, e.Buy("BUSDT"), ErrShuttingDown)
}

func TestEngine_StartSpreadOncePerSymbol(t *testing.T) {
	e := newTestEngine(t, testConfig(), newVenue())
	defer e.shutdown()

	require.NoError(t, e.StartSpread("AUSDT"))
	assert.ErrorIs(t, e.StartSpread("AUSDT"), ErrSpreadActive)
	assert.True(t, e.Stop("AUSDT"))
	assert.False(t, e.Stop("ZUSDT"))
}

func TestEngine_DroppedSignalIsSurfaced(t *testing.T) {
	cfg := testConfig()
	cfg.Alerts.QueueSize = 2
	e := newTestEngine(t, cfg, newVenue())
	before := testutil.ToFloat64(metrics.AlertsDroppedTotal.WithLabelValues("signals"))

	for _, symbol := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		e.PublishSignal(model.Signal{ID: symbol, Symbol: symbol, Timestamp: time.Now()})
	}

	assert.Equal(t, uint64(1), e.signals.Dropped())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertsDroppedTotal.WithLabelValues("signals"))-before)
	first := <-e.signals.C()
	assert.Equal(t, "BUSDT", first.Symbol, "the oldest signal is the one dropped")

	var kinds []model.EventKind
	for _, ev := range drainEvents(e) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, model.EventDropped)
}
