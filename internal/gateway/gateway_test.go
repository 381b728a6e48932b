package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pumpwatch/internal/config"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/model"
)

type MockVenue struct {
	mock.Mock
}

func (m *MockVenue) Market(ctx context.Context, symbol string) (model.Market, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(model.Market), args.Error(1)
}

func (m *MockVenue) PlaceMarketBuy(ctx context.Context, symbol string, notional float64, clientID string) (model.OrderHandle, error) {
	args := m.Called(ctx, symbol, notional, clientID)
	return args.Get(0).(model.OrderHandle), args.Error(1)
}

func (m *MockVenue) PlaceMarketSell(ctx context.Context, symbol string, size float64, clientID string) (model.OrderHandle, error) {
	args := m.Called(ctx, symbol, size, clientID)
	return args.Get(0).(model.OrderHandle), args.Error(1)
}

func (m *MockVenue) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64, clientID string) (model.OrderHandle, error) {
	args := m.Called(ctx, symbol, side, price, size, clientID)
	return args.Get(0).(model.OrderHandle), args.Error(1)
}

func (m *MockVenue) CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(model.CancelResult), args.Error(1)
}

func (m *MockVenue) GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error) {
	args := m.Called(ctx, handle)
	return args.Get(0).(model.OrderStatus), args.Error(1)
}

func (m *MockVenue) FindOrder(ctx context.Context, symbol, clientID string) (model.OrderHandle, error) {
	args := m.Called(ctx, symbol, clientID)
	return args.Get(0).(model.OrderHandle), args.Error(1)
}

func newTestGateway(venue exchange.OrderVenue) *Gateway {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	g := New(logger, venue, config.GatewayConfig{
		MaxAttempts:       3,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        2 * time.Millisecond,
		RequestTimeout:    50 * time.Millisecond,
		RequestsPerSecond: 1000,
		Burst:             100,
	})
	g.newID = func() string { return "client-1" }
	return g
}

var transient = fmt.Errorf("%w: connection reset", exchange.ErrTransient)

func TestGateway_PlaceLimitOrder(t *testing.T) {
	ctx := context.Background()
	placed := model.OrderHandle{ID: "o-1", ClientID: "client-1", Symbol: "DOGEUSDT", Side: model.SideSell, Type: model.OrderLimit, Price: 0.11, Size: 100}

	t.Run("success on first attempt", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").Return(placed, nil).Once()

		h, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		require.NoError(t, err)
		assert.Equal(t, "o-1", h.ID)
		venue.AssertExpectations(t)
	})

	t.Run("lost response is looked up, not resubmitted", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").Return(model.OrderHandle{}, transient).Once()
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "client-1").Return(placed, nil).Once()

		h, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		require.NoError(t, err)
		assert.Equal(t, "o-1", h.ID)
		venue.AssertNumberOfCalls(t, "PlaceLimitOrder", 1)
		venue.AssertExpectations(t)
	})

	t.Run("resubmits with same client id only when not found", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").Return(model.OrderHandle{}, transient).Once()
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "client-1").Return(model.OrderHandle{}, exchange.ErrNotFound).Once()
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").Return(placed, nil).Once()

		h, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		require.NoError(t, err)
		assert.Equal(t, "o-1", h.ID)
		venue.AssertNumberOfCalls(t, "PlaceLimitOrder", 2)
	})

	t.Run("rejection is not retried", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").
			Return(model.OrderHandle{}, fmt.Errorf("%w: price filter", exchange.ErrRejected)).Once()

		_, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		assert.ErrorIs(t, err, exchange.ErrRejected)
		venue.AssertNumberOfCalls(t, "PlaceLimitOrder", 1)
		venue.AssertNotCalled(t, "FindOrder", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("unresolvable outcome is unknown state with client id", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").Return(model.OrderHandle{}, transient).Once()
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "client-1").Return(model.OrderHandle{}, transient)

		h, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		assert.ErrorIs(t, err, exchange.ErrUnknownOrderState)
		assert.Equal(t, "client-1", h.ClientID)
		assert.Empty(t, h.ID)
		venue.AssertNumberOfCalls(t, "PlaceLimitOrder", 1)
	})

	t.Run("cancelled before the limiter admits is not unknown", func(t *testing.T) {
		venue := new(MockVenue)
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		h, err := newTestGateway(venue).PlaceLimitOrder(cancelled, "DOGEUSDT", model.SideSell, 0.11, 100)
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, exchange.ErrUnknownOrderState)
		assert.Empty(t, h.ClientID)
		venue.AssertNotCalled(t, "PlaceLimitOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("request timeout counts as unknown, then lookup", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("PlaceLimitOrder", mock.Anything, "DOGEUSDT", model.SideSell, 0.11, 100.0, "client-1").
			Run(func(args mock.Arguments) {
				<-args.Get(0).(context.Context).Done()
			}).
			Return(model.OrderHandle{}, fmt.Errorf("dial: i/o timeout")).Once()
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "client-1").Return(placed, nil).Once()

		h, err := newTestGateway(venue).PlaceLimitOrder(ctx, "DOGEUSDT", model.SideSell, 0.11, 100)
		require.NoError(t, err)
		assert.Equal(t, "o-1", h.ID)
	})
}

func TestGateway_CancelOrder(t *testing.T) {
	ctx := context.Background()
	h := model.OrderHandle{ID: "o-1", ClientID: "c", Symbol: "DOGEUSDT"}

	t.Run("retries transient then reports already filled", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("CancelOrder", mock.Anything, h).Return(model.CancelResult(""), transient).Once()
		venue.On("CancelOrder", mock.Anything, h).Return(model.CancelAlreadyFilled, nil).Once()

		res, err := newTestGateway(venue).CancelOrder(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, model.CancelAlreadyFilled, res)
	})

	t.Run("order that never reached the venue", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "c").Return(model.OrderHandle{}, exchange.ErrNotFound).Once()

		res, err := newTestGateway(venue).CancelOrder(ctx, model.OrderHandle{ClientID: "c", Symbol: "DOGEUSDT"})
		require.NoError(t, err)
		assert.Equal(t, model.CancelAlreadyCancelled, res)
		venue.AssertNotCalled(t, "CancelOrder", mock.Anything, mock.Anything)
	})

	t.Run("exhausted retries are unknown state", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("CancelOrder", mock.Anything, h).Return(model.CancelResult(""), transient)

		_, err := newTestGateway(venue).CancelOrder(ctx, h)
		assert.ErrorIs(t, err, exchange.ErrUnknownOrderState)
		venue.AssertNumberOfCalls(t, "CancelOrder", 3)
	})
}

func TestGateway_GetOrderStatus(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves client id first", func(t *testing.T) {
		venue := new(MockVenue)
		found := model.OrderHandle{ID: "o-9", ClientID: "c", Symbol: "DOGEUSDT"}
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "c").Return(found, nil).Once()
		venue.On("GetOrderStatus", mock.Anything, found).Return(model.OrderStatus{State: model.OrderFilled, Filled: 5, AvgPrice: 1}, nil).Once()

		status, err := newTestGateway(venue).GetOrderStatus(ctx, model.OrderHandle{ClientID: "c", Symbol: "DOGEUSDT"})
		require.NoError(t, err)
		assert.Equal(t, model.OrderFilled, status.State)
		assert.Equal(t, 5.0, status.Filled)
	})

	t.Run("never placed reads as rejected", func(t *testing.T) {
		venue := new(MockVenue)
		venue.On("FindOrder", mock.Anything, "DOGEUSDT", "c").Return(model.OrderHandle{}, exchange.ErrNotFound).Once()

		status, err := newTestGateway(venue).GetOrderStatus(ctx, model.OrderHandle{ClientID: "c", Symbol: "DOGEUSDT"})
		require.NoError(t, err)
		assert.Equal(t, model.OrderRejected, status.State)
		assert.Zero(t, status.Filled)
	})

	t.Run("exhausted retries are unknown state", func(t *testing.T) {
		venue := new(MockVenue)
		h := model.OrderHandle{ID: "o-1", Symbol: "DOGEUSDT"}
		venue.On("GetOrderStatus", mock.Anything, h).Return(model.OrderStatus{}, transient)

		_, err := newTestGateway(venue).GetOrderStatus(ctx, h)
		assert.ErrorIs(t, err, exchange.ErrUnknownOrderState)
	})
}
