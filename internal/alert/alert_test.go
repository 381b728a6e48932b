package alert

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"pumpwatch/internal/config"
	"pumpwatch/internal/model"
)

func drain[T any](q *Queue[T]) []T {
	var out []T
	for {
		select {
		case v := <-q.C():
			out = append(out, v)
		default:
			return out
		}
	}
}

func TestQueue_Overflow(t *testing.T) {
	t.Run("drop oldest keeps the newest items", func(t *testing.T) {
		drops := 0
		q := NewQueue[int](2, config.OverflowDropOldest, func() { drops++ })
		assert.True(t, q.Publish(1))
		assert.True(t, q.Publish(2))
		assert.False(t, q.Publish(3))
		assert.Equal(t, []int{2, 3}, drain(q))
		assert.Equal(t, uint64(1), q.Dropped())
		assert.Equal(t, 1, drops)
	})

	t.Run("drop new keeps the queued items", func(t *testing.T) {
		q := NewQueue[int](2, config.OverflowDropNew, nil)
		q.Publish(1)
		q.Publish(2)
		assert.False(t, q.Publish(3))
		assert.Equal(t, []int{1, 2}, drain(q))
		assert.Equal(t, uint64(1), q.Dropped())
	})

	t.Run("concurrent producers never block and never exceed capacity", func(t *testing.T) {
		q := NewQueue[int](8, config.OverflowDropOldest, nil)
		var wg sync.WaitGroup
		for p := 0; p < 4; p++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					q.Publish(i)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 8, q.Len())
		assert.Equal(t, uint64(400-8), q.Dropped())
	})
}

type MockChannel struct {
	mock.Mock
}

func (m *MockChannel) Notify(ctx context.Context, ev model.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func TestDispatcher_DeliversInOrderAndSurvivesErrors(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	q := NewQueue[model.Event](16, config.OverflowDropOldest, nil)

	var mu sync.Mutex
	var seen []string
	failing := new(MockChannel)
	failing.On("Notify", mock.Anything, mock.Anything).Return(errors.New("chat unavailable"))
	recording := new(MockChannel)
	recording.On("Notify", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		seen = append(seen, args.Get(1).(model.Event).Symbol)
		mu.Unlock()
	}).Return(nil)

	d := NewDispatcher(logger, q, failing, NewLogChannel(logger), recording)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = d.Run(ctx)
		close(done)
	}()

	for _, s := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		q.Publish(model.Event{Kind: model.EventSignal, Symbol: s})
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Equal(t, []string{"AUSDT", "BUSDT", "CUSDT"}, seen)
	failing.AssertNumberOfCalls(t, "Notify", 3)
}

type MockEventLogger struct {
	mock.Mock
}

func (m *MockEventLogger) LogEvent(ctx context.Context, ev model.Event) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

func TestJournalChannel(t *testing.T) {
	repo := new(MockEventLogger)
	ev := model.Event{Kind: model.EventAbandon, Symbol: "XUSDT"}
	repo.On("LogEvent", mock.Anything, ev).Return(nil).Once()

	require.NoError(t, NewJournalChannel(repo).Notify(context.Background(), ev))
	repo.AssertExpectations(t)
}

func TestGate(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	sig := model.Signal{ID: "sig-1", Symbol: "XUSDT"}
	ctx := context.Background()

	t.Run("confirmation disabled accepts", func(t *testing.T) {
		g := NewGate(logger, config.AlertConfig{})
		assert.True(t, g.Decide(ctx, sig))
	})

	t.Run("external decline", func(t *testing.T) {
		g := NewGate(logger, config.AlertConfig{RequireConfirmation: true, ConfirmTimeout: time.Minute, OnTimeout: config.OnTimeoutProceed})
		result := make(chan bool)
		go func() { result <- g.Decide(ctx, sig) }()

		require.Eventually(t, func() bool { return len(g.Pending()) == 1 }, time.Second, time.Millisecond)
		assert.True(t, g.Resolve("sig-1", false))
		assert.False(t, <-result)
		assert.False(t, g.Resolve("sig-1", true), "decision after completion is ignored")
	})

	t.Run("timeout follows policy", func(t *testing.T) {
		proceed := NewGate(logger, config.AlertConfig{RequireConfirmation: true, ConfirmTimeout: 5 * time.Millisecond, OnTimeout: config.OnTimeoutProceed})
		assert.True(t, proceed.Decide(ctx, sig))

		decline := NewGate(logger, config.AlertConfig{RequireConfirmation: true, ConfirmTimeout: 5 * time.Millisecond, OnTimeout: config.OnTimeoutDecline})
		assert.False(t, decline.Decide(ctx, sig))
	})
}
