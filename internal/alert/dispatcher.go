package alert

import (
	"context"
	"log/slog"
	"time"

	"pumpwatch/internal/model"
)

const notifyTimeout = 5 * time.Second

// Dispatcher is the single consumer of the event queue. It fans each event out to
// every channel in order; a failing channel is logged and skipped.
type Dispatcher struct {
	logger   *slog.Logger
	queue    *Queue[model.Event]
	channels []Channel
}

// NewDispatcher creates a Dispatcher reading from queue.
func NewDispatcher(logger *slog.Logger, queue *Queue[model.Event], channels ...Channel) *Dispatcher {
	return &Dispatcher{logger: logger, queue: queue, channels: channels}
}

// Run consumes events until ctx is cancelled, then flushes what is already queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.flush()
			return nil
		case ev := <-d.queue.C():
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	for {
		select {
		case ev := <-d.queue.C():
			d.deliver(ctx, ev)
		default:
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev model.Event) {
	for _, ch := range d.channels {
		nctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		if err := ch.Notify(nctx, ev); err != nil {
			d.logger.Error("Dispatcher: failed to deliver event", "kind", ev.Kind, "symbol", ev.Symbol, "error", err)
		}
		cancel()
	}
}
