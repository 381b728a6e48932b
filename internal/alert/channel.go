package alert

import (
	"context"
	"log/slog"

	"pumpwatch/internal/model"
)

// Channel is the boundary to whatever displays or records events (chat bot,
// dashboard, journal).
type Channel interface {
	Notify(ctx context.Context, ev model.Event) error
}

// Notifier is the producer side used by the detector and the controllers.
type Notifier interface {
	Publish(ev model.Event) bool
}

// LogChannel writes every event as a structured log line.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel(logger *slog.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Notify(ctx context.Context, ev model.Event) error {
	attrs := []any{"kind", ev.Kind, "exchange", ev.Exchange, "symbol", ev.Symbol}
	if ev.Signal != nil {
		attrs = append(attrs, "signal", ev.Signal.Kind, "magnitude", ev.Signal.Magnitude, "price", ev.Signal.Price)
	}
	if ev.Position != nil {
		attrs = append(attrs,
			"state", ev.Position.State,
			"entryPrice", ev.Position.EntryPrice,
			"remaining", ev.Position.Remaining,
			"realizedProfit", ev.Position.RealizedProfit,
		)
	}
	if ev.Pair != nil {
		attrs = append(attrs,
			"state", ev.Pair.State,
			"bestBid", ev.Pair.BestBid,
			"bestAsk", ev.Pair.BestAsk,
			"captures", ev.Pair.Captures,
			"profit", ev.Pair.Profit,
		)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	switch ev.Kind {
	case model.EventRejection, model.EventAbandon:
		l.logger.Warn("Alert", attrs...)
	case model.EventUnitFault:
		l.logger.Error("Alert", attrs...)
	default:
		l.logger.Info("Alert", attrs...)
	}
	return nil
}

// EventLogger persists events.
type EventLogger interface {
	LogEvent(ctx context.Context, ev model.Event) error
}

// JournalChannel records every event through an EventLogger.
type JournalChannel struct {
	repo EventLogger
}

// NewJournalChannel creates a JournalChannel.
func NewJournalChannel(repo EventLogger) *JournalChannel {
	return &JournalChannel{repo: repo}
}

func (j *JournalChannel) Notify(ctx context.Context, ev model.Event) error {
	return j.repo.LogEvent(ctx, ev)
}
