package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pumpwatch/internal/config"
	"pumpwatch/internal/model"
)

// Gate holds a signal until an external decision arrives or the timeout elapses.
// With confirmation disabled every signal is accepted immediately.
type Gate struct {
	logger  *slog.Logger
	cfg     config.AlertConfig
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewGate creates a Gate.
func NewGate(logger *slog.Logger, cfg config.AlertConfig) *Gate {
	return &Gate{logger: logger, cfg: cfg, pending: make(map[string]chan bool)}
}

// Decide blocks until the signal is confirmed, declined, timed out, or ctx ends.
func (g *Gate) Decide(ctx context.Context, sig model.Signal) bool {
	if !g.cfg.RequireConfirmation {
		return true
	}

	decision := make(chan bool, 1)
	g.mu.Lock()
	g.pending[sig.ID] = decision
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, sig.ID)
		g.mu.Unlock()
	}()

	timer := time.NewTimer(g.cfg.ConfirmTimeout)
	defer timer.Stop()

	select {
	case accept := <-decision:
		g.logger.Info("Gate: decision received", "signal", sig.ID, "symbol", sig.Symbol, "accept", accept)
		return accept
	case <-timer.C:
		proceed := g.cfg.OnTimeout == config.OnTimeoutProceed
		g.logger.Info("Gate: confirmation timed out", "signal", sig.ID, "symbol", sig.Symbol, "proceed", proceed)
		return proceed
	case <-ctx.Done():
		return false
	}
}

// Resolve delivers an external decision for a pending signal. It reports false
// when no such signal is waiting.
func (g *Gate) Resolve(signalID string, accept bool) bool {
	g.mu.Lock()
	decision, ok := g.pending[signalID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case decision <- accept:
		return true
	default:
		return false
	}
}

// Pending lists the signal ids awaiting a decision.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	ids := make([]string, 0, len(g.pending))
	for id := range g.pending {
		ids = append(ids, id)
	}
	return ids
}
