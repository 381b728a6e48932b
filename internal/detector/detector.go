package detector

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"pumpwatch/internal/config"
	"pumpwatch/internal/exchange"
	"pumpwatch/internal/metrics"
	"pumpwatch/internal/model"
)

// Scan compares two snapshots and returns the anomalies of every symbol present in
// both. It is a pure function of its inputs; the result is ordered by symbol, then
// kind. Symbols missing from either side or with zero previous volume or price
// yield no signal for that ratio.
func Scan(previous, current map[string]model.TickerSnapshot, thresholds config.ThresholdConfig, exchangeName string) []model.Signal {
	var signals []model.Signal
	for symbol, cur := range current {
		prev, ok := previous[symbol]
		if !ok {
			continue
		}
		if prev.Volume > 0 {
			ratio := cur.Volume / prev.Volume
			if ratio >= thresholds.VolumeThreshold {
				signals = append(signals, newSignal(exchangeName, cur, model.VolumeSpike, ratio))
			}
		}
		if prev.Price > 0 {
			ratio := (cur.Price - prev.Price) / prev.Price
			if ratio >= thresholds.PriceThreshold {
				signals = append(signals, newSignal(exchangeName, cur, model.PriceSpike, ratio))
			}
		}
	}
	sort.Slice(signals, func(i, j int) bool {
		if signals[i].Symbol != signals[j].Symbol {
			return signals[i].Symbol < signals[j].Symbol
		}
		return signals[i].Kind > signals[j].Kind
	})
	return signals
}

func newSignal(exchangeName string, snap model.TickerSnapshot, kind model.SignalKind, magnitude float64) model.Signal {
	return model.Signal{
		Exchange:  exchangeName,
		Symbol:    snap.Symbol,
		Kind:      kind,
		Magnitude: magnitude,
		Price:     snap.Price,
		Volume:    snap.Volume,
		Timestamp: snap.Timestamp,
	}
}

// Publisher accepts signals without blocking the caller.
type Publisher interface {
	PublishSignal(sig model.Signal)
}

// Scanner polls a MarketSnapshotSource and publishes the signals of each poll.
type Scanner struct {
	logger     *slog.Logger
	source     exchange.MarketSnapshotSource
	exchange   string
	quote      string
	thresholds config.ThresholdConfig
	cfg        config.DetectorConfig
	allowed    map[string]bool
	out        Publisher
	now        func() time.Time

	baseline   map[string]model.TickerSnapshot
	baselineAt time.Time
}

// NewScanner creates a Scanner for one exchange.
func NewScanner(logger *slog.Logger, source exchange.MarketSnapshotSource, exchangeName, quote string, thresholds config.ThresholdConfig, cfg config.DetectorConfig, out Publisher) *Scanner {
	var allowed map[string]bool
	if len(cfg.Symbols) > 0 {
		allowed = make(map[string]bool, len(cfg.Symbols))
		for _, s := range cfg.Symbols {
			allowed[s] = true
		}
	}
	return &Scanner{
		logger:     logger,
		source:     source,
		exchange:   exchangeName,
		quote:      quote,
		thresholds: thresholds,
		cfg:        cfg,
		allowed:    allowed,
		out:        out,
		now:        time.Now,
	}
}

// Run polls until ctx is cancelled. Source errors are logged and the next poll
// proceeds; the loop never waits on trade execution.
func (s *Scanner) Run(ctx context.Context) error {
	s.logger.Info("Scanner: started", "exchange", s.exchange, "quote", s.quote, "interval", s.cfg.PollInterval)
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Poll(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("Scanner: poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.Info("Scanner: context cancelled, shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches one snapshot, publishes its signals against the current baseline
// and advances the baseline.
func (s *Scanner) Poll(ctx context.Context) ([]model.Signal, error) {
	tickers, err := s.source.GetAllTickers(ctx, s.quote)
	if err != nil {
		metrics.ScansTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ScansTotal.WithLabelValues("ok").Inc()
	current := s.filter(tickers)
	now := s.now()

	if s.baseline == nil {
		s.baseline, s.baselineAt = current, now
		return nil, nil
	}

	var signals []model.Signal
	for _, sig := range Scan(s.baseline, current, s.thresholds, s.exchange) {
		if sig.Volume >= s.cfg.MinQuoteVolume {
			signals = append(signals, sig)
		}
	}
	for i := range signals {
		signals[i].ID = uuid.New().String()
		metrics.SignalsTotal.WithLabelValues(string(signals[i].Kind)).Inc()
		s.logger.Info("Scanner: anomaly detected",
			"symbol", signals[i].Symbol,
			"kind", signals[i].Kind,
			"magnitude", signals[i].Magnitude,
			"price", signals[i].Price,
			"volume", signals[i].Volume,
		)
		s.out.PublishSignal(signals[i])
	}

	if s.cfg.BaselineWindow <= 0 || now.Sub(s.baselineAt) >= s.cfg.BaselineWindow {
		s.baseline, s.baselineAt = current, now
	} else {
		// new listings join the baseline as soon as they appear
		for symbol, snap := range current {
			if _, ok := s.baseline[symbol]; !ok {
				s.baseline[symbol] = snap
			}
		}
	}
	return signals, nil
}

func (s *Scanner) filter(tickers map[string]model.TickerSnapshot) map[string]model.TickerSnapshot {
	out := make(map[string]model.TickerSnapshot, len(tickers))
	for symbol, t := range tickers {
		if s.allowed != nil && !s.allowed[symbol] {
			continue
		}
		out[symbol] = t
	}
	return out
}
