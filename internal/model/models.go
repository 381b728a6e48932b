package model

import "time"

// TickerSnapshot is one symbol's market state captured by a single poll.
type TickerSnapshot struct {
	Symbol    string
	Price     float64
	Volume    float64 // quote volume over the exchange's rolling window
	Timestamp time.Time
}

// PriceLevel is a single (price, size) entry of an order book side.
type PriceLevel struct {
	Price float64
	Size  float64
}

// OrderBook holds both sides of a book, best level first.
type OrderBook struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

// BestBid returns the highest bid, if any.
func (b OrderBook) BestBid() (PriceLevel, bool) {
	if len(b.Bids) == 0 {
		return PriceLevel{}, false
	}
	return b.Bids[0], true
}

// BestAsk returns the lowest ask, if any.
func (b OrderBook) BestAsk() (PriceLevel, bool) {
	if len(b.Asks) == 0 {
		return PriceLevel{}, false
	}
	return b.Asks[0], true
}

// SignalKind classifies an anomaly.
type SignalKind string

const (
	VolumeSpike SignalKind = "volume_spike"
	PriceSpike  SignalKind = "price_spike"
)

// Signal is emitted by the detector and never mutated afterwards.
type Signal struct {
	ID        string
	Exchange  string
	Symbol    string
	Kind      SignalKind
	Magnitude float64 // volume ratio for VolumeSpike, relative price change for PriceSpike
	Price     float64
	Volume    float64
	Timestamp time.Time
}
