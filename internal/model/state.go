package model

import "time"

// PositionState is a state of the trade lifecycle machine.
type PositionState string

const (
	PositionIdle         PositionState = "IDLE"
	PositionEntering     PositionState = "ENTERING"
	PositionHolding      PositionState = "HOLDING"
	PositionPartialExit  PositionState = "PARTIAL_EXIT"
	PositionAdaptiveExit PositionState = "ADAPTIVE_EXIT"
	PositionClosed       PositionState = "CLOSED"
	PositionFailed       PositionState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s PositionState) Terminal() bool {
	return s == PositionClosed || s == PositionFailed
}

// Position is a single pump trade, owned by exactly one trade controller.
type Position struct {
	ID                string        `json:"id"`
	Exchange          string        `json:"exchange"`
	Symbol            string        `json:"symbol"`
	State             PositionState `json:"state"`
	EntryPrice        float64       `json:"entry_price"`
	EntryQty          float64       `json:"entry_qty"`
	EntryTime         time.Time     `json:"entry_time"`
	Remaining         float64       `json:"remaining"`
	RealizedProfit    float64       `json:"realized_profit"`
	TargetProfitRatio float64       `json:"target_profit_ratio"`
	Deadline          time.Time     `json:"deadline"`
	EntryOrder        *OrderHandle  `json:"entry_order,omitempty"`
	SellOrder         *OrderHandle  `json:"sell_order,omitempty"`
	Reason            string        `json:"reason,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// PairState is a state of the spread capture machine.
type PairState string

const (
	PairWatching   PairState = "WATCHING"
	PairBuyPlaced  PairState = "BUY_PLACED"
	PairSellPlaced PairState = "SELL_PLACED"
	PairCaptured   PairState = "CAPTURED"
	PairStopped    PairState = "STOPPED"
)

// ResidentOrderPair is the resting buy/sell pair of one spread capture unit.
// At most one live order exists per side.
type ResidentOrderPair struct {
	ID        string       `json:"id"`
	Exchange  string       `json:"exchange"`
	Symbol    string       `json:"symbol"`
	State     PairState    `json:"state"`
	Buy       *OrderHandle `json:"buy,omitempty"`
	Sell      *OrderHandle `json:"sell,omitempty"`
	BestBid   float64      `json:"best_bid"`
	BestAsk   float64      `json:"best_ask"`
	BuyPrice  float64      `json:"buy_price"`
	Inventory float64      `json:"inventory"`
	Reprices  int          `json:"reprices"`
	Captures  int          `json:"captures"`
	Profit    float64      `json:"profit"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// EventKind classifies what the alert queue carries.
type EventKind string

const (
	EventSignal    EventKind = "signal"
	EventPosition  EventKind = "position"
	EventPair      EventKind = "pair"
	EventRejection EventKind = "rejection"
	EventAbandon   EventKind = "abandon"
	EventUnitFault EventKind = "fault"
	EventDropped   EventKind = "dropped"
)

// Event is a structured notification for the alert channel. Position and Pair
// are copies taken at publish time.
type Event struct {
	Kind     EventKind          `json:"kind"`
	Time     time.Time          `json:"time"`
	Exchange string             `json:"exchange"`
	Symbol   string             `json:"symbol"`
	Signal   *Signal            `json:"signal,omitempty"`
	Position *Position          `json:"position,omitempty"`
	Pair     *ResidentOrderPair `json:"pair,omitempty"`
	Message  string             `json:"message,omitempty"`
}
