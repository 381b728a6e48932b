package model

import (
	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderHandle identifies an order on the venue. ClientID is assigned before the
// first submission and stays the same across retries, so an order whose fate is
// unknown can still be looked up.
type OrderHandle struct {
	ID       string    `json:"id"`
	ClientID string    `json:"client_id"`
	Symbol   string    `json:"symbol"`
	Side     Side      `json:"side"`
	Type     OrderType `json:"type"`
	Price    float64   `json:"price"`
	Size     float64   `json:"size"`
	Notional float64   `json:"notional,omitempty"`
}

// OrderState is the venue-reported lifecycle state of an order.
type OrderState string

const (
	OrderOpen            OrderState = "OPEN"
	OrderPartiallyFilled OrderState = "PARTIALLY_FILLED"
	OrderFilled          OrderState = "FILLED"
	OrderCancelled       OrderState = "CANCELLED"
	OrderRejected        OrderState = "REJECTED"
)

// OrderStatus is the result of querying an order.
type OrderStatus struct {
	State    OrderState
	Filled   float64 // base quantity filled so far
	AvgPrice float64 // average fill price, 0 when nothing filled
}

// IsOpen reports whether the order can still fill.
func (s OrderStatus) IsOpen() bool {
	return s.State == OrderOpen || s.State == OrderPartiallyFilled
}

// CancelResult is the outcome of a cancel request.
type CancelResult string

const (
	CancelConfirmed        CancelResult = "CONFIRMED"
	CancelAlreadyFilled    CancelResult = "ALREADY_FILLED"
	CancelAlreadyCancelled CancelResult = "ALREADY_CANCELLED"
)

// Market carries the exchange's precision rules for a symbol.
type Market struct {
	Symbol  string
	Tick    float64 // minimum price increment
	Step    float64 // minimum size increment
	MinSize float64
}

// RoundPrice snaps a price to the tick grid.
func (m Market) RoundPrice(price float64) float64 {
	if m.Tick <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(m.Tick)
	v, _ := decimal.NewFromFloat(price).Div(tick).Round(0).Mul(tick).Float64()
	return v
}

// FloorSize truncates a size to the lot step. Sizes below MinSize become zero.
func (m Market) FloorSize(size float64) float64 {
	if size <= 0 {
		return 0
	}
	d := decimal.NewFromFloat(size)
	if m.Step > 0 {
		step := decimal.NewFromFloat(m.Step)
		d = d.Div(step).Floor().Mul(step)
	}
	v, _ := d.Float64()
	if v < m.MinSize {
		return 0
	}
	return v
}

// AddTicks shifts a price by n ticks (negative n moves down).
func (m Market) AddTicks(price float64, n int) float64 {
	v, _ := decimal.NewFromFloat(price).
		Add(decimal.NewFromFloat(m.Tick).Mul(decimal.NewFromInt(int64(n)))).
		Float64()
	return m.RoundPrice(v)
}
