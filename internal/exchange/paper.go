package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"pumpwatch/internal/model"
)

const defaultPaperBalance = 1000.0

// MarketInfoSource provides precision rules per symbol.
type MarketInfoSource interface {
	Market(ctx context.Context, symbol string) (model.Market, error)
}

type paperOrder struct {
	handle   model.OrderHandle
	status   model.OrderStatus
	reserved float64 // quote reserved by a resting buy, base by a resting sell
}

// PaperVenue is an in-memory OrderVenue that fills against the live order book of
// a MarketSnapshotSource. Market orders walk the book; limit orders fill in full
// once the opposite best price crosses them, checked whenever the order is queried.
type PaperVenue struct {
	logger  *slog.Logger
	source  MarketSnapshotSource
	markets MarketInfoSource
	feeRate float64
	quote   string

	mu       sync.Mutex
	orders   map[string]*paperOrder
	byClient map[string]string
	balances map[string]float64
}

// NewPaperVenue creates a paper venue funded with balance units of quote.
func NewPaperVenue(logger *slog.Logger, source MarketSnapshotSource, markets MarketInfoSource, quote string, balance, takerFeePercent float64) *PaperVenue {
	if balance <= 0 {
		balance = defaultPaperBalance
	}
	return &PaperVenue{
		logger:   logger,
		source:   source,
		markets:  markets,
		feeRate:  takerFeePercent / 100,
		quote:    quote,
		orders:   make(map[string]*paperOrder),
		byClient: make(map[string]string),
		balances: map[string]float64{quote: balance},
	}
}

func (p *PaperVenue) Market(ctx context.Context, symbol string) (model.Market, error) {
	return p.markets.Market(ctx, symbol)
}

// Balance returns the free balance of asset.
func (p *PaperVenue) Balance(asset string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[asset]
}

func (p *PaperVenue) base(symbol string) string {
	return strings.TrimSuffix(symbol, p.quote)
}

func (p *PaperVenue) existing(clientID string) (model.OrderHandle, bool) {
	if id, ok := p.byClient[clientID]; ok {
		return p.orders[id].handle, true
	}
	return model.OrderHandle{}, false
}

func (p *PaperVenue) record(h model.OrderHandle, status model.OrderStatus, reserved float64) model.OrderHandle {
	h.ID = uuid.New().String()
	p.orders[h.ID] = &paperOrder{handle: h, status: status, reserved: reserved}
	p.byClient[h.ClientID] = h.ID
	return h
}

func (p *PaperVenue) PlaceMarketBuy(ctx context.Context, symbol string, notional float64, clientID string) (model.OrderHandle, error) {
	book, err := p.source.GetOrderBook(ctx, symbol, maxBookLevels)
	if err != nil {
		return model.OrderHandle{}, err
	}
	m, err := p.markets.Market(ctx, symbol)
	if err != nil {
		return model.OrderHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.existing(clientID); ok {
		return h, nil
	}
	if notional > p.balances[p.quote] {
		return model.OrderHandle{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, p.quote)
	}

	var qty, spent float64
	for _, level := range book.Asks {
		left := notional - spent
		if left <= 0 {
			break
		}
		take := level.Size
		if level.Price*take > left {
			take = left / level.Price
		}
		qty += take
		spent += take * level.Price
	}
	if qty <= 0 {
		return model.OrderHandle{}, fmt.Errorf("%w: no liquidity for %s", ErrRejected, symbol)
	}
	avg := spent / qty
	qty = m.FloorSize(qty)
	if qty <= 0 {
		return model.OrderHandle{}, fmt.Errorf("%w: notional below minimum size for %s", ErrRejected, symbol)
	}
	spent = qty * avg
	p.balances[p.quote] -= spent * (1 + p.feeRate)
	p.balances[p.base(symbol)] += qty

	h := model.OrderHandle{ClientID: clientID, Symbol: symbol, Side: model.SideBuy, Type: model.OrderMarket, Size: qty, Notional: notional}
	h = p.record(h, model.OrderStatus{State: model.OrderFilled, Filled: qty, AvgPrice: avg}, 0)
	p.logger.Info("PaperVenue: market buy filled", "symbol", symbol, "qty", qty, "avgPrice", avg)
	return h, nil
}

func (p *PaperVenue) PlaceMarketSell(ctx context.Context, symbol string, size float64, clientID string) (model.OrderHandle, error) {
	book, err := p.source.GetOrderBook(ctx, symbol, maxBookLevels)
	if err != nil {
		return model.OrderHandle{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.existing(clientID); ok {
		return h, nil
	}
	base := p.base(symbol)
	if size <= 0 || size > p.balances[base]+1e-12 {
		return model.OrderHandle{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, base)
	}

	var sold, proceeds float64
	for _, level := range book.Bids {
		if sold >= size {
			break
		}
		take := level.Size
		if take > size-sold {
			take = size - sold
		}
		sold += take
		proceeds += take * level.Price
	}
	if sold <= 0 {
		return model.OrderHandle{}, fmt.Errorf("%w: no liquidity for %s", ErrRejected, symbol)
	}
	p.balances[base] -= sold
	p.balances[p.quote] += proceeds * (1 - p.feeRate)

	state := model.OrderFilled
	if sold < size {
		state = model.OrderCancelled // remainder expires, like an IOC market order
	}
	h := model.OrderHandle{ClientID: clientID, Symbol: symbol, Side: model.SideSell, Type: model.OrderMarket, Size: size}
	h = p.record(h, model.OrderStatus{State: state, Filled: sold, AvgPrice: proceeds / sold}, 0)
	p.logger.Info("PaperVenue: market sell filled", "symbol", symbol, "qty", sold, "avgPrice", proceeds/sold)
	return h, nil
}

func (p *PaperVenue) PlaceLimitOrder(ctx context.Context, symbol string, side model.Side, price, size float64, clientID string) (model.OrderHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.existing(clientID); ok {
		return h, nil
	}
	if price <= 0 || size <= 0 {
		return model.OrderHandle{}, fmt.Errorf("%w: invalid price %v or size %v", ErrRejected, price, size)
	}

	var reserved float64
	switch side {
	case model.SideBuy:
		reserved = price * size * (1 + p.feeRate)
		if reserved > p.balances[p.quote] {
			return model.OrderHandle{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, p.quote)
		}
		p.balances[p.quote] -= reserved
	case model.SideSell:
		base := p.base(symbol)
		if size > p.balances[base]+1e-12 {
			return model.OrderHandle{}, fmt.Errorf("%w: insufficient %s balance", ErrRejected, base)
		}
		reserved = size
		p.balances[base] -= size
	default:
		return model.OrderHandle{}, fmt.Errorf("%w: unknown side %q", ErrRejected, side)
	}

	h := model.OrderHandle{ClientID: clientID, Symbol: symbol, Side: side, Type: model.OrderLimit, Price: price, Size: size}
	h = p.record(h, model.OrderStatus{State: model.OrderOpen}, reserved)
	p.logger.Info("PaperVenue: limit order placed", "symbol", symbol, "side", side, "price", price, "size", size)
	return h, nil
}

// match fills o when the book crosses its limit price. Must be called with mu held.
func (p *PaperVenue) match(o *paperOrder, book model.OrderBook) {
	if !o.status.IsOpen() || o.handle.Type != model.OrderLimit {
		return
	}
	h := o.handle
	switch h.Side {
	case model.SideBuy:
		ask, ok := book.BestAsk()
		if !ok || ask.Price > h.Price {
			return
		}
		p.balances[p.quote] += o.reserved - h.Price*h.Size*(1+p.feeRate)
		p.balances[p.base(h.Symbol)] += h.Size
	case model.SideSell:
		bid, ok := book.BestBid()
		if !ok || bid.Price < h.Price {
			return
		}
		p.balances[p.quote] += h.Price * h.Size * (1 - p.feeRate)
	}
	o.reserved = 0
	o.status = model.OrderStatus{State: model.OrderFilled, Filled: h.Size, AvgPrice: h.Price}
	p.logger.Info("PaperVenue: limit order filled", "symbol", h.Symbol, "side", h.Side, "price", h.Price, "size", h.Size)
}

func (p *PaperVenue) refresh(ctx context.Context, handle model.OrderHandle) (*paperOrder, error) {
	p.mu.Lock()
	o, ok := p.orders[handle.ID]
	open := ok && o.status.IsOpen()
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, handle.ID)
	}
	if !open {
		return o, nil
	}
	book, err := p.source.GetOrderBook(ctx, handle.Symbol, 1)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.match(o, book)
	p.mu.Unlock()
	return o, nil
}

func (p *PaperVenue) CancelOrder(ctx context.Context, handle model.OrderHandle) (model.CancelResult, error) {
	o, err := p.refresh(ctx, handle)
	if err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o.status.State {
	case model.OrderFilled:
		return model.CancelAlreadyFilled, nil
	case model.OrderCancelled, model.OrderRejected:
		return model.CancelAlreadyCancelled, nil
	}
	if o.handle.Side == model.SideBuy {
		p.balances[p.quote] += o.reserved
	} else {
		p.balances[p.base(o.handle.Symbol)] += o.reserved
	}
	o.reserved = 0
	o.status.State = model.OrderCancelled
	p.logger.Info("PaperVenue: order cancelled", "symbol", o.handle.Symbol, "id", o.handle.ID)
	return model.CancelConfirmed, nil
}

func (p *PaperVenue) GetOrderStatus(ctx context.Context, handle model.OrderHandle) (model.OrderStatus, error) {
	o, err := p.refresh(ctx, handle)
	if err != nil {
		return model.OrderStatus{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return o.status, nil
}

func (p *PaperVenue) FindOrder(ctx context.Context, symbol, clientID string) (model.OrderHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h, ok := p.existing(clientID); ok && h.Symbol == symbol {
		return h, nil
	}
	return model.OrderHandle{}, fmt.Errorf("%w: client id %s", ErrNotFound, clientID)
}
