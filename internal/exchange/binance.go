package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"pumpwatch/internal/model"
)

const (
	binanceWSURL   = "wss://stream.binance.com:9443/ws"
	binanceRESTURL = "https://api.binance.com"
	maxBookLevels  = 20
)

// BinanceFeed implements MarketSnapshotSource for Binance spot from public WebSocket
// streams: one all-market mini ticker stream plus one partial depth stream per
// symbol, started on first use.
type BinanceFeed struct {
	logger  *slog.Logger
	wsURL   string
	restURL string
	http    *http.Client

	mu        sync.RWMutex
	streamCtx context.Context
	tickers   map[string]model.TickerSnapshot
	books     map[string]*bookStream
	markets   map[string]model.Market
}

type bookStream struct {
	ready chan struct{}
	once  sync.Once
	book  model.OrderBook
}

// NewBinanceFeed creates a new BinanceFeed. An empty wsURL selects the public endpoint.
func NewBinanceFeed(logger *slog.Logger, wsURL string) *BinanceFeed {
	if wsURL == "" {
		wsURL = binanceWSURL
	}
	return &BinanceFeed{
		logger:  logger,
		wsURL:   strings.TrimSuffix(wsURL, "/"),
		restURL: binanceRESTURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		tickers: make(map[string]model.TickerSnapshot),
		books:   make(map[string]*bookStream),
		markets: make(map[string]model.Market),
	}
}

func (b *BinanceFeed) GetName() string {
	return "binance"
}

type binanceMiniTicker struct {
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	QuoteVolume string `json:"q"`
	EventTime   int64  `json:"E"`
}

type binanceDepth struct {
	Bids [][2]string `json:"bids"`
	Asks [][2]string `json:"asks"`
}

// StartStream connects to the all-market mini ticker stream and keeps the latest
// snapshot per symbol until ctx is cancelled. Depth streams opened later share ctx.
func (b *BinanceFeed) StartStream(ctx context.Context) error {
	b.mu.Lock()
	b.streamCtx = ctx
	b.mu.Unlock()

	return b.stream(ctx, b.wsURL+"/!miniTicker@arr", func(message []byte) error {
		var batch []binanceMiniTicker
		if err := json.Unmarshal(message, &batch); err != nil {
			return err
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		for _, t := range batch {
			price, err := strconv.ParseFloat(t.Close, 64)
			if err != nil {
				continue
			}
			volume, err := strconv.ParseFloat(t.QuoteVolume, 64)
			if err != nil {
				continue
			}
			b.tickers[t.Symbol] = model.TickerSnapshot{
				Symbol:    t.Symbol,
				Price:     price,
				Volume:    volume,
				Timestamp: time.UnixMilli(t.EventTime),
			}
		}
		return nil
	})
}

// stream keeps a WebSocket connection to url alive, reconnecting with a doubling
// backoff capped at 16s, and hands every message to handle.
func (b *BinanceFeed) stream(ctx context.Context, url string, handle func([]byte) error) error {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("BinanceFeed: context cancelled, shutting down", "url", url)
			return nil
		default:
		}

		b.logger.Info("BinanceFeed: connecting to WebSocket", "url", url, "backoff", backoff)
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			b.logger.Error("BinanceFeed: WebSocket connection failed", "url", url, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
				backoff *= 2
				if backoff > 16*time.Second {
					backoff = 16 * time.Second
				}
			}
			continue
		}

		// Reset backoff on successful connection
		backoff = time.Second
		b.logger.Info("BinanceFeed: connected successfully", "url", url)

		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				c.Close()
			case <-done:
			}
		}()

		for {
			_, message, err := c.ReadMessage()
			if err != nil {
				if ctx.Err() == nil {
					b.logger.Error("BinanceFeed: failed to read message", "url", url, "error", err)
				}
				break
			}
			if err := handle(message); err != nil {
				b.logger.Warn("BinanceFeed: failed to parse message", "url", url, "error", err)
			}
		}
		close(done)
		c.Close()
	}
}

// GetAllTickers returns the latest snapshot of every symbol quoted in quote.
func (b *BinanceFeed) GetAllTickers(ctx context.Context, quote string) (map[string]model.TickerSnapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.tickers) == 0 {
		return nil, fmt.Errorf("%w: no ticker data received yet", ErrTransient)
	}
	out := make(map[string]model.TickerSnapshot, len(b.tickers))
	for symbol, t := range b.tickers {
		if quote != "" && !strings.HasSuffix(symbol, quote) {
			continue
		}
		out[symbol] = t
	}
	return out, nil
}

// GetOrderBook returns the latest partial book for symbol, subscribing on first use
// and waiting for the first update.
func (b *BinanceFeed) GetOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	bs, err := b.bookStream(symbol)
	if err != nil {
		return model.OrderBook{}, err
	}
	select {
	case <-bs.ready:
	case <-ctx.Done():
		return model.OrderBook{}, fmt.Errorf("%w: waiting for %s book: %v", ErrTransient, symbol, ctx.Err())
	}

	b.mu.RLock()
	book := bs.book
	b.mu.RUnlock()
	if depth > 0 {
		if len(book.Bids) > depth {
			book.Bids = book.Bids[:depth]
		}
		if len(book.Asks) > depth {
			book.Asks = book.Asks[:depth]
		}
	}
	return book, nil
}

func (b *BinanceFeed) bookStream(symbol string) (*bookStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bs, ok := b.books[symbol]; ok {
		return bs, nil
	}
	if b.streamCtx == nil {
		return nil, fmt.Errorf("%w: feed not started", ErrTransient)
	}
	bs := &bookStream{ready: make(chan struct{})}
	b.books[symbol] = bs

	url := fmt.Sprintf("%s/%s@depth%d@100ms", b.wsURL, strings.ToLower(symbol), maxBookLevels)
	go b.stream(b.streamCtx, url, func(message []byte) error {
		var d binanceDepth
		if err := json.Unmarshal(message, &d); err != nil {
			return err
		}
		book := model.OrderBook{
			Symbol:    symbol,
			Bids:      parseLevels(d.Bids),
			Asks:      parseLevels(d.Asks),
			Timestamp: time.Now(),
		}
		b.mu.Lock()
		bs.book = book
		b.mu.Unlock()
		bs.once.Do(func() { close(bs.ready) })
		return nil
	})
	return bs, nil
}

func parseLevels(raw [][2]string) []model.PriceLevel {
	levels := make([]model.PriceLevel, 0, len(raw))
	for _, l := range raw {
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			continue
		}
		size, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			continue
		}
		levels = append(levels, model.PriceLevel{Price: price, Size: size})
	}
	return levels
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
		} `json:"filters"`
	} `json:"symbols"`
}

// Market fetches and caches the price and lot filters of symbol.
func (b *BinanceFeed) Market(ctx context.Context, symbol string) (model.Market, error) {
	b.mu.RLock()
	m, ok := b.markets[symbol]
	b.mu.RUnlock()
	if ok {
		return m, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.restURL+"/api/v3/exchangeInfo?symbol="+symbol, nil)
	if err != nil {
		return model.Market{}, err
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return model.Market{}, fmt.Errorf("%w: exchangeInfo %s: %v", ErrTransient, symbol, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return model.Market{}, fmt.Errorf("%w: exchangeInfo %s: status %d", ErrTransient, symbol, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Market{}, fmt.Errorf("%w: exchangeInfo %s: status %d", ErrRejected, symbol, resp.StatusCode)
	}

	var info binanceExchangeInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return model.Market{}, fmt.Errorf("decode exchangeInfo %s: %w", symbol, err)
	}
	m = model.Market{Symbol: symbol}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.Tick, _ = strconv.ParseFloat(f.TickSize, 64)
			case "LOT_SIZE":
				m.Step, _ = strconv.ParseFloat(f.StepSize, 64)
				m.MinSize, _ = strconv.ParseFloat(f.MinQty, 64)
			}
		}
	}
	if m.Tick <= 0 {
		return model.Market{}, fmt.Errorf("%w: unknown symbol %s", ErrRejected, symbol)
	}

	b.mu.Lock()
	b.markets[symbol] = m
	b.mu.Unlock()
	return m, nil
}
