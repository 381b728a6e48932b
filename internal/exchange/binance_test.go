package exchange

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBinanceTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		var payload string
		switch {
		case strings.HasSuffix(r.URL.Path, "!miniTicker@arr"):
			payload = `[{"e":"24hrMiniTicker","E":1700000000000,"s":"DOGEUSDT","c":"0.10300000","q":"115.0"},
			            {"e":"24hrMiniTicker","E":1700000000000,"s":"ETHBTC","c":"0.05","q":"10"}]`
		case strings.HasSuffix(r.URL.Path, "dogeusdt@depth20@100ms"):
			payload = `{"lastUpdateId":1,"bids":[["0.1000","50"],["0.0990","10"]],"asks":[["0.1010","40"]]}`
		default:
			return
		}
		if err := c.WriteMessage(websocket.TextMessage, []byte(payload)); err != nil {
			return
		}
		// hold the connection until the client goes away
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestBinanceFeed_Streams(t *testing.T) {
	srv := newBinanceTestServer(t)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	feed := NewBinanceFeed(logger, "ws"+strings.TrimPrefix(srv.URL, "http"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := feed.GetOrderBook(ctx, "DOGEUSDT", 5)
	assert.ErrorIs(t, err, ErrTransient, "book before the feed starts")

	go feed.StartStream(ctx)

	require.Eventually(t, func() bool {
		tickers, err := feed.GetAllTickers(ctx, "USDT")
		return err == nil && len(tickers) == 1
	}, 5*time.Second, 20*time.Millisecond)

	tickers, err := feed.GetAllTickers(ctx, "USDT")
	require.NoError(t, err)
	doge := tickers["DOGEUSDT"]
	assert.Equal(t, 0.103, doge.Price)
	assert.Equal(t, 115.0, doge.Volume)

	bookCtx, bookCancel := context.WithTimeout(ctx, 5*time.Second)
	defer bookCancel()
	book, err := feed.GetOrderBook(bookCtx, "DOGEUSDT", 1)
	require.NoError(t, err)
	require.Len(t, book.Bids, 1)
	assert.Equal(t, 0.1, book.Bids[0].Price)
	assert.Equal(t, 0.101, book.Asks[0].Price)
}

func TestParseLevels_SkipsMalformed(t *testing.T) {
	levels := parseLevels([][2]string{{"1.5", "2"}, {"x", "1"}, {"2", "y"}})
	require.Len(t, levels, 1)
	assert.Equal(t, 1.5, levels[0].Price)
}
