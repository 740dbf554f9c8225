package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optionflow/config"
	"optionflow/models"
)

const expiryMs = 1769846400000 // 2026-01-31T08:00:00Z

func newTestSource(t *testing.T, routes map[string]string) *Source {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":-1121,"msg":"Invalid symbol."}`))
			return
		}
		if r.URL.Path == "/eapi/v1/trades" && r.URL.Query().Get("symbol") != "BTC-260131-97500-C" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "7")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().Source.Binance
	cfg.APIBase = srv.URL
	cfg.RateLimit = config.RateLimitConfig{}
	return New(cfg, time.Second)
}

func TestFetchInstrumentChain(t *testing.T) {
	s := newTestSource(t, map[string]string{
		"/eapi/v1/exchangeInfo": `{"optionSymbols":[
			{"symbol":"BTC-260131-97500-C","side":"CALL","strikePrice":"97500.00000000","underlying":"BTCUSDT","expiryDate":1769846400000},
			{"symbol":"BTC-260131-97500-P","side":"PUT","strikePrice":"97500.00000000","underlying":"BTCUSDT","expiryDate":1769846400000},
			{"symbol":"BTC-260227-97500-C","side":"CALL","strikePrice":"97500","underlying":"BTCUSDT","expiryDate":1772179200000},
			{"symbol":"ETH-260131-3500-C","side":"CALL","strikePrice":"3500","underlying":"ETHUSDT","expiryDate":1769846400000}
		]}`,
	})

	chain, err := s.FetchInstrumentChain(context.Background(), models.AssetBTC, "2026-01-31")
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, models.Instrument{
		Symbol: "BTC-260131-97500-C", Strike: 97500, OptionType: models.Call, Expiry: "2026-01-31", BaseAsset: models.AssetBTC,
	}, chain[0])
	assert.Equal(t, models.Put, chain[1].OptionType)
}

func TestFetchIndexPrice(t *testing.T) {
	s := newTestSource(t, map[string]string{
		"/eapi/v1/index": `{"time":1769846400000,"indexPrice":"97500.50"}`,
	})

	p, err := s.FetchIndexPrice(context.Background(), models.AssetBTC)
	require.NoError(t, err)
	assert.Equal(t, 97500.50, p.Price)
	assert.Equal(t, "BTCUSDT", p.Symbol)
}

func TestFetchTickersFiltersByExpiry(t *testing.T) {
	s := newTestSource(t, map[string]string{
		"/eapi/v1/mark": `[
			{"symbol":"BTC-260131-97500-C","markPrice":"1200","markIV":"0.52","delta":"0.51","gamma":"0.0001","theta":"-80","vega":"40"},
			{"symbol":"BTC-260227-97500-C","markPrice":"2200","markIV":"0.55"},
			{"symbol":"ETH-260131-3500-C","markPrice":"100","markIV":"0.60"}
		]`,
	})

	tickers, err := s.FetchTickers(context.Background(), models.AssetBTC, "2026-01-31")
	require.NoError(t, err)
	require.Len(t, tickers, 1)
	assert.Equal(t, 0.52, tickers[0].ImpliedVolatility)
	assert.Equal(t, 0.51, tickers[0].Delta)

	single, err := s.FetchTicker(context.Background(), "BTC-260131-97500-C")
	require.NoError(t, err)
	assert.Equal(t, "BTC-260131-97500-C", single.Symbol)
}

func TestFetchRecentTrades(t *testing.T) {
	s := newTestSource(t, map[string]string{
		"/eapi/v1/ticker": `[
			{"symbol":"BTC-260131-97500-C","tradeCount":2,"closeTime":1769800000000},
			{"symbol":"BTC-260131-90000-P","tradeCount":0,"closeTime":1769800000000},
			{"symbol":"ETH-260131-3500-C","tradeCount":4,"closeTime":1769800000000}
		]`,
		"/eapi/v1/trades": `[
			{"id":1,"tradeId":41,"symbol":"BTC-260131-97500-C","price":"1000","qty":"5","side":1,"time":1769799000000},
			{"id":2,"tradeId":42,"symbol":"BTC-260131-97500-C","price":"1010","qty":"-0.5","side":-1,"time":1769700000000},
			{"id":3,"symbol":"BTC-260131-97500-C","price":"990","qty":"-2","side":-1,"time":1769799500000}
		]`,
	})

	since := time.UnixMilli(1769750000000)
	trades, err := s.FetchRecentTrades(context.Background(), models.AssetBTC, since)
	require.NoError(t, err)
	require.Len(t, trades, 2)
	assert.Equal(t, models.Trade{
		ID: "41", Symbol: "BTC-260131-97500-C", Price: 1000, Quantity: 5, Timestamp: 1769799000000, Side: models.SideBuy,
	}, trades[0])
	assert.Equal(t, "3", trades[1].ID)
	assert.Equal(t, 2.0, trades[1].Quantity)
	assert.Equal(t, models.SideSell, trades[1].Side)
}

func TestAPIErrorIsReturned(t *testing.T) {
	s := newTestSource(t, map[string]string{})

	_, err := s.FetchIndexPrice(context.Background(), models.AssetBTC)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/eapi/v1/index")

	var apiErr *common.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, int64(-1121), apiErr.Code)
	assert.Equal(t, "Invalid symbol.", apiErr.Message)
}

func TestRequestsGoThroughConfiguredBase(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.URL.Path+"?"+r.URL.RawQuery)
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "3")
		_, _ = w.Write([]byte(`{"time":1769846400000,"indexPrice":"3500.25"}`))
	}))
	t.Cleanup(srv.Close)

	cfg := config.Default().Source.Binance
	cfg.APIBase = srv.URL + "/"
	cfg.RateLimit = config.RateLimitConfig{}
	s := New(cfg, time.Second)

	_, ok := s.client.HTTPClient.Transport.(weightTransport)
	assert.True(t, ok, "used weight must be read from every response")

	p, err := s.FetchIndexPrice(context.Background(), models.AssetETH)
	require.NoError(t, err)
	assert.Equal(t, 3500.25, p.Price)
	assert.Equal(t, int64(1769846400000), p.Timestamp)
	assert.Equal(t, []string{"/eapi/v1/index?underlying=ETHUSDT"}, seen)
}

func TestLimitStatus(t *testing.T) {
	assert.Equal(t, http.StatusTooManyRequests, limitStatus(-1003))
	assert.Equal(t, http.StatusBadRequest, limitStatus(-1121))
}

func TestOptionType(t *testing.T) {
	assert.Equal(t, models.Call, optionType("CALL"))
	assert.Equal(t, models.Put, optionType("put"))
	assert.False(t, optionType("STRADDLE").Valid())
	assert.Equal(t, "2026-01-31", models.ExpiryFromMillis(expiryMs))
}
