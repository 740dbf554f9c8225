package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/options"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"optionflow/config"
	ratemetrics "optionflow/internal/metrics/rate"
	"optionflow/internal/symbols"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/reader"
)

const exchangeName = "binance"

// Source reads the Binance European options API (eapi).
type Source struct {
	client     *options.Client
	limiter    *rate.Limiter
	tradeLimit int
	log        *logger.Log
}

// weightTransport reports the used-weight header of every eapi response.
// The options services do not hand response headers back to callers.
type weightTransport struct {
	next http.RoundTripper
	log  *logger.Log
}

func (t weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	logger.LogPerformanceEntry(t.log.WithComponent("binance_source").WithField("path", req.URL.Path),
		"binance_source", "api_request", time.Since(start), logger.Fields{"status": resp.StatusCode})
	ratemetrics.ReportUsedWeight(t.log, exchangeName, resp.Header)
	return resp, nil
}

func New(cfg config.ExchangeConfig, timeout time.Duration) *Source {
	log := logger.GetLogger()

	base := strings.TrimRight(cfg.APIBase, "/")
	httpClient := reader.NewHTTPClient(cfg.ConnectionPool, cfg.LocalIP, timeout)
	httpClient.Transport = weightTransport{next: httpClient.Transport, log: log}

	client := options.NewClient("", "")
	client.HTTPClient = httpClient
	client.SetApiEndpoint(base)

	limit := rate.Inf
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RateLimit.RequestsPerSecond)
	}
	burst := cfg.RateLimit.BurstSize
	if burst <= 0 {
		burst = 1
	}
	tradeLimit := cfg.TradeLimit
	if tradeLimit <= 0 || tradeLimit > 500 {
		tradeLimit = 100
	}

	s := &Source{
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		tradeLimit: tradeLimit,
		log:        log,
	}

	log.WithComponent("binance_source").WithFields(logger.Fields{
		"api_base":           base,
		"max_idle_conns":     cfg.ConnectionPool.MaxIdleConns,
		"max_conns_per_host": cfg.ConnectionPool.MaxConnsPerHost,
		"requests_per_sec":   cfg.RateLimit.RequestsPerSecond,
	}).Info("binance source initialized")

	return s
}

func (s *Source) Name() string {
	return exchangeName
}

func (s *Source) wait(ctx context.Context) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// apiErr labels a service failure with its endpoint and reports rate-limit
// rejections.
func (s *Source) apiErr(endpoint string, err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		ratemetrics.ReportLimitFromMessage(s.log, exchangeName, endpoint, apiErr.Message, limitStatus(apiErr.Code))
	}
	return fmt.Errorf("GET %s: %w", endpoint, err)
}

// limitStatus maps Binance's request-weight error codes onto the HTTP status
// the limit reporter expects; the SDK drops the response status.
func limitStatus(code int64) int {
	switch code {
	case -1003, -1015:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadRequest
	}
}

func num(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.InexactFloat64()
}

func markTicker(m *options.Mark) models.Ticker {
	return models.Ticker{
		Symbol:            symbols.ToCanonical(exchangeName, m.Symbol),
		MarkPrice:         num(m.MarkPrice),
		ImpliedVolatility: num(m.MarkIV),
		Delta:             num(m.Delta),
		Gamma:             num(m.Gamma),
		Theta:             num(m.Theta),
		Vega:              num(m.Vega),
	}
}

func (s *Source) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	if err := s.wait(ctx); err != nil {
		return models.Ticker{}, err
	}
	marks, err := s.client.NewMarkService().Symbol(symbol).Do(ctx)
	if err != nil {
		return models.Ticker{}, s.apiErr("/eapi/v1/mark", err)
	}
	if len(marks) == 0 {
		return models.Ticker{}, fmt.Errorf("no mark price for %s", symbol)
	}
	return markTicker(marks[0]), nil
}

func (s *Source) FetchTickers(ctx context.Context, asset models.Asset, expiry string) ([]models.Ticker, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	marks, err := s.client.NewMarkService().Do(ctx)
	if err != nil {
		return nil, s.apiErr("/eapi/v1/mark", err)
	}

	tickers := make([]models.Ticker, 0, len(marks))
	for _, m := range marks {
		t := markTicker(m)
		opt, err := symbols.Parse(t.Symbol)
		if err != nil || opt.Asset != asset || opt.Expiry != expiry {
			continue
		}
		tickers = append(tickers, t)
	}
	return tickers, nil
}

func (s *Source) FetchIndexPrice(ctx context.Context, asset models.Asset) (models.IndexPrice, error) {
	if err := s.wait(ctx); err != nil {
		return models.IndexPrice{}, err
	}
	idx, err := s.client.NewIndexService().Underlying(asset.IndexSymbol()).Do(ctx)
	if err != nil {
		return models.IndexPrice{}, s.apiErr("/eapi/v1/index", err)
	}
	return models.IndexPrice{Symbol: asset.IndexSymbol(), Price: num(idx.IndexPrice), Timestamp: int64(idx.Time)}, nil
}

func optionType(side string) models.OptionType {
	switch strings.ToUpper(side) {
	case "CALL":
		return models.Call
	case "PUT":
		return models.Put
	default:
		return models.OptionType(side)
	}
}

func (s *Source) FetchInstrumentChain(ctx context.Context, asset models.Asset, expiry string) ([]models.Instrument, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	info, err := s.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, s.apiErr("/eapi/v1/exchangeInfo", err)
	}

	out := make([]models.Instrument, 0, 64)
	for _, o := range info.OptionSymbols {
		if o.Underlying != asset.IndexSymbol() || models.ExpiryFromMillis(o.ExpiryDate) != expiry {
			continue
		}
		out = append(out, models.Instrument{
			Symbol:     symbols.ToCanonical(exchangeName, o.Symbol),
			Strike:     num(o.StrikePrice),
			OptionType: optionType(o.Side),
			Expiry:     expiry,
			BaseAsset:  asset,
		})
	}
	return out, nil
}

func tradeID(t *options.Trade) string {
	if t.TradeId != 0 {
		return strconv.Itoa(t.TradeId)
	}
	return strconv.FormatUint(t.Id, 10)
}

// FetchRecentTrades reads recent prints for every contract of asset that
// traded since the given time. Binance has no per-underlying trade feed, so
// the 24h ticker narrows the contracts to query.
func (s *Source) FetchRecentTrades(ctx context.Context, asset models.Asset, since time.Time) ([]models.Trade, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	stats, err := s.client.NewTickerService().Do(ctx)
	if err != nil {
		return nil, s.apiErr("/eapi/v1/ticker", err)
	}

	sinceMs := since.UnixMilli()
	active := make([]string, 0, len(stats))
	for _, st := range stats {
		if st.TradeCount == 0 || st.CloseTime < sinceMs {
			continue
		}
		opt, err := symbols.Parse(symbols.ToCanonical(exchangeName, st.Symbol))
		if err != nil || opt.Asset != asset {
			continue
		}
		active = append(active, st.Symbol)
	}
	sort.Strings(active)

	var trades []models.Trade
	for _, sym := range active {
		if err := s.wait(ctx); err != nil {
			return nil, err
		}
		entries, err := s.client.NewTradesService().Symbol(sym).Limit(s.tradeLimit).Do(ctx)
		if err != nil {
			return nil, s.apiErr("/eapi/v1/trades", err)
		}
		for _, e := range entries {
			ts := int64(e.Time)
			if ts < sinceMs {
				continue
			}
			side := models.SideBuy
			if e.Side < 0 {
				side = models.SideSell
			}
			symbol := e.Symbol
			if symbol == "" {
				symbol = sym
			}
			q := num(e.Qty)
			if q < 0 {
				q = -q
			}
			trades = append(trades, models.Trade{
				ID:        tradeID(e),
				Symbol:    symbols.ToCanonical(exchangeName, symbol),
				Price:     num(e.Price),
				Quantity:  q,
				Timestamp: ts,
				Side:      side,
			})
		}
	}

	logger.LogDataFlowEntry(s.log.WithComponent("binance_source"), "binance_api", "volume_job", len(trades), "option_trades")
	return trades, nil
}
