package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"golang.org/x/time/rate"

	"optionflow/config"
	ratemetrics "optionflow/internal/metrics/rate"
	"optionflow/internal/symbols"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/reader"
)

const (
	exchangeName  = "bybit"
	category      = "option"
	instrumentCap = 1000
	maxPages      = 20
)

// Source reads Bybit v5 option market data through the official SDK.
type Source struct {
	client     *bybit.Client
	limiter    *rate.Limiter
	tradeLimit int
	log        *logger.Log
}

func New(cfg config.ExchangeConfig, timeout time.Duration) *Source {
	log := logger.GetLogger()

	client := bybit.NewBybitHttpClient("", "", bybit.WithBaseURL(strings.TrimRight(cfg.APIBase, "/")))
	client.HTTPClient = reader.NewHTTPClient(cfg.ConnectionPool, cfg.LocalIP, timeout)

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
		tradeLimit = 500
	}

	log.WithComponent("bybit_source").WithFields(logger.Fields{
		"api_base":         cfg.APIBase,
		"requests_per_sec": cfg.RateLimit.RequestsPerSecond,
	}).Info("bybit source initialized")

	return &Source{
		client:     client,
		limiter:    rate.NewLimiter(limit, burst),
		tradeLimit: tradeLimit,
		log:        log,
	}
}

func (s *Source) Name() string {
	return exchangeName
}

type request func(ctx context.Context, params map[string]interface{}) (*bybit.ServerResponse, error)

func (s *Source) instruments(ctx context.Context, params map[string]interface{}) (*bybit.ServerResponse, error) {
	return s.client.NewUtaBybitServiceWithParams(params).GetInstrumentInfo(ctx)
}

func (s *Source) tickers(ctx context.Context, params map[string]interface{}) (*bybit.ServerResponse, error) {
	return s.client.NewUtaBybitServiceWithParams(params).GetMarketTickers(ctx)
}

func (s *Source) recentTrades(ctx context.Context, params map[string]interface{}) (*bybit.ServerResponse, error) {
	return s.client.NewUtaBybitServiceWithParams(params).GetPublicRecentTrades(ctx)
}

// do runs one SDK request and decodes its result into out.
func (s *Source) do(ctx context.Context, op string, fn request, params map[string]interface{}, out interface{}) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	log := s.log.WithComponent("bybit_source").WithField("operation", op)

	start := time.Now()
	resp, err := fn(ctx, params)
	if err != nil {
		ratemetrics.ReportLimitFromMessage(s.log, exchangeName, op, err.Error(), 0)
		return fmt.Errorf("%s: %w", op, err)
	}
	logger.LogPerformanceEntry(log, "bybit_source", "api_request", time.Since(start), nil)

	if resp == nil {
		return fmt.Errorf("%s: empty response", op)
	}
	if resp.RetCode != 0 {
		ratemetrics.ReportLimitFromMessage(s.log, exchangeName, op, resp.RetMsg, 0)
		return fmt.Errorf("%s: retCode %d: %s", op, resp.RetCode, resp.RetMsg)
	}

	payload, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("%s: marshal result: %w", op, err)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", op, err)
	}
	return nil
}

type tickerItem struct {
	Symbol      string        `json:"symbol"`
	MarkPrice   reader.Number `json:"markPrice"`
	IndexPrice  reader.Number `json:"indexPrice"`
	MarkIv      reader.Number `json:"markIv"`
	Delta       reader.Number `json:"delta"`
	Gamma       reader.Number `json:"gamma"`
	Theta       reader.Number `json:"theta"`
	Vega        reader.Number `json:"vega"`
	Underlying  reader.Number `json:"underlyingPrice"`
	Volume24h   reader.Number `json:"volume24h"`
	TotalVolume reader.Number `json:"totalVolume"`
}

type tickerResult struct {
	Category string       `json:"category"`
	List     []tickerItem `json:"list"`
}

func (t tickerItem) ticker() models.Ticker {
	return models.Ticker{
		Symbol:            symbols.ToCanonical(exchangeName, t.Symbol),
		MarkPrice:         t.MarkPrice.Float(),
		IndexPrice:        t.IndexPrice.Float(),
		ImpliedVolatility: t.MarkIv.Float(),
		Delta:             t.Delta.Float(),
		Gamma:             t.Gamma.Float(),
		Theta:             t.Theta.Float(),
		Vega:              t.Vega.Float(),
	}
}

// bybitSymbol renders a canonical symbol in Bybit's 31JAN26 form.
func bybitSymbol(canonical string) (string, error) {
	opt, err := symbols.Parse(canonical)
	if err != nil {
		return "", err
	}
	exp, err := symbols.BybitExpiry(opt.Expiry)
	if err != nil {
		return "", err
	}
	parts := strings.Split(canonical, "-")
	return fmt.Sprintf("%s-%s-%s-%s", parts[0], exp, parts[2], parts[3]), nil
}

func (s *Source) FetchTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	sym, err := bybitSymbol(symbols.ToCanonical(exchangeName, symbol))
	if err != nil {
		return models.Ticker{}, err
	}
	var res tickerResult
	if err := s.do(ctx, "GetMarketTickers", s.tickers, map[string]interface{}{"category": category, "symbol": sym}, &res); err != nil {
		return models.Ticker{}, err
	}
	if len(res.List) == 0 {
		return models.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return res.List[0].ticker(), nil
}

func (s *Source) FetchTickers(ctx context.Context, asset models.Asset, expiry string) ([]models.Ticker, error) {
	exp, err := symbols.BybitExpiry(expiry)
	if err != nil {
		return nil, err
	}
	var res tickerResult
	params := map[string]interface{}{"category": category, "baseCoin": asset.String(), "expDate": exp}
	if err := s.do(ctx, "GetMarketTickers", s.tickers, params, &res); err != nil {
		return nil, err
	}

	out := make([]models.Ticker, 0, len(res.List))
	for _, item := range res.List {
		t := item.ticker()
		opt, err := symbols.Parse(t.Symbol)
		if err != nil || opt.Asset != asset || opt.Expiry != expiry {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// FetchIndexPrice reads the options index from the asset's option tickers.
func (s *Source) FetchIndexPrice(ctx context.Context, asset models.Asset) (models.IndexPrice, error) {
	var res tickerResult
	params := map[string]interface{}{"category": category, "baseCoin": asset.String()}
	if err := s.do(ctx, "GetMarketTickers", s.tickers, params, &res); err != nil {
		return models.IndexPrice{}, err
	}
	for _, item := range res.List {
		if p := item.IndexPrice.Float(); p > 0 {
			return models.IndexPrice{Symbol: asset.IndexSymbol(), Price: p, Timestamp: time.Now().UnixMilli()}, nil
		}
	}
	return models.IndexPrice{}, fmt.Errorf("no index price in %d %s tickers", len(res.List), asset)
}

type instrumentItem struct {
	Symbol       string        `json:"symbol"`
	Status       string        `json:"status"`
	BaseCoin     string        `json:"baseCoin"`
	OptionsType  string        `json:"optionsType"`
	DeliveryTime reader.Millis `json:"deliveryTime"`
}

type instrumentResult struct {
	Category       string           `json:"category"`
	NextPageCursor string           `json:"nextPageCursor"`
	List           []instrumentItem `json:"list"`
}

func optionType(t string) models.OptionType {
	switch strings.ToLower(t) {
	case "call":
		return models.Call
	case "put":
		return models.Put
	default:
		return models.OptionType(t)
	}
}

func (s *Source) FetchInstrumentChain(ctx context.Context, asset models.Asset, expiry string) ([]models.Instrument, error) {
	out := make([]models.Instrument, 0, 64)
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]interface{}{"category": category, "baseCoin": asset.String(), "limit": instrumentCap}
		if cursor != "" {
			params["cursor"] = cursor
		}
		var res instrumentResult
		if err := s.do(ctx, "GetInstrumentInfo", s.instruments, params, &res); err != nil {
			return nil, err
		}
		for _, item := range res.List {
			if item.Status != "" && item.Status != "Trading" {
				continue
			}
			if models.ExpiryFromMillis(int64(item.DeliveryTime)) != expiry {
				continue
			}
			canonical := symbols.ToCanonical(exchangeName, item.Symbol)
			opt, err := symbols.Parse(canonical)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", models.ErrInvalidChainData, err)
			}
			out = append(out, models.Instrument{
				Symbol:     canonical,
				Strike:     opt.Strike,
				OptionType: optionType(item.OptionsType),
				Expiry:     expiry,
				BaseAsset:  asset,
			})
		}
		if res.NextPageCursor == "" || res.NextPageCursor == cursor {
			break
		}
		cursor = res.NextPageCursor
	}
	return out, nil
}

type tradeItem struct {
	ExecID reader.ID     `json:"execId"`
	Symbol string        `json:"symbol"`
	Price  reader.Number `json:"price"`
	Size   reader.Number `json:"size"`
	Side   string        `json:"side"`
	Time   reader.Millis `json:"time"`
}

type tradeResult struct {
	Category string      `json:"category"`
	List     []tradeItem `json:"list"`
}

func (s *Source) FetchRecentTrades(ctx context.Context, asset models.Asset, since time.Time) ([]models.Trade, error) {
	var res tradeResult
	params := map[string]interface{}{"category": category, "baseCoin": asset.String(), "limit": s.tradeLimit}
	if err := s.do(ctx, "GetPublicRecentTrades", s.recentTrades, params, &res); err != nil {
		return nil, err
	}

	sinceMs := since.UnixMilli()
	out := make([]models.Trade, 0, len(res.List))
	for _, item := range res.List {
		if int64(item.Time) < sinceMs {
			continue
		}
		side := models.SideBuy
		if strings.EqualFold(item.Side, "sell") {
			side = models.SideSell
		}
		out = append(out, models.Trade{
			ID:        string(item.ExecID),
			Symbol:    symbols.ToCanonical(exchangeName, item.Symbol),
			Price:     item.Price.Float(),
			Quantity:  item.Size.Float(),
			Timestamp: int64(item.Time),
			Side:      side,
		})
	}

	logger.LogDataFlowEntry(s.log.WithComponent("bybit_source"), "bybit_api", "volume_job", len(out), "option_trades")
	return out, nil
}
