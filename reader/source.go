package reader

import (
	"context"
	"fmt"
	"time"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

// Source is one exchange's read-only options market API.
type Source interface {
	Name() string
	FetchTicker(ctx context.Context, symbol string) (models.Ticker, error)
	FetchTickers(ctx context.Context, asset models.Asset, expiry string) ([]models.Ticker, error)
	FetchIndexPrice(ctx context.Context, asset models.Asset) (models.IndexPrice, error)
	FetchInstrumentChain(ctx context.Context, asset models.Asset, expiry string) ([]models.Instrument, error)
	FetchRecentTrades(ctx context.Context, asset models.Asset, since time.Time) ([]models.Trade, error)
}

// Served tells which source answered a call. Source is always the primary;
// Fallback is set only when another source answered.
type Served struct {
	Source   string
	Fallback string
}

// Merge keeps the first fallback seen across several calls.
func (s Served) Merge(o Served) Served {
	if s.Source == "" {
		s.Source = o.Source
	}
	if s.Fallback == "" {
		s.Fallback = o.Fallback
	}
	return s
}

// Client tries an ordered list of sources, primary first, giving every
// attempt its own deadline.
type Client struct {
	sources []Source
	timeout time.Duration
	log     *logger.Log
}

func NewClient(timeout time.Duration, sources ...Source) (*Client, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("at least one source is required")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("source timeout must be greater than 0")
	}
	return &Client{sources: sources, timeout: timeout, log: logger.GetLogger()}, nil
}

// Primary is the name of the first configured source.
func (c *Client) Primary() string {
	return c.sources[0].Name()
}

func (c *Client) FetchTicker(ctx context.Context, symbol string) (models.Ticker, Served, error) {
	return call(ctx, c, "FetchTicker", logger.Fields{"symbol": symbol}, func(ctx context.Context, s Source) (models.Ticker, error) {
		return s.FetchTicker(ctx, symbol)
	})
}

func (c *Client) FetchTickers(ctx context.Context, asset models.Asset, expiry string) ([]models.Ticker, Served, error) {
	return call(ctx, c, "FetchTickers", logger.Fields{"asset": asset, "expiry": expiry}, func(ctx context.Context, s Source) ([]models.Ticker, error) {
		tickers, err := s.FetchTickers(ctx, asset, expiry)
		if err == nil && len(tickers) == 0 {
			err = fmt.Errorf("no tickers for %s %s", asset, expiry)
		}
		return tickers, err
	})
}

func (c *Client) FetchIndexPrice(ctx context.Context, asset models.Asset) (models.IndexPrice, Served, error) {
	return call(ctx, c, "FetchIndexPrice", logger.Fields{"asset": asset}, func(ctx context.Context, s Source) (models.IndexPrice, error) {
		p, err := s.FetchIndexPrice(ctx, asset)
		if err == nil && p.Price <= 0 {
			err = fmt.Errorf("non-positive index price %v", p.Price)
		}
		return p, err
	})
}

func (c *Client) FetchInstrumentChain(ctx context.Context, asset models.Asset, expiry string) ([]models.Instrument, Served, error) {
	return call(ctx, c, "FetchInstrumentChain", logger.Fields{"asset": asset, "expiry": expiry}, func(ctx context.Context, s Source) ([]models.Instrument, error) {
		chain, err := s.FetchInstrumentChain(ctx, asset, expiry)
		if err == nil && len(chain) == 0 {
			err = fmt.Errorf("%w: empty chain for %s %s", models.ErrInvalidChainData, asset, expiry)
		}
		return chain, err
	})
}

func (c *Client) FetchRecentTrades(ctx context.Context, asset models.Asset, since time.Time) ([]models.Trade, Served, error) {
	return call(ctx, c, "FetchRecentTrades", logger.Fields{"asset": asset, "since": since.UnixMilli()}, func(ctx context.Context, s Source) ([]models.Trade, error) {
		return s.FetchRecentTrades(ctx, asset, since)
	})
}

func call[T any](ctx context.Context, c *Client, op string, fields logger.Fields, fn func(context.Context, Source) (T, error)) (T, Served, error) {
	var zero T
	log := c.log.WithComponent("source_client").WithFields(fields).WithField("operation", op)
	failures := make([]models.SourceFailure, 0, len(c.sources))

	for i, src := range c.sources {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		v, err := fn(callCtx, src)
		cancel()

		if err == nil {
			served := Served{Source: c.Primary()}
			if i > 0 {
				served.Fallback = src.Name()
				metrics.SourceFallback(op, src.Name())
				logger.RecordFallback()
				log.WithField("source", src.Name()).Warn("served by fallback source")
			}
			return v, served, nil
		}

		metrics.SourceFailure(src.Name(), op)
		failures = append(failures, models.SourceFailure{Source: src.Name(), Err: err})
		log.WithError(err).WithField("source", src.Name()).Warn("source call failed")

		if ctx.Err() != nil {
			break
		}
	}

	return zero, Served{}, &models.SourceUnavailableError{Op: op, Failures: failures}
}
