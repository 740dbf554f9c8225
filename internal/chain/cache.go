// Package chain keeps the listed option instruments of every asset. Each
// asset has a single writer (the chain refresh job); readers load an
// immutable Entry through an atomic pointer and never touch the network.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"optionflow/internal/metrics"
	"optionflow/internal/store"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/reader"
)

// Fetcher is the fallback aware chain source.
type Fetcher interface {
	FetchInstrumentChain(ctx context.Context, asset models.Asset, expiry string) ([]models.Instrument, reader.Served, error)
}

// Entry is one immutable version of an asset's chain. Instruments are
// ordered by expiry, strike and type.
type Entry struct {
	Asset       models.Asset
	Instruments []models.Instrument
	Version     uint64
	UpdatedAt   time.Time
	Served      reader.Served

	bySymbol map[string]models.Instrument
}

func newEntry(asset models.Asset, instruments []models.Instrument, version uint64, at time.Time, served reader.Served) *Entry {
	e := &Entry{
		Asset:       asset,
		Instruments: instruments,
		Version:     version,
		UpdatedAt:   at,
		Served:      served,
		bySymbol:    make(map[string]models.Instrument, len(instruments)),
	}
	for _, in := range instruments {
		e.bySymbol[in.Symbol] = in
	}
	return e
}

// Lookup resolves a canonical symbol against this version.
func (e *Entry) Lookup(symbol string) (models.Instrument, bool) {
	in, ok := e.bySymbol[symbol]
	return in, ok
}

// ForExpiry returns the instruments listed for one expiry.
func (e *Entry) ForExpiry(expiry string) []models.Instrument {
	out := make([]models.Instrument, 0, len(e.Instruments))
	for _, in := range e.Instruments {
		if in.Expiry == expiry {
			out = append(out, in)
		}
	}
	return out
}

// Cache holds the current Entry per configured asset.
type Cache struct {
	fetcher   Fetcher
	store     store.Store
	namespace string
	expiries  []string
	entries   map[models.Asset]*atomic.Pointer[Entry]
	now       func() time.Time
	log       *logger.Log
}

func New(fetcher Fetcher, st store.Store, namespace string, assets []models.Asset, expiries []string) *Cache {
	entries := make(map[models.Asset]*atomic.Pointer[Entry], len(assets))
	for _, a := range assets {
		entries[a] = &atomic.Pointer[Entry]{}
	}
	return &Cache{
		fetcher:   fetcher,
		store:     st,
		namespace: namespace,
		expiries:  append([]string(nil), expiries...),
		entries:   entries,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

// Entry returns the current version or nil before the first refresh.
func (c *Cache) Entry(asset models.Asset) *Entry {
	p, ok := c.entries[asset]
	if !ok {
		return nil
	}
	return p.Load()
}

// Get returns the cached instruments and their version.
func (c *Cache) Get(asset models.Asset) ([]models.Instrument, uint64) {
	e := c.Entry(asset)
	if e == nil {
		return nil, 0
	}
	return e.Instruments, e.Version
}

func (c *Cache) ForExpiry(asset models.Asset, expiry string) []models.Instrument {
	e := c.Entry(asset)
	if e == nil {
		return nil
	}
	return e.ForExpiry(expiry)
}

// Refresh fetches every configured expiry and swaps in a new version when
// the symbol set changed. Any failed or malformed expiry leaves the cache
// as it was.
func (c *Cache) Refresh(ctx context.Context, asset models.Asset) (uint64, error) {
	p, ok := c.entries[asset]
	if !ok {
		return 0, fmt.Errorf("asset %s is not configured", asset)
	}
	log := c.log.WithComponent("chain_cache").WithFields(logger.Fields{"asset": asset})

	var (
		fetched []models.Instrument
		served  reader.Served
		errs    []error
	)
	for _, expiry := range c.expiries {
		instruments, s, err := c.fetcher.FetchInstrumentChain(ctx, asset, expiry)
		if err != nil {
			errs = append(errs, fmt.Errorf("expiry %s: %w", expiry, err))
			continue
		}
		if err := Validate(asset, expiry, instruments); err != nil {
			errs = append(errs, err)
			continue
		}
		served = served.Merge(s)
		fetched = append(fetched, instruments...)
	}

	current := p.Load()
	if err := errors.Join(errs...); err != nil {
		version := uint64(0)
		if current != nil {
			version = current.Version
		}
		log.WithError(err).Warn("chain refresh failed, keeping cached chain")
		return version, err
	}

	sortInstruments(fetched)
	if current != nil && sameSymbols(current.Instruments, fetched) {
		log.WithField("version", current.Version).Debug("chain unchanged")
		return current.Version, nil
	}

	version := uint64(1)
	if current != nil {
		version = current.Version + 1
	}
	next := newEntry(asset, fetched, version, c.now(), served)
	p.Store(next)
	metrics.ChainVersion(asset.String(), version)
	log.WithFields(logger.Fields{"version": version, "instruments": len(fetched)}).Info("chain updated")

	c.persist(ctx, next)
	return version, nil
}

func (c *Cache) persist(ctx context.Context, e *Entry) {
	if c.store == nil {
		return
	}
	doc, err := json.Marshal(models.ChainDocument{
		Asset:       e.Asset,
		Instruments: e.Instruments,
		Version:     e.Version,
		UpdatedAt:   e.UpdatedAt.UnixMilli(),
	})
	if err == nil {
		err = c.store.Set(ctx, store.ChainPath(c.namespace, e.Asset), doc)
	}
	if err != nil {
		c.log.WithComponent("chain_cache").WithError(err).WithField("asset", e.Asset).Warn("failed to persist chain")
	}
}

// Warm restores persisted chains so readers have data before the first
// refresh completes. A missing or unusable document is not an error.
func (c *Cache) Warm(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	for asset, p := range c.entries {
		raw, err := c.store.Get(ctx, store.ChainPath(c.namespace, asset))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load chain for %s: %w", asset, err)
		}

		var doc models.ChainDocument
		if err := json.Unmarshal(raw, &doc); err != nil || doc.Asset != asset || len(doc.Instruments) == 0 {
			c.log.WithComponent("chain_cache").WithField("asset", asset).Warn("ignoring unusable persisted chain")
			continue
		}
		kept := make([]models.Instrument, 0, len(doc.Instruments))
		for _, in := range doc.Instruments {
			if c.configured(in.Expiry) {
				kept = append(kept, in)
			}
		}
		if len(kept) == 0 {
			continue
		}
		sortInstruments(kept)
		if p.CompareAndSwap(nil, newEntry(asset, kept, doc.Version, time.UnixMilli(doc.UpdatedAt), reader.Served{})) {
			metrics.ChainVersion(asset.String(), doc.Version)
		}
	}
	return nil
}

func (c *Cache) configured(expiry string) bool {
	for _, e := range c.expiries {
		if e == expiry {
			return true
		}
	}
	return false
}

// Validate checks a fetched chain for one (asset, expiry).
func Validate(asset models.Asset, expiry string, instruments []models.Instrument) error {
	if len(instruments) == 0 {
		return fmt.Errorf("%w: empty chain for %s %s", models.ErrInvalidChainData, asset, expiry)
	}
	seen := make(map[string]struct{}, len(instruments))
	for _, in := range instruments {
		switch {
		case in.Symbol == "":
			return fmt.Errorf("%w: instrument without symbol", models.ErrInvalidChainData)
		case in.Strike <= 0:
			return fmt.Errorf("%w: %s has strike %v", models.ErrInvalidChainData, in.Symbol, in.Strike)
		case !in.OptionType.Valid():
			return fmt.Errorf("%w: %s has option type %q", models.ErrInvalidChainData, in.Symbol, in.OptionType)
		case in.BaseAsset != asset:
			return fmt.Errorf("%w: %s belongs to %s", models.ErrInvalidChainData, in.Symbol, in.BaseAsset)
		case in.Expiry != expiry:
			return fmt.Errorf("%w: %s expires %s, want %s", models.ErrInvalidChainData, in.Symbol, in.Expiry, expiry)
		}
		if _, dup := seen[in.Symbol]; dup {
			return fmt.Errorf("%w: duplicate symbol %s", models.ErrInvalidChainData, in.Symbol)
		}
		seen[in.Symbol] = struct{}{}
	}
	return nil
}

func sortInstruments(in []models.Instrument) {
	sort.Slice(in, func(i, j int) bool {
		if in[i].Expiry != in[j].Expiry {
			return in[i].Expiry < in[j].Expiry
		}
		if in[i].Strike != in[j].Strike {
			return in[i].Strike < in[j].Strike
		}
		return in[i].OptionType < in[j].OptionType
	})
}

func sameSymbols(a, b []models.Instrument) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, in := range a {
		set[in.Symbol] = struct{}{}
	}
	for _, in := range b {
		if _, ok := set[in.Symbol]; !ok {
			return false
		}
	}
	return true
}
