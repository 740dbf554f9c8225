// Package pipeline holds the four refresh jobs of every asset. Each job owns
// one piece of the asset's data (underlying price, IV or volume) and swaps
// it atomically; any job may then compose and publish the snapshot of every
// configured expiry from the latest pieces.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"optionflow/internal/chain"
	"optionflow/internal/scheduler"
	"optionflow/internal/state"
	"optionflow/internal/store"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/processor"
	"optionflow/reader"
)

// Sources is the fallback aware market data client.
type Sources interface {
	Primary() string
	FetchIndexPrice(ctx context.Context, asset models.Asset) (models.IndexPrice, reader.Served, error)
	FetchTickers(ctx context.Context, asset models.Asset, expiry string) ([]models.Ticker, reader.Served, error)
	FetchRecentTrades(ctx context.Context, asset models.Asset, since time.Time) ([]models.Trade, reader.Served, error)
}

type Publisher interface {
	Publish(ctx context.Context, asset models.Asset, expiry string, snap models.OptionsSnapshot) error
}

type Config struct {
	Namespace    string
	Assets       []models.Asset
	Expiries     []string
	SessionReset time.Duration
}

type pricePiece struct {
	price  float64
	at     time.Time
	served reader.Served
}

type ivPiece struct {
	byExpiry map[string][]models.IVData
	served   map[string]reader.Served
}

type volumePiece struct {
	session  time.Time
	byExpiry map[string][]models.StrikeVolume
	served   reader.Served
}

type expiryPublish struct {
	mu      sync.Mutex
	lastSeq uint64
}

type assetState struct {
	price  atomic.Pointer[pricePiece]
	iv     atomic.Pointer[ivPiece]
	volume atomic.Pointer[volumePiece]

	seq      atomic.Uint64
	expiries map[string]*expiryPublish
}

type Pipeline struct {
	cfg       Config
	sources   Sources
	chain     *chain.Cache
	tracker   *state.Tracker
	publisher Publisher
	store     store.Store
	assets    map[models.Asset]*assetState
	now       func() time.Time
	log       *logger.Log
}

func New(cfg Config, sources Sources, cache *chain.Cache, tracker *state.Tracker, pub Publisher, st store.Store) *Pipeline {
	assets := make(map[models.Asset]*assetState, len(cfg.Assets))
	for _, a := range cfg.Assets {
		as := &assetState{expiries: make(map[string]*expiryPublish, len(cfg.Expiries))}
		for _, e := range cfg.Expiries {
			as.expiries[e] = &expiryPublish{}
		}
		assets[a] = as
	}
	return &Pipeline{
		cfg:       cfg,
		sources:   sources,
		chain:     cache,
		tracker:   tracker,
		publisher: pub,
		store:     st,
		assets:    assets,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

// Jobs returns the scheduler jobs of every asset.
func (p *Pipeline) Jobs(underlying, iv, volume, chainEvery time.Duration) []scheduler.Job {
	jobs := make([]scheduler.Job, 0, len(p.cfg.Assets)*4)
	for _, a := range p.cfg.Assets {
		jobs = append(jobs,
			scheduler.Job{Asset: a, Type: scheduler.JobChain, Interval: chainEvery, Run: p.RunChain},
			scheduler.Job{Asset: a, Type: scheduler.JobUnderlying, Interval: underlying, Run: p.RunUnderlying},
			scheduler.Job{Asset: a, Type: scheduler.JobIV, Interval: iv, Run: p.RunIV},
			scheduler.Job{Asset: a, Type: scheduler.JobVolume, Interval: volume, Run: p.RunVolume},
		)
	}
	return jobs
}

func (p *Pipeline) asset(asset models.Asset) (*assetState, error) {
	as, ok := p.assets[asset]
	if !ok {
		return nil, fmt.Errorf("asset %s is not configured", asset)
	}
	return as, nil
}

// RunChain refreshes the instrument chain.
func (p *Pipeline) RunChain(ctx context.Context, asset models.Asset) error {
	_, err := p.chain.Refresh(ctx, asset)
	return err
}

// RunUnderlying refreshes the index price and republishes.
func (p *Pipeline) RunUnderlying(ctx context.Context, asset models.Asset) error {
	as, err := p.asset(asset)
	if err != nil {
		return err
	}
	idx, served, err := p.sources.FetchIndexPrice(ctx, asset)
	if err != nil {
		return fmt.Errorf("underlying %s: %w", asset, err)
	}
	as.price.Store(&pricePiece{price: idx.Price, at: p.now(), served: served})
	return p.publishAll(ctx, asset, as)
}

// RunIV refreshes IV for every expiry. A failed fetch for any expiry aborts
// the cycle: the IV piece stays as it was and nothing is published.
func (p *Pipeline) RunIV(ctx context.Context, asset models.Asset) error {
	as, err := p.asset(asset)
	if err != nil {
		return err
	}
	entry := p.chain.Entry(asset)
	if entry == nil {
		return fmt.Errorf("%w: no chain for %s", models.ErrSnapshotNotReady, asset)
	}

	next := &ivPiece{
		byExpiry: make(map[string][]models.IVData, len(p.cfg.Expiries)),
		served:   make(map[string]reader.Served, len(p.cfg.Expiries)),
	}

	for _, expiry := range p.cfg.Expiries {
		tickers, served, err := p.sources.FetchTickers(ctx, asset, expiry)
		if err != nil {
			return fmt.Errorf("iv %s %s: %w", asset, expiry, err)
		}
		next.byExpiry[expiry] = processor.AggregateIV(asset, tickers, entry.ForExpiry(expiry))
		next.served[expiry] = served
	}

	as.iv.Store(next)
	return p.publishAll(ctx, asset, as)
}

// RunVolume folds the trades since the cursor into the session volume.
func (p *Pipeline) RunVolume(ctx context.Context, asset models.Asset) error {
	as, err := p.asset(asset)
	if err != nil {
		return err
	}
	entry := p.chain.Entry(asset)
	if entry == nil {
		return fmt.Errorf("%w: no chain for %s", models.ErrSnapshotNotReady, asset)
	}

	session := SessionStart(p.now(), p.cfg.SessionReset)
	cur := as.volume.Load()
	if cur == nil || !cur.session.Equal(session) {
		if cur != nil {
			p.log.WithComponent("pipeline").WithFields(logger.Fields{
				"asset":   asset,
				"session": session.Format(time.RFC3339),
			}).Info("volume session rolled")
		}
		cur = &volumePiece{session: session, byExpiry: map[string][]models.StrikeVolume{}}
	}

	since := session
	if st, ok := p.tracker.Get(asset); ok && st.LastTradeTs > 0 {
		if ts := time.UnixMilli(st.LastTradeTs); ts.After(since) {
			since = ts
		}
	}

	trades, served, err := p.sources.FetchRecentTrades(ctx, asset, since)
	if err != nil {
		return fmt.Errorf("volume %s: %w", asset, err)
	}
	sort.SliceStable(trades, func(i, j int) bool {
		if trades[i].Timestamp != trades[j].Timestamp {
			return trades[i].Timestamp < trades[j].Timestamp
		}
		return trades[i].ID < trades[j].ID
	})

	// Trades on contracts outside the current chain version never reach the
	// cursor.
	accepted := make([]models.Trade, 0, len(trades))
	unlisted := 0
	for _, t := range trades {
		if t.Timestamp < session.UnixMilli() {
			continue
		}
		if _, ok := entry.Lookup(t.Symbol); !ok {
			unlisted++
			continue
		}
		if p.tracker.CheckAndAdvance(asset, t.ID, t.Timestamp) {
			accepted = append(accepted, t)
		}
	}
	if unlisted > 0 {
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"asset":         asset,
			"unlisted":      unlisted,
			"chain_version": entry.Version,
		}).Debug("trades on unlisted contracts skipped")
	}

	next := &volumePiece{session: session, byExpiry: make(map[string][]models.StrikeVolume, len(p.cfg.Expiries)), served: served}
	for _, expiry := range p.cfg.Expiries {
		delta := processor.AggregateVolume(asset, accepted, entry.ForExpiry(expiry))
		next.byExpiry[expiry] = processor.MergeVolume(cur.byExpiry[expiry], delta)
	}
	as.volume.Store(next)

	logger.LogDataFlowEntry(p.log.WithComponent("pipeline").WithField("asset", asset), "exchange", "volume", len(accepted), "trade")
	return p.publishAll(ctx, asset, as)
}

func (p *Pipeline) publishAll(ctx context.Context, asset models.Asset, as *assetState) error {
	var (
		errs    []error
		version uint64
	)
	for _, expiry := range p.cfg.Expiries {
		v, err := p.publishExpiry(ctx, asset, as, expiry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		version = v
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return p.tracker.MarkRunComplete(ctx, asset, version)
}

// publishExpiry composes one snapshot and writes it unless a newer
// composition was already written.
func (p *Pipeline) publishExpiry(ctx context.Context, asset models.Asset, as *assetState, expiry string) (uint64, error) {
	seq := as.seq.Add(1)
	snap, version, err := p.compose(asset, as, expiry)
	if err != nil {
		entry := p.log.WithComponent("pipeline").WithError(err).WithFields(logger.Fields{"asset": asset, "expiry": expiry})
		if errors.Is(err, models.ErrAggregationInvariant) {
			entry.Error("snapshot composition broke an invariant")
		}
		return 0, err
	}

	ep := as.expiries[expiry]
	ep.mu.Lock()
	defer ep.mu.Unlock()
	if seq < ep.lastSeq {
		p.log.WithComponent("pipeline").WithFields(logger.Fields{
			"asset":  asset,
			"expiry": expiry,
			"seq":    seq,
		}).Debug("newer snapshot already published, skipping")
		return version, nil
	}
	if err := p.publisher.Publish(ctx, asset, expiry, snap); err != nil {
		return 0, err
	}
	ep.lastSeq = seq
	return version, nil
}

func (p *Pipeline) compose(asset models.Asset, as *assetState, expiry string) (models.OptionsSnapshot, uint64, error) {
	entry := p.chain.Entry(asset)
	if entry == nil {
		return models.OptionsSnapshot{}, 0, fmt.Errorf("%w: no chain for %s", models.ErrSnapshotNotReady, asset)
	}
	price := as.price.Load()
	if price == nil {
		return models.OptionsSnapshot{}, 0, fmt.Errorf("%w: no underlying price for %s", models.ErrSnapshotNotReady, asset)
	}

	served := reader.Served{Source: p.sources.Primary()}.Merge(price.served).Merge(entry.Served)
	in := processor.SnapshotInput{
		Asset:           asset,
		Instruments:     entry.ForExpiry(expiry),
		UnderlyingPrice: price.price,
		UpdatedAt:       p.now(),
		SessionStart:    SessionStart(p.now(), p.cfg.SessionReset),
	}
	if iv := as.iv.Load(); iv != nil {
		in.IV = iv.byExpiry[expiry]
		served = served.Merge(iv.served[expiry])
	}
	if vol := as.volume.Load(); vol != nil && vol.session.Equal(in.SessionStart) {
		in.Volume = vol.byExpiry[expiry]
		served = served.Merge(vol.served)
	}
	in.Meta = models.SnapshotMeta{
		Source:   served.Source,
		Fallback: served.Fallback,
		Expiries: append([]string(nil), p.cfg.Expiries...),
	}

	snap, err := processor.BuildSnapshot(in)
	if err != nil {
		return models.OptionsSnapshot{}, 0, fmt.Errorf("compose %s %s: %w", asset, expiry, err)
	}
	return snap, entry.Version, nil
}

// Seed restores the session volume of every (asset, expiry) from the stored
// snapshots when they belong to the current session.
func (p *Pipeline) Seed(ctx context.Context) error {
	if p.store == nil {
		return nil
	}
	session := SessionStart(p.now(), p.cfg.SessionReset)
	for asset, as := range p.assets {
		piece := &volumePiece{session: session, byExpiry: map[string][]models.StrikeVolume{}}
		for _, expiry := range p.cfg.Expiries {
			raw, err := p.store.Get(ctx, store.SnapshotPath(p.cfg.Namespace, asset, expiry))
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to seed %s %s: %w", asset, expiry, err)
			}
			var snap models.OptionsSnapshot
			if err := json.Unmarshal(raw, &snap); err != nil || snap.SessionStart != session.UnixMilli() {
				continue
			}
			if processor.ValidateSnapshot(snap) != nil {
				continue
			}
			rows := make([]models.StrikeVolume, len(snap.Strikes))
			for i, k := range snap.Strikes {
				rows[i] = models.StrikeVolume{Strike: k, CallVolume: snap.CallVolByStrike[i], PutVolume: snap.PutVolByStrike[i]}
			}
			piece.byExpiry[expiry] = rows
		}
		if len(piece.byExpiry) > 0 {
			as.volume.Store(piece)
			p.log.WithComponent("pipeline").WithFields(logger.Fields{
				"asset":    asset,
				"expiries": len(piece.byExpiry),
			}).Info("session volume seeded from store")
		}
	}
	return nil
}
