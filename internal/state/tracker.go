// Package state tracks the per asset trade cursor and run completion. The
// volume job is the only caller of CheckAndAdvance for an asset; any job may
// call MarkRunComplete, so updates are compare-and-swap on immutable values.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"optionflow/internal/store"
	"optionflow/logger"
	"optionflow/models"
)

type Tracker struct {
	store     store.Store
	namespace string
	states    map[models.Asset]*atomic.Pointer[models.State]
	now       func() time.Time
	log       *logger.Log
}

func New(st store.Store, namespace string, assets []models.Asset) *Tracker {
	states := make(map[models.Asset]*atomic.Pointer[models.State], len(assets))
	for _, a := range assets {
		p := &atomic.Pointer[models.State]{}
		p.Store(&models.State{})
		states[a] = p
	}
	return &Tracker{
		store:     st,
		namespace: namespace,
		states:    states,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

// SetClock replaces the time source.
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// Get returns a copy of the asset's state.
func (t *Tracker) Get(asset models.Asset) (models.State, bool) {
	p, ok := t.states[asset]
	if !ok {
		return models.State{}, false
	}
	s := *p.Load()
	s.BoundaryTradeIDs = append([]string(nil), s.BoundaryTradeIDs...)
	return s, true
}

// CheckAndAdvance accepts a trade at or after the cursor that has not been
// seen yet and moves the cursor onto it. A rejected trade changes nothing.
func (t *Tracker) CheckAndAdvance(asset models.Asset, tradeID string, tradeTs int64) bool {
	p, ok := t.states[asset]
	if !ok {
		return false
	}
	for {
		cur := p.Load()
		if reason := rejectReason(cur, tradeID, tradeTs); reason != "" {
			t.log.WithComponent("state_tracker").WithError(models.ErrStaleReplay).WithFields(logger.Fields{
				"asset":    asset,
				"trade_id": tradeID,
				"trade_ts": tradeTs,
				"reason":   reason,
			}).Debug("trade rejected")
			return false
		}

		next := *cur
		next.LastTradeID = tradeID
		if tradeTs > cur.LastTradeTs {
			next.LastTradeTs = tradeTs
			next.BoundaryTradeIDs = []string{tradeID}
		} else {
			next.BoundaryTradeIDs = append(append(make([]string, 0, len(cur.BoundaryTradeIDs)+1), cur.BoundaryTradeIDs...), tradeID)
		}
		if p.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

func rejectReason(s *models.State, tradeID string, tradeTs int64) string {
	switch {
	case tradeTs < s.LastTradeTs:
		return "older than cursor"
	case tradeID == s.LastTradeID && tradeID != "":
		return "same id as cursor"
	case tradeTs == s.LastTradeTs:
		for _, id := range s.BoundaryTradeIDs {
			if id == tradeID {
				return "already accepted at cursor timestamp"
			}
		}
	}
	return ""
}

// MarkRunComplete stamps lastRunAt, records the chain version and persists
// the state. A failed write returns ErrStoreWrite; the in-memory state keeps
// the update either way.
func (t *Tracker) MarkRunComplete(ctx context.Context, asset models.Asset, chainVersion uint64) error {
	p, ok := t.states[asset]
	if !ok {
		return fmt.Errorf("asset %s is not tracked", asset)
	}
	var next models.State
	for {
		cur := p.Load()
		next = *cur
		next.LastRunAt = t.now().UnixMilli()
		next.ChainVersion = chainVersion
		if p.CompareAndSwap(cur, &next) {
			break
		}
	}

	if t.store == nil {
		return nil
	}
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrStoreWrite, err)
	}
	if err := t.store.Set(ctx, store.StatePath(t.namespace, asset), doc); err != nil {
		return fmt.Errorf("%w: state %s: %w", models.ErrStoreWrite, asset, err)
	}
	return nil
}

// IsStale reports whether the last completed run is older than
// interval*tolerance. An asset that never ran is stale.
func (t *Tracker) IsStale(asset models.Asset, interval time.Duration, tolerance float64, now time.Time) bool {
	s, ok := t.Get(asset)
	if !ok || s.LastRunAt == 0 {
		return true
	}
	limit := time.Duration(float64(interval) * tolerance)
	return now.Sub(time.UnixMilli(s.LastRunAt)) > limit
}

// Load restores the persisted state of every tracked asset. A missing
// document leaves the zero state.
func (t *Tracker) Load(ctx context.Context) error {
	if t.store == nil {
		return nil
	}
	for asset, p := range t.states {
		raw, err := t.store.Get(ctx, store.StatePath(t.namespace, asset))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to load state for %s: %w", asset, err)
		}
		var s models.State
		if err := json.Unmarshal(raw, &s); err != nil {
			t.log.WithComponent("state_tracker").WithError(err).WithField("asset", asset).Warn("ignoring unreadable state")
			continue
		}
		p.Store(&s)
		t.log.WithComponent("state_tracker").WithFields(logger.Fields{
			"asset":         asset,
			"last_trade_id": s.LastTradeID,
			"last_trade_ts": s.LastTradeTs,
		}).Info("state restored")
	}
	return nil
}
