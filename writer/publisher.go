package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"optionflow/internal/channel"
	"optionflow/internal/metrics"
	"optionflow/internal/store"
	"optionflow/logger"
	"optionflow/models"
	"optionflow/processor"
)

// Publisher writes whole snapshot documents to the shared store and
// announces every successful write on the published channel.
type Publisher struct {
	store     store.Store
	namespace string
	timeout   time.Duration
	channels  *channel.Channels
	now       func() time.Time
	log       *logger.Log
}

func NewPublisher(st store.Store, namespace string, timeout time.Duration, ch *channel.Channels) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{
		store:     st,
		namespace: namespace,
		timeout:   timeout,
		channels:  ch,
		now:       time.Now,
		log:       logger.GetLogger(),
	}
}

// Publish validates and writes the snapshot of one (asset, expiry). The
// write runs to completion or its own deadline even if ctx is cancelled.
func (p *Publisher) Publish(ctx context.Context, asset models.Asset, expiry string, snap models.OptionsSnapshot) error {
	path := store.SnapshotPath(p.namespace, asset, expiry)
	log := p.log.WithComponent("publisher").WithFields(logger.Fields{
		"asset":  asset,
		"expiry": expiry,
		"path":   path,
	})

	if err := processor.ValidateSnapshot(snap); err != nil {
		log.WithError(err).Error("refusing to publish invalid snapshot")
		metrics.SnapshotPublish(asset.String(), expiry, false)
		return err
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		metrics.SnapshotPublish(asset.String(), expiry, false)
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	start := time.Now()
	if err := p.store.Set(writeCtx, path, payload); err != nil {
		metrics.SnapshotPublish(asset.String(), expiry, false)
		log.WithError(err).Warn("snapshot write failed")
		return fmt.Errorf("%w: %s: %w", models.ErrStoreWrite, path, err)
	}

	metrics.SnapshotPublish(asset.String(), expiry, true)
	logger.RecordPublish()
	logger.LogPerformanceEntry(log, "publisher", "store_set", time.Since(start), logger.Fields{"bytes": len(payload)})
	logger.LogDataFlowEntry(log, "aggregator", "store", len(snap.Strikes), "options_snapshot")

	if p.channels != nil {
		p.channels.SendPublished(ctx, channel.Published{
			Asset:       asset,
			Expiry:      expiry,
			Path:        path,
			Snapshot:    snap,
			Payload:     payload,
			PublishedAt: p.now(),
		})
	}
	return nil
}
