package channel

import (
	"context"
	"sync"
	"time"

	"optionflow/internal/metrics"
	"optionflow/logger"
	"optionflow/models"
)

const publishedChannel = "published"

// Published is emitted after a snapshot document was written to the store.
// Payload holds the exact bytes that were written.
type Published struct {
	Asset       models.Asset
	Expiry      string
	Path        string
	Snapshot    models.OptionsSnapshot
	Payload     []byte
	PublishedAt time.Time
}

type ChannelStats struct {
	PublishedSent    int64
	PublishedDropped int64
}

type Channels struct {
	Published chan Published

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeMu    sync.RWMutex
	closed     bool
	log        *logger.Log
}

func NewChannels(publishedBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Published: make(chan Published, publishedBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"published_buffer_size": publishedBufferSize,
	}).Info("channels initialized")

	return c
}

// Close is safe to call while senders are still running; later sends are
// dropped.
func (c *Channels) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Published)
	c.log.WithComponent("channels").Info("channels closed")
}

// SendPublished never blocks; a full channel drops the event.
func (c *Channels) SendPublished(ctx context.Context, ev Published) bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.Published <- ev:
		c.statsMutex.Lock()
		c.stats.PublishedSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.PublishedDropped++
		c.statsMutex.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricPublished, publishedChannel, ev.Asset.String(), ev.Expiry)
		c.log.WithComponent("channels").WithFields(logger.Fields{
			"asset":  ev.Asset,
			"expiry": ev.Expiry,
		}).Warn("published channel full, event dropped")
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel statistics every interval until ctx
// is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"published_sent":        stats.PublishedSent,
		"published_dropped":     stats.PublishedDropped,
		"published_channel_len": len(c.Published),
		"published_channel_cap": cap(c.Published),
	}).Info("channel statistics")
}
