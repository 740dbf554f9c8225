package metrics

import "optionflow/logger"

// DropMetric names the metric emitted when a channel message is dropped.
type DropMetric string

const (
	// DropMetricPublished records published-snapshot events dropped before fan-out.
	DropMetricPublished DropMetric = "published_events_dropped"
)

// EmitDropMetric records one dropped message on channel. Asset and expiry
// are attached when known so drops can be aggregated per stream.
func EmitDropMetric(log *logger.Log, metric DropMetric, channel, asset, expiry string) {
	ChannelDrop(channel)

	fields := logger.Fields{"channel": channel}
	if asset != "" {
		fields["asset"] = asset
	}
	if expiry != "" {
		fields["expiry"] = expiry
	}
	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
