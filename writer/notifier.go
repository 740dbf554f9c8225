package writer

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	appconfig "optionflow/config"
	"optionflow/internal/channel"
	"optionflow/logger"
)

const streamMaxAge = 72 * time.Hour

// Notifier publishes every stored snapshot to JetStream on
// <prefix>.<asset>.<expiry>.
type Notifier struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	prefix string
	log    *logger.Log
}

// NewNotifier connects to NATS and makes sure the stream exists.
func NewNotifier(ctx context.Context, cfg appconfig.NatsConfig) (*Notifier, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("optionflow"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	n := NewNotifierWithJetStream(js, cfg)
	n.nc = nc
	if err := n.EnsureStream(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return n, nil
}

func NewNotifierWithJetStream(js jetstream.JetStream, cfg appconfig.NatsConfig) *Notifier {
	return &Notifier{
		js:     js,
		stream: cfg.Stream,
		prefix: cfg.SubjectPrefix,
		log:    logger.GetLogger(),
	}
}

func (n *Notifier) Name() string { return "notifier" }

// Subject is the JetStream subject of one (asset, expiry).
func (n *Notifier) Subject(asset, expiry string) string {
	return fmt.Sprintf("%s.%s.%s", n.prefix, asset, expiry)
}

func (n *Notifier) EnsureStream(ctx context.Context) error {
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      n.stream,
		Subjects:  []string{n.prefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    streamMaxAge,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", n.stream, err)
	}
	n.log.WithComponent("notifier").WithField("stream", n.stream).Info("ensured snapshot stream")
	return nil
}

// Handle publishes the stored document. The message id makes redelivery of
// the same snapshot a no-op on the server.
func (n *Notifier) Handle(ctx context.Context, ev channel.Published) error {
	msg := nats.NewMsg(n.Subject(ev.Asset.String(), ev.Expiry))
	msg.Data = ev.Payload
	msg.Header.Set("Content-Type", "application/json")
	id := fmt.Sprintf("%s/%s/%d", ev.Asset, ev.Expiry, ev.Snapshot.UpdatedAt)

	if _, err := n.js.PublishMsg(ctx, msg, jetstream.WithMsgID(id)); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

func (n *Notifier) Close() error {
	if n.nc == nil {
		return nil
	}
	return n.nc.Drain()
}
