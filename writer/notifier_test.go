package writer

import (
	"context"
	"errors"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "optionflow/config"
)

type fakeJetStream struct {
	jetstream.JetStream
	msgs    []*nats.Msg
	streams []jetstream.StreamConfig
	err     error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, _ ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "OPTIONFLOW_SNAPSHOTS", Sequence: uint64(len(f.msgs))}, nil
}

func (f *fakeJetStream) CreateOrUpdateStream(_ context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	f.streams = append(f.streams, cfg)
	return nil, f.err
}

func natsConfig() appconfig.NatsConfig {
	return appconfig.NatsConfig{Enabled: true, Stream: "OPTIONFLOW_SNAPSHOTS", SubjectPrefix: "optionflow.snapshots"}
}

func TestNotifierPublishesPayload(t *testing.T) {
	js := &fakeJetStream{}
	n := NewNotifierWithJetStream(js, natsConfig())

	require.NoError(t, n.EnsureStream(context.Background()))
	require.Len(t, js.streams, 1)
	assert.Equal(t, []string{"optionflow.snapshots.>"}, js.streams[0].Subjects)

	ev := event("2026-01-31")
	ev.Payload = []byte(`{"atmStrike":97500}`)
	require.NoError(t, n.Handle(context.Background(), ev))

	require.Len(t, js.msgs, 1)
	assert.Equal(t, "optionflow.snapshots.BTC.2026-01-31", js.msgs[0].Subject)
	assert.Equal(t, ev.Payload, js.msgs[0].Data)
	assert.Equal(t, "application/json", js.msgs[0].Header.Get("Content-Type"))
	assert.NoError(t, n.Close())
}

func TestNotifierErrors(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	n := NewNotifierWithJetStream(js, natsConfig())

	assert.Error(t, n.EnsureStream(context.Background()))
	assert.Error(t, n.Handle(context.Background(), event("2026-01-31")))
}
