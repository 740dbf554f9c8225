package channel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"optionflow/models"
)

func TestSendPublishedDropsWhenFull(t *testing.T) {
	c := NewChannels(1)
	ctx := context.Background()

	if !c.SendPublished(ctx, Published{Asset: models.AssetBTC, Expiry: "2026-01-31"}) {
		t.Fatalf("first send should succeed")
	}
	if c.SendPublished(ctx, Published{Asset: models.AssetBTC, Expiry: "2026-01-31"}) {
		t.Fatalf("second send should be dropped")
	}
	stats := c.GetStats()
	if stats.PublishedSent != 1 || stats.PublishedDropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	c.Close()
	c.Close()
	if c.SendPublished(ctx, Published{}) {
		t.Fatalf("send after close should fail")
	}
}

type recordingSink struct {
	name string
	err  error

	mu   sync.Mutex
	seen []string
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Handle(_ context.Context, ev Published) error {
	s.mu.Lock()
	s.seen = append(s.seen, ev.Expiry)
	s.mu.Unlock()
	return s.err
}

func TestDispatcherFansOutAndDrains(t *testing.T) {
	c := NewChannels(4)
	failing := &recordingSink{name: "failing", err: errors.New("bucket missing")}
	ok := &recordingSink{name: "ok"}
	d := NewDispatcher(c.Published, time.Second, failing, ok)

	ctx, cancel := context.WithCancel(context.Background())
	d.Start(ctx)
	cancel()

	for _, e := range []string{"2026-01-31", "2026-02-27"} {
		c.SendPublished(context.Background(), Published{Asset: models.AssetBTC, Expiry: e})
	}
	c.Close()
	d.Wait()

	for _, s := range []*recordingSink{failing, ok} {
		if len(s.seen) != 2 || s.seen[0] != "2026-01-31" || s.seen[1] != "2026-02-27" {
			t.Fatalf("%s saw %v", s.name, s.seen)
		}
	}
}

func TestStartMetricsReporting(t *testing.T) {
	c := NewChannels(1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
}
