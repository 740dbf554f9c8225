package writer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	appconfig "optionflow/config"
	"optionflow/internal/channel"
	"optionflow/models"
)

type fakeUploader struct {
	mu     sync.Mutex
	keys   []string
	bodies [][]byte
	err    error
}

func (f *fakeUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, _ := io.ReadAll(in.Body)
	f.mu.Lock()
	f.keys = append(f.keys, *in.Key)
	f.bodies = append(f.bodies, body)
	f.mu.Unlock()
	return &s3.PutObjectOutput{}, nil
}

func archiveConfig() appconfig.ArchiveConfig {
	return appconfig.ArchiveConfig{
		S3:            appconfig.S3Config{Bucket: "options-archive", Prefix: "snapshots"},
		FlushInterval: time.Hour,
		MaxRows:       100,
		Compression:   "snappy",
	}
}

func event(expiry string) channel.Published {
	return channel.Published{Asset: models.AssetBTC, Expiry: expiry, Snapshot: testSnapshot()}
}

func TestArchiveFlushUploadsParquet(t *testing.T) {
	up := &fakeUploader{}
	a := NewArchiveWithUploader(archiveConfig(), "1.0.0", up)
	a.now = func() time.Time { return time.Date(2026, 1, 30, 9, 15, 0, 0, time.UTC) }

	for _, e := range []string{"2026-01-31", "2026-02-27", "2026-01-31"} {
		if err := a.Handle(context.Background(), event(e)); err != nil {
			t.Fatalf("handle: %v", err)
		}
	}
	if err := a.Flush(context.Background(), "test"); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if len(up.keys) != 2 {
		t.Fatalf("expected one object per expiry, got %v", up.keys)
	}
	wantPrefix := "snapshots/asset=BTC/expiry=2026-01-31/2026/01/30/09/snapshots_20260130091500_"
	if !strings.HasPrefix(up.keys[0], wantPrefix) || !strings.HasSuffix(up.keys[0], ".parquet") {
		t.Fatalf("unexpected key %s", up.keys[0])
	}
	for i, body := range up.bodies {
		if !bytes.HasPrefix(body, []byte("PAR1")) || !bytes.HasSuffix(body, []byte("PAR1")) {
			t.Fatalf("object %d is not a parquet file", i)
		}
	}

	// buffers are empty after a flush
	if err := a.Flush(context.Background(), "test"); err != nil {
		t.Fatalf("second flush: %v", err)
	}
	if len(up.keys) != 2 {
		t.Fatalf("empty flush uploaded %v", up.keys)
	}
}

func TestArchiveFlushesWhenFull(t *testing.T) {
	up := &fakeUploader{}
	cfg := archiveConfig()
	cfg.MaxRows = 3
	a := NewArchiveWithUploader(cfg, "1.0.0", up)

	if err := a.Handle(context.Background(), event("2026-01-31")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(up.keys) != 0 {
		t.Fatalf("flushed before the buffer was full")
	}
	if err := a.Handle(context.Background(), event("2026-01-31")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(up.keys) != 1 {
		t.Fatalf("expected a flush at max rows, got %v", up.keys)
	}
}

func TestArchiveStopFlushesAndReportsErrors(t *testing.T) {
	up := &fakeUploader{err: errors.New("access denied")}
	a := NewArchiveWithUploader(archiveConfig(), "1.0.0", up)
	a.Start(context.Background())

	if err := a.Handle(context.Background(), event("2026-01-31")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := a.Stop(context.Background()); err == nil {
		t.Fatalf("expected upload error on stop")
	}
}
