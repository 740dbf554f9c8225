package writer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "optionflow/config"
	"optionflow/internal/channel"
	"optionflow/logger"
)

// SnapshotRecord is one strike of one published snapshot.
type SnapshotRecord struct {
	Asset           string   `parquet:"name=asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Expiry          string   `parquet:"name=expiry, type=BYTE_ARRAY, convertedtype=UTF8"`
	UpdatedAt       int64    `parquet:"name=updated_at, type=INT64"`
	SessionStart    int64    `parquet:"name=session_start, type=INT64"`
	UnderlyingPrice float64  `parquet:"name=underlying_price, type=DOUBLE"`
	AtmStrike       float64  `parquet:"name=atm_strike, type=DOUBLE"`
	Strike          float64  `parquet:"name=strike, type=DOUBLE"`
	CallVolume      float64  `parquet:"name=call_volume, type=DOUBLE"`
	PutVolume       float64  `parquet:"name=put_volume, type=DOUBLE"`
	IV              *float64 `parquet:"name=iv, type=DOUBLE, repetitiontype=OPTIONAL"`
	Source          string   `parquet:"name=source, type=BYTE_ARRAY, convertedtype=UTF8"`
	Fallback        string   `parquet:"name=fallback, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFileWriter is a write-only source.ParquetFile backed by a buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (m *memoryFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFileWriter) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFileWriter) Close() error                              { return nil }
func (m *memoryFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Uploader is the part of the S3 client the archive needs.
type Uploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archive buffers snapshot rows per (asset, expiry) and uploads them as
// parquet files on an interval, when the buffer is full, and on Stop.
type Archive struct {
	cfg      appconfig.ArchiveConfig
	version  string
	uploader Uploader
	now      func() time.Time
	log      *logger.Log

	mu     sync.Mutex
	buffer map[string][]SnapshotRecord
	rows   int

	flushMu sync.Mutex
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewArchive builds the S3 client from cfg.S3.
func NewArchive(ctx context.Context, cfg appconfig.ArchiveConfig, version string) (*Archive, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKeyID != "" && cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKeyID, cfg.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		log.WithComponent("archive").WithError(err).Warn("failed to load AWS configuration")
		return nil, fmt.Errorf("failed to load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
		o.UsePathStyle = cfg.S3.PathStyle
	})

	log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     cfg.S3.Bucket,
		"region":     cfg.S3.Region,
		"endpoint":   cfg.S3.Endpoint,
		"path_style": cfg.S3.PathStyle,
	}).Info("archive initialized")

	return NewArchiveWithUploader(cfg, version, client), nil
}

func NewArchiveWithUploader(cfg appconfig.ArchiveConfig, version string, uploader Uploader) *Archive {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Minute
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = 50000
	}
	return &Archive{
		cfg:      cfg,
		version:  version,
		uploader: uploader,
		now:      time.Now,
		log:      logger.GetLogger(),
		buffer:   make(map[string][]SnapshotRecord),
		stopCh:   make(chan struct{}),
	}
}

func (a *Archive) Name() string { return "archive" }

// Handle buffers the rows of one published snapshot.
func (a *Archive) Handle(ctx context.Context, ev channel.Published) error {
	s := ev.Snapshot
	rows := make([]SnapshotRecord, 0, len(s.Strikes))
	for i, k := range s.Strikes {
		r := SnapshotRecord{
			Asset:           ev.Asset.String(),
			Expiry:          ev.Expiry,
			UpdatedAt:       s.UpdatedAt,
			SessionStart:    s.SessionStart,
			UnderlyingPrice: s.UnderlyingPrice,
			AtmStrike:       s.AtmStrike,
			Strike:          k,
			CallVolume:      s.CallVolByStrike[i],
			PutVolume:       s.PutVolByStrike[i],
			Source:          s.Meta.Source,
			Fallback:        s.Meta.Fallback,
		}
		if iv := s.IVByStrike[i]; iv != nil {
			v := *iv
			r.IV = &v
		}
		rows = append(rows, r)
	}

	key := bufferKey(ev.Asset.String(), ev.Expiry)
	a.mu.Lock()
	a.buffer[key] = append(a.buffer[key], rows...)
	a.rows += len(rows)
	full := a.rows >= a.cfg.MaxRows
	a.mu.Unlock()

	if full {
		return a.Flush(ctx, "max_rows")
	}
	return nil
}

func bufferKey(asset, expiry string) string {
	return asset + "|" + expiry
}

// Start runs the interval flusher.
func (a *Archive) Start(ctx context.Context) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ticker.C:
				if err := a.Flush(context.WithoutCancel(ctx), "interval"); err != nil {
					a.log.WithComponent("archive").WithError(err).Warn("interval flush failed")
				}
			}
		}
	}()
}

// Stop halts the flusher and uploads whatever is buffered.
func (a *Archive) Stop(ctx context.Context) error {
	close(a.stopCh)
	a.wg.Wait()
	return a.Flush(ctx, "shutdown")
}

// Flush uploads one parquet file per buffered (asset, expiry).
func (a *Archive) Flush(ctx context.Context, reason string) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	buffers := a.buffer
	a.buffer = make(map[string][]SnapshotRecord)
	a.rows = 0
	a.mu.Unlock()

	if len(buffers) == 0 {
		return nil
	}
	a.log.WithComponent("archive").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	keys := make([]string, 0, len(buffers))
	for k := range buffers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var errs []error
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 2)
		if err := a.upload(ctx, parts[0], parts[1], buffers[k]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Archive) upload(ctx context.Context, asset, expiry string, rows []SnapshotRecord) error {
	batchID := uuid.New().String()
	ts := a.now().UTC()
	key := a.objectKey(asset, expiry, ts, batchID)
	log := a.log.WithComponent("archive").WithFields(logger.Fields{
		"batch_id":     batchID,
		"asset":        asset,
		"expiry":       expiry,
		"record_count": len(rows),
		"s3_key":       key,
	})

	data, err := a.createParquetFile(rows)
	if err != nil {
		log.WithError(err).Error("failed to create parquet file")
		return err
	}

	_, err = a.uploader.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type":       "parquet",
			"compression":        a.cfg.Compression,
			"optionflow-version": a.version,
			"batch-id":           batchID,
		},
	})
	if err != nil {
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to upload to S3")
		return fmt.Errorf("failed to upload to S3 bucket %s: %w", a.cfg.S3.Bucket, err)
	}

	logger.RecordArchiveUpload()
	log.WithField("file_size", len(data)).Info("archive batch uploaded")
	return nil
}

func (a *Archive) objectKey(asset, expiry string, ts time.Time, batchID string) string {
	file := fmt.Sprintf("snapshots_%s_%s.parquet", ts.Format("20060102150405"), batchID[:8])
	return path.Join(
		a.cfg.S3.Prefix,
		"asset="+asset,
		"expiry="+expiry,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		fmt.Sprintf("%02d", ts.Hour()),
		file,
	)
}

func (a *Archive) createParquetFile(rows []SnapshotRecord) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(SnapshotRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch a.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, r := range rows {
		if err := pw.Write(r); err != nil {
			_ = pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}
