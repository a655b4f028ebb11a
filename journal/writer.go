// Package journal persists the trade journal as parquet files, partitioned
// by trading day, either in S3 or on local disk. Records arrive on the
// journal channel; losing one to a full buffer is acceptable, losing one
// that was accepted here is not, so every flush path runs on shutdown too.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
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

	"ctpflow/config"
	"ctpflow/logger"
	"ctpflow/models"
)

// journalRow is the parquet schema of one journal record.
type journalRow struct {
	Kind         string  `parquet:"name=kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp    int64   `parquet:"name=timestamp, type=INT64"`
	TradingDay   string  `parquet:"name=trading_day, type=BYTE_ARRAY, convertedtype=UTF8"`
	InstrumentID string  `parquet:"name=instrument_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExchangeID   string  `parquet:"name=exchange_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderRef     string  `parquet:"name=order_ref, type=BYTE_ARRAY, convertedtype=UTF8"`
	Direction    string  `parquet:"name=direction, type=BYTE_ARRAY, convertedtype=UTF8"`
	Offset       string  `parquet:"name=offset, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price        float64 `parquet:"name=price, type=DOUBLE"`
	Volume       int32   `parquet:"name=volume, type=INT32"`
	TradeID      string  `parquet:"name=trade_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ErrorID      int32   `parquet:"name=error_id, type=INT32"`
	ErrorMsg     string  `parquet:"name=error_msg, type=BYTE_ARRAY, convertedtype=UTF8"`
}

// memoryFile adapts a byte buffer to the parquet file interface so files
// are assembled in memory before the single write to storage.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(name string) (source.ParquetFile, error) { return m, nil }

func (m *memoryFile) Open(name string) (source.ParquetFile, error) { return m, nil }

func (m *memoryFile) Seek(offset int64, whence int) (int64, error) {
	return int64(m.buffer.Len()), nil
}

func (m *memoryFile) Read(b []byte) (int, error) { return m.buffer.Read(b) }

func (m *memoryFile) Write(b []byte) (int, error) { return m.buffer.Write(b) }

func (m *memoryFile) Close() error { return nil }

func (m *memoryFile) Bytes() []byte { return m.buffer.Bytes() }

// Writer consumes journal records and flushes them as parquet files, one
// per trading day per flush.
type Writer struct {
	cfg      *config.Config
	records  <-chan models.JournalRecord
	s3Client *s3.Client

	ctx         context.Context
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	buffer      []models.JournalRecord
	flushTicker *time.Ticker
	stopCh      chan struct{}
	log         *logger.Log
}

// New prepares a journal writer. With S3 enabled the client and credentials
// are validated here; in local mode the target directory is created.
func New(cfg *config.Config, records <-chan models.JournalRecord) (*Writer, error) {
	log := logger.GetLogger()
	w := &Writer{
		cfg:     cfg,
		records: records,
		stopCh:  make(chan struct{}),
		log:     log,
	}

	if cfg.Storage.S3.Enabled {
		client, err := newS3Client(cfg)
		if err != nil {
			return nil, err
		}
		w.s3Client = client
		log.WithComponent("journal").WithFields(logger.Fields{
			"bucket":     cfg.Storage.S3.Bucket,
			"region":     cfg.Storage.S3.Region,
			"endpoint":   cfg.Storage.S3.Endpoint,
			"path_style": cfg.Storage.S3.PathStyle,
		}).Info("journal writer targets s3")
	} else {
		if err := os.MkdirAll(cfg.Journal.LocalDir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
		log.WithComponent("journal").WithFields(logger.Fields{
			"dir": cfg.Journal.LocalDir,
		}).Info("journal writer targets local disk")
	}

	return w, nil
}

func newS3Client(cfg *config.Config) (*s3.Client, error) {
	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Storage.S3.Region),
	}
	if cfg.Storage.S3.AccessKeyID != "" && cfg.Storage.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.Storage.S3.AccessKeyID,
				cfg.Storage.S3.SecretAccessKey,
				"",
			),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.S3.Endpoint)
		}
		o.UsePathStyle = cfg.Storage.S3.PathStyle
	}), nil
}

// Start launches the consumer. Records buffer in memory and flush on the
// configured interval, when the buffer fills, and at shutdown.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("journal writer already running")
	}
	w.running = true
	w.mu.Unlock()

	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Journal.FlushInterval)

	w.wg.Add(1)
	go w.run()

	w.log.WithComponent("journal").WithFields(logger.Fields{
		"flush_interval": w.cfg.Journal.FlushInterval.String(),
		"max_buffer":     w.cfg.Journal.MaxBuffer,
	}).Info("journal writer started")
	return nil
}

// Stop drains whatever is still queued and flushes it. Safe to call more
// than once.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.flushTicker.Stop()
	w.log.WithComponent("journal").Info("journal writer stopped")
}

func (w *Writer) run() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			w.drainRemaining()
			w.flush("shutdown")
			return
		case <-w.ctx.Done():
			w.drainRemaining()
			w.flush("shutdown")
			return
		case <-w.flushTicker.C:
			w.flush("interval")
		case rec, ok := <-w.records:
			if !ok {
				w.flush("channel closed")
				return
			}
			w.add(rec)
		}
	}
}

func (w *Writer) add(rec models.JournalRecord) {
	w.mu.Lock()
	w.buffer = append(w.buffer, rec)
	full := len(w.buffer) >= w.cfg.Journal.MaxBuffer
	w.mu.Unlock()
	if full {
		w.flush("buffer full")
	}
}

// drainRemaining pulls records still sitting in the channel so a shutdown
// does not drop the tail of the journal.
func (w *Writer) drainRemaining() {
	for {
		select {
		case rec, ok := <-w.records:
			if !ok {
				return
			}
			w.mu.Lock()
			w.buffer = append(w.buffer, rec)
			w.mu.Unlock()
		default:
			return
		}
	}
}

func (w *Writer) flush(reason string) {
	w.mu.Lock()
	records := w.buffer
	w.buffer = nil
	w.mu.Unlock()

	if len(records) == 0 {
		return
	}

	log := w.log.WithComponent("journal").WithFields(logger.Fields{
		"records": len(records),
		"reason":  reason,
	})
	log.Info("flushing journal records")

	byDate := make(map[string][]models.JournalRecord)
	for _, rec := range records {
		date := partitionDate(rec)
		byDate[date] = append(byDate[date], rec)
	}

	for date, recs := range byDate {
		w.writeFile(date, recs)
	}
}

// partitionDate picks the partition for a record: the trading day the
// gateway stamped it with, or the wall clock date when a record predates
// login.
func partitionDate(rec models.JournalRecord) string {
	if d, err := time.Parse("20060102", rec.TradingDay); err == nil {
		return d.Format("2006-01-02")
	}
	return rec.Timestamp.UTC().Format("2006-01-02")
}

func (w *Writer) writeFile(date string, records []models.JournalRecord) {
	key := w.objectKey(date)
	log := w.log.WithComponent("journal").WithFields(logger.Fields{
		"date":    date,
		"key":     key,
		"records": len(records),
	})

	data, err := w.buildParquet(records)
	if err != nil {
		log.WithError(err).Error("failed to build parquet file")
		return
	}
	logger.IncrementJournalWrite(int64(len(data)))

	if w.s3Client != nil {
		if err := w.uploadToS3(key, data); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"bucket": w.cfg.Storage.S3.Bucket,
			}).Error("failed to upload journal file")
			return
		}
		logger.IncrementJournalUpload(int64(len(data)))
		log.WithFields(logger.Fields{"file_size": len(data)}).Info("journal file uploaded")
		return
	}

	path := filepath.Join(w.cfg.Journal.LocalDir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		log.WithError(err).Error("failed to create journal partition directory")
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		log.WithError(err).Error("failed to write journal file")
		return
	}
	log.WithFields(logger.Fields{"file_size": len(data), "path": path}).Info("journal file written")
}

func (w *Writer) objectKey(date string) string {
	ts := time.Now().UTC().Format("20060102150405")
	return fmt.Sprintf("journal/date=%s/ctpflow_journal_%s_%s.parquet", date, ts, uuid.NewString()[:8])
}

func (w *Writer) buildParquet(records []models.JournalRecord) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(journalRow), 4)
	if err != nil {
		return nil, fmt.Errorf("create parquet writer: %w", err)
	}

	switch w.cfg.Journal.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, rec := range records {
		row := journalRow{
			Kind:         string(rec.Kind),
			Timestamp:    rec.Timestamp.UnixMilli(),
			TradingDay:   rec.TradingDay,
			InstrumentID: rec.InstrumentID,
			ExchangeID:   rec.ExchangeID,
			OrderRef:     rec.OrderRef,
			Direction:    rec.Direction,
			Offset:       rec.Offset,
			Price:        rec.Price,
			Volume:       int32(rec.Volume),
			TradeID:      rec.TradeID,
			ErrorID:      int32(rec.ErrorID),
			ErrorMsg:     rec.ErrorMsg,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("write parquet row: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *Writer) uploadToS3(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Storage.S3.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"compression":  w.cfg.Journal.Compression,
		},
	}

	// Uploads run to completion even when the shutdown context is gone.
	ctx := context.WithoutCancel(w.ctx)
	if _, err := w.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("upload to S3 bucket %s: %w", w.cfg.Storage.S3.Bucket, err)
	}
	return nil
}
