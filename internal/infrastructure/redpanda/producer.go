// Package redpanda publishes locally committed dispense records and tickets to
// a Kafka-compatible broker as an alternative to the REST push path.
package redpanda

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-pod/internal/replication"
	"github.com/drfirst/go-pod/internal/store"
)

// Record headers.
const (
	HeaderKind     = "pod-kind"
	HeaderRevision = "pod-revision"
	HeaderDevice   = "pod-device"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// ClientID identifies the terminal to the broker
	ClientID string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// Compression is the compression codec to use
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks int16
	// MaxRetries is the maximum number of retries for failed sends
	MaxRetries int
	// RetryBackoffMS is the backoff time between retries
	RetryBackoffMS int64
	// ProduceTimeout bounds one synchronous produce
	ProduceTimeout time.Duration
}

// DefaultProducerConfig returns durable defaults: every record waits for all
// in-sync replicas, since an acknowledged push marks the row synced.
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Brokers:        []string{"localhost:9092"},
		ClientID:       "go-pod",
		LingerMS:       5,
		Compression:    "lz4",
		RequiredAcks:   -1,
		MaxRetries:     3,
		RetryBackoffMS: 100,
		ProduceTimeout: 10 * time.Second,
	}
}

// Producer implements replication.Pusher over Kafka.
type Producer struct {
	client   *kgo.Client
	config   ProducerConfig
	deviceID string
	logger   *zap.Logger
	tracer   trace.Tracer

	mu           sync.RWMutex
	messagesSent int64
	bytesSent    int64
	errorCount   int64
}

var _ replication.Pusher = (*Producer)(nil)

// NewProducer creates a producer. deviceID is stamped on every record.
func NewProducer(cfg ProducerConfig, deviceID string, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ProduceTimeout <= 0 {
		cfg.ProduceTimeout = DefaultProducerConfig().ProduceTimeout
	}

	client, err := kgo.NewClient(clientOpts(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client:   client,
		config:   cfg,
		deviceID: deviceID,
		logger:   logger,
		tracer:   otel.Tracer("redpanda-producer"),
	}, nil
}

func clientOpts(cfg ProducerConfig) []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	switch cfg.RequiredAcks {
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	default:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}
	return opts
}

// Push produces the entry keyed by its id and waits for the broker ack.
// Broker credentials are part of the client config, so creds is unused.
func (p *Producer) Push(ctx context.Context, _ replication.Credentials, entry *store.OutboxEntry) error {
	record, err := p.recordFor(entry)
	if err != nil {
		return err
	}

	ctx, span := p.tracer.Start(ctx, "produce_outbox_entry",
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.String("key", entry.ID),
			attribute.Int64("revision", entry.Revision),
			attribute.Int("value_size", len(record.Value)),
		))
	defer span.End()

	injectTraceHeaders(ctx, record)

	ctx, cancel := context.WithTimeout(ctx, p.config.ProduceTimeout)
	defer cancel()

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.incrementErrorCount()
		span.RecordError(err)
		p.logger.Error("failed to produce record",
			zap.String("topic", record.Topic),
			zap.String("key", entry.ID),
			zap.Error(err))
		return &replication.FetchError{Kind: entry.Kind, Class: replication.ClassTransient, Err: err}
	}

	p.incrementMetrics(len(record.Value))
	p.logger.Debug("record produced",
		zap.String("topic", record.Topic),
		zap.String("key", entry.ID),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

func (p *Producer) recordFor(entry *store.OutboxEntry) (*kgo.Record, error) {
	topic, ok := TopicFor(entry.Kind)
	if !ok {
		return nil, fmt.Errorf("no topic for kind %s", entry.Kind)
	}
	r := &kgo.Record{
		Topic: topic,
		Key:   []byte(entry.ID),
		Value: entry.Payload,
		Headers: []kgo.RecordHeader{
			{Key: HeaderKind, Value: []byte(entry.Kind)},
			{Key: HeaderRevision, Value: []byte(strconv.FormatInt(entry.Revision, 10))},
		},
	}
	if p.deviceID != "" {
		r.Headers = append(r.Headers, kgo.RecordHeader{Key: HeaderDevice, Value: []byte(p.deviceID)})
	}
	return r, nil
}

// Close flushes and closes the producer
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}

	p.client.Close()
	return nil
}

// Stats returns current producer statistics
func (p *Producer) Stats() ProducerStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return ProducerStats{
		MessagesSent: p.messagesSent,
		BytesSent:    p.bytesSent,
		ErrorCount:   p.errorCount,
	}
}

// ProducerStats holds producer statistics
type ProducerStats struct {
	MessagesSent int64 `json:"messagesSent"`
	BytesSent    int64 `json:"bytesSent"`
	ErrorCount   int64 `json:"errorCount"`
}

func (p *Producer) incrementMetrics(bytes int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messagesSent++
	p.bytesSent += int64(bytes)
}

func (p *Producer) incrementErrorCount() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCount++
}

// injectTraceHeaders adds OpenTelemetry trace context to record headers
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return
	}

	sc := span.SpanContext()
	record.Headers = append(record.Headers,
		kgo.RecordHeader{Key: "traceparent", Value: []byte(fmt.Sprintf("00-%s-%s-%02x",
			sc.TraceID().String(),
			sc.SpanID().String(),
			sc.TraceFlags()))},
	)
}
