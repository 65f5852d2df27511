package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"authguard/internal/config"
	"authguard/internal/schema"
)

// KafkaSource consumes JSON login events from a Kafka topic with a
// consumer group, so multiple instances share partitions.
type KafkaSource struct {
	reader    *kafka.Reader
	validator *schema.Validator
	submitter Submitter
	logger    *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc

	consumed  uint64
	submitted uint64
	rejected  uint64
}

// NewKafkaSource builds a reader from configuration.
func NewKafkaSource(cfg config.KafkaConfig, validator *schema.Validator, submitter Submitter, logger *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("ingest: kafka topic is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		StartOffset:    cfg.StartOffset,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	return &KafkaSource{
		reader:    reader,
		validator: validator,
		submitter: submitter,
		logger:    logger,
	}, nil
}

// Start launches the consume loop.
func (k *KafkaSource) Start(ctx context.Context) {
	ctx, k.cancel = context.WithCancel(ctx)

	k.wg.Add(1)
	go k.consumeLoop(ctx)

	k.logger.Info("kafka source started",
		"topic", k.reader.Config().Topic,
		"group", k.reader.Config().GroupID,
	)
}

func (k *KafkaSource) consumeLoop(ctx context.Context) {
	defer k.wg.Done()

	for {
		msg, err := k.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return
			}
			k.logger.Warn("kafka read error", "error", err)
			continue
		}

		atomic.AddUint64(&k.consumed, 1)
		k.processMessage(msg)
	}
}

func (k *KafkaSource) processMessage(msg kafka.Message) {
	event, err := DecodeEvent(msg.Value)
	if err != nil {
		atomic.AddUint64(&k.rejected, 1)
		k.logger.Debug("kafka message decode error",
			"error", err,
			"partition", msg.Partition,
			"offset", msg.Offset,
		)
		return
	}

	if err := k.validator.Validate(event); err != nil {
		atomic.AddUint64(&k.rejected, 1)
		k.logger.Debug("kafka event validation error", "error", err, "ip", event.SourceIP)
		return
	}

	if err := k.submitter.Submit(event); err != nil {
		atomic.AddUint64(&k.rejected, 1)
		return
	}

	atomic.AddUint64(&k.submitted, 1)
}

// Stop cancels the consume loop and closes the reader.
func (k *KafkaSource) Stop() error {
	if k.cancel != nil {
		k.cancel()
	}
	err := k.reader.Close()
	k.wg.Wait()

	k.logger.Info("kafka source stopped",
		"consumed", atomic.LoadUint64(&k.consumed),
		"submitted", atomic.LoadUint64(&k.submitted),
		"rejected", atomic.LoadUint64(&k.rejected),
	)
	return err
}

// Metrics returns consumer counters.
func (k *KafkaSource) Metrics() KafkaMetrics {
	return KafkaMetrics{
		Consumed:  atomic.LoadUint64(&k.consumed),
		Submitted: atomic.LoadUint64(&k.submitted),
		Rejected:  atomic.LoadUint64(&k.rejected),
	}
}

// KafkaMetrics holds consumer statistics.
type KafkaMetrics struct {
	Consumed  uint64 `json:"consumed"`
	Submitted uint64 `json:"submitted"`
	Rejected  uint64 `json:"rejected"`
}
