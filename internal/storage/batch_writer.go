package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"authguard/internal/config"
	"authguard/internal/engine"
)

// BatchWriter buffers risk assessments and flushes them to ClickHouse
// in batches. It implements engine.Recorder.
type BatchWriter struct {
	client *ClickHouseClient
	config config.BatchWriterConfig

	buffer []*engine.RiskAssessment
	mu     sync.Mutex

	flushTimer *time.Timer
	closed     bool

	totalWritten uint64
	totalFailed  uint64
	batchCount   uint64
}

var _ engine.Recorder = (*BatchWriter)(nil)

// NewBatchWriter creates a BatchWriter and starts its flush timer.
func NewBatchWriter(client *ClickHouseClient, cfg config.BatchWriterConfig) *BatchWriter {
	bw := &BatchWriter{
		client: client,
		config: cfg,
		buffer: make([]*engine.RiskAssessment, 0, cfg.BatchSize),
	}

	bw.flushTimer = time.AfterFunc(cfg.FlushInterval, bw.timerFlush)

	return bw
}

// Record buffers one assessment. Flush failures are logged, not
// propagated; persistence never blocks the evaluation path.
func (bw *BatchWriter) Record(assessment *engine.RiskAssessment) {
	if err := bw.write(assessment); err != nil {
		slog.Error("assessment write failed", "error", err)
	}
}

func (bw *BatchWriter) write(assessment *engine.RiskAssessment) error {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return ErrWriterClosed
	}

	bw.buffer = append(bw.buffer, assessment)

	if len(bw.buffer) >= bw.config.BatchSize {
		return bw.flushLocked()
	}

	return nil
}

func (bw *BatchWriter) timerFlush() {
	bw.mu.Lock()
	defer bw.mu.Unlock()

	if bw.closed {
		return
	}

	if len(bw.buffer) > 0 {
		if err := bw.flushLocked(); err != nil {
			slog.Error("timer flush failed", "error", err)
		}
	}

	bw.flushTimer.Reset(bw.config.FlushInterval)
}

// flushLocked flushes the buffer. Caller must hold the lock.
func (bw *BatchWriter) flushLocked() error {
	if len(bw.buffer) == 0 {
		return nil
	}

	assessments := bw.buffer
	bw.buffer = make([]*engine.RiskAssessment, 0, bw.config.BatchSize)

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(bw.config.RetryDelay * time.Duration(attempt))
		}

		if err := bw.insertBatch(assessments); err != nil {
			lastErr = err
			slog.Warn("batch insert failed, retrying",
				"attempt", attempt+1,
				"max_retries", bw.config.MaxRetries,
				"error", err,
			)
			continue
		}

		atomic.AddUint64(&bw.totalWritten, uint64(len(assessments)))
		atomic.AddUint64(&bw.batchCount, 1)
		return nil
	}

	atomic.AddUint64(&bw.totalFailed, uint64(len(assessments)))
	return fmt.Errorf("%w: %d retries: %v", ErrBatchInsertFailed, bw.config.MaxRetries, lastErr)
}

func (bw *BatchWriter) insertBatch(assessments []*engine.RiskAssessment) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, `
		INSERT INTO risk_assessments (
			event_id, source_ip, username, host,
			intel_score, feature_score, bruteforce_score, overall,
			level, reasons, action, block_status, intel_degraded,
			evaluated_at, elapsed_us
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, a := range assessments {
		err := batch.Append(
			a.EventID,
			a.SourceIP,
			a.Username,
			a.Host,
			a.IntelScore,
			a.FeatureScore,
			a.BruteForceScore,
			a.Overall,
			string(a.Level),
			a.Reasons,
			string(a.Action),
			a.BlockStatus,
			boolToUint8(a.IntelDegraded),
			a.EvaluatedAt,
			uint64(a.Elapsed.Microseconds()),
		)
		if err != nil {
			return fmt.Errorf("failed to append assessment: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	slog.Debug("assessment batch inserted", "count", len(assessments))
	return nil
}

// Flush forces a flush of the current buffer.
func (bw *BatchWriter) Flush() error {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.flushLocked()
}

// Close stops the timer and flushes whatever remains.
func (bw *BatchWriter) Close() error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	remaining := bw.flushLocked()
	bw.mu.Unlock()

	bw.flushTimer.Stop()
	return remaining
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()

	return BatchWriterMetrics{
		Written: atomic.LoadUint64(&bw.totalWritten),
		Failed:  atomic.LoadUint64(&bw.totalFailed),
		Batches: atomic.LoadUint64(&bw.batchCount),
		Pending: pending,
	}
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}
