// Package audit records audit events asynchronously.
//
// Producers hand events to Record, which only ever enqueues into a bounded
// channel. A single drain goroutine batches the queue and appends each batch
// to the month partition its events belong to, creating the partition on first
// use. Every event ends up counted as written, dropped or failed.
package audit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/upb/traffic-control-plane/models"
	"github.com/upb/traffic-control-plane/repositories"
	"github.com/upb/traffic-control-plane/services"
	"go.uber.org/zap"
)

// Event outcomes reported to Metrics
const (
	OutcomeEnqueued = "enqueued"
	OutcomeWritten  = "written"
	OutcomeDropped  = "dropped"
	OutcomeFailed   = "failed"
)

// BackpressurePolicy selects what Record does when the queue is full
type BackpressurePolicy string

const (
	// BackpressureDrop drops the event immediately
	BackpressureDrop BackpressurePolicy = "drop"
	// BackpressureWait waits up to EnqueueTimeout for room, then drops
	BackpressureWait BackpressurePolicy = "wait"
)

// Metrics receives pipeline observations
type Metrics interface {
	RecordAuditEvent(outcome string, n int)
	ObserveAuditBatch(size int, elapsed time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) RecordAuditEvent(string, int)         {}
func (nopMetrics) ObserveAuditBatch(int, time.Duration) {}

// Config holds configuration for the Pipeline
type Config struct {
	QueueSize      int                // capacity of the in-memory queue
	BatchSize      int                // events per write
	FlushInterval  time.Duration      // maximum time an event waits for a batch to fill
	Backpressure   BackpressurePolicy // behavior when the queue is full
	EnqueueTimeout time.Duration      // bound on the wait under BackpressureWait
	WriteTimeout   time.Duration      // per attempt
	MaxRetries     int                // extra attempts after a failed write
	RetryBackoff   time.Duration      // doubled after each failed attempt
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		QueueSize:     10000,
		BatchSize:     100,
		FlushInterval: time.Second,
		Backpressure:  BackpressureDrop,
		WriteTimeout:  5 * time.Second,
		MaxRetries:    3,
		RetryBackoff:  100 * time.Millisecond,
	}
}

// Stats represents pipeline statistics
type Stats struct {
	QueueSize int    `json:"queue_size"`
	Pending   int    `json:"pending"`
	Enqueued  uint64 `json:"enqueued"`
	Written   uint64 `json:"written"`
	Dropped   uint64 `json:"dropped"`
	Failed    uint64 `json:"failed"`
	Running   bool   `json:"running"`
}

// Pipeline is the asynchronous audit recorder
type Pipeline struct {
	store   repositories.AuditWriter
	config  Config
	metrics Metrics
	logger  *zap.Logger

	// mu guards started/closed and the send side of queue, so Record never
	// sends on a closed channel
	mu      sync.RWMutex
	queue   chan *models.AuditEvent
	started bool
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// owned by the drain goroutine
	partitions map[time.Time]struct{}

	enqueued atomic.Uint64
	written  atomic.Uint64
	dropped  atomic.Uint64
	failed   atomic.Uint64
}

// NewPipeline creates a new Pipeline instance
func NewPipeline(store repositories.AuditWriter, config Config, metrics Metrics, logger *zap.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = defaults.QueueSize
	}
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.Backpressure == "" {
		config.Backpressure = defaults.Backpressure
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pipeline{
		store:      store,
		config:     config,
		metrics:    metrics,
		logger:     logger,
		queue:      make(chan *models.AuditEvent, config.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		partitions: make(map[time.Time]struct{}),
	}
}

// Start starts the drain goroutine
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("audit pipeline already started")
	}
	p.started = true
	go p.run()

	p.logger.Info("started audit pipeline",
		zap.Int("queue_size", p.config.QueueSize),
		zap.Int("batch_size", p.config.BatchSize),
		zap.String("backpressure", string(p.config.Backpressure)))

	return nil
}

// Stop closes the queue and waits up to timeout for queued events to be
// written. Events still unwritten at the deadline are discarded and counted
// as failed.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("audit pipeline not started")
	}
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.logger.Info("stopping audit pipeline", zap.Int("pending_events", len(p.queue)))

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-p.done:
		p.cancel()
		p.logger.Info("audit pipeline stopped gracefully", zap.Any("stats", p.Stats()))
		return nil
	case <-timer.C:
		p.cancel()
		<-p.done
		p.logger.Warn("audit pipeline stop timed out", zap.Any("stats", p.Stats()))
		return fmt.Errorf("audit pipeline stop timeout after %v", timeout)
	}
}

// Record enqueues an event without blocking beyond the configured
// backpressure bound. A dropped event yields an AuditDropped error, which
// callers are free to ignore; the drop is always counted.
func (p *Pipeline) Record(event *models.AuditEvent) error {
	if event == nil {
		return services.NewDomainError(services.ErrorTypeValidation, "audit event is nil", nil)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.started || p.closed {
		return p.drop(event, "audit pipeline not running")
	}

	select {
	case p.queue <- event:
		p.accepted()
		return nil
	default:
	}

	if p.config.Backpressure == BackpressureWait && p.config.EnqueueTimeout > 0 {
		timer := time.NewTimer(p.config.EnqueueTimeout)
		defer timer.Stop()

		select {
		case p.queue <- event:
			p.accepted()
			return nil
		case <-timer.C:
		}
	}

	return p.drop(event, "audit queue full")
}

// Stats returns statistics about the pipeline
func (p *Pipeline) Stats() Stats {
	p.mu.RLock()
	running := p.started && !p.closed
	p.mu.RUnlock()

	return Stats{
		QueueSize: p.config.QueueSize,
		Pending:   len(p.queue),
		Enqueued:  p.enqueued.Load(),
		Written:   p.written.Load(),
		Dropped:   p.dropped.Load(),
		Failed:    p.failed.Load(),
		Running:   running,
	}
}

func (p *Pipeline) accepted() {
	p.enqueued.Add(1)
	p.metrics.RecordAuditEvent(OutcomeEnqueued, 1)
}

func (p *Pipeline) drop(event *models.AuditEvent, reason string) error {
	p.dropped.Add(1)
	p.metrics.RecordAuditEvent(OutcomeDropped, 1)
	p.logger.Warn("dropping audit event",
		zap.String("reason", reason),
		zap.String("action", event.Action),
		zap.String("event_id", event.ID.String()))
	return services.NewDomainError(services.ErrorTypeAuditDropped, reason, nil)
}

// run is the drain loop. It is the only consumer of queue.
func (p *Pipeline) run() {
	defer close(p.done)

	ticker := time.NewTicker(p.config.FlushInterval)
	defer ticker.Stop()

	batch := make([]*models.AuditEvent, 0, p.config.BatchSize)

	for {
		select {
		case event, ok := <-p.queue:
			if !ok {
				p.flush(batch)
				return
			}
			batch = append(batch, event)
			if len(batch) >= p.config.BatchSize {
				p.flush(batch)
				batch = make([]*models.AuditEvent, 0, p.config.BatchSize)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(batch)
				batch = make([]*models.AuditEvent, 0, p.config.BatchSize)
			}
		}
	}
}

// flush writes a batch as consecutive same-month runs, keeping queue order
func (p *Pipeline) flush(batch []*models.AuditEvent) {
	for len(batch) > 0 {
		month := batch[0].Partition()
		n := 1
		for n < len(batch) && batch[n].Partition().Equal(month) {
			n++
		}
		p.write(month, batch[:n])
		batch = batch[n:]
	}
}

func (p *Pipeline) write(month time.Time, events []*models.AuditEvent) {
	if err := p.ctx.Err(); err != nil {
		p.fail(month, events, fmt.Errorf("discarded on shutdown: %w", err))
		return
	}

	start := time.Now()
	err := p.withRetry(func(ctx context.Context) error {
		if _, ok := p.partitions[month]; !ok {
			if err := p.store.EnsurePartition(ctx, month); err != nil {
				return fmt.Errorf("failed to ensure partition %s: %w", models.PartitionName(month), err)
			}
			p.partitions[month] = struct{}{}
		}
		return p.store.AppendBatch(ctx, month, events)
	})
	p.metrics.ObserveAuditBatch(len(events), time.Since(start))

	if err != nil {
		p.fail(month, events, err)
		return
	}

	p.written.Add(uint64(len(events)))
	p.metrics.RecordAuditEvent(OutcomeWritten, len(events))
}

func (p *Pipeline) withRetry(fn func(ctx context.Context) error) error {
	backoff := p.config.RetryBackoff
	var err error

	for attempt := 0; attempt <= p.config.MaxRetries; attempt++ {
		if attempt > 0 {
			p.logger.Debug("retrying audit batch write", zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(backoff):
				backoff *= 2
			case <-p.ctx.Done():
				return fmt.Errorf("%w (retry aborted: %v)", err, p.ctx.Err())
			}
		}

		ctx, cancel := context.WithTimeout(p.ctx, p.config.WriteTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
	}
	return err
}

func (p *Pipeline) fail(month time.Time, events []*models.AuditEvent, err error) {
	p.failed.Add(uint64(len(events)))
	p.metrics.RecordAuditEvent(OutcomeFailed, len(events))
	p.logger.Error("failed to write audit batch",
		zap.Error(err),
		zap.String("partition", models.PartitionName(month)),
		zap.Int("events", len(events)))
}
