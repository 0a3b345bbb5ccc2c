package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/taskhive/taskhive-backend/internal/metrics"
)

const (
	defaultRecorderWorkers   = 4
	defaultRecorderQueueSize = 1024
)

// Appender is the write half of a Ledger.
type Appender interface {
	Append(ctx context.Context, event Event) (string, error)
}

// RecorderConfig sizes the recorder's queue and worker pool.
type RecorderConfig struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

// Recorder hands usage events to the ledger off the request path. Record
// never blocks: when the queue is full the event is dropped and counted.
type Recorder struct {
	ledger  Appender
	timeout time.Duration
	queue   chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewRecorder starts the worker pool.
func NewRecorder(ledger Appender, cfg RecorderConfig) *Recorder {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultRecorderWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultRecorderQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultOperationTimeout
	}
	r := &Recorder{
		ledger:  ledger,
		timeout: cfg.WriteTimeout,
		queue:   make(chan Event, cfg.QueueSize),
	}
	r.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go r.work()
	}
	return r
}

// Record enqueues one event.
func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		metrics.UsageWriteFailures.WithLabelValues(metrics.ReasonClosed).Inc()
		log.WithField("user_id", event.UserID).Warn("usage recorder: closed, event dropped")
		return
	}
	select {
	case r.queue <- event:
		metrics.UsageQueueDepth.Inc()
	default:
		metrics.UsageWriteFailures.WithLabelValues(metrics.ReasonQueueFull).Inc()
		log.WithFields(log.Fields{
			"user_id":  event.UserID,
			"endpoint": event.Endpoint,
		}).Warn("usage recorder: queue full, event dropped")
	}
}

// Close stops intake and waits for queued events to be written.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Recorder) work() {
	defer r.wg.Done()
	for event := range r.queue {
		metrics.UsageQueueDepth.Dec()
		r.write(event)
	}
}

func (r *Recorder) write(event Event) {
	if r.ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if _, errAppend := r.ledger.Append(ctx, event); errAppend != nil {
		metrics.UsageWriteFailures.WithLabelValues(metrics.ReasonWriteFailed).Inc()
		log.WithError(errAppend).WithFields(log.Fields{
			"user_id":  event.UserID,
			"endpoint": event.Endpoint,
			"status":   event.Status,
		}).Warn("usage recorder: append failed")
	}
}
