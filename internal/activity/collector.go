package activity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchWriter persists a batch of entries. It exists to allow testing
// without a real database or broker.
type BatchWriter interface {
	BatchInsert(ctx context.Context, entries []Entry) error
}

// MetricsRecorder is an optional interface for recording sink metrics.
type MetricsRecorder interface {
	IncActivityFlushed(n int)
	IncActivityFlushErrors()
}

// Collector buffers entries in memory and periodically flushes them to the
// writer in batches. It is safe for concurrent use.
type Collector struct {
	writer        BatchWriter
	buffer        []Entry
	mu            sync.Mutex
	batchSize     int
	flushInterval time.Duration
	full          chan struct{}
	done          chan struct{}
	stopOnce      sync.Once
	metrics       MetricsRecorder
}

// NewCollector creates a Collector that flushes to writer when the buffer
// reaches batchSize or every flushInterval, whichever comes first.
func NewCollector(writer BatchWriter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 50
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	return &Collector{
		writer:        writer,
		buffer:        make([]Entry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		full:          make(chan struct{}, 1),
		done:          make(chan struct{}),
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start flushes buffered entries on a timer. It blocks until Stop is called
// or the context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.flush()
		case <-c.full:
			c.flush()
		case <-ctx.Done():
			c.flush()
			return
		case <-c.done:
			c.flush()
			return
		}
	}
}

// Record adds an entry to the buffer. A full buffer wakes the Start loop,
// which flushes it; Record itself never writes.
func (c *Collector) Record(e Entry) {
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	shouldFlush := len(c.buffer) >= c.batchSize
	c.mu.Unlock()

	if shouldFlush {
		select {
		case c.full <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of buffered entries.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// flush drains the buffer and writes it. Errors are logged, not returned.
func (c *Collector) flush() {
	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]Entry, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.writer.BatchInsert(ctx, batch); err != nil {
		slog.Error("failed to flush activity entries", "count", len(batch), "error", err)
		if c.metrics != nil {
			c.metrics.IncActivityFlushErrors()
		}
		return
	}
	if c.metrics != nil {
		c.metrics.IncActivityFlushed(len(batch))
	}
}

// Stop signals Start to exit after a final flush. It is safe to call twice.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}
