package outbound

import (
	"context"
	"errors"
	"sync"
	"time"

	"switchboard/internal/domain"
	"switchboard/internal/logger"
	"switchboard/internal/metrics"

	"go.uber.org/zap"
)

const DefaultCapacity = 256

var ErrClosed = errors.New("outbound queue closed")

// Item is one accepted notification. Ctx is the context of the fan-out that
// produced it and is used for the write.
type Item struct {
	Ctx          context.Context
	Notification domain.Notification
	EnqueuedAt   time.Time
}

// Writer puts one notification on the wire.
type Writer interface {
	Write(ctx context.Context, n domain.Notification) error
}

type WriterFunc func(ctx context.Context, n domain.Notification) error

func (f WriterFunc) Write(ctx context.Context, n domain.Notification) error { return f(ctx, n) }

type Config struct {
	Capacity int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// Queue is a bounded multi-producer single-consumer queue that rejects new
// items when full. Once closed it accepts nothing and drops what is pending.
type Queue struct {
	items   chan Item
	done    chan struct{}
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config) *Queue {
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	return &Queue{
		items:   make(chan Item, cfg.Capacity),
		done:    make(chan struct{}),
		logger:  logger.OrNop(cfg.Logger),
		metrics: metrics.OrNew(cfg.Metrics),
	}
}

// Enqueue never blocks. It reports false when the queue is full or closed.
func (q *Queue) Enqueue(ctx context.Context, n domain.Notification) bool {
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.EnqueueRejected.WithLabelValues(metrics.RejectClosed).Inc()
		return false
	}
	select {
	case q.items <- Item{Ctx: ctx, Notification: n, EnqueuedAt: time.Now()}:
		return true
	default:
		q.metrics.EnqueueRejected.WithLabelValues(metrics.RejectFull).Inc()
		return false
	}
}

// Drain writes items in FIFO order until ctx is done, the queue is closed or
// a write fails. Only one goroutine may drain a queue.
func (q *Queue) Drain(ctx context.Context, w Writer) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.done:
			return ErrClosed
		case it := <-q.items:
			if q.Closed() {
				return ErrClosed
			}
			if err := w.Write(it.Ctx, it.Notification); err != nil {
				return err
			}
		}
	}
}

// Close stops the queue and discards pending items. It returns the number of
// items discarded; repeated calls return 0.
func (q *Queue) Close() int {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return 0
	}
	q.closed = true
	close(q.done)
	q.mu.Unlock()

	discarded := 0
	for {
		select {
		case <-q.items:
			discarded++
		default:
			if discarded > 0 {
				q.logger.Debug("outbound queue closed with pending items", zap.Int("discarded", discarded))
			}
			return discarded
		}
	}
}

// Done is closed when the queue is closed.
func (q *Queue) Done() <-chan struct{} { return q.done }

func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

func (q *Queue) Len() int { return len(q.items) }

func (q *Queue) Cap() int { return cap(q.items) }
