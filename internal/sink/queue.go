package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
)

// ErrQueueFull is returned by [Queue.Deliver] when the buffer is full. The
// notification is dropped.
var ErrQueueFull = errors.New("sink: queue full")

// DefaultQueueSize is the buffer size used when NewQueue is given size <= 0.
const DefaultQueueSize = 256

// Queue decouples the caller from a slow sink. Deliver enqueues and returns
// at once; a single worker delivers in order to the wrapped sink and records
// the outcome. Errors from the wrapped sink are logged.
type Queue struct {
	next    Sink
	timeout time.Duration
	metrics *observe.Metrics

	mu     sync.RWMutex
	ch     chan stream.Notification
	closed bool
	done   chan struct{}
}

// NewQueue starts a worker delivering to next. Each delivery is bounded by
// timeout; 0 means no bound beyond the sink's own. m defaults to
// [observe.DefaultMetrics].
func NewQueue(next Sink, size int, timeout time.Duration, m *observe.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if m == nil {
		m = observe.DefaultMetrics()
	}
	q := &Queue{
		next:    next,
		timeout: timeout,
		metrics: m,
		ch:      make(chan stream.Notification, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Name returns the wrapped sink's name.
func (q *Queue) Name() string { return q.next.Name() }

// Deliver enqueues n without blocking. ctx only guards the enqueue; the
// worker delivers with its own context so a finished request does not
// cancel pending notifications.
func (q *Queue) Deliver(ctx context.Context, n stream.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrSinkClosed
	}
	select {
	case q.ch <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) run() {
	defer close(q.done)
	for n := range q.ch {
		q.deliver(n)
	}
}

func (q *Queue) deliver(n stream.Notification) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}

	start := time.Now()
	err := q.next.Deliver(ctx, n)
	status := "ok"
	if err != nil {
		status = "error"
	}
	q.metrics.RecordSinkDelivery(ctx, q.next.Name(), status, time.Since(start).Seconds())
	if err != nil {
		slog.Warn("sink: delivery failed",
			"sink", q.next.Name(),
			"stream_id", n.StreamID,
			"type", n.Event.Type.String(),
			"err", err,
		)
	}
}

// Close stops accepting notifications, waits for the worker to drain the
// buffer, then closes the wrapped sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	<-q.done
	return q.next.Close()
}

// Pending returns the number of queued notifications.
func (q *Queue) Pending() int { return len(q.ch) }

// Healthy delegates to the wrapped sink when it implements [HealthChecker].
func (q *Queue) Healthy(ctx context.Context) error {
	if hc, ok := q.next.(HealthChecker); ok {
		return hc.Healthy(ctx)
	}
	return nil
}
