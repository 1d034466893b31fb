package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
)

// FanOut delivers every notification to all of its sinks concurrently and
// records one delivery metric per sink. A [Queue] records its own outcomes,
// so for queued sinks only drops are recorded here.
type FanOut struct {
	sinks   []Sink
	metrics *observe.Metrics
}

// NewFanOut returns a FanOut over sinks. m defaults to
// [observe.DefaultMetrics].
func NewFanOut(m *observe.Metrics, sinks ...Sink) *FanOut {
	if m == nil {
		m = observe.DefaultMetrics()
	}
	return &FanOut{sinks: sinks, metrics: m}
}

// Name returns "fanout".
func (f *FanOut) Name() string { return "fanout" }

// Sinks returns the wrapped sinks.
func (f *FanOut) Sinks() []Sink { return f.sinks }

// Deliver hands n to every sink. One failing sink does not stop the others;
// their errors are joined.
func (f *FanOut) Deliver(ctx context.Context, n stream.Notification) error {
	errs := make([]error, len(f.sinks))

	var g errgroup.Group
	for i, s := range f.sinks {
		g.Go(func() error {
			start := time.Now()
			err := s.Deliver(ctx, n)
			_, queued := s.(*Queue)
			switch {
			case errors.Is(err, ErrQueueFull):
				f.metrics.RecordSinkDelivery(ctx, s.Name(), "dropped", time.Since(start).Seconds())
			case err != nil:
				f.metrics.RecordSinkDelivery(ctx, s.Name(), "error", time.Since(start).Seconds())
			case !queued:
				f.metrics.RecordSinkDelivery(ctx, s.Name(), "ok", time.Since(start).Seconds())
			}
			if err != nil {
				errs[i] = fmt.Errorf("%s: %w", s.Name(), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes every sink and joins their errors.
func (f *FanOut) Close() error {
	errs := make([]error, 0, len(f.sinks))
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			slog.Warn("sink: close failed", "sink", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}
