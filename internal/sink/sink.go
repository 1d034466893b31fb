// Package sink delivers VAD notifications to their consumers.
//
// Every consumer implements [Sink]. The package ships a structured-log sink,
// an HTTP webhook sink with endpoint failover, a PostgreSQL sink and an
// in-process channel sink. A [FanOut] delivers to several sinks at once and a
// [Queue] moves delivery off the audio read loop.
//
// All sinks are safe for concurrent use.
package sink

import (
	"context"
	"errors"

	"github.com/MrWong99/voxgate/internal/stream"
)

// ErrSinkClosed is returned by Deliver after Close.
var ErrSinkClosed = errors.New("sink: closed")

// Sink consumes notifications.
type Sink interface {
	// Deliver hands n to the consumer. It must respect ctx cancellation.
	Deliver(ctx context.Context, n stream.Notification) error

	// Close releases resources. Deliver fails with [ErrSinkClosed] afterwards.
	Close() error

	// Name identifies the sink in logs and metrics.
	Name() string
}

// HealthChecker is implemented by sinks that can report whether delivery is
// currently possible.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}
