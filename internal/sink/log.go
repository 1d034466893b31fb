package sink

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/voxgate/internal/stream"
)

// Log writes every notification as a structured log record.
type Log struct {
	logger *slog.Logger
	level  slog.Level
	closed atomic.Bool
}

// NewLog returns a Log sink writing to logger at level. A nil logger uses
// [slog.Default] at the time of each delivery.
func NewLog(logger *slog.Logger, level slog.Level) *Log {
	return &Log{logger: logger, level: level}
}

// Name returns "log".
func (l *Log) Name() string { return "log" }

// Deliver logs n.
func (l *Log) Deliver(ctx context.Context, n stream.Notification) error {
	if l.closed.Load() {
		return ErrSinkClosed
	}
	logger := l.logger
	if logger == nil {
		logger = slog.Default()
	}

	p := n.Payload(false)
	attrs := []slog.Attr{
		slog.String("type", p.Type),
		slog.String("stream_id", p.StreamID),
		slog.Int64("frame", p.Frame),
		slog.Int64("offset_ms", p.OffsetMS),
		slog.Float64("peak", p.Peak),
	}
	if s := p.Segment; s != nil {
		attrs = append(attrs, slog.Group("segment",
			slog.Int64("start_ms", s.StartMS),
			slog.Int64("end_ms", s.EndMS),
			slog.Int("bytes", s.Bytes),
			slog.Bool("discarded", s.Discarded),
			slog.Bool("truncated", s.Truncated),
		))
	}
	logger.LogAttrs(ctx, l.level, "vad event", attrs...)
	return nil
}

// Close marks the sink closed.
func (l *Log) Close() error {
	l.closed.Store(true)
	return nil
}
