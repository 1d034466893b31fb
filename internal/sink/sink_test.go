package sink

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/types"
)

func startNote(id string) stream.Notification {
	return stream.Notification{
		StreamID: id,
		Event:    types.VADEvent{Type: types.VADSpeechStart, Peak: 0.5},
	}
}

func stopNote(id string) stream.Notification {
	return stream.Notification{
		StreamID: id,
		Event:    types.VADEvent{Type: types.VADSpeechEnd, Peak: 0.01},
		Frame:    53,
		Offset:   1060 * time.Millisecond,
		Segment: &stream.Segment{
			End:    1080 * time.Millisecond,
			PCM:    make([]byte, 3200),
			Format: audio.Format{SampleRate: 16000, Channels: 1},
		},
	}
}

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// deliveries returns voxgate.sink.deliveries counts keyed by "sink/status".
func deliveries(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "voxgate.sink.deliveries" {
				continue
			}
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				sinkName, _ := dp.Attributes.Value("sink")
				status, _ := dp.Attributes.Value("status")
				out[sinkName.AsString()+"/"+status.AsString()] += dp.Value
			}
		}
	}
	return out
}

// recordingSink stores delivered notifications and optionally fails or blocks.
type recordingSink struct {
	name  string
	err   error
	block chan struct{}
	got   chan stream.Notification

	closed chan struct{}
}

func newRecordingSink(name string, buffer int) *recordingSink {
	return &recordingSink{
		name:   name,
		got:    make(chan stream.Notification, buffer),
		closed: make(chan struct{}),
	}
}

func (r *recordingSink) Name() string { return r.name }

func (r *recordingSink) Deliver(ctx context.Context, n stream.Notification) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if r.err != nil {
		return r.err
	}
	r.got <- n
	return nil
}

func (r *recordingSink) Close() error {
	close(r.closed)
	return nil
}
