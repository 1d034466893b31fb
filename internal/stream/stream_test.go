package stream

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/peak"
)

// testFormat gives 10 samples (20 bytes) per 10ms frame.
var testFormat = audio.Format{SampleRate: 1000, Channels: 1}

const (
	testFrame      = 10 * time.Millisecond
	testFrameBytes = 20
	loud           = int16(16384) // 0.5
	quiet          = int16(0)
)

// frames returns n consecutive frames of constant amplitude per entry.
func frames(amps ...int16) []byte {
	out := make([]byte, 0, len(amps)*testFrameBytes)
	for _, a := range amps {
		for range testFrameBytes / 2 {
			out = binary.LittleEndian.AppendUint16(out, uint16(a))
		}
	}
	return out
}

// collector records published notifications.
type collector struct {
	mu  sync.Mutex
	got []Notification
}

func (c *collector) publish(_ context.Context, n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
}

func (c *collector) all() []Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Notification(nil), c.got...)
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

func newPeakRunner(t *testing.T, grace int, opts Options) (*Runner, *collector) {
	t.Helper()
	det, err := peak.New(vad.Config{Threshold: vad.DefaultThreshold, GraceFrames: grace})
	if err != nil {
		t.Fatalf("peak.New: %v", err)
	}
	c := &collector{}
	if opts.Format == (audio.Format{}) {
		opts.Format = testFormat
	}
	if opts.FrameDuration == 0 {
		opts.FrameDuration = testFrame
	}
	if opts.Metrics == nil {
		opts.Metrics, _ = newTestMetrics(t)
	}
	opts.Publish = c.publish
	r, err := NewRunner(det, opts)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return r, c
}

func sumValue(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}
