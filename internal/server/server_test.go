package server

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/health"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/sink"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/audio"
	"github.com/MrWong99/voxgate/pkg/provider/vad"
	"github.com/MrWong99/voxgate/pkg/provider/vad/peak"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// 1 kHz mono with 10 ms frames keeps every frame at 10 samples.
func testSettings() Settings {
	return Settings{
		Engine:        peak.Engine{},
		VAD:           vad.Config{Threshold: 0.05, GraceFrames: 2},
		Format:        audio.Format{SampleRate: 1000, Channels: 1},
		Codec:         config.CodecPCM,
		FrameDuration: 10 * time.Millisecond,
	}
}

// frames returns one 10-sample frame per amplitude.
func frames(amps ...int16) []byte {
	out := make([]byte, 0, len(amps)*20)
	for _, a := range amps {
		for range 10 {
			out = binary.LittleEndian.AppendUint16(out, uint16(a))
		}
	}
	return out
}

func newTestMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startServer(t *testing.T, opts ...Option) (*Server, *httptest.Server) {
	t.Helper()
	opts = append([]Option{WithMetrics(newTestMetrics(t))}, opts...)
	srv, err := New(testSettings(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(ts *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + path
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, wsURL(ts, "/v1/stream"+query), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

// readMsg reads one WebSocket text frame and decodes it into v.
func readMsg(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := wsjson.Read(ctx, conn, v); err != nil {
		t.Fatalf("read: %v", err)
	}
}

func send(t *testing.T, conn *websocket.Conn, typ websocket.MessageType, data []byte) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, typ, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

// closeStatus waits for the server to close conn and returns the status.
func closeStatus(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// ── Stream endpoint ──────────────────────────────────────────────────────────

func TestStream_EventsAndSummary(t *testing.T) {
	t.Parallel()
	ch := sink.NewChannel(4)
	_, ts := startServer(t, WithSink(ch))
	conn := dial(t, ts, "")

	var open openMessage
	readMsg(t, conn, &open)
	if open.Type != "OPEN" || open.StreamID == "" || open.SampleRate != 1000 || open.FrameMS != 10 {
		t.Fatalf("open = %+v", open)
	}

	send(t, conn, websocket.MessageBinary, frames(16384, 16384))
	var start stream.Payload
	readMsg(t, conn, &start)
	if start.Type != "START" || start.Frame != 0 || start.StreamID != open.StreamID {
		t.Fatalf("start = %+v", start)
	}

	// Grace 2: the third quiet frame ends speech.
	send(t, conn, websocket.MessageBinary, frames(0, 0, 0))
	var stop stream.Payload
	readMsg(t, conn, &stop)
	if stop.Type != "STOP" || stop.Frame != 4 || stop.OffsetMS != 40 {
		t.Fatalf("stop = %+v", stop)
	}
	if stop.Segment == nil || stop.Segment.Bytes != 100 || stop.Segment.EndMS != 50 {
		t.Errorf("segment = %+v, want the 5 frames from START to STOP", stop.Segment)
	}

	send(t, conn, websocket.MessageText, []byte(`{"type":"END"}`))
	var closed closedMessage
	readMsg(t, conn, &closed)
	if closed.Type != "CLOSED" || closed.Frames != 5 || closed.Starts != 1 || closed.Stops != 1 || closed.Segments != 1 {
		t.Errorf("closed = %+v", closed)
	}
	if got := closeStatus(t, conn); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %v, want normal", got)
	}

	for _, want := range []string{"START", "STOP"} {
		select {
		case n := <-ch.C():
			if n.Event.Type.String() != want {
				t.Errorf("sink got %s, want %s", n.Event.Type, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("sink did not receive %s", want)
		}
	}
}

func TestStream_SummaryReportsOpenSegment(t *testing.T) {
	t.Parallel()
	_, ts := startServer(t)
	conn := dial(t, ts, "")

	var open openMessage
	readMsg(t, conn, &open)
	send(t, conn, websocket.MessageBinary, frames(16384))
	var start stream.Payload
	readMsg(t, conn, &start)

	send(t, conn, websocket.MessageText, []byte(`{"type":"end"}`))
	var closed closedMessage
	readMsg(t, conn, &closed)
	if closed.Stops != 0 {
		t.Errorf("stops = %d, want no synthetic STOP", closed.Stops)
	}
	if closed.OpenSegment == nil || closed.OpenSegment.Bytes != 20 {
		t.Errorf("open segment = %+v", closed.OpenSegment)
	}
}

func TestStream_QueryOverrides(t *testing.T) {
	t.Parallel()
	_, ts := startServer(t)
	conn := dial(t, ts, "?sample_rate=2000&channels=2")

	var open openMessage
	readMsg(t, conn, &open)
	if open.SampleRate != 2000 || open.Channels != 2 || open.Codec != "pcm" {
		t.Errorf("open = %+v", open)
	}
}

func TestStream_BadParams(t *testing.T) {
	t.Parallel()
	_, ts := startServer(t)

	tests := []struct {
		name  string
		query string
	}{
		{name: "unknown codec", query: "?codec=mp3"},
		{name: "bad sample rate", query: "?sample_rate=fast"},
		{name: "zero channels", query: "?channels=0"},
		{name: "opus rate", query: "?codec=opus&sample_rate=1000"},
		{name: "too many channels", query: "?channels=1000000000"},
		{name: "sample rate too high", query: "?sample_rate=100000000"},
		{name: "sample rate overflows", query: "?sample_rate=99999999999999999999"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/v1/stream" + tc.query)
			if err != nil {
				t.Fatalf("GET: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestStreamParams_FrameSizeLimit(t *testing.T) {
	t.Parallel()
	def := testSettings()
	def.FrameDuration = time.Second

	tests := []struct {
		query   string
		wantErr bool
	}{
		{query: "sample_rate=16000&channels=1"},
		{query: "sample_rate=384000&channels=8", wantErr: true},
		{query: "channels=9", wantErr: true},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "/v1/stream?"+tc.query, nil)
		f, _, err := streamParams(r, def)
		if (err != nil) != tc.wantErr {
			t.Errorf("streamParams(%s) = %v, err %v, wantErr %v", tc.query, f, err, tc.wantErr)
		}
		if err == nil && f.FrameBytes(def.FrameDuration) > maxMessageBytes {
			t.Errorf("streamParams(%s) accepted a %d byte frame", tc.query, f.FrameBytes(def.FrameDuration))
		}
	}
}

func TestStream_RejectsUnknownText(t *testing.T) {
	t.Parallel()
	_, ts := startServer(t)
	conn := dial(t, ts, "")

	var open openMessage
	readMsg(t, conn, &open)
	send(t, conn, websocket.MessageText, []byte("hello"))
	if got := closeStatus(t, conn); got != websocket.StatusUnsupportedData {
		t.Errorf("close status = %v, want unsupported data", got)
	}
}

func TestStream_Capacity(t *testing.T) {
	t.Parallel()
	m := newTestMetrics(t)
	srv, ts := startServer(t, WithManager(stream.NewManager(1, m)))

	first := dial(t, ts, "")
	var open openMessage
	readMsg(t, first, &open)

	second := dial(t, ts, "")
	if got := closeStatus(t, second); got != websocket.StatusTryAgainLater {
		t.Errorf("close status = %v, want try again later", got)
	}
	if srv.Manager().Active() != 1 {
		t.Errorf("active = %d, want 1", srv.Manager().Active())
	}
}

func TestStream_ClientDisconnectClosesRunner(t *testing.T) {
	t.Parallel()
	srv, ts := startServer(t)
	conn := dial(t, ts, "")

	var open openMessage
	readMsg(t, conn, &open)
	_ = conn.Close(websocket.StatusNormalClosure, "bye")

	deadline := time.Now().Add(2 * time.Second)
	for srv.Manager().Active() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("stream still registered after client disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ── Drain and settings ───────────────────────────────────────────────────────

func TestServer_Drain(t *testing.T) {
	t.Parallel()
	h := health.New()
	srv, ts := startServer(t, WithHealth(h))
	conn := dial(t, ts, "")

	var open openMessage
	readMsg(t, conn, &open)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if got := closeStatus(t, conn); got != websocket.StatusGoingAway {
		t.Errorf("close status = %v, want going away", got)
	}
	if srv.Manager().Active() != 0 {
		t.Errorf("active = %d after drain", srv.Manager().Active())
	}

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz = %d while draining", resp.StatusCode)
	}

	late := dial(t, ts, "")
	if got := closeStatus(t, late); got != websocket.StatusGoingAway {
		t.Errorf("late stream close status = %v, want going away", got)
	}
}

func TestServer_SetSettings(t *testing.T) {
	t.Parallel()
	srv, ts := startServer(t)

	next := testSettings()
	next.VAD.GraceFrames = 7
	if err := srv.SetSettings(next); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	conn := dial(t, ts, "")
	var open openMessage
	readMsg(t, conn, &open)
	if open.Grace != 7 {
		t.Errorf("grace = %d, want the new settings", open.Grace)
	}

	bad := testSettings()
	bad.Engine = nil
	if err := srv.SetSettings(bad); err == nil {
		t.Error("expected error for missing engine")
	}
	if srv.Settings().VAD.GraceFrames != 7 {
		t.Error("invalid settings replaced the current ones")
	}
}

func TestNew_InvalidSettings(t *testing.T) {
	t.Parallel()
	s := testSettings()
	s.VAD.Threshold = 0
	if _, err := New(s); err == nil {
		t.Error("expected error for zero threshold")
	}
	s = testSettings()
	s.Codec = "flac"
	if _, err := New(s); err == nil {
		t.Error("expected error for unknown codec")
	}
}

func TestSettingsFromConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(`
detector:
  threshold: 0.2
  grace_period: 100ms
stream:
  sample_rate: 8000
  frame_duration: 30ms
  segment_sample_rate: 16000
`))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	s, err := SettingsFromConfig(cfg, peak.Engine{})
	if err != nil {
		t.Fatalf("SettingsFromConfig: %v", err)
	}
	if s.VAD.Threshold != 0.2 || s.VAD.GraceFrames != 4 {
		t.Errorf("vad = %+v, want threshold 0.2 and 4 grace frames", s.VAD)
	}
	if s.Format.SampleRate != 8000 || s.SegmentSampleRate != 16000 || s.Codec != config.CodecPCM {
		t.Errorf("settings = %+v", s)
	}
}

// ── Other routes ─────────────────────────────────────────────────────────────

func TestServer_ListStreams(t *testing.T) {
	t.Parallel()
	_, ts := startServer(t)
	conn := dial(t, ts, "?channels=2")
	var open openMessage
	readMsg(t, conn, &open)

	resp, err := http.Get(ts.URL + "/v1/streams")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Streams []streamInfo `json:"streams"`
		Limit   int          `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 1 || body.Streams[0].ID != open.StreamID || body.Streams[0].Channels != 2 {
		t.Errorf("streams = %+v", body.Streams)
	}
}

func TestServer_HealthAndMetricsRoutes(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "voxgate_frames_processed_total 0\n")
	})
	_, ts := startServer(t, WithHealth(health.New()), WithMetricsHandler(metrics))

	for path, want := range map[string]string{
		"/healthz": `"status":"ok"`,
		"/readyz":  `"status":"ok"`,
		"/metrics": "voxgate_frames_processed_total",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), want) {
			t.Errorf("GET %s = %d %q", path, resp.StatusCode, body)
		}
	}
}
