package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/voxgate/internal/config"
	"github.com/MrWong99/voxgate/internal/observe"
	"github.com/MrWong99/voxgate/internal/stream"
	"github.com/MrWong99/voxgate/pkg/audio/opus"
)

// maxMessageBytes caps a single binary audio message. One second of 48 kHz
// stereo PCM fits comfortably.
const maxMessageBytes = 1 << 20

// Message types sent on the stream socket besides the VAD events.
const (
	msgOpen   = "OPEN"
	msgClosed = "CLOSED"

	// msgEnd is the control message a client sends to finish the stream
	// and receive its summary.
	msgEnd = "END"
)

// openMessage is the first text message on every stream socket.
type openMessage struct {
	Type       string  `json:"type"`
	StreamID   string  `json:"stream_id"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Codec      string  `json:"codec"`
	FrameMS    int64   `json:"frame_ms"`
	Threshold  float64 `json:"threshold"`
	Grace      int     `json:"grace_frames"`
}

// closedMessage answers an END control message.
type closedMessage struct {
	Type        string                 `json:"type"`
	StreamID    string                 `json:"stream_id"`
	Frames      int64                  `json:"frames"`
	DurationMS  int64                  `json:"duration_ms"`
	Starts      int                    `json:"starts"`
	Stops       int                    `json:"stops"`
	Segments    int                    `json:"segments"`
	Discarded   int                    `json:"discarded"`
	OpenSegment *stream.SegmentPayload `json:"open_segment,omitempty"`
}

func newClosedMessage(s stream.Summary) closedMessage {
	m := closedMessage{
		Type:       msgClosed,
		StreamID:   s.StreamID,
		Frames:     s.Frames,
		DurationMS: s.Duration.Milliseconds(),
		Starts:     s.Starts,
		Stops:      s.Stops,
		Segments:   s.Segments,
		Discarded:  s.Discarded,
	}
	if s.Open != nil {
		m.OpenSegment = stream.Notification{Segment: s.Open}.Payload(false).Segment
	}
	return m
}

// controlMessage is a text message received from the client.
type controlMessage struct {
	Type string `json:"type"`
}

// connection is one open stream socket.
type connection struct {
	conn *websocket.Conn
	done chan struct{}
}

func (c *connection) goAway() {
	go func() { _ = c.conn.Close(websocket.StatusGoingAway, "server shutting down") }()
}

// handleStream upgrades to a WebSocket and runs one VAD stream over it.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	settings := s.Settings()
	format, codec, err := streamParams(r, settings)
	if err != nil {
		s.metrics.RecordStreamRejected(r.Context(), "params")
		http.Error(w, "voxgate: "+err.Error(), http.StatusBadRequest)
		return
	}
	var dec *opus.Decoder
	if codec == config.CodecOpus {
		if dec, err = opus.NewDecoder(format); err != nil {
			s.metrics.RecordStreamRejected(r.Context(), "params")
			http.Error(w, "voxgate: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		slog.Debug("server: websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer ws.CloseNow()

	c := &connection{conn: ws, done: make(chan struct{})}
	defer close(c.done)
	if !s.track(c) {
		s.metrics.RecordStreamRejected(r.Context(), "draining")
		_ = ws.Close(websocket.StatusGoingAway, "server draining")
		return
	}
	defer s.untrack(c)
	ws.SetReadLimit(maxMessageBytes)

	ctx := r.Context()
	runner, err := s.manager.Open(ctx, settings.Engine, settings.VAD, stream.Options{
		Format:             format,
		FrameDuration:      settings.FrameDuration,
		MinSegmentBytes:    settings.MinSegmentBytes,
		MaxSegmentDuration: settings.MaxSegmentDuration,
		SegmentSampleRate:  settings.SegmentSampleRate,
		Metrics:            s.metrics,
		Publish: func(ctx context.Context, n stream.Notification) {
			s.publish(ctx, ws, n)
		},
	}, r.RemoteAddr)
	if errors.Is(err, stream.ErrTooManyStreams) {
		_ = ws.Close(websocket.StatusTryAgainLater, "too many open streams")
		return
	}
	if err != nil {
		slog.Error("server: open stream", "remote", r.RemoteAddr, "err", err)
		_ = ws.Close(websocket.StatusInternalError, "cannot open stream")
		return
	}
	log := observe.StreamLogger(ctx, runner.ID())

	if err := s.write(ctx, ws, openMessage{
		Type:       msgOpen,
		StreamID:   runner.ID(),
		SampleRate: format.SampleRate,
		Channels:   format.Channels,
		Codec:      string(codec),
		FrameMS:    settings.FrameDuration.Milliseconds(),
		Threshold:  settings.VAD.Threshold,
		Grace:      settings.VAD.GraceFrames,
	}); err != nil {
		log.Debug("server: write open message", "err", err)
	}

	status, reason := s.readLoop(ctx, ws, runner, dec, log)
	summary := runner.Close(context.WithoutCancel(ctx))

	switch status {
	case websocket.StatusNormalClosure:
		if err := s.write(ctx, ws, newClosedMessage(summary)); err != nil {
			log.Debug("server: write summary", "err", err)
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
	case -1:
		// The peer is gone or the socket was closed by Drain.
	default:
		_ = ws.Close(status, reason)
	}
}

// readLoop feeds audio messages into runner until the client ends the
// stream or the socket fails. It returns the close status to send, or -1
// when the socket is already closed.
func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, runner *stream.Runner, dec *opus.Decoder, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("server: client closed stream")
			case websocket.StatusMessageTooBig:
				log.Warn("server: audio message too large", "limit", maxMessageBytes)
			default:
				if ctx.Err() == nil {
					log.Debug("server: stream read ended", "err", err)
				}
			}
			return -1, ""
		}

		switch typ {
		case websocket.MessageBinary:
			pcm := data
			if dec != nil {
				if pcm, err = dec.Decode(data); err != nil {
					log.Warn("server: dropping undecodable opus packet", "bytes", len(data), "err", err)
					continue
				}
			}
			if err := runner.Write(ctx, pcm); err != nil {
				return websocket.StatusInternalError, "stream closed"
			}
		case websocket.MessageText:
			var msg controlMessage
			if err := json.Unmarshal(data, &msg); err != nil || !strings.EqualFold(msg.Type, msgEnd) {
				return websocket.StatusUnsupportedData, `text messages must be {"type":"END"}`
			}
			return websocket.StatusNormalClosure, ""
		}
	}
}

// publish sends n to the client and to the configured sink. Socket write
// failures are left for the read loop to notice.
func (s *Server) publish(ctx context.Context, ws *websocket.Conn, n stream.Notification) {
	if err := s.write(ctx, ws, n); err != nil {
		slog.Debug("server: write event", "stream_id", n.StreamID, "err", err)
	}
	if s.sink == nil {
		return
	}
	if err := s.sink.Deliver(ctx, n); err != nil {
		slog.Warn("server: sink delivery failed",
			"stream_id", n.StreamID,
			"type", n.Event.Type.String(),
			"err", err,
		)
	}
}

func (s *Server) write(ctx context.Context, ws *websocket.Conn, v any) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, ws, v)
}
