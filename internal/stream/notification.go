package stream

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/MrWong99/voxgate/pkg/types"
)

// Notification is published once per VAD transition on a stream.
type Notification struct {
	StreamID string
	Event    types.VADEvent

	// Frame is the zero-based index of the frame that caused the transition.
	Frame int64

	// Offset is the start of that frame relative to the stream start.
	Offset time.Duration

	// Segment is set on STOP when recording is enabled.
	Segment *Segment
}

// Payload is the JSON wire form of a [Notification].
type Payload struct {
	Type     string          `json:"type"`
	StreamID string          `json:"stream_id"`
	Frame    int64           `json:"frame"`
	OffsetMS int64           `json:"offset_ms"`
	Peak     float64         `json:"peak"`
	Segment  *SegmentPayload `json:"segment,omitempty"`
}

// SegmentPayload describes a recorded segment on the wire.
type SegmentPayload struct {
	StartMS    int64 `json:"start_ms"`
	EndMS      int64 `json:"end_ms"`
	Bytes      int   `json:"bytes"`
	SampleRate int   `json:"sample_rate"`
	Channels   int   `json:"channels"`
	Discarded  bool  `json:"discarded,omitempty"`
	Truncated  bool  `json:"truncated,omitempty"`

	// Audio is the base64 encoded WAV recording, present only when asked for.
	Audio string `json:"audio,omitempty"`
}

// Payload converts n to its wire form. includeAudio embeds the segment as a
// base64 WAV for segments that were not discarded.
func (n Notification) Payload(includeAudio bool) Payload {
	p := Payload{
		Type:     n.Event.Type.String(),
		StreamID: n.StreamID,
		Frame:    n.Frame,
		OffsetMS: n.Offset.Milliseconds(),
		Peak:     n.Event.Peak,
	}
	if s := n.Segment; s != nil {
		p.Segment = &SegmentPayload{
			StartMS:    s.Start.Milliseconds(),
			EndMS:      s.End.Milliseconds(),
			Bytes:      len(s.PCM),
			SampleRate: s.Format.SampleRate,
			Channels:   s.Format.Channels,
			Discarded:  s.Discarded,
			Truncated:  s.Truncated,
		}
		if includeAudio && !s.Discarded {
			p.Segment.Audio = base64.StdEncoding.EncodeToString(s.WAV())
		}
	}
	return p
}

// MarshalJSON encodes n as its [Payload] without audio.
func (n Notification) MarshalJSON() ([]byte, error) {
	return json.Marshal(n.Payload(false))
}
