package audio

import (
	"fmt"
	"time"
)

// Chunker splits a continuous PCM byte stream into frames of a fixed
// duration. Bytes that do not complete a frame are held until the next
// Write. Create one per stream; it is not safe for concurrent use.
type Chunker struct {
	format     Format
	frameBytes int
	pending    []byte
	emitted    int64
}

// NewChunker returns a Chunker producing frames of frameDuration in format f.
func NewChunker(f Format, frameDuration time.Duration) (*Chunker, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	n := f.FrameBytes(frameDuration)
	if n <= 0 {
		return nil, fmt.Errorf("audio: frame duration %s is shorter than one sample at %s", frameDuration, f)
	}
	if n > MaxFrameBytes {
		return nil, fmt.Errorf("audio: frame of %s at %s is %d bytes, limit %d", frameDuration, f, n, MaxFrameBytes)
	}
	return &Chunker{
		format:     f,
		frameBytes: n,
		pending:    make([]byte, 0, n),
	}, nil
}

// FrameBytes returns the size in bytes of every full frame.
func (c *Chunker) FrameBytes() int { return c.frameBytes }

// FrameDuration returns the duration of every full frame.
func (c *Chunker) FrameDuration() time.Duration { return c.format.Duration(c.frameBytes) }

// Write appends p to the stream and calls emit once per completed frame, in
// order. The frame's Data aliases either p or the chunker's internal buffer
// and is only valid until emit returns.
func (c *Chunker) Write(p []byte, emit func(AudioFrame)) {
	if len(c.pending) > 0 {
		n := min(c.frameBytes-len(c.pending), len(p))
		c.pending = append(c.pending, p[:n]...)
		p = p[n:]
		if len(c.pending) < c.frameBytes {
			return
		}
		emit(c.frame(c.pending))
		c.pending = c.pending[:0]
	}

	for len(p) >= c.frameBytes {
		emit(c.frame(p[:c.frameBytes]))
		p = p[c.frameBytes:]
	}
	c.pending = append(c.pending, p...)
}

// Flush emits the buffered partial frame, if any. The partial frame is
// trimmed to a whole multi-channel sample.
func (c *Chunker) Flush(emit func(AudioFrame)) {
	stride := c.format.Channels * bytesPerSample
	n := len(c.pending) - len(c.pending)%stride
	if n > 0 {
		emit(c.frame(c.pending[:n]))
	}
	c.pending = c.pending[:0]
}

// Buffered returns the number of bytes waiting for a frame to complete.
func (c *Chunker) Buffered() int { return len(c.pending) }

func (c *Chunker) frame(data []byte) AudioFrame {
	f := AudioFrame{
		Data:       data,
		SampleRate: c.format.SampleRate,
		Channels:   c.format.Channels,
		Timestamp:  c.format.Duration(int(c.emitted)),
	}
	c.emitted += int64(len(data))
	return f
}
