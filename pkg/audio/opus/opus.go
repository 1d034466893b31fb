// Package opus decodes Opus packets into the int16 PCM the stream runner
// frames and analyses. It wraps layeh.com/gopus, which links against libopus.
package opus

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxgate/pkg/audio"
)

// maxPacketMs is the longest duration a single Opus packet can carry.
const maxPacketMs = 120

// supportedRates are the sample rates libopus can decode to.
var supportedRates = map[int]bool{8000: true, 12000: true, 16000: true, 24000: true, 48000: true}

// Decoder wraps a gopus Opus decoder for a single stream. Each stream needs
// its own decoder to maintain decoder state correctly across packets.
type Decoder struct {
	dec       *gopus.Decoder
	format    audio.Format
	frameSize int
}

// NewDecoder creates a decoder producing PCM in format f.
func NewDecoder(f audio.Format) (*Decoder, error) {
	if !supportedRates[f.SampleRate] {
		return nil, fmt.Errorf("opus: unsupported sample rate %d", f.SampleRate)
	}
	if f.Channels != 1 && f.Channels != 2 {
		return nil, fmt.Errorf("opus: unsupported channel count %d", f.Channels)
	}
	dec, err := gopus.NewDecoder(f.SampleRate, f.Channels)
	if err != nil {
		return nil, fmt.Errorf("opus: create decoder: %w", err)
	}
	return &Decoder{
		dec:       dec,
		format:    f,
		frameSize: f.SampleRate * maxPacketMs / 1000,
	}, nil
}

// Format returns the PCM format produced by Decode.
func (d *Decoder) Format() audio.Format { return d.format }

// Decode decodes one Opus packet into interleaved little-endian int16 PCM.
func (d *Decoder) Decode(packet []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(packet, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("opus: decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}
