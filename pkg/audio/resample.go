package audio

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resample converts a complete int16 PCM clip from format from to sample rate
// toRate, keeping the channel layout. It is meant for finished segments, not
// for streaming: the whole clip is processed in one call, so the resampler's
// filter tail may shorten the output by a few milliseconds.
//
// When the rates already match the input is returned unchanged.
func Resample(pcm []byte, from Format, toRate int) ([]byte, error) {
	if err := from.Validate(); err != nil {
		return nil, err
	}
	if toRate <= 0 {
		return nil, fmt.Errorf("audio: target sample rate %d must be > 0", toRate)
	}
	if from.SampleRate == toRate || len(pcm) == 0 {
		return pcm, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(from.SampleRate),
		OutputRate: float64(toRate),
		Channels:   from.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("audio: create resampler: %w", err)
	}

	n := len(pcm) / bytesPerSample
	n -= n % from.Channels
	input := make([]float64, n)
	for i := range n {
		input[i] = float64(int16(pcm[i*2])|int16(pcm[i*2+1])<<8) / pcmFullScale
	}

	output, err := r.Process(input)
	if err != nil {
		return nil, fmt.Errorf("audio: resample %d→%d Hz: %w", from.SampleRate, toRate, err)
	}
	output = output[:len(output)-len(output)%from.Channels]

	out := make([]byte, len(output)*bytesPerSample)
	for i, s := range output {
		v := s * pcmFullScale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		iv := int16(v)
		out[i*2] = byte(iv)
		out[i*2+1] = byte(iv >> 8)
	}
	return out, nil
}
