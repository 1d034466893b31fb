package audio

// pcmFullScale maps int16 samples onto [-1.0, 1.0).
const pcmFullScale = 32768.0

// DecodePCM16 converts interleaved little-endian int16 PCM into float
// samples in [-1.0, 1.0). Only the first channel of each interleaved sample
// is kept; channels are never mixed. The result is written into dst's
// backing array when it has enough capacity, so a caller that reuses dst
// across frames does not allocate. A trailing partial sample is ignored.
func DecodePCM16(dst []float32, pcm []byte, channels int) []float32 {
	if channels <= 0 {
		channels = 1
	}
	stride := channels * bytesPerSample
	n := len(pcm) / stride
	if cap(dst) < n {
		dst = make([]float32, n)
	}
	dst = dst[:n]

	for i := range n {
		j := i * stride
		dst[i] = float32(float64(int16(pcm[j])|int16(pcm[j+1])<<8) / pcmFullScale)
	}
	return dst
}

// EncodePCM16 converts float samples into little-endian int16 PCM, clamping
// to the int16 range. It is the inverse of [DecodePCM16] for mono audio.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*bytesPerSample)
	for i, s := range samples {
		v := float64(s) * pcmFullScale
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		iv := int16(v)
		out[i*2] = byte(iv)
		out[i*2+1] = byte(iv >> 8)
	}
	return out
}
