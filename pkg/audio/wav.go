package audio

import "encoding/binary"

// wavHeaderSize is the size of a canonical PCM WAV header.
const wavHeaderSize = 44

// EncodeWAV wraps little-endian int16 PCM in a canonical RIFF/WAVE header for
// format f.
func EncodeWAV(pcm []byte, f Format) []byte {
	dataSize := len(pcm)
	blockAlign := f.Channels * bytesPerSample

	out := make([]byte, wavHeaderSize+dataSize)
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+dataSize))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16) // PCM fmt chunk size
	le.PutUint16(out[20:22], 1)  // PCM
	le.PutUint16(out[22:24], uint16(f.Channels))
	le.PutUint32(out[24:28], uint32(f.SampleRate))
	le.PutUint32(out[28:32], uint32(f.BytesPerSecond()))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], bytesPerSample*8)

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(dataSize))
	copy(out[wavHeaderSize:], pcm)
	return out
}
