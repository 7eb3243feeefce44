package transcode

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// wavHeader is the canonical 44-byte header of a mono PCM WAV file
type wavHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32 // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16 // NumChannels * BitsPerSample / 8
	BitsPerSample uint16
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

const (
	formatPCM   = 1
	formatFloat = 3
)

// EncodeWAV encodes mono PCM-16 samples as a little-endian WAV file
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   formatPCM,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	return buf.Bytes(), nil
}

type wavFormat struct {
	audioFormat   uint16
	channels      int
	sampleRate    int
	bitsPerSample int
}

// DecodeWAV decodes a RIFF/WAVE file holding 16-bit PCM or 32-bit float
// samples with any channel count. Unknown chunks (LIST, fact, ...) are
// skipped. A data chunk whose declared size overruns the file, as written
// by streaming encoders, is read to the end of the input.
func DecodeWAV(data []byte) (*Buffer, error) {
	if len(data) < 12 {
		return nil, fmt.Errorf("WAV data too short: need at least 12 bytes, got %d", len(data))
	}
	if string(data[0:4]) != "RIFF" {
		return nil, fmt.Errorf("invalid WAV file: missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	var (
		fmtChunk *wavFormat
		payload  []byte
	)

	pos := 12
	for pos+8 <= len(data) {
		id := string(data[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(data[pos+4 : pos+8]))
		body := pos + 8
		end := body + size
		if size < 0 || end > len(data) {
			end = len(data)
		}

		switch id {
		case "fmt ":
			if end-body < 16 {
				return nil, fmt.Errorf("invalid WAV file: short fmt chunk")
			}
			f := data[body:end]
			fmtChunk = &wavFormat{
				audioFormat:   binary.LittleEndian.Uint16(f[0:2]),
				channels:      int(binary.LittleEndian.Uint16(f[2:4])),
				sampleRate:    int(binary.LittleEndian.Uint32(f[4:8])),
				bitsPerSample: int(binary.LittleEndian.Uint16(f[14:16])),
			}
			if fmtChunk.audioFormat == 0xFFFE && end-body >= 26 {
				// WAVE_FORMAT_EXTENSIBLE: the real format is the first two
				// bytes of the sub-format GUID.
				fmtChunk.audioFormat = binary.LittleEndian.Uint16(f[24:26])
			}
		case "data":
			payload = data[body:end]
		}

		if payload != nil && fmtChunk != nil {
			break
		}
		// Chunks are word aligned
		pos = end + size%2
		if end == len(data) {
			break
		}
	}

	if fmtChunk == nil {
		return nil, fmt.Errorf("invalid WAV file: missing fmt chunk")
	}
	if payload == nil {
		return nil, fmt.Errorf("invalid WAV file: missing data chunk")
	}
	if fmtChunk.channels <= 0 {
		return nil, fmt.Errorf("invalid channel count: %d", fmtChunk.channels)
	}
	if fmtChunk.sampleRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: %d", fmtChunk.sampleRate)
	}

	switch {
	case fmtChunk.audioFormat == formatPCM && fmtChunk.bitsPerSample == 16:
		return deinterleaveS16(payload, fmtChunk.channels, fmtChunk.sampleRate), nil
	case fmtChunk.audioFormat == formatFloat && fmtChunk.bitsPerSample == 32:
		return deinterleaveF32(payload, fmtChunk.channels, fmtChunk.sampleRate), nil
	default:
		return nil, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", fmtChunk.audioFormat, fmtChunk.bitsPerSample)
	}
}

func deinterleaveS16(payload []byte, channels, rate int) *Buffer {
	frames := len(payload) / (2 * channels)
	buf := &Buffer{SampleRate: rate, Channels: make([][]float32, channels)}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 2
			s := int16(binary.LittleEndian.Uint16(payload[off : off+2]))
			if s < 0 {
				buf.Channels[c][i] = float32(s) / 32768
			} else {
				buf.Channels[c][i] = float32(s) / 32767
			}
		}
	}
	return buf
}

func deinterleaveF32(payload []byte, channels, rate int) *Buffer {
	frames := len(payload) / (4 * channels)
	buf := &Buffer{SampleRate: rate, Channels: make([][]float32, channels)}
	for c := range buf.Channels {
		buf.Channels[c] = make([]float32, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			off := (i*channels + c) * 4
			buf.Channels[c][i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[off : off+4]))
		}
	}
	return buf
}
