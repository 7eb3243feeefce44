package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"mime"
	"os/exec"
	"strconv"
	"strings"

	"github.com/petems/lens-assistant/internal/errs"
)

// RawPCMType builds the MIME type used for raw interleaved capture data,
// e.g. "audio/pcm; channels=2; format=f32le; rate=48000".
func RawPCMType(rate, channels int, format string) string {
	return mime.FormatMediaType("audio/pcm", map[string]string{
		"rate":     strconv.Itoa(rate),
		"channels": strconv.Itoa(channels),
		"format":   format,
	})
}

// RawPCMDecoder decodes "audio/pcm" data in f32le or s16le layout.
type RawPCMDecoder struct{}

func (RawPCMDecoder) Decode(_ context.Context, data []byte, mimeType string) (*Buffer, error) {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return nil, decodeError("invalid raw PCM type", err)
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return nil, decodeError("raw PCM type needs a positive rate", err)
	}
	channels, err := strconv.Atoi(params["channels"])
	if err != nil || channels <= 0 {
		return nil, decodeError("raw PCM type needs a positive channel count", err)
	}

	switch params["format"] {
	case "f32le", "":
		return deinterleaveF32(data, channels, rate), nil
	case "s16le":
		return deinterleaveS16(data, channels, rate), nil
	default:
		return nil, decodeError(fmt.Sprintf("unsupported raw PCM format %q", params["format"]), nil)
	}
}

// WAVDecoder decodes RIFF/WAVE data.
type WAVDecoder struct{}

func (WAVDecoder) Decode(_ context.Context, data []byte, _ string) (*Buffer, error) {
	buf, err := DecodeWAV(data)
	if err != nil {
		return nil, decodeError("invalid WAV data", err)
	}
	return buf, nil
}

// FFmpegDecoder decodes any container ffmpeg understands (webm/opus,
// mp3, ogg, m4a) by piping it through ffmpeg into 16-bit WAV.
type FFmpegDecoder struct {
	// Binary defaults to "ffmpeg" on PATH.
	Binary string
}

func (d FFmpegDecoder) Decode(ctx context.Context, data []byte, _ string) (*Buffer, error) {
	bin := d.Binary
	if bin == "" {
		bin = "ffmpeg"
	}

	// ffmpeg -i pipe:0 -f wav -acodec pcm_s16le pipe:1
	cmd := exec.CommandContext(ctx, bin,
		"-hide_banner", "-loglevel", "error",
		"-i", "pipe:0",
		"-f", "wav", "-acodec", "pcm_s16le",
		"pipe:1",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = bytes.NewReader(data)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, decodeError("ffmpeg failed: "+strings.TrimSpace(stderr.String()), err)
	}

	buf, err := DecodeWAV(stdout.Bytes())
	if err != nil {
		return nil, decodeError("ffmpeg produced unreadable WAV", err)
	}
	return buf, nil
}

// MIMEDecoder routes by MIME type: raw PCM and WAV are decoded in process,
// everything else goes to Fallback.
type MIMEDecoder struct {
	Fallback Decoder
}

// NewDecoder returns the standard decoder chain with ffmpeg as fallback.
func NewDecoder() *MIMEDecoder {
	return &MIMEDecoder{Fallback: FFmpegDecoder{}}
}

func (m *MIMEDecoder) Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error) {
	base, _, _ := mime.ParseMediaType(mimeType)

	switch {
	case base == "audio/pcm":
		return RawPCMDecoder{}.Decode(ctx, data, mimeType)
	case base == "audio/wav" || base == "audio/x-wav" || base == "audio/wave" || looksLikeWAV(data):
		return WAVDecoder{}.Decode(ctx, data, mimeType)
	case m.Fallback != nil:
		return m.Fallback.Decode(ctx, data, mimeType)
	default:
		return nil, decodeError(fmt.Sprintf("no decoder for %q", mimeType), nil)
	}
}

func looksLikeWAV(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE"
}

func decodeError(msg string, err error) *errs.Error {
	if err == nil {
		return errs.New(errs.KindDecode, errs.CodeDecode, msg)
	}
	return errs.Wrap(errs.KindDecode, errs.CodeDecode, msg, err)
}

// InterleaveF32 packs per-frame samples into f32le bytes, the layout
// RawPCMDecoder reads for format=f32le.
func InterleaveF32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}
