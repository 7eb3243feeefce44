// Package playback plays synthesized replies and drives the lip-sync
// timeline alongside the audio.
package playback

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/transcode"
)

// maxAudioSize bounds downloaded speech audio.
const maxAudioSize = 32 << 20

// Output renders decoded audio and returns when playback has finished.
type Output interface {
	Play(ctx context.Context, buf *transcode.Buffer) error
}

// VisemeSink receives lip-sync markers as their timestamps come due.
type VisemeSink interface {
	Viseme(v hub.Viseme)
}

// Player fetches, decodes and plays a synthesized reply.
type Player struct {
	http    *http.Client
	decoder transcode.Decoder
	out     Output
	lips    VisemeSink
	log     zerolog.Logger
	after   func(time.Duration) <-chan time.Time
	maxSize int64
}

// New creates a player. lips may be nil.
func New(decoder transcode.Decoder, out Output, lips VisemeSink, log zerolog.Logger) *Player {
	return &Player{
		http:    &http.Client{Timeout: 30 * time.Second},
		decoder: decoder,
		out:     out,
		lips:    lips,
		log:     log.With().Str("component", "playback").Logger(),
		after:   time.After,
		maxSize: maxAudioSize,
	}
}

// WithHTTPClient replaces the client used to download speech audio.
func (p *Player) WithHTTPClient(hc *http.Client) *Player {
	p.http = hc
	return p
}

// Play blocks until the reply has been played. Visemes are emitted in
// timestamp order while the audio plays; any not yet due when the audio
// ends are dropped.
func (p *Player) Play(ctx context.Context, speech *hub.Speech) error {
	data, mimeType, err := p.audio(ctx, speech)
	if err != nil {
		return err
	}

	buf, err := p.decoder.Decode(ctx, data, mimeType)
	if err != nil {
		return err
	}
	p.log.Debug().Str("format", buf.String()).Int("visemes", len(speech.Visemes)).Msg("Playing reply")

	timelineCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	if p.lips != nil && len(speech.Visemes) > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.timeline(timelineCtx, speech.Visemes)
		}()
	}

	err = p.out.Play(ctx, buf)
	cancel()
	wg.Wait()
	if err != nil {
		return errs.Hardware("Playback failed", err)
	}
	return nil
}

func (p *Player) audio(ctx context.Context, speech *hub.Speech) ([]byte, string, error) {
	if len(speech.Audio) > 0 {
		return speech.Audio, speech.AudioMIME, nil
	}
	if speech.AudioURL == "" {
		return nil, "", errs.New(errs.KindDecode, errs.CodeDecode, "Speech has no audio")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, speech.AudioURL, nil)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindInvalid, errs.CodeLocal, "Invalid audio URL", err)
	}
	resp, err := p.http.Do(req)
	if err != nil {
		return nil, "", errs.Wrap(errs.KindTransport, errs.CodeLocal, "Failed to download speech audio", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", errs.New(errs.KindTransport, resp.StatusCode, fmt.Sprintf("HTTP error! status: %d", resp.StatusCode))
	}

	// One byte past the limit tells a truncated body from one that fits
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxSize+1))
	if err != nil {
		return nil, "", errs.Wrap(errs.KindTransport, errs.CodeLocal, "Failed to read speech audio", err)
	}
	if int64(len(data)) > p.maxSize {
		return nil, "", errs.New(errs.KindTransport, errs.CodeLocal, fmt.Sprintf("Speech audio exceeds %d bytes", p.maxSize))
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (p *Player) timeline(ctx context.Context, visemes []hub.Viseme) {
	ordered := make([]hub.Viseme, len(visemes))
	copy(ordered, visemes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Timestamp < ordered[j].Timestamp })

	var prev float64
	for _, v := range ordered {
		if wait := time.Duration((v.Timestamp - prev) * float64(time.Millisecond)); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-p.after(wait):
			}
		}
		prev = v.Timestamp
		p.lips.Viseme(v)
	}
}

// LogVisemes logs each viseme at debug level. It stands in for an avatar
// when none is attached.
type LogVisemes struct {
	Log zerolog.Logger
}

func (l LogVisemes) Viseme(v hub.Viseme) {
	l.Log.Debug().Float64("ts", v.Timestamp).Str("value", v.Value).Float64("duration", v.Duration).Msg("Viseme")
}
