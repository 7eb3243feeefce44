package audio

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/metrics"
)

// State of a Controller.
type State int

const (
	Idle State = iota
	Recording
)

func (s State) String() string {
	if s == Recording {
		return "recording"
	}
	return "idle"
}

// CapturedRecording is the data accumulated by one recording session.
type CapturedRecording struct {
	Chunks   [][]byte
	MIMEType string
}

// Bytes joins the fragments into a single blob.
func (r *CapturedRecording) Bytes() []byte {
	return bytes.Join(r.Chunks, nil)
}

// Result is delivered once per Stop after the sink has flushed.
type Result struct {
	Recording *CapturedRecording
	Err       error
}

// Controller toggles a microphone between Idle and Recording and
// accumulates the fragments the sink produces.
type Controller struct {
	backend Backend
	mic     Microphone
	prefs   *SinkOptions
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	state State
	cur   *take
}

// take is one recording session. Fragments delivered after Stop still
// land in the take they were produced for.
type take struct {
	sink   Sink
	chunks [][]byte
}

// NewController creates a controller for an already acquired microphone.
// mic may be nil, in which case Start fails with a hardware error. prefs
// is the preferred capture configuration, tried before backend defaults.
func NewController(backend Backend, mic Microphone, prefs *SinkOptions, log zerolog.Logger, m *metrics.Metrics) *Controller {
	return &Controller{
		backend: backend,
		mic:     mic,
		prefs:   prefs,
		log:     log,
		metrics: m,
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start opens a new sink and begins recording. Calling Start while already
// recording does nothing.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Recording {
		c.log.Debug().Msg("Start ignored, already recording")
		return nil
	}
	if c.mic == nil {
		return errs.Hardware("Microphone not available", nil)
	}

	sink, err := c.openSink()
	if err != nil {
		return err
	}

	t := &take{sink: sink}
	if err := sink.Start(func(data []byte) { c.onData(t, data) }); err != nil {
		return errs.Hardware("Failed to start recording", err)
	}

	c.cur = t
	c.state = Recording
	c.log.Info().Str("mic", c.mic.Name()).Str("mime", sink.MIMEType()).Msg("Recording started")
	return nil
}

func (c *Controller) openSink() (Sink, error) {
	if c.prefs != nil {
		sink, err := c.backend.OpenSink(c.mic, c.prefs)
		if err == nil {
			return sink, nil
		}
		c.log.Warn().Err(err).
			Int("sample_rate", c.prefs.SampleRate).
			Int("channels", c.prefs.Channels).
			Msg("Preferred capture settings rejected, falling back to device defaults")
		if c.metrics != nil {
			c.metrics.CodecFallbacks.Inc()
		}
	}

	sink, err := c.backend.OpenSink(c.mic, nil)
	if err != nil {
		return nil, errs.Hardware("Failed to open recording", err)
	}
	return sink, nil
}

func (c *Controller) onData(t *take, data []byte) {
	if len(data) == 0 {
		c.log.Debug().Msg("Ignoring empty capture fragment")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	t.chunks = append(t.chunks, bytes.Clone(data))
	if c.metrics != nil {
		c.metrics.CaptureFragments.Inc()
	}
}

// Stop ends the current recording. The controller is Idle when Stop
// returns; the recording arrives on the returned channel once the sink has
// flushed. ok is false, and the channel nil, when nothing was recording.
func (c *Controller) Stop() (<-chan Result, bool) {
	c.mu.Lock()
	if c.state != Recording {
		c.mu.Unlock()
		return nil, false
	}
	t := c.cur
	c.cur = nil
	c.state = Idle
	c.mu.Unlock()

	out := make(chan Result, 1)
	go func() {
		flushErr := <-t.sink.Stop()

		c.mu.Lock()
		rec := &CapturedRecording{Chunks: t.chunks, MIMEType: t.sink.MIMEType()}
		c.mu.Unlock()

		if flushErr != nil {
			c.log.Error().Err(flushErr).Msg("Recording flush failed")
			out <- Result{Err: errs.Hardware("Failed to finish recording", flushErr)}
			return
		}
		if c.metrics != nil {
			c.metrics.Recordings.Inc()
		}
		c.log.Info().Int("fragments", len(rec.Chunks)).Msg("Recording ready")
		out <- Result{Recording: rec}
	}()

	return out, true
}

// SetDevice acquires deviceID and records from it on the next Start. The
// current microphone is kept when acquisition fails.
func (c *Controller) SetDevice(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Recording {
		e := errs.New(errs.KindBusy, 409, "Cannot change microphone while recording")
		e.Err = errs.ErrBusy
		return e
	}

	mic, err := c.backend.Acquire(deviceID)
	if err != nil {
		return err
	}
	c.mic = mic
	c.log.Info().Str("mic", mic.Name()).Msg("Microphone changed")
	return nil
}

// Devices lists capture devices known to the backend.
func (c *Controller) Devices() ([]AudioDevice, error) {
	return c.backend.ListDevices()
}
