package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/audio"
	"github.com/petems/lens-assistant/internal/camera"
	"github.com/petems/lens-assistant/internal/config"
	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/metrics"
	"github.com/petems/lens-assistant/internal/transcode"
)

type Mode int

const (
	PushToTalk Mode = iota
	Toggle
)

// State of the assistant. A turn moves Idle → Capturing → Transcribing →
// Generating and ends in Done or Failed, from where a new turn may start.
type State int

const (
	Idle State = iota
	Capturing
	Transcribing
	Generating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Capturing:
		return "capturing"
	case Transcribing:
		return "transcribing"
	case Generating:
		return "generating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Running reports whether a turn is in progress.
func (s State) Running() bool {
	return s == Capturing || s == Transcribing || s == Generating
}

// StatusUpdater is an interface for updating status (e.g., tray icon)
type StatusUpdater interface {
	SetIdle()
	SetRecording()
	SetProcessing()
	SetError(message string)
}

type Recorder interface {
	Start() error
	Stop() (<-chan audio.Result, bool)
}

// DeviceSelector is implemented by recorders that can switch microphones
// between turns.
type DeviceSelector interface {
	SetDevice(id string) error
}

type Transcoder interface {
	Transcode(ctx context.Context, data []byte, mimeType string) (*transcode.Normalized, error)
}

type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

type ChatCompleter interface {
	Chat(ctx context.Context, text string) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (*hub.Speech, error)
}

// Backend is a service that provides every remote stage.
type Backend interface {
	Transcriber
	ChatCompleter
	Synthesizer
	SetLanguage(lang string) error
}

// Authenticator keeps the backend logged in. It is called before every
// turn and should be cheap while a credential is valid.
type Authenticator interface {
	Authenticate(ctx context.Context) error
}

type Player interface {
	Play(ctx context.Context, speech *hub.Speech) error
}

type ReplySink interface {
	Reply(text string) error
}

type Camera interface {
	SetSource(ctx context.Context, selector string) error
	Current() string
	Devices(ctx context.Context) ([]camera.Device, error)
}

type Config struct {
	Recorder      Recorder
	Transcoder    Transcoder
	Backend       Backend
	Auth          Authenticator // Optional
	Player        Player
	Reply         ReplySink // Optional
	Camera        Camera    // Optional
	Devices       func() ([]audio.AudioDevice, error)
	Config        *config.Config
	Logger        zerolog.Logger
	Metrics       *metrics.Metrics
	StatusUpdater StatusUpdater // Optional - can be nil
}

// Turn is the outcome of one exchange. It is not persisted.
type Turn struct {
	ID         string
	Transcript string
	Reply      string
	Speech     *hub.Speech
	WAVPath    string
}

type App struct {
	rec     Recorder
	codec   Transcoder
	backend Backend
	auth    Authenticator
	player  Player
	reply   ReplySink
	camera  Camera
	devices func() ([]audio.AudioDevice, error)
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	status  StatusUpdater

	mu      sync.Mutex
	state   State
	lastErr error
}

func New(cfg Config) *App {
	return &App{
		rec:     cfg.Recorder,
		codec:   cfg.Transcoder,
		backend: cfg.Backend,
		auth:    cfg.Auth,
		player:  cfg.Player,
		reply:   cfg.Reply,
		camera:  cfg.Camera,
		devices: cfg.Devices,
		cfg:     cfg.Config,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		status:  cfg.StatusUpdater,
	}
}

// OnTrigger handles the record control. In PushToTalk mode pressing starts
// a turn and releasing finishes it; in Toggle mode each press flips.
// Finishing runs the rest of the turn in the background.
func (a *App) OnTrigger(pressed bool) {
	mode := PushToTalk
	if a.mode() == config.ModeToggle {
		mode = Toggle
	}

	capturing := a.State() == Capturing
	var start bool
	switch mode {
	case PushToTalk:
		if pressed == capturing {
			return
		}
		start = pressed
	case Toggle:
		if !pressed {
			return
		}
		start = !capturing
	}

	if start {
		if err := a.StartCapture(); err != nil {
			a.log.Error().Err(err).Msg("Failed to start capture")
		}
		return
	}
	go func() {
		if _, err := a.FinishCapture(context.Background()); err != nil {
			a.log.Debug().Err(err).Msg("Turn ended with error")
		}
	}()
}

func (a *App) mode() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Mode
}

// StartCapture begins a new turn. It fails with errs.ErrBusy while another
// turn is running.
func (a *App) StartCapture() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Running() {
		return busy(a.state)
	}
	if err := a.rec.Start(); err != nil {
		a.failLocked(err)
		return err
	}

	a.log.Info().Msg("Starting capture")
	a.state = Capturing
	a.lastErr = nil
	if a.status != nil {
		a.status.SetRecording()
	}
	return nil
}

// FinishCapture stops the recording and runs the remaining stages,
// blocking until the reply has played or a stage has failed.
func (a *App) FinishCapture(ctx context.Context) (*Turn, error) {
	a.mu.Lock()
	if a.state != Capturing {
		state := a.state
		a.mu.Unlock()
		return nil, errs.New(errs.KindInvalid, errs.CodeLocal, fmt.Sprintf("Not capturing (%s)", state))
	}
	ch, ok := a.rec.Stop()
	if !ok {
		err := errs.New(errs.KindInvalid, errs.CodeLocal, "Recorder was not recording")
		a.failLocked(err)
		a.mu.Unlock()
		return nil, err
	}
	a.setStateLocked(Transcribing)
	a.mu.Unlock()

	turn := &Turn{ID: uuid.NewString()}
	log := a.log.With().Str("turn", turn.ID).Logger()

	var res audio.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, a.fail(log, "capture", ctx.Err())
	}
	if res.Err != nil {
		return nil, a.fail(log, "capture", res.Err)
	}

	return a.run(ctx, log, turn, res.Recording.Bytes(), res.Recording.MIMEType)
}

// Ask runs a whole turn over already captured audio.
func (a *App) Ask(ctx context.Context, data []byte, mimeType string) (*Turn, error) {
	a.mu.Lock()
	if a.state.Running() {
		err := busy(a.state)
		a.mu.Unlock()
		return nil, err
	}
	a.lastErr = nil
	a.setStateLocked(Transcribing)
	a.mu.Unlock()

	turn := &Turn{ID: uuid.NewString()}
	return a.run(ctx, a.log.With().Str("turn", turn.ID).Logger(), turn, data, mimeType)
}

func (a *App) run(ctx context.Context, log zerolog.Logger, turn *Turn, data []byte, mimeType string) (*Turn, error) {
	var audioOut *transcode.Normalized
	err := a.stage(log, "transcode", func() (err error) {
		audioOut, err = a.codec.Transcode(ctx, data, mimeType)
		return err
	})
	if err != nil {
		return nil, a.fail(log, "transcode", err)
	}
	turn.WAVPath = a.saveRecording(log, turn.ID, audioOut.WAV)

	if a.auth != nil {
		err = a.stage(log, "login", func() error {
			return a.auth.Authenticate(ctx)
		})
		if err != nil {
			return nil, a.fail(log, "login", err)
		}
	}

	err = a.stage(log, "transcribe", func() (err error) {
		turn.Transcript, err = a.backend.Transcribe(ctx, audioOut.WAV)
		return err
	})
	if err != nil {
		return nil, a.fail(log, "transcribe", err)
	}

	a.setState(Generating)

	err = a.stage(log, "chat", func() (err error) {
		turn.Reply, err = a.backend.Chat(ctx, turn.Transcript)
		return err
	})
	if err != nil {
		return nil, a.fail(log, "chat", err)
	}

	err = a.stage(log, "synthesize", func() (err error) {
		turn.Speech, err = a.backend.Synthesize(ctx, turn.Reply)
		return err
	})
	if err != nil {
		return nil, a.fail(log, "synthesize", err)
	}

	if a.reply != nil {
		if err := a.reply.Reply(turn.Reply); err != nil {
			log.Warn().Err(err).Msg("Reply sink failed")
		}
	}

	err = a.stage(log, "playback", func() error {
		return a.player.Play(ctx, turn.Speech)
	})
	if err != nil {
		return nil, a.fail(log, "playback", err)
	}

	log.Info().Str("transcript", turn.Transcript).Str("reply", turn.Reply).Msg("Turn complete")
	a.mu.Lock()
	a.setStateLocked(Done)
	a.mu.Unlock()
	a.countTurn(Done)
	if a.status != nil {
		a.status.SetIdle()
	}
	return turn, nil
}

func (a *App) stage(log zerolog.Logger, name string, fn func() error) error {
	start := time.Now()
	err := fn()
	a.metrics.ObserveStage(name, time.Since(start))
	log.Debug().Str("stage", name).Dur("took", time.Since(start)).Err(err).Msg("Stage finished")
	return err
}

// saveRecording writes the normalized WAV for the user. Failing to save
// does not abort the turn.
func (a *App) saveRecording(log zerolog.Logger, id string, wav []byte) string {
	dir := a.cfg.Recording.SaveDir
	if dir == "" {
		return ""
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to create recording dir")
		return ""
	}
	path := filepath.Join(dir, "recording-"+id+".wav")
	if err := os.WriteFile(path, wav, 0644); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to save recording")
		return ""
	}
	log.Info().Str("path", path).Msg("Recording saved")
	return path
}

func (a *App) fail(log zerolog.Logger, stage string, err error) error {
	log.Error().Err(err).Str("stage", stage).Msg("Turn failed")
	a.mu.Lock()
	a.failLocked(err)
	a.mu.Unlock()
	return err
}

func (a *App) failLocked(err error) {
	a.setStateLocked(Failed)
	a.lastErr = err
	a.countTurn(Failed)
	if a.status != nil {
		a.status.SetError(Message(err))
	}
}

func (a *App) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.setStateLocked(s)
}

func (a *App) setStateLocked(s State) {
	if a.state == s {
		return
	}
	a.log.Debug().Stringer("from", a.state).Stringer("to", s).Msg("State change")
	a.state = s
	if a.status != nil && (s == Transcribing || s == Generating) {
		a.status.SetProcessing()
	}
}

func (a *App) countTurn(s State) {
	if a.metrics != nil {
		a.metrics.Turns.WithLabelValues(s.String()).Inc()
	}
}

func busy(s State) error {
	e := errs.New(errs.KindBusy, 409, fmt.Sprintf("Assistant is busy (%s)", s))
	e.Err = errs.ErrBusy
	return e
}

// Message returns the user-facing text for err.
func Message(err error) string {
	if e, ok := errs.As(err); ok {
		return e.Message
	}
	return err.Error()
}

func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the error that ended the last turn, if it failed.
func (a *App) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == Capturing {
		if ch, ok := a.rec.Stop(); ok {
			select {
			case <-ch:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		a.state = Idle
	}
	return nil
}

// Tray actions

func (a *App) SetMode(mode string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Mode = mode
	a.save()
}

func (a *App) SetLanguage(lang string) error {
	if err := a.backend.SetLanguage(lang); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Language = lang
	return a.save()
}

func (a *App) Language() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg.Language
}

func (a *App) SetDevice(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state.Running() {
		return busy(a.state)
	}
	if sel, ok := a.rec.(DeviceSelector); ok {
		if err := sel.SetDevice(id); err != nil {
			return err
		}
	}

	a.cfg.Audio.DeviceID = id
	return a.save()
}

func (a *App) ListDevices() ([]audio.AudioDevice, error) {
	if a.devices == nil {
		return nil, nil
	}
	return a.devices()
}

// SetCamera rebinds the camera and remembers the choice.
func (a *App) SetCamera(ctx context.Context, selector string) error {
	if a.camera == nil {
		return errs.Hardware("Camera not available", nil)
	}
	err := a.camera.SetSource(ctx, selector)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.Camera.DeviceID = selector
	return a.save()
}

func (a *App) Camera() Camera {
	return a.camera
}

func (a *App) save() error {
	if err := a.cfg.Save(); err != nil {
		a.log.Warn().Err(err).Msg("Failed to save config")
		return err
	}
	return nil
}
