package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/metrics"
)

type fakeMic struct{}

func (fakeMic) ID() string   { return "mic-1" }
func (fakeMic) Name() string { return "Test Mic" }

type fakeSink struct {
	mime    string
	onData  func([]byte)
	done    chan error
	stopped bool
}

func (s *fakeSink) MIMEType() string { return s.mime }

func (s *fakeSink) Start(onData func([]byte)) error {
	s.onData = onData
	return nil
}

func (s *fakeSink) Stop() <-chan error {
	s.stopped = true
	return s.done
}

type namedMic string

func (m namedMic) ID() string   { return string(m) }
func (m namedMic) Name() string { return string(m) }

type fakeBackend struct {
	rejectPreferred bool
	acquireErr      error
	opened          []*SinkOptions
	openedOn        []Microphone
	sinks           []*fakeSink
}

func (b *fakeBackend) Acquire(id string) (Microphone, error) {
	if b.acquireErr != nil {
		return nil, b.acquireErr
	}
	if id == "" {
		return fakeMic{}, nil
	}
	return namedMic(id), nil
}

func (b *fakeBackend) OpenSink(mic Microphone, opts *SinkOptions) (Sink, error) {
	b.opened = append(b.opened, opts)
	b.openedOn = append(b.openedOn, mic)
	if opts != nil && b.rejectPreferred {
		return nil, errors.New("unsupported sample rate")
	}
	mime := "audio/pcm; channels=1; format=f32le; rate=16000"
	if opts != nil {
		mime = "audio/pcm; channels=2; format=f32le; rate=48000"
	}
	s := &fakeSink{mime: mime, done: make(chan error, 1)}
	b.sinks = append(b.sinks, s)
	return s, nil
}

func (b *fakeBackend) ListDevices() ([]AudioDevice, error) {
	return []AudioDevice{{ID: "mic-1", Name: "Test Mic", Default: true}}, nil
}

func (b *fakeBackend) Close() error { return nil }

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for recording")
		return Result{}
	}
}

func TestControllerRecordsFragments(t *testing.T) {
	backend := &fakeBackend{}
	m := metrics.New()
	c := NewController(backend, fakeMic{}, &SinkOptions{SampleRate: 48000, Channels: 2}, zerolog.Nop(), m)

	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if c.State() != Recording {
		t.Fatalf("expected Recording, got %s", c.State())
	}

	sink := backend.sinks[0]
	sink.onData([]byte{1, 2})
	sink.onData(nil)
	sink.onData([]byte{})
	sink.onData([]byte{3})

	ch, ok := c.Stop()
	if !ok {
		t.Fatal("Stop reported nothing recording")
	}
	if c.State() != Idle {
		t.Errorf("expected Idle immediately after Stop, got %s", c.State())
	}

	// Fragments flushed before the sink finishes still count
	sink.onData([]byte{4})
	sink.done <- nil

	r := await(t, ch)
	if r.Err != nil {
		t.Fatalf("unexpected error: %v", r.Err)
	}
	if got := r.Recording.Bytes(); string(got) != string([]byte{1, 2, 3, 4}) {
		t.Errorf("unexpected recording bytes %v", got)
	}
	if len(r.Recording.Chunks) != 3 {
		t.Errorf("expected 3 fragments, got %d", len(r.Recording.Chunks))
	}
	if r.Recording.MIMEType != sink.mime {
		t.Errorf("expected mime %q, got %q", sink.mime, r.Recording.MIMEType)
	}
	if got := testutil.ToFloat64(m.CaptureFragments); got != 3 {
		t.Errorf("expected 3 fragments counted, got %v", got)
	}
	if got := testutil.ToFloat64(m.Recordings); got != 1 {
		t.Errorf("expected 1 recording counted, got %v", got)
	}
}

func TestControllerDuplicateStartIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	c := NewController(backend, fakeMic{}, nil, zerolog.Nop(), nil)

	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}
	if len(backend.sinks) != 1 {
		t.Errorf("expected one sink, got %d", len(backend.sinks))
	}
}

func TestControllerStopWhenIdle(t *testing.T) {
	c := NewController(&fakeBackend{}, fakeMic{}, nil, zerolog.Nop(), nil)

	ch, ok := c.Stop()
	if ok || ch != nil {
		t.Error("Stop while idle should be a no-op")
	}
}

func TestControllerWithoutMicrophone(t *testing.T) {
	c := NewController(&fakeBackend{}, nil, nil, zerolog.Nop(), nil)

	err := c.Start()
	if !errors.Is(err, errs.ErrHardwareUnavailable) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if c.State() != Idle {
		t.Error("controller must stay idle")
	}
}

func TestControllerFallsBackToDefaults(t *testing.T) {
	backend := &fakeBackend{rejectPreferred: true}
	m := metrics.New()
	c := NewController(backend, fakeMic{}, &SinkOptions{SampleRate: 96000, Channels: 2}, zerolog.Nop(), m)

	if err := c.Start(); err != nil {
		t.Fatalf("Start should degrade, got %v", err)
	}
	if len(backend.opened) != 2 || backend.opened[0] == nil || backend.opened[1] != nil {
		t.Fatalf("expected preferred then default attempt, got %v", backend.opened)
	}
	if got := testutil.ToFloat64(m.CodecFallbacks); got != 1 {
		t.Errorf("expected one fallback counted, got %v", got)
	}
}

func TestControllerRestartKeepsTakesSeparate(t *testing.T) {
	backend := &fakeBackend{}
	c := NewController(backend, fakeMic{}, nil, zerolog.Nop(), nil)

	c.Start()
	backend.sinks[0].onData([]byte("first"))
	first, _ := c.Stop()

	// A new recording may begin before the previous one has flushed
	if err := c.Start(); err != nil {
		t.Fatal(err)
	}
	backend.sinks[1].onData([]byte("second"))

	backend.sinks[0].done <- nil
	if r := await(t, first); string(r.Recording.Bytes()) != "first" {
		t.Errorf("first take contaminated: %q", r.Recording.Bytes())
	}

	second, _ := c.Stop()
	backend.sinks[1].done <- nil
	if r := await(t, second); string(r.Recording.Bytes()) != "second" {
		t.Errorf("second take contaminated: %q", r.Recording.Bytes())
	}
}

func TestControllerFlushError(t *testing.T) {
	backend := &fakeBackend{}
	c := NewController(backend, fakeMic{}, nil, zerolog.Nop(), nil)

	c.Start()
	ch, _ := c.Stop()
	backend.sinks[0].done <- errors.New("device unplugged")

	r := await(t, ch)
	if errs.KindOf(r.Err) != errs.KindHardware {
		t.Fatalf("expected hardware error, got %v", r.Err)
	}
	if r.Recording != nil {
		t.Error("failed flush must not yield a recording")
	}
}

func TestSetDeviceSwapsMicrophone(t *testing.T) {
	backend := &fakeBackend{}
	c := NewController(backend, fakeMic{}, nil, zerolog.Nop(), nil)

	if err := c.SetDevice("USB Headset"); err != nil {
		t.Fatalf("SetDevice failed: %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := backend.openedOn[0]; got.ID() != "USB Headset" {
		t.Errorf("recorded from %q, want the new device", got.ID())
	}

	if err := c.SetDevice("Other"); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("expected busy while recording, got %v", err)
	}
	backend.sinks[0].done <- nil
	await(t, mustStop(t, c))

	backend.acquireErr = errs.Hardware("Microphone not found: Gone", nil)
	if err := c.SetDevice("Gone"); !errors.Is(err, errs.ErrHardwareUnavailable) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got := backend.openedOn[1]; got.ID() != "USB Headset" {
		t.Errorf("failed switch replaced the microphone with %q", got.ID())
	}
}

func mustStop(t *testing.T, c *Controller) <-chan Result {
	t.Helper()
	ch, ok := c.Stop()
	if !ok {
		t.Fatal("Stop reported nothing recording")
	}
	return ch
}
