package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/audio"
	"github.com/petems/lens-assistant/internal/config"
	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/metrics"
	"github.com/petems/lens-assistant/internal/token"
	"github.com/petems/lens-assistant/internal/transcode"
)

// Mock implementations for testing
type mockRecorder struct {
	mu        sync.Mutex
	recording bool
	result    audio.Result
	startErr  error
	device    string
	deviceErr error
}

func (m *mockRecorder) SetDevice(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deviceErr != nil {
		return m.deviceErr
	}
	m.device = id
	return nil
}

func (m *mockRecorder) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.recording = true
	return nil
}

func (m *mockRecorder) Stop() (<-chan audio.Result, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.recording {
		return nil, false
	}
	m.recording = false
	ch := make(chan audio.Result, 1)
	ch <- m.result
	return ch, true
}

type mockTranscoder struct {
	err error
}

func (m *mockTranscoder) Transcode(_ context.Context, data []byte, _ string) (*transcode.Normalized, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &transcode.Normalized{SampleRate: 44100, Channels: 1, WAV: append([]byte("RIFF"), data...)}, nil
}

type mockBackend struct {
	mu       sync.Mutex
	calls    []string
	failAt   string
	lang     string
	block    chan struct{}
	gotAudio []byte
}

func (m *mockBackend) record(stage string) error {
	m.mu.Lock()
	m.calls = append(m.calls, stage)
	m.mu.Unlock()
	if stage == m.failAt {
		return errs.New(errs.KindTransport, 502, stage+" failed")
	}
	return nil
}

func (m *mockBackend) Transcribe(_ context.Context, wav []byte) (string, error) {
	if m.block != nil {
		<-m.block
	}
	m.gotAudio = wav
	return "what is this", m.record("transcribe")
}

func (m *mockBackend) Chat(_ context.Context, text string) (string, error) {
	return "a lens", m.record("chat")
}

func (m *mockBackend) Synthesize(_ context.Context, text string) (*hub.Speech, error) {
	if err := m.record("synthesize"); err != nil {
		return nil, err
	}
	return &hub.Speech{Text: text, AudioURL: "http://hub/audio.mp3"}, nil
}

func (m *mockBackend) SetLanguage(lang string) error {
	if lang != hub.LangEnglish && lang != hub.LangArabic {
		return errs.New(errs.KindInvalid, 400, "Invalid language code")
	}
	m.lang = lang
	return nil
}

func (m *mockBackend) stages() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

type mockPlayer struct {
	played []*hub.Speech
}

func (m *mockPlayer) Play(_ context.Context, s *hub.Speech) error {
	m.played = append(m.played, s)
	return nil
}

type mockReply struct {
	text string
}

func (m *mockReply) Reply(text string) error {
	m.text = text
	return nil
}

type mockStatus struct {
	mu     sync.Mutex
	events []string
	errMsg string
}

func (m *mockStatus) add(e string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
}

func (m *mockStatus) SetIdle()       { m.add("idle") }
func (m *mockStatus) SetRecording()  { m.add("recording") }
func (m *mockStatus) SetProcessing() { m.add("processing") }
func (m *mockStatus) SetError(msg string) {
	m.add("error")
	m.mu.Lock()
	m.errMsg = msg
	m.mu.Unlock()
}

type fixture struct {
	app     *App
	rec     *mockRecorder
	backend *mockBackend
	player  *mockPlayer
	reply   *mockReply
	status  *mockStatus
	metrics *metrics.Metrics
	cfg     *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg := config.Default()
	cfg.Recording.SaveDir = t.TempDir()

	f := &fixture{
		rec: &mockRecorder{result: audio.Result{Recording: &audio.CapturedRecording{
			Chunks:   [][]byte{[]byte("ab"), []byte("cd")},
			MIMEType: "audio/webm",
		}}},
		backend: &mockBackend{},
		player:  &mockPlayer{},
		reply:   &mockReply{},
		status:  &mockStatus{},
		metrics: metrics.New(),
		cfg:     cfg,
	}
	f.app = New(Config{
		Recorder:      f.rec,
		Transcoder:    &mockTranscoder{},
		Backend:       f.backend,
		Player:        f.player,
		Reply:         f.reply,
		Config:        cfg,
		Logger:        zerolog.Nop(),
		Metrics:       f.metrics,
		StatusUpdater: f.status,
	})
	return f
}

func TestTurnRunsStagesInOrder(t *testing.T) {
	f := newFixture(t)

	if err := f.app.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}
	if f.app.State() != Capturing {
		t.Fatalf("expected Capturing, got %s", f.app.State())
	}

	turn, err := f.app.FinishCapture(context.Background())
	if err != nil {
		t.Fatalf("FinishCapture failed: %v", err)
	}

	expected := []string{"transcribe", "chat", "synthesize"}
	if got := f.backend.stages(); len(got) != 3 || got[0] != expected[0] || got[1] != expected[1] || got[2] != expected[2] {
		t.Errorf("unexpected stage order %v", got)
	}
	if string(f.backend.gotAudio) != "RIFFabcd" {
		t.Errorf("transcriber got %q, want the joined recording", f.backend.gotAudio)
	}
	if turn.Transcript != "what is this" || turn.Reply != "a lens" {
		t.Errorf("unexpected turn %+v", turn)
	}
	if len(f.player.played) != 1 || f.player.played[0] != turn.Speech {
		t.Error("synthesized speech was not played")
	}
	if f.reply.text != "a lens" {
		t.Errorf("reply sink got %q", f.reply.text)
	}
	if f.app.State() != Done {
		t.Errorf("expected Done, got %s", f.app.State())
	}

	if turn.WAVPath == "" {
		t.Fatal("expected the recording to be saved")
	}
	if data, err := os.ReadFile(turn.WAVPath); err != nil || string(data) != "RIFFabcd" {
		t.Errorf("saved recording mismatch: %q, %v", data, err)
	}

	if got := testutil.ToFloat64(f.metrics.Turns.WithLabelValues("done")); got != 1 {
		t.Errorf("expected one done turn, got %v", got)
	}
	events := f.status.events
	if events[0] != "recording" || events[len(events)-1] != "idle" {
		t.Errorf("unexpected status events %v", events)
	}
}

func TestStageFailureAbortsRemainingStages(t *testing.T) {
	for _, stage := range []string{"transcribe", "chat", "synthesize"} {
		t.Run(stage, func(t *testing.T) {
			f := newFixture(t)
			f.backend.failAt = stage

			f.app.StartCapture()
			_, err := f.app.FinishCapture(context.Background())
			if err == nil {
				t.Fatal("expected failure")
			}

			got := f.backend.stages()
			if got[len(got)-1] != stage {
				t.Errorf("stages after failure ran: %v", got)
			}
			if len(f.player.played) != 0 {
				t.Error("nothing may be played after a failed stage")
			}
			if f.reply.text != "" {
				t.Error("partial reply must be discarded")
			}
			if f.app.State() != Failed {
				t.Errorf("expected Failed, got %s", f.app.State())
			}
			if f.status.errMsg != stage+" failed" {
				t.Errorf("unexpected status message %q", f.status.errMsg)
			}
			if !errors.Is(f.app.LastError(), err) {
				t.Error("LastError should hold the failure")
			}
		})
	}
}

func TestTranscodeFailureSkipsNetwork(t *testing.T) {
	f := newFixture(t)
	f.app.codec = &mockTranscoder{err: errs.New(errs.KindDecode, errs.CodeDecode, "bad audio")}

	_, err := f.app.Ask(context.Background(), []byte("x"), "audio/webm")
	if errs.KindOf(err) != errs.KindDecode {
		t.Fatalf("expected decode error, got %v", err)
	}
	if len(f.backend.stages()) != 0 {
		t.Error("no remote stage may run after transcode fails")
	}
}

func TestOverlappingTurnsRejected(t *testing.T) {
	f := newFixture(t)
	f.backend.block = make(chan struct{})

	f.app.StartCapture()
	if err := f.app.StartCapture(); !errors.Is(err, errs.ErrBusy) {
		t.Fatalf("expected busy while capturing, got %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := f.app.FinishCapture(context.Background())
		done <- err
	}()

	// Wait until the turn is blocked in transcription
	for i := 0; i < 100 && f.app.State() != Transcribing; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	if f.app.State() != Transcribing {
		t.Fatalf("expected Transcribing, got %s", f.app.State())
	}

	if err := f.app.StartCapture(); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("expected busy during transcription, got %v", err)
	}
	if _, err := f.app.Ask(context.Background(), []byte("x"), "audio/wav"); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("expected busy for Ask, got %v", err)
	}

	close(f.backend.block)
	if err := <-done; err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	// A finished turn frees the assistant
	if err := f.app.StartCapture(); err != nil {
		t.Errorf("expected new turn to start, got %v", err)
	}
}

func TestFinishWithoutCapture(t *testing.T) {
	f := newFixture(t)

	if _, err := f.app.FinishCapture(context.Background()); errs.KindOf(err) != errs.KindInvalid {
		t.Errorf("expected invalid state error, got %v", err)
	}
}

func TestStartCaptureHardwareFailure(t *testing.T) {
	f := newFixture(t)
	f.rec.startErr = errs.Hardware("Microphone not available", nil)

	if err := f.app.StartCapture(); !errors.Is(err, errs.ErrHardwareUnavailable) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if f.app.State() != Failed {
		t.Errorf("expected Failed, got %s", f.app.State())
	}
	if f.status.errMsg != "Microphone not available" {
		t.Errorf("unexpected status message %q", f.status.errMsg)
	}
}

func TestToggleModeTrigger(t *testing.T) {
	f := newFixture(t)
	f.cfg.Mode = config.ModeToggle

	f.app.OnTrigger(true)
	if f.app.State() != Capturing {
		t.Fatal("App should be capturing after first press")
	}

	// Release does nothing in Toggle mode
	f.app.OnTrigger(false)
	if f.app.State() != Capturing {
		t.Error("App should still be capturing after release in Toggle mode")
	}

	f.app.OnTrigger(true)
	waitForState(t, f.app, Done)
}

func TestPushToTalkTrigger(t *testing.T) {
	f := newFixture(t)
	f.cfg.Mode = config.ModePushToTalk

	// Release when idle does nothing
	f.app.OnTrigger(false)
	if f.app.State() != Idle {
		t.Fatal("App should not start capture on release")
	}

	f.app.OnTrigger(true)
	if f.app.State() != Capturing {
		t.Fatal("App should be capturing while pressed")
	}

	f.app.OnTrigger(false)
	waitForState(t, f.app, Done)
}

func waitForState(t *testing.T, a *App, want State) {
	t.Helper()
	for i := 0; i < 100; i++ { // Poll for 1 second
		if a.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %s, got %s", want, a.State())
}

func TestSetLanguagePersists(t *testing.T) {
	f := newFixture(t)

	if err := f.app.SetLanguage(hub.LangArabic); err != nil {
		t.Fatalf("SetLanguage failed: %v", err)
	}
	if f.backend.lang != hub.LangArabic || f.app.Language() != hub.LangArabic {
		t.Error("language not applied")
	}

	if err := f.app.SetLanguage("fr"); errs.CodeOf(err) != 400 {
		t.Errorf("expected invalid language, got %v", err)
	}
	if f.app.Language() != hub.LangArabic {
		t.Error("invalid language must not replace the current one")
	}
}

func TestSetDeviceSwitchesRecorder(t *testing.T) {
	f := newFixture(t)

	if err := f.app.SetDevice("USB Headset"); err != nil {
		t.Fatalf("SetDevice failed: %v", err)
	}
	if f.rec.device != "USB Headset" || f.cfg.Audio.DeviceID != "USB Headset" {
		t.Errorf("device not applied: recorder %q, config %q", f.rec.device, f.cfg.Audio.DeviceID)
	}

	f.rec.deviceErr = errs.Hardware("Microphone not found: Gone", nil)
	if err := f.app.SetDevice("Gone"); !errors.Is(err, errs.ErrHardwareUnavailable) {
		t.Fatalf("expected hardware error, got %v", err)
	}
	if f.cfg.Audio.DeviceID != "USB Headset" {
		t.Error("a device that could not be opened must not be saved")
	}

	f.rec.deviceErr = nil
	f.app.StartCapture()
	if err := f.app.SetDevice("Other"); !errors.Is(err, errs.ErrBusy) {
		t.Errorf("expected busy while capturing, got %v", err)
	}
}

func TestExpiredCredentialLogsInAgain(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/login":
			io.WriteString(w, `{"token":"tok","version":"1.4"}`)
		case "/api/asr-google":
			io.WriteString(w, `{"text":"what is this"}`)
		case "/api/chat":
			io.WriteString(w, `{"response":"a lens"}`)
		case "/api/tts":
			io.WriteString(w, `{"text":"a lens","audioUrl":"/audio/1.mp3"}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	now := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	tokens := token.NewStore(token.NewMemKV()).WithClock(clock)
	client, err := hub.New(hub.Config{BaseURL: srv.URL + "/api"}, tokens, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	client.WithClock(clock)

	cfg := config.Default()
	cfg.Recording.SaveDir = ""
	a := New(Config{
		Transcoder: &mockTranscoder{},
		Backend:    client,
		Auth:       hub.Session{Client: client, Email: "user@example.com", Password: "pw"},
		Player:     &mockPlayer{},
		Config:     cfg,
		Logger:     zerolog.Nop(),
	})

	logins := func() int {
		mu.Lock()
		defer mu.Unlock()
		return hits["/api/login"]
	}

	for i := 0; i < 2; i++ {
		if _, err := a.Ask(context.Background(), []byte("x"), "audio/wav"); err != nil {
			t.Fatalf("turn %d failed: %v", i, err)
		}
	}
	if n := logins(); n != 1 {
		t.Fatalf("expected one login within the validity window, got %d", n)
	}

	now = now.Add(31 * time.Minute)

	turn, err := a.Ask(context.Background(), []byte("x"), "audio/wav")
	if err != nil {
		t.Fatalf("turn after expiry failed: %v", err)
	}
	if turn.Reply != "a lens" {
		t.Errorf("unexpected reply %q", turn.Reply)
	}
	if n := logins(); n != 2 {
		t.Errorf("expected exactly one new login after expiry, got %d", n)
	}
}

func TestLoginFailureAbortsTurn(t *testing.T) {
	f := newFixture(t)
	f.app.auth = authFunc(func(context.Context) error {
		return errs.New(errs.KindAuth, 401, "Invalid credentials")
	})

	_, err := f.app.Ask(context.Background(), []byte("x"), "audio/wav")
	if errs.KindOf(err) != errs.KindAuth {
		t.Fatalf("expected auth error, got %v", err)
	}
	if len(f.backend.stages()) != 0 {
		t.Error("no remote stage may run without a credential")
	}
	if f.app.State() != Failed {
		t.Errorf("expected Failed, got %s", f.app.State())
	}
}

type authFunc func(context.Context) error

func (f authFunc) Authenticate(ctx context.Context) error { return f(ctx) }

// Silence end to end: a real capture controller, the real transcode
// pipeline and the real hub client against a fake hub.
type silentMic struct{}

func (silentMic) ID() string   { return "mic" }
func (silentMic) Name() string { return "Silent Mic" }

type silentSink struct {
	onData func([]byte)
	done   chan error
}

func (s *silentSink) MIMEType() string { return transcode.RawPCMType(48000, 2, "f32le") }

func (s *silentSink) Start(onData func([]byte)) error {
	s.onData = onData
	return nil
}

func (s *silentSink) Stop() <-chan error {
	s.done <- nil
	return s.done
}

type silentBackend struct {
	sink *silentSink
}

func (b *silentBackend) Acquire(string) (audio.Microphone, error) { return silentMic{}, nil }

func (b *silentBackend) OpenSink(audio.Microphone, *audio.SinkOptions) (audio.Sink, error) {
	b.sink = &silentSink{done: make(chan error, 1)}
	return b.sink, nil
}

func (b *silentBackend) ListDevices() ([]audio.AudioDevice, error) { return nil, nil }
func (b *silentBackend) Close() error                              { return nil }

func TestSilentRecordingSurfacesCannotHearMessage(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	var mu sync.Mutex
	hits := map[string]int{}
	var uploaded int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		mu.Unlock()

		if r.URL.Path == "/api/asr-google" {
			if f, _, err := r.FormFile("audio"); err == nil {
				data, _ := io.ReadAll(f)
				mu.Lock()
				uploaded = len(data)
				mu.Unlock()
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"text": ""})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response":"should not happen"}`)
	}))
	defer srv.Close()

	tokens := token.NewStore(token.NewMemKV())
	if _, err := tokens.Save("tok", time.Now().Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	client, err := hub.New(hub.Config{BaseURL: srv.URL + "/api", Language: hub.LangArabic}, tokens, zerolog.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}

	capBackend := &silentBackend{}
	ctl := audio.NewController(capBackend, silentMic{}, nil, zerolog.Nop(), nil)
	status := &mockStatus{}
	player := &mockPlayer{}
	cfg := config.Default()
	cfg.Language = hub.LangArabic
	cfg.Recording.SaveDir = t.TempDir()

	a := New(Config{
		Recorder:      ctl,
		Transcoder:    transcode.NewPipeline(transcode.NewDecoder()),
		Backend:       client,
		Player:        player,
		Config:        cfg,
		Logger:        zerolog.Nop(),
		StatusUpdater: status,
	})

	if err := a.StartCapture(); err != nil {
		t.Fatalf("StartCapture failed: %v", err)
	}

	// Two seconds of stereo silence in 100ms fragments
	fragment := transcode.InterleaveF32(make([]float32, 4800*2))
	for i := 0; i < 20; i++ {
		capBackend.sink.onData(fragment)
	}

	_, err = a.FinishCapture(context.Background())
	e, ok := errs.As(err)
	if !ok {
		t.Fatalf("expected normalized error, got %v", err)
	}
	if e.Message != hub.CannotHearMessage(hub.LangArabic) || e.Code != 400 {
		t.Errorf("unexpected error %q (code %d)", e.Message, e.Code)
	}
	if status.errMsg != hub.CannotHearMessage(hub.LangArabic) {
		t.Errorf("status shows %q", status.errMsg)
	}

	mu.Lock()
	defer mu.Unlock()
	if hits["/api/asr-google"] != 1 {
		t.Errorf("expected one transcription request, got %d", hits["/api/asr-google"])
	}
	if hits["/api/chat"] != 0 || hits["/api/tts"] != 0 {
		t.Errorf("chat or synthesis was called: %v", hits)
	}
	// All-silent input trims to a single sample
	if uploaded != 44+2 {
		t.Errorf("expected a one-sample WAV upload, got %d bytes", uploaded)
	}
	if len(player.played) != 0 {
		t.Error("nothing may be played")
	}
	if a.State() != Failed {
		t.Errorf("expected Failed, got %s", a.State())
	}
}
