package main

import (
	"context"
	"flag"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/app"
	"github.com/petems/lens-assistant/internal/audio"
	"github.com/petems/lens-assistant/internal/camera"
	"github.com/petems/lens-assistant/internal/config"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/logging"
	"github.com/petems/lens-assistant/internal/metrics"
	"github.com/petems/lens-assistant/internal/openaiapi"
	"github.com/petems/lens-assistant/internal/permissions"
	"github.com/petems/lens-assistant/internal/playback"
	"github.com/petems/lens-assistant/internal/token"
	"github.com/petems/lens-assistant/internal/transcode"
	"github.com/petems/lens-assistant/internal/tray"
)

var (
	// Version is set via ldflags at build time
	Version = "dev"
	// Commit is set via ldflags at build time
	Commit = "unknown"
)

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: lens-assistant [-config FILE] [command]

Commands:
  run                 start the tray assistant (default)
  transcode IN OUT    convert an audio file to mono 44.1kHz 16-bit WAV
  ask FILE            run one assistant turn over an audio file
  version             print the version
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", "", "config file (JSON, or YAML by extension)")
	flag.Usage = usage
	flag.Parse()

	// Load config from XDG/Library/AppData
	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFrom(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		// Use default logger if config fails to load
		log := logging.New()
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	cmd := "run"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "run":
		err = runTray(ctx, cfg, log)
	case "transcode":
		if len(args) != 2 {
			usage()
			os.Exit(2)
		}
		err = runTranscode(ctx, args[0], args[1], log)
	case "ask":
		if len(args) != 1 {
			usage()
			os.Exit(2)
		}
		err = runAsk(ctx, cfg, args[0], log)
	case "version":
		fmt.Printf("lens-assistant %s (%s)\n", Version, Commit)
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatal().Err(err).Str("command", cmd).Msg("Command failed")
	}
}

func runTray(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	// macOS requires explicit microphone approval before capture works
	if err := permissions.EnsurePermissions(log); err != nil {
		return err
	}

	m := startMetrics(ctx, cfg, log)

	backend, auth, err := newBackend(ctx, cfg, log, m)
	if err != nil {
		return err
	}

	// Initialize audio capture
	capture, err := audio.NewPortAudio()
	if err != nil {
		return err
	}
	defer capture.Close()

	// The microphone is acquired once; without one every turn fails with
	// a hardware error the tray can show.
	mic, err := capture.Acquire(cfg.Audio.DeviceID)
	if err != nil {
		log.Error().Err(err).Msg("No microphone available")
		mic = nil
	}
	recorder := audio.NewController(capture, mic, &audio.SinkOptions{
		SampleRate: cfg.Audio.PreferredRate,
		Channels:   cfg.Audio.PreferredChannels,
	}, log, m)

	player, closePlayer, err := newPlayer(log)
	if err != nil {
		return err
	}
	defer closePlayer()

	cam, err := camera.Bootstrap(ctx, camera.HeadlessKit{Log: log}, camera.FFmpegDevices{}, camera.Options{
		DeviceID: cfg.Camera.DeviceID,
		Facing:   cfg.Camera.Facing,
		Mirror:   cfg.Camera.Mirror,
		LensID:   cfg.Camera.LensID,
		GroupID:  cfg.Camera.GroupID,
	}, log)
	if err != nil {
		return err
	}
	defer cam.Close()

	// Create tray UI first (we'll pass it to app)
	trayUI := tray.New(nil, cfg, Version, Commit, log) // App reference set below

	// Create app with tray as status updater
	application := app.New(app.Config{
		Recorder:      recorder,
		Transcoder:    transcode.NewPipeline(transcode.NewDecoder()),
		Backend:       backend,
		Auth:          auth,
		Player:        player,
		Reply:         replySink(cfg),
		Camera:        cam,
		Devices:       capture.ListDevices,
		Config:        cfg,
		Logger:        log,
		Metrics:       m,
		StatusUpdater: trayUI,
	})

	// Set app reference in tray
	trayUI.SetApp(application)

	log.Info().Str("version", Version).Str("backend", cfg.Backend).Msg("Lens Assistant starting...")

	// Start tray UI - MUST run on main thread
	err = trayUI.Run(ctx)

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := application.Shutdown(shutdownCtx); serr != nil {
		log.Error().Err(serr).Msg("Shutdown error")
	}
	return err
}

func runTranscode(ctx context.Context, in, out string, log zerolog.Logger) error {
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}

	norm, err := transcode.NewPipeline(transcode.NewDecoder()).Transcode(ctx, data, mimeFor(in))
	if err != nil {
		return err
	}

	if err := os.WriteFile(out, norm.WAV, 0644); err != nil {
		return err
	}
	log.Info().Str("out", out).Float64("seconds", norm.Duration()).Int("samples", len(norm.Samples)).Msg("Transcoded")
	return nil
}

func runAsk(ctx context.Context, cfg *config.Config, path string, log zerolog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	m := startMetrics(ctx, cfg, log)

	backend, auth, err := newBackend(ctx, cfg, log, m)
	if err != nil {
		return err
	}

	player, closePlayer, err := newPlayer(log)
	if err != nil {
		return err
	}
	defer closePlayer()

	application := app.New(app.Config{
		Transcoder: transcode.NewPipeline(transcode.NewDecoder()),
		Backend:    backend,
		Auth:       auth,
		Player:     player,
		Reply:      replySink(cfg),
		Config:     cfg,
		Logger:     log,
		Metrics:    m,
	})

	turn, err := application.Ask(ctx, data, mimeFor(path))
	if err != nil {
		return fmt.Errorf("%s", app.Message(err))
	}

	fmt.Printf("You: %s\nAssistant: %s\n", turn.Transcript, turn.Reply)
	if turn.WAVPath != "" {
		fmt.Printf("Recording: %s\n", turn.WAVPath)
	}
	return nil
}

// newBackend builds the configured backend and the authenticator the app
// calls before each turn. The hub session is logged in once up front so bad
// credentials fail at startup.
func newBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (app.Backend, app.Authenticator, error) {
	if cfg.Backend == config.BackendOpenAI {
		b, err := openaiapi.New(openaiapi.Config{
			APIKey:          cfg.OpenAI.APIKey,
			TranscribeModel: cfg.OpenAI.TranscribeModel,
			ChatModel:       cfg.OpenAI.ChatModel,
			SpeechModel:     cfg.OpenAI.SpeechModel,
			Voice:           cfg.OpenAI.Voice,
			SystemPrompt:    cfg.OpenAI.SystemPrompt,
			Language:        cfg.Language,
		}, log, m)
		if err != nil {
			return nil, nil, err
		}
		return b, b, nil
	}

	tokens := token.NewStore(token.NewFileKV(config.StatePath()))
	client, err := hub.New(hub.Config{
		BaseURL:        cfg.Hub.BaseURL,
		ChatEndpoint:   cfg.Hub.ChatEndpoint,
		SpeechEndpoint: cfg.Hub.SpeechEndpoint,
		Voice:          cfg.Hub.Voice,
		Timeout:        cfg.Hub.Timeout,
		Language:       cfg.Language,
	}, tokens, log, m)
	if err != nil {
		return nil, nil, err
	}

	res, err := client.Login(ctx, cfg.Hub.Email, cfg.Hub.Password)
	if err != nil {
		return nil, nil, fmt.Errorf("login failed: %w", err)
	}
	log.Info().Bool("cached", res.Cached).Str("version", res.Version).Msg("Logged in to hub")
	return client, hub.Session{Client: client, Email: cfg.Hub.Email, Password: cfg.Hub.Password}, nil
}

func newPlayer(log zerolog.Logger) (*playback.Player, func(), error) {
	out, err := playback.NewPortAudioOutput()
	if err != nil {
		return nil, nil, err
	}
	p := playback.New(transcode.NewDecoder(), out, playback.LogVisemes{Log: log}, log)
	return p, func() { out.Close() }, nil
}

func replySink(cfg *config.Config) app.ReplySink {
	if !cfg.CopyReply {
		return nil
	}
	return playback.ClipboardSink{}
}

func startMetrics(ctx context.Context, cfg *config.Config, log zerolog.Logger) *metrics.Metrics {
	m := metrics.New()
	if cfg.Metrics.Address != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Address, log); err != nil {
				log.Error().Err(err).Msg("Metrics listener failed")
			}
		}()
	}
	return m
}

func mimeFor(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}
