// Package openaiapi runs the assistant stages against the OpenAI API
// instead of the hub.
package openaiapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sashabaranov/go-openai"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/hub"
	"github.com/petems/lens-assistant/internal/metrics"
)

// Config contains OpenAI backend configuration
type Config struct {
	APIKey          string
	BaseURL         string // optional, for proxies and tests
	TranscribeModel string
	ChatModel       string
	SpeechModel     string
	Voice           string
	SystemPrompt    string
	Language        string
}

// Backend implements transcription, chat and speech with go-openai.
type Backend struct {
	client  *openai.Client
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu   sync.RWMutex
	lang string
}

// New creates an OpenAI backend. m may be nil.
func New(cfg Config, log zerolog.Logger, m *metrics.Metrics) (*Backend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if cfg.Language == "" {
		cfg.Language = hub.LangEnglish
	}
	if _, err := hub.ASRLanguage(cfg.Language); err != nil {
		return nil, err
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}

	return &Backend{
		client:  openai.NewClientWithConfig(oc),
		cfg:     cfg,
		log:     log.With().Str("component", "openai").Logger(),
		metrics: m,
		lang:    cfg.Language,
	}, nil
}

// SetLanguage switches the transcription language ("en" or "ar").
func (b *Backend) SetLanguage(lang string) error {
	if _, err := hub.ASRLanguage(lang); err != nil {
		return err
	}
	b.mu.Lock()
	b.lang = lang
	b.mu.Unlock()
	return nil
}

func (b *Backend) Language() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lang
}

// Transcribe sends a WAV recording to the transcription model.
// Authenticate is a no-op; the API key is sent with every request.
func (b *Backend) Authenticate(context.Context) error {
	return nil
}

func (b *Backend) Transcribe(ctx context.Context, wav []byte) (string, error) {
	lang := b.Language()
	resp, err := b.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    b.cfg.TranscribeModel,
		FilePath: "audio.wav",
		Reader:   bytes.NewReader(wav),
		Language: lang,
	})
	b.count("transcriptions", err)
	if err != nil {
		e := normalize(err)
		e.Message = hub.CannotHearMessage(lang)
		return "", e
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		e := errs.New(errs.KindInvalid, http.StatusBadRequest, hub.CannotHearMessage(lang))
		e.Err = hub.ErrEmptyTranscript
		return "", e
	}

	b.log.Info().Str("text", text).Msg("Transcription successful")
	return text, nil
}

// Chat returns the chat model's reply to text.
func (b *Backend) Chat(ctx context.Context, text string) (string, error) {
	var messages []openai.ChatCompletionMessage
	if b.cfg.SystemPrompt != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: b.cfg.SystemPrompt})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text})

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    b.cfg.ChatModel,
		Messages: messages,
	})
	b.count("chat", err)
	if err != nil {
		return "", normalize(err)
	}
	if len(resp.Choices) == 0 {
		return "", errs.New(errs.KindDecode, http.StatusBadGateway, "Chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Synthesize renders text to WAV audio. No viseme timeline is available
// from this backend.
func (b *Backend) Synthesize(ctx context.Context, text string) (*hub.Speech, error) {
	resp, err := b.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(b.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(b.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
	})
	b.count("speech", err)
	if err != nil {
		return nil, normalize(err)
	}
	defer resp.Close()

	audio, err := io.ReadAll(resp)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransport, errs.CodeLocal, "Failed to read speech audio", err)
	}
	return &hub.Speech{Text: text, Audio: audio, AudioMIME: "audio/wav"}, nil
}

func (b *Backend) count(endpoint string, err error) {
	if b.metrics == nil {
		return
	}
	code := http.StatusOK
	if err != nil {
		code = normalize(err).Code
	}
	b.metrics.APIRequests.WithLabelValues("openai/"+endpoint, fmt.Sprint(code)).Inc()
}

// normalize maps go-openai errors onto *errs.Error.
func normalize(err error) *errs.Error {
	if e, ok := errs.As(err); ok {
		return e
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return statusError(apiErr.HTTPStatusCode, apiErr.Message, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return statusError(reqErr.HTTPStatusCode, fmt.Sprintf("HTTP error! status: %d", reqErr.HTTPStatusCode), err)
	}
	return errs.Wrap(errs.KindTransport, errs.CodeLocal, "Network request failed", err)
}

func statusError(status int, message string, err error) *errs.Error {
	kind := errs.KindTransport
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = errs.KindAuth
	}
	if message == "" {
		message = fmt.Sprintf("HTTP error! status: %d", status)
	}
	return errs.Wrap(kind, status, message, err)
}
