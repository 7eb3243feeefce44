package hub

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"

	"github.com/petems/lens-assistant/internal/errs"
)

// ErrEmptyTranscript marks a transcription that returned no text.
var ErrEmptyTranscript = errors.New("empty transcript")

// Transcribe uploads a WAV recording and returns the recognized text. Empty
// results and unexpected failures are reported with the localized
// "cannot hear you" message.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	lang := c.Language()
	asr, err := ASRLanguage(lang)
	if err != nil {
		return "", err
	}

	text, err := c.transcribe(ctx, asr, wav)
	if err != nil {
		if apiFailure(err) {
			return "", err
		}
		return "", errs.Wrap(errs.KindTransport, http.StatusInternalServerError, CannotHearMessage(lang), err)
	}

	if strings.TrimSpace(text) == "" {
		e := errs.New(errs.KindInvalid, http.StatusBadRequest, CannotHearMessage(lang))
		e.Err = ErrEmptyTranscript
		return "", e
	}

	c.log.Info().Str("text", text).Msg("Transcription successful")
	return text, nil
}

// apiFailure reports whether err came back from the hub itself: a missing
// credential or an HTTP error status. Everything else is local.
func apiFailure(err error) bool {
	e, ok := errs.As(err)
	if !ok {
		return false
	}
	switch {
	case errors.Is(err, errs.ErrNotAuthenticated), errors.Is(err, errs.ErrStorageUnavailable):
		return true
	case e.Kind == errs.KindDecode:
		return false
	default:
		return e.Code >= 400
	}
}

func (c *Client) transcribe(ctx context.Context, asrLanguage string, wav []byte) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	if err := mw.WriteField("language", asrLanguage); err != nil {
		return "", err
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="audio"; filename="audio.wav"`)
	h.Set("Content-Type", "audio/wav")
	fw, err := mw.CreatePart(h)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(wav); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	payload := Payload{Body: buf.Bytes(), ContentType: mw.FormDataContentType(), Accept: "application/json"}

	var out struct {
		Text string `json:"text"`
	}
	res, err := c.AuthenticatedRequest(ctx, "asr-google", payload, ShapeJSONOrText, &out)
	if err != nil {
		return "", err
	}
	if res.JSON {
		return out.Text, nil
	}
	return res.Raw, nil
}

// Chat sends the user's text to the configured chat endpoint and returns
// the reply text.
func (c *Client) Chat(ctx context.Context, text string) (string, error) {
	var body any
	if c.cfg.ChatEndpoint == "gpt" {
		req := make(map[string]any, len(c.cfg.ChatOptions)+1)
		for k, v := range c.cfg.ChatOptions {
			req[k] = v
		}
		req["transcription"] = text
		body = req
	} else {
		body = map[string]string{"text": text}
	}

	payload, err := JSONPayload(body)
	if err != nil {
		return "", err
	}

	var out struct {
		Response *string `json:"response"`
	}
	res, err := c.AuthenticatedRequest(ctx, c.cfg.ChatEndpoint, payload, ShapeJSONOrText, &out)
	if err != nil {
		return "", err
	}
	if !res.JSON {
		return res.Raw, nil
	}
	if out.Response == nil {
		return "", errs.New(errs.KindDecode, res.Status, "Malformed chat response: missing response field")
	}
	return *out.Response, nil
}

// Synthesize converts reply text to speech. The hub answers either with a
// JSON speech object or with the bare audio URL as text.
func (c *Client) Synthesize(ctx context.Context, text string) (*Speech, error) {
	body := map[string]string{"text": text}
	if c.cfg.SpeechEndpoint == "tts-open-ai" && c.cfg.Voice != "" {
		body["voice"] = c.cfg.Voice
	}

	payload, err := JSONPayload(body)
	if err != nil {
		return nil, err
	}

	var speech Speech
	res, err := c.AuthenticatedRequest(ctx, c.cfg.SpeechEndpoint, payload, ShapeJSONOrText, &speech)
	if err != nil {
		return nil, err
	}

	if !res.JSON {
		speech = Speech{Text: text, AudioURL: strings.Trim(strings.TrimSpace(res.Raw), `"`)}
	}
	if speech.AudioURL == "" {
		return nil, errs.New(errs.KindDecode, res.Status, "Malformed speech response: missing audio URL")
	}
	if speech.Text == "" {
		speech.Text = text
	}
	speech.AudioURL = c.resolveAudioURL(speech.AudioURL)
	return &speech, nil
}
