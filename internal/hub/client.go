// Package hub is the client for the assistant hub REST API: login,
// transcription, chat completion and speech synthesis.
package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/petems/lens-assistant/internal/errs"
	"github.com/petems/lens-assistant/internal/metrics"
	"github.com/petems/lens-assistant/internal/token"
)

// TokenValidity is how long a fresh login is trusted by the client.
const TokenValidity = 30 * time.Minute

// CachedVersion is the Version reported by a Login served from the token store.
const CachedVersion = "cached"

// Config contains hub client configuration
type Config struct {
	BaseURL        string
	ChatEndpoint   string // "chat" or "gpt"
	SpeechEndpoint string // "tts" or "tts-open-ai"
	Voice          string
	ChatOptions    map[string]any // extra fields sent to the gpt endpoint
	Timeout        time.Duration
	Language       string
}

// Shape declares how a success body is interpreted.
type Shape int

const (
	// ShapeJSON requires a JSON body.
	ShapeJSON Shape = iota
	// ShapeText takes the body as raw text.
	ShapeText
	// ShapeJSONOrText decodes JSON when the body parses and otherwise
	// falls back to the raw text.
	ShapeJSONOrText
)

// Payload is an encoded request body.
type Payload struct {
	Body        []byte
	ContentType string
	Accept      string
}

// Result is a decoded success response.
type Result struct {
	Status int
	Raw    string
	// JSON reports whether the body was decoded into the caller's value.
	JSON bool
}

type Client struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	tokens  *token.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu   sync.RWMutex
	lang string
}

// New creates a hub client. m may be nil.
func New(cfg Config, tokens *token.Store, log zerolog.Logger, m *metrics.Metrics) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token store is required")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.ChatEndpoint == "" {
		cfg.ChatEndpoint = "chat"
	}
	if cfg.SpeechEndpoint == "" {
		cfg.SpeechEndpoint = "tts"
	}
	if cfg.Language == "" {
		cfg.Language = LangEnglish
	}
	if _, err := ASRLanguage(cfg.Language); err != nil {
		return nil, err
	}

	return &Client{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		log:     log.With().Str("component", "hub").Logger(),
		metrics: m,
		now:     time.Now,
		lang:    cfg.Language,
	}, nil
}

// WithHTTPClient replaces the underlying HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

// WithClock replaces the time source used to stamp new credentials.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// SetLanguage switches the transcription language ("en" or "ar").
func (c *Client) SetLanguage(lang string) error {
	if _, err := ASRLanguage(lang); err != nil {
		c.log.Error().Str("language", lang).Msg("Invalid language code selected")
		return err
	}
	c.mu.Lock()
	c.lang = lang
	c.mu.Unlock()
	return nil
}

func (c *Client) Language() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lang
}

// Login returns the cached credential when one is usable, otherwise it
// authenticates against the hub and stores the new token.
func (c *Client) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	cred, err := c.tokens.Get()
	if err != nil {
		return nil, err
	}
	if cred != nil {
		c.log.Info().Time("expires_at", cred.ExpiresAt).Msg("Using cached token")
		return &LoginResult{Token: cred.Token, Version: CachedVersion, Cached: true, ExpiresAt: cred.ExpiresAt}, nil
	}

	payload, err := JSONPayload(loginRequest{Email: email, Password: password})
	if err != nil {
		return nil, err
	}

	var resp LoginResult
	if _, err := c.do(ctx, "login", payload, "", ShapeJSON, &resp); err != nil {
		if e, ok := errs.As(err); ok && e.Code >= 400 && e.Code < 500 {
			e.Kind = errs.KindAuth
		}
		if errs.KindOf(err) == errs.KindDecode {
			return nil, errs.Wrap(errs.KindAuth, errs.CodeOf(err), "Malformed login response", err)
		}
		return nil, err
	}
	if resp.Token == "" {
		return nil, errs.New(errs.KindAuth, http.StatusBadGateway, "Malformed login response: missing token")
	}

	now := c.now()
	if err := rejectExpired(resp.Token, now); err != nil {
		c.log.Warn().Err(err).Msg("Hub returned an expired token")
		return nil, err
	}
	expiresAt := now.Add(TokenValidity)
	stored, err := c.tokens.Save(resp.Token, expiresAt)
	if err != nil {
		return nil, err
	}

	c.log.Info().Str("version", resp.Version).Time("expires_at", expiresAt).Msg("Login successful. Token cached.")
	resp.ExpiresAt = stored.ExpiresAt
	return &resp, nil
}

// Session logs a Client in with fixed credentials.
type Session struct {
	Client   *Client
	Email    string
	Password string
}

// Authenticate makes sure a usable credential is stored. Within the
// validity window it is answered from the token store without a request.
func (s Session) Authenticate(ctx context.Context) error {
	_, err := s.Client.Login(ctx, s.Email, s.Password)
	return err
}

// rejectExpired fails when tok is a JWT whose exp claim has already
// passed. The signature is not checked and the claim never shortens the
// stored validity window.
func rejectExpired(tok string, now time.Time) error {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.Time.After(now) {
		e := errs.New(errs.KindAuth, http.StatusUnauthorized, "Login returned an expired token")
		e.Details = "exp " + claims.ExpiresAt.Time.UTC().Format(time.RFC3339)
		return e
	}
	return nil
}

// AuthenticatedRequest posts payload to endpoint with the current bearer
// credential. It never logs in on its own: without a usable credential it
// fails with errs.ErrNotAuthenticated before any network call.
func (c *Client) AuthenticatedRequest(ctx context.Context, endpoint string, payload Payload, shape Shape, out any) (Result, error) {
	cred, err := c.tokens.Get()
	if err != nil {
		return Result{}, err
	}
	if cred == nil {
		return Result{}, errs.NotAuthenticated()
	}
	return c.do(ctx, endpoint, payload, cred.Token, shape, out)
}

func (c *Client) do(ctx context.Context, endpoint string, payload Payload, bearer string, shape Shape, out any) (Result, error) {
	target := c.baseURL.ResolveReference(&url.URL{Path: endpoint})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.String(), bytes.NewReader(payload.Body))
	if err != nil {
		return Result{}, errs.Wrap(errs.KindTransport, errs.CodeLocal, "Failed to create request", err)
	}
	req.Header.Set("Content-Type", payload.ContentType)
	if payload.Accept != "" {
		req.Header.Set("Accept", payload.Accept)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)

	log := c.log.With().Str("endpoint", endpoint).Str("request_id", requestID).Logger()
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		c.count(endpoint, errs.CodeLocal)
		log.Error().Err(err).Msg("Request failed")
		return Result{}, errs.Wrap(errs.KindTransport, errs.CodeLocal, "Network request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	c.count(endpoint, resp.StatusCode)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindTransport, resp.StatusCode, "Failed to read response body", err)
	}

	log.Debug().
		Int("status", resp.StatusCode).
		Dur("elapsed", time.Since(start)).
		Int("bytes", len(body)).
		Msg("Response received")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, statusError(resp.StatusCode, body)
	}

	return decodeBody(resp.StatusCode, body, shape, out)
}

func (c *Client) count(endpoint string, code int) {
	if c.metrics == nil {
		return
	}
	c.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

// statusError normalizes a non-success response, preferring the server's
// structured message.
func statusError(status int, body []byte) *errs.Error {
	kind := errs.KindTransport
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		kind = errs.KindAuth
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return errs.New(kind, status, "Unknown error")
	}
	msg := eb.Message
	if msg == "" {
		msg = fmt.Sprintf("HTTP error! status: %d", status)
	}
	e := errs.New(kind, status, msg)
	e.Details = eb.Details
	return e
}

func decodeBody(status int, body []byte, shape Shape, out any) (Result, error) {
	res := Result{Status: status, Raw: string(body)}

	switch shape {
	case ShapeText:
		return res, nil
	case ShapeJSONOrText:
		if out != nil && json.Unmarshal(body, out) == nil {
			res.JSON = true
		}
		return res, nil
	default:
		if out == nil {
			return res, nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return Result{}, errs.Wrap(errs.KindDecode, status, "Malformed response body", err)
		}
		res.JSON = true
		return res, nil
	}
}

// JSONPayload encodes v as a JSON request body.
func JSONPayload(v any) (Payload, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Payload{}, errs.Wrap(errs.KindInvalid, errs.CodeLocal, "Failed to encode request", err)
	}
	return Payload{Body: data, ContentType: "application/json"}, nil
}

// resolveAudioURL makes a relative audio URL absolute against the base URL.
func (c *Client) resolveAudioURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.IsAbs() {
		return raw
	}
	return c.baseURL.ResolveReference(u).String()
}

// IsNotAuthenticated reports whether err is a missing-credential failure.
func IsNotAuthenticated(err error) bool {
	return errors.Is(err, errs.ErrNotAuthenticated)
}
