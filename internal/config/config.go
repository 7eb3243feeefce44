package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	ModePushToTalk = "PushToTalk"
	ModeToggle     = "Toggle"

	BackendHub    = "hub"
	BackendOpenAI = "openai"
)

type Config struct {
	Mode      string          `json:"mode" yaml:"mode"` // "PushToTalk" or "Toggle"
	Language  string          `json:"language" yaml:"language"`
	Backend   string          `json:"backend" yaml:"backend"` // "hub" or "openai"
	Hub       HubConfig       `json:"hub" yaml:"hub"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
	Audio     AudioConfig     `json:"audio" yaml:"audio"`
	Recording RecordingConfig `json:"recording" yaml:"recording"`
	Camera    CameraConfig    `json:"camera" yaml:"camera"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	CopyReply bool            `json:"copy_reply" yaml:"copy_reply"`

	path string
}

type HubConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	Email          string        `json:"email" yaml:"email"`
	Password       string        `json:"-" yaml:"-"`
	ChatEndpoint   string        `json:"chat_endpoint" yaml:"chat_endpoint"`     // "chat" or "gpt"
	SpeechEndpoint string        `json:"speech_endpoint" yaml:"speech_endpoint"` // "tts" or "tts-open-ai"
	Voice          string        `json:"voice" yaml:"voice"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`
}

type OpenAIConfig struct {
	APIKey          string `json:"-" yaml:"-"`
	TranscribeModel string `json:"transcribe_model" yaml:"transcribe_model"`
	ChatModel       string `json:"chat_model" yaml:"chat_model"`
	SpeechModel     string `json:"speech_model" yaml:"speech_model"`
	Voice           string `json:"voice" yaml:"voice"`
	SystemPrompt    string `json:"system_prompt" yaml:"system_prompt"`
}

type AudioConfig struct {
	DeviceID          string `json:"device_id" yaml:"device_id"`
	PreferredRate     int    `json:"preferred_rate" yaml:"preferred_rate"`
	PreferredChannels int    `json:"preferred_channels" yaml:"preferred_channels"`
}

type RecordingConfig struct {
	SaveDir string `json:"save_dir" yaml:"save_dir"` // empty disables saving
}

type CameraConfig struct {
	DeviceID string `json:"device_id" yaml:"device_id"`
	Facing   string `json:"facing" yaml:"facing"`
	Mirror   bool   `json:"mirror" yaml:"mirror"`
	LensID   string `json:"lens_id" yaml:"lens_id"`
	GroupID  string `json:"group_id" yaml:"group_id"`
}

type MetricsConfig struct {
	Address string `json:"address" yaml:"address"` // empty disables the listener
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Mode:     ModePushToTalk,
		Language: "en",
		Backend:  BackendHub,
		Hub: HubConfig{
			BaseURL:        "https://www.5d-ai-hub.com/api",
			ChatEndpoint:   "chat",
			SpeechEndpoint: "tts",
			Timeout:        30 * time.Second,
		},
		OpenAI: OpenAIConfig{
			TranscribeModel: "whisper-1",
			ChatModel:       "gpt-4o-mini",
			SpeechModel:     "tts-1",
			Voice:           "alloy",
		},
		Audio: AudioConfig{
			PreferredRate:     48000,
			PreferredChannels: 2,
		},
		Recording: RecordingConfig{
			SaveDir: filepath.Join(dataDir(), "lens-assistant", "recordings"),
		},
		Camera: CameraConfig{
			Facing: "environment",
		},
		LogLevel: "info",
	}
}

// Load reads the config from disk or returns defaults, then applies
// .env and environment overrides.
func Load() (*Config, error) {
	return LoadFrom(configPath())
}

// LoadFrom reads the config at path. Paths ending in .yaml or .yml are
// parsed as YAML, anything else as JSON. A missing file is not an error.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	if data, err := os.ReadFile(path); err == nil {
		if err := cfg.unmarshal(data); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	// Missing .env is fine
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) unmarshal(data []byte) error {
	if c.isYAML() {
		return yaml.Unmarshal(data, c)
	}
	return json.Unmarshal(data, c)
}

func (c *Config) isYAML() bool {
	ext := strings.ToLower(filepath.Ext(c.path))
	return ext == ".yaml" || ext == ".yml"
}

func (c *Config) applyEnv() {
	overrides := map[string]*string{
		"LENS_HUB_URL":   &c.Hub.BaseURL,
		"LENS_EMAIL":     &c.Hub.Email,
		"LENS_PASSWORD":  &c.Hub.Password,
		"LENS_LANGUAGE":  &c.Language,
		"LENS_BACKEND":   &c.Backend,
		"LENS_LOG_LEVEL": &c.LogLevel,
		"OPENAI_API_KEY": &c.OpenAI.APIKey,
	}
	for key, dst := range overrides {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if c.Mode != ModePushToTalk && c.Mode != ModeToggle {
		return fmt.Errorf("mode must be %s or %s, got %q", ModePushToTalk, ModeToggle, c.Mode)
	}
	if c.Language != "en" && c.Language != "ar" {
		return fmt.Errorf("language must be en or ar, got %q", c.Language)
	}
	switch c.Backend {
	case BackendHub:
		if err := c.Hub.Validate(); err != nil {
			return fmt.Errorf("hub config: %w", err)
		}
	case BackendOpenAI:
		if err := c.OpenAI.Validate(); err != nil {
			return fmt.Errorf("openai config: %w", err)
		}
	default:
		return fmt.Errorf("backend must be %s or %s, got %q", BackendHub, BackendOpenAI, c.Backend)
	}
	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}
	return nil
}

func (h HubConfig) Validate() error {
	if h.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if h.ChatEndpoint != "chat" && h.ChatEndpoint != "gpt" {
		return fmt.Errorf("chat_endpoint must be chat or gpt, got %q", h.ChatEndpoint)
	}
	if h.SpeechEndpoint != "tts" && h.SpeechEndpoint != "tts-open-ai" {
		return fmt.Errorf("speech_endpoint must be tts or tts-open-ai, got %q", h.SpeechEndpoint)
	}
	if h.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

func (o OpenAIConfig) Validate() error {
	if o.APIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required for the openai backend")
	}
	return nil
}

func (a AudioConfig) Validate() error {
	if a.PreferredRate < 0 {
		return fmt.Errorf("preferred_rate must not be negative, got %d", a.PreferredRate)
	}
	if a.PreferredChannels < 0 || a.PreferredChannels > 2 {
		return fmt.Errorf("preferred_channels must be 0, 1 or 2, got %d", a.PreferredChannels)
	}
	return nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		path = configPath()
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	if c.isYAML() {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Path returns the file this config was loaded from.
func (c *Config) Path() string {
	return c.path
}

// configPath returns the platform-specific config file path
func configPath() string {
	return filepath.Join(configDir(), "lens-assistant", "config.json")
}

// StatePath returns the platform-specific path for persisted client state
// such as the cached credential.
func StatePath() string {
	return filepath.Join(dataDir(), "lens-assistant", "state.json")
}

func configDir() string {
	switch runtime.GOOS {
	case "darwin":
		return os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		return os.Getenv("APPDATA")
	default: // linux
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return xdg
		}
		return os.Getenv("HOME") + "/.config"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return os.Getenv("HOME") + "/Library/Application Support"
	case "windows":
		return os.Getenv("LOCALAPPDATA")
	default:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return xdg
		}
		return os.Getenv("HOME") + "/.local/share"
	}
}
