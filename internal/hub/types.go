package hub

import "time"

// LoginResult is returned by Login. Cached is set when the credential came
// from the token store and no request was made.
type LoginResult struct {
	Token     string    `json:"token"`
	Version   string    `json:"version"`
	Cached    bool      `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Viseme is one mouth-shape marker of a lip-sync timeline. Timestamp and
// Duration are in milliseconds from the start of the audio.
type Viseme struct {
	Timestamp float64 `json:"timestamp"`
	Value     string  `json:"value"`
	Duration  float64 `json:"duration"`
}

// Speech is a synthesized reply. Either AudioURL or Audio is set.
type Speech struct {
	Text     string   `json:"text"`
	AudioURL string   `json:"audioUrl"`
	Visemes  []Viseme `json:"visemeData"`

	Audio     []byte `json:"-"`
	AudioMIME string `json:"-"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type errorBody struct {
	Message string `json:"message"`
	Details string `json:"details"`
}
