// Package token persists the hub bearer credential.
package token

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/petems/lens-assistant/internal/errs"
)

// StorageKey is the fixed key the credential is persisted under.
const StorageKey = "aiToken"

// Credential is never mutated after creation; a new login replaces it.
type Credential struct {
	Token     string
	ExpiresAt time.Time
}

// record is the persisted shape.
type record struct {
	Token      string    `json:"token"`
	ExpiryTime time.Time `json:"expiryTime"`
}

// KV is durable key-value storage.
type KV interface {
	Get(key string) (value []byte, ok bool, err error)
	Set(key string, value []byte) error
}

// IsValid reports whether c exists and expires strictly after now.
func IsValid(c *Credential, now time.Time) bool {
	return c != nil && c.Token != "" && c.ExpiresAt.After(now)
}

type Store struct {
	kv      KV
	now     func() time.Time
	current atomic.Pointer[Credential]
}

func NewStore(kv KV) *Store {
	return &Store{kv: kv, now: time.Now}
}

// WithClock replaces the time source used for validity checks.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Get returns a usable credential from memory or durable storage. It
// returns (nil, nil) when none is usable and an errs.KindStorage error when
// storage could not be read.
func (s *Store) Get() (*Credential, error) {
	now := s.now()
	if c := s.current.Load(); IsValid(c, now) {
		return c, nil
	}

	data, ok, err := s.kv.Get(StorageKey)
	if err != nil {
		return nil, errs.Storage(err)
	}
	if !ok {
		return nil, nil
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as absent; the next login overwrites it.
		return nil, nil
	}

	c := &Credential{Token: rec.Token, ExpiresAt: rec.ExpiryTime}
	if !IsValid(c, now) {
		return nil, nil
	}
	s.current.Store(c)
	return c, nil
}

// Save persists a new credential and makes it current.
func (s *Store) Save(token string, expiresAt time.Time) (*Credential, error) {
	c := &Credential{Token: token, ExpiresAt: expiresAt}

	data, err := json.Marshal(record{Token: token, ExpiryTime: expiresAt})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	if err := s.kv.Set(StorageKey, data); err != nil {
		return nil, errs.Storage(err)
	}

	s.current.Store(c)
	return c, nil
}
