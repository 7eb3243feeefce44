package token

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/petems/lens-assistant/internal/errs"
)

var epoch = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

type brokenKV struct{}

func (brokenKV) Get(string) ([]byte, bool, error) { return nil, false, errors.New("permission denied") }
func (brokenKV) Set(string, []byte) error         { return errors.New("permission denied") }

func TestIsValid(t *testing.T) {
	for _, offset := range []time.Duration{-time.Hour, -time.Second, 0} {
		c := &Credential{Token: "t", ExpiresAt: epoch.Add(offset)}
		if IsValid(c, epoch) {
			t.Errorf("credential expiring at now%+v should be invalid", offset)
		}
	}
	for _, offset := range []time.Duration{time.Nanosecond, time.Minute, 30 * time.Minute} {
		c := &Credential{Token: "t", ExpiresAt: epoch.Add(offset)}
		if !IsValid(c, epoch) {
			t.Errorf("credential expiring at now+%v should be valid", offset)
		}
	}
	if IsValid(nil, epoch) {
		t.Error("nil credential should be invalid")
	}
}

func TestSaveThenGet(t *testing.T) {
	kv := NewMemKV()
	s := NewStore(kv).WithClock(func() time.Time { return epoch })

	if _, err := s.Save("abc", epoch.Add(30*time.Minute)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	c, err := s.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c == nil || c.Token != "abc" {
		t.Fatalf("expected credential abc, got %+v", c)
	}

	// A fresh store over the same storage sees the persisted copy
	other := NewStore(kv).WithClock(func() time.Time { return epoch })
	c, err = other.Get()
	if err != nil || c == nil || c.Token != "abc" {
		t.Fatalf("expected persisted credential, got %+v, %v", c, err)
	}
}

func TestGetExpired(t *testing.T) {
	now := epoch
	s := NewStore(NewMemKV()).WithClock(func() time.Time { return now })

	if _, err := s.Save("abc", epoch.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	now = epoch.Add(2 * time.Minute)
	c, err := s.Get()
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if c != nil {
		t.Errorf("expected no credential after expiry, got %+v", c)
	}
}

func TestGetStorageFailure(t *testing.T) {
	s := NewStore(brokenKV{})

	_, err := s.Get()
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if errors.Is(err, errs.ErrNotAuthenticated) {
		t.Error("storage failure must not look like a missing login")
	}

	if _, err := s.Save("abc", time.Now().Add(time.Hour)); errs.KindOf(err) != errs.KindStorage {
		t.Errorf("expected storage kind from Save, got %v", err)
	}
}

func TestFileKVRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	kv := NewFileKV(path)

	if _, ok, err := kv.Get(StorageKey); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	s := NewStore(kv).WithClock(func() time.Time { return epoch })
	if _, err := s.Save("file-token", epoch.Add(time.Hour)); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("state file missing: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	c, err := NewStore(NewFileKV(path)).WithClock(func() time.Time { return epoch }).Get()
	if err != nil || c == nil || c.Token != "file-token" {
		t.Fatalf("expected file-token, got %+v, %v", c, err)
	}
}

func TestFileKVCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := NewStore(NewFileKV(path)).Get()
	if errs.KindOf(err) != errs.KindStorage {
		t.Errorf("expected storage error for unreadable state, got %v", err)
	}
}
