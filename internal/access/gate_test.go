package access

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"ledgerstore/internal/models"
	"ledgerstore/internal/secure"
	"ledgerstore/internal/storage"
)

// countingSource records how often each username is resolved.
type countingSource struct {
	users map[string]*models.UserProfile
	calls map[string]int
}

func newCountingSource(users ...*models.UserProfile) *countingSource {
	s := &countingSource{
		users: make(map[string]*models.UserProfile),
		calls: make(map[string]int),
	}
	for _, u := range users {
		s.users[u.Username] = u
	}
	return s
}

func (s *countingSource) User(_ context.Context, username string) (*models.UserProfile, error) {
	s.calls[username]++
	u, ok := s.users[username]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return u, nil
}

func TestGate_UnknownUserFailsClosed(t *testing.T) {
	gate := New(newCountingSource(), secure.NewCodec(), 0, zap.NewNop())

	if _, err := gate.Credential(context.Background(), "ghost"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v; want ErrUnauthorized", err)
	}
	if gate.HasAccessRight(context.Background(), "ghost", "Invoice", models.ActionGet) {
		t.Error("unknown user must never hold a right")
	}
}

func TestGate_CredentialCache(t *testing.T) {
	source := newCountingSource(&models.UserProfile{Username: "alice", PasswordHash: "hash"})
	gate := New(source, secure.NewCodec(), time.Minute, zap.NewNop())

	for i := 0; i < 3; i++ {
		if _, err := gate.Credential(context.Background(), "alice"); err != nil {
			t.Fatalf("credential: %v", err)
		}
	}
	if source.calls["alice"] != 1 {
		t.Errorf("storage hit %d times; want 1", source.calls["alice"])
	}

	// Misses are not cached, so every lookup for an unknown user goes
	// back to storage.
	_, _ = gate.Credential(context.Background(), "ghost")
	_, _ = gate.Credential(context.Background(), "ghost")
	if source.calls["ghost"] != 2 {
		t.Errorf("unknown user hit storage %d times; want 2", source.calls["ghost"])
	}
}

func TestGate_DecryptRequest(t *testing.T) {
	codec := secure.NewCodec()
	source := newCountingSource(&models.UserProfile{Username: "alice", PasswordHash: "wire-secret"})
	gate := New(source, codec, 0, zap.NewNop())

	salt, err := secure.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	msg, err := codec.Encrypt("alice", []byte("GET:#:Invoice:#:1"), "wire-secret", salt, true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	plaintext, profile, err := gate.DecryptRequest(context.Background(), msg)
	if err != nil {
		t.Fatalf("decrypt request: %v", err)
	}
	if string(plaintext) != "GET:#:Invoice:#:1" {
		t.Errorf("plaintext = %q", plaintext)
	}
	if profile.Username != "alice" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestGate_DecryptRequestWrongSecret(t *testing.T) {
	codec := secure.NewCodec()
	source := newCountingSource(&models.UserProfile{Username: "alice", PasswordHash: "wire-secret"})
	gate := New(source, codec, 0, zap.NewNop())

	salt, err := secure.NewSalt()
	if err != nil {
		t.Fatalf("new salt: %v", err)
	}
	msg, err := codec.Encrypt("alice", []byte("GET:#:Invoice:#:1"), "attacker-secret", salt, true)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, _, err := gate.DecryptRequest(context.Background(), msg); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v; want ErrUnauthorized", err)
	}

	// Unknown sender collapses into the same error.
	msg.Username = "ghost"
	if _, _, err := gate.DecryptRequest(context.Background(), msg); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v; want ErrUnauthorized", err)
	}
}
