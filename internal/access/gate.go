// Package access implements the server's access control gate: it
// resolves usernames to stored credentials, decrypts inbound envelopes
// with them, and answers per-type access questions. Unknown users and
// decryption failures both fail closed behind one generic error so
// callers cannot tell which part failed.
package access

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"ledgerstore/internal/models"
	"ledgerstore/internal/secure"
	"ledgerstore/internal/storage"
)

// DefaultCredentialTTL bounds how long a cached credential is reused
// before the next storage lookup. Credential changes are not pushed to
// the cache; a stale entry can survive up to this long.
const DefaultCredentialTTL = 5 * time.Minute

// ErrUnauthorized is the single error surfaced for unknown users and
// failed decryptions alike.
var ErrUnauthorized = errors.New("unauthorized")

// UserSource resolves usernames to stored credentials.
type UserSource interface {
	User(ctx context.Context, username string) (*models.UserProfile, error)
}

type cacheEntry struct {
	profile *models.UserProfile
	fetched time.Time
}

// Gate authenticates envelopes and authorizes operations. Safe for
// concurrent use; each server process owns exactly one instance.
type Gate struct {
	source UserSource
	codec  *secure.Codec
	ttl    time.Duration
	log    *zap.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// New creates a Gate. ttl <= 0 selects DefaultCredentialTTL.
func New(source UserSource, codec *secure.Codec, ttl time.Duration, log *zap.Logger) *Gate {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	return &Gate{
		source: source,
		codec:  codec,
		ttl:    ttl,
		log:    log,
		cache:  make(map[string]cacheEntry),
	}
}

// Credential returns the stored credential for username, serving from
// the time-bounded cache when possible. An unknown user is reported as
// ErrUnauthorized.
func (g *Gate) Credential(ctx context.Context, username string) (*models.UserProfile, error) {
	g.mu.Lock()
	entry, ok := g.cache[username]
	g.mu.Unlock()
	if ok && time.Since(entry.fetched) < g.ttl {
		return entry.profile, nil
	}

	profile, err := g.source.User(ctx, username)
	if errors.Is(err, storage.ErrNotFound) {
		g.log.Warn("credential lookup for unknown user", zap.String("user", username))
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.cache[username] = cacheEntry{profile: profile, fetched: time.Now()}
	g.mu.Unlock()
	return profile, nil
}

// DecryptRequest resolves the envelope's sender and decrypts the
// payload with their wire secret. Both failure modes collapse into
// ErrUnauthorized.
func (g *Gate) DecryptRequest(ctx context.Context, msg *models.SecureMessage) ([]byte, *models.UserProfile, error) {
	profile, err := g.Credential(ctx, msg.Username)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return nil, nil, ErrUnauthorized
		}
		return nil, nil, err
	}

	plaintext, err := g.codec.Decrypt(msg, profile.PasswordHash)
	if err != nil {
		g.log.Warn("request decryption failed", zap.String("user", msg.Username))
		return nil, nil, ErrUnauthorized
	}
	return plaintext, profile, nil
}

// HasAccessRight reports whether username may perform action on
// typeName. The reserved admin user always passes; unknown users never
// do.
func (g *Gate) HasAccessRight(ctx context.Context, username, typeName string, action models.Action) bool {
	profile, err := g.Credential(ctx, username)
	if err != nil {
		return false
	}
	return profile.HasRight(typeName, action)
}
