package auth

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"golang.org/x/oauth2"
)

// ErrUnauthorized means there is no usable credential: either none is
// stored, or the refresh grant was rejected. The stored credential is
// already gone by the time this is returned; the only recovery is a
// fresh login.
var ErrUnauthorized = errors.New("auth: credential missing or rejected")

// refreshSkew is how much validity a token must have left to be used
// without refreshing first.
const refreshSkew = 60 * time.Second

// Credential is one user's token pair plus the correlation id that scopes
// auxiliary caches (remote listing cache entries die with the credential).
type Credential struct {
	CorrelationID string
	Token         oauth2.Token
}

// Valid reports whether the access token still has more than refreshSkew
// of validity left.
func (c *Credential) Valid(now time.Time) bool {
	return c.Token.AccessToken != "" &&
		(c.Token.Expiry.IsZero() || now.Before(c.Token.Expiry.Add(-refreshSkew)))
}

// NewCredential wraps a freshly granted token with a new correlation id.
func NewCredential(tok *oauth2.Token) *Credential {
	return &Credential{CorrelationID: shortuuid.New(), Token: *tok}
}

// Refresher is the token-endpoint surface the manager needs. Implemented by
// bitbucket.OAuthClient.
type Refresher interface {
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CredentialStore persists credentials keyed by correlation id.
// Implemented by the sqlite store.
type CredentialStore interface {
	GetCredential(ctx context.Context, correlationID string) (*Credential, error)
	PutCredential(ctx context.Context, cred *Credential) error
	DeleteCredential(ctx context.Context, correlationID string) error
}

// Manager owns the credential lifecycle: every remote-calling component
// routes through EnsureFresh instead of re-implementing refresh inline.
type Manager struct {
	refresher Refresher
	store     CredentialStore
}

// NewManager creates a credential lifecycle manager.
func NewManager(refresher Refresher, store CredentialStore) *Manager {
	return &Manager{refresher: refresher, store: store}
}

// EnsureFresh returns a credential with more than 60 seconds of validity
// left, refreshing and persisting a rotated token pair when needed. A failed
// refresh deletes the stored credential and returns ErrUnauthorized: retrying
// a dead refresh token only burns rate limit.
func (m *Manager) EnsureFresh(ctx context.Context, correlationID string) (*Credential, error) {
	cred, err := m.store.GetCredential(ctx, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}
	if cred == nil {
		return nil, ErrUnauthorized
	}
	if cred.Valid(time.Now()) {
		return cred, nil
	}
	if cred.Token.RefreshToken == "" {
		if err := m.store.DeleteCredential(ctx, correlationID); err != nil {
			log.Printf("auth: failed to delete expired credential %s: %v", correlationID, err)
		}
		return nil, ErrUnauthorized
	}

	tok, err := m.refresher.RefreshToken(ctx, cred.Token.RefreshToken)
	if err != nil {
		if delErr := m.store.DeleteCredential(ctx, correlationID); delErr != nil {
			log.Printf("auth: failed to delete rejected credential %s: %v", correlationID, delErr)
		}
		return nil, ErrUnauthorized
	}

	// Refresh tokens rotate; keep the old one only if the grant omitted a
	// replacement.
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.Token.RefreshToken
	}
	renewed := &Credential{CorrelationID: correlationID, Token: *tok}
	if err := m.store.PutCredential(ctx, renewed); err != nil {
		return nil, fmt.Errorf("failed to persist refreshed credential: %w", err)
	}
	return renewed, nil
}

// Invalidate deletes the stored credential. Called whenever the remote host
// answers 401, so the next operation surfaces ErrUnauthorized instead of
// looping on a dead token.
func (m *Manager) Invalidate(ctx context.Context, correlationID string) {
	if err := m.store.DeleteCredential(ctx, correlationID); err != nil {
		log.Printf("auth: failed to invalidate credential %s: %v", correlationID, err)
	}
}

// Login persists a freshly granted token pair and returns its credential.
func (m *Manager) Login(ctx context.Context, tok *oauth2.Token) (*Credential, error) {
	cred := NewCredential(tok)
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}
	return cred, nil
}
