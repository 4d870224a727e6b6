package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/moto-dispatch/internal/models"
)

// ErrNoSession means the caller must sign in again.
var ErrNoSession = errors.New("no session")

type Session struct {
	UserID    string            `json:"user_id"`
	Role      models.SenderRole `json:"role"`
	Name      string            `json:"name,omitempty"`
	TokenID   string            `json:"-"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// Revoker remembers signed-out tokens until they would have expired anyway.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	Revoked(ctx context.Context, tokenID string) (bool, error)
}

type Authenticator struct {
	parser  *Parser
	revoker Revoker
}

func NewAuthenticator(parser *Parser, revoker Revoker) *Authenticator {
	return &Authenticator{parser: parser, revoker: revoker}
}

// Session resolves an Authorization header value.
func (a *Authenticator) Session(ctx context.Context, header string) (Session, error) {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		return Session{}, ErrNoSession
	}
	claims, err := a.parser.Parse(strings.TrimSpace(token))
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrNoSession, err)
	}
	revoked, err := a.revoker.Revoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, fmt.Errorf("%w: signed out", ErrNoSession)
	}
	s := Session{UserID: claims.Subject, Role: claims.Role, Name: claims.Name, TokenID: claims.ID}
	if claims.ExpiresAt != nil {
		s.ExpiresAt = claims.ExpiresAt.Time
	}
	return s, nil
}

func (a *Authenticator) SignOut(ctx context.Context, s Session) error {
	until := s.ExpiresAt
	if until.IsZero() {
		until = time.Now().Add(24 * time.Hour)
	}
	return a.revoker.Revoke(ctx, s.TokenID, until)
}

type ctxKey struct{}

func WithSession(ctx context.Context, s Session) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

func FromContext(ctx context.Context) (Session, bool) {
	s, ok := ctx.Value(ctxKey{}).(Session)
	return s, ok
}
