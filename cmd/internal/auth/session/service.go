package session

import (
	"context"
	"strings"
	"time"
)

// Service implements the session operations the chat gateway depends on.
//
// It validates access tokens presented at socket handshake and on mid-session
// credential swaps. Revocation and refresh rotation live in the auth service.
type Service struct {
	cfg    Config
	tokens AccessTokenManager
}

// NewService constructs a Service with the provided configuration and token manager.
func NewService(cfg Config, tokens AccessTokenManager) *Service {
	return &Service{cfg: cfg, tokens: tokens}
}

// NewServiceFromConfig builds a Service backed by the JWT manager.
func NewServiceFromConfig(cfg Config) (*Service, error) {
	tokens, err := NewJWTManager(cfg)
	if err != nil {
		return nil, err
	}
	return NewService(cfg, tokens), nil
}

// IssueAccessToken issues a short-lived access token.
func (s *Service) IssueAccessToken(userID, sessionID string, now time.Time) (token string, exp time.Time, err error) {
	return s.tokens.Issue(userID, sessionID, now)
}

// ValidateAccessToken verifies an access token.
func (s *Service) ValidateAccessToken(ctx context.Context, token string, now time.Time) (AccessClaims, error) {
	if err := ctx.Err(); err != nil {
		return AccessClaims{}, err
	}
	token = strings.TrimSpace(token)
	// Basic sanity bounds to avoid pathological inputs.
	if token == "" || len(token) > 8192 {
		return AccessClaims{}, ErrInvalidToken
	}
	return s.tokens.Verify(token, now)
}

// ValidateRefresh verifies a replacement token for an authenticated connection.
// The new token must belong to the same user as the current one.
func (s *Service) ValidateRefresh(ctx context.Context, current AccessClaims, token string, now time.Time) (AccessClaims, error) {
	next, err := s.ValidateAccessToken(ctx, token, now)
	if err != nil {
		return AccessClaims{}, err
	}
	if next.UserID != current.UserID {
		return AccessClaims{}, ErrUserMismatch
	}
	return next, nil
}
