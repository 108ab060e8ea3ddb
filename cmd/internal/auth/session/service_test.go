package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestService(t *testing.T, ttl time.Duration) *Service {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Secret = []byte(strings.Repeat("s", 32))
	cfg.AccessTokenTTL = ttl
	cfg.ClockSkew = 0

	svc, err := NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}
	return svc
}

func TestJWT_IssueAndVerify(t *testing.T) {
	svc := newTestService(t, time.Hour)

	now := time.Now().UTC()
	tok, exp, err := svc.IssueAccessToken("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := svc.ValidateAccessToken(context.Background(), tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "sess-1" {
		t.Fatalf("claims mismatch: %+v", claims)
	}
	if !claims.ExpiresAt.Equal(exp) {
		t.Fatalf("exp mismatch: claims=%v issued=%v", claims.ExpiresAt, exp)
	}
}

func TestJWT_Expired(t *testing.T) {
	svc := newTestService(t, time.Minute)

	now := time.Now().UTC()
	tok, _, err := svc.IssueAccessToken("user-1", "sess-1", now.Add(-2*time.Hour))
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = svc.ValidateAccessToken(context.Background(), tok, now)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("expected ErrTokenExpired, got %v", err)
	}
}

func TestJWT_WrongSecret(t *testing.T) {
	a := newTestService(t, time.Hour)

	cfg := DefaultConfig()
	cfg.Secret = []byte(strings.Repeat("x", 32))
	b, err := NewServiceFromConfig(cfg)
	if err != nil {
		t.Fatalf("NewServiceFromConfig: %v", err)
	}

	now := time.Now().UTC()
	tok, _, err := a.IssueAccessToken("user-1", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := b.ValidateAccessToken(context.Background(), tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if _, err := a.ValidateAccessToken(context.Background(), "not-a-token", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
	}
}

func TestValidateRefresh_UserMismatch(t *testing.T) {
	svc := newTestService(t, time.Hour)
	now := time.Now().UTC()

	current := AccessClaims{UserID: "user-1"}
	other, _, err := svc.IssueAccessToken("user-2", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ValidateRefresh(context.Background(), current, other, now); !errors.Is(err, ErrUserMismatch) {
		t.Fatalf("expected ErrUserMismatch, got %v", err)
	}

	same, _, err := svc.IssueAccessToken("user-1", "", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := svc.ValidateRefresh(context.Background(), current, same, now); err != nil {
		t.Fatalf("ValidateRefresh: %v", err)
	}
}
