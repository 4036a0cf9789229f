package session

import (
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"

	"github.com/vnioa/StudyMate-sub002/cmd/internal/chat"
)

func newIssuer(t *testing.T) (*PasetoV4, paseto.V4AsymmetricSecretKey) {
	t.Helper()
	secret := paseto.NewV4AsymmetricSecretKey()
	cfg := DefaultConfig()
	cfg.PasetoV4SecretKeyHex = secret.ExportHex()
	m, err := NewPasetoV4(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4: %v", err)
	}
	return m, secret
}

func TestPasetoV4_IssueAndVerify(t *testing.T) {
	t.Parallel()

	mgr, _ := newIssuer(t)
	now := time.Now().UTC()
	tok, exp, err := mgr.Issue("user-1", "sess-1", now)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.After(now) {
		t.Fatalf("expected exp after now")
	}

	claims, err := mgr.Verify(tok, now.Add(time.Second))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.SessionID != "sess-1" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestPasetoV4_PublicKeyOnlyVerifies(t *testing.T) {
	t.Parallel()

	issuer, secret := newIssuer(t)
	cfg := DefaultConfig()
	cfg.PasetoV4PublicKeyHex = secret.Public().ExportHex()
	verifier, err := NewPasetoV4(cfg)
	if err != nil {
		t.Fatalf("NewPasetoV4: %v", err)
	}

	now := time.Now().UTC()
	tok, _, _ := issuer.Issue("user-1", "", now)
	if _, err := verifier.Verify(tok, now); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if _, _, err := verifier.Issue("user-1", "", now); !errors.Is(err, ErrCannotIssue) {
		t.Fatalf("Issue err = %v, want ErrCannotIssue", err)
	}
}

func TestPasetoV4_RejectsExpiredAndForeign(t *testing.T) {
	t.Parallel()

	mgr, _ := newIssuer(t)
	other, _ := newIssuer(t)
	now := time.Now().UTC()

	tok, _, _ := mgr.Issue("user-1", "", now)
	if _, err := mgr.Verify(tok, now.Add(time.Hour)); !errors.Is(err, chat.ErrAuthRequired) {
		t.Fatalf("expired token err = %v", err)
	}
	if _, err := other.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign token err = %v", err)
	}
	if _, err := mgr.Verify("", now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty token err = %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest("GET", "/ws?token=q", nil)
	if got := BearerToken(r); got != "q" {
		t.Fatalf("query token = %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := BearerToken(r); got != "h" {
		t.Fatalf("header token = %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := BearerToken(r); got != "" {
		t.Fatalf("basic auth should yield empty token, got %q", got)
	}
}
