package session

import (
	"net/http"
	"strings"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

// AccessClaims is the minimal identity envelope propagated across HTTP/WS.
type AccessClaims struct {
	UserID    string
	SessionID string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Issuer    string
}

// Verifier checks access tokens.
type Verifier interface {
	Verify(token string, now time.Time) (AccessClaims, error)
}

// PasetoV4 verifies PASETO v4.public access tokens, and issues them when
// built from a secret key.
type PasetoV4 struct {
	issuer    string
	ttl       time.Duration
	clockSkew time.Duration

	secret   paseto.V4AsymmetricSecretKey
	canIssue bool
	public   paseto.V4AsymmetricPublicKey
}

func NewPasetoV4(cfg Config) (*PasetoV4, error) {
	m := &PasetoV4{
		issuer:    cfg.Issuer,
		ttl:       cfg.AccessTokenTTL,
		clockSkew: cfg.ClockSkew,
	}
	if m.issuer == "" || m.ttl <= 0 {
		return nil, ErrConfig
	}

	switch {
	case cfg.PasetoV4SecretKeyHex != "":
		secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.secret = secret
		m.canIssue = true
		m.public = secret.Public()
	case cfg.PasetoV4PublicKeyHex != "":
		public, err := paseto.NewV4AsymmetricPublicKeyFromHex(cfg.PasetoV4PublicKeyHex)
		if err != nil {
			return nil, ErrConfig
		}
		m.public = public
	default:
		return nil, ErrConfig
	}
	return m, nil
}

func (m *PasetoV4) PublicKeyHex() string {
	return m.public.ExportHex()
}

// Issue mints a token for userID. Used by dev tooling and tests.
func (m *PasetoV4) Issue(userID, sessionID string, now time.Time) (string, time.Time, error) {
	if !m.canIssue {
		return "", time.Time{}, ErrCannotIssue
	}
	exp := now.Add(m.ttl)

	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetIssuedAt(now)
	tok.SetNotBefore(now)
	tok.SetExpiration(exp)

	_ = tok.Set("uid", userID)
	if sessionID != "" {
		_ = tok.Set("sid", sessionID)
	}

	return tok.V4Sign(m.secret, nil), exp, nil
}

func (m *PasetoV4) Verify(token string, now time.Time) (AccessClaims, error) {
	if token == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	// Validate slightly in the future to tolerate "nbf" drift between hosts.
	validNow := now.Add(m.clockSkew)

	p := paseto.NewParser()
	p.AddRule(paseto.IssuedBy(m.issuer))
	p.AddRule(paseto.NotExpired())
	p.AddRule(paseto.ValidAt(validNow))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	uid, err := parsed.GetString("uid")
	if err != nil || strings.TrimSpace(uid) == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	sid, _ := parsed.GetString("sid")
	iss, _ := parsed.GetIssuer()
	exp, _ := parsed.GetExpiration()
	iat, _ := parsed.GetIssuedAt()

	return AccessClaims{
		UserID:    uid,
		SessionID: sid,
		ExpiresAt: exp,
		IssuedAt:  iat,
		Issuer:    iss,
	}, nil
}

// BearerToken extracts the token from "Authorization: Bearer ...", falling
// back to the "token" query parameter for browser WebSocket clients.
func BearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw != "" {
		parts := strings.SplitN(raw, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

var _ Verifier = (*PasetoV4)(nil)
