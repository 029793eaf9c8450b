package security

import (
	"crypto"
	"errors"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	// ErrInvalidToken is returned when a token is malformed, badly signed, expired, or
	// issued for another issuer or audience.
	ErrInvalidToken = errors.New("invalid token")
	// ErrNoSigningKey is returned when a provider is built without key material.
	ErrNoSigningKey = errors.New("no signing key configured")
)

// SessionClaims are the signed fields of a session token. Expiry is token level and independent
// of the session's own expiry; a valid token never proves the session is still live.
type SessionClaims struct {
	jwt.RegisteredClaims
	SessionID   string   `json:"sessionId"`
	Permissions []string `json:"permissions"`
}

// TokenProvider issues and validates session tokens signed with RS256, ES256 (key pair) or
// HS256 (shared secret).
type TokenProvider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	issuer    string
	audience  string
	ttl       time.Duration
	now       func() time.Time
}

// NewTokenProvider returns a TokenProvider that signs with privateKey (RSA or ECDSA P-256).
func NewTokenProvider(privateKey crypto.Signer, publicKey crypto.PublicKey, issuer, audience string, ttl time.Duration) (*TokenProvider, error) {
	if privateKey == nil || publicKey == nil {
		return nil, ErrNoSigningKey
	}
	var method jwt.SigningMethod
	switch KeyAlg(privateKey.Public()) {
	case "RS256":
		method = jwt.SigningMethodRS256
	case "ES256":
		method = jwt.SigningMethodES256
	default:
		return nil, ErrInvalidKey
	}
	return newProvider(method, privateKey, publicKey, issuer, audience, ttl), nil
}

// NewHMACTokenProvider returns a TokenProvider that signs with HS256 using secret.
func NewHMACTokenProvider(secret []byte, issuer, audience string, ttl time.Duration) (*TokenProvider, error) {
	if len(secret) < 32 {
		return nil, ErrNoSigningKey
	}
	return newProvider(jwt.SigningMethodHS256, secret, secret, issuer, audience, ttl), nil
}

func newProvider(method jwt.SigningMethod, signKey, verifyKey any, issuer, audience string, ttl time.Duration) *TokenProvider {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenProvider{
		method:    method,
		signKey:   signKey,
		verifyKey: verifyKey,
		issuer:    issuer,
		audience:  audience,
		ttl:       ttl,
		now:       time.Now,
	}
}

// WithClock replaces the provider's time source. Used by tests.
func (p *TokenProvider) WithClock(now func() time.Time) *TokenProvider {
	cp := *p
	cp.now = now
	return &cp
}

// Alg returns the JWT algorithm the provider signs with.
func (p *TokenProvider) Alg() string { return p.method.Alg() }

// Issue signs a token for sessionID carrying permissions and returns it with its expiry.
func (p *TokenProvider) Issue(sessionID string, permissions []string) (token string, expiresAt time.Time, err error) {
	if sessionID == "" {
		return "", time.Time{}, ErrInvalidToken
	}
	now := p.now().UTC()
	expiresAt = now.Add(p.ttl)
	claims := SessionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   sessionID,
			Issuer:    p.issuer,
			Audience:  jwt.ClaimStrings{p.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		SessionID:   sessionID,
		Permissions: slices.Clone(permissions),
	}
	token, err = jwt.NewWithClaims(p.method, claims).SignedString(p.signKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// Validate parses tokenString and checks signature, algorithm, exp, iss and aud.
// Any failure returns ErrInvalidToken.
func (p *TokenProvider) Validate(tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (any, error) { return p.verifyKey, nil },
		jwt.WithValidMethods([]string{p.method.Alg()}),
		jwt.WithIssuer(p.issuer),
		jwt.WithAudience(p.audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(p.now),
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.SessionID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
