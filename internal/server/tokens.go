package server

import (
	"crypto/rand"
	"errors"
	"log"

	"session-control-plane/backend/internal/config"
	"session-control-plane/backend/internal/security"
)

// NewTokenProvider builds the token signer from cfg. A private key selects RS256 or ES256;
// otherwise JWT_HMAC_SECRET selects HS256. Outside production, with neither configured, an
// ephemeral HMAC secret is generated and tokens do not survive a restart.
func NewTokenProvider(cfg *config.Config) (*security.TokenProvider, error) {
	switch {
	case cfg.JWTPrivateKey != "":
		priv, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
		if err != nil {
			return nil, err
		}
		return security.NewTokenProvider(priv, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL)
	case cfg.JWTHMACSecret != "":
		return security.NewHMACTokenProvider([]byte(cfg.JWTHMACSecret), cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL)
	case cfg.IsProduction():
		return nil, errors.New("no token signing key configured")
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}
	log.Printf("server: no JWT key configured; using an ephemeral HMAC secret")
	return security.NewHMACTokenProvider(secret, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL)
}
