package auth

import (
	"crypto/rsa"
	"time"

	"magg/internal/api"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTokenTTL is the validity window for issued tokens.
const DefaultTokenTTL = 24 * time.Hour

// Authenticator signs and validates bearer tokens with one RSA keypair.
type Authenticator struct {
	key      *rsa.PrivateKey
	issuer   string
	audience string
}

// NewAuthenticator creates an authenticator around key. A nil key means
// auth is disabled; use Enabled to check before wiring middleware.
func NewAuthenticator(key *rsa.PrivateKey, issuer, audience string) *Authenticator {
	return &Authenticator{key: key, issuer: issuer, audience: audience}
}

// Enabled reports whether a signing key is present.
func (a *Authenticator) Enabled() bool {
	return a != nil && a.key != nil
}

// IssueToken signs a token for subject, valid for ttl. Scopes are carried
// as an informational claim; nothing enforces them.
func (a *Authenticator) IssueToken(subject string, scopes []string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", api.Authf("no private key configured, auth is disabled")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": a.issuer,
		"aud": a.audience,
		"sub": subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(scopes) > 0 {
		claims["scopes"] = scopes
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", api.Authf("failed to sign token: %v", err)
	}
	return signed, nil
}

// VerifyToken validates a bearer token's signature, issuer, audience and
// expiry, returning its claims.
func (a *Authenticator) VerifyToken(tokenString string) (jwt.MapClaims, error) {
	if !a.Enabled() {
		return nil, api.Authf("no private key configured, auth is disabled")
	}

	token, err := jwt.Parse(tokenString,
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, api.Authf("unexpected signing method %v", token.Header["alg"])
			}
			return &a.key.PublicKey, nil
		},
		jwt.WithIssuer(a.issuer),
		jwt.WithAudience(a.audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		return nil, api.Authf("invalid token: %v", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, api.Authf("unexpected claims type")
	}
	return claims, nil
}
