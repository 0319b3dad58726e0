package oauth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims are the claims carried by access tokens minted by this server.
type AccessClaims struct {
	Scope    string `json:"scope,omitempty"`
	ClientID string `json:"client_id"`
	AuthTime int64  `json:"auth_time,omitempty"`

	jwt.RegisteredClaims
}

// JSONWebKey is a single RSA public key in JWK form (RFC 7517).
type JSONWebKey struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// JSONWebKeySet is the document served on the JWKS endpoint.
type JSONWebKeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// SigningKey holds the RSA key pair used to sign and verify access tokens.
// The key is generated on first use and lives only in memory, so every
// process restart invalidates all outstanding access tokens. Refresh tokens
// are opaque and survive for their own TTL, which keeps clients working
// across restarts without re-consenting.
type SigningKey struct {
	issuer string

	mu  sync.Mutex
	key *rsa.PrivateKey
	kid string

	now func() time.Time
}

// NewSigningKey creates a signing key for the given issuer. Key material is
// generated lazily on first sign or JWKS request.
func NewSigningKey(issuer string) *SigningKey {
	return &SigningKey{
		issuer: issuer,
		now:    time.Now,
	}
}

func (s *SigningKey) ensureKey() (*rsa.PrivateKey, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.key != nil {
		return s.key, s.kid, nil
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate signing key: %w", err)
	}

	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	sum := sha256.Sum256(der)
	s.key = key
	s.kid = base64.RawURLEncoding.EncodeToString(sum[:8])

	return s.key, s.kid, nil
}

// Sign mints a signed access token for the given subject and audience.
// Expiry is authTime-independent: the token lives AccessTokenTTL from now.
func (s *SigningKey) Sign(subject, audience, scope, clientID string, authTime time.Time) (string, error) {
	key, kid, err := s.ensureKey()
	if err != nil {
		return "", err
	}

	now := s.now()
	claims := AccessClaims{
		Scope:    scope,
		ClientID: clientID,
		AuthTime: authTime.Unix(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates an access token, returning its claims.
// Expired tokens and tokens signed with any other key both fail.
func (s *SigningKey) Verify(tokenString string) (*AccessClaims, error) {
	key, _, err := s.ensureKey()
	if err != nil {
		return nil, err
	}

	claims := &AccessClaims{}
	_, err = jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired: %w", err)
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	return claims, nil
}

// JWKS returns the public half of the signing key as a JWK set.
func (s *SigningKey) JWKS() (*JSONWebKeySet, error) {
	key, kid, err := s.ensureKey()
	if err != nil {
		return nil, err
	}

	pub := &key.PublicKey
	return &JSONWebKeySet{
		Keys: []JSONWebKey{{
			Kty: "RSA",
			Use: "sig",
			Kid: kid,
			Alg: "RS256",
			N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	}, nil
}

// generateSecureToken returns a cryptographically random URL-safe string.
// Used for client IDs, authorization codes, refresh tokens and upstream
// correlation state.
func generateSecureToken(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(bytes), nil
}
