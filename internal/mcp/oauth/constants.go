package oauth

import "time"

// Token and flow lifetimes
const (
	// AuthorizationRequestTTL is how long a pending authorization request may
	// wait for the upstream callback (10 minutes)
	AuthorizationRequestTTL = 10 * time.Minute

	// AuthorizationCodeTTL is how long authorization codes are valid (10 minutes)
	AuthorizationCodeTTL = 10 * time.Minute

	// AccessTokenTTL is the access token expiry (1 hour)
	AccessTokenTTL = 1 * time.Hour

	// RefreshTokenTTL is the refresh token expiry (24 hours)
	RefreshTokenTTL = 24 * time.Hour

	// DefaultSweepInterval is how often expired codes and tokens are purged.
	// Every read path also checks expiry, so the sweep only bounds memory.
	DefaultSweepInterval = 1 * time.Hour

	// DefaultRateLimitCleanupInterval is how often inactive rate limiters are removed
	DefaultRateLimitCleanupInterval = 5 * time.Minute

	// UpstreamRefreshThreshold is how soon before expiry a cached Google
	// token is refreshed instead of handed out as-is
	UpstreamRefreshThreshold = 5 * time.Minute
)

// Token generation constants
const (
	// MinCodeVerifierLength is the minimum length for PKCE code_verifier (RFC 7636)
	MinCodeVerifierLength = 43

	// MaxCodeVerifierLength is the maximum length for PKCE code_verifier (RFC 7636)
	MaxCodeVerifierLength = 128

	// OpaqueTokenBytes is the entropy of generated opaque tokens (codes,
	// refresh tokens, state values, client IDs): 32 bytes = 256 bits
	OpaqueTokenBytes = 32
)

// Protocol capabilities
var (
	// SupportedGrantTypes are the grant types this server supports
	SupportedGrantTypes = []string{"authorization_code", "refresh_token"}

	// SupportedResponseTypes are the response types this server supports
	SupportedResponseTypes = []string{"code"}

	// SupportedCodeChallengeMethods lists the PKCE methods we accept.
	// Only S256; "plain" violates OAuth 2.1 and is rejected outright.
	SupportedCodeChallengeMethods = []string{"S256"}

	// SupportedTokenAuthMethods are the token endpoint auth methods.
	// Public clients only; PKCE is the sole proof of possession.
	SupportedTokenAuthMethods = []string{"none"}
)
