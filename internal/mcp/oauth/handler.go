package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teemow/schedulefewer/internal/instrumentation"
)

// SecurityConfig holds the hardening switches of the authorization server.
type SecurityConfig struct {
	// RotateRefreshTokens invalidates the presented refresh token on every
	// refresh grant and issues a replacement. Off by default: clients that
	// lose the response would be locked out until re-consent.
	RotateRefreshTokens bool
}

// RateLimitConfig configures per-IP rate limiting of OAuth endpoints.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate allowed per client IP.
	// Zero disables rate limiting.
	RequestsPerSecond float64

	// Burst is the short-term burst allowance per client IP.
	Burst int

	// TrustProxy trusts X-Forwarded-For / X-Real-IP headers when resolving
	// the client IP. Only enable behind a proxy you control.
	TrustProxy bool
}

// Config configures the OAuth authorization server handler.
type Config struct {
	// BaseURL is the externally visible origin of this server, e.g.
	// "https://mcp.example.com". It becomes the issuer and the default
	// resource identifier.
	BaseURL string

	// Resource is the identifier access tokens are bound to. Defaults to
	// BaseURL + "/mcp".
	Resource string

	// SupportedScopes advertised in discovery metadata.
	SupportedScopes []string

	// Upstream describes the Google application this server bridges to.
	Upstream UpstreamConfig

	Security  SecurityConfig
	RateLimit RateLimitConfig

	// SweepInterval between expired-credential sweeps. Defaults to hourly.
	SweepInterval time.Duration

	// Metrics receives OAuth flow counters. A zero-value Metrics records
	// nothing, so leaving this nil is fine.
	Metrics *instrumentation.Metrics

	Logger *slog.Logger
}

// Handler implements the OAuth 2.1 authorization server endpoints and the
// bearer-token middleware guarding the MCP transport.
type Handler struct {
	config      Config
	store       *CredentialStore
	key         *SigningKey
	upstream    *UpstreamBridge
	rateLimiter *RateLimiter
	metrics     *instrumentation.Metrics
	logger      *slog.Logger

	now func() time.Time
}

// NewHandler validates the configuration and creates a handler.
func NewHandler(config Config) (*Handler, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "https" && !isLoopback(parsed.Hostname()) {
		return nil, fmt.Errorf("base URL must use HTTPS (got %q)", config.BaseURL)
	}
	if config.Upstream.ClientID == "" || config.Upstream.ClientSecret == "" {
		return nil, fmt.Errorf("upstream client credentials are required")
	}

	config.BaseURL = strings.TrimSuffix(config.BaseURL, "/")
	if config.Resource == "" {
		config.Resource = config.BaseURL + "/mcp"
	}
	if config.Upstream.RedirectURL == "" {
		config.Upstream.RedirectURL = config.BaseURL + "/oauth/upstream/callback"
	}
	if len(config.Upstream.Scopes) == 0 {
		config.Upstream.Scopes = DefaultUpstreamScopes
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = DefaultSweepInterval
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Metrics == nil {
		config.Metrics = &instrumentation.Metrics{}
	}

	var limiter *RateLimiter
	if config.RateLimit.RequestsPerSecond > 0 {
		limiter = NewRateLimiter(config.RateLimit, config.Logger)
	}

	return &Handler{
		config:      config,
		store:       NewCredentialStore(config.Logger),
		key:         NewSigningKey(config.BaseURL),
		upstream:    NewUpstreamBridge(config.Upstream),
		rateLimiter: limiter,
		metrics:     config.Metrics,
		logger:      config.Logger,
		now:         time.Now,
	}, nil
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// Start launches the background sweepers. They stop when ctx is done.
func (h *Handler) Start(ctx context.Context) {
	h.store.StartSweeping(ctx, h.config.SweepInterval)
	if h.rateLimiter != nil {
		h.rateLimiter.StartCleanup(ctx, DefaultRateLimitCleanupInterval)
	}
}

// RateLimit wraps a handler with the configured per-IP rate limiter. With
// rate limiting disabled it is a pass-through.
func (h *Handler) RateLimit(next http.Handler) http.Handler {
	return h.rateLimiter.Middleware(next)
}

// Store exposes the credential store, used by the upstream token provider
// and by health reporting.
func (h *Handler) Store() *CredentialStore {
	return h.store
}

// Upstream exposes the Google bridge.
func (h *Handler) Upstream() *UpstreamBridge {
	return h.upstream
}

// Resource returns the configured resource identifier.
func (h *Handler) Resource() string {
	return h.config.Resource
}

// ServeAuthorizationServerMetadata handles the RFC 8414 discovery endpoint.
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	base := h.config.BaseURL
	metadata := AuthorizationServerMetadata{
		Issuer:                            base,
		AuthorizationEndpoint:             base + "/oauth/authorize",
		TokenEndpoint:                     base + "/oauth/token",
		RegistrationEndpoint:              base + "/oauth/register",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ScopesSupported:                   h.config.SupportedScopes,
		ResponseTypesSupported:            SupportedResponseTypes,
		GrantTypesSupported:               SupportedGrantTypes,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     SupportedCodeChallengeMethods,
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeProtectedResourceMetadata handles the RFC 9728 discovery endpoint.
func (h *Handler) ServeProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := ProtectedResourceMetadata{
		Resource:               h.config.Resource,
		AuthorizationServers:   []string{h.config.BaseURL},
		BearerMethodsSupported: []string{"header"},
		JWKSURI:                h.config.BaseURL + "/.well-known/jwks.json",
		ScopesSupported:        h.config.SupportedScopes,
	}
	h.writeJSON(w, http.StatusOK, metadata)
}

// ServeJWKS handles the JWKS endpoint used by resource servers to verify
// access tokens.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	jwks, err := h.key.JWKS()
	if err != nil {
		h.logger.Error("failed to build JWKS", "error", err)
		h.writeOAuthError(w, ErrServerError("failed to build key set"))
		return
	}
	h.writeJSON(w, http.StatusOK, jwks)
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, oauthErr *OAuthError) {
	h.writeJSON(w, oauthErr.Status, ErrorResponse{
		Error:            oauthErr.Code,
		ErrorDescription: oauthErr.Description,
	})
}
