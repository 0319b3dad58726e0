package oauth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/teemow/schedulefewer/internal/logging"
)

type contextKey string

const claimsContextKey contextKey = "oauth_claims"

// GetClaimsFromContext returns the access token claims stored by the
// validation middleware, or nil when the request was not authenticated.
func GetClaimsFromContext(ctx context.Context) *AccessClaims {
	claims, _ := ctx.Value(claimsContextKey).(*AccessClaims)
	return claims
}

// ContextWithClaims stores claims in the context, exposed for tests.
func ContextWithClaims(ctx context.Context, claims *AccessClaims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ScopeAllows reports whether the granted scope string covers the required
// scope. An empty requirement always passes.
func ScopeAllows(granted, required string) bool {
	if required == "" {
		return true
	}
	for _, s := range strings.Fields(granted) {
		if s == required {
			return true
		}
	}
	return false
}

// authenticateRequest extracts and verifies the bearer token, checking the
// audience against the configured resource.
func (h *Handler) authenticateRequest(r *http.Request) (*AccessClaims, *OAuthError) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, ErrInvalidToken("missing Authorization header")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return nil, ErrInvalidToken("Authorization header must use the Bearer scheme")
	}

	claims, err := h.key.Verify(token)
	if err != nil {
		return nil, ErrInvalidToken("access token is invalid or expired")
	}

	audienceOK := false
	for _, aud := range claims.Audience {
		if aud == h.config.Resource {
			audienceOK = true
			break
		}
	}
	if !audienceOK {
		return nil, ErrInvalidToken("access token audience does not match this resource")
	}

	return claims, nil
}

func setWWWAuthenticate(w http.ResponseWriter, resource string, oauthErr *OAuthError) {
	value := fmt.Sprintf(`Bearer realm=%q, error=%q, error_description=%q`,
		resource, oauthErr.Code, oauthErr.Description)
	w.Header().Set("WWW-Authenticate", value)
}

// ValidateAccessToken guards an HTTP handler with bearer token validation.
// Verified claims are placed on the request context for downstream
// handlers. requiredScope may be empty.
func (h *Handler) ValidateAccessToken(requiredScope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, oauthErr := h.authenticateRequest(r)
		if oauthErr != nil {
			setWWWAuthenticate(w, h.config.Resource, oauthErr)
			h.writeOAuthError(w, oauthErr)
			return
		}

		if !ScopeAllows(claims.Scope, requiredScope) {
			oauthErr := ErrInsufficientScope(fmt.Sprintf("scope %q is required", requiredScope))
			setWWWAuthenticate(w, h.config.Resource, oauthErr)
			h.writeOAuthError(w, oauthErr)
			return
		}

		h.logger.Debug("authenticated request",
			logging.UserHash(claims.Subject),
			"path", r.URL.Path,
		)

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}
