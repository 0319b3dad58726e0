package common

import (
	"context"
	"fmt"

	"github.com/teemow/schedulefewer/internal/mcp/oauth"
)

// UserIDFromContext extracts the authenticated user's stable Google ID
// from the access token claims placed in the context by the bearer
// middleware. Tool handlers key all per-user state off this ID.
func UserIDFromContext(ctx context.Context) (string, error) {
	claims := oauth.GetClaimsFromContext(ctx)
	if claims == nil || claims.Subject == "" {
		return "", fmt.Errorf("no authenticated user in request context")
	}
	return claims.Subject, nil
}
