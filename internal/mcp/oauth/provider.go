package oauth

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/teemow/schedulefewer/internal/instrumentation"
	"github.com/teemow/schedulefewer/internal/logging"
)

// UpstreamTokenForUser returns a usable Google token for the given user,
// refreshing the cached one when it is expired or about to expire. Tool
// handlers call this to build per-user Google API clients.
func (h *Handler) UpstreamTokenForUser(ctx context.Context, userID string) (*oauth2.Token, error) {
	token, ok := h.store.GetUpstreamTokens(userID)
	if !ok {
		return nil, fmt.Errorf("no upstream credentials for user")
	}

	if token.Expiry.IsZero() || h.now().Add(UpstreamRefreshThreshold).Before(token.Expiry) {
		return token, nil
	}

	fresh, err := h.upstream.RefreshToken(ctx, token)
	if err != nil {
		h.metrics.RecordUpstreamRefresh(ctx, instrumentation.StatusError)
		return nil, fmt.Errorf("failed to refresh upstream credentials: %w", err)
	}
	h.metrics.RecordUpstreamRefresh(ctx, instrumentation.StatusSuccess)
	h.store.SaveUpstreamTokens(userID, fresh)
	h.logger.Debug("refreshed upstream token", logging.UserHash(userID))
	return fresh, nil
}

// UpstreamTokenSourceForUser wraps UpstreamTokenForUser in an
// oauth2.TokenSource for Google API client construction.
func (h *Handler) UpstreamTokenSourceForUser(ctx context.Context, userID string) (oauth2.TokenSource, error) {
	token, err := h.UpstreamTokenForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return h.upstream.TokenSource(ctx, token), nil
}
