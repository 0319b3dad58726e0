package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/teemow/schedulefewer/internal/calendar"
	"github.com/teemow/schedulefewer/internal/instrumentation"
	"github.com/teemow/schedulefewer/internal/mcp/oauth"
)

// ServerContext holds shared state for the MCP server: the OAuth handler,
// per-user Calendar clients and the metrics recorder. Calendar clients are
// created lazily per authenticated user and cached.
type ServerContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	oauthHandler    *oauth.Handler
	calendarClients map[string]*calendar.Client // keyed by user_id
	metrics         *instrumentation.Metrics

	mu       sync.RWMutex
	shutdown bool
}

// NewServerContext creates a new server context.
func NewServerContext(ctx context.Context, oauthHandler *oauth.Handler, metrics *instrumentation.Metrics) (*ServerContext, error) {
	if oauthHandler == nil {
		return nil, fmt.Errorf("oauth handler is required")
	}
	if metrics == nil {
		metrics = &instrumentation.Metrics{}
	}

	shutdownCtx, cancel := context.WithCancel(ctx)

	return &ServerContext{
		ctx:             shutdownCtx,
		cancel:          cancel,
		oauthHandler:    oauthHandler,
		calendarClients: make(map[string]*calendar.Client),
		metrics:         metrics,
	}, nil
}

// Context returns the server context
func (sc *ServerContext) Context() context.Context {
	return sc.ctx
}

// OAuthHandler returns the OAuth handler.
func (sc *ServerContext) OAuthHandler() *oauth.Handler {
	return sc.oauthHandler
}

// Metrics returns the metrics recorder. Never nil.
func (sc *ServerContext) Metrics() *instrumentation.Metrics {
	return sc.metrics
}

// CalendarClientForUser returns the Calendar client for the given user,
// creating and caching one backed by the user's upstream credentials. It
// fails when the user has no cached Google tokens.
func (sc *ServerContext) CalendarClientForUser(ctx context.Context, userID string) (*calendar.Client, error) {
	if userID == "" {
		return nil, fmt.Errorf("user ID is required")
	}

	sc.mu.RLock()
	client, ok := sc.calendarClients[userID]
	sc.mu.RUnlock()
	if ok {
		return client, nil
	}

	source, err := sc.oauthHandler.UpstreamTokenSourceForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("no Google credentials for this user, authorize first: %w", err)
	}

	client, err = calendar.NewClient(sc.ctx, userID, source)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar client: %w", err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	// Another request may have raced us here; prefer the cached one.
	if existing, ok := sc.calendarClients[userID]; ok {
		return existing, nil
	}
	sc.calendarClients[userID] = client
	return client, nil
}

// SetCalendarClientForUser sets the Calendar client for a user, used by tests.
func (sc *ServerContext) SetCalendarClientForUser(userID string, client *calendar.Client) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.calendarClients[userID] = client
}

// IsShutdown returns whether the server has been shutdown
func (sc *ServerContext) IsShutdown() bool {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.shutdown
}

// Shutdown shuts down the server context
func (sc *ServerContext) Shutdown() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if sc.shutdown {
		return nil
	}

	sc.shutdown = true
	sc.cancel()
	return nil
}
