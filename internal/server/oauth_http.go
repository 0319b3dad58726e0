package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/schedulefewer/internal/mcp/oauth"
)

// OAuthHTTPServer serves the OAuth 2.1 authorization server endpoints and
// the bearer-guarded MCP transport on a single listener.
type OAuthHTTPServer struct {
	mcpServer     *mcpserver.MCPServer
	oauthHandler  *oauth.Handler
	serverContext *ServerContext
	healthChecker *HealthChecker
	httpServer    *http.Server
	logger        *slog.Logger
}

// NewOAuthHTTPServer creates the combined OAuth and MCP HTTP server.
func NewOAuthHTTPServer(mcpServer *mcpserver.MCPServer, sc *ServerContext, logger *slog.Logger) *OAuthHTTPServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &OAuthHTTPServer{
		mcpServer:     mcpServer,
		oauthHandler:  sc.OAuthHandler(),
		serverContext: sc,
		healthChecker: NewHealthChecker(sc),
		logger:        logger,
	}
}

// HealthChecker returns the health checker so callers can flip readiness.
func (s *OAuthHTTPServer) HealthChecker() *HealthChecker {
	return s.healthChecker
}

// Handler builds the full route table. Exposed for tests.
func (s *OAuthHTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	oh := s.oauthHandler

	// Discovery endpoints (RFC 8414, RFC 9728) and the JWKS used by
	// resource servers to verify access tokens.
	mux.Handle("/.well-known/oauth-authorization-server",
		oh.RateLimit(http.HandlerFunc(oh.ServeAuthorizationServerMetadata)))
	mux.Handle("/.well-known/oauth-protected-resource",
		oh.RateLimit(http.HandlerFunc(oh.ServeProtectedResourceMetadata)))
	mux.Handle("/.well-known/jwks.json",
		oh.RateLimit(http.HandlerFunc(oh.ServeJWKS)))

	// OAuth flow endpoints.
	mux.Handle("/oauth/register",
		oh.RateLimit(http.HandlerFunc(oh.ServeDynamicClientRegistration)))
	mux.Handle("/oauth/authorize",
		oh.RateLimit(http.HandlerFunc(oh.ServeAuthorization)))
	mux.Handle("/oauth/token",
		oh.RateLimit(http.HandlerFunc(oh.ServeToken)))
	mux.Handle("/oauth/upstream-token",
		oh.RateLimit(http.HandlerFunc(oh.ServeUpstreamToken)))

	// Upstream callback, plus a Google-named alias kept for OAuth app
	// configurations that registered the old path.
	mux.Handle("/oauth/upstream/callback",
		oh.RateLimit(http.HandlerFunc(oh.ServeUpstreamCallback)))
	mux.Handle("/oauth/google/callback",
		oh.RateLimit(http.HandlerFunc(oh.ServeUpstreamCallback)))

	// The MCP transport requires a valid bearer token.
	streamable := mcpserver.NewStreamableHTTPServer(s.mcpServer,
		mcpserver.WithEndpointPath("/mcp"),
	)
	mux.Handle("/mcp", oh.RateLimit(oh.ValidateAccessToken("", streamable)))

	s.healthChecker.RegisterHealthEndpoints(mux)

	return s.instrumented(mux)
}

// instrumented wraps the mux with HTTP request metrics.
func (s *OAuthHTTPServer) instrumented(next http.Handler) http.Handler {
	metrics := s.serverContext.Metrics()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		metrics.RecordHTTPRequest(r.Context(), r.Method, r.URL.Path, recorder.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Start begins serving on addr and blocks until the listener closes. The
// OAuth handler's background sweepers run until ctx is done.
func (s *OAuthHTTPServer) Start(ctx context.Context, addr string) error {
	s.oauthHandler.Start(ctx)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", addr, "resource", s.oauthHandler.Resource())
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *OAuthHTTPServer) Shutdown(ctx context.Context) error {
	s.healthChecker.SetReady(false)
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
