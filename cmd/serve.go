package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/teemow/schedulefewer/internal/instrumentation"
	"github.com/teemow/schedulefewer/internal/mcp/oauth"
	"github.com/teemow/schedulefewer/internal/server"
	"github.com/teemow/schedulefewer/internal/tools/calendar_tools"
)

// ServeConfig collects everything the serve command needs to start.
type ServeConfig struct {
	HTTPAddr           string
	BaseURL            string
	GoogleClientID     string
	GoogleClientSecret string
	Scopes             []string

	RotateRefreshTokens bool
	RateLimitRPS        float64
	RateLimitBurst      int
	TrustProxy          bool

	MetricsEnabled bool
	MetricsAddr    string

	Yolo  bool
	Debug bool
}

func newServeCmd() *cobra.Command {
	var cfg ServeConfig
	var scopes string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the OAuth-secured MCP server",
		Long: `Start the Model Context Protocol (MCP) server with its built-in
OAuth 2.1 authorization server.

MCP clients (Cursor, Claude Desktop, ...) register via dynamic client
registration, run the authorization-code flow with PKCE, and the server
bridges consent to Google. Every /mcp request must carry a bearer token
issued by this server.

Safety Mode:
  By default, the server operates in read-only mode, providing only safe
  operations. Use --yolo to enable write operations (event creation,
  updates, deletion).

Required configuration:
  Google OAuth application credentials:
    --google-client-id and --google-client-secret flags
    OR GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars

  Base URL (required for deployed instances):
    --base-url https://your-domain.com OR MCP_BASE_URL env var
    Auto-detected for localhost (development only)`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.Scopes = splitScopes(scopes)
			loadServeEnvVars(cmd, &cfg)
			return runServe(cfg)
		},
	}

	cmd.Flags().BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&cfg.HTTPAddr, "http-addr", ":8080", "HTTP server address")
	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", "", "Public base URL of this server. Required for deployed instances. Can also use MCP_BASE_URL env var. Example: https://mcp.example.com")
	cmd.Flags().StringVar(&cfg.GoogleClientID, "google-client-id", "", "Google OAuth Client ID. Can also use GOOGLE_CLIENT_ID env var.")
	cmd.Flags().StringVar(&cfg.GoogleClientSecret, "google-client-secret", "", "Google OAuth Client Secret. Can also use GOOGLE_CLIENT_SECRET env var.")
	cmd.Flags().StringVar(&scopes, "scopes", "", "Space-separated scopes advertised in discovery metadata")
	cmd.Flags().BoolVar(&cfg.Yolo, "yolo", false, "Enable write operations (event creation, updates, deletion). Default is read-only mode.")

	cmd.Flags().BoolVar(&cfg.RotateRefreshTokens, "oauth-rotate-refresh-tokens", false, "Invalidate refresh tokens on use and issue replacements. Can also use MCP_OAUTH_ROTATE_REFRESH_TOKENS env var.")
	cmd.Flags().Float64Var(&cfg.RateLimitRPS, "rate-limit-rps", 10, "Sustained requests per second allowed per client IP on OAuth endpoints. 0 disables rate limiting.")
	cmd.Flags().IntVar(&cfg.RateLimitBurst, "rate-limit-burst", 30, "Burst allowance per client IP")
	cmd.Flags().BoolVar(&cfg.TrustProxy, "trust-proxy", false, "Trust X-Forwarded-For / X-Real-IP headers when resolving client IPs. Only enable behind a proxy you control.")

	cmd.Flags().BoolVar(&cfg.MetricsEnabled, "metrics-enabled", true, "Enable the metrics server on a dedicated port. Can also use METRICS_ENABLED env var.")
	cmd.Flags().StringVar(&cfg.MetricsAddr, "metrics-addr", server.DefaultMetricsAddr, "Metrics server address. Can also use METRICS_ADDR env var.")

	return cmd
}

// loadServeEnvVars fills in configuration from environment variables.
// Environment variables only apply when the flag was not explicitly set.
func loadServeEnvVars(cmd *cobra.Command, cfg *ServeConfig) {
	if cfg.GoogleClientID == "" {
		cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	}
	if cfg.GoogleClientSecret == "" {
		cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = os.Getenv("MCP_BASE_URL")
	}
	if !cmd.Flags().Changed("oauth-rotate-refresh-tokens") {
		if os.Getenv("MCP_OAUTH_ROTATE_REFRESH_TOKENS") == "true" {
			cfg.RotateRefreshTokens = true
		}
	}
	if !cmd.Flags().Changed("metrics-enabled") {
		if os.Getenv("METRICS_ENABLED") == "false" {
			cfg.MetricsEnabled = false
		}
	}
	if !cmd.Flags().Changed("metrics-addr") {
		if addr := os.Getenv("METRICS_ADDR"); addr != "" {
			cfg.MetricsAddr = addr
		}
	}
}

func splitScopes(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

func runServe(cfg ServeConfig) error {
	shutdownCtx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := newLogger(cfg.Debug)
	slog.SetDefault(logger)

	// Auto-detect the base URL for local development.
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://%s", cfg.HTTPAddr)
		if strings.HasPrefix(cfg.HTTPAddr, ":") {
			cfg.BaseURL = fmt.Sprintf("http://localhost%s", cfg.HTTPAddr)
		}
		logger.Info("no base URL configured, using auto-detected",
			"base_url", cfg.BaseURL,
			"hint", "set --base-url or MCP_BASE_URL for deployed instances")
	}

	provider, err := instrumentation.NewProvider(shutdownCtx, instrumentation.Config{
		Enabled:        cfg.MetricsEnabled,
		ServiceName:    "schedulefewer",
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create instrumentation provider: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			logger.Error("instrumentation shutdown failed", "error", err)
		}
	}()

	oauthHandler, err := oauth.NewHandler(oauth.Config{
		BaseURL:         cfg.BaseURL,
		SupportedScopes: cfg.Scopes,
		Upstream: oauth.UpstreamConfig{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
		},
		Security: oauth.SecurityConfig{
			RotateRefreshTokens: cfg.RotateRefreshTokens,
		},
		RateLimit: oauth.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			TrustProxy:        cfg.TrustProxy,
		},
		Metrics: provider.Metrics(),
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create OAuth handler: %w", err)
	}

	serverContext, err := server.NewServerContext(shutdownCtx, oauthHandler, provider.Metrics())
	if err != nil {
		return fmt.Errorf("failed to create server context: %w", err)
	}
	defer func() {
		if err := serverContext.Shutdown(); err != nil {
			logger.Error("server context shutdown failed", "error", err)
		}
	}()

	mcpSrv := mcpserver.NewMCPServer("schedulefewer", version,
		mcpserver.WithToolCapabilities(true),
	)

	// readOnly is the inverse of yolo
	readOnly := !cfg.Yolo
	if readOnly {
		logger.Info("starting server in READ-ONLY mode (use --yolo to enable write operations)")
	} else {
		logger.Info("starting server with WRITE operations enabled (--yolo flag is set)")
	}

	if err := calendar_tools.RegisterCalendarTools(mcpSrv, serverContext, readOnly); err != nil {
		return fmt.Errorf("failed to register Calendar tools: %w", err)
	}

	var metricsServer *server.MetricsServer
	if cfg.MetricsEnabled {
		metricsServer = server.NewMetricsServer(cfg.MetricsAddr, logger)
		go func() {
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("metrics server shutdown failed", "error", err)
			}
		}()
	}

	oauthServer := server.NewOAuthHTTPServer(mcpSrv, serverContext, logger)

	logger.Info("MCP server starting",
		"addr", cfg.HTTPAddr,
		"base_url", cfg.BaseURL,
		"mcp_endpoint", "/mcp",
		"authorization_metadata", "/.well-known/oauth-authorization-server")

	serverDone := make(chan error, 1)
	go func() {
		defer close(serverDone)
		if err := oauthServer.Start(shutdownCtx, cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			serverDone <- err
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Info("shutdown signal received, stopping HTTP server")
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := oauthServer.Shutdown(stopCtx); err != nil {
			return fmt.Errorf("error shutting down HTTP server: %w", err)
		}
	case err := <-serverDone:
		if err != nil {
			return fmt.Errorf("HTTP server stopped with error: %w", err)
		}
	}

	logger.Info("HTTP server gracefully stopped")
	return nil
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
