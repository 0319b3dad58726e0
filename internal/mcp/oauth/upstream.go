package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const defaultUserinfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// DefaultUpstreamScopes covers calendar access plus the userinfo scopes
// needed to resolve the user's profile after consent.
var DefaultUpstreamScopes = []string{
	"https://www.googleapis.com/auth/calendar",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// UpstreamConfig describes the Google OAuth application this server fronts.
type UpstreamConfig struct {
	ClientID     string
	ClientSecret string

	// RedirectURL is this server's callback, registered with Google.
	RedirectURL string

	// Scopes requested from Google. Must include whatever the Calendar
	// client needs plus the userinfo scopes used to resolve the profile.
	Scopes []string

	// Endpoint overrides the Google OAuth endpoint, for tests.
	Endpoint *oauth2.Endpoint

	// UserinfoURL overrides the userinfo endpoint, for tests.
	UserinfoURL string

	// HTTPClient is used for the token exchange and userinfo calls.
	// Defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// UpstreamBridge talks to Google on behalf of the authorization server:
// it builds consent URLs, exchanges callback codes, resolves the user's
// profile and refreshes cached tokens.
type UpstreamBridge struct {
	config UpstreamConfig
}

// NewUpstreamBridge creates a bridge for the given Google application.
func NewUpstreamBridge(config UpstreamConfig) *UpstreamBridge {
	return &UpstreamBridge{config: config}
}

// oauthConfig builds a fresh oauth2.Config so callers can never mutate
// shared state.
func (b *UpstreamBridge) oauthConfig() *oauth2.Config {
	endpoint := google.Endpoint
	if b.config.Endpoint != nil {
		endpoint = *b.config.Endpoint
	}
	return &oauth2.Config{
		ClientID:     b.config.ClientID,
		ClientSecret: b.config.ClientSecret,
		RedirectURL:  b.config.RedirectURL,
		Scopes:       b.config.Scopes,
		Endpoint:     endpoint,
	}
}

func (b *UpstreamBridge) context(ctx context.Context) context.Context {
	if b.config.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, b.config.HTTPClient)
	}
	return ctx
}

// ConsentURL builds the Google consent URL for the given correlation state.
// Offline access with forced approval ensures Google returns a refresh
// token even for users who consented before.
func (b *UpstreamBridge) ConsentURL(state string) string {
	return b.oauthConfig().AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// ExchangeCode redeems the code Google sent to the callback for tokens.
func (b *UpstreamBridge) ExchangeCode(ctx context.Context, code string) (*oauth2.Token, error) {
	token, err := b.oauthConfig().Exchange(b.context(ctx), code)
	if err != nil {
		return nil, fmt.Errorf("upstream code exchange failed: %w", err)
	}
	return token, nil
}

// FetchProfile resolves the Google profile behind an upstream token.
func (b *UpstreamBridge) FetchProfile(ctx context.Context, token *oauth2.Token) (*UserProfile, error) {
	url := b.config.UserinfoURL
	if url == "" {
		url = defaultUserinfoURL
	}

	client := b.oauthConfig().Client(b.context(ctx), token)
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("userinfo request returned %d: %s", resp.StatusCode, string(body))
	}

	var profile UserProfile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	if profile.ID == "" {
		return nil, fmt.Errorf("userinfo response missing user id")
	}
	return &profile, nil
}

// RefreshToken exchanges a (possibly expired) upstream token for a fresh
// one using its refresh token. Google may omit the refresh token from the
// response, in which case the original one is carried forward.
func (b *UpstreamBridge) RefreshToken(ctx context.Context, token *oauth2.Token) (*oauth2.Token, error) {
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no upstream refresh token available")
	}

	// Seed the source with only the refresh token so it always performs
	// the refresh instead of handing back the stale access token.
	seed := &oauth2.Token{RefreshToken: token.RefreshToken}
	fresh, err := b.oauthConfig().TokenSource(b.context(ctx), seed).Token()
	if err != nil {
		return nil, fmt.Errorf("upstream token refresh failed: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = token.RefreshToken
	}
	return fresh, nil
}

// TokenSource returns an oauth2.TokenSource for the cached upstream token,
// suitable for constructing Google API clients.
func (b *UpstreamBridge) TokenSource(ctx context.Context, token *oauth2.Token) oauth2.TokenSource {
	return b.oauthConfig().TokenSource(b.context(ctx), token)
}
