package oauth

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newBridgedTestHandler(t *testing.T) *Handler {
	t.Helper()

	_, upstream := fakeGoogle(t)
	config := testConfig()
	config.Upstream = *upstream

	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	return handler
}

func registerTestClient(t *testing.T, handler *Handler) string {
	t.Helper()

	body, _ := json.Marshal(ClientRegistrationRequest{
		ClientName:   "Test Client",
		RedirectURIs: []string{"https://client.example.com/callback"},
	})
	req := httptest.NewRequest(http.MethodPost, "/oauth/register", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.ServeDynamicClientRegistration(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("registration status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var resp ClientRegistrationResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode registration response: %v", err)
	}
	if resp.ClientID == "" {
		t.Fatalf("registration response missing client_id")
	}
	if resp.RegistrationAccessToken == "" {
		t.Fatalf("registration response missing registration_access_token")
	}
	return resp.ClientID
}

// startAuthorization runs the authorization endpoint and returns the
// correlation state from the upstream consent redirect.
func startAuthorization(t *testing.T, handler *Handler, clientID, challenge, clientState string) string {
	t.Helper()

	params := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"https://client.example.com/callback"},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"scope":                 {"https://www.googleapis.com/auth/calendar"},
		"state":                 {clientState},
		"resource":              {handler.Resource()},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("authorize status = %d, want %d: %s", w.Code, http.StatusFound, w.Body.String())
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("authorize redirect is not a URL: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" {
		t.Fatalf("consent redirect missing state: %s", location)
	}
	return state
}

// completeCallback runs the upstream callback and returns the minted
// authorization code from the redirect back to the client.
func completeCallback(t *testing.T, handler *Handler, upstreamState string) (code, clientState string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet,
		"/oauth/upstream/callback?code=good-code&state="+url.QueryEscape(upstreamState), nil)
	w := httptest.NewRecorder()
	handler.ServeUpstreamCallback(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("callback status = %d, want %d: %s", w.Code, http.StatusFound, w.Body.String())
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("callback redirect is not a URL: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://client.example.com/callback") {
		t.Fatalf("callback redirected to %s, want the client redirect URI", location)
	}
	return location.Query().Get("code"), location.Query().Get("state")
}

func exchangeToken(t *testing.T, handler *Handler, form url.Values) (*httptest.ResponseRecorder, *TokenResponse) {
	t.Helper()

	// The token endpoint requires the resource binding on every grant;
	// tests probing its absence pass the parameter explicitly.
	if _, ok := form["resource"]; !ok {
		form.Set("resource", handler.Resource())
	}

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	handler.ServeToken(w, req)

	if w.Code != http.StatusOK {
		return w, nil
	}
	var resp TokenResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	return w, &resp
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return resp
}

func TestServeDynamicClientRegistration_Validation(t *testing.T) {
	handler := newTestHandler(t)

	tests := []struct {
		name string
		body ClientRegistrationRequest
	}{
		{
			name: "missing client_name",
			body: ClientRegistrationRequest{RedirectURIs: []string{"https://client.example.com/cb"}},
		},
		{
			name: "missing redirect_uris",
			body: ClientRegistrationRequest{ClientName: "Test"},
		},
		{
			name: "relative redirect_uri",
			body: ClientRegistrationRequest{ClientName: "Test", RedirectURIs: []string{"/callback"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, _ := json.Marshal(tt.body)
			req := httptest.NewRequest(http.MethodPost, "/oauth/register", bytes.NewReader(body))
			w := httptest.NewRecorder()
			handler.ServeDynamicClientRegistration(w, req)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if resp := decodeError(t, w); resp.Error != "invalid_request" {
				t.Errorf("error = %s, want invalid_request", resp.Error)
			}
		})
	}
}

func TestServeAuthorization_Validation(t *testing.T) {
	handler := newTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	challenge := GenerateCodeChallenge(verifier)

	base := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"https://client.example.com/callback"},
		"response_type":         {"code"},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
		"resource":              {handler.Resource()},
	}

	tests := []struct {
		name       string
		mutate     func(url.Values)
		wantStatus int
		wantError  string
	}{
		{
			name:       "missing client_id",
			mutate:     func(v url.Values) { v.Del("client_id") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing code_challenge",
			mutate:     func(v url.Values) { v.Del("code_challenge") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing state",
			mutate:     func(v url.Values) { v.Del("state") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing resource",
			mutate:     func(v url.Values) { v.Del("resource") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "token response type",
			mutate:     func(v url.Values) { v.Set("response_type", "token") },
			wantStatus: http.StatusBadRequest,
			wantError:  "unsupported_response_type",
		},
		{
			name:       "plain challenge method",
			mutate:     func(v url.Values) { v.Set("code_challenge_method", "plain") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "missing challenge method",
			mutate:     func(v url.Values) { v.Del("code_challenge_method") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "foreign resource",
			mutate:     func(v url.Values) { v.Set("resource", "https://other.example.com/mcp") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
		{
			name:       "unknown client",
			mutate:     func(v url.Values) { v.Set("client_id", "no-such-client") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_client",
		},
		{
			name:       "unregistered redirect_uri",
			mutate:     func(v url.Values) { v.Set("redirect_uri", "https://evil.example.com/callback") },
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid_request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			params := url.Values{}
			for k, v := range base {
				params[k] = append([]string(nil), v...)
			}
			tt.mutate(params)

			req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil)
			w := httptest.NewRecorder()
			handler.ServeAuthorization(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if resp := decodeError(t, w); resp.Error != tt.wantError {
				t.Errorf("error = %s, want %s", resp.Error, tt.wantError)
			}
		})
	}
}

func TestServeAuthorization_MatchingResourceAccepted(t *testing.T) {
	handler := newTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	params := url.Values{
		"client_id":             {clientID},
		"redirect_uri":          {"https://client.example.com/callback"},
		"response_type":         {"code"},
		"code_challenge":        {GenerateCodeChallenge(verifier)},
		"code_challenge_method": {"S256"},
		"state":                 {"client-state"},
		"resource":              {"https://mcp.example.com/mcp"},
	}
	req := httptest.NewRequest(http.MethodGet, "/oauth/authorize?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	handler.ServeAuthorization(w, req)

	if w.Code != http.StatusFound {
		t.Errorf("status = %d, want %d: %s", w.Code, http.StatusFound, w.Body.String())
	}
}

func TestServeUpstreamCallback_Errors(t *testing.T) {
	handler := newBridgedTestHandler(t)

	tests := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{
			name:       "upstream denied consent",
			query:      "error=access_denied",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing code",
			query:      "state=some-state",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown state",
			query:      "code=good-code&state=never-issued",
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/oauth/upstream/callback?"+tt.query, nil)
			w := httptest.NewRecorder()
			handler.ServeUpstreamCallback(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
				t.Errorf("Content-Type = %s, want text/html", ct)
			}
		})
	}
}

func TestServeUpstreamCallback_DenialRedirectsToClient(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state-7")

	req := httptest.NewRequest(http.MethodGet,
		"/oauth/upstream/callback?error=access_denied&state="+url.QueryEscape(state), nil)
	w := httptest.NewRecorder()
	handler.ServeUpstreamCallback(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("denial status = %d, want %d: %s", w.Code, http.StatusFound, w.Body.String())
	}
	location, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("denial redirect is not a URL: %v", err)
	}
	if !strings.HasPrefix(location.String(), "https://client.example.com/callback") {
		t.Fatalf("denial redirected to %s, want the client redirect URI", location)
	}
	if got := location.Query().Get("error"); got != "access_denied" {
		t.Errorf("error = %s, want access_denied", got)
	}
	if got := location.Query().Get("state"); got != "client-state-7" {
		t.Errorf("state = %s, want client-state-7", got)
	}
	if location.Query().Get("code") != "" {
		t.Errorf("denial redirect carries an authorization code")
	}

	// The denial consumed the pending request; a later callback with the
	// same state cannot complete the flow.
	retry := httptest.NewRequest(http.MethodGet,
		"/oauth/upstream/callback?code=good-code&state="+url.QueryEscape(state), nil)
	w = httptest.NewRecorder()
	handler.ServeUpstreamCallback(w, retry)
	if w.Code != http.StatusBadRequest {
		t.Errorf("post-denial callback status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestServeUpstreamCallback_StateIsSingleUse(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")

	completeCallback(t, handler, state)

	// Replaying the callback with the same state fails.
	req := httptest.NewRequest(http.MethodGet,
		"/oauth/upstream/callback?code=good-code&state="+url.QueryEscape(state), nil)
	w := httptest.NewRecorder()
	handler.ServeUpstreamCallback(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("replayed callback status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestAuthorizationCodeGrant_FullFlow(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state-42")
	code, clientState := completeCallback(t, handler, state)

	if code == "" {
		t.Fatalf("callback redirect missing code")
	}
	if clientState != "client-state-42" {
		t.Errorf("client state = %s, want client-state-42", clientState)
	}

	w, resp := exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if resp == nil {
		t.Fatalf("token exchange failed: %d %s", w.Code, w.Body.String())
	}

	if resp.TokenType != "Bearer" {
		t.Errorf("token_type = %s, want Bearer", resp.TokenType)
	}
	if resp.ExpiresIn != 3600 {
		t.Errorf("expires_in = %d, want 3600", resp.ExpiresIn)
	}
	if resp.RefreshToken == "" {
		t.Errorf("token response missing refresh_token")
	}

	claims, err := handler.key.Verify(resp.AccessToken)
	if err != nil {
		t.Fatalf("issued access token does not verify: %v", err)
	}
	if claims.Subject != "google-user-1" {
		t.Errorf("sub = %s, want google-user-1", claims.Subject)
	}
	if claims.ClientID != clientID {
		t.Errorf("client_id claim = %s, want %s", claims.ClientID, clientID)
	}
	if len(claims.Audience) != 1 || claims.Audience[0] != handler.Resource() {
		t.Errorf("aud = %v, want [%s]", claims.Audience, handler.Resource())
	}

	// Upstream tokens were cached for the user.
	if _, ok := handler.Store().GetUpstreamTokens("google-user-1"); !ok {
		t.Errorf("upstream tokens were not cached")
	}
}

func TestAuthorizationCode_TTLStartsAtIssuance(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	current := time.Now()
	clock := func() time.Time { return current }
	handler.now = clock
	handler.store.now = clock

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")

	// The user lingers on the consent screen for nine minutes, then a code
	// is minted and exchanged two minutes later. The code's window runs
	// from issuance, so the exchange succeeds even though eleven minutes
	// passed since the authorization request.
	current = current.Add(9 * time.Minute)
	code, _ := completeCallback(t, handler, state)

	current = current.Add(2 * time.Minute)
	w, resp := exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if resp == nil {
		t.Fatalf("exchange of a two-minute-old code failed: %d %s", w.Code, w.Body.String())
	}

	// A code does die on its own clock: eleven minutes after issuance.
	verifier2, _ := GenerateCodeVerifier()
	state2 := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier2), "client-state")
	code2, _ := completeCallback(t, handler, state2)

	current = current.Add(11 * time.Minute)
	w, resp = exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code2},
		"client_id":     {clientID},
		"code_verifier": {verifier2},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if resp != nil {
		t.Fatalf("exchange of an eleven-minute-old code succeeded")
	}
	if errResp := decodeError(t, w); errResp.Error != "invalid_grant" {
		t.Errorf("expired code error = %s, want invalid_grant", errResp.Error)
	}
}

func TestAuthorizationCodeGrant_Replay(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")
	code, _ := completeCallback(t, handler, state)

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	}

	if _, resp := exchangeToken(t, handler, form); resp == nil {
		t.Fatalf("first exchange failed")
	}

	w, resp := exchangeToken(t, handler, form)
	if resp != nil {
		t.Fatalf("replayed code was accepted")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("replay status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if errResp := decodeError(t, w); errResp.Error != "invalid_grant" {
		t.Errorf("replay error = %s, want invalid_grant", errResp.Error)
	}
}

func TestAuthorizationCodeGrant_Failures(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	newCode := func(t *testing.T) (string, string) {
		verifier, _ := GenerateCodeVerifier()
		state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")
		code, _ := completeCallback(t, handler, state)
		return code, verifier
	}

	t.Run("wrong verifier", func(t *testing.T) {
		code, _ := newCode(t)
		wrong, _ := GenerateCodeVerifier()
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {clientID},
			"code_verifier": {wrong},
			"redirect_uri":  {"https://client.example.com/callback"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("wrong verifier not rejected with invalid_grant")
		}
	})

	t.Run("wrong client", func(t *testing.T) {
		code, verifier := newCode(t)
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {"someone-else"},
			"code_verifier": {verifier},
			"redirect_uri":  {"https://client.example.com/callback"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("wrong client not rejected with invalid_grant")
		}
	})

	t.Run("wrong redirect_uri", func(t *testing.T) {
		code, verifier := newCode(t)
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {clientID},
			"code_verifier": {verifier},
			"redirect_uri":  {"https://evil.example.com/callback"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("wrong redirect_uri not rejected with invalid_grant")
		}
	})

	t.Run("omitted redirect_uri", func(t *testing.T) {
		code, verifier := newCode(t)
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {clientID},
			"code_verifier": {verifier},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("omitted redirect_uri not rejected with invalid_grant")
		}
	})

	t.Run("missing verifier", func(t *testing.T) {
		code, _ := newCode(t)
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":   {"authorization_code"},
			"code":         {code},
			"client_id":    {clientID},
			"redirect_uri": {"https://client.example.com/callback"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_request" {
			t.Errorf("missing verifier not rejected with invalid_request")
		}
	})

	t.Run("foreign resource", func(t *testing.T) {
		code, verifier := newCode(t)
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {clientID},
			"code_verifier": {verifier},
			"redirect_uri":  {"https://client.example.com/callback"},
			"resource":      {"https://other.example.com/mcp"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_request" {
			t.Errorf("foreign resource not rejected with invalid_request")
		}
	})

	t.Run("missing resource", func(t *testing.T) {
		code, verifier := newCode(t)
		form := url.Values{
			"grant_type":    {"authorization_code"},
			"code":          {code},
			"client_id":     {clientID},
			"code_verifier": {verifier},
			"redirect_uri":  {"https://client.example.com/callback"},
		}
		req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		handler.ServeToken(w, req)

		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if errResp := decodeError(t, w); errResp.Error != "invalid_request" {
			t.Errorf("missing resource error = %s, want invalid_request", errResp.Error)
		}
	})
}

func TestServeToken_UnsupportedGrantType(t *testing.T) {
	handler := newTestHandler(t)

	w, resp := exchangeToken(t, handler, url.Values{
		"grant_type": {"client_credentials"},
	})
	if resp != nil {
		t.Fatalf("client_credentials grant was accepted")
	}
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if errResp := decodeError(t, w); errResp.Error != "unsupported_grant_type" {
		t.Errorf("error = %s, want unsupported_grant_type", errResp.Error)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")
	code, _ := completeCallback(t, handler, state)

	_, initial := exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if initial == nil {
		t.Fatalf("initial exchange failed")
	}

	w, refreshed := exchangeToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
		"client_id":     {clientID},
	})
	if refreshed == nil {
		t.Fatalf("refresh failed: %d %s", w.Code, w.Body.String())
	}
	if refreshed.AccessToken == "" {
		t.Errorf("refresh response missing access_token")
	}
	// Without rotation the refresh token is not replaced.
	if refreshed.RefreshToken != "" {
		t.Errorf("refresh response contains a new refresh token with rotation off")
	}

	// The original refresh token keeps working.
	if _, again := exchangeToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
		"client_id":     {clientID},
	}); again == nil {
		t.Errorf("refresh token stopped working after one use")
	}

	t.Run("wrong client", func(t *testing.T) {
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {initial.RefreshToken},
			"client_id":     {"someone-else"},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("wrong client not rejected with invalid_grant")
		}
	})

	t.Run("unknown token", func(t *testing.T) {
		w, resp := exchangeToken(t, handler, url.Values{
			"grant_type":    {"refresh_token"},
			"refresh_token": {"never-issued"},
			"client_id":     {clientID},
		})
		if resp != nil || decodeError(t, w).Error != "invalid_grant" {
			t.Errorf("unknown token not rejected with invalid_grant")
		}
	})
}

func TestRefreshTokenGrant_Rotation(t *testing.T) {
	_, upstream := fakeGoogle(t)
	config := testConfig()
	config.Upstream = *upstream
	config.Security.RotateRefreshTokens = true

	handler, err := NewHandler(config)
	if err != nil {
		t.Fatalf("NewHandler() error = %v", err)
	}
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")
	code, _ := completeCallback(t, handler, state)

	_, initial := exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if initial == nil {
		t.Fatalf("initial exchange failed")
	}

	_, refreshed := exchangeToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
		"client_id":     {clientID},
	})
	if refreshed == nil {
		t.Fatalf("refresh failed")
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == initial.RefreshToken {
		t.Fatalf("rotation did not issue a new refresh token")
	}

	// The old token is dead, the new one works.
	if w, resp := exchangeToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {initial.RefreshToken},
		"client_id":     {clientID},
	}); resp != nil || decodeError(t, w).Error != "invalid_grant" {
		t.Errorf("rotated-out refresh token still accepted")
	}
	if _, resp := exchangeToken(t, handler, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshed.RefreshToken},
		"client_id":     {clientID},
	}); resp == nil {
		t.Errorf("replacement refresh token rejected")
	}
}

func TestServeUpstreamToken(t *testing.T) {
	handler := newBridgedTestHandler(t)
	clientID := registerTestClient(t, handler)

	verifier, _ := GenerateCodeVerifier()
	state := startAuthorization(t, handler, clientID, GenerateCodeChallenge(verifier), "client-state")
	code, _ := completeCallback(t, handler, state)

	_, tokens := exchangeToken(t, handler, url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"client_id":     {clientID},
		"code_verifier": {verifier},
		"redirect_uri":  {"https://client.example.com/callback"},
	})
	if tokens == nil {
		t.Fatalf("token exchange failed")
	}

	t.Run("valid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/oauth/upstream-token", nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		w := httptest.NewRecorder()
		handler.ServeUpstreamToken(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
		}
		var resp UpstreamTokenResponse
		if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		if resp.AccessToken != "upstream-access" {
			t.Errorf("access_token = %s, want upstream-access", resp.AccessToken)
		}
	})

	t.Run("missing bearer", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/oauth/upstream-token", nil)
		w := httptest.NewRecorder()
		handler.ServeUpstreamToken(w, req)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Header().Get("WWW-Authenticate") == "" {
			t.Errorf("missing WWW-Authenticate header")
		}
	})

	t.Run("no cached credentials", func(t *testing.T) {
		orphan, err := handler.key.Sign("ghost-user", handler.Resource(), "", clientID, handler.now())
		if err != nil {
			t.Fatalf("Sign() error = %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/oauth/upstream-token", nil)
		req.Header.Set("Authorization", "Bearer "+orphan)
		w := httptest.NewRecorder()
		handler.ServeUpstreamToken(w, req)

		if w.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}
