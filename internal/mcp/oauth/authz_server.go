package oauth

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/url"
	"strings"

	"github.com/teemow/schedulefewer/internal/instrumentation"
	"github.com/teemow/schedulefewer/internal/logging"
)

// ServeDynamicClientRegistration handles RFC 7591 dynamic client
// registration. Anyone may register; all clients are public.
func (h *Handler) ServeDynamicClientRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("registration requires POST"))
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("invalid registration request body"))
		return
	}

	if req.ClientName == "" {
		h.writeOAuthError(w, ErrInvalidRequest("client_name is required"))
		return
	}
	if len(req.RedirectURIs) == 0 {
		h.writeOAuthError(w, ErrInvalidRequest("at least one redirect_uri is required"))
		return
	}
	for _, uri := range req.RedirectURIs {
		parsed, err := url.Parse(uri)
		if err != nil || !parsed.IsAbs() {
			h.writeOAuthError(w, ErrInvalidRequest(fmt.Sprintf("redirect_uri %q is not an absolute URI", uri)))
			return
		}
	}

	clientID, err := generateSecureToken(OpaqueTokenBytes)
	if err != nil {
		h.logger.Error("failed to generate client ID", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to register client"))
		return
	}
	registrationToken, err := generateSecureToken(OpaqueTokenBytes)
	if err != nil {
		h.logger.Error("failed to generate registration token", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to register client"))
		return
	}

	client := &ClientRegistration{
		ClientID:      clientID,
		ClientName:    req.ClientName,
		RedirectURIs:  req.RedirectURIs,
		GrantTypes:    SupportedGrantTypes,
		ResponseTypes: SupportedResponseTypes,
		Scope:         req.Scope,
		CreatedAt:     h.now().Unix(),
	}
	h.store.RegisterClient(client)
	h.metrics.RecordClientRegistered(r.Context())

	h.logger.Info("registered client",
		"client_name", req.ClientName,
		"redirect_uris", len(req.RedirectURIs),
	)

	h.writeJSON(w, http.StatusCreated, ClientRegistrationResponse{
		ClientRegistration:      *client,
		RegistrationAccessToken: registrationToken,
	})
}

// ServeAuthorization handles the authorization endpoint. After validating
// the request it parks the flow in the store and redirects the browser to
// Google's consent page.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	responseType := query.Get("response_type")
	codeChallenge := query.Get("code_challenge")
	codeChallengeMethod := query.Get("code_challenge_method")
	scope := query.Get("scope")
	state := query.Get("state")
	resource := query.Get("resource")

	// Validation order matters: parameter shape first, then capability
	// checks, then client lookup. Errors raised before the client and
	// redirect URI are known must not redirect anywhere.
	if clientID == "" || redirectURI == "" || state == "" || codeChallenge == "" || resource == "" {
		h.writeOAuthError(w, ErrInvalidRequest("client_id, redirect_uri, state, code_challenge and resource are required"))
		return
	}
	if responseType != "code" {
		h.writeOAuthError(w, ErrUnsupportedResponseType("only the code response type is supported"))
		return
	}
	if codeChallengeMethod != "S256" {
		h.writeOAuthError(w, ErrInvalidRequest("code_challenge_method must be S256"))
		return
	}
	if resource != h.config.Resource {
		h.writeOAuthError(w, ErrInvalidRequest(fmt.Sprintf("unknown resource %q", resource)))
		return
	}

	client, ok := h.store.GetClient(clientID)
	if !ok {
		h.writeOAuthError(w, ErrInvalidClient("unknown client"))
		return
	}
	if !client.HasRedirectURI(redirectURI) {
		h.writeOAuthError(w, ErrInvalidRequest("redirect_uri is not registered for this client"))
		return
	}

	upstreamState, err := generateSecureToken(OpaqueTokenBytes)
	if err != nil {
		h.logger.Error("failed to generate state", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to start authorization"))
		return
	}

	now := h.now()
	h.store.SaveAuthorizationRequest(upstreamState, &AuthorizationRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		Scope:               scope,
		State:               state,
		CodeChallenge:       codeChallenge,
		CodeChallengeMethod: codeChallengeMethod,
		Resource:            h.config.Resource,
		CreatedAt:           now.Unix(),
		ExpiresAt:           now.Add(AuthorizationRequestTTL).Unix(),
	})

	h.logger.Info("authorization started", "client_id", logging.SanitizeToken(clientID))

	setSecurityHeaders(w)
	http.Redirect(w, r, h.upstream.ConsentURL(upstreamState), http.StatusFound)
}

// ServeUpstreamCallback handles the redirect back from Google. On success
// it resolves the user, caches the Google tokens, mints an authorization
// code and sends the browser back to the client.
func (h *Handler) ServeUpstreamCallback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	if errParam := query.Get("error"); errParam != "" {
		h.logger.Warn("upstream consent denied", "error", errParam)
		// If the pending request is still known, hand the denial back to
		// the client as a proper OAuth error so it can tell rejection
		// apart from a malformed callback.
		if req, ok := h.store.ConsumeAuthorizationRequest(query.Get("state")); ok {
			h.redirectAuthorizationError(w, r, req, ErrAccessDenied("the user denied the authorization request"))
			return
		}
		h.writeCallbackError(w, r, http.StatusBadRequest, "Authorization Denied",
			"Google reported: "+errParam)
		return
	}

	code := query.Get("code")
	state := query.Get("state")
	if code == "" || state == "" {
		h.writeCallbackError(w, r, http.StatusBadRequest, "Invalid Callback",
			"The callback is missing the code or state parameter.")
		return
	}

	upstreamToken, err := h.upstream.ExchangeCode(r.Context(), code)
	if err != nil {
		h.logger.Error("upstream exchange failed", logging.Err(err))
		h.writeCallbackError(w, r, http.StatusBadGateway, "Authorization Failed",
			"Could not exchange the authorization code with Google.")
		return
	}

	profile, err := h.upstream.FetchProfile(r.Context(), upstreamToken)
	if err != nil {
		h.logger.Error("failed to fetch upstream profile", logging.Err(err))
		h.writeCallbackError(w, r, http.StatusBadGateway, "Authorization Failed",
			"Could not resolve your Google profile.")
		return
	}

	// Cache upstream tokens before consuming the request so a duplicate
	// callback still leaves the user's credentials usable.
	h.store.SaveUpstreamTokens(profile.ID, upstreamToken)

	req, ok := h.store.ConsumeAuthorizationRequest(state)
	if !ok {
		h.writeCallbackError(w, r, http.StatusBadRequest, "Invalid Callback",
			"This authorization attempt is unknown or has expired. Please start over.")
		return
	}

	authCode, err := generateSecureToken(OpaqueTokenBytes)
	if err != nil {
		h.logger.Error("failed to generate authorization code", logging.Err(err))
		h.writeCallbackError(w, r, http.StatusInternalServerError, "Authorization Failed",
			"Could not complete the authorization. Please try again.")
		return
	}

	// The code gets its own TTL from issuance; inheriting the request's
	// expiry would penalize users who linger on the consent screen.
	record := &AuthorizationCode{
		AuthorizationRequest: *req,
		Code:                 authCode,
		UserID:               profile.ID,
	}
	now := h.now()
	record.CreatedAt = now.Unix()
	record.ExpiresAt = now.Add(AuthorizationCodeTTL).Unix()
	h.store.SaveAuthorizationCode(record)

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeCallbackError(w, r, http.StatusInternalServerError, "Authorization Failed",
			"The registered redirect URI is invalid.")
		return
	}

	h.metrics.RecordAuthorization(r.Context(), instrumentation.StatusSuccess)
	h.logger.Info("authorization completed",
		"client_id", logging.SanitizeToken(req.ClientID),
		logging.UserHash(profile.ID),
		logging.Domain(profile.Email),
	)
	values := redirect.Query()
	values.Set("code", authCode)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	setSecurityHeaders(w)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// ServeToken handles the token endpoint for both supported grants.
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeOAuthError(w, ErrInvalidRequest("token requests require POST"))
		return
	}
	if err := r.ParseForm(); err != nil {
		h.writeOAuthError(w, ErrInvalidRequest("invalid form body"))
		return
	}

	// Every grant must name the resource the token will be bound to.
	if resource := r.PostForm.Get("resource"); resource != h.config.Resource {
		h.writeOAuthError(w, ErrInvalidRequest(fmt.Sprintf("resource %q does not match this server", resource)))
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		h.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		h.handleRefreshTokenGrant(w, r)
	default:
		h.writeOAuthError(w, ErrUnsupportedGrantType("supported grant types: "+strings.Join(SupportedGrantTypes, ", ")))
	}
}

func (h *Handler) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	clientID := r.PostForm.Get("client_id")
	codeVerifier := r.PostForm.Get("code_verifier")
	redirectURI := r.PostForm.Get("redirect_uri")

	if code == "" || clientID == "" || codeVerifier == "" {
		h.writeOAuthError(w, ErrInvalidRequest("code, client_id and code_verifier are required"))
		return
	}

	// Consume first: even a request that fails later validation burns the
	// code, so a stolen code cannot be retried with corrected parameters.
	record, ok := h.store.ConsumeAuthorizationCode(code)
	if !ok {
		h.writeOAuthError(w, ErrInvalidGrant("authorization code is invalid, expired or already used"))
		return
	}
	if record.ClientID != clientID {
		h.writeOAuthError(w, ErrInvalidGrant("authorization code was issued to a different client"))
		return
	}
	if redirectURI != record.RedirectURI {
		h.writeOAuthError(w, ErrInvalidGrant("redirect_uri does not match the authorization request"))
		return
	}
	if !VerifyCodeChallenge(codeVerifier, record.CodeChallenge, record.CodeChallengeMethod) {
		h.writeOAuthError(w, ErrInvalidGrant("PKCE verification failed"))
		return
	}

	accessToken, err := h.key.Sign(record.UserID, record.Resource, record.Scope, clientID, h.now())
	if err != nil {
		h.logger.Error("failed to sign access token", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to issue token"))
		return
	}

	refreshToken, err := generateSecureToken(OpaqueTokenBytes)
	if err != nil {
		h.logger.Error("failed to generate refresh token", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to issue token"))
		return
	}
	now := h.now()
	h.store.SaveRefreshToken(refreshToken, &RefreshTokenRecord{
		UserID:    record.UserID,
		ClientID:  clientID,
		Scope:     record.Scope,
		CreatedAt: now.Unix(),
		ExpiresAt: now.Add(RefreshTokenTTL).Unix(),
	})

	h.metrics.RecordTokenIssued(r.Context(), "authorization_code")
	h.logger.Info("issued tokens",
		"grant", "authorization_code",
		"client_id", logging.SanitizeToken(clientID),
		logging.UserHash(record.UserID),
	)

	h.writeJSON(w, http.StatusOK, TokenResponse{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		ExpiresIn:    int64(AccessTokenTTL.Seconds()),
		RefreshToken: refreshToken,
		Scope:        record.Scope,
	})
}

func (h *Handler) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	clientID := r.PostForm.Get("client_id")

	if refreshToken == "" || clientID == "" {
		h.writeOAuthError(w, ErrInvalidRequest("refresh_token and client_id are required"))
		return
	}

	record, ok := h.store.GetRefreshToken(refreshToken)
	if !ok {
		h.writeOAuthError(w, ErrInvalidGrant("refresh token is invalid or expired"))
		return
	}
	if record.ClientID != clientID {
		h.writeOAuthError(w, ErrInvalidGrant("refresh token was issued to a different client"))
		return
	}

	accessToken, err := h.key.Sign(record.UserID, h.config.Resource, record.Scope, clientID, h.now())
	if err != nil {
		h.logger.Error("failed to sign access token", logging.Err(err))
		h.writeOAuthError(w, ErrServerError("failed to issue token"))
		return
	}

	response := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(AccessTokenTTL.Seconds()),
		Scope:       record.Scope,
	}

	if h.config.Security.RotateRefreshTokens {
		replacement, err := generateSecureToken(OpaqueTokenBytes)
		if err != nil {
			h.logger.Error("failed to rotate refresh token", logging.Err(err))
			h.writeOAuthError(w, ErrServerError("failed to issue token"))
			return
		}
		now := h.now()
		h.store.SaveRefreshToken(replacement, &RefreshTokenRecord{
			UserID:    record.UserID,
			ClientID:  record.ClientID,
			Scope:     record.Scope,
			CreatedAt: now.Unix(),
			ExpiresAt: now.Add(RefreshTokenTTL).Unix(),
		})
		h.store.DeleteRefreshToken(refreshToken)
		response.RefreshToken = replacement
	}

	h.metrics.RecordTokenIssued(r.Context(), "refresh_token")
	h.logger.Info("issued tokens",
		"grant", "refresh_token",
		"client_id", logging.SanitizeToken(clientID),
		logging.UserHash(record.UserID),
	)

	h.writeJSON(w, http.StatusOK, response)
}

// ServeUpstreamToken hands the cached Google credentials to a holder of a
// valid access token. This side channel lets trusted co-located services
// call Google directly on the user's behalf.
func (h *Handler) ServeUpstreamToken(w http.ResponseWriter, r *http.Request) {
	claims, oauthErr := h.authenticateRequest(r)
	if oauthErr != nil {
		setWWWAuthenticate(w, h.config.Resource, oauthErr)
		h.writeOAuthError(w, oauthErr)
		return
	}

	token, ok := h.store.GetUpstreamTokens(claims.Subject)
	if !ok {
		h.writeOAuthError(w, ErrNotFound("no upstream credentials for this user"))
		return
	}

	// Refresh proactively so the caller never receives a token about to die.
	if h.now().Add(UpstreamRefreshThreshold).After(token.Expiry) && token.RefreshToken != "" {
		fresh, err := h.upstream.RefreshToken(r.Context(), token)
		if err != nil {
			h.metrics.RecordUpstreamRefresh(r.Context(), instrumentation.StatusError)
			h.logger.Warn("upstream refresh failed, returning cached token",
				logging.UserHash(claims.Subject), logging.Err(err))
		} else {
			h.metrics.RecordUpstreamRefresh(r.Context(), instrumentation.StatusSuccess)
			h.store.SaveUpstreamTokens(claims.Subject, fresh)
			token = fresh
		}
	}

	resp := UpstreamTokenResponse{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
	}
	if !token.Expiry.IsZero() {
		resp.Expiry = token.Expiry.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// redirectAuthorizationError sends the browser back to the client's
// redirect URI carrying the OAuth error code and the client's original
// state, per the authorization-endpoint error convention.
func (h *Handler) redirectAuthorizationError(w http.ResponseWriter, r *http.Request, req *AuthorizationRequest, oauthErr *OAuthError) {
	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		h.writeCallbackError(w, r, http.StatusInternalServerError, "Authorization Failed",
			"The registered redirect URI is invalid.")
		return
	}

	h.metrics.RecordAuthorization(r.Context(), instrumentation.StatusError)

	values := redirect.Query()
	values.Set("error", oauthErr.Code)
	values.Set("error_description", oauthErr.Description)
	if req.State != "" {
		values.Set("state", req.State)
	}
	redirect.RawQuery = values.Encode()

	setSecurityHeaders(w)
	http.Redirect(w, r, redirect.String(), http.StatusFound)
}

// writeCallbackError renders a small HTML error page. Callback failures
// happen in the user's browser mid-redirect, where a JSON body would be
// unreadable.
func (h *Handler) writeCallbackError(w http.ResponseWriter, r *http.Request, status int, title, message string) {
	h.metrics.RecordAuthorization(r.Context(), instrumentation.StatusError)
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head><title>%s</title></head>
<body>
<h1>%s</h1>
<p>%s</p>
<p>You can close this window.</p>
</body>
</html>`, html.EscapeString(title), html.EscapeString(title), html.EscapeString(message))
}
