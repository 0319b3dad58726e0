package oauth

// ClientRegistration is a dynamically registered OAuth client (RFC 7591).
// All clients are public: there is no client secret, PKCE is the only proof
// of possession. The client_id is immutable once issued and redirect URIs
// are matched by exact string equality on every use.
type ClientRegistration struct {
	ClientID      string   `json:"client_id"`
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scope         string   `json:"scope,omitempty"`
	CreatedAt     int64    `json:"client_id_issued_at"`
}

// HasRedirectURI reports whether uri is registered for this client.
// Matching is exact string equality, never prefix or pattern matching.
func (c *ClientRegistration) HasRedirectURI(uri string) bool {
	for _, registered := range c.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// ClientRegistrationRequest is the dynamic registration request body
type ClientRegistrationRequest struct {
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
	Scope         string   `json:"scope,omitempty"`
}

// ClientRegistrationResponse is the dynamic registration response body
type ClientRegistrationResponse struct {
	ClientRegistration

	// RegistrationAccessToken is issued for RFC 7592 client management.
	// No management endpoint honors it yet.
	RegistrationAccessToken string `json:"registration_access_token,omitempty"`
}

// AuthorizationRequest is a pending authorization-code flow, stored between
// /oauth/authorize and the upstream callback. It is keyed by the upstream
// correlation state this server generates, not by the client's own state.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string // client-supplied, echoed back on the final redirect
	CodeChallenge       string
	CodeChallengeMethod string // always "S256"
	Resource            string // audience the issued token will be bound to
	CreatedAt           int64
	ExpiresAt           int64
}

// AuthorizationCode is the code handed back to the client after upstream
// consent succeeds. It carries the original request plus the resolved user.
// Codes are consumable exactly once.
type AuthorizationCode struct {
	AuthorizationRequest

	Code   string
	UserID string
}

// RefreshTokenRecord binds a refresh token to the user, client and scope it
// was issued for. Refresh tokens are reusable until expiry unless rotation
// is enabled.
type RefreshTokenRecord struct {
	UserID    string
	ClientID  string
	Scope     string
	CreatedAt int64
	ExpiresAt int64
}

// UserProfile is the upstream identity this server resolves during the
// callback. ID is Google's stable subject identifier and becomes this
// system's user_id.
type UserProfile struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
	GivenName     string `json:"given_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
}

// AuthorizationServerMetadata is the OAuth 2.0 Authorization Server Metadata
// (RFC 8414) served on the well-known discovery endpoint
type AuthorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported,omitempty"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
}

// ProtectedResourceMetadata is the OAuth 2.0 Protected Resource Metadata
// (RFC 9728) that points MCP clients at the authorization server
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// TokenResponse is the success body of the token endpoint
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// UpstreamTokenResponse is the body of the side-channel endpoint that hands
// the cached Google credentials to a holder of a valid access token
type UpstreamTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	Expiry       string `json:"expiry,omitempty"` // RFC3339
}

// ErrorResponse represents an OAuth error response body
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}
