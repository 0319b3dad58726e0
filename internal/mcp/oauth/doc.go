// Package oauth implements the OAuth 2.1 authorization server that fronts
// the schedulefewer MCP server.
//
// The server bridges MCP clients to Google: clients register dynamically
// (RFC 7591), run the authorization-code + PKCE flow against this server,
// which in turn sends the user through Google's consent screen, and finally
// receive a signed bearer token scoped to this server's resource identifier.
// Google credentials obtained during the flow are cached per user so that
// the calendar tools can act on the user's behalf.
//
// Access tokens are RS256-signed JWTs; the verification key is published
// on a JWKS endpoint so the resource side needs no shared secret with the
// authorization side.
package oauth
