package oauth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// CredentialStore is the in-memory state of the authorization server:
// registered clients, pending authorization requests, issued codes, refresh
// tokens and cached upstream Google tokens. All maps share one mutex so the
// consume operations are atomic take-and-delete.
//
// Everything here is process-local. A restart forgets all clients and flows,
// which is acceptable because clients re-register dynamically and users
// re-consent.
type CredentialStore struct {
	mu sync.Mutex

	clients        map[string]*ClientRegistration
	requests       map[string]*AuthorizationRequest // keyed by upstream correlation state
	codes          map[string]*AuthorizationCode
	refreshTokens  map[string]*RefreshTokenRecord
	upstreamTokens map[string]*oauth2.Token // keyed by user_id

	now    func() time.Time
	logger *slog.Logger
}

// NewCredentialStore creates an empty store.
func NewCredentialStore(logger *slog.Logger) *CredentialStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CredentialStore{
		clients:        make(map[string]*ClientRegistration),
		requests:       make(map[string]*AuthorizationRequest),
		codes:          make(map[string]*AuthorizationCode),
		refreshTokens:  make(map[string]*RefreshTokenRecord),
		upstreamTokens: make(map[string]*oauth2.Token),
		now:            time.Now,
		logger:         logger,
	}
}

// RegisterClient stores a client registration under its client_id.
func (s *CredentialStore) RegisterClient(client *ClientRegistration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
}

// GetClient looks up a registered client. Clients never expire.
func (s *CredentialStore) GetClient(clientID string) (*ClientRegistration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	client, ok := s.clients[clientID]
	return client, ok
}

// SaveAuthorizationRequest stores a pending flow keyed by the upstream
// correlation state.
func (s *CredentialStore) SaveAuthorizationRequest(state string, req *AuthorizationRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[state] = req
}

// ConsumeAuthorizationRequest retrieves and deletes a pending flow. A
// request that exists but has expired is deleted and not returned, so a
// stale callback fails the same way as an unknown one.
func (s *CredentialStore) ConsumeAuthorizationRequest(state string) (*AuthorizationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[state]
	if !ok {
		return nil, false
	}
	delete(s.requests, state)

	if s.now().Unix() > req.ExpiresAt {
		return nil, false
	}
	return req, true
}

// SaveAuthorizationCode stores an issued code.
func (s *CredentialStore) SaveAuthorizationCode(code *AuthorizationCode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code.Code] = code
}

// ConsumeAuthorizationCode retrieves and deletes a code in one step. Under
// concurrent redemption of the same code exactly one caller succeeds, which
// is what makes replayed codes fail.
func (s *CredentialStore) ConsumeAuthorizationCode(code string) (*AuthorizationCode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.codes[code]
	if !ok {
		return nil, false
	}
	delete(s.codes, code)

	if s.now().Unix() > record.ExpiresAt {
		return nil, false
	}
	return record, true
}

// SaveRefreshToken stores a refresh token record.
func (s *CredentialStore) SaveRefreshToken(token string, record *RefreshTokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token] = record
}

// GetRefreshToken looks up a refresh token. Unlike codes, refresh tokens
// are reusable and are not deleted on read. Expired tokens are removed and
// reported absent.
func (s *CredentialStore) GetRefreshToken(token string) (*RefreshTokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, false
	}
	if s.now().Unix() > record.ExpiresAt {
		delete(s.refreshTokens, token)
		return nil, false
	}
	return record, true
}

// DeleteRefreshToken removes a refresh token, used when rotation is enabled.
func (s *CredentialStore) DeleteRefreshToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refreshTokens, token)
}

// SaveUpstreamTokens caches the Google tokens for a user.
func (s *CredentialStore) SaveUpstreamTokens(userID string, token *oauth2.Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upstreamTokens[userID] = token
}

// GetUpstreamTokens returns the cached Google tokens for a user. The token
// may be expired; callers refresh it through the upstream bridge.
func (s *CredentialStore) GetUpstreamTokens(userID string) (*oauth2.Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.upstreamTokens[userID]
	return token, ok
}

// SweepExpired removes expired authorization requests, codes and refresh
// tokens. Clients and upstream tokens have no expiry and are never swept.
func (s *CredentialStore) SweepExpired() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().Unix()
	removed := 0

	for state, req := range s.requests {
		if now > req.ExpiresAt {
			delete(s.requests, state)
			removed++
		}
	}
	for code, record := range s.codes {
		if now > record.ExpiresAt {
			delete(s.codes, code)
			removed++
		}
	}
	for token, record := range s.refreshTokens {
		if now > record.ExpiresAt {
			delete(s.refreshTokens, token)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("swept expired credentials", "removed", removed)
	}
}

// StartSweeping runs SweepExpired on the given interval until ctx is done.
func (s *CredentialStore) StartSweeping(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SweepExpired()
			}
		}
	}()
}

// StoreStats reports current entry counts, used by health and debug output.
type StoreStats struct {
	Clients        int `json:"clients"`
	Requests       int `json:"requests"`
	Codes          int `json:"codes"`
	RefreshTokens  int `json:"refresh_tokens"`
	UpstreamTokens int `json:"upstream_tokens"`
}

// Stats returns current entry counts.
func (s *CredentialStore) Stats() StoreStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StoreStats{
		Clients:        len(s.clients),
		Requests:       len(s.requests),
		Codes:          len(s.codes),
		RefreshTokens:  len(s.refreshTokens),
		UpstreamTokens: len(s.upstreamTokens),
	}
}
