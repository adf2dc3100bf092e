package server

import (
	"context"
	"sync"
)

// InMemoryStore keeps protocol state in process memory. It backs dev mode
// and tests; production deployments configure a SQLite path instead.
type InMemoryStore struct {
	mu            sync.RWMutex
	authCodes     map[string]AuthorizationCode
	refreshTokens map[string]RefreshToken
}

// NewInMemoryStore constructs the store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		authCodes:     make(map[string]AuthorizationCode),
		refreshTokens: make(map[string]RefreshToken),
	}
}

// SaveAuthorizationCode persists an authorization code record.
func (s *InMemoryStore) SaveAuthorizationCode(ctx context.Context, code AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authCodes[code.CodeHash] = code
	return nil
}

// GetAuthorizationCode fetches an unconsumed code record by digest.
func (s *InMemoryStore) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	code, ok := s.authCodes[codeHash]
	if !ok || code.Consumed {
		return nil, nil
	}
	return &code, nil
}

// ConsumeAuthorizationCode flips the consumed flag under the write lock.
func (s *InMemoryStore) ConsumeAuthorizationCode(ctx context.Context, codeHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	code, ok := s.authCodes[codeHash]
	if !ok || code.Consumed {
		return false, nil
	}
	code.Consumed = true
	s.authCodes[codeHash] = code
	return true, nil
}

// SaveRefreshToken persists a refresh token record.
func (s *InMemoryStore) SaveRefreshToken(ctx context.Context, token RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens[token.TokenHash] = token
	return nil
}

// GetRefreshToken fetches an unrevoked token record by digest and client.
func (s *InMemoryStore) GetRefreshToken(ctx context.Context, tokenHash, clientID string) (*RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.refreshTokens[tokenHash]
	if !ok || token.Revoked || token.ClientID != clientID {
		return nil, nil
	}
	return &token, nil
}

// RevokeRefreshToken flips the revoked flag under the write lock.
func (s *InMemoryStore) RevokeRefreshToken(ctx context.Context, tokenHash, clientID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	token, ok := s.refreshTokens[tokenHash]
	if !ok || token.Revoked || token.ClientID != clientID {
		return false, nil
	}
	token.Revoked = true
	s.refreshTokens[tokenHash] = token
	return true, nil
}

// Close implements Store.
func (s *InMemoryStore) Close() error {
	return nil
}
