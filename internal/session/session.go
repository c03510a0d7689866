// Package session defines the credential collaborator. Token storage and
// refresh mechanics live outside this module; the pipeline only asks for a
// token and trusts the source to de-duplicate concurrent refreshes.
package session

import (
	"context"
	"sync"
)

// Source owns credentials for outbound calls.
type Source interface {
	// AccessToken returns the current access token, or "" when none exists.
	AccessToken() string
	// HasValidTokens reports whether an authenticated call can be made.
	HasValidTokens() bool
	// NeedsRefresh reports whether the access token is near expiry.
	NeedsRefresh() bool
	// RefreshTokens obtains fresh tokens, sharing one in-flight refresh
	// across concurrent callers. Fails with an error when refresh is
	// impossible.
	RefreshTokens(ctx context.Context) error
	// ClearTokens drops all credentials.
	ClearTokens()
}

// Harvester is optionally implemented by sources that accept tokens
// rotated inline on API responses.
type Harvester interface {
	HarvestTokens(accessToken, refreshToken string)
}

// StaticSource is a Source with a fixed token and no refresh, for CLI use
// and tests.
type StaticSource struct {
	mu    sync.Mutex
	token string
}

// NewStaticSource wraps a pre-issued token.
func NewStaticSource(token string) *StaticSource {
	return &StaticSource{token: token}
}

func (s *StaticSource) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *StaticSource) HasValidTokens() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != ""
}

func (s *StaticSource) NeedsRefresh() bool { return false }

func (s *StaticSource) RefreshTokens(ctx context.Context) error { return nil }

func (s *StaticSource) ClearTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// HarvestTokens replaces the stored token when the backend rotates it
// inline.
func (s *StaticSource) HarvestTokens(accessToken, refreshToken string) {
	if accessToken == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = accessToken
}

var (
	_ Source    = (*StaticSource)(nil)
	_ Harvester = (*StaticSource)(nil)
)
