package govee

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// refreshSkew is how long before expiry a cached token is considered stale.
const refreshSkew = 60 * time.Second

// TokenSource yields the bearer token for gateway calls.
type TokenSource interface {
	// Token returns a valid token. force skips any cached value.
	Token(ctx context.Context, force bool) (string, error)
}

// StaticTokenSource always returns the same token.
type StaticTokenSource string

// Token implements TokenSource
func (s StaticTokenSource) Token(ctx context.Context, force bool) (string, error) {
	if s == "" {
		return "", &AuthError{Err: ErrNoToken}
	}
	return string(s), nil
}

// RefreshFunc obtains a fresh token and its expiry. A zero expiry means "never expires".
type RefreshFunc func(ctx context.Context) (token string, expiresAt time.Time, err error)

// RefreshingTokenSource caches a token and refreshes it close to expiry or on demand.
type RefreshingTokenSource struct {
	refresh RefreshFunc
	now     func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewRefreshingTokenSource creates a token source seeded with an initial token (may be empty).
func NewRefreshingTokenSource(initial string, expiresAt time.Time, refresh RefreshFunc) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		refresh:   refresh,
		now:       time.Now,
		token:     initial,
		expiresAt: expiresAt,
	}
}

// Token implements TokenSource
func (s *RefreshingTokenSource) Token(ctx context.Context, force bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !force && s.token != "" && (s.expiresAt.IsZero() || s.now().Add(refreshSkew).Before(s.expiresAt)) {
		return s.token, nil
	}
	if s.refresh == nil {
		return "", &AuthError{Err: ErrNoToken}
	}

	token, expiresAt, err := s.refresh(ctx)
	if err != nil {
		s.token = ""
		return "", &AuthError{Err: err}
	}
	if token == "" {
		s.token = ""
		return "", &AuthError{Err: ErrNoToken}
	}

	s.token = token
	s.expiresAt = expiresAt
	log.Debug().Time("expires_at", expiresAt).Bool("forced", force).Msg("Access token refreshed")
	return token, nil
}

// HTTPRefresher exchanges a refresh token for an access token at a fixed URL.
type HTTPRefresher struct {
	URL          string
	RefreshToken string
	HTTPClient   *http.Client
}

type refreshResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// Refresh implements RefreshFunc
func (r *HTTPRefresher) Refresh(ctx context.Context) (string, time.Time, error) {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": r.RefreshToken,
	})
	if err != nil {
		return "", time.Time{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(body))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", time.Time{}, fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", time.Time{}, fmt.Errorf("failed to decode token response: %w", err)
	}

	var expiresAt time.Time
	if out.ExpiresIn > 0 {
		expiresAt = time.Now().Add(time.Duration(out.ExpiresIn) * time.Second)
	}
	return out.AccessToken, expiresAt, nil
}
