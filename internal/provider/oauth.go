package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// oauthRefresher wraps an OAuthCredentials tuple with the single-flight
// refresh behavior the github-copilot adapter needs: only one refresh
// request is ever in flight per provider config, and every caller waiting
// on an expired token gets the same refreshed result.
type oauthRefresher struct {
	mu            sync.Mutex
	creds         OAuthCredentials
	onTokenUpdate func(OAuthCredentials) error
	inFlight      chan struct{}
}

func newOAuthRefresher(creds OAuthCredentials, onTokenUpdate func(OAuthCredentials) error) *oauthRefresher {
	return &oauthRefresher{creds: creds, onTokenUpdate: onTokenUpdate}
}

// Token returns a valid access token, refreshing first if the current one
// has expired or is about to (within a 30s skew window).
func (r *oauthRefresher) Token(ctx context.Context) (string, error) {
	return r.token(ctx, false)
}

// ForceRefresh refreshes the token unconditionally, ignoring the proactive
// expiry window — used when the upstream has already rejected the current
// token with a 401 and a reactive refresh-and-retry is called for.
func (r *oauthRefresher) ForceRefresh(ctx context.Context) (string, error) {
	return r.token(ctx, true)
}

func (r *oauthRefresher) token(ctx context.Context, force bool) (string, error) {
	r.mu.Lock()
	if !force && time.Until(r.creds.ExpiresAt) > 30*time.Second {
		tok := r.creds.AccessToken
		r.mu.Unlock()
		return tok, nil
	}
	if r.inFlight != nil {
		wait := r.inFlight
		r.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		r.mu.Lock()
		tok := r.creds.AccessToken
		r.mu.Unlock()
		return tok, nil
	}
	done := make(chan struct{})
	r.inFlight = done
	creds := r.creds
	r.mu.Unlock()

	refreshed, err := refreshOAuthToken(ctx, creds)

	r.mu.Lock()
	close(done)
	r.inFlight = nil
	if err != nil {
		r.mu.Unlock()
		log.Error().Err(err).Msg("oauth: token refresh failed")
		return "", err
	}
	r.creds = refreshed
	cb := r.onTokenUpdate
	r.mu.Unlock()

	if cb != nil {
		if err := cb(refreshed); err != nil {
			log.Warn().Err(err).Msg("oauth: failed to persist refreshed credentials")
		}
	}
	return refreshed.AccessToken, nil
}

// refreshOAuthToken exchanges a refresh token for a new access token using
// the standard OAuth2 refresh-token grant.
func refreshOAuthToken(ctx context.Context, creds OAuthCredentials) (OAuthCredentials, error) {
	cfg := &oauth2.Config{
		ClientID: creds.ClientID,
		Endpoint: oauth2.Endpoint{TokenURL: creds.TokenURL},
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: creds.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return OAuthCredentials{}, err
	}
	refreshToken := tok.RefreshToken
	if refreshToken == "" {
		refreshToken = creds.RefreshToken
	}
	return OAuthCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    tok.Expiry,
		ClientID:     creds.ClientID,
		TokenURL:     creds.TokenURL,
	}, nil
}
