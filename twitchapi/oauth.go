package twitchapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
)

// NewOAuthConfig builds the authorization-code config for the viewer link
// flow. scopes is the space- or comma-separated scope list from config.
func NewOAuthConfig(clientID, clientSecret, redirectURI, scopes string) *oauth2.Config {
	var sc []string
	for _, s := range strings.FieldsFunc(scopes, func(r rune) bool { return r == ' ' || r == ',' }) {
		sc = append(sc, s)
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURI,
		Scopes:       sc,
		Endpoint:     endpoints.Twitch,
	}
}

// ExchangeAuthCode exchanges an authorization code for tokens.
func ExchangeAuthCode(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
	if code == "" {
		return nil, errors.New("missing authorization code")
	}
	return cfg.Exchange(ctx, code)
}

// RefreshUserToken exchanges a refresh token for a fresh access token.
func RefreshUserToken(ctx context.Context, cfg *oauth2.Config, refreshToken string) (*oauth2.Token, error) {
	if refreshToken == "" {
		return nil, errors.New("missing refresh token")
	}
	return cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// ComputeExpiry returns absolute expiry time from seconds, defaulting to +60m when unknown.
func ComputeExpiry(seconds int) time.Time {
	if seconds <= 0 {
		return time.Now().Add(60 * time.Minute)
	}
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
