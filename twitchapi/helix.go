package twitchapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/onnwee/sublink/backend/telemetry"
)

// ErrNotSubscribed is returned by CheckUserSubscription when Helix reports
// no subscription (HTTP 404).
var ErrNotSubscribed = errors.New("twitch: user not subscribed")

var errNotFound = errors.New("twitch: not found")

// HelixClient provides the Helix methods needed for linking and verification.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	BaseURL        string // defaults to api.twitch.tv/helix; tests override
	HTTPClient     *http.Client
	MaxTries       uint // per-request retry budget, default 4
}

func (hc *HelixClient) tries() uint {
	if hc.MaxTries > 0 {
		return hc.MaxTries
	}
	return 4
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

func (hc *HelixClient) base() string {
	if hc.BaseURL != "" {
		return hc.BaseURL
	}
	return defaultHelixURL
}

// User is a Helix user record.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"display_name"`
}

// doJSON runs one Helix request with bounded retry: 429 and 5xx back off,
// everything else fails on the first attempt. The payload is re-read per try.
func (hc *HelixClient) doJSON(ctx context.Context, method, path, bearer string, payload []byte, out any) error {
	op := func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, hc.base()+path, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("Client-Id", hc.ClientID)
		req.Header.Set("Authorization", "Bearer "+bearer)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := hc.http().Do(req)
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return b, nil
		case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
			if telemetry.ProviderRetries != nil {
				telemetry.ProviderRetries.WithLabelValues("twitch").Inc()
			}
			return nil, fmt.Errorf("twitch helix %s %s failed: %s", method, path, resp.Status)
		case resp.StatusCode == http.StatusNotFound:
			return nil, backoff.Permanent(errNotFound)
		default:
			return nil, backoff.Permanent(fmt.Errorf("twitch helix %s %s failed: %s: %s", method, path, resp.Status, string(b)))
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 10 * time.Second
	data, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(hc.tries()))
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

// GetUserWithToken resolves the account a user access token belongs to.
func (hc *HelixClient) GetUserWithToken(ctx context.Context, userToken string) (*User, error) {
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doJSON(ctx, http.MethodGet, "/users", userToken, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// GetUserByLogin resolves a login name with the app token.
func (hc *HelixClient) GetUserByLogin(ctx context.Context, login string) (*User, error) {
	if login == "" {
		return nil, fmt.Errorf("login empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []User `json:"data"`
	}
	if err := hc.doJSON(ctx, http.MethodGet, "/users?login="+login, tok, nil, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("user not found")
	}
	return &body.Data[0], nil
}

// Subscription is the Helix view of one user's subscription to a broadcaster.
type Subscription struct {
	BroadcasterID string `json:"broadcaster_id"`
	Tier          string `json:"tier"` // wire form: "1000"/"2000"/"3000"
	IsGift        bool   `json:"is_gift"`
	GifterName    string `json:"gifter_name"`
}

// CheckUserSubscription asks whether the token's owner subscribes to the
// broadcaster. Requires the user:read:subscriptions scope on userToken.
// Returns ErrNotSubscribed when they do not.
func (hc *HelixClient) CheckUserSubscription(ctx context.Context, userToken, broadcasterID, userID string) (*Subscription, error) {
	var body struct {
		Data []Subscription `json:"data"`
	}
	path := fmt.Sprintf("/subscriptions/user?broadcaster_id=%s&user_id=%s", broadcasterID, userID)
	if err := hc.doJSON(ctx, http.MethodGet, path, userToken, nil, &body); err != nil {
		if errors.Is(err, errNotFound) {
			return nil, ErrNotSubscribed
		}
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, ErrNotSubscribed
	}
	return &body.Data[0], nil
}

// EventSubSubscription is one registered EventSub subscription.
type EventSubSubscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
	CreatedAt string            `json:"created_at"`
}

// ListEventSubSubscriptions returns every registered subscription.
func (hc *HelixClient) ListEventSubSubscriptions(ctx context.Context) ([]EventSubSubscription, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := hc.doJSON(ctx, http.MethodGet, "/eventsub/subscriptions", tok, nil, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// CreateEventSubSubscription registers a webhook subscription for one type.
func (hc *HelixClient) CreateEventSubSubscription(ctx context.Context, subType, broadcasterUserID, callback, secret string) (*EventSubSubscription, error) {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"type":      subType,
		"version":   "1",
		"condition": map[string]string{"broadcaster_user_id": broadcasterUserID},
		"transport": map[string]string{"method": "webhook", "callback": callback, "secret": secret},
	})
	if err != nil {
		return nil, err
	}
	var body struct {
		Data []EventSubSubscription `json:"data"`
	}
	if err := hc.doJSON(ctx, http.MethodPost, "/eventsub/subscriptions", tok, payload, &body); err != nil {
		return nil, err
	}
	if len(body.Data) == 0 {
		return nil, fmt.Errorf("empty eventsub create response")
	}
	return &body.Data[0], nil
}

// DeleteEventSubSubscription removes one subscription by id.
func (hc *HelixClient) DeleteEventSubSubscription(ctx context.Context, id string) error {
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return err
	}
	return hc.doJSON(ctx, http.MethodDelete, "/eventsub/subscriptions?id="+id, tok, nil, nil)
}
