package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/onnwee/sublink/backend/config"
	"golang.org/x/oauth2"
)

func TestStateRoundTrip(t *testing.T) {
	now := time.Now()
	state := makeState("123456789", "secret", now)

	got, err := parseState(state, "secret", now.Add(5*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if got != "123456789" {
		t.Errorf("discord id = %q", got)
	}
}

func TestStateExpires(t *testing.T) {
	now := time.Now()
	state := makeState("123456789", "secret", now)
	if _, err := parseState(state, "secret", now.Add(16*time.Minute)); err == nil {
		t.Fatal("expired state accepted")
	}
}

func TestStateRejectsTamperAndWrongKey(t *testing.T) {
	now := time.Now()
	state := makeState("123456789", "secret", now)

	if _, err := parseState(state, "other-secret", now); err == nil {
		t.Error("state accepted under wrong key")
	}

	flipped := []byte(state)
	flipped[0] ^= 0x01
	if _, err := parseState(string(flipped), "secret", now); err == nil {
		t.Error("tampered state accepted")
	}
	if _, err := parseState("garbage", "secret", now); err == nil {
		t.Error("unstructured state accepted")
	}
}

func TestOAuthStartRedirectsWithState(t *testing.T) {
	h := &Handlers{
		Cfg: &config.Config{EventSubSecret: "secret"},
		OAuth: &oauth2.Config{
			ClientID:    "cid",
			Endpoint:    oauth2.Endpoint{AuthURL: "https://id.example/oauth2/authorize"},
			RedirectURL: "https://app.example/auth/twitch/callback",
			Scopes:      []string{"user:read:subscriptions"},
		},
	}

	r := httptest.NewRequest(http.MethodGet, "/auth/twitch/start?discord_id=42", nil)
	w := httptest.NewRecorder()
	h.HandleOAuthStart(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
	loc := w.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://id.example/oauth2/authorize") {
		t.Fatalf("redirect = %q", loc)
	}
	if !strings.Contains(loc, "state=") || !strings.Contains(loc, "client_id=cid") {
		t.Errorf("redirect missing oauth params: %q", loc)
	}
}

func TestOAuthStartRequiresNumericDiscordID(t *testing.T) {
	h := &Handlers{Cfg: &config.Config{EventSubSecret: "secret"}, OAuth: &oauth2.Config{}}

	for _, q := range []string{"", "?discord_id=", "?discord_id=abc", "?discord_id=12a"} {
		r := httptest.NewRequest(http.MethodGet, "/auth/twitch/start"+q, nil)
		w := httptest.NewRecorder()
		h.HandleOAuthStart(w, r)
		if w.Code != http.StatusBadRequest {
			t.Errorf("query %q: status = %d, want 400", q, w.Code)
		}
	}
}

func TestOAuthCallbackRejectsProviderError(t *testing.T) {
	h := &Handlers{Cfg: &config.Config{EventSubSecret: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?error=access_denied", nil)
	w := httptest.NewRecorder()
	h.HandleOAuthCallback(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	h := &Handlers{Cfg: &config.Config{EventSubSecret: "secret"}}
	r := httptest.NewRequest(http.MethodGet, "/auth/twitch/callback?code=abc&state=bogus", nil)
	w := httptest.NewRecorder()
	h.HandleOAuthCallback(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
