package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockTwitchServer mocks the Twitch Helix and id endpoints.
type MockTwitchServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockTwitchServer creates a new mock Twitch API server.
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// MockOAuthTokenResponse adds a handler for the app token endpoint.
func (m *MockTwitchServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "bearer",
		})
	}
}

// MockUserResponse adds a handler for the /users endpoint.
func (m *MockTwitchServer) MockUserResponse(userID, login string) {
	m.Handlers["/users"] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]string{{"id": userID, "login": login, "display_name": login}},
		})
	}
}

// MockUserSubscription adds a handler for /subscriptions/user. An empty tier
// answers 404 (not subscribed).
func (m *MockTwitchServer) MockUserSubscription(broadcasterID, tier string) {
	m.Handlers["/subscriptions/user"] = func(w http.ResponseWriter, r *http.Request) {
		if tier == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"broadcaster_id": broadcasterID, "tier": tier, "is_gift": false}},
		})
	}
}

// MockDiscordServer mocks the slice of the Discord REST API the service uses.
// It tracks role membership in memory so tests can assert convergence.
type MockDiscordServer struct {
	*httptest.Server

	mu      sync.Mutex
	Roles   map[string][]string // user id -> role ids
	DMs     []string            // user ids that received a DM
	GuildID string
}

// NewMockDiscordServer creates a mock guild with the given members.
func NewMockDiscordServer(t *testing.T, guildID string, roles map[string][]string) *MockDiscordServer {
	t.Helper()
	if roles == nil {
		roles = map[string][]string{}
	}
	m := &MockDiscordServer{Roles: roles, GuildID: guildID}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /guilds/{guild}/members/{user}", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		user := r.PathValue("user")
		rs, ok := m.Roles[user]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 10007, "message": "Unknown Member"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"user": map[string]string{"id": user}, "roles": rs})
	})
	mux.HandleFunc("PUT /guilds/{guild}/members/{user}/roles/{role}", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		user, role := r.PathValue("user"), r.PathValue("role")
		for _, id := range m.Roles[user] {
			if id == role {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		m.Roles[user] = append(m.Roles[user], role)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /guilds/{guild}/members/{user}/roles/{role}", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		user, role := r.PathValue("user"), r.PathValue("role")
		out := m.Roles[user][:0]
		for _, id := range m.Roles[user] {
			if id != role {
				out = append(out, id)
			}
		}
		m.Roles[user] = out
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /users/@me/channels", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RecipientID string `json:"recipient_id"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "dm-" + req.RecipientID})
	})
	mux.HandleFunc("POST /channels/{channel}/messages", func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()
		ch := r.PathValue("channel")
		if len(ch) > 3 && ch[:3] == "dm-" {
			m.DMs = append(m.DMs, ch[3:])
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "msg-1"})
	})
	m.Server = httptest.NewServer(mux)
	t.Cleanup(m.Close)
	return m
}

// MemberRoles returns a copy of a member's current role ids.
func (m *MockDiscordServer) MemberRoles(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Roles[userID]...)
}

// DMCount returns how many DMs were delivered.
func (m *MockDiscordServer) DMCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DMs)
}
