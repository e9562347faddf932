package server

import (
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/sublink/backend/config"
	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/testutil"
)

func TestValidatePlaceholders(t *testing.T) {
	cases := []struct {
		msg string
		ok  bool
	}{
		{"hello everyone", true},
		{"thanks {user}!", true},
		{"{user} {user}", true},
		{"literal {{braces}} are fine", true},
		{"hi {username}", false},
		{"empty {} here", false},
		{"dangling { brace", false},
		{"dangling } brace", false},
	}
	for _, c := range cases {
		err := validatePlaceholders(c.msg)
		if c.ok && err != nil {
			t.Errorf("validatePlaceholders(%q) = %v, want ok", c.msg, err)
		}
		if !c.ok && err == nil {
			t.Errorf("validatePlaceholders(%q) accepted, want error", c.msg)
		}
	}
}

func TestBroadcastRejectsUnknownPlaceholder(t *testing.T) {
	h := &Handlers{Worker: &recordingSubmitter{}}
	body := `{"message":"hello {member}","min_streak":0}`
	r := httptest.NewRequest(http.MethodPost, "/admin/broadcast", bytes.NewReader([]byte(body)))

	w := httptest.NewRecorder()
	h.HandleAdminBroadcast(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "placeholder") {
		t.Errorf("error body = %q", w.Body.String())
	}
}

func TestBroadcastTargetsRoleHolders(t *testing.T) {
	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"user":{"id":"u1","username":"alpha"},"roles":["r-sub"]},
			{"user":{"id":"u2","username":"bravo"},"roles":["r-other"]},
			{"user":{"id":"u3","username":"carol"},"roles":["r-sub","r-other"]}
		]`))
	}))
	defer fake.Close()

	sub := &recordingSubmitter{}
	h := &Handlers{
		Cfg:     &config.Config{DiscordGuildID: "guild-1"},
		Worker:  sub,
		Discord: &discordapi.Client{Token: "t", BaseURL: fake.URL, HTTPClient: fake.Client()},
	}

	body := `{"message":"hey {user}","role_ids":["r-sub"]}`
	r := httptest.NewRequest(http.MethodPost, "/admin/broadcast", bytes.NewReader([]byte(body)))
	w := httptest.NewRecorder()
	h.HandleAdminBroadcast(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	got := sub.all()
	if len(got) != 2 {
		t.Fatalf("queued = %d, want the 2 role holders", len(got))
	}
	contents := map[string]string{}
	for _, c := range got {
		dm, ok := c.(entitlement.SendDM)
		if !ok {
			t.Fatalf("queued command = %+v", c)
		}
		contents[dm.DiscordID] = dm.Content
	}
	if contents["u1"] != "hey alpha" || contents["u3"] != "hey carol" {
		t.Fatalf("dm contents = %v", contents)
	}
	if _, ok := contents["u2"]; ok {
		t.Fatal("non-holder u2 must not be targeted")
	}
}

func TestBroadcastRejectsEmptyMessage(t *testing.T) {
	h := &Handlers{Worker: &recordingSubmitter{}}
	r := httptest.NewRequest(http.MethodPost, "/admin/broadcast", bytes.NewReader([]byte(`{"message":"  "}`)))

	w := httptest.NewRecorder()
	h.HandleAdminBroadcast(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fake := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer fake.Close()

	h := &Handlers{
		Cfg:     &config.Config{DiscordGuildID: "guild-1"},
		Worker:  &recordingSubmitter{},
		Discord: &discordapi.Client{Token: "t", BaseURL: fake.URL, HTTPClient: fake.Client()},
	}
	mux := NewMux(ctx, h)

	r := httptest.NewRequest(http.MethodGet, "/admin/roles", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", w.Code)
	}

	r = httptest.NewRequest(http.MethodGet, "/admin/roles", nil)
	r.Header.Set("X-Admin-Token", "sekrit")
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("authenticated status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestHealthRoutesAreOpen(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// an unreachable DSN: the probe reports unhealthy, but never 401
	database, err := sql.Open("pgx", "postgres://127.0.0.1:1/none")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = database.Close() })
	h := &Handlers{DB: database, Cfg: &config.Config{}, Worker: &recordingSubmitter{}}
	mux := NewMux(ctx, h)

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	if w.Code == http.StatusUnauthorized {
		t.Fatal("healthz must not require auth")
	}
}

func TestAdminUnlinkRemovesRowAndRoles(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	sub := &recordingSubmitter{}
	h := &Handlers{DB: database, Cfg: &config.Config{DiscordGuildID: "guild-1"}, Worker: sub}

	const discordID = "adm-unlink-1"
	if err := subs.Delete(ctx, database, discordID); err != nil {
		t.Fatal(err)
	}
	tid := "adm-unlink-twitch"
	if err := subs.ApplyPatch(ctx, database, discordID, subs.Patch{TwitchUserID: &tid}); err != nil {
		t.Fatal(err)
	}

	r := httptest.NewRequest(http.MethodPost, "/admin/unlink/"+discordID, nil)
	r.SetPathValue("discord_id", discordID)
	w := httptest.NewRecorder()
	h.HandleAdminUnlink(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	if got, err := subs.Get(ctx, database, discordID); err != nil || got != nil {
		t.Fatalf("row after unlink = %+v, err %v", got, err)
	}
	cmds := sub.all()
	if len(cmds) != 1 {
		t.Fatalf("queued = %d, want 1", len(cmds))
	}
	sc, ok := cmds[0].(entitlement.SyncRoles)
	if !ok || sc.Linked || sc.DiscordID != discordID {
		t.Fatalf("queued command = %+v", cmds[0])
	}

	// unknown member is a 404
	r = httptest.NewRequest(http.MethodPost, "/admin/unlink/nobody", nil)
	r.SetPathValue("discord_id", "nobody")
	w = httptest.NewRecorder()
	h.HandleAdminUnlink(w, r)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown member status = %d, want 404", w.Code)
	}
}

func TestMemberPatchMergesExtra(t *testing.T) {
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	h := &Handlers{DB: database, Worker: &recordingSubmitter{}}

	const discordID = "adm-patch-1"
	if err := subs.Delete(ctx, database, discordID); err != nil {
		t.Fatal(err)
	}

	body := `{"tier":"2000","twitch_username":"patched","extra":{"note":"manual import"}}`
	r := httptest.NewRequest(http.MethodPatch, "/admin/members/"+discordID, bytes.NewReader([]byte(body)))
	r.SetPathValue("discord_id", discordID)
	w := httptest.NewRecorder()
	h.HandleAdminMemberPatch(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}

	got, err := subs.Get(ctx, database, discordID)
	if err != nil || got == nil {
		t.Fatalf("get after patch: %+v, %v", got, err)
	}
	if got.Tier != subs.Tier2 || got.TwitchUsername != "patched" {
		t.Fatalf("snapshot = %+v", got)
	}

	var note string
	if err := database.QueryRowContext(ctx, `SELECT extra->>'note' FROM subscribers WHERE discord_id=$1`, discordID).Scan(&note); err != nil {
		t.Fatal(err)
	}
	if note != "manual import" {
		t.Errorf("extra note = %q", note)
	}

	// oversize extra is rejected
	big := `{"extra":{"blob":"` + strings.Repeat("x", maxExtraBytes+1) + `"}}`
	r = httptest.NewRequest(http.MethodPatch, "/admin/members/"+discordID, bytes.NewReader([]byte(big)))
	r.SetPathValue("discord_id", discordID)
	w = httptest.NewRecorder()
	h.HandleAdminMemberPatch(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversize extra status = %d, want 400", w.Code)
	}
}
