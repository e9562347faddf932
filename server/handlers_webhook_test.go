package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/onnwee/sublink/backend/config"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/eventsub"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/testutil"
)

const webhookSecret = "test-webhook-secret"

func webhookHandlers(t *testing.T) (*Handlers, *recordingSubmitter) {
	t.Helper()
	sub := &recordingSubmitter{}
	h := &Handlers{
		Cfg: &config.Config{
			EventSubSecret: webhookSecret,
			DiscordGuildID: "guild-1",
		},
		Worker: sub,
	}
	return h, sub
}

func signedRequest(t *testing.T, msgID, msgType string, body []byte) *http.Request {
	t.Helper()
	ts := time.Now().UTC().Format(time.RFC3339)
	r := httptest.NewRequest(http.MethodPost, "/twitch_eventsub", bytes.NewReader(body))
	r.Header.Set(eventsub.HeaderMessageID, msgID)
	r.Header.Set(eventsub.HeaderMessageTimestamp, ts)
	r.Header.Set(eventsub.HeaderMessageType, msgType)
	r.Header.Set(eventsub.HeaderMessageSignature, eventsub.ComputeSignature(webhookSecret, msgID, ts, body))
	return r
}

func resubBody(userID, login, tier string, cumulative, streak int) []byte {
	return []byte(fmt.Sprintf(
		`{"subscription":{"id":"es-1","type":%q,"status":"enabled"},"event":{"user_id":%q,"user_login":%q,"user_name":%q,"tier":%q,"cumulative_months":%d,"streak_months":%d}}`,
		eventsub.TypeResubMessage, userID, login, login, tier, cumulative, streak))
}

func TestEventSubChallengeEcho(t *testing.T) {
	h, _ := webhookHandlers(t)
	body := []byte(`{"challenge":"pingback-123","subscription":{"type":"channel.subscribe"}}`)
	r := httptest.NewRequest(http.MethodPost, "/twitch_eventsub", bytes.NewReader(body))
	r.Header.Set(eventsub.HeaderMessageType, eventsub.MessageTypeVerification)

	w := httptest.NewRecorder()
	h.HandleEventSub(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := w.Body.String(); got != "pingback-123" {
		t.Errorf("body = %q, want raw challenge", got)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}

func TestEventSubMalformedBody(t *testing.T) {
	h, _ := webhookHandlers(t)
	r := httptest.NewRequest(http.MethodPost, "/twitch_eventsub", bytes.NewReader([]byte("not json")))
	r.Header.Set(eventsub.HeaderMessageType, eventsub.MessageTypeNotification)

	w := httptest.NewRecorder()
	h.HandleEventSub(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEventSubMissingSignatureHeaders(t *testing.T) {
	h, _ := webhookHandlers(t)
	r := httptest.NewRequest(http.MethodPost, "/twitch_eventsub", bytes.NewReader(resubBody("u1", "viewer", "1000", 3, 3)))
	r.Header.Set(eventsub.HeaderMessageType, eventsub.MessageTypeNotification)

	w := httptest.NewRecorder()
	h.HandleEventSub(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestEventSubRejectsBadSignature(t *testing.T) {
	h, _ := webhookHandlers(t)
	body := resubBody("u1", "viewer", "1000", 3, 3)
	r := signedRequest(t, "msg-bad-sig", eventsub.MessageTypeNotification, body)
	r.Header.Set(eventsub.HeaderMessageSignature, "sha256=0000000000000000000000000000000000000000000000000000000000000000")

	w := httptest.NewRecorder()
	h.HandleEventSub(w, r)
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestEventSubRevocationAcknowledged(t *testing.T) {
	h, sub := webhookHandlers(t)
	body := []byte(`{"subscription":{"id":"es-1","type":"channel.subscribe","status":"authorization_revoked"}}`)
	r := signedRequest(t, "msg-revoked", eventsub.MessageTypeRevocation, body)

	w := httptest.NewRecorder()
	h.HandleEventSub(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["status"] != "revoked" {
		t.Errorf("status field = %q", resp["status"])
	}
	if len(sub.all()) != 0 {
		t.Error("revocation must not queue work")
	}
}

func TestEventSubRenewalUpdatesLinkedMember(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h, sub := webhookHandlers(t)
	h.DB = database
	ctx := context.Background()

	const discordID = "wh-discord-renewal"
	const twitchID = "wh-twitch-renewal"
	if err := subs.Delete(ctx, database, discordID); err != nil {
		t.Fatal(err)
	}
	tid, login := twitchID, "renewer"
	if err := subs.ApplyPatch(ctx, database, discordID, subs.Patch{TwitchUserID: &tid, TwitchUsername: &login}); err != nil {
		t.Fatal(err)
	}

	body := resubBody(twitchID, "renewer", "2000", 7, 4)
	w := httptest.NewRecorder()
	h.HandleEventSub(w, signedRequest(t, "msg-renewal-1", eventsub.MessageTypeNotification, body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["matched"] != float64(1) {
		t.Fatalf("matched = %v, want 1", resp["matched"])
	}

	got, err := subs.Get(ctx, database, discordID)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || !got.IsSubscriber || got.Tier != subs.Tier2 {
		t.Fatalf("snapshot after renewal = %+v", got)
	}
	// cumulative is self-counted, never taken from the provider: one
	// confirmed month on a fresh link, whatever the payload claims
	if got.CumulativeMonths != 1 {
		t.Errorf("cumulative = %d, want 1", got.CumulativeMonths)
	}
	if got.StreakMonths != 4 {
		t.Errorf("streak = %d, want provider-claimed 4", got.StreakMonths)
	}

	var sawSync, sawAnnounce bool
	for _, c := range sub.all() {
		switch cmd := c.(type) {
		case entitlement.SyncRoles:
			if cmd.DiscordID == discordID && cmd.Tier == subs.Tier2 && cmd.Linked {
				sawSync = true
			}
		case entitlement.Announce:
			sawAnnounce = true
		}
	}
	if !sawSync {
		t.Error("expected a role sync for the linked member")
	}
	if !sawAnnounce {
		t.Error("expected a chat announcement for the renewal")
	}
}

func TestEventSubDuplicateDeliveryIsAcknowledged(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h, sub := webhookHandlers(t)
	h.DB = database
	ctx := context.Background()

	const discordID = "wh-discord-dup"
	const twitchID = "wh-twitch-dup"
	if err := subs.Delete(ctx, database, discordID); err != nil {
		t.Fatal(err)
	}
	tid := twitchID
	if err := subs.ApplyPatch(ctx, database, discordID, subs.Patch{TwitchUserID: &tid}); err != nil {
		t.Fatal(err)
	}

	body := resubBody(twitchID, "dupe", "1000", 2, 2)
	first := httptest.NewRecorder()
	h.HandleEventSub(first, signedRequest(t, "msg-dup-1", eventsub.MessageTypeNotification, body))
	if first.Code != http.StatusOK {
		t.Fatalf("first delivery status = %d: %s", first.Code, first.Body.String())
	}
	queued := len(sub.all())

	second := httptest.NewRecorder()
	h.HandleEventSub(second, signedRequest(t, "msg-dup-1", eventsub.MessageTypeNotification, body))
	if second.Code != http.StatusOK {
		t.Fatalf("replay status = %d", second.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(second.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["duplicate"] != true {
		t.Errorf("replay response = %v, want duplicate flag", resp)
	}
	if len(sub.all()) != queued {
		t.Error("replay must not queue more work")
	}
}

func TestEventSubUnlinkedUserMatchesNothing(t *testing.T) {
	database := testutil.SetupTestDB(t)
	h, sub := webhookHandlers(t)
	h.DB = database

	body := resubBody("wh-twitch-nobody", "stranger", "1000", 1, 1)
	w := httptest.NewRecorder()
	h.HandleEventSub(w, signedRequest(t, "msg-nobody-1", eventsub.MessageTypeNotification, body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["matched"] != float64(0) {
		t.Errorf("matched = %v, want 0", resp["matched"])
	}
	for _, c := range sub.all() {
		if _, ok := c.(entitlement.SyncRoles); ok {
			t.Error("no role sync expected for an unlinked user")
		}
	}
}
