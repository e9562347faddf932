package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/telemetry"
	"github.com/onnwee/sublink/backend/twitchapi"
)

const stateTTL = 15 * time.Minute

// makeState signs the member's Discord id into the OAuth state so the
// callback can trust it without server-side session storage.
func makeState(discordID, secret string, now time.Time) string {
	payload := fmt.Sprintf("%s|%d", discordID, now.Add(stateTTL).Unix())
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString([]byte(payload)) + "." + hex.EncodeToString(mac.Sum(nil))
}

// parseState verifies the signature and TTL and returns the Discord id.
func parseState(state, secret string, now time.Time) (string, error) {
	dot := strings.LastIndex(state, ".")
	if dot < 0 {
		return "", errors.New("malformed state")
	}
	raw, err := base64.RawURLEncoding.DecodeString(state[:dot])
	if err != nil {
		return "", errors.New("malformed state")
	}
	payload := string(raw)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	if !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(state[dot+1:])) {
		return "", errors.New("state signature mismatch")
	}
	parts := strings.SplitN(payload, "|", 2)
	if len(parts) != 2 {
		return "", errors.New("malformed state")
	}
	exp, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || now.Unix() > exp {
		return "", errors.New("state expired")
	}
	return parts[0], nil
}

// HandleOAuthStart redirects a member into the Twitch authorization flow.
// discord_id identifies who is relinking; it rides along in the signed state.
func (h *Handlers) HandleOAuthStart(w http.ResponseWriter, r *http.Request) {
	discordID := r.URL.Query().Get("discord_id")
	if discordID == "" {
		writeError(w, http.StatusBadRequest, "missing discord_id")
		return
	}
	for _, c := range discordID {
		if c < '0' || c > '9' {
			writeError(w, http.StatusBadRequest, "invalid discord_id")
			return
		}
	}
	state := makeState(discordID, h.Cfg.EventSubSecret, time.Now())
	http.Redirect(w, r, h.OAuth.AuthCodeURL(state), http.StatusFound)
}

// HandleOAuthCallback finishes the relink: it exchanges the code, resolves
// the Twitch account, checks the member's subscription, reconciles their
// row, and queues a role sync. A relink always resolves the current cycle,
// subscriber or not.
func (h *Handlers) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := telemetry.LoggerWithCorr(ctx)

	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeError(w, http.StatusBadRequest, "authorization denied: "+errParam)
		return
	}
	discordID, err := parseState(r.URL.Query().Get("state"), h.Cfg.EventSubSecret, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tok, err := twitchapi.ExchangeAuthCode(ctx, h.OAuth, r.URL.Query().Get("code"))
	if err != nil {
		log.Error("auth code exchange failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	user, err := h.Helix.GetUserWithToken(ctx, tok.AccessToken)
	if err != nil {
		log.Error("user resolution failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "could not resolve twitch account")
		return
	}

	ev := subs.Event{Kind: subs.EventEnd, TwitchUserID: user.ID, TwitchUsername: user.Login}
	sub, err := h.Helix.CheckUserSubscription(ctx, tok.AccessToken, h.Cfg.BroadcasterUserID, user.ID)
	switch {
	case err == nil:
		ev = subs.Event{
			Kind:           subs.EventSubscribe,
			TwitchUserID:   user.ID,
			TwitchUsername: user.Login,
			Tier:           subs.TierFromWire(sub.Tier),
		}
	case errors.Is(err, twitchapi.ErrNotSubscribed):
		// linked but not subscribed: the cycle still resolves
	default:
		log.Error("subscription check failed", slog.Any("err", err))
		writeError(w, http.StatusBadGateway, "subscription check failed")
		return
	}

	asOf := time.Now()
	if h.Cfg.SweepTimezone != nil {
		asOf = asOf.In(h.Cfg.SweepTimezone)
	}
	var prev subs.Snapshot
	if p, err := subs.Get(ctx, h.DB, discordID); err == nil && p != nil {
		prev = *p
	}
	prev.DiscordID = discordID
	next := subs.Reconcile(prev, ev, asOf)
	next.TwitchUserID = user.ID
	next.TwitchUsername = user.Login

	if err := subs.ApplyPatch(ctx, h.DB, discordID, subs.PatchFromSnapshot(next)); err != nil {
		log.Error("failed to persist relink", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if telemetry.Reconciliations != nil {
		telemetry.Reconciliations.Inc()
	}

	h.Worker.Submit(entitlement.SyncRoles{
		GuildID:   h.Cfg.DiscordGuildID,
		DiscordID: discordID,
		Tier:      next.Tier,
		Linked:    true,
	})
	if next.IsSubscriber {
		h.Worker.Submit(entitlement.SendDM{DiscordID: discordID,
			Content: fmt.Sprintf("Thanks! Your Twitch account %s is verified for this month (tier: %s).", user.Login, next.Tier)})
	} else {
		h.Worker.Submit(entitlement.SendDM{DiscordID: discordID,
			Content: fmt.Sprintf("Your Twitch account %s is linked, but no active subscription was found.", user.Login)})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte("<html><body><p>Twitch account linked. You can close this tab.</p></body></html>"))
}
