package server

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/eventsub"
	"github.com/onnwee/sublink/backend/inbox"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/telemetry"
)

// HandleAdminGuilds lists the guilds the bot belongs to.
func (h *Handlers) HandleAdminGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := h.Discord.ListGuilds(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"guilds": guilds})
}

// HandleAdminRoles lists the configured guild's roles.
func (h *Handlers) HandleAdminRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.Discord.GetGuildRoles(r.Context(), h.Cfg.DiscordGuildID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

// HandleAdminRoleMembers lists guild members holding one role.
func (h *Handlers) HandleAdminRoleMembers(w http.ResponseWriter, r *http.Request) {
	roleID := r.PathValue("id")
	members, err := h.Discord.ListGuildMembers(r.Context(), h.Cfg.DiscordGuildID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	var holders []discordapi.Member
	for _, m := range members {
		for _, id := range m.Roles {
			if id == roleID {
				holders = append(holders, m)
				break
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"role_id": roleID, "members": holders, "count": len(holders)})
}

// message placeholders: only {user} is allowed; {{ and }} are literal braces.
var placeholderPattern = regexp.MustCompile(`\{([^{}]*)\}`)

func validatePlaceholders(msg string) error {
	stripped := strings.ReplaceAll(strings.ReplaceAll(msg, "{{", ""), "}}", "")
	for _, m := range placeholderPattern.FindAllStringSubmatch(stripped, -1) {
		if m[1] != "user" {
			return fmt.Errorf("unknown placeholder {%s}; only {user} is supported", m[1])
		}
	}
	if strings.Count(stripped, "{") != len(placeholderPattern.FindAllString(stripped, -1)) ||
		strings.Count(stripped, "}") != len(placeholderPattern.FindAllString(stripped, -1)) {
		return fmt.Errorf("unbalanced braces in message")
	}
	return nil
}

const maxAttachmentBytes = 8 << 20

type broadcastRequest struct {
	Message   string   `json:"message"`
	MinStreak int      `json:"min_streak"`
	RoleIDs   []string `json:"role_ids"`
	FileURL   string   `json:"file_url"`
}

// HandleAdminBroadcast DMs an entitlement group: every holder of one of the
// given role ids, or every current subscriber when no roles are named. The
// min_streak filter applies either way. The message template may reference
// the member with {user}; an optional attachment is fetched from file_url
// (capped at 8MB).
func (h *Handlers) HandleAdminBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "empty message")
		return
	}
	if err := validatePlaceholders(req.Message); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var att *discordapi.Attachment
	if req.FileURL != "" {
		resp, err := http.Get(req.FileURL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment fetch failed")
			return
		}
		defer func() {
			if err := resp.Body.Close(); err != nil {
				slog.Warn("failed to close response body", slog.Any("err", err))
			}
		}()
		if resp.StatusCode != http.StatusOK {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("attachment fetch returned %d", resp.StatusCode))
			return
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes+1))
		if err != nil {
			writeError(w, http.StatusBadRequest, "attachment read failed")
			return
		}
		if len(data) > maxAttachmentBytes {
			writeError(w, http.StatusBadRequest, "attachment exceeds 8MB limit")
			return
		}
		name := path.Base(req.FileURL)
		if i := strings.IndexByte(name, '?'); i >= 0 {
			name = name[:i]
		}
		if name == "" || name == "." || name == "/" {
			name = "attachment"
		}
		att = &discordapi.Attachment{Filename: name, Data: data}
	}

	queued := 0
	send := func(discordID, name string) {
		if name == "" {
			name = discordID
		}
		h.Worker.Submit(entitlement.SendDM{
			DiscordID:  discordID,
			Content:    strings.ReplaceAll(req.Message, "{user}", name),
			Attachment: att,
		})
		queued++
	}

	if len(req.RoleIDs) > 0 {
		members, err := h.Discord.ListGuildMembers(r.Context(), h.Cfg.DiscordGuildID)
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		want := make(map[string]bool, len(req.RoleIDs))
		for _, id := range req.RoleIDs {
			want[id] = true
		}
		for _, m := range members {
			holds := false
			for _, id := range m.Roles {
				if want[id] {
					holds = true
					break
				}
			}
			if !holds {
				continue
			}
			name := m.User.Username
			if req.MinStreak > 0 {
				row, err := subs.Get(r.Context(), h.DB, m.User.ID)
				if err != nil {
					writeError(w, http.StatusInternalServerError, err.Error())
					return
				}
				if row == nil || row.StreakMonths < req.MinStreak {
					continue
				}
				if row.TwitchUsername != "" {
					name = row.TwitchUsername
				}
			}
			send(m.User.ID, name)
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
		return
	}

	members, err := subs.ListCurrentSubscribers(r.Context(), h.DB)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, m := range members {
		if m.StreakMonths < req.MinStreak {
			continue
		}
		send(m.DiscordID, m.TwitchUsername)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queued": queued})
}

// HandleAdminInboxList lists stored deliveries, filterable by status and subject.
func (h *Handlers) HandleAdminInboxList(w http.ResponseWriter, r *http.Request) {
	events, err := inbox.List(r.Context(), h.DB, inbox.ListOptions{
		Status:    r.URL.Query().Get("status"),
		SubjectID: r.URL.Query().Get("subject_id"),
		Limit:     parseInt(r.URL.Query().Get("limit"), 100),
		Offset:    parseInt(r.URL.Query().Get("offset"), 0),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// HandleAdminInboxReprocess replays one stored delivery through the engine.
// Reconciliation is deterministic for the same event, so replaying a
// processed delivery converges rather than double-counts.
func (h *Handlers) HandleAdminInboxReprocess(w http.ResponseWriter, r *http.Request) {
	source, id := r.PathValue("source"), r.PathValue("id")
	ev, err := inbox.Get(r.Context(), h.DB, source, id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ev == nil {
		writeError(w, http.StatusNotFound, "no such delivery")
		return
	}
	env, err := eventsub.ParseEnvelope(ev.Payload)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "stored payload is not a valid envelope")
		return
	}
	matched, perr := h.applyEnvelope(r.Context(), env)
	if merr := inbox.MarkProcessed(r.Context(), h.DB, source, id, perr); merr != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("failed to mark inbox event", slog.Any("err", merr))
	}
	if perr != nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "failed", "matched": matched, "error": perr.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": matched})
}

// HandleAdminEventSubList shows currently registered EventSub subscriptions.
func (h *Handlers) HandleAdminEventSubList(w http.ResponseWriter, r *http.Request) {
	list, err := h.Helix.ListEventSubSubscriptions(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": list, "count": len(list)})
}

// HandleAdminEventSubCreate registers webhook subscriptions. With no body
// (or an empty type list) it registers the three consumed types.
func (h *Handlers) HandleAdminEventSubCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Types []string `json:"types"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	if len(req.Types) == 0 {
		req.Types = []string{eventsub.TypeSubscribe, eventsub.TypeResubMessage, eventsub.TypeSubEnd}
	}
	var created []any
	for _, t := range req.Types {
		sub, err := h.Helix.CreateEventSubSubscription(r.Context(), t, h.Cfg.BroadcasterUserID, h.Cfg.EventSubCallback, h.Cfg.EventSubSecret)
		if err != nil {
			writeJSON(w, http.StatusBadGateway, map[string]any{"created": created, "error": fmt.Sprintf("create %s: %v", t, err)})
			return
		}
		created = append(created, sub)
	}
	writeJSON(w, http.StatusCreated, map[string]any{"created": created})
}

// HandleAdminEventSubDelete removes one registered subscription.
func (h *Handlers) HandleAdminEventSubDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.Helix.DeleteEventSubSubscription(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// HandleAdminSweepMonthly forces the monthly sweep regardless of date or stamp.
func (h *Handlers) HandleAdminSweepMonthly(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sweeper.RunMonthly(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"noticed": n})
}

// HandleAdminSweepDaily forces the daily follow-up, ignoring the grace period.
func (h *Handlers) HandleAdminSweepDaily(w http.ResponseWriter, r *http.Request) {
	n, err := h.Sweeper.RunDaily(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"followed_up": n})
}

// HandleAdminUnlink removes a member's link and every managed role.
func (h *Handlers) HandleAdminUnlink(w http.ResponseWriter, r *http.Request) {
	discordID := r.PathValue("discord_id")
	m, err := subs.Get(r.Context(), h.DB, discordID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no such member")
		return
	}
	h.Worker.Submit(entitlement.SyncRoles{
		GuildID:   h.Cfg.DiscordGuildID,
		DiscordID: discordID,
		Tier:      subs.TierNone,
		Linked:    false,
	})
	if err := subs.Delete(r.Context(), h.DB, discordID); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unlinked"})
}

// HandleAdminMemberScan seeds subscriber rows for guild members already
// holding the linked role, so sweeps cover members linked before this
// service existed.
func (h *Handlers) HandleAdminMemberScan(w http.ResponseWriter, r *http.Request) {
	gr, ok := h.RoleMap[h.Cfg.DiscordGuildID]
	if !ok || gr.LinkedRoleID == "" {
		writeError(w, http.StatusUnprocessableEntity, "no linked role configured for guild")
		return
	}
	members, err := h.Discord.ListGuildMembers(r.Context(), h.Cfg.DiscordGuildID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	seeded := 0
	for _, m := range members {
		holds := false
		for _, id := range m.Roles {
			if id == gr.LinkedRoleID {
				holds = true
				break
			}
		}
		if !holds {
			continue
		}
		if err := subs.ApplyPatch(r.Context(), h.DB, m.User.ID, subs.Patch{}); err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("seed failed", slog.String("discord_id", m.User.ID), slog.Any("err", err))
			continue
		}
		seeded++
	}
	writeJSON(w, http.StatusOK, map[string]any{"seeded": seeded})
}

// HandleAdminMemberGet returns one member row with its extra map.
func (h *Handlers) HandleAdminMemberGet(w http.ResponseWriter, r *http.Request) {
	discordID := r.PathValue("discord_id")
	m, err := subs.Get(r.Context(), h.DB, discordID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if m == nil {
		writeError(w, http.StatusNotFound, "no such member")
		return
	}
	var extra json.RawMessage
	if err := h.DB.QueryRowContext(r.Context(), `SELECT extra FROM subscribers WHERE discord_id=$1`, discordID).Scan(&extra); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"member": m, "extra": extra})
}

const maxExtraBytes = 8 << 10

type memberPatchRequest struct {
	TwitchUserID   *string        `json:"twitch_user_id"`
	TwitchUsername *string        `json:"twitch_username"`
	Tier           *string        `json:"tier"`
	Resolved       *bool          `json:"resolved"`
	Extra          map[string]any `json:"extra"`
}

// HandleAdminMemberPatch merges the given fields into a member row. Unknown
// provider metadata goes into the bounded extra map; typed columns are never
// clobbered by omitted fields.
func (h *Handlers) HandleAdminMemberPatch(w http.ResponseWriter, r *http.Request) {
	discordID := r.PathValue("discord_id")
	var req memberPatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	p := subs.Patch{
		TwitchUserID:   req.TwitchUserID,
		TwitchUsername: req.TwitchUsername,
		Resolved:       req.Resolved,
	}
	if req.Tier != nil {
		t := subs.TierFromWire(*req.Tier)
		p.Tier = &t
	}
	if err := subs.ApplyPatch(r.Context(), h.DB, discordID, p); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if len(req.Extra) > 0 {
		blob, err := json.Marshal(req.Extra)
		if err != nil || len(blob) > maxExtraBytes {
			writeError(w, http.StatusBadRequest, "extra map too large")
			return
		}
		if _, err := h.DB.ExecContext(r.Context(),
			`UPDATE subscribers SET extra = extra || $2::jsonb, updated_at=NOW() WHERE discord_id=$1`,
			discordID, blob); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
