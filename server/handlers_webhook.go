package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/eventsub"
	"github.com/onnwee/sublink/backend/inbox"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/telemetry"
)

const maxWebhookBody = 1 << 20

// HandleEventSub receives Twitch EventSub deliveries. The delivery is
// acknowledged as soon as it is persisted to the inbox; a processing failure
// after that point is retried via the admin reprocess endpoint, not by
// Twitch redelivery.
func (h *Handlers) HandleEventSub(w http.ResponseWriter, r *http.Request) {
	if telemetry.WebhooksReceived != nil {
		telemetry.WebhooksReceived.Inc()
	}
	log := telemetry.LoggerWithCorr(r.Context())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	msgType := r.Header.Get(eventsub.HeaderMessageType)
	env, err := eventsub.ParseEnvelope(body)
	if err != nil {
		if telemetry.WebhooksRejected != nil {
			telemetry.WebhooksRejected.Inc()
		}
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}

	// The verification handshake echoes the challenge back as plain text.
	if msgType == eventsub.MessageTypeVerification {
		if env.Challenge == "" {
			writeError(w, http.StatusBadRequest, "missing challenge")
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(env.Challenge))
		return
	}

	msgID := r.Header.Get(eventsub.HeaderMessageID)
	if msgID == "" || r.Header.Get(eventsub.HeaderMessageTimestamp) == "" || r.Header.Get(eventsub.HeaderMessageSignature) == "" {
		if telemetry.WebhooksRejected != nil {
			telemetry.WebhooksRejected.Inc()
		}
		writeError(w, http.StatusBadRequest, "missing signature headers")
		return
	}
	if err := eventsub.VerifyRequest(h.Cfg.EventSubSecret, r, body); err != nil {
		if telemetry.WebhooksRejected != nil {
			telemetry.WebhooksRejected.Inc()
		}
		log.Warn("eventsub signature rejected", slog.String("message_id", msgID))
		writeError(w, http.StatusForbidden, "signature mismatch")
		return
	}
	if telemetry.WebhooksVerified != nil {
		telemetry.WebhooksVerified.Inc()
	}

	if msgType == eventsub.MessageTypeRevocation {
		log.Warn("eventsub subscription revoked",
			slog.String("type", env.Subscription.Type),
			slog.String("status", env.Subscription.Status))
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
		return
	}

	ev := env.ToEvent()
	inserted, err := inbox.Enqueue(r.Context(), h.DB, inbox.Event{
		Source:     "twitch",
		DeliveryID: msgID,
		EventType:  env.Subscription.Type,
		SubjectID:  ev.TwitchUserID,
		Payload:    body,
		Headers: map[string]string{
			eventsub.HeaderMessageID:        msgID,
			eventsub.HeaderMessageTimestamp: r.Header.Get(eventsub.HeaderMessageTimestamp),
			eventsub.HeaderMessageType:      msgType,
		},
	})
	if err != nil {
		log.Error("inbox enqueue failed", slog.Any("err", err))
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if !inserted {
		if telemetry.InboxDuplicates != nil {
			telemetry.InboxDuplicates.Inc()
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": 0, "duplicate": true})
		return
	}
	if telemetry.InboxEnqueued != nil {
		telemetry.InboxEnqueued.Inc()
	}

	matched, perr := h.applyEnvelope(r.Context(), env)
	if merr := inbox.MarkProcessed(r.Context(), h.DB, "twitch", msgID, perr); merr != nil {
		log.Error("failed to mark inbox event", slog.Any("err", merr))
	}
	if perr != nil {
		// the delivery is stored; failure here is retried by reprocessing
		log.Error("delivery processing failed", slog.String("message_id", msgID), slog.Any("err", perr))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "matched": matched})
}

// applyEnvelope reconciles every Discord account linked to the event's
// Twitch user and queues role syncs. Unknown event types and events for
// unlinked Twitch users are acknowledged without effect.
func (h *Handlers) applyEnvelope(ctx context.Context, env *eventsub.Envelope) (int, error) {
	ev := env.ToEvent()
	if ev.Kind == subs.EventUnknown || ev.TwitchUserID == "" {
		return 0, nil
	}

	members, err := subs.FindByTwitchUserID(ctx, h.DB, ev.TwitchUserID)
	if err != nil {
		return 0, fmt.Errorf("find linked members: %w", err)
	}

	asOf := time.Now()
	if h.Cfg.SweepTimezone != nil {
		asOf = asOf.In(h.Cfg.SweepTimezone)
	}

	var firstErr error
	matched := 0
	for _, prev := range members {
		next := subs.Reconcile(prev, ev, asOf)
		if err := subs.ApplyPatch(ctx, h.DB, prev.DiscordID, subs.PatchFromSnapshot(next)); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("apply %s: %w", prev.DiscordID, err)
			}
			continue
		}
		if telemetry.Reconciliations != nil {
			telemetry.Reconciliations.Inc()
		}
		h.Worker.Submit(entitlement.SyncRoles{
			GuildID:   h.Cfg.DiscordGuildID,
			DiscordID: prev.DiscordID,
			Tier:      next.Tier,
			Linked:    true,
		})
		matched++
	}

	if matched > 0 && ev.Kind == subs.EventRenewal && ev.TwitchUsername != "" {
		h.Worker.Submit(entitlement.Announce{
			Message: fmt.Sprintf("%s resubscribed! %d months and counting.", ev.TwitchUsername, ev.CumulativeMonths),
		})
	}
	return matched, firstErr
}
