package server

import (
	"database/sql"
	"net/http"

	"github.com/onnwee/sublink/backend/db"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error { return h.DB.PingContext(r.Context()) }},
		{"eventsub_secret", func() error { return h.Cfg.ValidateEventSubReady() }},
		{"discord", func() error { return h.Cfg.ValidateDiscordReady() }},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// HandleStatus reports operational counters for the dashboard.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var linked, subscribers, unresolved, pendingInbox int
	row := h.DB.QueryRowContext(ctx, `SELECT
		COUNT(*) FILTER (WHERE twitch_user_id IS NOT NULL AND twitch_user_id <> ''),
		COUNT(*) FILTER (WHERE is_subscriber),
		COUNT(*) FILTER (WHERE NOT resolved)
		FROM subscribers`)
	if err := row.Scan(&linked, &subscribers, &unresolved); err != nil && err != sql.ErrNoRows {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := h.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM inbox_events WHERE status IN ('pending','failed')`).Scan(&pendingInbox); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	lastSweep, _ := db.KVGet(ctx, h.DB, "sweeper_last_monthly_run")

	writeJSON(w, http.StatusOK, map[string]any{
		"linked_members":     linked,
		"subscribers":        subscribers,
		"unresolved":         unresolved,
		"inbox_pending":      pendingInbox,
		"last_monthly_sweep": lastSweep,
	})
}
