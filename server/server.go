// Package server exposes the HTTP API: the EventSub webhook, the viewer
// relink flow, health, status, metrics, and the admin surface. It includes
// permissive CORS for development and injects correlation IDs into request
// contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/sublink/backend/telemetry"
)

// NewMux returns the HTTP handler with all routes. The provided context
// bounds the rate limiter's cleanup goroutine.
func NewMux(ctx context.Context, h *Handlers) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiterCfg := loadRateLimiterConfig()
	corsCfg := loadCORSConfig()
	rateLimiter := newIPRateLimiter(ctx, rateLimiterCfg)

	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())

	// EventSub webhook
	mux.HandleFunc("POST /twitch_eventsub", h.HandleEventSub)

	// Viewer relink flow
	mux.HandleFunc("GET /auth/twitch/start", h.HandleOAuthStart)
	mux.HandleFunc("GET /auth/twitch/callback", h.HandleOAuthCallback)

	// Health and status
	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)

	// Admin surface
	mux.HandleFunc("GET /admin/guilds", h.HandleAdminGuilds)
	mux.HandleFunc("GET /admin/roles", h.HandleAdminRoles)
	mux.HandleFunc("GET /admin/roles/{id}/members", h.HandleAdminRoleMembers)
	mux.HandleFunc("POST /admin/broadcast", h.HandleAdminBroadcast)
	mux.HandleFunc("GET /admin/inbox", h.HandleAdminInboxList)
	mux.HandleFunc("POST /admin/inbox/{source}/{id}/reprocess", h.HandleAdminInboxReprocess)
	mux.HandleFunc("GET /admin/eventsub/subscriptions", h.HandleAdminEventSubList)
	mux.HandleFunc("POST /admin/eventsub/subscriptions", h.HandleAdminEventSubCreate)
	mux.HandleFunc("DELETE /admin/eventsub/subscriptions/{id}", h.HandleAdminEventSubDelete)
	mux.HandleFunc("POST /admin/sweep/monthly", h.HandleAdminSweepMonthly)
	mux.HandleFunc("POST /admin/sweep/daily", h.HandleAdminSweepDaily)
	mux.HandleFunc("POST /admin/unlink/{discord_id}", h.HandleAdminUnlink)
	mux.HandleFunc("POST /admin/members/scan", h.HandleAdminMemberScan)
	mux.HandleFunc("PATCH /admin/members/{discord_id}", h.HandleAdminMemberPatch)
	mux.HandleFunc("GET /admin/members/{discord_id}", h.HandleAdminMemberGet)

	// Admin endpoints get auth plus rate limiting; everything else is open.
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Flush implements http.Flusher if the underlying ResponseWriter supports it
func (r *statusRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, h *Handlers, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, h),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
