// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Webhook path
	WebhooksReceived prometheus.Counter
	WebhooksVerified prometheus.Counter
	WebhooksRejected prometheus.Counter
	InboxEnqueued    prometheus.Counter
	InboxDuplicates  prometheus.Counter

	// Engine and entitlement
	Reconciliations   prometheus.Counter
	RoleSyncs         prometheus.Counter
	RoleMutations     *prometheus.CounterVec // op=add|remove
	RoleSyncFailures  prometheus.Counter
	DMsSent           prometheus.Counter
	DMsFailed         prometheus.Counter
	CommandsDropped   prometheus.Counter
	ChatAnnouncements prometheus.Counter

	// Sweeper
	SweepsMonthly  prometheus.Counter
	SweepsDaily    prometheus.Counter
	SweepFailures  prometheus.Counter
	UnresolvedGauge prometheus.Gauge

	// Provider clients
	ProviderRetries *prometheus.CounterVec // provider=twitch|discord
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		WebhooksReceived = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_webhooks_received_total", Help: "EventSub deliveries received"})
		WebhooksVerified = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_webhooks_verified_total", Help: "EventSub deliveries with a valid signature"})
		WebhooksRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_webhooks_rejected_total", Help: "EventSub deliveries rejected before processing"})
		InboxEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_inbox_enqueued_total", Help: "Deliveries newly persisted to the inbox"})
		InboxDuplicates = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_inbox_duplicates_total", Help: "Redeliveries dropped by the inbox key"})
		Reconciliations = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_reconciliations_total", Help: "Subscriber state reconciliations applied"})
		RoleSyncs = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_role_syncs_total", Help: "Role synchronization commands executed"})
		RoleMutations = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sublink_role_mutations_total", Help: "Discord role grants and revocations"}, []string{"op"})
		RoleSyncFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_role_sync_failures_total", Help: "Role synchronizations that failed"})
		DMsSent = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_dms_sent_total", Help: "Direct messages delivered"})
		DMsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_dms_failed_total", Help: "Direct messages that could not be delivered"})
		CommandsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_worker_commands_dropped_total", Help: "Worker commands dropped because the queue was full"})
		ChatAnnouncements = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_chat_announcements_total", Help: "Twitch chat announcements sent"})
		SweepsMonthly = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_sweeps_monthly_total", Help: "Monthly verification sweeps run"})
		SweepsDaily = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_sweeps_daily_total", Help: "Daily follow-up sweeps run"})
		SweepFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "sublink_sweep_failures_total", Help: "Sweeps aborted by an error"})
		UnresolvedGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "sublink_unresolved_members", Help: "Members whose current monthly cycle is unsatisfied"})
		ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{Name: "sublink_provider_retries_total", Help: "Retried provider API calls"}, []string{"provider"})
	})
}

// SetUnresolved records the current count of unresolved members.
func SetUnresolved(n int) {
	if UnresolvedGauge != nil {
		UnresolvedGauge.Set(float64(n))
	}
}

// IncRoleMutation bumps the grant/revoke counter.
func IncRoleMutation(op string) {
	if RoleMutations != nil {
		RoleMutations.WithLabelValues(op).Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
