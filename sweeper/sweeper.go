// Package sweeper runs the monthly re-verification cycle: on the first day
// of each month every linked member is marked unresolved and asked to relink;
// a daily follow-up resends the notice and revokes tier roles from members
// still unresolved after a grace period.
package sweeper

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/onnwee/sublink/backend/db"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/telemetry"
)

// kv stamp recording the last completed monthly run, value YYYY-MM.
const monthlyRunKey = "sweeper_last_monthly_run"

// submitter is the slice of the entitlement worker the sweeper uses.
type submitter interface {
	Submit(entitlement.Command)
}

// Sweeper drives the verification cycle. All date math happens in Loc. The
// zero grace period defaults to seven days.
type Sweeper struct {
	DB          *sql.DB
	Worker      submitter
	GuildID     string
	Loc         *time.Location
	RelinkURL   string
	GracePeriod time.Duration
	Now         func() time.Time // test hook

	running atomic.Bool
}

func (s *Sweeper) now() time.Time {
	var t time.Time
	if s.Now != nil {
		t = s.Now()
	} else {
		t = time.Now()
	}
	if s.Loc != nil {
		t = t.In(s.Loc)
	}
	return t
}

func (s *Sweeper) grace() time.Duration {
	if s.GracePeriod > 0 {
		return s.GracePeriod
	}
	return 7 * 24 * time.Hour
}

// Start runs the sweep loop: one immediate pass, then one per hour. The
// monthly pass is guarded by the kv stamp, so waking often is harmless.
func Start(ctx context.Context, s *Sweeper) {
	go func() {
		run := func() {
			if _, err := s.RunMonthly(ctx, false); err != nil {
				slog.Error("monthly sweep failed", slog.Any("err", err))
			}
			if _, err := s.RunDaily(ctx, false); err != nil {
				slog.Error("daily sweep failed", slog.Any("err", err))
			}
		}
		run()
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

// RunMonthly opens a new verification cycle when today is the first of the
// month (or force is set) and the stamp shows no run for this month yet.
// Every linked member is marked unresolved and sent a relink notice. It
// returns the number of members noticed.
func (s *Sweeper) RunMonthly(ctx context.Context, force bool) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	now := s.now()
	if !force && now.Day() != 1 {
		return 0, nil
	}
	monthKey := now.Format("2006-01")
	last, err := db.KVGet(ctx, s.DB, monthlyRunKey)
	if err != nil {
		return 0, fmt.Errorf("read sweep stamp: %w", err)
	}
	if last == monthKey && !force {
		return 0, nil
	}

	members, err := s.linkedMembers(ctx)
	if err != nil {
		if telemetry.SweepFailures != nil {
			telemetry.SweepFailures.Inc()
		}
		return 0, err
	}

	noticed := 0
	for _, m := range members {
		if err := s.openCycle(ctx, m, now); err != nil {
			slog.Error("failed to open verification cycle", slog.String("discord_id", m.DiscordID), slog.Any("err", err))
			continue
		}
		s.Worker.Submit(entitlement.SendDM{DiscordID: m.DiscordID, Content: s.noticeMessage(false)})
		noticed++
	}

	if err := db.KVSet(ctx, s.DB, monthlyRunKey, monthKey); err != nil {
		return noticed, fmt.Errorf("write sweep stamp: %w", err)
	}
	if telemetry.SweepsMonthly != nil {
		telemetry.SweepsMonthly.Inc()
	}
	telemetry.SetUnresolved(noticed)
	slog.Info("monthly sweep complete", slog.String("month", monthKey), slog.Int("noticed", noticed))
	return noticed, nil
}

// RunDaily resends the notice to members still unresolved past the grace
// period and revokes their tier roles. A member whose subscription was
// already confirmed this calendar month is resolved instead of revoked.
// Failures on one member never stop the pass. It returns the number of
// members followed up.
func (s *Sweeper) RunDaily(ctx context.Context, force bool) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer s.running.Store(false)

	now := s.now()
	unresolved, err := subs.ListUnresolved(ctx, s.DB)
	if err != nil {
		if telemetry.SweepFailures != nil {
			telemetry.SweepFailures.Inc()
		}
		return 0, err
	}
	telemetry.SetUnresolved(len(unresolved))

	followedUp := 0
	for _, m := range unresolved {
		// a verification that landed after the cycle opened (webhook on
		// day 1 before the monthly pass, or out-of-band) closes the cycle
		if m.LastVerifiedAt != nil && sameCalendarMonth(*m.LastVerifiedAt, now) {
			if err := s.resolveVerified(ctx, m); err != nil {
				slog.Error("failed to resolve verified member", slog.String("discord_id", m.DiscordID), slog.Any("err", err))
			}
			continue
		}
		if m.FirstNoticeAt == nil {
			continue
		}
		if !force {
			ref := m.LastNoticeAt
			if ref == nil {
				ref = m.FirstNoticeAt
			}
			if now.Sub(*ref) < s.grace() {
				continue
			}
		}
		if err := s.followUp(ctx, m, now); err != nil {
			slog.Error("follow-up failed", slog.String("discord_id", m.DiscordID), slog.Any("err", err))
			continue
		}
		s.Worker.Submit(entitlement.SyncRoles{GuildID: s.GuildID, DiscordID: m.DiscordID, Tier: subs.TierNone, Linked: true})
		s.Worker.Submit(entitlement.SendDM{DiscordID: m.DiscordID, Content: s.noticeMessage(true)})
		followedUp++
	}
	if telemetry.SweepsDaily != nil {
		telemetry.SweepsDaily.Inc()
	}
	if followedUp > 0 {
		slog.Info("daily sweep complete", slog.Int("followed_up", followedUp))
	}
	return followedUp, nil
}

func (s *Sweeper) linkedMembers(ctx context.Context) ([]subs.Snapshot, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT discord_id FROM subscribers WHERE twitch_user_id IS NOT NULL AND twitch_user_id <> ''`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []subs.Snapshot
	for rows.Next() {
		var m subs.Snapshot
		if err := rows.Scan(&m.DiscordID); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Sweeper) openCycle(ctx context.Context, m subs.Snapshot, now time.Time) error {
	f := false
	t := sql.NullTime{Time: now, Valid: true}
	return subs.ApplyPatch(ctx, s.DB, m.DiscordID, subs.Patch{
		Resolved:      &f,
		FirstNoticeAt: &t,
		LastNoticeAt:  &t,
	})
}

func sameCalendarMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

// resolveVerified closes the cycle without a reminder or revocation.
func (s *Sweeper) resolveVerified(ctx context.Context, m subs.Snapshot) error {
	tr := true
	clear := sql.NullTime{}
	return subs.ApplyPatch(ctx, s.DB, m.DiscordID, subs.Patch{
		Resolved:      &tr,
		FirstNoticeAt: &clear,
		LastNoticeAt:  &clear,
	})
}

func (s *Sweeper) followUp(ctx context.Context, m subs.Snapshot, now time.Time) error {
	tr := true
	t := sql.NullTime{Time: now, Valid: true}
	return subs.ApplyPatch(ctx, s.DB, m.DiscordID, subs.Patch{
		LastNoticeAt:   &t,
		RolesRevoked:   &tr,
		RolesRevokedAt: &t,
	})
}

func (s *Sweeper) noticeMessage(reminder bool) string {
	link := s.RelinkURL
	if link == "" {
		link = "the relink page"
	}
	if reminder {
		return fmt.Sprintf("Reminder: your Twitch subscription has not been re-verified this month, so your subscriber roles were removed. Relink at %s to restore them.", link)
	}
	return fmt.Sprintf("It's a new month! Please re-verify your Twitch subscription at %s to keep your subscriber roles.", link)
}
