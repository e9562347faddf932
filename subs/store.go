package subs

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Patch is a field-level partial update of a subscriber row. Nil fields are
// left untouched, so the three independent writers (webhook path, manual
// relink, sweeper) never clobber each other's columns. Nullable timestamps
// use *sql.NullTime: a non-nil pointer means "set", Valid=false means NULL.
type Patch struct {
	TwitchUserID     *string
	TwitchUsername   *string
	Tier             *Tier
	IsSubscriber     *bool
	StreakMonths     *int
	CumulativeMonths *int
	SubscribedSince  *sql.NullTime
	LastVerifiedAt   *sql.NullTime
	Resolved         *bool
	FirstNoticeAt    *sql.NullTime
	LastNoticeAt     *sql.NullTime
	RolesRevoked     *bool
	RolesRevokedAt   *sql.NullTime
	DMFailed         *bool
	DMFailedReason   *sql.NullString
}

func (p *Patch) columns() ([]string, []any) {
	var cols []string
	var vals []any
	add := func(col string, v any) {
		cols = append(cols, col)
		vals = append(vals, v)
	}
	if p.TwitchUserID != nil {
		add("twitch_user_id", *p.TwitchUserID)
	}
	if p.TwitchUsername != nil {
		add("twitch_username", *p.TwitchUsername)
	}
	if p.Tier != nil {
		add("tier", string(*p.Tier))
	}
	if p.IsSubscriber != nil {
		add("is_subscriber", *p.IsSubscriber)
	}
	if p.StreakMonths != nil {
		add("streak_months", *p.StreakMonths)
	}
	if p.CumulativeMonths != nil {
		add("cumulative_months", *p.CumulativeMonths)
	}
	if p.SubscribedSince != nil {
		add("subscribed_since", *p.SubscribedSince)
	}
	if p.LastVerifiedAt != nil {
		add("last_verified_at", *p.LastVerifiedAt)
	}
	if p.Resolved != nil {
		add("resolved", *p.Resolved)
	}
	if p.FirstNoticeAt != nil {
		add("first_notice_at", *p.FirstNoticeAt)
	}
	if p.LastNoticeAt != nil {
		add("last_notice_at", *p.LastNoticeAt)
	}
	if p.RolesRevoked != nil {
		add("roles_revoked", *p.RolesRevoked)
	}
	if p.RolesRevokedAt != nil {
		add("roles_revoked_at", *p.RolesRevokedAt)
	}
	if p.DMFailed != nil {
		add("dm_failed", *p.DMFailed)
	}
	if p.DMFailedReason != nil {
		add("dm_failed_reason", *p.DMFailedReason)
	}
	return cols, vals
}

// ApplyPatch upserts the subscriber row and merges only the patch's set
// fields, atomically, in a single statement.
func ApplyPatch(ctx context.Context, db *sql.DB, discordID string, p Patch) error {
	cols, vals := p.columns()
	if len(cols) == 0 {
		_, err := db.ExecContext(ctx, `INSERT INTO subscribers (discord_id) VALUES ($1) ON CONFLICT (discord_id) DO NOTHING`, discordID)
		return err
	}
	insertCols := append([]string{"discord_id"}, cols...)
	placeholders := make([]string, len(insertCols))
	sets := make([]string, len(cols))
	for i := range insertCols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	for i, c := range cols {
		sets[i] = fmt.Sprintf("%s=EXCLUDED.%s", c, c)
	}
	q := fmt.Sprintf(`INSERT INTO subscribers (%s) VALUES (%s)
		ON CONFLICT (discord_id) DO UPDATE SET %s, updated_at=NOW()`,
		strings.Join(insertCols, ","), strings.Join(placeholders, ","), strings.Join(sets, ", "))
	args := append([]any{discordID}, vals...)
	if _, err := db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("apply subscriber patch: %w", err)
	}
	return nil
}

// PatchFromSnapshot converts a reconciliation result into a patch covering
// the fields the engine owns.
func PatchFromSnapshot(s Snapshot) Patch {
	p := Patch{
		Tier:             &s.Tier,
		IsSubscriber:     &s.IsSubscriber,
		StreakMonths:     &s.StreakMonths,
		CumulativeMonths: &s.CumulativeMonths,
		SubscribedSince:  nullTime(s.SubscribedSince),
		LastVerifiedAt:   nullTime(s.LastVerifiedAt),
		Resolved:         &s.Resolved,
		FirstNoticeAt:    nullTime(s.FirstNoticeAt),
		LastNoticeAt:     nullTime(s.LastNoticeAt),
		RolesRevoked:     &s.RolesRevoked,
		RolesRevokedAt:   nullTime(s.RolesRevokedAt),
	}
	if s.TwitchUserID != "" {
		p.TwitchUserID = &s.TwitchUserID
	}
	if s.TwitchUsername != "" {
		p.TwitchUsername = &s.TwitchUsername
	}
	return p
}

func nullTime(t *time.Time) *sql.NullTime {
	if t == nil {
		return &sql.NullTime{}
	}
	return &sql.NullTime{Time: *t, Valid: true}
}

const snapshotColumns = `discord_id, COALESCE(twitch_user_id,''), COALESCE(twitch_username,''), tier, is_subscriber,
	streak_months, cumulative_months, subscribed_since, last_verified_at, resolved,
	first_notice_at, last_notice_at, roles_revoked, roles_revoked_at, dm_failed, COALESCE(dm_failed_reason,'')`

func scanSnapshot(row interface{ Scan(...any) error }) (Snapshot, error) {
	var s Snapshot
	var tier string
	var since, verified, first, last, revoked sql.NullTime
	err := row.Scan(&s.DiscordID, &s.TwitchUserID, &s.TwitchUsername, &tier, &s.IsSubscriber,
		&s.StreakMonths, &s.CumulativeMonths, &since, &verified, &s.Resolved,
		&first, &last, &s.RolesRevoked, &revoked, &s.DMFailed, &s.DMFailedReason)
	if err != nil {
		return Snapshot{}, err
	}
	s.Tier = Tier(tier)
	s.SubscribedSince = timePtr(since)
	s.LastVerifiedAt = timePtr(verified)
	s.FirstNoticeAt = timePtr(first)
	s.LastNoticeAt = timePtr(last)
	s.RolesRevokedAt = timePtr(revoked)
	return s, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// Get returns the subscriber row, or (nil, nil) when absent.
func Get(ctx context.Context, db *sql.DB, discordID string) (*Snapshot, error) {
	row := db.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM subscribers WHERE discord_id=$1`, discordID)
	s, err := scanSnapshot(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByTwitchUserID returns every linked member for a Twitch account. More
// than one Discord account may be linked to the same Twitch identity.
func FindByTwitchUserID(ctx context.Context, db *sql.DB, twitchUserID string) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM subscribers WHERE twitch_user_id=$1`, twitchUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListCurrentSubscribers returns members with an active subscription.
func ListCurrentSubscribers(ctx context.Context, db *sql.DB) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM subscribers WHERE is_subscriber=TRUE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

// ListUnresolved returns members whose current monthly cycle is unsatisfied.
func ListUnresolved(ctx context.Context, db *sql.DB) ([]Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM subscribers WHERE resolved=FALSE`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) ([]Snapshot, error) {
	var out []Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Delete removes a subscriber row; only an explicit unlink does this.
func Delete(ctx context.Context, db *sql.DB, discordID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM subscribers WHERE discord_id=$1`, discordID)
	return err
}
