package subs

import "time"

// monthDiff returns the signed month distance from a to b, ignoring days.
func monthDiff(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()-a.Month())
}

func sameCalendarMonth(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month()
}

func firstOfMonth(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Reconcile computes the next subscriber state from the previous state and an
// incoming event. It is a pure function: no I/O, no clock reads (asOf is the
// caller's notion of "today"), so replaying the same event is deterministic.
//
// Streak rules on subscribe/renewal, keyed on the month distance between the
// previous verification and asOf:
//   - no prior verified date: streak = max(1, provider-claimed)
//   - distance <= 0 (same month, or clock regression): keep the larger of the
//     previous streak and the provider claim
//   - distance == 1 while previously subscribed: streak+1 (or the provider
//     claim if higher)
//   - distance == 1 after a lapse, or distance > 1: restart at max(1, claim)
//
// cumulative_months is self-counted: +1 the first time a calendar month is
// confirmed subscribed, never decremented, and never taken from the provider.
func Reconcile(prev Snapshot, ev Event, asOf time.Time) Snapshot {
	next := prev
	if ev.Kind == EventUnknown {
		return next
	}

	if ev.TwitchUserID != "" {
		next.TwitchUserID = ev.TwitchUserID
	}
	if ev.TwitchUsername != "" {
		next.TwitchUsername = ev.TwitchUsername
	}

	if ev.Kind == EventEnd {
		next.IsSubscriber = false
		next.Tier = TierNone
		next.StreakMonths = 0
		next.RolesRevoked = true
		t := asOf
		next.RolesRevokedAt = &t
		// cumulative_months deliberately untouched: loyalty survives lapses.
		// last_verified_at marks months confirmed SUBSCRIBED, so an end
		// event leaves it alone: a re-subscribe later the same month must
		// still count that month.
		next.Resolved = true
		next.FirstNoticeAt = nil
		next.LastNoticeAt = nil
		return next
	}

	// subscribe / renewal
	tier := ev.Tier
	if !tier.Subscribed() {
		// tolerate a payload without a usable tier: keep what we knew, and
		// treat a bare subscribe as at least tier1
		tier = prev.Tier
		if !tier.Subscribed() {
			tier = Tier1
		}
	}
	next.Tier = tier
	next.IsSubscriber = true

	claimed := ev.StreakMonths
	switch {
	case prev.LastVerifiedAt == nil:
		next.StreakMonths = maxInt(1, claimed)
	default:
		switch d := monthDiff(*prev.LastVerifiedAt, asOf); {
		case d <= 0:
			next.StreakMonths = maxInt(prev.StreakMonths, claimed)
			if next.StreakMonths == 0 {
				next.StreakMonths = 1
			}
		case d == 1 && prev.IsSubscriber:
			next.StreakMonths = maxInt(prev.StreakMonths+1, claimed)
		default:
			next.StreakMonths = maxInt(1, claimed)
		}
	}

	if prev.LastVerifiedAt == nil || !sameCalendarMonth(*prev.LastVerifiedAt, asOf) {
		next.CumulativeMonths = prev.CumulativeMonths + 1
	}

	next.SubscribedSince = earliestSince(prev.SubscribedSince, ev.StartDate, asOf)
	next.LastVerifiedAt = dateOf(asOf)
	next.Resolved = true
	next.FirstNoticeAt = nil
	next.LastNoticeAt = nil
	next.RolesRevoked = false
	next.RolesRevokedAt = nil
	return next
}

// earliestSince picks the earliest known subscription start. The provider does
// not always expose a true start date, so the first day of asOf's month stands
// in; once set the date only ever moves earlier.
func earliestSince(existing, explicit *time.Time, asOf time.Time) *time.Time {
	candidate := firstOfMonth(asOf)
	if explicit != nil && explicit.Before(candidate) {
		candidate = *explicit
	}
	if existing != nil && existing.Before(candidate) {
		return existing
	}
	return &candidate
}

// dateOf truncates a timestamp to date precision in UTC.
func dateOf(t time.Time) *time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}
