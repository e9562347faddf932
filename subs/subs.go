// Package subs holds the subscriber model and the reconciliation engine that
// derives streak/cumulative state from Twitch subscription events.
package subs

import "time"

// Tier is the normalized subscription level.
type Tier string

const (
	TierNone Tier = "none"
	Tier1    Tier = "tier1"
	Tier2    Tier = "tier2"
	Tier3    Tier = "tier3"
)

// TierFromWire converts Twitch's wire representation ("1000"/"2000"/"3000")
// to a Tier. Unknown or empty values map to TierNone rather than failing;
// a malformed tier in one delivery must not abort processing.
func TierFromWire(s string) Tier {
	switch s {
	case "1000", "tier1":
		return Tier1
	case "2000", "tier2":
		return Tier2
	case "3000", "tier3":
		return Tier3
	default:
		return TierNone
	}
}

// Subscribed reports whether the tier grants subscriber status.
func (t Tier) Subscribed() bool { return t == Tier1 || t == Tier2 || t == Tier3 }

// Snapshot is the typed core of a subscriber row. Unknown provider fields
// live in the bounded extra map on the row, not here.
type Snapshot struct {
	DiscordID        string
	TwitchUserID     string
	TwitchUsername   string
	Tier             Tier
	IsSubscriber     bool
	StreakMonths     int
	CumulativeMonths int
	SubscribedSince  *time.Time // date precision; first-of-month approximation when unknown
	LastVerifiedAt   *time.Time // date precision
	Resolved         bool
	FirstNoticeAt    *time.Time
	LastNoticeAt     *time.Time
	RolesRevoked     bool
	RolesRevokedAt   *time.Time
	DMFailed         bool
	DMFailedReason   string
}

// EventKind classifies an inbound subscription event for the engine.
type EventKind int

const (
	// EventSubscribe is a first-time or re-subscribe notification.
	EventSubscribe EventKind = iota
	// EventRenewal is a resub message carrying provider-claimed streak/cumulative.
	EventRenewal
	// EventEnd is the end of a subscription.
	EventEnd
	// EventUnknown is anything else; the engine ignores it.
	EventUnknown
)

// Event is the engine's view of a provider notification. All numeric fields
// default to zero and Tier to TierNone when the payload was malformed.
type Event struct {
	Kind             EventKind
	TwitchUserID     string
	TwitchUsername   string
	Tier             Tier
	StreakMonths     int        // provider-claimed, advisory only
	CumulativeMonths int        // provider-claimed, never trusted for counting
	StartDate        *time.Time // explicit start date when the provider includes one
}
