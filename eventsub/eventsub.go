// Package eventsub verifies and decodes Twitch EventSub webhook deliveries.
package eventsub

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/sublink/backend/subs"
)

// EventSub request headers.
const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderSubscriptionType = "Twitch-Eventsub-Subscription-Type"
)

// Message types carried in Twitch-Eventsub-Message-Type.
const (
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeNotification = "notification"
	MessageTypeRevocation   = "revocation"
)

// Subscription types this service consumes.
const (
	TypeSubscribe    = "channel.subscribe"
	TypeResubMessage = "channel.subscription.message"
	TypeSubEnd       = "channel.subscription.end"
)

// ComputeSignature returns the expected signature for a delivery:
// "sha256=" + hex(HMAC-SHA256(secret, message_id || timestamp || body)).
func ComputeSignature(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a delivery's signature in constant time. Any header
// or body byte differing from what the secret holder signed fails.
func VerifySignature(secret, messageID, timestamp string, body []byte, signature string) bool {
	expected := ComputeSignature(secret, messageID, timestamp, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// VerifyRequest extracts the signature headers from r and verifies body
// against them. It returns an error naming what was missing or wrong.
func VerifyRequest(secret string, r *http.Request, body []byte) error {
	id := r.Header.Get(HeaderMessageID)
	ts := r.Header.Get(HeaderMessageTimestamp)
	sig := r.Header.Get(HeaderMessageSignature)
	if id == "" || ts == "" || sig == "" {
		return fmt.Errorf("missing eventsub signature headers")
	}
	if !VerifySignature(secret, id, ts, body, sig) {
		return fmt.Errorf("eventsub signature mismatch")
	}
	return nil
}

// Envelope is the EventSub delivery body. Challenge is only present for
// webhook_callback_verification; Event only for notifications.
type Envelope struct {
	Challenge    string `json:"challenge"`
	Subscription struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Status    string            `json:"status"`
		Condition map[string]string `json:"condition"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ParseEnvelope decodes a delivery body. A body that is not JSON at all is an
// error; missing fields inside it are not.
func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode eventsub body: %w", err)
	}
	return &env, nil
}

// notificationEvent is the union of the fields the consumed subscription
// types carry. Numeric fields are pointers so an absent or null value is
// distinguishable from zero.
type notificationEvent struct {
	UserID           string `json:"user_id"`
	UserLogin        string `json:"user_login"`
	UserName         string `json:"user_name"`
	Tier             string `json:"tier"`
	IsGift           bool   `json:"is_gift"`
	CumulativeMonths *int   `json:"cumulative_months"`
	StreakMonths     *int   `json:"streak_months"` // null when the user hides their streak
	DurationMonths   *int   `json:"duration_months"`
}

// ToEvent maps a notification envelope to an engine event. Unrecognized
// subscription types and malformed event payloads yield EventUnknown rather
// than an error: a bad delivery must not wedge the webhook path.
func (e *Envelope) ToEvent() subs.Event {
	var kind subs.EventKind
	switch e.Subscription.Type {
	case TypeSubscribe:
		kind = subs.EventSubscribe
	case TypeResubMessage:
		kind = subs.EventRenewal
	case TypeSubEnd:
		kind = subs.EventEnd
	default:
		return subs.Event{Kind: subs.EventUnknown}
	}

	var n notificationEvent
	if len(e.Event) > 0 {
		if err := json.Unmarshal(e.Event, &n); err != nil {
			return subs.Event{Kind: subs.EventUnknown}
		}
	}
	name := n.UserName
	if name == "" {
		name = n.UserLogin
	}
	ev := subs.Event{
		Kind:           kind,
		TwitchUserID:   n.UserID,
		TwitchUsername: name,
		Tier:           subs.TierFromWire(n.Tier),
	}
	if n.StreakMonths != nil {
		ev.StreakMonths = *n.StreakMonths
	}
	if n.CumulativeMonths != nil {
		ev.CumulativeMonths = *n.CumulativeMonths
	}
	return ev
}

// ValidTimestamp reports whether the delivery timestamp parses and lies
// within skew of now. Twitch replays old deliveries during outages, so the
// window is generous.
func ValidTimestamp(ts string, now time.Time, skew time.Duration) bool {
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false
	}
	d := now.Sub(t)
	if d < 0 {
		d = -d
	}
	return d <= skew
}
