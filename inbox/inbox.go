// Package inbox persists inbound webhook deliveries before processing.
// The (source, delivery_id) key makes redelivery a no-op, so the webhook
// handler can acknowledge first and process after.
package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Delivery statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Event is a stored delivery.
type Event struct {
	Source      string            `json:"source"`
	DeliveryID  string            `json:"delivery_id"`
	EventType   string            `json:"event_type"`
	SubjectID   string            `json:"subject_id"`
	Payload     json.RawMessage   `json:"payload"`
	Headers     map[string]string `json:"headers,omitempty"`
	Status      string            `json:"status"`
	Retries     int               `json:"retries"`
	Error       string            `json:"error,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
}

// Enqueue upserts a delivery and reports whether this call inserted it.
// A redelivered (source, delivery_id) returns false and leaves the stored
// row untouched.
func Enqueue(ctx context.Context, db *sql.DB, ev Event) (bool, error) {
	payload := ev.Payload
	if payload == nil {
		payload = json.RawMessage(`{}`)
	}
	headers, err := json.Marshal(ev.Headers)
	if err != nil {
		return false, fmt.Errorf("marshal headers: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		INSERT INTO inbox_events (source, delivery_id, event_type, subject_id, payload, headers, status, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending', NOW())
		ON CONFLICT (source, delivery_id) DO NOTHING`,
		ev.Source, ev.DeliveryID, ev.EventType, ev.SubjectID, []byte(payload), headers)
	if err != nil {
		return false, fmt.Errorf("enqueue inbox event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkProcessed finalizes a delivery. Success clears any previous error;
// failure records it and bumps the retry counter.
func MarkProcessed(ctx context.Context, db *sql.DB, source, deliveryID string, procErr error) error {
	var err error
	if procErr == nil {
		_, err = db.ExecContext(ctx, `
			UPDATE inbox_events SET status='done', error=NULL, processed_at=NOW()
			WHERE source=$1 AND delivery_id=$2`, source, deliveryID)
	} else {
		_, err = db.ExecContext(ctx, `
			UPDATE inbox_events SET status='failed', error=$3, retries=retries+1, processed_at=NOW()
			WHERE source=$1 AND delivery_id=$2`, source, deliveryID, procErr.Error())
	}
	if err != nil {
		return fmt.Errorf("mark inbox event: %w", err)
	}
	return nil
}

const eventColumns = `source, delivery_id, event_type, COALESCE(subject_id,''), payload, headers,
	status, retries, COALESCE(error,''), received_at, processed_at`

func scanEvent(row interface{ Scan(...any) error }) (Event, error) {
	var ev Event
	var headers []byte
	var processed sql.NullTime
	err := row.Scan(&ev.Source, &ev.DeliveryID, &ev.EventType, &ev.SubjectID, &ev.Payload, &headers,
		&ev.Status, &ev.Retries, &ev.Error, &ev.ReceivedAt, &processed)
	if err != nil {
		return Event{}, err
	}
	if len(headers) > 0 {
		_ = json.Unmarshal(headers, &ev.Headers)
	}
	if processed.Valid {
		t := processed.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

// Get returns one delivery, or (nil, nil) when absent.
func Get(ctx context.Context, db *sql.DB, source, deliveryID string) (*Event, error) {
	row := db.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM inbox_events WHERE source=$1 AND delivery_id=$2`,
		source, deliveryID)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ev, nil
}

// ListOptions filters List. Zero values mean no filter; Limit 0 means 100.
type ListOptions struct {
	Status    string
	SubjectID string
	Limit     int
	Offset    int
}

// List returns deliveries newest first.
func List(ctx context.Context, db *sql.DB, opt ListOptions) ([]Event, error) {
	limit := opt.Limit
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + eventColumns + ` FROM inbox_events WHERE 1=1`
	args := []any{}
	if opt.Status != "" {
		args = append(args, opt.Status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if opt.SubjectID != "" {
		args = append(args, opt.SubjectID)
		q += fmt.Sprintf(" AND subject_id=$%d", len(args))
	}
	args = append(args, limit, opt.Offset)
	q += fmt.Sprintf(" ORDER BY received_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListPending returns deliveries that never completed, oldest first, for
// replay on startup or by the admin reprocess endpoint.
func ListPending(ctx context.Context, db *sql.DB, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `SELECT `+eventColumns+` FROM inbox_events
		WHERE status IN ('pending','failed') ORDER BY received_at ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
