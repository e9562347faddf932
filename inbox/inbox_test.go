package inbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"

	"github.com/onnwee/sublink/backend/testutil"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	return testutil.SetupTestDB(t)
}

func wipe(t *testing.T, db *sql.DB, source, id string) {
	t.Helper()
	if _, err := db.Exec(`DELETE FROM inbox_events WHERE source=$1 AND delivery_id=$2`, source, id); err != nil {
		t.Fatal(err)
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ev := Event{
		Source:     "twitch",
		DeliveryID: "inbox_test_dup_1",
		EventType:  "channel.subscribe",
		SubjectID:  "tw_1",
		Payload:    json.RawMessage(`{"event":{"user_id":"tw_1"}}`),
		Headers:    map[string]string{"Twitch-Eventsub-Message-Type": "notification"},
	}
	wipe(t, db, ev.Source, ev.DeliveryID)

	inserted, err := Enqueue(ctx, db, ev)
	if err != nil {
		t.Fatal(err)
	}
	if !inserted {
		t.Fatal("first enqueue should insert")
	}

	// fully process, then redeliver: the processed row must not be reset
	if err := MarkProcessed(ctx, db, ev.Source, ev.DeliveryID, nil); err != nil {
		t.Fatal(err)
	}
	inserted, err = Enqueue(ctx, db, ev)
	if err != nil {
		t.Fatal(err)
	}
	if inserted {
		t.Fatal("redelivery should not insert")
	}
	got, err := Get(ctx, db, ev.Source, ev.DeliveryID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDone {
		t.Fatalf("redelivery reset status to %q", got.Status)
	}
}

func TestMarkProcessedFailureBumpsRetries(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	ev := Event{Source: "twitch", DeliveryID: "inbox_test_fail_1", EventType: "channel.subscribe"}
	wipe(t, db, ev.Source, ev.DeliveryID)
	if _, err := Enqueue(ctx, db, ev); err != nil {
		t.Fatal(err)
	}

	if err := MarkProcessed(ctx, db, ev.Source, ev.DeliveryID, errors.New("discord unreachable")); err != nil {
		t.Fatal(err)
	}
	got, err := Get(ctx, db, ev.Source, ev.DeliveryID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.Retries != 1 || got.Error == "" {
		t.Fatalf("after failure: status=%q retries=%d error=%q", got.Status, got.Retries, got.Error)
	}

	// retry succeeds: error clears, retries stay
	if err := MarkProcessed(ctx, db, ev.Source, ev.DeliveryID, nil); err != nil {
		t.Fatal(err)
	}
	got, err = Get(ctx, db, ev.Source, ev.DeliveryID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDone || got.Error != "" {
		t.Fatalf("after success: status=%q error=%q", got.Status, got.Error)
	}
	if got.Retries != 1 {
		t.Fatalf("success must not bump retries, got %d", got.Retries)
	}
}

func TestListFilters(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	for _, id := range []string{"inbox_test_list_a", "inbox_test_list_b"} {
		wipe(t, db, "twitch", id)
		if _, err := Enqueue(ctx, db, Event{Source: "twitch", DeliveryID: id, EventType: "channel.subscribe", SubjectID: "tw_list"}); err != nil {
			t.Fatal(err)
		}
	}
	got, err := List(ctx, db, ListOptions{SubjectID: "tw_list", Status: StatusPending})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 pending events for subject, got %d", len(got))
	}
}
