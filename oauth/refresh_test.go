package oauth

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	dbpkg "github.com/onnwee/sublink/backend/db"
	"github.com/onnwee/sublink/backend/testutil"
)

func TestStartRefresherOutsideWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := dbpkg.UpsertOAuthToken(ctx, db, "test-outside", "access123", "refresh456",
		time.Now().Add(1*time.Hour), "user:read:subscriptions"); err != nil {
		t.Fatal(err)
	}

	var called int32
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		atomic.AddInt32(&called, 1)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "", nil
	}

	rctx, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	StartRefresher(rctx, db, "test-outside", 20*time.Millisecond, 30*time.Minute, fn)
	<-rctx.Done()

	if atomic.LoadInt32(&called) != 0 {
		t.Error("refresh ran for a token expiring well outside the window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	db := testutil.SetupTestDB(t)
	ctx := context.Background()

	if err := dbpkg.UpsertOAuthToken(ctx, db, "test-within", "old-access", "old-refresh",
		time.Now().Add(5*time.Minute), "user:read:subscriptions"); err != nil {
		t.Fatal(err)
	}

	var called int32
	fn := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh token = %q", refreshToken)
		}
		atomic.AddInt32(&called, 1)
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "", nil
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	StartRefresher(rctx, db, "test-within", 20*time.Millisecond, 15*time.Minute, fn)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&called) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&called) == 0 {
		t.Fatal("refresh never ran for a token inside the window")
	}

	access, refresh, _, scope, err := dbpkg.GetOAuthToken(ctx, db, "test-within")
	if err != nil {
		t.Fatal(err)
	}
	if access != "new-access" || refresh != "new-refresh" {
		t.Fatalf("persisted tokens = %q/%q", access, refresh)
	}
	// empty scope from the provider keeps the stored one
	if scope != "user:read:subscriptions" {
		t.Fatalf("scope = %q", scope)
	}
}
