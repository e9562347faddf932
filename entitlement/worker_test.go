package entitlement

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/subs"
)

type fakeDiscord struct {
	mu     sync.Mutex
	roles  map[string][]string // discord id -> roles
	dms    []string            // discord ids that got a DM
	addErr error
}

func (f *fakeDiscord) GetGuildMember(_ context.Context, _, userID string) (*discordapi.Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roles, ok := f.roles[userID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown member", discordapi.ErrNotFound)
	}
	return &discordapi.Member{User: discordapi.User{ID: userID}, Roles: append([]string(nil), roles...)}, nil
}

func (f *fakeDiscord) AddMemberRole(_ context.Context, _, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.roles[userID] = append(f.roles[userID], roleID)
	return nil
}

func (f *fakeDiscord) RemoveMemberRole(_ context.Context, _, userID, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.roles[userID][:0]
	for _, id := range f.roles[userID] {
		if id != roleID {
			out = append(out, id)
		}
	}
	f.roles[userID] = out
	return nil
}

func (f *fakeDiscord) SendDM(_ context.Context, userID, _ string, _ *discordapi.Attachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dms = append(f.dms, userID)
	return nil
}

func (f *fakeDiscord) memberRoles(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.roles[userID]...)
}

func (f *fakeDiscord) dmCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dms)
}

func roleMap() RoleMap {
	return RoleMap{"g1": testGuild}
}

func runWorker(t *testing.T, fake *fakeDiscord) (*Worker, context.CancelFunc) {
	t.Helper()
	w := NewWorker(fake, nil, roleMap(), 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	return w, cancel
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

func hasRole(roles []string, id string) bool {
	for _, r := range roles {
		if r == id {
			return true
		}
	}
	return false
}

func TestWorkerSyncGrantsRoles(t *testing.T) {
	fake := &fakeDiscord{roles: map[string][]string{"u1": {"r_other"}}}
	w, cancel := runWorker(t, fake)
	defer cancel()

	w.Submit(SyncRoles{GuildID: "g1", DiscordID: "u1", Tier: subs.Tier1, Linked: true})
	waitFor(t, func() bool {
		roles := fake.memberRoles("u1")
		return hasRole(roles, "r_linked") && hasRole(roles, "r_t1")
	})
	if !hasRole(fake.memberRoles("u1"), "r_other") {
		t.Fatal("unmanaged role removed")
	}
}

func TestWorkerSyncIsIdempotent(t *testing.T) {
	fake := &fakeDiscord{roles: map[string][]string{"u1": {"r_linked", "r_t1"}}}
	w, cancel := runWorker(t, fake)
	defer cancel()

	for i := 0; i < 3; i++ {
		w.Submit(SyncRoles{GuildID: "g1", DiscordID: "u1", Tier: subs.Tier1, Linked: true})
	}
	// drain: a later command observed means the earlier ones ran
	w.Submit(SyncRoles{GuildID: "g1", DiscordID: "u2", Tier: subs.Tier1, Linked: true})
	time.Sleep(50 * time.Millisecond)

	roles := fake.memberRoles("u1")
	if len(roles) != 2 {
		t.Fatalf("repeated sync changed role set: %v", roles)
	}
}

func TestWorkerMemberLeftIsSkipped(t *testing.T) {
	fake := &fakeDiscord{roles: map[string][]string{}}
	w, cancel := runWorker(t, fake)
	defer cancel()

	w.Submit(SyncRoles{GuildID: "g1", DiscordID: "gone", Tier: subs.Tier1, Linked: true})
	time.Sleep(50 * time.Millisecond)
	if fake.dmCount() != 0 {
		t.Fatal("member-left should not DM")
	}
}

func TestWorkerMissingPermissionDMsMember(t *testing.T) {
	fake := &fakeDiscord{
		roles:  map[string][]string{"u1": {}},
		addErr: fmt.Errorf("%w: bot role too low", discordapi.ErrMissingPermission),
	}
	w, cancel := runWorker(t, fake)
	defer cancel()

	w.Submit(SyncRoles{GuildID: "g1", DiscordID: "u1", Tier: subs.Tier1, Linked: true})
	waitFor(t, func() bool { return fake.dmCount() == 1 })
}

func TestWorkerSendDM(t *testing.T) {
	fake := &fakeDiscord{roles: map[string][]string{}}
	w, cancel := runWorker(t, fake)
	defer cancel()

	w.Submit(SendDM{DiscordID: "u9", Content: "please relink"})
	waitFor(t, func() bool { return fake.dmCount() == 1 })
}

func TestWorkerAnnounceForwards(t *testing.T) {
	fake := &fakeDiscord{roles: map[string][]string{}}
	var mu sync.Mutex
	var got []string
	w := NewWorker(fake, nil, roleMap(), 16, func(_ context.Context, msg string) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	w.Submit(Announce{Message: "viewer just subscribed"})
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})
}
