package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/subs"
	"github.com/onnwee/sublink/backend/telemetry"
)

// discordAPI is the slice of the Discord client the worker uses. Tests swap
// in a fake.
type discordAPI interface {
	GetGuildMember(ctx context.Context, guildID, userID string) (*discordapi.Member, error)
	AddMemberRole(ctx context.Context, guildID, userID, roleID string) error
	RemoveMemberRole(ctx context.Context, guildID, userID, roleID string) error
	SendDM(ctx context.Context, userID, content string, att *discordapi.Attachment) error
}

// Command is a unit of work for the worker.
type Command interface{ isCommand() }

// SyncRoles converges one member's roles in one guild to their tier.
type SyncRoles struct {
	GuildID   string
	DiscordID string
	Tier      subs.Tier
	Linked    bool // false removes the linked role too (unlink)
}

// SendDM delivers a direct message; delivery failure is recorded on the
// subscriber row so the sweeper can report it.
type SendDM struct {
	DiscordID  string
	Content    string
	Attachment *discordapi.Attachment
}

// Announce forwards a line to the chat announcer, when one is configured.
type Announce struct {
	Message string
}

func (SyncRoles) isCommand() {}
func (SendDM) isCommand()    {}
func (Announce) isCommand()  {}

// Worker owns the Discord client. All role mutations and DMs flow through
// its single goroutine, so Discord sees one writer and rate limits apply
// backpressure in one place.
type Worker struct {
	client   discordAPI
	db       *sql.DB
	roleMap  RoleMap
	cmds     chan Command
	announce func(context.Context, string) error
}

// NewWorker builds a worker with a bounded queue. announce may be nil.
func NewWorker(client discordAPI, db *sql.DB, m RoleMap, buffer int, announce func(context.Context, string) error) *Worker {
	if buffer <= 0 {
		buffer = 256
	}
	return &Worker{client: client, db: db, roleMap: m, cmds: make(chan Command, buffer), announce: announce}
}

// Submit queues a command without blocking. A full queue drops the command;
// the next sweep reconverges anything missed.
func (w *Worker) Submit(cmd Command) {
	select {
	case w.cmds <- cmd:
	default:
		if telemetry.CommandsDropped != nil {
			telemetry.CommandsDropped.Inc()
		}
		slog.Warn("entitlement queue full, command dropped")
	}
}

// Run processes commands until ctx is done.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-w.cmds:
			w.handle(ctx, cmd)
		}
	}
}

func (w *Worker) handle(ctx context.Context, cmd Command) {
	switch c := cmd.(type) {
	case SyncRoles:
		w.syncRoles(ctx, c)
	case SendDM:
		w.sendDM(ctx, c)
	case Announce:
		if w.announce == nil {
			return
		}
		if err := w.announce(ctx, c.Message); err != nil {
			slog.Warn("chat announce failed", slog.Any("err", err))
			return
		}
		if telemetry.ChatAnnouncements != nil {
			telemetry.ChatAnnouncements.Inc()
		}
	}
}

func (w *Worker) syncRoles(ctx context.Context, c SyncRoles) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("discord_id", c.DiscordID), slog.String("guild_id", c.GuildID))
	if telemetry.RoleSyncs != nil {
		telemetry.RoleSyncs.Inc()
	}
	gr, ok := w.roleMap[c.GuildID]
	if !ok {
		log.Warn("no role mapping for guild")
		return
	}
	member, err := w.client.GetGuildMember(ctx, c.GuildID, c.DiscordID)
	if err != nil {
		if errors.Is(err, discordapi.ErrNotFound) {
			log.Info("member not in guild, skipping role sync")
			return
		}
		w.syncFailed(ctx, c, log, err)
		return
	}

	add, remove := PlanRoleChanges(member.Roles, c.Tier, c.Linked, gr)
	for _, roleID := range add {
		if err := w.client.AddMemberRole(ctx, c.GuildID, c.DiscordID, roleID); err != nil {
			w.syncFailed(ctx, c, log, err)
			return
		}
		telemetry.IncRoleMutation("add")
	}
	for _, roleID := range remove {
		if err := w.client.RemoveMemberRole(ctx, c.GuildID, c.DiscordID, roleID); err != nil {
			w.syncFailed(ctx, c, log, err)
			return
		}
		telemetry.IncRoleMutation("remove")
	}
	if len(add)+len(remove) > 0 {
		log.Info("roles synchronized", slog.Int("added", len(add)), slog.Int("removed", len(remove)))
	}
}

func (w *Worker) syncFailed(ctx context.Context, c SyncRoles, log *slog.Logger, err error) {
	if telemetry.RoleSyncFailures != nil {
		telemetry.RoleSyncFailures.Inc()
	}
	log.Error("role sync failed", slog.Any("err", err))
	if errors.Is(err, discordapi.ErrMissingPermission) {
		// the bot can't fix this; tell the member so a moderator hears about it
		w.sendDM(ctx, SendDM{DiscordID: c.DiscordID,
			Content: "Your subscriber roles could not be updated because the bot is missing a permission. Please contact a moderator."})
	}
}

func (w *Worker) sendDM(ctx context.Context, c SendDM) {
	err := w.client.SendDM(ctx, c.DiscordID, c.Content, c.Attachment)
	if err == nil {
		if telemetry.DMsSent != nil {
			telemetry.DMsSent.Inc()
		}
		w.recordDMResult(ctx, c.DiscordID, false, "")
		return
	}
	if telemetry.DMsFailed != nil {
		telemetry.DMsFailed.Inc()
	}
	telemetry.LoggerWithCorr(ctx).Warn("dm failed", slog.String("discord_id", c.DiscordID), slog.Any("err", err))
	w.recordDMResult(ctx, c.DiscordID, true, err.Error())
}

func (w *Worker) recordDMResult(ctx context.Context, discordID string, failed bool, reason string) {
	if w.db == nil {
		return
	}
	r := sql.NullString{String: reason, Valid: failed}
	if err := subs.ApplyPatch(ctx, w.db, discordID, subs.Patch{DMFailed: &failed, DMFailedReason: &r}); err != nil {
		slog.Warn("failed to record dm result", slog.Any("err", err))
	}
}
