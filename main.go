// Command backend is the main entrypoint for the sublink API and background workers.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts background jobs: the Discord entitlement worker, the monthly
//     verification sweeper, the chat announcer, and the OAuth token refresher.
//   - Exposes the HTTP server: EventSub webhook, relink flow, health/status,
//     /metrics, and the admin surface.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/sublink/backend/chat"
	"github.com/onnwee/sublink/backend/config"
	"github.com/onnwee/sublink/backend/db"
	"github.com/onnwee/sublink/backend/discordapi"
	"github.com/onnwee/sublink/backend/entitlement"
	"github.com/onnwee/sublink/backend/oauth"
	"github.com/onnwee/sublink/backend/server"
	"github.com/onnwee/sublink/backend/sweeper"
	"github.com/onnwee/sublink/backend/telemetry"
	"github.com/onnwee/sublink/backend/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load("backend/.env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	var handler slog.Handler
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateEventSubReady(); err != nil {
		slog.Error("eventsub config incomplete", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateDiscordReady(); err != nil {
		slog.Error("discord config incomplete", slog.Any("err", err))
		os.Exit(1)
	}
	roleMap, err := entitlement.ParseRoleMap(cfg.RoleMapJSON)
	if err != nil {
		slog.Error("invalid ROLE_MAP", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()
	shutdown, err := telemetry.InitTracing("sublink", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Twitch Helix + viewer OAuth
	appTokens := &twitchapi.TokenSource{ClientID: cfg.TwitchClientID, ClientSecret: cfg.TwitchClientSecret}
	helix := &twitchapi.HelixClient{AppTokenSource: appTokens, ClientID: cfg.TwitchClientID}
	oauthCfg := twitchapi.NewOAuthConfig(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchRedirectURI, cfg.TwitchScopes)

	// Chat announcer (optional; disabled without chat credentials)
	announcer := chat.NewAnnouncer(cfg)
	announce := func(context.Context, string) error { return nil }
	if announcer != nil {
		announcer.Start(ctx)
		announce = announcer.Announce
	}

	// Discord entitlement worker: single owner of the Discord client
	discord := &discordapi.Client{Token: cfg.DiscordBotToken}
	worker := entitlement.NewWorker(discord, database, roleMap, 256, announce)
	go worker.Run(ctx)

	// Monthly verification sweeper
	relinkURL := os.Getenv("RELINK_URL")
	if relinkURL == "" && cfg.TwitchRedirectURI != "" {
		relinkURL = strings.TrimSuffix(cfg.TwitchRedirectURI, "/auth/twitch/callback") + "/auth/twitch/start"
	}
	sw := &sweeper.Sweeper{
		DB:        database,
		Worker:    worker,
		GuildID:   cfg.DiscordGuildID,
		Loc:       cfg.SweepTimezone,
		RelinkURL: relinkURL,
	}
	sweeper.Start(ctx, sw)

	// Centralized refresher for the broadcaster's stored user token
	oauth.StartRefresher(ctx, database, "twitch-broadcaster", 5*time.Minute, 15*time.Minute,
		func(rctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
			tok, err := twitchapi.RefreshUserToken(rctx, oauthCfg, refreshToken)
			if err != nil {
				return "", "", time.Time{}, "", err
			}
			return tok.AccessToken, tok.RefreshToken, tok.Expiry, strings.Join(oauthCfg.Scopes, " "), nil
		})

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	h := &server.Handlers{
		DB:      database,
		Cfg:     cfg,
		Helix:   helix,
		OAuth:   oauthCfg,
		Discord: discord,
		Worker:  worker,
		Sweeper: sw,
		RoleMap: roleMap,
	}
	go func() {
		if err := server.Start(ctx, h, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
