// Command vip-tender runs the channel-point VIP service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Maintains a shared EventSub websocket and restores monitoring for
//     every channel with an active intent.
//   - Starts background jobs: OAuth token refresher, VIP expiry sweep,
//     and the optional chat announcer.
//   - Exposes the HTTP API with /healthz, /status, and /metrics.
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

	"github.com/onnwee/vip-tender/chat"
	"github.com/onnwee/vip-tender/config"
	"github.com/onnwee/vip-tender/db"
	"github.com/onnwee/vip-tender/events"
	"github.com/onnwee/vip-tender/eventsub"
	"github.com/onnwee/vip-tender/oauth"
	"github.com/onnwee/vip-tender/server"
	"github.com/onnwee/vip-tender/telemetry"
	"github.com/onnwee/vip-tender/twitchapi"
	"github.com/onnwee/vip-tender/vip"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTwitchApp(); err != nil {
		slog.Error("twitch app not configured", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("vip-tender", "1.0.0")
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

	// Versioned migrations first; embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	// The manager, reconciler, and connection form a cycle (the connection's
	// callbacks need the manager, the manager needs the connection's session),
	// so wire the handler through closures filled in below.
	var manager *eventsub.Manager
	var reconciler *vip.Reconciler

	conn := eventsub.NewConn(cfg.EventSubURL, eventsub.Handler{
		OnSession: func(ctx context.Context, sessionID string, resumed bool) {
			go manager.HandleSession(ctx, sessionID, resumed)
		},
		OnRedemption: func(ctx context.Context, ev eventsub.RedemptionEvent) {
			// Inline on the read loop: a channel's redemptions are processed
			// in arrival order, so grants and extensions cannot interleave.
			if err := reconciler.Process(ctx, ev); err != nil {
				slog.Error("redemption processing failed",
					slog.String("channel_id", ev.BroadcasterID),
					slog.String("redemption_id", ev.ID),
					slog.Any("err", err))
			}
		},
		OnRevocation: func(ctx context.Context, rev eventsub.Revocation) {
			go manager.HandleRevocation(ctx, rev)
		},
	})

	manager = eventsub.NewManager(cfg, database, bus, conn)
	reconciler = vip.NewReconciler(database, cfg, bus, manager.MonitoredReward)

	go func() {
		if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
			slog.Error("eventsub connection terminated", slog.Any("err", err))
		}
	}()

	// Restore monitoring for channels with active intents. Start needs a live
	// session id, so wait for the first welcome before reconciling. Guarded by
	// a database lock so only one replica does it.
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-conn.Ready():
		}
		if err := eventsub.InitializeAllMonitoring(ctx, database, manager); err != nil {
			slog.Error("monitoring initialization failed", slog.Any("err", err))
		}
	}()

	// Background jobs
	oauth.StartRefresher(ctx, database, cfg.TwitchClientID, cfg.TwitchClientSecret, 5*time.Minute, 15*time.Minute, bus)
	vip.StartExpirySweepJob(ctx, database, time.Minute, func(channelID string) vip.Granter {
		return &twitchapi.HelixClient{
			Tokens:   oauth.NewChannelTokenSource(database, channelID, cfg.TwitchClientID, cfg.TwitchClientSecret),
			ClientID: cfg.TwitchClientID,
		}
	}, bus)

	// Chat announcer is optional; missing bot creds just disable it.
	if _, err := chat.StartAnnouncer(ctx, database, cfg, bus); err != nil {
		slog.Info("chat announcer disabled", slog.Any("err", err))
	}

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

	// HTTP API
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		if err := server.Start(ctx, database, cfg, manager, bus, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
