// wagate - Resilient session supervisor and message gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/anikeev/wagate/internal/api"
	"github.com/anikeev/wagate/internal/backend"
	"github.com/anikeev/wagate/internal/config"
	"github.com/anikeev/wagate/internal/domain"
	"github.com/anikeev/wagate/internal/live"
	"github.com/anikeev/wagate/internal/middleware"
	"github.com/anikeev/wagate/internal/registry"
	"github.com/anikeev/wagate/internal/relay"
	"github.com/anikeev/wagate/internal/store"
	"github.com/anikeev/wagate/internal/supervisor"
	"github.com/anikeev/wagate/web"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "dev", cfg.IsDevelopment())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	runtime, err := backend.NewDockerRuntime(cfg.BackendImage)
	if err != nil {
		slog.Error("Failed to initialize backend runtime", "error", err)
		os.Exit(1)
	}
	slog.Info("Backend runtime initialized", "image", cfg.BackendImage)

	networkID, err := runtime.EnsureNetwork(context.Background())
	if err != nil {
		slog.Error("Failed to ensure backend network", "error", err)
		os.Exit(1)
	}
	slog.Info("Backend network ready", "network_id", networkID)

	// Live event feed for the dashboard.
	hub := live.NewHub()

	hooks := supervisor.Hooks{
		OnState: func(sessionID string, state domain.SessionState) {
			hub.Publish(live.Event{Type: "state", SessionID: sessionID, Data: state})
		},
		OnQR: func(sessionID, qr string) {
			hub.Publish(live.Event{Type: "qr", SessionID: sessionID, Data: qr})
		},
	}

	// Inbound handling is a process-level switch: when disabled the
	// message hook is simply never registered.
	if cfg.HandleIncoming {
		forwarder := relay.New(cfg.WebhookURL, cfg.WebhookAPIKey, cfg.Timeout.Webhook, func() relay.Rules {
			return relay.Rules{
				AllowPrivate:   cfg.AllowPrivate,
				AllowedGroups:  cfg.AllowedGroups,
				TargetIdentity: cfg.TargetIdentity,
			}
		})
		hooks.OnMessage = func(msg domain.InboundMessage) {
			hub.Publish(live.Event{Type: "message", SessionID: msg.SessionID, Data: msg})
			forwarder.Handle(msg)
		}
		slog.Info("Inbound message handling enabled", "webhook_url", cfg.WebhookURL)
	} else {
		slog.Info("Inbound message handling disabled")
	}

	reg := registry.New(registry.Config{
		DataDir:          cfg.DataDir,
		MaxSessions:      cfg.MaxSessions,
		WatchdogInterval: cfg.WatchdogInterval,
		RestartDebounce:  cfg.RestartDebounce,
		PingBudget:       cfg.Timeout.Status,
		ProxyAddr:        cfg.ProxyAddr,
		// Backends reach host-side listeners through the bridge gateway.
		ProxyAdvertiseHost: backend.RuntimeGateway,
		NavGuard:           cfg.NavGuard,
	}, runtime, repo, hooks)

	// Initialize handlers.
	handler := api.NewHandler(reg, cfg)
	wsHandler := live.NewWebSocketHandler(hub, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS([]string{"*"}))

	// Public routes.
	r.Get("/health", handler.Health)

	// Authenticated API.
	r.Group(func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))

		r.Get("/sessions", handler.ListSessions)
		r.Post("/sessions/{id}/initialize", handler.InitializeSession)
		r.Get("/sessions/{id}/status", handler.SessionStatus)
		r.Get("/sessions/{id}/qr", handler.SessionQR)
		r.Post("/sessions/{id}/logout", handler.LogoutSession)
		r.Get("/sessions/{id}/chats", handler.ListChats)

		r.Post("/send-text", handler.SendText)
		r.Post("/send-media", handler.SendMedia)
		r.Post("/forward-message", handler.ForwardMessage)
		r.Post("/clear-group-messages", handler.ClearGroupMessages)
	})

	// WebSocket event feed (key checked via api_key query param too).
	r.Route("/ws", func(r chi.Router) {
		r.Use(middleware.APIKey(cfg.APIKey))
		r.Get("/events", wsHandler.ServeHTTP)
	})

	// Serve embedded dashboard (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // long-lived websocket responses
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Bring persisted sessions back before accepting traffic.
	restored := reg.RestoreAll(ctx)
	slog.Info("Sessions restored", "count", restored)

	registry.StartIdleSweeper(ctx, reg, cfg.SweepInterval, cfg.IdleTimeout)
	slog.Info("Idle sweeper started", "interval", cfg.SweepInterval, "idle_timeout", cfg.IdleTimeout)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	// Sessions are torn down without logout so they restore next start.
	reg.Shutdown()

	slog.Info("Server stopped successfully")
}
