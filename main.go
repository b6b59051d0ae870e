package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"

	"github.com/karthikraju391/hirechat/chat"
	"github.com/karthikraju391/hirechat/clock"
	"github.com/karthikraju391/hirechat/config"
	"github.com/karthikraju391/hirechat/handlers"
	"github.com/karthikraju391/hirechat/inbox"
	"github.com/karthikraju391/hirechat/logger"
	"github.com/karthikraju391/hirechat/nats_service"
	"github.com/karthikraju391/hirechat/negotiation"
	"github.com/karthikraju391/hirechat/notify"
	"github.com/karthikraju391/hirechat/presence"
	"github.com/karthikraju391/hirechat/store"
	"github.com/karthikraju391/hirechat/telemetry"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hirechat stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Telemetry and logging ---
	tel, err := telemetry.Setup(ctx, cfg.OTel)
	if err != nil {
		return err
	}
	logger.Setup(cfg)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "error", err)
		}
	}()

	// --- Storage ---
	var st store.Store
	if cfg.DB.DSN != "" {
		pg, err := store.NewPostgres(ctx, cfg.DB)
		if err != nil {
			return err
		}
		st = pg
		slog.Info("using postgres store")
	} else {
		st = store.NewMemory()
		slog.Warn("DATABASE_URL not set, using in-memory store")
	}
	defer st.Close()

	// --- Presence ---
	clk := clock.Real()
	var tracker presence.Tracker
	if cfg.Redis.URL != "" {
		rt, err := presence.NewRedisTracker(ctx, cfg.Redis.URL, cfg.Redis.TypingTTL)
		if err != nil {
			return err
		}
		defer rt.Close()
		tracker = rt
	} else {
		tracker = presence.NewMemory(cfg.Redis.TypingTTL, clk)
	}

	// --- Initialize NATS Service ---
	natsSvc, err := nats_service.NewNatsService(ctx, cfg.Nats)
	if err != nil {
		return err
	}
	defer natsSvc.Close()
	slog.Info("NATS service initialized", "stream", cfg.Nats.StreamName)

	// --- Services ---
	notifier := notify.NewService(st, natsSvc, clk)
	chatSvc := chat.NewService(st, natsSvc, notifier, tracker, chat.Options{MaxTextLen: cfg.Chat.MaxTextLen, Clock: clk})
	srv := handlers.NewServer(handlers.Deps{
		Directory:   st,
		Chat:        chatSvc,
		Negotiation: negotiation.NewService(st, chatSvc, notifier, natsSvc, clk),
		Notify:      notifier,
		Inbox:       inbox.NewService(chatSvc),
		Bus:         natsSvc,
		Socket:      cfg.Socket,
	})

	// --- Initialize Fiber App ---
	app := fiber.New(fiber.Config{
		AppName:               "hirechat",
		ErrorHandler:          handlers.ErrorHandler,
		DisableStartupMessage: cfg.IsProduction(),
	})
	app.Use(fiberlogger.New())
	srv.Register(app)

	// --- Start Server ---
	errc := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", cfg.ServerAddr)
		errc <- app.Listen(cfg.ServerAddr)
	}()

	// --- Graceful Shutdown ---
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Warn("error shutting down fiber", "error", err)
	}
	slog.Info("server gracefully stopped")
	return nil
}
