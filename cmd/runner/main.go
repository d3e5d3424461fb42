package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/common/logger"
	"github.com/parleyhq/parley/core/config"
	"github.com/parleyhq/parley/internal/bridge"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/eventlog"
	"github.com/parleyhq/parley/internal/http/middleware"
	"github.com/parleyhq/parley/internal/runner"
	"github.com/parleyhq/parley/internal/translate"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.ServiceTypeRunner)
	if err != nil {
		slog.ErrorContext(ctx, "failed to load runner config", "error", err)
		os.Exit(1)
	}

	logger.Setup(cfg)
	slog.InfoContext(ctx, "parley runner starting",
		"conversation_id", cfg.Runner.ConversationID,
		"port", cfg.Runner.Port)

	eng, err := engine.New(cfg.Engine)
	if err != nil {
		slog.ErrorContext(ctx, "failed to initialize engine", "error", err)
		os.Exit(1)
	}

	srv := bridge.NewServer(
		cfg.Runner.ConversationID,
		cfg.Turn.KeepaliveInterval,
		cfg.Runner.RunnerToken,
		cfg.Runner.StreamToken,
		cfg.Runner.PersistToken,
	)

	loop := runner.New(
		runner.Config{
			ConversationID: cfg.Runner.ConversationID,
			IdleTimeout:    cfg.Sandbox.SessionTimeout,
			Buffer: eventlog.Config{
				FlushThreshold: cfg.Turn.FlushThreshold,
				FlushInterval:  cfg.Turn.FlushInterval,
			},
		},
		eng,
		srv,
		translate.New(),
		runner.NewSinkFactory(cfg.Runner.ControlPlaneURL, cfg.Turn),
		slog.Default(),
	)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(middleware.Recovery())
	router.Use(middleware.Logger())
	srv.Register(router)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Runner.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		// The loop owns process lifetime: when it exits (idle timeout or
		// signal) the bridge server is shut down with it.
		err := loop.Run(gctx)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.ErrorContext(shutdownCtx, "bridge server shutdown error", "error", shutdownErr)
		}

		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil {
		slog.ErrorContext(ctx, "runner exited with error", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "runner exited")
}
