package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spotdesk/spotdesk/pkg/billing"
	"github.com/spotdesk/spotdesk/pkg/config"
	"github.com/spotdesk/spotdesk/pkg/fees"
	"github.com/spotdesk/spotdesk/pkg/log"
	"github.com/spotdesk/spotdesk/pkg/meter"
	"github.com/spotdesk/spotdesk/pkg/prefetch"
	"github.com/spotdesk/spotdesk/pkg/pricing"
	"github.com/spotdesk/spotdesk/pkg/server"

	"github.com/levenlabs/go-lflag"
	"github.com/levenlabs/go-llog"
)

func main() {
	// init packages
	store := config.Configured(pricing.NormalizeConfig)
	resolver := pricing.Configured()
	meters := meter.Configured()
	history := fees.Configured()

	bill := billing.NewService(resolver, meters)

	// init server and scheduler
	srv := server.Configured(store, resolver, meters, bill, history)
	scheduler := prefetch.Configured(store, resolver, history)

	// parse flags
	lflag.Configure()

	var level slog.Level
	// lflag automatically sets llog's level, but we need to set the slog level
	switch llog.GetLevel() {
	case llog.DebugLevel:
		level = slog.LevelDebug
	case llog.InfoLevel:
		level = slog.LevelInfo
	case llog.WarnLevel:
		level = slog.LevelWarn
	case llog.ErrorLevel:
		level = slog.LevelError
	default:
		panic(fmt.Errorf("unknown log level: %s", llog.GetLevel().String()))
	}
	log.SetDefaultLogLevel(level)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	slog.Debug("logger configured", slog.String("level", level.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := resolver.Init(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to initialize price resolver", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to close price resolver", "error", err)
		}
	}()

	// prefetch tomorrow's prices in the background
	go func() {
		if err := scheduler.Run(ctx); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "prefetch scheduler failed", "error", err)
		}
	}()

	// Run will block until context is canceled or error happens
	if err := srv.Run(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "server failed", "error", err)
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(ctx, "server exited cleanly")
}
