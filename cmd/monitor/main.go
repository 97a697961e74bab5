package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/samber/do/v2"
	slogmulti "github.com/samber/slog-multi"

	"github.com/carscout/carscout/internal/di"
	"github.com/carscout/carscout/internal/handoff"
	channelService "github.com/carscout/carscout/internal/modules/channel/service"
	"github.com/carscout/carscout/internal/pipeline"
	"github.com/carscout/carscout/internal/shared/config"
	httpServer "github.com/carscout/carscout/internal/transport/http"
	telegramTransport "github.com/carscout/carscout/internal/transport/telegram"
)

func main() {
	// Setup structured logging with multiple handlers using slog-multi
	textHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	jsonHandler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	})

	// Use Fanout to send logs to both handlers
	multiHandler := slogmulti.Fanout(textHandler, jsonHandler)
	logger := slog.New(multiHandler)
	slog.SetDefault(logger)

	// Setup dependency injection
	injector, err := di.Setup()
	if err != nil {
		slog.Error("Failed to setup dependency injection", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := di.Shutdown(injector); err != nil {
			slog.Error("Error during shutdown", "error", err)
		}
	}()

	cfg := do.MustInvoke[*config.Config](injector)
	session := do.MustInvoke[*telegramTransport.Session](injector)
	registry := do.MustInvoke[*channelService.Registry](injector)
	pipe := do.MustInvoke[*pipeline.Pipeline](injector)
	publisher := do.MustInvoke[*handoff.Publisher](injector)
	server := do.MustInvoke[*httpServer.Server](injector)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Session errors are fatal: the only error Run surfaces on its own is
	// a rejected session token, which no amount of retrying repairs.
	sessionErr := make(chan error, 1)
	go func() {
		sessionErr <- session.Run(ctx)
	}()

	registry.Start(ctx)
	defer registry.Stop()

	pipelineDone := make(chan struct{})
	go func() {
		defer close(pipelineDone)
		pipe.Run(ctx, session.Events())
	}()

	if interval := cfg.SweepIntervalDuration(); interval > 0 {
		go publisher.RunSweep(ctx, interval)
	}

	go func() {
		if err := server.Start(); err != nil {
			slog.Error("Admin server stopped", "error", err)
		}
	}()

	slog.Info("Monitor started", "port", cfg.HTTPPort, "channels_file", cfg.ChannelsFile)

	select {
	case <-ctx.Done():
		slog.Info("Shutting down...")
	case err := <-sessionErr:
		if err != nil {
			slog.Error("Session terminated", "error", err)
			cancel()
			<-pipelineDone
			os.Exit(1)
		}
		slog.Info("Session closed, shutting down...")
	}

	cancel()
	// Wait for the pipeline to flush buffered groups and finish in-flight
	// commits before the deferred shutdown closes the database.
	<-pipelineDone
}
