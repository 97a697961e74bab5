package di

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/samber/do/v2"
	"github.com/samber/oops"

	"github.com/carscout/carscout/internal/handoff"
	candidateRepo "github.com/carscout/carscout/internal/modules/candidate/repository"
	channelRepo "github.com/carscout/carscout/internal/modules/channel/repository"
	channelService "github.com/carscout/carscout/internal/modules/channel/service"
	feedService "github.com/carscout/carscout/internal/modules/feed/service"
	"github.com/carscout/carscout/internal/pipeline"
	"github.com/carscout/carscout/internal/ratelimit"
	"github.com/carscout/carscout/internal/shared/config"
	"github.com/carscout/carscout/internal/shared/database"
	httpServer "github.com/carscout/carscout/internal/transport/http"
	telegramTransport "github.com/carscout/carscout/internal/transport/telegram"
)

// Setup initializes the dependency injection container
func Setup() (do.Injector, error) {
	injector := do.New()

	// Register Config
	do.Provide(injector, func(i do.Injector) (*config.Config, error) {
		cfg, err := config.Load()
		if err != nil {
			return nil, oops.With("context", "failed to load config").Wrap(err)
		}
		return cfg, nil
	})

	// Register Database
	do.Provide(injector, func(i do.Injector) (*sql.DB, error) {
		cfg := do.MustInvoke[*config.Config](i)
		db, err := database.Open(cfg.DatabasePath)
		if err != nil {
			return nil, oops.With("database_path", cfg.DatabasePath, "context", "failed to open database").Wrap(err)
		}
		return db, nil
	})

	// Register Channel Repository
	do.Provide(injector, func(i do.Injector) (channelRepo.Repository, error) {
		db := do.MustInvoke[*sql.DB](i)
		return channelRepo.NewSQLiteRepository(db), nil
	})

	// Register Candidate Repository
	do.Provide(injector, func(i do.Injector) (candidateRepo.Repository, error) {
		db := do.MustInvoke[*sql.DB](i)
		return candidateRepo.NewSQLiteRepository(db), nil
	})

	// Register Rate Limiter
	do.Provide(injector, func(i do.Injector) (*ratelimit.Limiter, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return ratelimit.New(cfg.RateQuota, cfg.RateWindowDuration()), nil
	})

	// Register Session
	do.Provide(injector, func(i do.Injector) (*telegramTransport.Session, error) {
		cfg := do.MustInvoke[*config.Config](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		return telegramTransport.NewSession(
			cfg.TelegramSessionToken,
			cfg.TelegramAPIURL,
			cfg.IdleThresholdDuration(),
			limiter,
		), nil
	})

	// Register Channel Registry (wired to the session both ways)
	do.Provide(injector, func(i do.Injector) (*channelService.Registry, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[channelRepo.Repository](i)
		limiter := do.MustInvoke[*ratelimit.Limiter](i)
		session := do.MustInvoke[*telegramTransport.Session](i)

		source := channelService.NewFileSource(cfg.ChannelsFile)
		registry := channelService.NewRegistry(source, repo, session, limiter, cfg.RefreshIntervalDuration())
		session.SetSubscriber(registry)
		return registry, nil
	})

	// Register Queue Publisher
	do.Provide(injector, func(i do.Injector) (message.Publisher, error) {
		pubsub := gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewSlogLogger(slog.Default()),
		)
		return pubsub, nil
	})

	// Register Handoff
	do.Provide(injector, func(i do.Injector) (*handoff.Publisher, error) {
		pub := do.MustInvoke[message.Publisher](i)
		repo := do.MustInvoke[candidateRepo.Repository](i)
		return handoff.NewPublisher(pub, repo), nil
	})

	// Register Pipeline
	do.Provide(injector, func(i do.Injector) (*pipeline.Pipeline, error) {
		cfg := do.MustInvoke[*config.Config](i)
		registry := do.MustInvoke[*channelService.Registry](i)
		chRepo := do.MustInvoke[channelRepo.Repository](i)
		cdRepo := do.MustInvoke[candidateRepo.Repository](i)
		publisher := do.MustInvoke[*handoff.Publisher](i)

		dedup, err := pipeline.NewDedup(cfg.DedupCacheSize, cdRepo)
		if err != nil {
			return nil, oops.With("context", "failed to build dedup cache").Wrap(err)
		}

		return pipeline.New(
			registry,
			chRepo,
			dedup,
			pipeline.NewExtractor(cfg.MinTextLength),
			cdRepo,
			publisher,
			cfg.QuietPeriod(),
			cfg.MaxGroupAge(),
		), nil
	})

	// Register Feed Service
	do.Provide(injector, func(i do.Injector) (*feedService.Service, error) {
		repo := do.MustInvoke[candidateRepo.Repository](i)
		return feedService.New(repo), nil
	})

	// Register HTTP Server
	do.Provide(injector, func(i do.Injector) (*httpServer.Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		chRepo := do.MustInvoke[channelRepo.Repository](i)
		feeds := do.MustInvoke[*feedService.Service](i)
		session := do.MustInvoke[*telegramTransport.Session](i)
		pipe := do.MustInvoke[*pipeline.Pipeline](i)

		return httpServer.New(
			cfg.HTTPPort,
			chRepo,
			feeds,
			func() string { return session.State().String() },
			pipe.PendingGroups,
		), nil
	})

	return injector, nil
}

// Shutdown gracefully shuts down all services
func Shutdown(injector do.Injector) error {
	ctx := context.Background()

	if server, err := do.Invoke[*httpServer.Server](injector); err == nil && server != nil {
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("Error shutting down admin server", "error", err)
		}
	}

	if pub, err := do.Invoke[message.Publisher](injector); err == nil && pub != nil {
		if err := pub.Close(); err != nil {
			slog.Error("Error closing queue publisher", "error", err)
		}
	}

	if db, err := do.Invoke[*sql.DB](injector); err == nil && db != nil {
		if err := db.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}

	return nil
}
