package daemon

import (
	"context"

	"github.com/vendaflow/crmsync/internal/backend"
	"github.com/vendaflow/crmsync/internal/bus"
	"github.com/vendaflow/crmsync/internal/chat"
	"github.com/vendaflow/crmsync/internal/config"
	"github.com/vendaflow/crmsync/internal/feed"
	"github.com/vendaflow/crmsync/internal/gateway"
	"github.com/vendaflow/crmsync/internal/httpapi"
	"github.com/vendaflow/crmsync/internal/ingest"
	"github.com/vendaflow/crmsync/internal/lock"
	"github.com/vendaflow/crmsync/internal/logging"
	"github.com/vendaflow/crmsync/internal/notify"
	"github.com/vendaflow/crmsync/internal/outbox"
	"github.com/vendaflow/crmsync/internal/profile"
	"github.com/vendaflow/crmsync/internal/refresh"
	"github.com/vendaflow/crmsync/internal/status"
	"github.com/vendaflow/crmsync/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideChatStore,
			provideBackend,
			provideGateway,
			provideFeedClient,
			provideIngestEngine,
			provideCoordinator,
			provideNotifier,
			provideSender,
			provideAPIServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideChatStore(b *bus.Bus, logger *zap.Logger) *chat.Store {
	return chat.NewStore(b, logger)
}

func provideBackend(p Params, logger *zap.Logger) *backend.Client {
	return backend.NewClient(p.Config.Backend.URL, p.Config.Backend.APIKey, logger)
}

func provideGateway(p Params) *gateway.Client {
	return gateway.New(p.Config.Gateway.URL, p.Config.Gateway.From)
}

func provideFeedClient(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *feed.Client {
	return feed.NewClient(p.Config.Backend.FeedURL, p.Config.Backend.APIKey, b, machine, logger)
}

func provideIngestEngine(chats *chat.Store, b *bus.Bus, logger *zap.Logger) *ingest.Engine {
	return ingest.NewEngine(chats, b, logger)
}

func provideCoordinator(p Params, client *feed.Client, bk *backend.Client, db *store.DB, engine *ingest.Engine, b *bus.Bus, logger *zap.Logger) *refresh.Coordinator {
	return refresh.NewCoordinator(client, bk, db, engine, b, logger,
		p.Config.RefreshDebounce(), p.Config.Sync.Collections)
}

func provideNotifier(b *bus.Bus, logger *zap.Logger) *notify.Projector {
	return notify.NewProjector(b, logger)
}

func provideSender(db *store.DB, gw *gateway.Client, chats *chat.Store, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, gw, chats, b, logger)
}

func provideAPIServer(p Params, chats *chat.Store, db *store.DB, notifier *notify.Projector, machine *status.Machine, b *bus.Bus, coordinator *refresh.Coordinator, logger *zap.Logger) *httpapi.Server {
	return httpapi.NewServer(p.Config.API.Listen, chats, db, notifier, machine, b, coordinator, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *httpapi.Server, lk *lock.Lock, client *feed.Client, engine *ingest.Engine, coordinator *refresh.Coordinator, notifier *notify.Projector, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Consumers first so nothing published at connect time is lost.
			notifier.Start(context.Background())
			engine.Start(context.Background())
			coordinator.Start(context.Background())
			sender.Start(context.Background())
			client.Start(context.Background())

			if err := srv.Start(); err != nil {
				return err
			}

			// Hydrate the local caches while the feed connects.
			go coordinator.RefreshAll(context.Background())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = srv.Stop(ctx)
			client.Stop()
			sender.Stop()
			coordinator.Stop()
			engine.Stop()
			notifier.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
