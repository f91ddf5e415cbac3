package daemon

import (
	"context"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/auth"
	"github.com/matheus3301/chatsync/internal/backend"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/docstore"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/logging"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/profile"
	"github.com/matheus3301/chatsync/internal/push"
	"github.com/matheus3301/chatsync/internal/reconcile"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/vault"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideSettings,
			provideLock,
			provideDB,
			provideSecrets,
			provideVault,
			provideStore,
			provideTokens,
			provideBackend,
			provideDocStore,
			provideOutbox,
			provideRegistry,
			provideScheduler,
			providePush,
			provideTimelineService,
			provideSyncService,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideSettings(p Params) (config.Profile, error) {
	s, err := profile.Settings(p.ProfileName)
	if err != nil {
		return config.Profile{}, err
	}
	if err := s.Validate(); err != nil {
		return config.Profile{}, fmt.Errorf("profile %s: %w", p.ProfileName, err)
	}
	return s, nil
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

// provideDB takes the lock so the database is never opened by a second daemon.
func provideDB(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.ProfileName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideSecrets(p Params) *vault.Secrets {
	return vault.NewSecrets(p.ProfileName)
}

func provideVault(s *vault.Secrets) (*vault.Vault, error) {
	return vault.Load(s)
}

func provideStore(db *store.DB, v *vault.Vault, settings config.Profile, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(db, store.Options{
		SelfID: settings.Account.SelfID,
		Sealer: v,
		Bus:    b,
		Logger: logger,
	})
}

func provideTokens(s *vault.Secrets, b *bus.Bus, logger *zap.Logger) *auth.Tokens {
	return auth.New(s, b, logger)
}

func provideBackend(settings config.Profile, tokens *auth.Tokens, logger *zap.Logger) (*backend.Client, error) {
	opts := backend.OptionsFromConfig(settings.Backend)
	opts.Logger = logger
	return backend.New(opts, tokens)
}

// provideDocStore falls back to an in-process store when no realtime endpoint
// is configured; the daemon then only sees its own writes.
func provideDocStore(settings config.Profile, tokens *auth.Tokens, logger *zap.Logger) (docstore.Store, error) {
	if settings.DocStore.URL == "" {
		logger.Warn("docstore.url not set, using in-process document store")
		return docstore.NewMemory(), nil
	}
	return docstore.NewWebSocket(settings.DocStore.URL, tokens, logger)
}

func provideOutbox(s *store.Store, settings config.Profile, b *bus.Bus, logger *zap.Logger) *outbox.Manager {
	opts := outbox.OptionsFromConfig(settings.Outbox)
	opts.Bus = b
	opts.Logger = logger
	return outbox.New(s, opts)
}

func provideRegistry(settings config.Profile, s *store.Store, ob *outbox.Manager, docs docstore.Store, client *backend.Client, b *bus.Bus, logger *zap.Logger) (*reconcile.Registry, error) {
	delivery, err := reconcile.NewDelivery(settings.Delivery.Mode, client, docs)
	if err != nil {
		return nil, err
	}
	opts := reconcile.OptionsFromConfig(settings)
	opts.Store = s
	opts.Outbox = ob
	opts.Docs = docs
	opts.Delivery = delivery
	opts.Receipts = client
	opts.Bus = b
	opts.Logger = logger
	reg := reconcile.NewRegistry(opts)
	ob.SetKicker(reg)
	return reg, nil
}

func provideScheduler(ob *outbox.Manager, reg *reconcile.Registry, settings config.Profile, logger *zap.Logger) *outbox.Scheduler {
	return outbox.NewScheduler(ob, reg, settings.Outbox.PollInterval.Duration, logger)
}

func providePush(reg *reconcile.Registry, settings config.Profile, client *backend.Client, secrets *vault.Secrets, logger *zap.Logger) *push.Handler {
	opts := push.OptionsFromConfig(settings.Push)
	opts.Registrar = client
	opts.Tokens = secrets
	opts.Logger = logger
	return push.NewHandler(reg, opts)
}

func provideTimelineService(s *store.Store, ob *outbox.Manager, reg *reconcile.Registry) *api.TimelineService {
	return api.NewTimelineService(s, ob, reg)
}

func provideSyncService(p Params, reg *reconcile.Registry, ph *push.Handler, tokens *auth.Tokens, b *bus.Bus, logger *zap.Logger) *api.SyncService {
	return api.NewSyncService(p.ProfileName, reg, ph, tokens, b, logger)
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Tokens    *auth.Tokens
	Outbox    *outbox.Manager
	Scheduler *outbox.Scheduler
	Registry  *reconcile.Registry
	Push      *push.Handler
	Sync      *api.SyncService
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// New credentials release messages parked on auth failures.
			d.Tokens.OnChange(func() {
				if err := d.Outbox.ResumeParked(ctx); err != nil {
					d.Logger.Error("resume parked outbox entries", zap.Error(err))
				}
			})

			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			// Picks up entries persisted by a previous run.
			d.Scheduler.Start(ctx)
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			d.Server.Stop(stopCtx)
			d.Push.Close()
			d.Scheduler.Stop()
			d.Sync.CloseAll(stopCtx)
			if err := d.Registry.Shutdown(stopCtx); err != nil {
				d.Logger.Warn("registry shutdown", zap.Error(err))
			}
			cancel()
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}
