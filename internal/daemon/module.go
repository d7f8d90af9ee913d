// Package daemon composes the service: providers for every component and the
// lifecycle hooks that start and stop them in order.
package daemon

import (
	"context"
	"errors"
	"path/filepath"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"careline/internal/bus"
	"careline/internal/config"
	"careline/internal/conversation"
	"careline/internal/encryption"
	"careline/internal/handlers"
	"careline/internal/lock"
	"careline/internal/logging"
	"careline/internal/message"
	"careline/internal/moderation"
	"careline/internal/presence"
	"careline/internal/queue"
	"careline/internal/realtime"
	"careline/internal/store"
	"careline/internal/view"
	"careline/internal/ws"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	Config *config.Config
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStore,
			provideModerator,
			provideEncryptor,
			provideMessageService,
			provideConversationService,
			provideRealtimeManager,
			provideQueue,
			providePresenceTracker,
			provideViewManager,
			provideHub,
			provideBridge,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Config.LogPath)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	dir := filepath.Dir(p.Config.DBPath)
	logger.Info("acquiring data lock", zap.String("dir", dir))
	l, err := lock.Acquire(dir)
	if err != nil {
		return nil, err
	}
	logger.Info("data lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	db, err := store.Open(p.Config.DBPath)
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
	logger.Info("store initialized", zap.String("path", p.Config.DBPath))
	return db, nil
}

func provideModerator(p Params, logger *zap.Logger) *moderation.Gateway {
	return moderation.NewGateway(logger, p.Config.TrustedLinkHosts...)
}

func provideEncryptor(p Params, logger *zap.Logger) *encryption.Gateway {
	secret := ""
	if p.Config.EncryptionEnabled {
		secret = p.Config.EncryptionSecret
	}
	return encryption.NewGateway(secret, logger)
}

func provideMessageService(p Params, db *store.DB, b *bus.Bus, m *moderation.Gateway, e *encryption.Gateway, logger *zap.Logger) *message.Service {
	return message.NewService(db, b, m, e, p.Config.EncryptionEnabled, p.Config.PageSize, logger)
}

func provideConversationService(p Params, db *store.DB, b *bus.Bus, m *moderation.Gateway, e *encryption.Gateway, logger *zap.Logger) *conversation.Service {
	return conversation.NewService(db, b, m, e, p.Config.EncryptionEnabled, logger)
}

func provideRealtimeManager(db *store.DB, b *bus.Bus, e *encryption.Gateway, logger *zap.Logger) *realtime.Manager {
	return realtime.NewManager(db, b, e, logger)
}

func provideQueue(p Params, msgs *message.Service, b *bus.Bus, logger *zap.Logger) *queue.OfflineQueue {
	sender := queue.SenderFunc(func(ctx context.Context, conversationID, senderID, content, messageType string) error {
		res := msgs.SendMessage(ctx, conversationID, senderID, content, messageType)
		if !res.Success {
			return errors.New(res.Error)
		}
		return nil
	})
	return queue.New(sender, b, p.Config.MaxSendRetries, logger)
}

func providePresenceTracker(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(db, b, p.Config.TypingExpiry(), logger)
}

func provideViewManager(p Params, db *store.DB, msgs *message.Service, rt *realtime.Manager, q *queue.OfflineQueue, pt *presence.Tracker, logger *zap.Logger) *view.Manager {
	return view.NewManager(db, msgs, rt, q, pt, p.Config.PageSize, p.Config.AutoMarkRead, p.Config.PresenceEnabled, logger)
}

func provideHub(logger *zap.Logger) *ws.Hub {
	return ws.NewHub(logger)
}

func provideBridge(h *ws.Hub, db *store.DB, b *bus.Bus, e *encryption.Gateway, logger *zap.Logger) *ws.Bridge {
	return ws.NewBridge(h, db, b, e, logger)
}

func provideHandler(cs *conversation.Service, ms *message.Service, pt *presence.Tracker, db *store.DB, hub *ws.Hub, logger *zap.Logger) *handlers.Handler {
	return handlers.New(cs, ms, pt, db, hub, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, bridge *ws.Bridge, q *queue.OfflineQueue, rt *realtime.Manager, pt *presence.Tracker, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			bridge.Start(context.Background())

			// The daemon serves the network, so sends go straight through.
			q.SetOnline(context.Background(), true)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			bridge.Stop()
			rt.Close()
			pt.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing data lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
