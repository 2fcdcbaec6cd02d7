// Package daemon assembles the chat core for one session with fx.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/matheus3301/chatcore/internal/api"
	"github.com/matheus3301/chatcore/internal/apperr"
	"github.com/matheus3301/chatcore/internal/bus"
	"github.com/matheus3301/chatcore/internal/config"
	"github.com/matheus3301/chatcore/internal/gateway"
	"github.com/matheus3301/chatcore/internal/identity"
	"github.com/matheus3301/chatcore/internal/lock"
	"github.com/matheus3301/chatcore/internal/logging"
	"github.com/matheus3301/chatcore/internal/metrics"
	"github.com/matheus3301/chatcore/internal/outbox"
	"github.com/matheus3301/chatcore/internal/session"
	"github.com/matheus3301/chatcore/internal/status"
	"github.com/matheus3301/chatcore/internal/store"
	"github.com/matheus3301/chatcore/internal/transport"
	"github.com/matheus3301/chatcore/internal/transport/ws"
	"github.com/matheus3301/chatcore/internal/wa"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// provisionalUser is the session user of an unpaired WhatsApp session. The
// paired account replaces it.
const provisionalUser = "local"

var _ api.Authenticator = (*wa.Adapter)(nil)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	Debug       bool

	// Optional overrides for tests. Nil loads the session config file and
	// builds the file logger.
	Config *config.Session
	Logger *zap.Logger
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideMetrics,
			provideLock,
			provideStore,
			provideLink,
			provideGateway,
			provideService,
			NewServer,
		),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Session, error) {
	if p.Config != nil {
		return p.Config, p.Config.Validate()
	}
	return config.LoadSession(session.SessionConfigPath(p.SessionName))
}

func provideLogger(p Params) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, p.Debug)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideMetrics(b *bus.Bus) *metrics.Metrics {
	return metrics.New(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		var held *lock.HeldError
		if errors.As(err, &held) {
			logger.Error("session lock held", zap.Int("pid", held.PID), zap.String("path", held.Path))
		}
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by the
// process that owns the session.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ChatDBPath(p.SessionName)
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

// link is the configured transport and what it knows about the account.
type link struct {
	kind      string
	transport transport.Transport
	auth      api.Authenticator
	self      string
}

func provideLink(p Params, cfg *config.Session, _ *lock.Lock, machine *status.Machine, logger *zap.Logger) (*link, error) {
	switch cfg.Transport.Kind {
	case config.TransportWhatsApp:
		adapter, err := wa.NewAdapter(context.Background(), session.WhatsAppDBPath(p.SessionName), machine, logger.Named("wa"))
		if err != nil {
			return nil, err
		}
		return &link{kind: cfg.Transport.Kind, transport: adapter, auth: adapter, self: adapter.Self()}, nil

	case config.TransportWebSocket:
		self := cfg.Identity.UserID
		if self == "" && cfg.Transport.Token != "" {
			id, err := identity.UserIDFromToken(cfg.Transport.Token)
			if err != nil {
				return nil, fmt.Errorf("derive user from transport token: %w", err)
			}
			self = id
		}
		t := ws.New(ws.Config{URL: cfg.Transport.URL, Token: cfg.Transport.Token}, logger.Named("ws"))
		return &link{kind: cfg.Transport.Kind, transport: t, self: self}, nil

	default:
		logger.Info("no transport configured, running local only")
		return &link{kind: config.TransportNone, self: cfg.Identity.UserID}, nil
	}
}

func provideGateway(db *store.DB, l *link, b *bus.Bus, machine *status.Machine, m *metrics.Metrics, cfg *config.Session, logger *zap.Logger) *gateway.Gateway {
	return gateway.New(gateway.Options{
		DB:        db,
		Transport: l.transport,
		Bus:       b,
		Status:    machine,
		Metrics:   m,
		Logger:    logger.Named("gateway"),
		Policy: outbox.Policy{
			MaxAttempts: cfg.Outbox.MaxAttempts,
			BaseBackoff: cfg.Outbox.BaseBackoff,
			MaxBackoff:  cfg.Outbox.MaxBackoff,
		},
		FlushInterval: cfg.Outbox.FlushInterval,
	})
}

func provideService(p Params, l *link, gw *gateway.Gateway, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(api.Options{
		SessionName:   p.SessionName,
		TransportKind: l.kind,
		Gateway:       gw,
		Bus:           b,
		Auth:          l.auth,
		Logger:        logger.Named("api"),
	})
}

// sessionUser picks the user to hydrate with: the transport's account, the
// configured id, the stored one, or the provisional user.
func sessionUser(ctx context.Context, l *link, db *store.DB, logger *zap.Logger) (string, error) {
	if l.self != "" {
		return l.self, nil
	}
	_, err := identity.New(logger).Current(ctx, db.Queries())
	switch {
	case err == nil:
		return "", nil
	case errors.Is(err, apperr.ErrNotFound):
		return provisionalUser, nil
	default:
		return "", err
	}
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, gw *gateway.Gateway, db *store.DB, l *link, lk *lock.Lock, cfg *config.Session, m *metrics.Metrics, logger *zap.Logger) {
	var metricsSrv *http.Server

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			self, err := sessionUser(ctx, l, db, logger)
			if err != nil {
				return err
			}
			if err := gw.Hydrate(ctx, self); err != nil {
				return err
			}
			if cfg.Identity.Name != "" {
				if err := gw.UpdateProfile(ctx, cfg.Identity.Name); err != nil {
					logger.Warn("cannot set profile name", zap.Error(err))
				}
			}

			// Drainer and transport outlive the start context.
			gw.Start(context.Background())

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			if cfg.Metrics.Addr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", m.Handler())
				metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					logger.Info("metrics server starting", zap.String("addr", cfg.Metrics.Addr))
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("metrics server error", zap.Error(err))
					}
				}()
			}

			logger.Info("daemon started",
				zap.String("transport", l.kind),
				zap.String("self", gw.Self()))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			if metricsSrv != nil {
				_ = metricsSrv.Shutdown(ctx)
			}
			gw.Close()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
