package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/wagateway/internal/activity"
	"github.com/memohai/wagateway/internal/broadcast"
	"github.com/memohai/wagateway/internal/config"
	"github.com/memohai/wagateway/internal/gateway"
	"github.com/memohai/wagateway/internal/gateway/whatsapp"
	"github.com/memohai/wagateway/internal/handlers"
	"github.com/memohai/wagateway/internal/logger"
	"github.com/memohai/wagateway/internal/metrics"
	"github.com/memohai/wagateway/internal/router"
	"github.com/memohai/wagateway/internal/server"
	"github.com/memohai/wagateway/internal/session"
	"github.com/memohai/wagateway/internal/version"
)

func runServe(configPath string) {
	fx.New(
		fx.Provide(
			func() (config.Config, error) { return loadConfig(configPath) },
			provideLogger,
			metrics.New,
			provideSessionStore,
			provideActivitySink,
			provideActivityLogger,
			provideRouterClient,
			provideStatusHub,
			provideDialer,
			provideManager,
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServerHandler(provideSessionsHandler),
			provideServerHandler(provideWSHandler),
			provideServer,
		),
		fx.Invoke(
			startManager,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideSessionStore(cfg config.Config) *session.Store {
	return session.NewStore(cfg.Sessions.Dir)
}

// provideActivitySink writes activity to Postgres when a DSN is configured and
// to the process log otherwise.
func provideActivitySink(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (activity.Sink, error) {
	if cfg.Activity.PostgresDSN == "" {
		log.Info("activity log using process logger; set activity.postgres_dsn to persist")
		return activity.NewSlogSink(log), nil
	}
	sink, err := activity.OpenPostgres(context.Background(), cfg.Activity.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("activity db: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { sink.Close(); return nil }})
	return sink, nil
}

func provideActivityLogger(lc fx.Lifecycle, log *slog.Logger, sink activity.Sink, cfg config.Config, m *metrics.Metrics) *activity.Logger {
	al := activity.NewLogger(log, sink, cfg.Activity.QueueSize, m)
	lc.Append(fx.Hook{OnStop: al.Close})
	return al
}

func provideRouterClient(log *slog.Logger, cfg config.Config) *router.Client {
	return router.NewClient(log, cfg.Router.URL, cfg.Router.TimeoutDuration(), router.WithToken(cfg.Router.Token))
}

func provideStatusHub(log *slog.Logger) *broadcast.Hub[gateway.StatusEvent] {
	return broadcast.NewHub[gateway.StatusEvent](log)
}

func provideDialer(log *slog.Logger, cfg config.Config) *whatsapp.Dialer {
	return whatsapp.NewDialer(log, cfg.WhatsApp.LogLevel)
}

func provideManager(log *slog.Logger, cfg config.Config, dialer *whatsapp.Dialer, store *session.Store, rc *router.Client, hub *broadcast.Hub[gateway.StatusEvent], al *activity.Logger, m *metrics.Metrics) *gateway.Manager {
	return gateway.NewManager(log, dialer, store, rc, hub, al, gateway.Options{
		Policy:           gateway.NewReconnectPolicy(cfg.Reconnect),
		PairingEncoder:   gateway.PNGDataURL,
		InboundQueueSize: cfg.Sessions.InboundQueueSize,
		DedupWindow:      cfg.Router.DedupWindow,
		Metrics:          m,
	})
}

func provideSessionsHandler(log *slog.Logger, manager *gateway.Manager) *handlers.SessionsHandler {
	return handlers.NewSessionsHandler(log, manager)
}

func provideWSHandler(log *slog.Logger, manager *gateway.Manager, hub *broadcast.Hub[gateway.StatusEvent]) *handlers.WSHandler {
	return handlers.NewWSHandler(log, manager, hub)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config, params.ServerHandlers)
}

// startManager restores stored sessions, schedules the periodic reconcile and
// closes every connection on stop without logging out.
func startManager(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, manager *gateway.Manager) error {
	var scheduler *cron.Cron
	if schedule := cfg.Sessions.ReconcileSchedule; schedule != "" {
		scheduler = cron.New()
		if _, err := scheduler.AddFunc(schedule, func() {
			manager.Restore(context.Background())
		}); err != nil {
			return fmt.Errorf("sessions.reconcile_schedule: %w", err)
		}
	}
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Sessions.RestoreOnStart {
				go manager.Restore(context.Background())
			}
			if scheduler != nil {
				scheduler.Start()
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if scheduler != nil {
				<-scheduler.Stop().Done()
			}
			if err := manager.Shutdown(ctx); err != nil {
				log.Warn("gateway shutdown incomplete", slog.Any("error", err))
			}
			return nil
		},
	})
	return nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	fmt.Printf("Starting WhatsApp gateway %s\n", version.GetInfo())
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("gateway listening", slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
