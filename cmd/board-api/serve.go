package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"prism-board/api"
	"prism-board/broadcast"
	"prism-board/config"
	"prism-board/content"
	"prism-board/domain"
	"prism-board/notify"
	"prism-board/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		if err := cfg.ValidateAuth(); err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func serve(ctx context.Context, cfg config.Config) error {
	logger := log.StandardLogger()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			logger.WithError(err).Warn("tracer shutdown")
		}
	}()

	db, err := storage.Open(cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Init(); err != nil {
		return err
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		opts, err := config.RedisOptions(cfg.RedisConnectionString)
		if err != nil {
			return err
		}
		rc = redis.NewClient(opts)
		defer rc.Close()
	} else {
		logger.Warn("no redis configured, running single instance without dedupe and cache")
	}

	hub := broadcast.NewHub(logger)
	var publisher broadcast.Publisher = hub
	var dedup api.Deduper
	if rc != nil {
		relay := broadcast.NewRelay(rc, hub, cfg.RelayChannel, logger)
		go relay.Run(ctx)
		publisher = relay
		dedup = api.NewRedisDeduper(rc, cfg.DeduperTTL)
	}

	var prefs notify.PreferenceStore = db
	var mailer notify.Mailer = notify.LogMailer{Log: logger}
	if cfg.StorageConnectionString != "" {
		tables, err := storage.NewTablePreferences(cfg.StorageConnectionString, cfg.PreferencesTable)
		if err != nil {
			return err
		}
		prefs = tables
		q, err := storage.NewQueueClient(cfg.StorageConnectionString, cfg.EmailQueue)
		if err != nil {
			return err
		}
		mailer = notify.NewQueueMailer(q)
	}

	webhooks := notify.NewWebhookDispatcher(db, &http.Client{Timeout: cfg.WebhookTimeout}, notify.WebhookConfig{
		Workers: cfg.WebhookWorkers,
		Buffer:  cfg.WebhookBuffer,
		Timeout: cfg.WebhookTimeout,
	}, logger)
	defer webhooks.Close()

	cache := storage.NewBoardCache(db, rc, cfg.BoardCacheTTL)
	tasks := domain.NewTaskService(db, content.New(),
		domain.WithNotifier(notify.New(prefs, db, mailer, logger)),
		domain.WithBroadcaster(broadcast.NewEvents(publisher, logger)),
		domain.WithWebhooks(webhooks),
		domain.WithBoardCache(cache),
		domain.WithFanout(cfg.NotifyConcurrency, cfg.NotifyTimeout),
	)

	auth, err := newAuth(cfg)
	if err != nil {
		return err
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, api.HeaderIdempotencyKey},
	}))
	api.Register(e, &api.Server{
		Tasks:         tasks,
		Boards:        cache,
		Notifications: db,
		Hub:           hub,
		Log:           logger,
		ClientOptions: []broadcast.ClientOption{
			broadcast.WithSendBuffer(cfg.WSSendBuffer),
			broadcast.WithPingInterval(cfg.WSPingInterval),
		},
	}, auth, dedup)

	errc := make(chan error, 1)
	go func() {
		logger.Infof("listening on %s", cfg.ListenAddr)
		errc <- e.Start(cfg.ListenAddr)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newAuth(cfg config.Config) (*api.Auth, error) {
	if cfg.AuthTestMode {
		return api.NewAuth(nil, api.AuthConfig{
			Audience:   cfg.AuthAudience,
			Issuer:     cfg.Issuer(),
			TestSecret: []byte(cfg.TestJWTSecret),
		}), nil
	}
	jwks, err := keyfunc.Get(cfg.JWKSURL(), keyfunc.Options{
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			log.WithError(err).Warn("jwks refresh failed")
		},
	})
	if err != nil {
		return nil, err
	}
	return api.NewAuth(jwks, api.AuthConfig{Audience: cfg.AuthAudience, Issuer: cfg.Issuer()}), nil
}
