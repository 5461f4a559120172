package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Chounic/next-tasks-manager/api"
	"github.com/Chounic/next-tasks-manager/session"
	"github.com/Chounic/next-tasks-manager/storage"
	"github.com/Chounic/next-tasks-manager/suggest"
)

const serviceName = "next-tasks-manager"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	logger := log.StandardLogger()
	if cfg.debug {
		logger.SetLevel(log.DebugLevel)
	}
	if cfg.jsonLogs {
		logger.SetFormatter(&log.JSONFormatter{})
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", serviceName))),
	)
	otel.SetTracerProvider(tp)

	ctx := context.Background()
	gateway, err := storage.Open(cfg.dbDriver, cfg.dbDSN, logger)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	if err := gateway.Migrate(ctx); err != nil {
		log.Fatalf("database: %v", err)
	}

	var rc *redis.Client
	if cfg.redisConn != "" {
		rc = redis.NewClient(redisOptions(cfg.redisConn))
	} else {
		logger.Warn("REDIS_CONNECTION_STRING not set; caching, shared sessions and commit idempotency are disabled")
	}

	var (
		settings storage.SettingsStore = storage.NewMemorySettings()
		events   api.EventPublisher
	)
	if cfg.storageConn != "" {
		ts, err := storage.NewTableSettings(cfg.storageConn, cfg.settingsTable)
		if err != nil {
			log.Fatalf("settings table: %v", err)
		}
		settings = ts
		q, err := storage.NewEventQueue(cfg.storageConn, cfg.eventsQueue)
		if err != nil {
			log.Fatalf("events queue: %v", err)
		}
		events = q
	} else {
		logger.Warn("STORAGE_CONNECTION_STRING not set; settings are kept in memory and change events are dropped")
	}
	store := storage.NewCache(gateway, settings, rc, cfg.cacheTTL)

	var (
		sessionStore session.Store = session.NewMemoryStore()
		deduper      api.Deduper
	)
	if rc != nil {
		sessionStore = session.NewRedisStore(rc, cfg.sessionTTL)
		deduper = api.NewRedisDeduper(rc, cfg.deduperTTL)
	}
	var suggester session.Suggester
	if cfg.ai.APIKey != "" {
		suggester = suggest.New(cfg.ai)
	} else {
		logger.Info("AI_API_KEY not set; suggestions are disabled")
	}
	sessions := session.NewManager(sessionStore, store, suggester, logger)

	auth, err := newAuth(cfg)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.JSONSerializer = api.Serializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, echo.HeaderContentEncoding, "Idempotency-Key"},
	}))
	e.Use(echoprometheus.NewMiddleware("tasks"))
	e.Use(api.GzipRequestMiddleware(1 << 20))
	e.GET("/metrics", echoprometheus.NewHandler())

	stopPublisher := api.Register(e, api.Deps{
		Store:    store,
		Sessions: sessions,
		Auth:     auth,
		Deduper:  deduper,
		Events:   events,
		Health:   gateway,
		Pool:     cfg.pool,
	}, logger)

	go func() {
		if err := e.Start(cfg.listenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("server shutdown")
	}
	stopPublisher()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("tracer shutdown")
	}
	if rc != nil {
		_ = rc.Close()
	}
	if err := gateway.Close(); err != nil {
		logger.WithError(err).Warn("database close")
	}
}

func newAuth(cfg config) (*api.Auth, error) {
	if cfg.testAuth {
		return api.NewAuth(nil, cfg.auth0Audience, "")
	}
	jwksURL := fmt.Sprintf("https://%s/.well-known/jwks.json", cfg.auth0Domain)
	jwks, err := keyfunc.Get(jwksURL, keyfunc.Options{RefreshInterval: time.Hour})
	if err != nil {
		return nil, fmt.Errorf("jwks: %w", err)
	}
	return api.NewAuth(jwks, cfg.auth0Audience, "https://"+cfg.auth0Domain+"/")
}
