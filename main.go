package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"companionchat/internal/api"
	"companionchat/internal/auth"
	"companionchat/internal/config"
	"companionchat/internal/device"
	"companionchat/internal/devicekv"
	"companionchat/internal/realtime"
	"companionchat/internal/redis"
	"companionchat/internal/service/ai"
	"companionchat/internal/service/backend"
	"companionchat/internal/service/catalog"
	"companionchat/internal/storage"
	"companionchat/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	setupLogger(cfg.BasicConfig.LogLevel)

	dbType := os.Getenv("COMPANION_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Info().Str("db_type", dbType).Msg("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("create redis client")
	}
	defer rdb.Close()

	characters, err := catalog.New(cfg.Characters)
	if err != nil {
		log.Fatal().Err(err).Msg("load character catalog")
	}
	responder, err := ai.NewAiService(cfg.BasicConfig.Provider, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init responder")
	}

	broker := realtime.NewRedisBroker(rdb)
	backendService := backend.NewService(db, broker)
	registry := device.NewRegistry(device.Deps{
		Backend:    backendService,
		Broker:     broker,
		Characters: characters,
		Responder:  responder,
		KV: func(deviceID string) devicekv.Store {
			return devicekv.NewRedisStore(rdb, deviceID)
		},
		FreeLimit:     cfg.Entitlement.FreeMessageLimit,
		GuestCap:      cfg.Entitlement.GuestSessionCap,
		ContextWindow: cfg.Entitlement.ContextWindow,
		DefaultModel:  cfg.Entitlement.DefaultModel,
	})
	sends := worker.NewManager(worker.DispatcherConfig{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
	})
	authService := auth.NewService(db, rdb, 24*time.Hour)
	handlers := api.NewHandler(backendService, authService, registry, characters, sends)

	if zerolog.GlobalLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server stopped")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
	registry.Shutdown()
	sends.Stop()
}

func setupLogger(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if lvl <= zerolog.DebugLevel {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}
