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

	"CapIot.ingest/internal/config"
	"CapIot.ingest/internal/controller"
	"CapIot.ingest/internal/logging"
	"CapIot.ingest/internal/middleware"
	"CapIot.ingest/internal/repository"
	"CapIot.ingest/internal/routes"
	"CapIot.ingest/internal/service"
	"CapIot.ingest/internal/timeresolve"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

func main() {
	if err := run(); err != nil {
		logging.Component("main").Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("error loading configuration: %w", err)
	}
	logging.Init(logging.ParseLevel(cfg.LogLevel), cfg.LogFormat == "json")
	log := logging.Component("main")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info("store ready", "backend", cfg.StoreBackend)

	repo := repository.NewTelemetryRepository(store)
	registry := service.NewCachedRegistry(repo, cfg.LookupCacheTTL)
	resolver := timeresolve.Resolver{
		Past:     timeresolve.DefaultPast,
		Future:   timeresolve.DefaultFuture,
		Location: cfg.DeviceTimezone,
	}

	opts := []service.IngestionOption{service.WithResolver(resolver)}
	if cfg.MirrorEnabled() {
		influx := repository.NewInfluxDBRepository(cfg.InfluxDBURL, cfg.InfluxDBToken, cfg.InfluxDBOrg)
		defer influx.Close()
		opts = append(opts, service.WithMirror(influx))
		log.Info("mirroring readings to InfluxDB", "url", cfg.InfluxDBURL, "org", cfg.InfluxDBOrg)
	}

	ingest := service.NewIngestionService(registry, repo, opts...)
	history := service.NewHistoryService(registry, repo, resolver)
	ctrl := controller.NewDeviceController(ingest, history)

	auth, err := middleware.NewJWTMiddleware(cfg.Auth)
	if err != nil {
		return err
	}
	if auth == nil {
		log.Warn("authentication disabled, history endpoint is open")
	}

	router := mux.NewRouter()
	routes.RegisterRoutes(router, ctrl, auth)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Ingest-Key", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server is running", "url", fmt.Sprintf("http://localhost:%s", cfg.Port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("error starting server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// openStore connects the configured store backend.
func openStore(ctx context.Context, cfg config.Config) (repository.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		s, err := repository.NewRedisStore(ctx, repository.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword,
			DB:        cfg.RedisDB,
			KeyPrefix: cfg.RedisKeyPrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.RedisReindex {
			n, err := s.Reindex(ctx)
			if err != nil {
				_ = s.Close()
				return nil, nil, err
			}
			logging.Component("main").Info("redis branch indexes rebuilt", "documents", n)
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendFirebase:
		return repository.NewFirebaseStore(cfg.FirebaseDatabaseURL, cfg.FirebaseAuth), func() {}, nil
	default:
		return repository.NewMemoryStore(), func() {}, nil
	}
}
