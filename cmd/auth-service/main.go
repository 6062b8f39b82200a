package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gamevault/auth-service/internal/cache"
	"github.com/gamevault/auth-service/internal/config"
	idpostgres "github.com/gamevault/auth-service/internal/identity/postgres"
	"github.com/gamevault/auth-service/internal/service"
	"github.com/gamevault/auth-service/internal/storage"
	"github.com/gamevault/auth-service/internal/storage/postgres"
	transport "github.com/gamevault/auth-service/internal/transport/http"
	"github.com/gamevault/auth-service/migrations"
)

// Константы для определения окружения.
const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.Parse()

	cfg := config.MustLoad(configPath)

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)
	log.Info("starting application", "env", cfg.Env)

	// Корневой контекст по сигналам.
	rootCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	// Подключение к БД c таймаутом.
	dbCtx, dbCancel := context.WithTimeout(rootCtx, 10*time.Second)
	str, err := postgres.New(dbCtx, cfg.DB.DatabaseURL)
	dbCancel()
	if err != nil {
		log.Error("postgres_connect_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	defer str.Close()
	log.Info("postgres_connected")

	// Миграции.
	migCtx, migCancel := context.WithTimeout(rootCtx, 30*time.Second)
	err = migrations.Up(migCtx, cfg.DB.DatabaseURL)
	migCancel()
	if err != nil {
		log.Error("migrations_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("migrations_applied")

	// Сервис. Ошибка конфигурации ключей фатальна.
	idp := idpostgres.New(str.Pool())
	srvc, err := service.New(str, idp, cfg.Auth)
	if err != nil {
		log.Error("service_init_failed", slog.String("err", err.Error()))
		os.Exit(1)
	}
	log.Info("service_initialized")

	// Необязательный Redis-кэш refresh-токенов.
	if cfg.Redis.RedisURL != "" {
		rcache, err := cache.NewRedisCache(cfg.Redis.RedisURL, "")
		if err != nil {
			log.Error("redis_connect_failed", slog.String("err", err.Error()))
			os.Exit(1)
		}
		defer func() { _ = rcache.Close() }()
		srvc.SetRefreshCache(rcache)
		log.Info("redis_connected")
	}

	var ready int32 // 0 — not ready; 1 — ready

	// Служебный листенер: /livez, /healthz, /metrics.
	opsMux := http.NewServeMux()
	opsMux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if atomic.LoadInt32(&ready) == 1 {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	opsMux.Handle("/metrics", promhttp.Handler())

	opsSrv := &http.Server{
		Addr:              cfg.Ops.Addr(),
		Handler:           opsMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("ops_listen_start", "addr", opsSrv.Addr)
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops_serve_failed", slog.String("err", err.Error()))
		}
	}()

	// Публичный HTTP API.
	apiSrv := &http.Server{
		Addr: cfg.HTTP.Addr(),
		Handler: transport.NewRouter(srvc, transport.Options{
			Logger:  log,
			Timeout: cfg.Timeouts.Service,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Фоновая очистка просроченных refresh-токенов.
	startRefreshJanitor(rootCtx, str, log, 30*time.Minute)

	serveErrCh := make(chan error, 1)
	go func() {
		log.Info("http_listen_start", "addr", apiSrv.Addr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- err
		}
		close(serveErrCh)
	}()

	atomic.StoreInt32(&ready, 1)

	// Ожидание сигнала завершения или фатальной ошибки сервера.
	select {
	case <-rootCtx.Done():
		log.Info("shutdown_requested")
	case err := <-serveErrCh:
		if err != nil {
			log.Error("http_serve_failed", slog.String("err", err.Error()))
		}
	}

	atomic.StoreInt32(&ready, 0)

	// Graceful stop с таймаутом.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http_force_stop", slog.String("err", err.Error()))
	}
	_ = opsSrv.Shutdown(context.Background())

	log.Info("service_stopped")
}

// setupLogger настраивает slog по окружению.
func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	}

	return log
}

// startRefreshJanitor запускает фоновую задачу, которая периодически удаляет
// просроченные refresh-токены из хранилища.
func startRefreshJanitor(ctx context.Context, st storage.Storage, log *slog.Logger, period time.Duration) {
	if period <= 0 {
		return
	}

	go func() {
		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := st.DeleteExpiredTokens(ctx, time.Now().UTC()); err != nil {
					log.Error("refresh_janitor_failed", slog.String("err", err.Error()))
				}
			}
		}
	}()
}
