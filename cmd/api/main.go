package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ringlink/internal/auth"
	"ringlink/internal/authority"
	"ringlink/internal/config"
	"ringlink/internal/gateway"
	"ringlink/internal/httpapi"
	"ringlink/internal/session"
	"ringlink/internal/usage"
	"ringlink/pkg/logger"
	"ringlink/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Local development convenience; missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := session.NewPostgresStore(db)
	cancels := session.NewRedisCancellations(rdb, cfg.Windows.CancellationTTL)
	ledger := usage.NewPostgresLedger(db)
	limiter := authority.NewRedisRateLimiter(rdb, cfg.Limits.SessionStartsPerHour, time.Hour)

	var sender gateway.Sender
	if cfg.Push.Endpoint != "" {
		sender = gateway.NewHTTPSender(cfg.Push.Endpoint, cfg.Push.SendTimeout)
	} else {
		log.Warn("PUSH_ENDPOINT not set; pushes will be dropped")
	}
	dispatcher := gateway.NewDispatcher(sender, log, cfg.Push.SendTimeout)

	svc := authority.NewService(store, cancels, limiter, dispatcher, cfg.Windows, log)

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, authManager, httpapi.Handlers{
		Auth:      authManager,
		Authority: svc,
		Usage:     ledger,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
