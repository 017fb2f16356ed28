package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/iliyamo/agent-gateway/internal/agent"
	"github.com/iliyamo/agent-gateway/internal/config"
	"github.com/iliyamo/agent-gateway/internal/credential"
	"github.com/iliyamo/agent-gateway/internal/database"
	"github.com/iliyamo/agent-gateway/internal/handler"
	"github.com/iliyamo/agent-gateway/internal/lock"
	"github.com/iliyamo/agent-gateway/internal/logger"
	"github.com/iliyamo/agent-gateway/internal/metrics"
	"github.com/iliyamo/agent-gateway/internal/middleware"
	"github.com/iliyamo/agent-gateway/internal/orchestrator"
	"github.com/iliyamo/agent-gateway/internal/queue"
	"github.com/iliyamo/agent-gateway/internal/quota"
	"github.com/iliyamo/agent-gateway/internal/repository"
	"github.com/iliyamo/agent-gateway/internal/retention"
	"github.com/iliyamo/agent-gateway/internal/router"
	"github.com/iliyamo/agent-gateway/internal/session"
	"github.com/iliyamo/agent-gateway/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("config")
	}
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = log.WithContext(ctx)

	// fail fast: an unusable master key must stop startup, not the first request
	sealer, err := utils.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("ENCRYPTION_KEY")
	}

	db, err := database.Open(ctx, database.DSN(cfg.DB.User, cfg.DB.Pass, cfg.DB.Host, cfg.DB.Port, cfg.DB.Name))
	if err != nil {
		log.Fatal().Err(err).Msg("mysql")
	}
	defer db.Close()
	if err := database.ApplyMigrations(db); err != nil {
		log.Fatal().Err(err).Msg("migrations")
	}

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()

	m := metrics.New()
	creds := repository.NewCredentialRepo(db, sealer)
	audit := repository.NewAuditRepo(db)

	refresher := credential.NewRefresher(creds, credential.Config{
		ClientID:     cfg.OAuth.ClientID,
		ClientSecret: cfg.OAuth.ClientSecret,
		TokenURL:     cfg.OAuth.TokenURL,
		RevokeURL:    cfg.OAuth.RevokeURL,
		SafetyMargin: cfg.OAuth.SafetyMargin,
	})
	sessions := session.NewRedisStore(rdb, session.Options{TTL: cfg.Session.TTL, MaxTurns: cfg.Session.MaxTurns})
	locker := lock.NewRedisLocker(rdb, lock.Options{TTL: cfg.Lock.TTL, RetryInterval: cfg.Lock.RetryInterval})
	limiter := quota.NewDailyLimiter(rdb, cfg.Quota.DailyLimit, cfg.Quota.Prefix)
	runner := agent.NewProcessRunner(agent.Config{
		Binary:         cfg.Agent.Binary,
		Args:           cfg.Agent.Args,
		Timeout:        cfg.Agent.Timeout,
		MaxOutputBytes: cfg.Agent.MaxOutputBytes,
		Capabilities:   cfg.Agent.Capabilities,
		SpawnRate:      cfg.Agent.SpawnRate,
		SpawnBurst:     cfg.Agent.SpawnBurst,
	})

	var publisher orchestrator.Publisher = queue.Nop{}
	if cfg.AMQP.Enabled {
		publisher = queue.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Queue)
		consumer := &queue.Consumer{URL: cfg.AMQP.URL, Queue: cfg.AMQP.Queue, Notifier: queue.LogNotifier{Log: log}}
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("turn event consumer stopped")
			}
		}()
	}

	orch := orchestrator.New(orchestrator.Deps{
		Locker:    locker,
		Limiter:   limiter,
		Sessions:  sessions,
		Tokens:    refresher,
		Runner:    runner,
		Audit:     audit,
		Publisher: publisher,
		Metrics:   m,
	}, orchestrator.Options{
		LockWait:     cfg.Lock.AcquireTimeout,
		HistoryTurns: cfg.Session.HistoryTurns,
		MaxTurnChars: cfg.Session.MaxTurnChars,
	})

	if cfg.Retention.Enabled {
		job := retention.NewJob(audit, m, retention.Options{Schedule: cfg.Retention.Schedule, AuditDays: cfg.Retention.AuditDays})
		go func() {
			if err := job.Start(ctx); err != nil {
				log.Error().Err(err).Msg("retention job stopped")
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echomw.RequestID())
	e.Use(echomw.Recover())
	e.Use(middleware.RequestLogger(log))

	var limit echo.MiddlewareFunc
	if cfg.RateLimit.Enabled {
		limit = middleware.NewTokenBucket(cfg.RateLimit, rdb)
	}
	auth := router.Auth{Secret: cfg.Auth.JWTSecret, Issuer: cfg.Auth.Issuer}
	router.RegisterRoutes(e, handler.Ready(
		handler.Check{Name: "mysql", Ping: db.PingContext},
		handler.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	), m.Handler())
	router.RegisterExecute(e, handler.NewExecuteHandler(orch), auth, limit)
	router.RegisterCredentials(e, handler.NewCredentialHandler(refresher, locker, cfg.Lock.AcquireTimeout), auth)
	router.RegisterSessions(e, handler.NewSessionHandler(sessions), auth)
	router.RegisterAccount(e, handler.NewAccountHandler(audit, limiter), auth)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		// an execute call may legitimately take the full agent budget
		WriteTimeout: cfg.Agent.Timeout + cfg.Lock.AcquireTimeout + 30*time.Second,
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.Timeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
	}
}
