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

	"callbroker/internal/assistant"
	"callbroker/internal/auth"
	"callbroker/internal/config"
	"callbroker/internal/directory"
	"callbroker/internal/dispatch"
	"callbroker/internal/emergency"
	"callbroker/internal/httpapi"
	"callbroker/internal/journal"
	"callbroker/internal/reporting"
	"callbroker/internal/session"
	"callbroker/internal/telephony"
	"callbroker/pkg/logger"
	"callbroker/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	store := session.NewRedisStore(rdb, cfg.Broadcast.SessionTTL)

	// Outcome journaling degrades to in-memory when Postgres is not
	// configured; call flow never depends on it.
	var (
		journalRepo journal.Repository
		outcomeRepo reporting.Repository
	)
	if cfg.JournalEnabled() {
		db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
		if err != nil {
			log.Error("postgres init failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		pg := journal.NewPostgresRepo(db)
		journalRepo, outcomeRepo = pg, pg
	} else {
		mem := journal.NewMemoryRepo()
		journalRepo, outcomeRepo = mem, mem
	}

	gateway := telephony.NewTwilioGateway(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)

	var resolver dispatch.CandidateResolver
	if cfg.Directory.GoogleAPIKey != "" {
		resolver = directory.NewClient(cfg.Directory.GoogleAPIKey, nil)
	}

	var limiter dispatch.Limiter
	if cfg.Broadcast.MaxActiveSessions > 0 {
		limiter = dispatch.NewRedisLimiter(rdb, cfg.Broadcast.MaxActiveSessions, 2*cfg.Broadcast.SessionTTL)
	}

	var staticCandidates []session.Contact
	for _, n := range cfg.Broadcast.CandidateNumbers {
		staticCandidates = append(staticCandidates, session.Contact{
			Number: telephony.NormalizePhone(n),
			Source: "static",
		})
	}

	urls := dispatch.URLs{Base: cfg.App.PublicBaseURL}
	dispatcher := dispatch.NewService(store, gateway, resolver, journal.NewService(journalRepo), limiter, urls, dispatch.Config{
		FromNumber:       cfg.Twilio.FromNumber,
		StaticCandidates: staticCandidates,
		NotifyWebhookURL: cfg.Broadcast.NotifyWebhookURL,
	})

	kill := emergency.NewKillSwitch(emergency.NewRedisFlag(rdb), gateway, store)

	bridge := assistant.NewClient(
		cfg.Assistant.BaseURL,
		cfg.Assistant.PhoneNumberID,
		cfg.Assistant.AssistantID,
		cfg.Assistant.APIKey,
		nil,
	)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerRoutes(r, httpapi.Handlers{
		Store:     store,
		Dispatch:  dispatcher,
		Assistant: bridge,
		Kill:      kill,
		Reports:   reporting.NewService(outcomeRepo),
		URLs:      urls,
	}, authManager, cfg.Auth.EmergencyToken)

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
