package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/redis/go-redis/v9"

	"github.com/digkill/CreatorBot/internal/api"
	"github.com/digkill/CreatorBot/internal/apifree"
	"github.com/digkill/CreatorBot/internal/claims"
	"github.com/digkill/CreatorBot/internal/config"
	"github.com/digkill/CreatorBot/internal/database"
	"github.com/digkill/CreatorBot/internal/jobs"
	"github.com/digkill/CreatorBot/internal/metrics"
	"github.com/digkill/CreatorBot/internal/repository"
	"github.com/digkill/CreatorBot/internal/service"
	"github.com/digkill/CreatorBot/internal/storage"
	"github.com/digkill/CreatorBot/internal/telegram"
	"github.com/digkill/CreatorBot/pkg/logger"
)

const (
	claimTTL            = 24 * time.Hour
	updateWorkers       = 16
	shutdownGracePeriod = 15 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logr := logger.New(cfg.LogLevel)

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("database connect: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := database.Migrate(ctx, db); err != nil {
		log.Fatalf("database migrate: %v", err)
	}

	botAPI, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		log.Fatalf("telegram bot: %v", err)
	}
	if cfg.BotUsername == "" {
		cfg.BotUsername = botAPI.Self.UserName
	}

	userRepo := repository.NewUserRepository(db)
	jobRepo := repository.NewJobRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	provider := apifree.NewClient(cfg, logr)
	messenger := telegram.NewMessenger(botAPI)
	m := metrics.New()
	store := claimStore(ctx, cfg, logr)

	deliveries := jobs.NewRunner(cfg.MaxConcurrentJobs, logr.With("runner", "deliveries"))
	updates := jobs.NewRunner(updateWorkers, logr.With("runner", "updates"))

	orchestrator := service.NewOrchestrator(cfg, logr, jobRepo, provider, messenger, store, m)
	userService := service.NewUserService(cfg, logr, userRepo)
	creditService := service.NewCreditService(logr, userRepo, m, cfg.AdminIDs)
	generationService := service.NewGenerationService(logr, creditService, jobRepo, provider, orchestrator, deliveries, m)
	paymentService := service.NewPaymentService(cfg, logr, paymentRepo)

	sweeper := service.NewSweeper(logr, jobRepo, messenger, orchestrator)
	if err := sweeper.Start(cfg.SweepSchedule); err != nil {
		log.Fatalf("sweeper: %v", err)
	}

	bot := telegram.NewBot(cfg, botAPI, logr, messenger, userService, generationService, paymentService, updates, storage.NewUploader(cfg))

	server := api.NewServer(api.Options{
		Addr:           cfg.HTTPListenAddr,
		AdminUsername:  cfg.AdminUsername,
		AdminPassword:  cfg.AdminPassword,
		WebhookSecret:  cfg.WebhookSecret,
		RateLimitRPS:   cfg.APIRateLimitRPS,
		RateLimitBurst: cfg.APIRateLimitBurst,
	}, logr, userService, generationService, provider, jobRepo, messenger, bot, m)

	if hook := cfg.WebhookURL(); hook != "" {
		wh, err := tgbotapi.NewWebhook(hook)
		if err != nil {
			log.Fatalf("telegram webhook: %v", err)
		}
		if _, err := botAPI.Request(wh); err != nil {
			log.Fatalf("telegram set webhook: %v", err)
		}
		logr.Info("telegram webhook registered", "url", cfg.PublicBaseURL+"/telegram/webhook/***")
	} else {
		if _, err := botAPI.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
			logr.Warn("telegram delete webhook", "err", err)
		}
		go func() {
			if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logr.Error("bot stopped", "err", err)
			}
		}()
	}

	if err := server.Run(ctx); err != nil {
		logr.Error("http server stopped", "err", err)
		stop()
	}
	<-ctx.Done()

	sweeper.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	if err := updates.Shutdown(shutdownCtx); err != nil {
		logr.Warn("update runner shutdown", "err", err)
	}
	if err := deliveries.Shutdown(shutdownCtx); err != nil {
		logr.Warn("delivery runner shutdown", "err", err)
	}
	logr.Info("stopped")
}

// claimStore prefers Redis so several replicas never deliver the same result twice.
func claimStore(ctx context.Context, cfg config.Config, logr *slog.Logger) claims.Store {
	if cfg.RedisAddr == "" {
		return claims.NewMemory(claimTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logr.Warn("redis unavailable, using in-memory delivery claims", "addr", cfg.RedisAddr, "err", err)
		_ = client.Close()
		return claims.NewMemory(claimTTL)
	}
	logr.Info("using redis delivery claims", "addr", cfg.RedisAddr)
	return claims.NewRedis(client, "", claimTTL)
}
