package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"memome/internal/usertoken"
	"memome/internal/util"
	"memome/pkg/pipeline"
	"memome/pkg/queue"
	"memome/pkg/seal"
	"memome/pkg/staging"
	"memome/pkg/storage"
	"memome/pkg/store"
	"memome/services/messaging/internal/app"
	"memome/services/messaging/internal/config"
	"memome/services/messaging/internal/otp"
	"memome/services/messaging/internal/server"
)

func main() {
	path := os.Getenv("MEMOME_CONFIG")
	if path == "" {
		path = config.ConfigPath
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := util.InitLogger(cfg.LogLevel)

	db, err := store.NewGormStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	objects, err := newObjectStore(cfg)
	if err != nil {
		log.Fatalf("failed to init object store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer redisClient.Close()
	orphans, err := queue.NewRedisOrphanQueue(queue.RedisOrphanQueueConfig{Client: redisClient})
	if err != nil {
		log.Fatalf("failed to init orphan queue: %v", err)
	}
	otpStore, err := otp.NewStore(otp.Config{
		Client:      redisClient,
		TTL:         cfg.OTPTTL,
		ResendAfter: cfg.OTPResendAfter,
	})
	if err != nil {
		log.Fatalf("failed to init otp store: %v", err)
	}
	sealer, err := seal.New(cfg.TextKey)
	if err != nil {
		log.Fatalf("failed to init text sealer: %v", err)
	}
	tokenVerifier, err := usertoken.NewVerifier(usertoken.Config{
		Secret:   cfg.JWTSecret,
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
	})
	if err != nil {
		log.Fatalf("failed to init token verifier: %v", err)
	}

	messageLimits := toLimits(cfg.Message)
	pollLimits := toLimits(cfg.Poll)
	appCore, err := app.New(app.Config{
		Store:             db,
		Objects:           objects,
		Orphans:           orphans,
		Sealer:            sealer,
		OTP:               otpStore,
		Mailer:            app.LogMailer{},
		Production:        cfg.Production,
		UploadConcurrency: cfg.UploadConcurrency,
		MessageLimits:     messageLimits,
		PollLimits:        pollLimits,
		ShareBaseURL:      cfg.ShareBaseURL,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	httpServer, err := server.New(server.Config{
		App:           appCore,
		TokenVerifier: tokenVerifier,
		CORSOrigins:   cfg.CORSOrigins,
		MaxBodyBytes:  max(bodyBudget(messageLimits), bodyBudget(pollLimits)),
	})
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper, err := pipeline.NewSweeper(pipeline.SweeperConfig{
		Blobs:           objects,
		Records:         db,
		Orphans:         orphans,
		SafetyThreshold: cfg.SweepSafetyThreshold,
	})
	if err != nil {
		log.Fatalf("failed to init sweeper: %v", err)
	}
	sweeper.Start(util.ContextWithLogger(ctx, logger), cfg.SweepInterval)

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown failed", "err", err)
		}
	}()

	slog.Info("messaging server listening", "addr", addr, "storage", cfg.Storage, "production", cfg.Production)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "err", err)
	}
}

func newObjectStore(cfg config.FileConfig) (storage.ObjectStore, error) {
	if cfg.Storage == config.StorageMemory {
		return storage.NewMemoryStore(cfg.PublicBaseURL), nil
	}
	return storage.NewMinioStore(storage.MinioConfig{
		Endpoint:      cfg.MinioEndpoint,
		AccessKey:     cfg.MinioAccessKey,
		SecretKey:     cfg.MinioSecretKey,
		Bucket:        cfg.MinioBucket,
		UseSSL:        cfg.MinioUseSSL,
		PublicBaseURL: cfg.PublicBaseURL,
		PresignExpiry: cfg.PresignExpiry,
	})
}

func toLimits(l config.LimitsConfig) staging.Limits {
	return staging.Limits{
		MaxCount:          l.MaxFiles,
		MaxBytesEach:      l.MaxFileBytes,
		AllowedExtensions: l.AllowedExtensions,
	}
}

// bodyBudget allows every file at its limit plus 1MiB of form fields.
func bodyBudget(l staging.Limits) int64 {
	return int64(l.MaxCount)*l.MaxBytesEach + 1<<20
}
