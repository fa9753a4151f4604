package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/EmreUYGUNX/lumi-identity/internal/config"
	"github.com/EmreUYGUNX/lumi-identity/internal/database"
	"github.com/EmreUYGUNX/lumi-identity/internal/email"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
	"github.com/EmreUYGUNX/lumi-identity/internal/security"
	"github.com/EmreUYGUNX/lumi-identity/internal/service"
)

// App owns the wired identity core: storage, caches, and the service layer.
// When REDIS_URL is set the blacklist, abuse guard, and permission cache are
// shared across replicas; otherwise in-process variants are used.
type App struct {
	Config        *config.Config
	Logger        *slog.Logger
	Observability *observability.Runtime

	DB    *gorm.DB
	Redis *redis.Client

	Repos    *repository.Repositories
	Auth     *service.AuthService
	Tokens   *service.TokenService
	Sessions *service.SessionService
	RBAC     *service.RBACService

	recorder        *service.AsyncSecurityEventRecorder
	maintenanceDone chan struct{}
	maintenanceStop chan struct{}
}

func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, runtime *observability.Runtime) (*App, error) {
	db, err := database.Open(cfg.DatabaseURL, logger)
	if err != nil {
		return nil, err
	}
	repos := repository.New(db)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		logger.Info("redis connected")
	}

	var (
		blacklist service.TokenBlacklist
		guard     service.AuthAbuseGuard
		permCache service.RBACPermissionCacheStore
	)
	abusePolicy := service.AuthAbusePolicy{
		FreeAttempts:     cfg.AbuseFreeAttempts,
		BaseDelay:        cfg.AbuseBaseDelay,
		MaxDelay:         cfg.AbuseMaxDelay,
		Multiplier:       cfg.AbuseMultiplier,
		ResetWindow:      cfg.AbuseResetWindow,
		CaptchaThreshold: cfg.AbuseCaptchaThreshold,
	}
	if redisClient != nil {
		blacklist = service.NewRedisTokenBlacklist(redisClient, "")
		guard = service.NewRedisAuthAbuseGuard(redisClient, "", abusePolicy)
		permCache = service.NewRedisRBACPermissionCacheStore(redisClient, "")
	} else {
		blacklist = service.NewInMemoryTokenBlacklist(cfg.BlacklistCleanupInterval, logger)
		guard = service.NewInMemoryAuthAbuseGuard(abusePolicy)
		permCache = service.NewInMemoryRBACPermissionCacheStore()
	}

	var mailer email.Sender
	if cfg.SMTPHost != "" {
		mailer = email.NewSMTPSender(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, "", cfg.FrontendURL, logger)
	} else {
		logger.Warn("SMTP_HOST not set, logging emails instead of sending")
		mailer = email.NewLogSender(logger)
	}

	recorder := service.NewAsyncSecurityEventRecorder(repos.Events, logger)
	rbac := service.NewRBACService(repos.Users, repos.Roles, repos.Perms, permCache, cfg.PermissionCacheTTL)
	jwtManager := security.NewJWTManager(cfg.JWTIssuer, cfg.JWTAudience, cfg.JWTAccessSecret)
	tokens := service.NewTokenService(repos.Sessions, rbac, jwtManager, blacklist, recorder,
		cfg.TokenPepper, cfg.AccessTokenTTL, cfg.RefreshTokenTTL, logger)
	sessions := service.NewSessionService(repos.Sessions, blacklist, recorder, cfg.AccessTokenTTL, logger)
	auth := service.NewAuthService(repos, tokens, sessions, guard, recorder, mailer, cfg.TokenPepper, service.AuthConfig{
		MaxLoginAttempts:     cfg.MaxLoginAttempts,
		LockoutDuration:      cfg.LockoutDuration,
		BcryptCost:           cfg.BcryptCost,
		VerificationTokenTTL: cfg.VerificationTokenTTL,
		ResetTokenTTL:        cfg.ResetTokenTTL,
	}, logger)

	a := &App{
		Config:          cfg,
		Logger:          logger,
		Observability:   runtime,
		DB:              db,
		Redis:           redisClient,
		Repos:           repos,
		Auth:            auth,
		Tokens:          tokens,
		Sessions:        sessions,
		RBAC:            rbac,
		recorder:        recorder,
		maintenanceDone: make(chan struct{}),
		maintenanceStop: make(chan struct{}),
	}
	go a.maintenanceLoop()
	return a, nil
}

// maintenanceLoop prunes rows whose natural lifetime has passed: expired
// sessions and expired or consumed verification tokens.
func (a *App) maintenanceLoop() {
	defer close(a.maintenanceDone)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-a.maintenanceStop:
			return
		case <-ticker.C:
			cutoff := time.Now().UTC()
			if n, err := a.Repos.Sessions.DeleteExpired(cutoff); err != nil {
				a.Logger.Error("prune expired sessions", "error", err)
			} else if n > 0 {
				a.Logger.Info("pruned expired sessions", "count", n)
			}
			if n, err := a.Repos.Tokens.DeleteExpired(cutoff); err != nil {
				a.Logger.Error("prune expired verification tokens", "error", err)
			} else if n > 0 {
				a.Logger.Info("pruned expired verification tokens", "count", n)
			}
		}
	}
}

// Shutdown drains async work and releases every resource. Safe to call once
// after New succeeded.
func (a *App) Shutdown(ctx context.Context) error {
	close(a.maintenanceStop)
	<-a.maintenanceDone
	a.Auth.Flush()
	a.recorder.Close()
	a.Tokens.Shutdown()

	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Error("close redis", "error", err)
		}
	}
	if err := database.Close(a.DB); err != nil {
		a.Logger.Error("close database", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.Observability.Shutdown(shutdownCtx)
}
