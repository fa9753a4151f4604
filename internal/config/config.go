package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the identity core consumes from the environment.
type Config struct {
	Env      string
	LogLevel string

	DatabaseURL string
	RedisURL    string

	JWTIssuer       string
	JWTAudience     string
	JWTAccessSecret string
	TokenPepper     string

	AccessTokenTTL       time.Duration
	RefreshTokenTTL      time.Duration
	VerificationTokenTTL time.Duration
	ResetTokenTTL        time.Duration
	PermissionCacheTTL   time.Duration

	MaxLoginAttempts int
	LockoutDuration  time.Duration
	BcryptCost       int

	AbuseFreeAttempts     int
	AbuseBaseDelay        time.Duration
	AbuseMaxDelay         time.Duration
	AbuseMultiplier       float64
	AbuseResetWindow      time.Duration
	AbuseCaptchaThreshold int

	BlacklistCleanupInterval time.Duration

	SMTPHost     string
	SMTPPort     string
	SMTPUser     string
	SMTPPassword string
	FrontendURL  string

	OTELServiceName           string
	OTELExporterOTLPEndpoint  string
	OTELExporterOTLPInsecure  bool
	OTELMetricsEnabled        bool
	OTELTracesEnabled         bool
	OTELLogsEnabled           bool
	OTELMetricsExportInterval time.Duration
	OTELTraceSamplingRate     float64
}

// Load reads the optional .env file, then the environment, and validates the
// result. Validation failures are classified into the config metrics counter.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Env:      getEnv("APP_ENV", "dev"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),

		JWTIssuer:       getEnv("JWT_ISSUER", "lumi-identity"),
		JWTAudience:     getEnv("JWT_AUDIENCE", "lumi-platform"),
		JWTAccessSecret: os.Getenv("JWT_ACCESS_SECRET"),
		TokenPepper:     os.Getenv("TOKEN_PEPPER"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getEnv("SMTP_PORT", "587"),
		SMTPUser:     os.Getenv("SMTP_USER"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),
		FrontendURL:  getEnv("FRONTEND_URL", "http://localhost:3000"),

		OTELServiceName:          getEnv("OTEL_SERVICE_NAME", "lumi-identity"),
		OTELExporterOTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	var err error
	if cfg.AccessTokenTTL, err = getDuration("JWT_ACCESS_TTL", 15*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.RefreshTokenTTL, err = getDuration("JWT_REFRESH_TTL", 30*24*time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.VerificationTokenTTL, err = getDuration("EMAIL_VERIFICATION_TTL", 24*time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.ResetTokenTTL, err = getDuration("PASSWORD_RESET_TTL", time.Hour); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.PermissionCacheTTL, err = getDuration("PERMISSION_CACHE_TTL", 5*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.LockoutDuration, err = getDuration("LOCKOUT_DURATION", 15*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.MaxLoginAttempts, err = getInt("MAX_LOGIN_ATTEMPTS", 5); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.BcryptCost, err = getInt("BCRYPT_COST", 12); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseFreeAttempts, err = getInt("ABUSE_FREE_ATTEMPTS", 3); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseBaseDelay, err = getDuration("ABUSE_BASE_DELAY", time.Second); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseMaxDelay, err = getDuration("ABUSE_MAX_DELAY", 30*time.Second); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseMultiplier, err = getFloat("ABUSE_MULTIPLIER", 2); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseResetWindow, err = getDuration("ABUSE_RESET_WINDOW", 15*time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.AbuseCaptchaThreshold, err = getInt("ABUSE_CAPTCHA_THRESHOLD", 5); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.BlacklistCleanupInterval, err = getDuration("BLACKLIST_CLEANUP_INTERVAL", time.Minute); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELMetricsEnabled, err = getBool("OTEL_METRICS_ENABLED", false); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELTracesEnabled, err = getBool("OTEL_TRACES_ENABLED", false); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELLogsEnabled, err = getBool("OTEL_LOGS_ENABLED", false); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELExporterOTLPInsecure, err = getBool("OTEL_EXPORTER_OTLP_INSECURE", true); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELMetricsExportInterval, err = getDuration("OTEL_METRICS_EXPORT_INTERVAL", 15*time.Second); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	if cfg.OTELTraceSamplingRate, err = getFloat("OTEL_TRACE_SAMPLING_RATE", 1); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, loadFailed(ctx, cfg.Env, err)
	}
	recordConfigValidationEvent(ctx, cfg.Env, "success", "none")
	return cfg, nil
}

func loadFailed(ctx context.Context, profile string, err error) error {
	recordConfigValidationEvent(ctx, profile, "failure", classifyConfigLoadError(err))
	return err
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("validate config: DATABASE_URL is required")
	}
	if c.JWTAccessSecret == "" {
		return fmt.Errorf("validate config: JWT_ACCESS_SECRET is required")
	}
	if len(c.JWTAccessSecret) < 32 {
		return fmt.Errorf("validate config: JWT_ACCESS_SECRET must be at least 32 bytes")
	}
	if c.TokenPepper == "" {
		return fmt.Errorf("validate config: TOKEN_PEPPER is required")
	}
	if c.MaxLoginAttempts < 1 {
		return fmt.Errorf("validate config: MAX_LOGIN_ATTEMPTS must be positive")
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("validate config: LOCKOUT_DURATION must be positive")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= c.AccessTokenTTL {
		return fmt.Errorf("validate config: JWT_REFRESH_TTL must exceed JWT_ACCESS_TTL")
	}
	return nil
}

// LogLevelValue maps the configured level string onto slog levels.
func (c *Config) LogLevelValue() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func getInt(key string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

func getFloat(key string, fallback float64) (float64, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return f, nil
}

func getBool(key string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return b, nil
}
