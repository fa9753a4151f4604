package email

import (
	"context"
	"log/slog"
	"time"
)

// Sender delivers account lifecycle and security notification mail. Callers
// invoke it from goroutines; a delivery failure never fails the triggering
// operation.
type Sender interface {
	SendWelcomeEmail(ctx context.Context, to, name string) error
	SendVerificationEmail(ctx context.Context, to, token string) error
	SendPasswordResetEmail(ctx context.Context, to, token string) error
	SendPasswordChangedNotification(ctx context.Context, to string) error
	SendNewDeviceLoginAlert(ctx context.Context, to, ip, userAgent string) error
	SendAccountLockoutNotification(ctx context.Context, to string, until time.Time) error
}

// LogSender stands in when SMTP is not configured. Every message is logged
// instead of delivered, which keeps local development working without a
// mail server.
type LogSender struct {
	logger *slog.Logger
}

func NewLogSender(logger *slog.Logger) *LogSender {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSender{logger: logger}
}

func (s *LogSender) SendWelcomeEmail(ctx context.Context, to, name string) error {
	s.logger.InfoContext(ctx, "email (log only): welcome", "to", to, "name", name)
	return nil
}

func (s *LogSender) SendVerificationEmail(ctx context.Context, to, token string) error {
	s.logger.InfoContext(ctx, "email (log only): verification", "to", to, "token", token)
	return nil
}

func (s *LogSender) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	s.logger.InfoContext(ctx, "email (log only): password reset", "to", to, "token", token)
	return nil
}

func (s *LogSender) SendPasswordChangedNotification(ctx context.Context, to string) error {
	s.logger.InfoContext(ctx, "email (log only): password changed", "to", to)
	return nil
}

func (s *LogSender) SendNewDeviceLoginAlert(ctx context.Context, to, ip, userAgent string) error {
	s.logger.InfoContext(ctx, "email (log only): new device login", "to", to, "ip", ip, "user_agent", userAgent)
	return nil
}

func (s *LogSender) SendAccountLockoutNotification(ctx context.Context, to string, until time.Time) error {
	s.logger.InfoContext(ctx, "email (log only): account lockout", "to", to, "until", until)
	return nil
}
