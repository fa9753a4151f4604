package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"net/smtp"
	"time"
)

type SMTPSender struct {
	host        string
	port        string
	user        string
	password    string
	fromEmail   string
	frontendURL string
	logger      *slog.Logger
}

func NewSMTPSender(host, port, user, password, from, frontendURL string, logger *slog.Logger) *SMTPSender {
	if from == "" {
		from = user
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		host:        host,
		port:        port,
		user:        user,
		password:    password,
		fromEmail:   from,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

func (s *SMTPSender) SendWelcomeEmail(ctx context.Context, to, name string) error {
	if name == "" {
		name = "there"
	}
	body, err := renderNoticeEmail(noticeEmailData{
		Title: "Welcome aboard",
		Lines: []string{
			fmt.Sprintf("Hi %s, your email address is verified and your account is active.", name),
			"You can now sign in and manage your sessions from the account settings page.",
		},
	})
	if err != nil {
		return fmt.Errorf("render welcome email: %w", err)
	}
	return s.sendNotice(ctx, to, "Welcome aboard", body)
}

func (s *SMTPSender) SendVerificationEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/verify-email?token=%s", s.frontendURL, token)
	body, err := renderLinkEmail(linkEmailData{
		Title:   "Verify your email address",
		Intro:   "Thanks for signing up. Click the button below to verify your email address and activate your account.",
		Button:  "Verify Email Address",
		Link:    link,
		Outro:   "If you didn't create an account, you can safely ignore this email.",
		Expires: "This link expires soon; request a new one from the sign-in page if it stops working.",
	})
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}
	if err := s.send(to, "Verify your email address", body); err != nil {
		s.logger.ErrorContext(ctx, "send verification email", "to", to, "error", err)
		return fmt.Errorf("send verification email: %w", err)
	}
	s.logger.InfoContext(ctx, "verification email sent", "to", to)
	return nil
}

func (s *SMTPSender) SendPasswordResetEmail(ctx context.Context, to, token string) error {
	link := fmt.Sprintf("%s/reset-password?token=%s", s.frontendURL, token)
	body, err := renderLinkEmail(linkEmailData{
		Title:   "Reset your password",
		Intro:   "You requested a password reset. Click the button below to choose a new password.",
		Button:  "Reset Password",
		Link:    link,
		Outro:   "If you didn't request a password reset, you can safely ignore this email. Your password will remain unchanged.",
		Expires: "This link expires in one hour.",
	})
	if err != nil {
		return fmt.Errorf("render password reset email: %w", err)
	}
	if err := s.send(to, "Reset your password", body); err != nil {
		s.logger.ErrorContext(ctx, "send password reset email", "to", to, "error", err)
		return fmt.Errorf("send password reset email: %w", err)
	}
	s.logger.InfoContext(ctx, "password reset email sent", "to", to)
	return nil
}

func (s *SMTPSender) SendPasswordChangedNotification(ctx context.Context, to string) error {
	body, err := renderNoticeEmail(noticeEmailData{
		Title: "Your password was changed",
		Lines: []string{
			"The password on your account was just changed.",
			"If this was you, no action is needed.",
			"If you did not change your password, reset it immediately and review your active sessions.",
		},
	})
	if err != nil {
		return fmt.Errorf("render password changed email: %w", err)
	}
	return s.sendNotice(ctx, to, "Your password was changed", body)
}

func (s *SMTPSender) SendNewDeviceLoginAlert(ctx context.Context, to, ip, userAgent string) error {
	body, err := renderNoticeEmail(noticeEmailData{
		Title: "New sign-in to your account",
		Lines: []string{
			"Your account was just signed in to from a device we haven't seen before.",
			fmt.Sprintf("IP address: %s", ip),
			fmt.Sprintf("Device: %s", userAgent),
			"If this was you, no action is needed. If not, change your password and sign out of all sessions.",
		},
	})
	if err != nil {
		return fmt.Errorf("render new device email: %w", err)
	}
	return s.sendNotice(ctx, to, "New sign-in to your account", body)
}

func (s *SMTPSender) SendAccountLockoutNotification(ctx context.Context, to string, until time.Time) error {
	body, err := renderNoticeEmail(noticeEmailData{
		Title: "Your account is temporarily locked",
		Lines: []string{
			"Too many failed sign-in attempts were made on your account, so sign-in is temporarily blocked.",
			fmt.Sprintf("You can try again after %s.", until.UTC().Format(time.RFC1123)),
			"If these attempts weren't yours, we recommend resetting your password once the lock expires.",
		},
	})
	if err != nil {
		return fmt.Errorf("render lockout email: %w", err)
	}
	return s.sendNotice(ctx, to, "Your account is temporarily locked", body)
}

func (s *SMTPSender) sendNotice(ctx context.Context, to, subject, body string) error {
	if err := s.send(to, subject, body); err != nil {
		s.logger.ErrorContext(ctx, "send notification email", "to", to, "subject", subject, "error", err)
		return fmt.Errorf("send notification email: %w", err)
	}
	s.logger.InfoContext(ctx, "notification email sent", "to", to, "subject", subject)
	return nil
}

func (s *SMTPSender) send(to, subject, body string) error {
	auth := smtp.PlainAuth("", s.user, s.password, s.host)
	msg := []byte(fmt.Sprintf(
		"From: %s\r\n"+
			"To: %s\r\n"+
			"Subject: %s\r\n"+
			"MIME-Version: 1.0\r\n"+
			"Content-Type: text/html; charset=UTF-8\r\n"+
			"\r\n"+
			"%s\r\n",
		s.fromEmail, to, subject, body,
	))
	addr := fmt.Sprintf("%s:%s", s.host, s.port)
	return smtp.SendMail(addr, auth, s.fromEmail, []string{to}, msg)
}

type linkEmailData struct {
	Title   string
	Intro   string
	Button  string
	Link    string
	Outro   string
	Expires string
}

type noticeEmailData struct {
	Title string
	Lines []string
}

var linkEmailTmpl = template.Must(template.New("link").Parse(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background-color: #4F46E5; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0;">
        <h1>{{.Title}}</h1>
    </div>
    <div style="background-color: #f9f9f9; padding: 30px; border-radius: 0 0 5px 5px;">
        <p>{{.Intro}}</p>
        <a href="{{.Link}}" style="display: inline-block; background-color: #4F46E5; color: white !important; padding: 12px 30px; text-decoration: none; border-radius: 5px; margin: 20px 0;">{{.Button}}</a>
        <p>Or copy and paste this link into your browser:</p>
        <p style="word-break: break-all; color: #4F46E5;">{{.Link}}</p>
        <p style="margin-top: 30px;">{{.Outro}}</p>
    </div>
    <div style="margin-top: 30px; font-size: 12px; color: #666; text-align: center;">
        <p>{{.Expires}}</p>
    </div>
</body>
</html>
`))

var noticeEmailTmpl = template.Must(template.New("notice").Parse(`
<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
    <div style="background-color: #4F46E5; color: white; padding: 20px; text-align: center; border-radius: 5px 5px 0 0;">
        <h1>{{.Title}}</h1>
    </div>
    <div style="background-color: #f9f9f9; padding: 30px; border-radius: 0 0 5px 5px;">
        {{range .Lines}}<p>{{.}}</p>
        {{end}}
    </div>
</body>
</html>
`))

func renderLinkEmail(data linkEmailData) (string, error) {
	var buf bytes.Buffer
	if err := linkEmailTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}

func renderNoticeEmail(data noticeEmailData) (string, error) {
	var buf bytes.Buffer
	if err := noticeEmailTmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}
	return buf.String(), nil
}
