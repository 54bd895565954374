package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ramiqadoumi/go-agent-flow/internal/domain"
)

// EmailConfig holds SMTP connection details.
type EmailConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
	To       []string
}

// Email sends alerts as plain-text mail.
type Email struct {
	cfg EmailConfig
}

func NewEmail(cfg EmailConfig) *Email {
	return &Email{cfg: cfg}
}

func (e *Email) Alert(ctx context.Context, a domain.Alert) error {
	ctx, span := otel.Tracer("notify").Start(ctx, "notify.email")
	defer span.End()

	if len(e.cfg.To) == 0 {
		err := errors.New("email alerter has no recipients")
		span.RecordError(err)
		span.SetStatus(codes.Error, "no recipients")
		return err
	}
	span.SetAttributes(
		attribute.String("task.id", a.TaskID),
		attribute.Int("email.recipients", len(e.cfg.To)),
	)

	addr := fmt.Sprintf("%s:%d", e.cfg.Host, e.cfg.Port)
	subject := fmt.Sprintf("[%s] task %s needs attention", a.Priority, a.TaskID)
	msg := buildMIME(e.cfg.From, e.cfg.To, subject, alertBody(a))

	var auth smtp.Auth
	if e.cfg.Username != "" {
		auth = smtp.PlainAuth("", e.cfg.Username, e.cfg.Password, e.cfg.Host)
	}

	// smtp.SendMail takes no context; race it against ctx.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, e.cfg.From, e.cfg.To, msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "smtp send failed")
			return fmt.Errorf("smtp alert for task %s: %w", a.TaskID, err)
		}
		return nil
	case <-ctx.Done():
		err := fmt.Errorf("email alert timed out: %w", ctx.Err())
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeout")
		return err
	}
}

func alertBody(a domain.Alert) string {
	var b strings.Builder
	b.WriteString(a.Summary())
	b.WriteString("\r\n\r\n")
	fmt.Fprintf(&b, "Title: %s\r\n", a.Title)
	fmt.Fprintf(&b, "Raised: %s\r\n", a.RaisedAt.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func buildMIME(from string, to []string, subject, body string) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s",
		from, strings.Join(to, ", "), subject, body,
	)
	return []byte(msg)
}
