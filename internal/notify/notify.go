// Package notify emails job owners about failed runs and schema changes.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
	"github.com/sheetsync-labs/sheetsync-go/internal/platform/env"
)

const DefaultSubject = "[SheetSync] {{.JobName}}: {{.Status}}"

type Config struct {
	Host      string
	Port      int
	Username  string
	Password  string
	FromName  string
	FromEmail string
	// Secure selects implicit TLS; otherwise STARTTLS is used when offered.
	Secure  bool
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	port, err := env.Int("SHEETSYNC_SMTP_PORT", 587)
	if err != nil {
		return Config{}, err
	}
	secure, err := env.Bool("SHEETSYNC_SMTP_SECURE", false)
	if err != nil {
		return Config{}, err
	}
	timeout, err := env.Duration("SHEETSYNC_SMTP_TIMEOUT", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	password, err := env.Secret("SHEETSYNC_SMTP_PASSWORD", "")
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Host:      env.String("SHEETSYNC_SMTP_HOST", ""),
		Port:      port,
		Username:  env.String("SHEETSYNC_SMTP_USER", ""),
		Password:  password,
		FromName:  env.String("SHEETSYNC_SMTP_FROM_NAME", "SheetSync Notifier"),
		FromEmail: env.String("SHEETSYNC_SMTP_FROM", ""),
		Secure:    secure,
		Timeout:   timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Enabled reports whether an SMTP host is configured at all.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.Host) != ""
}

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("SHEETSYNC_SMTP_PORT out of range: %d", c.Port)
	}
	if strings.TrimSpace(c.FromEmail) == "" {
		return errors.New("SHEETSYNC_SMTP_FROM is required when SHEETSYNC_SMTP_HOST is set")
	}
	return nil
}

// Sender delivers prepared messages.
type Sender interface {
	Send(ctx context.Context, msgs ...*mail.Msg) error
}

type smtpSender struct {
	cfg Config
}

func (s smtpSender) Send(ctx context.Context, msgs ...*mail.Msg) error {
	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTimeout(s.cfg.Timeout),
	}
	if s.cfg.Secure {
		opts = append(opts, mail.WithSSL())
	} else {
		opts = append(opts, mail.WithTLSPolicy(mail.TLSOpportunistic))
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msgs...); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

// Mailer turns run results into emails according to each job's notification
// settings.
type Mailer struct {
	cfg    Config
	sender Sender
	logger *slog.Logger
}

// NewMailer returns nil when no SMTP host is configured.
func NewMailer(cfg Config, sender Sender, logger *slog.Logger) *Mailer {
	if !cfg.Enabled() {
		return nil
	}
	if sender == nil {
		sender = smtpSender{cfg: cfg}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Mailer{cfg: cfg, sender: sender, logger: logger.With("component", "notify")}
}

// SubjectData is what a job's subject template can reference.
type SubjectData struct {
	JobName string
	JobID   string
	RunID   string
	Status  string
	Kind    string
}

// RenderSubject executes the template against the run. An empty template uses
// DefaultSubject.
func RenderSubject(tmpl string, data SubjectData) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultSubject
	}
	t, err := template.New("subject").Option("missingkey=zero").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("parse subject template: %w", err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render subject: %w", err)
	}
	return strings.Join(strings.Fields(buf.String()), " "), nil
}

// ShouldNotify reports whether a result warrants an email: any failure, or a
// success that detected schema drift.
func ShouldNotify(job domain.SyncJob, result domain.RunResult) bool {
	if !job.Notifications.Enabled || len(recipients(job)) == 0 {
		return false
	}
	return !result.Succeeded() || result.SchemaStatus == domain.SchemaChanged
}

func (m *Mailer) Notify(ctx context.Context, job domain.SyncJob, result domain.RunResult) error {
	if m == nil || !ShouldNotify(job, result) {
		return nil
	}
	msg, err := m.message(job, result)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return err
	}
	m.logger.Info("notification sent", "job_id", job.ID, "run_id", result.RunID, "recipients", len(recipients(job)))
	return nil
}

func (m *Mailer) message(job domain.SyncJob, result domain.RunResult) (*mail.Msg, error) {
	status := string(result.Status)
	if result.Succeeded() && result.SchemaStatus == domain.SchemaChanged {
		status = "SCHEMA CHANGED"
	}
	subject, err := RenderSubject(job.Notifications.Subject, SubjectData{
		JobName: job.DisplayName(),
		JobID:   job.ID,
		RunID:   result.RunID,
		Status:  status,
		Kind:    string(result.ErrorKind),
	})
	if err != nil {
		return nil, err
	}
	msg := mail.NewMsg()
	if err := msg.FromFormat(m.cfg.FromName, m.cfg.FromEmail); err != nil {
		return nil, fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(recipients(job)...); err != nil {
		return nil, fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, Body(job, result))
	return msg, nil
}

// Body is the plain-text report: summary line, counters, then the run log.
func Body(job domain.SyncJob, result domain.RunResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job: %s (%s)\n", job.DisplayName(), job.ID)
	fmt.Fprintf(&b, "Run: %s\n", result.RunID)
	fmt.Fprintf(&b, "Status: %s\n", result.Status)
	if result.ErrorKind != "" {
		fmt.Fprintf(&b, "Error kind: %s\n", result.ErrorKind)
	}
	if result.RowsSynced != nil {
		fmt.Fprintf(&b, "Rows synced: %d\n", *result.RowsSynced)
	}
	if result.SchemaStatus != "" {
		fmt.Fprintf(&b, "Schema: %s\n", result.SchemaStatus)
	}
	fmt.Fprintf(&b, "\n%s\n\n", result.Summary)
	for _, entry := range result.Details {
		fmt.Fprintf(&b, "%s [%s] %s\n", entry.Timestamp.UTC().Format(time.RFC3339), entry.Level, entry.Message)
	}
	return b.String()
}

func recipients(job domain.SyncJob) []string {
	var out []string
	for _, r := range job.Notifications.Recipients {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
