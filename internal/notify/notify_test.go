package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/wneessen/go-mail"

	"github.com/sheetsync-labs/sheetsync-go/internal/domain"
)

type fakeSender struct {
	msgs []*mail.Msg
	err  error
}

func (f *fakeSender) Send(_ context.Context, msgs ...*mail.Msg) error {
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func testConfig() Config {
	return Config{Host: "smtp.example.com", Port: 587, FromName: "SheetSync", FromEmail: "noreply@example.com", Timeout: time.Second}
}

func notifyingJob() domain.SyncJob {
	return domain.SyncJob{
		ID:   "job-1",
		Name: "Orders",
		Notifications: domain.NotificationSettings{
			Enabled:    true,
			Recipients: []string{"ops@example.com, data@example.com"},
			Subject:    "Sync {{.JobName}} {{.Status}} ({{.Kind}})",
		},
	}
}

func TestRenderSubject(t *testing.T) {
	got, err := RenderSubject("", SubjectData{JobName: "Orders", Status: "FAILURE"})
	if err != nil || got != "[SheetSync] Orders: FAILURE" {
		t.Fatalf("RenderSubject(default)=%q err=%v", got, err)
	}
	got, err = RenderSubject("{{.JobName}} run {{.RunID}}", SubjectData{JobName: "Orders", RunID: "r1"})
	if err != nil || got != "Orders run r1" {
		t.Fatalf("RenderSubject()=%q err=%v", got, err)
	}
	if _, err := RenderSubject("{{.JobName", SubjectData{}); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestShouldNotify(t *testing.T) {
	job := notifyingJob()
	failure := domain.RunResult{Status: domain.RunFailure}
	success := domain.RunResult{Status: domain.RunSuccess, SchemaStatus: domain.SchemaSynced}
	drift := domain.RunResult{Status: domain.RunSuccess, SchemaStatus: domain.SchemaChanged}
	if !ShouldNotify(job, failure) || ShouldNotify(job, success) || !ShouldNotify(job, drift) {
		t.Fatalf("unexpected notification decisions")
	}
	job.Notifications.Enabled = false
	if ShouldNotify(job, failure) {
		t.Fatalf("disabled settings must not notify")
	}
	job.Notifications = domain.NotificationSettings{Enabled: true, Recipients: []string{" , "}}
	if ShouldNotify(job, failure) {
		t.Fatalf("no recipients must not notify")
	}
}

func TestMailerNotify(t *testing.T) {
	sender := &fakeSender{}
	m := NewMailer(testConfig(), sender, nil)
	result := domain.RunResult{
		RunID:     "run-1",
		Status:    domain.RunFailure,
		ErrorKind: domain.KindSourceUnreachable,
		Summary:   "Sync failed while extracting",
		Details:   []domain.LogEntry{{Timestamp: time.Unix(0, 0), Level: domain.LevelError, Message: "timeout"}},
	}
	if err := m.Notify(context.Background(), notifyingJob(), result); err != nil {
		t.Fatalf("Notify() err=%v", err)
	}
	if len(sender.msgs) != 1 {
		t.Fatalf("sent %d messages", len(sender.msgs))
	}
	msg := sender.msgs[0]
	if got := msg.GetToString(); len(got) != 2 {
		t.Fatalf("to=%v", got)
	}
	if subj := msg.GetGenHeader(mail.HeaderSubject); len(subj) != 1 || subj[0] != "Sync Orders FAILURE (SourceUnreachable)" {
		t.Fatalf("subject=%v", subj)
	}

	sender.err = errors.New("smtp down")
	if err := m.Notify(context.Background(), notifyingJob(), result); err == nil {
		t.Fatalf("expected send error")
	}
}

func TestBody(t *testing.T) {
	rows := int64(3)
	body := Body(notifyingJob(), domain.RunResult{
		RunID:      "run-1",
		Status:     domain.RunSuccess,
		Summary:    "Successfully synced 3 rows",
		RowsSynced: &rows,
		Details:    []domain.LogEntry{{Timestamp: time.Unix(0, 0), Level: domain.LevelInfo, Message: "done"}},
	})
	for _, want := range []string{"Job: Orders (job-1)", "Rows synced: 3", "1970-01-01T00:00:00Z [INFO] done"} {
		if !strings.Contains(body, want) {
			t.Fatalf("body missing %q:\n%s", want, body)
		}
	}
}

func TestNewMailerDisabled(t *testing.T) {
	if NewMailer(Config{}, nil, nil) != nil {
		t.Fatalf("NewMailer() without host should be nil")
	}
	var m *Mailer
	if err := m.Notify(context.Background(), notifyingJob(), domain.RunResult{Status: domain.RunFailure}); err != nil {
		t.Fatalf("nil mailer Notify() err=%v", err)
	}
	if err := (Config{Host: "smtp", Port: 25}).Validate(); err == nil {
		t.Fatalf("expected missing from error")
	}
}
