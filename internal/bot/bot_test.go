package bot

import (
	"context"
	"strings"
	"testing"
	"time"

	"blastbot/internal/crm"
	"blastbot/internal/gupshup"
	"blastbot/internal/report"
	"blastbot/internal/storage"
	"blastbot/internal/transport"
	logx "blastbot/pkg/logx"
)

type sentMsg struct {
	chatID int64
	text   string
	opt    *transport.SendOptions
}

type fakeAdapter struct {
	sent []sentMsg
}

func (f *fakeAdapter) Start(context.Context, chan<- transport.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                           { return nil }
func (f *fakeAdapter) SendText(_ context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error) {
	f.sent = append(f.sent, sentMsg{chatID: to.ChatID, text: text, opt: opt})
	return transport.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}
func (f *fakeAdapter) EditText(context.Context, transport.MessageRef, string, *transport.SendOptions) error {
	return nil
}
func (f *fakeAdapter) AnswerCallback(context.Context, string, string) error { return nil }

func (f *fakeAdapter) last() string {
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1].text
}

type fakeScheduler struct {
	scheduled []storage.Job
	canceled  []string
}

func (f *fakeScheduler) Schedule(j storage.Job) error { f.scheduled = append(f.scheduled, j); return nil }
func (f *fakeScheduler) CancelJob(id string) error    { f.canceled = append(f.canceled, id); return nil }

type fakeTemplates struct{ ts []gupshup.Template }

func (f *fakeTemplates) Templates(context.Context) ([]gupshup.Template, error) { return f.ts, nil }

type fakeAudiences struct {
	snap     crm.Snapshot
	path     string
	count    int
	refreshn int
}

func (f *fakeAudiences) Funnels(context.Context) (crm.Snapshot, error) { return f.snap, nil }
func (f *fakeAudiences) Refresh(context.Context) (crm.Snapshot, error) {
	f.refreshn++
	return f.snap, nil
}
func (f *fakeAudiences) Prepare(context.Context, crm.Funnel) (string, int, error) {
	return f.path, f.count, nil
}
func (f *fakeAudiences) PrepareAll(context.Context) (string, int, error) {
	return f.path, f.count, nil
}
func (f *fakeAudiences) JobCopy(path string) (string, error) { return path + ".job", nil }

func newTestBot(t *testing.T) (*Bot, *fakeAdapter, *fakeScheduler) {
	t.Helper()
	dir := t.TempDir()

	admins, err := storage.NewAdminStore(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := storage.NewJobStore(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	dl, err := storage.OpenDeliveryLog(storage.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dl.Close() })

	ad := &fakeAdapter{}
	sched := &fakeScheduler{}
	tpls := &fakeTemplates{ts: []gupshup.Template{
		{ID: "t1", ElementName: "sale", LanguageCode: "ru", Status: "APPROVED", Data: "Hi {name}: {message}"},
	}}
	aud := &fakeAudiences{
		snap: crm.Snapshot{Funnels: []crm.Funnel{
			{Name: "New lead", File: "status_100_New_lead.json", PipelineID: 1, StatusID: 100},
		}},
		path:  "/data/status_100_New_lead.json",
		count: 2,
	}

	b := New(Config{Location: time.UTC}, ad, admins, jobs, sched, tpls, aud, report.New(dl), logx.Nop())
	b.now = func() time.Time { return time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC) }
	return b, ad, sched
}

func msg(from, chat int64, text string) transport.Update {
	return transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: chat, FromID: from, Text: text},
	}
}

func cb(from, chat int64, data string) transport.Update {
	return transport.Update{
		Kind:     transport.UpdateCallback,
		Callback: &transport.Callback{ID: "cb1", FromID: from, ChatID: chat, Data: data},
	}
}

func TestSetupBootstrapsFirstAdminOnly(t *testing.T) {
	b, ad, _ := newTestBot(t)
	ctx := context.Background()

	b.handle(ctx, msg(1, 1, "/setup"))
	if !strings.Contains(ad.last(), "operator") {
		t.Fatalf("setup reply: %q", ad.last())
	}
	if !b.admins.Contains(1) {
		t.Fatal("first user should be admin")
	}

	// A second claim attempt must be silently refused.
	before := len(ad.sent)
	b.handle(ctx, msg(2, 2, "/setup"))
	if len(ad.sent) != before {
		t.Fatalf("stranger got a reply: %q", ad.last())
	}
	if b.admins.Contains(2) {
		t.Fatal("stranger must not become admin")
	}
}

func TestNonAdminCommandsRejected(t *testing.T) {
	b, ad, _ := newTestBot(t)
	ctx := context.Background()
	b.handle(ctx, msg(1, 1, "/setup"))

	b.handle(ctx, msg(2, 2, "/menu"))
	if !strings.Contains(ad.last(), "not on the operator list") {
		t.Fatalf("reply: %q", ad.last())
	}
}

func TestFullScheduleFlow(t *testing.T) {
	b, ad, sched := newTestBot(t)
	ctx := context.Background()
	b.handle(ctx, msg(1, 1, "/setup"))

	b.handle(ctx, cb(1, 1, "menu:new"))
	if !strings.Contains(ad.last(), "Pick the audience") {
		t.Fatalf("funnel prompt: %q", ad.last())
	}

	b.handle(ctx, cb(1, 1, "fnl:pick:100"))
	if !strings.Contains(ad.last(), "Pick the template") {
		t.Fatalf("template prompt: %q", ad.last())
	}

	b.handle(ctx, cb(1, 1, "tpl:pick:0"))
	if !strings.Contains(ad.last(), "{message}") {
		t.Fatalf("message prompt: %q", ad.last())
	}

	b.handle(ctx, msg(1, 1, "sale today"))
	if !strings.Contains(ad.last(), "now") {
		t.Fatalf("run-at prompt: %q", ad.last())
	}

	b.handle(ctx, msg(1, 1, "24.12.2026 10:30"))
	if !strings.Contains(ad.last(), "window") {
		t.Fatalf("window prompt: %q", ad.last())
	}

	b.handle(ctx, msg(1, 1, "10:00-20:00"))
	if !strings.Contains(ad.last(), "confirm") {
		t.Fatalf("confirm prompt: %q", ad.last())
	}
	if !strings.Contains(ad.last(), "Hi {name}: sale today") {
		t.Fatalf("summary should show the filled body: %q", ad.last())
	}

	b.handle(ctx, cb(1, 1, "cfm:yes"))
	if len(sched.scheduled) != 1 {
		t.Fatalf("scheduled: %+v", sched.scheduled)
	}
	job := sched.scheduled[0]
	if job.Body != "Hi {name}: sale today" {
		t.Fatalf("body: %q", job.Body)
	}
	if job.ContactsPath != "/data/status_100_New_lead.json.job" {
		t.Fatalf("contacts path should be the frozen copy: %q", job.ContactsPath)
	}
	if job.TemplateID != "t1" || job.Funnel != "New lead" {
		t.Fatalf("job: %+v", job)
	}
	if job.DayFrom != "10:00" || job.DayUntil != "20:00" {
		t.Fatalf("window: %q-%q", job.DayFrom, job.DayUntil)
	}
	want := time.Date(2026, 12, 24, 10, 30, 0, 0, time.UTC)
	if !job.RunAt.Equal(want) {
		t.Fatalf("run at: %v", job.RunAt)
	}
	if !strings.HasPrefix(job.ID, "job_") {
		t.Fatalf("job id: %q", job.ID)
	}
}

func TestBadInputsKeepTheStep(t *testing.T) {
	b, ad, sched := newTestBot(t)
	ctx := context.Background()
	b.handle(ctx, msg(1, 1, "/setup"))
	b.handle(ctx, cb(1, 1, "menu:new"))
	b.handle(ctx, cb(1, 1, "fnl:pick:100"))
	b.handle(ctx, cb(1, 1, "tpl:pick:0"))
	b.handle(ctx, msg(1, 1, "hello"))

	b.handle(ctx, msg(1, 1, "yesterday"))
	if !strings.Contains(ad.last(), "Can't read that time") {
		t.Fatalf("reply: %q", ad.last())
	}

	// A past time is rejected too.
	b.handle(ctx, msg(1, 1, "01.01.2020 10:00"))
	if !strings.Contains(ad.last(), "Can't read that time") {
		t.Fatalf("reply: %q", ad.last())
	}

	b.handle(ctx, msg(1, 1, "now"))
	b.handle(ctx, msg(1, 1, "10:00"))
	if !strings.Contains(ad.last(), "Can't read that window") {
		t.Fatalf("reply: %q", ad.last())
	}

	b.handle(ctx, msg(1, 1, "skip"))
	b.handle(ctx, cb(1, 1, "cfm:no"))
	if len(sched.scheduled) != 0 {
		t.Fatal("discarded draft must not schedule")
	}
}

func TestAdminAddRemoveFlow(t *testing.T) {
	b, ad, _ := newTestBot(t)
	ctx := context.Background()
	b.handle(ctx, msg(1, 1, "/setup"))

	b.handle(ctx, cb(1, 1, "adm:add"))
	b.handle(ctx, msg(1, 1, "42"))
	if !b.admins.Contains(42) {
		t.Fatal("user 42 should be admin")
	}

	b.handle(ctx, cb(1, 1, "adm:del:42"))
	if b.admins.Contains(42) {
		t.Fatal("user 42 should be removed")
	}

	b.handle(ctx, cb(1, 1, "adm:del:1"))
	if !b.admins.Contains(1) {
		t.Fatal("self-removal must be refused")
	}
	if !strings.Contains(ad.last(), "can't remove yourself") {
		t.Fatalf("reply: %q", ad.last())
	}
}

func TestGroupMessagesIgnored(t *testing.T) {
	b, ad, _ := newTestBot(t)
	b.handle(context.Background(), transport.Update{
		Kind:    transport.UpdateMessage,
		Message: &transport.Message{ChatID: -100, FromID: 1, Text: "/menu", IsGroup: true},
	})
	if len(ad.sent) != 0 {
		t.Fatalf("group message answered: %q", ad.last())
	}
}
