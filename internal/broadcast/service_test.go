package broadcast

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blastbot/internal/metrics"
	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

type fakeSender struct {
	mu     sync.Mutex
	calls  []OutboundMessage
	status int
	err    error
	onSend func(n int, msg OutboundMessage)
}

func (f *fakeSender) Send(_ context.Context, msg OutboundMessage) (int, string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, msg)
	n := len(f.calls)
	cb := f.onSend
	f.mu.Unlock()
	if cb != nil {
		cb(n, msg)
	}
	if f.err != nil {
		return 0, "", f.err
	}
	status := f.status
	if status == 0 {
		status = 202
	}
	return status, `{"status":"submitted"}`, nil
}

func (f *fakeSender) sent() []OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutboundMessage(nil), f.calls...)
}

type fixture struct {
	svc    *Service
	jobs   *storage.JobStore
	dlog   *storage.DeliveryLog
	sender *fakeSender
	dir    string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	dir := t.TempDir()
	jobs, err := storage.NewJobStore(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	dlog, err := storage.OpenDeliveryLog(storage.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dlog.Close() })

	sender := &fakeSender{}
	svc := New(cfg, jobs, dlog, sender, metrics.New(), logx.Nop())
	return &fixture{svc: svc, jobs: jobs, dlog: dlog, sender: sender, dir: dir}
}

func (fx *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	if err := fx.svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = fx.svc.Stop(sctx)
	})
	return ctx
}

func (fx *fixture) writeContacts(t *testing.T, name string, cs []Contact) string {
	t.Helper()
	path := filepath.Join(fx.dir, name)
	if err := SaveContacts(path, cs); err != nil {
		t.Fatal(err)
	}
	return path
}

func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func jobGone(t *testing.T, jobs *storage.JobStore, id string) func() bool {
	return func() bool {
		_, err := jobs.Get(id)
		return errors.Is(err, storage.ErrJobNotFound)
	}
}

func TestDispatchSendsWholeListInOrder(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	fx.start(t)

	path := fx.writeContacts(t, "audience.json", []Contact{
		{Phone: "+79261234567", Name: "Ann"},
		{Phone: "+79261234568", Name: "Bob"},
	})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Second),
		ContactsPath: path,
		TemplateID:   "tpl_sale",
		Funnel:       "sale",
		Body:         FillMessage("Hi {name}: {message}", "sale today"),
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "job completion", jobGone(t, fx.jobs, job.ID))

	sent := fx.sender.sent()
	if len(sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(sent))
	}
	if sent[0].Text != "Hi Ann: sale today" || sent[1].Text != "Hi Bob: sale today" {
		t.Fatalf("rendered texts: %q, %q", sent[0].Text, sent[1].Text)
	}
	if sent[0].Dest != "+79261234567" || sent[1].Dest != "+79261234568" {
		t.Fatalf("destinations out of order: %+v", sent)
	}

	byFunnel, err := fx.dlog.SummaryByFunnel(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(byFunnel) != 1 || byFunnel[0].Funnel != "sale" || byFunnel[0].Success != 2 || byFunnel[0].Failed != 0 {
		t.Fatalf("delivery summary: %+v", byFunnel)
	}
}

func TestDispatchLogsFailedOnNon202(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	fx.sender.status = 500
	fx.start(t)

	path := fx.writeContacts(t, "audience.json", []Contact{{Phone: "+79261234567", Name: "Ann"}})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Second),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}
	// A fully failed run still completes and leaves the store clean.
	waitFor(t, 3*time.Second, "job completion", jobGone(t, fx.jobs, job.ID))

	failed, err := fx.dlog.Failed(context.Background(), "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Phone != "+79261234567" {
		t.Fatalf("failed rows: %+v", failed)
	}
}

func TestDispatchWaitsForSendingWindow(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	// Freeze the clock at 20:00, well outside the job's window.
	var clock atomic.Int64
	clock.Store(at(20, 0).Unix())
	fx.svc.now = func() time.Time { return time.Unix(clock.Load(), 0) }
	fx.svc.windowPoll = 10 * time.Millisecond
	fx.start(t)

	path := fx.writeContacts(t, "audience.json", []Contact{{Phone: "+79261234567", Name: "Ann"}})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        at(19, 59),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
		DayFrom:      "09:00",
		DayUntil:     "18:00",
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}

	// Give the dispatcher time to pick the job up and start waiting.
	time.Sleep(100 * time.Millisecond)
	if n := len(fx.sender.sent()); n != 0 {
		t.Fatalf("sent %d messages outside the window", n)
	}
	if _, err := fx.jobs.Get(job.ID); err != nil {
		t.Fatalf("job should still be stored while waiting: %v", err)
	}

	// Clock jumps inside the window; the next poll releases the send.
	clock.Store(at(10, 0).Unix())
	waitFor(t, 3*time.Second, "windowed send", func() bool { return len(fx.sender.sent()) == 1 })
	waitFor(t, 3*time.Second, "job completion", jobGone(t, fx.jobs, job.ID))
}

func TestCancelStopsBetweenContacts(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	fx.start(t)

	path := fx.writeContacts(t, "audience.json", []Contact{
		{Phone: "+79261234567", Name: "Ann"},
		{Phone: "+79261234568", Name: "Bob"},
		{Phone: "+79261234569", Name: "Cee"},
	})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Second),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	fx.sender.onSend = func(n int, _ OutboundMessage) {
		if n == 1 {
			if err := fx.svc.CancelJob(job.ID); err != nil {
				t.Errorf("CancelJob: %v", err)
			}
		}
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "cancellation", jobGone(t, fx.jobs, job.ID))
	// The in-flight contact finishes; the rest of the list does not.
	time.Sleep(50 * time.Millisecond)
	if n := len(fx.sender.sent()); n != 1 {
		t.Fatalf("sent %d messages after cancel, want 1", n)
	}
}

func TestShutdownDuringRateWaitLeavesJobForRetry(t *testing.T) {
	t.Parallel()

	// One send per minute: the first contact consumes the burst token and
	// the second blocks in the limiter until the context dies.
	fx := newFixture(t, Config{Workers: 1, RatePerMin: 1})
	ctx, cancel := context.WithCancel(context.Background())
	if err := fx.svc.Start(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		_ = fx.svc.Stop(sctx)
	})

	path := fx.writeContacts(t, "audience.json", []Contact{
		{Phone: "+79261234567", Name: "Ann"},
		{Phone: "+79261234568", Name: "Bob"},
	})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Second),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	fx.sender.onSend = func(n int, _ OutboundMessage) {
		if n == 1 {
			cancel()
		}
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "first send", func() bool { return len(fx.sender.sent()) == 1 })
	time.Sleep(50 * time.Millisecond)
	if n := len(fx.sender.sent()); n != 1 {
		t.Fatalf("sent %d messages after shutdown, want 1", n)
	}
	if _, err := fx.jobs.Get(job.ID); err != nil {
		t.Fatalf("interrupted job should stay stored for a restart retry: %v", err)
	}
}

func TestDispatchAbandonsJobWhenContactsMissing(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	fx.start(t)

	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Second),
		ContactsPath: filepath.Join(fx.dir, "nope.json"),
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}

	waitFor(t, 3*time.Second, "job abandonment", jobGone(t, fx.jobs, job.ID))
	if n := len(fx.sender.sent()); n != 0 {
		t.Fatalf("sent %d messages for a missing snapshot", n)
	}
}

func TestDisarmedJobDoesNotFire(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})
	fx.start(t)

	path := fx.writeContacts(t, "audience.json", []Contact{{Phone: "+79261234567", Name: "Ann"}})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(60 * time.Millisecond),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	if err := fx.svc.Schedule(job); err != nil {
		t.Fatal(err)
	}
	if err := fx.svc.CancelJob(job.ID); err != nil {
		t.Fatal(err)
	}

	time.Sleep(150 * time.Millisecond)
	if n := len(fx.sender.sent()); n != 0 {
		t.Fatalf("canceled job still sent %d messages", n)
	}
	if _, err := fx.jobs.Get(job.ID); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("canceled job still stored: %v", err)
	}
}
