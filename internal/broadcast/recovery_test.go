package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"

	"blastbot/internal/storage"
)

func TestRecoverDiscardsExpiredAndReArmsFuture(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})

	path := fx.writeContacts(t, "audience.json", []Contact{{Phone: "+79261234567", Name: "Ann"}})
	expired := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(-time.Hour),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	future := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(time.Hour),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	// Persisted by a previous process; written directly, not via Schedule.
	if err := fx.jobs.Append(expired); err != nil {
		t.Fatal(err)
	}
	if err := fx.jobs.Append(future); err != nil {
		t.Fatal(err)
	}

	fx.start(t)
	if err := fx.svc.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	if _, err := fx.jobs.Get(expired.ID); !errors.Is(err, storage.ErrJobNotFound) {
		t.Fatalf("expired job should be discarded: %v", err)
	}
	if _, err := fx.jobs.Get(future.ID); err != nil {
		t.Fatalf("future job should survive recovery: %v", err)
	}

	armed := fx.svc.Armed()
	if len(armed) != 1 || armed[0] != future.ID {
		t.Fatalf("armed jobs after recovery: %v", armed)
	}
	if n := len(fx.sender.sent()); n != 0 {
		t.Fatalf("recovery sent %d messages", n)
	}
}

func TestRecoveredJobFiresAtOriginalRunAt(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, Config{Workers: 1})

	path := fx.writeContacts(t, "audience.json", []Contact{{Phone: "+79261234567", Name: "Ann"}})
	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(80 * time.Millisecond),
		ContactsPath: path,
		TemplateID:   "tpl",
		Body:         "hi {name}",
	}
	if err := fx.jobs.Append(job); err != nil {
		t.Fatal(err)
	}

	fx.start(t)
	if err := fx.svc.Recover(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Not fired yet: the original deadline is still ahead.
	if n := len(fx.sender.sent()); n != 0 {
		t.Fatalf("job fired early: %d sends", n)
	}

	waitFor(t, 3*time.Second, "recovered job to fire", jobGone(t, fx.jobs, job.ID))
	if n := len(fx.sender.sent()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}
