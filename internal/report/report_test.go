package report

import (
	"context"
	"strings"
	"testing"
	"time"

	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

func seededLog(t *testing.T) *storage.DeliveryLog {
	t.Helper()
	dl, err := storage.OpenDeliveryLog(storage.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dl.Close() })

	ctx := context.Background()
	at := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	rows := []storage.Delivery{
		{At: at, Phone: "+79260000001", TemplateID: "t1", Funnel: "New lead", Status: storage.StatusSuccess},
		{At: at.Add(time.Minute), Phone: "+79260000002", TemplateID: "t1", Funnel: "New lead", Status: storage.StatusFailed, Excerpt: `{"message":"quota"}`},
		{At: at.Add(2 * time.Minute), Phone: "+79260000003", TemplateID: "t2", Funnel: "Paid", Status: storage.StatusSuccess},
	}
	for _, d := range rows {
		if err := dl.Append(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	if err := dl.RecordError(ctx, storage.ErrorNumber{LeadID: 7, LeadName: "Deal", Phone: "12345", ContactName: "Bob"}); err != nil {
		t.Fatal(err)
	}
	return dl
}

func TestFunnelTextAggregates(t *testing.T) {
	r := New(seededLog(t))

	got, err := r.FunnelText(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"New lead: 2 sent, 1 ok, 1 failed",
		"Paid: 1 sent, 1 ok, 0 failed",
		"Total: 3 sent, 2 ok, 1 failed",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("missing %q in:\n%s", want, got)
		}
	}
}

func TestFailedTextShowsExcerpt(t *testing.T) {
	r := New(seededLog(t))

	got, err := r.FailedText(context.Background(), "New lead", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(got, "+79260000002") || !strings.Contains(got, `{"message":"quota"}`) {
		t.Fatalf("failed listing:\n%s", got)
	}

	empty, err := r.FailedText(context.Background(), "Paid", 10)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(empty, "No failed deliveries") {
		t.Fatalf("expected empty notice, got:\n%s", empty)
	}
}

func TestWriteErrorsCSV(t *testing.T) {
	r := New(seededLog(t))

	var b strings.Builder
	if err := r.WriteErrorsCSV(context.Background(), &b); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv:\n%s", b.String())
	}
	if lines[0] != "lead_id,lead_name,phone,contact_name" {
		t.Fatalf("header: %q", lines[0])
	}
	if lines[1] != "7,Deal,12345,Bob" {
		t.Fatalf("row: %q", lines[1])
	}
}

func TestDayTextEmptyLog(t *testing.T) {
	dl, err := storage.OpenDeliveryLog(storage.Config{Dir: t.TempDir()}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Close()

	got, err := New(dl).DayText(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if got != "No deliveries recorded yet." {
		t.Fatalf("got %q", got)
	}
}
