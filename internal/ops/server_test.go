package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"blastbot/internal/metrics"
	"blastbot/internal/report"
	"blastbot/internal/storage"
	logx "blastbot/pkg/logx"
)

type fakeCanceler struct {
	jobs     *storage.JobStore
	canceled []string
}

func (f *fakeCanceler) CancelJob(id string) error {
	f.canceled = append(f.canceled, id)
	return f.jobs.Remove(id)
}

func newFixture(t *testing.T) (*Server, *storage.JobStore, *fakeCanceler) {
	t.Helper()
	dir := t.TempDir()

	jobs, err := storage.NewJobStore(dir, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	dl, err := storage.OpenDeliveryLog(storage.Config{Dir: dir}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = dl.Close() })

	if err := dl.Append(context.Background(), storage.Delivery{
		At: time.Now(), Phone: "+79260000001", TemplateID: "t1",
		Funnel: "New lead", Status: storage.StatusSuccess,
	}); err != nil {
		t.Fatal(err)
	}

	bc := &fakeCanceler{jobs: jobs}
	srv := New(Config{Enabled: true}, jobs, bc, report.New(dl), metrics.New(), logx.Nop())
	return srv, jobs, bc
}

func TestJobEndpoints(t *testing.T) {
	srv, jobs, bc := newFixture(t)
	h := srv.Handler()

	job := storage.Job{
		ID:           storage.NewJobID(),
		RunAt:        time.Now().Add(time.Hour),
		ContactsPath: "/tmp/contacts.json",
		TemplateID:   "t1",
		Funnel:       "New lead",
		Body:         "Hi {name}",
	}
	if err := jobs.Append(job); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Jobs []storage.Job `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatal(err)
	}
	if len(listed.Jobs) != 1 || listed.Jobs[0].ID != job.ID {
		t.Fatalf("listed: %+v", listed)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+job.ID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	if len(bc.canceled) != 1 || bc.canceled[0] != job.ID {
		t.Fatalf("canceled: %v", bc.canceled)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+job.ID, nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second delete: %d", rec.Code)
	}
}

func TestReportAndHealthEndpoints(t *testing.T) {
	srv, _, _ := newFixture(t)
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/funnels", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "New lead: 1 sent") {
		t.Fatalf("funnels: %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/funnels?since=bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad since: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports/errors.csv", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("errors.csv: %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/csv") {
		t.Fatalf("content type: %q", got)
	}
	if !strings.HasPrefix(rec.Body.String(), "lead_id,lead_name,phone,contact_name") {
		t.Fatalf("csv body: %q", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

func TestStartDisabledIsNoop(t *testing.T) {
	srv, _, _ := newFixture(t)
	srv.cfg.Enabled = false
	if err := srv.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if srv.Addr() != "" {
		t.Fatal("disabled server should not listen")
	}
}
