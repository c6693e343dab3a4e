package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "blastbot/pkg/logx"
)

var ErrJobNotFound = errors.New("job not found")

// Job is one scheduled broadcast. The message body already has the free-text
// part substituted in; only the per-contact name placeholder remains.
type Job struct {
	ID           string    `json:"job_id"`
	RunAt        time.Time `json:"run_at"`
	ContactsPath string    `json:"contacts"`
	TemplateID   string    `json:"template_id"`
	TemplateLang string    `json:"template_lang,omitempty"`
	Funnel       string    `json:"funnel,omitempty"`
	Body         string    `json:"message_body"`
	DayFrom      string    `json:"day_from,omitempty"`
	DayUntil     string    `json:"day_until,omitempty"`
	MediaURL     string    `json:"media,omitempty"`
}

// NewJobID mints a short operator-friendly job id.
func NewJobID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// JobStore persists the scheduled-job collection as a single JSON file.
//
// Every mutation is a full read-modify-write committed with a
// write-temp-then-rename, so a crash mid-write leaves the previous
// collection intact. A missing file is an empty collection; a corrupt file
// is logged and treated as empty rather than blocking scheduling.
type JobStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewJobStore(dir string, log logx.Logger) (*JobStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &JobStore{path: filepath.Join(dir, "scheduled.json"), log: log}, nil
}

// Path returns the backing file path (used in operator diagnostics).
func (s *JobStore) Path() string { return s.path }

// List returns the current collection in stored order.
func (s *JobStore) List() ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// Get returns the job with the given id, or ErrJobNotFound.
func (s *JobStore) Get(id string) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.loadLocked()
	if err != nil {
		return Job{}, err
	}
	for _, j := range jobs {
		if j.ID == id {
			return j, nil
		}
	}
	return Job{}, ErrJobNotFound
}

// Append adds a job to the collection.
func (s *JobStore) Append(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.loadLocked()
	if err != nil {
		return err
	}
	jobs = append(jobs, j)
	return s.saveLocked(jobs)
}

// Remove deletes the job with the given id. Removing an id that is already
// gone returns ErrJobNotFound; callers racing on completion may ignore it.
func (s *JobStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := jobs[:0]
	found := false
	for _, j := range jobs {
		if j.ID == id {
			found = true
			continue
		}
		kept = append(kept, j)
	}
	if !found {
		return ErrJobNotFound
	}
	return s.saveLocked(kept)
}

func (s *JobStore) loadLocked() ([]Job, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var jobs []Job
	if err := json.Unmarshal(b, &jobs); err != nil {
		// A corrupt collection must not wedge scheduling. Keep the broken
		// file content aside implicitly (next save overwrites) and move on.
		s.log.Warn("scheduled jobs file corrupt; treating as empty",
			logx.String("path", s.path), logx.Err(err))
		return nil, nil
	}
	return jobs, nil
}

func (s *JobStore) saveLocked(jobs []Job) error {
	if jobs == nil {
		jobs = []Job{}
	}
	b, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
