package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"blastbot/internal/broadcast"
	logx "blastbot/pkg/logx"
)

// Snapshot is funnels.json: the menu of audiences an operator can pick.
// Each pipeline stage is presented as its own "funnel".
type Snapshot struct {
	Funnels []Funnel `json:"funnels"`
}

type Funnel struct {
	Name       string `json:"name"`
	File       string `json:"file"`
	PipelineID int64  `json:"pipeline_id"`
	StatusID   int64  `json:"status_id"`
}

// SnapshotStore manages the CRM snapshot directory: funnels.json plus one
// cached contact file per stage, and per-job audience copies.
type SnapshotStore struct {
	dir     string
	jobDir  string
	crm     *Client
	retries int
	pause   time.Duration
	log     logx.Logger

	pmu        sync.Mutex
	pipelineID int64
}

type SnapshotConfig struct {
	Dir string
	// JobDir receives per-job audience copies. It must live outside Dir,
	// because Refresh wipes Dir; defaults to Dir's parent.
	JobDir string
	// PipelineID selects the lead pipeline. 0 means use the account's
	// first pipeline, resolved on the first refresh.
	PipelineID int64
	Retries    int           // refresh attempts, default 3
	RetryPause time.Duration // pause between attempts, default 5s
}

func NewSnapshotStore(cfg SnapshotConfig, c *Client, log logx.Logger) (*SnapshotStore, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("snapshot dir is required")
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = 5 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.JobDir == "" {
		cfg.JobDir = filepath.Dir(cfg.Dir)
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.JobDir, 0o755); err != nil {
		return nil, err
	}
	return &SnapshotStore{
		dir:        cfg.Dir,
		jobDir:     cfg.JobDir,
		crm:        c,
		pipelineID: cfg.PipelineID,
		retries:    cfg.Retries,
		pause:      cfg.RetryPause,
		log:        log,
	}, nil
}

func (s *SnapshotStore) path() string { return filepath.Join(s.dir, "funnels.json") }

// resolvePipeline returns the configured pipeline id, detecting the
// account's first pipeline once when none was configured.
func (s *SnapshotStore) resolvePipeline(ctx context.Context) (int64, error) {
	s.pmu.Lock()
	defer s.pmu.Unlock()
	if s.pipelineID != 0 {
		return s.pipelineID, nil
	}
	ps, err := s.crm.Pipelines(ctx)
	if err != nil {
		return 0, err
	}
	if len(ps) == 0 {
		return 0, errors.New("crm account has no lead pipelines")
	}
	s.pipelineID = ps[0].ID
	s.log.Info("pipeline autodetected",
		logx.Int64("pipeline_id", ps[0].ID), logx.String("name", ps[0].Name))
	return s.pipelineID, nil
}

// Refresh rebuilds funnels.json from the target pipeline's stages and
// clears every cached contact file, retrying transient CRM failures a
// fixed number of times with a constant pause.
func (s *SnapshotStore) Refresh(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	op := func() error {
		pid, err := s.resolvePipeline(ctx)
		if err != nil {
			s.log.Warn("snapshot refresh attempt failed", logx.Err(err))
			return err
		}
		statuses, err := s.crm.PipelineStatuses(ctx, pid)
		if err != nil {
			s.log.Warn("snapshot refresh attempt failed", logx.Err(err))
			return err
		}
		snap = Snapshot{Funnels: make([]Funnel, 0, len(statuses))}
		for _, st := range statuses {
			snap.Funnels = append(snap.Funnels, Funnel{
				Name:       st.Name,
				File:       statusFileName(st),
				PipelineID: pid,
				StatusID:   st.ID,
			})
		}
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.pause), uint64(s.retries-1)),
		ctx,
	)
	if err := backoff.Retry(op, bo); err != nil {
		return Snapshot{}, err
	}

	// Stale contact caches must not outlive the funnel list they belong to.
	entries, err := os.ReadDir(s.dir)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
				continue
			}
			_ = os.Remove(filepath.Join(s.dir, e.Name()))
		}
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return Snapshot{}, err
	}
	tmp := s.path() + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return Snapshot{}, err
	}
	if err := os.Rename(tmp, s.path()); err != nil {
		return Snapshot{}, err
	}
	s.log.Info("snapshot refreshed", logx.Int("funnels", len(snap.Funnels)))
	return snap, nil
}

// Load reads the current funnels.json.
func (s *SnapshotStore) Load() (Snapshot, error) {
	b, err := os.ReadFile(s.path())
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("funnels.json: %w", err)
	}
	return snap, nil
}

// EnsureContacts returns the cached contact file for a funnel, building it
// through the audience builder on first use.
func (s *SnapshotStore) EnsureContacts(ctx context.Context, f Funnel, b *AudienceBuilder) (string, int, error) {
	path := filepath.Join(s.dir, f.File)
	if cs, err := broadcast.LoadContacts(path); err == nil {
		return path, len(cs), nil
	}

	cs, err := b.Build(ctx, f.PipelineID, f.StatusID)
	if err != nil {
		return "", 0, err
	}
	if err := broadcast.SaveContacts(path, cs); err != nil {
		return "", 0, err
	}
	return path, len(cs), nil
}

// EnsureAllContacts merges every funnel's audience into one contact file,
// deduplicated by phone with first occurrence winning.
func (s *SnapshotStore) EnsureAllContacts(ctx context.Context, snap Snapshot, b *AudienceBuilder) (string, int, error) {
	seen := map[string]bool{}
	var all []broadcast.Contact
	for _, f := range snap.Funnels {
		p, _, err := s.EnsureContacts(ctx, f, b)
		if err != nil {
			return "", 0, fmt.Errorf("funnel %q: %w", f.Name, err)
		}
		cs, err := broadcast.LoadContacts(p)
		if err != nil {
			return "", 0, err
		}
		for _, c := range cs {
			if seen[c.Phone] {
				continue
			}
			seen[c.Phone] = true
			all = append(all, c)
		}
	}
	path := filepath.Join(s.dir, "status_all.json")
	if err := broadcast.SaveContacts(path, all); err != nil {
		return "", 0, err
	}
	return path, len(all), nil
}

// JobCopy snapshots a funnel's contact file for one job, so later cache
// refreshes can't change an already scheduled audience.
func (s *SnapshotStore) JobCopy(contactsPath string) (string, error) {
	cs, err := broadcast.LoadContacts(contactsPath)
	if err != nil {
		return "", err
	}
	stem := strings.TrimSuffix(filepath.Base(contactsPath), filepath.Ext(contactsPath))
	dst := filepath.Join(s.jobDir, fmt.Sprintf("%s_%s.json", stem, uuid.NewString()[:8]))
	if err := broadcast.SaveContacts(dst, cs); err != nil {
		return "", err
	}
	return dst, nil
}

func statusFileName(st Status) string {
	name := strings.NewReplacer(" ", "_", "/", "_").Replace(st.Name)
	return fmt.Sprintf("status_%d_%s.json", st.ID, name)
}
