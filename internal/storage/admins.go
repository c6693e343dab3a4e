package storage

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "blastbot/pkg/logx"
)

// AdminStore persists the operator allowlist as admins.json.
// Same durability rules as the job store: full read-modify-write with a
// temp-file rename, missing file means nobody is an admin yet.
type AdminStore struct {
	path string
	log  logx.Logger

	mu sync.Mutex
}

func NewAdminStore(dir string, log logx.Logger) (*AdminStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &AdminStore{path: filepath.Join(dir, "admins.json"), log: log}, nil
}

func (s *AdminStore) List() ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *AdminStore) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadLocked()
	if err != nil {
		return false
	}
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Empty reports whether nobody has been granted access yet.
// Used by /setup to bootstrap the first admin.
func (s *AdminStore) Empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadLocked()
	return err == nil && len(ids) == 0
}

// Add grants access. Adding an existing admin is a no-op.
func (s *AdminStore) Add(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadLocked()
	if err != nil {
		return err
	}
	for _, v := range ids {
		if v == id {
			return nil
		}
	}
	return s.saveLocked(append(ids, id))
}

// Remove revokes access. Removing an unknown id is a no-op.
func (s *AdminStore) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, err := s.loadLocked()
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, v := range ids {
		if v != id {
			kept = append(kept, v)
		}
	}
	return s.saveLocked(kept)
}

func (s *AdminStore) loadLocked() ([]int64, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal(b, &ids); err != nil {
		s.log.Warn("admins file corrupt; treating as empty",
			logx.String("path", s.path), logx.Err(err))
		return nil, nil
	}
	return ids, nil
}

func (s *AdminStore) saveLocked(ids []int64) error {
	if ids == nil {
		ids = []int64{}
	}
	b, err := json.MarshalIndent(ids, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
