package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrNotFound is returned by Load when no snapshot exists for the job.
var ErrNotFound = errors.New("no persisted state for job")

// Store persists snapshots as JSON files in a directory, one file per job.
// Writes go through a temp file and rename so a crash never leaves a chunk
// half-recorded on disk.
type Store struct {
	mu  sync.Mutex
	dir string
}

// NewStore creates a store rooted at dir. The directory is created on the
// first save.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Save persists the snapshot, replacing any previous one for the same job.
func (s *Store) Save(snapshot Snapshot) error {
	if snapshot.JobKey == "" {
		return fmt.Errorf("snapshot has no job key")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	path := s.path(snapshot.JobKey)
	tmp, err := os.CreateTemp(s.dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("close snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("replace snapshot: %w", err)
	}

	return nil
}

// Load reads the snapshot for a job. Returns ErrNotFound when the job has no
// persisted state, and ErrInconsistent when the file cannot be decoded.
func (s *Store) Load(jobKey string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(jobKey))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("%w: decode snapshot: %v", ErrInconsistent, err)
	}
	if snapshot.JobKey != jobKey {
		return Snapshot{}, fmt.Errorf("%w: snapshot belongs to job %s, expected %s",
			ErrInconsistent, snapshot.JobKey, jobKey)
	}

	return snapshot, nil
}

// Remove deletes the persisted state for a job. Removing a job that has no
// state is not an error.
func (s *Store) Remove(jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(jobKey))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

func (s *Store) path(jobKey string) string {
	return filepath.Join(s.dir, jobKey+".json")
}
