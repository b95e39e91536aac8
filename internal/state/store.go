// Package state implements the durable store for PersistedDownload
// records: a single JSON array written under one well-known key, with
// atomic tmp-file-then-rename writes and self-healing on decode failure
// rather than propagating a corrupted store forever.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
)

// StoreKey is the well-known preferences-store key the serialized array of
// PersistedDownload records is written under.
const StoreKey = "ModelDownloader.BackgroundDownloads.v1"

// Store is a keyed durable store over models.PersistedDownload, backed by
// a single JSON file standing in for the host's durable preferences
// store. All reads and writes are serialized through mu, so concurrent
// callers observe writes in submission order.
type Store struct {
	path string
	mu   sync.Mutex
}

// New creates a Store persisting to a file named StoreKey (sanitized for
// the filesystem) under dir.
func New(dir string) *Store {
	return &Store{path: filepath.Join(dir, "modeldownloader_background_downloads_v1.json")}
}

// NewAtPath creates a Store persisting directly at path, useful for tests
// that want a specific file location.
func NewAtPath(path string) *Store {
	return &Store{path: path}
}

// load reads every record currently on disk. A missing file is treated as
// an empty store. A corrupted file is self-healing: the bad data is
// erased (the key removed) and an empty store is returned.
func (s *Store) load() ([]models.PersistedDownload, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state store: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	var records []models.PersistedDownload
	if err := json.Unmarshal(data, &records); err != nil {
		if removeErr := os.Remove(s.path); removeErr != nil && !os.IsNotExist(removeErr) {
			return nil, fmt.Errorf("%w: and failed to erase corrupted store: %v", errs.ErrStateCorrupted, removeErr)
		}
		return nil, nil
	}
	return records, nil
}

// save atomically writes records to disk via a temp file plus rename.
func (s *Store) save(records []models.PersistedDownload) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure state store directory: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state store: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp state file: %w", err)
	}
	return nil
}

// PersistDownload inserts or replaces the record with the same ID.
func (s *Store) PersistDownload(download models.PersistedDownload) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	replaced := false
	for i := range records {
		if records[i].ID == download.ID {
			records[i] = download
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, download)
	}

	return s.save(records)
}

// RemoveDownload deletes the record with the given id, if present.
func (s *Store) RemoveDownload(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	out := records[:0]
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return s.save(out)
}

// GetDownload returns the record with the given id, or nil if absent.
func (s *Store) GetDownload(id string) (*models.PersistedDownload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].ID == id {
			rec := records[i]
			return &rec, nil
		}
	}
	return nil, nil
}

// GetAllPersistedDownloads returns every record currently stored.
func (s *Store) GetAllPersistedDownloads() ([]models.PersistedDownload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// UpdateDownloadProgress updates byte/completed-file/state fields for id
// in place. completedFiles and newState are optional (nil/empty means "no
// change" for completedFiles, "" means "no change" for newState).
func (s *Store) UpdateDownloadProgress(id string, bytesDownloaded int64, completedFiles []string, newState models.DownloadState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if records[i].ID != id {
			continue
		}
		found = true
		records[i].BytesDownloaded = bytesDownloaded
		if completedFiles != nil {
			records[i].CompletedFiles = completedFiles
		}
		if newState != "" {
			records[i].State = newState
		}
		break
	}
	if !found {
		return fmt.Errorf("update progress: %w: %s", errs.ErrUnknownTask, id)
	}

	return s.save(records)
}

// UpdateDownloadTaskIdentifier records the background driver's task
// identifier for id, so it can be correlated after a process restart.
func (s *Store) UpdateDownloadTaskIdentifier(id string, taskIdentifier int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	found := false
	for i := range records {
		if records[i].ID == id {
			records[i].TaskIdentifier = &taskIdentifier
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("update task identifier: %w: %s", errs.ErrUnknownTask, id)
	}

	return s.save(records)
}

// CleanupStaleDownloads removes every record older than olderThan whose
// state is terminal (completed, failed, cancelled). Records still
// downloading, paused, or pending are preserved regardless of age.
func (s *Store) CleanupStaleDownloads(olderThan time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.load()
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-olderThan)
	out := records[:0]
	for _, r := range records {
		if isTerminal(r.State) && r.DownloadDate.Before(cutoff) {
			continue
		}
		out = append(out, r)
	}
	return s.save(out)
}

func isTerminal(state models.DownloadState) bool {
	switch state {
	case models.DownloadCompleted, models.DownloadFailed, models.DownloadCancelled:
		return true
	}
	return false
}

// ClearAllDownloads removes every record from the store.
func (s *Store) ClearAllDownloads() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(nil)
}
