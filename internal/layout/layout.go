// Package layout owns the on-disk arrangement of finalized models and
// in-progress staging directories: where a model lives once downloaded,
// how a download assembles before it is visible, and how that assembly
// is made to appear atomically.
package layout

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/localmodels/modeldl/internal/diskspace"
	"github.com/localmodels/modeldl/internal/identity"
	"github.com/localmodels/modeldl/internal/models"
)

const modelInfoFileName = "model_info.json"

// staleStagingGracePeriod is how long an orphaned staging directory is left
// alone before CleanupIncompleteDownloads will remove it, giving an
// in-progress download time to resume after a restart.
const staleStagingGracePeriod = 48 * time.Hour

// sidecarInfo mirrors the on-disk JSON written alongside a finalized model.
type sidecarInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Backend      models.Backend    `json:"backend"`
	TotalSize    int64             `json:"totalSize"`
	DownloadDate time.Time         `json:"downloadDate"`
	Metadata     map[string]string `json:"metadata"`
}

// Layout resolves and manages the directories a download reads from and
// writes to.
type Layout struct {
	modelsRoot string
	tempRoot   string
	identity   *identity.Service
}

// New creates a Layout rooted at modelsRoot (finalized models) and tempRoot
// (in-progress staging).
func New(modelsRoot, tempRoot string) *Layout {
	return &Layout{
		modelsRoot: modelsRoot,
		tempRoot:   tempRoot,
		identity:   identity.New(),
	}
}

// ModelDirectory returns the finalized location for repoId under backend:
// <models>/<backend>/<sanitized-repoId>.
func (l *Layout) ModelDirectory(repoId models.RepositoryId, backend models.Backend) string {
	return filepath.Join(l.modelsRoot, string(backend), repoId.Sanitized())
}

// TemporaryDirectory returns the staging location for an in-progress
// download of repoId: <temp>/<sanitized-repoId>.
func (l *Layout) TemporaryDirectory(repoId models.RepositoryId) string {
	return filepath.Join(l.tempRoot, repoId.Sanitized())
}

// dirSize recursively sums the size of every regular file under dir.
func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// FinalizeDownload atomically moves stagingDir into its final resting place
// and writes the model_info.json sidecar. It is atomic with respect to
// ModelExists: observers see either the old contents (if any) or the
// complete new tree, never a partial one.
func (l *Layout) FinalizeDownload(repoId models.RepositoryId, name string, backend models.Backend, stagingDir string, totalSize int64) (*models.ModelInfo, error) {
	dest := l.ModelDirectory(repoId, backend)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return nil, fmt.Errorf("ensure destination parent: %w", err)
	}

	if _, err := os.Stat(dest); err == nil {
		if err := os.RemoveAll(dest); err != nil {
			return nil, fmt.Errorf("remove existing destination: %w", err)
		}
	}

	if err := renameOrCopy(stagingDir, dest); err != nil {
		return nil, fmt.Errorf("move staging into place: %w", err)
	}

	modelID, err := l.identity.GenerateString(repoId)
	if err != nil {
		return nil, err
	}

	info := &models.ModelInfo{
		ID:           modelID,
		Name:         name,
		Backend:      backend,
		Location:     dest,
		TotalSize:    totalSize,
		DownloadDate: time.Now(),
		Metadata: map[string]string{
			"repositoryId": string(repoId),
			"source":       "huggingface",
			"downloadType": "repository-based",
		},
	}

	if err := writeSidecar(dest, info); err != nil {
		return nil, fmt.Errorf("write model_info.json: %w", err)
	}

	return info, nil
}

// renameOrCopy performs an atomic rename when src and dest share a volume,
// falling back to a copy-then-rename through a sibling of dest in dest's
// parent when they do not (cross-device rename is not atomic, so we stage the
// copy fully before the final rename that makes it visible).
func renameOrCopy(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !isCrossDevice(linkErr) {
		return err
	}

	tmp := dest + ".incoming"
	if err := os.RemoveAll(tmp); err != nil {
		return err
	}
	if err := copyTree(src, tmp); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	if err := os.Rename(tmp, dest); err != nil {
		os.RemoveAll(tmp)
		return err
	}
	return os.RemoveAll(src)
}

func isCrossDevice(err *os.LinkError) bool {
	// os.LinkError.Err is EXDEV on a cross-device rename on every platform
	// this engine targets; string matching avoids an import of syscall
	// constants that differ between unix and windows.
	return err.Err != nil && (err.Err.Error() == "invalid cross-device link" || err.Err.Error() == "cross-device link")
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

func writeSidecar(dir string, info *models.ModelInfo) error {
	payload := sidecarInfo{
		ID:           info.ID,
		Name:         info.Name,
		Backend:      info.Backend,
		TotalSize:    info.TotalSize,
		DownloadDate: info.DownloadDate,
		Metadata:     info.Metadata,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, modelInfoFileName), data, 0o644)
}

// ListDownloadedModels enumerates every finalized model across all backend
// subtrees. A directory missing its model_info.json sidecar (a crash
// between the rename and the sidecar write) is recovered: a sidecar is
// synthesized and persisted from the directory name and its on-disk size.
func (l *Layout) ListDownloadedModels() ([]models.ModelInfo, error) {
	var out []models.ModelInfo

	backendDirs, err := os.ReadDir(l.modelsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}

	for _, backendDir := range backendDirs {
		if !backendDir.IsDir() {
			continue
		}
		backend := models.Backend(backendDir.Name())
		backendPath := filepath.Join(l.modelsRoot, backendDir.Name())

		entries, err := os.ReadDir(backendPath)
		if err != nil {
			return nil, err
		}

		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			modelDir := filepath.Join(backendPath, entry.Name())

			info, err := l.readOrSynthesizeSidecar(modelDir, entry.Name(), backend)
			if err != nil {
				return nil, err
			}
			info.Location = modelDir
			out = append(out, *info)
		}
	}

	return out, nil
}

func (l *Layout) readOrSynthesizeSidecar(modelDir, dirName string, backend models.Backend) (*models.ModelInfo, error) {
	sidecarPath := filepath.Join(modelDir, modelInfoFileName)

	data, err := os.ReadFile(sidecarPath)
	if err == nil {
		var payload sidecarInfo
		if jsonErr := json.Unmarshal(data, &payload); jsonErr == nil {
			return &models.ModelInfo{
				ID:           payload.ID,
				Name:         payload.Name,
				Backend:      payload.Backend,
				TotalSize:    payload.TotalSize,
				DownloadDate: payload.DownloadDate,
				Metadata:     payload.Metadata,
			}, nil
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	// Recovery path: synthesize from the directory name.
	repoId := models.RepositoryId(dirNameToRepositoryId(dirName))
	modelID, err := l.identity.GenerateString(repoId)
	if err != nil {
		modelID = ""
	}
	size, err := dirSize(modelDir)
	if err != nil {
		return nil, err
	}

	info := &models.ModelInfo{
		ID:           modelID,
		Name:         string(repoId),
		Backend:      backend,
		TotalSize:    size,
		DownloadDate: time.Now(),
		Metadata: map[string]string{
			"repositoryId": string(repoId),
			"source":       "huggingface",
			"downloadType": "repository-based",
		},
	}
	if writeErr := writeSidecar(modelDir, info); writeErr != nil {
		return nil, writeErr
	}
	return info, nil
}

// dirNameToRepositoryId reverses RepositoryId.Sanitized's "/"->"_" mapping
// on a best-effort basis: the first underscore becomes the namespace
// separator, matching the "namespace_name" shape every sanitized id has.
func dirNameToRepositoryId(dirName string) string {
	for i, r := range dirName {
		if r == '_' {
			return dirName[:i] + "/" + dirName[i+1:]
		}
	}
	return dirName
}

// ModelExists reports whether any backend directory contains a subdirectory
// matching repoId's sanitized form.
func (l *Layout) ModelExists(repoId models.RepositoryId) bool {
	backendDirs, err := os.ReadDir(l.modelsRoot)
	if err != nil {
		return false
	}
	sanitized := repoId.Sanitized()
	for _, backendDir := range backendDirs {
		if !backendDir.IsDir() {
			continue
		}
		candidate := filepath.Join(l.modelsRoot, backendDir.Name(), sanitized)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return true
		}
	}
	return false
}

// DeleteModel removes every backend subdirectory matching repoId. Idempotent.
func (l *Layout) DeleteModel(repoId models.RepositoryId) error {
	backendDirs, err := os.ReadDir(l.modelsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	sanitized := repoId.Sanitized()
	for _, backendDir := range backendDirs {
		if !backendDir.IsDir() {
			continue
		}
		candidate := filepath.Join(l.modelsRoot, backendDir.Name(), sanitized)
		if err := os.RemoveAll(candidate); err != nil {
			return err
		}
	}
	return nil
}

// AvailableDiskSpace returns free bytes on the volume hosting the models root.
func (l *Layout) AvailableDiskSpace() int64 {
	return diskspace.GetAvailableSpace(l.modelsRoot)
}

// diskSpaceSafetyMargin requires a bit more headroom than the raw byte
// count, leaving room for filesystem overhead and sibling writes.
const diskSpaceSafetyMargin = 1.05

// HasEnoughSpace reports whether the models root's volume has at least
// required free bytes plus diskSpaceSafetyMargin, returning an InsufficientSpaceError (see
// diskspace.IsInsufficientSpaceError) when it does not.
func (l *Layout) HasEnoughSpace(required int64) error {
	return diskspace.CheckAvailableSpace(l.modelsRoot, required, diskSpaceSafetyMargin)
}

// GetModelSize returns the on-disk size of repoId's finalized model, or
// zero and a nil error if it does not exist.
func (l *Layout) GetModelSize(repoId models.RepositoryId) (int64, error) {
	backendDirs, err := os.ReadDir(l.modelsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	sanitized := repoId.Sanitized()
	for _, backendDir := range backendDirs {
		if !backendDir.IsDir() {
			continue
		}
		candidate := filepath.Join(l.modelsRoot, backendDir.Name(), sanitized)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return dirSize(candidate)
		}
	}
	return 0, nil
}

// CleanupIncompleteDownloads removes every child of the temp root older
// than the 48-hour grace period that isActive reports as unclaimed.
func (l *Layout) CleanupIncompleteDownloads(isActive func(repoId string) bool) error {
	entries, err := os.ReadDir(l.tempRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	cutoff := time.Now().Add(-staleStagingGracePeriod)

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if isActive != nil && isActive(entry.Name()) {
			continue
		}

		path := filepath.Join(l.tempRoot, entry.Name())
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("cleanup stale staging dir %s: %w", path, err)
		}
	}

	return nil
}
