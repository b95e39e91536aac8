package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
)

// GetModelLocation returns the finalized directory for repoId, searching
// every backend sub-tree, or "" when the model is not on disk.
func (l *Layout) GetModelLocation(repoId models.RepositoryId) string {
	backendDirs, err := os.ReadDir(l.modelsRoot)
	if err != nil {
		return ""
	}
	sanitized := repoId.Sanitized()
	for _, backendDir := range backendDirs {
		if !backendDir.IsDir() {
			continue
		}
		candidate := filepath.Join(l.modelsRoot, backendDir.Name(), sanitized)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}
	}
	return ""
}

// GetModelFiles lists every regular file under repoId's finalized
// directory, paths relative to the model root, sorted by os.ReadDir's
// lexical walk order. The sidecar is included like any other file.
func (l *Layout) GetModelFiles(repoId models.RepositoryId) ([]string, error) {
	root := l.GetModelLocation(repoId)
	if root == "" {
		return nil, fmt.Errorf("%w: %s is not downloaded", errs.ErrUnknownTask, repoId)
	}

	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// GetModelFileURL returns the absolute path of fileName inside repoId's
// finalized directory, or "" when either the model or the file is absent.
// fileName may name a nested path ("model.mlmodelc/model").
func (l *Layout) GetModelFileURL(repoId models.RepositoryId, fileName string) string {
	root := l.GetModelLocation(repoId)
	if root == "" {
		return ""
	}
	candidate := filepath.Join(root, filepath.FromSlash(fileName))
	// Reject traversal out of the model directory.
	if rel, err := filepath.Rel(root, candidate); err != nil || strings.HasPrefix(rel, "..") {
		return ""
	}
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// ValidateModel checks repoId/backend without touching the network:
// malformed identifiers and unknown backends are hard errors; on-disk
// oddities for an already-downloaded model (missing sidecar, empty
// directory) come back as warnings.
func (l *Layout) ValidateModel(repoId models.RepositoryId, backend models.Backend) (models.ValidationResult, error) {
	var result models.ValidationResult

	if !repoId.Valid() {
		return result, fmt.Errorf("%w: %q", errs.ErrInvalidRepository, repoId)
	}
	if !backend.Valid() {
		return result, fmt.Errorf("%w: unknown backend %q", errs.ErrInvalidRepository, backend)
	}

	dir := l.ModelDirectory(repoId, backend)
	info, err := os.Stat(dir)
	if err != nil {
		// Not downloaded yet; nothing on disk to warn about.
		return result, nil
	}
	if !info.IsDir() {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s exists but is not a directory", dir))
		return result, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("cannot read %s: %v", dir, err))
		return result, nil
	}
	if len(entries) == 0 {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s is empty", dir))
		return result, nil
	}

	hasSidecar := false
	for _, e := range entries {
		if e.Name() == modelInfoFileName {
			hasSidecar = true
			break
		}
	}
	if !hasSidecar {
		result.Warnings = append(result.Warnings, fmt.Sprintf("%s has no %s; it will be synthesized on the next listing", dir, modelInfoFileName))
	}

	if backend == models.BackendGGUF {
		hasGGUF := false
		for _, e := range entries {
			if strings.HasSuffix(strings.ToLower(e.Name()), ".gguf") {
				hasGGUF = true
				break
			}
		}
		if !hasGGUF {
			result.Warnings = append(result.Warnings, fmt.Sprintf("%s contains no .gguf file", dir))
		}
	}

	return result, nil
}
