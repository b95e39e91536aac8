package layout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/identity"
	"github.com/localmodels/modeldl/internal/models"
)

const testRepo = models.RepositoryId("mlx-community/Llama-3.2-1B-Instruct-4bit")

func newTestLayout(t *testing.T) *Layout {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "models"), filepath.Join(t.TempDir(), "staging"))
}

func stageFiles(t *testing.T, l *Layout, repo models.RepositoryId, files map[string]string) string {
	t.Helper()
	staging := l.TemporaryDirectory(repo)
	for rel, content := range files {
		path := filepath.Join(staging, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return staging
}

func TestModelDirectorySanitizesRepoId(t *testing.T) {
	l := newTestLayout(t)
	dir := l.ModelDirectory(testRepo, models.BackendMLX)
	assert.Equal(t, "mlx-community_Llama-3.2-1B-Instruct-4bit", filepath.Base(dir))
	assert.Equal(t, "mlx", filepath.Base(filepath.Dir(dir)))
}

func TestFinalizeDownloadMovesStagingAndWritesSidecar(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{
		"config.json":         `{"model_type":"llama"}`,
		"weights/model.part0": "0123456789",
	})

	info, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 32)
	require.NoError(t, err)

	assert.True(t, l.ModelExists(testRepo))
	assert.NoDirExists(t, staging)

	dest := l.ModelDirectory(testRepo, models.BackendMLX)
	assert.FileExists(t, filepath.Join(dest, "config.json"))
	assert.FileExists(t, filepath.Join(dest, "weights", "model.part0"))

	data, err := os.ReadFile(filepath.Join(dest, modelInfoFileName))
	require.NoError(t, err)
	var sidecar sidecarInfo
	require.NoError(t, json.Unmarshal(data, &sidecar))

	wantID, err := identity.New().GenerateString(testRepo)
	require.NoError(t, err)
	assert.Equal(t, wantID, sidecar.ID)
	assert.Equal(t, info.ID, sidecar.ID)
	assert.Equal(t, int64(32), sidecar.TotalSize)
	assert.Equal(t, models.BackendMLX, sidecar.Backend)
	assert.Equal(t, string(testRepo), sidecar.Metadata["repositoryId"])
	assert.Equal(t, "huggingface", sidecar.Metadata["source"])
	assert.Equal(t, "repository-based", sidecar.Metadata["downloadType"])
}

func TestFinalizeDownloadSupersedesExistingModel(t *testing.T) {
	l := newTestLayout(t)

	staging := stageFiles(t, l, testRepo, map[string]string{"old.bin": "old"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 3)
	require.NoError(t, err)

	staging = stageFiles(t, l, testRepo, map[string]string{"new.bin": "new"})
	_, err = l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 3)
	require.NoError(t, err)

	dest := l.ModelDirectory(testRepo, models.BackendMLX)
	assert.FileExists(t, filepath.Join(dest, "new.bin"))
	assert.NoFileExists(t, filepath.Join(dest, "old.bin"))
}

func TestListDownloadedModelsReadsSidecar(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{"model.safetensors": "weights"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 7)
	require.NoError(t, err)

	infos, err := l.ListDownloadedModels()
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, string(testRepo), infos[0].Name)
	assert.Equal(t, int64(7), infos[0].TotalSize)
	assert.Equal(t, l.ModelDirectory(testRepo, models.BackendMLX), infos[0].Location)
}

func TestListDownloadedModelsSynthesizesMissingSidecar(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{"model.safetensors": "weights"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 7)
	require.NoError(t, err)

	sidecar := filepath.Join(l.ModelDirectory(testRepo, models.BackendMLX), modelInfoFileName)
	require.NoError(t, os.Remove(sidecar))

	infos, err := l.ListDownloadedModels()
	require.NoError(t, err)
	require.Len(t, infos, 1)

	wantID, err := identity.New().GenerateString(testRepo)
	require.NoError(t, err)
	assert.Equal(t, wantID, infos[0].ID)
	assert.Positive(t, infos[0].TotalSize)

	// The synthesized sidecar is persisted for the next listing.
	assert.FileExists(t, sidecar)
}

func TestDeleteModelIdempotent(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{"a.bin": "a"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 1)
	require.NoError(t, err)

	require.NoError(t, l.DeleteModel(testRepo))
	assert.False(t, l.ModelExists(testRepo))
	require.NoError(t, l.DeleteModel(testRepo))
}

func TestGetModelFilesAndFileURL(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{
		"config.json":          "{}",
		"model.mlmodelc/model": "compiled",
		"tokenizer/vocab.txt":  "a b c",
	})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendCoreML, staging, 20)
	require.NoError(t, err)

	files, err := l.GetModelFiles(testRepo)
	require.NoError(t, err)
	assert.Contains(t, files, "config.json")
	assert.Contains(t, files, "model.mlmodelc/model")
	assert.Contains(t, files, "tokenizer/vocab.txt")
	assert.Contains(t, files, modelInfoFileName)

	url := l.GetModelFileURL(testRepo, "model.mlmodelc/model")
	assert.FileExists(t, url)

	assert.Empty(t, l.GetModelFileURL(testRepo, "no-such-file"))
	assert.Empty(t, l.GetModelFileURL(testRepo, "../escape"))
	assert.Empty(t, l.GetModelFileURL(models.RepositoryId("other/repo"), "config.json"))
}

func TestGetModelLocation(t *testing.T) {
	l := newTestLayout(t)
	assert.Empty(t, l.GetModelLocation(testRepo))

	staging := stageFiles(t, l, testRepo, map[string]string{"a.bin": "a"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendGGUF, staging, 1)
	require.NoError(t, err)

	assert.Equal(t, l.ModelDirectory(testRepo, models.BackendGGUF), l.GetModelLocation(testRepo))
}

func TestValidateModel(t *testing.T) {
	l := newTestLayout(t)

	_, err := l.ValidateModel(models.RepositoryId("invalid-repo-format"), models.BackendMLX)
	require.Error(t, err)

	_, err = l.ValidateModel(testRepo, models.Backend("tensorrt"))
	require.Error(t, err)

	// Not downloaded: valid, no warnings.
	result, err := l.ValidateModel(testRepo, models.BackendMLX)
	require.NoError(t, err)
	assert.Empty(t, result.Warnings)

	// Downloaded GGUF repo without a .gguf file warns.
	staging := stageFiles(t, l, testRepo, map[string]string{"config.json": "{}"})
	_, err = l.FinalizeDownload(testRepo, string(testRepo), models.BackendGGUF, staging, 2)
	require.NoError(t, err)

	result, err = l.ValidateModel(testRepo, models.BackendGGUF)
	require.NoError(t, err)
	require.NotEmpty(t, result.Warnings)
	assert.Contains(t, result.Warnings[0], ".gguf")
}

func TestGetModelSize(t *testing.T) {
	l := newTestLayout(t)
	staging := stageFiles(t, l, testRepo, map[string]string{"model.bin": "0123456789"})
	_, err := l.FinalizeDownload(testRepo, string(testRepo), models.BackendMLX, staging, 10)
	require.NoError(t, err)

	size, err := l.GetModelSize(testRepo)
	require.NoError(t, err)
	assert.Greater(t, size, int64(10)) // payload plus sidecar
}
