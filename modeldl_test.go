package modeldl

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/resolver"
)

type staticCatalog struct {
	files []models.RemoteFile
}

func (c staticCatalog) ListFiles(ctx context.Context, repoId models.RepositoryId) ([]models.RemoteFile, error) {
	return c.files, nil
}

func newTestEngine(t *testing.T, files []models.RemoteFile) *Engine {
	t.Helper()
	root := t.TempDir()
	e, err := New(Config{
		ModelsRoot: filepath.Join(root, "models"),
		TempRoot:   filepath.Join(root, "staging"),
		StateDir:   filepath.Join(root, "state"),
		Resolver:   resolver.NewStaticResolver(staticCatalog{files: files}),
	})
	require.NoError(t, err)
	require.NoError(t, e.Restore(context.Background()))
	return e
}

func collectTerminal(t *testing.T, ch <-chan DownloadEvent) DownloadEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed without a terminal event")
			}
			if ev.Kind == EventCompleted || ev.Kind == EventFailed {
				return ev
			}
		case <-deadline:
			t.Fatal("no terminal event before timeout")
		}
	}
}

func TestDownloadModelStreamEndsWithCompleted(t *testing.T) {
	payload := []byte("safetensors-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	repoId := models.RepositoryId("mlx-community/tiny")
	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "model.safetensors", Size: int64(len(payload))}}
	e := newTestEngine(t, files)

	ch, err := e.DownloadModel(context.Background(), repoId, models.BackendMLX, models.DefaultDownloadOptions())
	require.NoError(t, err)

	ev := collectTerminal(t, ch)
	require.Equal(t, EventCompleted, ev.Kind)
	require.NotNil(t, ev.Info)
	assert.Equal(t, string(repoId), ev.Info.Name)

	assert.True(t, e.ModelExists(repoId))
	assert.NotEmpty(t, e.GetModelLocation(repoId))

	infos, err := e.ListDownloadedModels()
	require.NoError(t, err)
	assert.Len(t, infos, 1)
}

func TestDownloadModelRejectsDuplicate(t *testing.T) {
	payload := []byte("x")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	repoId := models.RepositoryId("acme/dup")
	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "a.bin", Size: 1}}
	e := newTestEngine(t, files)

	ch, err := e.DownloadModel(context.Background(), repoId, models.BackendMLX, models.DefaultDownloadOptions())
	require.NoError(t, err)
	collectTerminal(t, ch)

	_, err = e.DownloadModel(context.Background(), repoId, models.BackendMLX, models.DefaultDownloadOptions())
	require.ErrorIs(t, err, errs.ErrModelAlreadyDownloaded)

	// No leftover background record either.
	statuses, err := e.BackgroundDownloadStatus()
	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestDownloadModelInBackgroundCompletes(t *testing.T) {
	payload := []byte("gguf-payload-gguf-payload")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	repoId := models.RepositoryId("unsloth/tiny-gguf")
	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "model.gguf", Size: int64(len(payload))}}
	e := newTestEngine(t, files)

	handle, ch, err := e.DownloadModelInBackground(context.Background(), repoId, models.BackendGGUF, models.DefaultDownloadOptions())
	require.NoError(t, err)
	assert.Equal(t, repoId, handle.RepositoryId)
	assert.NotEmpty(t, handle.ID)

	ev := collectTerminal(t, ch)
	assert.Equal(t, EventCompleted, ev.Kind)
	assert.True(t, e.ModelExists(repoId))
}

func TestValidateModelRejectsMalformedRepo(t *testing.T) {
	e := newTestEngine(t, nil)
	_, err := e.ValidateModel(models.RepositoryId("invalid-repo-format"), models.BackendMLX)
	require.ErrorIs(t, err, errs.ErrInvalidRepository)
}

func TestDeleteModelIdempotentViaEngine(t *testing.T) {
	e := newTestEngine(t, nil)
	repoId := models.RepositoryId("acme/gone")
	require.NoError(t, e.DeleteModel(repoId))
	require.NoError(t, e.DeleteModel(repoId))
}
