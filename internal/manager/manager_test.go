package manager

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/layout"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/state"
)

var assertAnError = errors.New("connection refused")

type fakeSink struct {
	mu        sync.Mutex
	completed []string
	failed    []string
}

func (f *fakeSink) ModelCompleted(name string, size int64, location string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, name)
}

func (f *fakeSink) DownloadFailed(repositoryId, errorText string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, repositoryId)
}

func (f *fakeSink) completedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.completed)
}

func (f *fakeSink) failedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.failed)
}

func newTestManager(t *testing.T, notifier *fakeSink) *Manager {
	t.Helper()
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "models"), filepath.Join(root, "tmp"))
	s := state.New(filepath.Join(root, "state"))
	return New(l, s, filepath.Join(root, "session-state"), "test-session", notifier, nil, nil)
}

func waitForCond(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestDownloadSingleFileFinalizes(t *testing.T) {
	payload := []byte("weights-weights-weights")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(payload)
	}))
	defer srv.Close()

	sink := &fakeSink{}
	m := newTestManager(t, sink)

	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "model.safetensors", Size: int64(len(payload))}}
	handle, err := m.Download(context.Background(), models.RepositoryId("acme/model"), models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, handle.ID)

	waitForCond(t, 5*time.Second, func() bool { return sink.completedCount() == 1 })

	statuses, err := m.Status()
	require.NoError(t, err)
	assert.Empty(t, statuses, "completed download record should be removed after finalize")
}

func TestDownloadRejectsEmptyFileList(t *testing.T) {
	m := newTestManager(t, &fakeSink{})
	_, err := m.Download(context.Background(), models.RepositoryId("acme/model"), models.BackendMLX, nil, models.DefaultDownloadOptions(), nil)
	require.Error(t, err)
}

func TestDownloadRejectsInvalidRepository(t *testing.T) {
	m := newTestManager(t, &fakeSink{})
	files := []models.RemoteFile{{URL: "http://example/x", RelativePath: "a.bin", Size: 1}}
	_, err := m.Download(context.Background(), models.RepositoryId("not-valid"), models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.Error(t, err)
}

func TestDownloadRejectsAlreadyDownloaded(t *testing.T) {
	root := t.TempDir()
	l := layout.New(filepath.Join(root, "models"), filepath.Join(root, "tmp"))
	s := state.New(filepath.Join(root, "state"))
	m := New(l, s, filepath.Join(root, "session-state"), "test-session", &fakeSink{}, nil, nil)

	repoId := models.RepositoryId("acme/model")
	existing := l.ModelDirectory(repoId, models.BackendMLX)
	require.NoError(t, os.MkdirAll(existing, 0o755))

	files := []models.RemoteFile{{URL: "http://example/x", RelativePath: "a.bin", Size: 1}}
	_, err := m.Download(context.Background(), repoId, models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.Error(t, err)
}

func TestDownloadFailureNotifiesAndPreservesRecord(t *testing.T) {
	sink := &fakeSink{}
	m := newTestManager(t, sink)

	files := []models.RemoteFile{{URL: "http://127.0.0.1:0/unreachable", RelativePath: "model.safetensors", Size: 10}}
	handle, err := m.Download(context.Background(), models.RepositoryId("acme/bad"), models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.NoError(t, err)

	// Drive the failure directly rather than waiting out the driver's
	// multi-attempt retry/backoff loop against an unreachable host.
	m.mu.Lock()
	var taskID int64
	for tid, ref := range m.taskRefs {
		if ref.downloadID == handle.ID {
			taskID = tid
		}
	}
	m.mu.Unlock()
	require.NotZero(t, taskID)

	m.onFailed(taskID, assertAnError)

	waitForCond(t, 2*time.Second, func() bool { return sink.failedCount() == 1 })

	statuses, err := m.Status()
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.Equal(t, handle.ID, statuses[0].Handle.ID)
	assert.Equal(t, models.DownloadFailed, statuses[0].State)
}

func TestCancelRemovesRecordAndStagingDir(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	m := newTestManager(t, &fakeSink{})
	repoId := models.RepositoryId("acme/cancelme")
	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "a.bin", Size: 1000}}
	handle, err := m.Download(context.Background(), repoId, models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Cancel(handle.ID))

	statuses, err := m.Status()
	require.NoError(t, err)
	assert.Empty(t, statuses)

	_, statErr := os.Stat(m.layout.TemporaryDirectory(repoId))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRestoreRebuildsInFlightDownloadAcrossRestart(t *testing.T) {
	fast := []byte(strings.Repeat("c", 100))
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/model.bin") {
			w.WriteHeader(http.StatusOK)
			w.Write(fast)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
	}))
	defer srv.Close()
	defer close(block)

	root := t.TempDir()
	l := layout.New(filepath.Join(root, "models"), filepath.Join(root, "tmp"))
	s := state.New(filepath.Join(root, "state"))
	m := New(l, s, filepath.Join(root, "session-state"), "test-session", &fakeSink{}, nil, nil)

	repoId := models.RepositoryId("acme/restartme")
	files := []models.RemoteFile{
		{URL: srv.URL + "/model.bin", RelativePath: "model.bin", Size: 100},
		{URL: srv.URL + "/weights.bin", RelativePath: "weights.bin", Size: 1000},
	}
	handle, err := m.Download(context.Background(), repoId, models.BackendMLX, files, models.DefaultDownloadOptions(), nil)
	require.NoError(t, err)

	// Wait for the fast file's completion to be persisted.
	waitForCond(t, 5*time.Second, func() bool {
		pd, err := s.GetDownload(handle.ID)
		return err == nil && pd != nil && pd.IsFileCompleted("model.bin")
	})

	// Simulate process death: abandon the first manager while the slow
	// file is still mid-transfer and bring up a fresh manager over the
	// same durable store. The fresh session log is empty, so the slow
	// file has no surviving driver task.
	restarted := New(l, s, filepath.Join(root, "session-state-2"), "test-session", &fakeSink{}, nil, nil)
	require.NoError(t, restarted.Restore(context.Background()))

	pd, err := s.GetDownload(handle.ID)
	require.NoError(t, err)
	require.NotNil(t, pd)
	assert.Equal(t, []string{"model.bin"}, pd.CompletedFiles)
	assert.Equal(t, models.DownloadDownloading, pd.State)

	// The missing file was resubmitted under the new driver session.
	restarted.mu.Lock()
	var resubmitted []string
	for _, ref := range restarted.taskRefs {
		if ref.downloadID == handle.ID {
			resubmitted = append(resubmitted, ref.relativePath)
		}
	}
	restarted.mu.Unlock()
	assert.Equal(t, []string{"weights.bin"}, resubmitted)
}

func TestZipPayloadExtractsBeforeCompletion(t *testing.T) {
	var zipBytes bytes.Buffer
	zw := zip.NewWriter(&zipBytes)
	w, err := zw.Create("model.mlmodelc/model")
	require.NoError(t, err)
	_, err = w.Write([]byte("compiled-model"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipBytes.Bytes())
	}))
	defer srv.Close()

	sink := &fakeSink{}
	m := newTestManager(t, sink)

	repoId := models.RepositoryId("acme/compiled")
	files := []models.RemoteFile{{URL: srv.URL, RelativePath: "model.zip", Size: int64(zipBytes.Len())}}
	_, err = m.Download(context.Background(), repoId, models.BackendCoreML, files, models.DefaultDownloadOptions(), nil)
	require.NoError(t, err)

	waitForCond(t, 5*time.Second, func() bool { return sink.completedCount() == 1 })

	// The finalized tree holds the extracted contents and no archive.
	modelDir := m.layout.ModelDirectory(repoId, models.BackendCoreML)
	_, statErr := os.Stat(filepath.Join(modelDir, "model.mlmodelc", "model"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(modelDir, "model.zip"))
	assert.True(t, os.IsNotExist(statErr))
}
