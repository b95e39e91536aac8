// Package manager implements the background download manager: the
// central conductor owning the state store and session driver,
// reassembling multi-file downloads across process lifetimes. It is the
// sole mutator of every PersistedDownload record -- callers only ever
// hold a BackgroundDownloadHandle lookup key.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/localmodels/modeldl/internal/archive"
	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/events"
	"github.com/localmodels/modeldl/internal/layout"
	"github.com/localmodels/modeldl/internal/logging"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/notify"
	"github.com/localmodels/modeldl/internal/progressagg"
	"github.com/localmodels/modeldl/internal/session"
	"github.com/localmodels/modeldl/internal/state"
)

// progressPersistInterval bounds how often a single download's progress
// is flushed to the state store: at most one write per second per
// download.
const progressPersistInterval = time.Second

// taskDescription is the JSON payload carried verbatim by every driver
// task, the sole persistent link between a driver task and this manager's
// state after a process restart.
type taskDescription struct {
	DownloadID string `json:"downloadId"`
	FilePath   string `json:"filePath"`
}

type fileTaskRef struct {
	downloadID   string
	relativePath string
}

// Manager is the Background Download Manager. All mutation of a
// PersistedDownload funnels through its methods, which are safe for
// concurrent use.
type Manager struct {
	layout   *layout.Layout
	store    *state.Store
	driver   *session.Driver
	notifier notify.Sink
	logger   *logging.Logger
	eventBus *events.EventBus

	sessionIdentifier string

	mu                sync.Mutex
	taskRefs          map[int64]fileTaskRef
	downloadTasks     map[string][]int64
	aggregators       map[string]*progressagg.Aggregator
	progressCallbacks map[string]func(models.DownloadProgress)
	lastPersisted     map[string]time.Time
}

// New creates a Manager. notifier and logger and eventBus may be nil.
func New(modelsLayout *layout.Layout, store *state.Store, stateDir, sessionIdentifier string, notifier notify.Sink, logger *logging.Logger, eventBus *events.EventBus) *Manager {
	m := &Manager{
		layout:            modelsLayout,
		store:             store,
		notifier:          notifier,
		logger:            logger,
		eventBus:          eventBus,
		sessionIdentifier: sessionIdentifier,
		taskRefs:          make(map[int64]fileTaskRef),
		downloadTasks:     make(map[string][]int64),
		aggregators:       make(map[string]*progressagg.Aggregator),
		progressCallbacks: make(map[string]func(models.DownloadProgress)),
		lastPersisted:     make(map[string]time.Time),
	}

	m.driver = session.New(sessionIdentifier, stateDir, session.Callbacks{
		OnProgress:  m.onProgress,
		OnCompleted: m.onCompleted,
		OnFailed:    m.onFailed,
	}, logger)

	return m
}

// Download submits a new background download for repoId/backend across
// files, returning a lookup handle. progress may be nil.
func (m *Manager) Download(ctx context.Context, repoId models.RepositoryId, backend models.Backend, files []models.RemoteFile, opts models.DownloadOptions, progress func(models.DownloadProgress)) (models.BackgroundDownloadHandle, error) {
	if !repoId.Valid() {
		return models.BackgroundDownloadHandle{}, fmt.Errorf("%w: %q", errs.ErrInvalidRepository, repoId)
	}
	if len(files) == 0 {
		return models.BackgroundDownloadHandle{}, errs.ErrNoFilesToDownload
	}
	if m.layout.ModelExists(repoId) {
		return models.BackgroundDownloadHandle{}, fmt.Errorf("%w: %s", errs.ErrModelAlreadyDownloaded, repoId)
	}

	id := uuid.NewString()
	stagingRoot := m.layout.TemporaryDirectory(repoId)

	var total int64
	expected := make([]string, 0, len(files))
	fileDownloads := make([]models.FileDownload, 0, len(files))
	for _, f := range files {
		if f.Size > 0 {
			total += f.Size
		}
		expected = append(expected, f.RelativePath)
		fileDownloads = append(fileDownloads, models.FileDownload{
			RemoteFile:      f,
			LocalStagingURL: filepath.Join(stagingRoot, filepath.FromSlash(f.RelativePath)),
		})
	}

	pd := models.PersistedDownload{
		ID:                id,
		RepositoryId:      repoId,
		Backend:           backend,
		SessionIdentifier: m.sessionIdentifier,
		Options:           opts,
		DownloadDate:      time.Now(),
		ExpectedFiles:     expected,
		CompletedFiles:    []string{},
		FileDownloads:     fileDownloads,
		TotalBytes:        total,
		State:             models.DownloadPending,
	}

	if err := m.store.PersistDownload(pd); err != nil {
		return models.BackgroundDownloadHandle{}, fmt.Errorf("persist download: %w", err)
	}

	m.mu.Lock()
	m.aggregators[id] = m.newAggregator(id, files)
	if progress != nil {
		m.progressCallbacks[id] = progress
	}
	m.mu.Unlock()

	taskIDs := m.submitFiles(ctx, id, fileDownloads, opts)

	m.mu.Lock()
	m.downloadTasks[id] = taskIDs
	m.mu.Unlock()

	pd.State = models.DownloadDownloading
	if err := m.store.PersistDownload(pd); err != nil {
		return models.BackgroundDownloadHandle{}, fmt.Errorf("persist download: %w", err)
	}

	return models.BackgroundDownloadHandle{
		ID:                id,
		RepositoryId:      repoId,
		Backend:           backend,
		SessionIdentifier: m.sessionIdentifier,
	}, nil
}

func (m *Manager) submitFiles(ctx context.Context, downloadID string, fileDownloads []models.FileDownload, opts models.DownloadOptions) []int64 {
	taskIDs := make([]int64, 0, len(fileDownloads))
	for _, fd := range fileDownloads {
		desc, _ := json.Marshal(taskDescription{DownloadID: downloadID, FilePath: fd.RemoteFile.RelativePath})
		taskID := m.driver.Submit(ctx, fd.RemoteFile.URL, nil, fd.LocalStagingURL, string(desc), fd.RemoteFile.Size, opts)

		m.mu.Lock()
		m.taskRefs[taskID] = fileTaskRef{downloadID: downloadID, relativePath: fd.RemoteFile.RelativePath}
		m.mu.Unlock()

		taskIDs = append(taskIDs, taskID)
	}
	return taskIDs
}

// newAggregator builds the per-download Progress Aggregator. Its emit
// callback fans a merged DownloadProgress out to the download's optional
// progress callback and the event bus, already throttled by the
// aggregator so subscribers see at most one update per 100ms.
func (m *Manager) newAggregator(downloadID string, files []models.RemoteFile) *progressagg.Aggregator {
	return progressagg.New(files, func(p models.DownloadProgress) {
		m.mu.Lock()
		cb := m.progressCallbacks[downloadID]
		m.mu.Unlock()

		if cb != nil {
			cb(p)
		}
		if m.eventBus != nil {
			m.eventBus.PublishDownloadEvent(events.DownloadEvent{
				BaseEvent:       events.BaseEvent{EventType: events.EventDownloadProgress},
				DownloadID:      downloadID,
				CurrentFileName: p.CurrentFileName,
				BytesDownloaded: p.BytesDownloaded,
			})
		}
	})
}

// onProgress advances the download's aggregator (which fans out the
// merged DownloadProgress) and flushes the byte total to the state store
// on its own, coarser, persistence throttle.
func (m *Manager) onProgress(taskID int64, bytesReceived, totalExpected int64) {
	m.mu.Lock()
	ref, ok := m.taskRefs[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	agg := m.aggregators[ref.downloadID]

	shouldPersist := false
	if last, seen := m.lastPersisted[ref.downloadID]; !seen || time.Since(last) >= progressPersistInterval {
		m.lastPersisted[ref.downloadID] = time.Now()
		shouldPersist = true
	}
	m.mu.Unlock()

	if agg == nil {
		return
	}
	agg.Advance(ref.relativePath, bytesReceived)

	if shouldPersist {
		if err := m.store.UpdateDownloadProgress(ref.downloadID, agg.BytesDownloaded(), nil, ""); err != nil && m.logger != nil {
			m.logger.Warnf("manager: persist progress for %s: %v", ref.downloadID, err)
		}
	}
}

// onCompleted runs archive post-processing (if needed), records the file
// as completed, and finalizes the download once every expected file is
// accounted for.
func (m *Manager) onCompleted(taskID int64, localFileURL string) {
	m.mu.Lock()
	ref, ok := m.taskRefs[taskID]
	m.mu.Unlock()
	if !ok {
		if m.logger != nil {
			m.logger.Warnf("manager: onCompleted for unknown task %d", taskID)
		}
		return
	}

	pd, err := m.store.GetDownload(ref.downloadID)
	if err != nil || pd == nil {
		if m.logger != nil {
			m.logger.Warnf("manager: onCompleted: no record for download %s", ref.downloadID)
		}
		return
	}

	stagingRoot := m.layout.TemporaryDirectory(pd.RepositoryId)
	target := filepath.Join(stagingRoot, filepath.FromSlash(ref.relativePath))

	if localFileURL != target {
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			m.failDownload(pd, err)
			return
		}
		if err := os.Rename(localFileURL, target); err != nil {
			m.failDownload(pd, err)
			return
		}
	}

	if archive.IsZip(target) {
		if err := archive.ExtractZipInPlace(target); err != nil {
			m.failDownload(pd, err)
			return
		}
	}

	pd.AddCompletedFile(ref.relativePath)
	if err := m.store.PersistDownload(*pd); err != nil && m.logger != nil {
		m.logger.Warnf("manager: persist completed file for %s: %v", pd.ID, err)
	}

	m.mu.Lock()
	agg := m.aggregators[pd.ID]
	m.mu.Unlock()
	if agg != nil {
		agg.MarkCompleted(ref.relativePath)
	}

	if !pd.IsFullyCompleted() {
		return
	}

	m.finalize(pd)
}

func (m *Manager) finalize(pd *models.PersistedDownload) {
	stagingRoot := m.layout.TemporaryDirectory(pd.RepositoryId)

	info, err := m.layout.FinalizeDownload(pd.RepositoryId, string(pd.RepositoryId), pd.Backend, stagingRoot, pd.TotalBytes)
	if err != nil {
		m.failDownload(pd, err)
		return
	}

	pd.State = models.DownloadCompleted
	pd.BytesDownloaded = pd.TotalBytes
	if err := m.store.PersistDownload(*pd); err != nil && m.logger != nil {
		m.logger.Warnf("manager: persist completion for %s: %v", pd.ID, err)
	}

	if m.notifier != nil {
		m.notifier.ModelCompleted(string(pd.RepositoryId), info.TotalSize, info.Location)
	}
	if m.eventBus != nil {
		m.eventBus.PublishDownloadEvent(events.DownloadEvent{
			BaseEvent:  events.BaseEvent{EventType: events.EventDownloadCompleted},
			DownloadID: pd.ID,
		})
	}

	if err := m.store.RemoveDownload(pd.ID); err != nil && m.logger != nil {
		m.logger.Warnf("manager: remove completed record %s: %v", pd.ID, err)
	}
	m.cleanupInMemory(pd.ID)
}

func (m *Manager) failDownload(pd *models.PersistedDownload, cause error) {
	pd.State = models.DownloadFailed
	pd.ErrorText = cause.Error()
	if err := m.store.PersistDownload(*pd); err != nil && m.logger != nil {
		m.logger.Warnf("manager: persist failure for %s: %v", pd.ID, err)
	}
	if m.notifier != nil {
		m.notifier.DownloadFailed(string(pd.RepositoryId), cause.Error())
	}
	if m.eventBus != nil {
		m.eventBus.PublishDownloadEvent(events.DownloadEvent{
			BaseEvent:  events.BaseEvent{EventType: events.EventDownloadFailed},
			DownloadID: pd.ID,
			ErrorText:  cause.Error(),
		})
	}
}

// onFailed marks a download failed from a driver-reported task failure.
func (m *Manager) onFailed(taskID int64, cause error) {
	m.mu.Lock()
	ref, ok := m.taskRefs[taskID]
	m.mu.Unlock()
	if !ok {
		return
	}

	pd, err := m.store.GetDownload(ref.downloadID)
	if err != nil || pd == nil {
		return
	}

	m.failDownload(pd, cause)
}

// ensureAggregatorLocked rebuilds the Progress Aggregator for a restored
// download from its persisted file list. Caller holds m.mu.
func (m *Manager) ensureAggregatorLocked(downloadID string, pd *models.PersistedDownload) {
	if m.aggregators[downloadID] != nil || pd == nil {
		return
	}
	files := make([]models.RemoteFile, 0, len(pd.FileDownloads))
	for _, fd := range pd.FileDownloads {
		files = append(files, fd.RemoteFile)
	}
	agg := m.newAggregator(downloadID, files)
	for _, completed := range pd.CompletedFiles {
		agg.SeedCompleted(completed)
	}
	m.aggregators[downloadID] = agg
}

func (m *Manager) cleanupInMemory(downloadID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, taskID := range m.downloadTasks[downloadID] {
		delete(m.taskRefs, taskID)
	}
	delete(m.downloadTasks, downloadID)
	delete(m.aggregators, downloadID)
	delete(m.progressCallbacks, downloadID)
	delete(m.lastPersisted, downloadID)
}

// Status returns a snapshot of every stored PersistedDownload, including
// failed ones that have not yet been cleaned up.
func (m *Manager) Status() ([]models.BackgroundDownloadStatus, error) {
	records, err := m.store.GetAllPersistedDownloads()
	if err != nil {
		return nil, err
	}

	out := make([]models.BackgroundDownloadStatus, 0, len(records))
	for _, r := range records {
		out = append(out, models.BackgroundDownloadStatus{
			Handle: models.BackgroundDownloadHandle{
				ID:                r.ID,
				RepositoryId:      r.RepositoryId,
				Backend:           r.Backend,
				SessionIdentifier: r.SessionIdentifier,
			},
			State: r.State,
			Progress: models.DownloadProgress{
				BytesDownloaded: r.BytesDownloaded,
				TotalBytes:      r.TotalBytes,
				FilesCompleted:  len(r.CompletedFiles),
				TotalFiles:      len(r.ExpectedFiles),
			},
		})
	}
	return out, nil
}

// GetAllStatuses is an alias for Status, for callers driving many
// repository downloads at once.
func (m *Manager) GetAllStatuses() ([]models.BackgroundDownloadStatus, error) {
	return m.Status()
}

// Cancel aborts downloadID's in-flight tasks, removes its persisted
// record, and garbage-collects its staging directory.
func (m *Manager) Cancel(downloadID string) error {
	pd, err := m.store.GetDownload(downloadID)
	if err != nil {
		return err
	}

	m.mu.Lock()
	taskIDs := append([]int64(nil), m.downloadTasks[downloadID]...)
	m.mu.Unlock()

	for _, taskID := range taskIDs {
		m.driver.Cancel(taskID)
	}

	if pd != nil {
		stagingRoot := m.layout.TemporaryDirectory(pd.RepositoryId)
		if err := os.RemoveAll(stagingRoot); err != nil && m.logger != nil {
			m.logger.Warnf("manager: cleanup staging dir for %s: %v", downloadID, err)
		}
	}

	if err := m.store.RemoveDownload(downloadID); err != nil {
		return err
	}
	m.cleanupInMemory(downloadID)
	return nil
}

// Pause suspends every in-flight task belonging to downloadID.
func (m *Manager) Pause(downloadID string) error {
	return m.setPaused(downloadID, true)
}

// Resume continues every paused task belonging to downloadID.
func (m *Manager) Resume(downloadID string) error {
	return m.setPaused(downloadID, false)
}

func (m *Manager) setPaused(downloadID string, paused bool) error {
	pd, err := m.store.GetDownload(downloadID)
	if err != nil {
		return err
	}
	if pd == nil {
		return fmt.Errorf("%w: %s", errs.ErrUnknownTask, downloadID)
	}

	m.mu.Lock()
	taskIDs := append([]int64(nil), m.downloadTasks[downloadID]...)
	m.mu.Unlock()

	for _, taskID := range taskIDs {
		if paused {
			m.driver.Pause(taskID)
		} else {
			m.driver.Resume(taskID)
		}
	}

	if paused {
		pd.State = models.DownloadPaused
	} else {
		pd.State = models.DownloadDownloading
	}
	return m.store.PersistDownload(*pd)
}

// WatchStaging starts the layout's staging-root watcher: a staging
// directory deleted out from under an active download (user clearing the
// cache, an external cleanup job) fails that download instead of letting
// its tasks write into a recreated, half-empty tree. An un-establishable
// watch is logged and ignored; stale directories are then removed only by
// an explicit CleanupIncompleteDownloads call.
func (m *Manager) WatchStaging(ctx context.Context) {
	err := m.layout.WatchStagingRoot(ctx, func(sanitizedRepo string) {
		records, err := m.store.GetAllPersistedDownloads()
		if err != nil {
			return
		}
		for i := range records {
			r := &records[i]
			if r.RepositoryId.Sanitized() != sanitizedRepo {
				continue
			}
			if r.State != models.DownloadDownloading && r.State != models.DownloadPaused && r.State != models.DownloadPending {
				continue
			}

			m.mu.Lock()
			taskIDs := append([]int64(nil), m.downloadTasks[r.ID]...)
			m.mu.Unlock()
			for _, taskID := range taskIDs {
				m.driver.Cancel(taskID)
			}

			m.failDownload(r, fmt.Errorf("staging directory for %s removed externally", r.RepositoryId))
		}
	})
	if err != nil && m.logger != nil {
		m.logger.Warnf("manager: staging watcher unavailable: %v", err)
	}
}

// Restore reconciles in-memory state with the durable store and the
// driver's surviving tasks after a process restart. Must be called
// before any other Manager operation on app launch.
func (m *Manager) Restore(ctx context.Context) error {
	records, err := m.store.GetAllPersistedDownloads()
	if err != nil {
		return err
	}

	survivors, err := m.driver.Reattach()
	if err != nil {
		return fmt.Errorf("reattach session: %w", err)
	}

	survivingDownloads := make(map[string]bool)

	recordsByID := make(map[string]*models.PersistedDownload, len(records))
	for i := range records {
		recordsByID[records[i].ID] = &records[i]
	}

	m.mu.Lock()
	for _, task := range survivors {
		desc, ok := m.driver.TaskDescription(task.TaskIdentifier)
		if !ok {
			continue
		}
		var parsed taskDescription
		if err := json.Unmarshal([]byte(desc), &parsed); err != nil {
			continue
		}

		m.taskRefs[task.TaskIdentifier] = fileTaskRef{downloadID: parsed.DownloadID, relativePath: parsed.FilePath}
		m.downloadTasks[parsed.DownloadID] = append(m.downloadTasks[parsed.DownloadID], task.TaskIdentifier)
		m.ensureAggregatorLocked(parsed.DownloadID, recordsByID[parsed.DownloadID])
		survivingDownloads[parsed.DownloadID] = true
	}

	m.mu.Unlock()

	// Seed the rebuilt aggregators with the bytes each surviving task had
	// already received, so the first post-restart progress tick does not
	// appear to jump backwards. Outside the lock: Advance may fan out to
	// the event bus.
	for _, task := range survivors {
		m.mu.Lock()
		ref, ok := m.taskRefs[task.TaskIdentifier]
		agg := m.aggregators[ref.downloadID]
		m.mu.Unlock()
		if ok && agg != nil && task.BytesReceived > 0 {
			agg.Advance(ref.relativePath, task.BytesReceived)
		}
	}

	for i := range records {
		r := &records[i]
		if r.State != models.DownloadDownloading && r.State != models.DownloadPaused && r.State != models.DownloadPending {
			continue
		}
		if r.IsFullyCompleted() {
			continue
		}
		if survivingDownloads[r.ID] {
			continue
		}

		if resumeErr := m.resumeMissingFiles(ctx, r); resumeErr != nil {
			m.failDownload(r, resumeErr)
		}
	}

	return nil
}

// resumeMissingFiles resubmits every not-yet-completed file of an
// orphaned download (one with no surviving driver task). Staging files
// already on disk are not re-fetched from
// scratch: the Streaming Fetcher's resume support picks up from the
// file's on-disk size as the implicit Range offset.
func (m *Manager) resumeMissingFiles(ctx context.Context, pd *models.PersistedDownload) error {
	var missing []models.FileDownload
	for _, fd := range pd.FileDownloads {
		if !pd.IsFileCompleted(fd.RemoteFile.RelativePath) {
			missing = append(missing, fd)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	m.mu.Lock()
	m.ensureAggregatorLocked(pd.ID, pd)
	m.mu.Unlock()

	taskIDs := m.submitFiles(ctx, pd.ID, missing, pd.Options)

	m.mu.Lock()
	m.downloadTasks[pd.ID] = append(m.downloadTasks[pd.ID], taskIDs...)
	m.mu.Unlock()

	return nil
}
