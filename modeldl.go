// Package modeldl is the convenience façade over the Download Engine:
// one Engine instance wires the foreground coordinator, the background
// manager, and the file layout together and exposes the lifecycle
// operations callers need. All state mutation still funnels through the
// owning components -- the façade holds no download state of its own.
package modeldl

import (
	"context"
	"fmt"
	"time"

	"github.com/localmodels/modeldl/internal/coordinator"
	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/events"
	"github.com/localmodels/modeldl/internal/layout"
	"github.com/localmodels/modeldl/internal/logging"
	"github.com/localmodels/modeldl/internal/manager"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/notify"
	"github.com/localmodels/modeldl/internal/resolver"
	"github.com/localmodels/modeldl/internal/state"
	"github.com/localmodels/modeldl/internal/storageprovider"
	"github.com/localmodels/modeldl/internal/transfer"
)

// DownloadEventKind tags the variant carried by a DownloadEvent.
type DownloadEventKind string

const (
	EventProgress  DownloadEventKind = "progress"
	EventCompleted DownloadEventKind = "completed"
	EventFailed    DownloadEventKind = "failed"
)

// DownloadEvent is one element of the event stream a download call
// returns: progress ticks followed by exactly one terminal completed or
// failed event.
type DownloadEvent struct {
	Kind     DownloadEventKind
	Progress models.DownloadProgress // meaningful for EventProgress
	Info     *models.ModelInfo       // meaningful for EventCompleted
	Err      error                   // meaningful for EventFailed
}

// Config wires an Engine. Zero-value fields get sensible defaults except
// Resolver, which is required.
type Config struct {
	ModelsRoot        string
	TempRoot          string
	StateDir          string
	SessionIdentifier string
	Resolver          resolver.Resolver
	Notifier          notify.Sink               // nil: no notifications
	Providers         *storageprovider.Registry // nil: https only
	Logger            *logging.Logger           // nil: silent
	EventBus          *events.EventBus          // nil: no bus fan-out
}

// Engine is the long-lived download engine instance. Spec'd as a single
// process-global injected at the edge; create one and share it.
type Engine struct {
	layout   *layout.Layout
	coord    *coordinator.Coordinator
	manager  *manager.Manager
	store    *state.Store
	resolver resolver.Resolver
}

// New creates an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Resolver == nil {
		return nil, fmt.Errorf("modeldl: Config.Resolver is required")
	}
	if cfg.SessionIdentifier == "" {
		cfg.SessionIdentifier = "modeldl.background"
	}

	l := layout.New(cfg.ModelsRoot, cfg.TempRoot)
	store := state.New(cfg.StateDir)

	queue := transfer.NewQueue(cfg.EventBus)
	coord := coordinator.New(cfg.Resolver, l, queue, cfg.Logger)
	if cfg.Providers != nil {
		coord.SetProviders(cfg.Providers)
	}

	mgr := manager.New(l, store, cfg.StateDir, cfg.SessionIdentifier, cfg.Notifier, cfg.Logger, cfg.EventBus)

	return &Engine{layout: l, coord: coord, manager: mgr, store: store, resolver: cfg.Resolver}, nil
}

// Restore must be called once on startup, before any download operation:
// it reconciles persisted background downloads with the driver's
// surviving tasks and starts the staging watcher.
func (e *Engine) Restore(ctx context.Context) error {
	if err := e.manager.Restore(ctx); err != nil {
		return err
	}
	e.manager.WatchStaging(ctx)
	return nil
}

// eventStreamBuffer bounds a download's event channel. Progress events
// are dropped when the consumer lags; terminal events never are.
const eventStreamBuffer = 32

const statusPollInterval = 100 * time.Millisecond

// DownloadModel starts a foreground download of repoId and returns a
// stream of DownloadEvents. The stream is closed after its terminal
// event. Slow consumers lose intermediate progress events (last-writer-
// wins), never the terminal one.
func (e *Engine) DownloadModel(ctx context.Context, repoId models.RepositoryId, backend models.Backend, opts models.DownloadOptions) (<-chan DownloadEvent, error) {
	if err := e.coord.Start(ctx, repoId, backend, opts); err != nil {
		return nil, err
	}

	ch := make(chan DownloadEvent, eventStreamBuffer)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				_ = e.coord.Cancel(repoId)
				ch <- DownloadEvent{Kind: EventFailed, Err: errs.ErrCancelled}
				return
			case <-ticker.C:
			}

			status := e.coord.Status(repoId)
			switch status.Kind {
			case models.StatusCompleted:
				info := e.modelInfoFor(repoId)
				ch <- DownloadEvent{Kind: EventCompleted, Info: info}
				return
			case models.StatusFailed:
				ch <- DownloadEvent{Kind: EventFailed, Err: errs.NewDownloadError(string(repoId), fmt.Errorf("%s", status.ErrorText))}
				return
			case models.StatusCancelled:
				ch <- DownloadEvent{Kind: EventFailed, Err: errs.ErrCancelled}
				return
			default:
				ev := DownloadEvent{Kind: EventProgress, Progress: e.coord.Progress(repoId)}
				select {
				case ch <- ev:
				default: // consumer lagging: drop the tick
				}
			}
		}
	}()
	return ch, nil
}

// DownloadModelInBackground submits repoId to the background manager and
// returns the handle plus a progress stream that terminates when the
// download leaves the store (completed) or fails.
func (e *Engine) DownloadModelInBackground(ctx context.Context, repoId models.RepositoryId, backend models.Backend, opts models.DownloadOptions) (models.BackgroundDownloadHandle, <-chan DownloadEvent, error) {
	files, err := e.resolveFiles(ctx, repoId, backend)
	if err != nil {
		return models.BackgroundDownloadHandle{}, nil, err
	}

	ch := make(chan DownloadEvent, eventStreamBuffer)
	handle, err := e.manager.Download(ctx, repoId, backend, files, opts, func(p models.DownloadProgress) {
		select {
		case ch <- DownloadEvent{Kind: EventProgress, Progress: p}:
		default:
		}
	})
	if err != nil {
		close(ch)
		return models.BackgroundDownloadHandle{}, nil, err
	}

	go func() {
		defer close(ch)
		ticker := time.NewTicker(statusPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			pd, err := e.store.GetDownload(handle.ID)
			if err != nil {
				ch <- DownloadEvent{Kind: EventFailed, Err: err}
				return
			}
			if pd == nil {
				// Completed records are removed after finalization.
				ch <- DownloadEvent{Kind: EventCompleted, Info: e.modelInfoFor(repoId)}
				return
			}
			if pd.State == models.DownloadFailed {
				ch <- DownloadEvent{Kind: EventFailed, Err: errs.NewDownloadError(string(repoId), fmt.Errorf("%s", pd.ErrorText))}
				return
			}
		}
	}()

	return handle, ch, nil
}

func (e *Engine) resolveFiles(ctx context.Context, repoId models.RepositoryId, backend models.Backend) ([]models.RemoteFile, error) {
	if !repoId.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidRepository, repoId)
	}
	return e.resolver.Resolve(ctx, repoId, backend)
}

// modelInfoFor reads the finalized sidecar via the layout listing.
func (e *Engine) modelInfoFor(repoId models.RepositoryId) *models.ModelInfo {
	infos, err := e.layout.ListDownloadedModels()
	if err != nil {
		return nil
	}
	for i := range infos {
		if infos[i].Metadata["repositoryId"] == string(repoId) || infos[i].Name == string(repoId) {
			return &infos[i]
		}
	}
	return nil
}

// BackgroundDownloadStatus returns one status per stored background
// download record, failed ones included.
func (e *Engine) BackgroundDownloadStatus() ([]models.BackgroundDownloadStatus, error) {
	return e.manager.Status()
}

// CancelDownload cancels a foreground download of repoId.
func (e *Engine) CancelDownload(repoId models.RepositoryId) error {
	return e.coord.Cancel(repoId)
}

// PauseDownload pauses a foreground download of repoId.
func (e *Engine) PauseDownload(repoId models.RepositoryId) error {
	return e.coord.Pause(repoId)
}

// ResumeDownload resumes a paused foreground download of repoId.
func (e *Engine) ResumeDownload(repoId models.RepositoryId) error {
	return e.coord.Resume(repoId)
}

// CancelBackgroundDownload cancels the background download behind handle.
func (e *Engine) CancelBackgroundDownload(handle models.BackgroundDownloadHandle) error {
	return e.manager.Cancel(handle.ID)
}

// PauseBackgroundDownload pauses the background download behind handle.
func (e *Engine) PauseBackgroundDownload(handle models.BackgroundDownloadHandle) error {
	return e.manager.Pause(handle.ID)
}

// ResumeBackgroundDownload resumes the background download behind handle.
func (e *Engine) ResumeBackgroundDownload(handle models.BackgroundDownloadHandle) error {
	return e.manager.Resume(handle.ID)
}

// DeleteModel removes repoId's finalized artifact. Idempotent.
func (e *Engine) DeleteModel(repoId models.RepositoryId) error {
	return e.layout.DeleteModel(repoId)
}

// ListDownloadedModels returns every finalized model on disk.
func (e *Engine) ListDownloadedModels() ([]models.ModelInfo, error) {
	return e.layout.ListDownloadedModels()
}

// ModelExists reports whether repoId has a finalized artifact.
func (e *Engine) ModelExists(repoId models.RepositoryId) bool {
	return e.layout.ModelExists(repoId)
}

// GetModelLocation returns repoId's finalized directory, or "".
func (e *Engine) GetModelLocation(repoId models.RepositoryId) string {
	return e.layout.GetModelLocation(repoId)
}

// GetModelFiles lists the files of repoId's finalized artifact.
func (e *Engine) GetModelFiles(repoId models.RepositoryId) ([]string, error) {
	return e.layout.GetModelFiles(repoId)
}

// GetModelFileURL returns the absolute path of one file inside repoId's
// artifact, or "".
func (e *Engine) GetModelFileURL(repoId models.RepositoryId, fileName string) string {
	return e.layout.GetModelFileURL(repoId, fileName)
}

// AvailableDiskSpace returns free bytes on the models volume.
func (e *Engine) AvailableDiskSpace() int64 {
	return e.layout.AvailableDiskSpace()
}

// GetModelSize returns the on-disk size of repoId's artifact.
func (e *Engine) GetModelSize(repoId models.RepositoryId) (int64, error) {
	return e.layout.GetModelSize(repoId)
}

// ValidateModel checks repoId/backend without touching the network.
func (e *Engine) ValidateModel(repoId models.RepositoryId, backend models.Backend) (models.ValidationResult, error) {
	return e.layout.ValidateModel(repoId, backend)
}

// CleanupIncompleteDownloads removes stale staging directories not
// referenced by an active background download.
func (e *Engine) CleanupIncompleteDownloads() error {
	records, err := e.store.GetAllPersistedDownloads()
	if err != nil {
		return err
	}
	active := make(map[string]bool)
	for _, r := range records {
		switch r.State {
		case models.DownloadDownloading, models.DownloadPaused, models.DownloadPending:
			active[r.RepositoryId.Sanitized()] = true
		}
	}
	return e.layout.CleanupIncompleteDownloads(func(repo string) bool { return active[repo] })
}
