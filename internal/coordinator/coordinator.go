// Package coordinator implements the foreground download path a caller
// drives directly --
// as opposed to the Background Download Manager's durable, restart-
// surviving path. One Coordinator serves every repository; the Task
// Manager (internal/taskmanager) enforces that at most one in-flight
// attempt exists per repository at a time.
package coordinator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/localmodels/modeldl/internal/archive"
	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/fetch"
	"github.com/localmodels/modeldl/internal/layout"
	"github.com/localmodels/modeldl/internal/logging"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/progressagg"
	"github.com/localmodels/modeldl/internal/resolver"
	"github.com/localmodels/modeldl/internal/storageprovider"
	"github.com/localmodels/modeldl/internal/taskmanager"
	"github.com/localmodels/modeldl/internal/transfer"
)

// repoCancel adapts a context.CancelFunc to taskmanager.Cancellable.
type repoCancel struct {
	cancel context.CancelFunc
}

func (r repoCancel) Cancel() { r.cancel() }

// Coordinator drives each repository's download to completion in the
// foreground: resolve the file list, fetch every file concurrently, run
// archive post-processing, and finalize into the model layout.
type Coordinator struct {
	fetcher   *fetch.Fetcher
	resolver  resolver.Resolver
	layout    *layout.Layout
	queue     *transfer.Queue
	tasks     *taskmanager.Manager
	providers *storageprovider.Registry
	logger    *logging.Logger

	mu       sync.Mutex
	statuses map[string]models.DownloadStatus
	aggs     map[string]*progressagg.Aggregator
}

// New creates a Coordinator. logger may be nil.
func New(resolve resolver.Resolver, modelsLayout *layout.Layout, queue *transfer.Queue, logger *logging.Logger) *Coordinator {
	return &Coordinator{
		fetcher:  fetch.New(logger),
		resolver: resolve,
		layout:   modelsLayout,
		queue:    queue,
		tasks:    taskmanager.New(),
		logger:   logger,
		statuses: make(map[string]models.DownloadStatus),
		aggs:     make(map[string]*progressagg.Aggregator),
	}
}

// SetProviders installs a storage-provider registry consulted for
// RemoteFile URLs carrying an object-storage scheme (s3://, azblob://);
// everything else goes through the Streaming Fetcher. May be nil.
func (c *Coordinator) SetProviders(registry *storageprovider.Registry) {
	c.providers = registry
}

// Start resolves repoId's file list and begins downloading it in the
// background, returning as soon as the transfer has been launched. A
// repository already downloaded or already in flight is rejected rather
// than silently restarted; callers must delete first.
func (c *Coordinator) Start(ctx context.Context, repoId models.RepositoryId, backend models.Backend, opts models.DownloadOptions) error {
	if !repoId.Valid() {
		return fmt.Errorf("%w: %q", errs.ErrInvalidRepository, repoId)
	}
	key := string(repoId)

	if c.layout.ModelExists(repoId) {
		return fmt.Errorf("%w: %s", errs.ErrModelAlreadyDownloaded, repoId)
	}
	if c.tasks.IsDownloading(key) {
		return fmt.Errorf("%w: %s already downloading", errs.ErrModelAlreadyDownloaded, repoId)
	}

	files, err := c.resolver.Resolve(ctx, repoId, backend)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errs.ErrNoFilesToDownload
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.tasks.Store(key, repoCancel{cancel})
	c.setStatus(key, models.DownloadStatus{Kind: models.StatusDownloading})

	go c.run(runCtx, repoId, backend, files)

	return nil
}

func (c *Coordinator) run(ctx context.Context, repoId models.RepositoryId, backend models.Backend, files []models.RemoteFile) {
	key := string(repoId)
	stagingDir := c.layout.TemporaryDirectory(repoId)

	var total int64
	for _, f := range files {
		if f.Size > 0 {
			total += f.Size
		}
	}

	agg := progressagg.New(files, func(p models.DownloadProgress) {
		c.setProgress(key, p.FractionCompleted())
	})
	c.mu.Lock()
	c.aggs[key] = agg
	c.mu.Unlock()

	type outcome struct {
		path string
		err  error
	}
	results := make(chan outcome, len(files))

	var wg sync.WaitGroup
	for _, f := range files {
		f := f
		localPath := filepath.Join(stagingDir, filepath.FromSlash(f.RelativePath))
		task := c.queue.Track(key, f.RelativePath, f.URL, localPath, f.Size)

		wg.Add(1)
		go func() {
			defer wg.Done()

			fileCtx, fileCancel := context.WithCancel(ctx)
			c.queue.SetCancel(task.ID, fileCancel)
			c.queue.Activate(task.ID)

			started := false
			onProgress := func(fraction float64) {
				if !started {
					c.queue.StartTransfer(task.ID)
					started = true
				}
				bytes := int64(fraction * float64(f.Size))
				if info, statErr := os.Stat(localPath); statErr == nil {
					bytes = info.Size()
				}
				c.queue.UpdateProgressWithBytes(task.ID, bytes, f.Size)
				agg.Advance(f.RelativePath, bytes)
			}

			err := c.fetchFile(fileCtx, f, localPath, onProgress)

			if err != nil {
				c.queue.Fail(task.ID, err)
				results <- outcome{path: localPath, err: err}
				return
			}

			c.queue.Complete(task.ID)
			agg.MarkCompleted(f.RelativePath)
			results <- outcome{path: localPath}
		}()
	}

	wg.Wait()
	close(results)

	var firstErr error
	var paths []string
	for r := range results {
		paths = append(paths, r.path)
		if r.err != nil && firstErr == nil {
			firstErr = r.err
		}
	}

	if firstErr != nil {
		c.fail(key, firstErr)
		return
	}

	for _, path := range paths {
		if !archive.IsZip(path) {
			continue
		}
		if err := archive.ExtractZipInPlace(path); err != nil {
			c.fail(key, err)
			return
		}
	}

	info, err := c.layout.FinalizeDownload(repoId, key, backend, stagingDir, total)
	if err != nil {
		c.fail(key, err)
		return
	}

	c.setStatus(key, models.DownloadStatus{Kind: models.StatusCompleted, Progress: 1.0})
	c.tasks.Remove(key)
	c.queue.ClearCompleted()
	_ = info
}

func (c *Coordinator) fail(key string, err error) {
	c.setStatus(key, models.DownloadStatus{Kind: models.StatusFailed, ErrorText: err.Error()})
	c.tasks.Remove(key)
	if c.logger != nil {
		c.logger.Warnf("coordinator: %s failed: %v", key, err)
	}
}

// fetchFile routes one file to the right transport: object-storage URLs
// (s3://, azblob://) go through the provider registry when one is
// installed, everything else through the Streaming Fetcher.
func (c *Coordinator) fetchFile(ctx context.Context, f models.RemoteFile, localPath string, progress fetch.ProgressFunc) error {
	if scheme, ref, ok := storageprovider.ParseObjectURL(f.URL); ok {
		if c.providers == nil {
			return fmt.Errorf("%w: no provider registered for %s:// URLs", errs.ErrUnknownTask, scheme)
		}
		provider, found := c.providers.For(scheme)
		if !found {
			return fmt.Errorf("%w: no provider registered for %s:// URLs", errs.ErrUnknownTask, scheme)
		}
		if ref.Size <= 0 {
			ref.Size = f.Size
		}
		return provider.Download(ctx, ref, localPath, storageprovider.ProgressFunc(progress))
	}
	return c.fetcher.DownloadResume(ctx, f.URL, localPath, nil, progress)
}

// setProgress records a new aggregate fraction, preserving a pending
// pause: while the status reads paused, ticks update the fraction but do
// not flip the state back to downloading.
func (c *Coordinator) setProgress(key string, fraction float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.statuses[key]
	kind := models.StatusDownloading
	if current.Kind == models.StatusPaused {
		kind = models.StatusPaused
	}
	c.statuses[key] = models.DownloadStatus{Kind: kind, Progress: fraction}
}

func (c *Coordinator) setStatus(key string, status models.DownloadStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statuses[key] = status
}

// Progress returns the merged per-file progress of repoId's current (or
// most recent) attempt; the zero value if none exists.
func (c *Coordinator) Progress(repoId models.RepositoryId) models.DownloadProgress {
	c.mu.Lock()
	agg := c.aggs[string(repoId)]
	c.mu.Unlock()
	if agg == nil {
		return models.DownloadProgress{}
	}
	return agg.Snapshot()
}

// Status returns the last known status for repoId, or StatusNotStarted if
// no attempt has ever been recorded.
func (c *Coordinator) Status(repoId models.RepositoryId) models.DownloadStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.statuses[string(repoId)]; ok {
		return s
	}
	return models.DownloadStatus{Kind: models.StatusNotStarted}
}

// Pause suspends every in-flight file transfer for repoId.
func (c *Coordinator) Pause(repoId models.RepositoryId) error {
	key := string(repoId)
	if !c.tasks.IsDownloading(key) {
		return fmt.Errorf("%w: %s is not downloading", errs.ErrUnknownTask, repoId)
	}
	batch := c.queue.GetBatchTasks(key)
	for i := range batch {
		c.fetcher.Pause(batch[i].URL)
	}
	current := c.Status(repoId)
	c.setStatus(key, models.DownloadStatus{Kind: models.StatusPaused, Progress: current.Progress})
	return nil
}

// Resume continues every paused file transfer for repoId.
func (c *Coordinator) Resume(repoId models.RepositoryId) error {
	key := string(repoId)
	if !c.tasks.IsDownloading(key) {
		return fmt.Errorf("%w: %s is not downloading", errs.ErrUnknownTask, repoId)
	}
	batch := c.queue.GetBatchTasks(key)
	for i := range batch {
		c.fetcher.Resume(batch[i].URL)
	}
	current := c.Status(repoId)
	c.setStatus(key, models.DownloadStatus{Kind: models.StatusDownloading, Progress: current.Progress})
	return nil
}

// Cancel aborts repoId's in-flight download and discards its staging
// directory.
func (c *Coordinator) Cancel(repoId models.RepositoryId) error {
	key := string(repoId)
	existed := c.tasks.Cancel(key)
	c.queue.CancelBatch(key)

	if err := os.RemoveAll(c.layout.TemporaryDirectory(repoId)); err != nil && c.logger != nil {
		c.logger.Warnf("coordinator: cleanup staging dir for %s: %v", repoId, err)
	}

	c.setStatus(key, models.DownloadStatus{Kind: models.StatusCancelled})

	if !existed {
		return fmt.Errorf("%w: %s was not downloading", errs.ErrUnknownTask, repoId)
	}
	return nil
}
