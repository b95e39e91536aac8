// Package session implements the background transfer driver: a stand-in
// for an OS-provided out-of-process transfer facility (iOS URLSession
// background config, Android WorkManager, …). It submits file tasks,
// retries transient failures with bounded exponential backoff before a
// task is reported failed, and persists enough about each task in a
// per-session log to replay it to the core after a process restart via
// Reattach.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/fetch"
	"github.com/localmodels/modeldl/internal/logging"
	"github.com/localmodels/modeldl/internal/models"
)

const (
	maxTaskAttempts    = 5
	retryBaseDelay     = 500 * time.Millisecond
	retryMaxDelay      = 30 * time.Second
	discretionaryDelay = 2 * time.Second
)

// Callbacks are the three delivery kinds the driver invokes. Any of them
// may be nil.
type Callbacks struct {
	OnProgress  func(taskIdentifier int64, bytesReceived, totalExpected int64)
	OnCompleted func(taskIdentifier int64, localFileURL string)
	OnFailed    func(taskIdentifier int64, errorKind error)
}

// logEntry is the persisted record of one submitted task, including the
// opaque description payload the core uses to rebuild its in-memory maps
// after a restart.
type logEntry struct {
	TaskIdentifier int64                `json:"taskIdentifier"`
	URL            string               `json:"url"`
	Headers        map[string]string    `json:"headers"`
	LocalPath      string               `json:"localPath"`
	Description    string               `json:"description"`
	State          models.FileTaskState `json:"state"`
	BytesReceived  int64                `json:"bytesReceived"`
	TotalExpected  int64                `json:"totalExpected"`
}

// Driver is one background transfer session; its sessionIdentifier is
// what PersistedDownload records reference.
type Driver struct {
	SessionIdentifier string

	fetcher   *fetch.Fetcher
	callbacks Callbacks
	logger    *logging.Logger
	logPath   string

	mu      sync.Mutex
	nextID  int64
	tasks   map[int64]*logEntry
	cancels map[int64]context.CancelFunc
	paused  map[int64]bool
}

// New creates a Driver for sessionIdentifier, persisting its task log
// under stateDir. callbacks may have nil fields for events the caller
// does not care about.
func New(sessionIdentifier, stateDir string, callbacks Callbacks, logger *logging.Logger) *Driver {
	return &Driver{
		SessionIdentifier: sessionIdentifier,
		fetcher:           fetch.New(logger),
		callbacks:         callbacks,
		logger:            logger,
		logPath:           filepath.Join(stateDir, fmt.Sprintf("session-%s.json", sanitizeSessionName(sessionIdentifier))),
		tasks:             make(map[int64]*logEntry),
		cancels:           make(map[int64]context.CancelFunc),
		paused:            make(map[int64]bool),
	}
}

func sanitizeSessionName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '/' || r == ' ' || r == '\\' {
			out = append(out, '_')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}

// Submit registers a new FileTask and starts transferring it in the
// background, returning its driver-assigned taskIdentifier. description
// is opaque to the driver -- it is the core's own JSON payload, persisted
// verbatim and handed back unchanged by Reattach.
func (d *Driver) Submit(ctx context.Context, url string, headers map[string]string, localStagingPath, description string, totalExpected int64, opts models.DownloadOptions) int64 {
	d.mu.Lock()
	d.nextID++
	taskID := d.nextID
	entry := &logEntry{
		TaskIdentifier: taskID,
		URL:            url,
		Headers:        headers,
		LocalPath:      localStagingPath,
		Description:    description,
		State:          models.FileTaskPending,
		TotalExpected:  totalExpected,
	}
	d.tasks[taskID] = entry
	d.mu.Unlock()

	d.persist()

	taskCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancels[taskID] = cancel
	d.mu.Unlock()

	go d.run(taskCtx, taskID, opts)

	return taskID
}

func (d *Driver) run(ctx context.Context, taskID int64, opts models.DownloadOptions) {
	if opts.IsDiscretionary && !favorableConditions() {
		select {
		case <-time.After(discretionaryDelay):
		case <-ctx.Done():
			d.fail(taskID, errs.ErrCancelled)
			return
		}
	}

	d.setState(taskID, models.FileTaskRunning)

	var lastErr error
	for attempt := 0; attempt < maxTaskAttempts; attempt++ {
		if ctx.Err() != nil {
			d.fail(taskID, errs.ErrCancelled)
			return
		}

		d.mu.Lock()
		entry, ok := d.tasks[taskID]
		d.mu.Unlock()
		if !ok {
			return
		}

		err := d.fetcher.DownloadResume(ctx, entry.URL, entry.LocalPath, entry.Headers, func(fraction float64) {
			info, statErr := os.Stat(entry.LocalPath)
			received := entry.TotalExpected
			if statErr == nil {
				received = info.Size()
			}
			d.updateProgress(taskID, received, entry.TotalExpected)
			if d.callbacks.OnProgress != nil {
				d.callbacks.OnProgress(taskID, received, entry.TotalExpected)
			}
		})
		if err == nil {
			d.complete(taskID)
			return
		}

		lastErr = err
		if !errs.IsTransient(err) {
			break
		}

		d.retryBackoff(attempt)
	}

	d.fail(taskID, lastErr)
}

func (d *Driver) retryBackoff(attempt int) {
	delay := time.Duration(math.Pow(2, float64(attempt))) * retryBaseDelay
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(retryBaseDelay)))
	time.Sleep(delay + jitter)
}

// favorableConditions is the local driver's simulated network-quality
// signal for honoring DownloadOptions.IsDiscretionary: a real background
// facility defers to Wi-Fi/charging state, this stand-in always reports
// unfavorable conditions, so every discretionary task starts only after
// the fixed discretionaryDelay above.
func favorableConditions() bool { return false }

func (d *Driver) setState(taskID int64, state models.FileTaskState) {
	d.mu.Lock()
	if entry, ok := d.tasks[taskID]; ok {
		entry.State = state
	}
	d.mu.Unlock()
	d.persist()
}

func (d *Driver) updateProgress(taskID int64, bytesReceived, totalExpected int64) {
	d.mu.Lock()
	if entry, ok := d.tasks[taskID]; ok {
		entry.BytesReceived = bytesReceived
		if totalExpected > 0 {
			entry.TotalExpected = totalExpected
		}
	}
	d.mu.Unlock()
}

func (d *Driver) complete(taskID int64) {
	d.mu.Lock()
	entry, ok := d.tasks[taskID]
	if ok {
		entry.State = models.FileTaskCompleted
	}
	delete(d.cancels, taskID)
	d.mu.Unlock()
	d.persist()

	if ok && d.callbacks.OnCompleted != nil {
		d.callbacks.OnCompleted(taskID, entry.LocalPath)
	}
}

func (d *Driver) fail(taskID int64, err error) {
	d.mu.Lock()
	entry, ok := d.tasks[taskID]
	if ok {
		entry.State = models.FileTaskFailed
	}
	delete(d.cancels, taskID)
	d.mu.Unlock()
	d.persist()

	if ok && d.callbacks.OnFailed != nil {
		if err == nil {
			err = errs.ErrUnknownTask
		}
		d.callbacks.OnFailed(taskID, err)
	}
}

// Cancel aborts taskID; its transfer fails with errs.ErrCancelled.
func (d *Driver) Cancel(taskID int64) {
	d.mu.Lock()
	cancel, ok := d.cancels[taskID]
	d.mu.Unlock()
	if ok {
		cancel()
	}
}

// Pause suspends taskID's transfer without tearing down the connection.
func (d *Driver) Pause(taskID int64) {
	d.mu.Lock()
	entry, ok := d.tasks[taskID]
	if ok {
		d.paused[taskID] = true
		entry.State = models.FileTaskPaused
	}
	d.mu.Unlock()
	if ok {
		d.fetcher.Pause(entry.URL)
		d.persist()
	}
}

// Resume continues a previously paused taskID.
func (d *Driver) Resume(taskID int64) {
	d.mu.Lock()
	entry, ok := d.tasks[taskID]
	if ok {
		delete(d.paused, taskID)
		entry.State = models.FileTaskRunning
	}
	d.mu.Unlock()
	if ok {
		d.fetcher.Resume(entry.URL)
		d.persist()
	}
}

// CancelSession cancels every in-flight task in this session.
func (d *Driver) CancelSession() {
	d.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(d.cancels))
	for _, c := range d.cancels {
		cancels = append(cancels, c)
	}
	d.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// Reattach re-enumerates every task from the persisted log that has not
// reached a terminal state, simulating the core asking the background
// facility what survived a process restart. Terminal tasks (completed,
// failed, cancelled) are not replayed -- the core already knows their
// outcome from its own persisted state.
func (d *Driver) Reattach() ([]models.FileTask, error) {
	data, err := os.ReadFile(d.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session log: %w", err)
	}

	var entries []logEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStateCorrupted, err)
	}

	var out []models.FileTask
	d.mu.Lock()
	for _, e := range entries {
		if e.State == models.FileTaskCompleted || e.State == models.FileTaskFailed || e.State == models.FileTaskCancelled {
			continue
		}
		d.tasks[e.TaskIdentifier] = &logEntry{
			TaskIdentifier: e.TaskIdentifier,
			URL:            e.URL,
			Headers:        e.Headers,
			LocalPath:      e.LocalPath,
			Description:    e.Description,
			State:          e.State,
			BytesReceived:  e.BytesReceived,
			TotalExpected:  e.TotalExpected,
		}
		if e.TaskIdentifier > d.nextID {
			d.nextID = e.TaskIdentifier
		}
		out = append(out, models.FileTask{
			TaskIdentifier:   e.TaskIdentifier,
			LocalStagingPath: e.LocalPath,
			URL:              e.URL,
			BytesReceived:    e.BytesReceived,
			TotalExpected:    e.TotalExpected,
			State:            e.State,
		})
	}
	d.mu.Unlock()

	return out, nil
}

// TaskDescription returns the opaque description payload stored for
// taskIdentifier, used by the manager to recover (downloadId, relativePath)
// without re-parsing its own submission-time bookkeeping.
func (d *Driver) TaskDescription(taskIdentifier int64) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.tasks[taskIdentifier]
	if !ok {
		return "", false
	}
	return entry.Description, true
}

func (d *Driver) persist() {
	d.mu.Lock()
	entries := make([]logEntry, 0, len(d.tasks))
	for _, e := range d.tasks {
		entries = append(entries, *e)
	}
	d.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(d.logPath), 0o755); err != nil {
		if d.logger != nil {
			d.logger.Warnf("session %s: persist log directory: %v", d.SessionIdentifier, err)
		}
		return
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return
	}

	tmp := d.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return
	}
	if err := os.Rename(tmp, d.logPath); err != nil {
		os.Remove(tmp)
	}
}
