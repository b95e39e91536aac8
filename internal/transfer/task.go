// Package transfer tracks the in-flight state of the individual file
// transfers that make up one model download: progress, smoothed speed,
// and terminal outcome. It observes transfers rather than executing them —
// the Streaming Fetcher performs the actual I/O and reports back through
// these task objects.
package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState represents the current state of a file transfer task.
type TaskState string

const (
	TaskQueued       TaskState = "queued"       // waiting for a worker slot
	TaskInitializing TaskState = "initializing" // acquired a slot, opening connection
	TaskActive       TaskState = "active"       // bytes are moving
	TaskPaused       TaskState = "paused"       // paused by caller
	TaskCompleted    TaskState = "completed"    // successfully completed
	TaskFailed       TaskState = "failed"       // failed with error
	TaskCancelled    TaskState = "cancelled"    // cancelled by caller
)

// FileTransferTask represents a single file's transfer within one model
// download. It is safe for concurrent use.
type FileTransferTask struct {
	ID           string // unique task ID (UUIDv4)
	RelativePath string // file's path relative to the model root
	URL          string // remote source URL
	LocalPath    string // local staging path being written to
	Size         int64  // expected file size in bytes, models.SizeUnknown if unknown
	DownloadID   string // the PersistedDownload this task belongs to

	State    TaskState
	Progress float64 // 0.0 to 1.0
	Speed    float64 // bytes/sec, EMA-smoothed
	Error    error

	lastBytes      int64
	lastUpdateTime time.Time

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFileTransferTask creates a new task in TaskQueued state.
func NewFileTransferTask(downloadID, relativePath, url, localPath string, size int64) *FileTransferTask {
	ctx, cancel := context.WithCancel(context.Background())
	return &FileTransferTask{
		ID:           uuid.NewString(),
		DownloadID:   downloadID,
		RelativePath: relativePath,
		URL:          url,
		LocalPath:    localPath,
		Size:         size,
		State:        TaskQueued,
		CreatedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// GetState returns the current state.
func (t *FileTransferTask) GetState() TaskState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.State
}

// SetState updates the task state, stamping StartedAt/CompletedAt as appropriate.
func (t *FileTransferTask) SetState(state TaskState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.State = state
	if state == TaskActive && t.StartedAt.IsZero() {
		t.StartedAt = time.Now()
	}
	if state == TaskCompleted || state == TaskFailed || state == TaskCancelled {
		t.CompletedAt = time.Now()
	}
}

// GetProgress returns the current progress fraction.
func (t *FileTransferTask) GetProgress() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Progress
}

// UpdateProgressWithBytes updates progress and recalculates speed using an
// exponential moving average, smoothing the instantaneous rate between
// consecutive callback deliveries.
func (t *FileTransferTask) UpdateProgressWithBytes(bytesTransferred, totalBytes int64) {
	if totalBytes <= 0 {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	t.Progress = float64(bytesTransferred) / float64(totalBytes)

	if t.lastBytes == 0 && bytesTransferred > 0 {
		t.StartedAt = now
		t.lastUpdateTime = now
		t.lastBytes = bytesTransferred
		t.Speed = 0
		return
	}

	if t.lastBytes > 0 && bytesTransferred > t.lastBytes {
		elapsed := now.Sub(t.lastUpdateTime).Seconds()
		if elapsed > 0.1 {
			bytesDelta := bytesTransferred - t.lastBytes
			instantRate := float64(bytesDelta) / elapsed

			const speedSmoothingAlpha = 0.25
			if t.Speed > 0 {
				t.Speed = speedSmoothingAlpha*instantRate + (1-speedSmoothingAlpha)*t.Speed
			} else {
				t.Speed = instantRate
			}

			t.lastBytes = bytesTransferred
			t.lastUpdateTime = now
		}
	}
}

// GetSpeed returns the current smoothed transfer speed in bytes/sec.
func (t *FileTransferTask) GetSpeed() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Speed
}

// SetError records err and transitions the task to TaskFailed.
func (t *FileTransferTask) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Error = err
	t.State = TaskFailed
	t.CompletedAt = time.Now()
}

// GetError returns the recorded error, if any.
func (t *FileTransferTask) GetError() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.Error
}

// Cancel cancels the task's context and, if still in flight, marks it cancelled.
func (t *FileTransferTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
	}
	if t.State == TaskQueued || t.State == TaskActive || t.State == TaskPaused {
		t.State = TaskCancelled
		t.CompletedAt = time.Now()
	}
}

// Context returns the task's cancellation context.
func (t *FileTransferTask) Context() context.Context {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.ctx
}

// Clone returns a snapshot copy safe to hand to callers outside the owning
// mailbox.
func (t *FileTransferTask) Clone() FileTransferTask {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return FileTransferTask{
		ID:           t.ID,
		DownloadID:   t.DownloadID,
		RelativePath: t.RelativePath,
		URL:          t.URL,
		LocalPath:    t.LocalPath,
		Size:         t.Size,
		State:        t.State,
		Progress:     t.Progress,
		Speed:        t.Speed,
		Error:        t.Error,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// IsTerminal reports whether the task has reached a terminal state.
func (t *FileTransferTask) IsTerminal() bool {
	state := t.GetState()
	return state == TaskCompleted || state == TaskFailed || state == TaskCancelled
}

// CanRetry reports whether the task is eligible for retry.
func (t *FileTransferTask) CanRetry() bool {
	state := t.GetState()
	return state == TaskFailed || state == TaskCancelled
}
