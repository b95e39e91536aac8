package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/localmodels/modeldl/internal/events"
)

// Stats holds aggregate counts across every tracked task.
type Stats struct {
	Queued       int
	Initializing int
	Active       int
	Paused       int
	Completed    int
	Failed       int
	Cancelled    int
}

// Total returns the total number of tasks accounted for by Stats.
func (s Stats) Total() int {
	return s.Queued + s.Initializing + s.Active + s.Paused + s.Completed + s.Failed + s.Cancelled
}

// Queue is a passive transfer tracker that publishes events for a progress
// renderer or other subscriber. It does not execute transfers itself —
// the Streaming Fetcher performs the I/O and reports back via UpdateProgress/
// Complete/Fail; the queue only tracks state and cancel functions, grouped by
// the DownloadID ("batch") each task belongs to.
type Queue struct {
	tasks     []*FileTransferTask
	tasksByID map[string]*FileTransferTask
	mu        sync.RWMutex

	cancelFuncs map[string]context.CancelFunc

	eventBus *events.EventBus
}

// NewQueue creates a new transfer queue publishing to eventBus, which may be nil.
func NewQueue(eventBus *events.EventBus) *Queue {
	return &Queue{
		tasks:       make([]*FileTransferTask, 0),
		tasksByID:   make(map[string]*FileTransferTask),
		cancelFuncs: make(map[string]context.CancelFunc),
		eventBus:    eventBus,
	}
}

// Track registers a new file transfer belonging to downloadID. The task
// starts in TaskQueued; call Activate when it acquires a worker slot.
func (q *Queue) Track(downloadID, relativePath, url, localPath string, size int64) *FileTransferTask {
	task := NewFileTransferTask(downloadID, relativePath, url, localPath, size)

	q.mu.Lock()
	q.tasks = append(q.tasks, task)
	q.tasksByID[task.ID] = task
	q.mu.Unlock()

	q.publish(events.EventDownloadQueued, task, 0, "")
	return task
}

// Activate marks a queued task as initializing, after it acquires a worker slot.
func (q *Queue) Activate(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil && task.State == TaskQueued {
		task.State = TaskInitializing
		task.StartedAt = time.Now()
	}
	q.mu.Unlock()
}

// StartTransfer marks an initializing task as actively transferring, once
// the first progress callback fires.
func (q *Queue) StartTransfer(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil && task.State == TaskInitializing {
		task.State = TaskActive
	}
	q.mu.Unlock()

	if exists && task != nil && task.State == TaskActive {
		q.publish(events.EventDownloadStarted, task, 0, "")
	}
}

// SetCancel stores the cancel function for an in-flight task.
func (q *Queue) SetCancel(taskID string, cancelFn context.CancelFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelFuncs[taskID] = cancelFn
}

// UpdateSize sets a task's total size when it was unknown at track time.
func (q *Queue) UpdateSize(taskID string, size int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if task, ok := q.tasksByID[taskID]; ok && task != nil {
		task.Size = size
	}
}

// UpdateProgressWithBytes updates a task's progress and speed from an
// absolute byte count, publishing a progress event.
func (q *Queue) UpdateProgressWithBytes(taskID string, bytesTransferred, totalBytes int64) {
	q.mu.RLock()
	task, exists := q.tasksByID[taskID]
	q.mu.RUnlock()
	if !exists || task == nil {
		return
	}

	task.UpdateProgressWithBytes(bytesTransferred, totalBytes)
	q.publish(events.EventDownloadProgress, task, task.GetSpeed(), "")
}

// Complete marks a task as successfully completed.
func (q *Queue) Complete(taskID string) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil {
		task.State = TaskCompleted
		task.Progress = 1.0
		task.CompletedAt = time.Now()
	}
	delete(q.cancelFuncs, taskID)
	q.mu.Unlock()

	if exists && task != nil {
		q.publish(events.EventDownloadCompleted, task, 0, "")
	}
}

// Fail marks a task as failed with err.
func (q *Queue) Fail(taskID string, err error) {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	if exists && task != nil {
		task.State = TaskFailed
		task.Error = err
		task.CompletedAt = time.Now()
	}
	delete(q.cancelFuncs, taskID)
	q.mu.Unlock()

	if exists && task != nil {
		errText := ""
		if err != nil {
			errText = err.Error()
		}
		q.publish(events.EventDownloadFailed, task, 0, errText)
	}
}

// Cancel cancels an active or initializing task via its stored cancel function.
func (q *Queue) Cancel(taskID string) error {
	q.mu.Lock()
	task, exists := q.tasksByID[taskID]
	cancelFn := q.cancelFuncs[taskID]
	q.mu.Unlock()

	if !exists || task == nil {
		return errors.New("task not found")
	}

	state := task.GetState()
	if state != TaskActive && state != TaskInitializing {
		return errors.New("task is not active or initializing")
	}

	if cancelFn != nil {
		cancelFn()
	}

	q.mu.Lock()
	task.State = TaskCancelled
	task.CompletedAt = time.Now()
	delete(q.cancelFuncs, taskID)
	q.mu.Unlock()

	q.publish(events.EventDownloadCancelled, task, 0, "")
	return nil
}

// CancelBatch cancels every active or initializing task belonging to downloadID.
func (q *Queue) CancelBatch(downloadID string) {
	q.mu.Lock()
	var toCancel []*FileTransferTask
	var cancelFns []context.CancelFunc
	for _, task := range q.tasks {
		if task.DownloadID != downloadID {
			continue
		}
		if task.State == TaskActive || task.State == TaskInitializing || task.State == TaskQueued {
			toCancel = append(toCancel, task)
			if fn := q.cancelFuncs[task.ID]; fn != nil {
				cancelFns = append(cancelFns, fn)
			}
		}
	}
	q.mu.Unlock()

	for _, fn := range cancelFns {
		fn()
	}

	q.mu.Lock()
	for _, task := range toCancel {
		task.State = TaskCancelled
		task.CompletedAt = time.Now()
		delete(q.cancelFuncs, task.ID)
	}
	q.mu.Unlock()

	for _, task := range toCancel {
		q.publish(events.EventDownloadCancelled, task, 0, "")
	}
}

// GetTask returns a snapshot of the task with the given ID.
func (q *Queue) GetTask(taskID string) (FileTransferTask, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	task, ok := q.tasksByID[taskID]
	if !ok || task == nil {
		return FileTransferTask{}, false
	}
	return task.Clone(), true
}

// GetBatchTasks returns a snapshot of every task tracked for downloadID, in
// creation order.
func (q *Queue) GetBatchTasks(downloadID string) []FileTransferTask {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []FileTransferTask
	for _, task := range q.tasks {
		if task.DownloadID == downloadID {
			out = append(out, task.Clone())
		}
	}
	return out
}

// GetStats returns aggregate counts across every tracked task.
func (q *Queue) GetStats() Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, task := range q.tasks {
		switch task.State {
		case TaskQueued:
			s.Queued++
		case TaskInitializing:
			s.Initializing++
		case TaskActive:
			s.Active++
		case TaskPaused:
			s.Paused++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

// BatchStats returns aggregate counts for just the tasks belonging to downloadID.
func (q *Queue) BatchStats(downloadID string) Stats {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var s Stats
	for _, task := range q.tasks {
		if task.DownloadID != downloadID {
			continue
		}
		switch task.State {
		case TaskQueued:
			s.Queued++
		case TaskInitializing:
			s.Initializing++
		case TaskActive:
			s.Active++
		case TaskPaused:
			s.Paused++
		case TaskCompleted:
			s.Completed++
		case TaskFailed:
			s.Failed++
		case TaskCancelled:
			s.Cancelled++
		}
	}
	return s
}

// ClearCompleted removes every task in a terminal state from the queue.
func (q *Queue) ClearCompleted() {
	q.mu.Lock()
	defer q.mu.Unlock()

	remaining := q.tasks[:0]
	for _, task := range q.tasks {
		if task.IsTerminal() {
			delete(q.tasksByID, task.ID)
			continue
		}
		remaining = append(remaining, task)
	}
	q.tasks = remaining
}

func (q *Queue) publish(eventType events.EventType, task *FileTransferTask, speed float64, errText string) {
	if q.eventBus == nil {
		return
	}
	q.eventBus.PublishDownloadEvent(events.DownloadEvent{
		BaseEvent:       events.BaseEvent{EventType: eventType},
		DownloadID:      task.DownloadID,
		CurrentFileName: task.RelativePath,
		Progress:        task.GetProgress(),
		BytesDownloaded: int64(task.GetProgress() * float64(task.Size)),
		BytesTotal:      task.Size,
		Speed:           speed,
		ErrorText:       errText,
	})
}
