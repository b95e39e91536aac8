package transfer

import (
	"context"
	"testing"
)

// Task tests

func TestNewFileTransferTask(t *testing.T) {
	task := NewFileTransferTask("dl-1", "model.safetensors", "https://example.com/model.safetensors", "/tmp/staging/model.safetensors", 1024)

	if task.ID == "" {
		t.Error("task ID should not be empty")
	}
	if task.DownloadID != "dl-1" {
		t.Errorf("expected download id 'dl-1', got %s", task.DownloadID)
	}
	if task.RelativePath != "model.safetensors" {
		t.Errorf("expected relative path 'model.safetensors', got %s", task.RelativePath)
	}
	if task.State != TaskQueued {
		t.Errorf("expected TaskQueued, got %v", task.State)
	}
	if task.Progress != 0.0 {
		t.Errorf("expected progress 0.0, got %f", task.Progress)
	}
}

func TestFileTransferTaskState(t *testing.T) {
	task := NewFileTransferTask("dl-1", "config.json", "https://example.com/config.json", "/tmp/staging/config.json", 2048)

	task.SetState(TaskActive)
	if task.GetState() != TaskActive {
		t.Errorf("expected TaskActive, got %v", task.GetState())
	}
	if task.StartedAt.IsZero() {
		t.Error("StartedAt should be set when state changes to Active")
	}

	task.SetState(TaskCompleted)
	if task.GetState() != TaskCompleted {
		t.Errorf("expected TaskCompleted, got %v", task.GetState())
	}
	if task.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set when state changes to Completed")
	}
}

func TestFileTransferTaskProgress(t *testing.T) {
	task := NewFileTransferTask("dl-1", "data.bin", "https://example.com/data.bin", "/tmp/staging/data.bin", 1000)

	task.UpdateProgressWithBytes(500, 1000)
	if task.GetProgress() != 0.5 {
		t.Errorf("expected progress 0.5, got %f", task.GetProgress())
	}
}

func TestFileTransferTaskCancel(t *testing.T) {
	task := NewFileTransferTask("dl-1", "test.dat", "https://example.com/test.dat", "/tmp/staging/test.dat", 100)

	select {
	case <-task.Context().Done():
		t.Error("context should not be cancelled initially")
	default:
	}

	task.Cancel()

	select {
	case <-task.Context().Done():
	default:
		t.Error("context should be cancelled after Cancel()")
	}

	if task.GetState() != TaskCancelled {
		t.Errorf("expected TaskCancelled, got %v", task.GetState())
	}
}

func TestFileTransferTaskIsTerminal(t *testing.T) {
	task := NewFileTransferTask("dl-1", "a", "u", "l", 10)
	if task.IsTerminal() {
		t.Error("queued task should not be terminal")
	}

	task.SetState(TaskCompleted)
	if !task.IsTerminal() {
		t.Error("completed task should be terminal")
	}
}

func TestFileTransferTaskCanRetry(t *testing.T) {
	task := NewFileTransferTask("dl-1", "a", "u", "l", 10)
	task.SetState(TaskFailed)
	if !task.CanRetry() {
		t.Error("failed task should be retryable")
	}

	task.SetState(TaskCompleted)
	if task.CanRetry() {
		t.Error("completed task should not be retryable")
	}
}

// Queue tests

func TestQueue_Track(t *testing.T) {
	q := NewQueue(nil)

	task := q.Track("dl-1", "model.bin", "https://example.com/model.bin", "/tmp/model.bin", 500)

	if task.State != TaskQueued {
		t.Errorf("expected TaskQueued, got %v", task.State)
	}

	got, ok := q.GetTask(task.ID)
	if !ok {
		t.Fatal("expected task to be retrievable")
	}
	if got.RelativePath != "model.bin" {
		t.Errorf("unexpected relative path %q", got.RelativePath)
	}
}

func TestQueue_ActivateAndStart(t *testing.T) {
	q := NewQueue(nil)
	task := q.Track("dl-1", "f", "u", "l", 100)

	q.Activate(task.ID)
	got, _ := q.GetTask(task.ID)
	if got.State != TaskInitializing {
		t.Errorf("expected TaskInitializing, got %v", got.State)
	}

	q.StartTransfer(task.ID)
	got, _ = q.GetTask(task.ID)
	if got.State != TaskActive {
		t.Errorf("expected TaskActive, got %v", got.State)
	}
}

func TestQueue_CompleteAndFail(t *testing.T) {
	q := NewQueue(nil)

	t1 := q.Track("dl-1", "f1", "u1", "l1", 100)
	q.Complete(t1.ID)
	got, _ := q.GetTask(t1.ID)
	if got.State != TaskCompleted || got.Progress != 1.0 {
		t.Errorf("expected completed task with full progress, got %+v", &got)
	}

	t2 := q.Track("dl-1", "f2", "u2", "l2", 100)
	q.Fail(t2.ID, context.DeadlineExceeded)
	got, _ = q.GetTask(t2.ID)
	if got.State != TaskFailed || got.Error == nil {
		t.Errorf("expected failed task with error recorded, got %+v", &got)
	}
}

func TestQueue_CancelRequiresActiveOrInitializing(t *testing.T) {
	q := NewQueue(nil)
	task := q.Track("dl-1", "f", "u", "l", 100)

	if err := q.Cancel(task.ID); err == nil {
		t.Error("expected error cancelling a task still in TaskQueued")
	}

	q.Activate(task.ID)
	var cancelled bool
	q.SetCancel(task.ID, func() { cancelled = true })

	if err := q.Cancel(task.ID); err != nil {
		t.Fatalf("unexpected error cancelling initializing task: %v", err)
	}
	if !cancelled {
		t.Error("expected stored cancel function to be invoked")
	}
}

func TestQueue_CancelBatch(t *testing.T) {
	q := NewQueue(nil)

	t1 := q.Track("dl-1", "f1", "u1", "l1", 100)
	t2 := q.Track("dl-1", "f2", "u2", "l2", 100)
	other := q.Track("dl-2", "f3", "u3", "l3", 100)

	q.Activate(t1.ID)
	q.Activate(t2.ID)
	q.Activate(other.ID)

	q.CancelBatch("dl-1")

	g1, _ := q.GetTask(t1.ID)
	g2, _ := q.GetTask(t2.ID)
	gOther, _ := q.GetTask(other.ID)

	if g1.State != TaskCancelled || g2.State != TaskCancelled {
		t.Error("expected all dl-1 tasks cancelled")
	}
	if gOther.State == TaskCancelled {
		t.Error("expected dl-2 task to be unaffected")
	}
}

func TestQueue_BatchStats(t *testing.T) {
	q := NewQueue(nil)

	t1 := q.Track("dl-1", "f1", "u1", "l1", 100)
	q.Track("dl-1", "f2", "u2", "l2", 100)
	q.Track("dl-2", "f3", "u3", "l3", 100)

	q.Complete(t1.ID)

	stats := q.BatchStats("dl-1")
	if stats.Completed != 1 || stats.Queued != 1 {
		t.Errorf("unexpected batch stats: %+v", stats)
	}
	if stats.Total() != 2 {
		t.Errorf("expected 2 total tasks in batch, got %d", stats.Total())
	}

	all := q.GetStats()
	if all.Total() != 3 {
		t.Errorf("expected 3 total tasks overall, got %d", all.Total())
	}
}

func TestQueue_ClearCompleted(t *testing.T) {
	q := NewQueue(nil)

	t1 := q.Track("dl-1", "f1", "u1", "l1", 100)
	t2 := q.Track("dl-1", "f2", "u2", "l2", 100)
	q.Complete(t1.ID)

	q.ClearCompleted()

	if _, ok := q.GetTask(t1.ID); ok {
		t.Error("expected completed task to be cleared")
	}
	if _, ok := q.GetTask(t2.ID); !ok {
		t.Error("expected queued task to remain")
	}
}
