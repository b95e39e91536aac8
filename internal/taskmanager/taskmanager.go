// Package taskmanager maps a repository id to its in-flight foreground
// coordinating task, enforcing that at most one coordinator targets a
// given repository (and therefore a given staging path) at a time.
package taskmanager

import "sync"

// Cancellable is anything the Task Manager can store and later cancel: the
// Foreground Coordinator satisfies this by wrapping its context.CancelFunc.
type Cancellable interface {
	Cancel()
}

// Manager serializes access to the repositoryId -> task mapping behind a
// single mutex; every operation behaves as if it held an exclusive lock
// on the whole mapping.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]Cancellable
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{tasks: make(map[string]Cancellable)}
}

// Store records task as the active coordinator for repoId. If a prior
// entry exists it is cancelled first, then replaced.
func (m *Manager) Store(repoId string, task Cancellable) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.tasks[repoId]; ok && prior != nil {
		prior.Cancel()
	}
	m.tasks[repoId] = task
}

// Cancel cancels and removes the entry for repoId, reporting whether one
// existed.
func (m *Manager) Cancel(repoId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[repoId]
	if !ok {
		return false
	}
	delete(m.tasks, repoId)
	if task != nil {
		task.Cancel()
	}
	return true
}

// Remove deletes the entry for repoId without cancelling it.
func (m *Manager) Remove(repoId string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, repoId)
}

// CancelAll cancels every tracked task atomically with respect to new
// inserts: the map is cleared under the same lock that cancels each entry,
// so GetActiveRepositoryIds observes an empty set immediately after.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, task := range m.tasks {
		if task != nil {
			task.Cancel()
		}
	}
	m.tasks = make(map[string]Cancellable)
}

// IsDownloading reports whether repoId currently has an active coordinator.
func (m *Manager) IsDownloading(repoId string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.tasks[repoId]
	return ok
}

// ActiveDownloadCount returns the number of currently tracked coordinators.
func (m *Manager) ActiveDownloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// GetActiveRepositoryIds returns the repository ids with an active
// coordinator, in no particular order.
func (m *Manager) GetActiveRepositoryIds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}
