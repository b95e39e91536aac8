package taskmanager

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTask struct {
	cancelled bool
}

func (f *fakeTask) Cancel() { f.cancelled = true }

func TestStoreReplacesAndCancelsPrior(t *testing.T) {
	m := New()
	first := &fakeTask{}
	second := &fakeTask{}

	m.Store("a/b", first)
	m.Store("a/b", second)

	assert.True(t, first.cancelled)
	assert.False(t, second.cancelled)
	assert.Equal(t, 1, m.ActiveDownloadCount())
}

func TestCancelReturnsWhetherEntryExisted(t *testing.T) {
	m := New()
	assert.False(t, m.Cancel("missing/repo"))

	task := &fakeTask{}
	m.Store("a/b", task)
	assert.True(t, m.Cancel("a/b"))
	assert.True(t, task.cancelled)
	assert.False(t, m.IsDownloading("a/b"))
}

func TestRemoveDoesNotCancel(t *testing.T) {
	m := New()
	task := &fakeTask{}
	m.Store("a/b", task)
	m.Remove("a/b")

	assert.False(t, task.cancelled)
	assert.False(t, m.IsDownloading("a/b"))
}

func TestCancelAllClearsEverything(t *testing.T) {
	m := New()
	tasks := []*fakeTask{{}, {}, {}}
	for i, task := range tasks {
		m.Store(string(rune('a'+i))+"/repo", task)
	}

	m.CancelAll()

	for _, task := range tasks {
		assert.True(t, task.cancelled)
	}
	assert.Equal(t, 0, m.ActiveDownloadCount())
	assert.Empty(t, m.GetActiveRepositoryIds())
}
