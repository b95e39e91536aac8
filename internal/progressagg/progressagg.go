// Package progressagg merges per-file byte counters into a single
// DownloadProgress for one download. Emission is throttled so a
// subscriber sees at most one update per 100ms per download, with
// last-writer-wins semantics: a throttled update is never queued, the
// next advance simply reports the newer totals.
package progressagg

import (
	"sync"
	"time"

	"github.com/localmodels/modeldl/internal/models"
)

// EmitInterval bounds how often the aggregator delivers an update to its
// emit callback. Terminal emissions (file completion, Flush) bypass it.
const EmitInterval = 100 * time.Millisecond

// speedSmoothing is the EMA weight given to the newest speed sample.
const speedSmoothing = 0.3

// EmitFunc receives merged progress snapshots. It is called on the
// goroutine that advanced a counter and must not block.
type EmitFunc func(models.DownloadProgress)

type fileCounter struct {
	expected  int64
	received  int64
	completed bool
}

// Aggregator merges per-file byte counters, keyed by relativePath, into
// one DownloadProgress. Safe for concurrent use.
type Aggregator struct {
	mu       sync.Mutex
	files    map[string]*fileCounter
	order    []string
	total    int64
	emit     EmitFunc
	lastEmit time.Time

	current string // relativePath of the most recently advancing file

	speed       float64
	lastBytes   int64
	lastSpeedAt time.Time
}

// New creates an Aggregator over the given expected file list. The total
// is the sum of the known file sizes, and may be 0 when no sizes are known
// ahead of time. emit may be nil.
func New(files []models.RemoteFile, emit EmitFunc) *Aggregator {
	a := &Aggregator{
		files: make(map[string]*fileCounter, len(files)),
		emit:  emit,
	}
	for _, f := range files {
		size := f.Size
		if size < 0 {
			size = 0
		}
		a.files[f.RelativePath] = &fileCounter{expected: size}
		a.order = append(a.order, f.RelativePath)
		a.total += size
	}
	return a
}

// Advance records that relativePath has bytesReceived bytes on disk and
// emits a throttled update. Unknown paths are ignored. Counters never
// move backwards, keeping the emitted BytesDownloaded sequence
// non-decreasing even when callbacks race.
func (a *Aggregator) Advance(relativePath string, bytesReceived int64) {
	a.mu.Lock()
	fc, ok := a.files[relativePath]
	if !ok || bytesReceived <= fc.received {
		a.mu.Unlock()
		return
	}
	fc.received = bytesReceived
	a.current = relativePath
	a.updateSpeedLocked()

	if time.Since(a.lastEmit) < EmitInterval {
		a.mu.Unlock()
		return
	}
	a.lastEmit = time.Now()
	snap := a.snapshotLocked()
	emit := a.emit
	a.mu.Unlock()

	if emit != nil {
		emit(snap)
	}
}

// MarkCompleted records relativePath as fully received. Callers invoke it
// only after the staging file has been flushed to durable storage --
// FilesCompleted counts nothing weaker. The resulting update bypasses the
// throttle so completion ticks are never dropped.
func (a *Aggregator) MarkCompleted(relativePath string) {
	a.mu.Lock()
	fc, ok := a.files[relativePath]
	if !ok || fc.completed {
		a.mu.Unlock()
		return
	}
	fc.completed = true
	if fc.expected > 0 {
		fc.received = fc.expected
	}
	a.lastEmit = time.Now()
	snap := a.snapshotLocked()
	emit := a.emit
	a.mu.Unlock()

	if emit != nil {
		emit(snap)
	}
}

// SeedCompleted marks relativePath completed without emitting, for
// rebuilding an aggregator from a persisted record after restart.
func (a *Aggregator) SeedCompleted(relativePath string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	fc, ok := a.files[relativePath]
	if !ok || fc.completed {
		return
	}
	fc.completed = true
	if fc.expected > 0 {
		fc.received = fc.expected
	}
}

// Flush emits the current snapshot unconditionally.
func (a *Aggregator) Flush() {
	a.mu.Lock()
	a.lastEmit = time.Now()
	snap := a.snapshotLocked()
	emit := a.emit
	a.mu.Unlock()

	if emit != nil {
		emit(snap)
	}
}

// Snapshot returns the current merged progress without emitting.
func (a *Aggregator) Snapshot() models.DownloadProgress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

// BytesDownloaded returns the current sum of all per-file counters.
func (a *Aggregator) BytesDownloaded() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var sum int64
	for _, fc := range a.files {
		sum += fc.received
	}
	return sum
}

// Speed returns the EMA-smoothed aggregate transfer rate in bytes/sec.
func (a *Aggregator) Speed() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.speed
}

func (a *Aggregator) snapshotLocked() models.DownloadProgress {
	var sum int64
	completed := 0
	for _, fc := range a.files {
		sum += fc.received
		if fc.completed {
			completed++
		}
	}
	return models.DownloadProgress{
		BytesDownloaded: sum,
		TotalBytes:      a.total,
		FilesCompleted:  completed,
		TotalFiles:      len(a.files),
		CurrentFileName: a.currentLocked(),
	}
}

// currentLocked resolves ties between files that advanced in the same
// instant by insertion order: the tracked current file wins outright
// because Advance always records the latest writer.
func (a *Aggregator) currentLocked() string {
	if a.current != "" {
		return a.current
	}
	for _, path := range a.order {
		if fc := a.files[path]; !fc.completed && fc.received > 0 {
			return path
		}
	}
	return ""
}

func (a *Aggregator) updateSpeedLocked() {
	var sum int64
	for _, fc := range a.files {
		sum += fc.received
	}

	now := time.Now()
	if a.lastSpeedAt.IsZero() {
		a.lastSpeedAt = now
		a.lastBytes = sum
		return
	}
	elapsed := now.Sub(a.lastSpeedAt).Seconds()
	if elapsed < 0.1 {
		return
	}
	instant := float64(sum-a.lastBytes) / elapsed
	if a.speed == 0 {
		a.speed = instant
	} else {
		a.speed = speedSmoothing*instant + (1-speedSmoothing)*a.speed
	}
	a.lastBytes = sum
	a.lastSpeedAt = now
}
