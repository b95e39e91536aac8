// Package fetch implements the Streaming Fetcher: a per-URL foreground
// byte-stream transfer with progress reporting, byte-range resume,
// pause, and cancellation, built on retryablehttp so transient network
// faults are retried with backoff before surfacing to the caller.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/logging"
)

// ProgressFunc receives the completion fraction (0..1) of one download
// invocation. A single call's deliveries are non-decreasing in fraction.
type ProgressFunc func(fraction float64)

// Defaults for the per-request connect and inactivity timeouts.
const (
	DefaultConnectTimeout    = 30 * time.Second
	DefaultInactivityTimeout = 60 * time.Second
	defaultMaxRetries        = 5
	progressChunkSize        = 32 * 1024
)

// transferControl holds the pause/cancel handles for one in-flight URL,
// so pause/resume/cancel can act on a transfer the caller no longer holds
// a direct reference to.
type transferControl struct {
	cancel context.CancelFunc
	paused chan struct{} // non-nil and closed channel means "not paused"
	mu     sync.Mutex
}

func newTransferControl(cancel context.CancelFunc) *transferControl {
	tc := &transferControl{cancel: cancel}
	tc.paused = make(chan struct{})
	close(tc.paused) // starts unpaused
	return tc
}

func (tc *transferControl) pause() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	select {
	case <-tc.paused:
		tc.paused = make(chan struct{})
	default:
		// already paused
	}
}

func (tc *transferControl) resume() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	select {
	case <-tc.paused:
		// already running
	default:
		close(tc.paused)
	}
}

func (tc *transferControl) waitIfPaused(ctx context.Context) error {
	tc.mu.Lock()
	ch := tc.paused
	tc.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fetcher performs single-URL streaming transfers. It is safe for
// concurrent use across distinct URLs; lifecycle calls for one URL are
// serialized by transferControl's mutex.
type Fetcher struct {
	client *retryablehttp.Client
	logger *logging.Logger

	mu      sync.Mutex
	inFlight map[string]*transferControl
}

// New creates a Fetcher. logger may be nil.
func New(logger *logging.Logger) *Fetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = defaultMaxRetries
	client.Logger = nil // retryablehttp's own logger is silenced; logging goes through zerolog
	client.HTTPClient.Timeout = 0 // inactivity is enforced per read by the transfer loop's watchdog, not a blanket request timeout

	dialer := &net.Dialer{Timeout: DefaultConnectTimeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	client.HTTPClient.Transport = transport

	return &Fetcher{
		client:   client,
		logger:   logger,
		inFlight: make(map[string]*transferControl),
	}
}

// Download performs a fresh GET of url into destination, writing bytes
// directly rather than buffering the whole body, and calling progress
// opportunistically. progress(1.0) is guaranteed on success.
func (f *Fetcher) Download(ctx context.Context, url, destination string, headers map[string]string, progress ProgressFunc) error {
	return f.transfer(ctx, url, destination, headers, progress, false)
}

// DownloadResume resumes a transfer into destination: if destination
// already has size n > 0, requests bytes=n- and expects 206; otherwise
// behaves like Download.
func (f *Fetcher) DownloadResume(ctx context.Context, url, destination string, headers map[string]string, progress ProgressFunc) error {
	return f.transfer(ctx, url, destination, headers, progress, true)
}

func (f *Fetcher) transfer(ctx context.Context, url, destination string, headers map[string]string, progress ProgressFunc, resume bool) error {
	ctx, cancel := context.WithCancel(ctx)
	tc := newTransferControl(cancel)

	f.mu.Lock()
	f.inFlight[url] = tc
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		delete(f.inFlight, url)
		f.mu.Unlock()
	}()

	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var startOffset int64
	flags := os.O_CREATE | os.O_WRONLY
	if resume {
		if info, err := os.Stat(destination); err == nil && info.Size() > 0 {
			startOffset = info.Size()
			flags |= os.O_APPEND
		} else {
			flags |= os.O_TRUNC
		}
	} else {
		flags |= os.O_TRUNC
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errs.ErrUnknownTask, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if startOffset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", startOffset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if startOffset > 0 {
		if resp.StatusCode != http.StatusPartialContent {
			return fmt.Errorf("%w: expected 206 for range resume, got %d", errs.NewDownloadError(url, fmt.Errorf("status %d", resp.StatusCode)), resp.StatusCode)
		}
	} else if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return errs.NewDownloadError(url, fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	out, err := os.OpenFile(destination, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer out.Close()

	total := resp.ContentLength
	if total > 0 && startOffset > 0 {
		total += startOffset
	}

	written := startOffset
	buf := make([]byte, progressChunkSize)

	// The watchdog runs only while a read is outstanding (never while
	// paused) and cancels the request when one read waits too long.
	var stalled atomic.Bool
	watchdog := time.AfterFunc(DefaultInactivityTimeout, func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()

	for {
		watchdog.Stop()
		if err := tc.waitIfPaused(ctx); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrCancelled, err)
		}
		watchdog.Reset(DefaultInactivityTimeout)

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write destination: %w", werr)
			}
			written += int64(n)
			if progress != nil && total > 0 {
				progress(float64(written) / float64(total))
			}
		}

		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			if stalled.Load() {
				return fmt.Errorf("%w: no bytes received for %s", errs.NewDownloadError(url, context.DeadlineExceeded), DefaultInactivityTimeout)
			}
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", errs.ErrCancelled, ctx.Err())
			}
			return fmt.Errorf("read response body: %w", readErr)
		}
	}

	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync destination: %w", err)
	}

	if progress != nil {
		progress(1.0)
	}
	if f.logger != nil {
		f.logger.Debugf("fetch: completed %s (%d bytes)", url, written)
	}
	return nil
}

// Pause suspends reading for url without tearing down the transport; the
// in-flight goroutine blocks in its read loop until Resume is called.
func (f *Fetcher) Pause(url string) {
	f.mu.Lock()
	tc := f.inFlight[url]
	f.mu.Unlock()
	if tc != nil {
		tc.pause()
	}
}

// Resume continues a previously paused transfer for url.
func (f *Fetcher) Resume(url string) {
	f.mu.Lock()
	tc := f.inFlight[url]
	f.mu.Unlock()
	if tc != nil {
		tc.resume()
	}
}

// Cancel aborts the in-flight transfer for url; the operation returns
// errs.ErrCancelled.
func (f *Fetcher) Cancel(url string) {
	f.mu.Lock()
	tc := f.inFlight[url]
	f.mu.Unlock()
	if tc != nil {
		tc.resume() // unblock a paused reader so it observes the cancellation promptly
		tc.cancel()
	}
}

// PauseAll pauses every in-flight transfer.
func (f *Fetcher) PauseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tc := range f.inFlight {
		tc.pause()
	}
}

// ResumeAll resumes every paused transfer.
func (f *Fetcher) ResumeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tc := range f.inFlight {
		tc.resume()
	}
}

// CancelAll cancels every in-flight transfer.
func (f *Fetcher) CancelAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tc := range f.inFlight {
		tc.resume()
		tc.cancel()
	}
}
