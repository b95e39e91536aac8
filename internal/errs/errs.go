// Package errs defines the closed error-kind taxonomy the Download Engine
// reports to callers: package-level sentinels matched with errors.Is,
// plus a small named wrapper type carrying operation context.
package errs

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRepository is returned when a RepositoryId fails validation.
	ErrInvalidRepository = errors.New("invalid repository identifier")

	// ErrModelAlreadyDownloaded is returned when starting a download for a
	// repository whose model already exists on disk.
	ErrModelAlreadyDownloaded = errors.New("model already downloaded")

	// ErrNoFilesToDownload is returned when the caller-supplied file list is empty.
	ErrNoFilesToDownload = errors.New("no files to download")

	// ErrCancelled marks a transfer terminated by user-initiated cancellation.
	ErrCancelled = errors.New("download cancelled")

	// ErrArchiveInvalid is returned when a downloaded archive fails its
	// magic-number validity check.
	ErrArchiveInvalid = errors.New("archive is not a valid zip file")

	// ErrExtractionFailed is returned when zip extraction fails partway through.
	ErrExtractionFailed = errors.New("archive extraction failed")

	// ErrStateCorrupted is returned (and then self-healed) when the state
	// store's persisted JSON cannot be decoded.
	ErrStateCorrupted = errors.New("download state store corrupted")

	// ErrUnknownTask is returned when a driver callback references a task
	// identifier the caller has no record of.
	ErrUnknownTask = errors.New("unknown task identifier")
)

// DownloadError wraps a terminal download failure with the repository id
// it concerns, so callers get operation context rather than a bare
// sentinel.
type DownloadError struct {
	RepositoryId string
	Err          error
}

func (e *DownloadError) Error() string {
	return fmt.Sprintf("download failed for %q: %v", e.RepositoryId, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// NewDownloadError wraps err with the repository id it concerns.
func NewDownloadError(repoId string, err error) *DownloadError {
	return &DownloadError{RepositoryId: repoId, Err: err}
}

// IsTransient reports whether err represents a fault worth retrying
// (as opposed to a terminal, non-retryable failure such as ErrCancelled
// or ErrArchiveInvalid).
func IsTransient(err error) bool {
	switch {
	case errors.Is(err, ErrCancelled),
		errors.Is(err, ErrArchiveInvalid),
		errors.Is(err, ErrExtractionFailed),
		errors.Is(err, ErrInvalidRepository),
		errors.Is(err, ErrModelAlreadyDownloaded),
		errors.Is(err, ErrNoFilesToDownload):
		return false
	}
	return err != nil
}
