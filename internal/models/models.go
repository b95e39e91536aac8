// Package models defines the shared data types that flow between the
// Download Engine's components: repository/model identity, the remote
// file list, per-file and per-download state, and the options a caller
// can attach to a download.
package models

import (
	"strings"
	"time"
)

// RepositoryId is an opaque "namespace/name" identifier for a remote
// model repository. The "/" inside it is significant: Sanitized replaces
// every occurrence with "_" to obtain a path-safe form.
type RepositoryId string

// Sanitized returns the path-safe form of the repository id, suitable for
// use as a single path component.
func (r RepositoryId) Sanitized() string {
	return strings.ReplaceAll(string(r), "/", "_")
}

// Valid reports whether the repository id has the required "namespace/name"
// shape: non-empty, with exactly one "/".
func (r RepositoryId) Valid() bool {
	s := string(r)
	if s == "" {
		return false
	}
	return strings.Count(s, "/") == 1 && !strings.HasPrefix(s, "/") && !strings.HasSuffix(s, "/")
}

func (r RepositoryId) String() string { return string(r) }

// Backend selects the canonical storage sub-tree a model is prepared for.
type Backend string

const (
	BackendMLX    Backend = "mlx"
	BackendGGUF   Backend = "gguf"
	BackendCoreML Backend = "coreml"
	BackendRemote Backend = "remote"
)

// Valid reports whether b is one of the closed set of supported backends.
func (b Backend) Valid() bool {
	switch b {
	case BackendMLX, BackendGGUF, BackendCoreML, BackendRemote:
		return true
	}
	return false
}

// SizeUnknown marks a RemoteFile whose size could not be determined ahead
// of the transfer.
const SizeUnknown int64 = -1

// RemoteFile describes one file to be fetched from the remote host.
type RemoteFile struct {
	URL          string `json:"url"`
	RelativePath string `json:"relativePath"`
	Size         int64  `json:"size"`
}

// FileTaskState is the lifecycle state of a single in-flight file transfer.
type FileTaskState string

const (
	FileTaskPending   FileTaskState = "pending"
	FileTaskRunning   FileTaskState = "running"
	FileTaskPaused    FileTaskState = "paused"
	FileTaskCompleted FileTaskState = "completed"
	FileTaskFailed    FileTaskState = "failed"
	FileTaskCancelled FileTaskState = "cancelled"
)

// FileTask is one in-flight transfer for one RemoteFile, as tracked by the
// Background Session Driver.
type FileTask struct {
	TaskIdentifier   int64         `json:"taskIdentifier"`
	RelativePath     string        `json:"relativePath"`
	URL              string        `json:"url"`
	LocalStagingPath string        `json:"localStagingPath"`
	BytesReceived    int64         `json:"bytesReceived"`
	TotalExpected    int64         `json:"totalExpected"`
	State            FileTaskState `json:"state"`
}

// DownloadState is the lifecycle state of a PersistedDownload.
type DownloadState string

const (
	DownloadPending     DownloadState = "pending"
	DownloadDownloading DownloadState = "downloading"
	DownloadPaused      DownloadState = "paused"
	DownloadCompleted   DownloadState = "completed"
	DownloadFailed      DownloadState = "failed"
	DownloadCancelled   DownloadState = "cancelled"
)

// PersistedDownload is the durable record of a multi-file download attempt.
// It is exclusively owned and mutated by the Background Download Manager.
type PersistedDownload struct {
	ID                string          `json:"id"`
	RepositoryId      RepositoryId    `json:"repositoryId"`
	Backend           Backend         `json:"backend"`
	SessionIdentifier string          `json:"sessionIdentifier"`
	Options           DownloadOptions `json:"options"`
	TaskIdentifier    *int64          `json:"taskIdentifier,omitempty"`
	DownloadDate      time.Time       `json:"downloadDate"`
	ExpectedFiles     []string        `json:"expectedFiles"`
	CompletedFiles    []string        `json:"completedFiles"`
	FileDownloads     []FileDownload  `json:"fileDownloads"`
	TotalBytes        int64           `json:"totalBytes"`
	BytesDownloaded   int64           `json:"bytesDownloaded"`
	State             DownloadState   `json:"state"`
	ErrorText         string          `json:"errorText,omitempty"`
}

// FileDownload pairs a RemoteFile with the local staging location it is
// (or was) being written to.
type FileDownload struct {
	RemoteFile      RemoteFile `json:"remoteFile"`
	LocalStagingURL string     `json:"localStagingUrl"`
}

// IsFileCompleted reports whether relativePath has been recorded complete.
func (p *PersistedDownload) IsFileCompleted(relativePath string) bool {
	for _, f := range p.CompletedFiles {
		if f == relativePath {
			return true
		}
	}
	return false
}

// AddCompletedFile records relativePath as completed, if not already
// present. Paths outside ExpectedFiles are dropped, keeping CompletedFiles
// a subset of ExpectedFiles.
func (p *PersistedDownload) AddCompletedFile(relativePath string) {
	if p.IsFileCompleted(relativePath) {
		return
	}
	expected := false
	for _, f := range p.ExpectedFiles {
		if f == relativePath {
			expected = true
			break
		}
	}
	if !expected {
		return
	}
	p.CompletedFiles = append(p.CompletedFiles, relativePath)
}

// IsFullyCompleted reports whether every expected file has been completed.
func (p *PersistedDownload) IsFullyCompleted() bool {
	if len(p.ExpectedFiles) != len(p.CompletedFiles) {
		return false
	}
	for _, f := range p.ExpectedFiles {
		if !p.IsFileCompleted(f) {
			return false
		}
	}
	return true
}

// Clone returns a deep-enough copy safe to hand to callers outside the
// manager's mailbox.
func (p *PersistedDownload) Clone() *PersistedDownload {
	c := *p
	c.ExpectedFiles = append([]string(nil), p.ExpectedFiles...)
	c.CompletedFiles = append([]string(nil), p.CompletedFiles...)
	c.FileDownloads = append([]FileDownload(nil), p.FileDownloads...)
	if p.TaskIdentifier != nil {
		id := *p.TaskIdentifier
		c.TaskIdentifier = &id
	}
	return &c
}

// ModelInfo describes a finalized, addressable model artifact on disk.
type ModelInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Backend      Backend           `json:"backend"`
	Location     string            `json:"-"`
	TotalSize    int64             `json:"totalSize"`
	DownloadDate time.Time         `json:"downloadDate"`
	Metadata     map[string]string `json:"metadata"`
}

// Priority is the relative scheduling priority hint for a download.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// DownloadOptions carries caller-supplied hints for a download. The core
// engine never enforces cellular/discretionary policy itself -- it only
// forwards the hints to the Background Session Driver.
type DownloadOptions struct {
	EnableCellular    bool     `json:"enableCellular"`
	NotificationTitle string   `json:"notificationTitle,omitempty"`
	Priority          Priority `json:"priority"`
	IsDiscretionary   bool     `json:"isDiscretionary"`
}

// DefaultDownloadOptions returns the defaults: cellular off, normal
// priority, discretionary scheduling allowed.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{
		EnableCellular:  false,
		Priority:        PriorityNormal,
		IsDiscretionary: true,
	}
}

// StatusKind tags the variant held by a DownloadStatus.
type StatusKind string

const (
	StatusNotStarted StatusKind = "notStarted"
	StatusDownloading StatusKind = "downloading"
	StatusPaused      StatusKind = "paused"
	StatusCompleted   StatusKind = "completed"
	StatusFailed      StatusKind = "failed"
	StatusCancelled   StatusKind = "cancelled"
)

// DownloadStatus is the foreground coordinator's tagged state variant.
type DownloadStatus struct {
	Kind      StatusKind
	Progress  float64 // meaningful for Downloading/Paused
	ErrorText string  // meaningful for Failed
}

func (s DownloadStatus) IsCompleted() bool  { return s.Kind == StatusCompleted }
func (s DownloadStatus) IsDownloading() bool { return s.Kind == StatusDownloading }
func (s DownloadStatus) IsPaused() bool     { return s.Kind == StatusPaused }
func (s DownloadStatus) IsTerminal() bool {
	switch s.Kind {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// DownloadProgress is the merged, aggregate progress view across all files
// in one download.
type DownloadProgress struct {
	BytesDownloaded int64
	TotalBytes      int64
	FilesCompleted  int
	TotalFiles      int
	CurrentFileName string
}

// FractionCompleted returns bytesDownloaded/totalBytes, or 0 if totalBytes is 0.
func (p DownloadProgress) FractionCompleted() float64 {
	if p.TotalBytes <= 0 {
		return 0
	}
	return float64(p.BytesDownloaded) / float64(p.TotalBytes)
}

// Percentage returns FractionCompleted scaled to 0..100.
func (p DownloadProgress) Percentage() float64 { return p.FractionCompleted() * 100 }

// IsComplete reports whether every file has been accounted for and every
// byte transferred.
func (p DownloadProgress) IsComplete() bool {
	return p.FilesCompleted == p.TotalFiles && p.BytesDownloaded == p.TotalBytes
}

// BackgroundDownloadHandle is the lookup key external callers hold for a
// background download; the manager owns the actual PersistedDownload.
type BackgroundDownloadHandle struct {
	ID                string
	RepositoryId      RepositoryId
	Backend           Backend
	SessionIdentifier string
}

// BackgroundDownloadStatus is a read-only snapshot of one active download,
// as returned by BackgroundDownloadManager.Status.
type BackgroundDownloadStatus struct {
	Handle   BackgroundDownloadHandle
	State    DownloadState
	Progress DownloadProgress
}

// ValidationResult carries the non-fatal findings of a model validation
// pass; an empty Warnings slice means nothing looked off.
type ValidationResult struct {
	Warnings []string
}
