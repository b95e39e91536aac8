// Package notify provides cross-platform desktop notifications for the
// download engine. It uses github.com/gen2brain/beeep for cross-platform
// notification support.
package notify

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/localmodels/modeldl/internal/logging"
)

// Sink is the notification contract the Background Download Manager
// depends on, letting callers substitute a test double for beeep.
type Sink interface {
	ModelCompleted(name string, size int64, location string)
	DownloadFailed(repositoryId, errorText string)
}

// Notifier handles desktop notifications and satisfies Sink.
type Notifier struct {
	logger  *logging.Logger
	enabled bool
	mu      sync.RWMutex
}

var _ Sink = (*Notifier)(nil)

// Config holds notification configuration.
type Config struct {
	// Enabled determines if notifications are sent at all.
	Enabled bool

	// ShowModelCompleted is the setting for successful-download
	// notifications. NewNotifier keeps only Enabled, so this field does not
	// change what a Notifier sends.
	ShowModelCompleted bool

	// ShowDownloadFailed is the setting for failed-download notifications.
	// NewNotifier keeps only Enabled, so this field does not change what a
	// Notifier sends.
	ShowDownloadFailed bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:            true,
		ShowModelCompleted: true,
		ShowDownloadFailed: true,
	}
}

// NewNotifier creates a new notifier with the given configuration.
func NewNotifier(cfg *Config, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Notifier{
		logger:  logger,
		enabled: cfg.Enabled,
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// ModelCompleted sends a notification when a model has been fully
// downloaded and finalized on disk.
func (n *Notifier) ModelCompleted(name string, size int64, location string) {
	if !n.IsEnabled() {
		return
	}

	title := "Model Download Complete"
	message := fmt.Sprintf("%s (%s) saved to:\n%s", truncate(name, 40), formatBytes(size), shortenPath(location))

	if err := n.send(title, message); err != nil && n.logger != nil {
		n.logger.Warn().Err(err).Str("repository", name).Msg("failed to send completion notification")
	}
}

// DownloadFailed sends a notification for a terminally failed download.
func (n *Notifier) DownloadFailed(repositoryId, errorText string) {
	if !n.IsEnabled() {
		return
	}

	title := "Model Download Failed"
	message := fmt.Sprintf("%s failed:\n%s", truncate(repositoryId, 40), truncate(errorText, 100))

	if err := n.send(title, message); err != nil && n.logger != nil {
		n.logger.Warn().Err(err).Str("repository", repositoryId).Msg("failed to send failure notification")
	}
}

// send is the internal method that actually sends the notification.
func (n *Notifier) send(title, message string) error {
	// beeep.Notify is cross-platform:
	// - Windows: toast notifications
	// - macOS: NSUserNotificationCenter
	// - Linux: D-Bus notifications
	return beeep.Notify(title, message, "")
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// shortenPath abbreviates a long path for display in notifications.
func shortenPath(path string) string {
	const maxLen = 60

	if len(path) <= maxLen {
		return path
	}

	_, file := filepath.Split(path)
	parentDir := filepath.Base(filepath.Dir(path))

	short := filepath.Join("...", parentDir, file)

	vol := filepath.VolumeName(path)
	if vol != "" && len(vol)+len(short)+1 <= maxLen {
		short = vol + string(filepath.Separator) + short
	}

	if len(short) > maxLen {
		return "..." + path[len(path)-(maxLen-3):]
	}

	return short
}

// formatBytes renders n bytes in the largest whole unit that keeps the
// mantissa readable, matching the progress bar's own byte formatting.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for val := n / unit; val >= unit; val /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Alert sends an alert notification for conditions requiring user attention,
// such as insufficient disk space detected ahead of a download.
func (n *Notifier) Alert(message string) {
	if !n.IsEnabled() {
		return
	}

	title := "Model Download Alert"

	if err := beeep.Alert(title, message, ""); err != nil {
		if sendErr := n.send(title, message); sendErr != nil && n.logger != nil {
			n.logger.Error().Err(sendErr).Str("message", message).Msg("failed to send alert notification")
		}
	}
}

// ParseNotifyConfig parses notification settings from a flat key/value map.
func ParseNotifyConfig(settings map[string]string) *Config {
	cfg := DefaultConfig()

	if v, ok := settings["enabled"]; ok {
		cfg.Enabled = strings.EqualFold(v, "true")
	}
	if v, ok := settings["show_model_completed"]; ok {
		cfg.ShowModelCompleted = strings.EqualFold(v, "true")
	}
	if v, ok := settings["show_download_failed"]; ok {
		cfg.ShowDownloadFailed = strings.EqualFold(v, "true")
	}

	return cfg
}
