package notify

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.Enabled {
		t.Error("expected Enabled to be true by default")
	}
	if !cfg.ShowModelCompleted {
		t.Error("expected ShowModelCompleted to be true by default")
	}
	if !cfg.ShowDownloadFailed {
		t.Error("expected ShowDownloadFailed to be true by default")
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"short", 10, "short"},
		{"exactly10c", 10, "exactly10c"},
		{"this is a long string", 10, "this is..."},
		{"", 10, ""},
		{"abc", 3, "abc"},
		{"abcd", 3, "..."},
	}

	for _, tt := range tests {
		result := truncate(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func TestShortenPath(t *testing.T) {
	tests := []struct {
		input string
		short bool
	}{
		{"/short/path", false},
		{"/a/very/long/path/that/exceeds/the/maximum/length/for/notification/display/file.txt", true},
		{"C:\\Users\\TestUser\\Downloads\\file.txt", false},
	}

	for _, tt := range tests {
		result := shortenPath(tt.input)
		if tt.short && len(result) >= len(tt.input) {
			t.Errorf("shortenPath(%q) was not shortened: %q", tt.input, result)
		}
		if !tt.short && result != tt.input {
			t.Logf("shortenPath(%q) = %q (length check only)", tt.input, result)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.0 KiB"},
		{1536, "1.5 KiB"},
		{1024 * 1024 * 1024 * 3, "3.0 GiB"},
	}

	for _, tt := range tests {
		if got := formatBytes(tt.input); got != tt.expected {
			t.Errorf("formatBytes(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestNewNotifier(t *testing.T) {
	n := NewNotifier(nil, nil)
	if n == nil {
		t.Fatal("NewNotifier returned nil")
	}
	if !n.IsEnabled() {
		t.Error("expected notifier to be enabled by default")
	}

	cfg := &Config{Enabled: false}
	n2 := NewNotifier(cfg, nil)
	if n2.IsEnabled() {
		t.Error("expected notifier to be disabled when config.Enabled=false")
	}
}

func TestSetEnabled(t *testing.T) {
	n := NewNotifier(nil, nil)

	if !n.IsEnabled() {
		t.Error("expected initially enabled")
	}

	n.SetEnabled(false)
	if n.IsEnabled() {
		t.Error("expected disabled after SetEnabled(false)")
	}

	n.SetEnabled(true)
	if !n.IsEnabled() {
		t.Error("expected enabled after SetEnabled(true)")
	}
}

func TestParseNotifyConfig(t *testing.T) {
	tests := []struct {
		name     string
		settings map[string]string
		expected *Config
	}{
		{
			name:     "empty settings use defaults",
			settings: map[string]string{},
			expected: DefaultConfig(),
		},
		{
			name: "all disabled",
			settings: map[string]string{
				"enabled":              "false",
				"show_model_completed": "false",
				"show_download_failed": "false",
			},
			expected: &Config{
				Enabled:            false,
				ShowModelCompleted: false,
				ShowDownloadFailed: false,
			},
		},
		{
			name: "case insensitive",
			settings: map[string]string{
				"enabled": "TRUE",
			},
			expected: &Config{
				Enabled:            true,
				ShowModelCompleted: true,
				ShowDownloadFailed: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ParseNotifyConfig(tt.settings)

			if result.Enabled != tt.expected.Enabled {
				t.Errorf("Enabled: got %v, want %v", result.Enabled, tt.expected.Enabled)
			}
			if result.ShowModelCompleted != tt.expected.ShowModelCompleted {
				t.Errorf("ShowModelCompleted: got %v, want %v", result.ShowModelCompleted, tt.expected.ShowModelCompleted)
			}
			if result.ShowDownloadFailed != tt.expected.ShowDownloadFailed {
				t.Errorf("ShowDownloadFailed: got %v, want %v", result.ShowDownloadFailed, tt.expected.ShowDownloadFailed)
			}
		})
	}
}

func TestNotifierDisabled_NoSend(t *testing.T) {
	cfg := &Config{Enabled: false}
	n := NewNotifier(cfg, nil)

	// These must all be no-ops when disabled, in particular never touching
	// the nil logger on a send failure.
	n.ModelCompleted("unsloth/Qwen3-0.6B-GGUF", 123456, "/tmp/models/unsloth_Qwen3-0.6B-GGUF")
	n.DownloadFailed("a/b", "connection reset")
	n.Alert("test alert")
}

func TestSinkInterfaceSatisfied(t *testing.T) {
	var _ Sink = NewNotifier(nil, nil)
}
