package storageprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObjectURL(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		wantScheme string
		wantRef    ObjectRef
		wantOK     bool
	}{
		{
			name:       "s3 bucket and key",
			url:        "s3://model-mirror/mlx-community/Llama-3.2-1B/model.safetensors",
			wantScheme: SchemeS3,
			wantRef:    ObjectRef{Container: "model-mirror", Key: "mlx-community/Llama-3.2-1B/model.safetensors", Size: -1},
			wantOK:     true,
		},
		{
			name:       "azure container and blob",
			url:        "azblob://models/unsloth/Qwen3-0.6B-GGUF/model.gguf",
			wantScheme: SchemeAzure,
			wantRef:    ObjectRef{Container: "models", Key: "unsloth/Qwen3-0.6B-GGUF/model.gguf", Size: -1},
			wantOK:     true,
		},
		{name: "https falls through", url: "https://huggingface.co/repo/resolve/main/config.json"},
		{name: "http falls through", url: "http://localhost:8080/file.bin"},
		{name: "missing key", url: "s3://bucket-only"},
		{name: "empty key", url: "s3://bucket/"},
		{name: "empty", url: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scheme, ref, ok := ParseObjectURL(tt.url)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantScheme, scheme)
				assert.Equal(t, tt.wantRef, ref)
			}
		})
	}
}

type nopProvider struct{}

func (nopProvider) Download(ctx context.Context, ref ObjectRef, destination string, progress ProgressFunc) error {
	return nil
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, ok := r.For(SchemeS3)
	assert.False(t, ok)

	r.Register(SchemeS3, nopProvider{})
	p, ok := r.For(SchemeS3)
	require.True(t, ok)
	assert.NotNil(t, p)
}
