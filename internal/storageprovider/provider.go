// Package storageprovider abstracts over the remote hosts a RemoteFile's
// URL can point at. The default is a plain HTTPS fetch handled by
// internal/fetch directly; s3provider and azureprovider give the engine
// a way to pull a model's files straight out of object storage when a
// repository's catalog entry is backed by one of those buckets instead
// of a conventional download URL.
package storageprovider

import (
	"context"
	"strings"
)

// ProgressFunc mirrors internal/fetch.ProgressFunc so a Provider can be
// substituted anywhere a Streaming Fetcher callback is expected.
type ProgressFunc func(fraction float64)

// ObjectRef addresses one object inside a storage provider's namespace.
type ObjectRef struct {
	Container string // bucket (S3) or container (Azure)
	Key       string // object/blob key, relative to the container
	Size      int64  // expected size, models.SizeUnknown if not known ahead of time
}

// Provider fetches a single object into a local destination file,
// resuming from destination's current size when it already exists.
type Provider interface {
	Download(ctx context.Context, ref ObjectRef, destination string, progress ProgressFunc) error
}

// Supported object-storage URL schemes.
const (
	SchemeS3    = "s3"
	SchemeAzure = "azblob"
)

// ParseObjectURL splits a URL of the form <scheme>://<container>/<key>
// into its provider scheme and ObjectRef. ok is false for anything that
// is not an object-storage URL (notably plain http/https), telling the
// caller to fall through to the Streaming Fetcher.
func ParseObjectURL(raw string) (scheme string, ref ObjectRef, ok bool) {
	for _, s := range []string{SchemeS3, SchemeAzure} {
		prefix := s + "://"
		if !strings.HasPrefix(raw, prefix) {
			continue
		}
		rest := strings.TrimPrefix(raw, prefix)
		container, key, found := strings.Cut(rest, "/")
		if !found || container == "" || key == "" {
			return "", ObjectRef{}, false
		}
		return s, ObjectRef{Container: container, Key: key, Size: -1}, true
	}
	return "", ObjectRef{}, false
}

// Registry maps URL schemes to the Provider that serves them.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register installs p as the handler for scheme, replacing any previous
// registration.
func (r *Registry) Register(scheme string, p Provider) {
	r.providers[scheme] = p
}

// For returns the Provider registered for scheme.
func (r *Registry) For(scheme string) (Provider, bool) {
	p, ok := r.providers[scheme]
	return p, ok
}
