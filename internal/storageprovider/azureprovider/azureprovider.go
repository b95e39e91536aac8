// Package azureprovider fetches model files directly out of Azure Blob
// Storage: an azblob.Client obtained via azidentity, a per-blob client
// derived from the service client, and a Range request when resuming a
// partial download.
package azureprovider

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"github.com/localmodels/modeldl/internal/storageprovider"
)

// Provider fetches blobs from one Azure Storage account.
type Provider struct {
	client *azblob.Client
}

var _ storageprovider.Provider = (*Provider)(nil)

// New builds a Provider for accountURL (e.g.
// "https://<account>.blob.core.windows.net/"), authenticating with the
// standard Azure credential chain (environment, managed identity, Azure
// CLI, …) via azidentity.NewDefaultAzureCredential.
func New(accountURL string) (*Provider, error) {
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("load azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}

	return &Provider{client: client}, nil
}

// NewWithSASToken builds a Provider authenticated with a pre-issued SAS
// token rather than azidentity, for callers holding a short-lived,
// server-issued download grant.
func NewWithSASToken(accountURL, sasToken string) (*Provider, error) {
	sasURL := fmt.Sprintf("%s?%s", accountURL, sasToken)
	client, err := azblob.NewClientWithNoCredential(sasURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create azure blob client: %w", err)
	}
	return &Provider{client: client}, nil
}

// Download streams ref's blob body into destination, resuming from
// destination's current on-disk size via a ranged DownloadStream call.
func (p *Provider) Download(ctx context.Context, ref storageprovider.ObjectRef, destination string, progress storageprovider.ProgressFunc) error {
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("create destination directory: %w", err)
	}

	var startOffset int64
	flags := os.O_CREATE | os.O_WRONLY
	if info, err := os.Stat(destination); err == nil && info.Size() > 0 {
		startOffset = info.Size()
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}

	blobClient := p.client.ServiceClient().NewContainerClient(ref.Container).NewBlobClient(ref.Key)

	var opts *azblob.DownloadStreamOptions
	if startOffset > 0 {
		opts = &azblob.DownloadStreamOptions{Range: azblob.HTTPRange{Offset: startOffset}}
	}

	resp, err := blobClient.DownloadStream(ctx, opts)
	if err != nil {
		return fmt.Errorf("download blob %s/%s: %w", ref.Container, ref.Key, err)
	}
	defer resp.Body.Close()

	out, err := os.OpenFile(destination, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open destination: %w", err)
	}
	defer out.Close()

	total := ref.Size
	if total <= 0 && resp.ContentLength != nil {
		total = *resp.ContentLength + startOffset
	}

	written := startOffset
	buf := make([]byte, 32*1024)
	for {
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
			return fmt.Errorf("read blob body: %w", readErr)
		}
	}

	if progress != nil {
		progress(1.0)
	}
	return nil
}
