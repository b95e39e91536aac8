// Package catalog implements the resolver's remote catalog collaborator
// against the Hugging Face Hub API: one call lists a repository's files
// and maps each to the resolve URL the Streaming Fetcher downloads from.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
	"github.com/localmodels/modeldl/internal/resolver"
)

// DefaultBaseURL is the public Hugging Face Hub endpoint.
const DefaultBaseURL = "https://huggingface.co"

const requestTimeout = 30 * time.Second

// Client lists repository files from a Hugging Face compatible hub.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
}

var _ resolver.Catalog = (*Client)(nil)

// New creates a Client against baseURL (DefaultBaseURL when empty).
// token, when non-empty, is sent as a bearer credential for gated repos.
func New(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.Logger = nil
	client.HTTPClient.Timeout = requestTimeout

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    client,
	}
}

// modelResponse is the subset of the hub's model endpoint this client reads.
type modelResponse struct {
	Siblings []struct {
		Rfilename string `json:"rfilename"`
		Size      *int64 `json:"size"`
	} `json:"siblings"`
}

// ListFiles returns one RemoteFile per repository file, in the order the
// hub reports them. Sizes the hub omits come back as models.SizeUnknown.
func (c *Client) ListFiles(ctx context.Context, repoId models.RepositoryId) ([]models.RemoteFile, error) {
	if !repoId.Valid() {
		return nil, fmt.Errorf("%w: %q", errs.ErrInvalidRepository, repoId)
	}

	endpoint := fmt.Sprintf("%s/api/models/%s?blobs=true", c.baseURL, repoId)
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", repoId, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: repository %s not found", errs.ErrInvalidRepository, repoId)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errs.NewDownloadError(string(repoId), fmt.Errorf("catalog status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read catalog response: %w", err)
	}

	var parsed modelResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode catalog response for %s: %w", repoId, err)
	}

	files := make([]models.RemoteFile, 0, len(parsed.Siblings))
	for _, s := range parsed.Siblings {
		if s.Rfilename == "" || strings.HasSuffix(s.Rfilename, "/") {
			continue
		}
		size := models.SizeUnknown
		if s.Size != nil {
			size = *s.Size
		}
		files = append(files, models.RemoteFile{
			URL:          c.ResolveURL(repoId, s.Rfilename),
			RelativePath: s.Rfilename,
			Size:         size,
		})
	}
	return files, nil
}

// ResolveURL returns the direct download URL for one file of repoId.
func (c *Client) ResolveURL(repoId models.RepositoryId, relativePath string) string {
	return fmt.Sprintf("%s/%s/resolve/main/%s", c.baseURL, repoId, relativePath)
}
