package catalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
)

const repo = models.RepositoryId("mlx-community/Llama-3.2-1B-Instruct-4bit")

func TestListFilesParsesSiblings(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/api/models/mlx-community/Llama-3.2-1B-Instruct-4bit", r.URL.Path)
		w.Write([]byte(`{
			"siblings": [
				{"rfilename": "config.json", "size": 20},
				{"rfilename": "model.safetensors", "size": 700},
				{"rfilename": "tokenizer.json"}
			]
		}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "hf_secret")
	files, err := c.ListFiles(context.Background(), repo)
	require.NoError(t, err)
	require.Len(t, files, 3)

	assert.Equal(t, "Bearer hf_secret", gotAuth)
	assert.Equal(t, "config.json", files[0].RelativePath)
	assert.Equal(t, int64(20), files[0].Size)
	assert.Equal(t, srv.URL+"/mlx-community/Llama-3.2-1B-Instruct-4bit/resolve/main/config.json", files[0].URL)
	assert.Equal(t, models.SizeUnknown, files[2].Size)
}

func TestListFilesRejectsInvalidRepoWithoutNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ListFiles(context.Background(), models.RepositoryId("invalid-repo-format"))
	require.ErrorIs(t, err, errs.ErrInvalidRepository)
	assert.False(t, called)
}

func TestListFilesNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	_, err := c.ListFiles(context.Background(), repo)
	require.ErrorIs(t, err, errs.ErrInvalidRepository)
}
