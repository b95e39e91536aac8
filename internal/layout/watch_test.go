package layout

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/models"
)

func TestWatchStagingRootReportsRemovedDirectories(t *testing.T) {
	l := newTestLayout(t)
	repo := models.RepositoryId("unsloth/Qwen3-0.6B-GGUF")

	staging := l.TemporaryDirectory(repo)
	require.NoError(t, os.MkdirAll(staging, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	removed := make(chan string, 1)
	require.NoError(t, l.WatchStagingRoot(ctx, func(name string) {
		select {
		case removed <- name:
		default:
		}
	}))

	require.NoError(t, os.RemoveAll(staging))

	select {
	case name := <-removed:
		require.Equal(t, repo.Sanitized(), name)
	case <-time.After(5 * time.Second):
		t.Fatal("staging removal was not observed")
	}
}
