package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
)

func TestGenerate_Stable(t *testing.T) {
	svc := New()

	id1, err := svc.Generate(models.RepositoryId("mlx-community/Llama-3.2-1B-Instruct-4bit"))
	require.NoError(t, err)

	id2, err := svc.Generate(models.RepositoryId("mlx-community/Llama-3.2-1B-Instruct-4bit"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "equal repo ids must yield equal ModelIds")
}

func TestGenerate_DifferentRepos(t *testing.T) {
	svc := New()

	id1, err := svc.Generate(models.RepositoryId("a/one"))
	require.NoError(t, err)
	id2, err := svc.Generate(models.RepositoryId("a/two"))
	require.NoError(t, err)

	assert.NotEqual(t, id1, id2)
}

func TestGenerate_EmptyInput(t *testing.T) {
	svc := New()

	_, err := svc.Generate(models.RepositoryId(""))
	require.ErrorIs(t, err, errs.ErrInvalidRepository)
}

func TestGenerate_AcrossInstances(t *testing.T) {
	id1, err := New().Generate(models.RepositoryId("unsloth/Qwen3-0.6B-GGUF"))
	require.NoError(t, err)
	id2, err := New().Generate(models.RepositoryId("unsloth/Qwen3-0.6B-GGUF"))
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "two separate Service instances must agree")
}
