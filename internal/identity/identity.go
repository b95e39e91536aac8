// Package identity derives stable ModelIds from repository identifiers.
// The derivation is pure and referentially transparent: the same
// repository id always yields the same id, in this process or any other,
// so two downloads of the same repo resolve to the same ModelId
// regardless of call site.
package identity

import (
	"github.com/google/uuid"

	"github.com/localmodels/modeldl/internal/errs"
	"github.com/localmodels/modeldl/internal/models"
)

// modelNamespace is a fixed namespace UUID used to derive deterministic
// version-5 UUIDs from repository ids. It has no meaning beyond acting as
// a stable salt: changing it would change every derived ModelId.
var modelNamespace = uuid.MustParse("6f6e6e7e-8b1e-4b2e-9c2f-6d1b6a9b9a10")

// Service derives deterministic ModelIds from RepositoryIds.
type Service struct{}

// New returns an Identity Service. It holds no state and performs no I/O.
func New() *Service { return &Service{} }

// Generate derives the ModelId for repoId. Fails only on an empty input;
// malformed-but-nonempty ids still hash deterministically, since validity
// checking is the caller's responsibility (see models.RepositoryId.Valid).
func (s *Service) Generate(repoId models.RepositoryId) (uuid.UUID, error) {
	if repoId == "" {
		return uuid.Nil, errs.ErrInvalidRepository
	}
	return uuid.NewSHA1(modelNamespace, []byte(repoId)), nil
}

// GenerateString is a convenience wrapper returning the canonical string
// form of Generate's result.
func (s *Service) GenerateString(repoId models.RepositoryId) (string, error) {
	id, err := s.Generate(repoId)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
