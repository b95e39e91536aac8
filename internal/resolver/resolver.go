// Package resolver translates a (repository id, backend) pair into the
// ordered list of remote files the engine will download. The engine
// treats the resolver as a black box and downloads exactly the list it
// returns; any quantization selection happens here, never in the engine.
package resolver

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/localmodels/modeldl/internal/models"
)

// Catalog is the remote catalog/explorer collaborator this package
// depends on, represented only by the interface the resolver consumes.
type Catalog interface {
	ListFiles(ctx context.Context, repoId models.RepositoryId) ([]models.RemoteFile, error)
}

// Resolver produces the ordered file list for one repository/backend pair.
type Resolver interface {
	Resolve(ctx context.Context, repoId models.RepositoryId, backend models.Backend) ([]models.RemoteFile, error)
}

// StaticResolver returns the catalog's full file listing unmodified,
// suitable for backends (mlx, coreml, remote) that fetch every file the
// catalog advertises for a repository.
type StaticResolver struct {
	catalog Catalog
}

// NewStaticResolver creates a StaticResolver backed by catalog.
func NewStaticResolver(catalog Catalog) *StaticResolver {
	return &StaticResolver{catalog: catalog}
}

var _ Resolver = (*StaticResolver)(nil)

// Resolve returns the catalog's file list for repoId, sorted by
// RelativePath for deterministic ordering across calls.
func (r *StaticResolver) Resolve(ctx context.Context, repoId models.RepositoryId, backend models.Backend) ([]models.RemoteFile, error) {
	if !repoId.Valid() {
		return nil, fmt.Errorf("resolve %q: invalid repository identifier", repoId)
	}
	files, err := r.catalog.ListFiles(ctx, repoId)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", repoId, err)
	}
	out := append([]models.RemoteFile(nil), files...)
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

// MemoryHint describes the available memory budget a GGUFHeuristicResolver
// uses to pick one quantization among several candidates. It is supplied
// by the caller, never inferred by the resolver itself.
type MemoryHint struct {
	AvailableBytes int64
}

// quantizationRank orders common GGUF quantization suffixes from smallest
// (most aggressive) to largest (closest to full precision); the heuristic
// picks the largest quantization whose estimated footprint still fits the
// memory hint.
var quantizationRank = []string{"q2_k", "q3_k", "q4_0", "q4_k_m", "q5_k_m", "q6_k", "q8_0", "f16"}

// GGUFHeuristicResolver narrows a multi-quantization GGUF repository down
// to one concrete .gguf file (plus any non-quantization sidecar files)
// using a caller-supplied memory hint. The selection happens entirely
// here; downstream consumers download the returned list as-is.
type GGUFHeuristicResolver struct {
	catalog Catalog
	hint    MemoryHint
}

// NewGGUFHeuristicResolver creates a resolver that will pick one
// quantization fitting within hint.
func NewGGUFHeuristicResolver(catalog Catalog, hint MemoryHint) *GGUFHeuristicResolver {
	return &GGUFHeuristicResolver{catalog: catalog, hint: hint}
}

var _ Resolver = (*GGUFHeuristicResolver)(nil)

// Resolve lists every file the catalog advertises, then keeps all
// non-.gguf files (configs, tokenizer, etc.) plus the single largest
// .gguf candidate whose size fits within the memory hint. If none fit,
// the smallest available quantization is kept rather than failing --
// callers needing a hard budget should check totals themselves.
func (r *GGUFHeuristicResolver) Resolve(ctx context.Context, repoId models.RepositoryId, backend models.Backend) ([]models.RemoteFile, error) {
	if !repoId.Valid() {
		return nil, fmt.Errorf("resolve %q: invalid repository identifier", repoId)
	}
	files, err := r.catalog.ListFiles(ctx, repoId)
	if err != nil {
		return nil, fmt.Errorf("list files for %s: %w", repoId, err)
	}

	var nonGGUF, ggufCandidates []models.RemoteFile
	for _, f := range files {
		if isGGUFFile(f.RelativePath) {
			ggufCandidates = append(ggufCandidates, f)
		} else {
			nonGGUF = append(nonGGUF, f)
		}
	}

	chosen := pickQuantization(ggufCandidates, r.hint)

	out := append([]models.RemoteFile(nil), nonGGUF...)
	if chosen != nil {
		out = append(out, *chosen)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out, nil
}

func isGGUFFile(relativePath string) bool {
	return strings.EqualFold(filepath.Ext(relativePath), ".gguf")
}

// pickQuantization returns the largest candidate that fits within
// hint.AvailableBytes, falling back to the smallest candidate overall if
// none fit. With the hint unset (<= 0) it returns the largest candidate.
func pickQuantization(candidates []models.RemoteFile, hint MemoryHint) *models.RemoteFile {
	if len(candidates) == 0 {
		return nil
	}

	sorted := append([]models.RemoteFile(nil), candidates...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Size < sorted[j].Size })

	if hint.AvailableBytes <= 0 {
		last := sorted[len(sorted)-1]
		return &last
	}

	var best *models.RemoteFile
	for i := range sorted {
		if sorted[i].Size > 0 && sorted[i].Size <= hint.AvailableBytes {
			best = &sorted[i]
		}
	}
	if best == nil {
		first := sorted[0]
		return &first
	}
	return best
}
