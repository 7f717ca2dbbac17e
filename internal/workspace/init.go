package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// MinSpecBytes is the smallest spec the initializer accepts. Anything
// shorter cannot describe real work and is refused before any milestone is
// created.
const MinSpecBytes = 50

var nonSlugChars = regexp.MustCompile(`[^a-z0-9]+`)

// SlugFromSpecPath derives a spec slug from the spec filename: extension
// stripped, lowercased, runs of non-alphanumerics collapsed to hyphens.
func SlugFromSpecPath(specPath string) string {
	base := filepath.Base(specPath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	slug := nonSlugChars.ReplaceAllString(strings.ToLower(stem), "-")
	return strings.Trim(slug, "-")
}

// NewSpecHash returns a random 5-character lowercase hex tag. The tag makes
// concurrent runs of the same spec distinct.
func NewSpecHash() (string, error) {
	var b [3]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate spec hash: %w", err)
	}
	return hex.EncodeToString(b[:])[:5], nil
}

// InitOptions configures workspace initialization.
type InitOptions struct {
	TargetBranch  string
	FeatureBranch string // defaults to feature/<slug>-<hash>
	AutoAccept    bool
	Modes         ModeFlags
	MaxIterations int
	SpecSlug      string // defaults to SlugFromSpecPath
	SpecHash      string // defaults to a fresh random tag
}

// Initialize creates the workspace for a new spec run: validates the project
// directory and spec file, copies the spec verbatim into the workspace, and
// writes the initial WorkspaceInfo.
//
// The project directory must be a git repository; the spec must be at least
// MinSpecBytes long.
func Initialize(projectDir, specPath string, opts InitOptions) (*Store, *WorkspaceInfo, error) {
	info, err := os.Stat(projectDir)
	if err != nil || !info.IsDir() {
		return nil, nil, fmt.Errorf("project directory does not exist: %s", projectDir)
	}
	if _, err := os.Stat(filepath.Join(projectDir, ".git")); err != nil {
		return nil, nil, fmt.Errorf("project directory is not a git repository: %s", projectDir)
	}

	specData, err := os.ReadFile(specPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read spec file %s: %w", specPath, err)
	}
	if len(specData) < MinSpecBytes {
		return nil, nil, fmt.Errorf("spec file too small: %d bytes (minimum %d)", len(specData), MinSpecBytes)
	}

	slug := opts.SpecSlug
	if slug == "" {
		slug = SlugFromSpecPath(specPath)
	}
	hash := opts.SpecHash
	if hash == "" {
		hash, err = NewSpecHash()
		if err != nil {
			return nil, nil, err
		}
	}

	store, err := NewStore(projectDir, slug, hash)
	if err != nil {
		return nil, nil, err
	}

	if opts.TargetBranch == "" {
		return nil, nil, fmt.Errorf("target branch is required")
	}
	featureBranch := opts.FeatureBranch
	if featureBranch == "" {
		featureBranch = fmt.Sprintf("feature/%s-%s", slug, hash)
	}

	if err := store.WriteAtomic(SpecFile, specData); err != nil {
		return nil, nil, err
	}

	wi := &WorkspaceInfo{
		SpecSlug:      slug,
		SpecHash:      hash,
		SpecName:      strings.TrimSuffix(filepath.Base(specPath), filepath.Ext(specPath)),
		FeatureBranch: featureBranch,
		TargetBranch:  opts.TargetBranch,
		AutoAccept:    opts.AutoAccept,
		Modes:         opts.Modes,
		MaxIterations: opts.MaxIterations,
		CreatedAt:     time.Now().UTC(),
	}
	if err := store.SaveWorkspaceInfo(wi); err != nil {
		return nil, nil, err
	}

	return store, wi, nil
}
