package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ArtifactStore persists uploaded proof documents on disk under a base
// directory. It owns the physical artifact only; the admission workflows
// own the lifecycle and drive replacement and deletion.
type ArtifactStore struct {
	baseDir string
}

// NewArtifactStore ensures the base directory exists and returns a handle.
func NewArtifactStore(baseDir string) (*ArtifactStore, error) {
	if baseDir == "" {
		baseDir = "./uploads"
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	return &ArtifactStore{baseDir: baseDir}, nil
}

// Save streams an uploaded artifact into a collision-free path under the
// given subdirectory and returns the relative storage path.
func (s *ArtifactStore) Save(subdir, filename string, r io.Reader) (string, error) {
	rel := filepath.Join(subdir, uuid.NewString()+"_"+sanitize(filename))
	full := filepath.Join(s.baseDir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("prepare upload directory: %w", err)
	}
	file, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("create artifact file: %w", err)
	}
	defer file.Close() //nolint:errcheck
	if _, err := io.Copy(file, r); err != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return rel, nil
}

// Open returns a read-only handle for a stored artifact.
func (s *ArtifactStore) Open(rel string) (*os.File, error) {
	file, err := os.Open(s.resolve(rel))
	if err != nil {
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return file, nil
}

// Delete removes a stored artifact; a missing file is not an error.
func (s *ArtifactStore) Delete(rel string) error {
	if rel == "" {
		return nil
	}
	if err := os.Remove(s.resolve(rel)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete artifact: %w", err)
	}
	return nil
}

// Path exposes the underlying absolute path.
func (s *ArtifactStore) Path(rel string) string {
	return s.resolve(rel)
}

func (s *ArtifactStore) resolve(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(s.baseDir, rel)
}

func sanitize(name string) string {
	name = filepath.Base(name)
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_", " ", "_")
	cleaned := replacer.Replace(name)
	if cleaned == "" || cleaned == "." {
		return "proof"
	}
	return cleaned
}
