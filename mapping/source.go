package mapping

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Source provides read access to the declarative mapping files. The
// concrete backend (local directory, object store) is injected so the
// resolver itself never touches the filesystem directly.
type Source interface {
	// List returns the relative paths of all mapping files under the
	// given subdirectory ("tables", "services", or "sync").
	List(ctx context.Context, dir string) ([]string, error)

	// Read returns the contents of a single mapping file.
	Read(ctx context.Context, path string) ([]byte, error)
}

// DirSource reads mapping files from a local directory tree:
//
//	<root>/tables/<table>.json
//	<root>/services/<service>.json
//	<root>/sync/<service>.json
type DirSource struct {
	root string
}

// NewDirSource creates a Source rooted at dir.
func NewDirSource(dir string) *DirSource {
	return &DirSource{root: dir}
}

func (s *DirSource) List(ctx context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *DirSource) Read(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file %s: %w", path, err)
	}
	return data, nil
}

// MemSource is an in-memory Source for tests. Keys are relative paths
// like "tables/tickets.json".
type MemSource map[string][]byte

func (s MemSource) List(ctx context.Context, dir string) ([]string, error) {
	var paths []string
	for path := range s {
		if strings.HasPrefix(path, dir+"/") {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func (s MemSource) Read(ctx context.Context, path string) ([]byte, error) {
	data, ok := s[path]
	if !ok {
		return nil, fmt.Errorf("mapping file %s not found", path)
	}
	return data, nil
}
