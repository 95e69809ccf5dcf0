package collab

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LocalRepo reads the working tree of the repository under improvement.
// Implements FileReader for the Gemini collaborators.
type LocalRepo struct {
	root       string
	extensions map[string]struct{}
	skipDirs   map[string]struct{}
}

// NewLocalRepo creates a reader rooted at root. Only source and doc files
// are listed; vendored and VCS directories are skipped.
func NewLocalRepo(root string) *LocalRepo {
	return &LocalRepo{
		root: root,
		extensions: map[string]struct{}{
			".go": {}, ".py": {}, ".md": {}, ".yaml": {}, ".yml": {}, ".mod": {},
		},
		skipDirs: map[string]struct{}{
			".git": {}, "node_modules": {}, "vendor": {}, ".forge": {},
		},
	}
}

// ListFiles returns repository-relative paths of readable source files, in
// sorted order.
func (r *LocalRepo) ListFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, skip := r.skipDirs[d.Name()]; skip {
				return filepath.SkipDir
			}
			return nil
		}
		if _, ok := r.extensions[filepath.Ext(path)]; !ok {
			return nil
		}
		rel, err := filepath.Rel(r.root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk repository: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

// ReadFile returns the contents of a repository-relative path. Paths
// resolving outside the root are refused.
func (r *LocalRepo) ReadFile(path string) (string, error) {
	cleaned := filepath.Clean(path)
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path outside repository: %s", path)
	}
	data, err := os.ReadFile(filepath.Join(r.root, cleaned))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
