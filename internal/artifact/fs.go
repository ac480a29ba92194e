package artifact

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// metaFile holds root metadata. Dot-prefixed entries are hidden from
// GetStructure.
const metaFile = ".stagehand-root.json"

// RootMeta describes a local job root.
type RootMeta struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// FSStore keeps every root as a directory under a base directory.
type FSStore struct {
	fs   afero.Fs
	base string
	now  func() time.Time
}

// NewFSStore creates a store rooted at base on fs. A nil fs uses the OS
// filesystem.
func NewFSStore(fs afero.Fs, base string) *FSStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FSStore{fs: fs, base: base, now: time.Now}
}

// LocalPath returns the directory backing root.
func (s *FSStore) LocalPath(root string) string {
	return filepath.Join(s.base, root)
}

// CreateRoot creates a directory named by a fresh UUID.
func (s *FSStore) CreateRoot(_ context.Context, title, description string) (string, error) {
	id := uuid.NewString()
	dir := s.LocalPath(id)
	if err := s.fs.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create job root: %w", err)
	}
	meta, err := json.MarshalIndent(RootMeta{
		ID:          id,
		Title:       title,
		Description: description,
		CreatedAt:   s.now().UTC(),
	}, "", "  ")
	if err != nil {
		return "", err
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dir, metaFile), meta, 0644); err != nil {
		return "", fmt.Errorf("failed to write root metadata: %w", err)
	}
	return id, nil
}

// Meta returns the metadata written by CreateRoot.
func (s *FSStore) Meta(root string) (*RootMeta, error) {
	data, err := afero.ReadFile(s.fs, filepath.Join(s.LocalPath(root), metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewNotFoundError("job root", root)
		}
		return nil, err
	}
	var m RootMeta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse root metadata: %w", err)
	}
	return &m, nil
}

// GetStructure walks the root directory.
func (s *FSStore) GetStructure(_ context.Context, root string) ([]Node, error) {
	dir := s.LocalPath(root)
	if ok, err := afero.DirExists(s.fs, dir); err != nil {
		return nil, err
	} else if !ok {
		return nil, errors.NewNotFoundError("job root", root)
	}
	return s.walk(dir, "")
}

func (s *FSStore) walk(dir, rel string) ([]Node, error) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	nodes := make([]Node, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		token := e.Name()
		if rel != "" {
			token = rel + "/" + e.Name()
		}
		n := Node{Token: token, Name: e.Name(), Kind: KindFile, Position: len(nodes)}
		if e.IsDir() {
			n.Kind = KindFolder
			children, err := s.walk(filepath.Join(dir, e.Name()), token)
			if err != nil {
				return nil, err
			}
			n.Children = children
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func (s *FSStore) resolve(root, p string) (string, string, error) {
	clean, err := cleanPath(p)
	if err != nil {
		return "", "", err
	}
	if ok, err := afero.DirExists(s.fs, s.LocalPath(root)); err != nil {
		return "", "", err
	} else if !ok {
		return "", "", errors.NewNotFoundError("job root", root)
	}
	return clean, filepath.Join(s.LocalPath(root), filepath.FromSlash(clean)), nil
}

// CreateArtifact creates a file and its parent folders.
func (s *FSStore) CreateArtifact(_ context.Context, root, p, content, _ string) error {
	clean, full, err := s.resolve(root, p)
	if err != nil {
		return err
	}
	if ok, _ := afero.Exists(s.fs, full); ok {
		return fmt.Errorf("%w: %s", ErrExists, clean)
	}
	if err := s.fs.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create folder for %s: %w", clean, err)
	}
	return afero.WriteFile(s.fs, full, []byte(content), 0644)
}

// WriteArtifact replaces an existing file.
func (s *FSStore) WriteArtifact(_ context.Context, root, p, content, _ string) error {
	clean, full, err := s.resolve(root, p)
	if err != nil {
		return err
	}
	if ok, _ := afero.Exists(s.fs, full); !ok {
		return errors.NewNotFoundError("artifact", clean)
	}
	return afero.WriteFile(s.fs, full, []byte(content), 0644)
}

// ReadArtifact returns a file's content.
func (s *FSStore) ReadArtifact(_ context.Context, root, p string) (string, error) {
	clean, full, err := s.resolve(root, p)
	if err != nil {
		return "", err
	}
	data, err := afero.ReadFile(s.fs, full)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errors.NewNotFoundError("artifact", clean)
		}
		return "", fmt.Errorf("failed to read %s: %w", clean, err)
	}
	return string(data), nil
}

// Roots lists every root under the base directory, newest first.
func (s *FSStore) Roots() ([]RootMeta, error) {
	entries, err := afero.ReadDir(s.fs, s.base)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []RootMeta
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if m, err := s.Meta(e.Name()); err == nil {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
