// Package artifact provides access to the artifact store a job's workers
// write into. A job owns one root; paths inside it are slash-separated.
//
// Two backends exist: FSStore keeps each root as a local directory, and
// HTTPClient talks to a remote document store over its REST API.
package artifact

import (
	"context"
	"path"
	"strings"

	"github.com/Iron-Ham/stagehand/internal/errors"
)

// Node kinds.
const (
	KindFile   = "file"
	KindFolder = "folder"
)

// Well-known paths inside a job root.
const (
	PlanPath     = "agent-log/pipeline-plan.json"
	SnapshotPath = "agent-log/context-snapshot.json"
	ProgressPath = "agent-log/progress.md"
)

// ErrExists is returned by CreateArtifact when the path is taken.
var ErrExists = errors.New("artifact already exists")

// Node is one entry of a root's structure.
type Node struct {
	Token    string `json:"token"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Position int    `json:"position"`
	Children []Node `json:"children,omitempty"`
}

// IsFolder reports whether the node is a folder.
func (n Node) IsFolder() bool {
	return n.Kind == KindFolder
}

// Store is the artifact collaborator used by the scheduler and job control.
type Store interface {
	// CreateRoot creates a new job root and returns its identifier.
	CreateRoot(ctx context.Context, title, description string) (string, error)
	// GetStructure returns the root's file tree.
	GetStructure(ctx context.Context, root string) ([]Node, error)
	// CreateArtifact creates a new file, failing with ErrExists if present.
	CreateArtifact(ctx context.Context, root, path, content, message string) error
	// WriteArtifact replaces an existing file, failing with ErrNotFound.
	WriteArtifact(ctx context.Context, root, path, content, message string) error
	// ReadArtifact returns a file's content, failing with ErrNotFound.
	ReadArtifact(ctx context.Context, root, path string) (string, error)
}

// LocalRooter is implemented by stores whose roots are local directories.
// The worker runs inside that directory.
type LocalRooter interface {
	LocalPath(root string) string
}

// Put writes content to path, creating the file when it does not exist yet.
func Put(ctx context.Context, s Store, root, p, content, message string) error {
	err := s.WriteArtifact(ctx, root, p, content, message)
	if err == nil {
		return nil
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}
	return s.CreateArtifact(ctx, root, p, content, message)
}

// cleanPath normalizes an artifact path and rejects escapes from the root.
func cleanPath(p string) (string, error) {
	c := path.Clean("/" + strings.TrimSpace(p))
	c = strings.TrimPrefix(c, "/")
	if c == "" || c == "." {
		return "", errors.NewValidationError("artifact path must not be empty").WithField("path").WithValue(p)
	}
	return c, nil
}
