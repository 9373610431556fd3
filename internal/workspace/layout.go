// Package workspace resolves the on-disk layout of a workspace and reads the
// state signals the router inspects (knowledge verification, library backlog).
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ConsentManifestsDir = "consent/manifests"
	ProfilesDir         = "profiles"
	KnowledgeFile       = "knowledge.json"
	LibraryFile         = "library.jsonl"
)

var ErrInvalidWorkspaceID = errors.New("invalid workspace id")

// Layout maps workspace ids to directories below Root.
type Layout struct {
	Root string
}

func NewLayout(root string) Layout {
	return Layout{Root: root}
}

// ValidateID rejects ids that would escape the root directory.
func ValidateID(workspaceID string) error {
	switch {
	case strings.TrimSpace(workspaceID) == "":
		return fmt.Errorf("%w: empty", ErrInvalidWorkspaceID)
	case workspaceID == "." || workspaceID == "..":
		return fmt.Errorf("%w: %q", ErrInvalidWorkspaceID, workspaceID)
	case strings.ContainsAny(workspaceID, `/\`):
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidWorkspaceID, workspaceID)
	}
	return nil
}

// Dir returns the workspace directory.
func (l Layout) Dir(workspaceID string) string {
	return filepath.Join(l.Root, workspaceID)
}

func (l Layout) ConsentDir(workspaceID string) string {
	return filepath.Join(l.Dir(workspaceID), filepath.FromSlash(ConsentManifestsDir))
}

func (l Layout) ManifestPath(workspaceID, manifestID string) string {
	return filepath.Join(l.ConsentDir(workspaceID), manifestID+".json")
}

func (l Layout) KnowledgePath(workspaceID string) string {
	return filepath.Join(l.Dir(workspaceID), ProfilesDir, KnowledgeFile)
}

func (l Layout) LibraryPath(workspaceID string) string {
	return filepath.Join(l.Dir(workspaceID), LibraryFile)
}

// Active reports whether the workspace exists. A workspace is active once
// its directory has been created.
func (l Layout) Active(workspaceID string) (bool, error) {
	if err := ValidateID(workspaceID); err != nil {
		return false, nil
	}
	info, err := os.Stat(l.Dir(workspaceID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat workspace %s: %w", workspaceID, err)
	}
	return info.IsDir(), nil
}

// Create makes the workspace directory tree.
func (l Layout) Create(workspaceID string) error {
	if err := ValidateID(workspaceID); err != nil {
		return err
	}
	for _, dir := range []string{
		l.ConsentDir(workspaceID),
		filepath.Dir(l.KnowledgePath(workspaceID)),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}
