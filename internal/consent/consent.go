// Package consent reads the consent manifests a workspace holds for remote
// operations. Manifests are recorded by feature modules; the router only
// checks them.
package consent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/avvvet/intent-router/internal/workspace"
)

// Status of a manifest.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRevoked  Status = "revoked"
)

// Manifest is one consent/manifests/<id>.json file.
type Manifest struct {
	ManifestID   string     `json:"manifest_id"`
	WorkspaceID  string     `json:"workspace_id"`
	Operation    string     `json:"operation"`
	Status       Status     `json:"status"`
	ApprovalText string     `json:"approval_text,omitempty"`
	ApprovedAt   *time.Time `json:"approved_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`

	// Path is where the manifest was read from.
	Path string `json:"-"`
}

// Pending reports whether the manifest still needs review at now.
func (m Manifest) Pending(now time.Time) bool {
	if m.Status != StatusApproved {
		return true
	}
	return m.ExpiresAt != nil && !m.ExpiresAt.After(now)
}

// Covers reports whether an approved manifest applies to action. An empty
// or "*" operation covers every remote action.
func (m Manifest) Covers(action string) bool {
	return m.Operation == "" || m.Operation == "*" || m.Operation == action
}

// Store is the file-backed manifest reader.
type Store struct {
	layout workspace.Layout
	now    func() time.Time
}

func NewStore(layout workspace.Layout) *Store {
	return &Store{layout: layout, now: time.Now}
}

// WithClock overrides the time source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// List reads every manifest in the workspace, ordered by id.
func (s *Store) List(workspaceID string) ([]Manifest, error) {
	if err := workspace.ValidateID(workspaceID); err != nil {
		return nil, err
	}
	dir := s.layout.ConsentDir(workspaceID)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list consent manifests: %w", err)
	}

	var manifests []Manifest
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
		}
		var m Manifest
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
		}
		if m.ManifestID == "" {
			m.ManifestID = strings.TrimSuffix(entry.Name(), ".json")
		}
		m.Path = path
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ManifestID < manifests[j].ManifestID })
	return manifests, nil
}

// Pending returns the manifests awaiting review.
func (s *Store) Pending(workspaceID string) ([]Manifest, error) {
	all, err := s.List(workspaceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var pending []Manifest
	for _, m := range all {
		if m.Pending(now) {
			pending = append(pending, m)
		}
	}
	return pending, nil
}

// ActiveManifests returns ids of approved, unexpired manifests covering action.
func (s *Store) ActiveManifests(ctx context.Context, workspaceID, action string) ([]string, error) {
	all, err := s.List(workspaceID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var ids []string
	for _, m := range all {
		if !m.Pending(now) && m.Covers(action) {
			ids = append(ids, m.ManifestID)
		}
	}
	return ids, nil
}

// Record writes a manifest file.
func (s *Store) Record(workspaceID string, m Manifest) error {
	if err := workspace.ValidateID(workspaceID); err != nil {
		return err
	}
	if err := workspace.ValidateID(m.ManifestID); err != nil {
		return fmt.Errorf("invalid manifest id: %w", err)
	}
	m.WorkspaceID = workspaceID
	return workspace.WriteJSON(s.layout.ManifestPath(workspaceID, m.ManifestID), m)
}
