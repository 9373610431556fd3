package workspace

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Verification statuses of a knowledge entry.
const (
	Verified   = "verified"
	Unverified = "unverified"
	Stale      = "stale"
)

// KnowledgeEntry is one concept in the knowledge profile.
type KnowledgeEntry struct {
	Concept            string `json:"concept"`
	VerificationStatus string `json:"verification_status"`
	LastVerifiedAt     string `json:"last_verified_at,omitempty"`
}

// KnowledgeProfile is profiles/knowledge.json.
type KnowledgeProfile struct {
	Entries []KnowledgeEntry `json:"entries"`
}

// LibraryEntry is one line of library.jsonl.
type LibraryEntry struct {
	EntryID  string   `json:"entry_id"`
	Title    string   `json:"title"`
	PDFPaths []string `json:"pdf_paths,omitempty"`
	NeedsPDF bool     `json:"needs_pdf"`
}

// StaleKnowledge returns the concepts marked stale and the evidence path.
// The path is empty when nothing is stale.
func (l Layout) StaleKnowledge(workspaceID string) ([]string, string, error) {
	path := l.KnowledgePath(workspaceID)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to read knowledge profile: %w", err)
	}

	var profile KnowledgeProfile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, "", fmt.Errorf("failed to parse knowledge profile %s: %w", path, err)
	}

	var stale []string
	for _, entry := range profile.Entries {
		if strings.EqualFold(entry.VerificationStatus, Stale) {
			stale = append(stale, entry.Concept)
		}
	}
	if len(stale) == 0 {
		return nil, "", nil
	}
	return stale, path, nil
}

// Backlog counts library entries still waiting for a PDF.
func (l Layout) Backlog(workspaceID string) (int, string, error) {
	path := l.LibraryPath(workspaceID)
	entries, err := readJSONLFile[LibraryEntry](path)
	if err != nil {
		return 0, "", fmt.Errorf("failed to read library: %w", err)
	}
	count := 0
	for _, entry := range entries {
		if entry.NeedsPDF {
			count++
		}
	}
	if count == 0 {
		return 0, "", nil
	}
	return count, path, nil
}

// AppendLibraryEntry adds one entry to the library file.
func (l Layout) AppendLibraryEntry(workspaceID string, entry LibraryEntry) error {
	entry.NeedsPDF = len(entry.PDFPaths) == 0
	path := l.LibraryPath(workspaceID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// WriteKnowledge replaces the knowledge profile.
func (l Layout) WriteKnowledge(workspaceID string, profile KnowledgeProfile) error {
	return WriteJSON(l.KnowledgePath(workspaceID), profile)
}

func readJSONLFile[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)

	var records []T
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var record T
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			// a partially written tail line is skipped
			continue
		}
		records = append(records, record)
	}
	return records, scanner.Err()
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// WriteJSON atomically writes v as indented JSON to path, creating parents.
func WriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}
