// Package suggest recommends next steps from current workspace state.
//
// Every snapshot is rebuilt from disk on request and every suggestion cites
// the file it was derived from.
package suggest

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/avvvet/intent-router/internal/consent"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/workspace"
)

// Suggestion kinds.
const (
	KindConsentReview    = "consent_review"
	KindKnowledgeRefresh = "knowledge_refresh"
	KindLibraryBacklog   = "library_backlog"
)

var triggerPattern = regexp.MustCompile(`(?i)\b(what should i do next|what(?:'s| is)? next|suggest next|recommend)`)

// IsTrigger reports whether a chat message asks for suggestions.
func IsTrigger(message string) bool {
	return triggerPattern.MatchString(message)
}

// ConsentSource lists manifests waiting for review.
type ConsentSource interface {
	Pending(workspaceID string) ([]consent.Manifest, error)
}

// WorkspaceSignals reads knowledge and library state.
type WorkspaceSignals interface {
	StaleKnowledge(workspaceID string) ([]string, string, error)
	Backlog(workspaceID string) (int, string, error)
}

type Engine struct {
	consent   ConsentSource
	workspace WorkspaceSignals
	now       func() time.Time
	logger    *zap.Logger
}

func New(c ConsentSource, w WorkspaceSignals, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{consent: c, workspace: w, now: time.Now, logger: logger.Named("suggest")}
}

// WithClock overrides the time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Suggest reads the three signals concurrently and builds a fresh snapshot.
func (e *Engine) Suggest(ctx context.Context, workspaceID string) (*models.SuggestionSnapshot, error) {
	if err := workspace.ValidateID(workspaceID); err != nil {
		return nil, err
	}

	var (
		pending     []consent.Manifest
		stale       []string
		stalePath   string
		backlog     int
		backlogPath string
	)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		pending, err = e.consent.Pending(workspaceID)
		if err != nil {
			return fmt.Errorf("failed to read consent manifests: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		stale, stalePath, err = e.workspace.StaleKnowledge(workspaceID)
		return err
	})
	g.Go(func() error {
		var err error
		backlog, backlogPath, err = e.workspace.Backlog(workspaceID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var candidates []models.Suggestion
	if len(pending) > 0 {
		paths := make([]string, 0, len(pending))
		for _, m := range pending {
			paths = append(paths, m.Path)
		}
		candidates = append(candidates, models.Suggestion{
			Kind:     KindConsentReview,
			Text:     prompts.PendingConsent(len(pending), paths),
			Evidence: paths,
		})
	}
	if len(stale) > 0 {
		candidates = append(candidates, models.Suggestion{
			Kind:     KindKnowledgeRefresh,
			Text:     prompts.StaleKnowledge(stale, stalePath),
			Evidence: []string{stalePath},
		})
	}
	if backlog > 0 {
		candidates = append(candidates, models.Suggestion{
			Kind:     KindLibraryBacklog,
			Text:     prompts.Backlog(backlog),
			Evidence: []string{backlogPath},
		})
	}

	snapshot := &models.SuggestionSnapshot{
		SnapshotID:  uuid.NewString(),
		WorkspaceID: workspaceID,
		GeneratedAt: e.now().UTC(),
		Suggestions: []models.Suggestion{},
	}
	for _, s := range candidates {
		if !cited(s) {
			e.logger.Warn("dropping suggestion without evidence", zap.String("kind", s.Kind))
			continue
		}
		snapshot.Suggestions = append(snapshot.Suggestions, s)
	}
	return snapshot, nil
}

func cited(s models.Suggestion) bool {
	for _, path := range s.Evidence {
		if path != "" {
			return true
		}
	}
	return false
}

// Messages renders a snapshot as chat lines.
func Messages(snapshot *models.SuggestionSnapshot) []string {
	if len(snapshot.Suggestions) == 0 {
		return []string{prompts.AllClear}
	}
	lines := make([]string, 0, len(snapshot.Suggestions)+1)
	evidence := 0
	for _, s := range snapshot.Suggestions {
		lines = append(lines, s.Text)
		evidence += len(s.Evidence)
	}
	return append(lines, prompts.Snapshot(snapshot.SnapshotID, snapshot.GeneratedAt, evidence))
}
