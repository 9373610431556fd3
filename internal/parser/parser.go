// Package parser turns a chat message into candidate intents.
//
// The heuristic parser knows no actions of its own: every action, its trigger
// keywords and its parameters come from the capability descriptors currently
// registered.
package parser

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/registry"
)

// Confidence levels of the heuristic parser.
const (
	ConfidenceMatch          = 0.9
	ConfidenceMissingParam   = 0.62
	ConfidenceAmbiguousMatch = 0.6
)

// Parser extracts intents from an utterance, preserving clause order. Zero
// intents is a valid result.
type Parser interface {
	Parse(ctx context.Context, utterance, workspaceID, chatTurnID string) ([]models.IntentPayload, error)
}

// Catalog lists the registered capabilities.
type Catalog interface {
	List() []registry.Descriptor
}

// Heuristic matches descriptor trigger keywords clause by clause.
type Heuristic struct {
	catalog Catalog
	now     func() time.Time
}

func NewHeuristic(catalog Catalog) *Heuristic {
	return &Heuristic{catalog: catalog, now: time.Now}
}

// WithClock overrides the time source.
func (h *Heuristic) WithClock(now func() time.Time) *Heuristic {
	h.now = now
	return h
}

func (h *Heuristic) Parse(ctx context.Context, utterance, workspaceID, chatTurnID string) ([]models.IntentPayload, error) {
	descriptors := h.catalog.List()

	var intents []models.IntentPayload
	for _, segment := range Segments(utterance) {
		intent, ok := h.parseSegment(descriptors, segment)
		if !ok {
			continue
		}
		intent.WorkspaceID = workspaceID
		intent.ChatTurnID = chatTurnID
		intent.Position = len(intents)
		intents = append(intents, intent)
	}
	return intents, nil
}

type candidate struct {
	descriptor registry.Descriptor
	action     string
	keywords   int
}

func (h *Heuristic) parseSegment(descriptors []registry.Descriptor, segment string) (models.IntentPayload, bool) {
	toks := tokens(segment)

	var matches []candidate
	for _, d := range descriptors {
		for _, action := range d.Actions {
			keywords := d.Triggers[action]
			if len(keywords) == 0 || !allPresent(toks, keywords) {
				continue
			}
			matches = append(matches, candidate{descriptor: d, action: action, keywords: len(keywords)})
		}
	}
	if len(matches) == 0 {
		return models.IntentPayload{}, false
	}

	// the most specific trigger wins
	best, tie := matches[0], false
	for _, m := range matches[1:] {
		switch {
		case m.keywords > best.keywords:
			best, tie = m, false
		case m.keywords == best.keywords:
			tie = true
		}
	}

	params := ExtractParams(best.descriptor, segment)
	confidence := ConfidenceMatch
	switch {
	case tie:
		confidence = ConfidenceAmbiguousMatch
	case len(best.descriptor.Missing(models.IntentPayload{Parameters: params})) > 0:
		confidence = ConfidenceMissingParam
	}

	return models.IntentPayload{
		IntentID:      uuid.NewString(),
		SchemaVersion: models.IntentSchemaVersion,
		Action:        best.action,
		Target:        BuildTarget(best.descriptor, segment, params),
		Parameters:    params,
		Confidence:    confidence,
		Segment:       segment,
		CreatedAt:     h.now().UTC(),
	}, true
}

func allPresent(toks []string, keywords []string) bool {
	for _, k := range keywords {
		if !hasWord(toks, k) {
			return false
		}
	}
	return true
}
