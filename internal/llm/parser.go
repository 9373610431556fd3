// Package llm is a model-backed intent parser. It proposes intents through
// langchaingo and falls back to the heuristic parser whenever the model is
// unreachable or answers with something unusable.
package llm

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/registry"
)

// HistorySource supplies recent conversation lines for a workspace.
type HistorySource interface {
	Recent(ctx context.Context, workspaceID string) ([]prompts.ConversationLine, error)
}

// Parser implements parser.Parser.
type Parser struct {
	provider Provider
	catalog  parser.Catalog
	fallback parser.Parser
	history  HistorySource
	logger   *zap.Logger
	now      func() time.Time
}

func NewParser(provider Provider, catalog parser.Catalog, fallback parser.Parser, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{
		provider: provider,
		catalog:  catalog,
		fallback: fallback,
		logger:   logger.Named("llm"),
		now:      time.Now,
	}
}

// WithHistory attaches conversation memory to the prompt.
func (p *Parser) WithHistory(h HistorySource) *Parser {
	p.history = h
	return p
}

func (p *Parser) Parse(ctx context.Context, utterance, workspaceID, chatTurnID string) ([]models.IntentPayload, error) {
	descriptors := p.catalog.List()

	var history []prompts.ConversationLine
	if p.history != nil {
		lines, err := p.history.Recent(ctx, workspaceID)
		if err != nil {
			p.logger.Warn("conversation history unavailable", zap.String("workspace_id", workspaceID), zap.Error(err))
		}
		history = lines
	}

	content, err := p.provider.Complete(ctx, prompts.BuildIntentPrompt(schemas(descriptors), history, utterance))
	if err != nil {
		p.logger.Warn("llm parse failed, using heuristic parser", zap.Error(err))
		return p.fallback.Parse(ctx, utterance, workspaceID, chatTurnID)
	}
	response, err := prompts.ParseLLMResponse(content)
	if err != nil {
		p.logger.Warn("llm response unusable, using heuristic parser", zap.Error(err))
		return p.fallback.Parse(ctx, utterance, workspaceID, chatTurnID)
	}

	var intents []models.IntentPayload
	for _, proposed := range response.Intents {
		d, ok := owner(descriptors, proposed.Action)
		if !ok {
			p.logger.Warn("llm proposed an unregistered action", zap.String("action", proposed.Action))
			continue
		}
		segment := proposed.Segment
		if segment == "" {
			segment = utterance
		}
		params := parser.ApplyDefaults(d, declared(d, proposed.Parameters))
		intents = append(intents, models.IntentPayload{
			IntentID:      uuid.NewString(),
			SchemaVersion: models.IntentSchemaVersion,
			Action:        proposed.Action,
			Target:        parser.BuildTarget(d, segment, params),
			Parameters:    params,
			Confidence:    proposed.Confidence,
			ChatTurnID:    chatTurnID,
			WorkspaceID:   workspaceID,
			Segment:       segment,
			CreatedAt:     p.now().UTC(),
		})
	}
	inClauseOrder(utterance, intents)
	return intents, nil
}

// inClauseOrder sorts intents by where their segment starts in the utterance
// and numbers them. Segments not found in the utterance keep the model's
// order after the located ones.
func inClauseOrder(utterance string, intents []models.IntentPayload) {
	lower := strings.ToLower(utterance)
	offset := func(i int) int {
		if at := strings.Index(lower, strings.ToLower(intents[i].Segment)); at >= 0 {
			return at
		}
		return len(utterance)
	}
	offsets := make(map[string]int, len(intents))
	for i := range intents {
		offsets[intents[i].IntentID] = offset(i)
	}
	sort.SliceStable(intents, func(i, j int) bool {
		return offsets[intents[i].IntentID] < offsets[intents[j].IntentID]
	})
	for i := range intents {
		intents[i].Position = i
	}
}

func schemas(descriptors []registry.Descriptor) []prompts.ActionSchema {
	var out []prompts.ActionSchema
	for _, d := range descriptors {
		var params []string
		for _, spec := range d.Params {
			params = append(params, spec.Name)
		}
		for _, action := range d.Actions {
			out = append(out, prompts.ActionSchema{
				Action:   action,
				Params:   params,
				Required: d.RequiredParams,
				Keywords: d.Triggers[action],
			})
		}
	}
	return out
}

func owner(descriptors []registry.Descriptor, action string) (registry.Descriptor, bool) {
	for _, d := range descriptors {
		if d.Owns(action) {
			return d, true
		}
	}
	return registry.Descriptor{}, false
}

// declared keeps the parameters the descriptor knows about, in model order.
func declared(d registry.Descriptor, params models.Parameters) models.Parameters {
	var out models.Parameters
	for _, kv := range params {
		spec, ok := d.Param(kv.Key)
		if !ok {
			continue
		}
		switch spec.Kind {
		case registry.ParamChoice:
			s, isString := kv.Value.(string)
			if !isString {
				continue
			}
			v, matched := parser.ExtractValue(spec, s)
			if !matched {
				continue
			}
			kv.Value = v
		case registry.ParamNumber:
			// JSON numbers decode as float64
			if f, isFloat := kv.Value.(float64); isFloat && f == float64(int(f)) {
				kv.Value = int(f)
			}
		}
		out = out.Set(kv.Key, kv.Value)
	}
	return out
}
