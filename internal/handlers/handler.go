package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/dispatcher"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/suggest"
	"github.com/avvvet/intent-router/internal/workspace"
)

// Turns is the part of the dispatcher the handler drives.
type Turns interface {
	HandleTurn(ctx context.Context, req models.TurnRequest) (*models.TurnResponse, error)
	ResolveTicket(ctx context.Context, req models.ConfirmRequest) (*models.TurnResponse, error)
	Queue(ctx context.Context, workspaceID string) (*models.Queue, error)
}

type Suggester interface {
	Suggest(ctx context.Context, workspaceID string) (*models.SuggestionSnapshot, error)
}

type EventReader interface {
	Read(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error)
}

// Conversation records the chat for the LLM parser's history window.
type Conversation interface {
	SaveUserMessage(ctx context.Context, workspaceID, message string) error
	SaveAssistantMessage(ctx context.Context, workspaceID, message string) error
}

type Workspaces interface {
	Active(workspaceID string) (bool, error)
}

type Deps struct {
	Turns        Turns
	Suggestions  Suggester
	Events       EventReader
	Conversation Conversation
	Workspaces   Workspaces
}

// RouterHandler validates inbound requests and turns every outcome,
// including errors, into a response payload.
type RouterHandler struct {
	deps   Deps
	logger *zap.Logger
}

func NewRouterHandler(deps Deps, logger *zap.Logger) *RouterHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RouterHandler{deps: deps, logger: logger.Named("handlers")}
}

// ProcessTurn handles one chat turn. Suggestion requests go to the
// suggestion engine unless the workspace is waiting on a reply.
func (h *RouterHandler) ProcessTurn(ctx context.Context, request *models.TurnRequest) (*models.TurnResponse, error) {
	if err := h.validateTurn(request); err != nil {
		return h.createErrorResponse(request.ChatTurnID, request.WorkspaceID, models.ErrorInvalidRequest, err.Error()), nil
	}

	var (
		response *models.TurnResponse
		err      error
	)
	if suggest.IsTrigger(request.Message) && !h.awaitingReply(ctx, request.WorkspaceID) {
		response, err = h.suggest(ctx, request.WorkspaceID)
		if response != nil {
			response.ChatTurnID = request.ChatTurnID
		}
	} else {
		response, err = h.deps.Turns.HandleTurn(ctx, *request)
	}
	if err != nil {
		h.logger.Error("turn failed",
			zap.String("workspace_id", request.WorkspaceID),
			zap.String("chat_turn_id", request.ChatTurnID),
			zap.Error(err))
		return h.createErrorResponse(request.ChatTurnID, request.WorkspaceID, errorCode(err), err.Error()), nil
	}

	h.remember(ctx, request.WorkspaceID, request.Message, response)

	h.logger.Info("turn processed",
		zap.String("workspace_id", request.WorkspaceID),
		zap.String("chat_turn_id", response.ChatTurnID),
		zap.String("kind", string(response.Kind)),
		zap.Int("intents", len(response.Intents)))
	return response, nil
}

// Confirm resolves a ticket by explicit decision.
func (h *RouterHandler) Confirm(ctx context.Context, request *models.ConfirmRequest) (*models.TurnResponse, error) {
	if err := h.validateConfirm(request); err != nil {
		return h.createErrorResponse("", request.WorkspaceID, models.ErrorInvalidRequest, err.Error()), nil
	}
	response, err := h.deps.Turns.ResolveTicket(ctx, *request)
	if err != nil {
		h.logger.Warn("ticket resolution failed",
			zap.String("workspace_id", request.WorkspaceID),
			zap.String("ticket_id", request.TicketID),
			zap.Error(err))
		return h.createErrorResponse("", request.WorkspaceID, errorCode(err), err.Error()), nil
	}
	return response, nil
}

// Suggest returns a fresh suggestion snapshot.
func (h *RouterHandler) Suggest(ctx context.Context, request *models.SuggestRequest) (*models.TurnResponse, error) {
	if err := workspace.ValidateID(request.WorkspaceID); err != nil {
		return h.createErrorResponse("", request.WorkspaceID, models.ErrorInvalidRequest, err.Error()), nil
	}
	response, err := h.suggest(ctx, request.WorkspaceID)
	if err != nil {
		return h.createErrorResponse("", request.WorkspaceID, errorCode(err), err.Error()), nil
	}
	return response, nil
}

// Events reads the workspace's event log and the outcome of each intent.
func (h *RouterHandler) Events(ctx context.Context, request *models.EventsRequest) (*models.EventsResponse, error) {
	if err := workspace.ValidateID(request.WorkspaceID); err != nil {
		return nil, fmt.Errorf("%w: %v", dispatcher.ErrInvalidRequest, err)
	}
	events, err := h.deps.Events.Read(ctx, request.WorkspaceID, request.ChatTurnID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	if events == nil {
		events = []models.IntentEvent{}
	}
	return &models.EventsResponse{
		WorkspaceID: request.WorkspaceID,
		ChatTurnID:  request.ChatTurnID,
		Events:      events,
		Outcomes:    eventlog.Fold(events),
	}, nil
}

func (h *RouterHandler) suggest(ctx context.Context, workspaceID string) (*models.TurnResponse, error) {
	active, err := h.deps.Workspaces.Active(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("failed to check workspace: %w", err)
	}
	if !active {
		text := prompts.NoWorkspace(workspaceID)
		return h.createErrorResponse("", workspaceID, models.ErrorNoWorkspace, text), nil
	}
	snapshot, err := h.deps.Suggestions.Suggest(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return &models.TurnResponse{
		WorkspaceID: workspaceID,
		Kind:        models.KindSuggestions,
		Messages:    suggest.Messages(snapshot),
		Suggestions: snapshot,
	}, nil
}

func (h *RouterHandler) awaitingReply(ctx context.Context, workspaceID string) bool {
	q, err := h.deps.Turns.Queue(ctx, workspaceID)
	if err != nil {
		h.logger.Warn("failed to load queue", zap.String("workspace_id", workspaceID), zap.Error(err))
		return false
	}
	return q != nil && q.Suspended()
}

func (h *RouterHandler) remember(ctx context.Context, workspaceID, message string, response *models.TurnResponse) {
	if h.deps.Conversation == nil || response.Kind == models.KindError {
		return
	}
	if err := h.deps.Conversation.SaveUserMessage(ctx, workspaceID, message); err != nil {
		h.logger.Warn("failed to save user message", zap.String("workspace_id", workspaceID), zap.Error(err))
		return
	}
	if len(response.Messages) == 0 {
		return
	}
	reply := strings.Join(response.Messages, "\n")
	if err := h.deps.Conversation.SaveAssistantMessage(ctx, workspaceID, reply); err != nil {
		h.logger.Warn("failed to save assistant message", zap.String("workspace_id", workspaceID), zap.Error(err))
	}
}

func (h *RouterHandler) validateTurn(request *models.TurnRequest) error {
	if err := workspace.ValidateID(request.WorkspaceID); err != nil {
		return err
	}
	if strings.TrimSpace(request.Message) == "" {
		return fmt.Errorf("message is required")
	}
	return nil
}

func (h *RouterHandler) validateConfirm(request *models.ConfirmRequest) error {
	if err := workspace.ValidateID(request.WorkspaceID); err != nil {
		return err
	}
	if request.TicketID == "" {
		return fmt.Errorf("ticket_id is required")
	}
	switch request.Decision {
	case models.DecisionApprove, models.DecisionDeny:
	default:
		return fmt.Errorf("decision must be %q or %q", models.DecisionApprove, models.DecisionDeny)
	}
	return nil
}

func (h *RouterHandler) createErrorResponse(chatTurnID, workspaceID, code, message string) *models.TurnResponse {
	return &models.TurnResponse{
		ChatTurnID:   chatTurnID,
		WorkspaceID:  workspaceID,
		Kind:         models.KindError,
		Messages:     []string{prompts.ErrorMessage(code, message)},
		ErrorCode:    &code,
		ErrorMessage: &message,
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, dispatcher.ErrInvalidRequest), errors.Is(err, workspace.ErrInvalidWorkspaceID):
		return models.ErrorInvalidRequest
	case errors.Is(err, dispatcher.ErrNoOpenTicket),
		errors.Is(err, confirm.ErrTicketNotFound),
		errors.Is(err, confirm.ErrUnknownDecision):
		return models.ErrorTicket
	default:
		return models.ErrorInternal
	}
}
