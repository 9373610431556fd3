package models

import "time"

// TurnRequest is one inbound chat turn from the conversational front-end.
type TurnRequest struct {
	ChatTurnID  string `json:"chat_turn_id"`
	Message     string `json:"message"`
	WorkspaceID string `json:"workspace_id"`
}

// ConfirmRequest resolves a confirmation ticket explicitly, outside the chat flow.
type ConfirmRequest struct {
	WorkspaceID string `json:"workspace_id"`
	TicketID    string `json:"ticket_id"`
	Decision    string `json:"decision"` // "approve" or "deny"
	Phrase      string `json:"phrase,omitempty"`
}

// SuggestRequest asks for evidence-cited suggestions for a workspace.
type SuggestRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

// EventsRequest reads back the event log of a workspace, optionally for one turn.
type EventsRequest struct {
	WorkspaceID string `json:"workspace_id"`
	ChatTurnID  string `json:"chat_turn_id,omitempty"`
}

// Decisions accepted by ConfirmRequest.
const (
	DecisionApprove = "approve"
	DecisionDeny    = "deny"
)

// ResponseKind names the primary shape of a TurnResponse.
type ResponseKind string

const (
	KindAck           ResponseKind = "ack"
	KindConfirmation  ResponseKind = "confirmation"
	KindClarification ResponseKind = "clarification"
	KindFailure       ResponseKind = "failure"
	KindFallback      ResponseKind = "fallback"
	KindSuggestions   ResponseKind = "suggestions"
	KindError         ResponseKind = "error"
)

// IntentStatus is the outbound view of one intent in a turn.
type IntentStatus struct {
	IntentID    string         `json:"intent_id"`
	Action      string         `json:"action"`
	Target      map[string]any `json:"target,omitempty"`
	Parameters  Parameters     `json:"parameters"`
	Confidence  float64        `json:"confidence"`
	SafetyClass SafetyClass    `json:"safety_class"`
	Status      ItemStatus     `json:"status"`
	EventID     string         `json:"event_id,omitempty"`
	ResultRef   string         `json:"result_ref,omitempty"`
	UndoToken   string         `json:"undo_token,omitempty"`
	ReasonCode  string         `json:"reason_code,omitempty"`
}

// TicketView is the outbound view of a confirmation ticket.
type TicketView struct {
	TicketID           string      `json:"ticket_id"`
	Prompt             string      `json:"prompt"`
	ConfirmPhrase      string      `json:"confirm_phrase"`
	SafetyClass        SafetyClass `json:"safety_class"`
	ExpiresAt          time.Time   `json:"expires_at"`
	ConsentManifestIDs []string    `json:"consent_manifest_ids"`
}

// ConfirmationPrompt asks the user to approve a gated intent.
type ConfirmationPrompt struct {
	IntentID string     `json:"intent_id"`
	Ticket   TicketView `json:"ticket"`
}

// ClarificationPrompt asks the user for a missing detail about one intent.
type ClarificationPrompt struct {
	IntentID string   `json:"intent_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// FailureNotice reports a terminal failure that was written to the event log.
type FailureNotice struct {
	Message     string    `json:"message"`
	LoggedEvent EventType `json:"logged_event"`
	ReasonCode  string    `json:"reason_code"`
}

// TurnResponse is sent back to the conversational front-end.
type TurnResponse struct {
	ChatTurnID    string               `json:"chat_turn_id,omitempty"`
	WorkspaceID   string               `json:"workspace_id,omitempty"`
	Kind          ResponseKind         `json:"kind"`
	Intents       []IntentStatus       `json:"intents,omitempty"`
	Messages      []string             `json:"messages"`
	Confirmation  *ConfirmationPrompt  `json:"confirmation,omitempty"`
	Clarification *ClarificationPrompt `json:"clarification,omitempty"`
	Failure       *FailureNotice       `json:"failure,omitempty"`
	Suggestions   *SuggestionSnapshot  `json:"suggestions,omitempty"`
	ErrorCode     *string              `json:"error_code,omitempty"`
	ErrorMessage  *string              `json:"error_message,omitempty"`
}

// EventsResponse carries event log records and their replayed outcomes.
type EventsResponse struct {
	WorkspaceID string          `json:"workspace_id"`
	ChatTurnID  string          `json:"chat_turn_id,omitempty"`
	Events      []IntentEvent   `json:"events"`
	Outcomes    []IntentOutcome `json:"outcomes"`
}

// Suggestion is a recommendation derived from workspace state.
type Suggestion struct {
	Kind     string   `json:"kind"`
	Text     string   `json:"text"`
	Evidence []string `json:"evidence"`
}

// SuggestionSnapshot is regenerated on every request; it is never cached.
type SuggestionSnapshot struct {
	SnapshotID  string       `json:"snapshot_id"`
	WorkspaceID string       `json:"workspace_id"`
	GeneratedAt time.Time    `json:"generated_at"`
	Suggestions []Suggestion `json:"suggestions"`
}

// Error codes
const (
	ErrorParseError     = "PARSE_ERROR"
	ErrorInvalidRequest = "INVALID_REQUEST"
	ErrorInternal       = "INTERNAL_ERROR"
	ErrorTicket         = "TICKET_ERROR"
	ErrorNoWorkspace    = "NO_WORKSPACE"
)
