package models

import "time"

// EventType is the lifecycle transition an IntentEvent records.
type EventType string

const (
	EventIntentDetected  EventType = "intent_detected"
	EventIntentConfirmed EventType = "intent_confirmed"
	EventIntentExecuted  EventType = "intent_executed"
	EventIntentFailed    EventType = "intent_failed"
)

// Valid reports whether t is one of the four lifecycle transitions.
func (t EventType) Valid() bool {
	switch t {
	case EventIntentDetected, EventIntentConfirmed, EventIntentExecuted, EventIntentFailed:
		return true
	}
	return false
}

// Reason codes written to intent_failed events.
const (
	ReasonRemoteDisabled        = "remote_disabled"
	ReasonConsentMissing        = "consent_missing"
	ReasonConfirmationDenied    = "confirmation_denied"
	ReasonConfirmationExpired   = "confirmation_expired"
	ReasonHandlerError          = "handler_error"
	ReasonUnknownAction         = "unknown_action"
	ReasonValidationFailed      = "validation_failed"
	ReasonCancelledAfterFailure = "cancelled_after_failure"
	ReasonClarificationDeclined = "clarification_declined"
	ReasonClarificationExpired  = "clarification_expired"
)

// Awaiting values for intent_detected events that suspend the queue.
const (
	AwaitingClarification = "clarification"
	AwaitingConfirmation  = "confirmation"
)

// EventDetails is the structured payload of an IntentEvent.
type EventDetails struct {
	Action             string         `json:"action"`
	Position           int            `json:"position"`
	SafetyClass        SafetyClass    `json:"safety_class,omitempty"`
	Confidence         float64        `json:"confidence,omitempty"`
	Awaiting           string         `json:"awaiting,omitempty"`
	TicketID           string         `json:"ticket_id,omitempty"`
	ConsentManifestIDs []string       `json:"consent_manifest_ids,omitempty"`
	ResultRef          string         `json:"result_ref,omitempty"`
	UndoToken          string         `json:"undo_token,omitempty"`
	ReasonCode         string         `json:"reason_code,omitempty"`
	Reason             string         `json:"reason,omitempty"`
	CausedBy           string         `json:"caused_by,omitempty"`
	Intent             *IntentPayload `json:"intent,omitempty"`
}

// IntentEvent is one append-only log record.
type IntentEvent struct {
	EventID     string       `json:"event_id"`
	Sequence    int64        `json:"sequence"`
	EventType   EventType    `json:"event_type"`
	IntentID    string       `json:"intent_id"`
	WorkspaceID string       `json:"workspace_id"`
	ChatTurnID  string       `json:"chat_turn_id"`
	Timestamp   time.Time    `json:"timestamp"`
	Details     EventDetails `json:"details"`
	PrevHash    string       `json:"prev_hash"`
	Hash        string       `json:"hash"`
}

// IntentOutcome is the state of one intent reconstructed from its events.
type IntentOutcome struct {
	IntentID   string     `json:"intent_id"`
	ChatTurnID string     `json:"chat_turn_id"`
	Action     string     `json:"action"`
	Position   int        `json:"position"`
	Status     ItemStatus `json:"status"`
	ReasonCode string     `json:"reason_code,omitempty"`
	TicketID   string     `json:"ticket_id,omitempty"`
	UndoToken  string     `json:"undo_token,omitempty"`
}
