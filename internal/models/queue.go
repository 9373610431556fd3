package models

import "time"

// ItemStatus is the dispatch state of one queued intent.
type ItemStatus string

const (
	ItemQueued                ItemStatus = "queued"
	ItemAwaitingClarification ItemStatus = "awaiting_clarification"
	ItemAwaitingConfirmation  ItemStatus = "awaiting_confirmation"
	ItemExecuted              ItemStatus = "executed"
	ItemFailed                ItemStatus = "failed"
	ItemCancelled             ItemStatus = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s ItemStatus) Terminal() bool {
	return s == ItemExecuted || s == ItemFailed || s == ItemCancelled
}

// Clarification kinds.
const (
	ClarifyParameter  = "parameter"
	ClarifyConfidence = "confidence"
)

// Clarification is an outstanding question about one intent.
type Clarification struct {
	Kind      string     `json:"kind"`
	Param     string     `json:"param,omitempty"`
	Question  string     `json:"question"`
	Options   []string   `json:"options"`
	AskedAt   time.Time  `json:"asked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// QueueItem is one intent held by the dispatcher.
type QueueItem struct {
	Intent        IntentPayload  `json:"intent"`
	Status        ItemStatus     `json:"status"`
	TicketID      string         `json:"ticket_id,omitempty"`
	Clarification *Clarification `json:"clarification,omitempty"`
	Clarified     bool           `json:"clarified,omitempty"`
	EventID       string         `json:"event_id,omitempty"`
	ResultRef     string         `json:"result_ref,omitempty"`
	UndoToken     string         `json:"undo_token,omitempty"`
	ReasonCode    string         `json:"reason_code,omitempty"`
}

// Queue is the ordered dispatch queue of one chat turn. A workspace holds at
// most one unfinished queue at a time.
type Queue struct {
	WorkspaceID string      `json:"workspace_id"`
	ChatTurnID  string      `json:"chat_turn_id"`
	Items       []QueueItem `json:"items"`
	Cursor      int         `json:"cursor"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Current returns the item at the cursor, or nil once the queue is drained.
func (q *Queue) Current() *QueueItem {
	if q.Cursor < 0 || q.Cursor >= len(q.Items) {
		return nil
	}
	return &q.Items[q.Cursor]
}

// Done reports whether every item reached a terminal state.
func (q *Queue) Done() bool {
	return q.Current() == nil
}

// Suspended reports whether the queue waits on the user.
func (q *Queue) Suspended() bool {
	item := q.Current()
	if item == nil {
		return false
	}
	return item.Status == ItemAwaitingClarification || item.Status == ItemAwaitingConfirmation
}

// Statuses returns the outbound view of every item.
func (q *Queue) Statuses() []IntentStatus {
	out := make([]IntentStatus, 0, len(q.Items))
	for _, item := range q.Items {
		out = append(out, IntentStatus{
			IntentID:    item.Intent.IntentID,
			Action:      item.Intent.Action,
			Target:      item.Intent.Target,
			Parameters:  item.Intent.Parameters,
			Confidence:  item.Intent.Confidence,
			SafetyClass: item.Intent.SafetyClass,
			Status:      item.Status,
			EventID:     item.EventID,
			ResultRef:   item.ResultRef,
			UndoToken:   item.UndoToken,
			ReasonCode:  item.ReasonCode,
		})
	}
	return out
}
