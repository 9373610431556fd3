package eventlog

import (
	"context"
	"sort"

	"github.com/avvvet/intent-router/internal/models"
)

// Replay reconstructs the state of every intent in a chat turn from the log
// alone. Outcomes are returned in queue position order.
func (l *Log) Replay(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentOutcome, error) {
	events, err := l.Read(ctx, workspaceID, chatTurnID)
	if err != nil {
		return nil, err
	}
	return Fold(events), nil
}

// Fold applies events in order. The last transition of an intent wins,
// except that a terminal state is never left.
func Fold(events []models.IntentEvent) []models.IntentOutcome {
	var (
		order    []string
		outcomes = make(map[string]*models.IntentOutcome)
		turns    = make(map[string]int)
	)
	for _, event := range events {
		if _, ok := turns[event.ChatTurnID]; !ok {
			turns[event.ChatTurnID] = len(turns)
		}
		out, ok := outcomes[event.IntentID]
		if !ok {
			out = &models.IntentOutcome{
				IntentID:   event.IntentID,
				ChatTurnID: event.ChatTurnID,
				Action:     event.Details.Action,
				Position:   event.Details.Position,
			}
			outcomes[event.IntentID] = out
			order = append(order, event.IntentID)
		}
		if out.Status.Terminal() {
			continue
		}
		apply(out, event)
	}

	result := make([]models.IntentOutcome, 0, len(order))
	for _, id := range order {
		result = append(result, *outcomes[id])
	}
	sort.SliceStable(result, func(i, j int) bool {
		ti, tj := turns[result[i].ChatTurnID], turns[result[j].ChatTurnID]
		if ti != tj {
			return ti < tj
		}
		return result[i].Position < result[j].Position
	})
	return result
}

func apply(out *models.IntentOutcome, event models.IntentEvent) {
	d := event.Details
	switch event.EventType {
	case models.EventIntentDetected:
		switch d.Awaiting {
		case models.AwaitingConfirmation:
			out.Status = models.ItemAwaitingConfirmation
			out.TicketID = d.TicketID
		case models.AwaitingClarification:
			out.Status = models.ItemAwaitingClarification
		default:
			out.Status = models.ItemQueued
		}
	case models.EventIntentConfirmed:
		out.Status = models.ItemQueued
		if d.TicketID != "" {
			out.TicketID = d.TicketID
		}
	case models.EventIntentExecuted:
		out.Status = models.ItemExecuted
		out.UndoToken = d.UndoToken
	case models.EventIntentFailed:
		out.ReasonCode = d.ReasonCode
		if d.ReasonCode == models.ReasonCancelledAfterFailure {
			out.Status = models.ItemCancelled
		} else {
			out.Status = models.ItemFailed
		}
	}
}
