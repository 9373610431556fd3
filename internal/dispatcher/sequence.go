package dispatcher

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/registry"
)

// drive runs the queue from its cursor until it suspends or drains, then
// persists it and fills in the response. Handlers run under call; everything
// else uses ctx.
func (d *Dispatcher) drive(ctx, call context.Context, q *models.Queue, resp *models.TurnResponse) error {
	for item := q.Current(); item != nil && item.Status == models.ItemQueued; item = q.Current() {
		if err := d.step(ctx, call, q, item, resp); err != nil {
			return err
		}
	}
	return d.finish(ctx, q, resp)
}

func (d *Dispatcher) finish(ctx context.Context, q *models.Queue, resp *models.TurnResponse) error {
	if q.Done() {
		if err := d.Queues.DeleteQueue(ctx, q.WorkspaceID); err != nil {
			return fmt.Errorf("failed to clear finished queue: %w", err)
		}
	} else if err := d.saveQueue(ctx, q); err != nil {
		return err
	}

	resp.ChatTurnID = q.ChatTurnID
	resp.Intents = q.Statuses()
	switch {
	case resp.Confirmation != nil:
		resp.Kind = models.KindConfirmation
	case resp.Clarification != nil:
		resp.Kind = models.KindClarification
	case resp.Failure != nil:
		resp.Kind = models.KindFailure
	default:
		resp.Kind = models.KindAck
	}
	return nil
}

// step evaluates the queued item at the cursor: it either suspends the
// queue, fails it, or executes the item and advances.
func (d *Dispatcher) step(ctx, call context.Context, q *models.Queue, item *models.QueueItem, resp *models.TurnResponse) error {
	desc, ok := d.Registry.Resolve(item.Intent.Action)
	if !ok {
		if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{}); err != nil {
			return err
		}
		return d.fail(ctx, q, item, models.ReasonUnknownAction, prompts.UnknownAction(item.Intent.Action), resp)
	}

	missing := desc.Missing(item.Intent)
	if desc.Validate != nil {
		v := desc.Validate(item.Intent)
		if !v.Valid && len(v.Missing) == 0 {
			if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{}); err != nil {
				return err
			}
			return d.fail(ctx, q, item, models.ReasonValidationFailed, v.Reason, resp)
		}
		missing = mergeMissing(v.Missing, missing)
	}
	if len(missing) > 0 {
		return d.askParameter(ctx, q, item, desc, missing[0], resp)
	}

	decision, err := d.Classifier.Classify(ctx, &item.Intent)
	if err != nil {
		return fmt.Errorf("failed to classify intent %s: %w", item.Intent.IntentID, err)
	}
	if decision.LowConfidence && !item.Clarified {
		return d.askConfidence(ctx, q, item, resp)
	}
	if decision.Unconfirmable() {
		if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{}); err != nil {
			return err
		}
		return d.fail(ctx, q, item, decision.ReasonCode, decision.Reason, resp)
	}

	if decision.RequiresConfirmation() {
		ticket, err := d.Confirm.Issue(ctx, item.Intent, decision)
		if err != nil {
			return fmt.Errorf("failed to issue confirmation ticket: %w", err)
		}
		item.Status = models.ItemAwaitingConfirmation
		item.TicketID = ticket.TicketID
		if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{
			Awaiting:           models.AwaitingConfirmation,
			TicketID:           ticket.TicketID,
			ConsentManifestIDs: ticket.ConsentManifestIDs,
		}); err != nil {
			return err
		}
		resp.Confirmation = &models.ConfirmationPrompt{IntentID: item.Intent.IntentID, Ticket: ticket.View()}
		resp.Messages = append(resp.Messages, ticket.PromptText)
		return d.saveQueue(ctx, q)
	}

	if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{}); err != nil {
		return err
	}
	return d.execute(ctx, call, q, item, desc, resp)
}

// execute invokes the handler. The queue is saved first so a crash during the
// call leaves the item queued rather than lost.
func (d *Dispatcher) execute(ctx, call context.Context, q *models.Queue, item *models.QueueItem, desc registry.Descriptor, resp *models.TurnResponse) error {
	if err := d.saveQueue(ctx, q); err != nil {
		return err
	}

	result, err := desc.Handler.Execute(call, item.Intent)
	if err != nil {
		d.logger.Warn("handler failed",
			zap.String("action", item.Intent.Action),
			zap.String("intent_id", item.Intent.IntentID),
			zap.Error(err))
		return d.fail(ctx, q, item, models.ReasonHandlerError, err.Error(), resp)
	}

	event, err := d.record(ctx, item, models.EventIntentExecuted, models.EventDetails{
		ResultRef: result.ResultRef,
		UndoToken: result.UndoToken,
	})
	if err != nil {
		return err
	}
	item.Status = models.ItemExecuted
	item.ResultRef = result.ResultRef
	item.UndoToken = result.UndoToken
	q.Cursor++
	resp.Messages = append(resp.Messages, prompts.Success(item.Intent.Action, event.EventID, result.Message))
	return d.saveQueue(ctx, q)
}

// fail records the item's failure and cancels every item behind it.
func (d *Dispatcher) fail(ctx context.Context, q *models.Queue, item *models.QueueItem, reasonCode, reason string, resp *models.TurnResponse) error {
	event, err := d.record(ctx, item, models.EventIntentFailed, models.EventDetails{
		ReasonCode: reasonCode,
		Reason:     reason,
	})
	if err != nil {
		return err
	}
	item.Status = models.ItemFailed
	item.ReasonCode = reasonCode
	item.Clarification = nil
	message := prompts.Failure(item.Intent.Action, event.EventID, reason)
	resp.Messages = append(resp.Messages, message)
	resp.Failure = &models.FailureNotice{
		Message:     message,
		LoggedEvent: models.EventIntentFailed,
		ReasonCode:  reasonCode,
	}

	cancelled := 0
	for i := q.Cursor + 1; i < len(q.Items); i++ {
		next := &q.Items[i]
		if next.Status.Terminal() {
			continue
		}
		skipped := prompts.Skipped(next.Intent.Action, item.Intent.Action)
		if _, err := d.record(ctx, next, models.EventIntentFailed, models.EventDetails{
			ReasonCode: models.ReasonCancelledAfterFailure,
			Reason:     skipped,
			CausedBy:   item.Intent.IntentID,
		}); err != nil {
			return err
		}
		next.Status = models.ItemCancelled
		next.ReasonCode = models.ReasonCancelledAfterFailure
		resp.Messages = append(resp.Messages, skipped)
		cancelled++
	}
	if cancelled > 0 {
		resp.Messages = append(resp.Messages, prompts.Cancellation(item.Intent.Action, cancelled))
	}
	resp.Messages = append(resp.Messages, prompts.ManualHint)

	d.logger.Info("turn halted",
		zap.String("workspace_id", q.WorkspaceID),
		zap.String("chat_turn_id", q.ChatTurnID),
		zap.String("action", item.Intent.Action),
		zap.String("reason_code", reasonCode),
		zap.Int("cancelled", cancelled))

	q.Cursor = len(q.Items)
	return d.saveQueue(ctx, q)
}

// record appends one lifecycle event for item. The append is durable before
// record returns.
func (d *Dispatcher) record(ctx context.Context, item *models.QueueItem, eventType models.EventType, details models.EventDetails) (models.IntentEvent, error) {
	details.Action = item.Intent.Action
	details.Position = item.Intent.Position
	details.SafetyClass = item.Intent.SafetyClass
	details.Confidence = item.Intent.Confidence
	if eventType == models.EventIntentDetected {
		intent := item.Intent
		details.Intent = &intent
	}

	event := models.IntentEvent{
		EventType:   eventType,
		IntentID:    item.Intent.IntentID,
		WorkspaceID: item.Intent.WorkspaceID,
		ChatTurnID:  item.Intent.ChatTurnID,
		Details:     details,
	}
	if err := d.Log.Append(ctx, &event); err != nil {
		return event, fmt.Errorf("failed to log %s: %w", eventType, err)
	}
	item.EventID = event.EventID
	return event, nil
}

func mergeMissing(first, second []string) []string {
	out := append([]string(nil), first...)
	for _, name := range second {
		seen := false
		for _, existing := range out {
			if existing == name {
				seen = true
				break
			}
		}
		if !seen {
			out = append(out, name)
		}
	}
	return out
}
