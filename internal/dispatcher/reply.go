package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/registry"
)

var declineWords = map[string]bool{
	"no": true, "n": true, "cancel": true, "stop": true, "nevermind": true, "abort": true,
}

var affirmWords = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yep": true, "ok": true, "okay": true, "sure": true,
}

// reply treats message as the answer to the queue's suspension. It reports
// false when the suspension had lapsed and message should start a new turn.
func (d *Dispatcher) reply(ctx, call context.Context, q *models.Queue, message string, resp *models.TurnResponse) (bool, error) {
	item := q.Current()
	switch item.Status {
	case models.ItemAwaitingConfirmation:
		// the reply is the literal the user typed; trailing newlines are transport noise
		ticket, err := d.Confirm.Resolve(ctx, item.TicketID, models.DecisionApprove, strings.TrimSpace(message))
		if ticket == nil {
			return true, err
		}
		return true, d.afterResolution(ctx, call, q, ticket, err, resp)
	case models.ItemAwaitingClarification:
		return d.answerClarification(ctx, call, q, item, message, resp)
	}
	return false, nil
}

// afterResolution continues the queue once its ticket left pending.
func (d *Dispatcher) afterResolution(ctx, call context.Context, q *models.Queue, ticket *models.ConfirmationTicket, resolveErr error, resp *models.TurnResponse) error {
	item := q.Current()
	switch ticket.Status {
	case models.TicketApproved:
		if _, err := d.record(ctx, item, models.EventIntentConfirmed, models.EventDetails{
			TicketID:           ticket.TicketID,
			ConsentManifestIDs: ticket.ConsentManifestIDs,
		}); err != nil {
			return err
		}
		item.Status = models.ItemQueued
		desc, ok := d.Registry.Resolve(item.Intent.Action)
		if !ok {
			if err := d.fail(ctx, q, item, models.ReasonUnknownAction, prompts.UnknownAction(item.Intent.Action), resp); err != nil {
				return err
			}
			return d.finish(ctx, q, resp)
		}
		if err := d.execute(ctx, call, q, item, desc, resp); err != nil {
			return err
		}
		return d.drive(ctx, call, q, resp)

	case models.TicketDenied:
		code, reason := models.ReasonConfirmationDenied, prompts.Denied(ticket.ConfirmPhrase)
		if errors.Is(resolveErr, confirm.ErrConsentMissing) {
			code = models.ReasonConsentMissing
			reason = fmt.Sprintf("No active consent manifest covers ticket %s any more.", ticket.TicketID)
		}
		if err := d.fail(ctx, q, item, code, reason, resp); err != nil {
			return err
		}
		return d.finish(ctx, q, resp)

	case models.TicketExpired:
		if err := d.fail(ctx, q, item, models.ReasonConfirmationExpired, prompts.Expired(ticket.TicketID), resp); err != nil {
			return err
		}
		return d.finish(ctx, q, resp)
	}

	if resolveErr == nil {
		resolveErr = fmt.Errorf("ticket %s is still %s", ticket.TicketID, ticket.Status)
	}
	return resolveErr
}

func (d *Dispatcher) askParameter(ctx context.Context, q *models.Queue, item *models.QueueItem, desc registry.Descriptor, param string, resp *models.TurnResponse) error {
	options := []string{}
	if spec, ok := desc.Param(param); ok && len(spec.Options) > 0 {
		options = append(options, spec.Options...)
	}
	return d.suspendForClarification(ctx, q, item, &models.Clarification{
		Kind:     models.ClarifyParameter,
		Param:    param,
		Question: prompts.MissingParameter(item.Intent.Action, param),
		Options:  options,
	}, resp)
}

func (d *Dispatcher) askConfidence(ctx context.Context, q *models.Queue, item *models.QueueItem, resp *models.TurnResponse) error {
	return d.suspendForClarification(ctx, q, item, &models.Clarification{
		Kind: models.ClarifyConfidence,
		Question: prompts.LowConfidence(item.Intent.Action, item.Intent.Segment,
			item.Intent.Confidence, d.Classifier.Threshold()),
		Options: []string{"yes", "no"},
	}, resp)
}

func (d *Dispatcher) suspendForClarification(ctx context.Context, q *models.Queue, item *models.QueueItem, c *models.Clarification, resp *models.TurnResponse) error {
	now := d.now().UTC()
	c.AskedAt = now
	if d.clarificationTTL > 0 {
		expires := now.Add(d.clarificationTTL)
		c.ExpiresAt = &expires
	}
	item.Status = models.ItemAwaitingClarification
	item.Clarification = c
	if _, err := d.record(ctx, item, models.EventIntentDetected, models.EventDetails{
		Awaiting: models.AwaitingClarification,
	}); err != nil {
		return err
	}
	d.setClarification(item, resp)
	return d.saveQueue(ctx, q)
}

func (d *Dispatcher) setClarification(item *models.QueueItem, resp *models.TurnResponse) {
	c := item.Clarification
	resp.Clarification = &models.ClarificationPrompt{
		IntentID: item.Intent.IntentID,
		Question: c.Question,
		Options:  c.Options,
	}
	resp.Messages = append(resp.Messages, c.Question)
}

func (d *Dispatcher) answerClarification(ctx, call context.Context, q *models.Queue, item *models.QueueItem, message string, resp *models.TurnResponse) (bool, error) {
	c := item.Clarification
	if c == nil {
		return true, fmt.Errorf("intent %s awaits clarification without a question", item.Intent.IntentID)
	}

	if c.ExpiresAt != nil && !d.now().Before(*c.ExpiresAt) {
		if err := d.fail(ctx, q, item, models.ReasonClarificationExpired, prompts.ClarificationExpired(item.Intent.Action), resp); err != nil {
			return true, err
		}
		if err := d.finish(ctx, q, resp); err != nil {
			return true, err
		}
		// the message was not an answer to anything still open
		return false, nil
	}

	answer := strings.ToLower(strings.Trim(strings.TrimSpace(message), ".!"))
	if declineWords[answer] {
		return true, d.decline(ctx, q, item, resp)
	}

	switch c.Kind {
	case models.ClarifyConfidence:
		if !affirmWords[answer] {
			return true, d.decline(ctx, q, item, resp)
		}
		item.Clarified = true

	case models.ClarifyParameter:
		desc, ok := d.Registry.Resolve(item.Intent.Action)
		if !ok {
			if err := d.fail(ctx, q, item, models.ReasonUnknownAction, prompts.UnknownAction(item.Intent.Action), resp); err != nil {
				return true, err
			}
			return true, d.finish(ctx, q, resp)
		}
		spec, ok := desc.Param(c.Param)
		if !ok {
			spec = registry.ParamSpec{Name: c.Param, Kind: registry.ParamChoice, Options: c.Options}
		}
		value, ok := answerValue(spec, message)
		if !ok {
			// ask again; the queue stays suspended
			d.setClarification(item, resp)
			resp.ChatTurnID = q.ChatTurnID
			resp.Intents = q.Statuses()
			resp.Kind = models.KindClarification
			return true, nil
		}
		item.Intent.Parameters = item.Intent.Parameters.Clone().Set(c.Param, value)
		item.Intent.Target = parser.BuildTarget(desc, item.Intent.Segment, item.Intent.Parameters)
		// a parameter answer also settles confidence
		item.Clarified = true

	default:
		return true, fmt.Errorf("unknown clarification kind %q", c.Kind)
	}

	item.Status = models.ItemQueued
	item.Clarification = nil
	return true, d.drive(ctx, call, q, resp)
}

func (d *Dispatcher) decline(ctx context.Context, q *models.Queue, item *models.QueueItem, resp *models.TurnResponse) error {
	if err := d.fail(ctx, q, item, models.ReasonClarificationDeclined, prompts.ClarificationDeclined(item.Intent.Action), resp); err != nil {
		return err
	}
	return d.finish(ctx, q, resp)
}

// answerValue reads a clarification answer. Free text is accepted for
// parameters without a fixed option list.
func answerValue(spec registry.ParamSpec, message string) (any, bool) {
	if v, ok := parser.ExtractValue(spec, message); ok {
		return v, true
	}
	if spec.Kind == registry.ParamChoice && len(spec.Options) == 0 {
		if text := strings.TrimSpace(message); text != "" {
			return text, true
		}
	}
	return nil, false
}
