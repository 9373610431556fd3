package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/registry"
)

func TestHarmlessIntentsExecuteInClauseOrder(t *testing.T) {
	f := newFixture(t)
	resp := f.turn(t, "turn-1", "Summarize the last 3 papers and show my writing profile")

	assert.Equal(t, models.KindAck, resp.Kind)
	require.Len(t, resp.Intents, 2)
	assert.Equal(t, []models.ItemStatus{models.ItemExecuted, models.ItemExecuted}, statuses(resp.Intents))
	assert.Equal(t, models.SafetyHarmless, resp.Intents[0].SafetyClass)
	assert.Equal(t, "reports/summary.md", resp.Intents[0].ResultRef)
	assert.Equal(t, []string{"reports.generate_summary", "profile.show"}, f.calls.Actions())
	require.Len(t, resp.Messages, 2)
	assert.Contains(t, resp.Messages[0], "[OK] reports.generate_summary completed")
	assert.Contains(t, resp.Messages[0], "Summary ready.")

	events := f.events(t, "turn-1")
	assert.Equal(t, []models.EventType{
		models.EventIntentDetected, models.EventIntentExecuted,
		models.EventIntentDetected, models.EventIntentExecuted,
	}, eventTypes(events))
	assert.Equal(t, "reports.generate_summary", events[1].Details.Action)
	assert.Equal(t, "profile.show", events[3].Details.Action)

	tickets, err := f.store.ListTickets(context.Background(), "ws", "")
	require.NoError(t, err)
	assert.Empty(t, tickets)

	q, err := f.d.Queue(context.Background(), "ws")
	require.NoError(t, err)
	assert.Nil(t, q, "finished queues are cleared")
}

func TestDestructiveIntentNeedsExactPhrase(t *testing.T) {
	f := newFixture(t)

	resp := f.turn(t, "turn-1", "Delete the writing profile")
	require.Equal(t, models.KindConfirmation, resp.Kind)
	require.NotNil(t, resp.Confirmation)
	assert.Equal(t, "DELETE writing", resp.Confirmation.Ticket.ConfirmPhrase)
	assert.Equal(t, models.SafetyDestructive, resp.Confirmation.Ticket.SafetyClass)
	assert.Equal(t, []models.ItemStatus{models.ItemAwaitingConfirmation}, statuses(resp.Intents))
	assert.Contains(t, resp.Messages[0], "Reply with `DELETE writing` to approve")

	resp = f.turn(t, "turn-2", "delete writing")
	assert.Equal(t, models.KindFailure, resp.Kind)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, models.ReasonConfirmationDenied, resp.Failure.ReasonCode)
	assert.Equal(t, models.EventIntentFailed, resp.Failure.LoggedEvent)
	assert.Equal(t, "turn-1", resp.ChatTurnID)
	assert.Empty(t, f.calls.Actions())

	resp = f.turn(t, "turn-3", "Delete the writing profile")
	require.Equal(t, models.KindConfirmation, resp.Kind)
	resp = f.turn(t, "turn-4", "DELETE writing")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, []models.ItemStatus{models.ItemExecuted}, statuses(resp.Intents))
	assert.Equal(t, "undo-delete-writing", resp.Intents[0].UndoToken)
	assert.Equal(t, []string{"profile.delete"}, f.calls.Actions())

	assert.Equal(t, []models.EventType{
		models.EventIntentDetected, models.EventIntentConfirmed, models.EventIntentExecuted,
	}, eventTypes(f.events(t, "turn-3")))
}

func TestDenialCancelsRemainingIntents(t *testing.T) {
	f := newFixture(t)

	resp := f.turn(t, "turn-1", "delete the writing profile then summarize 5 papers")
	require.Equal(t, models.KindConfirmation, resp.Kind)
	assert.Equal(t, []models.ItemStatus{models.ItemAwaitingConfirmation, models.ItemQueued}, statuses(resp.Intents))

	resp = f.turn(t, "turn-2", "no thanks")
	assert.Equal(t, models.KindFailure, resp.Kind)
	assert.Equal(t, []models.ItemStatus{models.ItemFailed, models.ItemCancelled}, statuses(resp.Intents))
	assert.Equal(t, models.ReasonCancelledAfterFailure, resp.Intents[1].ReasonCode)
	assert.Contains(t, resp.Messages, prompts.Skipped("reports.generate_summary", "profile.delete"))
	assert.Contains(t, resp.Messages, prompts.Cancellation("profile.delete", 1))
	assert.Contains(t, resp.Messages, prompts.ManualHint)
	assert.Empty(t, f.calls.Actions())

	events := f.events(t, "turn-1")
	last := events[len(events)-1]
	assert.Equal(t, models.EventIntentFailed, last.EventType)
	assert.Equal(t, models.ReasonCancelledAfterFailure, last.Details.ReasonCode)
	assert.Equal(t, resp.Intents[0].IntentID, last.Details.CausedBy)
	for _, e := range events {
		assert.NotEqual(t, models.EventIntentExecuted, e.EventType)
	}
}

func TestRemoteDisabledFailsWithoutHandlerCall(t *testing.T) {
	f := newFixture(t)

	resp := f.turn(t, "turn-1", "infer my writing profile")
	assert.Equal(t, models.KindFailure, resp.Kind)
	require.NotNil(t, resp.Failure)
	assert.Equal(t, models.ReasonRemoteDisabled, resp.Failure.ReasonCode)
	assert.Equal(t, models.SafetyRemote, resp.Intents[0].SafetyClass)
	assert.Empty(t, f.calls.Actions())
	assert.Zero(t, f.consent.calls)

	tickets, err := f.store.ListTickets(context.Background(), "ws", "")
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestRemoteIntentWithConsent(t *testing.T) {
	f := newFixture(t, withRemote("manifest-1"))

	resp := f.turn(t, "turn-1", "infer my writing profile")
	require.Equal(t, models.KindConfirmation, resp.Kind)
	ticket := resp.Confirmation.Ticket
	assert.Equal(t, []string{"manifest-1"}, ticket.ConsentManifestIDs)
	assert.Equal(t, "ALLOW profile.remote_infer", ticket.ConfirmPhrase)

	resp, err := f.d.ResolveTicket(context.Background(), models.ConfirmRequest{
		WorkspaceID: "ws",
		TicketID:    ticket.TicketID,
		Decision:    models.DecisionApprove,
		Phrase:      "ALLOW profile.remote_infer",
	})
	require.NoError(t, err)
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, []string{"profile.remote_infer"}, f.calls.Actions())

	confirmed := f.events(t, "turn-1")[1]
	assert.Equal(t, models.EventIntentConfirmed, confirmed.EventType)
	assert.Equal(t, []string{"manifest-1"}, confirmed.Details.ConsentManifestIDs)
}

func TestRemoteIntentWithoutConsent(t *testing.T) {
	f := newFixture(t, withRemote())

	resp := f.turn(t, "turn-1", "infer my writing profile")
	assert.Equal(t, models.KindFailure, resp.Kind)
	assert.Equal(t, models.ReasonConsentMissing, resp.Failure.ReasonCode)
	assert.Empty(t, f.calls.Actions())
}

func TestResolveTicketRejectsUnknownTicket(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "turn-1", "Delete the writing profile")

	_, err := f.d.ResolveTicket(context.Background(), models.ConfirmRequest{
		WorkspaceID: "ws", TicketID: "not-a-ticket", Decision: models.DecisionApprove,
	})
	assert.ErrorIs(t, err, ErrNoOpenTicket)
}

func TestExplicitDeny(t *testing.T) {
	f := newFixture(t)
	resp := f.turn(t, "turn-1", "Delete the writing profile")

	resp, err := f.d.ResolveTicket(context.Background(), models.ConfirmRequest{
		WorkspaceID: "ws", TicketID: resp.Confirmation.Ticket.TicketID, Decision: models.DecisionDeny,
	})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonConfirmationDenied, resp.Failure.ReasonCode)
	assert.Empty(t, f.calls.Actions())
}

func TestExpiredTicketFailsTheIntent(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "turn-1", "Delete the writing profile")
	f.clock.Advance(16 * time.Minute)

	resp := f.turn(t, "turn-2", "DELETE writing")
	assert.Equal(t, models.KindFailure, resp.Kind)
	assert.Equal(t, models.ReasonConfirmationExpired, resp.Failure.ReasonCode)
	assert.Empty(t, f.calls.Actions())
}

func TestMissingParameterSuspendsWholeTurn(t *testing.T) {
	f := newFixture(t)

	resp := f.turn(t, "turn-1", "show my profile and summarize 2 papers")
	require.Equal(t, models.KindClarification, resp.Kind)
	require.NotNil(t, resp.Clarification)
	assert.Equal(t, profileTypes, resp.Clarification.Options)
	assert.Equal(t, resp.Intents[0].IntentID, resp.Clarification.IntentID)
	assert.Equal(t, []models.ItemStatus{models.ItemAwaitingClarification, models.ItemQueued}, statuses(resp.Intents))
	assert.Empty(t, f.calls.Actions(), "nothing runs while a clarification is open")

	resp = f.turn(t, "turn-2", "the knowledge one")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, []string{"profile.show", "reports.generate_summary"}, f.calls.Actions())
	assert.Equal(t, "knowledge", f.calls.intents[0].Label("profile_type"))
	count, _ := f.calls.intents[1].Parameters.String("count")
	assert.Equal(t, "2", count)
}

func TestUnreadableAnswerAsksAgain(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "turn-1", "show my profile")

	resp := f.turn(t, "turn-2", "hmm, the blue one")
	assert.Equal(t, models.KindClarification, resp.Kind)
	assert.Equal(t, []models.ItemStatus{models.ItemAwaitingClarification}, statuses(resp.Intents))

	resp = f.turn(t, "turn-3", "work")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, []string{"profile.show"}, f.calls.Actions())
}

func TestClarificationDeclined(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "turn-1", "show my profile and summarize 2 papers")

	resp := f.turn(t, "turn-2", "cancel")
	assert.Equal(t, models.KindFailure, resp.Kind)
	assert.Equal(t, models.ReasonClarificationDeclined, resp.Failure.ReasonCode)
	assert.Equal(t, []models.ItemStatus{models.ItemFailed, models.ItemCancelled}, statuses(resp.Intents))
	assert.Empty(t, f.calls.Actions())
}

func TestClarificationExpiresAndMessageStartsNewTurn(t *testing.T) {
	f := newFixture(t)
	f.turn(t, "turn-1", "show my profile")
	f.clock.Advance(DefaultClarificationTTL)

	resp := f.turn(t, "turn-2", "summarize 2 papers")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, "turn-2", resp.ChatTurnID)
	assert.Contains(t, resp.Messages[0], prompts.ClarificationExpired("profile.show"))
	assert.Equal(t, []string{"reports.generate_summary"}, f.calls.Actions())

	events := f.events(t, "turn-1")
	last := events[len(events)-1]
	assert.Equal(t, models.ReasonClarificationExpired, last.Details.ReasonCode)
}

func TestLowConfidenceAsksYesNo(t *testing.T) {
	f := newFixture(t, withParser(staticParser{{
		Action:     "reports.generate_summary",
		Parameters: models.Parameters{{Key: "count", Value: 3}},
		Confidence: 0.55,
		Segment:    "papers summary maybe",
	}}))

	resp := f.turn(t, "turn-1", "papers summary maybe")
	require.Equal(t, models.KindClarification, resp.Kind)
	assert.Equal(t, []string{"yes", "no"}, resp.Clarification.Options)
	assert.Contains(t, resp.Clarification.Question, "0.55 is below 0.80")

	resp = f.turn(t, "turn-2", "yes")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, 0.55, resp.Intents[0].Confidence, "confidence is never rounded up")
	assert.Equal(t, []string{"reports.generate_summary"}, f.calls.Actions())
}

func TestLowConfidenceDeclinedByAnythingElse(t *testing.T) {
	f := newFixture(t, withParser(staticParser{{Action: "reports.generate_summary", Confidence: 0.4}}))
	f.turn(t, "turn-1", "eh")

	resp := f.turn(t, "turn-2", "maybe later")
	assert.Equal(t, models.ReasonClarificationDeclined, resp.Failure.ReasonCode)
	assert.Empty(t, f.calls.Actions())
}

func TestNoIntentsFallsBack(t *testing.T) {
	f := newFixture(t)
	resp := f.turn(t, "turn-1", "how is the weather")

	assert.Equal(t, models.KindFallback, resp.Kind)
	assert.Equal(t, []string{prompts.NoMatch("how is the weather"), prompts.ManualHint}, resp.Messages)
	assert.Empty(t, f.events(t, ""))
}

func TestInactiveWorkspaceAbortsWholeTurn(t *testing.T) {
	f := newFixture(t, withWorkspaces())
	resp := f.turn(t, "turn-1", "Summarize the last 3 papers and show my writing profile")

	assert.Equal(t, models.KindError, resp.Kind)
	require.NotNil(t, resp.ErrorCode)
	assert.Equal(t, models.ErrorNoWorkspace, *resp.ErrorCode)
	assert.Len(t, resp.Messages, 1)
	assert.Empty(t, f.calls.Actions())
	assert.Empty(t, f.events(t, ""))
}

func TestHandlerErrorHaltsTurn(t *testing.T) {
	f := newFixture(t, withFailure("reports.generate_summary", errUpstream))
	resp := f.turn(t, "turn-1", "Summarize the last 3 papers and show my writing profile")

	assert.Equal(t, models.KindFailure, resp.Kind)
	assert.Equal(t, models.ReasonHandlerError, resp.Failure.ReasonCode)
	assert.Contains(t, resp.Failure.Message, errUpstream.Error())
	assert.Equal(t, []models.ItemStatus{models.ItemFailed, models.ItemCancelled}, statuses(resp.Intents))
	assert.Empty(t, f.calls.Actions())
}

func TestExecutedIntentsAreNotRolledBack(t *testing.T) {
	f := newFixture(t)
	resp := f.turn(t, "turn-1", "summarize 2 papers then delete the writing profile")
	require.Equal(t, models.KindConfirmation, resp.Kind)
	assert.Equal(t, []string{"reports.generate_summary"}, f.calls.Actions())

	resp = f.turn(t, "turn-2", "DELETE work")
	assert.Equal(t, []models.ItemStatus{models.ItemExecuted, models.ItemFailed}, statuses(resp.Intents))
}

func TestUnknownActionFailsTurn(t *testing.T) {
	f := newFixture(t, withParser(staticParser{
		{Action: "mail.send", Confidence: 0.9},
		{Action: "reports.generate_summary", Confidence: 0.9},
	}))
	resp := f.turn(t, "turn-1", "mail it and summarize")

	assert.Equal(t, models.ReasonUnknownAction, resp.Failure.ReasonCode)
	assert.Equal(t, []models.ItemStatus{models.ItemFailed, models.ItemCancelled}, statuses(resp.Intents))
	assert.Empty(t, f.calls.Actions())
}

func TestValidationCallback(t *testing.T) {
	f := newFixture(t,
		withDescriptor(registry.Descriptor{
			ID:       "library",
			Actions:  []string{"library.prune"},
			Triggers: map[string][]string{"library.prune": {"prune"}},
			Params:   []registry.ParamSpec{{Name: "count", Kind: registry.ParamNumber}},
			Validate: func(intent models.IntentPayload) registry.Validation {
				n, _ := intent.Parameters.String("count")
				if n == "0" {
					return registry.Validation{Reason: "count must be positive"}
				}
				if n == "" {
					return registry.Validation{Missing: []string{"count"}}
				}
				return registry.Validation{Valid: true}
			},
		}))

	resp := f.turn(t, "turn-1", "prune 0 entries")
	assert.Equal(t, models.ReasonValidationFailed, resp.Failure.ReasonCode)
	assert.Contains(t, resp.Failure.Message, "count must be positive")

	resp = f.turn(t, "turn-2", "prune the library")
	require.Equal(t, models.KindClarification, resp.Kind)
	resp = f.turn(t, "turn-3", "four")
	assert.Equal(t, models.KindAck, resp.Kind)
	assert.Equal(t, []string{"library.prune"}, f.calls.Actions())
}

func TestReplayReproducesTerminalStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ack := f.turn(t, "turn-1", "Summarize the last 3 papers and show my writing profile")
	f.turn(t, "turn-2", "delete the writing profile then summarize 5 papers")
	denied := f.turn(t, "turn-3", "delete writing")

	for turn, resp := range map[string]*models.TurnResponse{"turn-1": ack, "turn-2": denied} {
		outcomes, err := f.log.Replay(ctx, "ws", turn)
		require.NoError(t, err)
		require.Len(t, outcomes, len(resp.Intents), turn)
		for i, outcome := range outcomes {
			assert.Equal(t, resp.Intents[i].IntentID, outcome.IntentID)
			assert.Equal(t, resp.Intents[i].Status, outcome.Status, turn)
			assert.Equal(t, resp.Intents[i].ReasonCode, outcome.ReasonCode, turn)
		}
	}
	require.NoError(t, f.log.Verify(ctx, "ws"))
}

func TestEmptyMessageIsRejected(t *testing.T) {
	f := newFixture(t)
	_, err := f.d.HandleTurn(context.Background(), models.TurnRequest{WorkspaceID: "ws", Message: "  "})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
