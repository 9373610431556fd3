package handlers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/avvvet/intent-router/internal/capabilities"
	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/consent"
	"github.com/avvvet/intent-router/internal/dispatcher"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/memory"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/registry"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
	"github.com/avvvet/intent-router/internal/suggest"
	"github.com/avvvet/intent-router/internal/workspace"
)

type RouterHandlerSuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	layout   workspace.Layout
	log      *eventlog.Log
	memory   *memory.Manager
	executed []string
	handler  *RouterHandler
}

func TestRouterHandlerSuite(t *testing.T) {
	suite.Run(t, new(RouterHandlerSuite))
}

func (s *RouterHandlerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.executed = nil
	clock := func() time.Time { return s.now }

	s.layout = workspace.NewLayout(s.T().TempDir())
	s.Require().NoError(s.layout.Create("ws"))

	manifest, err := capabilities.Default()
	s.Require().NoError(err)
	reg := registry.New(nil)
	s.Require().NoError(capabilities.Register(reg, manifest, func(m capabilities.Module) (registry.Handler, error) {
		return registry.HandlerFunc(func(ctx context.Context, intent models.IntentPayload) (registry.Result, error) {
			s.executed = append(s.executed, intent.Action)
			return registry.Result{ResultRef: m.ID + "/out.json"}, nil
		}), nil
	}))

	st := store.NewMemoryStore()
	s.log = eventlog.New(st, eventlog.WithClock(clock))
	consents := consent.NewStore(s.layout).WithClock(clock)
	d := dispatcher.New(dispatcher.Deps{
		Registry:   reg,
		Parser:     parser.NewHeuristic(reg).WithClock(clock),
		Classifier: safety.New(reg, safety.WithConsent(consents)),
		Confirm:    confirm.NewManager(st, nil).WithClock(clock).WithConsent(consents),
		Log:        s.log,
		Queues:     st,
		Workspaces: s.layout,
	}, dispatcher.WithClock(clock))

	s.memory = memory.NewManager(memory.NewInMemoryStore(50), nil)
	s.handler = NewRouterHandler(Deps{
		Turns:        d,
		Suggestions:  suggest.New(consents, s.layout, nil).WithClock(clock),
		Events:       s.log,
		Conversation: s.memory,
		Workspaces:   s.layout,
	}, nil)
}

func (s *RouterHandlerSuite) turn(id, message string) *models.TurnResponse {
	resp, err := s.handler.ProcessTurn(s.ctx, &models.TurnRequest{ChatTurnID: id, Message: message, WorkspaceID: "ws"})
	s.Require().NoError(err)
	s.Require().NotNil(resp)
	return resp
}

func (s *RouterHandlerSuite) TestTurnDispatchesAndRemembers() {
	resp := s.turn("t1", "Summarize the last 3 papers and show my writing profile")
	s.Equal(models.KindAck, resp.Kind)
	s.Equal([]string{"reports.generate_summary", "profile.show"}, s.executed)

	history, err := s.memory.Recent(s.ctx, "ws")
	s.Require().NoError(err)
	s.Require().Len(history, 2)
	s.Equal("Summarize the last 3 papers and show my writing profile", history[0].Message)
	s.Contains(history[1].Message, "[OK] reports.generate_summary completed")
}

func (s *RouterHandlerSuite) TestSuggestionTrigger() {
	s.Require().NoError(s.layout.AppendLibraryEntry("ws", workspace.LibraryEntry{EntryID: "p1", Title: "Attention", NeedsPDF: true}))

	resp := s.turn("t1", "What should I do next?")
	s.Equal(models.KindSuggestions, resp.Kind)
	s.Equal("t1", resp.ChatTurnID)
	s.Require().NotNil(resp.Suggestions)
	s.Require().Len(resp.Suggestions.Suggestions, 1)
	s.Equal(suggest.KindLibraryBacklog, resp.Suggestions.Suggestions[0].Kind)
	s.Empty(s.executed)

	events, err := s.handler.Events(s.ctx, &models.EventsRequest{WorkspaceID: "ws"})
	s.Require().NoError(err)
	s.Empty(events.Events, "suggestions are not intents")
}

func (s *RouterHandlerSuite) TestTriggerWhileTicketOpenIsAReply() {
	resp := s.turn("t1", "delete my writing profile")
	s.Require().Equal(models.KindConfirmation, resp.Kind)

	resp = s.turn("t2", "what next")
	s.Equal(models.KindFailure, resp.Kind)
	s.Require().NotNil(resp.Failure)
	s.Equal(models.ReasonConfirmationDenied, resp.Failure.ReasonCode)
	s.Nil(resp.Suggestions)
}

func (s *RouterHandlerSuite) TestConfirmApprovesTicket() {
	resp := s.turn("t1", "delete my writing profile")
	s.Require().NotNil(resp.Confirmation)
	ticket := resp.Confirmation.Ticket

	resp, err := s.handler.Confirm(s.ctx, &models.ConfirmRequest{
		WorkspaceID: "ws",
		TicketID:    ticket.TicketID,
		Decision:    models.DecisionApprove,
		Phrase:      ticket.ConfirmPhrase,
	})
	s.Require().NoError(err)
	s.Equal(models.KindAck, resp.Kind)
	s.Equal([]string{"profile.delete"}, s.executed)

	events, err := s.handler.Events(s.ctx, &models.EventsRequest{WorkspaceID: "ws", ChatTurnID: "t1"})
	s.Require().NoError(err)
	s.Require().Len(events.Outcomes, 1)
	s.Equal(models.ItemExecuted, events.Outcomes[0].Status)
}

func (s *RouterHandlerSuite) TestConfirmErrors() {
	resp, err := s.handler.Confirm(s.ctx, &models.ConfirmRequest{WorkspaceID: "ws", TicketID: "t", Decision: "maybe"})
	s.Require().NoError(err)
	s.Equal(models.KindError, resp.Kind)
	s.Equal(models.ErrorInvalidRequest, *resp.ErrorCode)

	resp, err = s.handler.Confirm(s.ctx, &models.ConfirmRequest{WorkspaceID: "ws", TicketID: "missing", Decision: models.DecisionApprove})
	s.Require().NoError(err)
	s.Equal(models.ErrorTicket, *resp.ErrorCode)
}

func (s *RouterHandlerSuite) TestInvalidTurns() {
	resp, err := s.handler.ProcessTurn(s.ctx, &models.TurnRequest{Message: "show my profile", WorkspaceID: "../etc"})
	s.Require().NoError(err)
	s.Equal(models.KindError, resp.Kind)
	s.Equal(models.ErrorInvalidRequest, *resp.ErrorCode)

	resp, err = s.handler.ProcessTurn(s.ctx, &models.TurnRequest{Message: "  ", WorkspaceID: "ws"})
	s.Require().NoError(err)
	s.Equal(models.ErrorInvalidRequest, *resp.ErrorCode)

	resp, err = s.handler.ProcessTurn(s.ctx, &models.TurnRequest{Message: "what next", WorkspaceID: "other"})
	s.Require().NoError(err)
	s.Equal(models.ErrorNoWorkspace, *resp.ErrorCode)

	history, err := s.memory.Recent(s.ctx, "ws")
	s.Require().NoError(err)
	s.Empty(history)
}

func (s *RouterHandlerSuite) TestEventsRejectsBadWorkspace() {
	_, err := s.handler.Events(s.ctx, &models.EventsRequest{WorkspaceID: ""})
	s.True(errors.Is(err, dispatcher.ErrInvalidRequest))
}

func (s *RouterHandlerSuite) TestErrorCodes() {
	s.Equal(models.ErrorTicket, errorCode(confirm.ErrTicketNotFound))
	s.Equal(models.ErrorInvalidRequest, errorCode(dispatcher.ErrInvalidRequest))
	s.Equal(models.ErrorInternal, errorCode(errors.New("disk full")))
}
