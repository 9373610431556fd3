// Package confirm issues and resolves confirmation tickets.
//
// A ticket moves pending -> approved | denied | expired exactly once. Expiry is
// passive: it is applied whenever a ticket is read or resolved after its
// deadline. Sweep is an optional housekeeping pass over the same rule.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
)

// DefaultTTL is how long a ticket stays open.
const DefaultTTL = 15 * time.Minute

var (
	ErrTicketNotFound  = errors.New("confirmation ticket not found")
	ErrTicketResolved  = errors.New("confirmation ticket already resolved")
	ErrTicketExpired   = errors.New("confirmation ticket expired")
	ErrPhraseMismatch  = errors.New("confirmation phrase does not match")
	ErrConsentMissing  = errors.New("remote ticket has no consent manifest")
	ErrNoGate          = errors.New("intent does not require confirmation")
	ErrUnknownDecision = errors.New("unknown confirmation decision")
)

// Manager owns confirmation tickets.
type Manager struct {
	store   store.TicketStore
	consent safety.ConsentSource
	clock   func() time.Time
	ttl     time.Duration
	logger  *zap.Logger
}

func NewManager(s store.TicketStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  s,
		clock:  time.Now,
		ttl:    DefaultTTL,
		logger: logger.Named("confirm"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// WithConsent makes approval of a remote ticket require that one of the
// manifests it was issued under is still active.
func (m *Manager) WithConsent(source safety.ConsentSource) *Manager {
	m.consent = source
	return m
}

// WithTTL overrides the ticket lifetime.
func (m *Manager) WithTTL(ttl time.Duration) *Manager {
	if ttl > 0 {
		m.ttl = ttl
	}
	return m
}

// Issue creates a pending ticket for intent as gated by decision.
func (m *Manager) Issue(ctx context.Context, intent models.IntentPayload, decision safety.Decision) (*models.ConfirmationTicket, error) {
	if !decision.RequiresConfirmation() {
		return nil, fmt.Errorf("%w: %s", ErrNoGate, intent.Action)
	}
	if decision.Class == models.SafetyRemote && len(decision.ConsentManifestIDs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrConsentMissing, intent.Action)
	}

	now := m.clock().UTC()
	ticket := &models.ConfirmationTicket{
		TicketID:           uuid.NewString(),
		IntentID:           intent.IntentID,
		WorkspaceID:        intent.WorkspaceID,
		ChatTurnID:         intent.ChatTurnID,
		Action:             intent.Action,
		SafetyClass:        decision.Class,
		ConfirmPhrase:      decision.ConfirmPhrase,
		ConsentManifestIDs: append([]string(nil), decision.ConsentManifestIDs...),
		Status:             models.TicketPending,
		CreatedAt:          now,
		ExpiresAt:          now.Add(m.ttl),
	}
	switch decision.Class {
	case models.SafetyRemote:
		ticket.PromptText = prompts.RemoteConfirmation(intent.Action, ticket.ConfirmPhrase, ticket.ConsentManifestIDs, ticket.ExpiresAt)
	default:
		ticket.PromptText = prompts.DestructiveConfirmation(intent.Action, phraseLabel(ticket.ConfirmPhrase), ticket.ConfirmPhrase, ticket.ExpiresAt)
	}

	if err := m.store.CreateTicket(ctx, ticket); err != nil {
		return nil, fmt.Errorf("failed to persist ticket: %w", err)
	}

	m.logger.Info("confirmation ticket issued",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("intent_id", ticket.IntentID),
		zap.String("workspace_id", ticket.WorkspaceID),
		zap.String("action", ticket.Action),
		zap.String("safety_class", string(ticket.SafetyClass)),
		zap.Time("expires_at", ticket.ExpiresAt),
	)
	return ticket, nil
}

// Get returns a ticket, expiring it first when its deadline has passed.
func (m *Manager) Get(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error) {
	ticket, err := m.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.IsExpired(m.clock()) {
		return m.transition(ctx, ticket, models.TicketExpired)
	}
	return ticket, nil
}

// Resolve applies the user's decision. The returned ticket carries its final
// status even when an error explains why an approval was turned into a denial.
//
// An approval only succeeds when phrase equals the ticket's confirm phrase
// byte for byte; anything else denies the ticket with ErrPhraseMismatch.
func (m *Manager) Resolve(ctx context.Context, ticketID, decision, phrase string) (*models.ConfirmationTicket, error) {
	ticket, err := m.load(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.TicketPending {
		return ticket, fmt.Errorf("%w: %s is %s", ErrTicketResolved, ticketID, ticket.Status)
	}
	if ticket.IsExpired(m.clock()) {
		ticket, err = m.transition(ctx, ticket, models.TicketExpired)
		if err != nil {
			return ticket, err
		}
		return ticket, fmt.Errorf("%w: %s", ErrTicketExpired, ticketID)
	}

	switch decision {
	case models.DecisionDeny:
		return m.transition(ctx, ticket, models.TicketDenied)
	case models.DecisionApprove:
	default:
		return ticket, fmt.Errorf("%w: %q", ErrUnknownDecision, decision)
	}

	if ticket.SafetyClass == models.SafetyRemote && !m.consented(ctx, ticket) {
		ticket, err = m.transition(ctx, ticket, models.TicketDenied)
		if err != nil {
			return ticket, err
		}
		return ticket, fmt.Errorf("%w: %s", ErrConsentMissing, ticketID)
	}
	if phrase != ticket.ConfirmPhrase {
		ticket, err = m.transition(ctx, ticket, models.TicketDenied)
		if err != nil {
			return ticket, err
		}
		return ticket, fmt.Errorf("%w: ticket %s", ErrPhraseMismatch, ticketID)
	}
	return m.transition(ctx, ticket, models.TicketApproved)
}

func (m *Manager) consented(ctx context.Context, ticket *models.ConfirmationTicket) bool {
	if len(ticket.ConsentManifestIDs) == 0 {
		return false
	}
	if m.consent == nil {
		return true
	}
	active, err := m.consent.ActiveManifests(ctx, ticket.WorkspaceID, ticket.Action)
	if err != nil {
		m.logger.Warn("consent lookup failed",
			zap.String("ticket_id", ticket.TicketID),
			zap.Error(err))
		return false
	}
	for _, id := range active {
		for _, issued := range ticket.ConsentManifestIDs {
			if id == issued {
				return true
			}
		}
	}
	return false
}

// Pending lists open tickets of a workspace, expiring overdue ones on the way.
func (m *Manager) Pending(ctx context.Context, workspaceID string) ([]models.ConfirmationTicket, error) {
	tickets, err := m.store.ListTickets(ctx, workspaceID, models.TicketPending)
	if err != nil {
		return nil, err
	}
	now := m.clock()
	open := tickets[:0]
	for i := range tickets {
		if tickets[i].IsExpired(now) {
			if _, err := m.transition(ctx, &tickets[i], models.TicketExpired); err != nil && !errors.Is(err, ErrTicketResolved) {
				return nil, err
			}
			continue
		}
		open = append(open, tickets[i])
	}
	return open, nil
}

// Sweep expires every overdue pending ticket and returns how many it expired.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	tickets, err := m.store.ListTickets(ctx, "", models.TicketPending)
	if err != nil {
		return 0, err
	}
	now := m.clock()
	expired := 0
	for i := range tickets {
		if !tickets[i].IsExpired(now) {
			continue
		}
		if _, err := m.transition(ctx, &tickets[i], models.TicketExpired); err != nil {
			if errors.Is(err, ErrTicketResolved) {
				continue
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) load(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error) {
	ticket, err := m.store.GetTicket(ctx, ticketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTicketNotFound, ticketID)
	}
	return ticket, err
}

func (m *Manager) transition(ctx context.Context, ticket *models.ConfirmationTicket, to models.TicketStatus) (*models.ConfirmationTicket, error) {
	at := m.clock().UTC()
	err := m.store.TransitionTicket(ctx, ticket.TicketID, models.TicketPending, to, at)
	if errors.Is(err, store.ErrStaleTransition) {
		current, loadErr := m.load(ctx, ticket.TicketID)
		if loadErr != nil {
			return ticket, loadErr
		}
		return current, fmt.Errorf("%w: %s is %s", ErrTicketResolved, ticket.TicketID, current.Status)
	}
	if err != nil {
		return ticket, fmt.Errorf("failed to resolve ticket: %w", err)
	}

	ticket.Status = to
	ticket.ResolvedAt = &at
	m.logger.Info("confirmation ticket resolved",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("intent_id", ticket.IntentID),
		zap.String("status", string(to)),
	)
	return ticket, nil
}

// phraseLabel is the target part of a "VERB label" phrase.
func phraseLabel(phrase string) string {
	_, label, _ := strings.Cut(phrase, " ")
	return label
}
