package confirm

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newManager() (*Manager, *clock) {
	c := &clock{t: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	return NewManager(store.NewMemoryStore(), nil).WithClock(c.Now), c
}

var destructive = safety.Decision{
	Class:         models.SafetyDestructive,
	Policy:        models.PolicyConfirmPhrase,
	ConfirmPhrase: "DELETE writing",
}

var remote = safety.Decision{
	Class:              models.SafetyRemote,
	Policy:             models.PolicyManifest,
	ConfirmPhrase:      "ALLOW profile.remote_infer",
	ConsentManifestIDs: []string{"m-1"},
}

func deleteIntent() models.IntentPayload {
	return models.IntentPayload{IntentID: "i-1", Action: "profile.delete", WorkspaceID: "ws", ChatTurnID: "t-1"}
}

func TestIssue(t *testing.T) {
	m, c := newManager()
	ticket, err := m.Issue(context.Background(), deleteIntent(), destructive)
	require.NoError(t, err)

	assert.Equal(t, models.TicketPending, ticket.Status)
	assert.Equal(t, "DELETE writing", ticket.ConfirmPhrase)
	assert.Equal(t, "i-1", ticket.IntentID)
	assert.Equal(t, c.Now().Add(DefaultTTL), ticket.ExpiresAt)
	assert.Contains(t, ticket.PromptText, "`DELETE writing`")
}

func TestIssueRequiresGate(t *testing.T) {
	m, _ := newManager()
	_, err := m.Issue(context.Background(), deleteIntent(), safety.Decision{Class: models.SafetyHarmless, Policy: models.PolicyNone})
	assert.ErrorIs(t, err, ErrNoGate)

	noConsent := remote
	noConsent.ConsentManifestIDs = nil
	_, err = m.Issue(context.Background(), deleteIntent(), noConsent)
	assert.ErrorIs(t, err, ErrConsentMissing)
}

func TestResolvePhraseExactness(t *testing.T) {
	ctx := context.Background()
	for _, reply := range []string{"delete writing", "DELETE", "DELETE writing ", "DELETE Writing", "writing", ""} {
		m, _ := newManager()
		ticket, err := m.Issue(ctx, deleteIntent(), destructive)
		require.NoError(t, err)

		resolved, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, reply)
		assert.ErrorIs(t, err, ErrPhraseMismatch, reply)
		assert.Equal(t, models.TicketDenied, resolved.Status, reply)
	}

	m, _ := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)
	resolved, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "DELETE writing")
	require.NoError(t, err)
	assert.Equal(t, models.TicketApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
}

func TestResolveOnlyOnce(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, ticket.TicketID, models.DecisionDeny, "")
	require.NoError(t, err)

	again, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "DELETE writing")
	assert.ErrorIs(t, err, ErrTicketResolved)
	assert.Equal(t, models.TicketDenied, again.Status)
}

func TestExpiredTicketCannotBeApproved(t *testing.T) {
	ctx := context.Background()
	m, c := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)

	c.Advance(DefaultTTL)
	resolved, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "DELETE writing")
	assert.ErrorIs(t, err, ErrTicketExpired)
	assert.Equal(t, models.TicketExpired, resolved.Status)

	got, err := m.Get(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketExpired, got.Status)
}

func TestGetExpiresPassively(t *testing.T) {
	ctx := context.Background()
	m, c := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)

	got, err := m.Get(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, got.Status)

	c.Advance(DefaultTTL + time.Second)
	got, err = m.Get(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketExpired, got.Status)

	_, err = m.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestRemoteTicket(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	in := deleteIntent()
	in.Action = "profile.remote_infer"

	ticket, err := m.Issue(ctx, in, remote)
	require.NoError(t, err)
	assert.Equal(t, []string{"m-1"}, ticket.ConsentManifestIDs)
	assert.Contains(t, ticket.PromptText, "m-1")

	resolved, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "ALLOW profile.remote_infer")
	require.NoError(t, err)
	assert.Equal(t, models.TicketApproved, resolved.Status)
}

func TestUnknownDecisionLeavesTicketPending(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)

	_, err = m.Resolve(ctx, ticket.TicketID, "maybe", "")
	assert.ErrorIs(t, err, ErrUnknownDecision)
	got, err := m.Get(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketPending, got.Status)
}

func TestPendingAndSweep(t *testing.T) {
	ctx := context.Background()
	m, c := newManager()

	first, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)
	c.Advance(10 * time.Minute)
	second := deleteIntent()
	second.IntentID = "i-2"
	_, err = m.Issue(ctx, second, destructive)
	require.NoError(t, err)

	pending, err := m.Pending(ctx, "ws")
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	c.Advance(6 * time.Minute)
	n, err := m.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := m.Get(ctx, first.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketExpired, got.Status)

	pending, err = m.Pending(ctx, "ws")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "i-2", pending[0].IntentID)
}

func TestConcurrentResolveHasOneOutcome(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager()
	ticket, err := m.Issue(ctx, deleteIntent(), destructive)
	require.NoError(t, err)

	var wg sync.WaitGroup
	statuses := make(chan models.TicketStatus, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := models.DecisionApprove
			if i%2 == 1 {
				decision = models.DecisionDeny
			}
			if got, err := m.Resolve(ctx, ticket.TicketID, decision, "DELETE writing"); err == nil {
				statuses <- got.Status
			}
		}(i)
	}
	wg.Wait()
	close(statuses)

	var winners []models.TicketStatus
	for s := range statuses {
		winners = append(winners, s)
	}
	require.Len(t, winners, 1)

	final, err := m.Get(ctx, ticket.TicketID)
	require.NoError(t, err)
	assert.Equal(t, winners[0], final.Status)
}

type manifests struct {
	mu  sync.Mutex
	ids []string
}

func (m *manifests) ActiveManifests(ctx context.Context, workspaceID, action string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ids, nil
}

func (m *manifests) set(ids ...string) {
	m.mu.Lock()
	m.ids = ids
	m.mu.Unlock()
}

func remoteIntent() models.IntentPayload {
	return models.IntentPayload{IntentID: "i-2", Action: "profile.remote_infer", WorkspaceID: "ws", ChatTurnID: "t-1"}
}

func TestApprovalRechecksConsent(t *testing.T) {
	ctx := context.Background()
	active := &manifests{ids: []string{"m-1"}}

	m, _ := newManager()
	m.WithConsent(active)
	ticket, err := m.Issue(ctx, remoteIntent(), remote)
	require.NoError(t, err)

	active.set()
	resolved, err := m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "ALLOW profile.remote_infer")
	assert.ErrorIs(t, err, ErrConsentMissing)
	assert.Equal(t, models.TicketDenied, resolved.Status)

	// a different manifest does not stand in for the one the user saw
	ticket, err = m.Issue(ctx, models.IntentPayload{IntentID: "i-3", Action: "profile.remote_infer", WorkspaceID: "ws", ChatTurnID: "t-2"}, remote)
	require.NoError(t, err)
	active.set("m-2")
	resolved, err = m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "ALLOW profile.remote_infer")
	assert.ErrorIs(t, err, ErrConsentMissing)
	assert.Equal(t, models.TicketDenied, resolved.Status)

	ticket, err = m.Issue(ctx, models.IntentPayload{IntentID: "i-4", Action: "profile.remote_infer", WorkspaceID: "ws", ChatTurnID: "t-3"}, remote)
	require.NoError(t, err)
	active.set("m-2", "m-1")
	resolved, err = m.Resolve(ctx, ticket.TicketID, models.DecisionApprove, "ALLOW profile.remote_infer")
	require.NoError(t, err)
	assert.Equal(t, models.TicketApproved, resolved.Status)
}
