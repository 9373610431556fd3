package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/avvvet/intent-router/internal/confirm"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/parser"
	"github.com/avvvet/intent-router/internal/registry"
	"github.com/avvvet/intent-router/internal/safety"
	"github.com/avvvet/intent-router/internal/store"
)

var profileTypes = []string{"user", "work", "writing", "knowledge"}

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

type activeSet map[string]bool

func (a activeSet) Active(workspaceID string) (bool, error) {
	return a[workspaceID], nil
}

type consentStub struct {
	mu    sync.Mutex
	ids   []string
	calls int
}

func (c *consentStub) ActiveManifests(ctx context.Context, workspaceID, action string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.ids, nil
}

// calls records handler invocations in order.
type calls struct {
	mu      sync.Mutex
	actions []string
	intents []models.IntentPayload
	fail    map[string]error
}

func (c *calls) handler(result registry.Result) registry.Handler {
	return registry.HandlerFunc(func(ctx context.Context, intent models.IntentPayload) (registry.Result, error) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if err := c.fail[intent.Action]; err != nil {
			return registry.Result{}, err
		}
		c.actions = append(c.actions, intent.Action)
		c.intents = append(c.intents, intent)
		return result, nil
	})
}

func (c *calls) Actions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.actions...)
}

type staticParser []models.IntentPayload

func (p staticParser) Parse(ctx context.Context, utterance, workspaceID, chatTurnID string) ([]models.IntentPayload, error) {
	out := make([]models.IntentPayload, len(p))
	for i, intent := range p {
		intent.IntentID = intent.Action + "-" + chatTurnID
		intent.WorkspaceID = workspaceID
		intent.ChatTurnID = chatTurnID
		intent.Position = i
		out[i] = intent
	}
	return out, nil
}

type fixture struct {
	d       *Dispatcher
	store   store.Store
	log     *eventlog.Log
	confirm *confirm.Manager
	consent *consentStub
	calls   *calls
	clock   *clock
}

type fixtureConfig struct {
	store         store.Store
	remoteEnabled bool
	consentIDs    []string
	parser        parser.Parser
	fail          map[string]error
	workspaces    activeSet
	extra         []registry.Descriptor
}

type fixtureOption func(*fixtureConfig)

func withStore(s store.Store) fixtureOption {
	return func(c *fixtureConfig) { c.store = s }
}

func withRemote(ids ...string) fixtureOption {
	return func(c *fixtureConfig) {
		c.remoteEnabled = true
		c.consentIDs = ids
	}
}

func withParser(p parser.Parser) fixtureOption {
	return func(c *fixtureConfig) { c.parser = p }
}

func withFailure(action string, err error) fixtureOption {
	return func(c *fixtureConfig) { c.fail[action] = err }
}

func withWorkspaces(ids ...string) fixtureOption {
	return func(c *fixtureConfig) {
		c.workspaces = activeSet{}
		for _, id := range ids {
			c.workspaces[id] = true
		}
	}
}

func withDescriptor(d registry.Descriptor) fixtureOption {
	return func(c *fixtureConfig) { c.extra = append(c.extra, d) }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	cfg := &fixtureConfig{
		store:      store.NewMemoryStore(),
		fail:       map[string]error{},
		workspaces: activeSet{"ws": true},
	}
	for _, opt := range opts {
		opt(cfg)
	}

	c := &clock{t: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)}
	rec := &calls{fail: cfg.fail}

	reg := registry.New(nil)
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:       "reports",
		Version:  "1.0.0",
		Actions:  []string{"reports.generate_summary"},
		Triggers: map[string][]string{"reports.generate_summary": {"summarize", "paper"}},
		Params:   []registry.ParamSpec{{Name: "count", Kind: registry.ParamNumber, Default: 3}},
		Handler:  rec.handler(registry.Result{Message: "Summary ready.", ResultRef: "reports/summary.md"}),
	}))
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:       "profile-view",
		Version:  "1.0.0",
		Actions:  []string{"profile.show"},
		Triggers: map[string][]string{"profile.show": {"show", "profile"}},
		Params: []registry.ParamSpec{
			{Name: "profile_type", Kind: registry.ParamChoice, Options: profileTypes},
			{Name: "include_history", Kind: registry.ParamFlag, Keyword: "history"},
		},
		RequiredParams: []string{"profile_type"},
		Handler:        rec.handler(registry.Result{ResultRef: "profiles/writing.json"}),
	}))
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:                  "profile-admin",
		Version:             "1.0.0",
		Actions:             []string{"profile.delete"},
		Triggers:            map[string][]string{"profile.delete": {"delete", "profile"}},
		Params:              []registry.ParamSpec{{Name: "profile_type", Kind: registry.ParamChoice, Options: profileTypes}},
		RequiredParams:      []string{"profile_type"},
		DefaultConfirmation: models.PolicyConfirmPhrase,
		TargetParam:         "profile_type",
		Handler:             rec.handler(registry.Result{ResultRef: "profiles/trash/writing.json", UndoToken: "undo-delete-writing"}),
	}))
	require.NoError(t, reg.Register(registry.Descriptor{
		ID:                  "profile-remote",
		Version:             "1.0.0",
		Actions:             []string{"profile.remote_infer"},
		Triggers:            map[string][]string{"profile.remote_infer": {"infer", "profile"}},
		Params:              []registry.ParamSpec{{Name: "profile_type", Kind: registry.ParamChoice, Options: profileTypes, Default: "writing"}},
		DefaultConfirmation: models.PolicyManifest,
		Handler:             rec.handler(registry.Result{ResultRef: "profiles/inferred.json"}),
	}))
	for _, d := range cfg.extra {
		if d.Handler == nil {
			d.Handler = rec.handler(registry.Result{})
		}
		require.NoError(t, reg.Register(d))
	}

	consent := &consentStub{ids: cfg.consentIDs}
	log := eventlog.New(cfg.store, eventlog.WithClock(c.Now))
	manager := confirm.NewManager(cfg.store, nil).WithClock(c.Now).WithConsent(consent)
	p := cfg.parser
	if p == nil {
		p = parser.NewHeuristic(reg).WithClock(c.Now)
	}

	d := New(Deps{
		Registry: reg,
		Parser:   p,
		Classifier: safety.New(reg,
			safety.WithRemoteEnabled(cfg.remoteEnabled),
			safety.WithConsent(consent)),
		Confirm:    manager,
		Log:        log,
		Queues:     cfg.store,
		Workspaces: cfg.workspaces,
	}, WithClock(c.Now))

	return &fixture{d: d, store: cfg.store, log: log, confirm: manager, consent: consent, calls: rec, clock: c}
}

func (f *fixture) turn(t *testing.T, turnID, message string) *models.TurnResponse {
	t.Helper()
	return f.turnIn(t, "ws", turnID, message)
}

func (f *fixture) turnIn(t *testing.T, workspaceID, turnID, message string) *models.TurnResponse {
	t.Helper()
	resp, err := f.d.HandleTurn(context.Background(), models.TurnRequest{
		ChatTurnID:  turnID,
		Message:     message,
		WorkspaceID: workspaceID,
	})
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func (f *fixture) events(t *testing.T, turnID string) []models.IntentEvent {
	t.Helper()
	events, err := f.log.Read(context.Background(), "ws", turnID)
	require.NoError(t, err)
	return events
}

func eventTypes(events []models.IntentEvent) []models.EventType {
	out := make([]models.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.EventType)
	}
	return out
}

func statuses(intents []models.IntentStatus) []models.ItemStatus {
	out := make([]models.ItemStatus, 0, len(intents))
	for _, i := range intents {
		out = append(out, i.Status)
	}
	return out
}

var errUpstream = errors.New("report builder unavailable")
