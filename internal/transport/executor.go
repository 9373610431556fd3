package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/capabilities"
	"github.com/avvvet/intent-router/internal/eventlog"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/registry"
)

// ErrNoSubject is returned for a module that declares no executor subject.
var ErrNoSubject = errors.New("capability module has no subject")

// ExecuteReply is what a feature module answers on its subject.
type ExecuteReply struct {
	Message   string `json:"message,omitempty"`
	ResultRef string `json:"result_ref,omitempty"`
	UndoToken string `json:"undo_token,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Requester is the request/reply half of a NATS connection.
type Requester interface {
	RequestWithContext(ctx context.Context, subject string, data []byte) (*nats.Msg, error)
}

// Executor forwards intents to a feature module over request/reply. It never
// retries: a failed request is the intent's failure.
type Executor struct {
	conn    Requester
	subject string
	timeout time.Duration
	logger  *zap.Logger
}

func NewExecutor(conn Requester, subject string, timeout time.Duration, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{conn: conn, subject: subject, timeout: timeout, logger: logger.Named("executor")}
}

// ExecutorFactory builds one Executor per module from its manifest subject.
func ExecutorFactory(conn Requester, timeout time.Duration, logger *zap.Logger) capabilities.HandlerFactory {
	return func(m capabilities.Module) (registry.Handler, error) {
		if m.Subject == "" {
			return nil, ErrNoSubject
		}
		return NewExecutor(conn, m.Subject, timeout, logger), nil
	}
}

func (e *Executor) Execute(ctx context.Context, intent models.IntentPayload) (registry.Result, error) {
	data, err := json.Marshal(intent)
	if err != nil {
		return registry.Result{}, fmt.Errorf("failed to marshal intent: %w", err)
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	msg, err := e.conn.RequestWithContext(ctx, e.subject, data)
	if err != nil {
		return registry.Result{}, fmt.Errorf("%s did not answer: %w", e.subject, err)
	}
	result, err := decodeReply(msg.Data)
	if err != nil {
		return registry.Result{}, err
	}
	e.logger.Debug("intent executed",
		zap.String("subject", e.subject),
		zap.String("intent_id", intent.IntentID),
		zap.String("action", intent.Action))
	return result, nil
}

func decodeReply(data []byte) (registry.Result, error) {
	var reply ExecuteReply
	if err := json.Unmarshal(data, &reply); err != nil {
		return registry.Result{}, fmt.Errorf("failed to parse handler reply: %w", err)
	}
	if reply.Error != "" {
		return registry.Result{}, errors.New(reply.Error)
	}
	return registry.Result{Message: reply.Message, ResultRef: reply.ResultRef, UndoToken: reply.UndoToken}, nil
}

// Publisher is the publish half of a NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// PublishEvents mirrors every appended intent event to
// <prefix>.<workspace_id>. Publishing is best effort; the log stays the
// source of truth.
func PublishEvents(log *eventlog.Log, pub Publisher, prefix string, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log.OnAppend(func(event models.IntentEvent) {
		data, err := json.Marshal(event)
		if err != nil {
			logger.Warn("failed to marshal event", zap.String("event_id", event.EventID), zap.Error(err))
			return
		}
		subject := FeedSubject(prefix, event.WorkspaceID)
		if err := pub.Publish(subject, data); err != nil {
			logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
		}
	})
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_", "\t", "_")

// FeedSubject is the subject events of workspaceID are published on.
func FeedSubject(prefix, workspaceID string) string {
	return prefix + "." + subjectToken.Replace(workspaceID)
}
