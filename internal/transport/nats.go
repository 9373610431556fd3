package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/avvvet/intent-router/internal/config"
	"github.com/avvvet/intent-router/internal/models"
	"github.com/avvvet/intent-router/internal/prompts"
)

// RequestHandler serves the router's request/reply subjects.
type RequestHandler interface {
	ProcessTurn(ctx context.Context, request *models.TurnRequest) (*models.TurnResponse, error)
	Confirm(ctx context.Context, request *models.ConfirmRequest) (*models.TurnResponse, error)
	Suggest(ctx context.Context, request *models.SuggestRequest) (*models.TurnResponse, error)
	Events(ctx context.Context, request *models.EventsRequest) (*models.EventsResponse, error)
}

type NATSTransport struct {
	conn    *nats.Conn
	config  *config.Config
	handler RequestHandler
	logger  *zap.Logger
	subs    []*nats.Subscription
}

// Connect dials NATS with the router's reconnect policy.
func Connect(cfg *config.Config) (*nats.Conn, error) {
	conn, err := nats.Connect(cfg.NatsURL,
		nats.Name(cfg.ServiceName),
		nats.Timeout(cfg.NatsTimeout),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return conn, nil
}

func NewNATSTransport(conn *nats.Conn, cfg *config.Config, handler RequestHandler, logger *zap.Logger) *NATSTransport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSTransport{
		conn:    conn,
		config:  cfg,
		handler: handler,
		logger:  logger.Named("transport"),
	}
}

// Start subscribes to the turn, confirm, suggest and events subjects in the
// configured queue group.
func (nt *NATSTransport) Start() error {
	routes := map[string]nats.MsgHandler{
		nt.config.NatsTurnSubject:    nt.handleTurn,
		nt.config.NatsConfirmSubject: nt.handleConfirm,
		nt.config.NatsSuggestSubject: nt.handleSuggest,
		nt.config.NatsEventsSubject:  nt.handleEvents,
	}
	for subject, h := range routes {
		sub, err := nt.conn.QueueSubscribe(subject, nt.config.NatsQueueGroup, h)
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		nt.subs = append(nt.subs, sub)
		nt.logger.Info("subscribed", zap.String("subject", subject), zap.String("queue", nt.config.NatsQueueGroup))
	}
	return nil
}

func (nt *NATSTransport) handleTurn(msg *nats.Msg) {
	var request models.TurnRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.sendErrorResponse(msg, "", models.ErrorParseError, "invalid request format")
		return
	}
	ctx, cancel := nt.requestContext()
	defer cancel()

	response, err := nt.handler.ProcessTurn(ctx, &request)
	if err != nil {
		nt.sendErrorResponse(msg, request.WorkspaceID, models.ErrorInternal, err.Error())
		return
	}
	nt.sendResponse(msg, response)
}

func (nt *NATSTransport) handleConfirm(msg *nats.Msg) {
	var request models.ConfirmRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.sendErrorResponse(msg, "", models.ErrorParseError, "invalid request format")
		return
	}
	ctx, cancel := nt.requestContext()
	defer cancel()

	response, err := nt.handler.Confirm(ctx, &request)
	if err != nil {
		nt.sendErrorResponse(msg, request.WorkspaceID, models.ErrorInternal, err.Error())
		return
	}
	nt.sendResponse(msg, response)
}

func (nt *NATSTransport) handleSuggest(msg *nats.Msg) {
	var request models.SuggestRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.sendErrorResponse(msg, "", models.ErrorParseError, "invalid request format")
		return
	}
	ctx, cancel := nt.requestContext()
	defer cancel()

	response, err := nt.handler.Suggest(ctx, &request)
	if err != nil {
		nt.sendErrorResponse(msg, request.WorkspaceID, models.ErrorInternal, err.Error())
		return
	}
	nt.sendResponse(msg, response)
}

func (nt *NATSTransport) handleEvents(msg *nats.Msg) {
	var request models.EventsRequest
	if err := json.Unmarshal(msg.Data, &request); err != nil {
		nt.sendErrorResponse(msg, "", models.ErrorParseError, "invalid request format")
		return
	}
	ctx, cancel := nt.requestContext()
	defer cancel()

	response, err := nt.handler.Events(ctx, &request)
	if err != nil {
		nt.sendErrorResponse(msg, request.WorkspaceID, models.ErrorInvalidRequest, err.Error())
		return
	}
	nt.sendResponse(msg, response)
}

func (nt *NATSTransport) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), nt.config.NatsTimeout)
}

func (nt *NATSTransport) sendResponse(msg *nats.Msg, response any) {
	data, err := json.Marshal(response)
	if err != nil {
		nt.logger.Error("failed to marshal response", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		nt.logger.Error("failed to send response", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (nt *NATSTransport) sendErrorResponse(msg *nats.Msg, workspaceID, errorCode, errorMessage string) {
	nt.logger.Warn("request failed",
		zap.String("subject", msg.Subject),
		zap.String("error_code", errorCode),
		zap.String("error", errorMessage))
	nt.sendResponse(msg, &models.TurnResponse{
		WorkspaceID:  workspaceID,
		Kind:         models.KindError,
		Messages:     []string{prompts.ErrorMessage(errorCode, errorMessage)},
		ErrorCode:    &errorCode,
		ErrorMessage: &errorMessage,
	})
}

// Close drains the subscriptions. The connection belongs to the caller.
func (nt *NATSTransport) Close() error {
	for _, sub := range nt.subs {
		if err := sub.Drain(); err != nil {
			return fmt.Errorf("failed to drain %s: %w", sub.Subject, err)
		}
	}
	nt.subs = nil
	return nil
}
