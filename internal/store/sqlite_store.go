package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avvvet/intent-router/internal/models"

	_ "modernc.org/sqlite"
)

const schemaSQL = `
-- Append-only intent lifecycle events
CREATE TABLE IF NOT EXISTS intent_events (
  sequence INTEGER PRIMARY KEY AUTOINCREMENT,
  event_id TEXT NOT NULL UNIQUE,
  workspace_id TEXT NOT NULL,
  chat_turn_id TEXT NOT NULL,
  intent_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  ts TEXT NOT NULL,                    -- RFC3339Nano, UTC
  body TEXT NOT NULL                   -- JSON encoded IntentEvent
);

CREATE INDEX IF NOT EXISTS idx_intent_events_workspace ON intent_events(workspace_id, sequence);
CREATE INDEX IF NOT EXISTS idx_intent_events_turn ON intent_events(workspace_id, chat_turn_id, sequence);

-- Confirmation tickets
CREATE TABLE IF NOT EXISTS confirmation_tickets (
  ticket_id TEXT PRIMARY KEY,
  intent_id TEXT NOT NULL UNIQUE,      -- one ticket per intent
  workspace_id TEXT NOT NULL,
  status TEXT NOT NULL,
  created_at TEXT NOT NULL,
  body TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_confirmation_tickets_workspace ON confirmation_tickets(workspace_id, status);

-- Suspended dispatch queues, one per workspace
CREATE TABLE IF NOT EXISTS dispatch_queues (
  workspace_id TEXT PRIMARY KEY,
  chat_turn_id TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  body TEXT NOT NULL
);
`

// SQLiteStore is the default durable store.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) the database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	// one connection serializes writers; WAL keeps readers cheap
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	if _, err := s.db.ExecContext(context.Background(), schemaSQL); err != nil {
		return fmt.Errorf("failed to migrate sqlite store: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event *models.IntentEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	args := []any{
		event.EventID, event.WorkspaceID, event.ChatTurnID, event.IntentID, string(event.EventType),
		event.Timestamp.UTC().Format(time.RFC3339Nano), string(body),
	}
	query := `
		INSERT INTO intent_events (event_id, workspace_id, chat_turn_id, intent_id, event_type, ts, body)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	if event.PrevHash != "" {
		// the head check and the insert are one statement, so another
		// process writing the same file cannot slip in between
		query = `
		INSERT INTO intent_events (event_id, workspace_id, chat_turn_id, intent_id, event_type, ts, body)
		SELECT ?, ?, ?, ?, ?, ?, ?
		WHERE COALESCE((SELECT json_extract(body, '$.hash') FROM intent_events
			WHERE workspace_id = ? ORDER BY sequence DESC LIMIT 1), ?) = ?`
		args = append(args, event.WorkspaceID, event.PrevHash, event.PrevHash)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: workspace %s", ErrChainConflict, event.WorkspaceID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read event sequence: %w", err)
	}
	event.Sequence = seq
	return nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, workspaceID, chatTurnID string) ([]models.IntentEvent, error) {
	query := `SELECT sequence, body FROM intent_events WHERE workspace_id = ? ORDER BY sequence`
	args := []any{workspaceID}
	if chatTurnID != "" {
		query = `SELECT sequence, body FROM intent_events WHERE workspace_id = ? AND chat_turn_id = ? ORDER BY sequence`
		args = append(args, chatTurnID)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []models.IntentEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) LastEvent(ctx context.Context, workspaceID string) (*models.IntentEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT sequence, body FROM intent_events WHERE workspace_id = ? ORDER BY sequence DESC LIMIT 1`, workspaceID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return event, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*models.IntentEvent, error) {
	var (
		seq  int64
		body string
	)
	if err := row.Scan(&seq, &body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	var event models.IntentEvent
	if err := json.Unmarshal([]byte(body), &event); err != nil {
		return nil, fmt.Errorf("failed to parse event: %w", err)
	}
	event.Sequence = seq
	return &event, nil
}

func (s *SQLiteStore) CreateTicket(ctx context.Context, ticket *models.ConfirmationTicket) error {
	body, err := json.Marshal(ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO confirmation_tickets (ticket_id, intent_id, workspace_id, status, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ticket.TicketID, ticket.IntentID, ticket.WorkspaceID, string(ticket.Status),
		ticket.CreatedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to create ticket %s: %w", ticket.TicketID, err)
	}
	return nil
}

func (s *SQLiteStore) GetTicket(ctx context.Context, ticketID string) (*models.ConfirmationTicket, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM confirmation_tickets WHERE ticket_id = ?`, ticketID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ticket: %w", err)
	}
	var ticket models.ConfirmationTicket
	if err := json.Unmarshal([]byte(body), &ticket); err != nil {
		return nil, fmt.Errorf("failed to parse ticket: %w", err)
	}
	return &ticket, nil
}

func (s *SQLiteStore) TransitionTicket(ctx context.Context, ticketID string, from, to models.TicketStatus, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ticket transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.QueryRowContext(ctx, `SELECT body FROM confirmation_tickets WHERE ticket_id = ?`, ticketID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load ticket: %w", err)
	}
	var ticket models.ConfirmationTicket
	if err := json.Unmarshal([]byte(body), &ticket); err != nil {
		return fmt.Errorf("failed to parse ticket: %w", err)
	}
	if ticket.Status != from {
		return fmt.Errorf("%w: ticket %s is %s", ErrStaleTransition, ticketID, ticket.Status)
	}
	ticket.Status = to
	resolved := at.UTC()
	ticket.ResolvedAt = &resolved
	updated, err := json.Marshal(&ticket)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE confirmation_tickets SET status = ?, body = ? WHERE ticket_id = ? AND status = ?`,
		string(to), string(updated), ticketID, string(from))
	if err != nil {
		return fmt.Errorf("failed to update ticket: %w", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("%w: ticket %s", ErrStaleTransition, ticketID)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTickets(ctx context.Context, workspaceID string, status models.TicketStatus) ([]models.ConfirmationTicket, error) {
	query := `SELECT body FROM confirmation_tickets WHERE (? = '' OR workspace_id = ?) AND (? = '' OR status = ?) ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, workspaceID, workspaceID, string(status), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list tickets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tickets []models.ConfirmationTicket
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("failed to scan ticket: %w", err)
		}
		var ticket models.ConfirmationTicket
		if err := json.Unmarshal([]byte(body), &ticket); err != nil {
			return nil, fmt.Errorf("failed to parse ticket: %w", err)
		}
		tickets = append(tickets, ticket)
	}
	return tickets, rows.Err()
}

func (s *SQLiteStore) SaveQueue(ctx context.Context, queue *models.Queue) error {
	body, err := json.Marshal(queue)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dispatch_queues (workspace_id, chat_turn_id, updated_at, body) VALUES (?, ?, ?, ?)
		ON CONFLICT(workspace_id) DO UPDATE SET chat_turn_id = excluded.chat_turn_id,
			updated_at = excluded.updated_at, body = excluded.body`,
		queue.WorkspaceID, queue.ChatTurnID, queue.UpdatedAt.UTC().Format(time.RFC3339Nano), string(body),
	)
	if err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadQueue(ctx context.Context, workspaceID string) (*models.Queue, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM dispatch_queues WHERE workspace_id = ?`, workspaceID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load queue: %w", err)
	}
	var queue models.Queue
	if err := json.Unmarshal([]byte(body), &queue); err != nil {
		return nil, fmt.Errorf("failed to parse queue: %w", err)
	}
	return &queue, nil
}

func (s *SQLiteStore) DeleteQueue(ctx context.Context, workspaceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dispatch_queues WHERE workspace_id = ?`, workspaceID); err != nil {
		return fmt.Errorf("failed to delete queue: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
