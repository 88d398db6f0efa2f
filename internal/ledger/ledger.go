// Package ledger is the transactional side of the pipeline: delivered
// responses, dead letters, token usage and rate-limit observations live in
// a single SQLite database. The queue directories hold in-flight state;
// the ledger holds everything that must survive it.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"courier/internal/domain"
)

// Ledger wraps the SQLite database. A single connection serializes all
// writers; SQLite does the durability.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// DeliveredResponse is one row of the delivery history.
type DeliveredResponse struct {
	ID          int64          `json:"id"`
	Channel     domain.Channel `json:"channel"`
	Sender      string         `json:"sender"`
	MessageID   string         `json:"message_id"`
	Request     string         `json:"request"`
	Response    string         `json:"response"`
	DeliveredAt time.Time      `json:"delivered_at"`
}

// Open creates or opens the ledger database at dbPath, applying the schema
// on first use.
func Open(dbPath string, logger *slog.Logger) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("cannot create ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open ledger db: %w", err)
	}
	db.SetMaxOpenConns(1)

	l := &Ledger{db: db, logger: logger}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration failed: %w", err)
	}
	return l, nil
}

func (l *Ledger) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS delivered_responses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		message_id TEXT NOT NULL,
		request TEXT NOT NULL DEFAULT '',
		response TEXT NOT NULL DEFAULT '',
		delivered_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_delivered_at ON delivered_responses(delivered_at);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		channel TEXT NOT NULL,
		message_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		failure_reason TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		dead_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS token_usage (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		total_tokens INTEGER NOT NULL DEFAULT 0,
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS rate_limits (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		agent_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		requests_limit INTEGER NOT NULL DEFAULT 0,
		requests_remaining INTEGER NOT NULL DEFAULT 0,
		tokens_limit INTEGER NOT NULL DEFAULT 0,
		tokens_remaining INTEGER NOT NULL DEFAULT 0,
		reset_at TEXT NOT NULL DEFAULT '',
		recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// RecordDelivered appends one delivered response to the history.
func (l *Ledger) RecordDelivered(ctx context.Context, msg domain.OutgoingMessage) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO delivered_responses (channel, sender, message_id, request, response)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.Channel.String(), msg.Sender, msg.MessageID, msg.OriginalMessage, msg.Message)
	if err != nil {
		return fmt.Errorf("record delivered: %w", err)
	}
	return nil
}

// RecentResponses returns up to limit delivered responses, newest first.
func (l *Ledger) RecentResponses(ctx context.Context, limit int) ([]DeliveredResponse, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, channel, sender, message_id, request, response, delivered_at
		 FROM delivered_responses ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query responses: %w", err)
	}
	defer rows.Close()

	var results []DeliveredResponse
	for rows.Next() {
		var r DeliveredResponse
		var channel string
		if err := rows.Scan(&r.ID, &channel, &r.Sender, &r.MessageID, &r.Request, &r.Response, &r.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		r.Channel = domain.Channel(channel)
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeadLetter records a permanently failed message and returns its
// ledger-local id. The payload is stored verbatim as JSON so a retry can
// reconstruct the original envelope exactly.
func (l *Ledger) DeadLetter(ctx context.Context, msg domain.IncomingMessage, reason string) (int64, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return 0, fmt.Errorf("marshal dead letter: %w", err)
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO dead_letters (channel, message_id, payload, failure_reason, attempts)
		 VALUES (?, ?, ?, ?, ?)`,
		msg.Channel.String(), msg.MessageID, string(payload), reason, msg.Attempts)
	if err != nil {
		return 0, fmt.Errorf("record dead letter: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("dead letter id: %w", err)
	}
	return id, nil
}

// ListDeadLetters returns all dead letters, newest first.
func (l *Ledger) ListDeadLetters(ctx context.Context) ([]domain.DeadMessage, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, payload, failure_reason, attempts, dead_at FROM dead_letters ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var results []domain.DeadMessage
	for rows.Next() {
		var d domain.DeadMessage
		var payload string
		if err := rows.Scan(&d.ID, &payload, &d.FailureReason, &d.Attempts, &d.DeadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &d.Message); err != nil {
			l.logger.Error("corrupt dead letter payload", "id", d.ID, "err", err)
			continue
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// TakeDeadLetter removes a dead letter by id and returns it, atomically.
// Exactly one caller can take a given id; everyone else gets ErrNotFound.
// This transaction is what makes retry-vs-delete races safe.
func (l *Ledger) TakeDeadLetter(ctx context.Context, id int64) (*domain.DeadMessage, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin take: %w", err)
	}
	defer tx.Rollback()

	var d domain.DeadMessage
	var payload string
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, failure_reason, attempts, dead_at FROM dead_letters WHERE id = ?`, id).
		Scan(&d.ID, &payload, &d.FailureReason, &d.Attempts, &d.DeadAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select dead letter %d: %w", id, err)
	}
	if err := json.Unmarshal([]byte(payload), &d.Message); err != nil {
		return nil, fmt.Errorf("corrupt dead letter %d: %w", id, err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("delete dead letter %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("delete dead letter %d: %w", id, err)
	}
	if n == 0 {
		return nil, domain.ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit take %d: %w", id, err)
	}
	return &d, nil
}

// DeadCount returns the number of dead letters on file.
func (l *Ledger) DeadCount(ctx context.Context) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count dead letters: %w", err)
	}
	return n, nil
}

// QueueStatus combines the directory counts from the queue store with the
// ledger's dead-letter count into one accounting snapshot.
func (l *Ledger) QueueStatus(ctx context.Context, dirs domain.DirCounts) (domain.QueueStatus, error) {
	dead, err := l.DeadCount(ctx)
	if err != nil {
		return domain.QueueStatus{}, err
	}
	return domain.QueueStatus{
		Incoming:   dirs.Incoming,
		Processing: dirs.Processing,
		Outgoing:   dirs.Outgoing,
		Dead:       dead,
	}, nil
}

// RecordUsage appends a token usage sample. Failures here must never block
// message processing; callers log and move on.
func (l *Ledger) RecordUsage(ctx context.Context, u domain.UsageRecord) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO token_usage (agent_id, model, prompt_tokens, completion_tokens, total_tokens)
		 VALUES (?, ?, ?, ?, ?)`,
		u.AgentID, u.Model, u.PromptTokens, u.CompletionTokens, u.TotalTokens)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// RecordRateLimit appends a provider rate-limit observation.
func (l *Ledger) RecordRateLimit(ctx context.Context, r domain.RateLimitSnapshot) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO rate_limits (agent_id, model, requests_limit, requests_remaining, tokens_limit, tokens_remaining, reset_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.AgentID, r.Model, r.RequestsLimit, r.RequestsRemaining, r.TokensLimit, r.TokensRemaining, r.ResetAt)
	if err != nil {
		return fmt.Errorf("record rate limit: %w", err)
	}
	return nil
}

// RecentUsage returns up to limit usage samples, newest first.
func (l *Ledger) RecentUsage(ctx context.Context, limit int) ([]domain.UsageRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT agent_id, model, prompt_tokens, completion_tokens, total_tokens, recorded_at
		 FROM token_usage ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var results []domain.UsageRecord
	for rows.Next() {
		var u domain.UsageRecord
		if err := rows.Scan(&u.AgentID, &u.Model, &u.PromptTokens, &u.CompletionTokens, &u.TotalTokens, &u.Timestamp); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}
