// Package deadletter exposes operator actions over the dead-letter table:
// inspect, retry, discard. Exclusivity comes from the ledger's take
// transaction, so concurrent operators cannot double-handle an entry.
package deadletter

import (
	"context"
	"fmt"
	"log/slog"

	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

// Manager coordinates the ledger and the queue for dead-letter recovery.
type Manager struct {
	ledger *ledger.Ledger
	store  *queue.Store
	logger *slog.Logger
}

// New builds a Manager.
func New(l *ledger.Ledger, s *queue.Store, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{ledger: l, store: s, logger: logger}
}

// List returns all dead letters, newest first.
func (m *Manager) List(ctx context.Context) ([]domain.DeadMessage, error) {
	return m.ledger.ListDeadLetters(ctx)
}

// Retry takes a dead letter out of the ledger and re-enqueues its original
// message with the attempts counter reset, giving it a fresh retry budget.
// Returns domain.ErrNotFound when the id was already retried or deleted.
func (m *Manager) Retry(ctx context.Context, id int64) error {
	taken, err := m.ledger.TakeDeadLetter(ctx, id)
	if err != nil {
		return err
	}

	msg := taken.Message
	msg.Attempts = 0
	if err := m.store.Enqueue(msg); err != nil {
		// Put the entry back so the message is not lost between stores.
		if _, reErr := m.ledger.DeadLetter(ctx, taken.Message, taken.FailureReason); reErr != nil {
			m.logger.Error("dead letter lost after failed retry",
				"id", id, "message_id", msg.MessageID, "enqueue_err", err, "restore_err", reErr)
			return fmt.Errorf("retry dead letter %d: enqueue failed (%v) and restore failed: %w", id, err, reErr)
		}
		return fmt.Errorf("retry dead letter %d: %w", id, err)
	}

	m.logger.Info("dead letter requeued", "id", id, "message_id", msg.MessageID)
	return nil
}

// Delete discards a dead letter permanently. Returns domain.ErrNotFound
// when the id is gone already.
func (m *Manager) Delete(ctx context.Context, id int64) error {
	taken, err := m.ledger.TakeDeadLetter(ctx, id)
	if err != nil {
		return err
	}
	m.logger.Info("dead letter deleted", "id", id, "message_id", taken.Message.MessageID)
	return nil
}
