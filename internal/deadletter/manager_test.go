package deadletter

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

func newManager(t *testing.T) (*Manager, *queue.Store, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	s, err := queue.New(dir, nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	l, err := ledger.Open(filepath.Join(dir, "ledger.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return New(l, s, slog.Default()), s, l
}

func deadMessage() domain.IncomingMessage {
	return domain.IncomingMessage{
		Channel:   domain.ChannelDiscord,
		Sender:    "bob",
		SenderID:  "7",
		Message:   "try again",
		Timestamp: domain.NowMillis(),
		MessageID: "1000_aaaaaaa",
		Attempts:  3,
	}
}

func TestRetryReenqueuesWithFreshBudget(t *testing.T) {
	m, s, l := newManager(t)
	ctx := context.Background()

	id, err := l.DeadLetter(ctx, deadMessage(), "exhausted")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Retry(ctx, id); err != nil {
		t.Fatalf("retry: %v", err)
	}

	// The message is back in incoming with attempts reset.
	c, err := s.ClaimNext()
	if err != nil || c == nil {
		t.Fatalf("claim after retry: c=%v err=%v", c, err)
	}
	if c.Message.MessageID != "1000_aaaaaaa" {
		t.Errorf("wrong message requeued: %+v", c.Message)
	}
	if c.Message.Attempts != 0 {
		t.Errorf("attempts not reset: %d", c.Message.Attempts)
	}

	// And the ledger entry is gone.
	list, err := m.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 0 {
		t.Errorf("dead letter still listed after retry: %+v", list)
	}
}

func TestRetryIsExclusive(t *testing.T) {
	m, _, l := newManager(t)
	ctx := context.Background()

	id, err := l.DeadLetter(ctx, deadMessage(), "exhausted")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	if err := m.Retry(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second retry = %v, want ErrNotFound", err)
	}
}

func TestDelete(t *testing.T) {
	m, _, l := newManager(t)
	ctx := context.Background()

	id, err := l.DeadLetter(ctx, deadMessage(), "exhausted")
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := m.Delete(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete = %v, want ErrNotFound", err)
	}

	n, err := l.DeadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("dead count = %d after delete", n)
	}
}

func TestRetryUnknownID(t *testing.T) {
	m, _, _ := newManager(t)

	if err := m.Retry(context.Background(), 999); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("retry of unknown id = %v, want ErrNotFound", err)
	}
}
