package ledger

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"

	"courier/internal/domain"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"), slog.Default())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func deadTestMessage(id string) domain.IncomingMessage {
	return domain.IncomingMessage{
		Channel:   domain.ChannelDiscord,
		Sender:    "bob",
		SenderID:  "7",
		Message:   "please fail",
		Timestamp: domain.NowMillis(),
		MessageID: id,
		Attempts:  3,
	}
}

func TestRecordAndListDelivered(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		err := l.RecordDelivered(ctx, domain.OutgoingMessage{
			Channel:         domain.ChannelTelegram,
			Sender:          "alice",
			Message:         text,
			OriginalMessage: "hi",
			MessageID:       domain.NewMessageID(),
		})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	got, err := l.RecentResponses(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d responses, want 2", len(got))
	}
	// Newest first.
	if got[0].Response != "third" || got[1].Response != "second" {
		t.Errorf("wrong order: %q, %q", got[0].Response, got[1].Response)
	}
	if got[0].Request != "hi" {
		t.Errorf("request not preserved: %q", got[0].Request)
	}
}

func TestDeadLetterRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	msg := deadTestMessage("1000_aaaaaaa")
	id, err := l.DeadLetter(ctx, msg, "exhausted retries")
	if err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	if id == 0 {
		t.Error("dead letter id is zero")
	}

	list, err := l.ListDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(list))
	}
	d := list[0]
	if d.ID != id || d.FailureReason != "exhausted retries" || d.Attempts != 3 {
		t.Errorf("dead letter row mismatch: %+v", d)
	}
	if d.Message.MessageID != msg.MessageID || d.Message.Message != msg.Message {
		t.Errorf("payload not preserved: %+v", d.Message)
	}
}

func TestTakeDeadLetterIsExclusive(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	id, err := l.DeadLetter(ctx, deadTestMessage("1000_aaaaaaa"), "boom")
	if err != nil {
		t.Fatal(err)
	}

	taken, err := l.TakeDeadLetter(ctx, id)
	if err != nil {
		t.Fatalf("take: %v", err)
	}
	if taken.Message.MessageID != "1000_aaaaaaa" {
		t.Errorf("took wrong message: %+v", taken)
	}

	if _, err := l.TakeDeadLetter(ctx, id); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second take = %v, want ErrNotFound", err)
	}

	n, err := l.DeadCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("dead count after take = %d, want 0", n)
	}
}

func TestQueueStatusCombinesCounts(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.DeadLetter(ctx, deadTestMessage("1000_aaaaaaa"), "boom"); err != nil {
		t.Fatal(err)
	}

	status, err := l.QueueStatus(ctx, domain.DirCounts{Incoming: 2, Processing: 1, Outgoing: 4})
	if err != nil {
		t.Fatal(err)
	}
	want := domain.QueueStatus{Incoming: 2, Processing: 1, Outgoing: 4, Dead: 1}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
}

func TestUsageAndRateLimits(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	err := l.RecordUsage(ctx, domain.UsageRecord{
		AgentID:          "main",
		Model:            "gpt-4o",
		PromptTokens:     100,
		CompletionTokens: 40,
		TotalTokens:      140,
	})
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}

	usage, err := l.RecentUsage(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(usage) != 1 || usage[0].TotalTokens != 140 || usage[0].Model != "gpt-4o" {
		t.Errorf("usage mismatch: %+v", usage)
	}

	err = l.RecordRateLimit(ctx, domain.RateLimitSnapshot{
		AgentID:           "main",
		Model:             "gpt-4o",
		RequestsLimit:     500,
		RequestsRemaining: 499,
	})
	if err != nil {
		t.Fatalf("record rate limit: %v", err)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.db")

	l1, err := Open(path, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := l1.DeadLetter(context.Background(), deadTestMessage("1000_aaaaaaa"), "boom"); err != nil {
		t.Fatal(err)
	}
	l1.Close()

	l2, err := Open(path, slog.Default())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer l2.Close()

	n, err := l2.DeadCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("dead count after reopen = %d, want 1", n)
	}
}
