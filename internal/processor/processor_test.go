package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

type fixture struct {
	store  *queue.Store
	ledger *ledger.Ledger
	dir    string
}

func newFixture(t *testing.T) *fixture {
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
	return &fixture{store: s, ledger: l, dir: dir}
}

func (f *fixture) processor(t *testing.T, engine domain.Inference) *Processor {
	t.Helper()
	return New(Config{
		Store:  f.store,
		Ledger: f.ledger,
		Engine: engine,
		Logger: slog.Default(),
	})
}

func echoEngine(prefix string) domain.Inference {
	return domain.InferenceFunc(func(ctx context.Context, msg domain.IncomingMessage) (*domain.InferenceResult, error) {
		return &domain.InferenceResult{Text: prefix + msg.Message}, nil
	})
}

func failingEngine(err error) domain.Inference {
	return domain.InferenceFunc(func(ctx context.Context, msg domain.IncomingMessage) (*domain.InferenceResult, error) {
		return nil, err
	})
}

func incoming(id, text string) domain.IncomingMessage {
	return domain.IncomingMessage{
		Channel:   domain.ChannelTelegram,
		Sender:    "alice",
		SenderID:  "42",
		Message:   text,
		Timestamp: domain.NowMillis(),
		MessageID: id,
	}
}

func TestRoundTrip(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, echoEngine("reply: "))

	if err := f.store.Enqueue(incoming("1000_aaaaaaa", "hello")); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	entries, err := f.store.PollOutgoing(domain.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d outgoing messages, want 1", len(entries))
	}
	out := entries[0].Message
	if out.MessageID != "1000_aaaaaaa" {
		t.Errorf("response message id %q does not match request", out.MessageID)
	}
	if out.OriginalMessage != "hello" {
		t.Errorf("original message not carried: %q", out.OriginalMessage)
	}
	if out.Message != "reply: hello" {
		t.Errorf("response text = %q", out.Message)
	}

	counts, err := f.store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Incoming != 0 || counts.Processing != 0 {
		t.Errorf("request left behind: %+v", counts)
	}
}

func TestRetryExhaustionDeadLetters(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, failingEngine(errors.New("upstream down")))

	if err := f.store.Enqueue(incoming("1000_aaaaaaa", "hello")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p.Tick(ctx)

	dead, err := f.ledger.ListDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(dead))
	}
	if dead[0].Attempts != DefaultMaxAttempts {
		t.Errorf("dead letter attempts = %d, want %d", dead[0].Attempts, DefaultMaxAttempts)
	}
	if !strings.Contains(dead[0].FailureReason, "upstream down") {
		t.Errorf("failure reason lost the cause: %q", dead[0].FailureReason)
	}
	if dead[0].Message.Message != "hello" {
		t.Errorf("dead letter payload mismatch: %+v", dead[0].Message)
	}

	counts, err := f.store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts != (domain.DirCounts{}) {
		t.Errorf("queue directories not empty: %+v", counts)
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	f := newFixture(t)
	cause := fmt.Errorf("request rejected: %w", domain.ErrPermanent)
	p := f.processor(t, failingEngine(cause))

	if err := f.store.Enqueue(incoming("1000_aaaaaaa", "hello")); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p.Tick(ctx)

	dead, err := f.ledger.ListDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(dead))
	}
	if dead[0].Attempts != 1 {
		t.Errorf("permanent failure took %d attempts, want 1", dead[0].Attempts)
	}
}

func TestUnparseableGoesStraightToDeadLetter(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, echoEngine(""))

	bad := filepath.Join(f.dir, "incoming", "telegram_1000_aaaaaaa.json")
	if err := os.WriteFile(bad, []byte("{broken"), 0o644); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	p.Tick(ctx)

	dead, err := f.ledger.ListDeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dead) != 1 {
		t.Fatalf("got %d dead letters, want 1", len(dead))
	}
	if !strings.Contains(dead[0].FailureReason, "unparseable") {
		t.Errorf("failure reason = %q", dead[0].FailureReason)
	}
	if dead[0].Message.Message != "{broken" {
		t.Errorf("raw bytes not preserved: %q", dead[0].Message.Message)
	}

	counts, err := f.store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts != (domain.DirCounts{}) {
		t.Errorf("broken file left behind: %+v", counts)
	}
}

func TestTruncation(t *testing.T) {
	f := newFixture(t)
	long := strings.Repeat("x", 5000)
	p := f.processor(t, echoEngine(""))

	if err := f.store.Enqueue(incoming("1000_aaaaaaa", long)); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	entries, err := f.store.PollOutgoing(domain.ChannelTelegram)
	if err != nil || len(entries) != 1 {
		t.Fatalf("poll: entries=%d err=%v", len(entries), err)
	}
	got := entries[0].Message.Message
	if len([]rune(got)) > defaultMaxResponseChars {
		t.Errorf("truncated response still exceeds cap: %d runes", len([]rune(got)))
	}
	if !strings.HasSuffix(got, truncationMarker) {
		t.Errorf("truncated response missing marker: ...%q", got[len(got)-40:])
	}
	if !strings.HasPrefix(got, strings.Repeat("x", defaultMaxResponseChars-truncationSlack)) {
		t.Error("truncation cut at the wrong point")
	}
}

func TestShortResponseUntouched(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, echoEngine(""))

	if err := f.store.Enqueue(incoming("1000_aaaaaaa", strings.Repeat("y", 100))); err != nil {
		t.Fatal(err)
	}
	p.Tick(context.Background())

	entries, err := f.store.PollOutgoing(domain.ChannelTelegram)
	if err != nil || len(entries) != 1 {
		t.Fatalf("poll: entries=%d err=%v", len(entries), err)
	}
	if got := entries[0].Message.Message; got != strings.Repeat("y", 100) {
		t.Errorf("short response was modified: %q", got)
	}
}

func TestDrainProcessesAllWaiting(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, echoEngine("ok: "))

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("%d_abcdef%d", 1000+i, i)
		if err := f.store.Enqueue(incoming(id, "hi")); err != nil {
			t.Fatal(err)
		}
	}
	p.Tick(context.Background())

	entries, err := f.store.PollOutgoing(domain.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 5 {
		t.Errorf("one tick processed %d of 5 messages", len(entries))
	}
}

func TestStatusAccounting(t *testing.T) {
	f := newFixture(t)
	p := f.processor(t, failingEngine(errors.New("boom")))
	ctx := context.Background()

	// One message fails out to the dead-letter table, one stays queued
	// behind it after the processor stops ticking.
	if err := f.store.Enqueue(incoming("1000_aaaaaaa", "doomed")); err != nil {
		t.Fatal(err)
	}
	p.Tick(ctx)
	if err := f.store.Enqueue(incoming("2000_bbbbbbb", "waiting")); err != nil {
		t.Fatal(err)
	}

	counts, err := f.store.Counts()
	if err != nil {
		t.Fatal(err)
	}
	status, err := f.ledger.QueueStatus(ctx, counts)
	if err != nil {
		t.Fatal(err)
	}
	want := domain.QueueStatus{Incoming: 1, Processing: 0, Outgoing: 0, Dead: 1}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
}

func TestRetryPolicyDecide(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}

	if p.Decide(1, false) != DecisionRetry {
		t.Error("first failure should retry")
	}
	if p.Decide(2, false) != DecisionRetry {
		t.Error("second failure should retry")
	}
	if p.Decide(3, false) != DecisionDeadLetter {
		t.Error("third failure should dead-letter")
	}
	if p.Decide(1, true) != DecisionDeadLetter {
		t.Error("permanent failure should dead-letter immediately")
	}

	// Zero value falls back to the default budget.
	var zero RetryPolicy
	if zero.Decide(DefaultMaxAttempts-1, false) != DecisionRetry {
		t.Error("default policy retried too eagerly")
	}
	if zero.Decide(DefaultMaxAttempts, false) != DecisionDeadLetter {
		t.Error("default policy never dead-letters")
	}
}
