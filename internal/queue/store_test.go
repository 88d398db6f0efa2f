package queue

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"courier/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), nil, slog.Default())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func testMessage(id string) domain.IncomingMessage {
	return domain.IncomingMessage{
		Channel:   domain.ChannelTelegram,
		Sender:    "alice",
		SenderID:  "42",
		Message:   "hello",
		Timestamp: domain.NowMillis(),
		MessageID: id,
	}
}

func TestEnqueueThenClaim(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("1000_aaaaaaa")
	if err := s.Enqueue(msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	c, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c == nil {
		t.Fatal("claim returned nil with a message waiting")
	}
	if c.ParseErr != nil {
		t.Fatalf("unexpected parse error: %v", c.ParseErr)
	}
	if c.Message.MessageID != msg.MessageID {
		t.Errorf("claimed %q, want %q", c.Message.MessageID, msg.MessageID)
	}
	if c.Channel != domain.ChannelTelegram {
		t.Errorf("claimed channel %q, want telegram", c.Channel)
	}

	// Claimed file must now live in processing, not incoming.
	if _, err := os.Stat(c.Path); err != nil {
		t.Errorf("claimed file missing from processing: %v", err)
	}
	if strings.Contains(c.Path, "incoming") {
		t.Errorf("claimed path still under incoming: %s", c.Path)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	s := newTestStore(t)

	c, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c != nil {
		t.Errorf("claim on empty queue returned %+v", c)
	}
}

func TestClaimFIFOOrder(t *testing.T) {
	s := newTestStore(t)

	// Enqueue out of timestamp order; claims must come back oldest first.
	ids := []string{"3000_ccccccc", "1000_aaaaaaa", "2000_bbbbbbb"}
	for _, id := range ids {
		if err := s.Enqueue(testMessage(id)); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	want := []string{"1000_aaaaaaa", "2000_bbbbbbb", "3000_ccccccc"}
	for _, w := range want {
		c, err := s.ClaimNext()
		if err != nil || c == nil {
			t.Fatalf("claim: c=%v err=%v", c, err)
		}
		if c.MessageID != w {
			t.Errorf("claimed %q, want %q", c.MessageID, w)
		}
	}
}

func TestClaimIsExclusive(t *testing.T) {
	s := newTestStore(t)

	if err := s.Enqueue(testMessage("1000_aaaaaaa")); err != nil {
		t.Fatal(err)
	}

	first, err := s.ClaimNext()
	if err != nil || first == nil {
		t.Fatalf("first claim: c=%v err=%v", first, err)
	}
	second, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Errorf("message claimed twice: %+v", second)
	}
}

func TestOrphanTempFileInvisible(t *testing.T) {
	s := newTestStore(t)

	// Simulate a crash mid-enqueue: a temp file exists but was never renamed.
	orphan := filepath.Join(s.incoming, ".telegram_1000_aaaaaaa.json.tmp")
	if err := os.WriteFile(orphan, []byte("{partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c != nil {
		t.Errorf("claimed an orphaned temp file: %+v", c)
	}

	counts, err := s.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Incoming != 0 {
		t.Errorf("temp file counted as incoming: %+v", counts)
	}
}

func TestClaimUnparseable(t *testing.T) {
	s := newTestStore(t)

	bad := filepath.Join(s.incoming, "telegram_1000_aaaaaaa.json")
	if err := os.WriteFile(bad, []byte("not json at all"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := s.ClaimNext()
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if c == nil {
		t.Fatal("unparseable file was not claimed")
	}
	if c.ParseErr == nil {
		t.Error("expected parse error")
	}
	if c.MessageID != "1000_aaaaaaa" {
		t.Errorf("message id from filename = %q", c.MessageID)
	}
	if c.Channel != domain.ChannelTelegram {
		t.Errorf("channel from filename = %q", c.Channel)
	}
}

func TestRequeueIncrementsAttempts(t *testing.T) {
	s := newTestStore(t)

	if err := s.Enqueue(testMessage("1000_aaaaaaa")); err != nil {
		t.Fatal(err)
	}

	// Three claim-requeue cycles; the counter lives in the payload so it
	// survives the round trips.
	for cycle := 0; cycle < 3; cycle++ {
		c, err := s.ClaimNext()
		if err != nil || c == nil {
			t.Fatalf("claim cycle %d: c=%v err=%v", cycle, c, err)
		}
		if c.Message.Attempts != cycle {
			t.Errorf("cycle %d: attempts = %d, want %d", cycle, c.Message.Attempts, cycle)
		}
		if err := s.Requeue(c.MessageID); err != nil {
			t.Fatalf("requeue cycle %d: %v", cycle, err)
		}
	}

	// A fresh store over the same directory sees the persisted count.
	reopened, err := New(filepath.Dir(s.incoming), nil, slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	c, err := reopened.ClaimNext()
	if err != nil || c == nil {
		t.Fatalf("reclaim after reopen: c=%v err=%v", c, err)
	}
	if c.Message.Attempts != 3 {
		t.Errorf("attempts after reopen = %d, want 3", c.Message.Attempts)
	}
}

func TestCompleteRemovesProcessing(t *testing.T) {
	s := newTestStore(t)

	if err := s.Enqueue(testMessage("1000_aaaaaaa")); err != nil {
		t.Fatal(err)
	}
	c, err := s.ClaimNext()
	if err != nil || c == nil {
		t.Fatal("claim failed")
	}
	if err := s.Complete(c.MessageID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := s.Counts()
	if err != nil {
		t.Fatal(err)
	}
	if counts.Incoming != 0 || counts.Processing != 0 {
		t.Errorf("directories not empty after complete: %+v", counts)
	}

	if err := s.Complete(c.MessageID); err != domain.ErrNotFound {
		t.Errorf("second complete = %v, want ErrNotFound", err)
	}
}

func TestOutgoingRoundTrip(t *testing.T) {
	s := newTestStore(t)

	out := domain.OutgoingMessage{
		Channel:         domain.ChannelTelegram,
		Sender:          "alice",
		Message:         "reply",
		OriginalMessage: "hello",
		Timestamp:       domain.NowMillis(),
		MessageID:       "1000_aaaaaaa",
	}
	if err := s.EnqueueOutgoing(out); err != nil {
		t.Fatalf("enqueue outgoing: %v", err)
	}

	// Polling the wrong channel sees nothing.
	entries, err := s.PollOutgoing(domain.ChannelDiscord)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("discord poll returned %d telegram messages", len(entries))
	}

	entries, err = s.PollOutgoing(domain.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("telegram poll returned %d entries, want 1", len(entries))
	}
	got := entries[0].Message
	if got.MessageID != out.MessageID || got.OriginalMessage != "hello" {
		t.Errorf("round-tripped message mismatch: %+v", got)
	}

	if err := s.AckOutgoing(entries[0].Path); err != nil {
		t.Fatalf("ack: %v", err)
	}
	entries, err = s.PollOutgoing(domain.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("acked message still visible: %d entries", len(entries))
	}
	if err := s.AckOutgoing(filepath.Join(s.outgoing, "gone.json")); err != domain.ErrNotFound {
		t.Errorf("ack of missing file = %v, want ErrNotFound", err)
	}
}

func TestListStuck(t *testing.T) {
	s := newTestStore(t)

	if err := s.Enqueue(testMessage("1000_aaaaaaa")); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ClaimNext(); err != nil {
		t.Fatal(err)
	}

	stuck, err := s.ListStuck()
	if err != nil {
		t.Fatal(err)
	}
	if len(stuck) != 1 {
		t.Fatalf("stuck list has %d entries, want 1", len(stuck))
	}
	if stuck[0].MessageID != "1000_aaaaaaa" || stuck[0].Channel != domain.ChannelTelegram {
		t.Errorf("stuck entry mismatch: %+v", stuck[0])
	}
}

func TestEnqueueRejectsInvalid(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("1000_aaaaaaa")
	msg.Channel = "carrier-pigeon"
	if err := s.Enqueue(msg); err == nil {
		t.Error("enqueue accepted unknown channel")
	}

	msg = testMessage("")
	if err := s.Enqueue(msg); err == nil {
		t.Error("enqueue accepted empty message id")
	}
}

func TestEnqueuedFileShape(t *testing.T) {
	s := newTestStore(t)

	msg := testMessage("1000_aaaaaaa")
	if err := s.Enqueue(msg); err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(s.incoming, "telegram_1000_aaaaaaa.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("expected file at %s: %v", path, err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("file is not valid JSON: %v", err)
	}
	for _, key := range []string{"channel", "sender", "sender_id", "message", "timestamp", "message_id"} {
		if _, ok := decoded[key]; !ok {
			t.Errorf("envelope missing key %q", key)
		}
	}
}
