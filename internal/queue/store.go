// Package queue implements the directory-based FIFO that couples channel
// adapters to the processor. Three directories (incoming, processing,
// outgoing) hold one JSON file per message; atomic rename is the entire
// locking protocol. Writers and readers in other processes only ever see
// fully written files because every write lands under a dot-prefixed temp
// name first and becomes visible via rename.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"courier/internal/bus"
	"courier/internal/domain"
)

// Store manages the three queue directories under a single data directory.
type Store struct {
	incoming   string
	processing string
	outgoing   string
	events     *bus.EventBus
	logger     *slog.Logger
}

// Claimed is the result of a successful claim: the message now lives in
// processing/ and belongs to the caller. ParseErr is set when the file won
// the claim race but its content does not validate; the caller is expected
// to dead-letter it rather than retry forever.
type Claimed struct {
	Path      string
	MessageID string
	Channel   domain.Channel
	Message   *domain.IncomingMessage
	ParseErr  error
	Raw       []byte
}

// StuckEntry describes a file sitting in processing/, typically left by a
// crashed claim. The store never moves these on its own; operator tooling
// decides.
type StuckEntry struct {
	Name      string
	MessageID string
	Channel   domain.Channel
	ModTime   time.Time
}

// OutgoingEntry pairs a parsed outgoing message with the file that holds
// it, so the adapter can ack (delete) after delivery.
type OutgoingEntry struct {
	Path    string
	Message domain.OutgoingMessage
}

// New creates the queue directories under baseDir. events may be nil.
func New(baseDir string, events *bus.EventBus, logger *slog.Logger) (*Store, error) {
	s := &Store{
		incoming:   filepath.Join(baseDir, "incoming"),
		processing: filepath.Join(baseDir, "processing"),
		outgoing:   filepath.Join(baseDir, "outgoing"),
		events:     events,
		logger:     logger,
	}
	for _, dir := range []string{s.incoming, s.processing, s.outgoing} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("cannot create queue directory %s: %w", dir, err)
		}
	}
	return s, nil
}

// Enqueue writes an incoming message to incoming/ with an atomic
// temp-write-then-rename. A crash between the write and the rename leaves
// only an orphaned temp file that claims never see.
func (s *Store) Enqueue(msg domain.IncomingMessage) error {
	if !msg.Channel.Valid() {
		return fmt.Errorf("enqueue: unknown channel %q", msg.Channel)
	}
	if msg.MessageID == "" {
		return fmt.Errorf("enqueue: empty message id")
	}
	name := fmt.Sprintf("%s_%s.json", msg.Channel, msg.MessageID)
	if err := s.writeAtomic(s.incoming, name, msg); err != nil {
		return err
	}
	s.emit(bus.MessageEvent(bus.EventEnqueued, "queue", msg.Channel, msg.MessageID))
	return nil
}

// EnqueueOutgoing writes a response to outgoing/ under
// {channel}_{messageId}_{timestamp}.json, same atomic discipline.
func (s *Store) EnqueueOutgoing(msg domain.OutgoingMessage) error {
	if !msg.Channel.Valid() {
		return fmt.Errorf("enqueue outgoing: unknown channel %q", msg.Channel)
	}
	name := fmt.Sprintf("%s_%s_%d.json", msg.Channel, msg.MessageID, msg.Timestamp)
	return s.writeAtomic(s.outgoing, name, msg)
}

func (s *Store) writeAtomic(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("publish %s: %w", name, err)
	}
	return nil
}

// ClaimNext claims the oldest incoming message by renaming its file into
// processing/. Rename is the mutual-exclusion primitive: when two
// processors race on the same file exactly one rename succeeds and the
// loser moves on to the next candidate. Returns nil when incoming is
// empty.
func (s *Store) ClaimNext() (*Claimed, error) {
	entries, err := os.ReadDir(s.incoming)
	if err != nil {
		return nil, fmt.Errorf("list incoming: %w", err)
	}

	type candidate struct {
		name string
		id   string
		ts   int64
	}
	candidates := make([]candidate, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !visible(name) {
			continue
		}
		id := messageIDFromName(name)
		candidates = append(candidates, candidate{name: name, id: id, ts: embeddedMillis(id)})
	}

	// Oldest first by the timestamp embedded in the message id; ties by
	// message id lexical order for determinism.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ts != candidates[j].ts {
			return candidates[i].ts < candidates[j].ts
		}
		return candidates[i].id < candidates[j].id
	})

	for _, c := range candidates {
		src := filepath.Join(s.incoming, c.name)
		dst := filepath.Join(s.processing, c.name)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Someone else claimed it first. Not an error.
				continue
			}
			return nil, fmt.Errorf("claim %s: %w", c.name, err)
		}

		claimed := &Claimed{
			Path:      dst,
			MessageID: c.id,
			Channel:   channelFromName(c.name),
		}
		raw, err := os.ReadFile(dst)
		if err != nil {
			return nil, fmt.Errorf("read claimed %s: %w", c.name, err)
		}
		claimed.Raw = raw

		var msg domain.IncomingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			claimed.ParseErr = fmt.Errorf("parse %s: %w", c.name, err)
		} else if !msg.Channel.Valid() || msg.MessageID == "" {
			claimed.ParseErr = fmt.Errorf("parse %s: invalid envelope", c.name)
		} else {
			claimed.Message = &msg
		}

		s.emit(bus.MessageEvent(bus.EventClaimed, "queue", claimed.Channel, claimed.MessageID))
		return claimed, nil
	}

	return nil, nil
}

// Complete removes a message from processing/. Callers must have durably
// written the outcome (outgoing file or ledger row) first: write then
// delete, never the reverse, so the message always exists somewhere.
func (s *Store) Complete(messageID string) error {
	name, err := s.findProcessing(messageID)
	if err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(s.processing, name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("complete %s: %w", messageID, err)
	}
	return nil
}

// Requeue moves a message from processing/ back to incoming/ for another
// attempt. The attempts counter is incremented inside the payload first,
// via an atomic rewrite in processing/, so the count is monotonic even if
// the process dies between the rewrite and the move.
func (s *Store) Requeue(messageID string) error {
	name, err := s.findProcessing(messageID)
	if err != nil {
		return err
	}
	path := filepath.Join(s.processing, name)

	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("read %s: %w", name, err)
	}
	var msg domain.IncomingMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("requeue %s: %w", name, err)
	}
	msg.Attempts++

	if err := s.writeAtomic(s.processing, name, msg); err != nil {
		return err
	}
	if err := os.Rename(path, filepath.Join(s.incoming, name)); err != nil {
		return fmt.Errorf("requeue %s: %w", name, err)
	}
	s.emit(bus.MessageEvent(bus.EventRequeued, "queue", msg.Channel, msg.MessageID))
	return nil
}

// ListStuck returns the contents of processing/. Files here belong to a
// live claim or a crashed one; the store cannot tell which, so recovery is
// an explicit operator action.
func (s *Store) ListStuck() ([]StuckEntry, error) {
	entries, err := os.ReadDir(s.processing)
	if err != nil {
		return nil, fmt.Errorf("list processing: %w", err)
	}
	var stuck []StuckEntry
	for _, e := range entries {
		name := e.Name()
		if !visible(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		stuck = append(stuck, StuckEntry{
			Name:      name,
			MessageID: messageIDFromName(name),
			Channel:   channelFromName(name),
			ModTime:   info.ModTime(),
		})
	}
	sort.Slice(stuck, func(i, j int) bool { return stuck[i].MessageID < stuck[j].MessageID })
	return stuck, nil
}

// Counts returns the visible file count of each directory.
func (s *Store) Counts() (domain.DirCounts, error) {
	var c domain.DirCounts
	for _, d := range []struct {
		dir string
		n   *int
	}{
		{s.incoming, &c.Incoming},
		{s.processing, &c.Processing},
		{s.outgoing, &c.Outgoing},
	} {
		entries, err := os.ReadDir(d.dir)
		if err != nil {
			return domain.DirCounts{}, fmt.Errorf("count %s: %w", d.dir, err)
		}
		for _, e := range entries {
			if visible(e.Name()) {
				*d.n++
			}
		}
	}
	return c, nil
}

// PollOutgoing returns all parseable outgoing messages for a channel.
// Unparseable files are logged and skipped, never deleted here.
func (s *Store) PollOutgoing(channel domain.Channel) ([]OutgoingEntry, error) {
	entries, err := os.ReadDir(s.outgoing)
	if err != nil {
		return nil, fmt.Errorf("list outgoing: %w", err)
	}
	prefix := string(channel) + "_"
	var results []OutgoingEntry
	for _, e := range entries {
		name := e.Name()
		if !visible(name) || !strings.HasPrefix(name, prefix) {
			continue
		}
		path := filepath.Join(s.outgoing, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // acked by another poller
			}
			return nil, fmt.Errorf("read outgoing %s: %w", name, err)
		}
		var msg domain.OutgoingMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Error("unparseable outgoing file", "file", name, "err", err)
			continue
		}
		results = append(results, OutgoingEntry{Path: path, Message: msg})
	}
	return results, nil
}

// AckOutgoing deletes an outgoing file after successful external delivery.
func (s *Store) AckOutgoing(path string) error {
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return domain.ErrNotFound
		}
		return fmt.Errorf("ack %s: %w", path, err)
	}
	return nil
}

func (s *Store) findProcessing(messageID string) (string, error) {
	entries, err := os.ReadDir(s.processing)
	if err != nil {
		return "", fmt.Errorf("list processing: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if visible(name) && messageIDFromName(name) == messageID {
			return name, nil
		}
	}
	return "", domain.ErrNotFound
}

func (s *Store) emit(event bus.Event) {
	if s.events != nil {
		s.events.Emit(event)
	}
}

// visible reports whether a directory entry is a queue payload: dot-prefixed
// temp files are invisible by construction.
func visible(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}

// messageIDFromName extracts the message id from {channel}_{messageId}.json
// or {channel}_{messageId}_{timestamp}.json. Channel names contain no
// underscore, so the id starts after the first one.
func messageIDFromName(name string) string {
	base := strings.TrimSuffix(name, ".json")
	if i := strings.Index(base, "_"); i >= 0 {
		return base[i+1:]
	}
	return base
}

func channelFromName(name string) domain.Channel {
	if i := strings.Index(name, "_"); i >= 0 {
		return domain.Channel(name[:i])
	}
	return domain.Channel("")
}

// embeddedMillis parses the millis prefix of a message id for FIFO
// ordering. Ids without a parsable prefix sort first and fall through to
// content validation on claim.
func embeddedMillis(id string) int64 {
	prefix := id
	if i := strings.Index(id, "_"); i >= 0 {
		prefix = id[:i]
	}
	ts, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
