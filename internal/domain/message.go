package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Channel identifies the adapter a message came from (or returns to).
// The set is closed: anything else is rejected at the queue boundary.
type Channel string

const (
	ChannelDiscord   Channel = "discord"
	ChannelTelegram  Channel = "telegram"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelHeartbeat Channel = "heartbeat"
	ChannelHTTP      Channel = "http"
	ChannelManual    Channel = "manual"
)

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelDiscord, ChannelTelegram, ChannelWhatsApp,
		ChannelHeartbeat, ChannelHTTP, ChannelManual:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// ParseChannel validates a raw channel string.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// IncomingMessage is written by a channel adapter into the incoming queue.
// It is immutable once enqueued; Attempts is the only field the queue
// itself rewrites, on requeue.
type IncomingMessage struct {
	Channel   Channel  `json:"channel"`
	Sender    string   `json:"sender"`
	SenderID  string   `json:"sender_id"`
	Message   string   `json:"message"`
	Timestamp int64    `json:"timestamp"`
	MessageID string   `json:"message_id"`
	Agent     string   `json:"agent,omitempty"`
	Files     []string `json:"files,omitempty"`

	// Attempts counts claims so far; monotonic across restarts.
	Attempts int `json:"attempts,omitempty"`
}

// OutgoingMessage is written by the processor into the outgoing queue and
// deleted by the adapter after delivery. MessageID equals the triggering
// IncomingMessage id so adapters can correlate request and response.
type OutgoingMessage struct {
	Channel         Channel  `json:"channel"`
	Sender          string   `json:"sender"`
	Message         string   `json:"message"`
	OriginalMessage string   `json:"original_message"`
	Timestamp       int64    `json:"timestamp"`
	MessageID       string   `json:"message_id"`
	Agent           string   `json:"agent,omitempty"`
	Files           []string `json:"files,omitempty"`
}

// DeadMessage is a permanently failed IncomingMessage held in the ledger
// for operator action. ID is ledger-local.
type DeadMessage struct {
	ID            int64           `json:"id"`
	Message       IncomingMessage `json:"message"`
	FailureReason string          `json:"failure_reason"`
	Attempts      int             `json:"attempts"`
	DeadAt        time.Time       `json:"dead_at"`
}

// UsageRecord is an append-only token usage sample. Observational only:
// it never feeds back into retry or routing decisions.
type UsageRecord struct {
	AgentID          string    `json:"agent_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Timestamp        time.Time `json:"timestamp"`
}

// RateLimitSnapshot is an append-only provider rate-limit observation.
type RateLimitSnapshot struct {
	AgentID           string    `json:"agent_id"`
	Model             string    `json:"model"`
	RequestsLimit     int       `json:"requests_limit"`
	RequestsRemaining int       `json:"requests_remaining"`
	TokensLimit       int       `json:"tokens_limit"`
	TokensRemaining   int       `json:"tokens_remaining"`
	ResetAt           string    `json:"reset_at"`
	Timestamp         time.Time `json:"timestamp"`
}

// QueueStatus is the composite queue accounting returned by the ledger.
type QueueStatus struct {
	Incoming   int `json:"incoming"`
	Processing int `json:"processing"`
	Outgoing   int `json:"outgoing"`
	Dead       int `json:"dead"`
}

// DirCounts holds the three directory counts from the queue store.
type DirCounts struct {
	Incoming   int
	Processing int
	Outgoing   int
}

// NowMillis returns the current time as milliseconds since epoch, the
// timestamp unit used in message envelopes and outgoing filenames.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// NewMessageID generates a globally unique, time-ordered message id of the
// form {millis}_{rand7}. The millis prefix gives FIFO ordering; the random
// suffix breaks collisions within the same millisecond.
func NewMessageID() string {
	return fmt.Sprintf("%d_%s", NowMillis(), uuid.NewString()[:7])
}
