package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"courier/internal/bus"
	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// Telegram bridges a Telegram bot to the queue. Each incoming update is
// enqueued with a fresh message id; the chat id is remembered in a pending
// map so the response can find its way back.
type Telegram struct {
	token     string
	allowFrom []int64 // allowed user IDs (empty = allow all)
	parseMode string
	agent     string

	bot    *tgbotapi.BotAPI
	store  *queue.Store
	ledger *ledger.Ledger
	events *bus.EventBus
	logger *slog.Logger

	// pending maps message id to chat id for in-flight requests. Entries
	// for messages enqueued before a restart are gone, so unmatched
	// responses are acked and logged instead of delivered.
	pending   map[string]int64
	pendingMu sync.Mutex
}

type TelegramConfig struct {
	Token     string
	AllowFrom []string // user IDs as strings
	ParseMode string
	Agent     string
	Store     *queue.Store
	Ledger    *ledger.Ledger
	Events    *bus.EventBus
	Logger    *slog.Logger
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	var allowed []int64
	for _, s := range cfg.AllowFrom {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			allowed = append(allowed, id)
		}
	}
	if cfg.ParseMode == "" {
		cfg.ParseMode = "Markdown"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: allowed,
		parseMode: cfg.ParseMode,
		agent:     cfg.Agent,
		store:     cfg.Store,
		ledger:    cfg.Ledger,
		events:    cfg.Events,
		logger:    cfg.Logger,
		pending:   make(map[string]int64),
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram, begins polling for updates, and runs the
// outbox drain loop until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.bot = bot
	t.logger.Info("telegram bot connected",
		"username", bot.Self.UserName,
		"id", bot.Self.ID,
	)

	go t.pollOutbox(ctx)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	t.logger.Info("telegram polling started")

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(update)
		}
	}
}

func (t *Telegram) handleUpdate(update tgbotapi.Update) {
	if update.Message == nil || update.Message.From == nil || update.Message.Chat == nil {
		return
	}

	userID := update.Message.From.ID
	chatID := update.Message.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user",
			"user_id", userID,
			"username", update.Message.From.UserName,
		)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(update.Message.Text)
	if text == "" {
		return
	}

	msg := domain.IncomingMessage{
		Channel:   domain.ChannelTelegram,
		Sender:    update.Message.From.UserName,
		SenderID:  strconv.FormatInt(userID, 10),
		Message:   text,
		Timestamp: domain.NowMillis(),
		MessageID: domain.NewMessageID(),
		Agent:     t.agent,
	}

	t.pendingMu.Lock()
	t.pending[msg.MessageID] = chatID
	t.pendingMu.Unlock()

	if err := t.store.Enqueue(msg); err != nil {
		t.logger.Error("cannot enqueue telegram message", "message_id", msg.MessageID, "err", err)
		t.pendingMu.Lock()
		delete(t.pending, msg.MessageID)
		t.pendingMu.Unlock()
		t.sendMessage(chatID, "Message could not be queued, please try again.")
		return
	}

	t.logger.Info("telegram message enqueued",
		"user_id", userID,
		"chat_id", chatID,
		"message_id", msg.MessageID,
	)

	typing := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	_, _ = t.bot.Send(typing)
}

// pollOutbox drains outgoing telegram responses. Delivery order is send,
// record, ack; a crash mid-sequence re-delivers rather than losing the
// response.
func (t *Telegram) pollOutbox(ctx context.Context) {
	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := t.store.PollOutgoing(domain.ChannelTelegram)
			if err != nil {
				t.logger.Error("telegram outbox poll failed", "err", err)
				continue
			}
			for _, entry := range entries {
				t.deliver(ctx, entry)
			}
		}
	}
}

func (t *Telegram) deliver(ctx context.Context, entry queue.OutgoingEntry) {
	msg := entry.Message

	t.pendingMu.Lock()
	chatID, ok := t.pending[msg.MessageID]
	t.pendingMu.Unlock()

	if !ok {
		// Response to a request from before a restart; nowhere to send it.
		t.logger.Warn("orphaned telegram response, acking",
			"message_id", msg.MessageID)
		if err := t.store.AckOutgoing(entry.Path); err != nil {
			t.logger.Error("cannot ack orphaned response", "err", err)
		}
		return
	}

	t.sendMessage(chatID, msg.Message)

	if err := t.ledger.RecordDelivered(ctx, msg); err != nil {
		t.logger.Error("cannot record telegram delivery", "message_id", msg.MessageID, "err", err)
	}
	if err := t.store.AckOutgoing(entry.Path); err != nil {
		t.logger.Error("cannot ack telegram response", "message_id", msg.MessageID, "err", err)
		return
	}

	t.pendingMu.Lock()
	delete(t.pending, msg.MessageID)
	t.pendingMu.Unlock()

	if t.events != nil {
		t.events.Emit(bus.MessageEvent(bus.EventDelivered, "telegram", msg.Channel, msg.MessageID))
	}
}

func (t *Telegram) isAllowed(userID int64) bool {
	if len(t.allowFrom) == 0 {
		return true // empty list = allow all
	}
	for _, id := range t.allowFrom {
		if id == userID {
			return true
		}
	}
	return false
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	// Telegram has a 4096 char limit per message
	const maxLen = telegramMaxMsgLen
	for len(text) > 0 {
		chunk := text
		if len(chunk) > maxLen {
			cutAt := strings.LastIndex(chunk[:maxLen], "\n")
			if cutAt < maxLen/2 {
				cutAt = maxLen
			}
			chunk = text[:cutAt]
			text = text[cutAt:]
		} else {
			text = ""
		}

		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends a single message chunk with retry and rate limit handling.
// Strategy: try Markdown first, on parse error fall back to plain text,
// then retry with backoff.
func (t *Telegram) sendChunk(chatID int64, text string) {
	const maxRetries = telegramMaxSendRetries

	for attempt := 0; attempt <= maxRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 && t.parseMode != "" {
			msg.ParseMode = t.parseMode
		}
		// On subsequent attempts: send as plain text (parse mode may be malformed).

		_, err := t.bot.Send(msg)
		if err == nil {
			return
		}

		errStr := err.Error()

		// Handle Telegram rate limiting (HTTP 429).
		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off",
				"retry_after", retryAfter, "attempt", attempt+1,
			)
			time.Sleep(retryAfter)
			continue
		}

		// Markdown parse error on first attempt: immediately retry as plain text.
		if attempt == 0 && msg.ParseMode != "" &&
			strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text",
				"err", err, "parseMode", t.parseMode,
			)
			plainMsg := tgbotapi.NewMessage(chatID, text)
			if _, err2 := t.bot.Send(plainMsg); err2 == nil {
				return
			}
			// Plain also failed; fall through to backoff loop.
		}

		// Exponential backoff for other transient errors.
		if attempt < maxRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			time.Sleep(backoff)
			continue
		}

		t.logger.Error("telegram send failed after retries", "err", err, "attempts", maxRetries+1)
	}
}
