package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"courier/internal/bus"
	"courier/internal/domain"
	"courier/internal/ledger"
	"courier/internal/queue"
)

const discordMaxMsgLen = 2000

// Discord bridges a Discord bot to the queue.
type Discord struct {
	token   string
	guildID string
	agent   string

	session *discordgo.Session
	store   *queue.Store
	ledger  *ledger.Ledger
	events  *bus.EventBus
	logger  *slog.Logger

	// pending maps message id to the Discord channel the reply belongs in.
	pending   map[string]string
	pendingMu sync.Mutex
}

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token   string
	GuildID string
	Agent   string
	Store   *queue.Store
	Ledger  *ledger.Ledger
	Events  *bus.EventBus
	Logger  *slog.Logger
}

// NewDiscord creates a new Discord adapter.
func NewDiscord(cfg DiscordConfig) *Discord {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		agent:   cfg.Agent,
		store:   cfg.Store,
		ledger:  cfg.Ledger,
		events:  cfg.Events,
		logger:  cfg.Logger,
		pending: make(map[string]string),
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects to Discord using a bot token and runs until ctx is
// cancelled.
func (d *Discord) Start(ctx context.Context) error {
	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent

	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		// Ignore bot's own messages.
		if m.Author.ID == s.State.User.ID {
			return
		}

		// If guildID is set, filter messages.
		if d.guildID != "" && m.GuildID != d.guildID {
			return
		}

		content := strings.TrimSpace(m.Content)
		if content == "" {
			return
		}

		msg := domain.IncomingMessage{
			Channel:   domain.ChannelDiscord,
			Sender:    m.Author.Username,
			SenderID:  m.Author.ID,
			Message:   content,
			Timestamp: domain.NowMillis(),
			MessageID: domain.NewMessageID(),
			Agent:     d.agent,
		}

		d.pendingMu.Lock()
		d.pending[msg.MessageID] = m.ChannelID
		d.pendingMu.Unlock()

		if err := d.store.Enqueue(msg); err != nil {
			d.logger.Error("cannot enqueue discord message", "message_id", msg.MessageID, "err", err)
			d.pendingMu.Lock()
			delete(d.pending, msg.MessageID)
			d.pendingMu.Unlock()
			return
		}

		d.logger.Info("discord message enqueued",
			"author", m.Author.Username,
			"channel_id", m.ChannelID,
			"message_id", msg.MessageID,
		)
		_ = s.ChannelTyping(m.ChannelID)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}

	d.logger.Info("discord bot connected", "user", session.State.User.Username)

	go d.pollOutbox(ctx)

	<-ctx.Done()
	d.logger.Info("discord bot disconnecting")
	return session.Close()
}

func (d *Discord) pollOutbox(ctx context.Context) {
	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := d.store.PollOutgoing(domain.ChannelDiscord)
			if err != nil {
				d.logger.Error("discord outbox poll failed", "err", err)
				continue
			}
			for _, entry := range entries {
				d.deliver(ctx, entry)
			}
		}
	}
}

func (d *Discord) deliver(ctx context.Context, entry queue.OutgoingEntry) {
	msg := entry.Message

	d.pendingMu.Lock()
	channelID, ok := d.pending[msg.MessageID]
	d.pendingMu.Unlock()

	if !ok {
		d.logger.Warn("orphaned discord response, acking", "message_id", msg.MessageID)
		if err := d.store.AckOutgoing(entry.Path); err != nil {
			d.logger.Error("cannot ack orphaned response", "err", err)
		}
		return
	}

	d.sendMessage(channelID, msg.Message)

	if err := d.ledger.RecordDelivered(ctx, msg); err != nil {
		d.logger.Error("cannot record discord delivery", "message_id", msg.MessageID, "err", err)
	}
	if err := d.store.AckOutgoing(entry.Path); err != nil {
		d.logger.Error("cannot ack discord response", "message_id", msg.MessageID, "err", err)
		return
	}

	d.pendingMu.Lock()
	delete(d.pending, msg.MessageID)
	d.pendingMu.Unlock()

	if d.events != nil {
		d.events.Emit(bus.MessageEvent(bus.EventDelivered, "discord", msg.Channel, msg.MessageID))
	}
}

func (d *Discord) sendMessage(channelID, content string) {
	// Split long messages.
	chunks := splitMessage(content, discordMaxMsgLen)
	for _, chunk := range chunks {
		if _, err := d.session.ChannelMessageSend(channelID, chunk); err != nil {
			d.logger.Error("discord send failed", "channel", channelID, "err", err)
		}
	}
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		// Try to split on a newline.
		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}
