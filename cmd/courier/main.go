package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"courier/internal/api"
	"courier/internal/bus"
	"courier/internal/channel"
	"courier/internal/config"
	"courier/internal/deadletter"
	"courier/internal/domain"
	"courier/internal/inference"
	"courier/internal/ledger"
	"courier/internal/processor"
	"courier/internal/queue"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "courier",
		Short: "Courier: crash-safe file queue between chat channels and an AI backend",
		Long:  "Courier moves messages from chat channels through a directory-based queue to an AI backend and back, with a SQLite ledger for history and dead letters.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.courier/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(gatewayCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(deadCmd())
	root.AddCommand(stuckCmd())
	root.AddCommand(configCmd())
	root.AddCommand(daemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger = setupLogger(cfg)
	return cfg, nil
}

// setupLogger builds the process logger from the config's level and
// optional log file.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var out io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("cannot open log file, logging to stderr", "path", cfg.General.LogFile, "err", err)
		} else {
			out = io.MultiWriter(os.Stderr, f)
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// pipeline holds the wired core components shared by gateway and the
// operator commands.
type pipeline struct {
	cfg    *config.Config
	events *bus.EventBus
	store  *queue.Store
	ledger *ledger.Ledger
	dead   *deadletter.Manager
}

func openPipeline(cfg *config.Config) (*pipeline, error) {
	events := bus.NewEventBus(logger)
	store, err := queue.New(cfg.General.DataDir, events, logger)
	if err != nil {
		return nil, fmt.Errorf("queue store: %w", err)
	}
	led, err := ledger.Open(cfg.Ledger.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	return &pipeline{
		cfg:    cfg,
		events: events,
		store:  store,
		ledger: led,
		dead:   deadletter.New(led, store, logger),
	}, nil
}

func (p *pipeline) Close() error { return p.ledger.Close() }

func (p *pipeline) newProcessor() *processor.Processor {
	engine := inference.NewEngine(inference.EngineConfig{
		APIKey:       p.cfg.Inference.APIKey,
		APIBase:      p.cfg.Inference.APIBase,
		Model:        p.cfg.Inference.Model,
		AgentID:      p.cfg.Inference.Agent,
		SystemPrompt: p.cfg.Inference.SystemPrompt,
		Logger:       logger,
	})
	return processor.New(processor.Config{
		Store:            p.store,
		Ledger:           p.ledger,
		Engine:           engine,
		Events:           p.events,
		Policy:           processor.RetryPolicy{MaxAttempts: p.cfg.Queue.MaxAttempts},
		PollInterval:     time.Duration(p.cfg.Queue.PollIntervalSeconds) * time.Second,
		MaxResponseChars: p.cfg.Queue.MaxResponseChars,
		Logger:           logger,
	})
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and queue directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if _, err := queue.New(dataDir, nil, logger); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data_dir", dataDir)
			return nil
		},
	}
}

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Start the gateway (channels + processor + API)",
		Long:  "Starts all enabled channel adapters, the queue processor and the HTTP API. Press Ctrl+C to stop.",
		RunE:  runGateway,
	}
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := openPipeline(cfg)
	if err != nil {
		return err
	}
	defer p.Close()

	go func() {
		if err := p.newProcessor().Run(ctx); err != nil {
			logger.Error("processor error", "err", err)
		}
	}()

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:     cfg.Channels.Telegram.Token,
			AllowFrom: cfg.Channels.Telegram.AllowFrom,
			ParseMode: cfg.Channels.Telegram.ParseMode,
			Agent:     cfg.Inference.Agent,
			Store:     p.store,
			Ledger:    p.ledger,
			Events:    p.events,
			Logger:    logger,
		})
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram channel error", "err", err)
			}
		}()
		logger.Info("telegram channel enabled")
	} else {
		logger.Info("telegram channel disabled")
	}

	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != "" {
		dc := channel.NewDiscord(channel.DiscordConfig{
			Token:   cfg.Channels.Discord.Token,
			GuildID: cfg.Channels.Discord.GuildID,
			Agent:   cfg.Inference.Agent,
			Store:   p.store,
			Ledger:  p.ledger,
			Events:  p.events,
			Logger:  logger,
		})
		go func() {
			if err := dc.Start(ctx); err != nil {
				logger.Error("discord channel error", "err", err)
			}
		}()
		logger.Info("discord channel enabled")
	} else {
		logger.Info("discord channel disabled")
	}

	if cfg.Channels.Heartbeat.Enabled {
		hb := channel.NewHeartbeat(channel.HeartbeatConfig{
			Interval: time.Duration(cfg.Channels.Heartbeat.IntervalMinutes) * time.Minute,
			Message:  cfg.Channels.Heartbeat.Message,
			Agent:    cfg.Inference.Agent,
			Store:    p.store,
			Ledger:   p.ledger,
			Events:   p.events,
			Logger:   logger,
		})
		go func() {
			if err := hb.Start(ctx); err != nil {
				logger.Error("heartbeat error", "err", err)
			}
		}()
		logger.Info("heartbeat enabled", "interval_minutes", cfg.Channels.Heartbeat.IntervalMinutes)
	}

	if cfg.API.Enabled {
		srv := api.NewServer(api.ServerConfig{
			Port:   cfg.API.Port,
			APIKey: cfg.API.APIKey,
			Store:  p.store,
			Ledger: p.ledger,
			Dead:   p.dead,
			Logger: logger,
		})
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("api server error", "err", err)
			}
		}()
	}

	logger.Info("gateway started", "version", version)
	<-ctx.Done()
	logger.Info("gateway stopped")
	return nil
}

func chatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Send one message through the queue and print the response",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			msg := domain.IncomingMessage{
				Channel:   domain.ChannelManual,
				Sender:    "cli",
				SenderID:  "cli",
				Message:   strings.Join(args, " "),
				Timestamp: domain.NowMillis(),
				MessageID: domain.NewMessageID(),
				Agent:     cfg.Inference.Agent,
			}
			if err := p.store.Enqueue(msg); err != nil {
				return err
			}

			proc := p.newProcessor()
			deadline := time.After(2 * time.Minute)
			for {
				proc.Tick(ctx)

				entries, err := p.store.PollOutgoing(domain.ChannelManual)
				if err != nil {
					return err
				}
				for _, entry := range entries {
					if entry.Message.MessageID != msg.MessageID {
						continue
					}
					fmt.Println(entry.Message.Message)
					if err := p.ledger.RecordDelivered(ctx, entry.Message); err != nil {
						logger.Warn("cannot record delivery", "err", err)
					}
					return p.store.AckOutgoing(entry.Path)
				}

				// The message may have been dead-lettered instead.
				deadList, err := p.dead.List(ctx)
				if err == nil {
					for _, d := range deadList {
						if d.Message.MessageID == msg.MessageID {
							return fmt.Errorf("message failed: %s", d.FailureReason)
						}
					}
				}

				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-deadline:
					return errors.New("timed out waiting for response")
				case <-time.After(time.Second):
				}
			}
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			counts, err := p.store.Counts()
			if err != nil {
				return err
			}
			status, err := p.ledger.QueueStatus(context.Background(), counts)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
}

func deadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dead",
		Short: "Manage dead letters",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			dead, err := p.dead.List(context.Background())
			if err != nil {
				return err
			}
			if len(dead) == 0 {
				fmt.Println("no dead letters")
				return nil
			}
			for _, d := range dead {
				fmt.Printf("%d\t%s\t%s\tattempts=%d\t%s\n",
					d.ID, d.Message.Channel, d.Message.MessageID, d.Attempts, d.FailureReason)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "retry [id]",
		Short: "Requeue a dead letter with a fresh retry budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %s", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.dead.Retry(context.Background(), id); err != nil {
				return err
			}
			logger.Info("dead letter requeued", "id", id)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Discard a dead letter permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id: %s", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.dead.Delete(context.Background(), id); err != nil {
				return err
			}
			logger.Info("dead letter deleted", "id", id)
			return nil
		},
	})

	return cmd
}

func stuckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "Inspect and recover messages stuck in processing",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List messages sitting in the processing directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			stuck, err := p.store.ListStuck()
			if err != nil {
				return err
			}
			if len(stuck) == 0 {
				fmt.Println("no stuck messages")
				return nil
			}
			for _, e := range stuck {
				fmt.Printf("%s\t%s\tsince %s\n", e.Channel, e.MessageID, e.ModTime.Format(time.RFC3339))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "requeue [message-id]",
		Short: "Move a stuck message back to incoming (counts as a failed attempt)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := openPipeline(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			if err := p.store.Requeue(args[0]); err != nil {
				return err
			}
			logger.Info("stuck message requeued", "message_id", args[0])
			return nil
		},
	})

	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the loaded configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
