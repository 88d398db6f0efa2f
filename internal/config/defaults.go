package config

// Defaults returns a config with sane defaults for a single-user setup.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:  "~/.courier/queue",
			LogLevel: "info",
		},
		Queue: QueueConfig{
			PollIntervalSeconds: 1,
			MaxAttempts:         3,
			MaxResponseChars:    4000,
		},
		Ledger: LedgerConfig{
			DBPath: "~/.courier/ledger.db",
		},
		Inference: InferenceConfig{
			APIBase: "https://api.openai.com/v1",
			APIKey:  "${OPENAI_API_KEY}",
			Model:   "gpt-4o-mini",
			Agent:   "main",
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				Token:     "${TELEGRAM_BOT_TOKEN:-}",
				ParseMode: "Markdown",
			},
			Discord: DiscordConfig{
				Enabled: false,
				Token:   "${DISCORD_BOT_TOKEN:-}",
			},
			Heartbeat: HeartbeatConfig{
				Enabled:         false,
				IntervalMinutes: 30,
			},
		},
		API: APIConfig{
			Enabled: true,
			Port:    8791,
		},
	}
}
