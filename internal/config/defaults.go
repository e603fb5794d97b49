package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:              "info",
			MaxConcurrentMessages: 5,
			BusBuffer:             100,
		},
		Assistant: AssistantConfig{
			APIBase:           "https://api.openai.com/v1",
			PollIntervalMs:    1000,
			RunTimeoutSeconds: 120,
			MaxAttempts:       4,
		},
		Delivery: DeliveryConfig{
			MaxBlockChars: 350,
			InitialMinMs:  6000,
			InitialMaxMs:  15000,
			BetweenMs:     3000,
		},
		Channels: ChannelsConfig{
			Active:      "whatsapp",
			LegacyNames: []string{"disparaja"},
			WhatsApp: WhatsAppConfig{
				APIBase:     "https://graph.facebook.com/v21.0",
				WebhookPath: "/webhook/whatsapp",
			},
			Gateway: GatewayConfig{
				Name:        "gateway",
				WebhookPath: "/webhook/gateway",
			},
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			DBPath:     "~/.leadbot/leadbot.db",
			MaxHistory: 50,
		},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        8080,
			MetricsPath: "/metrics",
		},
	}
}
