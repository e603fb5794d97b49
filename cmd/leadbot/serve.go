package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"leadbot/internal/assistant"
	"leadbot/internal/bus"
	"leadbot/internal/channel"
	"leadbot/internal/conversation"
	"leadbot/internal/domain"
	"leadbot/internal/httpx"
	"leadbot/internal/logging"
	"leadbot/internal/processor"
	"leadbot/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive inbound messages and deliver assistant replies",
		Long: "Starts the webhook server, the enabled inbound channels and the message processor. " +
			"Press Ctrl+C to stop.",
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Assistant.APIKey == "" || cfg.Assistant.AssistantID == "" {
		return fmt.Errorf("assistant.apiKey and assistant.assistantId are required to serve")
	}

	log, closeLog := logging.New(logging.Options{
		Level: logging.ParseLevel(cfg.General.LogLevel),
		File:  cfg.General.LogFile,
	})
	defer closeLog()
	logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	httpClient := httpx.SharedHTTPClient(60 * time.Second)
	retrier := httpx.NewRetrier(cfg.Assistant.MaxAttempts, httpx.DefaultBaseDelay, logger)

	channels, err := channel.Build(cfg.Channels, channel.Options{
		HTTPClient: httpClient,
		Retrier:    retrier,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	threads := assistant.NewOpenAI(assistant.OpenAIConfig{
		APIKey:       cfg.Assistant.APIKey,
		APIBase:      cfg.Assistant.APIBase,
		AssistantID:  cfg.Assistant.AssistantID,
		PollInterval: time.Duration(cfg.Assistant.PollIntervalMs) * time.Millisecond,
		RunTimeout:   time.Duration(cfg.Assistant.RunTimeoutSeconds) * time.Second,
		HTTPClient:   httpClient,
		Retrier:      retrier,
		Logger:       logger,
	})

	// Replies go back on the channel a message came in on, and each channel
	// tags its own conversations.
	routes := make(map[string]processor.Route, len(channels.Inbound))
	for _, ch := range channels.Inbound {
		adapterCfg := conversation.AdapterConfig{
			Store:   store,
			Threads: threads,
			Channel: ch.Name(),
			Logger:  logger,
		}
		if ch.Name() == channels.Active.Name() {
			adapterCfg.LegacyChannels = cfg.Channels.LegacyNames
		}
		routes[ch.Name()] = processor.Route{
			Adapter: conversation.NewAdapter(adapterCfg),
			Pacer:   newPacer(cfg.Delivery, ch, false),
			Media:   channels.Media(ch.Name()),
		}
	}

	messageBus := bus.New(cfg.General.BusBuffer, logger)

	proc := processor.New(processor.Config{
		Store:         store,
		Threads:       threads,
		Routes:        routes,
		MaxBlockChars: cfg.Delivery.MaxBlockChars,
		Concurrency:   cfg.General.MaxConcurrentMessages,
		Logger:        logger,
	})
	procDone := make(chan struct{})
	go func() {
		defer close(procDone)
		proc.Run(ctx, messageBus)
	}()

	for _, ch := range channels.Inbound {
		go func(ch domain.Channel) {
			if err := ch.Start(ctx, messageBus); err != nil {
				logger.Error("channel stopped with error", logging.Channel(ch.Name()), logging.Err(err))
			}
		}(ch)
	}

	srv := server.New(server.Config{
		Addr:        cfg.Server.Addr(),
		MetricsPath: cfg.Server.MetricsPath,
		Version:     version,
		Webhooks:    channels.Webhooks(),
		Logger:      logger,
	})
	logger.Info("leadbot started", logging.Channel(channels.Active.Name()), logging.Count(len(channels.Inbound)))

	serveErr := srv.ListenAndServe(ctx)
	stop()
	logger.Info("shutting down")

	// Graceful shutdown with timeout
	const shutdownTimeout = 10 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, ch := range channels.Inbound {
			ch.Stop()
		}
		messageBus.Close()
		<-procDone
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out, forcing exit")
		if serveErr == nil {
			serveErr = fmt.Errorf("shutdown timed out")
		}
	}
	return serveErr
}

