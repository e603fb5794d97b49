package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"leadbot/internal/channel"
	"leadbot/internal/domain"
	"leadbot/internal/httpx"
	"leadbot/internal/segment"
)

// readText joins args, or reads stdin when there are none or the only arg is "-".
func readText(in io.Reader, args []string) (string, error) {
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

func splitCmd() *cobra.Command {
	var maxChars int
	cmd := &cobra.Command{
		Use:   "split [text|-]",
		Short: "Preview how a reply is cut into blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := readText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			if maxChars <= 0 {
				maxChars = loadConfigOrDefaults().Delivery.MaxBlockChars
			}
			printBlocks(cmd.OutOrStdout(), segment.Blocks(text, maxChars))
			return nil
		},
	}
	cmd.Flags().IntVar(&maxChars, "max", 0, "maximum characters per block (default from config)")
	return cmd
}

func printBlocks(w io.Writer, blocks []domain.Block) {
	for _, b := range blocks {
		fmt.Fprintf(w, "[%d/%d] %d chars\n%s\n\n", b.Position+1, len(blocks), utf8.RuneCountInString(b.Text), b.Text)
	}
}

func sendCmd() *cobra.Command {
	var (
		channelName string
		noDelay     bool
		maxChars    int
	)
	cmd := &cobra.Command{
		Use:   "send <to> [text|-]",
		Short: "Split text and deliver it to an address with pacing",
		Long: "Delivers text through the active channel (or --channel) exactly like an assistant reply: " +
			"split into blocks, a random initial wait, then a fixed gap between blocks.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := loadConfigOrDefaults()
			if channelName != "" {
				cfg.Channels.Active = channelName
			}
			if maxChars <= 0 {
				maxChars = cfg.Delivery.MaxBlockChars
			}

			text, err := readText(cmd.InOrStdin(), args[1:])
			if err != nil {
				return err
			}
			blocks := segment.Split(text, maxChars)
			if strings.TrimSpace(text) == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to send")
				return nil
			}

			set, err := channel.Build(cfg.Channels, channel.Options{
				Retrier:    httpx.NewRetrier(cfg.Assistant.MaxAttempts, httpx.DefaultBaseDelay, logger),
				ConsoleOut: cmd.OutOrStdout(),
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pacer := newPacer(cfg.Delivery, set.Active, noDelay)
			report, err := pacer.Deliver(ctx, args[0], blocks)
			var de *domain.DeliveryError
			if errors.As(err, &de) {
				return fmt.Errorf("delivered %d of %d blocks via %s: %w", de.Delivered, de.Total, de.Channel, err)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "delivered %d blocks via %s in %s\n", report.Delivered, report.Channel, report.Elapsed.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&channelName, "channel", "", "channel to send through (whatsapp, gateway, telegram, console)")
	cmd.Flags().BoolVar(&noDelay, "no-delay", false, "send all blocks immediately")
	cmd.Flags().IntVar(&maxChars, "max", 0, "maximum characters per block (default from config)")
	return cmd
}

func historyCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <channel> <address>",
		Short: "Show the stored messages of a contact's conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = cfg.Storage.MaxHistory
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := cmd.Context()
			contact, err := store.FindContact(ctx, args[0], args[1])
			if errors.Is(err, domain.ErrNotFound) {
				return fmt.Errorf("no contact %s on %s", args[1], args[0])
			}
			if err != nil {
				return err
			}
			conv, err := store.FindConversationByContact(ctx, contact.ID)
			if err != nil {
				return err
			}
			if conv == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no conversation yet")
				return nil
			}
			msgs, err := store.GetMessages(ctx, conv.ID, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, m := range msgs {
				body := m.Content
				if m.MediaURL != "" {
					body = strings.TrimSpace(fmt.Sprintf("[%s %s] %s", m.Type, m.MediaURL, body))
				}
				fmt.Fprintf(w, "%s  %-8s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), m.Sender, body)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "number of messages (default storage.maxHistory)")
	return cmd
}
