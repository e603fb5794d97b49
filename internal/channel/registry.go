package channel

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"leadbot/internal/config"
	"leadbot/internal/domain"
	"leadbot/internal/httpx"
	"leadbot/internal/logging"
)

// Set is the channel wiring derived from configuration.
type Set struct {
	// Active is the channel operator tools send through and whose
	// conversations carry the legacy tags.
	Active domain.Sender
	// Inbound lists every enabled channel that receives messages.
	Inbound []domain.Channel
	// Senders holds every built sender by name. Replies leave through the
	// sender named like the inbound message's channel.
	Senders map[string]domain.Sender
}

// Sender returns the sender registered under name.
func (s *Set) Sender(name string) (domain.Sender, bool) {
	sender, ok := s.Senders[name]
	return sender, ok
}

// Media returns the media source for name, if that channel stores media by
// reference.
func (s *Set) Media(name string) domain.MediaSource {
	if src, ok := s.Senders[name].(domain.MediaSource); ok {
		return src
	}
	return nil
}

// Webhooks returns the inbound channels served over HTTP.
func (s *Set) Webhooks() []Webhook {
	var out []Webhook
	for _, ch := range s.Inbound {
		if wh, ok := ch.(Webhook); ok {
			out = append(out, wh)
		}
	}
	return out
}

type Options struct {
	HTTPClient *http.Client
	Retrier    *httpx.Retrier
	// ConsoleOut receives console output (stdout when nil).
	ConsoleOut io.Writer
	Logger     *slog.Logger
}

// Build creates the enabled channels and picks the active sender.
func Build(cfg config.ChannelsConfig, opts Options) (*Set, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	set := &Set{Senders: make(map[string]domain.Sender)}
	byName := map[string]domain.Sender{
		"console": NewConsole(ConsoleConfig{Out: opts.ConsoleOut}),
	}

	if cfg.WhatsApp.Enabled {
		wa := NewWhatsApp(WhatsAppChannelConfig{
			Config:     cfg.WhatsApp,
			HTTPClient: opts.HTTPClient,
			Retrier:    opts.Retrier,
			Logger:     opts.Logger,
		})
		byName["whatsapp"] = wa
		set.Inbound = append(set.Inbound, wa)
	}
	if cfg.Gateway.Enabled {
		gw := NewGateway(GatewayChannelConfig{
			Config:     cfg.Gateway,
			HTTPClient: opts.HTTPClient,
			Retrier:    opts.Retrier,
			Logger:     opts.Logger,
		})
		byName["gateway"] = gw
		set.Inbound = append(set.Inbound, gw)
	}
	if cfg.Telegram.Enabled {
		tg := NewTelegram(TelegramConfig{
			Token:     cfg.Telegram.Token,
			AllowFrom: cfg.Telegram.AllowFrom,
			Logger:    opts.Logger,
		})
		byName["telegram"] = tg
		set.Inbound = append(set.Inbound, tg)
	}

	active, ok := byName[cfg.Active]
	if !ok {
		return nil, fmt.Errorf("active channel %q is not enabled", cfg.Active)
	}
	set.Active = active
	for _, sender := range byName {
		if prev, dup := set.Senders[sender.Name()]; dup && prev != sender {
			return nil, fmt.Errorf("two channels are named %q", sender.Name())
		}
		set.Senders[sender.Name()] = sender
	}
	return set, nil
}
