// Package processor turns inbound contact messages into paced assistant
// replies.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadbot/internal/conversation"
	"leadbot/internal/delivery"
	"leadbot/internal/domain"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
	"leadbot/internal/segment"
)

const defaultConcurrency = 5

// Preparer yields a contact's conversation with an assistant thread attached.
type Preparer interface {
	Prepare(ctx context.Context, contactID string) (*domain.Conversation, error)
}

// Deliverer sends reply blocks to a contact address.
type Deliverer interface {
	Deliver(ctx context.Context, to string, blocks []string) (*delivery.Report, error)
}

// Route is the wiring for one channel: the adapter that tags its
// conversations and the pacer that sends replies back through it.
type Route struct {
	Adapter Preparer
	Pacer   Deliverer
	// Media resolves attachments the channel stored by reference (optional).
	Media domain.MediaSource
}

// Processor runs the inbound pipeline: store, ask the assistant, split, deliver.
type Processor struct {
	store       domain.ConversationStore
	threads     domain.ThreadClient
	routes      map[string]Route
	maxChars    int
	concurrency int
	locks       *conversation.KeyedMutex
	logger      *slog.Logger
}

type Config struct {
	Store   domain.ConversationStore
	Threads domain.ThreadClient
	// Routes maps inbound channel names to their wiring. Messages from a
	// channel without a route are rejected.
	Routes map[string]Route
	// MaxBlockChars bounds each outbound block (segment default when zero).
	MaxBlockChars int
	// Concurrency caps messages processed in parallel (default 5).
	Concurrency int
	Logger      *slog.Logger
}

func New(cfg Config) *Processor {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Processor{
		store:       cfg.Store,
		threads:     cfg.Threads,
		routes:      cfg.Routes,
		maxChars:    cfg.MaxBlockChars,
		concurrency: cfg.Concurrency,
		locks:       conversation.NewKeyedMutex(),
		logger:      cfg.Logger.With(logging.Component("processor")),
	}
}

// Run consumes the bus with bounded concurrency until ctx is done or the bus
// closes, then waits for in-flight messages.
func (p *Processor) Run(ctx context.Context, bus domain.MessageBus) {
	p.logger.Info("processor started", logging.Concurrency(p.concurrency), logging.Count(len(p.routes)))

	sem := make(chan struct{}, p.concurrency)
	inbound := bus.Subscribe()
	defer func() {
		for range p.concurrency {
			sem <- struct{}{}
		}
		p.logger.Info("processor stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbound:
			if !ok {
				return
			}
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			go func(m domain.InboundMessage) {
				defer func() { <-sem }()
				if _, err := p.Handle(ctx, m); err != nil {
					p.logger.Error("message processing failed",
						logging.Channel(m.Channel), logging.Type(string(m.Type)), logging.Err(err))
				}
			}(msg)
		}
	}
}

// Result describes one processed inbound message.
type Result struct {
	ConversationID string
	Reply          string
	Blocks         []string
	Report         *delivery.Report
}

// Handle processes one inbound message synchronously. Messages from the same
// contact are handled one at a time so their replies never interleave.
func (p *Processor) Handle(ctx context.Context, msg domain.InboundMessage) (*Result, error) {
	if msg.Type == "" {
		msg.Type = domain.TypeText
	}
	if !msg.Type.Valid() {
		return nil, p.failed("validate", fmt.Errorf("unsupported message type %q", msg.Type))
	}
	route, ok := p.routes[msg.Channel]
	if !ok {
		return nil, p.failed("route", fmt.Errorf("no route for channel %q", msg.Channel))
	}
	start := time.Now()

	contact, err := p.store.UpsertContact(ctx, domain.Contact{
		Channel: msg.Channel,
		Address: msg.From,
		Name:    msg.ContactName,
	})
	if err != nil {
		return nil, p.failed("contact", fmt.Errorf("%w: %w", domain.ErrPersistence, err))
	}

	unlock := p.locks.Lock(contact.ID)
	defer unlock()

	conv, err := route.Adapter.Prepare(ctx, contact.ID)
	if err != nil {
		return nil, p.failed("prepare", err)
	}
	log := p.logger.With(logging.Conv(conv.ID), logging.Channel(msg.Channel))

	if err := p.store.AddMessage(ctx, domain.MessageRecord{
		ConversationID: conv.ID,
		Content:        msg.Content,
		Sender:         domain.RoleContact,
		Type:           msg.Type,
		MediaURL:       msg.MediaURL,
		CreatedAt:      msg.Timestamp,
	}); err != nil {
		return nil, p.failed("persist_inbound", fmt.Errorf("%w: %w", domain.ErrPersistence, err))
	}

	parts := p.inlineMedia(ctx, log, route.Media, ContentParts(msg))
	if len(parts) == 0 {
		log.Debug("nothing to forward", logging.Type(string(msg.Type)))
		return &Result{ConversationID: conv.ID}, nil
	}
	if err := p.threads.AppendMessage(ctx, conv.ThreadID, parts); err != nil {
		return nil, p.failed("append", err)
	}

	reply, err := p.threads.Run(ctx, conv.ThreadID)
	if err != nil {
		return nil, p.failed("run", err)
	}
	res := &Result{ConversationID: conv.ID, Reply: reply}

	if strings.TrimSpace(reply) == "" {
		log.Info("assistant returned an empty reply, nothing sent")
		return res, nil
	}

	// The reply is stored once, before splitting. Blocks are never persisted.
	if err := p.store.AddMessage(ctx, domain.MessageRecord{
		ConversationID: conv.ID,
		Content:        reply,
		Sender:         domain.RoleAgent,
		Type:           domain.TypeText,
	}); err != nil {
		return nil, p.failed("persist_reply", fmt.Errorf("%w: %w", domain.ErrPersistence, err))
	}

	res.Blocks = segment.Split(reply, p.maxChars)
	report, err := route.Pacer.Deliver(ctx, contact.Address, res.Blocks)
	res.Report = report
	if err != nil {
		return res, p.failed("deliver", err)
	}

	log.Info("reply delivered",
		logging.TextLen(len([]rune(reply))),
		logging.Blocks(len(res.Blocks)),
		logging.Duration(time.Since(start)))
	return res, nil
}

func (p *Processor) failed(stage string, err error) error {
	metrics.ProcessingErrors.WithLabelValues(stage).Inc()
	var de *domain.DeliveryError
	if errors.As(err, &de) {
		p.logger.Warn("delivery incomplete", logging.Delivered(de.Delivered), logging.Blocks(de.Total))
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// inlineMedia swaps image references for data URLs fetched from the
// channel. Images that cannot be fetched are dropped so the text still goes
// through.
func (p *Processor) inlineMedia(ctx context.Context, log *slog.Logger, src domain.MediaSource, parts []domain.ContentPart) []domain.ContentPart {
	out := parts[:0:0]
	for _, part := range parts {
		if part.Type != domain.PartImage || IsFetchableURL(part.ImageURL) {
			out = append(out, part)
			continue
		}
		if src == nil {
			log.Warn("image reference without media source, dropped")
			continue
		}
		media, err := src.FetchMedia(ctx, part.ImageURL)
		if err != nil {
			metrics.ProcessingErrors.WithLabelValues("media").Inc()
			log.Warn("image fetch failed, dropped", logging.Err(err))
			continue
		}
		out = append(out, domain.ImagePart(media.DataURL()))
	}
	return out
}

// IsFetchableURL reports whether u can be handed to the assistant as is.
func IsFetchableURL(u string) bool {
	for _, scheme := range []string{"https://", "http://", "data:"} {
		if strings.HasPrefix(u, scheme) {
			return true
		}
	}
	return false
}

// ContentParts maps an inbound message onto thread message parts. Images go
// as image parts with their caption; audio goes as a text note carrying the
// media URL since threads take no audio input.
func ContentParts(msg domain.InboundMessage) []domain.ContentPart {
	text := strings.TrimSpace(msg.Content)
	var parts []domain.ContentPart
	switch msg.Type {
	case domain.TypeImage:
		if msg.MediaURL != "" {
			parts = append(parts, domain.ImagePart(msg.MediaURL))
		}
	case domain.TypeAudio:
		if msg.MediaURL != "" {
			parts = append(parts, domain.TextPart("[audio] "+msg.MediaURL))
		}
	}
	if text != "" {
		parts = append(parts, domain.TextPart(text))
	}
	return parts
}
