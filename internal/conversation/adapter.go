// Package conversation maps contacts onto stored conversations and keeps each
// conversation bound to exactly one assistant thread.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"leadbot/internal/domain"
	"leadbot/internal/logging"
	"leadbot/internal/metrics"
)

// State is the thread readiness of a contact's conversation.
type State string

const (
	NoConversation         State = "no_conversation"
	ConversationNoThread   State = "conversation_no_thread"
	ConversationWithThread State = "conversation_with_thread"
)

// StateOf derives the readiness state of conv (nil means no conversation).
func StateOf(conv *domain.Conversation) State {
	switch {
	case conv == nil:
		return NoConversation
	case conv.ThreadID == "":
		return ConversationNoThread
	default:
		return ConversationWithThread
	}
}

// Adapter resolves conversations and lazily attaches assistant threads.
type Adapter struct {
	store   domain.ConversationStore
	threads domain.ThreadClient
	channel string
	legacy  []string
	locks   *KeyedMutex
	logger  *slog.Logger
}

type AdapterConfig struct {
	Store   domain.ConversationStore
	Threads domain.ThreadClient
	// Channel tags new conversations and replaces any other tag found on
	// existing ones.
	Channel string
	// LegacyChannels are old tags of the current channel. They are
	// normalized too but logged at debug level only.
	LegacyChannels []string
	Logger         *slog.Logger
}

func NewAdapter(cfg AdapterConfig) *Adapter {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	return &Adapter{
		store:   cfg.Store,
		threads: cfg.Threads,
		channel: cfg.Channel,
		legacy:  cfg.LegacyChannels,
		locks:   NewKeyedMutex(),
		logger:  cfg.Logger.With(logging.Component("conversation")),
	}
}

// Prepare returns the contact's conversation with a thread id attached.
func (a *Adapter) Prepare(ctx context.Context, contactID string) (*domain.Conversation, error) {
	unlock := a.locks.Lock(contactID)
	defer unlock()

	conv, err := a.resolve(ctx, contactID)
	if err != nil {
		return nil, err
	}
	if _, err := a.ensureThread(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Resolve finds or creates the contact's conversation and normalizes its
// channel tag.
func (a *Adapter) Resolve(ctx context.Context, contactID string) (*domain.Conversation, error) {
	unlock := a.locks.Lock(contactID)
	defer unlock()
	return a.resolve(ctx, contactID)
}

// EnsureThread makes sure conv has a thread id, creating one at most once.
// conv is updated in place.
func (a *Adapter) EnsureThread(ctx context.Context, conv *domain.Conversation) (string, error) {
	unlock := a.locks.Lock(conv.ContactID)
	defer unlock()
	return a.ensureThread(ctx, conv)
}

func (a *Adapter) resolve(ctx context.Context, contactID string) (*domain.Conversation, error) {
	conv, err := a.store.FindConversationByContact(ctx, contactID)
	if err != nil {
		return nil, fmt.Errorf("%w: find conversation: %w", domain.ErrPersistence, err)
	}

	if conv == nil {
		conv = &domain.Conversation{
			ID:        uuid.NewString(),
			ContactID: contactID,
			Channel:   a.channel,
		}
		if err := a.store.CreateConversation(ctx, *conv); err != nil {
			return nil, fmt.Errorf("%w: create conversation: %w", domain.ErrPersistence, err)
		}
		// Re-read: another process may have created the row first.
		stored, err := a.store.FindConversationByContact(ctx, contactID)
		if err != nil {
			return nil, fmt.Errorf("%w: find conversation: %w", domain.ErrPersistence, err)
		}
		if stored == nil {
			return nil, fmt.Errorf("%w: conversation vanished after create", domain.ErrPersistence)
		}
		if stored.ID == conv.ID {
			a.logger.Info("conversation created", logging.Conv(conv.ID), logging.Channel(a.channel))
		}
		conv = stored
	}

	if a.channel != "" && conv.Channel != a.channel {
		if slices.Contains(a.legacy, conv.Channel) {
			a.logger.Debug("normalizing legacy channel tag", logging.Conv(conv.ID))
		} else {
			a.logger.Info("conversation moved to current channel", logging.Conv(conv.ID), logging.Channel(a.channel))
		}
		if err := a.store.UpdateConversationChannel(ctx, conv.ID, a.channel); err != nil {
			return nil, fmt.Errorf("%w: normalize channel: %w", domain.ErrPersistence, err)
		}
		conv.Channel = a.channel
	}
	return conv, nil
}

func (a *Adapter) ensureThread(ctx context.Context, conv *domain.Conversation) (string, error) {
	if conv.HasThread() {
		return conv.ThreadID, nil
	}

	threadID, err := a.threads.CreateThread(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", domain.ErrThreadCreation, err)
	}
	metrics.ThreadsCreated.Inc()

	stored, err := a.store.SetThreadID(ctx, conv.ID, threadID)
	if err != nil {
		return "", fmt.Errorf("%w: store thread id: %w", domain.ErrPersistence, err)
	}
	if stored != threadID {
		// Another process attached a thread first; theirs wins.
		a.logger.Warn("thread already attached, discarding new thread", logging.Conv(conv.ID))
	}
	conv.ThreadID = stored
	a.logger.Info("thread attached", logging.Conv(conv.ID), logging.State(string(StateOf(conv))))
	return stored, nil
}
