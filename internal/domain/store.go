package domain

import "context"

// ConversationStore persists contacts, conversations and their messages.
type ConversationStore interface {
	UpsertContact(ctx context.Context, c Contact) (*Contact, error)
	GetContact(ctx context.Context, id string) (*Contact, error)

	FindConversationByContact(ctx context.Context, contactID string) (*Conversation, error)
	CreateConversation(ctx context.Context, conv Conversation) error
	UpdateConversationChannel(ctx context.Context, id, channel string) error
	// SetThreadID stores threadID only if the conversation has none yet and
	// returns the thread id that is stored afterwards.
	SetThreadID(ctx context.Context, id, threadID string) (string, error)

	AddMessage(ctx context.Context, msg MessageRecord) error
	GetMessages(ctx context.Context, convID string, limit int) ([]MessageRecord, error)
}

// PipelineStore manages lead origins and their explicitly linked stages.
type PipelineStore interface {
	CreateOrigin(ctx context.Context, name string) (*Origin, error)
	GetOriginByName(ctx context.Context, name string) (*Origin, error)
	CreateStage(ctx context.Context, name string) (*Stage, error)
	GetStageByName(ctx context.Context, name string) (*Stage, error)
	LinkStage(ctx context.Context, originID, stageID string, position int) error
	ListStages(ctx context.Context, originID string) ([]Stage, error)
}

type Store interface {
	ConversationStore
	PipelineStore
	Close() error
}
