package domain

import "context"

// ContentPartType tells text parts apart from image parts of a thread message.
type ContentPartType string

const (
	PartText  ContentPartType = "text"
	PartImage ContentPartType = "image_url"
)

type ContentPart struct {
	Type     ContentPartType
	Text     string
	ImageURL string
}

func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

func ImagePart(url string) ContentPart { return ContentPart{Type: PartImage, ImageURL: url} }

// ThreadClient is the subset of a chat-completion assistant API that keeps
// conversation memory in server-side threads.
type ThreadClient interface {
	CreateThread(ctx context.Context) (string, error)
	AppendMessage(ctx context.Context, threadID string, parts []ContentPart) error
	// Run asks the assistant to answer the thread and returns its reply text.
	Run(ctx context.Context, threadID string) (string, error)
}
