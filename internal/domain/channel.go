package domain

import (
	"context"
	"encoding/base64"
)

// Sender delivers one text block to an external address through a messaging provider.
type Sender interface {
	Name() string
	Send(ctx context.Context, to string, text string) (*SendResult, error)
}

// Channel is a Sender that can also receive messages and publish them on the bus.
type Channel interface {
	Sender
	Start(ctx context.Context, bus MessageBus) error
	Stop() error
}

// SendResult is the provider-specific outcome of a successful send.
type SendResult struct {
	Channel   string
	MessageID string
	Status    string
}

// MediaSource fetches attachments that a channel recorded as a provider
// reference because the download URL carries credentials.
type MediaSource interface {
	FetchMedia(ctx context.Context, ref string) (*Media, error)
}

type Media struct {
	ContentType string
	Data        []byte
}

// DataURL renders the media inline as a data: URL.
func (m *Media) DataURL() string {
	return "data:" + m.ContentType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}
