package domain

import "time"

type Contact struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Conversation binds one contact to one assistant thread. ThreadID is empty
// until the first processing pass and never changes once set.
type Conversation struct {
	ID        string    `json:"id"`
	ContactID string    `json:"contact_id"`
	ThreadID  string    `json:"thread_id,omitempty"`
	Channel   string    `json:"channel"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Conversation) HasThread() bool {
	return c != nil && c.ThreadID != ""
}

type MessageRecord struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Sender         SenderRole  `json:"sender"`
	Type           MessageType `json:"type"`
	MediaURL       string      `json:"media_url,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

// Origin is where a lead came from (campaign, form, channel).
type Origin struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Stage is a pipeline step a lead moves through.
type Stage struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}
