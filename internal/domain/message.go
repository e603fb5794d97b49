package domain

import "time"

// SenderRole identifies who authored a stored message.
type SenderRole string

const (
	RoleContact  SenderRole = "contact"
	RoleAgent    SenderRole = "agent"
	RoleOperator SenderRole = "operator"
)

// MessageType classifies the payload of a message.
type MessageType string

const (
	TypeText  MessageType = "text"
	TypeImage MessageType = "image"
	TypeAudio MessageType = "audio"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeImage, TypeAudio:
		return true
	}
	return false
}

type InboundMessage struct {
	Channel     string
	From        string // external address of the contact (phone number, chat id)
	ContactName string
	Content     string
	Type        MessageType
	MediaURL    string
	ProviderID  string // message id assigned by the provider
	Timestamp   time.Time
}

// Block is a bounded slice of an outbound message. It is never persisted.
type Block struct {
	Position int
	Text     string
}
