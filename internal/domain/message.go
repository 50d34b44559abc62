// Package domain contains core domain types for the folio chat widget.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// Sender identifies who authored a conversation message.
type Sender string

const (
	// SenderUser marks a message typed by the visitor.
	SenderUser Sender = "user"
	// SenderBot marks a reply produced by the resolver.
	SenderBot Sender = "bot"
)

// ConversationMessage is a single entry in a widget's conversation.
// Values are never mutated after creation.
type ConversationMessage struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message stamped with the given time.
func NewMessage(text string, sender Sender, at time.Time) ConversationMessage {
	return ConversationMessage{
		ID:        uuid.NewString(),
		Text:      text,
		Sender:    sender,
		Timestamp: at,
	}
}

// TimeLabel returns the hour:minute label shown next to the message.
func (m ConversationMessage) TimeLabel() string {
	return m.Timestamp.Local().Format("15:04")
}
