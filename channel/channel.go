// Package channel connects messaging channels to the conversation pipeline.
// Inbound events from WhatsApp or the portal are normalized into stored
// messages, handed to a turn runner, and the final reply is delivered back
// on the channel the conversation came from.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/chatwithoats/oats/store"
)

// InboundEvent is a channel-agnostic inbound message.
type InboundEvent struct {
	ChatID          string
	Sender          string
	SenderName      string
	SourceType      store.SourceType
	IsGroup         bool
	GroupName       string
	Type            store.MessageType
	Text            string
	Caption         string
	QuotedMessageID *string
	Participants    []string
	Timestamp       time.Time
}

// Validate checks the minimum an event needs to be processed.
func (e *InboundEvent) Validate() error {
	if e.ChatID == "" {
		return fmt.Errorf("inbound event has no chat id")
	}
	switch e.SourceType {
	case store.SourceWhatsApp, store.SourcePortal:
	default:
		return fmt.Errorf("inbound event has unknown source type %q", e.SourceType)
	}
	switch e.Type {
	case store.MessageText, store.MessageVoice, store.MessageImage,
		store.MessageMedia, store.MessageLocation:
	default:
		return fmt.Errorf("inbound event has unsupported message type %q", e.Type)
	}
	return nil
}

// Content renders the event as the text stored and shown to the model.
// Non-text messages become a bracketed placeholder so the model knows
// something arrived that it cannot read.
func (e *InboundEvent) Content() string {
	switch e.Type {
	case store.MessageText:
		return e.Text
	case store.MessageVoice:
		return "[voice message]"
	case store.MessageImage:
		if e.Caption != "" {
			return fmt.Sprintf("[image] %s", e.Caption)
		}
		return "[image]"
	case store.MessageMedia:
		if e.Caption != "" {
			return fmt.Sprintf("[media attachment] %s", e.Caption)
		}
		return "[media attachment]"
	case store.MessageLocation:
		if e.Text != "" {
			return fmt.Sprintf("[location] %s", e.Text)
		}
		return "[location]"
	default:
		return e.Text
	}
}

// Deliverer sends an assistant reply out on one channel.
type Deliverer interface {
	Deliver(ctx context.Context, chatID, text string) error
	Source() store.SourceType
}
