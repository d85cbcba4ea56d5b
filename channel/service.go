package channel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/store"
)

// TurnRunner runs one conversation turn and returns the final assistant
// reply, or nil when the turn produced no reply.
type TurnRunner interface {
	RunTurn(ctx context.Context, conv *store.Conversation, userMsg *store.Message) (*store.Message, error)
}

// Service is the inbound pipeline: normalize, persist, run the turn,
// deliver. Silent conversations run the full turn but never deliver.
type Service struct {
	store      store.Store
	runner     TurnRunner
	deliverers map[store.SourceType]Deliverer
	logger     *zap.Logger
}

// NewService creates the inbound pipeline.
func NewService(st store.Store, runner TurnRunner, deliverers []Deliverer, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	bysource := make(map[store.SourceType]Deliverer, len(deliverers))
	for _, d := range deliverers {
		bysource[d.Source()] = d
	}
	return &Service{
		store:      st,
		runner:     runner,
		deliverers: bysource,
		logger:     logger.With(zap.String("component", "channel")),
	}
}

// HandleInbound processes one inbound event end to end.
func (s *Service) HandleInbound(ctx context.Context, event *InboundEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}

	conv := &store.Conversation{
		ChatID:     event.ChatID,
		Name:       event.SenderName,
		IsGroup:    event.IsGroup,
		GroupName:  event.GroupName,
		SourceType: event.SourceType,
	}
	for _, number := range event.Participants {
		conv.Participants = append(conv.Participants, store.Participant{
			ChatID: event.ChatID,
			Number: number,
		})
	}
	if err := s.store.UpsertConversation(ctx, conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	userMsg := &store.Message{
		ChatID:          event.ChatID,
		Sender:          event.Sender,
		SenderName:      event.SenderName,
		Type:            event.Type,
		Role:            "user",
		Content:         event.Content(),
		Caption:         event.Caption,
		QuotedMessageID: event.QuotedMessageID,
		CreatedAt:       event.Timestamp,
	}
	if err := s.store.AppendMessage(ctx, userMsg); err != nil {
		return fmt.Errorf("append inbound message: %w", err)
	}

	reply, err := s.runner.RunTurn(ctx, conv, userMsg)
	if err != nil {
		return fmt.Errorf("run turn: %w", err)
	}
	if reply == nil || reply.Content == "" {
		return nil
	}

	if conv.Silent {
		s.logger.Info("reply suppressed for silent conversation",
			zap.String("chat_id", conv.ChatID))
		return nil
	}

	deliverer, ok := s.deliverers[conv.SourceType]
	if !ok {
		return fmt.Errorf("no deliverer for source %q", conv.SourceType)
	}
	if err := deliverer.Deliver(ctx, conv.ChatID, reply.Content); err != nil {
		return fmt.Errorf("deliver reply: %w", err)
	}
	return nil
}

// SetSilent toggles delivery suppression for a conversation.
func (s *Service) SetSilent(ctx context.Context, chatID string, silent bool) error {
	return s.store.SetConversationSilent(ctx, chatID, silent)
}
