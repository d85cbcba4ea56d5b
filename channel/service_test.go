package channel

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/chatwithoats/oats/store"
)

func newTestStore(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	s, err := store.NewGormStore(db, nil)
	require.NoError(t, err)
	return s
}

type scriptedRunner struct {
	reply   string
	gotConv *store.Conversation
	gotMsg  *store.Message
}

func (r *scriptedRunner) RunTurn(ctx context.Context, conv *store.Conversation, msg *store.Message) (*store.Message, error) {
	r.gotConv, r.gotMsg = conv, msg
	if r.reply == "" {
		return nil, nil
	}
	return &store.Message{ChatID: conv.ChatID, Role: "assistant", Content: r.reply}, nil
}

type recordingDeliverer struct {
	source    store.SourceType
	delivered []string
}

func (d *recordingDeliverer) Deliver(ctx context.Context, chatID, text string) error {
	d.delivered = append(d.delivered, text)
	return nil
}

func (d *recordingDeliverer) Source() store.SourceType { return d.source }

func TestHandleInboundDelivers(t *testing.T) {
	st := newTestStore(t)
	runner := &scriptedRunner{reply: "21 degrees"}
	out := &recordingDeliverer{source: store.SourceWhatsApp}
	svc := NewService(st, runner, []Deliverer{out}, nil)

	err := svc.HandleInbound(context.Background(), &InboundEvent{
		ChatID:     "123@g.us",
		Sender:     "+15550001",
		SenderName: "Ada",
		SourceType: store.SourceWhatsApp,
		Type:       store.MessageText,
		Text:       "weather in berlin?",
	})
	require.NoError(t, err)

	require.NotNil(t, runner.gotMsg)
	assert.Equal(t, "weather in berlin?", runner.gotMsg.Content)
	assert.Equal(t, "user", runner.gotMsg.Role)
	assert.Equal(t, []string{"21 degrees"}, out.delivered)

	msgs, err := st.RecentMessages(context.Background(), "123@g.us", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.MessageText, msgs[0].Type)
}

func TestHandleInboundSilentSuppressesDelivery(t *testing.T) {
	st := newTestStore(t)
	runner := &scriptedRunner{reply: "should not go out"}
	out := &recordingDeliverer{source: store.SourcePortal}
	svc := NewService(st, runner, []Deliverer{out}, nil)

	require.NoError(t, st.UpsertConversation(context.Background(),
		&store.Conversation{ChatID: "portal-1", SourceType: store.SourcePortal}))
	require.NoError(t, svc.SetSilent(context.Background(), "portal-1", true))

	err := svc.HandleInbound(context.Background(), &InboundEvent{
		ChatID:     "portal-1",
		SourceType: store.SourcePortal,
		Type:       store.MessageText,
		Text:       "hello",
	})
	require.NoError(t, err)

	// The turn still ran; nothing was delivered.
	require.NotNil(t, runner.gotMsg)
	assert.Empty(t, out.delivered)
}

func TestHandleInboundValidation(t *testing.T) {
	svc := NewService(newTestStore(t), &scriptedRunner{}, nil, nil)

	err := svc.HandleInbound(context.Background(), &InboundEvent{
		SourceType: store.SourceWhatsApp,
		Type:       store.MessageText,
	})
	require.Error(t, err)

	err = svc.HandleInbound(context.Background(), &InboundEvent{
		ChatID:     "x",
		SourceType: "TELEGRAM",
		Type:       store.MessageText,
	})
	require.Error(t, err)

	err = svc.HandleInbound(context.Background(), &InboundEvent{
		ChatID:     "x",
		SourceType: store.SourceWhatsApp,
		Type:       store.MessageToolCall,
	})
	require.Error(t, err)
}

func TestInboundEventContentPlaceholders(t *testing.T) {
	cases := []struct {
		event InboundEvent
		want  string
	}{
		{InboundEvent{Type: store.MessageText, Text: "hi"}, "hi"},
		{InboundEvent{Type: store.MessageVoice}, "[voice message]"},
		{InboundEvent{Type: store.MessageImage}, "[image]"},
		{InboundEvent{Type: store.MessageImage, Caption: "sunset"}, "[image] sunset"},
		{InboundEvent{Type: store.MessageMedia, Caption: "report.pdf"}, "[media attachment] report.pdf"},
		{InboundEvent{Type: store.MessageLocation, Text: "52.5,13.4"}, "[location] 52.5,13.4"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.event.Content())
	}
}
