package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a lookup misses.
var ErrNotFound = errors.New("store: not found")

// ApiStore manages described APIs and their endpoints.
type ApiStore interface {
	CreateApi(ctx context.Context, api *Api) error
	GetApi(ctx context.Context, id string) (*Api, error)
	ListApis(ctx context.Context) ([]Api, error)
	MarkApiProcessed(ctx context.Context, id string) error

	// UpsertApiRequest inserts the endpoint or, when a row with the same
	// (api_id, path, method) exists, updates its schemas and description
	// while keeping the existing policy columns (skip_parameters,
	// constant_parameters, keys_mapping, is_default_enabled) intact.
	UpsertApiRequest(ctx context.Context, req *ApiRequest) error
	GetApiRequest(ctx context.Context, id string) (*ApiRequest, error)
	ListApiRequests(ctx context.Context, apiID string) ([]ApiRequest, error)
	UpdateApiRequestPolicy(ctx context.Context, id string, skip, constants, mapping JSONMap) error
}

// ToolStore manages tool rows.
type ToolStore interface {
	CreateTool(ctx context.Context, tool *Tool) error
	GetTool(ctx context.Context, id string) (*Tool, error)
	// GetTools loads the given ids, preserving the order of the input
	// slice. Missing ids are reported as ErrNotFound.
	GetTools(ctx context.Context, ids []string) ([]Tool, error)
	ListTools(ctx context.Context) ([]Tool, error)
	DeleteTool(ctx context.Context, id string) error
}

// ChatStore manages chat settings, conversations and messages.
type ChatStore interface {
	CreateChatSettings(ctx context.Context, cs *ChatSettings) error
	GetChatSettings(ctx context.Context, id string) (*ChatSettings, error)
	UpdateChatSettings(ctx context.Context, cs *ChatSettings) error

	UpsertConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, chatID string) (*Conversation, error)
	SetConversationSilent(ctx context.Context, chatID string, silent bool) error
	// SetConversationSettings binds the conversation to a chat-settings row.
	SetConversationSettings(ctx context.Context, chatID, settingsID string) error

	AppendMessage(ctx context.Context, msg *Message) error
	AppendMessages(ctx context.Context, msgs []*Message) error
	GetMessage(ctx context.Context, id string) (*Message, error)
	// RecentMessages returns the newest limit messages of the chat in
	// chronological order.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error)
}

// Store is the full persistence surface.
type Store interface {
	ApiStore
	ToolStore
	ChatStore
}
