// Package store persists the tool-calling domain: described APIs and their
// endpoints, tools, chat settings, conversations and messages. Messages are
// append-only; everything else mutates only through explicit edits or
// re-imports.
package store

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType distinguishes conversation message kinds.
type MessageType string

const (
	MessageText       MessageType = "TEXT"
	MessageVoice      MessageType = "VOICE"
	MessageImage      MessageType = "IMAGE"
	MessageMedia      MessageType = "MEDIA"
	MessageLocation   MessageType = "LOCATION"
	MessageSystem     MessageType = "SYSTEM"
	MessageToolCall   MessageType = "TOOL_CALL"
	MessageToolResult MessageType = "TOOL_RESULT"
)

// SourceType identifies the channel a conversation originates from.
type SourceType string

const (
	SourceWhatsApp SourceType = "WHATSAPP"
	SourcePortal   SourceType = "PORTAL"
)

// ToolType tags the execution strategy of a tool.
type ToolType string

const (
	ToolTypeFunction   ToolType = "function"
	ToolTypeAPIRequest ToolType = "api_request"
	ToolTypeWebSearch  ToolType = "web_search_preview"
	ToolTypeFileSearch ToolType = "file_search"
)

// JSONMap is a map stored as a jsonb/text column.
type JSONMap map[string]any

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(data, m)
}

// JSONStrings is a string slice stored as a jsonb/text column.
type JSONStrings []string

func (s JSONStrings) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

func (s *JSONStrings) Scan(src any) error {
	if src == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return json.Unmarshal(data, s)
}

// JSONRaw is a raw JSON document column.
type JSONRaw json.RawMessage

func (r JSONRaw) Value() (driver.Value, error) {
	if len(r) == 0 {
		return nil, nil
	}
	return []byte(r), nil
}

func (r *JSONRaw) Scan(src any) error {
	if src == nil {
		*r = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*r = append((*r)[:0], v...)
	case string:
		*r = JSONRaw(v)
	default:
		return fmt.Errorf("unsupported jsonb source type %T", src)
	}
	return nil
}

func (r JSONRaw) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

func (r *JSONRaw) UnmarshalJSON(data []byte) error {
	if r == nil {
		return errors.New("store.JSONRaw: UnmarshalJSON on nil pointer")
	}
	*r = append((*r)[:0], data...)
	return nil
}

// Api is a described external service. Owned by the importer; read-only
// afterwards except through re-import.
type Api struct {
	ID        string `gorm:"primaryKey;size:36"`
	Name      string `gorm:"size:255;not null"`
	BaseURL   string `gorm:"size:1024;not null"`
	Provider  string `gorm:"size:255"`
	Version   string `gorm:"size:64"`
	Processed bool   `gorm:"not null;default:false"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Requests []ApiRequest `gorm:"foreignKey:ApiID"`
}

func (Api) TableName() string { return "apis" }

// ApiRequest is one operation on an Api together with its per-parameter
// exposure policy. SkipParameters maps a name to an optional fixed value
// (null means "omit entirely"); ConstantParameters maps a name to the value
// injected on every call; KeysMapping renames the model-facing name.
type ApiRequest struct {
	ID                 string  `gorm:"primaryKey;size:36"`
	ApiID              string  `gorm:"size:36;not null;uniqueIndex:idx_api_path_method,priority:1"`
	Path               string  `gorm:"size:1024;not null;uniqueIndex:idx_api_path_method,priority:2"`
	Method             string  `gorm:"size:16;not null;uniqueIndex:idx_api_path_method,priority:3"`
	Description        string  `gorm:"type:text"`
	Parameters         JSONRaw `gorm:"type:jsonb"`
	RequestSchema      JSONRaw `gorm:"type:jsonb"`
	ResponseSchema     JSONRaw `gorm:"type:jsonb"`
	SkipParameters     JSONMap `gorm:"type:jsonb"`
	ConstantParameters JSONMap `gorm:"type:jsonb"`
	KeysMapping        JSONMap `gorm:"type:jsonb"`
	IsDefaultEnabled   bool    `gorm:"not null;default:false"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

func (ApiRequest) TableName() string { return "api_requests" }

// Tool is a unit the model can call. ToolType selects the execution
// strategy; FunctionSchema is set for hand-authored function tools and
// ApiRequestID for endpoint-backed ones.
//
// Configuration and LegacyType are the pre-migration representation. They
// are migrated to ToolType/FunctionSchema on read (see MigrateLegacy) and
// never written for new rows.
type Tool struct {
	ID             string   `gorm:"primaryKey;size:36"`
	Name           string   `gorm:"size:255;not null"`
	Description    string   `gorm:"type:text"`
	ToolType       ToolType `gorm:"size:32;index"`
	FunctionSchema JSONRaw  `gorm:"type:jsonb"`
	ApiRequestID   *string  `gorm:"size:36;index"`
	Configuration  JSONMap  `gorm:"type:jsonb"` // legacy
	LegacyType     string   `gorm:"column:type;size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (Tool) TableName() string { return "tools" }

// MigrateLegacy resolves the legacy configuration/type pair into the newer
// tool_type/function_schema pair. The newer pair wins when both are present;
// legacy rows are interpreted the way the old formatter consumed them: a
// configuration with type=function becomes a function tool, any other typed
// configuration becomes the matching built-in.
func (t *Tool) MigrateLegacy() error {
	if t.ToolType != "" {
		return nil
	}
	if t.Configuration == nil {
		return fmt.Errorf("tool %s: no tool_type and no legacy configuration", t.ID)
	}
	cfgType, _ := t.Configuration["type"].(string)
	switch cfgType {
	case "function":
		schema, err := json.Marshal(t.Configuration)
		if err != nil {
			return fmt.Errorf("tool %s: encode legacy configuration: %w", t.ID, err)
		}
		t.ToolType = ToolTypeFunction
		t.FunctionSchema = JSONRaw(schema)
	case string(ToolTypeWebSearch):
		t.ToolType = ToolTypeWebSearch
	case string(ToolTypeFileSearch):
		t.ToolType = ToolTypeFileSearch
	default:
		return fmt.Errorf("tool %s: unknown legacy configuration type %q", t.ID, cfgType)
	}
	return nil
}

// ChatSettings bundles a system prompt, a model and the enabled tool set.
// EnabledToolIDs preserves the configured order; schemas are offered to the
// model in that order.
type ChatSettings struct {
	ID             string `gorm:"primaryKey;size:36"`
	Name           string `gorm:"size:255;not null"`
	Description    string `gorm:"type:text"`
	SystemPrompt   string `gorm:"type:text;not null"`
	Model          string `gorm:"size:128;not null"`
	EnabledToolIDs JSONStrings `gorm:"type:jsonb"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (ChatSettings) TableName() string { return "chat_settings" }

// Conversation is a channel-scoped chat. Silent conversations still run the
// orchestrator but suppress outbound delivery of the final reply.
type Conversation struct {
	ChatID         string     `gorm:"primaryKey;size:255"`
	Name           string     `gorm:"size:255"`
	IsGroup        bool       `gorm:"not null;default:false"`
	GroupName      string     `gorm:"size:255"`
	Silent         bool       `gorm:"not null;default:false"`
	ChatSettingsID string     `gorm:"size:36;index"`
	SourceType     SourceType `gorm:"size:16;not null;default:WHATSAPP"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Participants []Participant `gorm:"foreignKey:ChatID"`
}

func (Conversation) TableName() string { return "conversations" }

// Participant is one member of a conversation.
type Participant struct {
	ChatID string `gorm:"primaryKey;size:255"`
	Number string `gorm:"primaryKey;size:64"`
}

func (Participant) TableName() string { return "conversation_participants" }

// Message is one entry in a conversation, ordered by creation time.
// Rows are never mutated after insertion; quoting references an earlier
// message by id (single hop, same conversation).
type Message struct {
	ID                   string      `gorm:"primaryKey;size:36"`
	ChatID               string      `gorm:"size:255;not null;index:idx_messages_chat_created,priority:1"`
	Sender               string      `gorm:"size:255"`
	SenderName           string      `gorm:"size:255"`
	Type                 MessageType `gorm:"size:16;not null"`
	Role                 string      `gorm:"size:16"`
	Content              string      `gorm:"type:text"`
	Caption              string      `gorm:"type:text"`
	QuotedMessageID      *string     `gorm:"size:36"`
	QuotedMessageContent string      `gorm:"type:text"`
	ToolCallID           string      `gorm:"size:64;index"`
	FunctionName         string      `gorm:"size:255"`
	FunctionArguments    string      `gorm:"type:text"`
	FunctionResult       string      `gorm:"type:text"`
	CreatedAt            time.Time   `gorm:"index:idx_messages_chat_created,priority:2"`
}

func (Message) TableName() string { return "messages" }
