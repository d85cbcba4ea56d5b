package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormStore implements Store on a gorm connection. Postgres in production,
// sqlite for development and tests.
type GormStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects using the given DSN. An empty DSN or the literal ":memory:"
// opens an in-memory sqlite database.
func Open(dsn string, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)}

	var (
		db  *gorm.DB
		err error
	)
	switch {
	case dsn == "" || dsn == ":memory:":
		db, err = gorm.Open(sqlite.Open("file::memory:?cache=shared"), cfg)
	case looksLikePostgres(dsn):
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &GormStore{db: db, logger: logger.With(zap.String("component", "store"))}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func looksLikePostgres(dsn string) bool {
	for _, p := range []string{"postgres://", "postgresql://", "host="} {
		if len(dsn) >= len(p) && dsn[:len(p)] == p {
			return true
		}
	}
	return false
}

// NewGormStore wraps an already open connection and runs migrations.
func NewGormStore(db *gorm.DB, logger *zap.Logger) (*GormStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &GormStore{db: db, logger: logger.With(zap.String("component", "store"))}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *GormStore) migrate() error {
	err := s.db.AutoMigrate(
		&Api{},
		&ApiRequest{},
		&Tool{},
		&ChatSettings{},
		&Conversation{},
		&Participant{},
		&Message{},
	)
	if err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}
	s.logger.Debug("database schema migrated")
	return nil
}

// DB exposes the underlying connection for tests.
func (s *GormStore) DB() *gorm.DB { return s.db }

// --- ApiStore ---

func (s *GormStore) CreateApi(ctx context.Context, api *Api) error {
	if api.ID == "" {
		api.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(api).Error; err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	return nil
}

func (s *GormStore) GetApi(ctx context.Context, id string) (*Api, error) {
	var api Api
	err := s.db.WithContext(ctx).Preload("Requests").First(&api, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api: %w", err)
	}
	return &api, nil
}

func (s *GormStore) ListApis(ctx context.Context) ([]Api, error) {
	var apis []Api
	if err := s.db.WithContext(ctx).Order("created_at").Find(&apis).Error; err != nil {
		return nil, fmt.Errorf("list apis: %w", err)
	}
	return apis, nil
}

func (s *GormStore) MarkApiProcessed(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&Api{}).Where("id = ?", id).
		Updates(map[string]any{"processed": true, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("mark api processed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpsertApiRequest(ctx context.Context, req *ApiRequest) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ApiRequest
		err := tx.Where("api_id = ? AND path = ? AND method = ?",
			req.ApiID, req.Path, req.Method).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if req.ID == "" {
				req.ID = uuid.NewString()
			}
			if err := tx.Create(req).Error; err != nil {
				return fmt.Errorf("create api request: %w", err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("lookup api request: %w", err)
		}

		// Refresh what the document describes; keep operator-set policy.
		updates := map[string]any{
			"description":     req.Description,
			"parameters":      req.Parameters,
			"request_schema":  req.RequestSchema,
			"response_schema": req.ResponseSchema,
			"updated_at":      time.Now(),
		}
		if err := tx.Model(&ApiRequest{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update api request: %w", err)
		}
		req.ID = existing.ID
		req.SkipParameters = existing.SkipParameters
		req.ConstantParameters = existing.ConstantParameters
		req.KeysMapping = existing.KeysMapping
		req.IsDefaultEnabled = existing.IsDefaultEnabled
		return nil
	})
}

func (s *GormStore) GetApiRequest(ctx context.Context, id string) (*ApiRequest, error) {
	var req ApiRequest
	err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api request: %w", err)
	}
	return &req, nil
}

func (s *GormStore) ListApiRequests(ctx context.Context, apiID string) ([]ApiRequest, error) {
	var reqs []ApiRequest
	err := s.db.WithContext(ctx).Where("api_id = ?", apiID).
		Order("path, method").Find(&reqs).Error
	if err != nil {
		return nil, fmt.Errorf("list api requests: %w", err)
	}
	return reqs, nil
}

func (s *GormStore) UpdateApiRequestPolicy(ctx context.Context, id string, skip, constants, mapping JSONMap) error {
	res := s.db.WithContext(ctx).Model(&ApiRequest{}).Where("id = ?", id).Updates(map[string]any{
		"skip_parameters":     skip,
		"constant_parameters": constants,
		"keys_mapping":        mapping,
		"updated_at":          time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("update api request policy: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ToolStore ---

func (s *GormStore) CreateTool(ctx context.Context, tool *Tool) error {
	if tool.ID == "" {
		tool.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(tool).Error; err != nil {
		return fmt.Errorf("create tool: %w", err)
	}
	return nil
}

func (s *GormStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	var tool Tool
	err := s.db.WithContext(ctx).First(&tool, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get tool: %w", err)
	}
	if err := tool.MigrateLegacy(); err != nil {
		return nil, err
	}
	return &tool, nil
}

func (s *GormStore) GetTools(ctx context.Context, ids []string) ([]Tool, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []Tool
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get tools: %w", err)
	}
	byID := make(map[string]Tool, len(rows))
	for _, t := range rows {
		byID[t.ID] = t
	}
	out := make([]Tool, 0, len(ids))
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("tool %s: %w", id, ErrNotFound)
		}
		if err := t.MigrateLegacy(); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *GormStore) ListTools(ctx context.Context) ([]Tool, error) {
	var tools []Tool
	if err := s.db.WithContext(ctx).Order("created_at").Find(&tools).Error; err != nil {
		return nil, fmt.Errorf("list tools: %w", err)
	}
	for i := range tools {
		if err := tools[i].MigrateLegacy(); err != nil {
			return nil, err
		}
	}
	return tools, nil
}

func (s *GormStore) DeleteTool(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&Tool{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("delete tool: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ChatStore ---

func (s *GormStore) CreateChatSettings(ctx context.Context, cs *ChatSettings) error {
	if cs.ID == "" {
		cs.ID = uuid.NewString()
	}
	if err := s.db.WithContext(ctx).Create(cs).Error; err != nil {
		return fmt.Errorf("create chat settings: %w", err)
	}
	return nil
}

func (s *GormStore) GetChatSettings(ctx context.Context, id string) (*ChatSettings, error) {
	var cs ChatSettings
	err := s.db.WithContext(ctx).First(&cs, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat settings: %w", err)
	}
	return &cs, nil
}

func (s *GormStore) UpdateChatSettings(ctx context.Context, cs *ChatSettings) error {
	res := s.db.WithContext(ctx).Model(&ChatSettings{}).Where("id = ?", cs.ID).Updates(map[string]any{
		"name":             cs.Name,
		"description":      cs.Description,
		"system_prompt":    cs.SystemPrompt,
		"model":            cs.Model,
		"enabled_tool_ids": cs.EnabledToolIDs,
		"updated_at":       time.Now(),
	})
	if res.Error != nil {
		return fmt.Errorf("update chat settings: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Conversation
		err := tx.First(&existing, "chat_id = ?", conv.ChatID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(conv).Error; err != nil {
				return fmt.Errorf("create conversation: %w", err)
			}
		case err != nil:
			return fmt.Errorf("lookup conversation: %w", err)
		default:
			updates := map[string]any{"updated_at": time.Now()}
			if conv.Name != "" {
				updates["name"] = conv.Name
			}
			if conv.GroupName != "" {
				updates["group_name"] = conv.GroupName
			}
			if err := tx.Model(&Conversation{}).Where("chat_id = ?", conv.ChatID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update conversation: %w", err)
			}
			conv.Silent = existing.Silent
			conv.ChatSettingsID = existing.ChatSettingsID
		}
		for _, p := range conv.Participants {
			err := tx.Where(Participant{ChatID: conv.ChatID, Number: p.Number}).
				FirstOrCreate(&Participant{ChatID: conv.ChatID, Number: p.Number}).Error
			if err != nil {
				return fmt.Errorf("upsert participant: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStore) GetConversation(ctx context.Context, chatID string) (*Conversation, error) {
	var conv Conversation
	err := s.db.WithContext(ctx).Preload("Participants").First(&conv, "chat_id = ?", chatID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &conv, nil
}

func (s *GormStore) SetConversationSilent(ctx context.Context, chatID string, silent bool) error {
	res := s.db.WithContext(ctx).Model(&Conversation{}).Where("chat_id = ?", chatID).
		Updates(map[string]any{"silent": silent, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set conversation silent: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) SetConversationSettings(ctx context.Context, chatID, settingsID string) error {
	if _, err := s.GetChatSettings(ctx, settingsID); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&Conversation{}).Where("chat_id = ?", chatID).
		Updates(map[string]any{"chat_settings_id": settingsID, "updated_at": time.Now()})
	if res.Error != nil {
		return fmt.Errorf("set conversation settings: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) AppendMessage(ctx context.Context, msg *Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if msg.QuotedMessageID != nil && msg.QuotedMessageContent == "" {
		var quoted Message
		// Quotes are self-referential within the conversation; an id from
		// another chat must not denormalize foreign content.
		err := s.db.WithContext(ctx).
			First(&quoted, "id = ? AND chat_id = ?", *msg.QuotedMessageID, msg.ChatID).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			// Quoted message unknown; keep the reference, leave the snapshot empty.
		case err != nil:
			return fmt.Errorf("resolve quoted message: %w", err)
		default:
			msg.QuotedMessageContent = quoted.Content
		}
	}
	if err := s.db.WithContext(ctx).Create(msg).Error; err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

func (s *GormStore) AppendMessages(ctx context.Context, msgs []*Message) error {
	for _, m := range msgs {
		if err := s.AppendMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	var msg Message
	err := s.db.WithContext(ctx).First(&msg, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return &msg, nil
}

func (s *GormStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	var msgs []Message
	err := s.db.WithContext(ctx).Where("chat_id = ?", chatID).
		Order("created_at DESC, id DESC").Limit(limit).Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	// Reverse into chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

var _ Store = (*GormStore)(nil)
