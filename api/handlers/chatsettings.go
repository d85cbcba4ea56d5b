package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
)

// ChatSettingsHandler manages chat-settings rows: system prompt, model and
// the ordered list of enabled tools.
type ChatSettingsHandler struct {
	store    store.Store
	registry *tools.Registry
	logger   *zap.Logger
}

func NewChatSettingsHandler(st store.Store, registry *tools.Registry, logger *zap.Logger) *ChatSettingsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatSettingsHandler{store: st, registry: registry, logger: logger}
}

type chatSettingsRequest struct {
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	SystemPrompt   string   `json:"system_prompt"`
	Model          string   `json:"model"`
	EnabledToolIDs []string `json:"enabled_tool_ids,omitempty"`
}

func (req *chatSettingsRequest) validate() string {
	if strings.TrimSpace(req.Name) == "" {
		return "name is required"
	}
	if strings.TrimSpace(req.Model) == "" {
		return "model is required"
	}
	return ""
}

// HandleCreate POST /api/v1/chat-settings
func (h *ChatSettingsHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req chatSettingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if msg := req.validate(); msg != "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, msg, h.logger)
		return
	}
	if h.checkToolIDs(w, r, req.EnabledToolIDs) {
		return
	}

	cs := &store.ChatSettings{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		SystemPrompt:   req.SystemPrompt,
		Model:          req.Model,
		EnabledToolIDs: req.EnabledToolIDs,
	}
	if h.rejectUnbuildable(w, r, cs) {
		return
	}
	if err := h.store.CreateChatSettings(r.Context(), cs); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	h.logger.Info("chat settings created",
		zap.String("settings_id", cs.ID),
		zap.String("model", cs.Model),
		zap.Int("enabled_tools", len(cs.EnabledToolIDs)),
	)
	WriteCreated(w, cs)
}

// HandleGet GET /api/v1/chat-settings/{id}
func (h *ChatSettingsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing settings id", h.logger)
		return
	}
	cs, err := h.store.GetChatSettings(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, cs)
}

// HandleUpdate PUT /api/v1/chat-settings/{id}
func (h *ChatSettingsHandler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing settings id", h.logger)
		return
	}

	cs, err := h.store.GetChatSettings(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	var req chatSettingsRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if msg := req.validate(); msg != "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, msg, h.logger)
		return
	}
	if h.checkToolIDs(w, r, req.EnabledToolIDs) {
		return
	}

	cs.Name = req.Name
	cs.Description = req.Description
	cs.SystemPrompt = req.SystemPrompt
	cs.Model = req.Model
	cs.EnabledToolIDs = req.EnabledToolIDs

	if h.rejectUnbuildable(w, r, cs) {
		return
	}
	if err := h.store.UpdateChatSettings(r.Context(), cs); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	h.registry.Invalidate(cs.ID)

	h.logger.Info("chat settings updated",
		zap.String("settings_id", cs.ID),
		zap.Int("enabled_tools", len(cs.EnabledToolIDs)),
	)
	WriteSuccess(w, cs)
}

// rejectUnbuildable test-builds the tool snapshot so name collisions and
// broken tool rows are rejected at save time instead of failing every turn.
func (h *ChatSettingsHandler) rejectUnbuildable(w http.ResponseWriter, r *http.Request, cs *store.ChatSettings) bool {
	if len(cs.EnabledToolIDs) == 0 {
		return false
	}
	if _, err := h.registry.Build(r.Context(), cs); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteStoreError(w, err, h.logger)
		} else {
			WriteErrorMessage(w, http.StatusBadRequest, CodeConflict, err.Error(), h.logger)
		}
		return true
	}
	return false
}

// checkToolIDs rejects enabled tool ids that do not exist; a wrong id would
// otherwise break every turn of the chats using these settings.
func (h *ChatSettingsHandler) checkToolIDs(w http.ResponseWriter, r *http.Request, ids []string) bool {
	if len(ids) == 0 {
		return false
	}
	if _, err := h.store.GetTools(r.Context(), ids); err != nil {
		WriteStoreError(w, err, h.logger)
		return true
	}
	return false
}
