package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
)

// ToolHandler manages tool rows: the catalogue chats pick their enabled
// tools from.
type ToolHandler struct {
	store    store.Store
	registry *tools.Registry
	logger   *zap.Logger
}

func NewToolHandler(st store.Store, registry *tools.Registry, logger *zap.Logger) *ToolHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ToolHandler{store: st, registry: registry, logger: logger}
}

// HandleListTools GET /api/v1/tools
func (h *ToolHandler) HandleListTools(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	rows, err := h.store.ListTools(r.Context())
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, rows)
}

type createToolRequest struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	ToolType       store.ToolType  `json:"tool_type"`
	FunctionSchema json.RawMessage `json:"function_schema,omitempty"`
	ApiRequestID   *string         `json:"api_request_id,omitempty"`
}

// HandleCreateTool POST /api/v1/tools
func (h *ToolHandler) HandleCreateTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req createToolRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	tool := &store.Tool{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Description:    req.Description,
		ToolType:       req.ToolType,
		FunctionSchema: store.JSONRaw(req.FunctionSchema),
		ApiRequestID:   req.ApiRequestID,
	}

	switch req.ToolType {
	case store.ToolTypeFunction:
		compiled, err := tools.CompileFunctionTool(tool)
		if err != nil {
			WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
			return
		}
		tool.Name = trimmedOrDefault(tool.Name, compiled.Schema.Name)
	case store.ToolTypeAPIRequest:
		if req.ApiRequestID == nil || *req.ApiRequestID == "" {
			WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest,
				"api_request tools require api_request_id", h.logger)
			return
		}
		endpoint, err := h.store.GetApiRequest(r.Context(), *req.ApiRequestID)
		if err != nil {
			WriteStoreError(w, err, h.logger)
			return
		}
		tool.Name = trimmedOrDefault(tool.Name, tools.EndpointToolName(endpoint.Method, endpoint.Path))
	case store.ToolTypeWebSearch, store.ToolTypeFileSearch:
		tool.Name = trimmedOrDefault(tool.Name, string(req.ToolType))
	default:
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest,
			"unknown tool_type "+string(req.ToolType), h.logger)
		return
	}

	if err := h.store.CreateTool(r.Context(), tool); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	h.logger.Info("tool created",
		zap.String("tool_id", tool.ID),
		zap.String("name", tool.Name),
		zap.String("tool_type", string(tool.ToolType)),
	)
	WriteCreated(w, tool)
}

// HandleGetTool GET /api/v1/tools/{id}
func (h *ToolHandler) HandleGetTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing tool id", h.logger)
		return
	}
	tool, err := h.store.GetTool(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, tool)
}

// HandleDeleteTool DELETE /api/v1/tools/{id}
func (h *ToolHandler) HandleDeleteTool(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing tool id", h.logger)
		return
	}
	if err := h.store.DeleteTool(r.Context(), id); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	// Chats referencing the deleted tool must rebuild their snapshots.
	h.registry.InvalidateAll()

	h.logger.Info("tool deleted", zap.String("tool_id", id))
	WriteSuccess(w, map[string]string{"message": "tool deleted"})
}
