package handlers

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
	"github.com/chatwithoats/oats/tools/openapi"
)

// APIHandler manages imported APIs, their endpoints and parameter policies.
type APIHandler struct {
	store    store.Store
	importer *openapi.Importer
	registry *tools.Registry
	logger   *zap.Logger
}

func NewAPIHandler(st store.Store, importer *openapi.Importer, registry *tools.Registry, logger *zap.Logger) *APIHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &APIHandler{store: st, importer: importer, registry: registry, logger: logger}
}

// importRequest carries either a document URL or the raw document itself.
type importRequest struct {
	URL          string   `json:"url,omitempty"`
	Document     string   `json:"document,omitempty"`
	BaseURL      string   `json:"base_url,omitempty"`
	IncludeTags  []string `json:"include_tags,omitempty"`
	ExcludeTags  []string `json:"exclude_tags,omitempty"`
	IncludePaths []string `json:"include_paths,omitempty"`
	CreateTools  bool     `json:"create_tools,omitempty"`
}

// HandleImport POST /api/v1/apis/import
func (h *APIHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}

	var req importRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}
	if (req.URL == "") == (req.Document == "") {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest,
			"exactly one of url or document is required", h.logger)
		return
	}

	opts := openapi.Options{
		BaseURL:      req.BaseURL,
		IncludeTags:  req.IncludeTags,
		ExcludeTags:  req.ExcludeTags,
		IncludePaths: req.IncludePaths,
		CreateTools:  req.CreateTools,
	}

	var (
		report *openapi.Report
		err    error
	)
	if req.URL != "" {
		report, err = h.importer.ImportURL(r.Context(), req.URL, opts)
	} else {
		report, err = h.importer.Import(r.Context(), []byte(req.Document), opts)
	}
	if err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, err.Error(), h.logger)
		return
	}

	h.logger.Info("OpenAPI document imported",
		zap.String("api_id", report.ApiID),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("tools_created", report.ToolsCreated),
	)
	WriteCreated(w, report)
}

// HandleListApis GET /api/v1/apis
func (h *APIHandler) HandleListApis(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	apis, err := h.store.ListApis(r.Context())
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, apis)
}

// HandleGetApi GET /api/v1/apis/{id}
func (h *APIHandler) HandleGetApi(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing api id", h.logger)
		return
	}
	api, err := h.store.GetApi(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, api)
}

// HandleListEndpoints GET /api/v1/apis/{id}/endpoints
func (h *APIHandler) HandleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing api id", h.logger)
		return
	}
	if _, err := h.store.GetApi(r.Context(), id); err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	reqs, err := h.store.ListApiRequests(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	WriteSuccess(w, reqs)
}

// policyRequest replaces an endpoint's parameter policy. Nil fields clear
// the corresponding map.
type policyRequest struct {
	SkipParameters     map[string]any `json:"skip_parameters"`
	ConstantParameters map[string]any `json:"constant_parameters"`
	KeysMapping        map[string]any `json:"keys_mapping"`
}

// HandleUpdatePolicy PUT /api/v1/endpoints/{id}/policy
//
// The new policy is compiled against the stored endpoint before it is
// persisted, so conflicts (skip vs constant, rename collisions, unknown
// parameter names) are rejected here instead of failing later at snapshot
// build time.
func (h *APIHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		WriteErrorMessage(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method not allowed", h.logger)
		return
	}
	id := r.PathValue("id")
	if id == "" {
		WriteErrorMessage(w, http.StatusBadRequest, CodeInvalidRequest, "missing endpoint id", h.logger)
		return
	}

	var req policyRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	endpoint, err := h.store.GetApiRequest(r.Context(), id)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}
	api, err := h.store.GetApi(r.Context(), endpoint.ApiID)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	endpoint.SkipParameters = req.SkipParameters
	endpoint.ConstantParameters = req.ConstantParameters
	endpoint.KeysMapping = req.KeysMapping
	if _, err := tools.CompileEndpoint("", "", api.BaseURL, endpoint); err != nil {
		WriteErrorMessage(w, http.StatusBadRequest, CodeConflict, err.Error(), h.logger)
		return
	}

	err = h.store.UpdateApiRequestPolicy(r.Context(), id,
		req.SkipParameters, req.ConstantParameters, req.KeysMapping)
	if err != nil {
		WriteStoreError(w, err, h.logger)
		return
	}

	// Endpoint-backed tools in any chat may now expose a different schema.
	h.registry.InvalidateAll()

	h.logger.Info("endpoint policy updated",
		zap.String("endpoint_id", id),
		zap.String("method", endpoint.Method),
		zap.String("path", endpoint.Path),
	)
	WriteSuccess(w, endpoint)
}

// trimmedOrDefault returns s trimmed, or def when blank.
func trimmedOrDefault(s, def string) string {
	if t := strings.TrimSpace(s); t != "" {
		return t
	}
	return def
}
