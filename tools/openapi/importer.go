// Package openapi imports OpenAPI 3.x documents into stored APIs and
// endpoints. Re-importing the same document refreshes schemas while leaving
// operator-tuned parameter policy untouched.
package openapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/chatwithoats/oats/store"
	"github.com/chatwithoats/oats/tools"
)

// Document is a parsed OpenAPI 3.x document, reduced to what tool
// compilation needs.
type Document struct {
	OpenAPI string              `json:"openapi"`
	Info    Info                `json:"info"`
	Servers []Server            `json:"servers,omitempty"`
	Paths   map[string]PathItem `json:"paths"`
}

// Info carries API metadata.
type Info struct {
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	Version     string `json:"version"`
}

// Server is one server entry.
type Server struct {
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
}

// PathItem holds the operations on one path.
type PathItem struct {
	Get    *Operation `json:"get,omitempty"`
	Post   *Operation `json:"post,omitempty"`
	Put    *Operation `json:"put,omitempty"`
	Delete *Operation `json:"delete,omitempty"`
	Patch  *Operation `json:"patch,omitempty"`
}

// Operation is one API operation.
type Operation struct {
	OperationID string       `json:"operationId,omitempty"`
	Summary     string       `json:"summary,omitempty"`
	Description string       `json:"description,omitempty"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	RequestBody *RequestBody `json:"requestBody,omitempty"`
	Responses   Responses    `json:"responses,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
}

// Parameter is one operation parameter.
type Parameter struct {
	Name        string          `json:"name"`
	In          string          `json:"in"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// RequestBody is an operation request body.
type RequestBody struct {
	Description string               `json:"description,omitempty"`
	Required    bool                 `json:"required,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// MediaType wraps a content schema.
type MediaType struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

// Responses maps status codes to responses.
type Responses map[string]ResponseObj

// ResponseObj is one response.
type ResponseObj struct {
	Description string               `json:"description,omitempty"`
	Content     map[string]MediaType `json:"content,omitempty"`
}

// Options filters and shapes an import.
type Options struct {
	BaseURL      string   // overrides the document's first server
	IncludeTags  []string // keep only operations carrying one of these tags
	ExcludeTags  []string // drop operations carrying one of these tags
	IncludePaths []string // keep only these path prefixes
	CreateTools  bool     // also create endpoint-backed tool rows
}

// Report summarizes what one import did. Failed counts operations the run
// could not import; their reasons are in Errors and the run continues.
type Report struct {
	ApiID        string   `json:"api_id"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	Failed       int      `json:"failed"`
	ToolsCreated int      `json:"tools_created"`
	Errors       []string `json:"errors,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// Importer loads OpenAPI documents and persists them.
type Importer struct {
	store  store.Store
	client *http.Client
	logger *zap.Logger
}

// NewImporter creates an importer over the store.
func NewImporter(st store.Store, timeout time.Duration, logger *zap.Logger) *Importer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Importer{
		store:  st,
		client: &http.Client{Timeout: timeout},
		logger: logger.With(zap.String("component", "openapi_importer")),
	}
}

// ImportURL fetches a document over HTTP and imports it.
func (imp *Importer) ImportURL(ctx context.Context, url string, opts Options) (*Report, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := imp.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch document: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch document: %w", err)
	}
	return imp.Import(ctx, data, opts)
}

// Import parses the raw document (JSON or YAML) and persists its operations.
func (imp *Importer) Import(ctx context.Context, raw []byte, opts Options) (*Report, error) {
	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}

	baseURL := opts.BaseURL
	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("document has no servers and no base URL was given")
	}

	api, err := imp.findOrCreateApi(ctx, doc, baseURL)
	if err != nil {
		return nil, err
	}
	report := &Report{ApiID: api.ID}

	for _, path := range sortedPaths(doc.Paths) {
		item := doc.Paths[path]
		for method, op := range operations(item) {
			if op == nil {
				continue
			}
			if !included(path, op, opts) {
				report.Skipped++
				continue
			}
			if err := imp.importOperation(ctx, api, path, method, op, opts, report); err != nil {
				return nil, err
			}
		}
	}

	if err := imp.store.MarkApiProcessed(ctx, api.ID); err != nil {
		return nil, err
	}

	imp.logger.Info("document imported",
		zap.String("api", api.Name),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("skipped", report.Skipped),
		zap.Int("tools", report.ToolsCreated))
	return report, nil
}

// Parse decodes a JSON or YAML OpenAPI document and checks the version.
func Parse(raw []byte) (*Document, error) {
	data := raw
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if !strings.HasPrefix(trimmed, "{") {
		converted, err := yamlToJSON(raw)
		if err != nil {
			return nil, fmt.Errorf("parse document: %w", err)
		}
		data = converted
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if !strings.HasPrefix(doc.OpenAPI, "3.") {
		return nil, fmt.Errorf("unsupported OpenAPI version %q", doc.OpenAPI)
	}
	if len(doc.Paths) == 0 {
		return nil, fmt.Errorf("document declares no paths")
	}
	return &doc, nil
}

// yamlToJSON re-encodes a YAML document as JSON so the json-tagged document
// types can decode it.
func yamlToJSON(raw []byte) ([]byte, error) {
	var tree any
	if err := yaml.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	return json.Marshal(normalizeYAML(tree))
}

// normalizeYAML rewrites map[any]any trees into map[string]any for JSON.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	default:
		return v
	}
}

func (imp *Importer) findOrCreateApi(ctx context.Context, doc *Document, baseURL string) (*store.Api, error) {
	apis, err := imp.store.ListApis(ctx)
	if err != nil {
		return nil, err
	}
	for i := range apis {
		if apis[i].Name == doc.Info.Title && apis[i].BaseURL == baseURL {
			return &apis[i], nil
		}
	}
	api := &store.Api{
		Name:    doc.Info.Title,
		BaseURL: baseURL,
		Version: doc.Info.Version,
	}
	if err := imp.store.CreateApi(ctx, api); err != nil {
		return nil, err
	}
	return api, nil
}

func (imp *Importer) importOperation(ctx context.Context, api *store.Api, path, method string, op *Operation, opts Options, report *Report) error {
	params := make([]tools.EndpointParam, 0, len(op.Parameters))
	for _, p := range op.Parameters {
		switch p.In {
		case "path", "query", "header":
			params = append(params, tools.EndpointParam{
				Name:        p.Name,
				In:          tools.ParamLocation(p.In),
				Description: p.Description,
				Required:    p.Required,
				Schema:      p.Schema,
			})
		default:
			// Dropping the parameter would silently change the endpoint's
			// contract, so the whole operation fails instead.
			report.Failed++
			report.Errors = append(report.Errors,
				fmt.Sprintf("%s %s: parameter %q in unsupported location %q", method, path, p.Name, p.In))
			return nil
		}
	}
	encodedParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s %s: encode parameters: %w", method, path, err)
	}

	var requestSchema store.JSONRaw
	if op.RequestBody != nil {
		if content, ok := op.RequestBody.Content["application/json"]; ok && len(content.Schema) > 0 {
			requestSchema = store.JSONRaw(content.Schema)
		} else {
			report.Warnings = append(report.Warnings,
				fmt.Sprintf("%s %s: request body has no application/json schema", method, path))
		}
	}

	var responseSchema store.JSONRaw
	if resp, ok := op.Responses["200"]; ok {
		if content, ok := resp.Content["application/json"]; ok && len(content.Schema) > 0 {
			responseSchema = store.JSONRaw(content.Schema)
		}
	}

	description := op.Summary
	if description == "" {
		description = op.Description
	}

	req := &store.ApiRequest{
		ApiID:            api.ID,
		Path:             path,
		Method:           method,
		Description:      description,
		Parameters:       store.JSONRaw(encodedParams),
		RequestSchema:    requestSchema,
		ResponseSchema:   responseSchema,
		IsDefaultEnabled: opts.CreateTools,
	}

	existing, err := imp.store.ListApiRequests(ctx, api.ID)
	if err != nil {
		return err
	}
	isNew := true
	for _, e := range existing {
		if e.Path == path && e.Method == method {
			isNew = false
			break
		}
	}
	if err := imp.store.UpsertApiRequest(ctx, req); err != nil {
		return err
	}
	if isNew {
		report.Created++
	} else {
		report.Updated++
	}

	// Schemas are compiled lazily by the registry when a tool referencing
	// the endpoint is enabled, never here.
	name := op.OperationID
	if name == "" {
		name = tools.EndpointToolName(method, path)
	}
	if opts.CreateTools && isNew {
		tool := &store.Tool{
			Name:         name,
			Description:  description,
			ToolType:     store.ToolTypeAPIRequest,
			ApiRequestID: &req.ID,
		}
		if err := imp.store.CreateTool(ctx, tool); err != nil {
			return err
		}
		report.ToolsCreated++
	}
	return nil
}

func operations(item PathItem) map[string]*Operation {
	return map[string]*Operation{
		"GET":    item.Get,
		"POST":   item.Post,
		"PUT":    item.Put,
		"DELETE": item.Delete,
		"PATCH":  item.Patch,
	}
}

func sortedPaths(paths map[string]PathItem) []string {
	out := make([]string, 0, len(paths))
	for p := range paths {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func included(path string, op *Operation, opts Options) bool {
	if len(opts.IncludePaths) > 0 {
		match := false
		for _, prefix := range opts.IncludePaths {
			if strings.HasPrefix(path, prefix) {
				match = true
				break
			}
		}
		if !match {
			return false
		}
	}
	if len(opts.IncludeTags) > 0 && !hasAnyTag(op.Tags, opts.IncludeTags) {
		return false
	}
	if len(opts.ExcludeTags) > 0 && hasAnyTag(op.Tags, opts.ExcludeTags) {
		return false
	}
	return true
}

func hasAnyTag(tags, targets []string) bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	for _, t := range targets {
		if set[t] {
			return true
		}
	}
	return false
}
