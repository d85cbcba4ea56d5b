package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/chatwithoats/oats/llm"
	"github.com/chatwithoats/oats/store"
)

// InvocationPlan is everything the invoker needs to execute one compiled
// endpoint.
type InvocationPlan struct {
	ToolName string
	Method   string
	BaseURL  string
	Path     string
	Bindings []Binding
}

// CompiledTool pairs the model-facing schema with its execution plan. The
// plan is nil for function tools and built-ins.
type CompiledTool struct {
	Schema llm.ToolSchema
	Plan   *InvocationPlan
}

// CompileEndpoint turns a stored endpoint into a tool. The schema contains
// only exposed parameters under their model-facing names; everything hidden
// by policy lives in the plan. Output is deterministic: identical inputs
// produce byte-identical schema JSON, so compiled schemas can be cached and
// compared.
func CompileEndpoint(name, description, baseURL string, req *store.ApiRequest) (*CompiledTool, error) {
	params, err := endpointParams(req)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s %s: %w", req.Method, req.Path, err)
	}
	decisions, err := ResolvePolicies(req.SkipParameters, req.ConstantParameters, req.KeysMapping)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s %s: %w", req.Method, req.Path, err)
	}
	bindings, err := MapParameters(params, decisions)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s %s: %w", req.Method, req.Path, err)
	}

	if name == "" {
		name = EndpointToolName(req.Method, req.Path)
	}
	if description == "" {
		description = req.Description
	}
	if description == "" {
		description = fmt.Sprintf("%s %s", req.Method, req.Path)
	}

	schemaJSON, err := exposedSchema(bindings)
	if err != nil {
		return nil, fmt.Errorf("endpoint %s %s: %w", req.Method, req.Path, err)
	}

	return &CompiledTool{
		Schema: llm.ToolSchema{
			Name:        name,
			Description: description,
			Parameters:  schemaJSON,
		},
		Plan: &InvocationPlan{
			ToolName: name,
			Method:   strings.ToUpper(req.Method),
			BaseURL:  baseURL,
			Path:     req.Path,
			Bindings: bindings,
		},
	}, nil
}

// exposedSchema builds the object schema for the exposed parameters.
// Properties are emitted through a map so encoding/json sorts the keys;
// the required list is sorted explicitly.
func exposedSchema(bindings []Binding) (json.RawMessage, error) {
	properties := make(map[string]json.RawMessage)
	var required []string

	for _, b := range bindings {
		if !b.Policy.Exposed() {
			continue
		}
		prop := b.Schema
		if len(prop) == 0 {
			fallback := map[string]string{"type": "string"}
			if b.Description != "" {
				fallback["description"] = b.Description
			}
			encoded, err := json.Marshal(fallback)
			if err != nil {
				return nil, err
			}
			prop = encoded
		}
		properties[b.ExposedName] = prop
		if b.Required {
			required = append(required, b.ExposedName)
		}
	}
	sort.Strings(required)

	schema := struct {
		Type                 string                     `json:"type"`
		Properties           map[string]json.RawMessage `json:"properties"`
		Required             []string                   `json:"required,omitempty"`
		AdditionalProperties bool                       `json:"additionalProperties"`
	}{
		Type:       "object",
		Properties: properties,
		Required:   required,
	}
	encoded, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	return encoded, nil
}

// EndpointToolName derives a tool name from method and path, e.g.
// GET /forecast/{city} -> get_forecast_city.
func EndpointToolName(method, path string) string {
	path = strings.ReplaceAll(path, "/", "_")
	path = strings.ReplaceAll(path, "{", "")
	path = strings.ReplaceAll(path, "}", "")
	path = strings.Trim(path, "_")
	return strings.ToLower(method) + "_" + path
}

// CompileFunctionTool decodes a hand-authored function schema. The stored
// document carries name, description and parameters in one object.
func CompileFunctionTool(tool *store.Tool) (*CompiledTool, error) {
	if len(tool.FunctionSchema) == 0 {
		return nil, fmt.Errorf("tool %s: function tool without schema", tool.ID)
	}
	var doc struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	}
	if err := json.Unmarshal(tool.FunctionSchema, &doc); err != nil {
		return nil, fmt.Errorf("tool %s: decode function schema: %w", tool.ID, err)
	}
	name := doc.Name
	if name == "" {
		name = tool.Name
	}
	if name == "" {
		return nil, fmt.Errorf("tool %s: function schema has no name", tool.ID)
	}
	description := doc.Description
	if description == "" {
		description = tool.Description
	}
	return &CompiledTool{
		Schema: llm.ToolSchema{
			Name:        name,
			Description: description,
			Parameters:  doc.Parameters,
		},
	}, nil
}

// BuiltinSchema returns the passthrough schema for a provider-hosted tool.
// These bypass compilation entirely: the provider knows the shape, we only
// forward the type tag.
func BuiltinSchema(t store.ToolType) (llm.ToolSchema, error) {
	switch t {
	case store.ToolTypeWebSearch, store.ToolTypeFileSearch:
		return llm.ToolSchema{Name: string(t), BuiltinType: string(t)}, nil
	default:
		return llm.ToolSchema{}, fmt.Errorf("not a built-in tool type: %q", t)
	}
}
